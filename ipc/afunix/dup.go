package afunix

// dup.go: descriptor duplication bookkeeping. A duplicate shares the
// data channel and the bound identity but gets fresh locks and no
// waiter state of its own.

import (
	"github.com/StevenAnn/newlib-cygwin/ipc/afunix/name"
)

// Dup returns a duplicate descriptor for the socket. The duplicate
// takes its own reference on the pipe handle, so the data channel
// survives until the last of the twins closes; names, states, buffer
// sizes and flags are copied, the connect-waiter fields start empty.
func (s *Socket) Dup() *Socket {
	d := &Socket{
		sotype:   s.sotype,
		proto:    s.proto,
		id:       s.id,
		cfg:      s.cfg,
		registry: s.registry,
		credsrc:  s.credsrc,
	}
	d.flags.Store(s.flags.Load())
	d.rmem.Store(s.rmem.Load())
	d.wmem.Store(s.wmem.Load())
	d.rcvTimeo.Store(s.rcvTimeo.Load())
	d.sndTimeo.Store(s.sndTimeo.Load())
	d.soError.Store(s.soError.Load())
	d.sawReuseaddr.Store(s.sawReuseaddr.Load())

	s.bindLock.RLock()
	d.bindState = s.bindState
	if s.sun != nil {
		sun := *s.sun
		d.sun = &sun
	}
	d.pipeBase = s.pipeBase
	// The duplicate does not own the backing object; only the original
	// releases an abstract link at close.
	if s.backing.kind != backingNone {
		d.backing = backingRef{kind: backingMarker, obj: s.backing.obj}
	}
	s.bindLock.RUnlock()

	s.connLock.RLock()
	d.connState = s.connState
	if s.peerSun != nil {
		peer := *s.peerSun
		d.peerSun = &peer
	}
	d.peerCred = s.peerCred
	s.connLock.RUnlock()

	s.ioLock.RLock()
	switch {
	case s.inst != nil:
		d.inst = s.inst.Dup()
		d.pipe = &d.inst.Endpoint
	case s.pipe != nil:
		d.pipe = s.pipe.Dup()
	}
	s.ioLock.RUnlock()
	return d
}

// SetCloseOnExec flips the close-on-exec flag. Only the flag bit
// changes; the backing object of a bound socket is not touched.
func (s *Socket) SetCloseOnExec(v bool) {
	s.setFlag(Cloexec, v)
}

// BoundBacking exposes the durable object behind the bound name, for
// callers that manage descriptor inheritance. Nil when unbound.
func (s *Socket) BoundBacking() *name.Backing {
	s.bindLock.RLock()
	defer s.bindLock.RUnlock()
	return s.backing.obj
}
