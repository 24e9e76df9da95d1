package afunix

// listen.go: the server side. Listen creates the pipe of a bound stream
// socket; Accept waits for a client, hands the connected instance to a
// child socket and installs a fresh instance in the listener.

import (
	"context"
	"errors"
	"fmt"

	log "github.com/golang/glog"
	"golang.org/x/sys/unix"

	"github.com/StevenAnn/newlib-cygwin/ipc/afunix/creds"
	"github.com/StevenAnn/newlib-cygwin/ipc/afunix/npipe"
)

// Listen turns a bound stream socket into a listener. The backlog is
// accepted for interface compatibility; the pipe service imposes no
// instance backlog of its own.
func (s *Socket) Listen(backlog int) error {
	if s.sotype == Dgram {
		return fmt.Errorf("listen: %w", unix.EOPNOTSUPP)
	}

	s.waitBindSettled()
	s.bindLock.RLock()
	notBound := s.bindState == unbound
	pipeBase := s.pipeBase
	s.bindLock.RUnlock()
	if notBound {
		return fmt.Errorf("listen: %w", unix.EDESTADDRREQ)
	}

	s.connLock.Lock()
	defer s.connLock.Unlock()
	if s.connState != unconnected && s.connState != connectFailed {
		if s.connState == listener {
			return fmt.Errorf("listen: %w", unix.EADDRINUSE)
		}
		return fmt.Errorf("listen: %w", unix.EINVAL)
	}

	inst, err := npipe.Create(pipeBase, npipe.Unlimited, int(s.rmem.Load()), int(s.wmem.Load()))
	if err != nil {
		s.connState = unconnected
		return fmt.Errorf("listen: create pipe: %w", mapPipeErr(err))
	}
	s.installPipe(&inst.Endpoint, inst)
	s.connState = listener
	log.V(2).Infof("afunix: socket %d listening on %s (backlog %d)", s.id, pipeBase, backlog)
	return nil
}

// Accept waits for a client on a listening socket and returns the
// connected child socket. In non-blocking mode EAGAIN reports that no
// client is pending; a canceled ctx reports EINTR and the socket stays
// a listener.
func (s *Socket) Accept(ctx context.Context, flags ...Flag) (*Socket, error) {
	if s.sotype != Stream {
		return nil, fmt.Errorf("accept: %w", unix.EOPNOTSUPP)
	}
	s.connLock.RLock()
	isListener := s.connState == listener
	s.connLock.RUnlock()
	if !isListener {
		return nil, fmt.Errorf("accept: %w", unix.EINVAL)
	}

	if err := s.listenPipe(ctx); err != nil {
		return nil, err
	}

	// The current handle now carries a client and becomes the accepted
	// socket; the listener needs a fresh instance before anything else
	// can connect.
	s.ioLock.Lock()
	accepted := s.inst
	fresh, err := npipe.CreateInstance(s.pipeBase)
	if err != nil {
		s.ioLock.Unlock()
		accepted.Disconnect()
		return nil, fmt.Errorf("accept: no instance for the next client: %w", unix.ENOBUFS)
	}
	s.pipe, s.inst = &fresh.Endpoint, fresh
	s.pipe.SetNonblocking(s.nonblocking())
	s.ioLock.Unlock()

	child, err := s.makeAccepted(ctx, accepted, flags)
	if err != nil {
		accepted.Disconnect()
		return nil, err
	}
	return child, nil
}

// makeAccepted builds the child socket around a connected instance and
// runs the peer-name handshake. The child is not visible to anyone
// else yet, so no child locks are taken.
func (s *Socket) makeAccepted(ctx context.Context, accepted *npipe.Instance, flags []Flag) (*Socket, error) {
	child := &Socket{
		sotype:   s.sotype,
		proto:    s.proto,
		id:       ids.Add(1),
		cfg:      s.cfg,
		registry: s.registry,
		credsrc:  s.credsrc,
		peerCred: creds.NoPeer(),
	}
	child.rmem.Store(s.rmem.Load())
	child.wmem.Store(s.wmem.Load())
	child.rcvTimeo.Store(timeoInfinite)
	child.sndTimeo.Store(timeoInfinite)
	var fl uint32
	for _, f := range flags {
		fl |= uint32(f)
	}
	child.flags.Store(fl)

	s.bindLock.RLock()
	if s.sun != nil {
		sun := *s.sun
		child.sun = &sun
	}
	child.pipeBase = s.pipeBase
	child.bindState = s.bindState
	s.bindLock.RUnlock()

	child.connState = connected
	child.pipe, child.inst = &accepted.Endpoint, accepted
	child.pipe.SetNonblocking(child.nonblocking())

	if err := child.recvPeerName(ctx); err != nil {
		return nil, fmt.Errorf("accept: %w", err)
	}
	return child, nil
}

// listenPipe runs the pipe-listen control with the interruption and
// non-blocking mappings of the socket layer.
func (s *Socket) listenPipe(ctx context.Context) error {
	s.ioLock.RLock()
	inst := s.inst
	s.ioLock.RUnlock()
	if inst == nil {
		return fmt.Errorf("accept: %w", unix.EINVAL)
	}

	err := inst.Listen(ctx, s.nonblocking())
	switch {
	case err == nil:
		return nil
	case errors.Is(err, npipe.ErrListening):
		return fmt.Errorf("accept: %w", unix.EAGAIN)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("accept: %w", unix.EINTR)
	default:
		return fmt.Errorf("accept: %w", mapPipeErr(err))
	}
}
