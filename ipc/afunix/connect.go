package afunix

// connect.go: the client side. Connect resolves the peer name to its
// pipe, opens an instance (or starts the rendezvous waiter when none is
// available) and runs the send-my-name handshake.

import (
	"context"
	"fmt"

	log "github.com/golang/glog"
	"golang.org/x/sys/unix"

	"github.com/StevenAnn/newlib-cygwin/ipc/afunix/name"
	"github.com/StevenAnn/newlib-cygwin/ipc/afunix/npipe"
)

// Connect connects the socket to the peer bound at sun. A stream
// socket with no instance available parks on the rendezvous: blocking
// mode waits up to the connect timeout, non-blocking mode reports
// EINPROGRESS and finishes asynchronously (watch SO_ERROR). A datagram
// socket merely records the peer.
func (s *Socket) Connect(ctx context.Context, sun name.SunName) error {
	s.connLock.Lock()
	switch s.connState {
	case connectPending:
		s.connLock.Unlock()
		return fmt.Errorf("connect: %w", unix.EALREADY)
	case listener:
		s.connLock.Unlock()
		return fmt.Errorf("connect: %w", unix.EADDRINUSE)
	case connected:
		if s.sotype != Dgram {
			s.connLock.Unlock()
			return fmt.Errorf("connect: %w", unix.EISCONN)
		}
	}
	s.connState = connectPending
	s.connLock.Unlock()

	unwind := func(st connState, err error) error {
		s.connLock.Lock()
		s.connState = st
		if st == connectFailed {
			s.setPeerSun(nil)
		}
		s.connLock.Unlock()
		return err
	}

	// Name validity, in the order the errors are specified: an empty
	// path is EINVAL, a wrong family EAFNOSUPPORT, the single-NUL
	// abstract name EINVAL again.
	if sun.Len() <= name.FamilyLen {
		return unwind(unconnected, fmt.Errorf("connect: empty address: %w", unix.EINVAL))
	}
	if sun.Family != unix.AF_UNIX {
		return unwind(unconnected, fmt.Errorf("connect: family %d: %w", sun.Family, unix.EAFNOSUPPORT))
	}
	if sun.Len() == 3 && sun.IsAbstract() {
		return unwind(unconnected, fmt.Errorf("connect: single-NUL abstract address: %w", unix.EINVAL))
	}

	pipeBase, peerType, err := s.registry.Open(sun)
	if err != nil {
		return unwind(unconnected, fmt.Errorf("connect: %w", err))
	}
	if peerType != s.sotype.typeChar() {
		return unwind(unconnected, fmt.Errorf("connect: peer is not a %c socket: %w", s.sotype.typeChar(), unix.EINVAL))
	}

	s.connLock.Lock()
	peer := sun
	s.setPeerSun(&peer)
	s.connLock.Unlock()

	if s.sotype == Dgram {
		s.connLock.Lock()
		s.connState = connected
		s.connLock.Unlock()
		return nil
	}

	if err := s.connectPipe(ctx, pipeBase); err != nil {
		if Errno(err) == unix.EINPROGRESS {
			// The waiter owns the transition from here on.
			return err
		}
		return unwind(connectFailed, err)
	}

	s.connLock.Lock()
	s.connState = connected
	s.connLock.Unlock()
	return nil
}

// connectPipe tries the open directly and falls back to the waiter when
// no instance is available.
func (s *Socket) connectPipe(ctx context.Context, pipeBase string) error {
	ep, err := npipe.Open(pipeBase)
	if npipe.IsNoInstanceAvailable(err) {
		return s.waitPipe(ctx, pipeBase)
	}
	if err != nil {
		errno := mapPipeErr(err)
		s.soError.Store(int32(errno))
		return fmt.Errorf("connect: open pipe: %w", errno)
	}

	s.installPipe(ep, nil)
	if herr := s.sendMyName(); herr != nil {
		log.Errorf("afunix: socket %d could not send its name: %s", s.id, herr)
	}
	s.soError.Store(0)
	return nil
}
