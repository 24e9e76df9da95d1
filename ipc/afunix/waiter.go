package afunix

// waiter.go: the rendezvous waiter. When a connect finds no pipe
// instance available it parks an auxiliary task on the namespace-level
// "wait for pipe instance" control and retries the open. The waiter
// owns a parameter block handed over by atomic pointer exchange, is
// terminated through an event the socket keeps, and publishes its
// outcome through so_error and the connect state.

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/golang/glog"
	"golang.org/x/sys/unix"

	"github.com/StevenAnn/newlib-cygwin/ipc/afunix/interrupt"
	"github.com/StevenAnn/newlib-cygwin/ipc/afunix/npipe"
)

// waitParam is the waiter's parameter block.
type waitParam struct {
	pipeBase string
	term     *interrupt.Event
}

// waitPipe starts the waiter. In blocking mode the caller joins it and
// returns its outcome; in non-blocking mode EINPROGRESS reports that
// the waiter runs on and will settle connState and so_error itself.
func (s *Socket) waitPipe(ctx context.Context, pipeBase string) error {
	term := interrupt.NewEvent()
	done := make(chan struct{})

	s.waitMu.Lock()
	s.waitTerm = term
	s.waitDone = done
	s.waitMu.Unlock()

	param := &waitParam{pipeBase: pipeBase, term: term}
	s.waitParam.Store(param)

	go s.waitPipeTask(done)

	if s.nonblocking() {
		return fmt.Errorf("connect: %w", unix.EINPROGRESS)
	}

	switch interrupt.Wait(ctx, done, interrupt.Infinite) {
	case interrupt.Signaled:
		// The signal wins for the caller, but the waiter must still be
		// brought home before its bookkeeping is dropped.
		term.Set()
		<-done
		s.clearWaiter()
		return fmt.Errorf("connect: %w", unix.EINTR)
	default:
		s.clearWaiter()
		if errno := unix.Errno(s.waitResult.Load()); errno != 0 {
			return fmt.Errorf("connect: %w", errno)
		}
		return nil
	}
}

func (s *Socket) clearWaiter() {
	s.waitMu.Lock()
	s.waitTerm = nil
	s.waitDone = nil
	s.waitMu.Unlock()
}

// waitPipeTask is the waiter body. It must, in this order: publish the
// pipe handle on success, send the local name, store so_error, and move
// connState to connected or connectFailed under conn_lock.
func (s *Socket) waitPipeTask(done chan struct{}) {
	defer close(done)

	param := s.waitParam.Swap(nil)
	if param == nil {
		// Close beat us to the block; nothing to do.
		s.waitResult.Store(int32(unix.EINTR))
		return
	}

	var errno unix.Errno
	start := time.Now()
	total := s.cfg.ConnectTimeout()
	for {
		remaining := total - time.Since(start)
		if remaining <= 0 {
			errno = unix.ETIMEDOUT
			break
		}
		err := npipe.WaitInstance(context.Background(), param.pipeBase, remaining, param.term.Done())
		switch {
		case errors.Is(err, npipe.ErrTimeout):
			errno = unix.ETIMEDOUT
		case errors.Is(err, npipe.ErrTerminated):
			errno = unix.EINTR
		case err != nil:
			errno = unix.EIO
		}
		if err != nil {
			break
		}

		ep, err := npipe.Open(param.pipeBase)
		if npipe.IsNoInstanceAvailable(err) {
			// A concurrent connect grabbed the instance under our
			// nose; adjust the remaining time and wait again.
			continue
		}
		if err != nil {
			errno = mapPipeErr(err)
			break
		}

		s.installPipe(ep, nil)
		if herr := s.sendMyName(); herr != nil {
			log.Errorf("afunix: socket %d could not send its name: %s", s.id, herr)
		}
		errno = 0
		break
	}

	s.connLock.Lock()
	s.soError.Store(int32(errno))
	if errno != 0 {
		s.connState = connectFailed
		s.setPeerSun(nil)
	} else {
		s.connState = connected
	}
	s.connLock.Unlock()
	s.waitResult.Store(int32(errno))
	if errno != 0 {
		log.V(2).Infof("afunix: socket %d connect waiter finished: %s", s.id, errno)
	}
}
