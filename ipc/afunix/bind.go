package afunix

// bind.go: binding a socket to a name. Bind creates the backing object
// and generates the pipe basename; a datagram socket also creates its
// pipe here, a stream socket defers that to Listen or Connect.

import (
	"fmt"

	log "github.com/golang/glog"
	"golang.org/x/sys/unix"

	"github.com/StevenAnn/newlib-cygwin/ipc/afunix/name"
	"github.com/StevenAnn/newlib-cygwin/ipc/afunix/npipe"
)

// Bind attaches the socket to sun. An unnamed address autobinds to a
// fresh abstract name. Binding twice reports EINVAL; a concurrent bind
// in flight reports EALREADY; a taken name reports EADDRINUSE.
func (s *Socket) Bind(sun name.SunName) error {
	if sun.Family != unix.AF_UNIX {
		return fmt.Errorf("bind: family %d: %w", sun.Family, unix.EINVAL)
	}

	s.bindLock.Lock()
	switch s.bindState {
	case bindPending:
		s.bindLock.Unlock()
		return fmt.Errorf("bind: %w", unix.EALREADY)
	case bound:
		s.bindLock.Unlock()
		return fmt.Errorf("bind: already bound: %w", unix.EINVAL)
	}
	s.bindState = bindPending
	s.bindLock.Unlock()

	fail := func(err error) error {
		s.bindLock.Lock()
		s.bindState = unbound
		s.bindLock.Unlock()
		return err
	}

	// The single-NUL abstract name is invalid even though an unnamed
	// address (which autobinds) is fine.
	if !sun.IsUnnamed() {
		if err := sun.Validate(); err != nil {
			return fail(fmt.Errorf("bind: %w", err))
		}
	}

	pipeBase := name.PipeBase(s.cfg.InstallationKey, s.sotype.typeChar(), s.id)

	// A datagram socket receives through its own pipe, so the pipe must
	// exist as soon as the name does.
	var inst *npipe.Instance
	if s.sotype == Dgram {
		var err error
		inst, err = npipe.Create(pipeBase, 1, int(s.rmem.Load()), int(s.wmem.Load()))
		if err != nil {
			return fail(fmt.Errorf("bind: create pipe: %w", mapPipeErr(err)))
		}
	}

	var backing *name.Backing
	var err error
	if sun.IsUnnamed() {
		sun, backing, err = s.registry.Autobind(pipeBase)
	} else {
		backing, err = s.registry.Create(sun, pipeBase)
	}
	if err != nil {
		if inst != nil {
			inst.Close()
		}
		return fail(fmt.Errorf("bind: %w", err))
	}

	if inst != nil {
		s.installPipe(&inst.Endpoint, inst)
	}

	s.bindLock.Lock()
	own := sun
	s.setSun(&own)
	s.pipeBase = pipeBase
	kind := backingOpened
	if !backing.Abstract {
		// Pathname markers are not held open; only the entry matters.
		kind = backingMarker
	}
	s.backing = backingRef{kind: kind, obj: backing}
	s.bindLock.Unlock()

	// A socket bound after it connected announces its new name to the
	// peer (border case, but still).
	s.connLock.RLock()
	isConnected := s.connState == connected
	s.connLock.RUnlock()
	if isConnected {
		if err := s.sendMyName(); err != nil {
			log.Errorf("afunix: socket %d could not send its name after bind: %s", s.id, err)
		}
	}

	s.bindLock.Lock()
	s.bindState = bound
	s.bindLock.Unlock()
	return nil
}
