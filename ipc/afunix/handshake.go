package afunix

// handshake.go: the peer-name exchange. A connecting bound stream
// socket announces its name right after the open; the acceptor reads
// that packet to learn who connected. A socket that binds while
// already connected announces again.

import (
	"context"
	"errors"
	"fmt"

	log "github.com/golang/glog"
	"golang.org/x/sys/unix"

	"github.com/StevenAnn/newlib-cygwin/ipc/afunix/name"
	"github.com/StevenAnn/newlib-cygwin/ipc/afunix/npipe"
	"github.com/StevenAnn/newlib-cygwin/ipc/afunix/wire"
)

// sendMyName writes the header-only packet carrying the local bound
// name (which may be unnamed). Fire and forget: the write happens in
// forced non-blocking mode and failures are the caller's to log, not
// to fail a connect over.
func (s *Socket) sendMyName() error {
	s.bindLock.RLock()
	var raw []byte
	if s.sun != nil {
		raw = s.sun.Raw()
	} else {
		raw = name.Unnamed().Raw()
	}
	s.bindLock.RUnlock()

	pkt := wire.Packet{Name: raw}
	b, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("marshal name packet: %w", err)
	}

	s.ioLock.Lock()
	defer s.ioLock.Unlock()
	if s.pipe == nil {
		return fmt.Errorf("send name: %w", unix.ENOTCONN)
	}
	s.pipe.SetNonblocking(true)
	err = s.pipe.WriteMsg(context.Background(), b, 0)
	s.pipe.SetNonblocking(s.nonblocking())
	if err != nil {
		return fmt.Errorf("send name: %w", mapPipeErr(err))
	}
	return nil
}

// recvPeerName reads one packet to learn the peer's name, in forced
// blocking mode with the connect timeout. It runs on a socket user
// space has not seen yet, so no locks are required. A timeout means
// the connector never spoke: ECONNABORTED.
func (s *Socket) recvPeerName(ctx context.Context) error {
	if s.pipe == nil {
		return fmt.Errorf("recv peer name: %w", unix.ENOTCONN)
	}
	s.pipe.SetNonblocking(false)
	b, err := s.pipe.ReadMsg(ctx, s.cfg.ConnectTimeout())
	s.pipe.SetNonblocking(s.nonblocking())
	if err != nil {
		switch {
		case errors.Is(err, npipe.ErrTimeout):
			return fmt.Errorf("recv peer name: %w", unix.ECONNABORTED)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return fmt.Errorf("recv peer name: %w", unix.EINTR)
		default:
			return fmt.Errorf("recv peer name: %w", mapPipeErr(err))
		}
	}

	pkt, err := wire.Parse(b)
	if err != nil {
		return fmt.Errorf("recv peer name: %w", err)
	}
	if len(pkt.Name) > 0 {
		peer := name.FromRaw(pkt.Name, len(pkt.Name))
		s.setPeerSun(&peer)
		log.V(2).Infof("afunix: socket %d peer is %s", s.id, peer)
	}
	return nil
}
