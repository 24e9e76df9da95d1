package afunix

// options.go: the socket option, ioctl and fcntl surface. AF_UNIX
// sockets ignore most SOL_SOCKET options; the ones with teeth here are
// the buffer sizes (which only affect later pipe creations), the
// timeouts, SO_ERROR and SO_PEERCRED.

import (
	"fmt"
	"math"

	"golang.org/x/sys/unix"

	"github.com/StevenAnn/newlib-cygwin/ipc/afunix/creds"
)

// Linger mirrors struct linger. AF_UNIX sockets always report it off.
type Linger struct {
	Onoff  int32
	Linger int32
}

// FIONBIO and FIOASYNC are standard Linux ioctl request codes
// (asm-generic/ioctls.h); golang.org/x/sys/unix does not export them.
const (
	fionbio  = 0x5421
	fioasync = 0x5452
)

// SetsockoptInt handles integer-valued options. Unknown SOL_SOCKET
// options succeed silently; other levels report ENOPROTOOPT.
func (s *Socket) SetsockoptInt(level, opt, value int) error {
	if level != unix.SOL_SOCKET {
		return fmt.Errorf("setsockopt level %d: %w", level, unix.ENOPROTOOPT)
	}
	switch opt {
	case unix.SO_REUSEADDR:
		s.sawReuseaddr.Store(value != 0)
	case unix.SO_RCVBUF:
		s.rmem.Store(int32(value))
	case unix.SO_SNDBUF:
		s.wmem.Store(int32(value))
	case unix.SO_PASSCRED:
		// Accepted; credential passing is not realized yet.
	default:
		// AF_UNIX sockets simply ignore all other SOL_SOCKET options.
	}
	return nil
}

// SetsockoptTimeval handles SO_RCVTIMEO and SO_SNDTIMEO. A timeval
// that does not convert to milliseconds reports EDOM.
func (s *Socket) SetsockoptTimeval(level, opt int, tv unix.Timeval) error {
	if level != unix.SOL_SOCKET {
		return fmt.Errorf("setsockopt level %d: %w", level, unix.ENOPROTOOPT)
	}
	if opt != unix.SO_RCVTIMEO && opt != unix.SO_SNDTIMEO {
		return nil
	}
	ms, ok := timevalToMS(tv)
	if !ok {
		return fmt.Errorf("setsockopt timeout: %w", unix.EDOM)
	}
	if opt == unix.SO_RCVTIMEO {
		s.rcvTimeo.Store(ms)
	} else {
		s.sndTimeo.Store(ms)
	}
	return nil
}

// timevalToMS converts a timeval to milliseconds. The zero timeval
// means "block forever" and converts to the infinite sentinel.
func timevalToMS(tv unix.Timeval) (int64, bool) {
	if tv.Sec < 0 || tv.Usec < 0 || tv.Usec >= 1000000 {
		return 0, false
	}
	if tv.Sec == 0 && tv.Usec == 0 {
		return timeoInfinite, true
	}
	sec := int64(tv.Sec)
	if sec > (math.MaxInt64-1000)/1000 {
		return 0, false
	}
	return sec*1000 + int64(tv.Usec)/1000, true
}

// GetsockoptInt handles integer-valued options. SO_ERROR reads and
// clears the latched asynchronous error. Unknown SOL_SOCKET options
// read zero; other levels report ENOPROTOOPT.
func (s *Socket) GetsockoptInt(level, opt int) (int, error) {
	if level != unix.SOL_SOCKET {
		return 0, fmt.Errorf("getsockopt level %d: %w", level, unix.ENOPROTOOPT)
	}
	switch opt {
	case unix.SO_ERROR:
		return int(s.soError.Swap(0)), nil
	case unix.SO_REUSEADDR:
		if s.sawReuseaddr.Load() {
			return 1, nil
		}
		return 0, nil
	case unix.SO_RCVBUF:
		return int(s.rmem.Load()), nil
	case unix.SO_SNDBUF:
		return int(s.wmem.Load()), nil
	case unix.SO_TYPE:
		return int(s.sotype), nil
	default:
		return 0, nil
	}
}

// GetsockoptTimeval reads SO_RCVTIMEO/SO_SNDTIMEO back as a timeval;
// both the zero and the infinite timeout read as the zero timeval.
func (s *Socket) GetsockoptTimeval(level, opt int) (unix.Timeval, error) {
	if level != unix.SOL_SOCKET {
		return unix.Timeval{}, fmt.Errorf("getsockopt level %d: %w", level, unix.ENOPROTOOPT)
	}
	var ms int64
	switch opt {
	case unix.SO_RCVTIMEO:
		ms = s.rcvTimeo.Load()
	case unix.SO_SNDTIMEO:
		ms = s.sndTimeo.Load()
	default:
		return unix.Timeval{}, nil
	}
	if ms <= 0 {
		return unix.Timeval{}, nil
	}
	return unix.Timeval{Sec: ms / 1000, Usec: (ms % 1000) * 1000}, nil
}

// GetsockoptLinger reads SO_LINGER, which is always off here.
func (s *Socket) GetsockoptLinger(level, opt int) (Linger, error) {
	if level != unix.SOL_SOCKET {
		return Linger{}, fmt.Errorf("getsockopt level %d: %w", level, unix.ENOPROTOOPT)
	}
	return Linger{}, nil
}

// GetsockoptPeercred reads SO_PEERCRED of a connected socket.
func (s *Socket) GetsockoptPeercred(level, opt int) (creds.Cred, error) {
	if level != unix.SOL_SOCKET {
		return creds.Cred{}, fmt.Errorf("getsockopt level %d: %w", level, unix.ENOPROTOOPT)
	}
	return s.Getpeereid()
}

// Ioctl handles FIONBIO; FIOASYNC and SIOCATMARK are accepted without
// effect, and any other request reports EINVAL. The pipe completion
// mode is switched only when the flag actually changes.
func (s *Socket) Ioctl(cmd uint, arg int) error {
	switch cmd {
	case fionbio:
		was := s.setFlag(Nonblock, arg != 0)
		if was != (arg != 0) {
			s.syncPipeMode()
		}
	case fioasync, unix.SIOCATMARK:
		// Accepted, no effect.
	default:
		return fmt.Errorf("ioctl %#x: %w", cmd, unix.EINVAL)
	}
	return nil
}

// FcntlFlags is the O_* view of the socket flags used by F_GETFL and
// F_SETFL.
func (s *Socket) FcntlFlags() int {
	var o int
	f := Flag(s.flags.Load())
	if f&Nonblock != 0 {
		o |= unix.O_NONBLOCK
	}
	if f&Append != 0 {
		o |= unix.O_APPEND
	}
	return o
}

// SetFcntlFlags implements F_SETFL: only O_APPEND and O_NONBLOCK are
// accepted, and the pipe completion mode follows O_NONBLOCK
// transitions.
func (s *Socket) SetFcntlFlags(o int) error {
	s.setFlag(Append, o&unix.O_APPEND != 0)
	was := s.setFlag(Nonblock, o&unix.O_NONBLOCK != 0)
	if was != (o&unix.O_NONBLOCK != 0) {
		s.syncPipeMode()
	}
	return nil
}

// syncPipeMode pushes the non-blocking flag into the pipe handle. Also
// forces message read mode, which the transport keeps inherent.
func (s *Socket) syncPipeMode() {
	s.ioLock.Lock()
	defer s.ioLock.Unlock()
	if s.pipe != nil {
		s.pipe.SetNonblocking(s.nonblocking())
	}
}
