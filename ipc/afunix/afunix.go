/*
Package afunix emulates AF_UNIX sockets (SOCK_STREAM and SOCK_DGRAM,
pathname and abstract namespaces) on top of three host facilities: a
named message-mode pipe as the data channel, a durable object in a
shared namespace as the socket name, and a packet framing that carries
the sender's bound name, ancillary data and user payload.

The package presents the POSIX surface: Bind, Listen, Accept, Connect,
Getsockname, Getpeername, Getpeereid, the socket option and fcntl/ioctl
controls, and the file-object fallthrough for pathname sockets. The
data-path operations (SendMsg, RecvMsg and their shims) and Shutdown
are declared with the wire contract reserved for them, but return
EAFNOSUPPORT until a later change completes them.

Blocking entry points take a context.Context; canceling it is the
emulation's signal delivery and surfaces as EINTR.

Every failure carries a POSIX errno retrievable with Errno:

	sock, _ := afunix.New(afunix.Stream, 0)
	if err := sock.Bind(name.Pathname("/tmp/s")); err != nil {
		if afunix.Errno(err) == unix.EADDRINUSE {
			// somebody else got there first
		}
	}
*/
package afunix

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	log "github.com/golang/glog"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/StevenAnn/newlib-cygwin/ipc/afunix/conf"
	"github.com/StevenAnn/newlib-cygwin/ipc/afunix/creds"
	"github.com/StevenAnn/newlib-cygwin/ipc/afunix/interrupt"
	"github.com/StevenAnn/newlib-cygwin/ipc/afunix/name"
	"github.com/StevenAnn/newlib-cygwin/ipc/afunix/npipe"
)

// Type is the socket type.
type Type int

const (
	// Stream is a connection-oriented socket (SOCK_STREAM).
	Stream Type = unix.SOCK_STREAM
	// Dgram is a datagram socket (SOCK_DGRAM).
	Dgram Type = unix.SOCK_DGRAM
)

func (t Type) typeChar() byte {
	if t == Dgram {
		return name.TypeDgram
	}
	return name.TypeStream
}

// Flag bits of a socket, settable at creation and through Fcntl/Ioctl.
type Flag uint32

const (
	// Nonblock puts every operation in non-blocking mode (O_NONBLOCK).
	Nonblock Flag = 1 << iota
	// Cloexec marks the descriptor close-on-exec (O_CLOEXEC).
	Cloexec
	// Append is accepted by F_SETFL for compatibility and has no
	// effect on a socket (O_APPEND).
	Append
)

// DefaultBuffer is the initial rmem/wmem of a socket.
const DefaultBuffer = 262144

// timeoInfinite marks an unset snd/rcv timeout. A timeout set to the
// zero timeval also blocks forever, but reads back as zero.
const timeoInfinite int64 = -1

type bindState int32

const (
	unbound bindState = iota
	bindPending
	bound
)

type connState int32

const (
	unconnected connState = iota
	connectPending
	connected
	connectFailed
	listener
)

// ids produces the 64-bit unique socket ids, which double as inode
// numbers and feed pipe basenames. The high bits are random per process
// so ids never collide across processes sharing a namespace; the low
// bits count monotonically.
var ids = func() *atomic.Uint64 {
	u := uuid.New()
	seed := uint64(u[0])<<56 | uint64(u[1])<<48 | uint64(u[2])<<40 | uint64(u[3])<<32
	a := &atomic.Uint64{}
	a.Store(seed)
	return a
}()

// backingKind is the tri-state of the backing-name handle.
type backingKind int

const (
	// backingNone: no durable object (socket not bound).
	backingNone backingKind = iota
	// backingOpened: a live handle that Close must release.
	backingOpened
	// backingMarker: the object exists but no handle is held; nothing
	// to release at close.
	backingMarker
)

type backingRef struct {
	kind backingKind
	obj  *name.Backing
}

// Socket is one emulated AF_UNIX socket.
//
// Three reader/writer locks guard its state, always acquired in the
// order bindLock, connLock, ioLock, never nested in reverse. The bound
// name changes only under exclusive bindLock, the connection state only
// under exclusive connLock, the pipe handle only under exclusive
// ioLock.
type Socket struct {
	sotype Type
	proto  int
	id     uint64

	cfg      *conf.Config
	registry *name.Registry
	credsrc  creds.Provider

	flags        atomic.Uint32
	rmem, wmem   atomic.Int32
	rcvTimeo     atomic.Int64 // ms; timeoInfinite when unset
	sndTimeo     atomic.Int64
	soError      atomic.Int32
	sawReuseaddr atomic.Bool

	bindLock  sync.RWMutex
	bindState bindState
	sun       *name.SunName
	backing   backingRef
	pipeBase  string // set at bind; names the pipe this socket creates

	connLock  sync.RWMutex
	connState connState
	peerSun   *name.SunName
	peerCred  creds.Cred

	ioLock sync.RWMutex
	pipe   *npipe.Endpoint // I/O view of the data channel
	inst   *npipe.Instance // non-nil when the handle is a server instance

	// Connect waiter bookkeeping. The parameter block moves to the
	// waiter by atomic exchange to nil; whoever reads a non-nil value
	// owns it.
	waitMu     sync.Mutex
	waitTerm   *interrupt.Event
	waitDone   chan struct{}
	waitParam  atomic.Pointer[waitParam]
	waitResult atomic.Int32

	closed atomic.Bool
}

// New creates a socket. Only Stream and Dgram types exist and the
// protocol must be zero.
func New(sotype Type, protocol int, flags ...Flag) (*Socket, error) {
	if sotype != Stream && sotype != Dgram {
		return nil, fmt.Errorf("socket type %d: %w", sotype, unix.EINVAL)
	}
	if protocol != 0 {
		return nil, fmt.Errorf("protocol %d: %w", protocol, unix.EPROTONOSUPPORT)
	}

	s := &Socket{
		sotype:   sotype,
		proto:    protocol,
		id:       ids.Add(1),
		cfg:      conf.Get(),
		credsrc:  creds.Default,
		peerCred: creds.NoPeer(),
	}
	s.registry = &name.Registry{Dir: s.cfg.SharedDir, Key: s.cfg.InstallationKey}
	startJanitor(s.registry)
	s.rmem.Store(DefaultBuffer)
	s.wmem.Store(DefaultBuffer)
	s.rcvTimeo.Store(timeoInfinite)
	s.sndTimeo.Store(timeoInfinite)
	var fl uint32
	for _, f := range flags {
		fl |= uint32(f)
	}
	s.flags.Store(fl)
	return s, nil
}

// Socketpair would create a connected pair of sockets. The exchange
// protocol it needs is not implemented.
func Socketpair(sotype Type, protocol int, flags ...Flag) (*Socket, *Socket, error) {
	if sotype != Stream && sotype != Dgram {
		return nil, nil, fmt.Errorf("socket type %d: %w", sotype, unix.EINVAL)
	}
	if protocol != 0 {
		return nil, nil, fmt.Errorf("protocol %d: %w", protocol, unix.EPROTONOSUPPORT)
	}
	return nil, nil, fmt.Errorf("socketpair: %w", unix.EAFNOSUPPORT)
}

// Ino returns the socket's inode number.
func (s *Socket) Ino() uint64 {
	return s.id
}

// SockType returns the socket type.
func (s *Socket) SockType() Type {
	return s.sotype
}

func (s *Socket) nonblocking() bool {
	return Flag(s.flags.Load())&Nonblock != 0
}

// setFlag sets or clears one flag bit and reports the previous state.
func (s *Socket) setFlag(f Flag, on bool) bool {
	for {
		old := s.flags.Load()
		next := old &^ uint32(f)
		if on {
			next = old | uint32(f)
		}
		if s.flags.CompareAndSwap(old, next) {
			return Flag(old)&f != 0
		}
	}
}

// Getsockname returns the bound name; the unnamed address before bind.
func (s *Socket) Getsockname() name.SunName {
	s.bindLock.RLock()
	defer s.bindLock.RUnlock()
	if s.sun == nil {
		return name.Unnamed()
	}
	return *s.sun
}

// Getpeername returns the peer's name. ENOTCONN before a connection.
func (s *Socket) Getpeername() (name.SunName, error) {
	s.connLock.RLock()
	defer s.connLock.RUnlock()
	if s.connState != connected && s.connState != connectPending {
		return name.SunName{}, fmt.Errorf("getpeername: %w", unix.ENOTCONN)
	}
	if s.peerSun == nil {
		return name.Unnamed(), nil
	}
	return *s.peerSun, nil
}

// Getpeereid returns the peer credentials of a connected stream socket.
// Until a credential exchange exists on the wire these are the recorded
// defaults {0, -1, -1}.
func (s *Socket) Getpeereid() (creds.Cred, error) {
	if s.sotype != Stream {
		return creds.Cred{}, fmt.Errorf("getpeereid: %w", unix.EINVAL)
	}
	s.connLock.RLock()
	defer s.connLock.RUnlock()
	if s.connState != connected {
		return creds.Cred{}, fmt.Errorf("getpeereid: %w", unix.ENOTCONN)
	}
	return s.peerCred, nil
}

// setSun replaces the bound name. Callers hold exclusive bindLock.
func (s *Socket) setSun(n *name.SunName) {
	s.sun = n
}

// setPeerSun replaces the peer name. Callers hold exclusive connLock or
// sole ownership of a socket not yet exposed.
func (s *Socket) setPeerSun(n *name.SunName) {
	s.peerSun = n
}

// installPipe publishes the data channel. inst may be nil for a client
// handle.
func (s *Socket) installPipe(ep *npipe.Endpoint, inst *npipe.Instance) {
	s.ioLock.Lock()
	defer s.ioLock.Unlock()
	s.pipe = ep
	s.inst = inst
	if ep != nil {
		ep.SetNonblocking(s.nonblocking())
	}
}

// takePipe removes and returns the data channel.
func (s *Socket) takePipe() (*npipe.Endpoint, *npipe.Instance) {
	s.ioLock.Lock()
	defer s.ioLock.Unlock()
	ep, inst := s.pipe, s.inst
	s.pipe, s.inst = nil, nil
	return ep, inst
}

// Close tears the socket down: terminate and join the connect waiter,
// close the pipe handle, release the backing object. No lock is held
// across the join. Close is idempotent and infallible from the
// caller's perspective; problems are aggregated and logged.
func (s *Socket) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	// Stop the waiter first so nothing publishes a pipe mid-teardown.
	s.waitMu.Lock()
	term, done := s.waitTerm, s.waitDone
	s.waitTerm, s.waitDone = nil, nil
	s.waitMu.Unlock()
	if term != nil {
		term.Set()
	}
	if done != nil {
		<-done
	}
	if p := s.waitParam.Swap(nil); p != nil {
		// The waiter never took ownership; nothing else to release in a
		// garbage-collected world, but the handoff contract is kept.
		log.V(2).Infof("afunix: socket %d reclaimed waiter param", s.id)
	}

	var errs error
	ep, inst := s.takePipe()
	if inst != nil {
		errs = multierr.Append(errs, inst.Close())
	} else if ep != nil {
		errs = multierr.Append(errs, ep.Close())
	}

	s.bindLock.Lock()
	if s.backing.kind == backingOpened {
		s.backing.obj.Close()
	}
	s.backing = backingRef{}
	s.bindLock.Unlock()

	if errs != nil {
		log.Errorf("afunix: close of socket %d: %s", s.id, errs)
	}
	return nil
}

// The namespace janitor is process-wide and lives as long as the
// process; the first socket created starts it, like the lazily
// initialized pipe-namespace directory handle it sits next to.
var janitorOnce sync.Once

func startJanitor(r *name.Registry) {
	janitorOnce.Do(func() {
		if _, err := name.NewJanitor(r); err != nil {
			log.Errorf("afunix: cannot start the namespace janitor: %s", err)
		}
	})
}

// Errno extracts the POSIX error number from any error returned by
// this package. It reports 0 for nil and EIO for errors without one.
func Errno(err error) unix.Errno {
	if err == nil {
		return 0
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return unix.EIO
}

// mapPipeErr converts a transport failure to its errno once, at the
// call site boundary.
func mapPipeErr(err error) unix.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, npipe.ErrTimeout):
		return unix.ETIMEDOUT
	case errors.Is(err, npipe.ErrTerminated),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return unix.EINTR
	case errors.Is(err, npipe.ErrWouldBlock), errors.Is(err, npipe.ErrListening):
		return unix.EAGAIN
	case errors.Is(err, npipe.ErrDisconnected):
		return unix.ECONNRESET
	case errors.Is(err, npipe.ErrExists):
		return unix.EADDRINUSE
	case errors.Is(err, npipe.ErrNotFound), errors.Is(err, npipe.ErrPipeNotAvailable):
		return unix.ENOENT
	case errors.Is(err, npipe.ErrPipeBusy), errors.Is(err, npipe.ErrInstanceNotAvailable):
		return unix.EBUSY
	case errors.Is(err, npipe.ErrMaxInstances):
		return unix.ENOBUFS
	case errors.Is(err, npipe.ErrMsgTooBig):
		return unix.EMSGSIZE
	default:
		return Errno(err)
	}
}

// waitBindSettled parks while a concurrent bind is in flight. Callers
// hold no locks.
func (s *Socket) waitBindSettled() {
	for {
		s.bindLock.RLock()
		pending := s.bindState == bindPending
		s.bindLock.RUnlock()
		if !pending {
			return
		}
		runtime.Gosched()
	}
}
