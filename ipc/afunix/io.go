package afunix

// io.go: the data-path surface. Everything funnels into SendMsg and
// RecvMsg, exactly as the POSIX shims do, so completing those two
// later lights up the whole family. The packet contract (wire package)
// already reserves the name, ancillary and data regions plus the
// shutdown info they need.

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/StevenAnn/newlib-cygwin/ipc/afunix/name"
)

// Msghdr is the message form shared by SendMsg and RecvMsg.
type Msghdr struct {
	// Name is the peer address: the destination for SendMsg, the
	// source filled in by RecvMsg.
	Name *name.SunName
	// Buffers is the scatter/gather list.
	Buffers [][]byte
	// Control is the ancillary data block.
	Control []byte
	// Flags reports MSG_* conditions on receive.
	Flags int
}

// SendMsg transmits one message. Not realized yet; the framing carries
// everything it needs.
func (s *Socket) SendMsg(msg *Msghdr, flags int) (int, error) {
	return -1, fmt.Errorf("sendmsg: %w", unix.EAFNOSUPPORT)
}

// RecvMsg receives one message. Not realized yet.
func (s *Socket) RecvMsg(msg *Msghdr, flags int) (int, error) {
	return -1, fmt.Errorf("recvmsg: %w", unix.EAFNOSUPPORT)
}

// SendTo wraps b and the destination sun into a Msghdr for SendMsg and
// reports what SendMsg reports; no datagram is transmitted.
func (s *Socket) SendTo(b []byte, flags int, sun name.SunName) (int, error) {
	msg := Msghdr{Name: &sun, Buffers: [][]byte{b}}
	return s.SendMsg(&msg, flags)
}

// RecvFrom passes b to RecvMsg and reports what RecvMsg reports; no
// data is received and the returned sender name is the zero SunName.
func (s *Socket) RecvFrom(b []byte, flags int) (int, name.SunName, error) {
	var from name.SunName
	msg := Msghdr{Name: &from, Buffers: [][]byte{b}}
	n, err := s.RecvMsg(&msg, flags)
	return n, from, err
}

// Read implements the plain read(2) shape over RecvMsg.
func (s *Socket) Read(b []byte) (int, error) {
	msg := Msghdr{Buffers: [][]byte{b}}
	return s.RecvMsg(&msg, 0)
}

// Write implements the plain write(2) shape over SendMsg.
func (s *Socket) Write(b []byte) (int, error) {
	msg := Msghdr{Buffers: [][]byte{b}}
	return s.SendMsg(&msg, 0)
}

// Readv gathers into multiple buffers.
func (s *Socket) Readv(bufs [][]byte) (int, error) {
	msg := Msghdr{Buffers: bufs}
	return s.RecvMsg(&msg, 0)
}

// Writev scatters from multiple buffers.
func (s *Socket) Writev(bufs [][]byte) (int, error) {
	msg := Msghdr{Buffers: bufs}
	return s.SendMsg(&msg, 0)
}

// Shutdown closes one or both directions. Not realized yet; the wire
// header's shut_info field is reserved for it.
func (s *Socket) Shutdown(how int) error {
	switch how {
	case unix.SHUT_RD, unix.SHUT_WR, unix.SHUT_RDWR:
	default:
		return fmt.Errorf("shutdown %d: %w", how, unix.EINVAL)
	}
	return fmt.Errorf("shutdown: %w", unix.EAFNOSUPPORT)
}
