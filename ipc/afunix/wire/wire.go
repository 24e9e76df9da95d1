/*
Package wire implements the packet framing used between AF_UNIX socket
emulation peers.

Every write on the underlying pipe carries exactly one packet. A packet
is a fixed 8 byte header followed by three contiguous regions: the
sender's bound socket name, the ancillary data block and the user data.
The header holds the total packet length plus the length of each region,
so a receiver computes all offsets from lengths alone and never trusts
sender supplied pointers.

The combined maximum size of a packet, header included, is 64KiB.
*/
package wire

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// HeaderLen is the encoded size of Header.
const HeaderLen = 8

// MaxPacket is the largest encodable packet, header included.
const MaxPacket = 65535

// MaxName is the largest sender name carried in a packet: 108 path bytes
// plus the 2 byte family tag.
const MaxName = 110

// Shutdown states carried in Header.ShutInfo. These mirror the POSIX
// shutdown(2) constants and describe the state observed by the sending
// side: ShutRd means the sender stopped reading, so the peer must not
// send further packets.
const (
	ShutNone byte = 0
	ShutRd   byte = 1
	ShutWr   byte = 2
	ShutRdWr byte = 3
)

// Header is the fixed preamble of every packet. All fields are encoded
// little-endian.
type Header struct {
	// PcktLen is the total size of the packet including the header.
	PcktLen uint16
	// ShutInfo is one of the Shut* constants.
	ShutInfo uint8
	// NameLen is the size of the sender's socket name region.
	NameLen uint8
	// CmsgLen is the size of the ancillary data region.
	CmsgLen uint16
	// DataLen is the size of the user data region.
	DataLen uint16
}

// Init sets the region lengths and computes PcktLen.
func (h *Header) Init(shut byte, nameLen uint8, cmsgLen, dataLen uint16) {
	h.ShutInfo = shut
	h.NameLen = nameLen
	h.CmsgLen = cmsgLen
	h.DataLen = dataLen
	h.PcktLen = HeaderLen + uint16(nameLen) + cmsgLen + dataLen
}

func (h *Header) encode(b []byte) {
	binary.LittleEndian.PutUint16(b[0:2], h.PcktLen)
	b[2] = h.ShutInfo
	b[3] = h.NameLen
	binary.LittleEndian.PutUint16(b[4:6], h.CmsgLen)
	binary.LittleEndian.PutUint16(b[6:8], h.DataLen)
}

func (h *Header) decode(b []byte) {
	h.PcktLen = binary.LittleEndian.Uint16(b[0:2])
	h.ShutInfo = b[2]
	h.NameLen = b[3]
	h.CmsgLen = binary.LittleEndian.Uint16(b[4:6])
	h.DataLen = binary.LittleEndian.Uint16(b[6:8])
}

// Packet is one decoded wire packet.
type Packet struct {
	Shut byte
	// Name holds the raw socket name of the sender, family tag included.
	Name []byte
	// Cmsg holds the ancillary data block.
	Cmsg []byte
	// Data holds the user payload.
	Data []byte
}

// Marshal encodes the packet, computing the header from the region
// lengths. It fails if a region exceeds its header field or the total
// exceeds MaxPacket.
func (p *Packet) Marshal() ([]byte, error) {
	if len(p.Name) > MaxName {
		return nil, fmt.Errorf("sender name is %d bytes, max is %d: %w", len(p.Name), MaxName, unix.EINVAL)
	}
	total := HeaderLen + len(p.Name) + len(p.Cmsg) + len(p.Data)
	if total > MaxPacket {
		return nil, fmt.Errorf("packet is %d bytes, max is %d: %w", total, MaxPacket, unix.EMSGSIZE)
	}

	h := Header{}
	h.Init(p.Shut, uint8(len(p.Name)), uint16(len(p.Cmsg)), uint16(len(p.Data)))

	b := make([]byte, total)
	h.encode(b)
	off := HeaderLen
	off += copy(b[off:], p.Name)
	off += copy(b[off:], p.Cmsg)
	copy(b[off:], p.Data)
	return b, nil
}

// Parse decodes a single packet. A header whose PcktLen disagrees with
// the sum of the region lengths, or a buffer that does not hold exactly
// one packet, is a fatal framing error reported as EPROTO.
func Parse(b []byte) (Packet, error) {
	if len(b) < HeaderLen {
		return Packet{}, fmt.Errorf("short packet, %d bytes: %w", len(b), unix.EPROTO)
	}
	h := Header{}
	h.decode(b)

	want := HeaderLen + int(h.NameLen) + int(h.CmsgLen) + int(h.DataLen)
	if int(h.PcktLen) != want {
		return Packet{}, fmt.Errorf("header claims %d bytes, regions sum to %d: %w", h.PcktLen, want, unix.EPROTO)
	}
	if int(h.PcktLen) != len(b) {
		return Packet{}, fmt.Errorf("packet is %d bytes on the wire, header claims %d: %w", len(b), h.PcktLen, unix.EPROTO)
	}

	nameOff := HeaderLen
	cmsgOff := nameOff + int(h.NameLen)
	dataOff := cmsgOff + int(h.CmsgLen)
	return Packet{
		Shut: h.ShutInfo,
		Name: b[nameOff:cmsgOff],
		Cmsg: b[cmsgOff:dataOff],
		Data: b[dataOff:],
	}, nil
}
