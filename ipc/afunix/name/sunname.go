/*
Package name implements the two halves of AF_UNIX addressing for the
emulation: the SunName address value itself, and the registry that maps
a bound name to the underlying pipe through a durable object in a
shared namespace.

An abstract name becomes a symbolic link in the session-wide shared
directory whose target is the pipe basename. A pathname becomes a
marker file at the user-visible path whose payload carries a private
tag, the socket GUID and the pipe basename; everything else about the
path (permissions, ownership, stat) behaves like a regular filesystem
entry, which is what lets the socket's fstat/fchmod/fchown fall through
to plain file operations.
*/
package name

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// MaxPath is the byte capacity of the path portion of an address,
// matching sizeof(sun_path).
const MaxPath = 108

// FamilyLen is the size of the leading family tag.
const FamilyLen = 2

// MaxLen is the full address capacity, family tag included.
const MaxLen = FamilyLen + MaxPath

// SunName is an AF_UNIX socket address: a family tag followed by up to
// MaxPath path bytes. The zero value has no path bytes and reports
// IsUnnamed, but its Family is 0, not AF_UNIX; Unnamed returns the
// unnamed AF_UNIX address.
type SunName struct {
	Family uint16
	Path   []byte
}

// Unnamed returns the unnamed AF_UNIX address.
func Unnamed() SunName {
	return SunName{Family: unix.AF_UNIX}
}

// Pathname returns the address of a filesystem path.
func Pathname(path string) SunName {
	return SunName{Family: unix.AF_UNIX, Path: []byte(path)}
}

// Abstract returns an abstract address; the leading NUL is added here.
func Abstract(s string) SunName {
	return SunName{Family: unix.AF_UNIX, Path: append([]byte{0}, s...)}
}

// FromRaw builds a SunName from raw sockaddr bytes. l is the caller's
// address length and is truncated to both len(b) and the address
// capacity, as a sockaddr copy would be.
func FromRaw(b []byte, l int) SunName {
	if l < 0 {
		l = 0
	}
	if l > len(b) {
		l = len(b)
	}
	if l > MaxLen {
		l = MaxLen
	}
	n := SunName{}
	if l >= FamilyLen {
		n.Family = binary.LittleEndian.Uint16(b[:FamilyLen])
		n.Path = append([]byte(nil), b[FamilyLen:l]...)
	} else if l > 0 {
		// A short, family-only fragment still records what was given.
		var fam [FamilyLen]byte
		copy(fam[:], b[:l])
		n.Family = binary.LittleEndian.Uint16(fam[:])
	}
	return n
}

// Raw renders the address back to sockaddr bytes.
func (n SunName) Raw() []byte {
	b := make([]byte, n.Len())
	binary.LittleEndian.PutUint16(b[:FamilyLen], n.Family)
	copy(b[FamilyLen:], n.Path)
	return b
}

// Len is the address length, family tag included.
func (n SunName) Len() int {
	return FamilyLen + len(n.Path)
}

// IsUnnamed reports an address with no path bytes.
func (n SunName) IsUnnamed() bool {
	return len(n.Path) == 0
}

// IsAbstract reports an address whose first path byte is NUL.
func (n SunName) IsAbstract() bool {
	return len(n.Path) > 0 && n.Path[0] == 0
}

// IsPathname reports a filesystem-path address.
func (n SunName) IsPathname() bool {
	return len(n.Path) > 0 && n.Path[0] != 0
}

// Equal reports whether two addresses are byte-identical.
func (n SunName) Equal(o SunName) bool {
	return n.Family == o.Family && bytes.Equal(n.Path, o.Path)
}

// String renders the address for logs. Abstract names print with a
// leading @ the way ss(8) does.
func (n SunName) String() string {
	switch {
	case n.IsUnnamed():
		return "<unnamed>"
	case n.IsAbstract():
		return "@" + string(n.Path[1:])
	default:
		return string(n.Path)
	}
}

// Validate gates an address before any namespace operation: the family
// must be AF_UNIX, the address must have path bytes, and the length-3
// abstract address whose single payload byte is NUL is rejected the way
// Linux rejects it.
func (n SunName) Validate() error {
	if n.Family != unix.AF_UNIX {
		return fmt.Errorf("family %d is not AF_UNIX: %w", n.Family, unix.EINVAL)
	}
	if n.Len() <= FamilyLen {
		return fmt.Errorf("address has no path: %w", unix.EINVAL)
	}
	if n.Len() == 3 && n.Path[0] == 0 {
		return fmt.Errorf("single-NUL abstract address: %w", unix.EINVAL)
	}
	return nil
}

// transposeRange is the base of the private range forbidden filename
// bytes are shifted into when an abstract path is rendered as a link
// name.
const transposeRange = 0xf000

// transpose renders abstract path bytes as a filename-safe string.
// NUL and the path separator cannot appear in a filename, so they are
// transposed into a private range; every other byte is taken as is,
// treating the path as iso-8859-1.
func transpose(path []byte) string {
	rs := make([]rune, len(path))
	for i, b := range path {
		if b == 0 || b == '/' {
			rs[i] = rune(transposeRange + int(b))
		} else {
			rs[i] = rune(b)
		}
	}
	return string(rs)
}
