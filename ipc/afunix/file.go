package afunix

// file.go: the file-object surface. A socket bound to a pathname has a
// real filesystem entry behind it, so stat, chmod, chown, acl and link
// fall through to plain file operations on that entry. Abstract and
// unbound sockets synthesize their answers.

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/StevenAnn/newlib-cygwin/ipc/afunix/creds"
)

// pathnamePath returns the filesystem path when the socket is bound to
// a pathname, else "".
func (s *Socket) pathnamePath() string {
	s.bindLock.RLock()
	defer s.bindLock.RUnlock()
	if s.sun == nil || !s.sun.IsPathname() {
		return ""
	}
	return string(s.sun.Path)
}

// Fstat reports the socket's stat. The pathname branch stats the
// backing entry and re-types it as a socket of size zero; everything
// else synthesizes a socket inode owned by the current process.
func (s *Socket) Fstat() (unix.Stat_t, error) {
	st := unix.Stat_t{}
	path := s.pathnamePath()
	if path == "" {
		cur := s.credsrc.Current()
		st.Ino = s.id
		st.Mode = unix.S_IFSOCK | unix.S_IRWXU | unix.S_IRWXG | unix.S_IRWXO
		st.Uid = uint32(cur.UID.Int32())
		st.Gid = uint32(cur.GID.Int32())
		st.Nlink = 1
		return st, nil
	}
	if err := unix.Stat(path, &st); err != nil {
		return unix.Stat_t{}, fmt.Errorf("fstat %s: %w", path, err)
	}
	st.Mode = (st.Mode &^ unix.S_IFMT) | unix.S_IFSOCK
	st.Size = 0
	return st, nil
}

// Fstatvfs reports the filesystem of the backing entry; without one,
// ENOSYS as there is no filesystem to describe.
func (s *Socket) Fstatvfs() (unix.Statfs_t, error) {
	path := s.pathnamePath()
	if path == "" {
		return unix.Statfs_t{}, fmt.Errorf("fstatvfs: %w", unix.ENOSYS)
	}
	st := unix.Statfs_t{}
	if err := unix.Statfs(path, &st); err != nil {
		return unix.Statfs_t{}, fmt.Errorf("fstatvfs %s: %w", path, err)
	}
	return st, nil
}

// Fchmod changes the mode of the backing entry. Whoever may write a
// socket file must also be able to read it, so each granted write bit
// drags the matching read bit along; otherwise access to the socket
// would produce spurious permission errors.
func (s *Socket) Fchmod(mode os.FileMode) error {
	path := s.pathnamePath()
	if path == "" {
		return nil
	}
	perm := uint32(mode.Perm())
	perm |= (perm & (unix.S_IWUSR | unix.S_IWGRP | unix.S_IWOTH)) << 1
	if err := os.Chmod(path, os.FileMode(perm)); err != nil {
		return fmt.Errorf("fchmod %s: %w", path, mapFileErr(err))
	}
	return nil
}

// Fchown changes ownership of the backing entry.
func (s *Socket) Fchown(uid, gid int) error {
	path := s.pathnamePath()
	if path == "" {
		return nil
	}
	if err := os.Chown(path, uid, gid); err != nil {
		return fmt.Errorf("fchown %s: %w", path, mapFileErr(err))
	}
	return nil
}

// AclTag selects what an AclEntry describes.
type AclTag int

const (
	// AclUser is the owning user entry.
	AclUser AclTag = iota
	// AclGroup is the owning group entry.
	AclGroup
	// AclOther is the world entry.
	AclOther
)

// AclEntry is one minimal-ACL entry.
type AclEntry struct {
	Tag  AclTag
	ID   creds.ID
	Perm uint32
}

// FaclGet reads the minimal ACL of the backing entry, synthesized from
// its mode bits.
func (s *Socket) FaclGet() ([]AclEntry, error) {
	st, err := s.Fstat()
	if err != nil {
		return nil, err
	}
	return []AclEntry{
		{Tag: AclUser, ID: creds.ID(st.Uid), Perm: (st.Mode >> 6) & 7},
		{Tag: AclGroup, ID: creds.ID(st.Gid), Perm: (st.Mode >> 3) & 7},
		{Tag: AclOther, ID: -1, Perm: st.Mode & 7},
	}, nil
}

// FaclSet applies a minimal ACL by folding it back into mode bits.
// Entries beyond the minimal three report ENOTSUP.
func (s *Socket) FaclSet(entries []AclEntry) error {
	var mode uint32
	for _, e := range entries {
		switch e.Tag {
		case AclUser:
			mode |= (e.Perm & 7) << 6
		case AclGroup:
			mode |= (e.Perm & 7) << 3
		case AclOther:
			mode |= e.Perm & 7
		default:
			return fmt.Errorf("facl: %w", unix.ENOTSUP)
		}
	}
	return s.Fchmod(os.FileMode(mode))
}

// Link hard-links the backing entry to newpath, as link(2) on a socket
// file does. Abstract and unbound sockets have nothing to link.
func (s *Socket) Link(newpath string) error {
	path := s.pathnamePath()
	if path == "" {
		return fmt.Errorf("link: %w", unix.EPERM)
	}
	if err := os.Link(path, newpath); err != nil {
		return fmt.Errorf("link %s: %w", newpath, mapFileErr(err))
	}
	return nil
}

// mapFileErr unwraps a filesystem failure to its errno.
func mapFileErr(err error) error {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return unix.Errno(errno)
	}
	return err
}
