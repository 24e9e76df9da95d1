package afunix

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/StevenAnn/newlib-cygwin/ipc/afunix/name"
)

func TestFstatPathname(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s")
	s := mustSocket(t, Stream)
	if err := s.Bind(name.Pathname(path)); err != nil {
		t.Fatal(err)
	}

	st, err := s.Fstat()
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFSOCK {
		t.Errorf("mode %#o is not S_IFSOCK", st.Mode)
	}
	if st.Size != 0 {
		t.Errorf("size %d, want 0", st.Size)
	}
}

func TestFstatSynthesized(t *testing.T) {
	s := mustSocket(t, Stream)
	if err := s.Bind(abstractName(t)); err != nil {
		t.Fatal(err)
	}

	st, err := s.Fstat()
	if err != nil {
		t.Fatal(err)
	}
	if st.Ino != s.Ino() {
		t.Errorf("inode %d, want %d", st.Ino, s.Ino())
	}
	if st.Mode&unix.S_IFMT != unix.S_IFSOCK {
		t.Errorf("mode %#o is not S_IFSOCK", st.Mode)
	}
	if int(st.Uid) != os.Geteuid() || int(st.Gid) != os.Getegid() {
		t.Errorf("owner %d:%d, want %d:%d", st.Uid, st.Gid, os.Geteuid(), os.Getegid())
	}
}

// TestFchmodWriteImpliesRead: granting a write bit on a socket file
// drags the matching read bit along.
func TestFchmodWriteImpliesRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s")
	s := mustSocket(t, Stream)
	if err := s.Bind(name.Pathname(path)); err != nil {
		t.Fatal(err)
	}

	if err := s.Fchmod(0220); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := info.Mode().Perm(); got != 0660 {
		t.Errorf("mode %#o, want 0660", got)
	}

	// Not a pathname socket: a silent no-op.
	anon := mustSocket(t, Stream)
	if err := anon.Fchmod(0600); err != nil {
		t.Errorf("Fchmod on unbound socket: got err == %v, want err == nil", err)
	}
}

func TestFchown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s")
	s := mustSocket(t, Stream)
	if err := s.Bind(name.Pathname(path)); err != nil {
		t.Fatal(err)
	}
	// Chown to the current owner is always allowed.
	if err := s.Fchown(os.Geteuid(), os.Getegid()); err != nil {
		t.Fatalf("Fchown: %s", err)
	}
}

func TestFacl(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s")
	s := mustSocket(t, Stream)
	if err := s.Bind(name.Pathname(path)); err != nil {
		t.Fatal(err)
	}
	if err := s.Fchmod(0750); err != nil {
		t.Fatal(err)
	}

	entries, err := s.FaclGet()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d acl entries, want 3", len(entries))
	}
	if entries[0].Tag != AclUser || entries[0].Perm != 7 {
		t.Errorf("user entry %+v, want perm 7", entries[0])
	}

	if err := s.FaclSet(entries); err != nil {
		t.Errorf("FaclSet round trip: %s", err)
	}
}

// TestLink: a pathname socket file can be hard-linked, and the link
// resolves to the same socket.
func TestLink(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "s")
	alias := filepath.Join(dir, "s-alias")

	srv := mustSocket(t, Stream)
	if err := srv.Bind(name.Pathname(path)); err != nil {
		t.Fatal(err)
	}
	if err := srv.Listen(1); err != nil {
		t.Fatal(err)
	}
	if err := srv.Link(alias); err != nil {
		t.Fatalf("Link: %s", err)
	}

	cli := mustSocket(t, Stream)
	if err := cli.Connect(ctx, name.Pathname(alias)); err != nil {
		t.Fatalf("connect through the link: %s", err)
	}
	child, err := srv.Accept(ctx)
	if err != nil {
		t.Fatal(err)
	}
	child.Close()

	// No backing entry to link on an abstract socket.
	anon := mustSocket(t, Stream)
	if err := anon.Bind(abstractName(t)); err != nil {
		t.Fatal(err)
	}
	if err := anon.Link(filepath.Join(dir, "x")); !errors.Is(err, unix.EPERM) {
		t.Errorf("link of abstract socket: got err == %v, want EPERM", err)
	}
}
