package name

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/kylelemons/godebug/pretty"
	"golang.org/x/sys/unix"

	"github.com/StevenAnn/newlib-cygwin/ipc/afunix/npipe"
)

func TestSunNameClasses(t *testing.T) {
	tests := []struct {
		desc                        string
		sun                         SunName
		unnamed, abstract, pathname bool
		valid                       bool
	}{
		{desc: "unnamed", sun: Unnamed(), unnamed: true, valid: false},
		{desc: "pathname", sun: Pathname("/tmp/s"), pathname: true, valid: true},
		{desc: "abstract", sun: Abstract("hello"), abstract: true, valid: true},
		{desc: "single NUL abstract", sun: Abstract(""), abstract: true, valid: false},
		{desc: "wrong family", sun: SunName{Family: 2, Path: []byte("/tmp/s")}, pathname: true, valid: false},
	}

	for _, test := range tests {
		if got := test.sun.IsUnnamed(); got != test.unnamed {
			t.Errorf("TestSunNameClasses(%s): IsUnnamed() == %t, want %t", test.desc, got, test.unnamed)
		}
		if got := test.sun.IsAbstract(); got != test.abstract {
			t.Errorf("TestSunNameClasses(%s): IsAbstract() == %t, want %t", test.desc, got, test.abstract)
		}
		if got := test.sun.IsPathname(); got != test.pathname {
			t.Errorf("TestSunNameClasses(%s): IsPathname() == %t, want %t", test.desc, got, test.pathname)
		}
		if got := test.sun.Validate() == nil; got != test.valid {
			t.Errorf("TestSunNameClasses(%s): Validate() ok == %t, want %t", test.desc, got, test.valid)
		}
	}
}

func TestFromRawRoundTrip(t *testing.T) {
	tests := []struct {
		desc string
		sun  SunName
	}{
		{desc: "unnamed", sun: Unnamed()},
		{desc: "pathname", sun: Pathname("/tmp/sock")},
		{desc: "abstract with embedded NUL", sun: SunName{Family: unix.AF_UNIX, Path: []byte{0, 'a', 0, 'b'}}},
	}
	for _, test := range tests {
		raw := test.sun.Raw()
		if len(raw) != test.sun.Len() {
			t.Errorf("TestFromRawRoundTrip(%s): Raw() is %d bytes, Len() is %d", test.desc, len(raw), test.sun.Len())
		}
		got := FromRaw(raw, len(raw))
		if diff := pretty.Compare(test.sun, got); diff != "" {
			t.Errorf("TestFromRawRoundTrip(%s): -want/+got:\n%s", test.desc, diff)
		}
	}
}

func TestFromRawTruncates(t *testing.T) {
	long := make([]byte, 300)
	long[0] = unix.AF_UNIX
	got := FromRaw(long, 300)
	if got.Len() != MaxLen {
		t.Errorf("oversized raw address: Len() == %d, want %d", got.Len(), MaxLen)
	}

	// A length shorter than the buffer wins.
	short := FromRaw(Pathname("/tmp/s").Raw(), 4)
	if got, want := short.Len(), 4; got != want {
		t.Errorf("short length: Len() == %d, want %d", got, want)
	}
}

func TestPipeBase(t *testing.T) {
	base := PipeBase("00112233445566ff", TypeStream, 0xabcd)
	if len(base) != PipeBaseLen {
		t.Fatalf("PipeBase is %d chars, want %d: %q", len(base), PipeBaseLen, base)
	}
	typ, err := PipeType(base)
	if err != nil {
		t.Fatalf("PipeType: %s", err)
	}
	if typ != TypeStream {
		t.Errorf("PipeType: got %c, want s", typ)
	}
	if base[TypePos] != TypeStream {
		t.Errorf("type char at %d is %c, want s", TypePos, base[TypePos])
	}

	if _, err := PipeType("cygwin-0011223344556677-unix-x-0000000000000001"); !errors.Is(err, unix.EINVAL) {
		t.Errorf("bad type char: got err == %v, want EINVAL", err)
	}
}

func TestTransposeEncodesForbiddenBytes(t *testing.T) {
	s := transpose([]byte{0, 'a', '/', 'b'})
	for _, r := range s {
		if r == 0 || r == '/' {
			t.Fatalf("transpose left a forbidden byte in %q", s)
		}
	}
	if s == transpose([]byte{0, 'a', 0, 'b'}) {
		t.Error("distinct paths transposed to the same link name")
	}
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	return &Registry{Dir: t.TempDir(), Key: "00112233445566ff"}
}

func TestAbstractCreateOpen(t *testing.T) {
	r := testRegistry(t)
	sun := Abstract("test-sock")
	base := PipeBase(r.Key, TypeStream, 42)

	b, err := r.Create(sun, base)
	if err != nil {
		t.Fatalf("Create: got err == %s, want err == nil", err)
	}

	got, typ, err := r.Open(sun)
	if err != nil {
		t.Fatalf("Open: got err == %s, want err == nil", err)
	}
	if got != base || typ != TypeStream {
		t.Errorf("Open: got (%q, %c), want (%q, s)", got, typ, base)
	}

	// Same name again collides while the pipe behind the link is live; a
	// link to a missing pipe would be reclaimed instead.
	inst, err := npipe.Create(base, npipe.Unlimited, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer inst.Close()
	if _, err := r.Create(sun, PipeBase(r.Key, TypeStream, 43)); !errors.Is(err, unix.EADDRINUSE) {
		t.Errorf("second Create: got err == %v, want EADDRINUSE", err)
	}

	// Closing the backing removes the link, like the last handle on the
	// original's symlink object.
	b.Close()
	if _, _, err := r.Open(sun); !errors.Is(err, unix.ENOENT) {
		t.Errorf("Open after Close: got err == %v, want ENOENT", err)
	}
}

func TestStaleAbstractLinkReclaimed(t *testing.T) {
	r := testRegistry(t)
	sun := Abstract("stale")

	// A dead process left a link to a pipe that no longer exists.
	if _, err := r.Create(sun, PipeBase(r.Key, TypeStream, 7)); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Create(sun, PipeBase(r.Key, TypeStream, 8)); err != nil {
		t.Fatalf("rebind over a dangling link: got err == %v, want err == nil", err)
	}
}

func TestLiveAbstractLinkCollides(t *testing.T) {
	r := testRegistry(t)
	sun := Abstract("live")
	base := PipeBase(r.Key, TypeDgram, 9)

	inst, err := npipe.Create(base, 1, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer inst.Close()

	if _, err := r.Create(sun, base); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Create(sun, PipeBase(r.Key, TypeDgram, 10)); !errors.Is(err, unix.EADDRINUSE) {
		t.Errorf("bind over a live link: got err == %v, want EADDRINUSE", err)
	}
}

func TestMarkerCreateOpen(t *testing.T) {
	r := testRegistry(t)
	path := filepath.Join(t.TempDir(), "sock")
	sun := Pathname(path)
	base := PipeBase(r.Key, TypeDgram, 77)

	if _, err := r.Create(sun, base); err != nil {
		t.Fatalf("Create: got err == %s, want err == nil", err)
	}

	got, typ, err := r.Open(sun)
	if err != nil {
		t.Fatalf("Open: got err == %s, want err == nil", err)
	}
	if got != base || typ != TypeDgram {
		t.Errorf("Open: got (%q, %c), want (%q, d)", got, typ, base)
	}

	if _, err := r.Create(sun, base); !errors.Is(err, unix.EADDRINUSE) {
		t.Errorf("second Create: got err == %v, want EADDRINUSE", err)
	}

	// The marker honors the umask.
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	want := os.FileMode(0777 &^ Umask())
	if info.Mode().Perm() != want {
		t.Errorf("marker mode is %v, want %v", info.Mode().Perm(), want)
	}
}

func TestOpenRejectsForeignFiles(t *testing.T) {
	r := testRegistry(t)
	path := filepath.Join(t.TempDir(), "plain")
	if err := os.WriteFile(path, []byte("just a file"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := r.Open(Pathname(path)); !errors.Is(err, unix.EINVAL) {
		t.Errorf("Open(plain file): got err == %v, want EINVAL", err)
	}
	if _, _, err := r.Open(Pathname(path + "-missing")); !errors.Is(err, unix.ENOENT) {
		t.Errorf("Open(missing): got err == %v, want ENOENT", err)
	}
}

func TestAutobindUnique(t *testing.T) {
	r := testRegistry(t)

	const callers = 8
	seen := map[string]bool{}
	mu := sync.Mutex{}
	wg := sync.WaitGroup{}
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sun, _, err := r.Autobind(PipeBase(r.Key, TypeStream, uint64(i)))
			if err != nil {
				t.Errorf("Autobind: %s", err)
				return
			}
			if sun.Len() != 8 || !sun.IsAbstract() {
				t.Errorf("Autobind produced %v (len %d), want 8 byte abstract name", sun, sun.Len())
			}
			mu.Lock()
			defer mu.Unlock()
			if seen[string(sun.Path)] {
				t.Errorf("Autobind produced duplicate name %s", sun)
			}
			seen[string(sun.Path)] = true
		}(i)
	}
	wg.Wait()
}

func TestMarkerPayloadRoundTrip(t *testing.T) {
	base := PipeBase("00112233445566ff", TypeStream, 1)
	got, err := parseMarker(markerPayload(base))
	if err != nil {
		t.Fatalf("parseMarker: %s", err)
	}
	if got != base {
		t.Errorf("got %q, want %q", got, base)
	}
}

func ExamplePipeBase() {
	fmt.Println(PipeBase("00112233445566ff", TypeDgram, 0x2a))
	// Output: cygwin-00112233445566ff-unix-d-000000000000002a
}
