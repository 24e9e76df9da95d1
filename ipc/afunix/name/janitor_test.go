package name

import (
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/StevenAnn/newlib-cygwin/ipc/afunix/npipe"
)

func backdate(t *testing.T, link string) {
	t.Helper()
	old := time.Now().Add(-2 * SweepInterval)
	tv := []unix.Timeval{unix.NsecToTimeval(old.UnixNano()), unix.NsecToTimeval(old.UnixNano())}
	if err := unix.Lutimes(link, tv); err != nil {
		t.Fatal(err)
	}
}

func TestJanitorSweep(t *testing.T) {
	r := testRegistry(t)

	deadBase := PipeBase(r.Key, TypeStream, 100)
	liveBase := PipeBase(r.Key, TypeStream, 101)

	dead, err := r.Create(Abstract("dead"), deadBase)
	if err != nil {
		t.Fatal(err)
	}
	inst, err := npipe.Create(liveBase, npipe.Unlimited, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer inst.Close()
	live, err := r.Create(Abstract("live"), liveBase)
	if err != nil {
		t.Fatal(err)
	}

	// Backdate both links past the grace period; only the one with no
	// pipe behind it may be reaped.
	backdate(t, dead.FilePath)
	backdate(t, live.FilePath)

	j, err := NewJanitor(r)
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()
	j.Sweep()

	if _, err := os.Lstat(dead.FilePath); !os.IsNotExist(err) {
		t.Errorf("dangling link survived the sweep: %v", err)
	}
	if _, err := os.Lstat(live.FilePath); err != nil {
		t.Errorf("live link was reaped: %v", err)
	}
}

func TestJanitorFreshLinkGrace(t *testing.T) {
	r := testRegistry(t)

	// A stream socket binds before it listens, so its link briefly
	// points at a pipe that does not exist yet. The janitor must not
	// eat it.
	fresh, err := r.Create(Abstract("fresh"), PipeBase(r.Key, TypeStream, 102))
	if err != nil {
		t.Fatal(err)
	}

	j, err := NewJanitor(r)
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()
	j.Sweep()

	if _, err := os.Lstat(fresh.FilePath); err != nil {
		t.Errorf("fresh link was reaped: %v", err)
	}
}
