package name

// janitor.go reaps dangling abstract links. On the original host the
// abstract object lives in a kernel namespace and vanishes with its
// last handle; a filesystem namespace cannot do that, so links whose
// backing pipe is gone get swept here instead.

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/golang/glog"

	"github.com/StevenAnn/newlib-cygwin/ipc/afunix/npipe"
)

// SweepInterval is the fallback cadence of the janitor between
// filesystem events.
const SweepInterval = 30 * time.Second

// Janitor watches a shared namespace directory and removes abstract
// links that no longer lead to a live pipe.
type Janitor struct {
	dir     string
	watcher *fsnotify.Watcher
	closer  chan struct{}

	mu      sync.Mutex
	stopped bool
}

// NewJanitor starts a janitor on the registry's shared directory.
func NewJanitor(r *Registry) (*Janitor, error) {
	if err := r.EnsureDir(); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(r.Dir); err != nil {
		watcher.Close()
		return nil, err
	}

	j := &Janitor{dir: r.Dir, watcher: watcher, closer: make(chan struct{})}
	go j.listen()
	return j, nil
}

func (j *Janitor) listen() {
	tick := time.NewTicker(SweepInterval)
	defer tick.Stop()
	for {
		select {
		case event := <-j.watcher.Events:
			// A new link may be the reuse of a dead name; a removal may
			// have freed a pipe. Either way one sweep settles the dir.
			log.V(2).Infof("janitor: event %s", event)
			j.Sweep()
		case err := <-j.watcher.Errors:
			log.Errorf("janitor: watcher on %s: %s", j.dir, err)
		case <-tick.C:
			j.Sweep()
		case <-j.closer:
			return
		}
	}
}

// Sweep walks the shared dir once, removing dangling links.
func (j *Janitor) Sweep() {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		log.Errorf("janitor: cannot read %s: %s", j.dir, err)
		return
	}
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), linkPrefix) || e.Type()&os.ModeSymlink == 0 {
			continue
		}
		link := filepath.Join(j.dir, e.Name())
		target, err := os.Readlink(link)
		if err != nil {
			continue
		}
		if npipe.Exists(target) {
			continue
		}
		// Age gate: a freshly bound socket may not have created its
		// pipe yet (stream pipes appear at listen, not at bind).
		if info, err := os.Lstat(link); err == nil && time.Since(info.ModTime()) < SweepInterval {
			continue
		}
		if err := os.Remove(link); err == nil {
			log.Infof("janitor: removed dangling link %s -> %s", e.Name(), target)
		}
	}
}

// Close stops the janitor.
func (j *Janitor) Close() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.stopped {
		return
	}
	j.stopped = true
	close(j.closer)
	j.watcher.Close()
}
