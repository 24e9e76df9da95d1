/*
Package npipe provides named message-mode pipes with the rendezvous
semantics the AF_UNIX emulation is built on: a pipe is a named object
with one or more server instances, a client open attaches to a listening
instance or fails with a busy status without blocking, and a separate
namespace-level wait ("wait for pipe instance") lets a client park until
an instance becomes available.

The service is deliberately shaped like a host pipe API rather than like
a Go net package: opens do not queue, listens complete with "connected",
"already connected" or "listening" outcomes, and blocking behavior is a
property of the handle (complete-operation vs queue-operation mode), not
of the call site.

Pipe names are matched case-insensitively.
*/
package npipe

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	log "github.com/golang/glog"
)

// Errors reported by the service. The no-instance conditions are
// distinct statuses on real hosts; IsNoInstanceAvailable folds them for
// callers that only care to retry.
var (
	// ErrExists is returned by Create when the pipe name is taken.
	ErrExists = errors.New("pipe already exists")
	// ErrNotFound is returned by CreateInstance when the pipe does not
	// exist.
	ErrNotFound = errors.New("no such pipe")
	// ErrInstanceNotAvailable means a listening instance was snatched by
	// a concurrent open between the wait and the open.
	ErrInstanceNotAvailable = errors.New("pipe instance not available")
	// ErrPipeNotAvailable means the pipe object has no usable instance
	// yet, including the case that nobody created it so far.
	ErrPipeNotAvailable = errors.New("pipe not available")
	// ErrPipeBusy means every instance is connected to some client.
	ErrPipeBusy = errors.New("all pipe instances busy")
	// ErrListening is reported by a non-blocking Listen with no client.
	ErrListening = errors.New("pipe is listening")
	// ErrWouldBlock is reported by I/O on a complete-operation handle
	// that cannot finish immediately.
	ErrWouldBlock = errors.New("pipe operation would block")
	// ErrDisconnected is reported on I/O after the server disconnected
	// the instance or the handle was never connected.
	ErrDisconnected = errors.New("pipe disconnected")
	// ErrTimeout is reported by a timed wait or read that expired.
	ErrTimeout = errors.New("pipe wait timed out")
	// ErrTerminated is reported by WaitInstance when the termination
	// event fires.
	ErrTerminated = errors.New("pipe wait terminated")
	// ErrMaxInstances is returned by CreateInstance when the pipe is at
	// its instance limit.
	ErrMaxInstances = errors.New("pipe instance limit reached")
	// ErrMsgTooBig is reported by WriteMsg when a message can never fit
	// the receiver's buffer budget.
	ErrMsgTooBig = errors.New("message exceeds pipe buffer")
)

// IsNoInstanceAvailable folds the equivalent "retry later" open
// failures, mirroring how hosts report the same condition under several
// status codes.
func IsNoInstanceAvailable(err error) bool {
	return errors.Is(err, ErrInstanceNotAvailable) ||
		errors.Is(err, ErrPipeNotAvailable) ||
		errors.Is(err, ErrPipeBusy)
}

// Unlimited disables the instance limit of a pipe.
const Unlimited = -1

// DefaultBuffer is the per-direction byte budget when a creator passes
// a non-positive buffer size.
const DefaultBuffer = 262144

// registry is the process-wide pipe namespace.
var reg = &registry{pipes: map[string]*Pipe{}}

type registry struct {
	mu    sync.Mutex
	pipes map[string]*Pipe
	// created broadcasts pipe creation for WaitInstance callers parked
	// on a name that does not exist yet.
	created bcast
}

func key(name string) string {
	return strings.ToLower(name)
}

// Pipe is a named pipe object. It exists while at least one instance
// handle is open.
type Pipe struct {
	name string

	mu           sync.Mutex
	maxInstances int
	rmem, wmem   int
	instances    []*Instance
	// avail broadcasts "an instance entered the listening state".
	avail bcast
}

// Name returns the name the pipe was created under.
func (p *Pipe) Name() string {
	return p.name
}

// instState is the lifecycle of a server instance.
type instState int

const (
	// stateListening: created or re-listened, open for a client.
	stateListening instState = iota
	// stateConnected: a client is attached.
	stateConnected
	// stateDisconnected: server disconnected; the instance must listen
	// again before the next client.
	stateDisconnected
	// stateClosed: handle closed, instance gone from the pipe.
	stateClosed
)

// Instance is the server end of one pipe instance. It doubles as the
// server's I/O handle once a client connects.
type Instance struct {
	Endpoint
	pipe *Pipe

	mu    sync.Mutex
	state instState
	// connected broadcasts client attachment for pending Listens.
	connected bcast
}

// Create creates the pipe and its first instance. It fails with
// ErrExists if the name is taken. maxInstances caps concurrent
// instances (Unlimited for no cap); rmem and wmem are the
// per-direction byte budgets for connections on this pipe.
func Create(name string, maxInstances, rmem, wmem int) (*Instance, error) {
	if rmem <= 0 {
		rmem = DefaultBuffer
	}
	if wmem <= 0 {
		wmem = DefaultBuffer
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, ok := reg.pipes[key(name)]; ok {
		return nil, ErrExists
	}
	p := &Pipe{name: name, maxInstances: maxInstances, rmem: rmem, wmem: wmem}
	inst := p.newInstanceLocked()
	reg.pipes[key(name)] = p
	reg.created.signal()
	log.V(2).Infof("npipe: created %s", name)
	return inst, nil
}

// CreateInstance adds an instance to an existing pipe. It fails with
// ErrNotFound if the pipe is absent and ErrMaxInstances at the cap.
func CreateInstance(name string) (*Instance, error) {
	reg.mu.Lock()
	p, ok := reg.pipes[key(name)]
	reg.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.maxInstances != Unlimited && len(p.instances) >= p.maxInstances {
		return nil, ErrMaxInstances
	}
	return p.newInstanceLocked(), nil
}

// newInstanceLocked requires p.mu (or sole ownership during Create).
func (p *Pipe) newInstanceLocked() *Instance {
	inst := &Instance{pipe: p, state: stateListening}
	inst.Endpoint.pipe = p
	inst.Endpoint.refs.Store(1)
	p.instances = append(p.instances, inst)
	p.avail.signal()
	return inst
}

// Open attaches a client to a listening instance of the pipe and
// returns the client's handle. It never blocks: a name with no pipe
// object reports ErrPipeNotAvailable, a pipe whose instances are all
// connected reports ErrPipeBusy. Both, plus ErrInstanceNotAvailable,
// satisfy IsNoInstanceAvailable; callers retry via WaitInstance.
func Open(name string) (*Endpoint, error) {
	reg.mu.Lock()
	p, ok := reg.pipes[key(name)]
	reg.mu.Unlock()
	if !ok {
		return nil, ErrPipeNotAvailable
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, inst := range p.instances {
		if c, ok := inst.tryAttach(p.rmem, p.wmem); ok {
			client := &Endpoint{pipe: p, client: true}
			client.conn.Store(c)
			client.refs.Store(1)
			log.V(2).Infof("npipe: open %s", name)
			return client, nil
		}
	}
	return nil, ErrPipeBusy
}

// tryAttach connects a client to this instance if it is listening.
func (inst *Instance) tryAttach(rmem, wmem int) (*conn, bool) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.state != stateListening {
		return nil, false
	}
	c := newConn(rmem, wmem)
	inst.state = stateConnected
	inst.conn.Store(c)
	inst.connected.signal()
	return c, true
}

// Listen completes when a client is attached to this instance. A
// connected instance completes immediately ("already connected"). In
// non-blocking mode an unconnected instance reports ErrListening. A
// canceled ctx surfaces as ctx.Err() for the caller to map to EINTR.
func (inst *Instance) Listen(ctx context.Context, nonblocking bool) error {
	for {
		inst.mu.Lock()
		switch inst.state {
		case stateConnected:
			inst.mu.Unlock()
			return nil
		case stateClosed:
			inst.mu.Unlock()
			return ErrDisconnected
		case stateDisconnected:
			// Re-listen, as a disconnect-then-listen server does.
			// avail has its own lock; pipe.mu must not nest inside
			// inst.mu.
			inst.state = stateListening
			inst.conn.Store(nil)
			inst.pipe.avail.signal()
		}
		ch := inst.connected.wait()
		inst.mu.Unlock()

		if nonblocking {
			return ErrListening
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Disconnect severs the client from this instance. Pending and future
// client I/O fails with ErrDisconnected. The instance can Listen again.
func (inst *Instance) Disconnect() {
	inst.mu.Lock()
	c := inst.conn.Load()
	inst.state = stateDisconnected
	inst.conn.Store(nil)
	inst.mu.Unlock()
	if c != nil {
		c.shutdown()
	}
	log.V(2).Infof("npipe: disconnect instance of %s", inst.pipe.name)
}

// Dup adds a handle reference to the server instance, sharing it the
// way duplicated host handles share one pipe instance.
func (inst *Instance) Dup() *Instance {
	inst.Endpoint.refs.Add(1)
	return inst
}

// Close releases one handle reference; the last close retires the
// instance and removes it from the pipe. Removing the last instance
// deletes the pipe from the namespace.
func (inst *Instance) Close() error {
	if inst.Endpoint.refs.Add(-1) > 0 {
		return nil
	}
	inst.mu.Lock()
	if inst.state == stateClosed {
		inst.mu.Unlock()
		return nil
	}
	c := inst.conn.Load()
	inst.state = stateClosed
	inst.conn.Store(nil)
	inst.mu.Unlock()
	if c != nil {
		c.shutdown()
	}

	p := inst.pipe
	p.mu.Lock()
	for i, other := range p.instances {
		if other == inst {
			p.instances = append(p.instances[:i], p.instances[i+1:]...)
			break
		}
	}
	empty := len(p.instances) == 0
	p.mu.Unlock()

	if empty {
		reg.mu.Lock()
		if reg.pipes[key(p.name)] == p {
			delete(reg.pipes, key(p.name))
		}
		reg.mu.Unlock()
		log.V(2).Infof("npipe: removed %s", p.name)
	}
	return nil
}

// Exists reports whether a pipe object with the name is present.
func Exists(name string) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	_, ok := reg.pipes[key(name)]
	return ok
}

// WaitInstance parks until the named pipe has a listening instance, the
// timeout expires (ErrTimeout), the termination event fires
// (ErrTerminated), or ctx is canceled (ctx.Err()). A nil term channel
// is never ready. Unlike Open, a name that does not exist yet is waited
// for; the timeout bounds the whole wait. A zero or negative timeout
// waits forever.
func WaitInstance(ctx context.Context, name string, timeout time.Duration, term <-chan struct{}) error {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	for {
		var ch <-chan struct{}

		reg.mu.Lock()
		p, ok := reg.pipes[key(name)]
		if !ok {
			ch = reg.created.wait()
		}
		reg.mu.Unlock()

		if ok {
			listening := false
			p.mu.Lock()
			for _, inst := range p.instances {
				inst.mu.Lock()
				listening = inst.state == stateListening
				inst.mu.Unlock()
				if listening {
					break
				}
			}
			if !listening {
				ch = p.avail.wait()
			}
			p.mu.Unlock()
			if listening {
				return nil
			}
		}

		select {
		case <-ch:
		case <-term:
			return ErrTerminated
		case <-deadline:
			return ErrTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// bcast is a reusable broadcast: wait returns a channel that is closed
// by the next signal. The zero value is ready to use.
type bcast struct {
	mu sync.Mutex
	ch chan struct{}
}

func (b *bcast) wait() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ch == nil {
		b.ch = make(chan struct{})
	}
	return b.ch
}

func (b *bcast) signal() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ch != nil {
		close(b.ch)
		b.ch = nil
	}
}
