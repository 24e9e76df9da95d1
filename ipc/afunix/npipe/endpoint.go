package npipe

// endpoint.go holds the I/O side of the service: the per-connection
// message queues and the handle type shared by both pipe ends.

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/golang/glog"
)

// conn is one client/server attachment: two bounded message queues,
// one per direction.
type conn struct {
	// c2s carries client writes to the server; its budget is the pipe's
	// inbound quota (rmem). s2c is the reverse with the outbound quota.
	c2s *msgQueue
	s2c *msgQueue
}

func newConn(rmem, wmem int) *conn {
	return &conn{c2s: newQueue(rmem), s2c: newQueue(wmem)}
}

// shutdown closes both directions. Queued messages remain readable;
// once drained, readers see ErrDisconnected.
func (c *conn) shutdown() {
	c.c2s.close()
	c.s2c.close()
}

// Endpoint is one end of a pipe connection. The server's Endpoint is
// embedded in its Instance; a client gets a bare Endpoint from Open.
//
// An Endpoint in complete-operation mode (nonblocking) fails
// immediately with ErrWouldBlock instead of waiting; queue-operation
// mode waits, bounded by the optional timeout. Messages never split or
// coalesce: the service is message mode only.
type Endpoint struct {
	pipe   *Pipe
	client bool

	conn        atomic.Pointer[conn]
	nonblocking atomic.Bool
	// refs counts the handles sharing this endpoint, as the host's
	// handle duplication would. Teardown happens at the last close.
	refs atomic.Int32
}

// Dup adds a handle reference to a client endpoint. The returned
// pointer is the same endpoint; Close tears the connection down only
// when the last reference goes away.
func (e *Endpoint) Dup() *Endpoint {
	e.refs.Add(1)
	return e
}

// SetNonblocking switches between complete-operation (true) and
// queue-operation (false) mode. The mode sticks until changed again;
// the message read mode is always forced.
func (e *Endpoint) SetNonblocking(v bool) {
	old := e.nonblocking.Swap(v)
	if old != v {
		log.V(2).Infof("npipe: %s handle of %s now nonblocking=%t", e.role(), e.pipe.name, v)
	}
}

// Nonblocking reports the current completion mode.
func (e *Endpoint) Nonblocking() bool {
	return e.nonblocking.Load()
}

func (e *Endpoint) role() string {
	if e.client {
		return "client"
	}
	return "server"
}

func (e *Endpoint) queues() (recv, send *msgQueue, err error) {
	c := e.conn.Load()
	if c == nil {
		return nil, nil, ErrDisconnected
	}
	if e.client {
		return c.s2c, c.c2s, nil
	}
	return c.c2s, c.s2c, nil
}

// ReadMsg returns the next message. In complete-operation mode an empty
// queue reports ErrWouldBlock. In queue-operation mode the read waits
// until a message arrives, timeout expires (ErrTimeout) or ctx is
// canceled (ctx.Err()). A timeout <= 0 waits forever. After the peer is
// gone, queued messages still drain; then reads report ErrDisconnected.
func (e *Endpoint) ReadMsg(ctx context.Context, timeout time.Duration) ([]byte, error) {
	recv, _, err := e.queues()
	if err != nil {
		return nil, err
	}
	return recv.pop(ctx, e.nonblocking.Load(), timeout)
}

// WriteMsg enqueues one message. In complete-operation mode a full
// receive buffer reports ErrWouldBlock; queue-operation mode waits for
// space. A message larger than the receiver's whole budget reports
// ErrMsgTooBig.
func (e *Endpoint) WriteMsg(ctx context.Context, msg []byte, timeout time.Duration) error {
	_, send, err := e.queues()
	if err != nil {
		return err
	}
	return send.push(ctx, msg, e.nonblocking.Load(), timeout)
}

// Close releases one handle reference of a client endpoint; the
// connection shuts down when the last reference closes. Closing the
// server end goes through Instance.Close, which also retires the
// instance.
func (e *Endpoint) Close() error {
	if e.refs.Add(-1) > 0 {
		return nil
	}
	c := e.conn.Swap(nil)
	if c != nil {
		c.shutdown()
	}
	return nil
}

// msgQueue is a byte-budgeted FIFO of whole messages.
type msgQueue struct {
	mu       sync.Mutex
	capacity int
	msgs     [][]byte
	bytes    int
	closed   bool

	readable bcast
	writable bcast
}

func newQueue(capacity int) *msgQueue {
	return &msgQueue{capacity: capacity}
}

func (q *msgQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.readable.signal()
	q.writable.signal()
}

func (q *msgQueue) push(ctx context.Context, msg []byte, nonblocking bool, timeout time.Duration) error {
	if len(msg) > q.capacity {
		return ErrMsgTooBig
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrDisconnected
		}
		if q.bytes+len(msg) <= q.capacity {
			// Own copy: the caller may reuse its buffer.
			m := make([]byte, len(msg))
			copy(m, msg)
			q.msgs = append(q.msgs, m)
			q.bytes += len(m)
			q.mu.Unlock()
			q.readable.signal()
			return nil
		}
		ch := q.writable.wait()
		q.mu.Unlock()

		if nonblocking {
			return ErrWouldBlock
		}
		select {
		case <-ch:
		case <-deadline:
			return ErrTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (q *msgQueue) pop(ctx context.Context, nonblocking bool, timeout time.Duration) ([]byte, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	for {
		q.mu.Lock()
		if len(q.msgs) > 0 {
			m := q.msgs[0]
			q.msgs = q.msgs[1:]
			q.bytes -= len(m)
			q.mu.Unlock()
			q.writable.signal()
			return m, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrDisconnected
		}
		ch := q.readable.wait()
		q.mu.Unlock()

		if nonblocking {
			return nil, ErrWouldBlock
		}
		select {
		case <-ch:
		case <-deadline:
			return nil, ErrTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
