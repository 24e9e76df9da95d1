package interrupt

import (
	"context"
	"testing"
	"time"
)

func TestWait(t *testing.T) {
	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	closed := make(chan struct{})
	close(closed)

	tests := []struct {
		desc    string
		ctx     context.Context
		done    <-chan struct{}
		timeout time.Duration
		want    Result
	}{
		{
			desc:    "completion wins",
			ctx:     context.Background(),
			done:    closed,
			timeout: Infinite,
			want:    Completed,
		},
		{
			desc:    "cancel unblocks",
			ctx:     canceled,
			done:    make(chan struct{}),
			timeout: Infinite,
			want:    Signaled,
		},
		{
			desc:    "timeout fires",
			ctx:     context.Background(),
			done:    make(chan struct{}),
			timeout: 5 * time.Millisecond,
			want:    TimedOut,
		},
	}

	for _, test := range tests {
		if got := Wait(test.ctx, test.done, test.timeout); got != test.want {
			t.Errorf("TestWait(%s): got %v, want %v", test.desc, got, test.want)
		}
	}
}

func TestEvent(t *testing.T) {
	e := NewEvent()
	if e.IsSet() {
		t.Fatal("new event reports set")
	}

	waited := make(chan Result, 1)
	go func() {
		waited <- Wait(context.Background(), e.Done(), Infinite)
	}()

	e.Set()
	e.Set() // second Set must not panic

	if got := <-waited; got != Completed {
		t.Errorf("waiter got %v, want Completed", got)
	}
	if !e.IsSet() {
		t.Error("event does not report set after Set")
	}
	// A late waiter completes immediately.
	if got := Wait(context.Background(), e.Done(), time.Millisecond); got != Completed {
		t.Errorf("late waiter got %v, want Completed", got)
	}
}
