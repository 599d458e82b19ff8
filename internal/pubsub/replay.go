// Package pubsub provides a single-writer, multi-reader broadcast of the
// latest value (replay of one).
package pubsub

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by waits on a closed Replay.
var ErrClosed = errors.New("pubsub: replay closed")

// Replay holds at most one published value. Publishing atomically replaces
// the previous value; readers that already hold the old value keep it.
type Replay[T any] struct {
	mu      sync.Mutex
	value   T
	has     bool
	seq     uint64
	closed  bool
	changed chan struct{}
}

func NewReplay[T any]() *Replay[T] {
	return &Replay[T]{changed: make(chan struct{})}
}

// Publish stores v as the latest value. It returns false once closed.
func (r *Replay[T]) Publish(v T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}
	r.value = v
	r.has = true
	r.seq++
	r.notifyLocked()
	return true
}

// Reset drops the current value. New readers see "not ready" until the next
// Publish.
func (r *Replay[T]) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.has {
		return
	}
	var zero T
	r.value = zero
	r.has = false
	r.notifyLocked()
}

// Close resets the value and wakes every waiter. Idempotent.
func (r *Replay[T]) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	var zero T
	r.value = zero
	r.has = false
	r.closed = true
	r.notifyLocked()
}

// Load returns the latest value without waiting.
func (r *Replay[T]) Load() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.value, r.has
}

// Wait blocks until a value is available, the Replay is closed or ctx is done.
func (r *Replay[T]) Wait(ctx context.Context) (T, error) {
	for {
		v, has, _, closed, changed := r.snapshot()
		if has {
			return v, nil
		}
		var zero T
		if closed {
			return zero, ErrClosed
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-changed:
		}
	}
}

// Subscribe streams the current value (if any) followed by every later
// publish. A slow reader only skips values that were already superseded.
// The channel closes when ctx is done or the Replay is closed.
func (r *Replay[T]) Subscribe(ctx context.Context) <-chan T {
	out := make(chan T, 1)
	go func() {
		defer close(out)

		var lastSeq uint64
		for {
			v, has, seq, closed, changed := r.snapshot()
			if has && seq != lastSeq {
				select {
				case out <- v:
					lastSeq = seq
				case <-ctx.Done():
					return
				}
				continue
			}
			if closed {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-changed:
			}
		}
	}()
	return out
}

func (r *Replay[T]) snapshot() (T, bool, uint64, bool, <-chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.value, r.has, r.seq, r.closed, r.changed
}

func (r *Replay[T]) notifyLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}
