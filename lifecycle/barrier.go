package lifecycle

import (
	"context"
	"sync"
)

// Barrier counts outstanding asynchronous teardown operations. Each
// operation gets a completion func from Op that decrements the counter
// exactly once, whether the operation succeeded or failed. When the counter
// reaches zero the zero callback runs and Wait returns.
type Barrier struct {
	mu      sync.Mutex
	pending int
	names   map[string]int
	onZero  func()
	done    chan struct{}
}

// NewBarrier arms a barrier for n operations. onZero may be nil. A barrier
// armed with n <= 0 is released immediately.
func NewBarrier(n int, onZero func()) *Barrier {
	b := &Barrier{
		pending: n,
		names:   make(map[string]int),
		onZero:  onZero,
		done:    make(chan struct{}),
	}
	if n <= 0 {
		b.pending = 0
		b.release()
	}
	return b
}

// Op returns the completion func of one operation. Calling it more than once
// has no further effect.
func (b *Barrier) Op(name string) func() {
	var once sync.Once
	return func() {
		once.Do(func() { b.complete(name) })
	}
}

// Pending returns the number of operations still outstanding
func (b *Barrier) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}

// Completed returns how many times each named operation completed
func (b *Barrier) Completed() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]int, len(b.names))
	for k, v := range b.names {
		out[k] = v
	}
	return out
}

// Done is closed once the counter reaches zero
func (b *Barrier) Done() <-chan struct{} {
	return b.done
}

// Wait blocks until the counter reaches zero or ctx is done
func (b *Barrier) Wait(ctx context.Context) error {
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Barrier) complete(name string) {
	b.mu.Lock()
	if b.pending == 0 {
		b.mu.Unlock()
		return
	}
	b.pending--
	b.names[name]++
	zero := b.pending == 0
	b.mu.Unlock()

	if zero {
		b.release()
	}
}

func (b *Barrier) release() {
	if b.onZero != nil {
		b.onZero()
	}
	close(b.done)
}
