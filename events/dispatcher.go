// Package events is the single serialized delivery boundary between the
// transports and the outside world. Every asynchronous transport completion
// and every outward notification runs on one dispatcher goroutine, so
// observers never see two callbacks interleaved.
package events

import (
	"sync"
)

// Dispatcher runs posted functions one at a time, in post order, on a single
// goroutine. The queue is unbounded so Post never blocks the caller (read
// loops and driver callbacks post from their own goroutines).
type Dispatcher struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	done   chan struct{}
}

// NewDispatcher starts the delivery goroutine
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{done: make(chan struct{})}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

// Post enqueues fn. Posts after Close are dropped and reported as false.
func (d *Dispatcher) Post(fn func()) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	d.queue = append(d.queue, fn)
	d.cond.Signal()
	return true
}

// Sync blocks until everything posted before the call has run. It must not
// be called from the dispatcher goroutine itself.
func (d *Dispatcher) Sync() {
	ch := make(chan struct{})
	if !d.Post(func() { close(ch) }) {
		<-d.done
		return
	}
	<-ch
}

// Close stops accepting posts, runs whatever is still queued and waits for
// the delivery goroutine to exit. Safe to call more than once.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.cond.Signal()
	d.mu.Unlock()
	<-d.done
}

// Len returns the number of queued, not yet running functions
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 && d.closed {
			d.mu.Unlock()
			return
		}
		fn := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()

		fn()
	}
}
