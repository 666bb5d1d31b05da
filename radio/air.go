// Package radio simulates the platform P2P and Aware managers in process.
// Devices created on the same Air see each other. Completions and events
// are delivered asynchronously and in order on the medium's own goroutine,
// like the managers' callback thread, and the data planes run over real
// loopback sockets.
package radio

import (
	"sync"
	"time"

	"github.com/user/nearlink/logger"
)

// Host is the address every simulated data plane listens on
const Host = "127.0.0.1"

// Op names an operation FailNext can make fail
type Op string

const (
	OpDiscoverPeers  Op = "discover_peers"
	OpDiscoverServ   Op = "discover_services"
	OpConnect        Op = "connect"
	OpRemoveGroup    Op = "remove_group"
	OpAttach         Op = "attach"
	OpSendMessage    Op = "send_message"
	OpRequestNetwork Op = "request_network"
)

// Option configures an Air
type Option func(*Air)

// WithDelay sets the latency of every completion and event
func WithDelay(d time.Duration) Option {
	return func(a *Air) { a.delay = d }
}

type delivery struct {
	fn    func()
	delay time.Duration
}

// Air is the shared medium
type Air struct {
	mu       sync.Mutex
	delay    time.Duration
	failures map[Op]int
	calls    map[Op]int
	p2p      map[string]*P2P
	aware    map[string]*Aware
	requests map[int]*netRequest
	nextID   int
	queue    []delivery
	closed   bool

	wake     chan struct{}
	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewAir creates an empty medium
func NewAir(opts ...Option) *Air {
	a := &Air{
		failures: make(map[Op]int),
		calls:    make(map[Op]int),
		p2p:      make(map[string]*P2P),
		aware:    make(map[string]*Aware),
		requests: make(map[int]*netRequest),
		wake:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	go a.run()
	return a
}

// SetDelay changes the latency of later completions
func (a *Air) SetDelay(d time.Duration) {
	a.mu.Lock()
	a.delay = d
	a.mu.Unlock()
}

// FailNext makes the next n calls of op fail
func (a *Air) FailNext(op Op, n int) {
	a.mu.Lock()
	a.failures[op] += n
	a.mu.Unlock()
}

// failLocked consumes one scheduled failure of op
func (a *Air) failLocked(op Op) bool {
	if a.failures[op] == 0 {
		return false
	}
	a.failures[op]--
	logger.Debug("radio", "injected failure of %s", op)
	return true
}

// Calls returns how many calls of op completed successfully
func (a *Air) Calls(op Op) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[op]
}

// asyncLocked queues fn for delivery after the configured delay. The
// caller holds a.mu.
func (a *Air) asyncLocked(fn func()) {
	if a.closed {
		return
	}
	a.wg.Add(1)
	a.queue = append(a.queue, delivery{fn: fn, delay: a.delay})
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *Air) run() {
	for {
		select {
		case <-a.wake:
		case <-a.quit:
			return
		}
		for {
			a.mu.Lock()
			if len(a.queue) == 0 {
				a.mu.Unlock()
				break
			}
			d := a.queue[0]
			a.queue = a.queue[1:]
			a.mu.Unlock()

			if d.delay > 0 {
				time.Sleep(d.delay)
			}
			d.fn()
			a.wg.Done()
		}
	}
}

// Wait blocks until every delivery queued so far ran. It must not be
// called from a callback.
func (a *Air) Wait() {
	a.wg.Wait()
}

// Close drops later deliveries and waits for the queued ones
func (a *Air) Close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.wg.Wait()
	a.stopOnce.Do(func() { close(a.quit) })
}
