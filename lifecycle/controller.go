// Package lifecycle holds the per-transport session state machine and the
// counted shutdown barrier that keeps a new start from racing an
// unfinished teardown.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/user/nearlink/logger"
)

// State of a transport session
type State int

const (
	Idle State = iota
	Discovering
	Connecting
	Active
	TearingDown
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Discovering:
		return "Discovering"
	case Connecting:
		return "Connecting"
	case Active:
		return "Active"
	case TearingDown:
		return "TearingDown"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var (
	// ErrAlreadyStarted is returned by Start on a session that is running or
	// starting. Callers treat it as success.
	ErrAlreadyStarted = errors.New("session already started")
	// ErrStartAborted is returned by a Start that was waiting for a previous
	// teardown when Stop arrived.
	ErrStartAborted = errors.New("start aborted by stop")
)

// Default backoff bounds while Start waits for a previous teardown
const (
	DefaultPollMin = 10 * time.Millisecond
	DefaultPollMax = 500 * time.Millisecond
)

// Transition is reported to observers after every state change
type Transition struct {
	From, To State
}

// Controller is the state machine of one transport session. Methods that
// drive a transition return false, and change nothing, when the transition
// is not legal from the current state.
type Controller struct {
	name    string
	prefix  string
	clock   clock.Clock
	pollMin time.Duration
	pollMax time.Duration

	mu            sync.Mutex
	state         State
	starting      bool
	abort         chan struct{}
	barrier       *Barrier
	hadConnection bool
	observers     []func(Transition)
}

// Option configures a Controller
type Option func(*Controller)

// WithClock sets the clock used for start backoff
func WithClock(c clock.Clock) Option {
	return func(ctl *Controller) { ctl.clock = c }
}

// WithPoll sets the start backoff bounds
func WithPoll(min, max time.Duration) Option {
	return func(ctl *Controller) {
		if min > 0 {
			ctl.pollMin = min
		}
		if max >= ctl.pollMin {
			ctl.pollMax = max
		}
	}
}

// WithLogPrefix sets the logger prefix
func WithLogPrefix(prefix string) Option {
	return func(ctl *Controller) { ctl.prefix = prefix }
}

// NewController creates an Idle controller
func NewController(name string, opts ...Option) *Controller {
	c := &Controller{
		name:    name,
		prefix:  name,
		clock:   clock.New(),
		pollMin: DefaultPollMin,
		pollMax: DefaultPollMax,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnTransition registers an observer. Observers run outside the controller
// lock, in transition order per caller.
func (c *Controller) OnTransition(fn func(Transition)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

// State returns the current state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Started reports whether the session is between a successful Start and the
// next Stop
func (c *Controller) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != Idle && c.state != TearingDown
}

// Start moves Idle -> Discovering. If a previous teardown is still in
// flight it first waits, with exponential backoff between the poll bounds,
// until that teardown's barrier has reached zero.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.starting || (c.state != Idle && c.state != TearingDown) {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.starting = true
	abort := make(chan struct{})
	c.abort = abort
	c.mu.Unlock()

	err := c.awaitTeardown(ctx, abort)

	c.mu.Lock()
	c.starting = false
	c.abort = nil
	if err == nil {
		select {
		case <-abort:
			err = ErrStartAborted
		default:
		}
	}
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.barrier = nil
	t, ok := c.setLocked(Discovering, Idle)
	c.mu.Unlock()

	if !ok {
		return ErrStartAborted
	}
	c.notify(t)
	return nil
}

func (c *Controller) awaitTeardown(ctx context.Context, abort <-chan struct{}) error {
	delay := c.pollMin
	for {
		if c.State() != TearingDown {
			select {
			case <-abort:
				return ErrStartAborted
			default:
				return nil
			}
		}

		logger.Debug(c.prefix, "start waiting for teardown (%d ops pending, retry in %v)",
			c.Pending(), delay)

		timer := c.clock.Timer(delay)
		select {
		case <-timer.C:
		case <-abort:
			timer.Stop()
			return ErrStartAborted
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}

		delay *= 2
		if delay > c.pollMax {
			delay = c.pollMax
		}
	}
}

// Pending returns the outstanding operations of the current teardown
func (c *Controller) Pending() int {
	c.mu.Lock()
	b := c.barrier
	c.mu.Unlock()
	if b == nil {
		return 0
	}
	return b.Pending()
}

// PeersAvailable moves Discovering -> Connecting
func (c *Controller) PeersAvailable() bool {
	return c.transition(Connecting, Discovering)
}

// Connected moves Discovering or Connecting -> Active. Either side of a link
// may become Active first (outbound connect or inbound accept). Returns true
// if the session is Active afterwards.
func (c *Controller) Connected() bool {
	c.mu.Lock()
	if c.state == Active {
		c.hadConnection = true
		c.mu.Unlock()
		return true
	}
	t, ok := c.setLocked(Active, Discovering, Connecting)
	if ok {
		c.hadConnection = true
	}
	c.mu.Unlock()

	if ok {
		c.notify(t)
	}
	return ok
}

// ConnectFailed moves Connecting -> Discovering so the next best peer is tried
func (c *Controller) ConnectFailed() bool {
	return c.transition(Discovering, Connecting)
}

// PeersLost moves Active or Connecting back to Discovering while the session
// is still started. It reports whether a connection had existed since the
// last discovery round, in which case the caller must tear down any formed
// group before rediscovering.
func (c *Controller) PeersLost() (hadConnection bool, ok bool) {
	c.mu.Lock()
	t, ok := c.setLocked(Discovering, Active, Connecting)
	had := c.hadConnection
	if ok {
		c.hadConnection = false
	}
	c.mu.Unlock()

	if ok {
		c.notify(t)
	}
	return had, ok
}

// BeginStop moves any started state to TearingDown and arms a barrier for
// n asynchronous operations; the session returns to Idle when the last one
// completes. A pending Start is aborted. If the session is already idle or
// tearing down, the current barrier (possibly nil) is returned with false.
func (c *Controller) BeginStop(n int) (*Barrier, bool) {
	c.mu.Lock()
	if c.abort != nil {
		close(c.abort)
		c.abort = nil
	}
	if c.state == Idle || c.state == TearingDown {
		b := c.barrier
		c.mu.Unlock()
		return b, false
	}

	from := c.state
	c.state = TearingDown
	c.hadConnection = false
	c.mu.Unlock()
	c.notify(Transition{From: from, To: TearingDown})

	b := NewBarrier(n, c.teardownComplete)
	c.mu.Lock()
	if c.state == TearingDown && b.Pending() > 0 {
		c.barrier = b
	}
	c.mu.Unlock()

	logger.Debug(c.prefix, "teardown started with %d pending ops", n)
	return b, true
}

func (c *Controller) teardownComplete() {
	c.mu.Lock()
	t, ok := c.setLocked(Idle, TearingDown)
	c.barrier = nil
	c.mu.Unlock()

	if ok {
		logger.Debug(c.prefix, "teardown complete")
		c.notify(t)
	}
}

func (c *Controller) transition(to State, from ...State) bool {
	c.mu.Lock()
	t, ok := c.setLocked(to, from...)
	c.mu.Unlock()

	if ok {
		c.notify(t)
	}
	return ok
}

func (c *Controller) setLocked(to State, from ...State) (Transition, bool) {
	for _, f := range from {
		if c.state == f {
			t := Transition{From: c.state, To: to}
			c.state = to
			return t, true
		}
	}
	logger.Trace(c.prefix, "ignoring transition %s -> %s", c.state, to)
	return Transition{}, false
}

func (c *Controller) notify(t Transition) {
	logger.Debug(c.prefix, "%s -> %s", t.From, t.To)

	c.mu.Lock()
	observers := make([]func(Transition), len(c.observers))
	copy(observers, c.observers)
	c.mu.Unlock()

	for _, fn := range observers {
		fn(t)
	}
}
