// Package correlator matches replies to outstanding requests by correlation id
// and fails requests that are not answered in time.
package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/codefionn/hostlink/internal/logger"
	"github.com/codefionn/hostlink/protocol"
)

// DefaultTimeout is the request timeout used when none is configured.
const DefaultTimeout = 30 * time.Second

// State is the lifecycle state of a pending request.
type State int32

const (
	// StateArmed means the request is waiting for its reply
	StateArmed State = iota
	// StateResolved means a reply arrived in time
	StateResolved
	// StateTimedOut means the timer fired before a reply arrived
	StateTimedOut
	// StateAborted means the request was cancelled or failed to send
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateArmed:
		return "armed"
	case StateResolved:
		return "resolved"
	case StateTimedOut:
		return "timed_out"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Pending is a request waiting for its reply. Exactly one terminal state is
// ever reached; later transitions are ignored.
type Pending struct {
	id       string
	owner    *Correlator
	deadline time.Time
	done     chan struct{}

	mu     sync.Mutex
	state  State
	timer  *time.Timer
	result json.RawMessage
	err    error
}

// ID returns the correlation id.
func (p *Pending) ID() string { return p.id }

// Deadline returns the time at which the request times out.
func (p *Pending) Deadline() time.Time { return p.deadline }

// Done is closed once the request reaches a terminal state.
func (p *Pending) Done() <-chan struct{} { return p.done }

// State returns the current state.
func (p *Pending) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Wait blocks until the request is resolved, times out or is aborted. If ctx
// ends first the request is aborted and removed from the table.
func (p *Pending) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		p.owner.release(p)
		p.finish(StateAborted, nil, ctx.Err())
		<-p.done
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result, p.err
}

func (p *Pending) finish(state State, result json.RawMessage, err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateArmed {
		return false
	}
	p.state = state
	p.result = result
	p.err = err
	if p.timer != nil {
		p.timer.Stop()
	}
	close(p.done)
	return true
}

// Correlator owns the table of pending requests.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*Pending
	timeout time.Duration
	log     *logger.Logger
}

// New creates a Correlator. timeout <= 0 selects DefaultTimeout.
func New(timeout time.Duration) *Correlator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Correlator{
		pending: make(map[string]*Pending),
		timeout: timeout,
		log:     logger.Global().WithPrefix("correlator"),
	}
}

// SetTimeout changes the timeout applied to requests armed from now on.
func (c *Correlator) SetTimeout(timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c.mu.Lock()
	c.timeout = timeout
	c.mu.Unlock()
}

// Timeout returns the timeout applied to newly armed requests.
func (c *Correlator) Timeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeout
}

// Arm registers a request under id and starts its timer. An id that is
// already armed is replaced; the previous request fails with
// ErrRequestSuperseded.
func (c *Correlator) Arm(id string) (*Pending, error) {
	if id == "" {
		return nil, errors.New("correlation id is required")
	}

	c.mu.Lock()
	timeout := c.timeout
	p := &Pending{
		id:       id,
		owner:    c,
		deadline: time.Now().Add(timeout),
		done:     make(chan struct{}),
	}
	prev := c.pending[id]
	c.pending[id] = p
	c.mu.Unlock()

	p.mu.Lock()
	p.timer = time.AfterFunc(timeout, func() { c.expire(p, timeout) })
	p.mu.Unlock()

	if prev != nil {
		c.log.Warn("request %s re-armed, superseding the previous one", id)
		prev.finish(StateAborted, nil, protocol.NewError(protocol.CodeRequestSuperseded,
			fmt.Sprintf("request %s was re-armed", id), nil))
	}
	return p, nil
}

// Resolve completes the request armed under id with data. It returns false
// when no such request is pending, e.g. for late replies.
func (c *Correlator) Resolve(id string, data json.RawMessage) bool {
	p := c.take(id)
	if p == nil {
		return false
	}
	return p.finish(StateResolved, data, nil)
}

// Abort fails the request armed under id with err.
func (c *Correlator) Abort(id string, err error) bool {
	p := c.take(id)
	if p == nil {
		return false
	}
	return p.finish(StateAborted, nil, err)
}

// AbortAll fails every pending request with err and returns how many were
// pending.
func (c *Correlator) AbortAll(err error) int {
	c.mu.Lock()
	all := c.pending
	c.pending = make(map[string]*Pending)
	c.mu.Unlock()

	n := 0
	for _, p := range all {
		if p.finish(StateAborted, nil, err) {
			n++
		}
	}
	return n
}

// Len returns the number of pending requests.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) take(id string) *Pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return p
}

// release removes p from the table if it still owns its slot.
func (c *Correlator) release(p *Pending) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[p.id] == p {
		delete(c.pending, p.id)
	}
}

func (c *Correlator) expire(p *Pending, timeout time.Duration) {
	c.release(p)
	err := protocol.NewError(protocol.CodeRequestTimeout,
		fmt.Sprintf("request %s timed out after %s", p.id, timeout), nil)
	if p.finish(StateTimedOut, nil, err) {
		c.log.Debug("request %s timed out after %s", p.id, timeout)
	}
}
