package events

import (
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/codefionn/hostlink/internal/logger"
)

// Dispatcher delivers events to the listeners subscribed to their topic.
// A panicking listener is recovered and does not affect the others.
type Dispatcher struct {
	mu       sync.RWMutex
	subs     map[Topic][]*Listener
	failures atomic.Int64
	log      *logger.Logger
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subs: make(map[Topic][]*Listener),
		log:  logger.Global().WithPrefix("events"),
	}
}

// Subscribe adds l to topic. It reports false when l was already subscribed.
func (d *Dispatcher) Subscribe(topic Topic, l *Listener) bool {
	if l == nil || l.fn == nil {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if slices.Contains(d.subs[topic], l) {
		return false
	}
	d.subs[topic] = append(d.subs[topic], l)
	return true
}

// Unsubscribe removes l from topic. It reports false when l was not
// subscribed.
func (d *Dispatcher) Unsubscribe(topic Topic, l *Listener) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	subs := d.subs[topic]
	idx := slices.Index(subs, l)
	if idx < 0 {
		return false
	}

	// Copy so that snapshots taken by Fire stay valid.
	next := make([]*Listener, 0, len(subs)-1)
	next = append(next, subs[:idx]...)
	next = append(next, subs[idx+1:]...)
	if len(next) == 0 {
		delete(d.subs, topic)
	} else {
		d.subs[topic] = next
	}
	return true
}

// Count returns the number of listeners subscribed to topic.
func (d *Dispatcher) Count(topic Topic) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs[topic])
}

// Fire calls every listener of ev.Topic in subscription order and returns
// the number of listeners that returned without panicking.
func (d *Dispatcher) Fire(ev Event) int {
	d.mu.RLock()
	subs := d.subs[ev.Topic]
	d.mu.RUnlock()

	delivered := 0
	for _, l := range subs {
		if d.call(l, ev) {
			delivered++
		}
	}
	return delivered
}

// Failures returns how many listener calls panicked so far.
func (d *Dispatcher) Failures() int64 {
	return d.failures.Load()
}

func (d *Dispatcher) call(l *Listener, ev Event) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			d.failures.Add(1)
			d.log.Error("listener for %s panicked: %v\n%s", ev.Topic, r, debug.Stack())
			ok = false
		}
	}()
	l.fn(ev)
	return true
}
