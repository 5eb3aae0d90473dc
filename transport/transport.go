// Package transport moves newline-delimited byte frames between the client
// and the task host.
//
// Two variants exist. TCP dials the host directly and reports raw read
// chunks, leaving reassembly to the caller. Listen opens a local socket that
// the host dials into and reports one complete line per OnData call.
//
// Hooks are invoked from transport goroutines and must not call Disconnect.
package transport

import (
	"context"
	"sync"
	"time"
)

const (
	// DefaultConnectTimeout bounds Connect.
	DefaultConnectTimeout = 5 * time.Second
	// DefaultWriteTimeout bounds a single socket write.
	DefaultWriteTimeout = 10 * time.Second
	// DefaultQueueSize is the number of frames buffered per connection.
	DefaultQueueSize = 256
)

// Transport is a bidirectional frame pipe.
type Transport interface {
	// Connect establishes the session. It is a no-op when already connected.
	Connect(ctx context.Context) error
	// Disconnect ends the session. It is idempotent; OnClose fires once per
	// session, after the last OnData.
	Disconnect() error
	// Send queues data followed by a newline. It fails with
	// protocol.ErrNotConnected when there is no session.
	Send(data []byte) error
	// IsConnected reports whether a session is active.
	IsConnected() bool
	// SetHooks installs the callbacks. It should be called before Connect.
	SetHooks(h Hooks)
}

// Hooks receive transport notifications. Nil fields are ignored.
type Hooks struct {
	OnData  func([]byte)
	OnError func(error)
	OnClose func()
}

type hookSet struct {
	mu sync.RWMutex
	h  Hooks
}

func (s *hookSet) set(h Hooks) {
	s.mu.Lock()
	s.h = h
	s.mu.Unlock()
}

func (s *hookSet) get() Hooks {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.h
}

func (s *hookSet) data(p []byte) {
	if fn := s.get().OnData; fn != nil {
		fn(p)
	}
}

func (s *hookSet) error(err error) {
	if fn := s.get().OnError; fn != nil {
		fn(err)
	}
}

func (s *hookSet) close() {
	if fn := s.get().OnClose; fn != nil {
		fn()
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
