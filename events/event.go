// Package events fans out connection and task events to subscribers.
package events

import (
	"encoding/json"

	"github.com/codefionn/hostlink/protocol"
)

// Kind groups topics by origin.
type Kind int

const (
	// KindConnect fires when the host acknowledges the client
	KindConnect Kind = iota
	// KindDisconnect fires when the transport closes
	KindDisconnect
	// KindError fires on transport and decode failures
	KindError
	// KindTask carries a named event pushed by the host
	KindTask
)

func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindDisconnect:
		return "disconnect"
	case KindError:
		return "error"
	case KindTask:
		return "task"
	default:
		return "unknown"
	}
}

// Topic is a subscription key. Topics are comparable and may be used as map
// keys.
type Topic struct {
	kind Kind
	name string
}

// Lifecycle topics.
var (
	Connect    = Topic{kind: KindConnect}
	Disconnect = Topic{kind: KindDisconnect}
	Error      = Topic{kind: KindError}
)

// Task returns the topic for a host event name such as "taskStarted".
func Task(name string) Topic {
	return Topic{kind: KindTask, name: name}
}

// Kind returns the topic kind.
func (t Topic) Kind() Kind { return t.kind }

// Name returns the event name of a task topic and "" otherwise.
func (t Topic) Name() string { return t.name }

func (t Topic) String() string {
	if t.kind == KindTask {
		return "task:" + t.name
	}
	return t.kind.String()
}

// Event is what subscribers receive.
type Event struct {
	Topic Topic

	// Payload is the raw event payload for task events.
	Payload json.RawMessage
	// TaskID is set when the host tagged the event with a task.
	TaskID *int
	// Ack is set for connect events.
	Ack *protocol.Ack
	// Err is set for error events.
	Err error
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return protocol.NewError(protocol.CodeDecode, e.Topic.String()+" event has no payload", nil)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return protocol.NewError(protocol.CodeDecode, "malformed "+e.Topic.String()+" payload", err)
	}
	return nil
}

// Listener wraps a callback. Subscriptions are keyed by the Listener pointer,
// so the same Listener subscribed twice to a topic is called once.
type Listener struct {
	fn func(Event)
}

// NewListener creates a Listener for fn.
func NewListener(fn func(Event)) *Listener {
	return &Listener{fn: fn}
}
