package protocol

import "encoding/json"

// Event names pushed by the task host. Events with other names are still
// delivered to subscribers of that name.
const (
	EventMessage               = "message"
	EventTaskCreated           = "taskCreated"
	EventTaskStarted           = "taskStarted"
	EventTaskModeSwitched      = "taskModeSwitched"
	EventTaskPaused            = "taskPaused"
	EventTaskUnpaused          = "taskUnpaused"
	EventTaskAskResponded      = "taskAskResponded"
	EventTaskAborted           = "taskAborted"
	EventTaskSpawned           = "taskSpawned"
	EventTaskCompleted         = "taskCompleted"
	EventTaskTokenUsageUpdated = "taskTokenUsageUpdated"
	EventTaskToolFailed        = "taskToolFailed"
	EventEvalPass              = "pass"
	EventEvalFail              = "fail"
)

// Event is the payload of a server event envelope.
type Event struct {
	Name    string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	TaskID  *int            `json:"taskId,omitempty"`
}

// Ack is the payload of the acknowledgement the host sends once a client is
// attached.
type Ack struct {
	ClientID string `json:"clientId"`
	PID      int    `json:"pid"`
	PPID     int    `json:"ppid"`
}

// TokenUsage is the shape of GetTokenUsage replies and
// taskTokenUsageUpdated payloads.
type TokenUsage struct {
	TotalTokensIn    int64   `json:"totalTokensIn"`
	TotalTokensOut   int64   `json:"totalTokensOut"`
	TotalCacheWrites int64   `json:"totalCacheWrites,omitempty"`
	TotalCacheReads  int64   `json:"totalCacheReads,omitempty"`
	TotalCost        float64 `json:"totalCost"`
	ContextTokens    int64   `json:"contextTokens"`
}

// Message is one entry of a task conversation as returned by GetMessages.
type Message struct {
	TS      int64  `json:"ts"`
	Type    string `json:"type"`
	Ask     string `json:"ask,omitempty"`
	Say     string `json:"say,omitempty"`
	Text    string `json:"text,omitempty"`
	Partial bool   `json:"partial,omitempty"`
}
