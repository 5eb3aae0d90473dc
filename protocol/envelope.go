package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind is the envelope type tag.
type Kind string

const (
	KindAck     Kind = "ack"
	KindCommand Kind = "command"
	KindEvent   Kind = "event"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindAck, KindCommand, KindEvent:
		return true
	default:
		return false
	}
}

// Origin identifies which side produced an envelope.
type Origin string

const (
	OriginClient Origin = "client"
	OriginServer Origin = "server"
)

// Envelope is the top-level wire message. The same command kind is used for
// requests (origin client) and replies (origin server); both carry the
// correlation id of the request.
type Envelope struct {
	Type          Kind            `json:"type"`
	Origin        Origin          `json:"origin,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	ClientID      string          `json:"clientId,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// IsReply reports whether the envelope is a reply to a command. Commands
// without an origin count as replies; only the client originates requests.
func (e Envelope) IsReply() bool {
	return e.Type == KindCommand && e.Origin != OriginClient
}

// Validate checks the structural invariants of an envelope.
func (e Envelope) Validate() error {
	if e.Type == "" {
		return NewError(CodeDecode, "missing envelope type", nil)
	}
	if !e.Type.Valid() {
		return NewError(CodeUnknownMessageType, fmt.Sprintf("unknown message type %q", e.Type), nil)
	}
	switch e.Origin {
	case "", OriginClient, OriginServer:
	default:
		return NewError(CodeDecode, fmt.Sprintf("unknown origin %q", e.Origin), nil)
	}
	if e.Type == KindCommand && e.CorrelationID == "" {
		return NewError(CodeDecode, "command envelope without correlationId", nil)
	}
	return nil
}

// Encode serializes an envelope to a single JSON line (without the trailing
// newline). Data is written in compact form, so Decode(Encode(e)) equals e
// whenever e.Data is compact. The constructors and Decode always produce
// compact data.
func Encode(e Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, NewError(CodeDecode, "failed to encode envelope", err)
	}
	return data, nil
}

// Decode parses one wire message.
func Decode(line []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(line, &e); err != nil {
		return Envelope{}, NewError(CodeDecode, "malformed JSON", err)
	}
	data, err := compact(e.Data)
	if err != nil {
		return Envelope{}, NewError(CodeDecode, "malformed data", err)
	}
	e.Data = data
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// NewCommandEnvelope builds a client-originated command envelope.
func NewCommandEnvelope(correlationID, clientID string, cmd Command) (Envelope, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return Envelope{}, NewError(CodeDecode, "failed to encode command", err)
	}
	return Envelope{
		Type:          KindCommand,
		Origin:        OriginClient,
		CorrelationID: correlationID,
		ClientID:      clientID,
		Data:          data,
	}, nil
}

// NewReplyEnvelope builds a server reply for the given correlation id.
func NewReplyEnvelope(correlationID string, result any) (Envelope, error) {
	data, err := marshalOptional(result)
	if err != nil {
		return Envelope{}, NewError(CodeDecode, "failed to encode reply", err)
	}
	return Envelope{
		Type:          KindCommand,
		Origin:        OriginServer,
		CorrelationID: correlationID,
		Data:          data,
	}, nil
}

// NewEventEnvelope builds a server-pushed event envelope.
func NewEventEnvelope(ev Event) (Envelope, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, NewError(CodeDecode, "failed to encode event", err)
	}
	return Envelope{Type: KindEvent, Origin: OriginServer, Data: data}, nil
}

// NewAckEnvelope builds the server acknowledgement sent on connect.
func NewAckEnvelope(ack Ack) (Envelope, error) {
	data, err := json.Marshal(ack)
	if err != nil {
		return Envelope{}, NewError(CodeDecode, "failed to encode ack", err)
	}
	return Envelope{Type: KindAck, Origin: OriginServer, ClientID: ack.ClientID, Data: data}, nil
}

// Payload is the typed content of an envelope: one of Ack, Command, Event or
// Reply.
type Payload interface {
	payloadKind() Kind
}

// Reply is the opaque result carried by a server reply.
type Reply struct {
	CorrelationID string
	Result        json.RawMessage
}

func (Ack) payloadKind() Kind     { return KindAck }
func (Command) payloadKind() Kind { return KindCommand }
func (Event) payloadKind() Kind   { return KindEvent }
func (Reply) payloadKind() Kind   { return KindCommand }

// Payload decodes the envelope's data into the variant selected by its type
// and origin.
func (e Envelope) Payload() (Payload, error) {
	switch {
	case e.Type == KindAck:
		return e.Ack()
	case e.Type == KindEvent:
		return e.Event()
	case e.IsReply():
		return Reply{CorrelationID: e.CorrelationID, Result: e.Data}, nil
	case e.Type == KindCommand:
		return e.Command()
	default:
		return nil, NewError(CodeUnknownMessageType, fmt.Sprintf("unknown message type %q", e.Type), nil)
	}
}

// Ack decodes the data of an ack envelope.
func (e Envelope) Ack() (Ack, error) {
	var ack Ack
	if err := decodeData(e, KindAck, &ack); err != nil {
		return Ack{}, err
	}
	return ack, nil
}

// Command decodes the data of a client command envelope.
func (e Envelope) Command() (Command, error) {
	var cmd Command
	if err := decodeData(e, KindCommand, &cmd); err != nil {
		return Command{}, err
	}
	if cmd.Name == "" {
		return Command{}, NewError(CodeDecode, "command without commandName", nil)
	}
	return cmd, nil
}

// Event decodes the data of an event envelope.
func (e Envelope) Event() (Event, error) {
	var ev Event
	if err := decodeData(e, KindEvent, &ev); err != nil {
		return Event{}, err
	}
	if ev.Name == "" {
		return Event{}, NewError(CodeDecode, "event without name", nil)
	}
	return ev, nil
}

func decodeData(e Envelope, want Kind, v any) error {
	if e.Type != want {
		return NewError(CodeDecode, fmt.Sprintf("envelope is %q, not %q", e.Type, want), nil)
	}
	if len(e.Data) == 0 {
		return NewError(CodeDecode, fmt.Sprintf("%s envelope without data", want), nil)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return NewError(CodeDecode, fmt.Sprintf("malformed %s data", want), err)
	}
	return nil
}

func marshalOptional(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		if len(raw) > 0 && !json.Valid(raw) {
			return nil, errors.New("invalid raw JSON")
		}
		return compact(raw)
	}
	return json.Marshal(v)
}

// compact strips insignificant whitespace from raw.
func compact(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, err
	}
	return json.RawMessage(buf.Bytes()), nil
}
