package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEncodeDecode_RoundTrip checks decode(encode(e)) == e for each envelope shape
func TestEncodeDecode_RoundTrip(t *testing.T) {
	taskID := 7
	cmd, err := NewCommand(StartNewTask, map[string]any{"text": "hi", "newTab": true})
	require.NoError(t, err)
	cmdEnv, err := NewCommandEnvelope("req-1", "client-1", cmd)
	require.NoError(t, err)
	evEnv, err := NewEventEnvelope(Event{Name: EventTaskStarted, Payload: json.RawMessage(`{"id":"t1"}`), TaskID: &taskID})
	require.NoError(t, err)
	ackEnv, err := NewAckEnvelope(Ack{ClientID: "client-1", PID: 10, PPID: 1})
	require.NoError(t, err)
	replyEnv, err := NewReplyEnvelope("req-1", true)
	require.NoError(t, err)
	emptyReply, err := NewReplyEnvelope("req-2", nil)
	require.NoError(t, err)

	tests := []struct {
		name string
		env  Envelope
	}{
		{"command", cmdEnv},
		{"event", evEnv},
		{"ack", ackEnv},
		{"reply", replyEnv},
		{"reply without data", emptyReply},
		{"event without origin", Envelope{Type: KindEvent, Data: json.RawMessage(`{"event":"x"}`)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line, err := Encode(tt.env)
			require.NoError(t, err)
			assert.NotContains(t, string(line), "\n")

			got, err := Decode(line)
			require.NoError(t, err)
			assert.Equal(t, tt.env, got)
		})
	}
}

// TestEncodeDecode_SpacedData checks payloads with insignificant whitespace
// survive a round trip unchanged
func TestEncodeDecode_SpacedData(t *testing.T) {
	spaced := json.RawMessage("{\"a\": 1, \"b\": [ 1, 2 ]}")

	reply, err := NewReplyEnvelope("req-1", spaced)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":[1,2]}`, string(reply.Data))

	line, err := Encode(reply)
	require.NoError(t, err)
	got, err := Decode(line)
	require.NoError(t, err)
	assert.Equal(t, reply, got)

	decoded, err := Decode([]byte(`{"type":"command","origin":"server","correlationId":"req-2","data":{ "a" : 1 }}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(decoded.Data))
	line, err = Encode(decoded)
	require.NoError(t, err)
	again, err := Decode(line)
	require.NoError(t, err)
	assert.Equal(t, decoded, again)

	// Hand-built envelopes keep their bytes; equality after a round trip is
	// semantic.
	manual := Envelope{Type: KindCommand, Origin: OriginServer, CorrelationID: "req-3", Data: spaced}
	line, err = Encode(manual)
	require.NoError(t, err)
	got, err = Decode(line)
	require.NoError(t, err)
	assert.JSONEq(t, string(spaced), string(got.Data))
}

// TestEncode_Deterministic checks that field order on the wire is stable
func TestEncode_Deterministic(t *testing.T) {
	env := Envelope{
		Type:          KindCommand,
		Origin:        OriginClient,
		CorrelationID: "abc",
		ClientID:      "c1",
		Data:          json.RawMessage(`{"commandName":"IsReady"}`),
	}

	line, err := Encode(env)
	require.NoError(t, err)
	assert.Equal(t,
		`{"type":"command","origin":"client","correlationId":"abc","clientId":"c1","data":{"commandName":"IsReady"}}`,
		string(line))
}

// TestDecode_Errors covers the rejection paths of the codec
func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name string
		line string
		want *Error
	}{
		{"malformed json", `{"type":`, ErrDecode},
		{"not an object", `[1,2]`, ErrDecode},
		{"missing type", `{"origin":"server"}`, ErrDecode},
		{"unknown type", `{"type":"TaskResponse","origin":"server"}`, ErrUnknownMessageType},
		{"unknown origin", `{"type":"event","origin":"proxy","data":{}}`, ErrDecode},
		{"command without correlation id", `{"type":"command","origin":"server","data":true}`, ErrDecode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.line))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			var perr *Error
			require.True(t, errors.As(err, &perr))
			assert.Equal(t, tt.want.Code, perr.Code)
		})
	}
}

// TestEncode_RejectsInvalidEnvelope checks that encode applies the same invariants as decode
func TestEncode_RejectsInvalidEnvelope(t *testing.T) {
	_, err := Encode(Envelope{Type: KindCommand, Origin: OriginClient})
	assert.ErrorIs(t, err, ErrDecode)

	_, err = Encode(Envelope{Type: "bogus"})
	assert.ErrorIs(t, err, ErrUnknownMessageType)
}

// TestEnvelope_Payload checks the typed payload variants
func TestEnvelope_Payload(t *testing.T) {
	t.Run("reply", func(t *testing.T) {
		env, err := Decode([]byte(`{"type":"command","origin":"server","correlationId":"r1","data":true}`))
		require.NoError(t, err)
		assert.True(t, env.IsReply())

		p, err := env.Payload()
		require.NoError(t, err)
		reply, ok := p.(Reply)
		require.True(t, ok)
		assert.Equal(t, "r1", reply.CorrelationID)
		assert.JSONEq(t, `true`, string(reply.Result))
	})

	t.Run("event", func(t *testing.T) {
		env, err := Decode([]byte(`{"type":"event","data":{"event":"taskStarted","payload":{"id":"t1"}}}`))
		require.NoError(t, err)

		p, err := env.Payload()
		require.NoError(t, err)
		ev, ok := p.(Event)
		require.True(t, ok)
		assert.Equal(t, EventTaskStarted, ev.Name)
		assert.JSONEq(t, `{"id":"t1"}`, string(ev.Payload))
		assert.Nil(t, ev.TaskID)
	})

	t.Run("ack", func(t *testing.T) {
		env, err := Decode([]byte(`{"type":"ack","origin":"server","data":{"clientId":"c9","pid":12,"ppid":3}}`))
		require.NoError(t, err)

		p, err := env.Payload()
		require.NoError(t, err)
		assert.Equal(t, Ack{ClientID: "c9", PID: 12, PPID: 3}, p)
	})

	t.Run("client command", func(t *testing.T) {
		env, err := Decode([]byte(`{"type":"command","origin":"client","correlationId":"x","data":{"commandName":"GetProfiles"}}`))
		require.NoError(t, err)

		p, err := env.Payload()
		require.NoError(t, err)
		cmd, ok := p.(Command)
		require.True(t, ok)
		assert.Equal(t, GetProfiles, cmd.Name)
		assert.Nil(t, cmd.Data)
	})

	t.Run("event without name", func(t *testing.T) {
		env, err := Decode([]byte(`{"type":"event","data":{"payload":1}}`))
		require.NoError(t, err)
		_, err = env.Event()
		assert.ErrorIs(t, err, ErrDecode)
	})

	t.Run("wrong accessor", func(t *testing.T) {
		env, err := Decode([]byte(`{"type":"ack","data":{"clientId":"c"}}`))
		require.NoError(t, err)
		_, err = env.Event()
		assert.ErrorIs(t, err, ErrDecode)
	})
}

// TestNewCommand checks payload encoding for command data
func TestNewCommand(t *testing.T) {
	cmd, err := NewCommand(ResumeTask, "task-1")
	require.NoError(t, err)
	assert.Equal(t, ResumeTask, cmd.Name)
	assert.JSONEq(t, `"task-1"`, string(cmd.Data))

	cmd, err = NewCommand(IsReady, nil)
	require.NoError(t, err)
	raw, err := json.Marshal(cmd)
	require.NoError(t, err)
	assert.Equal(t, `{"commandName":"IsReady"}`, string(raw))

	_, err = NewCommand(Log, json.RawMessage(`{broken`))
	assert.ErrorIs(t, err, ErrDecode)

	_, err = NewCommand(Log, make(chan int))
	assert.ErrorIs(t, err, ErrDecode)
}

// TestCommandName_Known checks the command tag table
func TestCommandName_Known(t *testing.T) {
	assert.True(t, IsReady.Known())
	assert.True(t, GetActiveProfile.Known())
	assert.False(t, CommandName("GetActiveProfile").Known())
	assert.Len(t, CommandNames(), 22)
}

// TestError_Is checks code-based matching and unwrapping
func TestError_Is(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewError(CodeConnectError, "dial 127.0.0.1:1", cause)

	assert.ErrorIs(t, err, ErrConnectError)
	assert.NotErrorIs(t, err, ErrConnectTimeout)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "[CONNECT_ERROR] dial 127.0.0.1:1: connection refused", err.Error())
}
