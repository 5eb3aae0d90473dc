package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/codefionn/hostlink/events"
	"github.com/codefionn/hostlink/internal/correlator"
	"github.com/codefionn/hostlink/internal/framing"
	"github.com/codefionn/hostlink/protocol"
	"github.com/codefionn/hostlink/transport"
)

// Client talks to the task host over a Transport. It correlates command
// replies and fans out host events to subscribers.
type Client struct {
	clientID   string
	log        *slog.Logger
	transport  transport.Transport
	framer     *framing.Framer
	correlator *correlator.Correlator
	dispatcher *events.Dispatcher
	queue      *eventQueue

	failPending atomic.Bool

	mu      sync.Mutex
	cfg     Config
	session *protocol.Ack
	closed  bool
}

// New creates a client for cfg, selecting the transport from cfg.Mode.
func New(cfg Config) (*Client, error) {
	cfg = withDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}

	var t transport.Transport
	switch cfg.Mode {
	case ModeListen:
		t = transport.NewListen(transport.ListenConfig{
			Addr:         cfg.ListenAddr,
			AppSpace:     cfg.AppSpace,
			ClientID:     cfg.ClientID,
			MaxPeers:     cfg.MaxPeers,
			MaxLineBytes: cfg.MaxMessageBytes,
			WriteTimeout: cfg.WriteTimeout(),
		})
	default:
		t = transport.NewTCP(transport.TCPConfig{
			Host:           cfg.Host,
			Port:           cfg.Port,
			ConnectTimeout: cfg.ConnectTimeout(),
			WriteTimeout:   cfg.WriteTimeout(),
		})
	}
	return NewWithTransport(cfg, t), nil
}

// NewWithTransport creates a client over an existing transport. Transport
// fields of cfg are ignored.
func NewWithTransport(cfg Config, t transport.Transport) *Client {
	cfg = withDefaults(cfg)
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}

	c := &Client{
		clientID:   cfg.ClientID,
		log:        cfg.slogger().With("client", cfg.ClientID),
		transport:  t,
		framer:     framing.New(cfg.MaxMessageBytes),
		correlator: correlator.New(cfg.RequestTimeout()),
		dispatcher: events.NewDispatcher(),
		queue:      newEventQueue(),
		cfg:        cfg,
	}
	c.failPending.Store(cfg.FailPendingOnDisconnect)

	t.SetHooks(transport.Hooks{
		OnData:  c.onData,
		OnError: c.onError,
		OnClose: c.onClose,
	})
	go c.queue.run(func(ev events.Event) { c.dispatcher.Fire(ev) })

	return c
}

func withDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.Mode == "" {
		cfg.Mode = def.Mode
	}
	if cfg.Host == "" {
		cfg.Host = def.Host
	}
	if cfg.ConnectTimeoutMS == 0 {
		cfg.ConnectTimeoutMS = def.ConnectTimeoutMS
	}
	if cfg.RequestTimeoutMS == 0 {
		cfg.RequestTimeoutMS = def.RequestTimeoutMS
	}
	if cfg.WriteTimeoutMS == 0 {
		cfg.WriteTimeoutMS = def.WriteTimeoutMS
	}
	if cfg.MaxMessageBytes == 0 {
		cfg.MaxMessageBytes = def.MaxMessageBytes
	}
	if cfg.MaxPeers == 0 {
		cfg.MaxPeers = def.MaxPeers
	}
	return cfg
}

// ClientID returns the identifier sent with every command.
func (c *Client) ClientID() string { return c.clientID }

// Transport returns the underlying transport.
func (c *Client) Transport() transport.Transport { return c.transport }

// Session returns the acknowledgement of the current connection, if any.
func (c *Client) Session() (protocol.Ack, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return protocol.Ack{}, false
	}
	return *c.session, true
}

// Pending returns the number of commands awaiting a reply.
func (c *Client) Pending() int { return c.correlator.Len() }

// Connect establishes the transport session. The Connect event fires once
// the host acknowledges the client.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return protocol.ErrClosed
	}

	if c.transport.IsConnected() {
		return nil
	}
	if err := c.transport.Connect(ctx); err != nil {
		c.log.Error("connect failed", "error", err)
		return err
	}
	c.log.Info("transport connected")
	return nil
}

// Disconnect ends the transport session. Pending commands keep running until
// they time out unless FailPendingOnDisconnect is set.
func (c *Client) Disconnect() error {
	return c.transport.Disconnect()
}

// Close disconnects, fails every pending command with ErrClosed and stops
// event delivery after the queued events were delivered. The client cannot
// be reused.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.transport.Disconnect()
	if n := c.correlator.AbortAll(protocol.ErrClosed); n > 0 {
		c.log.Debug("aborted pending commands", "count", n)
	}
	c.queue.close()
	return err
}

// IsConnected reports whether the transport session is active.
func (c *Client) IsConnected() bool { return c.transport.IsConnected() }

// Subscribe adds l to topic. It reports false if l was already subscribed.
func (c *Client) Subscribe(topic events.Topic, l *events.Listener) bool {
	return c.dispatcher.Subscribe(topic, l)
}

// Unsubscribe removes l from topic.
func (c *Client) Unsubscribe(topic events.Topic, l *events.Listener) bool {
	return c.dispatcher.Unsubscribe(topic, l)
}

// On subscribes fn to topic and returns its listener for Unsubscribe.
func (c *Client) On(topic events.Topic, fn func(events.Event)) *events.Listener {
	l := events.NewListener(fn)
	c.dispatcher.Subscribe(topic, l)
	return l
}

// ListenerFailures returns how many listener calls panicked.
func (c *Client) ListenerFailures() int64 { return c.dispatcher.Failures() }

// ApplyConfig applies the settings that can change on a live client: the
// request timeout for later commands and the disconnect policy.
func (c *Client) ApplyConfig(cfg Config) {
	cfg = withDefaults(cfg)

	c.mu.Lock()
	prev := c.cfg
	c.cfg.RequestTimeoutMS = cfg.RequestTimeoutMS
	c.cfg.FailPendingOnDisconnect = cfg.FailPendingOnDisconnect
	c.mu.Unlock()

	c.correlator.SetTimeout(cfg.RequestTimeout())
	c.failPending.Store(cfg.FailPendingOnDisconnect)

	if prev.RequestTimeoutMS != cfg.RequestTimeoutMS {
		c.log.Info("request timeout changed", "from_ms", prev.RequestTimeoutMS, "to_ms", cfg.RequestTimeoutMS)
	}
}

// Config returns the current configuration.
func (c *Client) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// SendCommand sends a command and waits for its reply, the request timeout
// or the end of ctx, whichever comes first. data may be nil, a
// json.RawMessage or any value encodable as JSON.
func (c *Client) SendCommand(ctx context.Context, name protocol.CommandName, data any) (json.RawMessage, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, protocol.ErrClosed
	}
	if !c.transport.IsConnected() {
		return nil, protocol.ErrNotConnected
	}

	cmd, err := protocol.NewCommand(name, data)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	env, err := protocol.NewCommandEnvelope(id, c.clientID, cmd)
	if err != nil {
		return nil, err
	}
	line, err := protocol.Encode(env)
	if err != nil {
		return nil, err
	}

	pending, err := c.correlator.Arm(id)
	if err != nil {
		return nil, err
	}
	if err := c.transport.Send(line); err != nil {
		c.correlator.Abort(id, err)
		c.log.Warn("send failed", "command", string(name), "correlation_id", id, "error", err)
		return nil, err
	}
	c.log.Debug("command sent", "command", string(name), "correlation_id", id)

	result, err := pending.Wait(ctx)
	if err != nil {
		c.log.Debug("command failed", "command", string(name), "correlation_id", id, "error", err)
		return nil, err
	}
	return result, nil
}

// Call sends a command and decodes the reply into T. A missing or null reply
// yields the zero value.
func Call[T any](ctx context.Context, c *Client, name protocol.CommandName, data any) (T, error) {
	var out T
	raw, err := c.SendCommand(ctx, name, data)
	if err != nil {
		return out, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, protocol.NewError(protocol.CodeDecode, fmt.Sprintf("malformed %s reply", name), err)
	}
	return out, nil
}

func (c *Client) onData(chunk []byte) {
	lines, err := c.framer.Push(chunk)
	for _, line := range lines {
		c.route([]byte(line))
	}
	if err != nil {
		c.log.Warn("inbound frame dropped", "error", err)
		c.emit(events.Event{Topic: events.Error, Err: err})
	}
}

func (c *Client) route(line []byte) {
	env, err := protocol.Decode(line)
	if err != nil {
		c.log.Warn("failed to decode message", "error", err)
		c.emit(events.Event{Topic: events.Error, Err: err})
		return
	}

	switch env.Type {
	case protocol.KindAck:
		ack, err := env.Ack()
		if err != nil {
			c.emit(events.Event{Topic: events.Error, Err: err})
			return
		}
		c.mu.Lock()
		c.session = &ack
		c.mu.Unlock()
		c.log.Info("acknowledged by host", "session", ack.ClientID, "pid", ack.PID)
		c.emit(events.Event{Topic: events.Connect, Ack: &ack})

	case protocol.KindEvent:
		ev, err := env.Event()
		if err != nil {
			c.emit(events.Event{Topic: events.Error, Err: err})
			return
		}
		c.emit(events.Event{Topic: events.Task(ev.Name), Payload: ev.Payload, TaskID: ev.TaskID})

	case protocol.KindCommand:
		if !env.IsReply() {
			c.log.Debug("ignoring client command echo", "correlation_id", env.CorrelationID)
			return
		}
		if !c.correlator.Resolve(env.CorrelationID, env.Data) {
			c.log.Debug("dropping unmatched reply", "correlation_id", env.CorrelationID)
		}
	}
}

func (c *Client) onError(err error) {
	c.log.Warn("transport error", "error", err)
	c.emit(events.Event{Topic: events.Error, Err: err})
}

// onClose runs after the last OnData of a session, so the framer can be
// cleared here without racing a late chunk.
func (c *Client) onClose() {
	c.framer.Reset()
	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()

	if c.failPending.Load() {
		if n := c.correlator.AbortAll(protocol.NewError(protocol.CodeNotConnected, "transport closed", nil)); n > 0 {
			c.log.Info("failed pending commands on disconnect", "count", n)
		}
	}
	c.log.Info("transport closed")
	c.emit(events.Event{Topic: events.Disconnect})
}

func (c *Client) emit(ev events.Event) {
	if !c.queue.push(ev) {
		c.log.Debug("event dropped after close", "topic", ev.Topic.String())
	}
}
