// Package hostsim simulates the task host side of the protocol over real
// sockets. It either listens for direct-socket clients or dials into a
// listening-socket client, acknowledges every connection, answers commands
// through a Handler and broadcasts pushed events.
package hostsim

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codefionn/hostlink/internal/logger"
	"github.com/codefionn/hostlink/protocol"
	"github.com/codefionn/hostlink/transport"
)

// ErrNoReply makes the server swallow a command without answering.
var ErrNoReply = errors.New("hostsim: no reply")

// Handler answers a command. The returned value becomes the reply data.
type Handler func(clientID string, cmd protocol.Command) (any, error)

// Config configures a Server.
type Config struct {
	// Handler answers commands; nil selects DefaultHandler.
	Handler Handler
	// ChunkSize splits every outbound frame into writes of at most this many
	// bytes. 0 writes whole frames.
	ChunkSize int
	// ChunkDelay is slept between chunks.
	ChunkDelay time.Duration
	// SkipAck suppresses the acknowledgement sent on connect.
	SkipAck bool
}

// Server is a protocol simulator. Connections are tracked in a hub and
// events are broadcast to all of them.
type Server struct {
	cfg Config
	log *logger.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[*Conn]struct{}
	received []protocol.Command
	closed   bool

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a Server.
func New(cfg Config) *Server {
	if cfg.Handler == nil {
		cfg.Handler = DefaultHandler
	}
	return &Server{
		cfg:   cfg,
		log:   logger.Global().WithPrefix("hostsim"),
		conns: make(map[*Conn]struct{}),
	}
}

// Listen starts accepting direct-socket clients on addr, e.g. 127.0.0.1:0.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	if s.listener != nil {
		s.mu.Unlock()
		ln.Close()
		return errors.New("server is already listening")
	}
	s.listener = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ln)

	s.log.Info("listening on %s", ln.Addr())
	return nil
}

// Addr returns the listening address.
func (s *Server) Addr() *net.TCPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr().(*net.TCPAddr)
}

// Dial connects to a listening-socket client. Inbound frames on this
// connection are expected to be relay frames.
func (s *Server) Dial(ctx context.Context, addr string) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return s.attach(nc, true)
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		nc, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.log.Error("accept failed: %v", err)
			}
			return
		}
		if _, err := s.attach(nc, false); err != nil {
			s.log.Warn("rejecting connection from %s: %v", nc.RemoteAddr(), err)
		}
	}
}

func (s *Server) attach(nc net.Conn, relay bool) (*Conn, error) {
	c := &Conn{
		ID:     uuid.NewString(),
		server: s,
		conn:   nc,
		relay:  relay,
		send:   make(chan []byte, 256),
		stop:   make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		nc.Close()
		return nil, errors.New("server is closed")
	}
	s.conns[c] = struct{}{}
	s.wg.Add(2)
	s.mu.Unlock()

	go c.readPump()
	go c.writePump()

	if !s.cfg.SkipAck {
		env, err := protocol.NewAckEnvelope(protocol.Ack{ClientID: c.ID, PID: os.Getpid(), PPID: os.Getppid()})
		if err == nil {
			err = c.SendEnvelope(env)
		}
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("send ack: %w", err)
		}
	}

	s.log.Info("connection %s attached (relay: %t)", c.ID, relay)
	return c, nil
}

func (s *Server) detach(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) record(cmd protocol.Command) {
	s.mu.Lock()
	s.received = append(s.received, cmd)
	s.mu.Unlock()
}

// Received returns every command received so far, in arrival order.
func (s *Server) Received() []protocol.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Command(nil), s.received...)
}

// Conns returns the number of attached connections.
func (s *Server) Conns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Emit broadcasts an event to every attached connection. Connections whose
// queue is full are dropped.
func (s *Server) Emit(ev protocol.Event) error {
	env, err := protocol.NewEventEnvelope(ev)
	if err != nil {
		return err
	}
	return s.Broadcast(env)
}

// Broadcast writes env to every attached connection.
func (s *Server) Broadcast(env protocol.Envelope) error {
	line, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	return s.BroadcastRaw(line)
}

// BroadcastRaw writes line followed by a newline to every connection without
// validating it.
func (s *Server) BroadcastRaw(line []byte) error {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if len(conns) == 0 {
		return errors.New("no connections")
	}
	frame := append(append([]byte(nil), line...), '\n')
	for _, c := range conns {
		select {
		case c.send <- frame:
		default:
			s.log.Warn("connection %s send buffer full, closing", c.ID)
			c.Close()
		}
	}
	return nil
}

// Close stops accepting, closes every connection and waits for their pumps.
func (s *Server) Close() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		ln := s.listener
		conns := make([]*Conn, 0, len(s.conns))
		for c := range s.conns {
			conns = append(conns, c)
		}
		s.mu.Unlock()

		if ln != nil {
			ln.Close()
		}
		for _, c := range conns {
			c.Close()
		}
		s.wg.Wait()
		s.log.Info("stopped")
	})
	return nil
}

// Conn is one attached client connection.
type Conn struct {
	ID string

	server *Server
	conn   net.Conn
	relay  bool
	send   chan []byte

	stopOnce sync.Once
	stop     chan struct{}
}

// SendEnvelope queues env on this connection.
func (c *Conn) SendEnvelope(env protocol.Envelope) error {
	line, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	return c.SendRaw(line)
}

// SendRaw queues line followed by a newline without validating it.
func (c *Conn) SendRaw(line []byte) error {
	frame := append(append([]byte(nil), line...), '\n')
	select {
	case <-c.stop:
		return net.ErrClosed
	case c.send <- frame:
		return nil
	}
}

// Close detaches the connection and closes the socket.
func (c *Conn) Close() {
	c.stopOnce.Do(func() {
		close(c.stop)
		c.conn.Close()
		c.server.detach(c)
	})
}

func (c *Conn) readPump() {
	defer c.server.wg.Done()
	defer c.Close()

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), transport.DefaultMaxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if c.relay {
			var frame transport.RelayFrame
			if err := json.Unmarshal(line, &frame); err != nil {
				c.server.log.Error("connection %s: malformed relay frame: %v", c.ID, err)
				continue
			}
			line = []byte(frame.Data)
		}
		c.handle(line)
	}
}

func (c *Conn) handle(line []byte) {
	env, err := protocol.Decode(line)
	if err != nil {
		c.server.log.Error("connection %s: %v", c.ID, err)
		return
	}
	if env.Type != protocol.KindCommand || env.Origin == protocol.OriginServer {
		c.server.log.Debug("connection %s: ignoring %s envelope", c.ID, env.Type)
		return
	}
	cmd, err := env.Command()
	if err != nil {
		c.server.log.Error("connection %s: %v", c.ID, err)
		return
	}
	c.server.record(cmd)

	result, err := c.server.cfg.Handler(c.ID, cmd)
	if errors.Is(err, ErrNoReply) {
		return
	}
	if err != nil {
		c.server.log.Warn("connection %s: %s failed: %v", c.ID, cmd.Name, err)
		result = map[string]string{"error": err.Error()}
	}

	reply, err := protocol.NewReplyEnvelope(env.CorrelationID, result)
	if err != nil {
		c.server.log.Error("connection %s: %v", c.ID, err)
		return
	}
	if err := c.SendEnvelope(reply); err != nil {
		c.server.log.Debug("connection %s: reply dropped: %v", c.ID, err)
	}
}

func (c *Conn) writePump() {
	defer c.server.wg.Done()
	defer c.Close()

	for {
		select {
		case <-c.stop:
			return
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				c.server.log.Debug("connection %s: write failed: %v", c.ID, err)
				return
			}
		}
	}
}

func (c *Conn) write(frame []byte) error {
	size := c.server.cfg.ChunkSize
	if size <= 0 {
		size = len(frame)
	}
	for len(frame) > 0 {
		n := min(size, len(frame))
		if err := c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
			return err
		}
		if _, err := c.conn.Write(frame[:n]); err != nil {
			return err
		}
		frame = frame[n:]
		if len(frame) > 0 && c.server.cfg.ChunkDelay > 0 {
			time.Sleep(c.server.cfg.ChunkDelay)
		}
	}
	return nil
}

// DefaultHandler answers the commands a freshly started host can answer and
// echoes everything else.
func DefaultHandler(_ string, cmd protocol.Command) (any, error) {
	switch cmd.Name {
	case protocol.IsReady:
		return true, nil
	case protocol.GetProfiles:
		return []string{"default"}, nil
	case protocol.GetActiveProfile:
		return "default", nil
	case protocol.GetCurrentTaskStack:
		return []string{}, nil
	case protocol.GetConfiguration:
		return map[string]any{}, nil
	case protocol.GetTokenUsage:
		return protocol.TokenUsage{}, nil
	case protocol.GetMessages:
		return []protocol.Message{}, nil
	case protocol.IsTaskInHistory:
		return false, nil
	case protocol.StartNewTask, protocol.CreateProfile:
		return uuid.NewString(), nil
	default:
		if len(cmd.Data) > 0 {
			return cmd.Data, nil
		}
		return nil, nil
	}
}
