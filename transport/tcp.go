package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/codefionn/hostlink/internal/logger"
	"github.com/codefionn/hostlink/protocol"
)

// TCPConfig configures the direct-socket transport.
type TCPConfig struct {
	Host           string
	Port           int
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	// ReadBufferSize is the size of a single read; 0 means 32 KiB.
	ReadBufferSize int
	QueueSize      int
}

// Address returns host:port.
func (c TCPConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

type tcpSession struct {
	peer *peer
	done chan struct{}
}

// TCP dials the host directly. Each read is reported as-is through OnData;
// message boundaries are not preserved.
type TCP struct {
	cfg   TCPConfig
	hooks hookSet
	log   *logger.Logger

	mu      sync.Mutex
	session *tcpSession
	// dialing is non-nil while a dial is in flight and closed when it ends.
	dialing chan struct{}
	// epoch advances on every Disconnect; a dial that started in an older
	// epoch is discarded.
	epoch uint64
}

// NewTCP creates a direct-socket transport.
func NewTCP(cfg TCPConfig) *TCP {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = 32 * 1024
	}
	cfg.ConnectTimeout = orDefault(cfg.ConnectTimeout, DefaultConnectTimeout)
	return &TCP{cfg: cfg, log: logger.Global().WithPrefix("tcp")}
}

// SetHooks implements Transport.
func (t *TCP) SetHooks(h Hooks) { t.hooks.set(h) }

// Connect implements Transport. The lock is not held while dialing, so Send
// and IsConnected answer immediately during a slow connect.
func (t *TCP) Connect(ctx context.Context) error {
	// Join a dial in flight, or wait out a session that is already closing so
	// the next one starts cleanly.
	for {
		t.mu.Lock()
		if d := t.dialing; d != nil {
			t.mu.Unlock()
			select {
			case <-d:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		s := t.session
		if s == nil {
			break
		}
		t.mu.Unlock()
		if !s.peer.closed() {
			return nil
		}
		<-s.done
	}
	dialing := make(chan struct{})
	t.dialing = dialing
	epoch := t.epoch
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		if t.dialing == dialing {
			t.dialing = nil
		}
		t.mu.Unlock()
		close(dialing)
	}()

	conn, err := t.dial(ctx)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.epoch != epoch {
		t.mu.Unlock()
		conn.Close()
		return protocol.NewError(protocol.CodeConnectError, "disconnected while connecting", nil)
	}
	s := &tcpSession{
		peer: newPeer(conn.LocalAddr().String(), conn, t.cfg.QueueSize, t.cfg.WriteTimeout, t.log),
		done: make(chan struct{}),
	}
	t.session = s
	t.mu.Unlock()

	go s.peer.writeLoop(t.hooks.error)
	go t.readLoop(s)

	t.log.Info("connected to %s", t.cfg.Address())
	return nil
}

// dial opens the socket within ConnectTimeout and classifies failures.
func (t *TCP) dial(ctx context.Context) (net.Conn, error) {
	addr := t.cfg.Address()
	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err == nil {
		return conn, nil
	}
	if errors.Is(dialCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, protocol.NewError(protocol.CodeConnectTimeout,
			fmt.Sprintf("connecting to %s timed out after %s", addr, t.cfg.ConnectTimeout), err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return nil, protocol.NewError(protocol.CodeConnectTimeout,
			fmt.Sprintf("connecting to %s timed out", addr), err)
	}
	return nil, protocol.NewError(protocol.CodeConnectError, fmt.Sprintf("failed to connect to %s", addr), err)
}

// readLoop reports chunks until the socket fails or is closed, then ends the
// session. It is the only goroutine that fires OnData and OnClose for s.
func (t *TCP) readLoop(s *tcpSession) {
	defer close(s.done)

	buf := make([]byte, t.cfg.ReadBufferSize)
	for {
		n, err := s.peer.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			t.hooks.data(chunk)
		}
		if err != nil {
			if !s.peer.closed() && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				t.log.Warn("read failed: %v", err)
				t.hooks.error(fmt.Errorf("tcp read: %w", err))
			}
			break
		}
	}

	s.peer.close()
	t.mu.Lock()
	if t.session == s {
		t.session = nil
	}
	t.mu.Unlock()

	t.log.Info("disconnected from %s", t.cfg.Address())
	t.hooks.close()
}

// Disconnect implements Transport. It returns once OnClose has fired.
func (t *TCP) Disconnect() error {
	t.mu.Lock()
	s := t.session
	t.session = nil
	t.epoch++
	t.mu.Unlock()

	if s == nil {
		return nil
	}
	s.peer.close()
	<-s.done
	return nil
}

// Send implements Transport.
func (t *TCP) Send(data []byte) error {
	t.mu.Lock()
	s := t.session
	t.mu.Unlock()

	if s == nil {
		return protocol.ErrNotConnected
	}
	return s.peer.enqueue(frameOf(data))
}

// IsConnected implements Transport.
func (t *TCP) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session != nil && !t.session.peer.closed()
}
