package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/netutil"

	"github.com/codefionn/hostlink/internal/logger"
	"github.com/codefionn/hostlink/protocol"
)

const (
	// DefaultListenAddr lets the OS pick a loopback port.
	DefaultListenAddr = "127.0.0.1:0"
	// DefaultMaxPeers caps concurrent host connections.
	DefaultMaxPeers = 16
	// DefaultMaxLineBytes bounds a single inbound line.
	DefaultMaxLineBytes = 8 * 1024 * 1024
)

// RelayFrame wraps every outbound payload of the listening transport. Data
// holds the serialized envelope as a string.
type RelayFrame struct {
	AppSpace string `json:"appspace"`
	ClientID string `json:"clientId"`
	Data     string `json:"data"`
}

// ListenConfig configures the listening-socket transport.
type ListenConfig struct {
	Addr         string
	AppSpace     string
	ClientID     string
	MaxPeers     int
	MaxLineBytes int
	WriteTimeout time.Duration
	QueueSize    int
}

// Listen accepts connections from the host. Inbound lines from every peer are
// reported through OnData, one complete line per call. Send broadcasts to all
// peers; a peer that cannot keep up is dropped.
type Listen struct {
	cfg   ListenConfig
	hooks hookSet
	log   *logger.Logger

	mu       sync.Mutex
	listener net.Listener
	peers    map[*peer]struct{}
	nextID   int
	wg       sync.WaitGroup
}

// NewListen creates a listening-socket transport.
func NewListen(cfg ListenConfig) *Listen {
	if cfg.Addr == "" {
		cfg.Addr = DefaultListenAddr
	}
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = DefaultMaxPeers
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = DefaultMaxLineBytes
	}
	return &Listen{cfg: cfg, log: logger.Global().WithPrefix("listen")}
}

// SetHooks implements Transport.
func (l *Listen) SetHooks(h Hooks) { l.hooks.set(h) }

// Connect implements Transport by opening the listener.
func (l *Listen) Connect(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.listener != nil {
		return nil
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", l.cfg.Addr)
	if err != nil {
		return protocol.NewError(protocol.CodeConnectError, fmt.Sprintf("failed to listen on %s", l.cfg.Addr), err)
	}
	ln = netutil.LimitListener(ln, l.cfg.MaxPeers)

	l.listener = ln
	l.peers = make(map[*peer]struct{})
	l.wg.Add(1)
	go l.acceptLoop(ln)

	l.log.Info("listening on %s (max peers: %d)", ln.Addr(), l.cfg.MaxPeers)
	return nil
}

// Addr returns the bound address, or nil when not listening.
func (l *Listen) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Peers returns the number of connected peers.
func (l *Listen) Peers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.peers)
}

func (l *Listen) acceptLoop(ln net.Listener) {
	defer l.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.log.Error("accept failed: %v", err)
			l.hooks.error(fmt.Errorf("accept: %w", err))
			time.Sleep(10 * time.Millisecond)
			continue
		}

		l.mu.Lock()
		if l.listener != ln {
			l.mu.Unlock()
			_ = conn.Close()
			return
		}
		l.nextID++
		p := newPeer(fmt.Sprintf("peer_%d", l.nextID), conn, l.cfg.QueueSize, l.cfg.WriteTimeout, l.log)
		l.peers[p] = struct{}{}
		l.wg.Add(2)
		l.mu.Unlock()

		go func() {
			defer l.wg.Done()
			p.writeLoop(l.hooks.error)
		}()
		go l.readLoop(p)

		l.log.Info("peer %s connected from %s", p.id, conn.RemoteAddr())
	}
}

func (l *Listen) readLoop(p *peer) {
	defer l.wg.Done()
	defer l.dropPeer(p)

	scanner := bufio.NewScanner(p.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), l.cfg.MaxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		l.hooks.data(frameOf(line))
	}

	if err := scanner.Err(); err != nil && !p.closed() && !errors.Is(err, net.ErrClosed) {
		l.log.Warn("peer %s: read failed: %v", p.id, err)
		if errors.Is(err, bufio.ErrTooLong) {
			err = protocol.NewError(protocol.CodeMessageTooLarge,
				fmt.Sprintf("line from %s exceeds %d bytes", p.id, l.cfg.MaxLineBytes), err)
		}
		l.hooks.error(err)
	}
}

func (l *Listen) dropPeer(p *peer) {
	p.close()
	l.mu.Lock()
	_, ok := l.peers[p]
	delete(l.peers, p)
	l.mu.Unlock()
	if ok {
		l.log.Info("peer %s disconnected", p.id)
	}
}

// Disconnect implements Transport. It closes the listener and every peer and
// returns once OnClose has fired.
func (l *Listen) Disconnect() error {
	l.mu.Lock()
	ln := l.listener
	if ln == nil {
		l.mu.Unlock()
		return nil
	}
	l.listener = nil
	peers := l.peers
	l.peers = nil
	l.mu.Unlock()

	err := ln.Close()
	for p := range peers {
		p.close()
	}
	l.wg.Wait()

	l.log.Info("stopped listening on %s", ln.Addr())
	l.hooks.close()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("close listener: %w", err)
	}
	return nil
}

// Send implements Transport. The payload is wrapped in a RelayFrame and
// written to every connected peer.
func (l *Listen) Send(data []byte) error {
	l.mu.Lock()
	if l.listener == nil {
		l.mu.Unlock()
		return protocol.ErrNotConnected
	}
	peers := make([]*peer, 0, len(l.peers))
	for p := range l.peers {
		peers = append(peers, p)
	}
	l.mu.Unlock()

	relay, err := json.Marshal(RelayFrame{AppSpace: l.cfg.AppSpace, ClientID: l.cfg.ClientID, Data: string(data)})
	if err != nil {
		return fmt.Errorf("encode relay frame: %w", err)
	}
	frame := frameOf(relay)

	if len(peers) == 0 {
		l.log.Debug("no peers connected, dropping %d bytes", len(frame))
	}
	for _, p := range peers {
		if !p.offer(frame) {
			l.log.Warn("peer %s send queue full, dropping peer", p.id)
			l.dropPeer(p)
		}
	}
	return nil
}

// IsConnected implements Transport.
func (l *Listen) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.listener != nil
}
