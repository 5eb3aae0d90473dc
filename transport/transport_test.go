package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/hostlink/protocol"
)

// recorder collects hook calls.
type recorder struct {
	mu     sync.Mutex
	data   []byte
	lines  []string
	errs   []error
	closes atomic.Int32
}

func (r *recorder) hooks() Hooks {
	return Hooks{
		OnData: func(p []byte) {
			r.mu.Lock()
			r.data = append(r.data, p...)
			r.lines = append(r.lines, string(p))
			r.mu.Unlock()
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
		OnClose: func() { r.closes.Add(1) },
	}
}

func (r *recorder) received() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.data)
}

func (r *recorder) chunks() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

// startServer accepts a single connection and hands it to the test.
func startServer(t *testing.T) (TCPConfig, <-chan net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	conns := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conns <- conn
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return TCPConfig{Host: "127.0.0.1", Port: addr.Port, ConnectTimeout: time.Second}, conns
}

func acceptConn(t *testing.T, conns <-chan net.Conn) net.Conn {
	t.Helper()
	select {
	case conn := <-conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("server did not accept a connection")
		return nil
	}
}

// TestTCP_SendAndReceive tests both directions over a real socket
func TestTCP_SendAndReceive(t *testing.T) {
	cfg, conns := startServer(t)
	tr := NewTCP(cfg)
	rec := &recorder{}
	tr.SetHooks(rec.hooks())

	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Disconnect()
	assert.True(t, tr.IsConnected())
	require.NoError(t, tr.Connect(context.Background()), "connect while connected is a no-op")

	conn := acceptConn(t, conns)

	require.NoError(t, tr.Send([]byte(`{"type":"command"}`)))
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "{\"type\":\"command\"}\n", line)

	_, err = conn.Write([]byte(`{"a":`))
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	_, err = conn.Write([]byte("1}\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return rec.received() == "{\"a\":1}\n"
	}, 2*time.Second, 5*time.Millisecond)
}

// TestTCP_DoubleDisconnect checks the close hook fires once
func TestTCP_DoubleDisconnect(t *testing.T) {
	cfg, conns := startServer(t)
	tr := NewTCP(cfg)
	rec := &recorder{}
	tr.SetHooks(rec.hooks())

	require.NoError(t, tr.Connect(context.Background()))
	acceptConn(t, conns)

	require.NoError(t, tr.Disconnect())
	require.NoError(t, tr.Disconnect())

	assert.Equal(t, int32(1), rec.closes.Load())
	assert.False(t, tr.IsConnected())
	assert.ErrorIs(t, tr.Send([]byte("x")), protocol.ErrNotConnected)
}

// TestTCP_RemoteClose checks that EOF ends the session
func TestTCP_RemoteClose(t *testing.T) {
	cfg, conns := startServer(t)
	tr := NewTCP(cfg)
	rec := &recorder{}
	tr.SetHooks(rec.hooks())

	require.NoError(t, tr.Connect(context.Background()))
	conn := acceptConn(t, conns)

	_, err := conn.Write([]byte("last\n"))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool { return rec.closes.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, tr.IsConnected())
	assert.Equal(t, "last\n", rec.received())

	rec.mu.Lock()
	assert.Empty(t, rec.errs, "EOF is not reported as an error")
	rec.mu.Unlock()

	require.NoError(t, tr.Disconnect())
	assert.Equal(t, int32(1), rec.closes.Load())
}

func TestTCP_SendNotConnected(t *testing.T) {
	tr := NewTCP(TCPConfig{Port: 1})
	assert.False(t, tr.IsConnected())
	assert.ErrorIs(t, tr.Send([]byte("x")), protocol.ErrNotConnected)
	assert.NoError(t, tr.Disconnect())
}

// TestTCP_ConnectError checks a refused dial is classified
func TestTCP_ConnectError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	tr := NewTCP(TCPConfig{Host: "127.0.0.1", Port: port, ConnectTimeout: time.Second})
	err = tr.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrConnectError)
	assert.False(t, tr.IsConnected())
}

// TestTCP_Reconnect checks a transport can be reused after a session ends
func TestTCP_Reconnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				line, _ := bufio.NewReader(conn).ReadString('\n')
				conn.Write([]byte("echo:" + line))
			}()
		}
	}()

	tr := NewTCP(TCPConfig{Host: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port})
	rec := &recorder{}
	tr.SetHooks(rec.hooks())

	for i := 1; i <= 2; i++ {
		require.NoError(t, tr.Connect(context.Background()))
		require.NoError(t, tr.Send([]byte("hi")))
		require.Eventually(t, func() bool { return rec.closes.Load() == int32(i) }, 2*time.Second, 5*time.Millisecond)
	}
	assert.Equal(t, "echo:hi\necho:hi\n", rec.received())
}

func dialListen(t *testing.T, tr *Listen) net.Conn {
	t.Helper()
	addr := tr.Addr()
	require.NotNil(t, addr)
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// TestListen_ReceivesWholeLines checks inbound lines are reassembled per peer
func TestListen_ReceivesWholeLines(t *testing.T) {
	tr := NewListen(ListenConfig{AppSpace: "hl.", ClientID: "c1"})
	rec := &recorder{}
	tr.SetHooks(rec.hooks())

	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Disconnect()
	assert.True(t, tr.IsConnected())

	conn := dialListen(t, tr)
	_, err := conn.Write([]byte(`{"x`))
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	_, err = conn.Write([]byte("\":1}\n\nsecond\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(rec.chunks()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"{\"x\":1}\n", "second\n"}, rec.chunks())
}

// TestListen_SendWrapsRelayFrame checks outbound frames reach every peer
func TestListen_SendWrapsRelayFrame(t *testing.T) {
	tr := NewListen(ListenConfig{AppSpace: "hl.", ClientID: "c1"})
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Disconnect()

	a := dialListen(t, tr)
	b := dialListen(t, tr)
	require.Eventually(t, func() bool { return tr.Peers() == 2 }, 2*time.Second, 5*time.Millisecond)

	payload := `{"type":"command","correlationId":"r1"}`
	require.NoError(t, tr.Send([]byte(payload)))

	for _, conn := range []net.Conn{a, b} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		line, err := bufio.NewReader(conn).ReadString('\n')
		require.NoError(t, err)

		var frame RelayFrame
		require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(line)), &frame))
		assert.Equal(t, RelayFrame{AppSpace: "hl.", ClientID: "c1", Data: payload}, frame)
	}
}

// TestListen_PeerLossKeepsListening checks a departing peer does not end the
// session
func TestListen_PeerLossKeepsListening(t *testing.T) {
	tr := NewListen(ListenConfig{})
	rec := &recorder{}
	tr.SetHooks(rec.hooks())
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Disconnect()

	conn := dialListen(t, tr)
	require.Eventually(t, func() bool { return tr.Peers() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return tr.Peers() == 0 }, 2*time.Second, 5*time.Millisecond)

	assert.True(t, tr.IsConnected())
	assert.Zero(t, rec.closes.Load())
	assert.NoError(t, tr.Send([]byte("nobody listening")))

	dialListen(t, tr)
	require.Eventually(t, func() bool { return tr.Peers() == 1 }, 2*time.Second, 5*time.Millisecond)
}

// TestListen_MaxPeers checks the listener caps concurrent peers
func TestListen_MaxPeers(t *testing.T) {
	tr := NewListen(ListenConfig{MaxPeers: 1})
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Disconnect()

	first := dialListen(t, tr)
	dialListen(t, tr)

	require.Eventually(t, func() bool { return tr.Peers() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, tr.Peers())

	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return tr.Peers() == 1 }, 2*time.Second, 5*time.Millisecond)
}

// TestListen_DoubleDisconnect checks the close hook fires once and peers are
// released
func TestListen_DoubleDisconnect(t *testing.T) {
	tr := NewListen(ListenConfig{})
	rec := &recorder{}
	tr.SetHooks(rec.hooks())
	require.NoError(t, tr.Connect(context.Background()))

	conn := dialListen(t, tr)
	require.Eventually(t, func() bool { return tr.Peers() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, tr.Disconnect())
	require.NoError(t, tr.Disconnect())
	assert.Equal(t, int32(1), rec.closes.Load())
	assert.False(t, tr.IsConnected())
	assert.Nil(t, tr.Addr())
	assert.ErrorIs(t, tr.Send([]byte("x")), protocol.ErrNotConnected)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := conn.Read(make([]byte, 1))
	assert.Error(t, err, "peer connection is closed")
}

func TestListen_ConnectError(t *testing.T) {
	tr := NewListen(ListenConfig{Addr: "256.0.0.1:0"})
	err := tr.Connect(context.Background())
	assert.ErrorIs(t, err, protocol.ErrConnectError)
	assert.False(t, tr.IsConnected())
}
