package transport

import (
	"net"
	"sync"
	"time"

	"github.com/codefionn/hostlink/internal/logger"
	"github.com/codefionn/hostlink/protocol"
)

// peer owns one socket and its outbound queue. A single writer goroutine
// drains the queue; closing the peer stops the writer and closes the socket.
type peer struct {
	id           string
	conn         net.Conn
	send         chan []byte
	writeTimeout time.Duration
	log          *logger.Logger

	stopOnce sync.Once
	stop     chan struct{}
}

func newPeer(id string, conn net.Conn, queueSize int, writeTimeout time.Duration, log *logger.Logger) *peer {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &peer{
		id:           id,
		conn:         conn,
		send:         make(chan []byte, queueSize),
		writeTimeout: orDefault(writeTimeout, DefaultWriteTimeout),
		log:          log,
		stop:         make(chan struct{}),
	}
}

// enqueue blocks until the frame is queued or the peer is closed.
func (p *peer) enqueue(frame []byte) error {
	select {
	case <-p.stop:
		return protocol.ErrNotConnected
	default:
	}
	select {
	case p.send <- frame:
		return nil
	case <-p.stop:
		return protocol.ErrNotConnected
	}
}

// offer queues the frame without blocking and reports whether it fit.
func (p *peer) offer(frame []byte) bool {
	select {
	case <-p.stop:
		return false
	default:
	}
	select {
	case p.send <- frame:
		return true
	default:
		return false
	}
}

func (p *peer) closed() bool {
	select {
	case <-p.stop:
		return true
	default:
		return false
	}
}

func (p *peer) close() {
	p.stopOnce.Do(func() {
		close(p.stop)
		if err := p.conn.Close(); err != nil {
			p.log.Debug("peer %s: close: %v", p.id, err)
		}
	})
}

// writeLoop drains the queue until the peer is closed. A failed write closes
// the peer and is reported through onErr.
func (p *peer) writeLoop(onErr func(error)) {
	for {
		select {
		case <-p.stop:
			return
		case frame := <-p.send:
			if err := p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout)); err != nil {
				p.log.Debug("peer %s: set write deadline: %v", p.id, err)
			}
			if _, err := p.conn.Write(frame); err != nil {
				if !p.closed() {
					p.log.Warn("peer %s: write failed: %v", p.id, err)
					onErr(err)
				}
				p.close()
				return
			}
		}
	}
}

// frameOf copies data and appends the line terminator.
func frameOf(data []byte) []byte {
	frame := make([]byte, len(data)+1)
	copy(frame, data)
	frame[len(data)] = '\n'
	return frame
}
