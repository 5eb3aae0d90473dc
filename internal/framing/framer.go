// Package framing splits a byte stream into newline-delimited messages.
package framing

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/codefionn/hostlink/protocol"
)

// DefaultMaxMessageBytes bounds the size of a single buffered message.
const DefaultMaxMessageBytes = 8 * 1024 * 1024

// Framer accumulates chunks and yields complete lines. The trailing fragment
// after the last newline is retained until a later chunk completes it.
type Framer struct {
	mu       sync.Mutex
	buf      []byte
	maxBytes int

	// discarding is set after an oversized fragment was dropped; input is
	// ignored up to and including the next newline.
	discarding bool
}

// New creates a Framer. maxBytes <= 0 selects DefaultMaxMessageBytes.
func New(maxBytes int) *Framer {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMessageBytes
	}
	return &Framer{maxBytes: maxBytes}
}

// Push appends chunk and returns every message completed by it, in order.
// Empty lines are skipped and a trailing carriage return is dropped.
//
// A message or retained fragment beyond the size limit is discarded and
// ErrMessageTooLarge is returned alongside the messages that did fit.
func (f *Framer) Push(chunk []byte) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.discarding {
		idx := bytes.IndexByte(chunk, '\n')
		if idx < 0 {
			return nil, nil
		}
		chunk = chunk[idx+1:]
		f.discarding = false
	}

	f.buf = append(f.buf, chunk...)

	var (
		messages []string
		err      error
	)
	for {
		idx := bytes.IndexByte(f.buf, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSuffix(f.buf[:idx], []byte{'\r'})
		f.buf = f.buf[idx+1:]
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if len(line) > f.maxBytes {
			err = f.tooLarge(len(line))
			continue
		}
		messages = append(messages, string(line))
	}

	if len(f.buf) > f.maxBytes {
		size := len(f.buf)
		f.buf = nil
		f.discarding = true
		return messages, f.tooLarge(size)
	}
	if err != nil {
		return messages, err
	}

	// Release the consumed prefix so the backing array does not grow forever.
	if len(f.buf) == 0 {
		f.buf = nil
	} else if cap(f.buf) > 4*len(f.buf) && cap(f.buf) > 64*1024 {
		f.buf = append([]byte(nil), f.buf...)
	}

	return messages, nil
}

func (f *Framer) tooLarge(size int) error {
	return protocol.NewError(protocol.CodeMessageTooLarge,
		fmt.Sprintf("message of %d bytes exceeds limit of %d", size, f.maxBytes), nil)
}

// Pending returns the number of buffered bytes not yet terminated.
func (f *Framer) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.buf)
}

// Reset discards any buffered fragment.
func (f *Framer) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buf = nil
	f.discarding = false
}
