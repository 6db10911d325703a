package daemon

import (
	"net"

	"github.com/prise-term/prise/internal/term"
	"github.com/prise-term/prise/internal/wire"
)

// sendState is the send-queue discipline: at most one send completion is
// outstanding per client, and queued buffers go out strictly FIFO.
type sendState int

const (
	sendIdle     sendState = iota
	sendInFlight           // one buffer submitted, queue may hold more
)

type sender struct {
	state    sendState
	inflight []byte
	queue    [][]byte
}

// push hands a buffer to the sender. Returns the buffer to submit now, or
// nil if a send is already in flight and the buffer was queued.
func (s *sender) push(buf []byte) []byte {
	if s.state == sendIdle {
		s.state = sendInFlight
		s.inflight = buf
		return buf
	}
	s.queue = append(s.queue, buf)
	return nil
}

// complete records a finished send. Returns the next buffer to submit, or
// nil when the queue is drained.
func (s *sender) complete() []byte {
	s.inflight = nil
	if len(s.queue) == 0 {
		s.state = sendIdle
		return nil
	}
	next := s.queue[0]
	s.queue = s.queue[1:]
	s.inflight = next
	return next
}

// discard drops the in-flight buffer and the whole queue.
func (s *sender) discard() {
	s.state = sendIdle
	s.inflight = nil
	s.queue = nil
}

// Client is one accepted front-end connection, identified by its socket
// file descriptor while open. Owned exclusively by the registry; all
// access happens on the loop goroutine.
type Client struct {
	fd   int
	conn *net.UnixConn

	rbuf []byte
	dec  wire.Decoder
	send sender

	// attached holds session IDs in attach order.
	attached []uint32

	// seenStyles caches style IDs already defined to this client.
	seenStyles map[term.StyleID]struct{}

	closing bool
}

func newClient(fd int, conn *net.UnixConn) *Client {
	return &Client{
		fd:         fd,
		conn:       conn,
		rbuf:       make([]byte, 4096),
		seenStyles: make(map[term.StyleID]struct{}),
	}
}

func (c *Client) isAttached(sid uint32) bool {
	for _, id := range c.attached {
		if id == sid {
			return true
		}
	}
	return false
}

func (c *Client) attach(sid uint32) {
	if !c.isAttached(sid) {
		c.attached = append(c.attached, sid)
	}
}

func (c *Client) detach(sid uint32) {
	for i, id := range c.attached {
		if id == sid {
			c.attached = append(c.attached[:i], c.attached[i+1:]...)
			return
		}
	}
}
