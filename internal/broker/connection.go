package broker

import (
	"sync"
	"time"
)

// wire is the websocket surface the broker actually uses.
// *websocket.Conn satisfies it; tests substitute a fake.
type wire interface {
	WriteJSON(v interface{}) error
	ReadMessage() (messageType int, p []byte, err error)
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

// conn is one subscriber connection. The channel set and identity are
// guarded by mu; frames travel to the write pump through send.
type conn struct {
	id   string
	wire wire
	send chan serverFrame
	done chan struct{}

	mu            sync.Mutex
	authenticated bool
	user          userInfo
	channels      map[string]struct{}
	alive         bool

	closeOnce sync.Once
}

func newConn(id string, w wire, sendBuffer int) *conn {
	return &conn{
		id:       id,
		wire:     w,
		send:     make(chan serverFrame, sendBuffer),
		done:     make(chan struct{}),
		channels: make(map[string]struct{}),
		alive:    true,
	}
}

// enqueue hands a frame to the write pump without blocking. A full buffer
// means the subscriber cannot keep up; the frame is refused and the caller
// decides the connection's fate.
func (c *conn) enqueue(frame serverFrame) bool {
	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// identity returns the authenticated user, if any.
func (c *conn) identity() (userInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user, c.authenticated
}

// subscribedTo reports whether the connection should receive a frame for
// the channel: an exact channel match, or a bare-topic subscription when
// the frame carries a selector.
func (c *conn) subscribedTo(topic, channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.channels[channel]; ok {
		return true
	}
	if channel != topic {
		_, ok := c.channels[topic]
		return ok
	}
	return false
}

// channelList returns the current subscription set.
func (c *conn) channelList() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		out = append(out, ch)
	}
	return out
}

// markAlive records pong receipt; spendLife consumes the liveness token
// and reports whether one was present.
func (c *conn) markAlive() {
	c.mu.Lock()
	c.alive = true
	c.mu.Unlock()
}

func (c *conn) spendLife() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := c.alive
	c.alive = false
	return was
}
