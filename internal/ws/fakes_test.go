package ws

import (
	"encoding/json"
	"sync"
	"time"
)

type recvFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// fakeConn records frames instead of writing to a socket.
type fakeConn struct {
	info ConnInfo

	mu     sync.Mutex
	frames [][]byte
	full   bool
	closed bool
}

func newFakeConn(connID, userID string) *fakeConn {
	return &fakeConn{info: ConnInfo{ConnID: connID, UserID: userID, Username: userID, ConnectedAt: time.Now()}}
}

func (c *fakeConn) Info() ConnInfo { return c.info }

func (c *fakeConn) Send(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full || c.closed {
		return false
	}
	c.frames = append(c.frames, frame)
	return true
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) Closed() bool { return c.isClosed() }

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) received() []recvFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]recvFrame, 0, len(c.frames))
	for _, raw := range c.frames {
		var f recvFrame
		if err := json.Unmarshal(raw, &f); err == nil {
			out = append(out, f)
		}
	}
	return out
}

func (c *fakeConn) count(event string) int {
	n := 0
	for _, f := range c.received() {
		if f.Event == event {
			n++
		}
	}
	return n
}

func (c *fakeConn) last(event string) (recvFrame, bool) {
	frames := c.received()
	for i := len(frames) - 1; i >= 0; i-- {
		if frames[i].Event == event {
			return frames[i], true
		}
	}
	return recvFrame{}, false
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = nil
}
