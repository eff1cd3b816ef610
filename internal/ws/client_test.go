package ws

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stalledPeer upgrades one connection and returns the server side. The
// dialing side never reads, so the server's writes eventually block.
func stalledPeer(t *testing.T) *websocket.Conn {
	t.Helper()
	conns := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	t.Cleanup(srv.Close)

	peer, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = peer.Close() })

	select {
	case conn := <-conns:
		return conn
	case <-time.After(3 * time.Second):
		t.Fatal("server side never upgraded")
		return nil
	}
}

func TestDeliverDoesNotBlockOnStalledSocket(t *testing.T) {
	client := NewClient(stalledPeer(t), ConnInfo{ConnID: "slow", UserID: "u2"}, ClientConfig{
		SendBuffer: 1,
		WriteWait:  3 * time.Second,
	}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = client.Run(ctx, func(context.Context, []byte) {}) }()

	hub := NewHub(nil)
	fast := newFakeConn("fast", "u1")
	hub.Attach(client)
	hub.Attach(fast)

	frame := bytes.Repeat([]byte("x"), 1<<20)
	var longest time.Duration
	for i := 0; i < 256 && !client.Closed(); i++ {
		start := time.Now()
		hub.Deliver([]Connection{client, fast}, frame)
		if d := time.Since(start); d > longest {
			longest = d
		}
	}

	require.True(t, client.Closed(), "stalled client was never dropped")
	assert.Equal(t, reasonSendQueueFull, client.CloseReason())
	assert.Less(t, longest, 500*time.Millisecond)
	assert.Equal(t, 1, hub.Count())

	start := time.Now()
	assert.Equal(t, 1, hub.Deliver([]Connection{client, fast}, frame))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}
