package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ClientConfig tunes one websocket connection.
type ClientConfig struct {
	SendBuffer      int
	WriteWait       time.Duration
	PongWait        time.Duration
	MaxMessageBytes int64
	RatePerSecond   float64
	RateBurst       int
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 16 << 10
	}
	return c
}

const (
	reasonSendQueueFull = "send queue full"
	reasonServerClose   = "closed by server"
)

var errHandlerPanic = errors.New("event handler panicked")

// Client is a gorilla websocket connection with a bounded outbound queue.
// A single writer goroutine owns all data writes.
type Client struct {
	conn    *websocket.Conn
	info    ConnInfo
	cfg     ClientConfig
	send    chan []byte
	done    chan struct{}
	limiter *rate.Limiter
	logger  *zap.Logger

	closeOnce sync.Once
	mu        sync.Mutex
	reason    string
}

func NewClient(conn *websocket.Conn, info ConnInfo, cfg ClientConfig, logger *zap.Logger) *Client {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		conn:   conn,
		info:   info,
		cfg:    cfg,
		send:   make(chan []byte, cfg.SendBuffer),
		done:   make(chan struct{}),
		logger: logger.With(zap.String("conn_id", info.ConnID), zap.String("user_id", info.UserID)),
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return c
}

func (c *Client) Info() ConnInfo {
	return c.info
}

// Send queues frame for the writer. A full queue closes the connection
// without waiting on the socket.
func (c *Client) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.closeWithReason(reasonSendQueueFull, 0)
		return false
	}
}

func (c *Client) Close() {
	c.closeWithReason(reasonServerClose, websocket.CloseGoingAway)
}

func (c *Client) closeWithReason(reason string, code int) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.done)
		if code == 0 {
			_ = c.conn.Close()
			return
		}
		// WriteControl waits for the write lock, so the close frame never
		// runs on the caller's goroutine.
		go func() {
			deadline := time.Now().Add(c.cfg.WriteWait)
			_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
			_ = c.conn.Close()
		}()
	})
}

// Closed reports whether the connection has already been closed.
func (c *Client) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// CloseReason reports why the connection ended, empty while it is open.
func (c *Client) CloseReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Done is closed once the connection is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Run pumps frames until the connection ends. Inbound frames are handled one
// at a time, in arrival order.
func (c *Client) Run(ctx context.Context, handle func(context.Context, []byte)) error {
	go c.writePump()
	err := c.readPump(ctx, handle)
	reason := "client closed"
	if err != nil {
		reason = err.Error()
	}
	c.closeWithReason(reason, 0)
	return err
}

func (c *Client) readPump(ctx context.Context, handle func(context.Context, []byte)) error {
	c.conn.SetReadLimit(c.cfg.MaxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if c.limiter != nil && !c.limiter.Allow() {
			c.sendError(CodeRateLimited, "too many events", "")
			continue
		}
		if err := c.dispatch(ctx, handle, data); err != nil {
			return err
		}
	}
}

func (c *Client) dispatch(ctx context.Context, handle func(context.Context, []byte), data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("websocket handler panic", zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("%w: %v", errHandlerPanic, r)
		}
	}()
	handle(ctx, data)
	return nil
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.PongWait * 9 / 10)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("websocket write failed", zap.Error(err))
				c.closeWithReason(err.Error(), 0)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteWait)); err != nil {
				c.closeWithReason(err.Error(), 0)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) sendError(code, message, event string) {
	frame, err := encodeFrame(EventError, ErrorPayload{Code: code, Message: message, Event: event})
	if err != nil {
		return
	}
	c.Send(frame)
}
