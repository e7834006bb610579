package session

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultSendBuf = 256
	writeDeadline  = 10 * time.Second
	readDeadline   = 60 * time.Second
	pingInterval   = 30 * time.Second // server-side WS ping
	maxFrameBytes  = 64 << 10
	drainOnClose   = 64
)

var (
	ErrClosed     = errors.New("session: connection closed")
	ErrBufferFull = errors.New("session: send buffer full")
)

// Handle is one live connection owned by exactly one user.
type Handle interface {
	UserID() int64
	// Send queues data without blocking. It fails once the handle is
	// closed or when the peer is not keeping up.
	Send(data []byte) error
	Close(code int, reason string)
	IsClosed() bool
}

// Conn is a websocket-backed Handle. Writes go through a buffered channel
// drained by a single writer goroutine; reads are done by the owner via Read.
type Conn struct {
	ID          string
	ConnectedAt time.Time
	RemoteAddr  string

	userID int64
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}

	closeOnce   sync.Once
	closeCode   int
	closeReason string

	logger *zap.Logger
}

// NewConn wraps an upgraded websocket for userID and starts its write pump.
func NewConn(userID int64, ws *websocket.Conn, sendBuf int, logger *zap.Logger) *Conn {
	if sendBuf <= 0 {
		sendBuf = defaultSendBuf
	}
	c := &Conn{
		ID:          uuid.NewString(),
		ConnectedAt: time.Now(),
		RemoteAddr:  ws.RemoteAddr().String(),
		userID:      userID,
		ws:          ws,
		send:        make(chan []byte, sendBuf),
		done:        make(chan struct{}),
		logger:      logger,
	}
	ws.SetReadLimit(maxFrameBytes)
	_ = ws.SetReadDeadline(time.Now().Add(readDeadline))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readDeadline))
	})
	go c.writePump()
	return c
}

func (c *Conn) UserID() int64 { return c.userID }

// writePump drains the send channel and writes to the websocket.
// Also sends periodic pings to detect dead connections quickly.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.ws.Close()
	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				c.logger.Warn("ws write error",
					zap.Int64("user_id", c.userID),
					zap.String("conn_id", c.ID),
					zap.Error(err))
				c.markClosed(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.markClosed(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		case <-c.done:
			c.flush()
			_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second))
			_ = c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(c.closeCode, c.closeReason))
			return
		}
	}
}

func (c *Conn) write(kind int, data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
	return c.ws.WriteMessage(kind, data)
}

// flush writes what is already queued so an ack sent right before an
// error close still reaches the peer.
func (c *Conn) flush() {
	for i := 0; i < drainOnClose; i++ {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

// Send queues data for the write pump without blocking.
func (c *Conn) Send(data []byte) error {
	if c.IsClosed() {
		return ErrClosed
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		c.logger.Warn("send buffer full, dropping frame",
			zap.Int64("user_id", c.userID),
			zap.String("conn_id", c.ID))
		return ErrBufferFull
	}
}

// SendJSON encodes v and queues it.
func (c *Conn) SendJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Send(data)
}

// Read blocks until the next data frame arrives. Control frames are handled
// by gorilla internally; any error means the connection is gone.
func (c *Conn) Read() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(readDeadline))
	return data, nil
}

// Close sends a close frame with code after flushing queued frames.
// Only the first call has an effect.
func (c *Conn) Close(code int, reason string) {
	c.markClosed(code, reason)
}

func (c *Conn) markClosed(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}

func (c *Conn) IsClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Done is closed once the connection starts shutting down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// CloseCode returns the code passed to the first Close, or 0 while open.
func (c *Conn) CloseCode() int {
	if !c.IsClosed() {
		return 0
	}
	return c.closeCode
}
