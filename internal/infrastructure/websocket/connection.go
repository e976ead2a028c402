package websocket

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"bidhub/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

var (
	ErrConnectionClosed = errors.New("websocket connection closed")
	ErrSlowConsumer     = errors.New("websocket send buffer full")
)

// Connection is one watcher socket. Writes go through a buffered queue owned
// by WritePump, so Send never blocks the broadcaster.
type Connection struct {
	conn      *websocket.Conn
	userID    string
	auctionID string
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	log       logger.Logger
}

func NewConnection(conn *websocket.Conn, userID, auctionID string, log logger.Logger) *Connection {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	return &Connection{
		conn:      conn,
		userID:    userID,
		auctionID: auctionID,
		send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
		log:       log,
	}
}

// Send queues a JSON message. Pre-encoded []byte payloads are sent as is.
func (c *Connection) Send(message interface{}) error {
	payload, ok := message.([]byte)
	if !ok {
		var err error
		if payload, err = json.Marshal(message); err != nil {
			return err
		}
	}

	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	default:
		return ErrSlowConsumer
	}
}

// ReadJSON reads the next client message. It must only be called from one
// goroutine.
func (c *Connection) ReadJSON(v interface{}) error {
	return c.conn.ReadJSON(v)
}

// WritePump drains the send queue and keeps the connection alive with pings
// until Close is called or a write fails.
func (c *Connection) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Close()
	}()

	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.log.Debug("Websocket write failed", "user_id", c.userID, "auction_id", c.auctionID, "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.flush()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// flush writes whatever is still queued, e.g. the terminal event of a room
// that is being closed.
func (c *Connection) flush() {
	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		default:
			return
		}
	}
}

// Close stops the write pump. The socket itself is closed once the pump has
// sent the close frame, or by the reader on its way out.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return nil
}

// Shutdown closes the underlying socket immediately.
func (c *Connection) Shutdown() error {
	_ = c.Close()
	return c.conn.Close()
}

func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) UserID() string {
	return c.userID
}

func (c *Connection) AuctionID() string {
	return c.auctionID
}
