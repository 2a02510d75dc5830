package realtime

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
)

const (
	writeTimeout = 10 * time.Second
	readLimit    = int64(4 << 10)
	sendBuffer   = 64
)

var (
	ErrSlowConsumer = errors.New("send buffer full")
	ErrClosed       = errors.New("connection closed")
)

// Client adapts a websocket connection to Conn. All data frames go through
// a single writer goroutine started by WritePump.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func NewClient(conn *websocket.Conn) *Client {
	return &Client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

func (c *Client) ID() string { return c.id }

// Send queues the event. A full buffer means the client cannot keep up and
// the caller should drop it.
func (c *Client) Send(ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- b:
		return nil
	default:
		return ErrSlowConsumer
	}
}

func (c *Client) Ping() error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

func (c *Client) Close() error {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = c.conn.Close()
	})
	return nil
}

// WritePump drains the send buffer until the client is closed.
func (c *Client) WritePump() {
	for {
		select {
		case b := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				_ = c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// ReadPump feeds every text frame to onFrame and calls onActivity for
// frames and pongs alike. It returns when the connection fails or closes.
func (c *Client) ReadPump(idle time.Duration, onFrame func([]byte), onActivity func()) {
	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(idle))
	c.conn.SetPongHandler(func(string) error {
		onActivity()
		return c.conn.SetReadDeadline(time.Now().Add(idle))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		onActivity()
		_ = c.conn.SetReadDeadline(time.Now().Add(idle))
		onFrame(frame)
	}
}
