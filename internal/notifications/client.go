package notifications

import (
	"log"
	"sync"
	"time"

	"skillchat/internal/models"
	"skillchat/internal/observability"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 16384

	sendBuffer = 256

	// Inbound events per second per connection, with burst.
	inboundRate  = 20
	inboundBurst = 40
)

// Client is the middleman between one websocket connection and the Registry.
type Client struct {
	// ID uniquely identifies the connection across instances.
	ID string

	// UserID is zero until the connection completes setup; it is written once
	// by Registry.Register under the registry lock.
	UserID uint

	Conn *websocket.Conn

	// Buffered channel of outbound messages.
	Send chan []byte

	// IncomingHandler is invoked for every inbound frame on the read goroutine.
	IncomingHandler func(*Client, []byte)

	registry  *Registry
	limiter   *rate.Limiter
	rooms     map[uint]struct{}
	closeOnce sync.Once
}

// NewClient creates a client for conn with a fresh connection id.
func NewClient(conn *websocket.Conn) *Client {
	return &Client{
		ID:      uuid.NewString(),
		Conn:    conn,
		Send:    make(chan []byte, sendBuffer),
		limiter: rate.NewLimiter(rate.Limit(inboundRate), inboundBurst),
		rooms:   make(map[uint]struct{}),
	}
}

func (c *Client) hubName() string {
	if c.registry != nil {
		return c.registry.Name()
	}
	return "chat"
}

// ReadPump pumps frames from the websocket connection to IncomingHandler until
// the connection closes, then detaches the client from the registry.
func (c *Client) ReadPump() {
	defer func() {
		if c.registry != nil {
			c.registry.Deregister(c)
		}
		_ = c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		if c.registry != nil && c.UserID != 0 {
			c.registry.touch(c.UserID)
		}
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("ReadPump Error (User %d, conn %s): %v", c.UserID, c.ID, err)
			}
			break
		}

		if !c.limiter.Allow() {
			observability.WebSocketBackpressureDrops.WithLabelValues(c.hubName(), "inbound_rate").Inc()
			c.TrySend(MustEncode(EventError, ErrorAck{
				Code:    models.CodeRateLimited,
				Message: "too many events, slow down",
			}))
			continue
		}

		if c.IncomingHandler != nil {
			c.IncomingHandler(c, message)
		}
	}
}

// WritePump pumps messages from Send to the websocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The registry closed the channel.
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// TrySend queues message without blocking. A full buffer drops the message and
// queues a messages-dropped notice so the client can re-fetch history.
func (c *Client) TrySend(message []byte) {
	if message == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			observability.WebSocketBackpressureDrops.WithLabelValues(c.hubName(), "closed").Inc()
		}
	}()

	select {
	case c.Send <- message:
	default:
		observability.WebSocketBackpressureDrops.WithLabelValues(c.hubName(), "full").Inc()
		log.Printf("Client %d (%s): Buffer full, dropped message", c.UserID, c.ID)

		select {
		case c.Send <- MustEncode(EventMessagesDropped, map[string]string{"reason": "buffer_full"}):
		default:
		}
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.Send)
	})
}
