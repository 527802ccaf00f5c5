package websocket

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"draft-collab-server/internal/service"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

type Client struct {
	ID      string
	UserID  string
	Conn    *websocket.Conn
	Manager *Manager
	Send    chan []byte

	limiter *rate.Limiter

	mu        sync.RWMutex
	closed    bool
	sessionID string
}

func NewClient(id, userID string, conn *websocket.Conn, manager *Manager) *Client {
	c := &Client{
		ID:      id,
		UserID:  userID,
		Conn:    conn,
		Manager: manager,
		Send:    make(chan []byte, manager.opts.SendBuffer),
	}
	if manager.opts.MessagesPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(manager.opts.MessagesPerSecond), manager.opts.MessageBurst)
	}
	return c
}

// SessionID is the session this connection joined, empty before join.
func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

func (c *Client) SetSessionID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = id
}

// Deliver queues a session event without blocking. A full queue closes the
// connection; the client reconnects and resyncs from its last sequence.
func (c *Client) Deliver(_ string, ev service.Event) bool {
	msg, err := NewMessage(MessageType(ev.Type), ev.Payload)
	if err != nil {
		log.Printf("[WebSocket] failed to encode %s: %v", ev.Type, err)
		return true
	}
	return c.SendMessage(msg)
}

func (c *Client) SendMessage(msg *Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[WebSocket] failed to marshal %s: %v", msg.Type, err)
		return true
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return false
	}

	select {
	case c.Send <- data:
		c.Manager.recordMessage(msg.Type, "outbound")
		return true
	default:
		log.Printf("[WebSocket] client %s send buffer full, closing connection", c.ID)
		c.Conn.Close()
		return false
	}
}

func (c *Client) SendError(kind, message string, requestType MessageType, clientOpID string) {
	msg, err := NewMessage(TypeError, &ErrorPayload{
		ErrorKind:   kind,
		Message:     message,
		RequestType: requestType,
		ClientOpID:  clientOpID,
	})
	if err != nil {
		return
	}
	c.SendMessage(msg)
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}

func (c *Client) ReadPump() {
	defer func() {
		c.Manager.disconnect(c)
		c.Conn.Close()
	}()

	if c.Manager.opts.MaxMessageSize > 0 {
		c.Conn.SetReadLimit(c.Manager.opts.MaxMessageSize)
	}
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.opts.PongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.opts.PongWait))
		return nil
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[WebSocket] read error for client %s: %v", c.ID, err)
			}
			break
		}
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.opts.PongWait))

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.SendError("InvalidMessage", "message is not a valid envelope", "", "")
			continue
		}
		c.Manager.recordMessage(msg.Type, "inbound")

		if c.limiter != nil && !c.limiter.Allow() {
			c.SendError("RateLimited", "too many messages", msg.Type, msg.ClientOpID())
			continue
		}

		if h := c.Manager.messageHandler; h != nil {
			if err := h.HandleWebSocketMessage(c, &msg); err != nil {
				log.Printf("[WebSocket] error handling %s from %s: %v", msg.Type, c.UserID, err)
			}
		}
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(c.Manager.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.opts.WriteWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// One frame per message; clients parse each frame as a single envelope.
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.opts.WriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
