package websocket

import (
	"log"
	"sync"
	"time"
)

type Options struct {
	MaxConnPerUser    int
	SendBuffer        int
	MaxMessageSize    int64
	WriteWait         time.Duration
	PongWait          time.Duration
	PingPeriod        time.Duration
	MessagesPerSecond float64
	MessageBurst      int
}

func DefaultOptions() Options {
	return Options{
		MaxConnPerUser:    5,
		SendBuffer:        256,
		MaxMessageSize:    1 << 20,
		WriteWait:         10 * time.Second,
		PongWait:          60 * time.Second,
		PingPeriod:        54 * time.Second,
		MessagesPerSecond: 50,
		MessageBurst:      100,
	}
}

// ConnectionMetrics receives connection and message counts.
type ConnectionMetrics interface {
	RecordWebSocketConnect()
	RecordWebSocketDisconnect()
	RecordWebSocketMessage(msgType, direction string)
}

type MessageHandler interface {
	HandleWebSocketMessage(client *Client, msg *Message) error
	// HandleDisconnect runs once when the client's read loop ends.
	HandleDisconnect(client *Client)
}

type Manager struct {
	clients        map[string]*Client
	userIndex      map[string]map[string]bool
	clientsMutex   sync.RWMutex
	Register       chan *Client
	Unregister     chan *Client
	opts           Options
	messageHandler MessageHandler
	metrics        ConnectionMetrics
	done           chan struct{}
	stopOnce       sync.Once
}

func NewManager(opts Options) *Manager {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultOptions().SendBuffer
	}
	if opts.MaxConnPerUser <= 0 {
		opts.MaxConnPerUser = DefaultOptions().MaxConnPerUser
	}
	if opts.PingPeriod <= 0 || opts.PongWait <= 0 || opts.WriteWait <= 0 {
		d := DefaultOptions()
		opts.WriteWait, opts.PongWait, opts.PingPeriod = d.WriteWait, d.PongWait, d.PingPeriod
	}
	return &Manager{
		clients:   make(map[string]*Client),
		userIndex: make(map[string]map[string]bool),
		// Buffered so pumps never block on a stopped Run loop.
		Register:   make(chan *Client, 64),
		Unregister: make(chan *Client, 64),
		opts:       opts,
		done:       make(chan struct{}),
	}
}

func (m *Manager) SetMessageHandler(handler MessageHandler) {
	m.messageHandler = handler
}

func (m *Manager) SetMetrics(metrics ConnectionMetrics) {
	m.metrics = metrics
}

func (m *Manager) Run() {
	for {
		select {
		case client := <-m.Register:
			m.registerClient(client)

		case client := <-m.Unregister:
			m.unregisterClient(client)

		case <-m.done:
			return
		}
	}
}

func (m *Manager) registerClient(client *Client) {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()

	if m.userIndex[client.UserID] == nil {
		m.userIndex[client.UserID] = make(map[string]bool)
	}

	if len(m.userIndex[client.UserID]) >= m.opts.MaxConnPerUser {
		log.Printf("[WebSocket] max connections reached for user %s", client.UserID)
		client.closeSend()
		return
	}

	m.clients[client.ID] = client
	m.userIndex[client.UserID][client.ID] = true
	if m.metrics != nil {
		m.metrics.RecordWebSocketConnect()
	}

	log.Printf("[WebSocket] client registered: %s (user: %s)", client.ID, client.UserID)
}

func (m *Manager) unregisterClient(client *Client) {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()

	if _, ok := m.clients[client.ID]; ok {
		delete(m.clients, client.ID)
		delete(m.userIndex[client.UserID], client.ID)

		if len(m.userIndex[client.UserID]) == 0 {
			delete(m.userIndex, client.UserID)
		}

		client.closeSend()
		if m.metrics != nil {
			m.metrics.RecordWebSocketDisconnect()
		}
		log.Printf("[WebSocket] client unregistered: %s", client.ID)
	}
}

// disconnect releases the client's session membership and then the client.
func (m *Manager) disconnect(client *Client) {
	if m.messageHandler != nil {
		m.messageHandler.HandleDisconnect(client)
	}
	select {
	case m.Unregister <- client:
	case <-m.done:
		client.closeSend()
	}
}

func (m *Manager) recordMessage(msgType MessageType, direction string) {
	if m.metrics == nil {
		return
	}
	// Inbound types come from clients; keep the label set bounded.
	if !knownTypes[msgType] {
		msgType = "unknown"
	}
	m.metrics.RecordWebSocketMessage(string(msgType), direction)
}

func (m *Manager) GetUserConnections(userID string) int {
	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()

	if clients, exists := m.userIndex[userID]; exists {
		return len(clients)
	}
	return 0
}

func (m *Manager) ConnectionCount() int {
	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()
	return len(m.clients)
}

// Shutdown stops the Run loop and closes every connection.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() {
		close(m.done)

		m.clientsMutex.Lock()
		defer m.clientsMutex.Unlock()
		for id, client := range m.clients {
			client.closeSend()
			delete(m.clients, id)
		}
		m.userIndex = make(map[string]map[string]bool)
	})
}
