package web

import (
	"sync"

	"github.com/codefionn/striderun/internal/logger"
	"github.com/codefionn/striderun/internal/protocol"
)

// Hub maintains the set of active clients and broadcasts envelopes to them
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan protocol.Envelope
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	quit       chan struct{}
	stopOnce   sync.Once
	log        *logger.Logger
}

// NewHub creates a new hub
func NewHub(log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Global()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan protocol.Envelope, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		quit:       make(chan struct{}),
		log:        log.WithPrefix("hub"),
	}
}

// Run starts the hub
func (h *Hub) Run() {
	h.log.Info("WebSocket hub started")
	defer h.log.Info("WebSocket hub stopped")

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.log.Debug("Client registered: %s", client.ID)

		case client := <-h.unregister:
			h.mu.Lock()
			delete(h.clients, client)
			h.mu.Unlock()
			h.log.Debug("Client unregistered: %s", client.ID)

		case env := <-h.broadcast:
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			// Send only fails for closed clients, which unregister themselves
			for _, client := range clients {
				_ = client.Send(env)
			}

		case <-h.quit:
			h.mu.Lock()
			for client := range h.clients {
				client.close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Stop stops the hub and closes every registered client. Safe to call more
// than once.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.quit) })
}

// Register registers a new client
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.quit:
	}
}

// Unregister unregisters a client
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.quit:
	}
}

// Broadcast queues an envelope for every registered client
func (h *Hub) Broadcast(env protocol.Envelope) {
	select {
	case h.broadcast <- env:
	default:
		h.log.Warn("Broadcast channel full, dropping %s", env.Type)
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
