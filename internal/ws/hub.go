package ws

import (
	"log/slog"
	"sync"

	"github.com/manpreetbhatti/rendezvous/backend/internal/events"
	"github.com/manpreetbhatti/rendezvous/backend/internal/room"
	"github.com/manpreetbhatti/rendezvous/backend/internal/signaling"
)

// Hub owns the connected endpoints and is the single goroutine that feeds
// signaling events to the coordinator, one at a time.
type Hub struct {
	// Connected clients by endpoint id
	clients map[string]*Client

	coordinator *signaling.Coordinator

	// Inbound messages and disconnects from clients, in arrival order
	inbound chan *Inbound

	// Register requests from clients
	register chan *Client

	stop    chan struct{}
	stopped chan struct{}

	logger *slog.Logger
	mu     sync.RWMutex
}

// Inbound is one decoded frame together with the client that sent it. A nil
// Message marks the client's disconnect, so it queues behind the client's
// earlier frames.
type Inbound struct {
	Client  *Client
	Message *signaling.Message
}

func NewHub(registry *room.Registry, publisher events.Publisher, logger *slog.Logger) *Hub {
	h := &Hub{
		clients:    make(map[string]*Client),
		inbound:  make(chan *Inbound, 256),
		register: make(chan *Client),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
		logger:   logger,
	}
	h.coordinator = signaling.NewCoordinator(registry, h, publisher, logger)
	return h
}

func (h *Hub) Coordinator() *signaling.Coordinator {
	return h.coordinator
}

func (h *Hub) Run() {
	defer close(h.stopped)

	for {
		select {
		case <-h.stop:
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			count := len(h.clients)
			h.mu.Unlock()

			h.logger.Info("client connected", "endpoint", client.id, "remote", client.remoteAddr(), "clients", count)

		case in := <-h.inbound:
			if in.Message == nil {
				h.unregister(in.Client)
				continue
			}
			if reply := h.coordinator.Handle(in.Client.id, in.Message); reply != nil {
				h.reply(in.Client.id, reply)
			}
		}
	}
}

func (h *Hub) unregister(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client.id]; ok {
		delete(h.clients, client.id)
		close(client.send)
	}
	h.mu.Unlock()

	// Runs even if Notify already dropped the client for being slow.
	h.coordinator.Disconnect(client.id)
	h.logger.Info("client disconnected", "endpoint", client.id)
}

// Stop ends the run loop and closes every client. It waits for Run to return.
func (h *Hub) Stop() {
	close(h.stop)
	<-h.stopped
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, client := range h.clients {
		delete(h.clients, id)
		close(client.send)
	}
}

// Notify queues msg for endpoint without blocking. A client whose buffer is
// full is dropped from the hub and its connection closed; the disconnect then
// flows back through inbound behind the client's pending frames.
func (h *Hub) Notify(endpoint string, msg *signaling.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, ok := h.clients[endpoint]
	if !ok {
		return signaling.ErrEndpointGone
	}

	select {
	case client.send <- msg:
		return nil
	default:
		h.logger.Warn("send buffer full, dropping client", "endpoint", endpoint)
		delete(h.clients, endpoint)
		close(client.send)
		client.closeConn()
		return signaling.ErrEndpointGone
	}
}

// reply sends msg back to the endpoint that triggered it. A gone endpoint
// is not an error for the caller.
func (h *Hub) reply(endpoint string, msg *signaling.Message) {
	if err := h.Notify(endpoint, msg); err != nil {
		h.logger.Debug("reply dropped", "endpoint", endpoint, "type", msg.Type, "err", err)
	}
}

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
