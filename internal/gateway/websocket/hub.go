// Package websocket implements the chat gateway: authenticated duplex
// connections, user and task rooms, and the bridge between clients and the
// streaming engine, dispatcher and skill broker.
package websocket

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/botmesh/botmesh/internal/common/logger"
	"github.com/botmesh/botmesh/internal/events"
	"github.com/botmesh/botmesh/internal/events/bus"
	ws "github.com/botmesh/botmesh/pkg/websocket"
)

// Hub tracks client connections and their room memberships.
type Hub struct {
	clients   map[*Client]bool
	userRooms map[int64]map[*Client]bool
	taskRooms map[int64]map[*Client]bool

	register   chan *Client
	unregister chan *Client

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a new WebSocket hub
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		userRooms:  make(map[int64]map[*Client]bool),
		taskRooms:  make(map[int64]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run starts the hub's main processing loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

// addClient registers the connection and joins the session's user room.
func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	if _, ok := h.userRooms[client.UserID]; !ok {
		h.userRooms[client.UserID] = make(map[*Client]bool)
	}
	h.userRooms[client.UserID][client] = true
	h.mu.Unlock()

	h.logger.Debug("Client registered",
		zap.String("client_id", client.ID),
		zap.Int64("user_id", client.UserID))
}

// closeAllClients closes all client connections
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.userRooms = make(map[int64]map[*Client]bool)
	h.taskRooms = make(map[int64]map[*Client]bool)
}

// removeClient removes a client from the hub and every room it joined.
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)

	if room, ok := h.userRooms[client.UserID]; ok {
		delete(room, client)
		if len(room) == 0 {
			delete(h.userRooms, client.UserID)
		}
	}
	for taskID := range client.tasks {
		if room, ok := h.taskRooms[taskID]; ok {
			delete(room, client)
			if len(room) == 0 {
				delete(h.taskRooms, taskID)
			}
		}
	}
	h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// JoinTask subscribes a client to a task room.
func (h *Hub) JoinTask(client *Client, taskID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.taskRooms[taskID]; !ok {
		h.taskRooms[taskID] = make(map[*Client]bool)
	}
	h.taskRooms[taskID][client] = true
	client.tasks[taskID] = true

	h.logger.Debug("Client joined task room",
		zap.String("client_id", client.ID),
		zap.Int64("task_id", taskID))
}

// LeaveTask unsubscribes a client from a task room.
func (h *Hub) LeaveTask(client *Client, taskID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.tasks, taskID)
	if room, ok := h.taskRooms[taskID]; ok {
		delete(room, client)
		if len(room) == 0 {
			delete(h.taskRooms, taskID)
		}
	}
}

// Deliver fans a bus event out to the local members of its room. Publishers
// emit one copy per room; user-room copies skip clients that already sit in
// the event's task room so nobody sees the event twice.
func (h *Hub) Deliver(ev *bus.Event) {
	msg, err := ws.NewNotification(ev.Type, ev)
	if err != nil {
		h.logger.Error("Failed to build notification", zap.Error(err))
		return
	}
	data, err := marshalMessage(msg)
	if err != nil {
		h.logger.Error("Failed to marshal notification", zap.Error(err))
		return
	}

	sender, _ := ev.Payload["sender_client_id"].(string)

	h.mu.RLock()
	defer h.mu.RUnlock()

	if taskID, ok := events.ParseTaskRoom(ev.Room); ok {
		for client := range h.taskRooms[taskID] {
			if sender != "" && client.ID == sender {
				continue
			}
			client.enqueue(data)
		}
		return
	}
	if userID, ok := events.ParseUserRoom(ev.Room); ok {
		for client := range h.userRooms[userID] {
			if sender != "" && client.ID == sender {
				continue
			}
			if ev.TaskID != 0 && client.tasks[ev.TaskID] {
				continue
			}
			client.enqueue(data)
		}
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
