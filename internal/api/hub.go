// Package api serves the HTTP surface: task state and history reads,
// live WebSocket task streams, LLM metrics, the activity feed, and the
// task import endpoint.
package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gitfix/gitfix/internal/common/logger"
	"github.com/gitfix/gitfix/internal/events/bus"
	"github.com/gitfix/gitfix/internal/state"
)

// Frame is one message pushed to a stream client.
type Frame struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
}

type broadcastMessage struct {
	TaskID string
	Frame  *Frame
	// Final marks a terminal state frame: the task's streams are closed
	// after delivery.
	Final bool
}

// Hub fans bus frames out to the WebSocket clients watching each task.
// It holds one bus subscription per task with at least one watcher.
type Hub struct {
	bus bus.EventBus

	// Registered clients
	clients map[*Client]bool

	// Clients by task ID for message routing
	taskClients map[string]map[*Client]bool

	// One bus subscription per watched task
	taskSubs map[string]bus.Subscription

	register   chan *Client
	unregister chan *Client
	broadcast  chan *broadcastMessage

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a hub over the event bus.
func NewHub(eventBus bus.EventBus, log *logger.Logger) *Hub {
	return &Hub{
		bus:         eventBus,
		clients:     make(map[*Client]bool),
		taskClients: make(map[string]map[*Client]bool),
		taskSubs:    make(map[string]bus.Subscription),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan *broadcastMessage, 256),
		logger:      log.WithFields(zap.String("component", "stream_hub")),
	}
}

// Run starts the hub processing loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("stream hub started")
	defer h.logger.Info("stream hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			for taskID, sub := range h.taskSubs {
				sub.Unsubscribe()
				delete(h.taskSubs, taskID)
			}
			h.taskClients = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.mu.Lock()
			h.removeClient(client)
			h.mu.Unlock()
			h.logger.Debug("client unregistered", zap.String("client_id", client.ID))

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *Hub) deliver(msg *broadcastMessage) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.taskClients[msg.TaskID]))
	for client := range h.taskClients[msg.TaskID] {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	if len(clients) > 0 {
		data, err := json.Marshal(msg.Frame)
		if err != nil {
			h.logger.Error("failed to marshal frame", zap.Error(err))
			return
		}
		for _, client := range clients {
			select {
			case client.send <- data:
			default:
				// Send buffer full, drop the connection
				h.mu.Lock()
				h.removeClient(client)
				h.mu.Unlock()
			}
		}
	}

	if msg.Final {
		// Terminal state reached: tear the task's streams down.
		h.mu.Lock()
		for client := range h.taskClients[msg.TaskID] {
			client.forget(msg.TaskID)
			if client.subscriptionCount() == 0 {
				if _, ok := h.clients[client]; ok {
					close(client.send)
					delete(h.clients, client)
				}
			}
		}
		delete(h.taskClients, msg.TaskID)
		h.dropSubscription(msg.TaskID)
		h.mu.Unlock()
	}
}

// removeClient must be called with h.mu held.
func (h *Hub) removeClient(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)

	for taskID := range client.tasks() {
		if clients, ok := h.taskClients[taskID]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.taskClients, taskID)
				h.dropSubscription(taskID)
			}
		}
	}
}

// dropSubscription must be called with h.mu held.
func (h *Hub) dropSubscription(taskID string) {
	if sub, ok := h.taskSubs[taskID]; ok {
		sub.Unsubscribe()
		delete(h.taskSubs, taskID)
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// SubscribeClient subscribes a client to a task's streams, opening the
// bus subscription for the task if this is its first watcher.
func (h *Hub) SubscribeClient(client *Client, taskID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.taskClients[taskID]; !ok {
		sub, err := h.bus.Subscribe(state.TaskSubjects(taskID), h.relay(taskID))
		if err != nil {
			return err
		}
		h.taskClients[taskID] = make(map[*Client]bool)
		h.taskSubs[taskID] = sub
	}
	h.taskClients[taskID][client] = true
	h.logger.Debug("client subscribed to task",
		zap.String("client_id", client.ID),
		zap.String("task_id", taskID))
	return nil
}

// relay turns bus events for one task into client frames. A terminal
// state frame marks the stream final.
func (h *Hub) relay(taskID string) bus.EventHandler {
	return func(ctx context.Context, event *bus.Event) error {
		frame := &Frame{
			Type:      event.Type,
			Data:      event.Data,
			Timestamp: event.Timestamp,
		}
		final := false
		if event.Type == state.FrameState {
			if s, ok := event.Data["state"].(string); ok && state.State(s).Terminal() {
				final = true
			}
		}
		select {
		case h.broadcast <- &broadcastMessage{TaskID: taskID, Frame: frame, Final: final}:
		default:
			h.logger.Warn("broadcast buffer full, dropping frame",
				zap.String("task_id", taskID), zap.String("type", event.Type))
		}
		return nil
	}
}

// TaskSubscriberCount returns the number of clients watching a task.
func (h *Hub) TaskSubscriberCount(taskID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.taskClients[taskID])
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
