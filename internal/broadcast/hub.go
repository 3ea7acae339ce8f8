// Package broadcast fans metric bundles and decisions out to WebSocket
// subscribers and exposes the ops surface (status, Prometheus metrics). Slow
// subscribers never block the pipelines: stale payloads are dropped per
// client.
package broadcast

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/atlas-desktop/marketflow/internal/metrics"
	"github.com/atlas-desktop/marketflow/internal/orchestrator"
)

// MessageType defines WebSocket message types.
type MessageType string

const (
	// Server -> client.
	MsgTypeMetrics   MessageType = "metrics"
	MsgTypeDecision  MessageType = "decision"
	MsgTypeHeartbeat MessageType = "heartbeat"
	MsgTypeError     MessageType = "error"

	// Client -> server.
	MsgTypeSubscribe   MessageType = "subscribe"
	MsgTypeUnsubscribe MessageType = "unsubscribe"
)

// WSMessage is one framed message in either direction.
type WSMessage struct {
	Type      MessageType     `json:"type"`
	Channel   string          `json:"channel,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Client is one WebSocket subscriber.
type Client struct {
	id            string
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[string]bool
	mu            sync.RWMutex
}

// Hub manages subscriber connections and channel routing.
type Hub struct {
	logger     *zap.Logger
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	channels   map[string]map[*Client]bool
	mu         sync.RWMutex

	dropped atomic.Int64
}

// NewHub creates the hub; Run must be started on its own goroutine.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:     logger.Named("broadcast"),
		clients:    make(map[*Client]bool),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		channels:   make(map[string]map[*Client]bool),
	}
}

// Run processes client lifecycle and heartbeats until the process exits.
func (h *Hub) Run() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("id", client.id))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				for channel := range client.subscriptions {
					if clients, ok := h.channels[channel]; ok {
						delete(clients, client)
						if len(clients) == 0 {
							delete(h.channels, channel)
						}
					}
				}
			}
			h.mu.Unlock()
			h.logger.Debug("client unregistered", zap.String("id", client.id))

		case <-ticker.C:
			h.heartbeat()
		}
	}
}

// Subscribe adds the client to a channel.
func (h *Hub) Subscribe(client *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.channels[channel] == nil {
		h.channels[channel] = make(map[*Client]bool)
	}
	h.channels[channel][client] = true

	client.mu.Lock()
	client.subscriptions[channel] = true
	client.mu.Unlock()
}

// Unsubscribe removes the client from a channel.
func (h *Hub) Unsubscribe(client *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if clients, ok := h.channels[channel]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.channels, channel)
		}
	}

	client.mu.Lock()
	delete(client.subscriptions, channel)
	client.mu.Unlock()
}

// PublishBundle implements registry.BundleSink.
func (h *Hub) PublishBundle(bundle *metrics.MetricBundle) {
	h.publishToChannel("metrics:"+bundle.Symbol, MsgTypeMetrics, bundle)
}

// PublishDecision implements registry.DecisionSink.
func (h *Hub) PublishDecision(decision *orchestrator.Decision) {
	h.publishToChannel("decisions:"+decision.Symbol, MsgTypeDecision, decision)
}

// DroppedCount returns how many payloads were dropped for slow subscribers.
func (h *Hub) DroppedCount() int64 { return h.dropped.Load() }

// ClientCount returns the connected subscriber count.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) publishToChannel(channel string, msgType MessageType, payload interface{}) {
	h.mu.RLock()
	clients := h.channels[channel]
	if len(clients) == 0 {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Client, 0, len(clients))
	for c := range clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Warn("payload marshal failed", zap.Error(err))
		return
	}
	msg, err := json.Marshal(WSMessage{
		Type:      msgType,
		Channel:   channel,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}

	for _, client := range targets {
		select {
		case client.send <- msg:
		default:
			// Slow subscriber: drop this payload rather than block.
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) heartbeat() {
	msg, _ := json.Marshal(WSMessage{
		Type:      MsgTypeHeartbeat,
		Timestamp: time.Now().UnixMilli(),
	})
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client.send <- msg:
		default:
		}
	}
}
