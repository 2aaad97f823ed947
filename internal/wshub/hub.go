// Package wshub is the dashboard-facing websocket fan-out. Clients
// subscribe to alarm topics (alarm/all, alarm/low, alarm/medium,
// alarm/high, snapshot) and receive every alarm published to a topic they
// hold. Delivery is non-blocking: a client whose send buffer stays full is
// disconnected rather than allowed to stall the broadcast path.
package wshub

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"

	"github.com/firesentinel/firesentinel/internal/model"
	"github.com/firesentinel/firesentinel/internal/monitoring"
)

// Topics served by the hub.
const (
	TopicAlarmAll = "alarm/all"
	TopicSnapshot = "snapshot"
)

// TopicForSeverity returns the per-severity alarm topic.
func TopicForSeverity(severity model.Severity) string {
	return "alarm/" + strings.ToLower(string(severity))
}

func validTopic(topic string) bool {
	switch topic {
	case TopicAlarmAll, TopicSnapshot,
		TopicForSeverity(model.SeverityLow),
		TopicForSeverity(model.SeverityMedium),
		TopicForSeverity(model.SeverityHigh):
		return true
	}
	return false
}

// Hub tracks connected clients and their topic subscriptions.
type Hub struct {
	logger     zerolog.Logger
	maxPending int

	mu      sync.Mutex
	clients map[int64]*client
	nextID  atomic.Int64

	index *subscriptionIndex
}

// NewHub creates a hub. maxPending bounds each client's send queue.
func NewHub(maxPending int, logger zerolog.Logger) *Hub {
	if maxPending < 1 {
		maxPending = 256
	}
	return &Hub{
		logger:     logger.With().Str("component", "wshub").Logger(),
		maxPending: maxPending,
		clients:    make(map[int64]*client),
		index:      newSubscriptionIndex(),
	}
}

// ServeHTTP upgrades the request and runs the client until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		h.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Websocket upgrade failed")
		return
	}

	c := &client{
		id:   h.nextID.Add(1),
		conn: conn,
		hub:  h,
		send: make(chan []byte, h.maxPending),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()

	h.logger.Debug().Int64("client_id", c.id).Str("remote", r.RemoteAddr).Msg("Dashboard client connected")

	go func() {
		defer monitoring.RecoverPanic(h.logger, "wsWritePump", map[string]any{"client_id": c.id})
		c.writePump()
	}()
	go func() {
		defer monitoring.RecoverPanic(h.logger, "wsReadPump", map[string]any{"client_id": c.id})
		c.readPump()
	}()
}

// BroadcastAlarm publishes an alarm to alarm/all and its severity topic.
func (h *Hub) BroadcastAlarm(_ context.Context, alarm *model.AlarmEvent) error {
	payload, err := model.EncodeAlarm(alarm)
	if err != nil {
		return err
	}
	h.Broadcast(TopicAlarmAll, payload)
	h.Broadcast(TopicForSeverity(alarm.Severity), payload)
	return nil
}

// Broadcast fans a payload out to every subscriber of a topic. The payload
// is shared across clients and must not be mutated afterwards.
func (h *Hub) Broadcast(topic string, payload []byte) {
	for _, c := range h.index.get(topic) {
		select {
		case c.send <- payload:
			c.failures.Store(0)
		default:
			// Full buffer: count strikes, drop the client on the third.
			if c.failures.Add(1) >= 3 {
				h.logger.Warn().
					Int64("client_id", c.id).
					Str("topic", topic).
					Msg("Disconnecting slow dashboard client")
				c.close(ws.StatusPolicyViolation, "client too slow")
			}
		}
	}
}

// ClientCount returns the number of connected dashboard clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Shutdown closes every client connection.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.close(ws.StatusGoingAway, "server shutting down")
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
	h.index.removeClient(c)
}
