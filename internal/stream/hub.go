package stream

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/soullink-io/soullink-tracker/internal/events"
)

// sendBufferSize is how many pending envelopes a subscriber may lag behind
// before it is considered too slow and dropped.
const sendBufferSize = 256

// Client is one live WebSocket subscriber, registered under the run it
// subscribed to. Hub never blocks ingestion waiting on a client; send is a
// buffered channel drained by the client's own writer goroutine.
type Client struct {
	RunID    uuid.UUID
	PlayerID uuid.UUID
	send     chan []byte
}

// NewClient constructs a subscriber handle for runID/playerID with a fresh
// send buffer.
func NewClient(runID, playerID uuid.UUID) *Client {
	return &Client{RunID: runID, PlayerID: playerID, send: make(chan []byte, sendBufferSize)}
}

// Hub is the per-process broadcast fan-out: one set of subscribers per run.
// Publishing an envelope delivers it to every current subscriber for that
// run; a client whose buffer is full is evicted rather than allowed to stall
// the broadcast.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[uuid.UUID]map[*Client]bool
	logger      *slog.Logger
}

// NewHub constructs an empty broadcast hub.
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[uuid.UUID]map[*Client]bool),
		logger:      newLogger(),
	}
}

// Subscribe registers client under its run. Safe to call concurrently with
// Publish.
func (h *Hub) Subscribe(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.subscribers[client.RunID] == nil {
		h.subscribers[client.RunID] = make(map[*Client]bool)
	}

	h.subscribers[client.RunID][client] = true
}

// Unsubscribe removes client from its run's subscriber set and closes its
// send channel. Safe to call more than once.
func (h *Hub) Unsubscribe(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.unsubscribeLocked(client)
}

func (h *Hub) unsubscribeLocked(client *Client) {
	set, ok := h.subscribers[client.RunID]
	if !ok || !set[client] {
		return
	}

	delete(set, client)

	if len(set) == 0 {
		delete(h.subscribers, client.RunID)
	}

	close(client.send)
}

// Publish marshals envelope and delivers it to every current subscriber for
// envelope.RunID. Called after a successful ingestion commit.
func (h *Hub) Publish(envelope events.Envelope) {
	msg, err := json.Marshal(envelope)
	if err != nil {
		h.logger.Error("stream: marshal envelope for broadcast", slog.Any("error", err))

		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.subscribers[envelope.RunID] {
		select {
		case client.send <- msg:
		default:
			h.logger.Info("stream: dropping slow subscriber",
				slog.String("run_id", envelope.RunID.String()),
				slog.String("player_id", client.PlayerID.String()),
			)

			h.unsubscribeLocked(client)
		}
	}
}

// Count reports the number of active subscribers for runID, for admin
// statistics.
func (h *Hub) Count(runID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.subscribers[runID])
}
