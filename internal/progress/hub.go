package progress

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mit-bodhiq/bodhiq/internal/model"
)

// Hub owns one Broadcaster per in-flight query. It is safe for concurrent
// use by many runs and many subscribers.
type Hub struct {
	buffer int
	relay  Relay
	logger *slog.Logger

	mu      sync.Mutex
	streams map[int64]*Broadcaster
}

// NewHub creates a hub. relay may be nil, in which case updates stay
// in-process.
func NewHub(buffer int, relay Relay, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		buffer:  buffer,
		relay:   relay,
		logger:  logger,
		streams: make(map[int64]*Broadcaster),
	}
}

// GetOrCreate returns the broadcaster for queryID, creating it if absent.
func (h *Hub) GetOrCreate(queryID int64) *Broadcaster {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.streams[queryID]
	if !ok {
		b = NewBroadcaster(h.buffer)
		h.streams[queryID] = b
	}
	return b
}

// Get returns the broadcaster for queryID if one exists.
func (h *Hub) Get(queryID int64) (*Broadcaster, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.streams[queryID]
	return b, ok
}

// Publish sends u to the query's broadcaster and mirrors it to the relay.
// Relay failures are logged and never block local delivery.
func (h *Hub) Publish(ctx context.Context, queryID int64, u model.AgentUpdate) {
	h.GetOrCreate(queryID).Publish(u)
	if h.relay == nil {
		return
	}
	if err := h.relay.Publish(ctx, queryID, u); err != nil {
		h.logger.Warn("progress: relay publish failed", "query_id", queryID, "agent", u.AgentName, "error", err)
	}
}

// Complete closes the query's broadcaster and removes it from the hub.
// Existing subscribers drain what was already published.
func (h *Hub) Complete(queryID int64) {
	h.mu.Lock()
	b, ok := h.streams[queryID]
	delete(h.streams, queryID)
	h.mu.Unlock()
	if ok {
		b.Close()
	}
}

// Len returns the number of live broadcasters.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.streams)
}

// Relay returns the configured relay, or nil.
func (h *Hub) Relay() Relay { return h.relay }

// Close completes every broadcaster and closes the relay.
func (h *Hub) Close() error {
	h.mu.Lock()
	streams := h.streams
	h.streams = make(map[int64]*Broadcaster)
	h.mu.Unlock()
	for _, b := range streams {
		b.Close()
	}
	if h.relay != nil {
		return h.relay.Close()
	}
	return nil
}
