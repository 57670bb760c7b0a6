package realtime

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/baechuer/psychic-connect/services/session-service/internal/domain"
	"github.com/baechuer/psychic-connect/services/session-service/internal/metrics"
	"github.com/baechuer/psychic-connect/services/session-service/internal/pkg/logger"
)

var errSlowConsumer = errors.New("send buffer full")

// Subscriber abstracts a streaming connection.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// frame is what clients receive: {"event": "...", "data": {...}}.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Hub routes push events to the connections subscribed to their topics.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[Subscriber]struct{}
}

func NewHub() *Hub {
	return &Hub{topics: make(map[string]map[Subscriber]struct{})}
}

func (h *Hub) Register(c Subscriber, topics ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, t := range topics {
		set, ok := h.topics[t]
		if !ok {
			set = make(map[Subscriber]struct{})
			h.topics[t] = set
		}
		set[c] = struct{}{}
	}
}

func (h *Hub) Unregister(c Subscriber, topics ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c, topics)
}

func (h *Hub) removeLocked(c Subscriber, topics []string) {
	for _, t := range topics {
		if set, ok := h.topics[t]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(h.topics, t)
			}
		}
	}
}

// Subscribers returns how many connections listen on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Dispatch delivers ev to this replica's connections. A connection on several
// of the event's topics gets the frame once. Connections whose buffer is full
// are closed and removed.
func (h *Hub) Dispatch(ev domain.PushEvent) {
	payload, err := json.Marshal(frame{Event: ev.Name, Data: ev.Data})
	if err != nil {
		logger.Logger.Error().Err(err).Str("event", ev.Name).Msg("marshal push frame")
		return
	}

	h.mu.RLock()
	seen := make(map[Subscriber]struct{})
	var failed []Subscriber
	for _, t := range ev.Topics {
		for c := range h.topics[t] {
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			if err := c.Send(payload); err != nil {
				failed = append(failed, c)
			}
		}
	}
	h.mu.RUnlock()

	if len(failed) == 0 {
		return
	}

	h.mu.Lock()
	for _, c := range failed {
		for t, set := range h.topics {
			if _, ok := set[c]; ok {
				h.removeLocked(c, []string{t})
			}
		}
		c.Close()
		metrics.RecordPushDropped()
	}
	h.mu.Unlock()
	logger.Logger.Warn().Str("component", "ws_hub").Int("dropped", len(failed)).Msg("dropped slow connections")
}
