package hub

import (
	"sync"

	"github.com/darsavelidze/safe-school/internal/model"
	"github.com/darsavelidze/safe-school/prometheus"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultBufferSize is the per-subscriber outbound buffer
const DefaultBufferSize = 64

// Hub fans events out to the live subscribers of each school. Publish never
// blocks on a subscriber: each subscriber has its own bounded buffer and a
// full buffer loses its oldest event.
type Hub struct {
	bufferSize int
	log        *zap.Logger

	mu      sync.RWMutex
	tenants map[string]map[string]*Subscription
	closed  bool
}

// New creates a hub with the given per-subscriber buffer size
func New(bufferSize int, log *zap.Logger) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		bufferSize: bufferSize,
		log:        log,
		tenants:    make(map[string]map[string]*Subscription),
	}
}

// Subscribe registers a new subscriber for tenantID. On a closed hub the
// returned subscription is already closed.
func (h *Hub) Subscribe(tenantID string) *Subscription {
	sub := newSubscription(uuid.New().String(), tenantID, h.bufferSize)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		sub.close()
		return sub
	}

	subs, ok := h.tenants[tenantID]
	if !ok {
		subs = make(map[string]*Subscription)
		h.tenants[tenantID] = subs
	}
	subs[sub.ID] = sub
	prometheus.HubSubscribersGauge.Inc()

	h.log.Debug("Subscriber added",
		zap.String("school_id", tenantID),
		zap.String("subscription_id", sub.ID),
		zap.Int("subscribers", len(subs)))

	return sub
}

// Unsubscribe removes and closes sub. Safe to call more than once.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	h.mu.Lock()
	if subs, ok := h.tenants[sub.TenantID]; ok {
		if _, ok := subs[sub.ID]; ok {
			delete(subs, sub.ID)
			prometheus.HubSubscribersGauge.Dec()
		}
		if len(subs) == 0 {
			delete(h.tenants, sub.TenantID)
		}
	}
	h.mu.Unlock()

	if sub.close() {
		h.log.Debug("Subscriber removed",
			zap.String("school_id", sub.TenantID),
			zap.String("subscription_id", sub.ID),
			zap.Uint64("sent", sub.Sent()),
			zap.Uint64("dropped", sub.Dropped()))
	}
}

// Publish delivers ev to every current subscriber of tenantID
func (h *Hub) Publish(tenantID string, ev model.Event) {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return
	}
	subs := make([]*Subscription, 0, len(h.tenants[tenantID]))
	for _, sub := range h.tenants[tenantID] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	prometheus.RecordHubEvent(ev.Type)

	for _, sub := range subs {
		if dropped := sub.offer(ev); dropped > 0 {
			prometheus.HubDroppedCounter.Add(float64(dropped))
		}
	}
}

// SubscriberCount returns the number of live subscribers of a school
func (h *Hub) SubscriberCount(tenantID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.tenants[tenantID])
}

// Close tears down every subscription. Later publishes are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	tenants := h.tenants
	h.tenants = make(map[string]map[string]*Subscription)
	h.mu.Unlock()

	for _, subs := range tenants {
		for _, sub := range subs {
			sub.close()
			prometheus.HubSubscribersGauge.Dec()
		}
	}
	h.log.Info("Broadcast hub closed")
}
