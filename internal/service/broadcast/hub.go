// Package broadcast fans notifications out to every member of a session group.
//
// Delivery is best effort and at most once: a member whose send buffer is
// full misses the notification, and nothing is replayed for late joiners.
package broadcast

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"live-transcript-relay/internal/models"
	"live-transcript-relay/internal/observability/logging"
	"live-transcript-relay/internal/observability/metrics"
)

// Member is a connection that can receive group notifications.
type Member interface {
	ID() string
	// Send enqueues n without blocking and reports whether it was accepted.
	Send(n *models.Notification) bool
}

// Relay carries group notifications between service instances.
type Relay interface {
	// Bind sets the function used to deliver notifications from other
	// instances to local members.
	Bind(deliver func(groupKey string, n *models.Notification))
	Publish(ctx context.Context, groupKey string, n *models.Notification) error
	Subscribe(groupKey string)
	Unsubscribe(groupKey string)
}

// Hub tracks session group membership for this instance.
type Hub struct {
	mu          sync.RWMutex
	groups      map[string]map[string]Member
	memberships map[string]map[string]struct{}

	relay   Relay
	log     zerolog.Logger
	metrics *metrics.Metrics
}

// NewHub creates a hub. relay may be nil for single instance deployments.
func NewHub(relay Relay) *Hub {
	h := &Hub{
		groups:      make(map[string]map[string]Member),
		memberships: make(map[string]map[string]struct{}),
		relay:       relay,
		log:         logging.WithComponent("broadcast"),
		metrics:     metrics.DefaultMetrics,
	}
	if relay != nil {
		relay.Bind(h.deliver)
	}
	return h
}

// Join adds m to groupKey and reports whether it was not already a member.
func (h *Hub) Join(groupKey string, m Member) bool {
	h.mu.Lock()
	members, ok := h.groups[groupKey]
	created := !ok
	if !ok {
		members = make(map[string]Member)
		h.groups[groupKey] = members
	}
	_, existed := members[m.ID()]
	members[m.ID()] = m

	keys, ok := h.memberships[m.ID()]
	if !ok {
		keys = make(map[string]struct{})
		h.memberships[m.ID()] = keys
	}
	keys[groupKey] = struct{}{}
	if created && h.relay != nil {
		h.relay.Subscribe(groupKey)
	}
	n := len(h.groups)
	h.mu.Unlock()

	h.metrics.SetGroupsActive(n)
	return !existed
}

// Leave removes the member from groupKey. Unknown members are ignored.
func (h *Hub) Leave(groupKey, memberID string) {
	h.mu.Lock()
	h.leaveLocked(groupKey, memberID)
	n := len(h.groups)
	h.mu.Unlock()

	h.metrics.SetGroupsActive(n)
}

// LeaveAll removes the member from every group it joined.
func (h *Hub) LeaveAll(memberID string) {
	h.mu.Lock()
	for key := range h.memberships[memberID] {
		h.leaveLocked(key, memberID)
	}
	n := len(h.groups)
	h.mu.Unlock()

	h.metrics.SetGroupsActive(n)
}

// leaveLocked removes one membership and drops the group once it is empty.
// Relay subscriptions follow group creation and removal under mu so they
// cannot be reordered; relays must not block in Subscribe or Unsubscribe.
func (h *Hub) leaveLocked(groupKey, memberID string) {
	if keys, ok := h.memberships[memberID]; ok {
		delete(keys, groupKey)
		if len(keys) == 0 {
			delete(h.memberships, memberID)
		}
	}
	members, ok := h.groups[groupKey]
	if !ok {
		return
	}
	if _, ok := members[memberID]; !ok {
		return
	}
	delete(members, memberID)
	if len(members) == 0 {
		delete(h.groups, groupKey)
		if h.relay != nil {
			h.relay.Unsubscribe(groupKey)
		}
	}
}

// Broadcast sends n to every member of groupKey, including the sender.
// A group without members is a no-op. Local members are served directly;
// the relay only carries n to other instances, so a member is reachable as
// soon as Join returns.
func (h *Hub) Broadcast(ctx context.Context, groupKey string, n *models.Notification) {
	h.deliver(groupKey, n)
	if h.relay == nil {
		return
	}
	if err := h.relay.Publish(ctx, groupKey, n); err != nil {
		h.log.Warn().Err(err).Str("sessionGroupKey", groupKey).Str("type", n.Type).
			Msg("Relay publish failed, other instances miss this notification")
	}
}

func (h *Hub) deliver(groupKey string, n *models.Notification) {
	h.mu.RLock()
	members := make([]Member, 0, len(h.groups[groupKey]))
	for _, m := range h.groups[groupKey] {
		members = append(members, m)
	}
	h.mu.RUnlock()

	delivered, dropped := 0, 0
	for _, m := range members {
		if m.Send(n) {
			delivered++
		} else {
			dropped++
		}
	}
	if dropped > 0 {
		h.log.Debug().Str("sessionGroupKey", groupKey).Str("type", n.Type).Int("dropped", dropped).
			Msg("Members missed notification")
	}
	h.metrics.RecordBroadcast(n.Type, delivered, dropped)
}

// Members returns the ids of the group's members, sorted.
func (h *Hub) Members(groupKey string) []string {
	h.mu.RLock()
	ids := make([]string, 0, len(h.groups[groupKey]))
	for id := range h.groups[groupKey] {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Groups returns the number of groups with at least one local member.
func (h *Hub) Groups() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups)
}
