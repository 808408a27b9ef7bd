package registry

import (
	"context"
	"sync"

	"med-dispatch/internal/general/logger"
)

// Subgroup selects one of a trip's two broadcast channels.
type Subgroup string

const (
	SubgroupLocation Subgroup = "location"
	SubgroupStatus   Subgroup = "status"
)

// Registry tracks which live connections are subscribed to which trip's
// location/status channel and fans published events out to them. It holds no
// durable state; a restart reconstructs it empty.
//
// Fan-out groups are created lazily on first subscribe and removed on last
// unsubscribe. A publish to a trip nobody watches is a cheap no-op.
type Registry struct {
	logger    *logger.Logger
	queueSize int

	mu     sync.RWMutex
	groups map[groupKey]*group
}

type groupKey struct {
	tripID string
	sub    Subgroup
}

type group struct {
	mu   sync.Mutex
	dead bool                     // set when removed from the registry map; guarded by mu
	subs map[string]*Subscription // keyed by handle ID
}

// Subscription is one connection's membership in a (trip, subgroup) channel.
// Events arrive on Events(); the channel is closed when the subscriber is
// unsubscribed or forcibly dropped after queue overflow.
type Subscription struct {
	key    groupKey
	handle string
	ch     chan any
	closed bool // guarded by the owning group's mu
}

// Events is the subscriber's bounded delivery queue.
func (s *Subscription) Events() <-chan any { return s.ch }

// TripID returns the trip this subscription is bound to.
func (s *Subscription) TripID() string { return s.key.tripID }

// Subgroup returns the sub-channel this subscription is bound to.
func (s *Subscription) Subgroup() Subgroup { return Subgroup(s.key.sub) }

// New creates an empty registry. queueSize bounds each subscriber's delivery
// queue; a subscriber that falls that far behind is dropped rather than
// slowing the publisher or its siblings.
func New(log *logger.Logger, queueSize int) *Registry {
	if log == nil {
		log = logger.Nop()
	}
	if queueSize < 1 {
		queueSize = 32
	}
	return &Registry{
		logger:    log,
		queueSize: queueSize,
		groups:    make(map[groupKey]*group),
	}
}

// Subscribe registers handleID on (tripID, sub). Idempotent per handle: a
// second subscribe with the same handle returns the existing subscription.
// Subscribing to an unknown trip still succeeds; fan-out is infrastructure,
// independent of trip existence.
func (r *Registry) Subscribe(tripID string, sub Subgroup, handleID string) *Subscription {
	k := groupKey{tripID: tripID, sub: sub}

	var s *Subscription
	for {
		r.mu.Lock()
		g, ok := r.groups[k]
		if !ok {
			g = &group{subs: make(map[string]*Subscription)}
			r.groups[k] = g
			groupsGauge.Inc()
		}
		r.mu.Unlock()

		// Between releasing r.mu and taking g.mu, a concurrent last
		// unsubscribe can garbage-collect g. A dead group never accepts
		// members; re-fetch from the map instead.
		if s, ok = r.attach(g, k, handleID); ok {
			break
		}
	}

	r.logger.Debug(context.Background(), "registry_subscribed", "Subscriber joined broadcast group", map[string]any{
		"trip_id":  tripID,
		"subgroup": string(sub),
		"handle":   handleID,
	})
	return s
}

// attach adds handleID to g unless the group has already been removed.
func (r *Registry) attach(g *group, k groupKey, handleID string) (*Subscription, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.dead {
		return nil, false
	}
	if existing, ok := g.subs[handleID]; ok && !existing.closed {
		return existing, true
	}

	s := &Subscription{
		key:    k,
		handle: handleID,
		ch:     make(chan any, r.queueSize),
	}
	g.subs[handleID] = s
	subscribersGauge.Inc()
	return s, true
}

// Unsubscribe removes s and closes its event channel. The group is
// garbage-collected when its last subscriber leaves. Safe to call twice.
func (r *Registry) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}

	r.mu.RLock()
	g, ok := r.groups[s.key]
	r.mu.RUnlock()
	if !ok {
		return
	}

	g.mu.Lock()
	r.closeLocked(g, s)
	empty := len(g.subs) == 0
	g.mu.Unlock()

	if empty {
		r.removeGroupIfEmpty(s.key)
	}
}

// Publish delivers event to every current subscriber of (tripID, sub) in
// publish order, best-effort. Sends never block: a subscriber whose queue is
// full is forcibly unsubscribed instead of backpressuring the publisher.
func (r *Registry) Publish(tripID string, sub Subgroup, event any) {
	k := groupKey{tripID: tripID, sub: sub}

	r.mu.RLock()
	g, ok := r.groups[k]
	r.mu.RUnlock()
	if !ok {
		return
	}

	g.mu.Lock()
	publishedTotal.WithLabelValues(string(sub)).Inc()
	for handle, s := range g.subs {
		select {
		case s.ch <- event:
		default:
			// Slow consumer: drop it so siblings keep receiving on time.
			r.closeLocked(g, s)
			overflowDrops.Inc()
			r.logger.Warn(context.Background(), "registry_subscriber_dropped",
				"Subscriber queue overflowed; dropping subscriber", map[string]any{
					"trip_id":  tripID,
					"subgroup": string(sub),
					"handle":   handle,
				})
		}
	}
	empty := len(g.subs) == 0
	g.mu.Unlock()

	if empty {
		r.removeGroupIfEmpty(k)
	}
}

// SubscriberCount reports the current size of a group. Zero for absent groups.
func (r *Registry) SubscriberCount(tripID string, sub Subgroup) int {
	r.mu.RLock()
	g, ok := r.groups[groupKey{tripID: tripID, sub: sub}]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subs)
}

// GroupCount reports the number of live fan-out groups.
func (r *Registry) GroupCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups)
}

// closeLocked removes s from g and closes its channel. Caller holds g.mu;
// closing under the group lock means a concurrent Publish can never send on
// a closed channel.
func (r *Registry) closeLocked(g *group, s *Subscription) {
	if s.closed {
		return
	}
	s.closed = true
	delete(g.subs, s.handle)
	close(s.ch)
	subscribersGauge.Dec()
}

// removeGroupIfEmpty deletes the group unless a new subscriber raced in. The
// group is marked dead under its own lock so an in-flight Subscribe holding a
// stale pointer cannot attach to it afterwards.
func (r *Registry) removeGroupIfEmpty(k groupKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[k]
	if !ok {
		return
	}
	g.mu.Lock()
	empty := len(g.subs) == 0
	if empty {
		g.dead = true
	}
	g.mu.Unlock()
	if empty {
		delete(r.groups, k)
		groupsGauge.Dec()
	}
}
