package registry

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, sub *Subscription, n int) []any {
	t.Helper()
	out := make([]any, 0, n)
	for i := 0; i < n; i++ {
		select {
		case ev, ok := <-sub.Events():
			require.True(t, ok, "channel closed early")
			out = append(out, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
	return out
}

func TestFanOutPreservesPublishOrder(t *testing.T) {
	r := New(nil, 64)

	const subscribers = 5
	subs := make([]*Subscription, subscribers)
	for i := range subs {
		subs[i] = r.Subscribe("trip-1", SubgroupLocation, fmt.Sprintf("conn-%d", i))
	}

	const events = 20
	for i := 0; i < events; i++ {
		r.Publish("trip-1", SubgroupLocation, i)
	}

	for _, sub := range subs {
		got := collect(t, sub, events)
		for i, ev := range got {
			assert.Equal(t, i, ev)
		}
	}
}

func TestSubscribeIdempotentPerHandle(t *testing.T) {
	r := New(nil, 8)

	a := r.Subscribe("trip-1", SubgroupLocation, "conn-a")
	b := r.Subscribe("trip-1", SubgroupLocation, "conn-a")
	assert.Same(t, a, b)
	assert.Equal(t, 1, r.SubscriberCount("trip-1", SubgroupLocation))

	// same handle on a different subgroup is a distinct subscription
	c := r.Subscribe("trip-1", SubgroupStatus, "conn-a")
	assert.NotSame(t, a, c)
}

func TestPublishToUnknownTripIsNoop(t *testing.T) {
	r := New(nil, 8)
	r.Publish("ghost", SubgroupLocation, "x") // must not panic
	assert.Zero(t, r.GroupCount())
}

func TestGroupLifecycle(t *testing.T) {
	r := New(nil, 8)

	a := r.Subscribe("trip-1", SubgroupLocation, "conn-a")
	b := r.Subscribe("trip-1", SubgroupLocation, "conn-b")
	assert.Equal(t, 1, r.GroupCount())

	r.Unsubscribe(a)
	assert.Equal(t, 1, r.GroupCount())
	assert.Equal(t, 1, r.SubscriberCount("trip-1", SubgroupLocation))

	r.Unsubscribe(b)
	assert.Zero(t, r.GroupCount())

	// double unsubscribe is safe
	r.Unsubscribe(b)

	// channel is closed after unsubscribe
	_, ok := <-a.Events()
	assert.False(t, ok)
}

func TestSlowSubscriberIsDroppedNotBlocking(t *testing.T) {
	r := New(nil, 4)

	slow := r.Subscribe("trip-1", SubgroupLocation, "slow")
	fast := r.Subscribe("trip-1", SubgroupLocation, "fast")

	// nobody drains `slow`; publish past its queue bound
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			r.Publish("trip-1", SubgroupLocation, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}

	// slow was dropped; fast remains subscribed
	assert.Equal(t, 1, r.SubscriberCount("trip-1", SubgroupLocation))

	// the slow subscriber's channel ends with close after its buffered prefix
	for {
		if _, ok := <-slow.Events(); !ok {
			break
		}
	}
	_ = fast
}

func TestSubscribeNeverAttachesToRemovedGroup(t *testing.T) {
	r := New(nil, 8)
	k := groupKey{tripID: "trip-1", sub: SubgroupLocation}

	a := r.Subscribe("trip-1", SubgroupLocation, "conn-a")

	// Hold a stale group pointer the way an in-flight Subscribe would after
	// releasing the registry lock, then let the last unsubscribe remove it.
	r.mu.RLock()
	g := r.groups[k]
	r.mu.RUnlock()
	r.Unsubscribe(a)
	require.Zero(t, r.GroupCount())

	// attaching to the removed group must be refused
	_, ok := r.attach(g, k, "conn-b")
	assert.False(t, ok)

	// a full Subscribe lands in a live group that Publish reaches
	b := r.Subscribe("trip-1", SubgroupLocation, "conn-b")
	assert.Equal(t, 1, r.SubscriberCount("trip-1", SubgroupLocation))
	r.Publish("trip-1", SubgroupLocation, "ping")
	got := collect(t, b, 1)
	assert.Equal(t, "ping", got[0])
}

func TestIsolationBetweenTrips(t *testing.T) {
	r := New(nil, 2)

	// trip A has a stuck subscriber
	_ = r.Subscribe("trip-a", SubgroupLocation, "stuck")
	bSub := r.Subscribe("trip-b", SubgroupLocation, "healthy")

	for i := 0; i < 50; i++ {
		r.Publish("trip-a", SubgroupLocation, i)
	}

	start := time.Now()
	r.Publish("trip-b", SubgroupLocation, "ping")
	got := collect(t, bSub, 1)
	assert.Equal(t, "ping", got[0])
	assert.Less(t, time.Since(start), time.Second)
}
