package tracking

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"med-dispatch/internal/dispatch"
	"med-dispatch/internal/domain/geo"
	"med-dispatch/internal/domain/trip"
	"med-dispatch/internal/general/contracts"
	"med-dispatch/internal/general/memstore"
	"med-dispatch/internal/registry"
)

type fixture struct {
	store      *memstore.Store
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	svc        *Service
}

func newFixture() *fixture {
	store := memstore.New()
	reg := registry.New(nil, 64)
	d := dispatch.New(nil, dispatch.Config{Workers: 1})
	return &fixture{
		store:      store,
		registry:   reg,
		dispatcher: d,
		svc:        NewService(nil, store, reg, d),
	}
}

func (f *fixture) seedTrip(id string, status trip.Status) {
	f.store.Put(trip.Trip{ID: id, Status: status, PickupLocation: "Cairo General", DropoffLocation: "Nile Clinic"})
}

func report(id string, lat, lon float64, ts time.Time) geo.LocationReport {
	return geo.LocationReport{TripID: id, Latitude: lat, Longitude: lon, Timestamp: ts}
}

func recvFrame(t *testing.T, sub *registry.Subscription) any {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok)
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("expected a broadcast frame")
		return nil
	}
}

func assertNoFrame(t *testing.T, sub *registry.Subscription) {
	t.Helper()
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected frame: %#v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestIngestAcceptPersistThenBroadcast(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.seedTrip("42", trip.StatusInTransit)

	sub, snap, err := f.svc.Subscribe(ctx, "42", registry.SubgroupLocation, "conn-1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "42", snap.ID)
	assert.Equal(t, "in_transit", snap.Status)
	assert.Nil(t, snap.Latitude)

	t0 := time.Now().UTC()
	outcome, err := f.svc.Ingest(ctx, report("42", 30.0, 31.2, t0))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, outcome)

	frame := recvFrame(t, sub).(*contracts.GPSUpdateFrame)
	assert.Equal(t, contracts.FrameGPSUpdate, frame.Type)
	assert.Equal(t, "42", frame.TripID)
	assert.Equal(t, 30.0, frame.Latitude)
	assert.Equal(t, 31.2, frame.Longitude)

	// the store saw the write before the broadcast
	stored, err := f.store.GetTrip(ctx, "42")
	require.NoError(t, err)
	require.True(t, stored.HasPosition())
	assert.Equal(t, 30.0, *stored.CurrentLatitude)
}

func TestIngestStaleReportNoSecondBroadcast(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.seedTrip("42", trip.StatusInTransit)

	sub, _, err := f.svc.Subscribe(ctx, "42", registry.SubgroupLocation, "conn-1")
	require.NoError(t, err)

	t0 := time.Now().UTC()
	outcome, err := f.svc.Ingest(ctx, report("42", 30.0, 31.2, t0))
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, outcome)
	_ = recvFrame(t, sub)

	outcome, err = f.svc.Ingest(ctx, report("42", 30.1, 31.3, t0.Add(-time.Second)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeStale, outcome)
	assertNoFrame(t, sub)

	stored, _ := f.store.GetTrip(ctx, "42")
	assert.Equal(t, 30.0, *stored.CurrentLatitude)
}

func TestIngestValidationRejectedNoWriteNoBroadcast(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.seedTrip("42", trip.StatusInTransit)

	sub, _, err := f.svc.Subscribe(ctx, "42", registry.SubgroupLocation, "conn-1")
	require.NoError(t, err)

	outcome, err := f.svc.Ingest(ctx, report("42", 123.0, 31.2, time.Now()))
	assert.Equal(t, OutcomeRejected, outcome)
	assert.ErrorIs(t, err, geo.ErrInvalidReport)
	assertNoFrame(t, sub)

	stored, _ := f.store.GetTrip(ctx, "42")
	assert.False(t, stored.HasPosition())
}

func TestIngestUnknownTrip(t *testing.T) {
	f := newFixture()
	outcome, err := f.svc.Ingest(context.Background(), report("ghost", 30, 31, time.Now()))
	assert.Equal(t, OutcomeRejected, outcome)
	assert.ErrorIs(t, err, trip.ErrNotFound)
}

func TestSubscribeUnknownTripStillSucceeds(t *testing.T) {
	f := newFixture()
	sub, snap, err := f.svc.Subscribe(context.Background(), "ghost", registry.SubgroupLocation, "conn-1")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Nil(t, snap)
}

func TestTransitionBroadcastsConfirmedStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.seedTrip("42", trip.StatusEnRoute)

	sub, _, err := f.svc.Subscribe(ctx, "42", registry.SubgroupStatus, "conn-1")
	require.NoError(t, err)

	require.NoError(t, f.svc.RequestTransition(ctx, "42", trip.StatusAtPickup, "crew on site"))

	frame := recvFrame(t, sub).(*contracts.StatusUpdateFrame)
	assert.Equal(t, contracts.FrameStatusUpdate, frame.Type)
	assert.Equal(t, "at_pickup", frame.Status)
	assert.Equal(t, "crew on site", frame.Message)
}

func TestInvalidTransitionRejectedNoBroadcast(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.seedTrip("42", trip.StatusPending)

	sub, _, err := f.svc.Subscribe(ctx, "42", registry.SubgroupStatus, "conn-1")
	require.NoError(t, err)

	err = f.svc.RequestTransition(ctx, "42", trip.StatusCompleted, "")
	assert.ErrorIs(t, err, trip.ErrInvalidTransition)
	assertNoFrame(t, sub)

	stored, _ := f.store.GetTrip(ctx, "42")
	assert.Equal(t, trip.StatusPending, stored.Status)
}

func TestTransitionUnknownTrip(t *testing.T) {
	f := newFixture()
	err := f.svc.RequestTransition(context.Background(), "ghost", trip.StatusCancelled, "")
	assert.ErrorIs(t, err, trip.ErrNotFound)
}

func TestCompletionSubmitsThreeTasks(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.seedTrip("42", trip.StatusArrived)

	// dispatcher is not running, so submissions stay queued for inspection
	require.NoError(t, f.svc.RequestTransition(ctx, "42", trip.StatusCompleted, ""))

	normal := f.dispatcher.Queued(dispatch.LaneNormal)
	low := f.dispatcher.Queued(dispatch.LaneLow)
	high := f.dispatcher.Queued(dispatch.LaneHigh)

	require.Len(t, normal, 2)
	assert.Equal(t, contracts.TaskGenerateInvoice, normal[0].Kind)
	assert.Equal(t, contracts.TaskResetAvailability, normal[1].Kind)
	require.Len(t, low, 1)
	assert.Equal(t, contracts.TaskSendNotification, low[0].Kind)
	assert.Empty(t, high)

	assert.Equal(t, "42", normal[0].Payload["trip_id"])
}

func TestNonCompletionTransitionSubmitsNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.seedTrip("42", trip.StatusPending)

	require.NoError(t, f.svc.RequestTransition(ctx, "42", trip.StatusAssigned, ""))

	assert.Empty(t, f.dispatcher.Queued(dispatch.LaneNormal))
	assert.Empty(t, f.dispatcher.Queued(dispatch.LaneLow))
}

func TestCancellationFromAnyActiveState(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	for _, status := range []trip.Status{trip.StatusPending, trip.StatusEnRoute, trip.StatusArrived} {
		id := "trip-" + string(status)
		f.seedTrip(id, status)
		require.NoError(t, f.svc.RequestTransition(ctx, id, trip.StatusCancelled, "dispatcher cancelled"))
		stored, _ := f.store.GetTrip(ctx, id)
		assert.Equal(t, trip.StatusCancelled, stored.Status)
	}
}
