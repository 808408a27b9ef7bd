package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"med-dispatch/internal/dispatch"
	"med-dispatch/internal/domain/trip"
	"med-dispatch/internal/general/logger"
	"med-dispatch/internal/general/memstore"
	"med-dispatch/internal/registry"
	"med-dispatch/internal/tracking"
)

func newServer(t *testing.T) (*httptest.Server, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	reg := registry.New(logger.Nop(), 32)
	d := dispatch.New(logger.Nop(), dispatch.Config{Workers: 1, RetryMax: 1, RetryDelay: time.Millisecond})
	svc := tracking.NewService(logger.Nop(), store, reg, d)

	mux := http.NewServeMux()
	NewHandler(logger.Nop(), svc).RegisterRoutes(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, store
}

func postStatus(t *testing.T, srv *httptest.Server, tripID, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(srv.URL+"/trips/"+tripID+"/status", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestTransitionApplied(t *testing.T) {
	srv, store := newServer(t)
	store.Put(trip.Trip{ID: "trip-1", Status: trip.StatusInTransit})

	resp := postStatus(t, srv, "trip-1", `{"status":"arrived","message":"at facility"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "arrived", out["status"])

	got, err := store.GetTrip(t.Context(), "trip-1")
	require.NoError(t, err)
	assert.Equal(t, trip.StatusArrived, got.Status)
}

func TestTransitionStatusIsCaseInsensitive(t *testing.T) {
	srv, store := newServer(t)
	store.Put(trip.Trip{ID: "trip-1", Status: trip.StatusPending})

	resp := postStatus(t, srv, "trip-1", `{"status":" ASSIGNED "}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	got, err := store.GetTrip(t.Context(), "trip-1")
	require.NoError(t, err)
	assert.Equal(t, trip.StatusAssigned, got.Status)
}

func TestIllegalTransitionConflicts(t *testing.T) {
	srv, store := newServer(t)
	store.Put(trip.Trip{ID: "trip-1", Status: trip.StatusPending})

	resp := postStatus(t, srv, "trip-1", `{"status":"completed"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	got, err := store.GetTrip(t.Context(), "trip-1")
	require.NoError(t, err)
	assert.Equal(t, trip.StatusPending, got.Status)
}

func TestUnknownStatusRejected(t *testing.T) {
	srv, store := newServer(t)
	store.Put(trip.Trip{ID: "trip-1", Status: trip.StatusPending})

	resp := postStatus(t, srv, "trip-1", `{"status":"teleported"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUnknownTripIs404(t *testing.T) {
	srv, _ := newServer(t)

	resp := postStatus(t, srv, "ghost", `{"status":"assigned"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMalformedBodyRejected(t *testing.T) {
	srv, store := newServer(t)
	store.Put(trip.Trip{ID: "trip-1", Status: trip.StatusPending})

	resp := postStatus(t, srv, "trip-1", `{"status":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.NotEmpty(t, out["request_id"])
}

func TestSnapshotEndpoint(t *testing.T) {
	srv, store := newServer(t)
	lat, lon := 30.0, 31.0
	store.Put(trip.Trip{
		ID:               "trip-1",
		Status:           trip.StatusEnRoute,
		CurrentLatitude:  &lat,
		CurrentLongitude: &lon,
	})

	resp, err := http.Get(srv.URL + "/trips/trip-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "en_route", out["status"])
	assert.InDelta(t, 30.0, out["latitude"], 1e-9)

	resp, err = http.Get(srv.URL + "/trips/ghost")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _ := newServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
