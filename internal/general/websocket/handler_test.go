package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"med-dispatch/internal/dispatch"
	"med-dispatch/internal/domain/trip"
	"med-dispatch/internal/general/logger"
	"med-dispatch/internal/general/memstore"
	"med-dispatch/internal/registry"
	"med-dispatch/internal/tracking"
)

func newServer(t *testing.T) (*httptest.Server, *memstore.Store, *tracking.Service) {
	t.Helper()
	store := memstore.New()
	reg := registry.New(logger.Nop(), 32)
	d := dispatch.New(logger.Nop(), dispatch.Config{Workers: 1, RetryMax: 1, RetryDelay: time.Millisecond})
	svc := tracking.NewService(logger.Nop(), store, reg, d)
	h := NewHandler(logger.Nop(), svc)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/trips/{trip_id}/location", h.ServeLocation)
	mux.HandleFunc("GET /ws/trips/{trip_id}/status", h.ServeStatus)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, store, svc
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(payload, &frame))
	return frame
}

func expectNoFrame(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err, "expected no frame within the window")
}

func TestLocationStream(t *testing.T) {
	srv, store, _ := newServer(t)
	store.Put(trip.Trip{ID: "trip-42", Status: trip.StatusInTransit})

	conn := dial(t, srv, "/ws/trips/trip-42/location")

	hello := readFrame(t, conn)
	assert.Equal(t, "connection_established", hello["type"])
	assert.Equal(t, "trip-42", hello["trip_id"])
	data, ok := hello["data"].(map[string]any)
	require.True(t, ok, "snapshot must be present for a known trip")
	assert.Equal(t, "in_transit", data["status"])

	t0 := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":      "gps_update",
		"latitude":  30.0,
		"longitude": 31.2,
		"timestamp": t0.Format(time.RFC3339),
	}))

	update := readFrame(t, conn)
	assert.Equal(t, "gps_update", update["type"])
	assert.Equal(t, "trip-42", update["trip_id"])
	assert.InDelta(t, 30.0, update["latitude"], 1e-9)
	assert.InDelta(t, 31.2, update["longitude"], 1e-9)

	// an older report is stale: no write, no second broadcast
	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":      "gps_update",
		"latitude":  30.1,
		"longitude": 31.3,
		"timestamp": t0.Add(-time.Second).Format(time.RFC3339),
	}))
	expectNoFrame(t, conn)

	got, err := store.GetTrip(context.Background(), "trip-42")
	require.NoError(t, err)
	require.NotNil(t, got.CurrentLatitude)
	assert.Equal(t, 30.0, *got.CurrentLatitude)
}

func TestMalformedFrameDoesNotCloseConnection(t *testing.T) {
	srv, store, _ := newServer(t)
	store.Put(trip.Trip{ID: "trip-1", Status: trip.StatusEnRoute})

	conn := dial(t, srv, "/ws/trips/trip-1/location")
	readFrame(t, conn) // connection_established

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	errFrame := readFrame(t, conn)
	assert.Equal(t, "error", errFrame["type"])
	assert.Equal(t, "bad json", errFrame["message"])

	// connection still works afterwards
	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":      "gps_update",
		"latitude":  10.0,
		"longitude": 20.0,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}))
	update := readFrame(t, conn)
	assert.Equal(t, "gps_update", update["type"])
}

func TestInvalidCoordinatesRejectedWithErrorFrame(t *testing.T) {
	srv, store, _ := newServer(t)
	store.Put(trip.Trip{ID: "trip-1", Status: trip.StatusEnRoute})

	conn := dial(t, srv, "/ws/trips/trip-1/location")
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":      "gps_update",
		"latitude":  999.0,
		"longitude": 20.0,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}))
	errFrame := readFrame(t, conn)
	assert.Equal(t, "error", errFrame["type"])

	got, err := store.GetTrip(context.Background(), "trip-1")
	require.NoError(t, err)
	assert.False(t, got.HasPosition(), "rejected report must not be persisted")
}

func TestStatusStreamReceivesTransitions(t *testing.T) {
	srv, store, svc := newServer(t)
	store.Put(trip.Trip{ID: "trip-1", Status: trip.StatusInTransit})

	conn := dial(t, srv, "/ws/trips/trip-1/status")
	hello := readFrame(t, conn)
	assert.Equal(t, "connection_established", hello["type"])

	// gps_update does not belong on the status stream
	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":      "gps_update",
		"latitude":  10.0,
		"longitude": 20.0,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}))
	errFrame := readFrame(t, conn)
	assert.Equal(t, "error", errFrame["type"])
	assert.Equal(t, "unknown message type", errFrame["message"])

	require.NoError(t, svc.RequestTransition(context.Background(), "trip-1", trip.StatusArrived, "arrived at facility"))

	update := readFrame(t, conn)
	assert.Equal(t, "status_update", update["type"])
	assert.Equal(t, "arrived", update["status"])
	assert.Equal(t, "arrived at facility", update["message"])
}

func TestUnknownTripSnapshotIsNull(t *testing.T) {
	srv, _, _ := newServer(t)

	conn := dial(t, srv, "/ws/trips/ghost/location")
	hello := readFrame(t, conn)
	assert.Equal(t, "connection_established", hello["type"])
	assert.Nil(t, hello["data"])
}

func TestLocationEventsDoNotReachStatusSubscribers(t *testing.T) {
	srv, store, _ := newServer(t)
	store.Put(trip.Trip{ID: "trip-1", Status: trip.StatusEnRoute})

	statusConn := dial(t, srv, "/ws/trips/trip-1/status")
	readFrame(t, statusConn)

	locConn := dial(t, srv, "/ws/trips/trip-1/location")
	readFrame(t, locConn)

	require.NoError(t, locConn.WriteJSON(map[string]any{
		"type":      "gps_update",
		"latitude":  10.0,
		"longitude": 20.0,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}))
	readFrame(t, locConn) // location subscriber sees the broadcast

	expectNoFrame(t, statusConn)
}

func TestClosedConnectionsReleaseGoroutines(t *testing.T) {
	srv, store, _ := newServer(t)
	store.Put(trip.Trip{ID: "trip-1", Status: trip.StatusEnRoute})

	baseline := runtime.NumGoroutine()

	for i := 0; i < 25; i++ {
		conn := dial(t, srv, "/ws/trips/trip-1/location")
		readFrame(t, conn) // connection_established
		require.NoError(t, conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second)))
		conn.Close()
	}

	// keepalive and writer pump goroutines must wind down with their connections
	deadline := time.Now().Add(3 * time.Second)
	for runtime.NumGoroutine() > baseline+3 {
		if time.Now().After(deadline) {
			t.Fatalf("goroutines did not settle after closing connections: baseline %d, now %d",
				baseline, runtime.NumGoroutine())
		}
		time.Sleep(50 * time.Millisecond)
	}
}
