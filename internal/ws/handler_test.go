package ws

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-monitor/telemetry/internal/auth"
	"fleet-monitor/telemetry/internal/domain"
	"fleet-monitor/telemetry/internal/hub"
	"fleet-monitor/telemetry/internal/telemetry"
)

type fakeFleet struct {
	mu     sync.Mutex
	all    []domain.TruckSnapshot
	byUser map[int64][]domain.TruckSnapshot
}

func (f *fakeFleet) VisibleTrucks(_ context.Context, userID int64, staff bool) ([]domain.TruckSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if staff {
		return f.all, nil
	}
	return f.byUser[userID], nil
}

func (f *fakeFleet) setVisible(userID int64, trucks ...domain.TruckSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byUser[userID] = trucks
}

type discardSink struct{}

func (discardSink) SaveEvent(context.Context, domain.VehicleEvent) error { return nil }

func (discardSink) SaveEvents(context.Context, []domain.VehicleEvent) error { return nil }

type testEnv struct {
	hub     *hub.Hub
	handler *Handler
	auth    *auth.PrincipalAuthenticator
	srv     *httptest.Server
}

func newTestEnv(t *testing.T, fleet FleetSource, readPerSec int) *testEnv {
	t.Helper()
	h := hub.New(zerolog.Nop())
	principals := auth.NewPrincipalAuthenticator("test-secret", time.Minute)
	t.Cleanup(principals.Close)

	handler := NewHandler(h, principals, fleet, 16, readPerSec, zerolog.Nop())
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/notifications", handler.ServeNotifications)
	mux.HandleFunc("GET /ws/fleet", handler.ServeFleet)
	mux.HandleFunc("GET /ws/vehicles/{imei}", func(w http.ResponseWriter, r *http.Request) {
		handler.ServeVehicle(w, r, r.PathValue("imei"))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		handler.Close()
		srv.Close()
	})
	return &testEnv{hub: h, handler: handler, auth: principals, srv: srv}
}

func (e *testEnv) dial(t *testing.T, path string, p auth.Principal) *websocket.Conn {
	t.Helper()
	tok, err := e.auth.IssueToken(p, time.Hour)
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + path + "?token=" + tok
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (e *testEnv) waitSubscribers(t *testing.T, topic string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return e.hub.Subscribers(topic) == n }, 2*time.Second, 5*time.Millisecond)
}

type wireFrame struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

func readFrame(t *testing.T, conn *websocket.Conn) wireFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f wireFrame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestUnauthenticatedHandshakeRejected(t *testing.T) {
	env := newTestEnv(t, &fakeFleet{}, 10)

	for _, path := range []string{"/ws/notifications", "/ws/fleet", "/ws/vehicles/123"} {
		url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + path + "?token=garbage"
		conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
		require.Error(t, err, path)
		assert.Nil(t, conn)
		require.NotNil(t, resp, path)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
		_ = resp.Body.Close()
	}
}

func TestVehicleConnection_TopicIsolation(t *testing.T) {
	env := newTestEnv(t, &fakeFleet{}, 10)
	conn := env.dial(t, "/ws/vehicles/A", auth.Principal{UserID: 1})
	env.waitSubscribers(t, "vehicle_A", 1)

	ctx := context.Background()
	env.hub.Publish(ctx, "vehicle_B", domain.Frame{Type: domain.FrameLocation, Data: map[string]any{"imei": "B"}})
	env.hub.Publish(ctx, "vehicle_A", domain.Frame{Type: domain.FrameLocation, Data: map[string]any{"imei": "A", "lat": 1.5}})

	f := readFrame(t, conn)
	assert.Equal(t, "location", f.Type)
	assert.Equal(t, "A", f.Data["imei"])
	assert.Equal(t, 1.5, f.Data["lat"])
}

func TestVehicleConnection_OrderPreserved(t *testing.T) {
	env := newTestEnv(t, &fakeFleet{}, 10)
	conn := env.dial(t, "/ws/vehicles/A", auth.Principal{UserID: 1})
	env.waitSubscribers(t, "vehicle_A", 1)

	for i := 0; i < 5; i++ {
		env.hub.Publish(context.Background(), "vehicle_A", domain.Frame{Type: domain.FrameLocation, Data: map[string]any{"seq": float64(i)}})
	}
	for i := 0; i < 5; i++ {
		assert.Equal(t, float64(i), readFrame(t, conn).Data["seq"])
	}
}

func TestNotificationConnection_Topics(t *testing.T) {
	env := newTestEnv(t, &fakeFleet{}, 10)

	user := env.dial(t, "/ws/notifications", auth.Principal{UserID: 5, Role: "customer"})
	admin := env.dial(t, "/ws/notifications", auth.Principal{UserID: 1, Role: auth.RoleAdmin})
	env.waitSubscribers(t, "user_5", 1)
	env.waitSubscribers(t, "user_1", 1)
	env.waitSubscribers(t, domain.TopicAdminNotifications, 1)

	ctx := context.Background()
	env.hub.Publish(ctx, domain.TopicAdminNotifications, domain.Frame{Type: domain.FrameNotification, Data: map[string]any{"title": "admins"}})
	env.hub.Publish(ctx, "user_5", domain.Frame{Type: domain.FrameNotification, Data: map[string]any{"title": "mine"}})

	assert.Equal(t, "mine", readFrame(t, user).Data["title"])
	assert.Equal(t, "admins", readFrame(t, admin).Data["title"])
}

func TestFleetConnection_SnapshotAndFilter(t *testing.T) {
	t9 := domain.TruckSnapshot{ID: 9, IMEI: "I9", NumberPlate: "KA-09"}
	t1 := domain.TruckSnapshot{ID: 1, IMEI: "I1", NumberPlate: "KA-01"}
	fleet := &fakeFleet{
		all:    []domain.TruckSnapshot{t1, t9},
		byUser: map[int64][]domain.TruckSnapshot{5: {t9}},
	}
	env := newTestEnv(t, fleet, 10)

	conn := env.dial(t, "/ws/fleet", auth.Principal{UserID: 5, Role: "customer"})

	snap := readFrame(t, conn)
	assert.Equal(t, "truck_update", snap.Type)
	assert.Equal(t, float64(9), snap.Data["truckId"])
	assert.Equal(t, "KA-09", snap.Data["truck_number_plate"])

	env.waitSubscribers(t, domain.TopicTruckUpdates, 1)
	ctx := context.Background()
	env.hub.Publish(ctx, domain.TopicTruckUpdates, t1.Frame())
	env.hub.Publish(ctx, domain.TopicTruckUpdates, t9.Frame())

	next := readFrame(t, conn)
	assert.Equal(t, float64(9), next.Data["truckId"])
	_, hasSubject := next.Data["subject"]
	assert.False(t, hasSubject)
}

func TestFleetConnection_VisibilityFollowsBookings(t *testing.T) {
	t9 := domain.TruckSnapshot{ID: 9, IMEI: "I9"}
	t1 := domain.TruckSnapshot{ID: 1, IMEI: "I1"}
	fleet := &fakeFleet{
		all:    []domain.TruckSnapshot{t1, t9},
		byUser: map[int64][]domain.TruckSnapshot{5: {t9}},
	}
	env := newTestEnv(t, fleet, 10)

	conn := env.dial(t, "/ws/fleet", auth.Principal{UserID: 5})
	assert.Equal(t, float64(9), readFrame(t, conn).Data["truckId"])
	env.waitSubscribers(t, domain.TopicTruckUpdates, 1)
	ctx := context.Background()

	// A booking for T1 starts while the connection is open.
	fleet.setVisible(5, t9, t1)
	env.hub.Publish(ctx, domain.TopicTruckUpdates, t1.Frame())
	assert.Equal(t, float64(1), readFrame(t, conn).Data["truckId"])

	// The T9 booking ends; its updates stop, T1's keep coming.
	fleet.setVisible(5, t1)
	env.hub.Publish(ctx, domain.TopicTruckUpdates, t9.Frame())
	env.hub.Publish(ctx, domain.TopicTruckUpdates, t1.Frame())
	assert.Equal(t, float64(1), readFrame(t, conn).Data["truckId"])
}

func TestVehicleConnection_TripDataBatchLargerThanBuffer(t *testing.T) {
	env := newTestEnv(t, &fakeFleet{}, 10)
	conn := env.dial(t, "/ws/vehicles/123", auth.Principal{UserID: 1})
	env.waitSubscribers(t, "vehicle_123", 1)

	const points = 200
	var data strings.Builder
	for i := 0; i < points; i++ {
		if i > 0 {
			data.WriteByte(',')
		}
		fmt.Fprintf(&data, `{"timestamp":"t%d","speed":%d,"gps":{"lat":12.9,"lon":77.5}}`, i, i)
	}
	payload, err := telemetry.DecodePayload([]byte(
		`{"eventType":"tripData","imei":"123","transactionId":"trip-1","data":[` + data.String() + `]}`))
	require.NoError(t, err)

	d := telemetry.NewDispatcher(discardSink{}, env.hub, nil, zerolog.Nop())
	_, err = d.Dispatch(context.Background(), payload)
	require.NoError(t, err)

	for i := 0; i < points; i++ {
		f := readFrame(t, conn)
		require.Equal(t, "location", f.Type)
		require.Equal(t, fmt.Sprintf("t%d", i), f.Data["timestamp"])
	}
}

func TestFleetConnection_StaffSeesEverything(t *testing.T) {
	t9 := domain.TruckSnapshot{ID: 9}
	t1 := domain.TruckSnapshot{ID: 1}
	env := newTestEnv(t, &fakeFleet{all: []domain.TruckSnapshot{t1, t9}}, 10)

	conn := env.dial(t, "/ws/fleet", auth.Principal{UserID: 2, IsStaff: true})
	assert.Equal(t, float64(1), readFrame(t, conn).Data["truckId"])
	assert.Equal(t, float64(9), readFrame(t, conn).Data["truckId"])

	env.waitSubscribers(t, domain.TopicTruckUpdates, 1)
	env.hub.Publish(context.Background(), domain.TopicTruckUpdates, t1.Frame())
	assert.Equal(t, float64(1), readFrame(t, conn).Data["truckId"])
}

func TestConnectionLeavesAllTopicsOnClose(t *testing.T) {
	env := newTestEnv(t, &fakeFleet{}, 10)
	conn := env.dial(t, "/ws/notifications", auth.Principal{UserID: 1, Role: auth.RoleAdmin})
	env.waitSubscribers(t, "user_1", 1)
	env.waitSubscribers(t, domain.TopicAdminNotifications, 1)

	require.NoError(t, conn.Close())

	env.waitSubscribers(t, "user_1", 0)
	env.waitSubscribers(t, domain.TopicAdminNotifications, 0)
	assert.NotPanics(t, func() {
		env.hub.Publish(context.Background(), "user_1", domain.Frame{Type: domain.FrameNotification})
	})
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		assert.True(t, websocket.IsCloseError(err, code), "got %v", err)
		return
	}
}

func TestRateLimitClosesOnlyOffender(t *testing.T) {
	env := newTestEnv(t, &fakeFleet{}, 1)
	noisy := env.dial(t, "/ws/vehicles/A", auth.Principal{UserID: 1})
	quiet := env.dial(t, "/ws/vehicles/A", auth.Principal{UserID: 2})
	env.waitSubscribers(t, "vehicle_A", 2)

	for i := 0; i < 5; i++ {
		if err := noisy.WriteMessage(websocket.TextMessage, []byte(`{}`)); err != nil {
			break
		}
	}
	expectClose(t, noisy, websocket.ClosePolicyViolation)

	env.waitSubscribers(t, "vehicle_A", 1)
	env.hub.Publish(context.Background(), "vehicle_A", domain.Frame{Type: domain.FrameLocation, Data: map[string]any{"ok": true}})
	assert.Equal(t, true, readFrame(t, quiet).Data["ok"])
}

func TestMalformedFrameCloses(t *testing.T) {
	env := newTestEnv(t, &fakeFleet{}, 10)
	conn := env.dial(t, "/ws/vehicles/A", auth.Principal{UserID: 1})
	env.waitSubscribers(t, "vehicle_A", 1)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{not json`)))
	expectClose(t, conn, websocket.CloseUnsupportedData)
	env.waitSubscribers(t, "vehicle_A", 0)
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws/fleet?token=abc", nil)
	assert.Equal(t, "abc", TokenFromRequest(r))

	r = httptest.NewRequest(http.MethodGet, "/ws/fleet", nil)
	r.Header.Set("Authorization", "Bearer xyz")
	assert.Equal(t, "xyz", TokenFromRequest(r))

	r = httptest.NewRequest(http.MethodGet, "/ws/fleet", nil)
	assert.Equal(t, "", TokenFromRequest(r))
}
