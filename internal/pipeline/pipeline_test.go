package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-monitor/telemetry/internal/domain"
)

type published struct {
	topic string
	frame domain.Frame
}

type recordingPublisher struct {
	mu   sync.Mutex
	sent []published
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, f domain.Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, published{topic: topic, frame: f})
}

func (p *recordingPublisher) snapshot() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.sent...)
}

func f64(v float64) *float64 { return &v }

func TestDispatcher_DropsWhenFull(t *testing.T) {
	d := NewDispatcher(1, 1, 1, 1)

	assert.True(t, d.EnqueueLocation(domain.LocationSample{IMEI: "a"}))
	assert.False(t, d.EnqueueLocation(domain.LocationSample{IMEI: "a"}))

	assert.True(t, d.EnqueueNotification(domain.NotificationRequest{Title: "x"}))
	assert.False(t, d.EnqueueNotification(domain.NotificationRequest{Title: "y"}))

	assert.True(t, d.EnqueueAlert(domain.AlertSignal{IMEI: "a"}))
	assert.False(t, d.EnqueueAlert(domain.AlertSignal{IMEI: "a"}))
}

func TestDispatcher_SameVehicleSameShard(t *testing.T) {
	d := NewDispatcher(8, 800, 1, 1)
	first := d.shard("862061048123456")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, d.shard("862061048123456"))
	}
}

type fakeFleet struct {
	mu      sync.Mutex
	updates []domain.LocationSample
	trucks  map[string]int64
	err     error
}

func (f *fakeFleet) UpdateLiveState(_ context.Context, s domain.LocationSample) (*domain.TruckSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.updates = append(f.updates, s)
	id, ok := f.trucks[s.IMEI]
	if !ok {
		return nil, nil
	}
	return &domain.TruckSnapshot{ID: id, IMEI: s.IMEI, LiveLat: s.Lat, LiveLon: s.Lon}, nil
}

type fakeMirror struct {
	mu    sync.Mutex
	calls int
}

func (m *fakeMirror) PipelineStateUpdate(context.Context, domain.LocationSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return errors.New("redis down")
}

func TestStateWriter_CoalescesToLatestPerVehicle(t *testing.T) {
	fleet := &fakeFleet{trucks: map[string]int64{"A": 7, "B": 9}}
	mirror := &fakeMirror{}
	pub := &recordingPublisher{}
	w := NewStateWriter(nil, fleet, mirror, pub, time.Second, zerolog.Nop())

	w.flushBatch(context.Background(), []domain.LocationSample{
		{IMEI: "A", Lat: f64(1), Lon: f64(1)},
		{IMEI: "B", Lat: f64(5), Lon: f64(5)},
		{IMEI: "A", Lat: f64(2), Lon: f64(2)},
		{IMEI: "A", Lat: f64(3), Lon: f64(3)},
		{IMEI: "C", Lat: f64(0), Lon: f64(0)},
	})

	require.Len(t, fleet.updates, 3)
	assert.Equal(t, "A", fleet.updates[0].IMEI)
	assert.Equal(t, 3.0, *fleet.updates[0].Lat)
	assert.Equal(t, "B", fleet.updates[1].IMEI)
	assert.Equal(t, 3, mirror.calls, "mirror failures do not stop the batch")

	sent := pub.snapshot()
	require.Len(t, sent, 2, "unlinked vehicle publishes nothing")
	for _, p := range sent {
		assert.Equal(t, domain.TopicTruckUpdates, p.topic)
		assert.Equal(t, domain.FrameTruckUpdate, p.frame.Type)
	}
	assert.Equal(t, "7", sent[0].frame.Subject)
	assert.Equal(t, f64(3), sent[0].frame.Data["live_lat"])
}

func TestStateWriter_RunFlushesOnTicker(t *testing.T) {
	ch := make(chan domain.LocationSample, 4)
	fleet := &fakeFleet{trucks: map[string]int64{"A": 1}}
	pub := &recordingPublisher{}
	w := NewStateWriter(ch, fleet, nil, pub, 5*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	ch <- domain.LocationSample{IMEI: "A", Lat: f64(1), Lon: f64(2)}
	require.Eventually(t, func() bool { return len(pub.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestStateWriter_RepoErrorSkipsPublish(t *testing.T) {
	pub := &recordingPublisher{}
	w := NewStateWriter(nil, &fakeFleet{err: errors.New("db down")}, nil, pub, time.Second, zerolog.Nop())

	w.flushBatch(context.Background(), []domain.LocationSample{{IMEI: "A"}})
	assert.Empty(t, pub.snapshot())
}

type fakeNotifications struct {
	mu       sync.Mutex
	failures int
	calls    int
	nextID   int64
}

func (f *fakeNotifications) Create(_ context.Context, req domain.NotificationRequest, now time.Time) (*domain.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("db down")
	}
	f.nextID++
	return &domain.Notification{
		ID:              f.nextID,
		RecipientUserID: req.RecipientUserID,
		Title:           req.Title,
		Body:            req.Body,
		Data:            req.Data,
		EventType:       req.EventType,
		ScopeAdmin:      req.BroadcastAdmin,
		ScopeUser:       req.RecipientUserID != nil,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

func newTestNotificationWriter(repo NotificationRepo, pub *recordingPublisher) *NotificationWriter {
	w := NewNotificationWriter(nil, repo, pub, zerolog.Nop())
	w.retryDelay = time.Millisecond
	return w
}

func TestNotificationWriter_UserAndAdmin(t *testing.T) {
	repo := &fakeNotifications{}
	pub := &recordingPublisher{}
	w := newTestNotificationWriter(repo, pub)
	uid := int64(5)

	n, err := w.Deliver(context.Background(), domain.NotificationRequest{
		RecipientUserID: &uid,
		Title:           "Booking confirmed",
		EventType:       "booking",
		BroadcastAdmin:  true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n.ID)
	assert.Equal(t, 1, repo.calls, "persisted once")

	sent := pub.snapshot()
	require.Len(t, sent, 2)
	assert.Equal(t, "user_5", sent[0].topic)
	assert.Equal(t, domain.TopicAdminNotifications, sent[1].topic)
	assert.Equal(t, domain.FrameNotification, sent[0].frame.Type)
	assert.Equal(t, "Booking confirmed", sent[0].frame.Data["title"])
	assert.Equal(t, "booking", sent[0].frame.Data["event_type"])
}

func TestNotificationWriter_RetriesOnce(t *testing.T) {
	repo := &fakeNotifications{failures: 1}
	pub := &recordingPublisher{}
	w := newTestNotificationWriter(repo, pub)
	uid := int64(2)

	_, err := w.Deliver(context.Background(), domain.NotificationRequest{RecipientUserID: &uid, Title: "x"})
	require.NoError(t, err)
	assert.Equal(t, 2, repo.calls)
	assert.Len(t, pub.snapshot(), 1)
}

func TestNotificationWriter_FailureDoesNotPublish(t *testing.T) {
	repo := &fakeNotifications{failures: 2}
	pub := &recordingPublisher{}
	w := newTestNotificationWriter(repo, pub)

	_, err := w.Deliver(context.Background(), domain.NotificationRequest{Title: "x", BroadcastAdmin: true})
	require.Error(t, err)
	assert.Equal(t, 2, repo.calls)
	assert.Empty(t, pub.snapshot())
}

type recordingNotifier struct {
	reqs []domain.NotificationRequest
}

func (r *recordingNotifier) EnqueueNotification(req domain.NotificationRequest) bool {
	r.reqs = append(r.reqs, req)
	return true
}

func TestAlertEvaluator_DedupWithinWindow(t *testing.T) {
	dedup := NewLocalDedup()
	t.Cleanup(dedup.Close)
	notifier := &recordingNotifier{}
	e := NewAlertEvaluator(nil, domain.AlertRules(120), dedup, notifier, zerolog.Nop())
	ctx := context.Background()

	fast := domain.AlertSignal{IMEI: "A", Kind: domain.KindTripData, SpeedKph: f64(140), At: time.Now()}
	e.evaluate(ctx, &fast)
	e.evaluate(ctx, &fast)

	require.Len(t, notifier.reqs, 1)
	req := notifier.reqs[0]
	assert.True(t, req.BroadcastAdmin)
	assert.Nil(t, req.RecipientUserID)
	assert.Equal(t, AlertEventType, req.EventType)
	assert.Equal(t, "SPEEDING", req.Data["alert_type"])
	assert.Equal(t, 140.0, req.Data["value"])

	other := domain.AlertSignal{IMEI: "B", Kind: domain.KindTripData, SpeedKph: f64(150), At: time.Now()}
	e.evaluate(ctx, &other)
	assert.Len(t, notifier.reqs, 2, "dedup is per vehicle")
}

func TestAlertEvaluator_Rules(t *testing.T) {
	dedup := NewLocalDedup()
	t.Cleanup(dedup.Close)
	notifier := &recordingNotifier{}
	e := NewAlertEvaluator(nil, domain.AlertRules(120), dedup, notifier, zerolog.Nop())
	ctx := context.Background()

	for _, sig := range []domain.AlertSignal{
		{IMEI: "A", Kind: domain.KindTripData, SpeedKph: f64(90)},
		{IMEI: "A", Kind: domain.KindBattery, Voltage: f64(12.4), BatteryAlert: "low_battery"},
		{IMEI: "A", Kind: domain.KindMil, MilOn: false},
	} {
		e.evaluate(ctx, &sig)
	}
	assert.Empty(t, notifier.reqs)

	for _, sig := range []domain.AlertSignal{
		{IMEI: "A", Kind: domain.KindBattery, Voltage: f64(10.9)},
		{IMEI: "A", Kind: domain.KindMil, MilOn: true, Codes: []string{"P0300"}},
	} {
		e.evaluate(ctx, &sig)
	}
	require.Len(t, notifier.reqs, 2)
	assert.Equal(t, "CRITICAL_BATTERY", notifier.reqs[0].Data["alert_type"])
	assert.Equal(t, []string{"P0300"}, notifier.reqs[1].Data["codes"])
}

type failingDedup struct{}

func (failingDedup) ClaimAlert(context.Context, string, domain.AlertType, time.Duration) (bool, error) {
	return false, errors.New("redis down")
}

func TestAlertEvaluator_DedupErrorSuppresses(t *testing.T) {
	notifier := &recordingNotifier{}
	e := NewAlertEvaluator(nil, domain.AlertRules(120), failingDedup{}, notifier, zerolog.Nop())

	sig := domain.AlertSignal{IMEI: "A", Kind: domain.KindMil, MilOn: true}
	e.evaluate(context.Background(), &sig)
	assert.Empty(t, notifier.reqs)
}
