// Package telemetry turns provider webhooks into stored vehicle events and
// live frames.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"fleet-monitor/telemetry/internal/domain"
	"fleet-monitor/telemetry/internal/hub"
	"fleet-monitor/telemetry/internal/metrics"
)

// MaxCorrelationIDLen matches vehicle_events.transaction_id.
const MaxCorrelationIDLen = 100

// EventSink is the append-only event store.
type EventSink interface {
	SaveEvent(ctx context.Context, e domain.VehicleEvent) error
	SaveEvents(ctx context.Context, events []domain.VehicleEvent) error
}

// Enqueuer hands work to the background pipeline without blocking.
type Enqueuer interface {
	EnqueueLocation(s domain.LocationSample) bool
	EnqueueAlert(sig domain.AlertSignal) bool
}

type Dispatcher struct {
	sink     EventSink
	pub      hub.Publisher
	pipeline Enqueuer
	now      func() time.Time
	log      zerolog.Logger
}

// NewDispatcher wires the handlers. pipeline may be nil.
func NewDispatcher(sink EventSink, pub hub.Publisher, pipeline Enqueuer, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		sink:     sink,
		pub:      pub,
		pipeline: pipeline,
		now:      time.Now,
		log:      log,
	}
}

// Dispatch routes p to its handler and returns the raw eventType tag. Unknown
// tags are stored raw, never rejected. Storage errors are returned; publish
// failures are not.
func (d *Dispatcher) Dispatch(ctx context.Context, p *Payload) (string, error) {
	tag := p.EventType()
	imei := p.IMEI()
	kind := domain.ParseEventKind(tag)
	metrics.WebhookEvents.WithLabelValues(kind.String()).Inc()

	var err error
	switch kind {
	case domain.KindTripData:
		err = d.handleTripData(ctx, imei, p)
	case domain.KindTripStart:
		err = d.handleTripStart(ctx, imei, p)
	case domain.KindTripEnd:
		err = d.handleTripEnd(ctx, imei, p)
	case domain.KindTripMetrics:
		err = d.handleTripMetrics(ctx, imei, p)
	case domain.KindDeviceConnect, domain.KindDeviceDisconnect:
		err = d.handleDeviceLink(ctx, imei, kind, p)
	case domain.KindBattery:
		err = d.handleBattery(ctx, imei, p)
	case domain.KindMil:
		err = d.handleMil(ctx, imei, p)
	case domain.KindVinChange:
		err = d.handleVinChange(ctx, imei, p)
	case domain.KindAppGeoZone:
		err = d.handleAppGeoZone(ctx, imei, p)
	case domain.KindUserGeoZone:
		err = d.handleUserGeoZone(ctx, imei, p)
	case domain.KindUnknown:
		err = d.storeUnknown(ctx, imei, tag, p)
	default:
		err = fmt.Errorf("no handler for event kind %d", kind)
	}
	return tag, err
}

func (d *Dispatcher) storeUnknown(ctx context.Context, imei, tag string, p *Payload) error {
	d.log.Warn().
		Str("imei", imei).
		Str("event_type", tag).
		Msg("unknown event type, storing raw")

	e := d.newEvent(imei, domain.KindUnknown, p)
	e.Tag = truncate(tag, domain.MaxEventTagLen)
	return d.save(ctx, e)
}

func (d *Dispatcher) newEvent(imei string, kind domain.EventKind, p *Payload) domain.VehicleEvent {
	return domain.VehicleEvent{
		IMEI:          imei,
		Kind:          kind,
		Tag:           kind.String(),
		CorrelationID: correlationID(p),
		RawPayload:    p.Raw,
		ReceivedAt:    d.now().UTC(),
	}
}

func (d *Dispatcher) save(ctx context.Context, e domain.VehicleEvent) error {
	if err := d.sink.SaveEvent(ctx, e); err != nil {
		metrics.StorageFailures.Inc()
		return err
	}
	metrics.EventsStored.Inc()
	return nil
}

func (d *Dispatcher) publish(ctx context.Context, imei, frameType string, data map[string]any) {
	d.pub.Publish(ctx, domain.VehicleTopic(imei), domain.Frame{Type: frameType, Data: data})
}

func correlationID(p *Payload) *string {
	id := p.String("transactionId")
	if id == "" {
		return nil
	}
	id = truncate(id, MaxCorrelationIDLen)
	return &id
}
