package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"fleet-monitor/telemetry/internal/domain"
	"fleet-monitor/telemetry/internal/hub"
	"fleet-monitor/telemetry/internal/metrics"
)

const stateBatchSize = 100

// LiveStateRepo writes the live_* columns of the truck carrying a device.
type LiveStateRepo interface {
	UpdateLiveState(ctx context.Context, s domain.LocationSample) (*domain.TruckSnapshot, error)
}

// StateMirror keeps a fast copy of vehicle state outside Postgres.
type StateMirror interface {
	PipelineStateUpdate(ctx context.Context, s domain.LocationSample) error
}

// StateWriter applies location samples to live truck state. A flushed batch
// is coalesced to the latest sample per vehicle.
type StateWriter struct {
	ch     <-chan domain.LocationSample
	fleet  LiveStateRepo
	mirror StateMirror
	pub    hub.Publisher
	flush  time.Duration
	log    zerolog.Logger
}

// NewStateWriter builds a writer. mirror may be nil.
func NewStateWriter(
	ch <-chan domain.LocationSample,
	fleet LiveStateRepo,
	mirror StateMirror,
	pub hub.Publisher,
	flush time.Duration,
	log zerolog.Logger,
) *StateWriter {
	if flush <= 0 {
		flush = 50 * time.Millisecond
	}
	return &StateWriter{ch: ch, fleet: fleet, mirror: mirror, pub: pub, flush: flush, log: log}
}

func (w *StateWriter) Run(ctx context.Context) {
	batch := make([]domain.LocationSample, 0, stateBatchSize)
	ticker := time.NewTicker(w.flush)
	defer ticker.Stop()

	for {
		select {
		case s, ok := <-w.ch:
			if !ok {
				w.flushBatch(context.WithoutCancel(ctx), batch)
				return
			}
			batch = append(batch, s)
			if len(batch) >= stateBatchSize {
				w.flushBatch(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				w.flushBatch(ctx, batch)
				batch = batch[:0]
			}

		case <-ctx.Done():
			w.flushBatch(context.WithoutCancel(ctx), batch)
			return
		}
	}
}

// coalesce keeps the last sample per IMEI, in first-seen order.
func coalesce(batch []domain.LocationSample) []domain.LocationSample {
	index := make(map[string]int, len(batch))
	out := make([]domain.LocationSample, 0, len(batch))
	for _, s := range batch {
		if i, ok := index[s.IMEI]; ok {
			out[i] = s
			continue
		}
		index[s.IMEI] = len(out)
		out = append(out, s)
	}
	return out
}

func (w *StateWriter) flushBatch(ctx context.Context, batch []domain.LocationSample) {
	for _, s := range coalesce(batch) {
		truck, err := w.fleet.UpdateLiveState(ctx, s)
		if err != nil {
			metrics.StateWrites.WithLabelValues("error").Inc()
			w.log.Error().Err(err).Str("imei", s.IMEI).Msg("live state update failed")
			continue
		}

		if w.mirror != nil {
			if err := w.mirror.PipelineStateUpdate(ctx, s); err != nil {
				w.log.Warn().Err(err).Str("imei", s.IMEI).Msg("redis state update failed")
			}
		}

		if truck == nil {
			metrics.StateWrites.WithLabelValues("unlinked").Inc()
			continue
		}
		metrics.StateWrites.WithLabelValues("ok").Inc()
		w.pub.Publish(ctx, domain.TopicTruckUpdates, truck.Frame())
	}
}
