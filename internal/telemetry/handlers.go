package telemetry

import (
	"context"
	"encoding/json"

	"fleet-monitor/telemetry/internal/domain"
	"fleet-monitor/telemetry/internal/metrics"
)

func (d *Dispatcher) handleTripData(ctx context.Context, imei string, p *Payload) error {
	samples := p.samples()
	if len(samples) == 0 {
		d.log.Debug().Str("imei", imei).Msg("tripData contained no GPS points")
		return nil
	}

	base := d.newEvent(imei, domain.KindTripData, p)
	events := make([]domain.VehicleEvent, len(samples))
	for i, s := range samples {
		e := base
		if raw, err := json.Marshal(s.raw); err == nil {
			e.RawPayload = raw
		}
		e.Lat, e.Lon, e.SpeedKph, e.Heading = s.lat, s.lon, s.speed, s.heading
		events[i] = e
	}

	if err := d.sink.SaveEvents(ctx, events); err != nil {
		metrics.StorageFailures.Inc()
		return err
	}
	metrics.EventsStored.Add(float64(len(events)))

	txID := p.Value("transactionId")
	var fastest *float64
	for _, s := range samples {
		d.publish(ctx, imei, domain.FrameLocation, map[string]any{
			"event":         domain.KindTripData.String(),
			"imei":          imei,
			"transactionId": txID,
			"lat":           floatOrNil(s.lat),
			"lon":           floatOrNil(s.lon),
			"speed":         floatOrNil(s.speed),
			"heading":       floatOrNil(s.heading),
			"timestamp":     s.timestamp,
		})

		if d.pipeline != nil {
			d.pipeline.EnqueueLocation(domain.LocationSample{
				IMEI:          imei,
				TransactionID: p.String("transactionId"),
				Lat:           s.lat,
				Lon:           s.lon,
				SpeedKph:      s.speed,
				Heading:       s.heading,
				Timestamp:     s.timestamp,
				ReceivedAt:    base.ReceivedAt,
			})
		}
		if s.speed != nil && (fastest == nil || *s.speed > *fastest) {
			fastest = s.speed
		}
	}

	if fastest != nil {
		d.signal(domain.AlertSignal{IMEI: imei, Kind: domain.KindTripData, SpeedKph: fastest, At: base.ReceivedAt})
	}
	d.log.Debug().Str("imei", imei).Int("points", len(samples)).Msg("tripData saved and broadcast")
	return nil
}

func (d *Dispatcher) handleTripStart(ctx context.Context, imei string, p *Payload) error {
	if err := d.save(ctx, d.newEvent(imei, domain.KindTripStart, p)); err != nil {
		return err
	}
	d.publish(ctx, imei, domain.FrameEvent, p.pick(eventData(domain.KindTripStart, imei),
		"transactionId", "startTime", "startOdometer"))
	d.log.Info().Str("imei", imei).Str("transaction_id", p.String("transactionId")).Msg("trip started")
	return nil
}

func (d *Dispatcher) handleTripEnd(ctx context.Context, imei string, p *Payload) error {
	if err := d.save(ctx, d.newEvent(imei, domain.KindTripEnd, p)); err != nil {
		return err
	}
	d.publish(ctx, imei, domain.FrameEvent, p.pick(eventData(domain.KindTripEnd, imei),
		"transactionId", "startTime", "endTime", "distance", "fuelConsumed",
		"averageSpeed", "hardBrakeCount", "hardAccelCount"))
	d.log.Info().Str("imei", imei).Str("transaction_id", p.String("transactionId")).Msg("trip ended")
	return nil
}

func (d *Dispatcher) handleTripMetrics(ctx context.Context, imei string, p *Payload) error {
	if err := d.save(ctx, d.newEvent(imei, domain.KindTripMetrics, p)); err != nil {
		return err
	}
	data := p.pick(eventData(domain.KindTripMetrics, imei), "transactionId")
	data["payload"] = p.Fields
	d.publish(ctx, imei, domain.FrameEvent, data)
	return nil
}

func (d *Dispatcher) handleDeviceLink(ctx context.Context, imei string, kind domain.EventKind, p *Payload) error {
	if err := d.save(ctx, d.newEvent(imei, kind, p)); err != nil {
		return err
	}
	d.publish(ctx, imei, domain.FrameEvent, p.pick(eventData(kind, imei), "timestamp"))
	d.log.Info().Str("imei", imei).Str("event_type", kind.String()).Msg("device link changed")
	return nil
}

func (d *Dispatcher) handleBattery(ctx context.Context, imei string, p *Payload) error {
	e := d.newEvent(imei, domain.KindBattery, p)
	if err := d.save(ctx, e); err != nil {
		return err
	}
	d.publish(ctx, imei, domain.FrameEvent, p.pick(eventData(domain.KindBattery, imei),
		"voltage", "alertType", "timestamp"))
	d.log.Warn().
		Str("imei", imei).
		Interface("voltage", p.Value("voltage")).
		Str("alert_type", p.String("alertType")).
		Msg("battery alert")

	d.signal(domain.AlertSignal{
		IMEI:         imei,
		Kind:         domain.KindBattery,
		Voltage:      p.Float("voltage"),
		BatteryAlert: p.String("alertType"),
		At:           e.ReceivedAt,
	})
	return nil
}

func (d *Dispatcher) handleMil(ctx context.Context, imei string, p *Payload) error {
	e := d.newEvent(imei, domain.KindMil, p)
	if err := d.save(ctx, e); err != nil {
		return err
	}
	data := p.pick(eventData(domain.KindMil, imei), "milStatus", "dtcList", "timestamp")
	if data["dtcList"] == nil {
		data["dtcList"] = []any{}
	}
	d.publish(ctx, imei, domain.FrameEvent, data)
	d.log.Warn().
		Str("imei", imei).
		Interface("mil_status", p.Value("milStatus")).
		Interface("dtc_list", data["dtcList"]).
		Msg("check-engine lamp event")

	d.signal(domain.AlertSignal{
		IMEI:  imei,
		Kind:  domain.KindMil,
		MilOn: asBool(p.Value("milStatus")),
		Codes: stringList(p.Value("dtcList")),
		At:    e.ReceivedAt,
	})
	return nil
}

func (d *Dispatcher) handleVinChange(ctx context.Context, imei string, p *Payload) error {
	if err := d.save(ctx, d.newEvent(imei, domain.KindVinChange, p)); err != nil {
		return err
	}
	d.publish(ctx, imei, domain.FrameEvent, p.pick(eventData(domain.KindVinChange, imei), "oldVin", "newVin"))
	d.log.Info().Str("imei", imei).Str("old_vin", p.String("oldVin")).Str("new_vin", p.String("newVin")).Msg("VIN changed")
	return nil
}

func (d *Dispatcher) handleAppGeoZone(ctx context.Context, imei string, p *Payload) error {
	if err := d.save(ctx, d.newEvent(imei, domain.KindAppGeoZone, p)); err != nil {
		return err
	}
	d.publish(ctx, imei, domain.FrameEvent, p.pick(eventData(domain.KindAppGeoZone, imei),
		"geoZoneName", "geoZoneType", "crossingType", "lat", "lon", "timestamp"))
	d.log.Info().Str("imei", imei).Str("zone", p.String("geoZoneName")).Str("crossing", p.String("crossingType")).Msg("application geofence crossed")
	return nil
}

func (d *Dispatcher) handleUserGeoZone(ctx context.Context, imei string, p *Payload) error {
	if err := d.save(ctx, d.newEvent(imei, domain.KindUserGeoZone, p)); err != nil {
		return err
	}
	d.publish(ctx, imei, domain.FrameEvent, p.pick(eventData(domain.KindUserGeoZone, imei),
		"geoZoneName", "crossingType", "lat", "lon", "timestamp"))
	d.log.Info().Str("imei", imei).Str("zone", p.String("geoZoneName")).Str("crossing", p.String("crossingType")).Msg("user geofence crossed")
	return nil
}

func eventData(kind domain.EventKind, imei string) map[string]any {
	return map[string]any{
		"event": kind.String(),
		"imei":  imei,
	}
}

func (d *Dispatcher) signal(sig domain.AlertSignal) {
	if d.pipeline != nil {
		d.pipeline.EnqueueAlert(sig)
	}
}
