// Package pipeline runs the background work that follows ingestion: live
// truck state, notification persistence and fleet alerts. Producers only
// ever enqueue without blocking.
package pipeline

import (
	"hash/fnv"

	"fleet-monitor/telemetry/internal/domain"
	"fleet-monitor/telemetry/internal/metrics"
)

type Dispatcher struct {
	// LocationChans is sharded by IMEI so one vehicle's samples stay in order.
	LocationChans []chan domain.LocationSample
	NotifyChan    chan domain.NotificationRequest
	AlertChan     chan domain.AlertSignal
}

func NewDispatcher(locationShards, locationSize, notifySize, alertSize int) *Dispatcher {
	if locationShards <= 0 {
		locationShards = 1
	}
	shards := make([]chan domain.LocationSample, locationShards)
	for i := range shards {
		shards[i] = make(chan domain.LocationSample, locationSize/locationShards+1)
	}
	return &Dispatcher{
		LocationChans: shards,
		NotifyChan:    make(chan domain.NotificationRequest, notifySize),
		AlertChan:     make(chan domain.AlertSignal, alertSize),
	}
}

func (d *Dispatcher) shard(imei string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(imei))
	return int(h.Sum32() % uint32(len(d.LocationChans)))
}

func (d *Dispatcher) EnqueueLocation(s domain.LocationSample) bool {
	select {
	case d.LocationChans[d.shard(s.IMEI)] <- s:
		return true
	default:
		metrics.ChannelDrops.WithLabelValues("location").Inc()
		return false
	}
}

func (d *Dispatcher) EnqueueNotification(req domain.NotificationRequest) bool {
	select {
	case d.NotifyChan <- req:
		return true
	default:
		metrics.ChannelDrops.WithLabelValues("notify").Inc()
		return false
	}
}

func (d *Dispatcher) EnqueueAlert(sig domain.AlertSignal) bool {
	select {
	case d.AlertChan <- sig:
		return true
	default:
		metrics.ChannelDrops.WithLabelValues("alert").Inc()
		return false
	}
}
