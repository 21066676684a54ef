package domain

import (
	"encoding/json"
	"time"
)

// EventKind is the closed set of webhook event types the service understands.
// Anything else is KindUnknown and is stored with its raw tag.
type EventKind uint8

const (
	KindUnknown EventKind = iota
	KindTripData
	KindTripStart
	KindTripEnd
	KindTripMetrics
	KindDeviceConnect
	KindDeviceDisconnect
	KindBattery
	KindMil
	KindVinChange
	KindAppGeoZone
	KindUserGeoZone
)

// MaxEventTagLen matches vehicle_events.event_type.
const MaxEventTagLen = 30

var kindTags = [...]string{
	KindUnknown:          "unknown",
	KindTripData:         "tripData",
	KindTripStart:        "tripStart",
	KindTripEnd:          "tripEnd",
	KindTripMetrics:      "tripMetrics",
	KindDeviceConnect:    "deviceConnect",
	KindDeviceDisconnect: "deviceDisconnect",
	KindBattery:          "battery",
	KindMil:              "mil",
	KindVinChange:        "vinChange",
	KindAppGeoZone:       "applicationGeoZone",
	KindUserGeoZone:      "userGeoZone",
}

// String returns the provider's wire name for the kind.
func (k EventKind) String() string {
	if int(k) < len(kindTags) {
		return kindTags[k]
	}
	return kindTags[KindUnknown]
}

// ParseEventKind maps an exact eventType tag to its kind.
func ParseEventKind(tag string) EventKind {
	for k := KindTripData; int(k) < len(kindTags); k++ {
		if kindTags[k] == tag {
			return k
		}
	}
	return KindUnknown
}

// VehicleEvent is one row of the append-only event log. Lat, Lon, SpeedKph and
// Heading are only set for tripData samples.
type VehicleEvent struct {
	ID            int64
	IMEI          string
	Kind          EventKind
	Tag           string
	CorrelationID *string
	RawPayload    json.RawMessage

	Lat      *float64
	Lon      *float64
	SpeedKph *float64
	Heading  *float64

	ReceivedAt time.Time
}

// LocationSample is a single GPS point handed to the live-state pipeline.
type LocationSample struct {
	IMEI          string
	TransactionID string
	Lat           *float64
	Lon           *float64
	SpeedKph      *float64
	Heading       *float64
	Timestamp     any
	ReceivedAt    time.Time
}

type AlertType string

const (
	AlertSpeeding        AlertType = "SPEEDING"
	AlertCriticalBattery AlertType = "CRITICAL_BATTERY"
	AlertCheckEngine     AlertType = "CHECK_ENGINE"
)

type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "INFO"
	SeverityWarning  AlertSeverity = "WARNING"
	SeverityCritical AlertSeverity = "CRITICAL"
)

// AlertSignal carries the fleet-health fields alert rules look at.
type AlertSignal struct {
	IMEI         string
	Kind         EventKind
	SpeedKph     *float64
	Voltage      *float64
	BatteryAlert string
	MilOn        bool
	Codes        []string
	At           time.Time
}

type AlertRule struct {
	Type      AlertType
	Severity  AlertSeverity
	Evaluator func(sig *AlertSignal) bool
}

// CriticalVoltage is the battery level below which a battery event alerts
// even without a critical alertType.
const CriticalVoltage = 11.0

// AlertRules returns the default rule set with the given speed limit in km/h.
func AlertRules(speedLimitKph float64) []AlertRule {
	return []AlertRule{
		{
			Type:     AlertSpeeding,
			Severity: SeverityWarning,
			Evaluator: func(s *AlertSignal) bool {
				return s.Kind == KindTripData && s.SpeedKph != nil && *s.SpeedKph > speedLimitKph
			},
		},
		{
			Type:     AlertCriticalBattery,
			Severity: SeverityCritical,
			Evaluator: func(s *AlertSignal) bool {
				if s.Kind != KindBattery {
					return false
				}
				if s.BatteryAlert == "critical_low_battery" {
					return true
				}
				return s.Voltage != nil && *s.Voltage < CriticalVoltage
			},
		},
		{
			Type:     AlertCheckEngine,
			Severity: SeverityWarning,
			Evaluator: func(s *AlertSignal) bool {
				return s.Kind == KindMil && s.MilOn
			},
		},
	}
}
