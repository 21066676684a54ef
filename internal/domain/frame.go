package domain

import (
	"fmt"
	"strconv"
)

// Frame types written to live connections.
const (
	FrameLocation     = "location"
	FrameEvent        = "event"
	FrameNotification = "notification"
	FrameTruckUpdate  = "truck_update"
)

// Well-known topics.
const (
	TopicTruckUpdates       = "truck_updates"
	TopicAdminNotifications = "admin_notifications"
)

// Frame is the unit of fan-out. It is written to clients as {type, data}.
// Subject identifies the entity a frame is about (a truck id for
// truck_update frames) and is never sent to clients.
type Frame struct {
	Type    string         `json:"type" cbor:"type"`
	Data    map[string]any `json:"data" cbor:"data"`
	Subject string         `json:"-" cbor:"subject,omitempty"`
}

func VehicleTopic(imei string) string {
	return "vehicle_" + imei
}

func UserTopic(userID int64) string {
	return fmt.Sprintf("user_%d", userID)
}

// TruckSnapshot is the live view of a marketplace truck.
type TruckSnapshot struct {
	ID                 int64
	IMEI               string
	NumberPlate        string
	DriverName         string
	LiveLat            *float64
	LiveLon            *float64
	LiveSpeed          *float64
	LiveHeading        *float64
	LastLocationUpdate *string
}

// Key is the identifier fleet connections filter on.
func (t TruckSnapshot) Key() string {
	return strconv.FormatInt(t.ID, 10)
}

func (t TruckSnapshot) Frame() Frame {
	return Frame{
		Type: FrameTruckUpdate,
		Data: map[string]any{
			"truckId":              t.ID,
			"imei":                 t.IMEI,
			"truck_number_plate":   t.NumberPlate,
			"driver_name":          t.DriverName,
			"live_lat":             t.LiveLat,
			"live_lon":             t.LiveLon,
			"live_speed":           t.LiveSpeed,
			"live_heading":         t.LiveHeading,
			"last_location_update": t.LastLocationUpdate,
		},
		Subject: t.Key(),
	}
}
