package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrNotObject = errors.New("payload is not a JSON object")

// Payload is a decoded webhook body. Raw is kept verbatim for storage.
// Numbers decode as float64.
type Payload struct {
	Raw    json.RawMessage
	Fields map[string]any
}

func DecodePayload(body []byte) (*Payload, error) {
	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("decode webhook body: %w", err)
	}
	if fields == nil {
		return nil, ErrNotObject
	}
	return &Payload{Raw: json.RawMessage(body), Fields: fields}, nil
}

// Value returns the field or nil when absent.
func (p *Payload) Value(key string) any {
	return p.Fields[key]
}

func (p *Payload) String(key string) string {
	return asString(p.Fields[key])
}

func (p *Payload) Float(key string) *float64 {
	return asFloat(p.Fields[key])
}

func (p *Payload) EventType() string {
	return p.String("eventType")
}

func (p *Payload) IMEI() string {
	return strings.TrimSpace(p.String("imei"))
}

// pick copies the named fields into dst, absent ones as nil.
func (p *Payload) pick(dst map[string]any, keys ...string) map[string]any {
	for _, k := range keys {
		dst[k] = p.Fields[k]
	}
	return dst
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	default:
		return ""
	}
}

func asFloat(v any) *float64 {
	switch t := v.(type) {
	case float64:
		return &t
	case int:
		f := float64(t)
		return &f
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return &f
		}
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return &f
		}
	}
	return nil
}

func asBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "on", "true", "1", "yes":
			return true
		}
	case float64:
		return t != 0
	}
	return false
}

// truncate cuts s to at most n characters.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// sample is one GPS point of a tripData batch.
type sample struct {
	raw       map[string]any
	lat       *float64
	lon       *float64
	speed     *float64
	heading   *float64
	timestamp any
}

// samples reads the batch from "data" (points with a nested "gps" object) or
// the older flat "tripData" list. Entries that are not objects are skipped.
func (p *Payload) samples() []sample {
	list, _ := p.Fields["data"].([]any)
	if list == nil {
		list, _ = p.Fields["tripData"].([]any)
	}

	out := make([]sample, 0, len(list))
	for _, entry := range list {
		point, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		loc := point
		if gps, ok := point["gps"].(map[string]any); ok {
			loc = gps
		}
		s := sample{
			raw:       point,
			lat:       asFloat(loc["lat"]),
			lon:       asFloat(loc["lon"]),
			heading:   asFloat(loc["heading"]),
			speed:     asFloat(point["speed"]),
			timestamp: point["timestamp"],
		}
		if s.speed == nil {
			s.speed = asFloat(loc["speed"])
		}
		if s.heading == nil {
			s.heading = asFloat(point["heading"])
		}
		out = append(out, s)
	}
	return out
}

func floatOrNil(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func stringList(v any) []string {
	list, _ := v.([]any)
	out := make([]string, 0, len(list))
	for _, item := range list {
		switch t := item.(type) {
		case string:
			out = append(out, t)
		case map[string]any:
			if code := asString(t["code"]); code != "" {
				out = append(out, code)
			}
		}
	}
	return out
}
