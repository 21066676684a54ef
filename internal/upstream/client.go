// Package upstream is a thin read-only client for the telemetry provider's
// REST API. Every call fetches a valid bearer token first; there are no
// retries.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"fleet-monitor/telemetry/internal/domain"
)

// ErrNotAuthorized means no token has ever been stored.
var ErrNotAuthorized = errors.New("upstream provider is not connected")

// APIError is a non-2xx answer from the provider, passed through to callers.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upstream API %d: %s", e.StatusCode, e.Body)
}

type TokenSource interface {
	GetValidToken(ctx context.Context) (*domain.BearerToken, error)
}

type Client struct {
	http    *http.Client
	baseURL string
	tokens  TokenSource
}

func NewClient(httpClient *http.Client, baseURL string, tokens TokenSource) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		http:    httpClient,
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
	}
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	tok, err := c.tokens.GetValidToken(ctx)
	if err != nil {
		return err
	}
	if tok == nil {
		return ErrNotAuthorized
	}

	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build upstream request: %w", err)
	}
	// The provider expects the raw token, without a scheme.
	req.Header.Set("Authorization", tok.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("upstream GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read upstream response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode upstream response: %w", err)
	}
	return nil
}

// Vehicle is one provider vehicle document, left opaque.
type Vehicle = map[string]any

type VehicleFilter struct {
	IMEI  string
	VIN   string
	Limit int
	Skip  int
}

func (f VehicleFilter) values() url.Values {
	v := url.Values{}
	if f.IMEI != "" {
		v.Set("imei", f.IMEI)
	}
	if f.VIN != "" {
		v.Set("vin", f.VIN)
	}
	if f.Limit > 0 {
		v.Set("limit", fmt.Sprint(f.Limit))
	}
	if f.Skip > 0 {
		v.Set("skip", fmt.Sprint(f.Skip))
	}
	return v
}

func (c *Client) Vehicles(ctx context.Context, f VehicleFilter) ([]Vehicle, error) {
	var out []Vehicle
	if err := c.get(ctx, "/vehicles", f.values(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Vehicle returns a 404 APIError when the provider knows no such IMEI.
func (c *Client) Vehicle(ctx context.Context, imei string) (Vehicle, error) {
	list, err := c.Vehicles(ctx, VehicleFilter{IMEI: imei})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, &APIError{StatusCode: http.StatusNotFound, Body: fmt.Sprintf("vehicle with IMEI %s not found", imei)}
	}
	return list[0], nil
}

// VehicleStats returns the vehicle's stats snapshot (location, speed,
// odometer, fuel level, mil, ...).
func (c *Client) VehicleStats(ctx context.Context, imei string) (map[string]any, error) {
	v, err := c.Vehicle(ctx, imei)
	if err != nil {
		return nil, err
	}
	stats, _ := v["stats"].(map[string]any)
	if stats == nil {
		stats = map[string]any{}
	}
	return stats, nil
}

type LiveLocation struct {
	IMEI        any `json:"imei"`
	NickName    any `json:"nickName"`
	VIN         any `json:"vin"`
	Location    any `json:"location"`
	Speed       any `json:"speed"`
	IsRunning   any `json:"isRunning"`
	Odometer    any `json:"odometer"`
	FuelLevel   any `json:"fuelLevel"`
	LastUpdated any `json:"lastUpdated"`
}

func liveLocation(v Vehicle) LiveLocation {
	stats, _ := v["stats"].(map[string]any)
	return LiveLocation{
		IMEI:        v["imei"],
		NickName:    v["nickName"],
		VIN:         v["vin"],
		Location:    stats["location"],
		Speed:       stats["speed"],
		IsRunning:   stats["isRunning"],
		Odometer:    stats["odometer"],
		FuelLevel:   stats["fuelLevel"],
		LastUpdated: stats["lastUpdated"],
	}
}

func (c *Client) LiveLocations(ctx context.Context) ([]LiveLocation, error) {
	vehicles, err := c.Vehicles(ctx, VehicleFilter{})
	if err != nil {
		return nil, err
	}
	out := make([]LiveLocation, 0, len(vehicles))
	for _, v := range vehicles {
		out = append(out, liveLocation(v))
	}
	return out, nil
}

func (c *Client) VehicleLocation(ctx context.Context, imei string) (LiveLocation, error) {
	v, err := c.Vehicle(ctx, imei)
	if err != nil {
		return LiveLocation{}, err
	}
	return liveLocation(v), nil
}

type TripQuery struct {
	IMEI          string
	StartsAfter   string
	EndsBefore    string
	GPSFormat     string
	TransactionID string
}

func (q TripQuery) values() url.Values {
	format := q.GPSFormat
	if format == "" {
		format = "polyline"
	}
	v := url.Values{"imei": {q.IMEI}, "gps-format": {format}}
	if q.StartsAfter != "" {
		v.Set("starts-after", q.StartsAfter)
	}
	if q.EndsBefore != "" {
		v.Set("ends-before", q.EndsBefore)
	}
	if q.TransactionID != "" {
		v.Set("transaction-id", q.TransactionID)
	}
	return v
}

func (c *Client) Trips(ctx context.Context, q TripQuery) ([]map[string]any, error) {
	var out []map[string]any
	if err := c.get(ctx, "/trips", q.values(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// TripPath is one trip's route as [lon, lat] pairs.
type TripPath struct {
	TransactionID any   `json:"transactionId"`
	StartTime     any   `json:"startTime"`
	EndTime       any   `json:"endTime"`
	Distance      any   `json:"distance"`
	Coordinates   []any `json:"coordinates"`
}

func (c *Client) LocationHistory(ctx context.Context, imei, startsAfter, endsBefore string) ([]TripPath, error) {
	trips, err := c.Trips(ctx, TripQuery{
		IMEI:        imei,
		StartsAfter: startsAfter,
		EndsBefore:  endsBefore,
		GPSFormat:   "geojson",
	})
	if err != nil {
		return nil, err
	}

	out := make([]TripPath, 0, len(trips))
	for _, trip := range trips {
		coords := []any{}
		if gps, ok := trip["gps"].(map[string]any); ok {
			if pts, ok := gps["coordinates"].([]any); ok {
				coords = pts
			}
		}
		out = append(out, TripPath{
			TransactionID: trip["transactionId"],
			StartTime:     trip["startTime"],
			EndTime:       trip["endTime"],
			Distance:      trip["distance"],
			Coordinates:   coords,
		})
	}
	return out, nil
}
