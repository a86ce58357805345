// Package forecast fetches price forecasts with per-point confidence from
// an external forecasting service.
package forecast

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Point is one forecast slot.
type Point struct {
	Timestamp  time.Time `json:"timestamp"`
	PLNPerKWh  float64   `json:"price_pln_per_kwh"`
	Confidence float64   `json:"confidence"` // [0,1]
}

// Client is a forecast service client. A nil client (no URL configured) is
// valid: the engines treat a missing forecast as confidence zero.
type Client struct {
	httpClient *http.Client
	url        string
}

// New creates a client for the given forecast endpoint. Returns nil when
// the URL is empty.
func New(url string) *Client {
	if url == "" {
		return nil
	}
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		url:        url,
	}
}

// FetchForecast returns the forecast points in timestamp order.
func (c *Client) FetchForecast(ctx context.Context) ([]Point, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch forecast: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var points []Point
	if err := json.NewDecoder(resp.Body).Decode(&points); err != nil {
		return nil, fmt.Errorf("decode forecast: %w", err)
	}
	for i := range points {
		if points[i].Confidence < 0 {
			points[i].Confidence = 0
		}
		if points[i].Confidence > 1 {
			points[i].Confidence = 1
		}
	}
	return points, nil
}
