// Package rdn fetches Polish day-ahead market prices (RCE, PLN/MWh) from
// the PSE reports API.
package rdn

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

const defaultBaseURL = "https://api.raporty.pse.pl/api/rce-pln"

// MarketPrice is a single raw market price slot in PLN/MWh.
type MarketPrice struct {
	Timestamp time.Time
	PLNPerMWh float64
}

// Client is a PSE day-ahead price API client.
type Client struct {
	httpClient *http.Client
	baseURL    string
	loc        *time.Location
}

// New creates a client. An empty baseURL selects the public PSE endpoint.
func New(baseURL string, loc *time.Location) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
		loc:        loc,
	}
}

// apiResponse mirrors the PSE OData-style report payload.
type apiResponse struct {
	Value []apiEntry `json:"value"`
}

type apiEntry struct {
	// Period start, local time "2006-01-02 15:04".
	Period       string  `json:"udtczas"`
	PricePLNMWh  float64 `json:"rce_pln"`
	BusinessDate string  `json:"business_date"`
}

// FetchPrices fetches prices for the given business date. Slots are
// returned in ascending timestamp order at the API's native resolution
// (15 min or hourly).
func (c *Client) FetchPrices(ctx context.Context, businessDate time.Time) ([]MarketPrice, error) {
	dateStr := businessDate.In(c.loc).Format("2006-01-02")

	params := url.Values{}
	params.Set("$filter", fmt.Sprintf("business_date eq '%s'", dateStr))

	reqURL := fmt.Sprintf("%s?%s", c.baseURL, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch prices: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var apiResp apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	prices := make([]MarketPrice, 0, len(apiResp.Value))
	for _, entry := range apiResp.Value {
		t, err := time.ParseInLocation("2006-01-02 15:04", entry.Period, c.loc)
		if err != nil {
			return nil, fmt.Errorf("parse period %q: %w", entry.Period, err)
		}
		prices = append(prices, MarketPrice{
			Timestamp: t,
			PLNPerMWh: entry.PricePLNMWh,
		})
	}
	return prices, nil
}

// FetchDayAndNext fetches the business date and the following day, so the
// curve covers a rolling 24 h horizon after the afternoon publication.
func (c *Client) FetchDayAndNext(ctx context.Context, businessDate time.Time) ([]MarketPrice, error) {
	today, err := c.FetchPrices(ctx, businessDate)
	if err != nil {
		return nil, err
	}
	// Tomorrow's prices publish around 14:00; missing data is not an error.
	tomorrow, err := c.FetchPrices(ctx, businessDate.AddDate(0, 0, 1))
	if err != nil {
		return today, nil
	}
	return append(today, tomorrow...), nil
}
