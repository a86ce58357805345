package rdn

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestFetchPrices_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Query().Get("$filter"), "business_date eq '2026-01-15'") {
			t.Errorf("unexpected filter: %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"value":[
			{"udtczas":"2026-01-15 00:00","rce_pln":350.5,"business_date":"2026-01-15"},
			{"udtczas":"2026-01-15 00:15","rce_pln":342.0,"business_date":"2026-01-15"}
		]}`))
	}))
	defer server.Close()

	loc, _ := time.LoadLocation("Europe/Warsaw")
	client := New(server.URL, loc)
	prices, err := client.FetchPrices(context.Background(), time.Date(2026, 1, 15, 10, 0, 0, 0, loc))
	if err != nil {
		t.Fatalf("FetchPrices() error = %v", err)
	}
	if len(prices) != 2 {
		t.Fatalf("got %d prices, want 2", len(prices))
	}
	if prices[0].PLNPerMWh != 350.5 {
		t.Errorf("price = %v, want 350.5", prices[0].PLNPerMWh)
	}
	want := time.Date(2026, 1, 15, 0, 15, 0, 0, loc)
	if !prices[1].Timestamp.Equal(want) {
		t.Errorf("timestamp = %v, want %v", prices[1].Timestamp, want)
	}
}

func TestFetchPrices_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := New(server.URL, time.UTC)
	if _, err := client.FetchPrices(context.Background(), time.Now()); err == nil {
		t.Error("FetchPrices() error = nil, want error for 500 response")
	}
}

func TestFetchPrices_BadPeriodFormat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"value":[{"udtczas":"15/01/2026","rce_pln":300,"business_date":"2026-01-15"}]}`))
	}))
	defer server.Close()

	client := New(server.URL, time.UTC)
	if _, err := client.FetchPrices(context.Background(), time.Now()); err == nil {
		t.Error("FetchPrices() error = nil, want parse error")
	}
}

func TestFetchDayAndNext_TomorrowMissing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Query().Get("$filter"), "2026-01-16") {
			// Tomorrow's prices are not published yet.
			http.Error(w, "no data", http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"value":[{"udtczas":"2026-01-15 00:00","rce_pln":400,"business_date":"2026-01-15"}]}`))
	}))
	defer server.Close()

	client := New(server.URL, time.UTC)
	prices, err := client.FetchDayAndNext(context.Background(), time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("FetchDayAndNext() error = %v", err)
	}
	if len(prices) != 1 {
		t.Errorf("got %d prices, want today's only", len(prices))
	}
}

func TestFetchDayAndNext_BothDays(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		day := "2026-01-15 00:00"
		if strings.Contains(r.URL.Query().Get("$filter"), "2026-01-16") {
			day = "2026-01-16 00:00"
		}
		fmt.Fprintf(w, `{"value":[{"udtczas":"%s","rce_pln":400,"business_date":""}]}`, day)
	}))
	defer server.Close()

	client := New(server.URL, time.UTC)
	prices, err := client.FetchDayAndNext(context.Background(), time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("FetchDayAndNext() error = %v", err)
	}
	if len(prices) != 2 {
		t.Fatalf("got %d prices, want 2", len(prices))
	}
	if prices[1].Timestamp.Day() != 16 {
		t.Errorf("second slot day = %d, want 16", prices[1].Timestamp.Day())
	}
}
