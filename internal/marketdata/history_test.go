package marketdata

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"dhan-trading-bot/internal/market"
)

func TestMinuteCandlesParsesSeries(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/charts/intraday" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req intradayRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.SecurityID != "NIFTY" || req.Interval != 1 {
			t.Errorf("request = %+v", req)
		}
		json.NewEncoder(w).Encode(intradayResponse{
			Open:      []float64{100, 101},
			High:      []float64{101.5, 102},
			Low:       []float64{99.5, 100.5},
			Close:     []float64{101, 101.5},
			Timestamp: []int64{base.Unix(), base.Add(time.Minute).Unix()},
		})
	}))
	defer srv.Close()

	h := NewHistoryClient(srv.URL, "token", "client", testLogger())
	candles, err := h.MinuteCandles(context.Background(), "NIFTY", base, base.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(candles) != 2 {
		t.Fatalf("got %d candles, want 2", len(candles))
	}
	first := candles[0]
	if first.Timeframe != market.Timeframe1m || !first.StartTime.Equal(base) {
		t.Errorf("first candle = %+v", first)
	}
	if first.Open != 100 || first.High != 101.5 || first.Low != 99.5 || first.Close != 101 {
		t.Errorf("first OHLC = %v/%v/%v/%v", first.Open, first.High, first.Low, first.Close)
	}
}

func TestMinuteCandlesRejectsRaggedSeries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(intradayResponse{
			Open:      []float64{100},
			High:      []float64{101, 102},
			Low:       []float64{99},
			Close:     []float64{100.5},
			Timestamp: []int64{1},
		})
	}))
	defer srv.Close()

	h := NewHistoryClient(srv.URL, "token", "client", testLogger())
	if _, err := h.MinuteCandles(context.Background(), "NIFTY", time.Now().Add(-time.Hour), time.Now()); err == nil {
		t.Fatal("mismatched series lengths accepted")
	}
}

func TestMinuteCandlesSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	h := NewHistoryClient(srv.URL, "token", "client", testLogger())
	if _, err := h.MinuteCandles(context.Background(), "NIFTY", time.Now().Add(-time.Hour), time.Now()); err == nil {
		t.Fatal("API error swallowed")
	}
}
