package marketdata

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"dhan-trading-bot/internal/logging"
	"dhan-trading-bot/internal/market"
)

// HistoryClient fetches recent intraday 1-minute candles from the Dhan
// charts API, used to seed the pipelines before going live.
type HistoryClient struct {
	baseURL     string
	accessToken string
	clientID    string
	httpClient  *http.Client
	logger      *logging.Logger
}

// NewHistoryClient creates a charts API client.
func NewHistoryClient(baseURL, accessToken, clientID string, logger *logging.Logger) *HistoryClient {
	return &HistoryClient{
		baseURL:     baseURL,
		accessToken: accessToken,
		clientID:    clientID,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		logger:      logger.WithComponent("history"),
	}
}

type intradayRequest struct {
	SecurityID      string `json:"securityId"`
	ExchangeSegment string `json:"exchangeSegment"`
	Instrument      string `json:"instrument"`
	Interval        int    `json:"interval"`
	FromDate        string `json:"fromDate"`
	ToDate          string `json:"toDate"`
}

// intradayResponse carries parallel arrays, one element per candle.
type intradayResponse struct {
	Open      []float64 `json:"open"`
	High      []float64 `json:"high"`
	Low       []float64 `json:"low"`
	Close     []float64 `json:"close"`
	Timestamp []int64   `json:"timestamp"` // epoch seconds
}

// MinuteCandles fetches completed 1m candles for one symbol over [from, to].
func (h *HistoryClient) MinuteCandles(ctx context.Context, symbol string, from, to time.Time) ([]market.Candle, error) {
	body := intradayRequest{
		SecurityID:      symbol,
		ExchangeSegment: "NSE_FNO",
		Instrument:      "OPTIDX",
		Interval:        1,
		FromDate:        from.Format("2006-01-02 15:04:05"),
		ToDate:          to.Format("2006-01-02 15:04:05"),
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/v2/charts/intraday", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("access-token", h.accessToken)
	req.Header.Set("client-id", h.clientID)

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling charts API: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("charts API error %d: %s", resp.StatusCode, string(data))
	}

	var series intradayResponse
	if err := json.Unmarshal(data, &series); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return series.candles(symbol)
}

func (r intradayResponse) candles(symbol string) ([]market.Candle, error) {
	n := len(r.Timestamp)
	if len(r.Open) != n || len(r.High) != n || len(r.Low) != n || len(r.Close) != n {
		return nil, fmt.Errorf("charts API series lengths differ: ts=%d o=%d h=%d l=%d c=%d",
			n, len(r.Open), len(r.High), len(r.Low), len(r.Close))
	}
	candles := make([]market.Candle, 0, n)
	for i := 0; i < n; i++ {
		candles = append(candles, market.Candle{
			Symbol:    symbol,
			Timeframe: market.Timeframe1m,
			StartTime: time.Unix(r.Timestamp[i], 0).UTC(),
			Open:      r.Open[i],
			High:      r.High[i],
			Low:       r.Low[i],
			Close:     r.Close[i],
		})
	}
	return candles, nil
}
