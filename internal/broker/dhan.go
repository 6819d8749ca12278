package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Dhan is the live brokerage adapter. It places the bracket as a Dhan super
// order (entry with attached stop-loss and target legs) and maps leg states
// back onto the GroupState model. Every call goes through the retry policy.
type Dhan struct {
	accessToken string
	clientID    string
	baseURL     string
	httpClient  *http.Client
	retry       RetryPolicy
	logger      zerolog.Logger
}

// NewDhan creates the live adapter.
func NewDhan(accessToken, clientID, baseURL string, retry RetryPolicy, logger zerolog.Logger) *Dhan {
	return &Dhan{
		accessToken: accessToken,
		clientID:    clientID,
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		retry:       retry,
		logger:      logger.With().Str("component", "DhanBroker").Logger(),
	}
}

type dhanOrderRequest struct {
	DhanClientID    string  `json:"dhanClientId"`
	TransactionType string  `json:"transactionType"`
	ExchangeSegment string  `json:"exchangeSegment"`
	ProductType     string  `json:"productType"`
	OrderType       string  `json:"orderType"`
	SecurityID      string  `json:"securityId"`
	Quantity        int     `json:"quantity"`
	Price           float64 `json:"price,omitempty"`
	StopLossPrice   float64 `json:"stopLossPrice"`
	TargetPrice     float64 `json:"targetPrice"`
}

type dhanOrderResponse struct {
	OrderID     string `json:"orderId"`
	OrderStatus string `json:"orderStatus"`
}

type dhanLeg struct {
	LegName     string  `json:"legName"`
	OrderStatus string  `json:"orderStatus"`
	Price       float64 `json:"price"`
	TradedPrice float64 `json:"tradedPrice"`
	UpdateTime  string  `json:"updateTime"`
}

type dhanOrderDetail struct {
	OrderID    string    `json:"orderId"`
	SecurityID string    `json:"securityId"`
	LegDetails []dhanLeg `json:"legDetails"`
}

type dhanFundLimit struct {
	AvailableBalance float64 `json:"availabelBalance"` // sic, vendor field name
}

var legNames = map[Leg]string{
	LegEntry:    "ENTRY_LEG",
	LegStopLoss: "STOP_LOSS_LEG",
	LegTarget:   "TARGET_LEG",
}

var legByName = map[string]Leg{
	"ENTRY_LEG":     LegEntry,
	"STOP_LOSS_LEG": LegStopLoss,
	"TARGET_LEG":    LegTarget,
}

func mapLegStatus(s string) LegStatus {
	switch s {
	case "PENDING", "TRANSIT":
		return LegPending
	case "PART_TRADED", "CONFIRM", "OPEN":
		return LegOpen
	case "TRADED":
		return LegFilled
	case "CANCELLED":
		return LegCancelled
	case "REJECTED":
		return LegRejected
	default:
		return LegPending
	}
}

// PlaceOrderGroup submits a market super order with attached protective
// legs and returns the vendor order ID as the group ID.
func (d *Dhan) PlaceOrderGroup(ctx context.Context, req OrderRequest) (string, error) {
	body := dhanOrderRequest{
		DhanClientID:    d.clientID,
		TransactionType: string(req.Side),
		ExchangeSegment: "NSE_FNO",
		ProductType:     "INTRADAY",
		OrderType:       "MARKET",
		SecurityID:      req.Symbol,
		Quantity:        req.Quantity,
		StopLossPrice:   req.StopLoss,
		TargetPrice:     req.Target,
	}

	var resp dhanOrderResponse
	err := d.retry.Do(ctx, "place_order_group", func() error {
		return d.call(ctx, http.MethodPost, "/v2/super/orders", body, &resp)
	})
	if err != nil {
		return "", err
	}
	d.logger.Info().
		Str("order_id", resp.OrderID).
		Str("symbol", req.Symbol).
		Int("quantity", req.Quantity).
		Msg("super order placed")
	return resp.OrderID, nil
}

// ModifyLeg moves one leg's price on the resting super order.
func (d *Dhan) ModifyLeg(ctx context.Context, groupID string, leg Leg, newPrice float64) error {
	body := map[string]interface{}{
		"dhanClientId": d.clientID,
		"orderId":      groupID,
		"legName":      legNames[leg],
		"price":        newPrice,
	}
	return d.retry.Do(ctx, "modify_leg", func() error {
		return d.call(ctx, http.MethodPut, "/v2/super/orders/"+groupID, body, nil)
	})
}

// CancelLeg cancels one leg of the super order.
func (d *Dhan) CancelLeg(ctx context.Context, groupID string, leg Leg) error {
	path := fmt.Sprintf("/v2/super/orders/%s/%s", groupID, legNames[leg])
	return d.retry.Do(ctx, "cancel_leg", func() error {
		return d.call(ctx, http.MethodDelete, path, nil, nil)
	})
}

// GetOrderState fetches the super order and maps its legs.
func (d *Dhan) GetOrderState(ctx context.Context, groupID string) (GroupState, error) {
	var detail dhanOrderDetail
	err := d.retry.Do(ctx, "get_order_state", func() error {
		return d.call(ctx, http.MethodGet, "/v2/super/orders/"+groupID, nil, &detail)
	})
	if err != nil {
		return GroupState{}, err
	}

	out := GroupState{GroupID: groupID, Symbol: detail.SecurityID, Legs: make(map[Leg]LegState)}
	for _, l := range detail.LegDetails {
		leg, ok := legByName[l.LegName]
		if !ok {
			continue
		}
		state := LegState{Leg: leg, Status: mapLegStatus(l.OrderStatus), Price: l.Price}
		if state.Status == LegFilled {
			state.FilledPrice = l.TradedPrice
			if t, err := time.Parse("2006-01-02 15:04:05", l.UpdateTime); err == nil {
				state.FilledAt = t
			}
		}
		out.Legs[leg] = state
	}
	return out, nil
}

// GetAccountBalance fetches the available fund limit.
func (d *Dhan) GetAccountBalance(ctx context.Context) (float64, error) {
	var fl dhanFundLimit
	err := d.retry.Do(ctx, "get_account_balance", func() error {
		return d.call(ctx, http.MethodGet, "/v2/fundlimit", nil, &fl)
	})
	if err != nil {
		return 0, err
	}
	return fl.AvailableBalance, nil
}

func (d *Dhan) call(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, d.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("access-token", d.accessToken)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("API error %d: %s", resp.StatusCode, string(data))
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
