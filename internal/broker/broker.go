// Package broker defines the brokerage surface the position manager drives:
// linked entry/stop/target order groups, leg modification, and account
// balance. Implementations: a paper broker for replay and dry-run, and the
// Dhan REST adapter for live trading.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Leg identifies one leg of a linked order group.
type Leg string

const (
	LegEntry    Leg = "ENTRY"
	LegStopLoss Leg = "STOP_LOSS"
	LegTarget   Leg = "TARGET"
)

// LegStatus is the broker-reported state of one leg.
type LegStatus string

const (
	LegPending   LegStatus = "PENDING"
	LegOpen      LegStatus = "OPEN"
	LegFilled    LegStatus = "FILLED"
	LegCancelled LegStatus = "CANCELLED"
	LegRejected  LegStatus = "REJECTED"
)

// OrderRequest describes a complete bracket: market entry plus protective
// stop and target legs, placed as one linked group.
type OrderRequest struct {
	Symbol   string  `json:"symbol"`
	Side     Side    `json:"side"`
	Quantity int     `json:"quantity"`
	StopLoss float64 `json:"stop_loss"`
	Target   float64 `json:"target"`
}

// LegState is the reported state of one leg.
type LegState struct {
	Leg         Leg       `json:"leg"`
	Status      LegStatus `json:"status"`
	Price       float64   `json:"price"`
	FilledPrice float64   `json:"filled_price,omitempty"`
	FilledAt    time.Time `json:"filled_at,omitempty"`
}

// GroupState is the reported state of a whole order group.
type GroupState struct {
	GroupID string           `json:"group_id"`
	Symbol  string           `json:"symbol"`
	Legs    map[Leg]LegState `json:"legs"`
}

// ErrGroupNotFound is returned for an unknown order-group ID.
var ErrGroupNotFound = errors.New("order group not found")

// Error wraps a brokerage failure that survived the retry policy. The
// position is left in its last confirmed-safe state when one surfaces.
type Error struct {
	Op       string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("broker %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Broker is the brokerage adapter surface. All calls are bounded by the
// context deadline; implementations never block indefinitely.
type Broker interface {
	PlaceOrderGroup(ctx context.Context, req OrderRequest) (string, error)
	ModifyLeg(ctx context.Context, groupID string, leg Leg, newPrice float64) error
	CancelLeg(ctx context.Context, groupID string, leg Leg) error
	GetOrderState(ctx context.Context, groupID string) (GroupState, error)
	GetAccountBalance(ctx context.Context) (float64, error)
}
