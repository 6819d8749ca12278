// Package position owns the single live trade: sizing, bracket entry,
// target escalation, stop trailing, exits and brokerage reconciliation.
package position

import (
	"errors"
	"time"

	"dhan-trading-bot/internal/strategy"
)

// Sizing and lifecycle errors
var (
	// ErrZeroQuantity means the risk budget does not cover even one lot.
	// The trigger is discarded and the trade slot stays free.
	ErrZeroQuantity = errors.New("computed quantity is zero")
	// ErrStopTooWide means the stop distance exceeds the configured
	// fraction of the entry price.
	ErrStopTooWide = errors.New("stop distance exceeds price fraction cap")
	// ErrCooldown means the minimum interval since the previous entry has
	// not elapsed.
	ErrCooldown = errors.New("order cooldown active")
	// ErrTradeActive means a position already exists.
	ErrTradeActive = errors.New("a trade is already active")
	// ErrNoActiveTrade means there is nothing to exit or reconcile.
	ErrNoActiveTrade = errors.New("no active trade")
	// ErrStateMismatch means brokerage-reported state diverged from the
	// locally expected state.
	ErrStateMismatch = errors.New("brokerage state mismatch")
)

// Status is the lifecycle phase of the position.
type Status string

const (
	StatusPendingEntry Status = "PENDING_ENTRY"
	StatusOpen         Status = "OPEN"
	StatusClosed       Status = "CLOSED"
)

// ExitReason records what closed the trade.
type ExitReason string

const (
	ExitStopLoss      ExitReason = "STOP_LOSS"
	ExitTarget        ExitReason = "TARGET"
	ExitSessionClose  ExitReason = "SESSION_CLOSE"
	ExitAdmin         ExitReason = "ADMIN"
	ExitReconcileSafe ExitReason = "RECONCILE_FORCE_CLOSE"
)

// Milestone escalates the target once favorable movement covers MoveFrac of
// the initial risk distance; the new target sits RewardRisk times the risk
// above entry.
type Milestone struct {
	MoveFrac   float64 `json:"move_frac"`
	RewardRisk float64 `json:"reward_risk"`
}

// Position is the one live trade. Quantity is in units (lots times lot
// size). Stop and target only ever move toward profit.
type Position struct {
	Symbol       string            `json:"symbol"`
	Rule         strategy.RuleName `json:"rule"`
	GroupID      string            `json:"group_id"`
	EntryPrice   float64           `json:"entry_price"`
	Quantity     int               `json:"quantity"`
	Lots         int               `json:"lots"`
	StopLoss     float64           `json:"stop_loss"`
	Target       float64           `json:"target"`
	RiskPerUnit  float64           `json:"risk_per_unit"`
	Status       Status            `json:"status"`
	EnteredAt    time.Time         `json:"entered_at"`
	ExitedAt     time.Time         `json:"exited_at,omitempty"`
	ExitPrice    float64           `json:"exit_price,omitempty"`
	ExitReason   ExitReason        `json:"exit_reason,omitempty"`
	RealizedPnL  float64           `json:"realized_pnl"`
	MilestoneIdx int               `json:"milestone_idx"` // next milestone to evaluate
}

// UnrealizedR returns favorable movement as a multiple of the initial risk.
func (p *Position) UnrealizedR(price float64) float64 {
	if p.RiskPerUnit <= 0 {
		return 0
	}
	return (price - p.EntryPrice) / p.RiskPerUnit
}
