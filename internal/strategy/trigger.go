// Package strategy implements the per-symbol sweep state machine and the
// entry rules that turn completed candles into trade triggers.
package strategy

import (
	"time"

	"dhan-trading-bot/internal/liquidity"
)

// RuleName identifies one of the entry rules.
type RuleName string

const (
	RuleGapEntry      RuleName = "GAP_ENTRY"
	RuleBreakoutEntry RuleName = "BREAKOUT_ENTRY"
	RuleRetestEntry   RuleName = "RETEST_ENTRY"
)

// Priority orders rules for cross-symbol arbitration. Lower is stronger.
func (r RuleName) Priority() int {
	switch r {
	case RuleGapEntry:
		return 0
	case RuleBreakoutEntry:
		return 1
	case RuleRetestEntry:
		return 2
	default:
		return 3
	}
}

// Trigger is a fully-priced entry signal. It is consumed exactly once by the
// position manager or dropped by the arbitrator.
type Trigger struct {
	Symbol    string              `json:"symbol"`
	Rule      RuleName            `json:"rule"`
	Direction liquidity.Direction `json:"direction"`
	Entry     float64             `json:"entry"`
	StopLoss  float64             `json:"stop_loss"`
	Target    float64             `json:"target"`
	FormedAt  time.Time           `json:"formed_at"`
}

// RiskPerUnit returns the entry-to-stop distance.
func (t Trigger) RiskPerUnit() float64 {
	if t.Entry > t.StopLoss {
		return t.Entry - t.StopLoss
	}
	return t.StopLoss - t.Entry
}
