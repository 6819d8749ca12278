// Package liquidity tracks fair value gaps, implied gaps and swing points
// derived from completed candles, and answers the nearest-zone queries the
// trigger rules and stop trailing depend on.
package liquidity

import (
	"time"

	"dhan-trading-bot/internal/market"
)

// Direction is the side of the market a zone supports.
type Direction string

const (
	Bullish Direction = "BULLISH"
	Bearish Direction = "BEARISH"
)

// ZoneSource distinguishes how a zone was detected.
type ZoneSource string

const (
	// SourceFVG is a three-candle gap: the third candle's extreme does not
	// overlap the first candle's opposite extreme.
	SourceFVG ZoneSource = "FVG"
	// SourceImpliedFVG is a gap inferred from wick geometry across three
	// candles rather than an outright price void.
	SourceImpliedFVG ZoneSource = "IFVG"
)

// Zone is one liquidity zone. Mitigation is monotonic: once set it never
// reverts, and MitigatedAt is never earlier than FormedAt.
type Zone struct {
	Symbol      string           `json:"symbol"`
	Direction   Direction        `json:"direction"`
	Source      ZoneSource       `json:"source"`
	Timeframe   market.Timeframe `json:"timeframe"`
	Top         float64          `json:"top"`
	Bottom      float64          `json:"bottom"`
	FormedAt    time.Time        `json:"formed_at"`
	Mitigated   bool             `json:"mitigated"`
	MitigatedAt time.Time        `json:"mitigated_at,omitempty"`
}

// Midpoint returns the center of the zone, the reference price used for
// nearest-zone distance.
func (z *Zone) Midpoint() float64 {
	return (z.Top + z.Bottom) / 2
}

// Contains reports whether price is inside [bottom, top].
func (z *Zone) Contains(price float64) bool {
	return price >= z.Bottom && price <= z.Top
}

// SwingKind marks a pivot as a local high or low.
type SwingKind string

const (
	SwingHigh SwingKind = "HIGH"
	SwingLow  SwingKind = "LOW"
)

// SwingPoint is a confirmed local extremum over the rolling pivot window.
// Swing lows drive stop trailing; highs are kept for symmetry and status
// reporting.
type SwingPoint struct {
	Symbol    string           `json:"symbol"`
	Timeframe market.Timeframe `json:"timeframe"`
	Kind      SwingKind        `json:"kind"`
	Price     float64          `json:"price"`
	Time      time.Time        `json:"time"`
}
