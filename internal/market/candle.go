// Package market holds the candle model and the tick-to-candle aggregator
// shared by the liquidity tracker and the trigger detector.
package market

import (
	"math"
	"time"
)

// Timeframe identifies a candle aggregation interval.
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
)

// Duration returns the bucket width for the timeframe.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case Timeframe1m:
		return time.Minute
	case Timeframe5m:
		return 5 * time.Minute
	case Timeframe15m:
		return 15 * time.Minute
	default:
		return time.Minute
	}
}

// CandleType classifies a completed candle by body dominance.
type CandleType string

const (
	CandleBull    CandleType = "BULL"
	CandleBear    CandleType = "BEAR"
	CandleNeutral CandleType = "NEUTRAL"
)

// Candle is one OHLC bar. A candle is mutable only while its time bucket is
// still open; once the aggregator emits it, it must be treated as immutable.
type Candle struct {
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
	StartTime time.Time `json:"start_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
}

// Range returns high minus low.
func (c Candle) Range() float64 { return c.High - c.Low }

// Body returns the absolute open-to-close distance.
func (c Candle) Body() float64 { return math.Abs(c.Close - c.Open) }

// BodyPercent returns the body as a percentage of the full range, in
// [0, 100]. A zero-range candle reports 0 so classification never divides
// by zero.
func (c Candle) BodyPercent() float64 {
	r := c.Range()
	if r <= 0 {
		return 0
	}
	return c.Body() / r * 100
}

// minBodyPercent is the body dominance required before a candle counts as
// directional rather than neutral.
const minBodyPercent = 50.0

// Type classifies the candle. Bull and Bear require the body to cover at
// least half the range; everything else, including zero-range candles, is
// neutral.
func (c Candle) Type() CandleType {
	if c.BodyPercent() < minBodyPercent {
		return CandleNeutral
	}
	switch {
	case c.Close > c.Open:
		return CandleBull
	case c.Open > c.Close:
		return CandleBear
	default:
		return CandleNeutral
	}
}

// IsBearish reports whether the candle is Bear or Neutral, the set the
// breakout rule tracks between sweeps.
func (c Candle) IsBearish() bool {
	t := c.Type()
	return t == CandleBear || t == CandleNeutral
}

// BucketStart floors t to the start of the bucket containing it for the
// given timeframe.
func BucketStart(t time.Time, tf Timeframe) time.Time {
	return t.Truncate(tf.Duration())
}

// RoundToTick rounds a price to the nearest multiple of tickSize. A zero or
// negative tick size leaves the price unchanged.
func RoundToTick(price, tickSize float64) float64 {
	if tickSize <= 0 {
		return price
	}
	return math.Round(price/tickSize) * tickSize
}
