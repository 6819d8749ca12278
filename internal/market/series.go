package market

import (
	"errors"
	"fmt"
)

// ErrOutOfOrderCandle is returned when an append would break the strictly
// increasing start-time invariant of a series.
var ErrOutOfOrderCandle = errors.New("candle start time not after last candle")

// Series is a bounded, ordered sequence of completed candles for one
// (symbol, timeframe) pair. The oldest candle is evicted when capacity is
// reached. Start times are strictly increasing; duplicates are rejected.
type Series struct {
	Symbol    string
	Timeframe Timeframe

	candles  []Candle
	capacity int
}

// NewSeries creates a series with the given retention depth.
func NewSeries(symbol string, tf Timeframe, capacity int) *Series {
	if capacity <= 0 {
		capacity = 300
	}
	return &Series{
		Symbol:    symbol,
		Timeframe: tf,
		candles:   make([]Candle, 0, capacity),
		capacity:  capacity,
	}
}

// Append adds a completed candle, evicting the oldest if the series is full.
func (s *Series) Append(c Candle) error {
	if last, ok := s.Last(); ok && !c.StartTime.After(last.StartTime) {
		return fmt.Errorf("%w: %s %s at %s", ErrOutOfOrderCandle, s.Symbol, s.Timeframe, c.StartTime)
	}
	if len(s.candles) == s.capacity {
		copy(s.candles, s.candles[1:])
		s.candles = s.candles[:len(s.candles)-1]
	}
	s.candles = append(s.candles, c)
	return nil
}

// Len returns the number of stored candles.
func (s *Series) Len() int { return len(s.candles) }

// Last returns the most recent candle.
func (s *Series) Last() (Candle, bool) {
	if len(s.candles) == 0 {
		return Candle{}, false
	}
	return s.candles[len(s.candles)-1], true
}

// At returns the candle i positions back from the newest (0 = newest).
func (s *Series) At(i int) (Candle, bool) {
	if i < 0 || i >= len(s.candles) {
		return Candle{}, false
	}
	return s.candles[len(s.candles)-1-i], true
}

// LastN returns up to n most recent candles in chronological order. The
// returned slice is a copy.
func (s *Series) LastN(n int) []Candle {
	if n > len(s.candles) {
		n = len(s.candles)
	}
	out := make([]Candle, n)
	copy(out, s.candles[len(s.candles)-n:])
	return out
}

// All returns a copy of every stored candle in chronological order.
func (s *Series) All() []Candle {
	return s.LastN(len(s.candles))
}
