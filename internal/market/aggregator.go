package market

import (
	"errors"
	"fmt"
	"time"
)

// ErrOutOfOrderTick is returned for a tick whose timestamp is not strictly
// after the last accepted tick for the symbol. The tick is dropped and no
// candle state changes.
var ErrOutOfOrderTick = errors.New("tick timestamp not after last tick")

// HigherTimeframes are derived from completed 1-minute candles, never from
// raw ticks, so they are reproducible from stored 1-minute history alone.
var HigherTimeframes = []Timeframe{Timeframe5m, Timeframe15m}

// Aggregator builds candles at all configured timeframes from one symbol's
// ordered tick stream. Only the 1-minute candle is updated tick by tick;
// 5-minute and 15-minute candles are rolled up from completed 1-minute
// candles by bucket alignment.
type Aggregator struct {
	symbol   string
	tickSize float64

	lastTick  time.Time
	current1m *Candle
	building  map[Timeframe]*Candle

	series map[Timeframe]*Series
}

// NewAggregator creates an aggregator for one symbol. capacity is the
// retention depth applied to every timeframe's series.
func NewAggregator(symbol string, tickSize float64, capacity int) *Aggregator {
	a := &Aggregator{
		symbol:   symbol,
		tickSize: tickSize,
		building: make(map[Timeframe]*Candle),
		series:   make(map[Timeframe]*Series),
	}
	for _, tf := range append([]Timeframe{Timeframe1m}, HigherTimeframes...) {
		a.series[tf] = NewSeries(symbol, tf, capacity)
	}
	return a
}

// Series returns the completed-candle series for a timeframe.
func (a *Aggregator) Series(tf Timeframe) *Series { return a.series[tf] }

// Current1m returns the in-progress 1-minute candle, if any.
func (a *Aggregator) Current1m() (Candle, bool) {
	if a.current1m == nil {
		return Candle{}, false
	}
	return *a.current1m, true
}

// Ingest consumes one tick and returns every candle it completed, in
// timeframe order (1m first). A tick inside the open bucket updates
// high/low/close; a tick in a new bucket closes the old candle first.
func (a *Aggregator) Ingest(price float64, ts time.Time) ([]Candle, error) {
	if !a.lastTick.IsZero() && !ts.After(a.lastTick) {
		return nil, fmt.Errorf("%w: %s at %s (last %s)", ErrOutOfOrderTick, a.symbol, ts, a.lastTick)
	}
	a.lastTick = ts

	price = RoundToTick(price, a.tickSize)
	bucket := BucketStart(ts, Timeframe1m)

	if a.current1m == nil {
		a.open1m(bucket, price)
		return nil, nil
	}

	if bucket.Equal(a.current1m.StartTime) {
		a.current1m.Close = price
		if price > a.current1m.High {
			a.current1m.High = price
		}
		if price < a.current1m.Low {
			a.current1m.Low = price
		}
		return nil, nil
	}

	completed, err := a.close1m()
	if err != nil {
		return nil, err
	}
	a.open1m(bucket, price)
	return completed, nil
}

// Bootstrap seeds the aggregator with historical completed 1-minute candles
// and returns every candle (all timeframes) completed along the way, in the
// order they completed. Ticks ingested afterwards must be strictly later
// than the last candle's bucket.
func (a *Aggregator) Bootstrap(candles []Candle) ([]Candle, error) {
	var out []Candle
	for _, c := range candles {
		c.Symbol = a.symbol
		c.Timeframe = Timeframe1m
		if err := a.series[Timeframe1m].Append(c); err != nil {
			return out, err
		}
		rolled, err := a.roll(c)
		if err != nil {
			return out, err
		}
		out = append(out, c)
		out = append(out, rolled...)
		a.lastTick = c.StartTime.Add(Timeframe1m.Duration() - time.Nanosecond)
	}
	return out, nil
}

func (a *Aggregator) open1m(bucket time.Time, price float64) {
	a.current1m = &Candle{
		Symbol:    a.symbol,
		Timeframe: Timeframe1m,
		StartTime: bucket,
		Open:      price,
		High:      price,
		Low:       price,
		Close:     price,
	}
}

// close1m finalizes the in-progress 1-minute candle and rolls it into the
// higher timeframes, returning every candle completed by doing so.
func (a *Aggregator) close1m() ([]Candle, error) {
	done := *a.current1m
	a.current1m = nil
	if err := a.series[Timeframe1m].Append(done); err != nil {
		return nil, err
	}
	completed := []Candle{done}
	rolled, err := a.roll(done)
	if err != nil {
		return completed, err
	}
	return append(completed, rolled...), nil
}

// roll merges a completed 1-minute candle into each higher timeframe's
// in-progress candle, completing buckets the 1-minute candle has moved past.
func (a *Aggregator) roll(c1 Candle) ([]Candle, error) {
	var completed []Candle
	for _, tf := range HigherTimeframes {
		bucket := BucketStart(c1.StartTime, tf)
		cur := a.building[tf]

		if cur != nil && !cur.StartTime.Equal(bucket) {
			done := *cur
			delete(a.building, tf)
			if err := a.series[tf].Append(done); err != nil {
				return completed, err
			}
			completed = append(completed, done)
			cur = nil
		}

		if cur == nil {
			a.building[tf] = &Candle{
				Symbol:    a.symbol,
				Timeframe: tf,
				StartTime: bucket,
				Open:      c1.Open,
				High:      c1.High,
				Low:       c1.Low,
				Close:     c1.Close,
			}
			continue
		}

		if c1.High > cur.High {
			cur.High = c1.High
		}
		if c1.Low < cur.Low {
			cur.Low = c1.Low
		}
		cur.Close = c1.Close
	}
	return completed, nil
}
