// Package bot wires the per-symbol pipelines together and arbitrates their
// triggers under the single-trade constraint.
package bot

import (
	"dhan-trading-bot/internal/liquidity"
	"dhan-trading-bot/internal/logging"
	"dhan-trading-bot/internal/market"
	"dhan-trading-bot/internal/strategy"
)

// SymbolContext owns everything one monitored symbol needs: the candle
// aggregator, the liquidity tracker and the trigger detector. It is mutated
// only by that symbol's ordered tick stream.
type SymbolContext struct {
	Symbol     string
	Aggregator *market.Aggregator
	Tracker    *liquidity.Tracker
	Detector   *strategy.Detector
}

// NewSymbolContext builds a cold pipeline for one symbol.
func NewSymbolContext(symbol string, tickSize float64, retention int, logger *logging.Logger) *SymbolContext {
	tracker := liquidity.NewTracker(symbol, logger)
	return &SymbolContext{
		Symbol:     symbol,
		Aggregator: market.NewAggregator(symbol, tickSize, retention),
		Tracker:    tracker,
		Detector:   strategy.NewDetector(symbol, tracker, logger),
	}
}

// Bootstrap seeds the pipeline from historical 1m candles: the aggregator
// rebuilds the higher timeframes, the tracker runs its two-pass zone scan,
// and the detector sees the historical 15m candles so a sweep reference can
// already be armed at go-live. Rules evaluate only on live 1m candles, so
// bootstrap can never emit a trigger.
func (sc *SymbolContext) Bootstrap(oneMinute []market.Candle) error {
	completed, err := sc.Aggregator.Bootstrap(oneMinute)
	if err != nil {
		return err
	}

	byTF := make(map[market.Timeframe][]market.Candle)
	for _, c := range completed {
		byTF[c.Timeframe] = append(byTF[c.Timeframe], c)
	}
	sc.Tracker.Bootstrap(byTF)

	for _, c := range byTF[market.Timeframe15m] {
		sc.Detector.OnCandle(c)
	}
	return nil
}

// HandleCompleted runs one completed candle through the tracker and the
// detector, returning the zones it created or mitigated and at most one
// trigger.
func (sc *SymbolContext) HandleCompleted(c market.Candle) (created, mitigated []*liquidity.Zone, trig *strategy.Trigger) {
	created, mitigated = sc.Tracker.Process(c)
	trig = sc.Detector.OnCandle(c)
	return created, mitigated, trig
}
