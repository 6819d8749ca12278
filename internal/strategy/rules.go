package strategy

import (
	"time"

	"dhan-trading-bot/internal/liquidity"
	"dhan-trading-bot/internal/market"
)

// initialRewardRisk is the reward:risk ratio every fresh trigger is priced
// at. Escalation past it is owned by the position manager.
const initialRewardRisk = 2.0

// ZoneQuerier is the slice of the liquidity tracker the rules need.
type ZoneQuerier interface {
	UnmitigatedBullish() []*liquidity.Zone
}

// RuleInput is the read-only view of detector state a rule evaluates
// against. Rules are pure functions of it and the completing candle.
type RuleInput struct {
	Symbol    string
	Last1m    []market.Candle // newest last, holds the trailing window
	SweepTime time.Time       // start of the 1m candle that swept
	BearTrack []market.Candle // the 15m run being traded against
	Zones     ZoneQuerier
}

type ruleFunc func(in RuleInput, c market.Candle) (Trigger, bool)

type rule struct {
	name RuleName
	eval ruleFunc
}

// entryRules is the fixed evaluation order. The first rule that fires wins;
// adding a rule means appending here.
var entryRules = []rule{
	{RuleGapEntry, evalGapEntry},
	{RuleBreakoutEntry, evalBreakoutEntry},
	{RuleRetestEntry, evalRetestEntry},
}

func priceTrigger(symbol string, name RuleName, entry, stop float64, at time.Time) Trigger {
	return Trigger{
		Symbol:    symbol,
		Rule:      name,
		Direction: liquidity.Bullish,
		Entry:     entry,
		StopLoss:  stop,
		Target:    entry + initialRewardRisk*(entry-stop),
		FormedAt:  at,
	}
}

// evalGapEntry fires when the last three 1m candles form a bullish gap after
// the sweep. Entry at the completing candle's close, stop under the first
// candle of the gap.
func evalGapEntry(in RuleInput, c market.Candle) (Trigger, bool) {
	n := len(in.Last1m)
	if n < 3 {
		return Trigger{}, false
	}
	c1, c3 := in.Last1m[n-3], in.Last1m[n-1]
	if c3.Low <= c1.High {
		return Trigger{}, false
	}
	// the gap must form on or after the sweep candle
	if c1.StartTime.Before(in.SweepTime) {
		return Trigger{}, false
	}
	if c3.Close <= c1.Low {
		return Trigger{}, false
	}
	return priceTrigger(in.Symbol, RuleGapEntry, c3.Close, c1.Low, c.StartTime), true
}

// evalBreakoutEntry fires when price closes above the highest open of the
// tracked bearish run. Stop under the run's lowest low.
func evalBreakoutEntry(in RuleInput, c market.Candle) (Trigger, bool) {
	if len(in.BearTrack) == 0 {
		return Trigger{}, false
	}
	highestOpen := in.BearTrack[0].Open
	lowestLow := in.BearTrack[0].Low
	for _, b := range in.BearTrack[1:] {
		if b.Open > highestOpen {
			highestOpen = b.Open
		}
		if b.Low < lowestLow {
			lowestLow = b.Low
		}
	}
	if c.Close <= highestOpen {
		return Trigger{}, false
	}
	return priceTrigger(in.Symbol, RuleBreakoutEntry, c.Close, lowestLow, c.StartTime), true
}

// evalRetestEntry fires when the candle wicks into an unmitigated bullish
// zone and closes back above its top. Stop under the zone.
func evalRetestEntry(in RuleInput, c market.Candle) (Trigger, bool) {
	if in.Zones == nil {
		return Trigger{}, false
	}
	var best *liquidity.Zone
	for _, z := range in.Zones.UnmitigatedBullish() {
		if c.Low > z.Top || c.Low < z.Bottom {
			continue // wick never entered the band, or punched through it
		}
		if c.Close <= z.Top {
			continue
		}
		if best == nil || z.Top > best.Top {
			best = z
		}
	}
	if best == nil {
		return Trigger{}, false
	}
	return priceTrigger(in.Symbol, RuleRetestEntry, c.Close, best.Bottom, c.StartTime), true
}
