package liquidity

import (
	"math"
	"sort"
	"time"

	"dhan-trading-bot/internal/logging"
	"dhan-trading-bot/internal/market"
)

// swingLookback is the pivot half-window: a candle is a swing low when its
// low is strictly below the lows of this many candles on each side.
const swingLookback = 1

// zoneTimeframes are the timeframes whose completed candles create zones.
// 1-minute candles only contribute swing points and mitigation checks.
var zoneTimeframes = map[market.Timeframe]bool{
	market.Timeframe5m:  true,
	market.Timeframe15m: true,
}

// Tracker maintains all liquidity zones and swing points for one symbol.
// It is driven exclusively by that symbol's completed candles, so it needs
// no locking.
type Tracker struct {
	symbol string
	logger *logging.Logger

	zones  []*Zone
	swings []SwingPoint

	// recent completed candles per timeframe, newest last, bounded to the
	// pivot window plus the three-candle gap span.
	recent map[market.Timeframe][]market.Candle
}

// NewTracker creates a tracker for one symbol.
func NewTracker(symbol string, logger *logging.Logger) *Tracker {
	return &Tracker{
		symbol: symbol,
		logger: logger.WithComponent("liquidity").WithField("symbol", symbol),
		recent: make(map[market.Timeframe][]market.Candle),
	}
}

// Process consumes one completed candle: it checks mitigation of existing
// zones, detects new zones (explicit and implied gaps) on zone timeframes,
// and confirms swing points. Returns the zones this candle created and the
// zones it mitigated.
func (t *Tracker) Process(c market.Candle) (created, mitigated []*Zone) {
	mitigated = t.MarkMitigations(c)
	t.push(c)

	if zoneTimeframes[c.Timeframe] {
		created = t.detectZones(c.Timeframe)
	}
	t.confirmSwings(c.Timeframe)
	return created, mitigated
}

// Bootstrap seeds the tracker from historical candles using two passes:
// first every zone and swing is built from the full window, then mitigation
// is re-scanned using only candles strictly later than each zone's
// formation. A single streaming pass would let a candle that predates a
// zone mark it mitigated, which poisons every later retest signal.
func (t *Tracker) Bootstrap(byTimeframe map[market.Timeframe][]market.Candle) {
	// Pass 1: build.
	tfs := make([]market.Timeframe, 0, len(byTimeframe))
	for tf := range byTimeframe {
		tfs = append(tfs, tf)
	}
	sort.Slice(tfs, func(i, j int) bool { return tfs[i].Duration() < tfs[j].Duration() })

	for _, tf := range tfs {
		for _, c := range byTimeframe[tf] {
			t.push(c)
			if zoneTimeframes[tf] {
				t.detectZones(tf)
			}
			t.confirmSwings(tf)
		}
	}

	// Pass 2: mark mitigation from strictly-later candles only.
	for _, tf := range tfs {
		for _, c := range byTimeframe[tf] {
			t.MarkMitigations(c)
		}
	}

	t.logger.Info("liquidity tracker bootstrapped",
		"zones", len(t.zones),
		"unmitigated", len(t.Unmitigated()),
		"swings", len(t.swings))
}

// MarkMitigations marks every zone whose band the candle traded back into.
// Only candles that completed after the zone formed count; mitigation is
// permanent.
func (t *Tracker) MarkMitigations(c market.Candle) []*Zone {
	var mitigated []*Zone
	for _, z := range t.zones {
		if z.Mitigated || c.StartTime.Before(z.FormedAt) {
			continue
		}
		if c.Low <= z.Top && c.High >= z.Bottom {
			z.Mitigated = true
			z.MitigatedAt = c.StartTime
			mitigated = append(mitigated, z)
			t.logger.Debug("zone mitigated",
				"direction", string(z.Direction),
				"source", string(z.Source),
				"top", z.Top, "bottom", z.Bottom,
				"formed_at", z.FormedAt, "mitigated_at", z.MitigatedAt)
		}
	}
	return mitigated
}

// NearestUnmitigated returns the closest unmitigated zone of the given
// direction relative to the reference price: bullish zones below it,
// bearish zones above it. Distance is measured to the zone midpoint.
func (t *Tracker) NearestUnmitigated(dir Direction, refPrice float64) *Zone {
	var best *Zone
	bestDist := math.MaxFloat64
	for _, z := range t.zones {
		if z.Mitigated || z.Direction != dir {
			continue
		}
		mid := z.Midpoint()
		if dir == Bullish && mid >= refPrice {
			continue
		}
		if dir == Bearish && mid <= refPrice {
			continue
		}
		if d := math.Abs(mid - refPrice); d < bestDist {
			best, bestDist = z, d
		}
	}
	return best
}

// UnmitigatedBullish returns every live bullish zone, used by the retest
// rule to test wick entries.
func (t *Tracker) UnmitigatedBullish() []*Zone {
	var out []*Zone
	for _, z := range t.zones {
		if !z.Mitigated && z.Direction == Bullish {
			out = append(out, z)
		}
	}
	return out
}

// Unmitigated returns every live zone.
func (t *Tracker) Unmitigated() []*Zone {
	var out []*Zone
	for _, z := range t.zones {
		if !z.Mitigated {
			out = append(out, z)
		}
	}
	return out
}

// SwingLowsSince returns confirmed swing lows on the given timeframe that
// formed after the cutoff, newest last.
func (t *Tracker) SwingLowsSince(tf market.Timeframe, cutoff time.Time) []SwingPoint {
	var out []SwingPoint
	for _, s := range t.swings {
		if s.Kind == SwingLow && s.Timeframe == tf && s.Time.After(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// Summary reports zone counts for status endpoints and logging.
func (t *Tracker) Summary() map[string]int {
	counts := map[string]int{}
	for _, z := range t.zones {
		if z.Mitigated {
			counts["mitigated"]++
			continue
		}
		switch {
		case z.Direction == Bullish && z.Source == SourceFVG:
			counts["bullish_fvg"]++
		case z.Direction == Bearish && z.Source == SourceFVG:
			counts["bearish_fvg"]++
		case z.Direction == Bullish && z.Source == SourceImpliedFVG:
			counts["bullish_ifvg"]++
		default:
			counts["bearish_ifvg"]++
		}
	}
	counts["swings"] = len(t.swings)
	return counts
}

const recentWindow = 2*swingLookback + 1

func (t *Tracker) push(c market.Candle) {
	w := append(t.recent[c.Timeframe], c)
	if len(w) > recentWindow {
		w = w[len(w)-recentWindow:]
	}
	t.recent[c.Timeframe] = w
}

// detectZones inspects the latest three candles on tf for explicit and
// implied gaps. Called once per completed candle, so each triple is
// examined exactly once.
func (t *Tracker) detectZones(tf market.Timeframe) []*Zone {
	w := t.recent[tf]
	if len(w) < 3 {
		return nil
	}
	c1, c2, c3 := w[len(w)-3], w[len(w)-2], w[len(w)-1]

	// A zone exists only once the third candle of its pattern completes,
	// so it is stamped with that candle's end time. Candles inside the
	// pattern span can then never count as mitigation, live or on
	// bootstrap.
	formedAt := c3.StartTime.Add(tf.Duration())

	var created []*Zone
	switch {
	case c3.Low > c1.High:
		created = append(created, t.addZone(Bullish, SourceFVG, tf, c3.Low, c1.High, formedAt))
	case c3.High < c1.Low:
		created = append(created, t.addZone(Bearish, SourceFVG, tf, c1.Low, c3.High, formedAt))
	}

	if top, bottom, ok := impliedBullish(c1, c2, c3); ok {
		created = append(created, t.addZone(Bullish, SourceImpliedFVG, tf, top, bottom, formedAt))
	} else if top, bottom, ok := impliedBearish(c1, c2, c3); ok {
		created = append(created, t.addZone(Bearish, SourceImpliedFVG, tf, top, bottom, formedAt))
	}
	return created
}

func (t *Tracker) addZone(dir Direction, src ZoneSource, tf market.Timeframe, top, bottom float64, formedAt time.Time) *Zone {
	z := &Zone{
		Symbol:    t.symbol,
		Direction: dir,
		Source:    src,
		Timeframe: tf,
		Top:       top,
		Bottom:    bottom,
		FormedAt:  formedAt,
	}
	t.zones = append(t.zones, z)
	t.logger.Debug("zone created",
		"direction", string(dir), "source", string(src), "timeframe", string(tf),
		"top", top, "bottom", bottom, "formed_at", formedAt)
	return z
}

// confirmSwings checks whether the candle one position back from the newest
// is a pivot. A swing is only confirmed once its forward neighbors exist,
// which keeps the detection lookahead-safe.
func (t *Tracker) confirmSwings(tf market.Timeframe) {
	w := t.recent[tf]
	if len(w) < recentWindow {
		return
	}
	mid := w[len(w)-1-swingLookback]

	isLow, isHigh := true, true
	for i := 1; i <= swingLookback; i++ {
		before := w[len(w)-1-swingLookback-i]
		after := w[len(w)-1-swingLookback+i]
		if mid.Low >= before.Low || mid.Low >= after.Low {
			isLow = false
		}
		if mid.High <= before.High || mid.High <= after.High {
			isHigh = false
		}
	}

	if isLow {
		t.swings = append(t.swings, SwingPoint{
			Symbol: t.symbol, Timeframe: tf, Kind: SwingLow, Price: mid.Low, Time: mid.StartTime,
		})
	}
	if isHigh {
		t.swings = append(t.swings, SwingPoint{
			Symbol: t.symbol, Timeframe: tf, Kind: SwingHigh, Price: mid.High, Time: mid.StartTime,
		})
	}
}
