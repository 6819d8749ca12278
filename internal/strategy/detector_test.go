package strategy

import (
	"testing"
	"time"

	"dhan-trading-bot/internal/liquidity"
	"dhan-trading-bot/internal/logging"
	"dhan-trading-bot/internal/market"
)

var sessionOpen = time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)

func testLogger() *logging.Logger {
	return logging.New(&logging.Config{Level: "ERROR", Output: "stdout", JSONFormat: true})
}

func c15(start time.Time, o, h, l, c float64) market.Candle {
	return market.Candle{Symbol: "NIFTY", Timeframe: market.Timeframe15m, StartTime: start, Open: o, High: h, Low: l, Close: c}
}

func c1m(start time.Time, o, h, l, c float64) market.Candle {
	return market.Candle{Symbol: "NIFTY", Timeframe: market.Timeframe1m, StartTime: start, Open: o, High: h, Low: l, Close: c}
}

type stubZones struct{ zs []*liquidity.Zone }

func (s stubZones) UnmitigatedBullish() []*liquidity.Zone { return s.zs }

func TestIdleArmsOnBearishFifteenMinute(t *testing.T) {
	d := NewDetector("NIFTY", nil, testLogger())

	d.OnCandle(c15(sessionOpen, 100, 104, 99, 103)) // bull, ignored
	if d.State() != StateIdle {
		t.Fatalf("state = %s after bull candle, want IDLE", d.State())
	}

	d.OnCandle(c15(sessionOpen.Add(15*time.Minute), 104, 105, 100, 101)) // bear
	if d.State() != StateSweepPending {
		t.Fatalf("state = %s, want SWEEP_PENDING", d.State())
	}
	if ref, ok := d.SweepReference(); !ok || ref != 100 {
		t.Errorf("sweep reference = %v/%v, want 100/true", ref, ok)
	}
}

func TestSweepReferenceRefinesDownward(t *testing.T) {
	d := NewDetector("NIFTY", nil, testLogger())

	d.OnCandle(c15(sessionOpen, 104, 105, 100, 101))
	d.OnCandle(c15(sessionOpen.Add(15*time.Minute), 101, 102, 98, 99))

	if ref, _ := d.SweepReference(); ref != 98 {
		t.Errorf("refined reference = %v, want 98", ref)
	}
	d.OnCandle(c15(sessionOpen.Add(30*time.Minute), 99.5, 101, 99, 100)) // neutral, higher low, run continues
	if ref, _ := d.SweepReference(); ref != 98 {
		t.Errorf("reference moved up to %v, must only refine downward", ref)
	}
}

func TestBullCandleBreaksPendingRun(t *testing.T) {
	d := NewDetector("NIFTY", nil, testLogger())

	d.OnCandle(c15(sessionOpen, 104, 105, 100, 101))
	d.OnCandle(c15(sessionOpen.Add(15*time.Minute), 101, 106, 101, 105)) // strong bull

	if d.State() != StateIdle {
		t.Fatalf("state = %s after run broken, want IDLE", d.State())
	}
	if _, ok := d.SweepReference(); ok {
		t.Error("sweep reference survived a broken run")
	}
}

// Gap entry: a sweep below the 15-minute low followed by a bullish
// three-candle gap prices the trigger off the gap's first candle.
func TestGapEntryAfterSweep(t *testing.T) {
	d := NewDetector("NIFTY", nil, testLogger())

	d.OnCandle(c15(sessionOpen, 104, 105, 100, 101))

	m := sessionOpen.Add(15 * time.Minute)
	if trig := d.OnCandle(c1m(m, 100, 102, 99, 101)); trig != nil {
		t.Fatalf("trigger on the sweep candle itself: %+v", trig)
	}
	if d.State() != StateTriggerArmed {
		t.Fatalf("state = %s after sweep, want TRIGGER_ARMED", d.State())
	}

	d.OnCandle(c1m(m.Add(time.Minute), 101, 103, 100, 102))
	trig := d.OnCandle(c1m(m.Add(2*time.Minute), 105, 108, 105, 107))
	if trig == nil {
		t.Fatal("expected a gap entry trigger")
	}
	if trig.Rule != RuleGapEntry {
		t.Errorf("rule = %s, want GAP_ENTRY", trig.Rule)
	}
	if trig.StopLoss != 99 {
		t.Errorf("stop = %v, want first gap candle low 99", trig.StopLoss)
	}
	if want := trig.Entry + 2*(trig.Entry-99); trig.Target != want {
		t.Errorf("target = %v, want %v", trig.Target, want)
	}
	if d.State() != StateTradeActive {
		t.Errorf("state = %s after trigger, want TRADE_ACTIVE", d.State())
	}
}

// Breakout entry: a close above the highest open of the bearish run, stop
// under the run's lowest low.
func TestBreakoutEntryAgainstBearRun(t *testing.T) {
	d := NewDetector("NIFTY", nil, testLogger())

	d.OnCandle(c15(sessionOpen, 110, 110.5, 106, 107))
	d.OnCandle(c15(sessionOpen.Add(15*time.Minute), 108, 108, 104, 105))
	d.OnCandle(c15(sessionOpen.Add(30*time.Minute), 107, 107, 95, 96))

	if ref, _ := d.SweepReference(); ref != 95 {
		t.Fatalf("reference = %v, want 95", ref)
	}

	m := sessionOpen.Add(45 * time.Minute)
	d.OnCandle(c1m(m, 96, 96.5, 94.5, 95.5)) // sweeps
	trig := d.OnCandle(c1m(m.Add(time.Minute), 96, 112.5, 96, 112))
	if trig == nil {
		t.Fatal("expected a breakout trigger")
	}
	if trig.Rule != RuleBreakoutEntry {
		t.Errorf("rule = %s, want BREAKOUT_ENTRY", trig.Rule)
	}
	if trig.Entry != 112 || trig.StopLoss != 95 {
		t.Errorf("entry/stop = %v/%v, want 112/95", trig.Entry, trig.StopLoss)
	}
	if trig.Target != 146 {
		t.Errorf("target = %v, want 146", trig.Target)
	}
}

// Retest entry: a wick into an unmitigated bullish zone with a close back
// above its top.
func TestRetestEntryIntoZone(t *testing.T) {
	zones := stubZones{zs: []*liquidity.Zone{
		{Direction: liquidity.Bullish, Top: 102, Bottom: 100},
	}}
	d := NewDetector("NIFTY", zones, testLogger())

	d.OnCandle(c15(sessionOpen, 120, 121, 103, 104))

	m := sessionOpen.Add(15 * time.Minute)
	d.OnCandle(c1m(m, 103.5, 104, 102.5, 103)) // sweeps below 103
	trig := d.OnCandle(c1m(m.Add(time.Minute), 103, 103.5, 101, 103.2))
	if trig == nil {
		t.Fatal("expected a retest trigger")
	}
	if trig.Rule != RuleRetestEntry {
		t.Errorf("rule = %s, want RETEST_ENTRY", trig.Rule)
	}
	if trig.StopLoss != 100 {
		t.Errorf("stop = %v, want zone bottom 100", trig.StopLoss)
	}
}

func TestWickThroughZoneDoesNotRetest(t *testing.T) {
	zones := stubZones{zs: []*liquidity.Zone{
		{Direction: liquidity.Bullish, Top: 102, Bottom: 100},
	}}
	d := NewDetector("NIFTY", zones, testLogger())

	d.OnCandle(c15(sessionOpen, 120, 121, 103, 104))
	m := sessionOpen.Add(15 * time.Minute)
	d.OnCandle(c1m(m, 103.5, 104, 102.5, 103))

	// wick punches below the zone entirely
	if trig := d.OnCandle(c1m(m.Add(time.Minute), 103, 103.5, 99, 103.2)); trig != nil {
		t.Fatalf("trigger fired on a wick through the zone: %+v", trig)
	}
}

func TestInvalidationAfterTwoClosesBelow(t *testing.T) {
	d := NewDetector("NIFTY", nil, testLogger())

	d.OnCandle(c15(sessionOpen, 104, 105, 100, 101))
	m := sessionOpen.Add(15 * time.Minute)
	d.OnCandle(c1m(m, 100, 101, 99, 100.5)) // sweeps
	if d.State() != StateTriggerArmed {
		t.Fatalf("state = %s, want TRIGGER_ARMED", d.State())
	}

	d.OnCandle(c15(m, 100, 101, 97, 98))
	if d.State() != StateTriggerArmed {
		t.Fatalf("invalidated after a single close below, state = %s", d.State())
	}
	d.OnCandle(c15(m.Add(15*time.Minute), 98, 99, 96, 97))
	if d.State() != StateIdle {
		t.Fatalf("state = %s after two closes below reference, want IDLE", d.State())
	}
}

func TestCloseAboveReferenceResetsInvalidationCount(t *testing.T) {
	d := NewDetector("NIFTY", nil, testLogger())

	d.OnCandle(c15(sessionOpen, 104, 105, 100, 101))
	m := sessionOpen.Add(15 * time.Minute)
	d.OnCandle(c1m(m, 100, 101, 99, 100.5))

	d.OnCandle(c15(m, 100, 101, 97, 98))                     // one below
	d.OnCandle(c15(m.Add(15*time.Minute), 98, 103, 98, 102)) // back above, resets
	d.OnCandle(c15(m.Add(30*time.Minute), 102, 102, 97, 98)) // one below again

	if d.State() != StateTriggerArmed {
		t.Fatalf("state = %s, non-consecutive closes must not invalidate", d.State())
	}
}

func TestDetectorQuietWhileTradeActive(t *testing.T) {
	d := NewDetector("NIFTY", nil, testLogger())

	d.OnCandle(c15(sessionOpen, 110, 110.5, 106, 107))
	m := sessionOpen.Add(15 * time.Minute)
	d.OnCandle(c1m(m, 106, 106.5, 105, 106))
	if trig := d.OnCandle(c1m(m.Add(time.Minute), 106, 112, 106, 111)); trig == nil {
		t.Fatal("setup: expected a breakout trigger")
	}

	// another textbook breakout candle while the trade is live
	if trig := d.OnCandle(c1m(m.Add(2*time.Minute), 111, 115, 111, 114)); trig != nil {
		t.Fatalf("trigger emitted while trade active: %+v", trig)
	}

	d.NotifyTradeExit()
	if d.State() != StateIdle {
		t.Fatalf("state = %s after exit, want IDLE", d.State())
	}
	if len(d.bearTrack) != 0 {
		t.Error("bear track not cleared on exit")
	}
}
