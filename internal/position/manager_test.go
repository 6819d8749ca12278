package position

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"dhan-trading-bot/internal/broker"
	"dhan-trading-bot/internal/clock"
	"dhan-trading-bot/internal/events"
	"dhan-trading-bot/internal/liquidity"
	"dhan-trading-bot/internal/logging"
	"dhan-trading-bot/internal/market"
	"dhan-trading-bot/internal/strategy"
)

const symbol = "NIFTY24800CE"

var tradeStart = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func testLogger() *logging.Logger {
	return logging.New(&logging.Config{Level: "ERROR", Output: "stdout", JSONFormat: true})
}

func testCfg() Config {
	return Config{
		RiskFraction:  0.10,
		MaxStopFrac:   0.15,
		LotSize:       75,
		Milestones:    []Milestone{{MoveFrac: 0.5, RewardRisk: 2}, {MoveFrac: 1.0, RewardRisk: 4}},
		OrderCooldown: 5 * time.Second,
		TrailSwitchR:  1.5,
		TickSize:      0.05,
	}
}

type stubSwings struct {
	lows map[market.Timeframe][]liquidity.SwingPoint
}

func (s *stubSwings) SwingLowsSince(tf market.Timeframe, cutoff time.Time) []liquidity.SwingPoint {
	var out []liquidity.SwingPoint
	for _, p := range s.lows[tf] {
		if p.Time.After(cutoff) {
			out = append(out, p)
		}
	}
	return out
}

type fixture struct {
	m     *Manager
	paper *broker.Paper
	clk   *clock.Simulated
	sw    *stubSwings
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	clk := clock.NewSimulated(tradeStart)
	paper := broker.NewPaper(1_000_000, clk.Now, zerolog.Nop())
	m := NewManager(cfg, paper, clk, events.NewEventBus(clk), nil, testLogger())
	return &fixture{
		m: m, paper: paper, clk: clk,
		sw: &stubSwings{lows: map[market.Timeframe][]liquidity.SwingPoint{}},
	}
}

func gapTrigger() strategy.Trigger {
	return strategy.Trigger{
		Symbol: symbol, Rule: strategy.RuleGapEntry,
		Entry: 107, StopLoss: 99, Target: 123, FormedAt: tradeStart,
	}
}

func (f *fixture) enter(t *testing.T) {
	t.Helper()
	f.paper.ProcessTick(symbol, 107)
	if err := f.m.Enter(context.Background(), gapTrigger(), 1_000_000, f.sw); err != nil {
		t.Fatalf("enter: %v", err)
	}
}

func (f *fixture) candle(minsAfter int, o, h, l, c float64) market.Candle {
	start := tradeStart.Add(time.Duration(minsAfter) * time.Minute)
	f.clk.Advance(start.Add(time.Minute))
	return market.Candle{Symbol: symbol, Timeframe: market.Timeframe1m, StartTime: start, Open: o, High: h, Low: l, Close: c}
}

func TestEnterOpensBracketedPosition(t *testing.T) {
	f := newFixture(t, testCfg())
	f.enter(t)

	pos, ok := f.m.Active()
	if !ok {
		t.Fatal("no active position after enter")
	}
	if pos.Status != StatusOpen {
		t.Errorf("status = %s, want OPEN against the instantly-filling paper broker", pos.Status)
	}
	// risk 100,000 over 8 per unit and 75-unit lots: 166 lots
	if pos.Lots != 166 || pos.Quantity != 166*75 {
		t.Errorf("lots/quantity = %d/%d, want 166/%d", pos.Lots, pos.Quantity, 166*75)
	}
	if pos.EntryPrice != 107 || pos.StopLoss != 99 || pos.Target != 123 {
		t.Errorf("levels = %v/%v/%v, want 107/99/123", pos.EntryPrice, pos.StopLoss, pos.Target)
	}
	if pos.RiskPerUnit != 8 {
		t.Errorf("risk per unit = %v, want 8", pos.RiskPerUnit)
	}
}

func TestEnterRejectsSecondTrade(t *testing.T) {
	f := newFixture(t, testCfg())
	f.enter(t)
	if err := f.m.Enter(context.Background(), gapTrigger(), 1_000_000, f.sw); !errors.Is(err, ErrTradeActive) {
		t.Errorf("err = %v, want ErrTradeActive", err)
	}
}

// Sizing floor: a 10% risk budget on 50,000 cannot cover one 75-unit lot
// when the stop sits 1,125 points away.
func TestSizingRejectsZeroQuantity(t *testing.T) {
	f := newFixture(t, testCfg())
	f.paper.ProcessTick(symbol, 7500)

	trig := strategy.Trigger{
		Symbol: symbol, Rule: strategy.RuleGapEntry,
		Entry: 7500, StopLoss: 6375, Target: 9750,
	}
	err := f.m.Enter(context.Background(), trig, 50_000, f.sw)
	if !errors.Is(err, ErrZeroQuantity) {
		t.Fatalf("err = %v, want ErrZeroQuantity", err)
	}
	if f.m.HasActive() {
		t.Error("position opened despite sizing rejection")
	}
}

func TestSizingRejectsOverwideStop(t *testing.T) {
	f := newFixture(t, testCfg())
	f.paper.ProcessTick(symbol, 100)

	// stop 20% below entry with plenty of balance for lots
	trig := strategy.Trigger{Symbol: symbol, Rule: strategy.RuleGapEntry, Entry: 100, StopLoss: 80, Target: 140}
	err := f.m.Enter(context.Background(), trig, 10_000_000, f.sw)
	if !errors.Is(err, ErrStopTooWide) {
		t.Fatalf("err = %v, want ErrStopTooWide", err)
	}
}

func TestCooldownBlocksRapidReentry(t *testing.T) {
	cfg := testCfg()
	cfg.OrderCooldown = 5 * time.Minute
	f := newFixture(t, cfg)
	f.enter(t)

	f.paper.ProcessTick(symbol, 98) // stop fills
	f.m.OnCandle(context.Background(), f.candle(1, 99, 99, 98, 98))
	if f.m.HasActive() {
		t.Fatal("position still active after stop fill")
	}

	// clock sits two minutes past the entry, inside the cooldown window
	if err := f.m.Enter(context.Background(), gapTrigger(), 1_000_000, f.sw); !errors.Is(err, ErrCooldown) {
		t.Errorf("err = %v, want ErrCooldown", err)
	}
}

func TestStopFillRealizesLossAndNotifies(t *testing.T) {
	f := newFixture(t, testCfg())
	var exited []Position
	f.m.SetExitListener(func(p Position) { exited = append(exited, p) })
	f.enter(t)

	f.paper.ProcessTick(symbol, 98.5)
	f.m.OnCandle(context.Background(), f.candle(1, 107, 107, 98.5, 98.5))

	if f.m.HasActive() {
		t.Fatal("position still active after stop fill")
	}
	if len(exited) != 1 {
		t.Fatalf("exit listener fired %d times, want 1", len(exited))
	}
	p := exited[0]
	if p.ExitReason != ExitStopLoss || p.ExitPrice != 99 {
		t.Errorf("exit = %s@%v, want STOP_LOSS@99", p.ExitReason, p.ExitPrice)
	}
	if want := (99.0 - 107.0) * float64(p.Quantity); p.RealizedPnL != want {
		t.Errorf("pnl = %v, want %v", p.RealizedPnL, want)
	}
	if got := f.m.Balance(); got != 1_000_000+p.RealizedPnL {
		t.Errorf("balance = %v, want %v", got, 1_000_000+p.RealizedPnL)
	}
}

func TestTargetFillRealizesProfit(t *testing.T) {
	f := newFixture(t, testCfg())
	f.enter(t)

	f.paper.ProcessTick(symbol, 123.5)
	f.m.OnCandle(context.Background(), f.candle(1, 120, 123.5, 120, 123.5))

	hist := f.m.History()
	if len(hist) != 1 || hist[0].ExitReason != ExitTarget {
		t.Fatalf("history = %+v, want one TARGET exit", hist)
	}
	if want := (123.0 - 107.0) * float64(hist[0].Quantity); hist[0].RealizedPnL != want {
		t.Errorf("pnl = %v, want %v", hist[0].RealizedPnL, want)
	}
}

// Target escalation never moves down, passed milestones are never
// re-evaluated, and the resting broker leg follows each escalation.
func TestTargetEscalationIsMonotonic(t *testing.T) {
	f := newFixture(t, testCfg())
	f.enter(t)

	targets := []float64{}
	record := func() {
		pos, _ := f.m.Active()
		targets = append(targets, pos.Target)
	}
	record()

	// half-R milestone keeps the initial 2:1 target
	f.m.OnCandle(context.Background(), f.candle(1, 107, 111, 107, 110))
	record()
	// full-R milestone escalates to 4:1
	f.m.OnCandle(context.Background(), f.candle(2, 110, 115.5, 110, 114))
	record()
	// retrace afterwards must not pull it back
	f.m.OnCandle(context.Background(), f.candle(3, 114, 114, 108, 109))
	record()

	want := []float64{123, 123, 139, 139}
	for i := range want {
		if targets[i] != want[i] {
			t.Fatalf("target sequence = %v, want %v", targets, want)
		}
	}
	for i := 1; i < len(targets); i++ {
		if targets[i] < targets[i-1] {
			t.Fatalf("target decreased: %v", targets)
		}
	}

	st, _ := f.paper.GetOrderState(context.Background(), mustGroupID(t, f.m))
	if st.Legs[broker.LegTarget].Price != 139 {
		t.Errorf("broker target leg = %v, want 139", st.Legs[broker.LegTarget].Price)
	}
}

func mustGroupID(t *testing.T, m *Manager) string {
	t.Helper()
	pos, ok := m.Active()
	if !ok {
		t.Fatal("no active position")
	}
	return pos.GroupID
}

// Stop trailing only ever tightens, and switches from 5m to 1m swing lows
// once profit passes the configured multiple of the initial risk.
func TestStopTrailingTightensOnly(t *testing.T) {
	f := newFixture(t, testCfg())
	f.enter(t)

	stops := []float64{99}
	f.sw.lows[market.Timeframe5m] = []liquidity.SwingPoint{
		{Symbol: symbol, Timeframe: market.Timeframe5m, Kind: liquidity.SwingLow, Price: 103, Time: tradeStart.Add(5 * time.Minute)},
	}
	f.m.OnCandle(context.Background(), f.candle(6, 109, 110.5, 109, 110))
	pos, _ := f.m.Active()
	stops = append(stops, pos.StopLoss)

	// a lower swing low must be rejected
	f.sw.lows[market.Timeframe5m] = append(f.sw.lows[market.Timeframe5m],
		liquidity.SwingPoint{Symbol: symbol, Timeframe: market.Timeframe5m, Kind: liquidity.SwingLow, Price: 101, Time: tradeStart.Add(10 * time.Minute)})
	f.m.OnCandle(context.Background(), f.candle(11, 110, 111, 109.5, 110.5))
	pos, _ = f.m.Active()
	stops = append(stops, pos.StopLoss)

	// past 1.5R the 1m swings take over
	f.sw.lows[market.Timeframe1m] = []liquidity.SwingPoint{
		{Symbol: symbol, Timeframe: market.Timeframe1m, Kind: liquidity.SwingLow, Price: 118, Time: tradeStart.Add(14 * time.Minute)},
	}
	f.m.OnCandle(context.Background(), f.candle(15, 121, 122.5, 121, 122))
	pos, _ = f.m.Active()
	stops = append(stops, pos.StopLoss)

	want := []float64{99, 103, 103, 118}
	for i := range want {
		if stops[i] != want[i] {
			t.Fatalf("stop sequence = %v, want %v", stops, want)
		}
	}
	for i := 1; i < len(stops); i++ {
		if stops[i] < stops[i-1] {
			t.Fatalf("stop loosened: %v", stops)
		}
	}
}

func TestSessionCutoffForcesExit(t *testing.T) {
	cfg := testCfg()
	cfg.SessionCutoff = 15*time.Hour + 15*time.Minute
	cfg.Location = time.UTC // candles below carry UTC wall-clock times
	f := newFixture(t, cfg)
	f.enter(t)

	// trade runs into the cutoff
	f.clk.Advance(time.Date(2026, 3, 2, 15, 16, 0, 0, time.UTC))
	f.m.OnCandle(context.Background(), market.Candle{
		Symbol: symbol, Timeframe: market.Timeframe1m,
		StartTime: time.Date(2026, 3, 2, 15, 15, 0, 0, time.UTC),
		Open:      110, High: 110.5, Low: 109.5, Close: 110,
	})

	// the tightened stop fills on the next tick
	f.paper.ProcessTick(symbol, 110)
	f.m.OnCandle(context.Background(), market.Candle{
		Symbol: symbol, Timeframe: market.Timeframe1m,
		StartTime: time.Date(2026, 3, 2, 15, 16, 0, 0, time.UTC),
		Open:      110, High: 110, Low: 110, Close: 110,
	})

	hist := f.m.History()
	if len(hist) != 1 {
		t.Fatalf("history = %d entries, want 1", len(hist))
	}
	if hist[0].ExitReason != ExitSessionClose {
		t.Errorf("exit reason = %s, want SESSION_CLOSE", hist[0].ExitReason)
	}
}

// The cutoff is an exchange-local wall-clock time: a clock reading 10:00
// UTC is already 15:30 in Kolkata, past a 15:15 cutoff, no matter where the
// host runs.
func TestSessionCutoffUsesExchangeTimezone(t *testing.T) {
	cfg := testCfg()
	cfg.SessionCutoff = 15*time.Hour + 15*time.Minute
	f := newFixture(t, cfg)
	f.enter(t)

	f.m.OnCandle(context.Background(), f.candle(1, 107, 107.5, 106.5, 107))
	f.paper.ProcessTick(symbol, 107)
	f.m.OnCandle(context.Background(), f.candle(2, 107, 107, 107, 107))

	hist := f.m.History()
	if len(hist) != 1 {
		t.Fatalf("history = %d entries, want the cutoff to have flattened the trade", len(hist))
	}
	if hist[0].ExitReason != ExitSessionClose {
		t.Errorf("exit reason = %s, want SESSION_CLOSE", hist[0].ExitReason)
	}
}

func TestReconcileIsIdempotentWhenStateMatches(t *testing.T) {
	f := newFixture(t, testCfg())
	f.enter(t)

	for i := 0; i < 3; i++ {
		if err := f.m.Reconcile(context.Background()); err != nil {
			t.Fatalf("reconcile %d: %v", i, err)
		}
	}
	pos, ok := f.m.Active()
	if !ok || pos.StopLoss != 99 || pos.Target != 123 {
		t.Errorf("position disturbed by matching reconcile: %+v", pos)
	}
}

func TestReconcileAdoptsTighterBrokerStop(t *testing.T) {
	f := newFixture(t, testCfg())
	f.enter(t)
	id := mustGroupID(t, f.m)

	// someone moved the resting stop out from under us
	if err := f.paper.ModifyLeg(context.Background(), id, broker.LegStopLoss, 101); err != nil {
		t.Fatalf("setup modify: %v", err)
	}

	if err := f.m.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	pos, _ := f.m.Active()
	if pos.StopLoss != 101 {
		t.Errorf("stop = %v after drift repair, want broker's tighter 101", pos.StopLoss)
	}
}

func TestReconcileForceClosesWhenStopCannotBeRestored(t *testing.T) {
	f := newFixture(t, testCfg())
	f.enter(t)
	id := mustGroupID(t, f.m)

	// kill the protective stop behind the manager's back; the paper broker
	// refuses to modify a cancelled leg, so repair must fall back to a
	// flattening market order
	if err := f.paper.CancelLeg(context.Background(), id, broker.LegStopLoss); err != nil {
		t.Fatalf("setup cancel: %v", err)
	}

	if err := f.m.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if f.m.HasActive() {
		t.Fatal("position left active and unprotected")
	}
	hist := f.m.History()
	if len(hist) != 1 || hist[0].ExitReason != ExitReconcileSafe {
		t.Errorf("history = %+v, want one RECONCILE_FORCE_CLOSE exit", hist)
	}
}
