package bot

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"dhan-trading-bot/internal/broker"
	"dhan-trading-bot/internal/clock"
	"dhan-trading-bot/internal/events"
	"dhan-trading-bot/internal/logging"
	"dhan-trading-bot/internal/position"
	"dhan-trading-bot/internal/strategy"
)

var open = time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)

func testLogger() *logging.Logger {
	return logging.New(&logging.Config{Level: "ERROR", Output: "stdout", JSONFormat: true})
}

func newTestEngine(symbols []string) (*Engine, *broker.Paper, *clock.Simulated) {
	clk := clock.NewSimulated(open)
	paper := broker.NewPaper(1_000_000, clk.Now, zerolog.Nop())
	bus := events.NewEventBus(clk)
	mgr := position.NewManager(position.Config{
		RiskFraction: 0.10,
		MaxStopFrac:  0.15,
		LotSize:      75,
		Milestones:   []position.Milestone{{MoveFrac: 0.5, RewardRisk: 2}, {MoveFrac: 1.0, RewardRisk: 4}},
		TickSize:     0.05,
	}, paper, clk, bus, nil, testLogger())
	e := NewEngine(symbols, 0.05, 300, mgr, paper, bus, clk, paper, testLogger())
	return e, paper, clk
}

// breakoutFeed drives one symbol from cold start to a breakout trigger: a
// bearish 15-minute candle, a 1-minute sweep below its low, then a close
// back above its open.
func breakoutFeed(symbol string, start time.Time) []Tick {
	prices := []float64{110, 109, 108.5, 108, 107.8, 107.5, 107.3, 107, 106.8, 106.5, 106.4, 106.3, 106.2, 106.1, 106}
	var ticks []Tick
	for i, p := range prices {
		ticks = append(ticks, Tick{Symbol: symbol, Price: p, Time: start.Add(time.Duration(i) * time.Minute)})
	}
	ticks = append(ticks,
		// the first 1m of the next bucket closes at +16m and flushes the
		// bear 15m, arming the sweep reference at 106
		Tick{Symbol: symbol, Price: 106.5, Time: start.Add(15 * time.Minute)},
		Tick{Symbol: symbol, Price: 105.5, Time: start.Add(16 * time.Minute)}, // opens the sweeping 1m
		Tick{Symbol: symbol, Price: 112, Time: start.Add(17 * time.Minute)},   // closes it; opens the breakout 1m
		Tick{Symbol: symbol, Price: 112.5, Time: start.Add(18 * time.Minute)}, // closes the 112 breakout candle
	)
	return ticks
}

func runFeed(t *testing.T, e *Engine, clk *clock.Simulated, ticks []Tick) {
	t.Helper()
	for _, tick := range ticks {
		clk.Advance(tick.Time)
		if err := e.OnTick(tick); err != nil {
			t.Fatalf("tick %v: %v", tick, err)
		}
	}
}

func TestBreakoutOpensPositionEndToEnd(t *testing.T) {
	e, paper, clk := newTestEngine([]string{"NIFTY"})
	runFeed(t, e, clk, breakoutFeed("NIFTY", open))

	pos, ok := e.Manager().Active()
	if !ok {
		t.Fatal("no position after breakout feed")
	}
	if pos.Symbol != "NIFTY" || pos.Rule != strategy.RuleBreakoutEntry {
		t.Errorf("position = %s/%s, want NIFTY breakout", pos.Symbol, pos.Rule)
	}
	// trigger priced at the 112 close, filled at the 112.5 tick the candle
	// closed on
	if pos.EntryPrice != 112.5 {
		t.Errorf("entry fill = %v, want 112.5", pos.EntryPrice)
	}
	if pos.StopLoss != 106 {
		t.Errorf("stop = %v, want the bear candle low 106", pos.StopLoss)
	}
	if pos.Status != position.StatusOpen {
		t.Errorf("status = %s, want OPEN", pos.Status)
	}

	st, err := paper.GetOrderState(context.Background(), pos.GroupID)
	if err != nil {
		t.Fatalf("broker state: %v", err)
	}
	if st.Legs[broker.LegStopLoss].Status != broker.LegOpen {
		t.Error("protective stop not resting at the broker")
	}

	sc, _ := e.Context("NIFTY")
	if sc.Detector.State() != strategy.StateTradeActive {
		t.Errorf("detector state = %s, want TRADE_ACTIVE", sc.Detector.State())
	}
}

func TestSecondSymbolTriggerDroppedWhileSlotBusy(t *testing.T) {
	e, _, clk := newTestEngine([]string{"NIFTY", "BANKNIFTY"})

	runFeed(t, e, clk, breakoutFeed("NIFTY", open))
	if !e.Manager().HasActive() {
		t.Fatal("setup: no active trade")
	}

	// the second symbol produces a textbook trigger of its own
	runFeed(t, e, clk, breakoutFeed("BANKNIFTY", open))

	pos, _ := e.Manager().Active()
	if pos.Symbol != "NIFTY" {
		t.Errorf("active symbol = %s, the second trigger must not replace it", pos.Symbol)
	}
	sc, _ := e.Context("BANKNIFTY")
	if sc.Detector.State() != strategy.StateIdle {
		t.Errorf("losing detector state = %s, want IDLE so it can re-arm", sc.Detector.State())
	}
}

// Replaying the same ticks through fresh engines yields the same trade.
func TestReplayIsDeterministic(t *testing.T) {
	run := func() position.Position {
		e, _, clk := newTestEngine([]string{"NIFTY"})
		runFeed(t, e, clk, breakoutFeed("NIFTY", open))
		pos, ok := e.Manager().Active()
		if !ok {
			t.Fatal("no position")
		}
		return pos
	}

	a, b := run(), run()
	if a.Symbol != b.Symbol || a.Rule != b.Rule ||
		a.EntryPrice != b.EntryPrice || a.Quantity != b.Quantity ||
		a.StopLoss != b.StopLoss || a.Target != b.Target {
		t.Errorf("runs diverged:\n%+v\n%+v", a, b)
	}
}

// Status and zone reads must be safe while the feed goroutine is mutating
// the pipelines; they serve from the published view, not the live state.
func TestStatusAndZonesSafeDuringFeed(t *testing.T) {
	e, _, clk := newTestEngine([]string{"NIFTY"})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5000; i++ {
			st := e.Status()
			if _, ok := st["symbols"]; !ok {
				t.Error("status missing symbols during feed")
				return
			}
			if _, ok := e.Zones("NIFTY"); !ok {
				t.Error("zones view missing during feed")
				return
			}
		}
	}()

	at := open
	for i := 0; i < 5000; i++ {
		at = at.Add(10 * time.Second)
		clk.Advance(at)
		_ = e.OnTick(Tick{Symbol: "NIFTY", Price: 100 + float64(i%40)/4, Time: at})
	}
	<-done
}

func TestZonesViewTracksPipeline(t *testing.T) {
	e, _, clk := newTestEngine([]string{"NIFTY"})
	runFeed(t, e, clk, breakoutFeed("NIFTY", open))

	view, ok := e.Zones("NIFTY")
	if !ok {
		t.Fatal("no view for registered symbol")
	}
	if view.State != string(strategy.StateTradeActive) {
		t.Errorf("view state = %s, want TRADE_ACTIVE", view.State)
	}
	if view.LastPrice != 112.5 {
		t.Errorf("view last price = %v, want the final tick 112.5", view.LastPrice)
	}
	sc, _ := e.Context("NIFTY")
	if got, want := len(view.Zones), len(sc.Tracker.Unmitigated()); got != want {
		t.Errorf("view zones = %d, tracker has %d", got, want)
	}
}

// An exit observed off the feed goroutine restarts the detector on the next
// tick instead of mutating it concurrently.
func TestForeignGoroutineExitRestartsDetectorNextTick(t *testing.T) {
	e, paper, clk := newTestEngine([]string{"NIFTY"})
	runFeed(t, e, clk, breakoutFeed("NIFTY", open))

	pos, ok := e.Manager().Active()
	if !ok {
		t.Fatal("setup: no position")
	}

	// force exit the way the HTTP handler does, then fill the tightened stop
	if err := e.Manager().ForceExit(context.Background(), position.ExitAdmin); err != nil {
		t.Fatalf("force exit: %v", err)
	}
	paper.ProcessTick("NIFTY", pos.StopLoss)
	if err := e.Manager().Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if e.Manager().HasActive() {
		t.Fatal("position still active after forced exit")
	}

	sc, _ := e.Context("NIFTY")
	if sc.Detector.State() != strategy.StateTradeActive {
		t.Fatalf("detector touched before the feed drained the exit, state = %s", sc.Detector.State())
	}

	next := open.Add(19 * time.Minute)
	clk.Advance(next)
	if err := e.OnTick(Tick{Symbol: "NIFTY", Price: 112, Time: next}); err != nil {
		t.Fatalf("tick after exit: %v", err)
	}
	if sc.Detector.State() == strategy.StateTradeActive {
		t.Error("detector not restarted after the feed drained the exit")
	}
}

func TestUnknownSymbolRejected(t *testing.T) {
	e, _, _ := newTestEngine([]string{"NIFTY"})
	err := e.OnTick(Tick{Symbol: "GHOST", Price: 100, Time: open})
	if err == nil {
		t.Fatal("tick on unregistered symbol accepted")
	}
}
