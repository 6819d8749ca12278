package marketdata

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"dhan-trading-bot/internal/bot"
	"dhan-trading-bot/internal/broker"
	"dhan-trading-bot/internal/clock"
	"dhan-trading-bot/internal/events"
	"dhan-trading-bot/internal/logging"
	"dhan-trading-bot/internal/market"
	"dhan-trading-bot/internal/position"
)

var replayOpen = time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)

func testLogger() *logging.Logger {
	return logging.New(&logging.Config{Level: "ERROR", Output: "stdout", JSONFormat: true})
}

func newReplayEngine(symbols []string) (*bot.Engine, *clock.Simulated) {
	clk := clock.NewSimulated(replayOpen)
	paper := broker.NewPaper(500000, clk.Now, zerolog.Nop())
	bus := events.NewEventBus(clk)
	mgr := position.NewManager(position.Config{
		RiskFraction: 0.01,
		MaxStopFrac:  0.15,
		LotSize:      75,
		TickSize:     0.05,
	}, paper, clk, bus, nil, testLogger())
	return bot.NewEngine(symbols, 0.05, 300, mgr, paper, bus, clk, paper, testLogger()), clk
}

func TestReplaySortsAndGroupsTicks(t *testing.T) {
	e, clk := newReplayEngine([]string{"NIFTY", "BANKNIFTY"})
	r := NewReplay(e, clk, testLogger())

	// deliberately shuffled; two symbols share each timestamp
	var ticks []bot.Tick
	for _, i := range []int{2, 0, 3, 1, 4} {
		ts := replayOpen.Add(time.Duration(i) * time.Minute)
		ticks = append(ticks,
			bot.Tick{Symbol: "NIFTY", Price: 100 + float64(i), Time: ts},
			bot.Tick{Symbol: "BANKNIFTY", Price: 200 + float64(i), Time: ts},
		)
	}

	if err := r.Run(ticks); err != nil {
		t.Fatalf("replay: %v", err)
	}

	if got := clk.Now(); !got.Equal(replayOpen.Add(4 * time.Minute)) {
		t.Errorf("clock = %v, want %v", got, replayOpen.Add(4*time.Minute))
	}
	for _, sym := range []string{"NIFTY", "BANKNIFTY"} {
		sc, ok := e.Context(sym)
		if !ok {
			t.Fatalf("no context for %s", sym)
		}
		// five minute-spaced ticks close four one-minute candles
		if n := sc.Aggregator.Series(market.Timeframe1m).Len(); n != 4 {
			t.Errorf("%s 1m candles = %d, want 4", sym, n)
		}
	}
}

func TestReplayStopsOnUnknownSymbol(t *testing.T) {
	e, clk := newReplayEngine([]string{"NIFTY"})
	r := NewReplay(e, clk, testLogger())

	err := r.Run([]bot.Tick{{Symbol: "GHOST", Price: 1, Time: replayOpen}})
	if err == nil {
		t.Fatal("replay accepted a tick for an unregistered symbol")
	}
}
