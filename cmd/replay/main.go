// Command replay runs the trading engine over a recorded tick file and
// prints the trades it would have taken. The tick file is CSV:
// RFC3339 timestamp, symbol, price.
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"dhan-trading-bot/internal/bot"
	"dhan-trading-bot/internal/broker"
	"dhan-trading-bot/internal/clock"
	"dhan-trading-bot/internal/events"
	"dhan-trading-bot/internal/logging"
	"dhan-trading-bot/internal/marketdata"
	"dhan-trading-bot/internal/position"
)

func main() {
	var (
		tickFile = flag.String("ticks", "", "CSV tick file: timestamp,symbol,price")
		balance  = flag.Float64("balance", 500000, "starting balance")
		riskFrac = flag.Float64("risk", 0.01, "risk fraction per trade")
		lotSize  = flag.Int("lot", 75, "lot size")
		tickSize = flag.Float64("ticksize", 0.05, "price tick size")
		cutoff   = flag.String("cutoff", "15:15", "session cutoff HH:MM, empty to disable")
		logLevel = flag.String("log", "WARN", "log level")
	)
	flag.Parse()

	if *tickFile == "" {
		flag.Usage()
		os.Exit(2)
	}

	logger := logging.New(&logging.Config{Level: *logLevel, Output: "stdout", JSONFormat: false})
	logging.SetDefault(logger)

	ticks, err := loadTicks(*tickFile)
	if err != nil {
		log.Fatalf("load ticks: %v", err)
	}
	if len(ticks) == 0 {
		log.Fatal("tick file is empty")
	}

	symbols := uniqueSymbols(ticks)

	clk := clock.NewSimulated(ticks[0].Time)
	paper := broker.NewPaper(*balance, clk.Now, zerolog.Nop())
	bus := events.NewEventBus(clk)

	var sessionCutoff time.Duration
	if *cutoff != "" {
		sessionCutoff, err = parseClock(*cutoff)
		if err != nil {
			log.Fatalf("bad cutoff: %v", err)
		}
	}

	manager := position.NewManager(position.Config{
		RiskFraction: *riskFrac,
		MaxStopFrac:  0.15,
		LotSize:      *lotSize,
		Milestones: []position.Milestone{
			{MoveFrac: 0.5, RewardRisk: 2.0},
			{MoveFrac: 1.0, RewardRisk: 4.0},
		},
		TrailSwitchR:  1.5,
		SessionCutoff: sessionCutoff,
		TickSize:      *tickSize,
	}, paper, clk, bus, nil, logger)

	engine := bot.NewEngine(symbols, *tickSize, 1000, manager, paper, bus, clk, paper, logger)

	replay := marketdata.NewReplay(engine, clk, logger)
	if err := replay.Run(ticks); err != nil {
		log.Fatalf("replay: %v", err)
	}

	printSummary(manager, *balance)
}

func loadTicks(path string) ([]bot.Tick, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 3

	var ticks []bot.Tick
	line := 0
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		line++
		if line == 1 && strings.EqualFold(rec[0], "timestamp") {
			continue // header row
		}
		ts, err := time.Parse(time.RFC3339, rec[0])
		if err != nil {
			return nil, fmt.Errorf("line %d: bad timestamp %q: %w", line, rec[0], err)
		}
		price, err := strconv.ParseFloat(rec[2], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: bad price %q: %w", line, rec[2], err)
		}
		ticks = append(ticks, bot.Tick{
			Symbol: strings.TrimSpace(rec[1]),
			Price:  price,
			Time:   ts.UTC(),
		})
	}
	return ticks, nil
}

func uniqueSymbols(ticks []bot.Tick) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range ticks {
		if !seen[t.Symbol] {
			seen[t.Symbol] = true
			out = append(out, t.Symbol)
		}
	}
	return out
}

func parseClock(s string) (time.Duration, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("want HH:MM, got %q", s)
	}
	hh, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, err
	}
	mm, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, err
	}
	return time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute, nil
}

func printSummary(manager *position.Manager, startBalance float64) {
	history := manager.History()

	fmt.Printf("\n=== Replay summary ===\n")
	fmt.Printf("Closed trades: %d\n", len(history))

	var wins int
	for _, p := range history {
		result := "LOSS"
		if p.RealizedPnL > 0 {
			result = "WIN"
			wins++
		}
		fmt.Printf("  %-22s %-14s %-5s entry=%.2f exit=%.2f qty=%d pnl=%+.2f (%s)\n",
			p.Symbol, p.Rule, result, p.EntryPrice, p.ExitPrice, p.Quantity,
			p.RealizedPnL, p.ExitReason)
	}
	if pos, ok := manager.Active(); ok {
		fmt.Printf("Open at end: %s %s entry=%.2f stop=%.2f target=%.2f\n",
			pos.Symbol, pos.Rule, pos.EntryPrice, pos.StopLoss, pos.Target)
	}

	final := manager.Balance()
	if final == 0 {
		final = startBalance
	}
	fmt.Printf("Wins: %d/%d\n", wins, len(history))
	fmt.Printf("Balance: %.2f -> %.2f (%+.2f)\n", startBalance, final, final-startBalance)
}
