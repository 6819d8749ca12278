package bot

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"dhan-trading-bot/internal/broker"
	"dhan-trading-bot/internal/clock"
	"dhan-trading-bot/internal/events"
	"dhan-trading-bot/internal/liquidity"
	"dhan-trading-bot/internal/logging"
	"dhan-trading-bot/internal/market"
	"dhan-trading-bot/internal/position"
	"dhan-trading-bot/internal/strategy"
)

// Tick is one market observation.
type Tick struct {
	Symbol string
	Price  float64
	Time   time.Time
}

// TickSink receives every tick before the pipelines do. The paper broker
// implements it so resting legs fill against the same stream the engine
// trades on; live runs leave it nil.
type TickSink interface {
	ProcessTick(symbol string, price float64)
}

const brokerCallTimeout = 15 * time.Second

// ErrUnknownSymbol is returned for ticks on a symbol that was never
// registered.
var ErrUnknownSymbol = errors.New("unknown symbol")

// Engine routes ticks to the per-symbol pipelines, arbitrates their
// triggers and drives the position manager.
//
// The pipelines (aggregator, tracker, detector) are lockless: only the feed
// goroutine running OnTick/OnCycle may touch them. Other goroutines read the
// published view and hand exit notifications over the exits channel.
type Engine struct {
	contexts  map[string]*SymbolContext
	symbols   []string
	lastPrice map[string]float64 // feed goroutine only

	arb     *Arbitrator
	manager *position.Manager
	broker  broker.Broker
	bus     *events.EventBus
	clock   clock.Clock
	sink    TickSink
	logger  *logging.Logger

	view  atomic.Pointer[engineView]
	exits chan string // symbols whose detector must restart, drained on the feed goroutine
}

// SymbolView is the read-only snapshot of one pipeline served to HTTP
// handlers. Zones are value copies, safe to hold across ticks.
type SymbolView struct {
	State             string           `json:"state"`
	SweepReference    float64          `json:"sweep_reference,omitempty"`
	HasSweep          bool             `json:"-"`
	SessionHigh       float64          `json:"session_high"`
	SessionLow        float64          `json:"session_low"`
	LastPrice         float64          `json:"last_price"`
	Zones             []liquidity.Zone `json:"zones"`
	Summary           map[string]int   `json:"summary"`
	NearestSupport    *liquidity.Zone  `json:"nearest_support,omitempty"`
	NearestResistance *liquidity.Zone  `json:"nearest_resistance,omitempty"`
}

type engineView struct {
	symbols map[string]SymbolView
}

// NewEngine builds the pipelines for the given symbols in registration
// order.
func NewEngine(symbols []string, tickSize float64, retention int, mgr *position.Manager, b broker.Broker, bus *events.EventBus, clk clock.Clock, sink TickSink, logger *logging.Logger) *Engine {
	e := &Engine{
		contexts:  make(map[string]*SymbolContext, len(symbols)),
		symbols:   symbols,
		lastPrice: make(map[string]float64, len(symbols)),
		arb:       NewArbitrator(),
		manager:   mgr,
		broker:    b,
		bus:       bus,
		clock:     clk,
		sink:      sink,
		logger:    logger.WithComponent("engine"),
		exits:     make(chan string, 16),
	}
	for _, s := range symbols {
		e.arb.Register(s)
		e.contexts[s] = NewSymbolContext(s, tickSize, retention, logger)
	}
	mgr.SetExitListener(e.onTradeExit)
	e.publishView()
	return e
}

// Context returns the pipeline for one symbol.
func (e *Engine) Context(symbol string) (*SymbolContext, bool) {
	sc, ok := e.contexts[symbol]
	return sc, ok
}

// Manager exposes the position manager for the HTTP surface.
func (e *Engine) Manager() *position.Manager { return e.manager }

// Bootstrap seeds every pipeline from historical 1m candles.
func (e *Engine) Bootstrap(history map[string][]market.Candle) error {
	for _, s := range e.symbols {
		candles := history[s]
		if len(candles) == 0 {
			continue
		}
		if err := e.contexts[s].Bootstrap(candles); err != nil {
			return fmt.Errorf("bootstrapping %s: %w", s, err)
		}
		e.lastPrice[s] = candles[len(candles)-1].Close
		e.logger.Info("symbol bootstrapped", "symbol", s, "candles_1m", len(candles))
	}
	e.publishView()
	return nil
}

// OnTick processes one live tick. Triggers are arbitrated immediately;
// cross-symbol cycles only exist in replay, where OnCycle groups ticks by
// timestamp.
func (e *Engine) OnTick(t Tick) error {
	e.drainExits()
	trigs, err := e.processTick(t)
	if err != nil {
		return err
	}
	if winner := e.arb.Select(trigs); winner != nil {
		e.handleCycle(*winner, trigs)
	}
	e.drainExits()
	e.publishView()
	return nil
}

// OnCycle processes one replay cycle: ticks sharing a timestamp across
// symbols. At most one of the cycle's triggers is forwarded to the
// position manager; the rest are dropped.
func (e *Engine) OnCycle(ticks []Tick) error {
	e.drainExits()
	var all []strategy.Trigger
	for _, t := range ticks {
		trigs, err := e.processTick(t)
		if err != nil {
			return err
		}
		all = append(all, trigs...)
	}
	if winner := e.arb.Select(all); winner != nil {
		e.handleCycle(*winner, all)
	}
	e.drainExits()
	e.publishView()
	return nil
}

// processTick runs one tick through its symbol's pipeline and returns any
// trigger it produced. Out-of-order ticks are rejected and logged without
// touching the series.
func (e *Engine) processTick(t Tick) ([]strategy.Trigger, error) {
	sc, ok := e.contexts[t.Symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSymbol, t.Symbol)
	}
	if e.sink != nil {
		e.sink.ProcessTick(t.Symbol, t.Price)
	}
	e.lastPrice[t.Symbol] = t.Price

	completed, err := sc.Aggregator.Ingest(t.Price, t.Time)
	if err != nil {
		e.logger.Warn("tick rejected", "symbol", t.Symbol, "time", t.Time, "error", err)
		return nil, nil
	}

	var trigs []strategy.Trigger
	for _, c := range completed {
		e.bus.PublishCandleCompleted(c.Symbol, string(c.Timeframe), c.Open, c.High, c.Low, c.Close, c.StartTime)
		before := sc.Detector.State()
		created, mitigated, trig := sc.HandleCompleted(c)
		for _, z := range created {
			e.bus.PublishZoneCreated(z.Symbol, string(z.Direction), string(z.Source), z.Top, z.Bottom, z.FormedAt)
		}
		for _, z := range mitigated {
			e.bus.PublishZoneMitigated(z.Symbol, string(z.Direction), string(z.Source), z.Top, z.Bottom, c.StartTime)
		}
		if before != strategy.StateTriggerArmed && sc.Detector.State() == strategy.StateTriggerArmed {
			if ref, ok := sc.Detector.SweepReference(); ok {
				e.bus.PublishSweepDetected(t.Symbol, ref, c.Low, c.StartTime)
			}
		}
		if trig != nil {
			e.bus.PublishTriggerFired(trig.Symbol, string(trig.Rule), trig.Entry, trig.StopLoss, trig.Target, trig.FormedAt)
			trigs = append(trigs, *trig)
		}
		e.managerCandle(c)
	}
	return trigs, nil
}

func (e *Engine) managerCandle(c market.Candle) {
	ctx, cancel := context.WithTimeout(context.Background(), brokerCallTimeout)
	defer cancel()
	e.manager.OnCandle(ctx, c)
}

// handleCycle forwards the winning trigger and resets the detectors of
// every trigger that lost or could not be taken. Losing detectors must not
// stay parked waiting for a trade they don't own.
func (e *Engine) handleCycle(winner strategy.Trigger, all []strategy.Trigger) {
	for _, t := range all {
		if t.Symbol != winner.Symbol || t.FormedAt != winner.FormedAt || t.Rule != winner.Rule {
			e.dropTrigger(t, "lost arbitration")
		}
	}

	if !e.arb.TryAcquire() {
		e.dropTrigger(winner, "trade slot busy")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), brokerCallTimeout)
	defer cancel()

	balance, err := e.broker.GetAccountBalance(ctx)
	if err != nil {
		e.logger.Error("balance fetch failed, dropping trigger", "symbol", winner.Symbol, "error", err)
		e.arb.Release()
		e.dropTrigger(winner, "balance unavailable")
		return
	}

	err = e.manager.Enter(ctx, winner, balance, e.contexts[winner.Symbol].Tracker)
	if err != nil {
		e.arb.Release()
		e.dropTrigger(winner, err.Error())
		switch {
		case errors.Is(err, position.ErrZeroQuantity),
			errors.Is(err, position.ErrStopTooWide),
			errors.Is(err, position.ErrCooldown):
			e.logger.Warn("trigger not tradable", "symbol", winner.Symbol, "error", err)
		default:
			e.logger.Error("entry failed", "symbol", winner.Symbol, "error", err)
			e.bus.PublishError("engine", "entry failed", err)
		}
	}
}

func (e *Engine) dropTrigger(t strategy.Trigger, reason string) {
	e.bus.Publish(events.Event{
		Type:      events.EventTriggerDropped,
		Timestamp: t.FormedAt,
		Data: map[string]interface{}{
			"symbol": t.Symbol,
			"rule":   string(t.Rule),
			"entry":  t.Entry,
			"reason": reason,
		},
	})
	if sc, ok := e.contexts[t.Symbol]; ok {
		sc.Detector.NotifyTradeExit()
	}
	e.logger.Debug("trigger dropped", "symbol", t.Symbol, "rule", string(t.Rule), "reason", reason)
}

// onTradeExit frees the slot and queues the detector restart. The manager
// invokes it from whatever goroutine observed the exit (the feed, the
// reconcile ticker, or a force-exit HTTP handler), so it must not touch the
// pipelines directly; the feed goroutine drains the queue on the next tick.
func (e *Engine) onTradeExit(p position.Position) {
	e.arb.Release()
	select {
	case e.exits <- p.Symbol:
	default:
		e.logger.Warn("exit queue full, detector restart delayed", "symbol", p.Symbol)
	}
	e.logger.Info("trade slot released", "symbol", p.Symbol, "pnl", p.RealizedPnL)
}

// drainExits applies queued detector restarts. Feed goroutine only.
func (e *Engine) drainExits() {
	for {
		select {
		case s := <-e.exits:
			if sc, ok := e.contexts[s]; ok {
				sc.Detector.NotifyTradeExit()
			}
		default:
			return
		}
	}
}

// Reconcile checks the live position against the broker. Safe on a
// schedule.
func (e *Engine) Reconcile() error {
	ctx, cancel := context.WithTimeout(context.Background(), brokerCallTimeout)
	defer cancel()
	return e.manager.Reconcile(ctx)
}

// publishView snapshots every pipeline into an immutable view for the HTTP
// handlers. Feed goroutine only; readers swap in the new pointer atomically.
func (e *Engine) publishView() {
	v := &engineView{symbols: make(map[string]SymbolView, len(e.symbols))}
	for _, s := range e.symbols {
		sc := e.contexts[s]
		high, low := sc.Detector.SessionRange()
		sv := SymbolView{
			State:       string(sc.Detector.State()),
			SessionHigh: high,
			SessionLow:  low,
			LastPrice:   e.lastPrice[s],
			Summary:     sc.Tracker.Summary(),
		}
		if ref, ok := sc.Detector.SweepReference(); ok {
			sv.SweepReference = ref
			sv.HasSweep = true
		}
		for _, z := range sc.Tracker.Unmitigated() {
			sv.Zones = append(sv.Zones, *z)
		}
		if sv.LastPrice > 0 {
			if z := sc.Tracker.NearestUnmitigated(liquidity.Bullish, sv.LastPrice); z != nil {
				cp := *z
				sv.NearestSupport = &cp
			}
			if z := sc.Tracker.NearestUnmitigated(liquidity.Bearish, sv.LastPrice); z != nil {
				cp := *z
				sv.NearestResistance = &cp
			}
		}
		v.symbols[s] = sv
	}
	e.view.Store(v)
}

// Zones returns the published zone view for one symbol.
func (e *Engine) Zones(symbol string) (SymbolView, bool) {
	sv, ok := e.view.Load().symbols[symbol]
	return sv, ok
}

// Status summarizes every pipeline for the HTTP surface. It reads the
// published view, never the pipelines themselves, so it is safe from any
// goroutine while the feed is running.
func (e *Engine) Status() map[string]interface{} {
	view := e.view.Load()
	symbols := make(map[string]interface{}, len(view.symbols))
	for s, sv := range view.symbols {
		entry := map[string]interface{}{
			"state":        sv.State,
			"zones":        sv.Summary,
			"session_high": sv.SessionHigh,
			"session_low":  sv.SessionLow,
		}
		if sv.HasSweep {
			entry["sweep_reference"] = sv.SweepReference
		}
		symbols[s] = entry
	}
	out := map[string]interface{}{
		"symbols":      symbols,
		"slot_busy":    e.arb.Busy(),
		"balance":      e.manager.Balance(),
		"current_time": e.clock.Now(),
	}
	if pos, ok := e.manager.Active(); ok {
		out["position"] = pos
	}
	return out
}
