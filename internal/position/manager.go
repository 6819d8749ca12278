package position

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"dhan-trading-bot/internal/broker"
	"dhan-trading-bot/internal/clock"
	"dhan-trading-bot/internal/events"
	"dhan-trading-bot/internal/liquidity"
	"dhan-trading-bot/internal/logging"
	"dhan-trading-bot/internal/market"
	"dhan-trading-bot/internal/strategy"
)

// SwingSource answers the confirmed-swing queries trailing depends on. The
// liquidity tracker satisfies it.
type SwingSource interface {
	SwingLowsSince(tf market.Timeframe, cutoff time.Time) []liquidity.SwingPoint
}

// SnapshotStore persists the live position so a restart can reconcile
// against the broker instead of starting blind. May be nil.
type SnapshotStore interface {
	Save(ctx context.Context, p *Position) error
	Clear(ctx context.Context) error
	Load(ctx context.Context) (*Position, error)
}

// Config is the risk and session configuration for the manager.
type Config struct {
	RiskFraction  float64        // fraction of balance risked per trade
	MaxStopFrac   float64        // reject stops wider than this fraction of entry
	LotSize       int            // units per lot
	Milestones    []Milestone    // target escalation schedule, ascending MoveFrac
	OrderCooldown time.Duration  // minimum interval between entries
	TrailSwitchR  float64        // profit in R where trailing moves to 1m swings
	SessionCutoff time.Duration  // offset from exchange-local midnight for forced end-of-day exit
	Location      *time.Location // exchange timezone for the cutoff, defaults to IST
	TickSize      float64
}

// DefaultTrailSwitchR is used when the config leaves TrailSwitchR zero.
const DefaultTrailSwitchR = 1.5

// ExchangeLocation returns the NSE trading timezone. The tz database may be
// absent in minimal containers, so a fixed +05:30 zone backs it up.
func ExchangeLocation() *time.Location {
	if loc, err := time.LoadLocation("Asia/Kolkata"); err == nil {
		return loc
	}
	return time.FixedZone("IST", 5*3600+1800)
}

const historyDepth = 50

// Manager runs the lifecycle of the single live trade.
type Manager struct {
	mu     sync.Mutex
	cfg    Config
	broker broker.Broker
	clock  clock.Clock
	bus    *events.EventBus
	logger *logging.Logger

	snapshots SnapshotStore

	pos           *Position
	swings        SwingSource
	pendingReason ExitReason // set by forced exits, consumed on fill
	lastEntryAt   time.Time
	lastPrice     float64
	balance       float64
	history       []Position

	onExit func(Position)
}

// NewManager creates a manager with no active position.
func NewManager(cfg Config, b broker.Broker, clk clock.Clock, bus *events.EventBus, snapshots SnapshotStore, logger *logging.Logger) *Manager {
	if cfg.TrailSwitchR <= 0 {
		cfg.TrailSwitchR = DefaultTrailSwitchR
	}
	if cfg.Location == nil {
		cfg.Location = ExchangeLocation()
	}
	return &Manager{
		cfg:       cfg,
		broker:    b,
		clock:     clk,
		bus:       bus,
		snapshots: snapshots,
		logger:    logger.WithComponent("position"),
	}
}

// SetExitListener registers a callback invoked synchronously after each
// trade exit, used to release the trade slot and restart detection.
func (m *Manager) SetExitListener(fn func(Position)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExit = fn
}

// Active returns a copy of the live position, if any.
func (m *Manager) Active() (Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pos == nil {
		return Position{}, false
	}
	return *m.pos, true
}

// HasActive reports whether a trade is pending or open.
func (m *Manager) HasActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pos != nil
}

// Balance returns the last known account balance.
func (m *Manager) Balance() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balance
}

// History returns recent closed trades, oldest first.
func (m *Manager) History() []Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Position, len(m.history))
	copy(out, m.history)
	return out
}

// sizeLots returns the lot count for the trigger under the risk budget.
func (m *Manager) sizeLots(balance, entry, stop float64) (int, error) {
	perUnit := entry - stop
	if perUnit <= 0 {
		return 0, fmt.Errorf("%w: entry %.2f not above stop %.2f", ErrZeroQuantity, entry, stop)
	}
	riskAmount := balance * m.cfg.RiskFraction
	lots := int(math.Floor(riskAmount / (perUnit * float64(m.cfg.LotSize))))
	if lots < 1 {
		return 0, fmt.Errorf("%w: risk %.2f cannot cover one lot at %.2f per unit", ErrZeroQuantity, riskAmount, perUnit)
	}
	if m.cfg.MaxStopFrac > 0 && perUnit >= m.cfg.MaxStopFrac*entry {
		return 0, fmt.Errorf("%w: %.2f against entry %.2f", ErrStopTooWide, perUnit, entry)
	}
	return lots, nil
}

// Enter sizes the trigger against the given balance and places the bracket.
// Swings feed later stop trailing for this trade.
func (m *Manager) Enter(ctx context.Context, trig strategy.Trigger, balance float64, swings SwingSource) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pos != nil {
		return ErrTradeActive
	}
	now := m.clock.Now()
	if m.cfg.OrderCooldown > 0 && !m.lastEntryAt.IsZero() && now.Sub(m.lastEntryAt) < m.cfg.OrderCooldown {
		return fmt.Errorf("%w: %s since last entry", ErrCooldown, now.Sub(m.lastEntryAt))
	}

	lots, err := m.sizeLots(balance, trig.Entry, trig.StopLoss)
	if err != nil {
		m.logger.Warn("trigger rejected by sizing",
			"symbol", trig.Symbol, "rule", string(trig.Rule),
			"entry", trig.Entry, "stop_loss", trig.StopLoss, "error", err)
		return err
	}
	quantity := lots * m.cfg.LotSize

	groupID, err := m.broker.PlaceOrderGroup(ctx, broker.OrderRequest{
		Symbol:   trig.Symbol,
		Side:     broker.SideBuy,
		Quantity: quantity,
		StopLoss: market.RoundToTick(trig.StopLoss, m.cfg.TickSize),
		Target:   market.RoundToTick(trig.Target, m.cfg.TickSize),
	})
	if err != nil {
		return err
	}

	m.pos = &Position{
		Symbol:      trig.Symbol,
		Rule:        trig.Rule,
		GroupID:     groupID,
		EntryPrice:  trig.Entry,
		Quantity:    quantity,
		Lots:        lots,
		StopLoss:    market.RoundToTick(trig.StopLoss, m.cfg.TickSize),
		Target:      market.RoundToTick(trig.Target, m.cfg.TickSize),
		RiskPerUnit: trig.RiskPerUnit(),
		Status:      StatusPendingEntry,
		EnteredAt:   now,
	}
	m.swings = swings
	m.pendingReason = ""
	m.lastEntryAt = now
	m.balance = balance
	m.lastPrice = trig.Entry

	m.logger.Info("bracket placed",
		"symbol", trig.Symbol, "rule", string(trig.Rule), "group_id", groupID,
		"lots", lots, "quantity", quantity,
		"entry", trig.Entry, "stop_loss", m.pos.StopLoss, "target", m.pos.Target)

	m.syncFillsLocked(ctx)
	m.saveSnapshotLocked(ctx)
	return nil
}

// OnCandle advances the live trade on each completed 1m candle of its
// symbol: confirms fills, enforces the session cutoff, escalates the target
// and trails the stop.
func (m *Manager) OnCandle(ctx context.Context, c market.Candle) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pos == nil || c.Symbol != m.pos.Symbol || c.Timeframe != market.Timeframe1m {
		return
	}
	m.lastPrice = c.Close

	if exited := m.syncFillsLocked(ctx); exited {
		return
	}
	if m.pos.Status != StatusOpen {
		return
	}

	if m.pastSessionCutoff() {
		m.forceExitLocked(ctx, ExitSessionClose)
		return
	}

	m.escalateLocked(ctx, c)
	m.trailLocked(ctx, c)
	m.saveSnapshotLocked(ctx)
}

// ForceExit closes the live trade at market for an external reason.
func (m *Manager) ForceExit(ctx context.Context, reason ExitReason) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pos == nil {
		return ErrNoActiveTrade
	}
	m.forceExitLocked(ctx, reason)
	return nil
}

func (m *Manager) pastSessionCutoff() bool {
	if m.cfg.SessionCutoff <= 0 {
		return false
	}
	// the cutoff is an exchange-local wall-clock time, independent of the
	// host timezone
	now := m.clock.Now().In(m.cfg.Location)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, m.cfg.Location)
	return !now.Before(midnight.Add(m.cfg.SessionCutoff))
}

// forceExitLocked tightens the stop to the current price so it fills on the
// next tick. The stop leg stays live the whole time, so the position is
// never unprotected.
func (m *Manager) forceExitLocked(ctx context.Context, reason ExitReason) {
	price := market.RoundToTick(m.lastPrice, m.cfg.TickSize)
	if err := m.broker.ModifyLeg(ctx, m.pos.GroupID, broker.LegStopLoss, price); err != nil {
		m.logger.Error("forced exit stop tighten failed",
			"symbol", m.pos.Symbol, "reason", string(reason), "error", err)
		m.bus.PublishError("position", "forced exit failed, stop unchanged", err)
		return
	}
	m.pendingReason = reason
	if m.pos.StopLoss < price {
		m.pos.StopLoss = price
	}
	m.logger.Info("forced exit armed",
		"symbol", m.pos.Symbol, "reason", string(reason), "stop_moved_to", price)
	m.syncFillsLocked(ctx)
}

// syncFillsLocked pulls broker state and applies any fills. Returns true
// when the trade finished.
func (m *Manager) syncFillsLocked(ctx context.Context) bool {
	state, err := m.broker.GetOrderState(ctx, m.pos.GroupID)
	if err != nil {
		m.logger.Warn("order state fetch failed", "group_id", m.pos.GroupID, "error", err)
		return false
	}

	if m.pos.Status == StatusPendingEntry {
		entry := state.Legs[broker.LegEntry]
		switch entry.Status {
		case broker.LegFilled:
			m.pos.Status = StatusOpen
			m.pos.EntryPrice = entry.FilledPrice
			m.bus.PublishTradeEntered(m.pos.Symbol, string(m.pos.Rule),
				m.pos.EntryPrice, m.pos.Quantity, m.pos.StopLoss, m.pos.Target, m.clock.Now())
			m.logger.Info("entry filled",
				"symbol", m.pos.Symbol, "price", m.pos.EntryPrice, "quantity", m.pos.Quantity)
		case broker.LegRejected, broker.LegCancelled:
			m.logger.Error("entry leg dead before fill", "symbol", m.pos.Symbol, "status", string(entry.Status))
			m.clearLocked(ctx)
			return true
		default:
			return false
		}
	}

	if leg := state.Legs[broker.LegStopLoss]; leg.Status == broker.LegFilled {
		reason := ExitStopLoss
		if m.pendingReason != "" {
			reason = m.pendingReason
		}
		m.finalizeExitLocked(ctx, leg.FilledPrice, reason)
		return true
	}
	if leg := state.Legs[broker.LegTarget]; leg.Status == broker.LegFilled {
		m.finalizeExitLocked(ctx, leg.FilledPrice, ExitTarget)
		return true
	}
	return false
}

// escalateLocked widens the target at configured milestones of the initial
// risk distance. The target never moves down; a failed replacement leaves
// the confirmed one authoritative and the milestone is retried next candle.
func (m *Manager) escalateLocked(ctx context.Context, c market.Candle) {
	for m.pos.MilestoneIdx < len(m.cfg.Milestones) {
		ms := m.cfg.Milestones[m.pos.MilestoneIdx]
		if c.High < m.pos.EntryPrice+ms.MoveFrac*m.pos.RiskPerUnit {
			return
		}
		newTarget := market.RoundToTick(m.pos.EntryPrice+ms.RewardRisk*m.pos.RiskPerUnit, m.cfg.TickSize)
		if newTarget <= m.pos.Target {
			m.pos.MilestoneIdx++
			continue
		}
		if err := m.broker.ModifyLeg(ctx, m.pos.GroupID, broker.LegTarget, newTarget); err != nil {
			m.logger.Warn("target escalation failed, keeping confirmed target",
				"symbol", m.pos.Symbol, "target", m.pos.Target, "wanted", newTarget, "error", err)
			return
		}
		old := m.pos.Target
		m.pos.Target = newTarget
		m.pos.MilestoneIdx++
		m.bus.PublishTargetUpdated(m.pos.Symbol, old, newTarget, ms.RewardRisk, m.clock.Now())
		m.logger.Info("target escalated",
			"symbol", m.pos.Symbol, "old_target", old, "new_target", newTarget,
			"reward_risk", ms.RewardRisk)
	}
}

// trailLocked tightens the stop to the latest confirmed swing low. Below
// the profit switch the 5m swings drive it; past it the 1m swings take
// over. A proposed stop that loosens or crosses price is rejected.
func (m *Manager) trailLocked(ctx context.Context, c market.Candle) {
	if m.swings == nil {
		return
	}
	tf := market.Timeframe5m
	if m.pos.UnrealizedR(c.Close) >= m.cfg.TrailSwitchR {
		tf = market.Timeframe1m
	}
	lows := m.swings.SwingLowsSince(tf, m.pos.EnteredAt)
	if len(lows) == 0 {
		return
	}
	candidate := market.RoundToTick(lows[len(lows)-1].Price, m.cfg.TickSize)
	if candidate <= m.pos.StopLoss || candidate >= c.Close {
		return
	}
	if err := m.broker.ModifyLeg(ctx, m.pos.GroupID, broker.LegStopLoss, candidate); err != nil {
		m.logger.Warn("stop trail failed, keeping confirmed stop",
			"symbol", m.pos.Symbol, "stop_loss", m.pos.StopLoss, "wanted", candidate, "error", err)
		return
	}
	old := m.pos.StopLoss
	m.pos.StopLoss = candidate
	m.bus.PublishStopUpdated(m.pos.Symbol, old, candidate, m.clock.Now())
	m.logger.Info("stop trailed",
		"symbol", m.pos.Symbol, "old_stop", old, "new_stop", candidate, "timeframe", string(tf))
}

func (m *Manager) finalizeExitLocked(ctx context.Context, exitPrice float64, reason ExitReason) {
	p := m.pos
	p.Status = StatusClosed
	p.ExitPrice = exitPrice
	p.ExitReason = reason
	p.ExitedAt = m.clock.Now()
	p.RealizedPnL = (exitPrice - p.EntryPrice) * float64(p.Quantity)
	m.balance += p.RealizedPnL

	m.bus.PublishTradeExited(p.Symbol, string(p.Rule), string(reason), p.EntryPrice, exitPrice, p.Quantity, p.RealizedPnL, p.EnteredAt, p.ExitedAt)
	m.bus.PublishBalanceUpdate(m.balance, p.RealizedPnL, p.ExitedAt)
	m.logger.Info("trade exited",
		"symbol", p.Symbol, "reason", string(reason),
		"entry_price", p.EntryPrice, "exit_price", exitPrice,
		"quantity", p.Quantity, "pnl", p.RealizedPnL, "balance", m.balance)

	m.history = append(m.history, *p)
	if len(m.history) > historyDepth {
		m.history = m.history[1:]
	}
	closed := *p
	m.clearLocked(ctx)
	if m.onExit != nil {
		m.onExit(closed)
	}
}

func (m *Manager) clearLocked(ctx context.Context) {
	m.pos = nil
	m.swings = nil
	m.pendingReason = ""
	if m.snapshots != nil {
		if err := m.snapshots.Clear(ctx); err != nil {
			m.logger.Warn("snapshot clear failed", "error", err)
		}
	}
}

func (m *Manager) saveSnapshotLocked(ctx context.Context) {
	if m.snapshots == nil || m.pos == nil {
		return
	}
	if err := m.snapshots.Save(ctx, m.pos); err != nil {
		m.logger.Warn("snapshot save failed", "error", err)
	}
}

// Restore adopts a persisted position snapshot after a restart, then
// reconciles it against the broker. Without a snapshot store or a stored
// snapshot it is a no-op.
func (m *Manager) Restore(ctx context.Context) error {
	if m.snapshots == nil {
		return nil
	}
	p, err := m.snapshots.Load(ctx)
	if err != nil {
		return fmt.Errorf("load position snapshot: %w", err)
	}
	if p == nil {
		return nil
	}

	m.mu.Lock()
	if m.pos != nil {
		m.mu.Unlock()
		return ErrTradeActive
	}
	m.pos = p
	m.mu.Unlock()

	m.logger.Info("restored position from snapshot",
		"symbol", p.Symbol, "status", string(p.Status), "group_id", p.GroupID)
	return m.Reconcile(ctx)
}

// Reconcile compares broker state against the expected position. It is
// idempotent: matching state is a no-op. A dead protective stop is revived
// in place; if that fails the position is force-closed at market rather
// than left unprotected.
func (m *Manager) Reconcile(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pos == nil {
		return nil
	}
	if exited := m.syncFillsLocked(ctx); exited {
		return nil
	}
	if m.pos.Status != StatusOpen {
		return nil
	}

	state, err := m.broker.GetOrderState(ctx, m.pos.GroupID)
	if err != nil {
		return err
	}
	stop := state.Legs[broker.LegStopLoss]
	if stop.Status == broker.LegOpen {
		if stop.Price != m.pos.StopLoss {
			// broker holds a different resting price; the broker's copy
			// is the live one, adopt the tighter of the two
			m.logger.Warn("stop price drift detected",
				"symbol", m.pos.Symbol, "local", m.pos.StopLoss, "broker", stop.Price)
			if stop.Price > m.pos.StopLoss {
				m.pos.StopLoss = stop.Price
			} else if err := m.broker.ModifyLeg(ctx, m.pos.GroupID, broker.LegStopLoss, m.pos.StopLoss); err != nil {
				return fmt.Errorf("%w: stop drift repair: %v", ErrStateMismatch, err)
			}
			m.saveSnapshotLocked(ctx)
		}
		return nil
	}

	// protective stop is gone while the position is open
	m.logger.Error("protective stop leg dead",
		"symbol", m.pos.Symbol, "status", string(stop.Status))
	m.bus.PublishError("position", "protective stop leg dead, repairing", ErrStateMismatch)

	if err := m.broker.ModifyLeg(ctx, m.pos.GroupID, broker.LegStopLoss, m.pos.StopLoss); err == nil {
		m.logger.Info("protective stop re-placed", "symbol", m.pos.Symbol, "stop_loss", m.pos.StopLoss)
		return nil
	}
	m.forceCloseUnprotectedLocked(ctx)
	return nil
}

// forceCloseUnprotectedLocked flattens the position with an offsetting
// market order when the protective stop cannot be restored.
func (m *Manager) forceCloseUnprotectedLocked(ctx context.Context) {
	closeID, err := m.broker.PlaceOrderGroup(ctx, broker.OrderRequest{
		Symbol:   m.pos.Symbol,
		Side:     broker.SideSell,
		Quantity: m.pos.Quantity,
	})
	if err != nil {
		m.logger.Error("force close failed, position unprotected",
			"symbol", m.pos.Symbol, "error", err)
		m.bus.PublishError("position", "force close failed", err)
		return
	}
	exitPrice := m.lastPrice
	if state, err := m.broker.GetOrderState(ctx, closeID); err == nil {
		if entry := state.Legs[broker.LegEntry]; entry.Status == broker.LegFilled {
			exitPrice = entry.FilledPrice
		}
		// discard the protective legs of the offsetting order
		_ = m.broker.CancelLeg(ctx, closeID, broker.LegStopLoss)
		_ = m.broker.CancelLeg(ctx, closeID, broker.LegTarget)
	}
	_ = m.broker.CancelLeg(ctx, m.pos.GroupID, broker.LegTarget)
	m.finalizeExitLocked(ctx, exitPrice, ExitReconcileSafe)
}
