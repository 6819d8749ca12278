package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Paper errors
var (
	ErrNoMarketPrice = errors.New("no market price seen for symbol")
	ErrLegNotOpen    = errors.New("leg is not open")
)

type paperGroup struct {
	state      GroupState
	side       Side
	quantity   int
	entryPrice float64
}

// Paper is an in-memory broker used by replay runs and dry-run live
// sessions. Entries fill at the last observed price; protective legs fill
// when a subsequent tick crosses them, and the surviving leg of the pair is
// cancelled.
type Paper struct {
	mu      sync.Mutex
	logger  zerolog.Logger
	balance float64
	prices  map[string]float64
	now     func() time.Time
	groups  map[string]*paperGroup
}

// NewPaper creates a paper broker with a starting balance. The now func
// feeds fill timestamps so replay fills carry simulated time.
func NewPaper(balance float64, now func() time.Time, logger zerolog.Logger) *Paper {
	if now == nil {
		now = time.Now
	}
	return &Paper{
		logger:  logger.With().Str("component", "PaperBroker").Logger(),
		balance: balance,
		prices:  make(map[string]float64),
		now:     now,
		groups:  make(map[string]*paperGroup),
	}
}

// ProcessTick records the latest price and fills any protective legs the
// tick crossed.
func (p *Paper) ProcessTick(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.prices[symbol] = price
	for id, g := range p.groups {
		if g.state.Symbol != symbol {
			continue
		}
		p.fill(id, g, price)
	}
}

func (p *Paper) fill(id string, g *paperGroup, price float64) {
	stop := g.state.Legs[LegStopLoss]
	target := g.state.Legs[LegTarget]
	if stop.Status != LegOpen && target.Status != LegOpen {
		return
	}

	// long bracket: stop below, target above
	crossedStop := stop.Status == LegOpen && price <= stop.Price
	crossedTarget := target.Status == LegOpen && price >= target.Price
	if g.side == SideSell {
		crossedStop = stop.Status == LegOpen && price >= stop.Price
		crossedTarget = target.Status == LegOpen && price <= target.Price
	}

	switch {
	case crossedStop:
		p.fillLeg(g, LegStopLoss, stop.Price)
		p.cancelIfOpen(g, LegTarget)
		p.settle(id, g, stop.Price)
	case crossedTarget:
		p.fillLeg(g, LegTarget, target.Price)
		p.cancelIfOpen(g, LegStopLoss)
		p.settle(id, g, target.Price)
	}
}

func (p *Paper) fillLeg(g *paperGroup, leg Leg, price float64) {
	l := g.state.Legs[leg]
	l.Status = LegFilled
	l.FilledPrice = price
	l.FilledAt = p.now()
	g.state.Legs[leg] = l
}

func (p *Paper) cancelIfOpen(g *paperGroup, leg Leg) {
	l := g.state.Legs[leg]
	if l.Status == LegOpen {
		l.Status = LegCancelled
		g.state.Legs[leg] = l
	}
}

func (p *Paper) settle(id string, g *paperGroup, exitPrice float64) {
	pnl := (exitPrice - g.entryPrice) * float64(g.quantity)
	if g.side == SideSell {
		pnl = -pnl
	}
	p.balance += pnl
	p.logger.Info().
		Str("group_id", id).
		Float64("exit_price", exitPrice).
		Float64("pnl", pnl).
		Float64("balance", p.balance).
		Msg("paper group settled")
}

// PlaceOrderGroup fills the entry at the last observed price and opens the
// protective legs.
func (p *Paper) PlaceOrderGroup(_ context.Context, req OrderRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	price, ok := p.prices[req.Symbol]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoMarketPrice, req.Symbol)
	}

	id := uuid.NewString()
	g := &paperGroup{
		side:       req.Side,
		quantity:   req.Quantity,
		entryPrice: price,
		state: GroupState{
			GroupID: id,
			Symbol:  req.Symbol,
			Legs: map[Leg]LegState{
				LegEntry:    {Leg: LegEntry, Status: LegFilled, Price: price, FilledPrice: price, FilledAt: p.now()},
				LegStopLoss: {Leg: LegStopLoss, Status: LegOpen, Price: req.StopLoss},
				LegTarget:   {Leg: LegTarget, Status: LegOpen, Price: req.Target},
			},
		},
	}
	p.groups[id] = g
	p.logger.Info().
		Str("group_id", id).
		Str("symbol", req.Symbol).
		Int("quantity", req.Quantity).
		Float64("entry", price).
		Float64("stop_loss", req.StopLoss).
		Float64("target", req.Target).
		Msg("paper group placed")
	return id, nil
}

// ModifyLeg moves an open leg's price.
func (p *Paper) ModifyLeg(_ context.Context, groupID string, leg Leg, newPrice float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	g, ok := p.groups[groupID]
	if !ok {
		return ErrGroupNotFound
	}
	l, ok := g.state.Legs[leg]
	if !ok || l.Status != LegOpen {
		return fmt.Errorf("%w: %s/%s", ErrLegNotOpen, groupID, leg)
	}
	l.Price = newPrice
	g.state.Legs[leg] = l
	return nil
}

// CancelLeg cancels an open leg.
func (p *Paper) CancelLeg(_ context.Context, groupID string, leg Leg) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	g, ok := p.groups[groupID]
	if !ok {
		return ErrGroupNotFound
	}
	l, ok := g.state.Legs[leg]
	if !ok || l.Status != LegOpen {
		return fmt.Errorf("%w: %s/%s", ErrLegNotOpen, groupID, leg)
	}
	l.Status = LegCancelled
	g.state.Legs[leg] = l
	return nil
}

// GetOrderState returns a copy of the group's leg states.
func (p *Paper) GetOrderState(_ context.Context, groupID string) (GroupState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	g, ok := p.groups[groupID]
	if !ok {
		return GroupState{}, ErrGroupNotFound
	}
	out := GroupState{GroupID: g.state.GroupID, Symbol: g.state.Symbol, Legs: make(map[Leg]LegState, len(g.state.Legs))}
	for k, v := range g.state.Legs {
		out.Legs[k] = v
	}
	return out, nil
}

// GetAccountBalance returns the simulated balance.
func (p *Paper) GetAccountBalance(_ context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance, nil
}
