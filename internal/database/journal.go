package database

import (
	"context"
	"time"

	"dhan-trading-bot/internal/events"
	"dhan-trading-bot/internal/logging"
	"dhan-trading-bot/internal/position"
)

// TradeRecord is one completed round trip in the journal.
type TradeRecord struct {
	ID          int64     `json:"id"`
	Symbol      string    `json:"symbol"`
	Rule        string    `json:"rule"`
	ExitReason  string    `json:"exit_reason"`
	EntryPrice  float64   `json:"entry_price"`
	ExitPrice   float64   `json:"exit_price"`
	Quantity    int       `json:"quantity"`
	RealizedPnL float64   `json:"realized_pnl"`
	EnteredAt   time.Time `json:"entered_at"`
	ExitedAt    time.Time `json:"exited_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// Journal writes completed trades to PostgreSQL and serves the history API.
type Journal struct {
	db     *DB
	logger *logging.Logger
}

// NewJournal creates a journal over an open database.
func NewJournal(db *DB, logger *logging.Logger) *Journal {
	return &Journal{db: db, logger: logger.WithComponent("journal")}
}

// Record inserts one completed trade.
func (j *Journal) Record(ctx context.Context, rec *TradeRecord) error {
	query := `
		INSERT INTO trade_journal (symbol, rule, exit_reason, entry_price, exit_price, quantity, realized_pnl, entered_at, exited_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at
	`
	return j.db.Pool.QueryRow(
		ctx, query,
		rec.Symbol, rec.Rule, rec.ExitReason, rec.EntryPrice, rec.ExitPrice,
		rec.Quantity, rec.RealizedPnL, rec.EnteredAt, rec.ExitedAt,
	).Scan(&rec.ID, &rec.CreatedAt)
}

// RecordPosition journals a closed position.
func (j *Journal) RecordPosition(ctx context.Context, p position.Position) error {
	return j.Record(ctx, &TradeRecord{
		Symbol:      p.Symbol,
		Rule:        string(p.Rule),
		ExitReason:  string(p.ExitReason),
		EntryPrice:  p.EntryPrice,
		ExitPrice:   p.ExitPrice,
		Quantity:    p.Quantity,
		RealizedPnL: p.RealizedPnL,
		EnteredAt:   p.EnteredAt,
		ExitedAt:    p.ExitedAt,
	})
}

// ListTrades returns recent trades, newest first.
func (j *Journal) ListTrades(ctx context.Context, limit, offset int) ([]*TradeRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `
		SELECT id, symbol, rule, exit_reason, entry_price, exit_price, quantity, realized_pnl, entered_at, exited_at, created_at
		FROM trade_journal
		ORDER BY exited_at DESC
		LIMIT $1 OFFSET $2
	`
	rows, err := j.db.Pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TradeRecord
	for rows.Next() {
		var r TradeRecord
		if err := rows.Scan(
			&r.ID, &r.Symbol, &r.Rule, &r.ExitReason, &r.EntryPrice, &r.ExitPrice,
			&r.Quantity, &r.RealizedPnL, &r.EnteredAt, &r.ExitedAt, &r.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// Subscribe journals every trade exit published on the bus. Writes use a
// short timeout so a slow database never blocks the dispatch goroutine.
func (j *Journal) Subscribe(bus *events.EventBus) {
	bus.Subscribe(events.EventTradeExited, func(e events.Event) {
		rec := recordFromEvent(e)
		if rec == nil {
			j.logger.Warn("trade exit event missing journal fields")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := j.Record(ctx, rec); err != nil {
			j.logger.Error("journal write failed", "symbol", rec.Symbol, "error", err.Error())
		}
	})
}

func recordFromEvent(e events.Event) *TradeRecord {
	symbol, ok := e.Data["symbol"].(string)
	if !ok {
		return nil
	}
	rec := &TradeRecord{Symbol: symbol, ExitedAt: e.Timestamp}
	rec.Rule, _ = e.Data["rule"].(string)
	rec.ExitReason, _ = e.Data["reason"].(string)
	rec.EntryPrice, _ = e.Data["entry_price"].(float64)
	rec.ExitPrice, _ = e.Data["exit_price"].(float64)
	rec.RealizedPnL, _ = e.Data["pnl"].(float64)
	if q, ok := e.Data["quantity"].(int); ok {
		rec.Quantity = q
	}
	if at, ok := e.Data["entered_at"].(time.Time); ok {
		rec.EnteredAt = at
	}
	return rec
}
