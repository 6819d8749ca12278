// Package marketdata delivers ordered ticks to the engine, either from the
// live broker websocket or from a historical replay.
package marketdata

import "dhan-trading-bot/internal/bot"

// TickHandler receives each tick in arrival order. Handlers are called from
// the feed's own goroutine; the engine serializes internally.
type TickHandler func(bot.Tick)

// Feed is a source of market ticks.
type Feed interface {
	// Start begins delivery. It returns once the feed is running; delivery
	// happens on a background goroutine until Stop.
	Start() error
	Stop()
}
