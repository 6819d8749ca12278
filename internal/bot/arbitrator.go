package bot

import (
	"sync"

	"dhan-trading-bot/internal/strategy"
)

// Arbitrator owns the single trade slot and decides between simultaneous
// triggers. The slot is the one piece of state shared across symbol
// streams, so acquisition is exclusive even when two evaluation cycles
// race.
type Arbitrator struct {
	mu    sync.Mutex
	busy  bool
	order map[string]int // symbol registration order, for stable ties
	next  int
}

// NewArbitrator creates an arbitrator with a free slot.
func NewArbitrator() *Arbitrator {
	return &Arbitrator{order: make(map[string]int)}
}

// Register records a symbol's registration position. First registered wins
// full ties.
func (a *Arbitrator) Register(symbol string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.order[symbol]; !ok {
		a.order[symbol] = a.next
		a.next++
	}
}

// TryAcquire claims the trade slot. It returns false when a trade already
// owns it; the caller must drop its trigger, not queue it.
func (a *Arbitrator) TryAcquire() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.busy {
		return false
	}
	a.busy = true
	return true
}

// Release frees the slot after a confirmed exit or a failed entry.
func (a *Arbitrator) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.busy = false
}

// Busy reports whether a trade owns the slot.
func (a *Arbitrator) Busy() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.busy
}

// Select picks the winning trigger of one evaluation cycle: strongest rule
// first, then lower entry price, then earliest-registered symbol.
func (a *Arbitrator) Select(candidates []strategy.Trigger) *strategy.Trigger {
	if len(candidates) == 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	best := candidates[0]
	for _, c := range candidates[1:] {
		if a.beats(c, best) {
			best = c
		}
	}
	return &best
}

func (a *Arbitrator) beats(x, y strategy.Trigger) bool {
	if x.Rule.Priority() != y.Rule.Priority() {
		return x.Rule.Priority() < y.Rule.Priority()
	}
	if x.Entry != y.Entry {
		return x.Entry < y.Entry
	}
	return a.order[x.Symbol] < a.order[y.Symbol]
}
