package marketdata

import (
	"sort"

	"dhan-trading-bot/internal/bot"
	"dhan-trading-bot/internal/clock"
	"dhan-trading-bot/internal/logging"
)

// Replay drives the engine through historical ticks. Ticks sharing a
// timestamp are delivered as one cycle so multi-symbol arbitration sees
// them together, exactly as a live feed burst would.
type Replay struct {
	engine *bot.Engine
	clock  *clock.Simulated
	logger *logging.Logger
}

// NewReplay creates a replay driver over a simulated clock.
func NewReplay(engine *bot.Engine, clk *clock.Simulated, logger *logging.Logger) *Replay {
	return &Replay{
		engine: engine,
		clock:  clk,
		logger: logger.WithComponent("replay"),
	}
}

// Run sorts ticks by time (stable, preserving per-symbol order for equal
// timestamps), advances the clock to each timestamp, and feeds the engine
// one cycle per timestamp. It stops on the first engine error.
func (r *Replay) Run(ticks []bot.Tick) error {
	sort.SliceStable(ticks, func(i, j int) bool {
		return ticks[i].Time.Before(ticks[j].Time)
	})

	var cycles int
	for i := 0; i < len(ticks); {
		j := i + 1
		for j < len(ticks) && ticks[j].Time.Equal(ticks[i].Time) {
			j++
		}
		r.clock.Advance(ticks[i].Time)
		if err := r.engine.OnCycle(ticks[i:j]); err != nil {
			return err
		}
		cycles++
		i = j
	}

	r.logger.Info("replay finished", "ticks", len(ticks), "cycles", cycles)
	return nil
}
