package strategy

import (
	"time"

	"dhan-trading-bot/internal/logging"
	"dhan-trading-bot/internal/market"
)

// State is the detector's sweep cycle phase.
type State string

const (
	// StateIdle waits for a Bear or Neutral 15m candle to anchor a sweep
	// reference.
	StateIdle State = "IDLE"
	// StateSweepPending has a reference low armed and waits for a 1m candle
	// to trade below it.
	StateSweepPending State = "SWEEP_PENDING"
	// StateTriggerArmed evaluates the entry rules on every completed 1m
	// candle.
	StateTriggerArmed State = "TRIGGER_ARMED"
	// StateTradeActive means a trigger was handed off; the detector stays
	// quiet until the trade exits.
	StateTradeActive State = "TRADE_ACTIVE"
)

// invalidationCloses is how many consecutive 15m closes below a swept
// reference abandon the setup.
const invalidationCloses = 2

// Detector is the per-symbol sweep/trigger state machine. It is driven only
// by that symbol's completed candles and holds no locks.
type Detector struct {
	symbol string
	logger *logging.Logger
	zones  ZoneQuerier

	state     State
	sweepRef  float64
	sweepAt   time.Time
	bearTrack []market.Candle

	closesBelow int // consecutive 15m closes below the swept reference

	last1m []market.Candle

	sessionHigh float64
	sessionLow  float64
}

// NewDetector creates an idle detector for one symbol.
func NewDetector(symbol string, zones ZoneQuerier, logger *logging.Logger) *Detector {
	return &Detector{
		symbol: symbol,
		zones:  zones,
		logger: logger.WithComponent("detector").WithField("symbol", symbol),
		state:  StateIdle,
	}
}

// State returns the current phase.
func (d *Detector) State() State { return d.state }

// SweepReference returns the armed reference low, if any.
func (d *Detector) SweepReference() (float64, bool) {
	if d.state == StateSweepPending || d.state == StateTriggerArmed {
		return d.sweepRef, true
	}
	return 0, false
}

// SessionRange returns the session high and low seen so far.
func (d *Detector) SessionRange() (high, low float64) {
	return d.sessionHigh, d.sessionLow
}

// OnCandle feeds one completed candle to the state machine and returns a
// trigger when an entry rule fires. Only 1m and 15m candles advance state.
func (d *Detector) OnCandle(c market.Candle) *Trigger {
	switch c.Timeframe {
	case market.Timeframe1m:
		return d.on1m(c)
	case market.Timeframe15m:
		d.on15m(c)
	}
	return nil
}

// NotifyTradeExit restarts the sweep cycle after the active trade closes.
func (d *Detector) NotifyTradeExit() {
	if d.state != StateTradeActive {
		return
	}
	d.reset("trade exited")
}

func (d *Detector) on1m(c market.Candle) *Trigger {
	d.trackSession(c)
	d.last1m = append(d.last1m, c)
	if len(d.last1m) > 3 {
		d.last1m = d.last1m[1:]
	}

	switch d.state {
	case StateSweepPending:
		if c.Low < d.sweepRef {
			d.state = StateTriggerArmed
			d.sweepAt = c.StartTime
			d.closesBelow = 0
			d.logger.Info("sweep detected",
				"reference", d.sweepRef, "swept_low", c.Low, "at", c.StartTime)
		}
	case StateTriggerArmed:
		in := RuleInput{
			Symbol:    d.symbol,
			Last1m:    d.last1m,
			SweepTime: d.sweepAt,
			BearTrack: d.bearTrack,
			Zones:     d.zones,
		}
		for _, r := range entryRules {
			if trig, ok := r.eval(in, c); ok {
				d.state = StateTradeActive
				d.logger.Info("trigger fired",
					"rule", string(trig.Rule), "entry", trig.Entry,
					"stop_loss", trig.StopLoss, "target", trig.Target)
				return &trig
			}
		}
	}
	return nil
}

func (d *Detector) on15m(c market.Candle) {
	switch d.state {
	case StateIdle:
		if c.IsBearish() {
			d.bearTrack = append(d.bearTrack[:0], c)
			d.sweepRef = c.Low
			d.state = StateSweepPending
			d.logger.Debug("sweep reference armed", "reference", d.sweepRef)
		}
	case StateSweepPending:
		if c.IsBearish() {
			// later bearish candles extend the run and refine the
			// reference downward
			d.bearTrack = append(d.bearTrack, c)
			if c.Low < d.sweepRef {
				d.sweepRef = c.Low
				d.logger.Debug("sweep reference refined", "reference", d.sweepRef)
			}
		} else {
			// a bull candle breaks the run; wait for the next anchor
			d.reset("bearish run broken")
		}
	case StateTriggerArmed:
		if c.Close < d.sweepRef {
			d.closesBelow++
			if d.closesBelow >= invalidationCloses {
				d.reset("swept reference invalidated")
			}
		} else {
			d.closesBelow = 0
		}
	}
}

func (d *Detector) trackSession(c market.Candle) {
	if d.sessionLow == 0 || c.Low < d.sessionLow {
		d.sessionLow = c.Low
	}
	if c.High > d.sessionHigh {
		d.sessionHigh = c.High
	}
}

func (d *Detector) reset(reason string) {
	d.logger.Debug("detector reset", "reason", reason, "from_state", string(d.state))
	d.state = StateIdle
	d.bearTrack = d.bearTrack[:0]
	d.sweepRef = 0
	d.closesBelow = 0
}
