// Package events carries the trade-lifecycle and detection events the engine
// emits for logging, journaling and the HTTP status surface.
package events

import (
	"sync"
	"time"

	"dhan-trading-bot/internal/clock"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventCandleCompleted EventType = "CANDLE_COMPLETED"
	EventZoneCreated     EventType = "ZONE_CREATED"
	EventZoneMitigated   EventType = "ZONE_MITIGATED"
	EventSweepDetected   EventType = "SWEEP_DETECTED"
	EventTriggerFired    EventType = "TRIGGER_FIRED"
	EventTriggerDropped  EventType = "TRIGGER_DROPPED"
	EventTradeEntered    EventType = "TRADE_ENTERED"
	EventStopUpdated     EventType = "STOP_UPDATED"
	EventTargetUpdated   EventType = "TARGET_UPDATED"
	EventTradeExited     EventType = "TRADE_EXITED"
	EventBalanceUpdate   EventType = "BALANCE_UPDATE"
	EventBotStarted      EventType = "BOT_STARTED"
	EventBotStopped      EventType = "BOT_STOPPED"
	EventError           EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
	clock       clock.Clock
}

// NewEventBus creates a new event bus. Events published without a timestamp
// are stamped from clk, so replayed events carry simulated time.
func NewEventBus(clk clock.Clock) *EventBus {
	if clk == nil {
		clk = clock.Real{}
	}
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
		clock:       clk,
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	// Set timestamp if not provided
	if event.Timestamp.IsZero() {
		event.Timestamp = eb.clock.Now()
	}

	// Notify specific subscribers
	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event) // Run in goroutine to avoid blocking
		}
	}

	// Notify all-event subscribers
	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishSweepDetected publishes a sweep of the armed reference level
func (eb *EventBus) PublishSweepDetected(symbol string, reference, sweptLow float64, at time.Time) {
	eb.Publish(Event{
		Type:      EventSweepDetected,
		Timestamp: at,
		Data: map[string]interface{}{
			"symbol":    symbol,
			"reference": reference,
			"swept_low": sweptLow,
		},
	})
}

// PublishTriggerFired publishes a fully-priced entry trigger
func (eb *EventBus) PublishTriggerFired(symbol, rule string, entry, stopLoss, target float64, at time.Time) {
	eb.Publish(Event{
		Type:      EventTriggerFired,
		Timestamp: at,
		Data: map[string]interface{}{
			"symbol":    symbol,
			"rule":      rule,
			"entry":     entry,
			"stop_loss": stopLoss,
			"target":    target,
		},
	})
}

// PublishTradeEntered publishes a confirmed entry fill
func (eb *EventBus) PublishTradeEntered(symbol, rule string, entryPrice float64, quantity int, stopLoss, target float64, at time.Time) {
	eb.Publish(Event{
		Type:      EventTradeEntered,
		Timestamp: at,
		Data: map[string]interface{}{
			"symbol":      symbol,
			"rule":        rule,
			"entry_price": entryPrice,
			"quantity":    quantity,
			"stop_loss":   stopLoss,
			"target":      target,
		},
	})
}

// PublishStopUpdated publishes a confirmed stop-loss replacement
func (eb *EventBus) PublishStopUpdated(symbol string, oldStop, newStop float64, at time.Time) {
	eb.Publish(Event{
		Type:      EventStopUpdated,
		Timestamp: at,
		Data: map[string]interface{}{
			"symbol":   symbol,
			"old_stop": oldStop,
			"new_stop": newStop,
		},
	})
}

// PublishTargetUpdated publishes a confirmed target escalation
func (eb *EventBus) PublishTargetUpdated(symbol string, oldTarget, newTarget, rewardRisk float64, at time.Time) {
	eb.Publish(Event{
		Type:      EventTargetUpdated,
		Timestamp: at,
		Data: map[string]interface{}{
			"symbol":      symbol,
			"old_target":  oldTarget,
			"new_target":  newTarget,
			"reward_risk": rewardRisk,
		},
	})
}

// PublishTradeExited publishes a completed round trip with its realized P&L
func (eb *EventBus) PublishTradeExited(symbol, rule, reason string, entryPrice, exitPrice float64, quantity int, pnl float64, enteredAt, at time.Time) {
	eb.Publish(Event{
		Type:      EventTradeExited,
		Timestamp: at,
		Data: map[string]interface{}{
			"symbol":      symbol,
			"rule":        rule,
			"reason":      reason,
			"entry_price": entryPrice,
			"exit_price":  exitPrice,
			"quantity":    quantity,
			"pnl":         pnl,
			"entered_at":  enteredAt,
		},
	})
}

// PublishZoneCreated publishes a newly detected liquidity zone
func (eb *EventBus) PublishZoneCreated(symbol, direction, source string, top, bottom float64, at time.Time) {
	eb.Publish(Event{
		Type:      EventZoneCreated,
		Timestamp: at,
		Data: map[string]interface{}{
			"symbol":    symbol,
			"direction": direction,
			"source":    source,
			"top":       top,
			"bottom":    bottom,
		},
	})
}

// PublishZoneMitigated publishes a zone retired by a re-entry
func (eb *EventBus) PublishZoneMitigated(symbol, direction, source string, top, bottom float64, at time.Time) {
	eb.Publish(Event{
		Type:      EventZoneMitigated,
		Timestamp: at,
		Data: map[string]interface{}{
			"symbol":    symbol,
			"direction": direction,
			"source":    source,
			"top":       top,
			"bottom":    bottom,
		},
	})
}

// PublishCandleCompleted publishes a completed candle at any timeframe
func (eb *EventBus) PublishCandleCompleted(symbol, timeframe string, open, high, low, close float64, at time.Time) {
	eb.Publish(Event{
		Type:      EventCandleCompleted,
		Timestamp: at,
		Data: map[string]interface{}{
			"symbol":    symbol,
			"timeframe": timeframe,
			"open":      open,
			"high":      high,
			"low":       low,
			"close":     close,
		},
	})
}

// PublishBalanceUpdate publishes the account balance after a round trip
func (eb *EventBus) PublishBalanceUpdate(balance, change float64, at time.Time) {
	eb.Publish(Event{
		Type:      EventBalanceUpdate,
		Timestamp: at,
		Data: map[string]interface{}{
			"balance": balance,
			"change":  change,
		},
	})
}

// PublishBotStarted announces engine startup with the watched symbols
func (eb *EventBus) PublishBotStarted(symbols []string) {
	eb.Publish(Event{
		Type: EventBotStarted,
		Data: map[string]interface{}{
			"symbols": symbols,
		},
	})
}

// PublishBotStopped announces engine shutdown
func (eb *EventBus) PublishBotStopped() {
	eb.Publish(Event{
		Type: EventBotStopped,
		Data: map[string]interface{}{},
	})
}

func (eb *EventBus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type: EventError,
		Data: data,
	})
}
