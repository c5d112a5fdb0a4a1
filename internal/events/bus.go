// Package events is the core's composition-based publisher (§7 REDESIGN
// FLAGS: no event-emitter base class — producers take typed sink callbacks,
// and the composition root wires those sinks to Publish on a Bus). The core
// emits but never routes;
// an external fan-out layer is the only subscriber in production.
package events

import (
	"context"
	"encoding/json"
	"time"
)

// Topic names match spec.md's event vocabulary exactly.
const (
	TopicSignalEmitted       = "signal_emitted"
	TopicRiskCheckCompleted  = "risk_check_completed"
	TopicTradeExecuted       = "TRADE_EXECUTED"
	TopicTradeSettled        = "TRADE_SETTLED"
	TopicSessionStatusUpdate = "session_status_update"
)

// Event wraps a typed payload with a topic and emission time, so a single
// subscriber handler can dispatch on Topic without knowing every producer's
// concrete type.
type Event struct {
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	EmittedAt time.Time       `json:"emitted_at"`
}

// Handler processes a received Event. It returns nothing, so a handler
// cannot fail or retry the publish (§7: the bus emits, it doesn't
// guarantee delivery semantics beyond at-most-once per subscriber).
type Handler func(Event)

// Bus is what the composition root publishes through — never a concrete
// transport. The producers (risk.Guard, execution.Core, session.Registry)
// hold sink callbacks rather than a Bus, and signal.Engine returns its
// signals; cmd/pipeline publishes both onto the Bus.
type Bus interface {
	Publish(ctx context.Context, topic string, payload any) error
	Subscribe(topic string, h Handler) (Subscription, error)
	Close() error
}

// Subscription unsubscribes on Close; implementations wrap the underlying
// transport's subscription handle (NATS subscription, or a channel-close).
type Subscription interface {
	Close() error
}

// marshal JSON-encodes payload into an Event for topic, stamped with now. A
// package helper exists to factor the JSON marshal from both bus
// implementations' Publish method.
func marshal(topic string, payload any, now time.Time) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Topic: topic, Payload: data, EmittedAt: now}, nil
}
