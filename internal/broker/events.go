package broker

import (
	"time"

	"github.com/haldane-systems/pulsecore/internal/domain"
)

// Events exposes the Broker WS Client's output as typed, bounded channels
// rather than an event-emitter singleton (§9 design notes). The
// composition root wires these into the Market Data Pipeline and
// Execution Core.
type Events struct {
	Connected     chan struct{}
	Disconnected  chan string
	Tick          chan domain.Tick
	Settled       chan Settlement
	Heartbeat     chan time.Duration
	CircuitOpened chan string
	Error         chan error
}

const eventBufferSize = 256

func newEvents() *Events {
	return &Events{
		Connected:     make(chan struct{}, eventBufferSize),
		Disconnected:  make(chan string, eventBufferSize),
		Tick:          make(chan domain.Tick, eventBufferSize),
		Settled:       make(chan Settlement, eventBufferSize),
		Heartbeat:     make(chan time.Duration, eventBufferSize),
		CircuitOpened: make(chan string, eventBufferSize),
		Error:         make(chan error, eventBufferSize),
	}
}

// emit drops the event rather than blocking the reader/heartbeat loop when
// a consumer has stopped draining; the dropped event is not logged (mirrors §4.2's
// overflow-by-drop backpressure policy, applied here to lower-volume
// lifecycle events).
func emit[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
	}
}
