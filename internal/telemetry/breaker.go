package telemetry

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerManager wraps sony/gobreaker ratio-based breakers for the
// Execution Core's downstream collaborators (broker REST-ish calls, the
// durable store). This is distinct from the Broker WS Client's bespoke
// sliding-window breaker (internal/broker), which must trip on an exact
// failure count inside a fixed window rather than a request ratio —
// gobreaker's ReadyToTrip(counts) has no way to express "count regardless
// of request volume" the way §4.1 requires.
type BreakerManager struct {
	exchange *gobreaker.CircuitBreaker
	database *gobreaker.CircuitBreaker
	metrics  *Metrics
}

type ServiceSettings struct {
	MinRequests     uint32
	FailureRatio    float64
	OpenTimeout     time.Duration
	HalfOpenMaxReqs uint32
	CountInterval   time.Duration
}

var (
	defaultExchangeSettings = ServiceSettings{MinRequests: 5, FailureRatio: 0.6, OpenTimeout: 30 * time.Second, HalfOpenMaxReqs: 3, CountInterval: 10 * time.Second}
	defaultDatabaseSettings = ServiceSettings{MinRequests: 10, FailureRatio: 0.6, OpenTimeout: 15 * time.Second, HalfOpenMaxReqs: 5, CountInterval: 10 * time.Second}
)

func newBreaker(name string, s ServiceSettings, m *Metrics) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: s.HalfOpenMaxReqs,
		Interval:    s.CountInterval,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= s.MinRequests && counts.TotalFailures > 0 &&
				float64(counts.TotalFailures)/float64(counts.Requests) >= s.FailureRatio
		},
		OnStateChange: func(_ string, _ gobreaker.State, to gobreaker.State) {
			val := 0.0
			if to == gobreaker.StateOpen {
				val = 1.0
			}
			m.CircuitState.WithLabelValues(name).Set(val)
		},
	})
}

func NewBreakerManager() *BreakerManager {
	m := Get()
	return &BreakerManager{
		exchange: newBreaker("exchange", defaultExchangeSettings, m),
		database: newBreaker("database", defaultDatabaseSettings, m),
		metrics:  m,
	}
}

func (b *BreakerManager) Exchange(ctx context.Context, fn func() (any, error)) (any, error) {
	return b.exchange.Execute(fn)
}

func (b *BreakerManager) Database(ctx context.Context, fn func() (any, error)) (any, error) {
	return b.database.Execute(fn)
}
