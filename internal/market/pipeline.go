// Package market implements the Market Data Pipeline (C2): tick
// normalization, per-market deduplication at the pipeline boundary,
// bounded queueing with overflow discard, and fan-out to consumers.
package market

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/haldane-systems/pulsecore/internal/domain"
	"github.com/haldane-systems/pulsecore/internal/telemetry"
)

const volatilityWindow = 20

// annualizationFactor is sqrt(31_536_000) — seconds in a 365-day year
// (§4.2 per-market rolling volatility).
var annualizationFactor = math.Sqrt(31_536_000)

type Config struct {
	QueueCapacity int
	OverflowDrop  int
	BatchInterval time.Duration
}

func DefaultConfig() Config {
	return Config{QueueCapacity: 100, OverflowDrop: 10, BatchInterval: 50 * time.Millisecond}
}

// adapter is the bounded FIFO + volatility window for one market.
type adapter struct {
	mu       sync.Mutex
	queue    []domain.Tick
	capacity int
	overflow int

	prices   []float64
	draining atomic.Bool

	lastEpoch int64
	seen      bool
}

func newAdapter(capacity, overflow int) *adapter {
	return &adapter{capacity: capacity, overflow: overflow}
}

// push appends a tick, applying the overflow-drop-oldest policy of §4.2(c):
// on overflow, drop the oldest `overflow` entries (not the newest),
// returning the number dropped (0 if none).
func (a *adapter) push(t domain.Tick) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	dropped := 0
	if len(a.queue) >= a.capacity {
		n := a.overflow
		if n > len(a.queue) {
			n = len(a.queue)
		}
		a.queue = a.queue[n:]
		dropped = n
	}
	a.queue = append(a.queue, t)
	return dropped
}

func (a *adapter) drainInto(out chan<- domain.Tick) {
	a.mu.Lock()
	batch := a.queue
	a.queue = nil
	a.mu.Unlock()

	for _, t := range batch {
		out <- t
	}
}

func (a *adapter) depth() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

// volatility appends quote to the rolling window and returns the windowed
// standard deviation of log returns over the last volatilityWindow quotes,
// annualized (§4.2). Fewer than three quotes yields 0.
func (a *adapter) volatility(quote float64) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.prices = append(a.prices, quote)
	if len(a.prices) > volatilityWindow+1 {
		a.prices = a.prices[len(a.prices)-(volatilityWindow+1):]
	}
	if len(a.prices) < 3 {
		return 0
	}

	returns := make([]float64, 0, len(a.prices)-1)
	for i := 1; i < len(a.prices); i++ {
		if a.prices[i-1] <= 0 {
			continue
		}
		returns = append(returns, math.Log(a.prices[i]/a.prices[i-1]))
	}
	if len(returns) < 2 {
		return 0
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns) - 1)

	return math.Sqrt(variance) * annualizationFactor
}

// Pipeline owns one adapter per market and a cooperative drainer.
type Pipeline struct {
	cfg Config
	log zerolog.Logger

	adaptersMu sync.RWMutex
	adapters   map[string]*adapter

	out     chan domain.Tick
	ticksDropped atomic.Int64
}

func New(cfg Config, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		log:      log.With().Str("component", "market").Logger(),
		adapters: make(map[string]*adapter),
		out:      make(chan domain.Tick, cfg.QueueCapacity*4),
	}
}

// Output returns the tick_ready stream (§4.2 contract).
func (p *Pipeline) Output() <-chan domain.Tick { return p.out }

func (p *Pipeline) adapterFor(market string) *adapter {
	p.adaptersMu.RLock()
	a, ok := p.adapters[market]
	p.adaptersMu.RUnlock()
	if ok {
		return a
	}

	p.adaptersMu.Lock()
	defer p.adaptersMu.Unlock()
	if a, ok := p.adapters[market]; ok {
		return a
	}
	a = newAdapter(p.cfg.QueueCapacity, p.cfg.OverflowDrop)
	p.adapters[market] = a
	return a
}

// HandleTick is the tick_received(Tick) entry point from the Broker WS
// Client (§4.2). Invalid ticks are counted and dropped (invariant a).
func (p *Pipeline) HandleTick(t domain.Tick) {
	m := telemetry.Get()
	if !t.Valid() {
		p.ticksDropped.Add(1)
		m.TicksDropped.WithLabelValues(t.Market, "invalid_schema").Inc()
		p.log.Debug().Str("market", t.Market).Msg("dropped invalid tick")
		return
	}

	a := p.adapterFor(t.Market)
	a.mu.Lock()
	dup := a.seen && t.Epoch <= a.lastEpoch
	if !dup {
		a.seen = true
		a.lastEpoch = t.Epoch
	}
	a.mu.Unlock()
	if dup {
		p.ticksDropped.Add(1)
		m.TicksDropped.WithLabelValues(t.Market, "duplicate").Inc()
		return
	}
	t.Volatility = a.volatility(t.Quote)

	dropped := a.push(t)
	m.TicksReceived.WithLabelValues(t.Market).Inc()
	m.QueueDepth.WithLabelValues(t.Market).Set(float64(a.depth()))

	if dropped > 0 {
		m.QueueOverflow.WithLabelValues(t.Market).Inc()
		p.log.Warn().Str("market", t.Market).Int("dropped", dropped).Msg("queue_overflow")
	}
}

// Run starts the cooperative drainer: at most every BatchInterval, each
// adapter is drained to empty under a non-reentrant guard so the same
// adapter is never drained by two goroutines at once (§4.2 batching).
func (p *Pipeline) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.BatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.drainAll()
		}
	}
}

func (p *Pipeline) drainAll() {
	p.adaptersMu.RLock()
	adapters := make([]*adapter, 0, len(p.adapters))
	for _, a := range p.adapters {
		adapters = append(adapters, a)
	}
	p.adaptersMu.RUnlock()

	for _, a := range adapters {
		if !a.draining.CompareAndSwap(false, true) {
			continue
		}
		a.drainInto(p.out)
		a.draining.Store(false)
	}
}

// TicksDropped returns the cumulative count of schema-invalid or duplicate
// ticks dropped.
func (p *Pipeline) TicksDropped() int64 { return p.ticksDropped.Load() }
