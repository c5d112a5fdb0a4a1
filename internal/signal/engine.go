package signal

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/haldane-systems/pulsecore/internal/domain"
	"github.com/haldane-systems/pulsecore/internal/telemetry"
)

// WinRateLookup resolves a user's recent win rate for a market, feeding
// the adaptive strategy rule. Returns false if no history exists yet.
type WinRateLookup func(userID, market string) (float64, bool)

// Engine owns one State per market, serializing updates so "a single
// indicator state per market is updated by at most one task at a time"
// (§5) holds even under concurrent tick delivery.
type Engine struct {
	log zerolog.Logger

	mu     sync.Mutex
	states map[string]*State

	winRate WinRateLookup
	now     func() time.Time
}

func New(log zerolog.Logger, winRate WinRateLookup) *Engine {
	return &Engine{
		log:     log.With().Str("component", "signal").Logger(),
		states:  make(map[string]*State),
		winRate: winRate,
		now:     time.Now,
	}
}

func (e *Engine) stateFor(market string) *State {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.states[market]
	if !ok {
		s = NewState()
		e.states[market] = s
	}
	return s
}

// ProcessTick is the process_tick(Tick) → Signal? contract of §4.3: a
// signal is produced only when (i) sufficient history has accumulated,
// (ii) a registry rule fires, and (iii) the resulting confidence clears
// the session's min_confidence floor (when a session config is supplied).
func (e *Engine) ProcessTick(t domain.Tick, userID string, minConfidence *float64) *domain.Signal {
	state := e.stateFor(t.Market)
	e.mu.Lock()
	snap := state.Update(t.Quote)
	sufficient := state.HasSufficientHistory()
	prices := append([]float64(nil), state.Prices...)
	e.mu.Unlock()

	if !sufficient {
		return nil
	}

	ctx := evalContext{Market: t.Market, Snap: snap, Prices: prices}
	if e.winRate != nil && userID != "" {
		if wr, ok := e.winRate(userID, t.Market); ok {
			ctx.WinRate = &wr
		}
	}

	best := -1
	var bestType domain.SignalType
	var bestConf float64
	var bestReason string

	for i, r := range registry {
		if !r.applies(t.Market) {
			continue
		}
		typ, conf, reason, fired := r.Eval(ctx)
		if !fired || conf < r.MinConfidence {
			continue
		}
		if best == -1 || conf > bestConf {
			best = i
			bestType = typ
			bestConf = conf
			bestReason = fmtRule(r.Name) + ": " + reason
		}
	}
	if best == -1 {
		return nil
	}

	floor := registry[best].MinConfidence
	if minConfidence != nil && *minConfidence > floor {
		floor = *minConfidence
	}
	if bestConf < floor {
		return nil
	}

	sig := buildSignal(t.Market, bestType, bestConf, bestReason, snap, e.now())

	m := telemetry.Get()
	m.SignalsEmitted.WithLabelValues(t.Market, string(bestType)).Inc()
	e.log.Debug().Str("market", t.Market).Str("type", string(bestType)).
		Float64("confidence", bestConf).Str("reason", bestReason).Msg("signal emitted")

	return sig
}

// GenerateSignal replays a full tick sequence through a scratch state and
// returns the most recent signal any tick produced (nil if none did) — the
// batch-oriented variant of ProcessTick defined by §4.3's generate_signal
// contract, computing the same result as feeding the ticks through a fresh
// engine's ProcessTick one at a time and keeping the last non-nil signal.
func (e *Engine) GenerateSignal(ticks []domain.Tick, userID string, minConfidence *float64) *domain.Signal {
	scratch := &Engine{log: e.log, states: make(map[string]*State), winRate: e.winRate, now: e.now}
	var last *domain.Signal
	for _, t := range ticks {
		if sig := scratch.ProcessTick(t, userID, minConfidence); sig != nil {
			last = sig
		}
	}
	return last
}
