// Package userrisk tracks the mutable half of domain.UserRiskState: the
// running drawdown/daily-loss/trade-count counters that spec §2 says are
// "mutated by settlement outcomes". Limits come from one tracker-wide
// default, overridable per user; counters live in memory, mutex-guarded the way internal/session.Registry
// guards its session map. PnL accumulation uses shopspring/decimal rather
// than float64 summation since these counters compound across an entire
// trading day and small float drift would eventually misfire a loss gate.
package userrisk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/haldane-systems/pulsecore/internal/domain"
)

// Limits are the per-user trade/drawdown/loss ceilings (§2); they are not
// keyed by risk profile.
type Limits struct {
	MaxDrawdown         float64
	MaxDailyLoss        float64
	MaxTradesPerSession int
}

type userState struct {
	limits          Limits
	drawdown        decimal.Decimal
	dailyLoss       decimal.Decimal
	tradesToday     int
	isOptedOut      bool
	dayBoundary     time.Time
}

// Tracker owns one userState per user, given the tracker's default Limits
// on first sight.
type Tracker struct {
	mu       sync.Mutex
	states   map[string]*userState
	defaults Limits
	now      func() time.Time
}

func New(defaults Limits) *Tracker {
	return &Tracker{
		states:   make(map[string]*userState),
		defaults: defaults,
		now:      time.Now,
	}
}

func (t *Tracker) stateFor(userID string) *userState {
	s, ok := t.states[userID]
	if !ok {
		s = &userState{limits: t.defaults, dayBoundary: dayStart(t.now())}
		t.states[userID] = s
	}
	t.rollDay(s)
	return s
}

// rollDay resets the daily-loss and trade counters when the wall-clock date
// has advanced past the user's last-seen day boundary.
func (t *Tracker) rollDay(s *userState) {
	today := dayStart(t.now())
	if today.After(s.dayBoundary) {
		s.dailyLoss = decimal.Zero
		s.tradesToday = 0
		s.dayBoundary = today
	}
}

func dayStart(ts time.Time) time.Time {
	y, m, d := ts.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, ts.Location())
}

// SetLimits overrides the per-user limits (e.g. from a linked account's
// configured caps), otherwise a user inherits the tracker's defaults.
func (t *Tracker) SetLimits(userID string, limits Limits) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stateFor(userID)
	s.limits = limits
}

// SetOptedOut flips a user's opt-out flag (§4.4 gate 1).
func (t *Tracker) SetOptedOut(userID string, optedOut bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stateFor(userID).isOptedOut = optedOut
}

// Get returns the current domain.UserRiskState snapshot for userID.
func (t *Tracker) Get(userID string) domain.UserRiskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stateFor(userID)
	return domain.UserRiskState{
		MaxDrawdown:         s.limits.MaxDrawdown,
		MaxDailyLoss:        s.limits.MaxDailyLoss,
		MaxTradesPerSession: s.limits.MaxTradesPerSession,
		CurrentDrawdown:     clampNonNegative(s.drawdown).InexactFloat64(),
		CurrentDailyLoss:    clampNonNegative(s.dailyLoss).InexactFloat64(),
		TradesToday:         s.tradesToday,
		IsOptedOut:          s.isOptedOut,
	}
}

// OnSettlement mutates a user's running counters from a settled trade's
// PnL: a loss deepens the drawdown and daily-loss counters and a win claws
// the drawdown back toward zero, never below it. Every settlement counts
// toward the daily trade count regardless of outcome.
func (t *Tracker) OnSettlement(userID string, pnl float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stateFor(userID)

	amount := decimal.NewFromFloat(pnl)
	s.tradesToday++
	if amount.IsNegative() {
		loss := amount.Neg()
		s.drawdown = s.drawdown.Add(loss)
		s.dailyLoss = s.dailyLoss.Add(loss)
		return
	}
	s.drawdown = clampNonNegative(s.drawdown.Sub(amount))
}

// Reset clears a user's running counters, e.g. on session completion.
func (t *Tracker) Reset(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stateFor(userID)
	s.drawdown = decimal.Zero
	s.dailyLoss = decimal.Zero
	s.tradesToday = 0
}

func clampNonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
