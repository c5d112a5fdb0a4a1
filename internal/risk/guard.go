// Package risk implements the Risk Guard (C4): a layered, fixed-priority
// rejection engine plus the recommended-stake formula of §4.4.
package risk

import (
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/haldane-systems/pulsecore/internal/domain"
	"github.com/haldane-systems/pulsecore/internal/telemetry"
)

// EventSink receives every evaluation, approved or rejected (§4.4:
// "Emits risk_check_completed(RiskCheck) for every evaluation").
type EventSink func(domain.RiskCheck)

type Guard struct {
	log  zerolog.Logger
	sink EventSink
}

func New(log zerolog.Logger, sink EventSink) *Guard {
	return &Guard{log: log.With().Str("component", "risk").Logger(), sink: sink}
}

// Validate runs the fixed-priority rejection ladder of §4.4 and returns the
// resulting RiskCheck. profile supplies the stake multiplier / confidence
// floor for the session's risk profile.
func (g *Guard) Validate(userID, sessionID string, signal domain.Signal, cfg domain.SessionConfig, user domain.UserRiskState, profile domain.ProfileParams, proposedStake float64) domain.RiskCheck {
	check := domain.RiskCheck{
		UserID:        userID,
		SessionID:     sessionID,
		ProposedTrade: signal,
		Stake:         proposedStake,
	}

	if reason, rejected := g.evaluate(signal, cfg, user, profile, proposedStake); rejected {
		check.Result = domain.Rejected
		check.Reason = reason
	} else {
		check.Result = domain.Approved
	}

	g.emit(check)
	return check
}

func (g *Guard) evaluate(signal domain.Signal, cfg domain.SessionConfig, user domain.UserRiskState, profile domain.ProfileParams, stake float64) (domain.RiskRejectReason, bool) {
	// 1. User gate.
	switch {
	case user.IsOptedOut:
		return domain.UserOptedOut, true
	case user.CurrentDrawdown >= user.MaxDrawdown:
		return domain.UserMaxDrawdownReached, true
	case user.CurrentDailyLoss >= user.MaxDailyLoss:
		return domain.UserDailyLossLimit, true
	case user.TradesToday >= user.MaxTradesPerSession:
		return domain.UserMaxTradesReached, true
	}

	// 2. Session gate.
	switch {
	case cfg.IsPaused:
		return domain.SessionPausedReason, true
	case cfg.CurrentPnL <= -cfg.GlobalLossThreshold:
		return domain.SessionLossThreshold, true
	}

	// 3. Signal gate.
	minConfidence := cfg.MinConfidence
	if profile.MinConfidence > minConfidence {
		minConfidence = profile.MinConfidence
	}
	switch {
	case !cfg.AllowsMarket(signal.Market):
		return domain.MarketNotAllowed, true
	case signal.Confidence < minConfidence:
		return domain.MinConfidenceNotMet, true
	}

	// 4. Stake gate.
	if stake > cfg.MaxStake*profile.StakeMultiplier {
		return domain.SessionMaxStakeExceeded, true
	}

	return "", false
}

// RecommendedStake implements §4.4: base·profile.stake_mult, then linear
// reductions past a 0.5 drawdown/loss ratio, floored at 1 and rounded to 2
// decimals.
func RecommendedStake(base float64, profile domain.ProfileParams, user domain.UserRiskState) float64 {
	stake := base * profile.StakeMultiplier

	if user.MaxDrawdown > 0 {
		ratio := user.CurrentDrawdown / user.MaxDrawdown
		if ratio > 0.5 {
			stake *= 2 * (1 - ratio)
		}
	}
	if user.MaxDailyLoss > 0 {
		ratio := user.CurrentDailyLoss / user.MaxDailyLoss
		if ratio > 0.5 {
			stake *= 2 * (1 - ratio)
		}
	}

	if stake < 1 {
		stake = 1
	}
	rounded, _ := decimal.NewFromFloat(stake).Round(2).Float64()
	return rounded
}

func (g *Guard) emit(check domain.RiskCheck) {
	m := telemetry.Get()
	m.RiskChecks.WithLabelValues(string(check.Result), string(check.Reason)).Inc()
	g.log.Debug().Str("user_id", check.UserID).Str("result", string(check.Result)).
		Str("reason", string(check.Reason)).Msg("risk_check_completed")

	if g.sink != nil {
		g.sink(check)
	}
}
