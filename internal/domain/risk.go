package domain

type RiskResult string

const (
	Approved RiskResult = "APPROVED"
	Rejected RiskResult = "REJECTED"
)

// RiskRejectReason enumerates the fixed, prioritized rejection codes of
// §4.4. The numeric comment marks priority: lower fires first.
type RiskRejectReason string

const (
	UserOptedOut             RiskRejectReason = "USER_OPTED_OUT"             // 1
	UserMaxDrawdownReached   RiskRejectReason = "USER_MAX_DRAWDOWN_REACHED"  // 1
	UserDailyLossLimit       RiskRejectReason = "USER_DAILY_LOSS_LIMIT"      // 1
	UserMaxTradesReached     RiskRejectReason = "USER_MAX_TRADES_REACHED"    // 1
	SessionPausedReason      RiskRejectReason = "SESSION_PAUSED"             // 2
	SessionLossThreshold     RiskRejectReason = "SESSION_LOSS_THRESHOLD"     // 2
	MarketNotAllowed         RiskRejectReason = "MARKET_NOT_ALLOWED"         // 3
	MinConfidenceNotMet      RiskRejectReason = "MIN_CONFIDENCE_NOT_MET"     // 3
	SessionMaxStakeExceeded  RiskRejectReason = "SESSION_MAX_STAKE_EXCEEDED" // 4
)

type RiskCheck struct {
	UserID        string
	SessionID     string
	Result        RiskResult
	Reason        RiskRejectReason
	ProposedTrade Signal
	Stake         float64
	MemoryID      string
}

// ProfileParams holds the stake multiplier and confidence floor for a risk
// profile (§4.4).
type ProfileParams struct {
	StakeMultiplier float64
	MinConfidence   float64
}

var DefaultProfiles = map[RiskProfile]ProfileParams{
	RiskLow:    {StakeMultiplier: 0.5, MinConfidence: 0.8},
	RiskMedium: {StakeMultiplier: 1.0, MinConfidence: 0.65},
	RiskHigh:   {StakeMultiplier: 1.5, MinConfidence: 0.5},
}
