package domain

import "time"

type RiskProfile string

const (
	RiskLow    RiskProfile = "LOW"
	RiskMedium RiskProfile = "MEDIUM"
	RiskHigh   RiskProfile = "HIGH"
)

type SessionStatus string

const (
	SessionPending   SessionStatus = "PENDING"
	SessionActive    SessionStatus = "ACTIVE"
	SessionRunning   SessionStatus = "RUNNING"
	SessionPaused    SessionStatus = "PAUSED"
	SessionCompleted SessionStatus = "COMPLETED"
)

type ParticipantStatus string

const (
	ParticipantPending  ParticipantStatus = "PENDING"
	ParticipantActive   ParticipantStatus = "ACTIVE"
	ParticipantFailed   ParticipantStatus = "FAILED"
	ParticipantRemoved  ParticipantStatus = "REMOVED"
	ParticipantOptedOut ParticipantStatus = "OPTED_OUT"
)

// SessionConfig is immutable except IsPaused and CurrentPnL.
type SessionConfig struct {
	RiskProfile         RiskProfile
	MaxStake            float64
	MinConfidence       float64
	AllowedMarkets      map[string]struct{}
	GlobalLossThreshold float64
	IsPaused            bool
	CurrentPnL          float64
	MaxParticipants     int
}

// AllowsMarket reports whether m is permitted by this config. An empty
// allow-list means every market is allowed (§4.6 pause_sessions_by_market
// treats an empty set the same way).
func (c SessionConfig) AllowsMarket(m string) bool {
	if len(c.AllowedMarkets) == 0 {
		return true
	}
	_, ok := c.AllowedMarkets[m]
	return ok
}

// Clone returns a shallow copy of the config with its own AllowedMarkets
// set, matching §4.6's "config is shallow-copied" snapshot rule.
func (c SessionConfig) Clone() SessionConfig {
	cp := c
	cp.AllowedMarkets = make(map[string]struct{}, len(c.AllowedMarkets))
	for m := range c.AllowedMarkets {
		cp.AllowedMarkets[m] = struct{}{}
	}
	return cp
}

type UserRiskState struct {
	MaxDrawdown        float64
	MaxDailyLoss       float64
	MaxTradesPerSession int
	CurrentDrawdown    float64
	CurrentDailyLoss   float64
	TradesToday        int
	IsOptedOut         bool
}

type Participant struct {
	UserID   string
	Status   ParticipantStatus
	PnL      float64
	JoinedAt time.Time
}

type Session struct {
	ID           string
	Status       SessionStatus
	Config       SessionConfig
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	Participants map[string]Participant // user_id -> Participant, insertion order tracked separately
	Order        []string                // participant insertion order, for stable fan-out (§5)
	AdminID      string
}

// Snapshot returns a deep copy: the participant map and order slice are
// copied, the config is shallow-copied (§4.6 immutability discipline).
func (s Session) Snapshot() Session {
	cp := s
	cp.Config = s.Config.Clone()
	cp.Participants = make(map[string]Participant, len(s.Participants))
	for k, v := range s.Participants {
		cp.Participants[k] = v
	}
	cp.Order = append([]string(nil), s.Order...)
	return cp
}
