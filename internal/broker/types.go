package broker

import "time"

// Config holds the Broker WS Client's tunables (§4.1, §6).
type Config struct {
	WSURL               string
	AppID               string
	HeartbeatInterval   time.Duration
	HeartbeatTimeout    time.Duration
	ReconnectBase       time.Duration
	ReconnectMax        time.Duration
	CircuitWindow       time.Duration
	CircuitThreshold    int
	RequestTimeout      time.Duration
	ConnectTimeout      time.Duration
}

// DefaultConfig mirrors the §4.1/§6 default numbers.
func DefaultConfig(wsURL, appID string) Config {
	return Config{
		WSURL:             wsURL,
		AppID:             appID,
		HeartbeatInterval: 10 * time.Second,
		HeartbeatTimeout:  15 * time.Second,
		ReconnectBase:     1 * time.Second,
		ReconnectMax:      30 * time.Second,
		CircuitWindow:     30 * time.Second,
		CircuitThreshold:  5,
		RequestTimeout:    10 * time.Second,
		ConnectTimeout:    5 * time.Second,
	}
}

type ProposeParams struct {
	ContractType string // "CALL" or "PUT"
	Symbol       string
	Amount       float64
	Currency     string
	Duration     int
	DurationUnit string // "s" or "m"
	Basis        string // "stake"
}

type Proposal struct {
	ProposalID string
	AskPrice   float64
	Payout     float64
}

type BuyResult struct {
	ContractID    int64
	BuyPrice      float64
	TransactionID int64
	Payout        float64
}

type Outcome string

const (
	Win  Outcome = "win"
	Loss Outcome = "loss"
)

type Settlement struct {
	ContractID int64
	Outcome    Outcome
	PnL        float64
}
