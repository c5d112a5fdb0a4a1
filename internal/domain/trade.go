package domain

import "time"

type TradeStatus string

const (
	TradeSubmitted TradeStatus = "SUBMITTED"
	TradeWon       TradeStatus = "WON"
	TradeLost      TradeStatus = "LOST"
	TradeFailed    TradeStatus = "FAILED"
	TradeOpen      TradeStatus = "OPEN"
)

type TradeMetadata struct {
	Market         string
	EntryPrice     float64
	ContractID     string
	BrokerRef      string
	RiskConfidence float64
	FailureReason  string
}

type TradeResult struct {
	TradeID    string
	UserID     string
	SessionID  string
	Status     TradeStatus
	PnL        float64
	ExecutedAt time.Time
	SettledAt  *time.Time
	Metadata   TradeMetadata
}
