// Package execution implements the Execution Core (C5): idempotent,
// per-order-isolated trade execution against the broker WS client.
package execution

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/haldane-systems/pulsecore/internal/broker"
	"github.com/haldane-systems/pulsecore/internal/creds"
	"github.com/haldane-systems/pulsecore/internal/domain"
	"github.com/haldane-systems/pulsecore/internal/idempotency"
	"github.com/haldane-systems/pulsecore/internal/pulsecoreerr"
	"github.com/haldane-systems/pulsecore/internal/telemetry"
)

// Store persists trade rows. A real implementation lives in
// internal/store; callers in tests use an in-memory double.
type Store interface {
	InsertTrade(ctx context.Context, trade domain.TradeResult) error
	UpdateSettlement(ctx context.Context, tradeID string, status domain.TradeStatus, pnl float64, settledAt time.Time) error
}

// ClientFactory returns a fresh, unconnected Broker WS Client for one
// order (§4.5: "A fresh Broker WS Client instance is created per order").
type ClientFactory func() *broker.Client

// EventSink receives TRADE_EXECUTED / TRADE_SETTLED events.
type EventSink func(domain.TradeResult)

type StakeConfig struct {
	Base           float64
	Min            float64
	Max            float64
	ConfidenceMult bool
}

type Config struct {
	Stake              StakeConfig
	DefaultDuration    *domain.Duration
	SettlementTimeout  time.Duration
	ConnectTimeout     time.Duration
	IdempotencyTTL     time.Duration
}

type Core struct {
	cfg      Config
	log      zerolog.Logger
	store    Store
	creds    creds.Source
	idem     idempotency.KV
	clientOf ClientFactory
	sink     EventSink
	now      func() time.Time
}

func New(cfg Config, log zerolog.Logger, store Store, credSource creds.Source, idem idempotency.KV, clientOf ClientFactory, sink EventSink) *Core {
	return &Core{
		cfg:      cfg,
		log:      log.With().Str("component", "execution").Logger(),
		store:    store,
		creds:    credSource,
		idem:     idem,
		clientOf: clientOf,
		sink:     sink,
		now:      time.Now,
	}
}

// HandleRiskCheck is the risk_check_completed consumer (§4.5 contract): on
// APPROVED it runs the full order lifecycle; anything else is ignored.
func (c *Core) HandleRiskCheck(ctx context.Context, check domain.RiskCheck) {
	if check.Result != domain.Approved {
		return
	}

	key := idempotency.Key(check.UserID, check.ProposedTrade.Market, check.ProposedTrade.Timestamp)
	acquired, err := c.idem.Acquire(ctx, key, c.cfg.IdempotencyTTL)
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("idempotency check failed, proceeding without guarantee")
	} else if !acquired {
		c.log.Info().Str("key", key).Msg("duplicate approval dropped")
		return
	}

	c.execute(ctx, check)
}

func (c *Core) execute(ctx context.Context, check domain.RiskCheck) {
	stake := stakeFor(c.cfg.Stake, check.Stake, check.ProposedTrade.Confidence)
	tradeID := uuid.NewString()

	result, err := c.runOrder(ctx, check, tradeID, stake)
	if err != nil {
		result = failedResult(tradeID, check, err)
		c.emit(ctx, result)
	}

	m := telemetry.Get()
	m.TradesExecuted.WithLabelValues(string(result.Status)).Inc()
}

// runOrder implements the lifecycle of §4.5: propose → buy → persist →
// TRADE_EXECUTED → monitor_contract → wait settled (5 min timeout) →
// update row → TRADE_SETTLED → release client. The broker client is
// scoped to this call, guaranteed disconnected on every exit path.
func (c *Core) runOrder(ctx context.Context, check domain.RiskCheck, tradeID string, stake float64) (domain.TradeResult, error) {
	token, ok, err := c.creds.GetToken(ctx, check.UserID)
	if err != nil {
		return domain.TradeResult{}, pulsecoreerr.Wrap(pulsecoreerr.Authentication, "NO_BROKER_TOKEN", "no linked broker account", err)
	}
	if !ok {
		return domain.TradeResult{}, pulsecoreerr.New(pulsecoreerr.Authentication, "NO_BROKER_TOKEN", "user has no linked broker account")
	}

	client := c.clientOf()
	defer client.Disconnect()
	connectCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	if err := client.Connect(connectCtx); err != nil {
		return domain.TradeResult{}, pulsecoreerr.Wrap(pulsecoreerr.Connectivity, "CONNECT_FAILED", "broker connect failed", err)
	}

	if err := client.Authorize(ctx, token); err != nil {
		return domain.TradeResult{}, pulsecoreerr.Wrap(pulsecoreerr.Authentication, "AUTHORIZE_FAILED", "broker authorize failed", err)
	}

	signal := check.ProposedTrade
	duration := resolveDuration(signal.Duration, c.cfg.DefaultDuration, signal.Market)

	proposal, err := client.Propose(ctx, broker.ProposeParams{
		ContractType: string(signal.Type),
		Symbol:       signal.Market,
		Amount:       stake,
		Currency:     "USD",
		Duration:     duration.Value,
		DurationUnit: string(duration.Unit),
		Basis:        "stake",
	})
	if err != nil {
		return domain.TradeResult{}, pulsecoreerr.Wrap(pulsecoreerr.BrokerBusiness, "PROPOSE_FAILED", "proposal failed", err)
	}

	buy, err := client.Buy(ctx, proposal.ProposalID, proposal.AskPrice)
	if err != nil {
		return domain.TradeResult{}, pulsecoreerr.Wrap(pulsecoreerr.BrokerBusiness, "BUY_FAILED", "buy failed", err)
	}

	submitted := domain.TradeResult{
		TradeID:    tradeID,
		UserID:     check.UserID,
		SessionID:  check.SessionID,
		Status:     domain.TradeSubmitted,
		ExecutedAt: c.now(),
		Metadata: domain.TradeMetadata{
			Market:         signal.Market,
			EntryPrice:     buy.BuyPrice,
			ContractID:     fmt.Sprintf("%d", buy.ContractID),
			RiskConfidence: signal.Confidence,
		},
	}
	// The durable row is written as OPEN (§4.5: "persist row (status=OPEN)"),
	// distinct from the SUBMITTED status on the emitted event — OPEN is what
	// the settlement reconciler scans for.
	row := submitted
	row.Status = domain.TradeOpen
	if err := c.store.InsertTrade(ctx, row); err != nil {
		c.log.Error().Err(err).Str("trade_id", tradeID).Msg("failed to persist submitted trade")
	}
	c.emit(ctx, submitted)

	if err := client.MonitorContract(ctx, buy.ContractID); err != nil {
		c.log.Error().Err(err).Str("trade_id", tradeID).Msg("monitor_contract failed; relying on settlement reconciler")
		return submitted, nil
	}

	settlement, ok := c.waitForSettlement(client, buy.ContractID)
	if !ok {
		c.log.Warn().Str("trade_id", tradeID).Int64("contract_id", buy.ContractID).
			Msg("settlement timeout; row remains OPEN for reconciliation")
		return submitted, nil
	}

	settledAt := c.now()
	status := domain.TradeWon
	if settlement.Outcome == broker.Loss {
		status = domain.TradeLost
	}
	if err := c.store.UpdateSettlement(ctx, tradeID, status, settlement.PnL, settledAt); err != nil {
		c.log.Error().Err(err).Str("trade_id", tradeID).Msg("failed to persist settlement")
	}

	settled := submitted
	settled.Status = status
	settled.PnL = settlement.PnL
	settled.SettledAt = &settledAt

	m := telemetry.Get()
	m.TradesSettled.WithLabelValues(string(settlement.Outcome)).Inc()
	c.emit(ctx, settled)

	return settled, nil
}

func (c *Core) waitForSettlement(client *broker.Client, contractID int64) (broker.Settlement, bool) {
	timer := time.NewTimer(c.cfg.SettlementTimeout)
	defer timer.Stop()

	for {
		select {
		case s := <-client.Events().Settled:
			if s.ContractID == contractID {
				return s, true
			}
		case <-timer.C:
			return broker.Settlement{}, false
		}
	}
}

func (c *Core) emit(_ context.Context, result domain.TradeResult) {
	c.log.Debug().Str("trade_id", result.TradeID).Str("status", string(result.Status)).Msg("trade event")
	if c.sink != nil {
		c.sink(result)
	}
}

// failedResult implements §4.5's failure handling: any error up to and
// including buy yields a synthetic FAILED result with the mapped error
// code, never an aborted flow.
func failedResult(tradeID string, check domain.RiskCheck, err error) domain.TradeResult {
	reason := "UNKNOWN_ERROR"
	if pe, ok := err.(*pulsecoreerr.Error); ok {
		reason = pe.Code
	}
	return domain.TradeResult{
		TradeID:    tradeID,
		UserID:     check.UserID,
		SessionID:  check.SessionID,
		Status:     domain.TradeFailed,
		PnL:        0,
		ExecutedAt: time.Now(),
		Metadata: domain.TradeMetadata{
			Market:        check.ProposedTrade.Market,
			FailureReason: reason,
		},
	}
}

// stakeFor implements §4.5's stake sizing: base, optionally scaled by
// max(0.5, confidence), clamped to [min, max], rounded to 2 decimals. A
// pre-sized stake from the Risk Guard (recommendedStake > 0) takes
// precedence over the default base.
func stakeFor(cfg StakeConfig, recommended, confidence float64) float64 {
	stake := cfg.Base
	if recommended > 0 {
		stake = recommended
	}
	if cfg.ConfidenceMult && confidence > 0 {
		mult := confidence
		if mult < 0.5 {
			mult = 0.5
		}
		stake *= mult
	}
	if stake < cfg.Min {
		stake = cfg.Min
	}
	if stake > cfg.Max {
		stake = cfg.Max
	}
	rounded, _ := decimal.NewFromFloat(stake).Round(2).Float64()
	return rounded
}

// resolveDuration implements §4.5's duration policy: use the signal's
// duration if present, else a market-prefix heuristic, else the default.
func resolveDuration(signalDuration *domain.Duration, fallback *domain.Duration, market string) domain.Duration {
	if signalDuration != nil {
		return *signalDuration
	}
	switch {
	case strings.HasPrefix(market, "R_") || strings.HasPrefix(market, "1HZ"):
		return domain.Duration{Value: 1, Unit: domain.Minutes}
	case strings.Contains(market, "USD") || strings.Contains(market, "EUR"):
		return domain.Duration{Value: 5, Unit: domain.Minutes}
	}
	if fallback != nil {
		return *fallback
	}
	return domain.Duration{Value: 3, Unit: domain.Minutes}
}
