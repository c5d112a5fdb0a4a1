// Package reconcile is a reference implementation of the settlement
// reconciler described as external in spec §6: for a user with OPEN
// trades, it opens a broker session with that user's token, polls
// proposal_open_contract per contract, and updates the durable store for
// anything the broker reports sold. Grounded on
// internal/exchange/position_manager.go's load-on-session-start shape,
// generalized from "load positions into memory" to "poll and settle".
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/haldane-systems/pulsecore/internal/broker"
	"github.com/haldane-systems/pulsecore/internal/creds"
	"github.com/haldane-systems/pulsecore/internal/domain"
	"github.com/haldane-systems/pulsecore/internal/pulsecoreerr"
)

// Store is the narrow slice of the durable store the reconciler needs.
type Store interface {
	OpenTradesForUser(ctx context.Context, userID string) ([]domain.TradeResult, error)
	UpdateSettlement(ctx context.Context, tradeID string, status domain.TradeStatus, pnl float64, settledAt time.Time) error
}

// ClientFactory returns a fresh Broker WS Client for one reconciliation
// pass, mirroring Execution Core's per-order client isolation (§4.5).
type ClientFactory func() *broker.Client

type Config struct {
	ConnectTimeout time.Duration
	CheckTimeout   time.Duration
}

func DefaultConfig() Config {
	return Config{ConnectTimeout: 10 * time.Second, CheckTimeout: 5 * time.Second}
}

type Reconciler struct {
	cfg      Config
	log      zerolog.Logger
	store    Store
	creds    creds.Source
	clientOf ClientFactory
	now      func() time.Time
}

func New(cfg Config, log zerolog.Logger, store Store, credSource creds.Source, clientOf ClientFactory) *Reconciler {
	return &Reconciler{
		cfg:      cfg,
		log:      log.With().Str("component", "reconcile").Logger(),
		store:    store,
		creds:    credSource,
		clientOf: clientOf,
		now:      time.Now,
	}
}

// ReconcileUser lists userID's OPEN trades, opens one broker session for
// the whole pass, checks each contract, and updates settled trades. A
// per-contract check error is logged and skipped — one stuck contract must
// not prevent the rest of the user's trades from reconciling.
func (r *Reconciler) ReconcileUser(ctx context.Context, userID string) (settled int, err error) {
	trades, err := r.store.OpenTradesForUser(ctx, userID)
	if err != nil {
		return 0, pulsecoreerr.Wrap(pulsecoreerr.Internal, "LOAD_OPEN_TRADES_FAILED", "failed to load open trades", err)
	}
	if len(trades) == 0 {
		return 0, nil
	}

	token, ok, err := r.creds.GetToken(ctx, userID)
	if err != nil {
		return 0, pulsecoreerr.Wrap(pulsecoreerr.Authentication, "NO_BROKER_TOKEN", "no linked broker account", err)
	}
	if !ok {
		return 0, pulsecoreerr.New(pulsecoreerr.Authentication, "NO_BROKER_TOKEN", "user has no linked broker account")
	}

	client := r.clientOf()
	connectCtx, cancel := context.WithTimeout(ctx, r.cfg.ConnectTimeout)
	defer cancel()
	if err := client.Connect(connectCtx); err != nil {
		return 0, pulsecoreerr.Wrap(pulsecoreerr.Connectivity, "CONNECT_FAILED", "broker connect failed", err)
	}
	defer client.Disconnect()

	if err := client.Authorize(ctx, token); err != nil {
		return 0, pulsecoreerr.Wrap(pulsecoreerr.Authentication, "AUTHORIZE_FAILED", "broker authorize failed", err)
	}

	for _, trade := range trades {
		if r.reconcileOne(ctx, client, trade) {
			settled++
		}
	}
	return settled, nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, client *broker.Client, trade domain.TradeResult) bool {
	contractID := trade.Metadata.ContractID
	checkCtx, cancel := context.WithTimeout(ctx, r.cfg.CheckTimeout)
	defer cancel()

	var id int64
	if _, err := fmt.Sscan(contractID, &id); err != nil {
		r.log.Error().Err(err).Str("trade_id", trade.TradeID).Str("contract_id", contractID).Msg("invalid contract id, skipping")
		return false
	}

	settlement, sold, err := client.CheckContract(checkCtx, id)
	if err != nil {
		r.log.Error().Err(err).Str("trade_id", trade.TradeID).Msg("proposal_open_contract check failed")
		return false
	}
	if !sold {
		return false
	}

	status := domain.TradeWon
	if settlement.Outcome == broker.Loss {
		status = domain.TradeLost
	}
	settledAt := r.now()
	if err := r.store.UpdateSettlement(ctx, trade.TradeID, status, settlement.PnL, settledAt); err != nil {
		r.log.Error().Err(err).Str("trade_id", trade.TradeID).Msg("failed to persist reconciled settlement")
		return false
	}

	r.log.Info().Str("trade_id", trade.TradeID).Str("status", string(status)).Msg("reconciled settlement")
	return true
}
