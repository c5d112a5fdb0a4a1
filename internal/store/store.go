// Package store implements the durable store (§6): a pgx/pgxpool-backed
// relational store over sessions, participants and trades. Trade writes
// (InsertTrade, UpdateSettlement) go through telemetry.BreakerManager's
// database breaker; the other queries do not.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/haldane-systems/pulsecore/internal/domain"
	"github.com/haldane-systems/pulsecore/internal/pulsecoreerr"
	"github.com/haldane-systems/pulsecore/internal/telemetry"
)

// Pool is the subset of *pgxpool.Pool this package needs, narrowed so
// tests can substitute pgxmock.Pool (same pattern as the teacher's
// risk.PoolInterface).
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	pool    Pool
	breaker *telemetry.BreakerManager
	log     zerolog.Logger
}

func New(pool Pool, breaker *telemetry.BreakerManager, log zerolog.Logger) *Store {
	return &Store{pool: pool, breaker: breaker, log: log.With().Str("component", "store").Logger()}
}

// Connect opens the pool, mirroring the teacher's pgxpool.ParseConfig +
// tuned pool limits + Ping-on-start idiom.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, pulsecoreerr.Wrap(pulsecoreerr.Validation, "BAD_DATABASE_URL", "failed to parse database url", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, pulsecoreerr.Wrap(pulsecoreerr.Connectivity, "POOL_CREATE_FAILED", "failed to create connection pool", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, pulsecoreerr.Wrap(pulsecoreerr.Connectivity, "PING_FAILED", "failed to ping database", err)
	}
	return pool, nil
}

// InsertTrade satisfies execution.Store: writes the row with the caller's
// trade.Status (the Execution Core inserts it as OPEN at submission).
func (s *Store) InsertTrade(ctx context.Context, trade domain.TradeResult) error {
	_, err := s.breaker.Database(ctx, func() (any, error) {
		_, execErr := s.pool.Exec(ctx, `
			INSERT INTO trades (id, user_id, session_id, market, status, entry_price, contract_id, confidence, executed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, trade.TradeID, trade.UserID, trade.SessionID, trade.Metadata.Market, trade.Status,
			trade.Metadata.EntryPrice, trade.Metadata.ContractID, trade.Metadata.RiskConfidence, trade.ExecutedAt)
		return nil, execErr
	})
	if err != nil {
		s.log.Error().Err(err).Str("trade_id", trade.TradeID).Msg("insert trade failed")
		return pulsecoreerr.Wrap(pulsecoreerr.Internal, "INSERT_TRADE_FAILED", "failed to persist trade", err)
	}
	return nil
}

// UpdateSettlement satisfies execution.Store: updates status/pnl/settled_at
// at settlement (§6).
func (s *Store) UpdateSettlement(ctx context.Context, tradeID string, status domain.TradeStatus, pnl float64, settledAt time.Time) error {
	_, err := s.breaker.Database(ctx, func() (any, error) {
		_, execErr := s.pool.Exec(ctx, `
			UPDATE trades SET status = $2, pnl = $3, settled_at = $4 WHERE id = $1
		`, tradeID, status, pnl, settledAt)
		return nil, execErr
	})
	if err != nil {
		return pulsecoreerr.Wrap(pulsecoreerr.Internal, "UPDATE_SETTLEMENT_FAILED", "failed to persist settlement", err)
	}
	return nil
}

// OpenTradesForUser supports the settlement reconciler (§6): lists a
// user's OPEN trades.
func (s *Store) OpenTradesForUser(ctx context.Context, userID string) ([]domain.TradeResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, market, contract_id, confidence, executed_at
		FROM trades WHERE user_id = $1 AND status = $2
	`, userID, domain.TradeOpen)
	if err != nil {
		return nil, pulsecoreerr.Wrap(pulsecoreerr.Internal, "QUERY_OPEN_TRADES_FAILED", "failed to query open trades", err)
	}
	defer rows.Close()

	var trades []domain.TradeResult
	for rows.Next() {
		var t domain.TradeResult
		t.UserID = userID
		t.Status = domain.TradeOpen
		if err := rows.Scan(&t.TradeID, &t.SessionID, &t.Metadata.Market, &t.Metadata.ContractID, &t.Metadata.RiskConfidence, &t.ExecutedAt); err != nil {
			return nil, pulsecoreerr.Wrap(pulsecoreerr.Internal, "SCAN_TRADE_FAILED", "failed to scan trade row", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// LoadActiveSessions satisfies session.Store: reads every row with status
// in {ACTIVE, RUNNING, PAUSED}, along with non-REMOVED participants, and
// parses config_json whether the driver returns a string or already-parsed
// value (§4.6).
func (s *Store) LoadActiveSessions(ctx context.Context) ([]domain.Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, status, config_json, created_at, started_at, admin_id
		FROM sessions WHERE status IN ('ACTIVE', 'RUNNING', 'PAUSED')
	`)
	if err != nil {
		return nil, pulsecoreerr.Wrap(pulsecoreerr.Internal, "QUERY_SESSIONS_FAILED", "failed to query active sessions", err)
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		var sess domain.Session
		var configRaw any
		if err := rows.Scan(&sess.ID, &sess.Status, &configRaw, &sess.CreatedAt, &sess.StartedAt, &sess.AdminID); err != nil {
			return nil, pulsecoreerr.Wrap(pulsecoreerr.Internal, "SCAN_SESSION_FAILED", "failed to scan session row", err)
		}
		cfg, err := parseSessionConfig(configRaw)
		if err != nil {
			return nil, err
		}
		sess.Config = cfg
		sess.Participants, sess.Order, err = s.loadParticipants(ctx, sess.ID)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *Store) loadParticipants(ctx context.Context, sessionID string) (map[string]domain.Participant, []string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, status, pnl, joined_at FROM participants
		WHERE session_id = $1 AND status != 'REMOVED' ORDER BY joined_at
	`, sessionID)
	if err != nil {
		return nil, nil, pulsecoreerr.Wrap(pulsecoreerr.Internal, "QUERY_PARTICIPANTS_FAILED", "failed to query participants", err)
	}
	defer rows.Close()

	participants := make(map[string]domain.Participant)
	var order []string
	for rows.Next() {
		var p domain.Participant
		if err := rows.Scan(&p.UserID, &p.Status, &p.PnL, &p.JoinedAt); err != nil {
			return nil, nil, pulsecoreerr.Wrap(pulsecoreerr.Internal, "SCAN_PARTICIPANT_FAILED", "failed to scan participant row", err)
		}
		participants[p.UserID] = p
		order = append(order, p.UserID)
	}
	return participants, order, rows.Err()
}

// SaveSession upserts a session row, serializing the config as JSON.
func (s *Store) SaveSession(ctx context.Context, sess domain.Session) error {
	configJSON, err := json.Marshal(configRow{
		RiskProfile:         sess.Config.RiskProfile,
		MaxStake:            sess.Config.MaxStake,
		MinConfidence:       sess.Config.MinConfidence,
		GlobalLossThreshold: sess.Config.GlobalLossThreshold,
		MaxParticipants:     sess.Config.MaxParticipants,
	})
	if err != nil {
		return pulsecoreerr.Wrap(pulsecoreerr.Internal, "MARSHAL_CONFIG_FAILED", "failed to marshal session config", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO sessions (id, status, config_json, created_at, started_at, completed_at, admin_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET status = $2, config_json = $3, started_at = $5, completed_at = $6
	`, sess.ID, sess.Status, configJSON, sess.CreatedAt, sess.StartedAt, sess.CompletedAt, sess.AdminID)
	if err != nil {
		return pulsecoreerr.Wrap(pulsecoreerr.Internal, "SAVE_SESSION_FAILED", "failed to save session", err)
	}
	return nil
}

type configRow struct {
	RiskProfile         domain.RiskProfile `json:"risk_profile"`
	MaxStake            float64            `json:"max_stake"`
	MinConfidence       float64            `json:"min_confidence"`
	GlobalLossThreshold float64            `json:"global_loss_threshold"`
	MaxParticipants     int                `json:"max_participants"`
}

// parseSessionConfig handles config_json arriving either as a JSON string
// or as a value the driver already decoded into a map (§4.6: "Parse
// config_json whether the store returns a string or a parsed value").
func parseSessionConfig(raw any) (domain.SessionConfig, error) {
	var row configRow
	switch v := raw.(type) {
	case string:
		if err := json.Unmarshal([]byte(v), &row); err != nil {
			return domain.SessionConfig{}, pulsecoreerr.Wrap(pulsecoreerr.Internal, "PARSE_CONFIG_FAILED", "failed to parse config_json string", err)
		}
	case []byte:
		if err := json.Unmarshal(v, &row); err != nil {
			return domain.SessionConfig{}, pulsecoreerr.Wrap(pulsecoreerr.Internal, "PARSE_CONFIG_FAILED", "failed to parse config_json bytes", err)
		}
	case map[string]any:
		data, err := json.Marshal(v)
		if err != nil {
			return domain.SessionConfig{}, pulsecoreerr.Wrap(pulsecoreerr.Internal, "PARSE_CONFIG_FAILED", "failed to re-marshal parsed config_json", err)
		}
		if err := json.Unmarshal(data, &row); err != nil {
			return domain.SessionConfig{}, pulsecoreerr.Wrap(pulsecoreerr.Internal, "PARSE_CONFIG_FAILED", "failed to parse config_json map", err)
		}
	default:
		return domain.SessionConfig{}, pulsecoreerr.New(pulsecoreerr.Internal, "UNKNOWN_CONFIG_SHAPE", fmt.Sprintf("unexpected config_json type %T", raw))
	}

	return domain.SessionConfig{
		RiskProfile:         row.RiskProfile,
		MaxStake:            row.MaxStake,
		MinConfidence:       row.MinConfidence,
		GlobalLossThreshold: row.GlobalLossThreshold,
		MaxParticipants:     row.MaxParticipants,
		AllowedMarkets:      make(map[string]struct{}),
	}, nil
}
