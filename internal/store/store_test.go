package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haldane-systems/pulsecore/internal/domain"
	"github.com/haldane-systems/pulsecore/internal/telemetry"
)

func newTestStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return New(mock, telemetry.NewBreakerManager(), zerolog.Nop()), mock
}

func TestStore_InsertTrade_ExecutesInsert(t *testing.T) {
	s, mock := newTestStore(t)

	trade := domain.TradeResult{
		TradeID:   "t1",
		UserID:    "u1",
		SessionID: "s1",
		Status:    domain.TradeSubmitted,
		ExecutedAt: time.Now(),
		Metadata:  domain.TradeMetadata{Market: "R_100", EntryPrice: 100, ContractID: "555", RiskConfidence: 0.8},
	}

	mock.ExpectExec("INSERT INTO trades").
		WithArgs(trade.TradeID, trade.UserID, trade.SessionID, trade.Metadata.Market, trade.Status,
			trade.Metadata.EntryPrice, trade.Metadata.ContractID, trade.Metadata.RiskConfidence, trade.ExecutedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.InsertTrade(context.Background(), trade))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_UpdateSettlement_ExecutesUpdate(t *testing.T) {
	s, mock := newTestStore(t)
	settledAt := time.Now()

	mock.ExpectExec("UPDATE trades SET").
		WithArgs("t1", domain.TradeWon, 5.0, settledAt).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.UpdateSettlement(context.Background(), "t1", domain.TradeWon, 5.0, settledAt))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_LoadActiveSessions_ParsesConfigJSONString(t *testing.T) {
	s, mock := newTestStore(t)

	cfgJSON, err := json.Marshal(configRow{RiskProfile: domain.RiskMedium, MaxStake: 50, MinConfidence: 0.6, MaxParticipants: 10})
	require.NoError(t, err)

	now := time.Now()
	mock.ExpectQuery("SELECT id, status, config_json").
		WillReturnRows(pgxmock.NewRows([]string{"id", "status", "config_json", "created_at", "started_at", "admin_id"}).
			AddRow("sess1", domain.SessionRunning, string(cfgJSON), now, &now, "admin1"))

	mock.ExpectQuery("SELECT user_id, status, pnl, joined_at").
		WithArgs("sess1").
		WillReturnRows(pgxmock.NewRows([]string{"user_id", "status", "pnl", "joined_at"}).
			AddRow("u1", domain.ParticipantActive, 12.5, now))

	sessions, err := s.LoadActiveSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	got := sessions[0]
	assert.Equal(t, "sess1", got.ID)
	assert.Equal(t, domain.SessionRunning, got.Status)
	assert.Equal(t, domain.RiskMedium, got.Config.RiskProfile)
	assert.Equal(t, 50.0, got.Config.MaxStake)
	assert.Equal(t, 12.5, got.Participants["u1"].PnL)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_SaveSession_UpsertsRow(t *testing.T) {
	s, mock := newTestStore(t)

	sess := domain.Session{
		ID:        "sess1",
		Status:    domain.SessionActive,
		Config:    domain.SessionConfig{RiskProfile: domain.RiskLow, MaxStake: 10},
		CreatedAt: time.Now(),
		AdminID:   "admin1",
	}

	mock.ExpectExec("INSERT INTO sessions").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.SaveSession(context.Background(), sess))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestParseSessionConfig_HandlesMapShape(t *testing.T) {
	raw := map[string]any{"risk_profile": "HIGH", "max_stake": 25.0, "max_participants": float64(3)}
	cfg, err := parseSessionConfig(raw)
	require.NoError(t, err)
	assert.Equal(t, domain.RiskHigh, cfg.RiskProfile)
	assert.Equal(t, 25.0, cfg.MaxStake)
	assert.Equal(t, 3, cfg.MaxParticipants)
}

func TestParseSessionConfig_RejectsUnknownShape(t *testing.T) {
	_, err := parseSessionConfig(42)
	assert.Error(t, err)
}
