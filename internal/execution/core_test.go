package execution

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haldane-systems/pulsecore/internal/broker"
	"github.com/haldane-systems/pulsecore/internal/creds"
	"github.com/haldane-systems/pulsecore/internal/domain"
	"github.com/haldane-systems/pulsecore/internal/idempotency"
)

// fakeBroker is a minimal WS server double: it authorizes, quotes a fixed
// proposal, fills the buy and, 20ms after the fill, pushes one unsolicited
// settlement frame; it also acks the contract monitor subscription.
type fakeBroker struct {
	srv *httptest.Server
	url string
}

func newFakeBroker(t *testing.T, profit float64) *fakeBroker {
	t.Helper()
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req map[string]json.RawMessage
			if err := json.Unmarshal(data, &req); err != nil {
				continue
			}
			var reqID int64
			_ = json.Unmarshal(req["req_id"], &reqID)

			switch {
			case hasKey(req, "authorize"):
				write(conn, map[string]any{"req_id": reqID, "authorize": map[string]any{"loginid": "CR123"}})
			case hasKey(req, "proposal"):
				write(conn, map[string]any{"req_id": reqID, "proposal": map[string]any{"id": "P1", "ask_price": 10.0, "payout": 19.0}})
			case hasKey(req, "buy"):
				write(conn, map[string]any{"req_id": reqID, "buy": map[string]any{"contract_id": 555, "buy_price": 10.0, "transaction_id": 1}})
				go func() {
					time.Sleep(20 * time.Millisecond)
					write(conn, map[string]any{"proposal_open_contract": map[string]any{"contract_id": 555, "is_sold": 1, "profit": profit}})
				}()
			case hasKey(req, "proposal_open_contract"):
				write(conn, map[string]any{"req_id": reqID})
			}
		}
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return &fakeBroker{srv: srv, url: wsURL}
}

func (f *fakeBroker) Close() { f.srv.Close() }

func hasKey(m map[string]json.RawMessage, k string) bool {
	_, ok := m[k]
	return ok
}

func write(conn *websocket.Conn, v any) {
	data, _ := json.Marshal(v)
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

type memStore struct {
	mu     sync.Mutex
	trades map[string]domain.TradeResult
}

func newMemStore() *memStore { return &memStore{trades: make(map[string]domain.TradeResult)} }

func (m *memStore) InsertTrade(_ context.Context, trade domain.TradeResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades[trade.TradeID] = trade
	return nil
}

func (m *memStore) UpdateSettlement(_ context.Context, tradeID string, status domain.TradeStatus, pnl float64, settledAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.trades[tradeID]
	t.Status = status
	t.PnL = pnl
	t.SettledAt = &settledAt
	m.trades[tradeID] = t
	return nil
}

func testConfig() Config {
	return Config{
		Stake:             StakeConfig{Base: 10, Min: 1, Max: 100, ConfidenceMult: true},
		DefaultDuration:   &domain.Duration{Value: 3, Unit: domain.Minutes},
		SettlementTimeout: 2 * time.Second,
		ConnectTimeout:    2 * time.Second,
		IdempotencyTTL:    time.Hour,
	}
}

func TestCore_HandleRiskCheck_FullLifecycleEmitsSettled(t *testing.T) {
	fb := newFakeBroker(t, 5.0)
	defer fb.Close()

	store := newMemStore()
	credSource := creds.NewStaticSource()
	credSource.Tokens["u1"] = "tok"
	idem := idempotency.NewInProcessKV()

	var events []domain.TradeResult
	var mu sync.Mutex
	sink := func(r domain.TradeResult) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, r)
	}

	clientOf := func() *broker.Client {
		return broker.New(broker.DefaultConfig(fb.url, "1089"), zerolog.Nop())
	}

	core := New(testConfig(), zerolog.Nop(), store, credSource, idem, clientOf, sink)
	check := domain.RiskCheck{
		UserID: "u1", SessionID: "s1", Result: domain.Approved,
		ProposedTrade: domain.Signal{Market: "R_100", Type: domain.Call, Confidence: 0.8, Timestamp: time.Now()},
		Stake:         10,
	}

	core.HandleRiskCheck(context.Background(), check)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range events {
			if e.Status == domain.TradeWon {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, len(events), 2, "expected SUBMITTED then WON events")
}

func TestCore_HandleRiskCheck_IgnoresRejectedChecks(t *testing.T) {
	store := newMemStore()
	core := New(testConfig(), zerolog.Nop(), store, creds.NewStaticSource(), idempotency.NewInProcessKV(),
		func() *broker.Client { return nil }, nil)

	core.HandleRiskCheck(context.Background(), domain.RiskCheck{Result: domain.Rejected})
	assert.Empty(t, store.trades)
}

func TestCore_HandleRiskCheck_DuplicateApprovalDropped(t *testing.T) {
	idem := idempotency.NewInProcessKV()
	ts := time.Now()
	key := idempotency.Key("u1", "R_100", ts)
	ok, _ := idem.Acquire(context.Background(), key, time.Hour)
	require.True(t, ok)

	var calls int
	core := New(testConfig(), zerolog.Nop(), newMemStore(), creds.NewStaticSource(), idem,
		func() *broker.Client { calls++; return nil }, nil)

	check := domain.RiskCheck{
		UserID: "u1", Result: domain.Approved,
		ProposedTrade: domain.Signal{Market: "R_100", Timestamp: ts},
	}
	core.HandleRiskCheck(context.Background(), check)
	assert.Equal(t, 0, calls, "duplicate key must short-circuit before touching the broker")
}

func TestStakeFor_ClampsAndScalesByConfidence(t *testing.T) {
	cfg := StakeConfig{Base: 10, Min: 1, Max: 100, ConfidenceMult: true}
	assert.Equal(t, 5.0, stakeFor(cfg, 0, 0.5))
	assert.Equal(t, 10.0, stakeFor(cfg, 0, 1.0))
	assert.Equal(t, 1.0, stakeFor(StakeConfig{Base: 0.1, Min: 1, Max: 100}, 0, 1.0))
}

func TestResolveDuration_MarketHeuristics(t *testing.T) {
	d := resolveDuration(nil, nil, "R_100")
	assert.Equal(t, domain.Duration{Value: 1, Unit: domain.Minutes}, d)

	d = resolveDuration(nil, nil, "frxUSDJPY")
	assert.Equal(t, domain.Duration{Value: 5, Unit: domain.Minutes}, d)

	d = resolveDuration(nil, nil, "CRYPTO_ETH")
	assert.Equal(t, domain.Duration{Value: 3, Unit: domain.Minutes}, d)

	explicit := &domain.Duration{Value: 10, Unit: domain.Seconds}
	assert.Equal(t, *explicit, resolveDuration(explicit, nil, "R_100"))
}
