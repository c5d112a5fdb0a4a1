// Package broker implements the Broker WS Client (C1): a full-duplex
// connection to the upstream market-data/execution broker with
// request/response correlation, heartbeat, exponential backoff reconnect,
// and a failure-windowed circuit breaker.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/haldane-systems/pulsecore/internal/domain"
	"github.com/haldane-systems/pulsecore/internal/pulsecoreerr"
)

// Client is a single full-duplex broker connection. It is not safe to
// share a Client across unrelated orders: the Execution Core creates a
// fresh Client per order (§4.5 per-order isolation); the Market Data
// Pipeline's ingest path uses one long-lived Client for tick subscription.
type Client struct {
	cfg Config
	log zerolog.Logger

	dialer *websocket.Dialer

	connMu sync.Mutex
	conn   *websocket.Conn

	writeMu sync.Mutex

	reqSeq int64

	pendingMu sync.Mutex
	pending   map[int64]chan frame

	subsMu        sync.Mutex
	lastTickEpoch map[string]int64

	breaker *failureWindow

	events *Events

	allowReconnect atomic.Bool
	attempts       atomic.Int32

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(cfg Config, log zerolog.Logger) *Client {
	c := &Client{
		cfg:           cfg,
		log:           log.With().Str("component", "broker").Logger(),
		dialer:        &websocket.Dialer{HandshakeTimeout: cfg.ConnectTimeout},
		pending:       make(map[int64]chan frame),
		lastTickEpoch: make(map[string]int64),
		breaker:       newFailureWindow(cfg.CircuitWindow, cfg.CircuitThreshold),
		events:        newEvents(),
		stopCh:        make(chan struct{}),
	}
	c.allowReconnect.Store(true)
	return c
}

func (c *Client) Events() *Events { return c.events }

func (c *Client) nextReqID() int64 {
	return atomic.AddInt64(&c.reqSeq, 1)
}

// Connect dials the broker, building the connection URL with the mandatory
// app_id query parameter (§6: absence is a fatal startup error, enforced by
// config validation before a Client is ever constructed).
func (c *Client) Connect(ctx context.Context) error {
	if c.cfg.AppID == "" {
		return pulsecoreerr.New(pulsecoreerr.Validation, "MISSING_APP_ID", "broker app id is required")
	}
	now := time.Now()
	if c.breaker.open(now) {
		return pulsecoreerr.New(pulsecoreerr.Connectivity, "CIRCUIT_OPEN", "circuit breaker is open")
	}

	u, err := c.buildURL()
	if err != nil {
		return pulsecoreerr.Wrap(pulsecoreerr.Validation, "BAD_URL", "failed to build broker URL", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	conn, _, err := c.dialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		c.recordFailure()
		return pulsecoreerr.Wrap(pulsecoreerr.Connectivity, "DIAL_FAILED", "failed to connect to broker", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.attempts.Store(0)
	c.stopCh = make(chan struct{})

	c.wg.Add(2)
	go c.readLoop()
	go c.heartbeatLoop()

	emit(c.events.Connected, struct{}{})
	c.log.Info().Msg("broker connected")
	return nil
}

func (c *Client) buildURL() (*url.URL, error) {
	u, err := url.Parse(c.cfg.WSURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("app_id", c.cfg.AppID)
	u.RawQuery = q.Encode()
	return u, nil
}

// Disconnect closes the socket and stops background loops. Safe to call
// multiple times and on an already-closed client.
func (c *Client) Disconnect() {
	c.allowReconnect.Store(false)
	c.stopOnce.Do(func() { close(c.stopCh) })

	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	c.failAllPending(pulsecoreerr.New(pulsecoreerr.Connectivity, "DISCONNECTED", "connection closed"))
}

func (c *Client) recordFailure() {
	if c.breaker.recordFailure(time.Now()) {
		emit(c.events.CircuitOpened, "failure threshold reached")
		c.log.Warn().Msg("circuit breaker opened")
	}
}

func (c *Client) failAllPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	_ = err
}

// send writes a JSON frame to the socket. Concurrent writers are
// serialized by writeMu; gorilla/websocket connections are not safe for
// concurrent writes.
func (c *Client) send(v any) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return pulsecoreerr.New(pulsecoreerr.Connectivity, "NOT_CONNECTED", "not connected")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return pulsecoreerr.Wrap(pulsecoreerr.Internal, "MARSHAL_FAILED", "failed to marshal request", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// request sends a req_id-tagged request and waits for the matching
// response or the 10 s request timeout (§4.1).
func (c *Client) request(ctx context.Context, reqID int64, payload any) (frame, error) {
	ch := make(chan frame, 1)
	c.pendingMu.Lock()
	c.pending[reqID] = ch
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
	}()

	if err := c.send(payload); err != nil {
		return frame{}, err
	}

	timeout := c.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f, ok := <-ch:
		if !ok {
			return frame{}, pulsecoreerr.New(pulsecoreerr.Connectivity, "DISCONNECTED", "connection closed")
		}
		if f.Error != nil {
			code := pulsecoreerr.MapBrokerErrorCode(f.Error.Code)
			return frame{}, pulsecoreerr.New(pulsecoreerr.BrokerBusiness, string(code), f.Error.Message)
		}
		return f, nil
	case <-timer.C:
		return frame{}, pulsecoreerr.New(pulsecoreerr.Timeout, "REQUEST_TIMEOUT", "request timed out")
	case <-ctx.Done():
		return frame{}, pulsecoreerr.Wrap(pulsecoreerr.Timeout, "REQUEST_CANCELED", "request canceled", ctx.Err())
	}
}

func (c *Client) Authorize(ctx context.Context, token string) error {
	id := c.nextReqID()
	f, err := c.request(ctx, id, authorizeRequest{Authorize: token, ReqID: id})
	if err != nil {
		if pe, ok := err.(*pulsecoreerr.Error); ok && pe.Kind == pulsecoreerr.BrokerBusiness {
			return pulsecoreerr.Wrap(pulsecoreerr.Authentication, pe.Code, "authorize rejected", err)
		}
		return err
	}
	if f.Authorize == nil {
		return pulsecoreerr.New(pulsecoreerr.Authentication, "AUTHORIZATION_REQUIRED", "authorize response missing")
	}
	return nil
}

func (c *Client) SubscribeTicks(ctx context.Context, market string) error {
	id := c.nextReqID()
	_, err := c.request(ctx, id, tickRequest{Ticks: market, Subscribe: 1, ReqID: id})
	if err != nil {
		return err
	}
	c.subsMu.Lock()
	if _, exists := c.lastTickEpoch[market]; !exists {
		c.lastTickEpoch[market] = 0
	}
	c.subsMu.Unlock()
	return nil
}

func (c *Client) UnsubscribeTicks(ctx context.Context, market string) error {
	id := c.nextReqID()
	_, err := c.request(ctx, id, forgetRequest{Forget: market, ReqID: id})
	c.subsMu.Lock()
	delete(c.lastTickEpoch, market)
	c.subsMu.Unlock()
	return err
}

func (c *Client) Propose(ctx context.Context, p ProposeParams) (*Proposal, error) {
	id := c.nextReqID()
	f, err := c.request(ctx, id, proposalRequest{
		Proposal: 1, Amount: p.Amount, Basis: p.Basis, ContractType: p.ContractType,
		Currency: p.Currency, Duration: p.Duration, DurationUnit: p.DurationUnit,
		Symbol: p.Symbol, ReqID: id,
	})
	if err != nil {
		return nil, err
	}
	if f.Proposal == nil {
		return nil, pulsecoreerr.New(pulsecoreerr.Internal, "NO_PROPOSAL", "proposal response missing")
	}
	return &Proposal{ProposalID: f.Proposal.ID, AskPrice: f.Proposal.AskPrice, Payout: f.Proposal.Payout}, nil
}

// Buy must only be called following a successful Propose for the same
// intent (§4.1 buy protocol); the client does not itself enforce ordering,
// the Execution Core's lifecycle does.
func (c *Client) Buy(ctx context.Context, proposalID string, maxPrice float64) (*BuyResult, error) {
	id := c.nextReqID()
	f, err := c.request(ctx, id, buyRequest{Buy: proposalID, Price: maxPrice, ReqID: id})
	if err != nil {
		return nil, err
	}
	if f.Buy == nil {
		return nil, pulsecoreerr.New(pulsecoreerr.Internal, "NO_BUY_RESULT", "buy response missing")
	}
	return &BuyResult{
		ContractID:    f.Buy.ContractID,
		BuyPrice:      f.Buy.BuyPrice,
		TransactionID: f.Buy.TransactionID,
	}, nil
}

func (c *Client) Sell(ctx context.Context, contractID int64, price float64) error {
	id := c.nextReqID()
	_, err := c.request(ctx, id, sellRequest{Sell: contractID, Price: price, ReqID: id})
	return err
}

func (c *Client) Cancel(ctx context.Context, contractID int64) error {
	id := c.nextReqID()
	_, err := c.request(ctx, id, cancelRequest{Cancel: contractID, ReqID: id})
	return err
}

// MonitorContract arms the settlement stream for contractID; settlement
// outcomes arrive asynchronously on Events().Settled, routed by
// contract_id rather than req_id (§4.1).
func (c *Client) MonitorContract(ctx context.Context, contractID int64) error {
	id := c.nextReqID()
	_, err := c.request(ctx, id, monitorRequest{ProposalOpenContract: 1, ContractID: contractID, Subscribe: 1, ReqID: id})
	return err
}

// CheckContract issues a one-shot, non-subscribing proposal_open_contract
// query and returns the settlement directly from the synchronous reply.
// Used by the settlement reconciler (§6), which polls rather than streams.
func (c *Client) CheckContract(ctx context.Context, contractID int64) (Settlement, bool, error) {
	id := c.nextReqID()
	f, err := c.request(ctx, id, monitorRequest{ProposalOpenContract: 1, ContractID: contractID, Subscribe: 0, ReqID: id})
	if err != nil {
		return Settlement{}, false, err
	}
	if f.ProposalOpenContract == nil || f.ProposalOpenContract.IsSold == 0 {
		return Settlement{}, false, nil
	}
	outcome := Loss
	if f.ProposalOpenContract.Profit >= 0 {
		outcome = Win
	}
	return Settlement{ContractID: f.ProposalOpenContract.ContractID, Outcome: outcome, PnL: f.ProposalOpenContract.Profit}, true, nil
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	for {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			emit(c.events.Error, fmt.Errorf("broker: malformed frame: %w", err))
			continue
		}
		c.routeFrame(f)
	}
}

func (c *Client) routeFrame(f frame) {
	if f.ReqID != 0 {
		c.pendingMu.Lock()
		ch, ok := c.pending[f.ReqID]
		c.pendingMu.Unlock()
		if ok {
			ch <- f
			return
		}
	}

	switch {
	case f.Tick != nil:
		c.handleTick(*f.Tick)
	case f.Pong != nil:
		// handled via request() correlation for ping/pong when req_id matches;
		// an un-correlated pong is ignored.
	case f.ProposalOpenContract != nil && f.ReqID == 0:
		c.handleSettlement(*f.ProposalOpenContract)
	case f.Error != nil:
		emit(c.events.Error, pulsecoreerr.New(pulsecoreerr.BrokerBusiness, string(pulsecoreerr.MapBrokerErrorCode(f.Error.Code)), f.Error.Message))
	}
}

// handleTick applies the dedup invariant of §4.1: per subscription, drop
// any tick whose epoch doesn't strictly increase.
func (c *Client) handleTick(tf tickFrame) {
	c.subsMu.Lock()
	last, tracked := c.lastTickEpoch[tf.Symbol]
	if tracked && tf.Epoch <= last {
		c.subsMu.Unlock()
		return
	}
	c.lastTickEpoch[tf.Symbol] = tf.Epoch
	c.subsMu.Unlock()

	emit(c.events.Tick, domain.Tick{
		Market: tf.Symbol,
		Epoch:  tf.Epoch,
		Quote:  tf.Quote,
		Bid:    tf.Bid,
		Ask:    tf.Ask,
		Spread: tf.Ask - tf.Bid,
	})
}

func (c *Client) handleSettlement(cf contractFrame) {
	if cf.IsSold == 0 {
		return
	}
	outcome := Loss
	if cf.Profit >= 0 {
		outcome = Win
	}
	emit(c.events.Settled, Settlement{ContractID: cf.ContractID, Outcome: outcome, PnL: cf.Profit})
}

func (c *Client) handleReadError(err error) {
	c.connMu.Lock()
	c.conn = nil
	c.connMu.Unlock()

	c.failAllPending(pulsecoreerr.New(pulsecoreerr.Connectivity, "DISCONNECTED", "connection closed"))
	c.recordFailure()
	emit(c.events.Disconnected, err.Error())
	c.log.Warn().Err(err).Msg("broker connection lost")

	if c.allowReconnect.Load() {
		go c.reconnect()
	}
}

// reconnect schedules a reconnect at min(base*2^attempts, max) (§4.1).
// Attempts reset on a clean open (handled in Connect).
func (c *Client) reconnect() {
	attempt := c.attempts.Add(1) - 1
	delay := c.cfg.ReconnectBase * time.Duration(1<<uint(attempt))
	if delay > c.cfg.ReconnectMax || delay <= 0 {
		delay = c.cfg.ReconnectMax
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-c.stopCh:
		return
	case <-timer.C:
	}

	if !c.allowReconnect.Load() {
		return
	}
	if c.breaker.open(time.Now()) {
		// circuit open: cancel this reconnect attempt outright (§4.1).
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		c.log.Warn().Err(err).Msg("reconnect attempt failed")
		if c.allowReconnect.Load() {
			go c.reconnect()
		}
		return
	}

	c.resubscribeAll(context.Background())
}

func (c *Client) resubscribeAll(ctx context.Context) {
	c.subsMu.Lock()
	markets := make([]string, 0, len(c.lastTickEpoch))
	for m := range c.lastTickEpoch {
		markets = append(markets, m)
	}
	c.subsMu.Unlock()

	for _, m := range markets {
		if err := c.SubscribeTicks(ctx, m); err != nil {
			c.log.Warn().Err(err).Str("market", m).Msg("resubscribe failed")
		}
	}
}

// heartbeatLoop sends a ping every HeartbeatInterval and arms a dead-man
// timer of HeartbeatTimeout; a pong within the window clears the timer and
// reports round-trip latency, a timeout closes the socket with code 4000
// and is treated as a connectivity failure (§4.1).
func (c *Client) heartbeatLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sendHeartbeat()
		}
	}
}

func (c *Client) sendHeartbeat() {
	id := c.nextReqID()
	ch := make(chan frame, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	sent := time.Now()
	if err := c.send(pingRequest{Ping: 1, ReqID: id}); err != nil {
		return
	}

	timer := time.NewTimer(c.cfg.HeartbeatTimeout)
	defer timer.Stop()

	select {
	case _, ok := <-ch:
		if !ok {
			return
		}
		latency := time.Since(sent)
		emit(c.events.Heartbeat, latency)
	case <-timer.C:
		c.closeWithDeadman()
	case <-c.stopCh:
	}
}

// closeWithDeadman closes the socket with code 4000 on heartbeat timeout
// and treats it as a connection failure (§4.1).
func (c *Client) closeWithDeadman() {
	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(4000, "heartbeat timeout"),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}

	c.failAllPending(pulsecoreerr.New(pulsecoreerr.Timeout, "HEARTBEAT_TIMEOUT", "heartbeat dead-man timer expired"))
	c.recordFailure()
	emit(c.events.Disconnected, "heartbeat timeout")

	if c.allowReconnect.Load() {
		go c.reconnect()
	}
}
