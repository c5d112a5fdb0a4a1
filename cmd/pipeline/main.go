// Command pipeline is the composition root: it wires the Broker WS Client,
// Market Data Pipeline, Signal Engine, Risk Guard, Execution Core, and
// Session Registry into one running process, the way cmd/orchestrator
// wires the teacher's agent orchestrator.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/haldane-systems/pulsecore/internal/broker"
	"github.com/haldane-systems/pulsecore/internal/config"
	"github.com/haldane-systems/pulsecore/internal/creds"
	"github.com/haldane-systems/pulsecore/internal/domain"
	"github.com/haldane-systems/pulsecore/internal/events"
	"github.com/haldane-systems/pulsecore/internal/execution"
	"github.com/haldane-systems/pulsecore/internal/idempotency"
	"github.com/haldane-systems/pulsecore/internal/market"
	"github.com/haldane-systems/pulsecore/internal/reconcile"
	"github.com/haldane-systems/pulsecore/internal/risk"
	"github.com/haldane-systems/pulsecore/internal/session"
	signalengine "github.com/haldane-systems/pulsecore/internal/signal"
	"github.com/haldane-systems/pulsecore/internal/store"
	"github.com/haldane-systems/pulsecore/internal/telemetry"
	"github.com/haldane-systems/pulsecore/internal/userrisk"
)

func main() {
	configPath := flag.String("config", "", "path to the pipeline config file")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	config.InitLogger(cfg.App.LogLevel, "console")

	log.Info().Str("app", cfg.App.Name).Str("env", cfg.App.Environment).Msg("starting pulsecore pipeline")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := build(ctx, cfg, config.NewLogger("pipeline"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build pipeline")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		if err := app.run(ctx); err != nil {
			errChan <- fmt.Errorf("pipeline run error: %w", err)
		}
	}()

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-errChan:
		log.Error().Err(err).Msg("pipeline error")
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	app.shutdown(shutdownCtx)

	log.Info().Msg("pulsecore pipeline shutdown complete")
}

// pipeline bundles every wired component for supervised startup/shutdown.
type pipeline struct {
	log zerolog.Logger
	cfg *config.Config

	metricsServer *telemetry.Server
	pgPool        pgxCloser
	redisClient   *redis.Client
	eventBus      events.Bus

	ingest *broker.Client
	market *market.Pipeline

	registry    *session.Registry
	reconciler  *reconcile.Reconciler
	reconcileRL *rate.Limiter

	store Store
}

// pgxCloser narrows *pgxpool.Pool to Close so main doesn't import pgxpool
// directly for the one lifecycle call it needs.
type pgxCloser interface{ Close() }

// Store is the superset of durable-store methods the composition root
// itself calls directly (distinct from the narrower per-component Store
// interfaces each package declares).
type Store interface {
	session.Store
	execution.Store
	reconcile.Store
}

func build(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*pipeline, error) {
	breaker := telemetry.NewBreakerManager()

	pgPool, err := store.Connect(ctx, cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	durable := store.New(pgPool, breaker, logger)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	idem := idempotency.NewFallback(
		idempotency.NewRedisKV(redisClient, logger),
		idempotency.NewInProcessKV(),
		logger,
	)

	var credSource creds.Source
	if cfg.Vault.Enabled {
		vs, err := creds.NewVaultSource(creds.VaultConfig{
			Address:   cfg.Vault.Address,
			Token:     cfg.Vault.Token,
			MountPath: cfg.Vault.MountPath,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("create vault credential source: %w", err)
		}
		credSource = vs
	} else {
		credSource = creds.NewStaticSource()
	}

	var bus events.Bus
	nb, err := events.NewNATSBus(events.NATSConfig{URL: cfg.NATS.URL, Prefix: cfg.NATS.Subject}, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("NATS unavailable, falling back to in-process event bus")
		bus = events.NewChannelBus()
	} else {
		bus = nb
	}

	registry := session.New(logger, durable)
	registry.SetSink(func(sessionID string, status domain.SessionStatus) {
		publish(ctx, bus, events.TopicSessionStatusUpdate, map[string]any{
			"session_id": sessionID,
			"status":     status,
		}, logger)
	})

	riskDefaults := userrisk.Limits{MaxDrawdown: 1000, MaxDailyLoss: 300, MaxTradesPerSession: 50}
	riskStates := userrisk.New(riskDefaults)

	guard := risk.New(logger, func(check domain.RiskCheck) {
		publish(ctx, bus, events.TopicRiskCheckCompleted, check, logger)
	})

	execCore := execution.New(
		execution.Config{
			Stake: execution.StakeConfig{
				Base:           cfg.Execution.DefaultStake.Base,
				Min:            cfg.Execution.DefaultStake.Min,
				Max:            cfg.Execution.DefaultStake.Max,
				ConfidenceMult: cfg.Execution.DefaultStake.ConfidenceMult,
			},
			DefaultDuration:   &domain.Duration{Value: cfg.Execution.DefaultDuration.Value, Unit: domain.DurationUnit(cfg.Execution.DefaultDuration.Unit)},
			SettlementTimeout: cfg.Execution.SettlementTimeout(),
			ConnectTimeout:    cfg.Broker.ConnectTimeout(),
			IdempotencyTTL:    cfg.Execution.IdempotencyTTL(),
		},
		logger, durable, credSource, idem,
		func() *broker.Client { return broker.New(brokerConfig(cfg), logger) },
		func(result domain.TradeResult) {
			topic := events.TopicTradeExecuted
			if result.SettledAt != nil {
				topic = events.TopicTradeSettled
				riskStates.OnSettlement(result.UserID, result.PnL)
			}
			publish(ctx, bus, topic, result, logger)
		},
	)
	ingest := broker.New(brokerConfig(cfg), logger)
	marketPipeline := market.New(market.Config{
		QueueCapacity: cfg.MarketData.TickQueueCapacity,
		OverflowDrop:  cfg.MarketData.TickOverflowDrop,
		BatchInterval: cfg.MarketData.BatchInterval(),
	}, logger)

	engine := signalengine.New(logger, nil)

	go consumeSignals(ctx, marketPipeline, engine, registry, riskStates, guard, execCore, bus, logger)

	reconciler := reconcile.New(reconcile.DefaultConfig(), logger, durable, credSource,
		func() *broker.Client { return broker.New(brokerConfig(cfg), logger) })

	return &pipeline{
		log:           logger,
		cfg:           cfg,
		metricsServer: telemetry.NewServer(cfg.Monitoring.PrometheusPort, logger),
		pgPool:        pgPool,
		redisClient:   redisClient,
		eventBus:      bus,
		ingest:        ingest,
		market:        marketPipeline,
		registry:      registry,
		reconciler:    reconciler,
		reconcileRL:   rate.NewLimiter(rate.Every(time.Second), 5),
		store:         durable,
	}, nil
}

func brokerConfig(cfg *config.Config) broker.Config {
	return broker.Config{
		WSURL:             cfg.Broker.WSURL,
		AppID:             cfg.Broker.AppID,
		HeartbeatInterval: cfg.Broker.HeartbeatInterval(),
		HeartbeatTimeout:  cfg.Broker.HeartbeatTimeout(),
		ReconnectBase:     cfg.Broker.ReconnectBase(),
		ReconnectMax:      cfg.Broker.ReconnectMax(),
		CircuitWindow:     cfg.Broker.CircuitWindow(),
		CircuitThreshold:  cfg.Broker.CircuitThreshold,
		RequestTimeout:    cfg.Broker.RequestTimeout(),
		ConnectTimeout:    cfg.Broker.ConnectTimeout(),
	}
}

// run recovers session state, connects the ingest client, and supervises
// every long-running loop with an errgroup so one failure cancels the rest.
func (p *pipeline) run(ctx context.Context) error {
	if err := p.registry.Recover(ctx); err != nil {
		p.log.Error().Err(err).Msg("session recovery failed, starting with an empty registry")
	}

	p.metricsServer.Start()

	connectCtx, cancel := context.WithTimeout(ctx, p.cfg.Broker.ConnectTimeout())
	err := p.ingest.Connect(connectCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("ingest client connect: %w", err)
	}

	for _, market := range trackedMarkets(p.registry) {
		if err := p.ingest.SubscribeTicks(ctx, market); err != nil {
			p.log.Error().Err(err).Str("market", market).Msg("initial tick subscription failed")
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { p.market.Run(gctx); return nil })
	g.Go(func() error { p.pumpTicks(gctx); return nil })
	g.Go(func() error { p.reconcileLoop(gctx); return nil })
	return g.Wait()
}

func (p *pipeline) pumpTicks(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-p.ingest.Events().Tick:
			if !ok {
				return
			}
			p.market.HandleTick(t)
		}
	}
}

// reconcileLoop periodically polls every user who is a participant (of any
// status) of a session the registry holds for settlement updates,
// rate-limited so a large fleet of
// sessions doesn't open a burst of broker connections at once.
func (p *pipeline) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, userID := range activeUserIDs(p.registry) {
				if err := p.reconcileRL.Wait(ctx); err != nil {
					return
				}
				if _, err := p.reconciler.ReconcileUser(ctx, userID); err != nil {
					p.log.Warn().Err(err).Str("user_id", userID).Msg("reconciliation pass failed")
				}
			}
		}
	}
}

func (p *pipeline) shutdown(ctx context.Context) {
	p.ingest.Disconnect()
	if err := p.metricsServer.Shutdown(ctx); err != nil {
		p.log.Error().Err(err).Msg("metrics server shutdown failed")
	}
	if err := p.eventBus.Close(); err != nil {
		p.log.Error().Err(err).Msg("event bus close failed")
	}
	if err := p.redisClient.Close(); err != nil {
		p.log.Error().Err(err).Msg("redis client close failed")
	}
	p.pgPool.Close()
}

// consumeSignals drains the Market Data Pipeline's tick_ready stream,
// generates a signal per tick, and fans it out to every participant of
// every session that allows the tick's market (§4.4: "fans out per
// participant of the session that allows the signal's market").
func consumeSignals(
	ctx context.Context,
	mkt *market.Pipeline,
	engine *signalengine.Engine,
	registry *session.Registry,
	riskStates *userrisk.Tracker,
	guard *risk.Guard,
	execCore *execution.Core,
	bus events.Bus,
	logger zerolog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-mkt.Output():
			if !ok {
				return
			}
			sig := engine.ProcessTick(t, "", nil)
			if sig == nil {
				continue
			}
			publish(ctx, bus, events.TopicSignalEmitted, sig, logger)

			for _, sess := range registry.ActiveSessionsForMarket(t.Market) {
				profile := domain.DefaultProfiles[sess.Config.RiskProfile]
				for _, userID := range sess.Order {
					if p, ok := sess.Participants[userID]; !ok || p.Status == domain.ParticipantRemoved {
						continue
					}
					userState := riskStates.Get(userID)
					stake := risk.RecommendedStake(sess.Config.MaxStake, profile, userState)
					check := guard.Validate(userID, sess.ID, *sig, sess.Config, userState, profile, stake)
					execCore.HandleRiskCheck(ctx, check)
				}
			}
		}
	}
}

func trackedMarkets(registry *session.Registry) []string {
	seen := make(map[string]struct{})
	var markets []string
	for _, sess := range registry.All() {
		for market := range sess.Config.AllowedMarkets {
			if _, ok := seen[market]; !ok {
				seen[market] = struct{}{}
				markets = append(markets, market)
			}
		}
	}
	return markets
}

func activeUserIDs(registry *session.Registry) []string {
	seen := make(map[string]struct{})
	var users []string
	for _, sess := range registry.All() {
		for userID := range sess.Participants {
			if _, ok := seen[userID]; !ok {
				seen[userID] = struct{}{}
				users = append(users, userID)
			}
		}
	}
	return users
}

func publish(ctx context.Context, bus events.Bus, topic string, payload any, logger zerolog.Logger) {
	if err := bus.Publish(ctx, topic, payload); err != nil {
		logger.Warn().Err(err).Str("topic", topic).Msg("event publish failed")
	}
}
