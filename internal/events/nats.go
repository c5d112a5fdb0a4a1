package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/haldane-systems/pulsecore/internal/pulsecoreerr"
)

// NATSConfig mirrors the teacher's MessageBusConfig shape: a URL and a
// subject prefix, defaulted if empty.
type NATSConfig struct {
	URL    string
	Prefix string
}

func DefaultNATSConfig() NATSConfig {
	return NATSConfig{URL: nats.DefaultURL, Prefix: "pulsecore."}
}

// NATSBus publishes/subscribes over NATS core pub/sub, one subject per
// topic under Prefix. Reconnect policy matches the teacher's
// infinite-retry, logged-on-change pattern.
type NATSBus struct {
	nc     *nats.Conn
	prefix string
	log    zerolog.Logger
	now    func() time.Time
}

func NewNATSBus(cfg NATSConfig, log zerolog.Logger) (*NATSBus, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "pulsecore."
	}
	log = log.With().Str("component", "events").Logger()

	nc, err := nats.Connect(
		cfg.URL,
		nats.Name("pulsecore-pipeline"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, pulsecoreerr.Wrap(pulsecoreerr.Connectivity, "NATS_CONNECT_FAILED", "failed to connect to nats", err)
	}

	return &NATSBus{nc: nc, prefix: cfg.Prefix, log: log, now: time.Now}, nil
}

func (b *NATSBus) Publish(ctx context.Context, topic string, payload any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	evt, err := marshal(topic, payload, b.now())
	if err != nil {
		return pulsecoreerr.Wrap(pulsecoreerr.Internal, "MARSHAL_EVENT_FAILED", "failed to marshal event payload", err)
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return pulsecoreerr.Wrap(pulsecoreerr.Internal, "MARSHAL_EVENT_FAILED", "failed to marshal event envelope", err)
	}
	if err := b.nc.Publish(b.prefix+topic, data); err != nil {
		return pulsecoreerr.Wrap(pulsecoreerr.Connectivity, "NATS_PUBLISH_FAILED", "failed to publish event", err)
	}
	return nil
}

func (b *NATSBus) Subscribe(topic string, h Handler) (Subscription, error) {
	sub, err := b.nc.Subscribe(b.prefix+topic, func(msg *nats.Msg) {
		var evt Event
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			b.log.Warn().Err(err).Str("topic", topic).Msg("failed to unmarshal event")
			return
		}
		h(evt)
	})
	if err != nil {
		return nil, pulsecoreerr.Wrap(pulsecoreerr.Connectivity, "NATS_SUBSCRIBE_FAILED", "failed to subscribe", err)
	}
	return natsSubscription{sub}, nil
}

func (b *NATSBus) Close() error {
	b.nc.Drain()
	return nil
}

type natsSubscription struct{ sub *nats.Subscription }

func (s natsSubscription) Close() error { return s.sub.Unsubscribe() }
