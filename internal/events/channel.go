package events

import (
	"context"
	"sync"
	"time"
)

// ChannelBus is an in-process Bus: Publish fans out synchronously to every
// Subscribe'd handler for that topic. Used for tests and as the
// composition root's fallback when connecting to NATS fails (§6).
type ChannelBus struct {
	mu       sync.RWMutex
	handlers map[string][]*chanSub
	now      func() time.Time
}

func NewChannelBus() *ChannelBus {
	return &ChannelBus{handlers: make(map[string][]*chanSub), now: time.Now}
}

type chanSub struct {
	topic string
	h     Handler
	live  bool
}

func (b *ChannelBus) Publish(ctx context.Context, topic string, payload any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	evt, err := marshal(topic, payload, b.now())
	if err != nil {
		return err
	}

	b.mu.RLock()
	subs := append([]*chanSub(nil), b.handlers[topic]...)
	b.mu.RUnlock()

	for _, s := range subs {
		if s.live {
			s.h(evt)
		}
	}
	return nil
}

func (b *ChannelBus) Subscribe(topic string, h Handler) (Subscription, error) {
	s := &chanSub{topic: topic, h: h, live: true}
	b.mu.Lock()
	b.handlers[topic] = append(b.handlers[topic], s)
	b.mu.Unlock()
	return s, nil
}

func (s *chanSub) Close() error {
	s.live = false
	return nil
}

func (b *ChannelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[string][]*chanSub)
	return nil
}
