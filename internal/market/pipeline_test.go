package market

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haldane-systems/pulsecore/internal/domain"
)

func TestPipeline_QueueOverflowDropsOldestTen(t *testing.T) {
	p := New(DefaultConfig(), zerolog.Nop())

	for i := 0; i < 100; i++ {
		p.HandleTick(domain.Tick{Market: "R_100", Epoch: int64(i), Quote: 100 + float64(i)})
	}
	a := p.adapterFor("R_100")
	require.Equal(t, 100, a.depth())

	// The 101st valid tick should trigger a drop of the 10 oldest.
	p.HandleTick(domain.Tick{Market: "R_100", Epoch: 100, Quote: 200})
	assert.LessOrEqual(t, a.depth(), 100)
	assert.Equal(t, 91, a.depth())
}

func TestPipeline_InvalidTicksAreDroppedAndCounted(t *testing.T) {
	p := New(DefaultConfig(), zerolog.Nop())

	p.HandleTick(domain.Tick{Market: "", Quote: 100, Epoch: 1})
	p.HandleTick(domain.Tick{Market: "R_100", Quote: -1, Epoch: 1})
	p.HandleTick(domain.Tick{Market: "R_100", Quote: 100, Epoch: 1})

	assert.Equal(t, int64(2), p.TicksDropped())
}

func TestAdapter_VolatilityRequiresAtLeastThreeQuotes(t *testing.T) {
	a := newAdapter(100, 10)
	assert.Equal(t, 0.0, a.volatility(100))
	assert.Equal(t, 0.0, a.volatility(101))
	v := a.volatility(99)
	assert.Greater(t, v, 0.0)
}

func TestPipeline_DrainDeliversQueuedTicks(t *testing.T) {
	p := New(DefaultConfig(), zerolog.Nop())
	p.HandleTick(domain.Tick{Market: "R_100", Epoch: 1, Quote: 100})
	p.HandleTick(domain.Tick{Market: "R_100", Epoch: 2, Quote: 101})

	p.drainAll()

	got := make([]domain.Tick, 0, 2)
	for i := 0; i < 2; i++ {
		got = append(got, <-p.Output())
	}
	assert.Equal(t, int64(1), got[0].Epoch)
	assert.Equal(t, int64(2), got[1].Epoch)
}
