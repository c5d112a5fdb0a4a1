package signal

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/haldane-systems/pulsecore/internal/domain"
)

func tick(market string, epoch int64, quote float64) domain.Tick {
	return domain.Tick{Market: market, Epoch: epoch, Quote: quote}
}

func TestEngine_ProcessTick_NoSignalBeforeSufficientHistory(t *testing.T) {
	e := New(zerolog.Nop(), nil)
	for i := 0; i < SlowEMAPeriod; i++ {
		sig := e.ProcessTick(tick("R_100", int64(i), 100+float64(i)), "", nil)
		assert.Nil(t, sig, "no signal before sufficient history accumulates")
	}
}

func TestEngine_ProcessTick_EmitsOnceHistorySuffices(t *testing.T) {
	e := New(zerolog.Nop(), nil)
	var last *domain.Signal
	// A volatile zig-zag series gives the registry plenty to fire on.
	for i := 0; i < 60; i++ {
		q := 100 + float64(i%5) - float64((i/5)%3)
		if sig := e.ProcessTick(tick("R_100", int64(i), q), "", nil); sig != nil {
			last = sig
		}
	}
	assert.NotNil(t, last, "expected at least one signal over a volatile series")
}

func TestEngine_ProcessTick_RespectsSessionMinConfidenceFloor(t *testing.T) {
	e := New(zerolog.Nop(), nil)
	impossible := 1.01
	var last *domain.Signal
	for i := 0; i < 60; i++ {
		q := 100 + float64(i%5)
		if sig := e.ProcessTick(tick("R_100", int64(i), q), "", &impossible); sig != nil {
			last = sig
		}
	}
	assert.Nil(t, last, "no confidence can clear a floor above 1.0")
}

func TestEngine_GenerateSignal_MatchesSequentialReplay(t *testing.T) {
	e := New(zerolog.Nop(), nil)
	ticks := make([]domain.Tick, 0, 60)
	for i := 0; i < 60; i++ {
		q := 100 + float64(i%5) - float64((i/5)%3)
		ticks = append(ticks, tick("R_100", int64(i), q))
	}

	var sequential *domain.Signal
	seq := New(zerolog.Nop(), nil)
	for _, tk := range ticks {
		if sig := seq.ProcessTick(tk, "", nil); sig != nil {
			sequential = sig
		}
	}

	batch := e.GenerateSignal(ticks, "", nil)
	if sequential == nil {
		assert.Nil(t, batch)
		return
	}
	assert.Equal(t, sequential.Type, batch.Type)
	assert.InDelta(t, sequential.Confidence, batch.Confidence, 1e-9)
}

func TestEngine_PerMarketStateIsIndependent(t *testing.T) {
	e := New(zerolog.Nop(), nil)
	for i := 0; i < 60; i++ {
		e.ProcessTick(tick("R_100", int64(i), 100+float64(i%5)), "", nil)
	}
	// A brand new market starts from empty history regardless of R_100's state.
	sig := e.ProcessTick(tick("R_50", 0, 50), "", nil)
	assert.Nil(t, sig)
}

func TestBuildSignal_ClampsConfidenceToUnitInterval(t *testing.T) {
	sig := buildSignal("R_100", domain.Call, 1.5, "test", Snapshot{}, time.Now())
	assert.Equal(t, 1.0, sig.Confidence)
}

func TestCrossed_DetectsBullishCross(t *testing.T) {
	occurred, bullish := crossed(Snapshot{PrevFastEMA: 99, PrevSlowEMA: 100, FastEMA: 101, SlowEMA: 100})
	assert.True(t, occurred)
	assert.True(t, bullish)
}

func TestCrossed_NoCrossWhenOrderUnchanged(t *testing.T) {
	occurred, _ := crossed(Snapshot{PrevFastEMA: 105, PrevSlowEMA: 100, FastEMA: 106, SlowEMA: 100})
	assert.False(t, occurred)
}

func TestCrossoverConfidence_HighVolatilityDampens(t *testing.T) {
	low := crossoverConfidence(Snapshot{Momentum: 0.01, Volatility: 0.01})
	high := crossoverConfidence(Snapshot{Momentum: 0.01, Volatility: 0.05})
	assert.Less(t, high, low)
}
