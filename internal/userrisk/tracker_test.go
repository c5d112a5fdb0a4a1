package userrisk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestTracker(limits Limits) *Tracker {
	return New(limits)
}

func TestTracker_Get_DefaultsUnseenUserToLimitsWithZeroCounters(t *testing.T) {
	tr := newTestTracker(Limits{MaxDrawdown: 500, MaxDailyLoss: 200, MaxTradesPerSession: 10})
	state := tr.Get("u1")
	assert.Equal(t, 500.0, state.MaxDrawdown)
	assert.Equal(t, 0.0, state.CurrentDrawdown)
	assert.Equal(t, 0, state.TradesToday)
	assert.False(t, state.IsOptedOut)
}

func TestTracker_OnSettlement_LossIncreasesDrawdownAndDailyLoss(t *testing.T) {
	tr := newTestTracker(Limits{MaxDrawdown: 500, MaxDailyLoss: 200})
	tr.OnSettlement("u1", -25.5)

	state := tr.Get("u1")
	assert.Equal(t, 25.5, state.CurrentDrawdown)
	assert.Equal(t, 25.5, state.CurrentDailyLoss)
	assert.Equal(t, 1, state.TradesToday)
}

func TestTracker_OnSettlement_WinClawsBackDrawdownNotBelowZero(t *testing.T) {
	tr := newTestTracker(Limits{MaxDrawdown: 500, MaxDailyLoss: 200})
	tr.OnSettlement("u1", -10)
	tr.OnSettlement("u1", 50)

	state := tr.Get("u1")
	assert.Equal(t, 0.0, state.CurrentDrawdown)
	// daily loss is a one-way ratchet within a day; wins don't reduce it
	assert.Equal(t, 10.0, state.CurrentDailyLoss)
	assert.Equal(t, 2, state.TradesToday)
}

func TestTracker_SetOptedOut_ReflectsInGet(t *testing.T) {
	tr := newTestTracker(Limits{})
	tr.SetOptedOut("u1", true)
	assert.True(t, tr.Get("u1").IsOptedOut)
}

func TestTracker_Reset_ClearsCounters(t *testing.T) {
	tr := newTestTracker(Limits{MaxDrawdown: 500})
	tr.OnSettlement("u1", -100)
	tr.Reset("u1")

	state := tr.Get("u1")
	assert.Equal(t, 0.0, state.CurrentDrawdown)
	assert.Equal(t, 0, state.TradesToday)
}

func TestTracker_RollDay_ResetsDailyLossAndTradesOnNewDay(t *testing.T) {
	tr := newTestTracker(Limits{MaxDrawdown: 500, MaxDailyLoss: 200})
	day1 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return day1 }
	tr.OnSettlement("u1", -40)

	tr.now = func() time.Time { return day1.Add(25 * time.Hour) }
	state := tr.Get("u1")
	assert.Equal(t, 0.0, state.CurrentDailyLoss)
	assert.Equal(t, 0, state.TradesToday)
	// drawdown persists across the day boundary; only daily counters roll
	assert.Equal(t, 40.0, state.CurrentDrawdown)
}
