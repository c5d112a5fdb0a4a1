package session

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haldane-systems/pulsecore/internal/domain"
)

func newRegistry() *Registry {
	return New(zerolog.Nop(), nil)
}

func TestRegistry_Transition_PendingToActiveStampsStartedAt(t *testing.T) {
	r := newRegistry()
	s := r.Create(domain.SessionConfig{}, "admin")

	got, err := r.Transition(s.ID, domain.SessionActive)
	require.NoError(t, err)
	assert.NotNil(t, got.StartedAt)
}

func TestRegistry_Transition_InvalidMoveFails(t *testing.T) {
	r := newRegistry()
	s := r.Create(domain.SessionConfig{}, "admin")

	_, err := r.Transition(s.ID, domain.SessionCompleted)
	assert.Error(t, err)
}

func TestRegistry_Transition_CompletedIsTerminal(t *testing.T) {
	r := newRegistry()
	s := r.Create(domain.SessionConfig{}, "admin")
	_, _ = r.Transition(s.ID, domain.SessionActive)
	_, _ = r.Transition(s.ID, domain.SessionCompleted)

	_, err := r.Transition(s.ID, domain.SessionRunning)
	assert.Error(t, err)
}

func TestRegistry_AddParticipant_FailsPastCapacity(t *testing.T) {
	r := newRegistry()
	s := r.Create(domain.SessionConfig{MaxParticipants: 1}, "admin")

	require.NoError(t, r.AddParticipant(s.ID, "u1"))
	assert.Error(t, r.AddParticipant(s.ID, "u2"))
}

func TestRegistry_RemoveParticipant_Tombstones(t *testing.T) {
	r := newRegistry()
	s := r.Create(domain.SessionConfig{MaxParticipants: 5}, "admin")
	require.NoError(t, r.AddParticipant(s.ID, "u1"))
	require.NoError(t, r.RemoveParticipant(s.ID, "u1"))

	got, _ := r.Get(s.ID)
	assert.Equal(t, domain.ParticipantRemoved, got.Participants["u1"].Status)
	// A removed participant frees capacity for a new join.
	require.NoError(t, r.AddParticipant(s.ID, "u2"))
}

func TestRegistry_UpdatePnL_IsAdditive(t *testing.T) {
	r := newRegistry()
	s := r.Create(domain.SessionConfig{MaxParticipants: 5}, "admin")
	require.NoError(t, r.AddParticipant(s.ID, "u1"))

	require.NoError(t, r.UpdatePnL(s.ID, "u1", 10))
	require.NoError(t, r.UpdatePnL(s.ID, "u1", -3))

	got, _ := r.Get(s.ID)
	assert.Equal(t, 7.0, got.Participants["u1"].PnL)
	assert.Equal(t, 7.0, got.Config.CurrentPnL)
}

func TestRegistry_PauseSessionsByMarket_OnlyAffectsRunningSessionsAllowingMarket(t *testing.T) {
	r := newRegistry()
	allowed := map[string]struct{}{"R_100": {}}

	s1 := r.Create(domain.SessionConfig{AllowedMarkets: allowed}, "admin")
	_, _ = r.Transition(s1.ID, domain.SessionActive)
	_, _ = r.Transition(s1.ID, domain.SessionRunning)

	s2 := r.Create(domain.SessionConfig{AllowedMarkets: map[string]struct{}{"R_50": {}}}, "admin")
	_, _ = r.Transition(s2.ID, domain.SessionActive)
	_, _ = r.Transition(s2.ID, domain.SessionRunning)

	paused := r.PauseSessionsByMarket("R_100")
	assert.Contains(t, paused, s1.ID)
	assert.NotContains(t, paused, s2.ID)

	got1, _ := r.Get(s1.ID)
	assert.Equal(t, domain.SessionPaused, got1.Status)
}

func TestRegistry_ResumeSessionsByMarket_SymmetricWithPause(t *testing.T) {
	r := newRegistry()
	s := r.Create(domain.SessionConfig{}, "admin") // empty allow-list = all markets
	_, _ = r.Transition(s.ID, domain.SessionActive)
	_, _ = r.Transition(s.ID, domain.SessionRunning)

	paused := r.PauseSessionsByMarket("R_100")
	require.Contains(t, paused, s.ID)

	resumed := r.ResumeSessionsByMarket("R_100")
	assert.Contains(t, resumed, s.ID)

	got, _ := r.Get(s.ID)
	assert.Equal(t, domain.SessionRunning, got.Status)
}

func TestRegistry_Get_ReturnsDeepSnapshot(t *testing.T) {
	r := newRegistry()
	s := r.Create(domain.SessionConfig{MaxParticipants: 5}, "admin")
	require.NoError(t, r.AddParticipant(s.ID, "u1"))

	got, _ := r.Get(s.ID)
	got.Participants["u1"] = domain.Participant{UserID: "tampered"}

	got2, _ := r.Get(s.ID)
	assert.Equal(t, "u1", got2.Participants["u1"].UserID, "mutating a snapshot must not affect registry state")
}

func TestRegistry_Transition_EmitsToSink(t *testing.T) {
	r := newRegistry()
	var gotID string
	var gotStatus domain.SessionStatus
	r.SetSink(func(sessionID string, status domain.SessionStatus) {
		gotID, gotStatus = sessionID, status
	})

	s := r.Create(domain.SessionConfig{}, "admin")
	_, err := r.Transition(s.ID, domain.SessionActive)
	require.NoError(t, err)

	assert.Equal(t, s.ID, gotID)
	assert.Equal(t, domain.SessionActive, gotStatus)
}

func TestRegistry_TransitionByMarket_EmitsPerAffectedSession(t *testing.T) {
	r := newRegistry()
	emitted := make(map[string]domain.SessionStatus)
	r.SetSink(func(sessionID string, status domain.SessionStatus) {
		emitted[sessionID] = status
	})

	s := r.Create(domain.SessionConfig{AllowedMarkets: map[string]struct{}{"R_100": {}}}, "admin")
	_, _ = r.Transition(s.ID, domain.SessionActive)
	emitted = make(map[string]domain.SessionStatus) // reset after setup transition
	_, err := r.Transition(s.ID, domain.SessionRunning)
	require.NoError(t, err)
	emitted = make(map[string]domain.SessionStatus) // reset after setup transition

	paused := r.PauseSessionsByMarket("R_100")
	require.Len(t, paused, 1)
	assert.Equal(t, domain.SessionPaused, emitted[s.ID])
}

func TestRegistry_Transition_NilSinkIsNoop(t *testing.T) {
	r := newRegistry()
	s := r.Create(domain.SessionConfig{}, "admin")

	assert.NotPanics(t, func() {
		_, err := r.Transition(s.ID, domain.SessionActive)
		require.NoError(t, err)
	})
}
