// Package session implements the Session Registry (C6): the single
// in-memory owner of session and participant state, with a state machine,
// deep-snapshot reads, and market-triggered pause/resume.
package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/haldane-systems/pulsecore/internal/config"
	"github.com/haldane-systems/pulsecore/internal/domain"
	"github.com/haldane-systems/pulsecore/internal/pulsecoreerr"
)

// Store persists session/participant rows for recovery (§4.6 recovery).
type Store interface {
	LoadActiveSessions(ctx context.Context) ([]domain.Session, error)
	SaveSession(ctx context.Context, s domain.Session) error
}

// EventSink receives session_status_update notifications (§6 event bus).
type EventSink func(sessionID string, status domain.SessionStatus)

var allowedTransitions = map[domain.SessionStatus][]domain.SessionStatus{
	domain.SessionPending: {domain.SessionActive},
	domain.SessionActive:  {domain.SessionRunning, domain.SessionPaused, domain.SessionCompleted},
	domain.SessionRunning: {domain.SessionPaused, domain.SessionCompleted},
	domain.SessionPaused:  {domain.SessionRunning, domain.SessionCompleted},
	domain.SessionCompleted: {},
}

func canTransition(from, to domain.SessionStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Registry is the single owner of session/participant state (§5): external
// readers only ever see Snapshot() copies, mutators replace entries
// atomically under mu.
type Registry struct {
	log zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]domain.Session
	order    []string // registry iteration order, for stable risk-check fan-out

	store Store
	sink  EventSink
	now   func() time.Time
}

// SetSink wires a session_status_update publisher. Call before Recover/Run
// starts: emit reads the sink without its own lock since every mutator
// already holds r.mu, so setting it concurrently with a transition races.
func (r *Registry) SetSink(sink EventSink) {
	r.sink = sink
}

// emit is called from within an already-locked mutator; it must not
// acquire r.mu itself.
func (r *Registry) emit(sessionID string, status domain.SessionStatus) {
	if r.sink != nil {
		r.sink(sessionID, status)
	}
}

func New(log zerolog.Logger, store Store) *Registry {
	return &Registry{
		log:      log.With().Str("component", "session").Logger(),
		sessions: make(map[string]domain.Session),
		store:    store,
		now:      time.Now,
	}
}

// Recover rebuilds the in-memory map from the durable store on startup
// (§4.6): every row with status in {ACTIVE, RUNNING, PAUSED}.
func (r *Registry) Recover(ctx context.Context) error {
	sessions, err := r.store.LoadActiveSessions(ctx)
	if err != nil {
		return pulsecoreerr.Wrap(pulsecoreerr.Internal, "RECOVERY_FAILED", "failed to load active sessions", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range sessions {
		r.sessions[s.ID] = s
		r.order = append(r.order, s.ID)
	}
	r.log.Info().Int("count", len(sessions)).Msg("recovered sessions from durable store")
	return nil
}

// Create registers a new PENDING session owned by adminID.
func (r *Registry) Create(cfg domain.SessionConfig, adminID string) domain.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := domain.Session{
		ID:           uuid.NewString(),
		Status:       domain.SessionPending,
		Config:       cfg,
		CreatedAt:    r.now(),
		Participants: make(map[string]domain.Participant),
		AdminID:      adminID,
	}
	r.sessions[s.ID] = s
	r.order = append(r.order, s.ID)
	config.NewSessionLogger(s.ID).Info().Str("admin_id", adminID).Msg("session created")
	return s.Snapshot()
}

// Get returns a deep snapshot of one session (§4.6 immutability discipline).
func (r *Registry) Get(id string) (domain.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return domain.Session{}, false
	}
	return s.Snapshot(), true
}

// Transition applies a state machine move, stamping started_at/completed_at
// as required (§4.6). Any move not in allowedTransitions fails with
// INVALID_TRANSITION.
func (r *Registry) Transition(id string, to domain.SessionStatus) (domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return domain.Session{}, pulsecoreerr.New(pulsecoreerr.Validation, "SESSION_NOT_FOUND", "no such session")
	}
	if !canTransition(s.Status, to) {
		return domain.Session{}, pulsecoreerr.New(pulsecoreerr.Conflict, "INVALID_TRANSITION",
			fmt.Sprintf("cannot transition %s -> %s", s.Status, to))
	}

	s.Status = to
	now := r.now()
	switch to {
	case domain.SessionActive:
		s.StartedAt = &now
	case domain.SessionCompleted:
		s.CompletedAt = &now
	}
	r.sessions[id] = s
	r.emit(id, to)
	config.NewSessionLogger(id).Info().Str("status", string(to)).Msg("session transitioned")
	return s.Snapshot(), nil
}

// AddParticipant fails once max_participants is reached (§4.6).
func (r *Registry) AddParticipant(id, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return pulsecoreerr.New(pulsecoreerr.Validation, "SESSION_NOT_FOUND", "no such session")
	}
	active := 0
	for _, p := range s.Participants {
		if p.Status != domain.ParticipantRemoved {
			active++
		}
	}
	if s.Config.MaxParticipants > 0 && active >= s.Config.MaxParticipants {
		return pulsecoreerr.New(pulsecoreerr.Validation, "MAX_PARTICIPANTS_REACHED", "session is at capacity")
	}

	s.Participants[userID] = domain.Participant{UserID: userID, Status: domain.ParticipantActive, JoinedAt: r.now()}
	s.Order = append(s.Order, userID)
	r.sessions[id] = s
	return nil
}

// RemoveParticipant tombstones rather than deletes (§4.6).
func (r *Registry) RemoveParticipant(id, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return pulsecoreerr.New(pulsecoreerr.Validation, "SESSION_NOT_FOUND", "no such session")
	}
	p, ok := s.Participants[userID]
	if !ok {
		return pulsecoreerr.New(pulsecoreerr.Validation, "PARTICIPANT_NOT_FOUND", "no such participant")
	}
	p.Status = domain.ParticipantRemoved
	s.Participants[userID] = p
	r.sessions[id] = s
	return nil
}

// UpdatePnL is additive on both the participant and the session config
// (§4.6).
func (r *Registry) UpdatePnL(id, userID string, delta float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return pulsecoreerr.New(pulsecoreerr.Validation, "SESSION_NOT_FOUND", "no such session")
	}
	p, ok := s.Participants[userID]
	if !ok {
		return pulsecoreerr.New(pulsecoreerr.Validation, "PARTICIPANT_NOT_FOUND", "no such participant")
	}
	p.PnL += delta
	s.Participants[userID] = p
	s.Config.CurrentPnL += delta
	r.sessions[id] = s
	return nil
}

// PauseSessionsByMarket transitions every RUNNING session whose allowed
// market set is empty or contains m to PAUSED, in registry order, and
// returns the IDs paused, sorted (§4.6).
func (r *Registry) PauseSessionsByMarket(market string) []string {
	return r.transitionByMarket(market, domain.SessionRunning, domain.SessionPaused)
}

// ResumeSessionsByMarket is the symmetric resume (§4.6).
func (r *Registry) ResumeSessionsByMarket(market string) []string {
	return r.transitionByMarket(market, domain.SessionPaused, domain.SessionRunning)
}

func (r *Registry) transitionByMarket(market string, from, to domain.SessionStatus) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var affected []string
	for _, id := range r.order {
		s, ok := r.sessions[id]
		if !ok || s.Status != from {
			continue
		}
		if !s.Config.AllowsMarket(market) {
			continue
		}
		s.Status = to
		r.sessions[id] = s
		r.emit(id, to)
		affected = append(affected, id)
	}
	sort.Strings(affected)
	return affected
}

// All returns deep snapshots of every session the registry currently
// holds, in registry order, regardless of status — used by the
// composition root to derive the set of markets and users to wire up on
// startup and on each reconciliation pass.
func (r *Registry) All() []domain.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Session, 0, len(r.order))
	for _, id := range r.order {
		if s, ok := r.sessions[id]; ok {
			result = append(result, s.Snapshot())
		}
	}
	return result
}

// ActiveSessionsForMarket returns deep snapshots of every RUNNING session
// that allows market, in registry order — the fan-out set the Risk Guard
// iterates for a given signal (§4.4/§5).
func (r *Registry) ActiveSessionsForMarket(market string) []domain.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []domain.Session
	for _, id := range r.order {
		s, ok := r.sessions[id]
		if !ok || s.Status != domain.SessionRunning {
			continue
		}
		if !s.Config.AllowsMarket(market) {
			continue
		}
		result = append(result, s.Snapshot())
	}
	return result
}
