package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maltedev/listing-harvester/internal/models"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrBusy     = errors.New("session already has an active run")
)

type Stage string

const (
	StageSearching  Stage = "searching"
	StageScraping   Stage = "scraping"
	StageTraining   Stage = "training"
	StagePredicting Stage = "predicting"
	StageCompleted  Stage = "completed"
	StageFailed     Stage = "failed"
)

// Terminal reports whether no further work happens in this stage.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

type State struct {
	ID          string                `json:"session_id"`
	Stage       Stage                 `json:"stage"`
	Params      models.SearchParams   `json:"params"`
	URLsFound   int                   `json:"urls_found"`
	Reason      string                `json:"termination_reason,omitempty"`
	DatasetPath string                `json:"dataset_path,omitempty"`
	Extract     *models.ExtractResult `json:"extract,omitempty"`
	Metrics     map[string]float64    `json:"metrics,omitempty"`
	Prediction  *int64                `json:"predicted_price,omitempty"`
	Error       string                `json:"error,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

// Store owns per-session pipeline state. Sessions are removed explicitly or
// evicted by the janitor once finished and neither updated nor read for
// longer than the TTL. Queued and running sessions are never evicted.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*State
	seen     map[string]time.Time
	ttl      time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

func NewStore(ttl time.Duration, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		sessions: make(map[string]*State),
		seen:     make(map[string]time.Time),
		ttl:      ttl,
		now:      time.Now,
		logger:   logger.With("component", "session_store"),
	}
}

// Create starts a session in the searching stage.
func (s *Store) Create(params models.SearchParams) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	st := &State{
		ID:        uuid.New().String(),
		Stage:     StageSearching,
		Params:    params,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.sessions[st.ID] = st
	return *st
}

// Get returns a copy of the session and marks it as recently read.
func (s *Store) Get(id string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sessions[id]
	if !ok {
		return State{}, ErrNotFound
	}
	s.seen[id] = s.now()
	return *st, nil
}

// Update applies fn to the session under the store lock.
func (s *Store) Update(id string, fn func(*State)) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sessions[id]
	if !ok {
		return State{}, ErrNotFound
	}
	fn(st)
	st.UpdatedAt = s.now()
	return *st, nil
}

func (s *Store) Advance(id string, stage Stage) (State, error) {
	return s.Update(id, func(st *State) { st.Stage = stage })
}

func (s *Store) Fail(id string, err error) (State, error) {
	return s.Update(id, func(st *State) {
		st.Stage = StageFailed
		if err != nil {
			st.Error = err.Error()
		}
	})
}

func (s *Store) Complete(id string) (State, error) {
	return s.Advance(id, StageCompleted)
}

// Restart puts a finished session back into searching with new params. A
// session that is still running cannot be restarted.
func (s *Store) Restart(id string, params models.SearchParams) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sessions[id]
	if !ok {
		return State{}, ErrNotFound
	}
	if !st.Stage.Terminal() {
		return State{}, ErrBusy
	}
	*st = State{
		ID:        st.ID,
		Stage:     StageSearching,
		Params:    params,
		CreatedAt: st.CreatedAt,
		UpdatedAt: s.now(),
	}
	return *st, nil
}

func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.sessions[id]
	delete(s.sessions, id)
	delete(s.seen, id)
	return ok
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Evict drops finished sessions idle for longer than the TTL and returns
// how many.
func (s *Store) Evict() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.ttl)
	evicted := 0
	for id, st := range s.sessions {
		if !st.Stage.Terminal() {
			continue
		}
		last := st.UpdatedAt
		if seen := s.seen[id]; seen.After(last) {
			last = seen
		}
		if last.Before(cutoff) {
			delete(s.sessions, id)
			delete(s.seen, id)
			evicted++
		}
	}
	return evicted
}

// Janitor evicts idle finished sessions every interval until ctx is done.
func (s *Store) Janitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Evict(); n > 0 {
				s.logger.Info("evicted idle sessions", "count", n, "remaining", s.Len())
			}
		}
	}
}
