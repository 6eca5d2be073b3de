package session

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gansauditor/gansauditor/pkg/config"
	"github.com/gansauditor/gansauditor/pkg/models"
	"github.com/gansauditor/gansauditor/pkg/obs"
)

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates the session does not exist in memory or on disk.
	ErrNotFound = errors.New("session not found")

	// ErrAlreadyComplete indicates a mutation was attempted on a terminal session.
	ErrAlreadyComplete = errors.New("session already complete")

	// ErrCapacity indicates the live-session cap was reached.
	ErrCapacity = errors.New("session capacity reached")

	// ErrSnapshotFailed indicates durable persistence failed after retries.
	// The in-memory mutation has still been applied.
	ErrSnapshotFailed = errors.New("session snapshot failed")

	// ErrStaleThought indicates an append whose thought number does not
	// exceed the last recorded one.
	ErrStaleThought = errors.New("thought number not increasing")
)

// entry pairs a session with its two locks. gate serializes whole audits
// (borrowed by the orchestrator via Lock); mu guards the record itself.
type entry struct {
	gate sync.Mutex
	mu   sync.Mutex
	s    *Session
}

// Store owns every Session record. All reads hand out deep copies; all
// writes go through the mutators below, which snapshot to disk before
// returning. Operations on distinct sessions are independent.
type Store struct {
	cfg     config.StoreConfig
	metrics *obs.Metrics
	oplog   *obs.OpLogger

	mu       sync.RWMutex
	sessions map[string]*entry
}

// NewStore creates the state directory and an empty store.
func NewStore(cfg config.StoreConfig, metrics *obs.Metrics, oplog *obs.OpLogger) (*Store, error) {
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}
	return &Store{
		cfg:      cfg,
		metrics:  metrics,
		sessions: make(map[string]*entry),
		oplog:    oplog,
	}, nil
}

// Len returns the number of live in-memory sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// GetOrCreate returns the session for id, rehydrating it from disk or
// creating it as needed. Two concurrent callers with the same id observe
// exactly one creation. An empty id mints a fresh one.
func (st *Store) GetOrCreate(id, loopID string, defaults config.SessionConfig) (*Session, bool, error) {
	if id == "" {
		id = uuid.New().String()
	}

	if e := st.lookup(id); e != nil {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.s.Clone(), false, nil
	}

	// Disk rehydration happens outside the map lock.
	loaded, loadErr := st.Load(id)
	if loadErr != nil && !errors.Is(loadErr, ErrNotFound) {
		return nil, false, loadErr
	}

	st.mu.Lock()
	if e, ok := st.sessions[id]; ok {
		// Lost the creation race.
		st.mu.Unlock()
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.s.Clone(), false, nil
	}

	// The cap covers rehydration too: a disk-backed session still takes a
	// live map slot.
	if len(st.sessions) >= st.cfg.MaxActiveSessions {
		st.mu.Unlock()
		return nil, false, fmt.Errorf("%w: %d live sessions", ErrCapacity, st.cfg.MaxActiveSessions)
	}

	created := false
	s := loaded
	if s == nil {
		now := time.Now().UTC()
		s = &Session{
			ID:        id,
			CreatedAt: now,
			UpdatedAt: now,
			LoopID:    loopID,
			History:   []Iteration{},
			State:     StateActive,
			Stagnation: Stagnation{
				StartAt:             defaults.Completion.StagnationStartLoop,
				SimilarityThreshold: defaults.Completion.StagnationThreshold,
			},
			Config: defaults,
		}
		created = true
	}
	e := &entry{s: s}
	st.sessions[id] = e
	live := len(st.sessions)
	st.mu.Unlock()

	if st.metrics != nil {
		st.metrics.SetActiveSessions(live)
	}

	if created {
		if st.metrics != nil {
			st.metrics.SessionCreated()
		}
		st.emit("session_created", s, obs.Fields{"loop_id": loopID})
		e.mu.Lock()
		defer e.mu.Unlock()
		if err := st.persist(e.s); err != nil {
			return e.s.Clone(), true, err
		}
		return e.s.Clone(), true, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s.Clone(), false, nil
}

// Lock borrows the per-session audit mutex and returns its release func.
// At most one audit runs per session while the gate is held.
func (st *Store) Lock(id string) (func(), error) {
	e := st.lookup(id)
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.gate.Lock()
	return e.gate.Unlock, nil
}

// Get returns a copy of the session, from memory only.
func (st *Store) Get(id string) (*Session, error) {
	e := st.lookup(id)
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s.Clone(), nil
}

// Append records one completed iteration. It fails on terminal sessions and
// on non-increasing thought numbers. The updated session is returned even
// when persistence failed (ErrSnapshotFailed); the in-memory append holds.
func (st *Store) Append(id string, it Iteration) (*Session, error) {
	e := st.lookup(id)
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.s.State.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyComplete, id, e.s.State)
	}
	if n := len(e.s.History); n > 0 && it.ThoughtNumber <= e.s.History[n-1].ThoughtNumber {
		return nil, fmt.Errorf("%w: %d after %d", ErrStaleThought,
			it.ThoughtNumber, e.s.History[n-1].ThoughtNumber)
	}

	e.s.History = append(e.s.History, it)
	e.s.CurrentLoop = len(e.s.History)
	e.s.UpdatedAt = time.Now().UTC()

	st.emit("iteration_appended", e.s, obs.Fields{
		"thought_number": it.ThoughtNumber,
		"score":          it.Review.OverallScore,
		"verdict":        string(it.Review.Verdict),
		"duration_ms":    it.DurationMs,
	})

	if err := st.persist(e.s); err != nil {
		return e.s.Clone(), err
	}
	return e.s.Clone(), nil
}

// RecordSimilarity updates the stagnation memory after a completion check.
func (st *Store) RecordSimilarity(id string, similarity float64, detected bool) error {
	e := st.lookup(id)
	if e == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.s.Stagnation.LastSimilarity = &similarity
	if detected && !e.s.Stagnation.Detected {
		e.s.Stagnation.Detected = true
		e.s.Stagnation.DetectedAtLoop = e.s.CurrentLoop
	}
	return nil
}

// SetContextHandle stores the judge driver's opaque context handle.
func (st *Store) SetContextHandle(id, handle string) error {
	e := st.lookup(id)
	if e == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.s.ContextHandle = handle
	return st.persist(e.s)
}

// SetConfig replaces the session's effective configuration.
func (st *Store) SetConfig(id string, cfg config.SessionConfig) error {
	e := st.lookup(id)
	if e == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.s.Config = cfg
	e.s.Stagnation.StartAt = cfg.Completion.StagnationStartLoop
	e.s.Stagnation.SimilarityThreshold = cfg.Completion.StagnationThreshold
	return st.persist(e.s)
}

// MarkComplete transitions the session to Complete. A second call with the
// same reason is a no-op; a different reason fails with ErrAlreadyComplete.
func (st *Store) MarkComplete(id string, reason models.CompletionReason) (*Session, error) {
	return st.markTerminal(id, StateComplete, reason)
}

// MarkFailed transitions the session to Failed with the same idempotence
// rules as MarkComplete.
func (st *Store) MarkFailed(id string) (*Session, error) {
	return st.markTerminal(id, StateFailed, models.ReasonFailed)
}

func (st *Store) markTerminal(id string, state State, reason models.CompletionReason) (*Session, error) {
	e := st.lookup(id)
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.s.State.Terminal() {
		if e.s.State == state && e.s.CompletionReason == reason {
			return e.s.Clone(), nil
		}
		return nil, fmt.Errorf("%w: %s already %s (%s)", ErrAlreadyComplete,
			id, e.s.State, e.s.CompletionReason)
	}

	e.s.State = state
	e.s.IsComplete = true
	e.s.CompletionReason = reason
	e.s.UpdatedAt = time.Now().UTC()

	if st.metrics != nil {
		st.metrics.SessionCompleted(string(reason))
		st.metrics.ObserveLoopsToCompletion(e.s.CurrentLoop)
	}
	st.emit("session_terminal", e.s, obs.Fields{
		"state":  string(state),
		"reason": string(reason),
		"loops":  e.s.CurrentLoop,
	})

	if err := st.persist(e.s); err != nil {
		return e.s.Clone(), err
	}
	return e.s.Clone(), nil
}

// Snapshot forces a durable write of the session's current state.
func (st *Store) Snapshot(id string) error {
	e := st.lookup(id)
	if e == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return st.persist(e.s)
}

// Delete removes the session from memory and disk.
func (st *Store) Delete(id string) error {
	st.mu.Lock()
	_, ok := st.sessions[id]
	delete(st.sessions, id)
	live := len(st.sessions)
	st.mu.Unlock()

	if st.metrics != nil {
		st.metrics.SetActiveSessions(live)
	}
	if err := os.Remove(st.snapshotPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing snapshot: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (st *Store) lookup(id string) *entry {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.sessions[id]
}

func (st *Store) emit(event string, s *Session, fields obs.Fields) {
	if st.oplog == nil {
		return
	}
	st.oplog.Emit(obs.StreamSession, obs.Entry{
		Event:     event,
		SessionID: s.ID,
		LoopID:    s.LoopID,
		Iteration: s.CurrentLoop,
		Fields:    fields,
	})
}
