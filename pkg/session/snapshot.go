package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// snapshotVersion is bumped whenever the snapshot document layout changes.
const snapshotVersion = 1

// snapshotRetries is the number of retries after the first failed write.
const snapshotRetries = 2

// snapshotEnvelope is the on-disk document: a version field wrapping the
// session record.
type snapshotEnvelope struct {
	Version int      `json:"version"`
	Session *Session `json:"session"`
}

func (st *Store) snapshotPath(id string) string {
	return filepath.Join(st.cfg.StateDir, id+".json")
}

// persist writes the session to its snapshot file with bounded retries.
// Callers hold the entry lock. Exhaustion returns ErrSnapshotFailed; the
// in-memory state is already updated and stays authoritative.
func (st *Store) persist(s *Session) error {
	data, err := json.Marshal(snapshotEnvelope{Version: snapshotVersion, Session: s})
	if err != nil {
		return fmt.Errorf("%w: encoding %s: %v", ErrSnapshotFailed, s.ID, err)
	}

	path := st.snapshotPath(s.ID)
	write := func() error { return writeAtomic(path, data) }

	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(100*time.Millisecond), snapshotRetries)
	if err := backoff.Retry(write, policy); err != nil {
		slog.Error("Session snapshot failed after retries",
			"session_id", s.ID, "path", path, "error", err)
		return fmt.Errorf("%w: %s: %v", ErrSnapshotFailed, s.ID, err)
	}
	return nil
}

// writeAtomic replaces path with data so that readers never observe a
// half-written file: write to a temp sibling, fsync, rename over the target.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}

// Load rehydrates a session from its snapshot file. Corrupted snapshots are
// quarantined with a .corrupt suffix and reported as not found.
func (st *Store) Load(id string) (*Session, error) {
	path := st.snapshotPath(id)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("reading snapshot %s: %w", path, err)
	}

	var env snapshotEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Session == nil || env.Session.ID == "" {
		st.quarantine(path, err)
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if env.Version != snapshotVersion {
		st.quarantine(path, fmt.Errorf("unsupported snapshot version %d", env.Version))
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if env.Session.History == nil {
		env.Session.History = []Iteration{}
	}
	return env.Session, nil
}

func (st *Store) quarantine(path string, cause error) {
	slog.Warn("Quarantining corrupted session snapshot", "path", path, "error", cause)
	if err := os.Rename(path, path+".corrupt"); err != nil {
		slog.Error("Failed to quarantine snapshot", "path", path, "error", err)
	}
}

// Reap deletes snapshots whose sessions have been idle longer than
// MaxSessionAge and evicts matching terminal sessions from memory. Live
// (non-terminal, recently updated) sessions are never touched. Returns the
// number of snapshots removed.
func (st *Store) Reap() (int, error) {
	cutoff := time.Now().Add(-st.cfg.MaxSessionAge)

	matches, err := filepath.Glob(filepath.Join(st.cfg.StateDir, "*.json"))
	if err != nil {
		return 0, fmt.Errorf("scanning state directory: %w", err)
	}

	removed := 0
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		id := filepath.Base(path)
		id = id[:len(id)-len(".json")]

		// An in-memory session that is still active holds its snapshot.
		if e := st.lookup(id); e != nil {
			e.mu.Lock()
			terminal := e.s.State.Terminal()
			e.mu.Unlock()
			if !terminal {
				continue
			}
			st.mu.Lock()
			delete(st.sessions, id)
			live := len(st.sessions)
			st.mu.Unlock()
			if st.metrics != nil {
				st.metrics.SetActiveSessions(live)
			}
		}

		if err := os.Remove(path); err != nil {
			slog.Warn("Failed to remove expired snapshot", "path", path, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}
