package obs

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gansauditor/gansauditor/pkg/masking"
)

func newTestLogger(t *testing.T, redactor *masking.Service, mutate func(*OpLoggerConfig)) (*OpLogger, string) {
	t.Helper()

	dir := t.TempDir()
	cfg := OpLoggerConfig{
		LogDir:        dir,
		MaxFileSizeMB: 10,
		MaxFiles:      7,
		FlushInterval: 10 * time.Millisecond,
		BufferSize:    64,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	l, err := NewOpLogger(cfg, redactor)
	require.NoError(t, err)
	return l, dir
}

// readStream returns the decoded entries of a stream's current-day file.
func readStream(t *testing.T, dir string, stream Stream) []Entry {
	t.Helper()

	path := filepath.Join(dir, string(stream)+"-"+time.Now().UTC().Format(time.DateOnly)+".jsonl")
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		entries = append(entries, e)
	}
	require.NoError(t, sc.Err())
	return entries
}

func TestOpLogger_WritesStreams(t *testing.T) {
	l, dir := newTestLogger(t, nil, nil)
	l.Start(context.Background())

	l.Emit(StreamAudit, Entry{
		Event:     "audit_recorded",
		SessionID: "s-1",
		Iteration: 3,
		Fields:    Fields{"verdict": "revise", "score": 70},
	})
	l.Emit(StreamSession, Entry{Event: "session_created", SessionID: "s-1"})
	l.Close()

	audit := readStream(t, dir, StreamAudit)
	require.Len(t, audit, 1)
	assert.Equal(t, "audit_recorded", audit[0].Event)
	assert.Equal(t, "s-1", audit[0].SessionID)
	assert.Equal(t, 3, audit[0].Iteration)
	assert.NotEmpty(t, audit[0].ID, "ID is stamped on emit")
	assert.False(t, audit[0].TS.IsZero(), "TS is stamped on emit")
	assert.Equal(t, "revise", audit[0].Fields["verdict"])

	session := readStream(t, dir, StreamSession)
	require.Len(t, session, 1)
	assert.Equal(t, "session_created", session[0].Event)
}

func TestOpLogger_RedactsFields(t *testing.T) {
	l, dir := newTestLogger(t, masking.NewService(), nil)
	l.Start(context.Background())

	l.Emit(StreamAudit, Entry{
		Event: "audit_failed",
		Fields: Fields{
			"api_key": "sk-abc123",
			"stderr":  "exit 1",
		},
	})
	l.Close()

	entries := readStream(t, dir, StreamAudit)
	require.Len(t, entries, 1)
	assert.Equal(t, masking.RedactedValue, entries[0].Fields["api_key"])
	assert.Equal(t, "exit 1", entries[0].Fields["stderr"])
}

func TestOpLogger_OverflowDropsOldest(t *testing.T) {
	// The flusher is not started, so the queue fills deterministically.
	l, dir := newTestLogger(t, nil, func(cfg *OpLoggerConfig) {
		cfg.BufferSize = 1
	})

	l.Emit(StreamAudit, Entry{Event: "first"})
	l.Emit(StreamAudit, Entry{Event: "second"})
	l.Emit(StreamAudit, Entry{Event: "third"})

	l.Start(context.Background())
	l.Close()

	entries := readStream(t, dir, StreamAudit)
	require.Len(t, entries, 1)
	assert.Equal(t, "third", entries[0].Event, "newest entry survives the squeeze")
	assert.Equal(t, int64(2), l.dropped.Load())
}

func TestOpLogger_PrunesOldFiles(t *testing.T) {
	l, dir := newTestLogger(t, nil, func(cfg *OpLoggerConfig) {
		cfg.MaxFiles = 2
	})

	// Stale files from previous days; date-first names sort chronologically.
	for _, name := range []string{"audit-2024-01-01.jsonl", "audit-2024-01-02.jsonl"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("{}\n"), 0o644))
	}

	l.Start(context.Background())
	l.Emit(StreamAudit, Entry{Event: "fresh"})
	l.Close()

	matches, err := filepath.Glob(filepath.Join(dir, "audit-*.jsonl"))
	require.NoError(t, err)
	assert.Len(t, matches, 2)
	assert.NotContains(t, matches, filepath.Join(dir, "audit-2024-01-01.jsonl"))
}

func TestOpLogger_CloseBeforeStartIsSafe(t *testing.T) {
	l, _ := newTestLogger(t, nil, nil)
	l.Close()
}
