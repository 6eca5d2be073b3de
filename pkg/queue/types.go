// Package queue is the audit orchestrator: it converts submissions into
// reviews through a fingerprint cache, a FIFO queue, and a fixed worker
// pool, under per-session serialization and composed deadlines.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/gansauditor/gansauditor/pkg/codex"
	"github.com/gansauditor/gansauditor/pkg/config"
	"github.com/gansauditor/gansauditor/pkg/fingerprint"
	"github.com/gansauditor/gansauditor/pkg/models"
)

// Sentinel errors for orchestrator operations.
var (
	// ErrQueueFull indicates the FIFO queue hit its soft cap; retryable.
	ErrQueueFull = errors.New("submission queue full")

	// ErrTimeout indicates the overall deadline elapsed before a review.
	ErrTimeout = errors.New("overall deadline exceeded")

	// ErrStopped indicates the orchestrator is shutting down.
	ErrStopped = errors.New("orchestrator stopped")
)

// Judge is the driver surface the orchestrator depends on.
type Judge interface {
	StartContext(ctx context.Context, loopID string) (codex.Handle, error)
	Audit(ctx context.Context, req codex.Request, handle *codex.Handle) (models.Review, error)
	TerminateContext(handle codex.Handle, reason string) error
}

// task is one queued submission with its resolved per-session configuration.
type task struct {
	ctx        context.Context
	sub        models.Submission
	cfg        config.SessionConfig
	overridden bool
	fp         fingerprint.Digest
	enqueuedAt time.Time
	reply      chan taskResult
}

type taskResult struct {
	resp models.Response
	err  error
}

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// WorkerHealth contains health information for a single worker.
type WorkerHealth struct {
	ID               string       `json:"id"`
	Status           WorkerStatus `json:"status"`
	CurrentSessionID string       `json:"current_session_id,omitempty"`
	AuditsProcessed  int          `json:"audits_processed"`
	LastActivity     time.Time    `json:"last_activity"`
}

// PoolHealth contains health information for the whole orchestrator.
type PoolHealth struct {
	IsHealthy      bool           `json:"is_healthy"`
	ActiveWorkers  int            `json:"active_workers"`
	TotalWorkers   int            `json:"total_workers"`
	QueueDepth     int            `json:"queue_depth"`
	ActiveSessions int            `json:"active_sessions"`
	WorkerStats    []WorkerHealth `json:"worker_stats"`
}
