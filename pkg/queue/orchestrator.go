package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/gansauditor/gansauditor/pkg/config"
	"github.com/gansauditor/gansauditor/pkg/fingerprint"
	"github.com/gansauditor/gansauditor/pkg/models"
	"github.com/gansauditor/gansauditor/pkg/obs"
	"github.com/gansauditor/gansauditor/pkg/session"
)

// Orchestrator schedules audits. One instance serves the process; Submit is
// safe for concurrent use.
type Orchestrator struct {
	cfg     *config.Config
	store   *session.Store
	judge   Judge
	metrics *obs.Metrics
	oplog   *obs.OpLogger

	cache *expirable.LRU[string, models.Review]
	tasks chan *task

	workers  []*Worker
	stopCh   chan struct{}
	stopOnce sync.Once
	started  bool
}

// NewOrchestrator wires the scheduler over its collaborators.
func NewOrchestrator(cfg *config.Config, store *session.Store, judge Judge, metrics *obs.Metrics, oplog *obs.OpLogger) *Orchestrator {
	o := &Orchestrator{
		cfg:     cfg,
		store:   store,
		judge:   judge,
		metrics: metrics,
		oplog:   oplog,
		tasks:   make(chan *task, cfg.Queue.MaxQueueDepth),
		stopCh:  make(chan struct{}),
	}
	if cfg.Cache.Enabled {
		o.cache = expirable.NewLRU[string, models.Review](cfg.Cache.Size, nil, cfg.Cache.TTL)
	}
	return o
}

// Start spawns the worker pool. Safe to call once; duplicates are no-ops.
func (o *Orchestrator) Start(ctx context.Context) {
	if o.started {
		slog.Warn("Orchestrator already started, ignoring duplicate Start call")
		return
	}
	o.started = true

	slog.Info("Starting audit workers", "worker_count", o.cfg.Queue.MaxConcurrentAudits)
	for i := 0; i < o.cfg.Queue.MaxConcurrentAudits; i++ {
		w := NewWorker(fmt.Sprintf("audit-worker-%d", i), o)
		o.workers = append(o.workers, w)
		w.Start(ctx)
	}
}

// Stop signals all workers and waits for in-flight audits to finish.
func (o *Orchestrator) Stop() {
	slog.Info("Stopping audit workers gracefully")
	o.stopOnce.Do(func() { close(o.stopCh) })
	for _, w := range o.workers {
		w.Stop()
	}
	slog.Info("Audit workers stopped")
}

// Health reports pool status for the ops endpoint.
func (o *Orchestrator) Health() *PoolHealth {
	stats := make([]WorkerHealth, len(o.workers))
	active := 0
	for i, w := range o.workers {
		stats[i] = w.Health()
		if stats[i].Status == WorkerStatusWorking {
			active++
		}
	}
	return &PoolHealth{
		IsHealthy:      len(o.workers) > 0,
		ActiveWorkers:  active,
		TotalWorkers:   len(o.workers),
		QueueDepth:     len(o.tasks),
		ActiveSessions: o.store.Len(),
		WorkerStats:    stats,
	}
}

// Submit runs one submission through the pipeline and blocks until a review
// is available, the context's deadline passes, or the queue rejects it. A
// context without a deadline gets the configured submit timeout.
func (o *Orchestrator) Submit(ctx context.Context, sub models.Submission) (models.Response, error) {
	if err := validateSubmission(sub); err != nil {
		return models.Response{}, err
	}
	if sub.SubmittedAt.IsZero() {
		sub.SubmittedAt = time.Now().UTC()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.Queue.SubmitTimeout)
		defer cancel()
	}

	cfg, overridden, warnings := o.resolveConfig(sub)
	o.reportWarnings(sub, warnings)

	fp := fingerprint.Compute(sub.Thought, o.judgeConfig(cfg))

	// Fast path: a cached review skips the queue and the judge but still
	// appends a fresh iteration under the session lock.
	if o.cache != nil {
		if review, ok := o.cache.Get(fp.Hex()); ok {
			if o.metrics != nil {
				o.metrics.CacheHit()
			}
			return o.finalize(&task{
				ctx:        ctx,
				sub:        sub,
				cfg:        cfg,
				overridden: overridden,
				fp:         fp,
			}, review, 0, true)
		}
		if o.metrics != nil {
			o.metrics.CacheMiss()
		}
	}

	t := &task{
		ctx:        ctx,
		sub:        sub,
		cfg:        cfg,
		overridden: overridden,
		fp:         fp,
		enqueuedAt: time.Now(),
		reply:      make(chan taskResult, 1),
	}

	select {
	case o.tasks <- t:
		if o.metrics != nil {
			o.metrics.SetQueueDepth(len(o.tasks))
		}
	default:
		return models.Response{}, models.WrapError(models.KindQueueFull,
			fmt.Sprintf("queue holds %d submissions, try again later", o.cfg.Queue.MaxQueueDepth),
			ErrQueueFull)
	}

	select {
	case res := <-t.reply:
		return res.resp, res.err
	case <-ctx.Done():
		// The worker that eventually dequeues this task observes the dead
		// context and discards it before doing any work.
		return models.Response{}, models.WrapError(models.KindTimeout,
			"deadline elapsed before the audit finished", ErrTimeout)
	case <-o.stopCh:
		return models.Response{}, models.WrapError(models.KindInternal,
			"orchestrator is shutting down", ErrStopped)
	}
}

// resolveConfig computes the submission's effective session config: the
// session's current config (or process defaults) with the inline gan-config
// block and the explicit override applied on top.
func (o *Orchestrator) resolveConfig(sub models.Submission) (config.SessionConfig, bool, []string) {
	base := o.cfg.SessionDefaults()
	if sub.SessionID != "" {
		if s, err := o.store.Get(sub.SessionID); err == nil {
			base = s.Config
		}
	}

	inline, warnings := config.ExtractInline(sub.Thought)
	eff := base
	overridden := false
	if inline != nil {
		var w []string
		eff, w = config.ApplyOverride(eff, inline)
		warnings = append(warnings, w...)
		overridden = true
	}
	if sub.Config != nil {
		var w []string
		eff, w = config.ApplyOverride(eff, sub.Config)
		warnings = append(warnings, w...)
		overridden = true
	}
	return eff, overridden, warnings
}

// judgeConfig is the fingerprint's judge-affecting subset.
func (o *Orchestrator) judgeConfig(cfg config.SessionConfig) fingerprint.JudgeConfig {
	return fingerprint.JudgeConfig{
		Executable: o.cfg.Codex.Executable,
		Subcommand: o.cfg.Codex.Subcommand,
		ExtraArgs:  o.cfg.Codex.ExtraArgs,
		Timeout:    o.cfg.Codex.AuditTimeout,
		Task:       cfg.Task,
		Scope:      string(cfg.Scope),
		Paths:      cfg.Paths,
		Threshold:  cfg.Threshold,
	}
}

func (o *Orchestrator) reportWarnings(sub models.Submission, warnings []string) {
	for _, w := range warnings {
		slog.Warn("Submission config override rejected", "session_id", sub.SessionID, "warning", w)
	}
	if len(warnings) > 0 && o.oplog != nil {
		o.oplog.Emit(obs.StreamSession, obs.Entry{
			Event:     "override_warnings",
			SessionID: sub.SessionID,
			Iteration: sub.ThoughtNumber,
			Fields:    obs.Fields{"warnings": warnings},
		})
	}
}

func validateSubmission(sub models.Submission) error {
	switch {
	case sub.Thought == "":
		return models.NewError(models.KindValidationFailed, "thought must not be empty")
	case sub.ThoughtNumber < 1:
		return models.NewError(models.KindValidationFailed, "thoughtNumber must be at least 1")
	case sub.TotalThoughts < sub.ThoughtNumber:
		return models.NewError(models.KindValidationFailed, "totalThoughts must be at least thoughtNumber")
	}
	return nil
}

// mapStoreError converts session-store sentinels into caller-visible kinds.
func mapStoreError(err error) error {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return models.WrapError(models.KindSessionNotFound, "session not found", err)
	case errors.Is(err, session.ErrAlreadyComplete):
		return models.WrapError(models.KindAlreadyComplete, "session already reached a terminal state", err)
	case errors.Is(err, session.ErrCapacity):
		return models.WrapError(models.KindCapacity, "session capacity reached, retry later", err)
	case errors.Is(err, session.ErrStaleThought):
		return models.WrapError(models.KindValidationFailed, "thoughtNumber must exceed the session's last iteration", err)
	default:
		return models.AsError(err)
	}
}
