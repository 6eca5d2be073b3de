package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gansauditor/gansauditor/pkg/codex"
	"github.com/gansauditor/gansauditor/pkg/completion"
	"github.com/gansauditor/gansauditor/pkg/models"
	"github.com/gansauditor/gansauditor/pkg/obs"
	"github.com/gansauditor/gansauditor/pkg/session"
)

// runAudit executes one dequeued submission end to end: session borrow,
// lazy context, judge invocation with bounded retry, history append,
// completion evaluation, cache write.
func (o *Orchestrator) runAudit(t *task) (models.Response, error) {
	sess, created, err := o.store.GetOrCreate(t.sub.SessionID, t.sub.EffectiveLoopID(), t.cfg)
	if err != nil && !errors.Is(err, session.ErrSnapshotFailed) {
		return models.Response{}, mapStoreError(err)
	}
	t.sub.SessionID = sess.ID

	unlock, err := o.store.Lock(sess.ID)
	if err != nil {
		return models.Response{}, mapStoreError(err)
	}
	defer unlock()

	// Refresh under the gate; a parallel submission may have moved the
	// session while this one waited.
	sess, err = o.store.Get(sess.ID)
	if err != nil {
		return models.Response{}, mapStoreError(err)
	}
	if sess.State.Terminal() {
		return models.Response{}, models.NewError(models.KindAlreadyComplete,
			fmt.Sprintf("session %s already completed (%s)", sess.ID, sess.CompletionReason))
	}

	if t.overridden && !created {
		if err := o.store.SetConfig(sess.ID, t.cfg); err != nil && !errors.Is(err, session.ErrSnapshotFailed) {
			slog.Warn("Failed to apply session config override", "session_id", sess.ID, "error", err)
		}
	}

	// A duplicate fingerprint may have landed its review while this task
	// sat in the queue or waited on the gate. The late hit reuses it and
	// skips the judge.
	if o.cache != nil {
		if review, ok := o.cache.Get(t.fp.Hex()); ok {
			if o.metrics != nil {
				o.metrics.CacheHit()
			}
			return o.completeLocked(t, sess, review, 0, false, nil)
		}
	}

	handle := o.ensureContext(t, sess)

	start := time.Now()
	review, cacheable, err := o.invokeJudge(t, sess, handle)
	if err != nil {
		return models.Response{}, err
	}
	duration := time.Since(start)

	return o.completeLocked(t, sess, review, duration, cacheable, handle)
}

// finalize serves the cache-hit path: it performs the same post-review
// bookkeeping as a worker, under the session lock, without touching the
// judge.
func (o *Orchestrator) finalize(t *task, review models.Review, duration time.Duration, fromCache bool) (models.Response, error) {
	sess, _, err := o.store.GetOrCreate(t.sub.SessionID, t.sub.EffectiveLoopID(), t.cfg)
	if err != nil && !errors.Is(err, session.ErrSnapshotFailed) {
		return models.Response{}, mapStoreError(err)
	}
	t.sub.SessionID = sess.ID

	unlock, err := o.store.Lock(sess.ID)
	if err != nil {
		return models.Response{}, mapStoreError(err)
	}
	defer unlock()

	sess, err = o.store.Get(sess.ID)
	if err != nil {
		return models.Response{}, mapStoreError(err)
	}
	if sess.State.Terminal() {
		return models.Response{}, models.NewError(models.KindAlreadyComplete,
			fmt.Sprintf("session %s already completed (%s)", sess.ID, sess.CompletionReason))
	}

	return o.completeLocked(t, sess, review, duration, !fromCache, nil)
}

// ensureContext lazily creates the analyzer context for the session's loop.
// Failure is non-fatal: the audit proceeds without context reuse.
func (o *Orchestrator) ensureContext(t *task, sess *session.Session) *codex.Handle {
	loopID := sess.LoopID
	if loopID == "" {
		loopID = t.sub.EffectiveLoopID()
	}
	if loopID == "" {
		return nil
	}

	if sess.ContextHandle != "" {
		return &codex.Handle{ID: sess.ContextHandle, LoopID: loopID}
	}

	handle, err := o.judge.StartContext(t.ctx, loopID)
	if err != nil {
		slog.Warn("Analyzer context creation failed, auditing without context reuse",
			"session_id", sess.ID, "loop_id", loopID, "error", err)
		return nil
	}
	if err := o.store.SetContextHandle(sess.ID, handle.ID); err != nil && !errors.Is(err, session.ErrSnapshotFailed) {
		slog.Warn("Failed to record context handle", "session_id", sess.ID, "error", err)
	}
	sess.ContextHandle = handle.ID
	return &handle
}

// invokeJudge calls the driver under the composed deadline and retries only
// timeouts and transient I/O failures. On retry exhaustion it synthesizes a
// reject review so the iteration still lands in history. The bool reports
// whether the review may enter the cache.
func (o *Orchestrator) invokeJudge(t *task, sess *session.Session, handle *codex.Handle) (models.Review, bool, error) {
	req := codex.Request{
		SessionID:     sess.ID,
		LoopID:        sess.LoopID,
		ThoughtNumber: t.sub.ThoughtNumber,
		Thought:       t.sub.Thought,
		Task:          t.cfg.Task,
		Scope:         t.cfg.Scope,
		Paths:         t.cfg.Paths,
	}

	attempts := o.cfg.Queue.AuditRetryAttempts + 1
	var lastErr *codex.Error
	for attempt := 0; attempt < attempts; attempt++ {
		if o.metrics != nil {
			o.metrics.AuditStarted()
		}

		// Per-audit deadline composed with the overall one: the child never
		// outlives either.
		actx, cancel := context.WithTimeout(t.ctx, o.cfg.Codex.AuditTimeout)
		review, err := o.judge.Audit(actx, req, handle)
		cancel()

		if err == nil {
			if o.metrics != nil {
				o.metrics.AuditCompleted(string(review.Verdict))
			}
			// Partial reviews (timeout tail) are results, not cache entries.
			return review, !review.Partial && !review.TimedOut, nil
		}

		cerr, ok := codex.AsError(err)
		if !ok {
			return models.Review{}, false, models.WrapError(models.KindInternal, "judge invocation failed", err)
		}
		switch cerr.Category {
		case codex.CategoryNotFound:
			return models.Review{}, false, models.WrapError(models.KindJudgeUnavailable,
				"analyzer executable not found", err)
		case codex.CategoryBadOutput, codex.CategoryNonZeroExit:
			return models.Review{}, false, models.WrapError(models.KindJudgeFailed,
				fmt.Sprintf("analyzer failed: %s", cerr.Category), err)
		}

		lastErr = cerr
		slog.Warn("Judge call failed, retrying",
			"session_id", sess.ID,
			"attempt", attempt+1,
			"category", string(cerr.Category),
			"error", err)

		if t.ctx.Err() != nil || attempt == attempts-1 {
			break
		}
		select {
		case <-time.After(o.cfg.Queue.RetryBackoff):
		case <-t.ctx.Done():
		case <-o.stopCh:
		}
	}

	return synthesizeFailureReview(lastErr), false, nil
}

// synthesizeFailureReview stands in for a judge that never answered. It is
// appended like any other iteration so the loop's history stays truthful.
func synthesizeFailureReview(cause *codex.Error) models.Review {
	summary := "audit failed: the analyzer produced no review"
	timedOut := false
	if cause != nil {
		summary = fmt.Sprintf("audit failed after retries (%s): %s", cause.Category, cause.Error())
		timedOut = cause.Category == codex.CategoryTimeout
	}
	dims := make(map[string]int, len(models.DimensionKeys))
	for _, key := range models.DimensionKeys {
		dims[key] = 0
	}
	return models.Review{
		Verdict:      models.VerdictReject,
		OverallScore: 0,
		Dimensions:   dims,
		Summary:      summary,
		TimedOut:     timedOut,
		Partial:      false,
	}
}

// completeLocked appends the iteration, evaluates completion, terminates the
// loop context when the session closes, writes the cache, and shapes the
// response. The caller holds the session gate.
func (o *Orchestrator) completeLocked(t *task, sess *session.Session, review models.Review, duration time.Duration, cacheable bool, handle *codex.Handle) (models.Response, error) {
	updated, err := o.store.Append(sess.ID, session.Iteration{
		ThoughtNumber: t.sub.ThoughtNumber,
		Thought:       t.sub.Thought,
		Fingerprint:   t.fp.Hex(),
		SubmittedAt:   t.sub.SubmittedAt,
		Review:        review,
		DurationMs:    duration.Milliseconds(),
	})
	if err != nil {
		if !errors.Is(err, session.ErrSnapshotFailed) {
			return models.Response{}, mapStoreError(err)
		}
		// The in-memory append succeeded; persistence will catch up on the
		// next snapshot.
		slog.Warn("Iteration persisted in memory only", "session_id", sess.ID, "error", err)
	}

	if o.metrics != nil {
		o.metrics.ObserveAuditDuration(duration)
	}

	decision := completion.Evaluate(updated)
	if decision.SimilarityComputed {
		detected := decision.Complete && decision.Reason == models.ReasonStagnation
		if err := o.store.RecordSimilarity(updated.ID, decision.Similarity, detected); err != nil {
			slog.Warn("Failed to record similarity", "session_id", updated.ID, "error", err)
		}
		if detected && o.metrics != nil {
			o.metrics.StagnationDetected()
		}
	}

	if decision.Complete {
		terminal, err := o.store.MarkComplete(updated.ID, decision.Reason)
		if err != nil && !errors.Is(err, session.ErrSnapshotFailed) {
			slog.Error("Failed to mark session complete", "session_id", updated.ID, "error", err)
		} else {
			updated = terminal
		}
		o.terminateLoopContext(updated, handle, string(decision.Reason))
	}

	if cacheable && o.cache != nil {
		o.cache.Add(t.fp.Hex(), review)
	}

	o.emitAuditEvent(t, updated, review, duration)

	resp := models.Response{
		ThoughtNumber:     t.sub.ThoughtNumber,
		TotalThoughts:     t.sub.TotalThoughts,
		NextThoughtNeeded: !updated.IsComplete,
		SessionID:         updated.ID,
		Review:            review,
		CompletionStatus:  updated.CompletionStatus(),
	}
	if !o.cfg.Synchronous {
		// Passthrough mode: the loop decision stays with the caller.
		resp.NextThoughtNeeded = t.sub.NextThoughtNeeded
		resp.CompletionStatus = nil
	}
	return resp, nil
}

// terminateLoopContext winds down the session's analyzer context, if any.
// The handle is terminated exactly once; later calls are driver no-ops.
func (o *Orchestrator) terminateLoopContext(sess *session.Session, handle *codex.Handle, reason string) {
	h := handle
	if h == nil && sess.ContextHandle != "" {
		h = &codex.Handle{ID: sess.ContextHandle, LoopID: sess.LoopID}
	}
	if h == nil {
		return
	}
	if err := o.judge.TerminateContext(*h, reason); err != nil {
		slog.Warn("Context termination failed", "session_id", sess.ID, "error", err)
	}
}

func (o *Orchestrator) emitAuditEvent(t *task, sess *session.Session, review models.Review, duration time.Duration) {
	if o.oplog == nil {
		return
	}
	o.oplog.Emit(obs.StreamAudit, obs.Entry{
		Event:     "audit_recorded",
		SessionID: sess.ID,
		LoopID:    sess.LoopID,
		Iteration: t.sub.ThoughtNumber,
		Fields: obs.Fields{
			"verdict":     string(review.Verdict),
			"score":       review.OverallScore,
			"partial":     review.Partial,
			"timed_out":   review.TimedOut,
			"complete":    sess.IsComplete,
			"reason":      string(sess.CompletionReason),
			"fingerprint": t.fp.Hex(),
		},
	})
	o.oplog.Emit(obs.StreamPerformance, obs.Entry{
		Event:     "audit_duration",
		SessionID: sess.ID,
		Iteration: t.sub.ThoughtNumber,
		Fields:    obs.Fields{"duration_ms": duration.Milliseconds()},
	})
}
