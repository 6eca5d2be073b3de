package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Worker is one audit executor. Exactly maxConcurrentAudits workers drain
// the FIFO queue; each runs one audit at a time.
type Worker struct {
	id       string
	orc      *Orchestrator
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Health tracking
	mu               sync.RWMutex
	status           WorkerStatus
	currentSessionID string
	auditsProcessed  int
	lastActivity     time.Time
}

// NewWorker creates an audit worker bound to the orchestrator's queue.
func NewWorker(id string, orc *Orchestrator) *Worker {
	return &Worker{
		id:           id,
		orc:          orc,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker and waits for its current audit to finish.
// It is safe to call Stop multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:               w.id,
		Status:           w.status,
		CurrentSessionID: w.currentSessionID,
		AuditsProcessed:  w.auditsProcessed,
		LastActivity:     w.lastActivity,
	}
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id)
	log.Info("Audit worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Audit worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, audit worker shutting down")
			return
		case t := <-w.orc.tasks:
			w.process(t)
		}
	}
}

func (w *Worker) process(t *task) {
	// Abandoned while queued: discard before any work. The submitter has
	// already returned with Timeout.
	if t.ctx.Err() != nil {
		if w.orc.metrics != nil {
			w.orc.metrics.SetQueueDepth(len(w.orc.tasks))
		}
		return
	}

	w.setStatus(WorkerStatusWorking, t.sub.SessionID)
	defer w.setStatus(WorkerStatusIdle, "")

	if w.orc.metrics != nil {
		w.orc.metrics.IncActiveAudits()
		defer w.orc.metrics.DecActiveAudits()
		w.orc.metrics.ObserveQueueWait(time.Since(t.enqueuedAt))
		w.orc.metrics.SetQueueDepth(len(w.orc.tasks))
	}

	resp, err := w.orc.runAudit(t)
	t.reply <- taskResult{resp: resp, err: err}
}

func (w *Worker) setStatus(status WorkerStatus, sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentSessionID = sessionID
	w.lastActivity = time.Now()
	if status == WorkerStatusIdle {
		w.auditsProcessed++
	}
}
