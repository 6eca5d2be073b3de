package session

import (
	"context"
	"log/slog"
	"time"
)

// Reaper periodically deletes expired session snapshots. It is idempotent
// and safe to start once per process.
type Reaper struct {
	store    *Store
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewReaper creates a reaper over the given store.
func NewReaper(store *Store) *Reaper {
	return &Reaper{
		store:    store,
		interval: store.cfg.ReapInterval,
	}
}

// Start launches the background reap loop.
func (r *Reaper) Start(ctx context.Context) {
	if r.cancel != nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	go r.run(ctx)

	slog.Info("Session reaper started",
		"interval", r.interval,
		"max_session_age", r.store.cfg.MaxSessionAge)
}

// Stop signals the reap loop to exit and waits for it to finish.
func (r *Reaper) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	slog.Info("Session reaper stopped")
}

func (r *Reaper) run(ctx context.Context) {
	defer close(r.done)

	r.reap()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reap()
		}
	}
}

func (r *Reaper) reap() {
	removed, err := r.store.Reap()
	if err != nil {
		slog.Error("Session reap failed", "error", err)
		return
	}
	if removed > 0 {
		slog.Info("Reaped expired session snapshots", "count", removed)
	}
}
