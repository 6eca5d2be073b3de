package codex

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/gansauditor/gansauditor/pkg/obs"
)

// Handle identifies a long-lived analyzer context window. It is opaque to
// everything but the driver; sessions persist only the ID.
type Handle struct {
	ID     string
	LoopID string
}

// contextChild is one held analyzer process. The child stays alive while
// its stdin is open; termination closes stdin, signals, then kills.
type contextChild struct {
	handle   Handle
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	done     chan struct{}
	termOnce sync.Once
}

// StartContext creates (or reuses) the persistent context for a loop. At
// most one child exists per loopID; concurrent callers share the handle.
func (d *Driver) StartContext(ctx context.Context, loopID string) (Handle, error) {
	if loopID == "" {
		return Handle{}, fmt.Errorf("context requires a loop id")
	}

	d.mu.Lock()
	if existing, ok := d.byLoop[loopID]; ok {
		d.mu.Unlock()
		return existing.handle, nil
	}
	if len(d.byID) >= d.cfg.MaxActiveContexts {
		d.mu.Unlock()
		return Handle{}, fmt.Errorf("context cap reached: %d active", d.cfg.MaxActiveContexts)
	}
	d.mu.Unlock()

	// The child must outlive the audit that triggered its creation, so it is
	// deliberately not bound to the caller's context.
	handle := Handle{ID: uuid.New().String(), LoopID: loopID}
	cmd := exec.Command(d.cfg.Executable,
		"context", "hold", "--loop-id", loopID, "--context-id", handle.ID)
	cmd.Dir = d.cfg.RepoRoot
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return Handle{}, fmt.Errorf("opening context stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return Handle{}, fmt.Errorf("starting context child: %w", err)
	}

	child := &contextChild{
		handle: handle,
		cmd:    cmd,
		stdin:  stdin,
		done:   make(chan struct{}),
	}

	d.mu.Lock()
	if existing, ok := d.byLoop[loopID]; ok {
		// Lost the creation race; tear down the extra child.
		d.mu.Unlock()
		_ = stdin.Close()
		_ = cmd.Process.Kill()
		go cmd.Wait() //nolint:errcheck // reap only
		return existing.handle, nil
	}
	if len(d.byID) >= d.cfg.MaxActiveContexts {
		// A racer for another loop filled the table while this child spawned.
		d.mu.Unlock()
		_ = stdin.Close()
		_ = cmd.Process.Kill()
		go cmd.Wait() //nolint:errcheck // reap only
		return Handle{}, fmt.Errorf("context cap reached: %d active", d.cfg.MaxActiveContexts)
	}
	d.byLoop[loopID] = child
	d.byID[handle.ID] = child
	active := len(d.byID)
	d.mu.Unlock()

	go func() {
		_ = cmd.Wait()
		close(child.done)
	}()

	if d.metrics != nil {
		d.metrics.ContextCreated()
		d.metrics.SetActiveContexts(active)
	}
	d.emitContext("context_started", handle, obs.Fields{"pid": cmd.Process.Pid})
	slog.Info("Analyzer context started", "loop_id", loopID, "context_id", handle.ID)

	return handle, nil
}

// LookupContext returns the live handle for a loop, if any.
func (d *Driver) LookupContext(loopID string) (Handle, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	child, ok := d.byLoop[loopID]
	if !ok {
		return Handle{}, false
	}
	return child.handle, true
}

// TerminateContext winds down a context child: stdin close, graceful signal,
// grace window, then force kill. It is idempotent and succeeds even when the
// child is already gone or the handle is unknown (a rehydrated session may
// carry a handle that died with a previous process).
func (d *Driver) TerminateContext(handle Handle, reason string) error {
	d.mu.Lock()
	child, ok := d.byID[handle.ID]
	d.mu.Unlock()
	if !ok {
		return nil
	}

	child.termOnce.Do(func() {
		_ = child.stdin.Close()

		select {
		case <-child.done:
		case <-time.After(50 * time.Millisecond):
			if child.cmd.Process != nil {
				_ = child.cmd.Process.Signal(syscall.SIGTERM)
			}
			select {
			case <-child.done:
			case <-time.After(d.cfg.ContextGrace):
				if child.cmd.Process != nil {
					_ = child.cmd.Process.Kill()
				}
				<-child.done
			}
		}

		d.mu.Lock()
		delete(d.byID, child.handle.ID)
		delete(d.byLoop, child.handle.LoopID)
		active := len(d.byID)
		d.mu.Unlock()

		if d.metrics != nil {
			d.metrics.ContextTerminated(reason)
			d.metrics.SetActiveContexts(active)
		}
		d.emitContext("context_terminated", child.handle, obs.Fields{"reason": reason})
		slog.Info("Analyzer context terminated",
			"loop_id", child.handle.LoopID,
			"context_id", child.handle.ID,
			"reason", reason)
	})
	return nil
}

func (d *Driver) emitContext(event string, handle Handle, fields obs.Fields) {
	if d.oplog == nil {
		return
	}
	d.oplog.Emit(obs.StreamContext, obs.Entry{
		Event:  event,
		LoopID: handle.LoopID,
		Fields: fields,
	})
}
