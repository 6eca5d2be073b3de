// Package codex drives the external analyzer CLI: one-shot audit runs, the
// availability probe, and long-lived per-loop context children. It never
// mutates sessions; it turns an audit request into a Review or a typed
// failure.
package codex

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gansauditor/gansauditor/pkg/config"
	"github.com/gansauditor/gansauditor/pkg/masking"
	"github.com/gansauditor/gansauditor/pkg/models"
	"github.com/gansauditor/gansauditor/pkg/obs"
)

// stderrTailBytes bounds the stderr excerpt carried on driver failures.
const stderrTailBytes = 4 * 1024

// Request is one audit job handed to the driver.
type Request struct {
	SessionID     string
	LoopID        string
	ThoughtNumber int
	Thought       string
	Task          string
	Scope         models.Scope
	Paths         []string
	RepoRoot      string
}

// auditPayload is the JSON document written to the child's stdin.
type auditPayload struct {
	SessionID     string   `json:"sessionId"`
	LoopID        string   `json:"loopId,omitempty"`
	ThoughtNumber int      `json:"thoughtNumber"`
	Thought       string   `json:"thought"`
	Task          string   `json:"task"`
	Scope         string   `json:"scope"`
	Paths         []string `json:"paths,omitempty"`
}

// Driver spawns and supervises analyzer children. One driver serves the
// whole process; the orchestrator bounds concurrency, not the driver.
type Driver struct {
	cfg      config.CodexConfig
	redactor *masking.Service
	metrics  *obs.Metrics
	oplog    *obs.OpLogger

	audits atomic.Int64

	mu     sync.Mutex
	byLoop map[string]*contextChild
	byID   map[string]*contextChild
}

// NewDriver creates a driver over the configured analyzer executable.
func NewDriver(cfg config.CodexConfig, redactor *masking.Service, metrics *obs.Metrics, oplog *obs.OpLogger) *Driver {
	return &Driver{
		cfg:      cfg,
		redactor: redactor,
		metrics:  metrics,
		oplog:    oplog,
		byLoop:   make(map[string]*contextChild),
		byID:     make(map[string]*contextChild),
	}
}

// CheckAvailable runs the analyzer's version query. It never retries; a
// missing or hung executable reports as unavailable.
func (d *Driver) CheckAvailable(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.VersionTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, d.cfg.Executable, "--version").Output()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return "", d.failure(CategoryNotFound, []string{d.cfg.Executable, "--version"}, "", 0, 0, nil, err)
		}
		if ctx.Err() != nil {
			return "", d.failure(CategoryTimeout, []string{d.cfg.Executable, "--version"}, "", d.cfg.VersionTimeout, 0, nil, ctx.Err())
		}
		return "", d.failure(CategoryIO, []string{d.cfg.Executable, "--version"}, "", 0, 0, nil, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// ActiveChildren returns the number of live analyzer processes: in-flight
// one-shot audits plus held context windows.
func (d *Driver) ActiveChildren() int {
	d.mu.Lock()
	contexts := len(d.byID)
	d.mu.Unlock()
	return int(d.audits.Load()) + contexts
}

// Audit runs one analyzer invocation under the context's deadline. handle
// may be nil (no context reuse). On deadline expiry the child is terminated
// gracefully then forcefully; a parseable stdout tail still yields a review
// marked {timedOut, partial}.
func (d *Driver) Audit(ctx context.Context, req Request, handle *Handle) (models.Review, error) {
	payload, err := json.Marshal(auditPayload{
		SessionID:     req.SessionID,
		LoopID:        req.LoopID,
		ThoughtNumber: req.ThoughtNumber,
		Thought:       req.Thought,
		Task:          req.Task,
		Scope:         string(req.Scope),
		Paths:         req.Paths,
	})
	if err != nil {
		return models.Review{}, fmt.Errorf("encoding audit payload: %w", err)
	}

	argv := make([]string, 0, 4+len(d.cfg.ExtraArgs))
	if d.cfg.Subcommand != "" {
		argv = append(argv, d.cfg.Subcommand)
	}
	argv = append(argv, d.cfg.ExtraArgs...)
	if handle != nil {
		argv = append(argv, "--context-id", handle.ID)
	}
	argv = append(argv, "-")

	cmd := exec.Command(d.cfg.Executable, argv...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Dir = req.RepoRoot
	if cmd.Dir == "" {
		cmd.Dir = d.cfg.RepoRoot
	}
	// The child gets the full environment; redaction applies to logs only.
	cmd.Env = os.Environ()

	var stdout bytes.Buffer
	stderr := newTailBuffer(stderrTailBytes)
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	command := append([]string{d.cfg.Executable}, argv...)
	start := time.Now()

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return models.Review{}, d.failure(CategoryNotFound, command, cmd.Dir, 0, 0, nil, err)
		}
		return models.Review{}, d.failure(CategoryIO, command, cmd.Dir, 0, 0, nil, err)
	}

	d.audits.Add(1)
	defer d.audits.Add(-1)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timedOut := false
	select {
	case err = <-done:
	case <-ctx.Done():
		timedOut = true
		d.terminateProcess(cmd, done)
		err = ctx.Err()
	}
	duration := time.Since(start)

	d.emitAudit(req, command, duration, timedOut, err)

	if timedOut {
		if review, perr := parseReview(stdout.Bytes()); perr == nil {
			review.TimedOut = true
			review.Partial = true
			return review, nil
		}
		return models.Review{}, d.failure(CategoryTimeout, command, cmd.Dir, duration, 0, stderr, err)
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return models.Review{}, d.failure(CategoryNonZeroExit, command, cmd.Dir, duration, exitErr.ExitCode(), stderr, err)
		}
		return models.Review{}, d.failure(CategoryIO, command, cmd.Dir, duration, 0, stderr, err)
	}

	review, perr := parseReview(stdout.Bytes())
	if perr != nil {
		return models.Review{}, d.failure(CategoryBadOutput, command, cmd.Dir, duration, 0, stderr, perr)
	}
	return review, nil
}

// terminateProcess sends the graceful signal, waits out the grace window,
// then force-kills. It returns once the child has been reaped.
func (d *Driver) terminateProcess(cmd *exec.Cmd, done <-chan error) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-done:
		return
	case <-time.After(d.cfg.ContextGrace):
	}
	_ = cmd.Process.Kill()
	<-done
}

// Shutdown force-terminates every active context child within the context's
// budget. One-shot audits are owned by their callers and wind down with the
// orchestrator.
func (d *Driver) Shutdown(ctx context.Context) {
	d.mu.Lock()
	children := make([]*contextChild, 0, len(d.byID))
	for _, c := range d.byID {
		children = append(children, c)
	}
	d.mu.Unlock()

	if len(children) == 0 {
		return
	}
	slog.Info("Terminating analyzer context children", "count", len(children))

	doneCh := make(chan struct{})
	go func() {
		for _, c := range children {
			_ = d.TerminateContext(c.handle, "shutdown")
		}
		close(doneCh)
	}()
	select {
	case <-doneCh:
	case <-ctx.Done():
		slog.Warn("Shutdown grace exceeded, force-killing remaining children")
		for _, c := range children {
			if c.cmd.Process != nil {
				_ = c.cmd.Process.Kill()
			}
		}
	}
}

// failure constructs a typed, redacted driver error and counts it.
func (d *Driver) failure(cat Category, command []string, dir string, duration time.Duration, exitCode int, stderr *tailBuffer, cause error) *Error {
	redactedCmd := command
	tail := ""
	if stderr != nil {
		tail = stderr.String()
	}
	if d.redactor != nil {
		redactedCmd = d.redactor.RedactArgs(command)
		tail = d.redactor.RedactText(tail)
	}
	if d.metrics != nil {
		d.metrics.AuditFailed(string(cat))
		if cat == CategoryTimeout {
			d.metrics.AuditTimedOut()
		}
	}
	return &Error{
		Category: cat,
		Command:  strings.Join(redactedCmd, " "),
		Dir:      dir,
		Duration: duration,
		ExitCode: exitCode,
		Stderr:   tail,
		cause:    cause,
	}
}

func (d *Driver) emitAudit(req Request, command []string, duration time.Duration, timedOut bool, err error) {
	if d.oplog == nil {
		return
	}
	cmdLine := strings.Join(command, " ")
	if d.redactor != nil {
		cmdLine = strings.Join(d.redactor.RedactArgs(command), " ")
	}
	fields := obs.Fields{
		"command":     cmdLine,
		"duration_ms": duration.Milliseconds(),
		"timed_out":   timedOut,
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	d.oplog.Emit(obs.StreamAudit, obs.Entry{
		Event:     "judge_invoked",
		SessionID: req.SessionID,
		LoopID:    req.LoopID,
		Iteration: req.ThoughtNumber,
		Fields:    fields,
	})
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu   sync.Mutex
	max  int
	data []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append(b.data, p...)
	if len(b.data) > b.max {
		b.data = b.data[len(b.data)-b.max:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data)
}
