// Package config defines the closed record of every runtime option, its
// defaults, environment overrides, and the per-session override merge.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/gansauditor/gansauditor/pkg/models"
)

// Config is the complete runtime configuration. Every field has a default
// (Default); environment variables override on top (FromEnv); per-session
// overrides never reach this record, they apply to SessionConfig copies.
type Config struct {
	// Synchronous enables the iterative audit loop. When false, submissions
	// are acknowledged with the caller's own nextThoughtNeeded untouched.
	Synchronous bool

	// OpsAddr is the listen address for the operational HTTP endpoint
	// (health, metrics, session inspection). Empty disables it.
	OpsAddr string

	// SecretNames extends the built-in secret-name redaction patterns.
	SecretNames []string

	Audit      AuditConfig
	Completion CompletionConfig
	Queue      QueueConfig
	Cache      CacheConfig
	Store      StoreConfig
	Codex      CodexConfig
	Obs        ObsConfig
}

// AuditConfig holds the session-default audit shaping. Each field may be
// overridden per session via the submission config or an inline gan-config
// block.
type AuditConfig struct {
	// Task is the instruction handed to the judge alongside the thought.
	Task string `validate:"required"`

	// Threshold is the pass bar reported in completion status.
	Threshold int `validate:"min=50,max=100"`

	// Scope selects what the judge examines: the working diff, an explicit
	// path list, or the whole workspace.
	Scope models.Scope `validate:"oneof=diff paths workspace"`

	// Paths lists the files examined under ScopePaths.
	Paths []string
}

// CompletionConfig holds the loop-termination thresholds.
type CompletionConfig struct {
	Tier1Score    int `json:"tier1Score" validate:"min=0,max=100"`
	Tier1MinLoops int `json:"tier1MinLoops" validate:"min=1"`
	Tier2Score    int `json:"tier2Score" validate:"min=0,max=100"`
	Tier2MinLoops int `json:"tier2MinLoops" validate:"min=1"`
	Tier3Score    int `json:"tier3Score" validate:"min=0,max=100"`
	Tier3MinLoops int `json:"tier3MinLoops" validate:"min=1"`

	// HardStopLoops force-completes the session regardless of score.
	HardStopLoops int `json:"hardStopLoops" validate:"min=1"`

	// StagnationStartLoop is the first loop at which successive submissions
	// are compared; StagnationThreshold is the similarity at or above which
	// the loop is declared stalled.
	StagnationStartLoop int     `json:"stagnationStartLoop" validate:"min=2"`
	StagnationThreshold float64 `json:"stagnationThreshold" validate:"gt=0,lte=1"`

	// StagnationSource selects what gets compared: the submitter's thought
	// bodies or the judge's review summaries.
	StagnationSource StagnationSource `json:"stagnationSource" validate:"oneof=thoughts reviews"`

	// CriticalPersistEnabled turns on the critical-issue kill switch: a
	// critical inline comment still present at CriticalPersistLoops loops
	// terminates the session.
	CriticalPersistEnabled bool `json:"criticalPersistEnabled"`
	CriticalPersistLoops   int  `json:"criticalPersistLoops" validate:"min=1"`
}

// QueueConfig holds orchestrator scheduling limits.
type QueueConfig struct {
	// MaxConcurrentAudits is the fixed worker count; each worker runs one
	// audit at a time.
	MaxConcurrentAudits int `validate:"min=1"`

	// MaxQueueDepth is the soft cap on queued submissions; beyond it the
	// orchestrator fails fast with QueueFull.
	MaxQueueDepth int `validate:"min=1"`

	// SubmitTimeout bounds one whole submission (queue wait + execution)
	// when the caller supplies no deadline of its own.
	SubmitTimeout time.Duration `validate:"min=1s"`

	// AuditRetryAttempts is the number of retries around one judge call for
	// timeouts and transient I/O errors. Parser failures and non-zero exits
	// are never retried.
	AuditRetryAttempts int `validate:"min=0"`

	// RetryBackoff is the fixed pause between retries.
	RetryBackoff time.Duration `validate:"min=0"`

	// GracefulShutdownTimeout bounds the wait for in-flight audits on Stop.
	GracefulShutdownTimeout time.Duration `validate:"min=1s"`
}

// CacheConfig holds the fingerprint-keyed review cache settings.
type CacheConfig struct {
	Enabled bool
	Size    int           `validate:"min=1"`
	TTL     time.Duration `validate:"min=1s"`
}

// StoreConfig holds session-store persistence settings.
type StoreConfig struct {
	// StateDir receives one snapshot file per session.
	StateDir string `validate:"required"`

	// MaxActiveSessions caps live sessions; exceeding it refuses new
	// creations with Capacity.
	MaxActiveSessions int `validate:"min=1"`

	// MaxSessionAge is the reaper's deletion horizon for idle sessions.
	MaxSessionAge time.Duration `validate:"min=1m"`

	// ReapInterval is how often the background reaper runs.
	ReapInterval time.Duration `validate:"min=1s"`
}

// CodexConfig holds the external judge invocation settings.
type CodexConfig struct {
	// Executable is the analyzer binary; resolved via PATH when relative.
	Executable string `validate:"required"`

	// Subcommand and ExtraArgs shape the audit invocation:
	// <executable> <subcommand> <extra args...>.
	Subcommand string
	ExtraArgs  []string

	// RepoRoot is the child's working directory when set.
	RepoRoot string

	// AuditTimeout bounds one judge run.
	AuditTimeout time.Duration `validate:"min=1s"`

	// VersionTimeout bounds the availability probe.
	VersionTimeout time.Duration `validate:"min=100ms,max=5s"`

	// ContextGrace is the window between graceful and forceful termination
	// of a judge child.
	ContextGrace time.Duration `validate:"min=0,max=5s"`

	// MaxActiveContexts caps long-lived context children.
	MaxActiveContexts int `validate:"min=1"`
}

// ObsConfig holds the operational log sink settings.
type ObsConfig struct {
	// LogDir receives the per-stream JSONL files.
	LogDir string `validate:"required"`

	// MaxFileSizeMB triggers same-day rollover; MaxFiles is the per-stream
	// retention count.
	MaxFileSizeMB int `validate:"min=1"`
	MaxFiles      int `validate:"min=1"`

	// FlushInterval drives the background flusher; BufferSize bounds the
	// in-memory entry queue (overflow drops oldest).
	FlushInterval time.Duration `validate:"min=10ms"`
	BufferSize    int           `validate:"min=1"`
}

// StagnationSource selects the text bodies compared for stagnation.
type StagnationSource string

const (
	StagnationFromThoughts StagnationSource = "thoughts"
	StagnationFromReviews  StagnationSource = "reviews"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and cross-field coherence. It returns
// the first violation found.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	cp := c.Completion
	if !(cp.Tier1Score >= cp.Tier2Score && cp.Tier2Score >= cp.Tier3Score) {
		return fmt.Errorf("config validation failed: tier scores must descend, got %d/%d/%d",
			cp.Tier1Score, cp.Tier2Score, cp.Tier3Score)
	}
	if !(cp.Tier1MinLoops <= cp.Tier2MinLoops && cp.Tier2MinLoops <= cp.Tier3MinLoops) {
		return fmt.Errorf("config validation failed: tier loop floors must ascend, got %d/%d/%d",
			cp.Tier1MinLoops, cp.Tier2MinLoops, cp.Tier3MinLoops)
	}
	if cp.HardStopLoops < cp.Tier3MinLoops {
		return fmt.Errorf("config validation failed: hardStopLoops %d below tier3 floor %d",
			cp.HardStopLoops, cp.Tier3MinLoops)
	}
	if c.Audit.Scope == models.ScopePaths && len(c.Audit.Paths) == 0 {
		return fmt.Errorf("config validation failed: scope 'paths' requires a non-empty path list")
	}
	return nil
}
