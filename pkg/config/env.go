package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gansauditor/gansauditor/pkg/models"
)

// EnvPrefix is the prefix of every recognized environment variable.
const EnvPrefix = "GANSAUDITOR_"

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Start from built-in defaults
//  2. Apply GANSAUDITOR_* environment overrides
//  3. Validate the resulting record
func Initialize() (*Config, error) {
	cfg := FromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	slog.Info("Configuration initialized successfully",
		"synchronous", cfg.Synchronous,
		"state_dir", cfg.Store.StateDir,
		"log_dir", cfg.Obs.LogDir,
		"executable", cfg.Codex.Executable,
		"workers", cfg.Queue.MaxConcurrentAudits,
		"queue_depth", cfg.Queue.MaxQueueDepth,
		"ops_addr", cfg.OpsAddr)

	return cfg, nil
}

// FromEnv returns the defaults with environment overrides applied. Invalid
// values are logged and keep the default; validation happens separately.
func FromEnv() *Config {
	cfg := Default()

	envBool("SYNCHRONOUS", &cfg.Synchronous)
	envString("OPS_ADDR", &cfg.OpsAddr)
	envStringList("SECRET_NAMES", &cfg.SecretNames)

	envString("TASK", &cfg.Audit.Task)
	envInt("THRESHOLD", &cfg.Audit.Threshold)
	envScope("SCOPE", &cfg.Audit.Scope)
	envStringList("PATHS", &cfg.Audit.Paths)

	envInt("TIER1_SCORE", &cfg.Completion.Tier1Score)
	envInt("TIER1_LOOPS", &cfg.Completion.Tier1MinLoops)
	envInt("TIER2_SCORE", &cfg.Completion.Tier2Score)
	envInt("TIER2_LOOPS", &cfg.Completion.Tier2MinLoops)
	envInt("TIER3_SCORE", &cfg.Completion.Tier3Score)
	envInt("TIER3_LOOPS", &cfg.Completion.Tier3MinLoops)
	envInt("HARD_STOP_LOOPS", &cfg.Completion.HardStopLoops)
	envInt("STAGNATION_START_LOOP", &cfg.Completion.StagnationStartLoop)
	envFloat("STAGNATION_THRESHOLD", &cfg.Completion.StagnationThreshold)
	envStagnationSource("STAGNATION_SOURCE", &cfg.Completion.StagnationSource)
	envBool("CRITICAL_PERSIST_ENABLED", &cfg.Completion.CriticalPersistEnabled)
	envInt("CRITICAL_PERSIST_LOOPS", &cfg.Completion.CriticalPersistLoops)

	envInt("MAX_CONCURRENT_AUDITS", &cfg.Queue.MaxConcurrentAudits)
	envInt("MAX_QUEUE_DEPTH", &cfg.Queue.MaxQueueDepth)
	envDuration("SUBMIT_TIMEOUT", &cfg.Queue.SubmitTimeout)
	envInt("RETRY_ATTEMPTS", &cfg.Queue.AuditRetryAttempts)
	envDuration("RETRY_BACKOFF", &cfg.Queue.RetryBackoff)
	envDuration("GRACEFUL_SHUTDOWN_TIMEOUT", &cfg.Queue.GracefulShutdownTimeout)

	envBool("CACHE_ENABLED", &cfg.Cache.Enabled)
	envInt("CACHE_SIZE", &cfg.Cache.Size)
	envDuration("CACHE_TTL", &cfg.Cache.TTL)

	envString("STATE_DIR", &cfg.Store.StateDir)
	envInt("MAX_ACTIVE_SESSIONS", &cfg.Store.MaxActiveSessions)
	envDuration("MAX_SESSION_AGE", &cfg.Store.MaxSessionAge)
	envDuration("REAP_INTERVAL", &cfg.Store.ReapInterval)

	envString("CODEX_EXECUTABLE", &cfg.Codex.Executable)
	envString("CODEX_SUBCOMMAND", &cfg.Codex.Subcommand)
	envArgs("CODEX_ARGS", &cfg.Codex.ExtraArgs)
	envString("REPO_ROOT", &cfg.Codex.RepoRoot)
	envDuration("AUDIT_TIMEOUT", &cfg.Codex.AuditTimeout)
	envDuration("VERSION_TIMEOUT", &cfg.Codex.VersionTimeout)
	envDuration("CONTEXT_GRACE", &cfg.Codex.ContextGrace)
	envInt("MAX_ACTIVE_CONTEXTS", &cfg.Codex.MaxActiveContexts)

	envString("LOG_DIR", &cfg.Obs.LogDir)
	envInt("LOG_MAX_FILE_SIZE_MB", &cfg.Obs.MaxFileSizeMB)
	envInt("LOG_MAX_FILES", &cfg.Obs.MaxFiles)
	envDuration("LOG_FLUSH_INTERVAL", &cfg.Obs.FlushInterval)
	envInt("LOG_BUFFER_SIZE", &cfg.Obs.BufferSize)

	return cfg
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func envString(key string, dst *string) {
	if v, ok := lookup(key); ok {
		*dst = v
	}
}

func envStringList(key string, dst *[]string) {
	v, ok := lookup(key)
	if !ok {
		return
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) > 0 {
		*dst = out
	}
}

// envArgs splits a shell-ish argument string on whitespace. Quoting is not
// supported; arguments with spaces do not occur in analyzer flags.
func envArgs(key string, dst *[]string) {
	if v, ok := lookup(key); ok {
		*dst = strings.Fields(v)
	}
}

func envBool(key string, dst *bool) {
	v, ok := lookup(key)
	if !ok {
		return
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		warnInvalid(key, v, *dst, err)
		return
	}
	*dst = parsed
}

func envInt(key string, dst *int) {
	v, ok := lookup(key)
	if !ok {
		return
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		warnInvalid(key, v, *dst, err)
		return
	}
	*dst = parsed
}

func envFloat(key string, dst *float64) {
	v, ok := lookup(key)
	if !ok {
		return
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		warnInvalid(key, v, *dst, err)
		return
	}
	*dst = parsed
}

// envDuration accepts Go duration strings ("30s") and, for compatibility
// with second-based deployments, bare integers interpreted as seconds.
func envDuration(key string, dst *time.Duration) {
	v, ok := lookup(key)
	if !ok {
		return
	}
	if secs, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(secs) * time.Second
		return
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		warnInvalid(key, v, *dst, err)
		return
	}
	*dst = parsed
}

func envScope(key string, dst *models.Scope) {
	v, ok := lookup(key)
	if !ok {
		return
	}
	scope := models.Scope(v)
	if !scope.Valid() {
		warnInvalid(key, v, *dst, fmt.Errorf("must be one of diff, paths, workspace"))
		return
	}
	*dst = scope
}

func envStagnationSource(key string, dst *StagnationSource) {
	v, ok := lookup(key)
	if !ok {
		return
	}
	src := StagnationSource(v)
	if src != StagnationFromThoughts && src != StagnationFromReviews {
		warnInvalid(key, v, *dst, fmt.Errorf("must be one of thoughts, reviews"))
		return
	}
	*dst = src
}

func warnInvalid(key, value string, kept any, err error) {
	slog.Warn("Invalid environment override, using default",
		"var", EnvPrefix+key,
		"value", value,
		"default", kept,
		"error", err)
}
