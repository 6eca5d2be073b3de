package config

import (
	"time"

	"github.com/gansauditor/gansauditor/pkg/models"
)

// DefaultTask is the judge instruction used when neither the environment nor
// the submission supplies one.
const DefaultTask = "Audit the submitted work for correctness, tests, style, security, performance, and documentation."

// Default returns the authoritative built-in configuration. Environment
// overrides apply on top via FromEnv.
func Default() *Config {
	return &Config{
		Synchronous: true,
		OpsAddr:     "",
		Audit: AuditConfig{
			Task:      DefaultTask,
			Threshold: 85,
			Scope:     models.ScopeDiff,
		},
		Completion: CompletionConfig{
			Tier1Score:             95,
			Tier1MinLoops:          10,
			Tier2Score:             90,
			Tier2MinLoops:          15,
			Tier3Score:             85,
			Tier3MinLoops:          20,
			HardStopLoops:          25,
			StagnationStartLoop:    10,
			StagnationThreshold:    0.95,
			StagnationSource:       StagnationFromThoughts,
			CriticalPersistEnabled: true,
			CriticalPersistLoops:   15,
		},
		Queue: QueueConfig{
			MaxConcurrentAudits:     5,
			MaxQueueDepth:           50,
			SubmitTimeout:           60 * time.Second,
			AuditRetryAttempts:      2,
			RetryBackoff:            500 * time.Millisecond,
			GracefulShutdownTimeout: 30 * time.Second,
		},
		Cache: CacheConfig{
			Enabled: true,
			Size:    256,
			TTL:     30 * time.Minute,
		},
		Store: StoreConfig{
			StateDir:          ".gansauditor/sessions",
			MaxActiveSessions: 200,
			MaxSessionAge:     24 * time.Hour,
			ReapInterval:      time.Hour,
		},
		Codex: CodexConfig{
			Executable:        "codex",
			Subcommand:        "exec",
			AuditTimeout:      30 * time.Second,
			VersionTimeout:    5 * time.Second,
			ContextGrace:      5 * time.Second,
			MaxActiveContexts: 25,
		},
		Obs: ObsConfig{
			LogDir:        ".gansauditor/logs",
			MaxFileSizeMB: 10,
			MaxFiles:      7,
			FlushInterval: time.Second,
			BufferSize:    1024,
		},
	}
}
