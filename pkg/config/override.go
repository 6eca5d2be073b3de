package config

import (
	"errors"
	"fmt"

	"dario.cat/mergo"
	"github.com/go-playground/validator/v10"

	"github.com/gansauditor/gansauditor/pkg/models"
)

// SessionConfig is the effective per-session configuration recorded on each
// session: audit shaping plus completion thresholds. It is a value type;
// sessions own their copy.
type SessionConfig struct {
	Task       string           `json:"task"`
	Threshold  int              `json:"threshold"`
	Scope      models.Scope     `json:"scope"`
	Paths      []string         `json:"paths,omitempty"`
	Completion CompletionConfig `json:"completion"`
}

// SessionDefaults derives the per-session starting point from the process
// configuration.
func (c *Config) SessionDefaults() SessionConfig {
	return SessionConfig{
		Task:       c.Audit.Task,
		Threshold:  c.Audit.Threshold,
		Scope:      c.Audit.Scope,
		Paths:      append([]string(nil), c.Audit.Paths...),
		Completion: c.Completion,
	}
}

// ApplyOverride merges a caller-supplied override onto a session config.
// Fields that fail validation are dropped individually and reported as
// warnings; the rest still apply. The base value is never modified.
func ApplyOverride(base SessionConfig, ov *models.ConfigOverride) (SessionConfig, []string) {
	if ov == nil {
		return base, nil
	}

	cleaned, warnings := sanitizeOverride(*ov)

	patch := SessionConfig{}
	if cleaned.Task != nil {
		patch.Task = *cleaned.Task
	}
	if cleaned.Threshold != nil {
		patch.Threshold = *cleaned.Threshold
	}
	if cleaned.Scope != nil {
		patch.Scope = *cleaned.Scope
	}
	if len(cleaned.Paths) > 0 {
		patch.Paths = cleaned.Paths
	}
	if cleaned.MaxCycles != nil {
		patch.Completion.HardStopLoops = *cleaned.MaxCycles
	}

	merged := base
	if err := mergo.Merge(&merged, patch, mergo.WithOverride); err != nil {
		// Merge failure keeps the session on its defaults.
		warnings = append(warnings, fmt.Sprintf("override merge failed: %v", err))
		return base, warnings
	}

	// A scope of "paths" is unusable without a path list; fall back rather
	// than hand the judge an empty scope.
	if merged.Scope == models.ScopePaths && len(merged.Paths) == 0 {
		warnings = append(warnings, "scope: 'paths' requires a non-empty path list, keeping default scope")
		merged.Scope = base.Scope
	}

	return merged, warnings
}

// sanitizeOverride validates an override and nils out every field that
// violates its constraint so the remaining fields still apply.
func sanitizeOverride(ov models.ConfigOverride) (models.ConfigOverride, []string) {
	err := validate.Struct(ov)
	if err == nil {
		return ov, nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		// Not field-level: drop the whole override.
		return models.ConfigOverride{}, []string{fmt.Sprintf("override rejected: %v", err)}
	}

	warnings := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		warnings = append(warnings, fmt.Sprintf("%s: %v fails %s=%s, keeping default",
			fe.Field(), fe.Value(), fe.Tag(), fe.Param()))
		switch fe.Field() {
		case "Task":
			ov.Task = nil
		case "Threshold":
			ov.Threshold = nil
		case "MaxCycles":
			ov.MaxCycles = nil
		case "Scope":
			ov.Scope = nil
		case "Paths":
			ov.Paths = nil
		}
	}
	return ov, warnings
}
