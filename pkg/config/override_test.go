package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gansauditor/gansauditor/pkg/models"
)

func intPtr(v int) *int                     { return &v }
func strPtr(v string) *string               { return &v }
func scopePtr(v models.Scope) *models.Scope { return &v }

func TestApplyOverride_Nil(t *testing.T) {
	base := Default().SessionDefaults()

	merged, warnings := ApplyOverride(base, nil)

	assert.Equal(t, base, merged)
	assert.Empty(t, warnings)
}

func TestApplyOverride_ValidFields(t *testing.T) {
	base := Default().SessionDefaults()

	merged, warnings := ApplyOverride(base, &models.ConfigOverride{
		Task:      strPtr("review the storage layer"),
		Threshold: intPtr(90),
		MaxCycles: intPtr(30),
		Scope:     scopePtr(models.ScopePaths),
		Paths:     []string{"pkg/session", "pkg/queue"},
	})

	assert.Empty(t, warnings)
	assert.Equal(t, "review the storage layer", merged.Task)
	assert.Equal(t, 90, merged.Threshold)
	assert.Equal(t, 30, merged.Completion.HardStopLoops)
	assert.Equal(t, models.ScopePaths, merged.Scope)
	assert.Equal(t, []string{"pkg/session", "pkg/queue"}, merged.Paths)

	// Everything untouched keeps the default.
	assert.Equal(t, base.Completion.Tier1Score, merged.Completion.Tier1Score)
	assert.Equal(t, base.Completion.StagnationThreshold, merged.Completion.StagnationThreshold)
}

func TestApplyOverride_InvalidFieldDroppedOthersApply(t *testing.T) {
	base := Default().SessionDefaults()

	merged, warnings := ApplyOverride(base, &models.ConfigOverride{
		Threshold: intPtr(120), // out of 50..100
		MaxCycles: intPtr(12),
	})

	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "Threshold")
	assert.Equal(t, base.Threshold, merged.Threshold)
	assert.Equal(t, 12, merged.Completion.HardStopLoops)
}

func TestApplyOverride_InvalidScopeDropped(t *testing.T) {
	base := Default().SessionDefaults()

	merged, warnings := ApplyOverride(base, &models.ConfigOverride{
		Scope: scopePtr(models.Scope("everything")),
	})

	require.Len(t, warnings, 1)
	assert.Equal(t, base.Scope, merged.Scope)
}

func TestApplyOverride_PathsScopeWithoutPaths(t *testing.T) {
	base := Default().SessionDefaults()

	merged, warnings := ApplyOverride(base, &models.ConfigOverride{
		Scope: scopePtr(models.ScopePaths),
	})

	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "path list")
	assert.Equal(t, base.Scope, merged.Scope)
}

func TestApplyOverride_BaseUntouched(t *testing.T) {
	base := Default().SessionDefaults()
	before := base

	_, _ = ApplyOverride(base, &models.ConfigOverride{Threshold: intPtr(95)})

	assert.Equal(t, before, base)
}

func TestExtractInline_NoBlock(t *testing.T) {
	ov, warnings := ExtractInline("just a regular thought with ```go\ncode\n``` inside")

	assert.Nil(t, ov)
	assert.Empty(t, warnings)
}

func TestExtractInline_YAMLBlock(t *testing.T) {
	thought := "Please audit this.\n```gan-config\ntask: check error handling\nthreshold: 90\nmaxCycles: 12\nscope: paths\npaths:\n  - pkg/codex\n```\nrest of thought"

	ov, warnings := ExtractInline(thought)

	require.NotNil(t, ov)
	assert.Empty(t, warnings)
	assert.Equal(t, "check error handling", *ov.Task)
	assert.Equal(t, 90, *ov.Threshold)
	assert.Equal(t, 12, *ov.MaxCycles)
	assert.Equal(t, models.ScopePaths, *ov.Scope)
	assert.Equal(t, []string{"pkg/codex"}, ov.Paths)
}

func TestExtractInline_JSONBlock(t *testing.T) {
	thought := "```gan-config\n{\"threshold\": 88, \"scope\": \"workspace\"}\n```"

	ov, warnings := ExtractInline(thought)

	require.NotNil(t, ov)
	assert.Empty(t, warnings)
	assert.Equal(t, 88, *ov.Threshold)
	assert.Equal(t, models.ScopeWorkspace, *ov.Scope)
}

func TestExtractInline_UnknownKeysIgnored(t *testing.T) {
	thought := "```gan-config\nthreshold: 85\nmodel: gpt-5\nverbosity: high\n```"

	ov, warnings := ExtractInline(thought)

	require.NotNil(t, ov)
	assert.Empty(t, warnings)
	assert.Equal(t, 85, *ov.Threshold)
}

func TestExtractInline_BadlyTypedValueSkipped(t *testing.T) {
	thought := "```gan-config\nthreshold: very high\nmaxCycles: 10\n```"

	ov, warnings := ExtractInline(thought)

	require.NotNil(t, ov)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "threshold")
	assert.Nil(t, ov.Threshold)
	assert.Equal(t, 10, *ov.MaxCycles)
}

func TestExtractInline_OnlyUnknownKeys(t *testing.T) {
	thought := "```gan-config\nmodel: gpt-5\n```"

	ov, warnings := ExtractInline(thought)

	assert.Nil(t, ov)
	assert.Empty(t, warnings)
}
