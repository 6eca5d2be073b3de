// Package models contains the wire-level request/response types and the
// business domain types shared across the audit pipeline.
package models

import "time"

// Verdict is the judge's overall call on a submission.
type Verdict string

const (
	VerdictPass   Verdict = "pass"
	VerdictRevise Verdict = "revise"
	VerdictReject Verdict = "reject"
)

// Valid reports whether v is one of the recognized verdicts.
func (v Verdict) Valid() bool {
	switch v {
	case VerdictPass, VerdictRevise, VerdictReject:
		return true
	}
	return false
}

// Severity classifies an inline review comment.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityMajor    Severity = "major"
	SeverityMinor    Severity = "minor"
)

// Valid reports whether s is one of the recognized severities.
func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityMajor, SeverityMinor:
		return true
	}
	return false
}

// Scope selects which part of the workspace the judge examines.
type Scope string

const (
	ScopeDiff      Scope = "diff"
	ScopePaths     Scope = "paths"
	ScopeWorkspace Scope = "workspace"
)

// Valid reports whether s is one of the recognized scopes.
func (s Scope) Valid() bool {
	switch s {
	case ScopeDiff, ScopePaths, ScopeWorkspace:
		return true
	}
	return false
}

// DimensionKeys are the fixed per-dimension score keys every Review carries.
var DimensionKeys = []string{
	"correctness",
	"tests",
	"style",
	"security",
	"performance",
	"documentation",
}

// InlineComment is one file-anchored finding in a Review.
type InlineComment struct {
	Path     string   `json:"path"`
	Line     int      `json:"line"`
	Comment  string   `json:"comment"`
	Severity Severity `json:"severity"`
}

// Review is the immutable output of one judge run.
type Review struct {
	Verdict        Verdict         `json:"verdict"`
	OverallScore   int             `json:"overallScore"`
	Dimensions     map[string]int  `json:"dimensions"`
	InlineComments []InlineComment `json:"inlineComments"`
	Summary        string          `json:"summary"`
	ProposedDiff   string          `json:"proposedDiff,omitempty"`
	TimedOut       bool            `json:"timedOut"`
	Partial        bool            `json:"partial"`
}

// HasCriticalComment reports whether any inline comment carries critical severity.
func (r Review) HasCriticalComment() bool {
	for _, c := range r.InlineComments {
		if c.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// ConfigOverride carries the caller-supplied per-session option overrides.
// It arrives either as the submission's `config` field or inside a fenced
// `gan-config` block embedded in the thought text. Nil pointer fields mean
// "keep the session default".
type ConfigOverride struct {
	Task      *string  `json:"task,omitempty" yaml:"task"`
	Threshold *int     `json:"threshold,omitempty" yaml:"threshold" validate:"omitempty,min=50,max=100"`
	MaxCycles *int     `json:"maxCycles,omitempty" yaml:"maxCycles" validate:"omitempty,min=1,max=100"`
	Scope     *Scope   `json:"scope,omitempty" yaml:"scope" validate:"omitempty,oneof=diff paths workspace"`
	Paths     []string `json:"paths,omitempty" yaml:"paths"`
}

// Submission is one inbound audit request, transient to a single Submit call.
type Submission struct {
	SessionID         string          `json:"sessionId"`
	Thought           string          `json:"thought"`
	ThoughtNumber     int             `json:"thoughtNumber"`
	TotalThoughts     int             `json:"totalThoughts"`
	NextThoughtNeeded bool            `json:"nextThoughtNeeded"`
	BranchID          string          `json:"branchId,omitempty"`
	LoopID            string          `json:"loopId,omitempty"`
	Config            *ConfigOverride `json:"config,omitempty"`

	// SubmittedAt is stamped by the transport on receipt.
	SubmittedAt time.Time `json:"-"`
}

// EffectiveLoopID returns the identifier that groups iterations sharing an
// analyzer context window: loopId when set, else branchId.
func (s Submission) EffectiveLoopID() string {
	if s.LoopID != "" {
		return s.LoopID
	}
	return s.BranchID
}
