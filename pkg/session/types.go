// Package session owns the per-conversation state of the audit loop:
// iteration history, terminal-state transitions, stagnation memory, and
// durable one-file-per-session snapshots.
package session

import (
	"time"

	"github.com/gansauditor/gansauditor/pkg/config"
	"github.com/gansauditor/gansauditor/pkg/models"
)

// State is the session lifecycle state.
type State string

const (
	StateActive   State = "active"
	StateComplete State = "complete"
	StateFailed   State = "failed"
)

// Terminal reports whether no further mutation is allowed.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// Iteration is one completed turn of the loop: the submission that went in
// and the review that came back.
type Iteration struct {
	ThoughtNumber int           `json:"thoughtNumber"`
	Thought       string        `json:"thought"`
	Fingerprint   string        `json:"fingerprint"`
	SubmittedAt   time.Time     `json:"submittedAt"`
	Review        models.Review `json:"review"`
	DurationMs    int64         `json:"durationMs"`
}

// Stagnation is the session's similarity memory. LastSimilarity is nil until
// the first comparison at StartAt loops.
type Stagnation struct {
	StartAt             int      `json:"startAt"`
	SimilarityThreshold float64  `json:"similarityThreshold"`
	LastSimilarity      *float64 `json:"lastSimilarity,omitempty"`
	Detected            bool     `json:"detected"`
	DetectedAtLoop      int      `json:"detectedAtLoop,omitempty"`
}

// Session is the persistent state of one improvement spiral. The store is
// the only writer; everything handed outside the store is a deep copy.
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	LoopID        string `json:"loopId,omitempty"`
	ContextHandle string `json:"contextHandle,omitempty"`

	// CurrentLoop counts completed iterations and always equals len(History).
	CurrentLoop int         `json:"currentLoop"`
	History     []Iteration `json:"history"`

	State            State                   `json:"state"`
	IsComplete       bool                    `json:"isComplete"`
	CompletionReason models.CompletionReason `json:"completionReason,omitempty"`

	Stagnation Stagnation           `json:"stagnation"`
	Config     config.SessionConfig `json:"config"`
}

// LastScore returns the most recent iteration's overall score, or 0 for an
// empty history.
func (s *Session) LastScore() int {
	if len(s.History) == 0 {
		return 0
	}
	return s.History[len(s.History)-1].Review.OverallScore
}

// Clone returns a deep copy safe to hand outside the store's locks.
func (s *Session) Clone() *Session {
	cp := *s
	cp.History = make([]Iteration, len(s.History))
	copy(cp.History, s.History)
	if s.Stagnation.LastSimilarity != nil {
		sim := *s.Stagnation.LastSimilarity
		cp.Stagnation.LastSimilarity = &sim
	}
	cp.Config.Paths = append([]string(nil), s.Config.Paths...)
	return &cp
}

// CompletionStatus summarizes the session for the caller-facing response.
func (s *Session) CompletionStatus() *models.CompletionStatus {
	return &models.CompletionStatus{
		IsComplete:  s.IsComplete,
		Reason:      s.CompletionReason,
		CurrentLoop: s.CurrentLoop,
		Score:       s.LastScore(),
		Threshold:   s.Config.Threshold,
	}
}
