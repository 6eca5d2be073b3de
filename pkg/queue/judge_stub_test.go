package queue

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/gansauditor/gansauditor/pkg/codex"
	"github.com/gansauditor/gansauditor/pkg/models"
)

// auditScript decides the outcome of the nth judge call (1-based).
type auditScript func(call int, req codex.Request) (models.Review, error)

// stubJudge is a scripted in-process stand-in for the codex driver.
type stubJudge struct {
	mu         sync.Mutex
	calls      int
	script     auditScript
	contexts   map[string]codex.Handle
	started    []string
	terminated map[string]string // handle id → reason
	startErr   error
}

func newStubJudge(script auditScript) *stubJudge {
	return &stubJudge{
		script:     script,
		contexts:   make(map[string]codex.Handle),
		terminated: make(map[string]string),
	}
}

// passReview builds a plain successful review.
func passReview(verdict models.Verdict, score int, summary string) models.Review {
	dims := make(map[string]int, len(models.DimensionKeys))
	for _, key := range models.DimensionKeys {
		dims[key] = score
	}
	return models.Review{
		Verdict:      verdict,
		OverallScore: score,
		Dimensions:   dims,
		Summary:      summary,
	}
}

// scoreScript replies with the given verdict/score on every call.
func scoreScript(verdict models.Verdict, score int) auditScript {
	return func(int, codex.Request) (models.Review, error) {
		return passReview(verdict, score, "scripted review"), nil
	}
}

// scoreSeries replies with scores[call-1], clamping at the last entry.
func scoreSeries(scores ...int) auditScript {
	return func(call int, _ codex.Request) (models.Review, error) {
		idx := call - 1
		if idx >= len(scores) {
			idx = len(scores) - 1
		}
		return passReview(models.VerdictRevise, scores[idx], "scripted review"), nil
	}
}

func (s *stubJudge) Audit(ctx context.Context, req codex.Request, handle *codex.Handle) (models.Review, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	script := s.script
	s.mu.Unlock()
	return script(call, req)
}

func (s *stubJudge) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *stubJudge) StartContext(_ context.Context, loopID string) (codex.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return codex.Handle{}, s.startErr
	}
	if h, ok := s.contexts[loopID]; ok {
		return h, nil
	}
	h := codex.Handle{ID: uuid.New().String(), LoopID: loopID}
	s.contexts[loopID] = h
	s.started = append(s.started, loopID)
	return h, nil
}

func (s *stubJudge) TerminateContext(handle codex.Handle, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, done := s.terminated[handle.ID]; !done {
		s.terminated[handle.ID] = reason
	}
	delete(s.contexts, handle.LoopID)
	return nil
}

func (s *stubJudge) TerminationReason(handleID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.terminated[handleID]
	return r, ok
}
