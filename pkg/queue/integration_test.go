package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gansauditor/gansauditor/pkg/codex"
	"github.com/gansauditor/gansauditor/pkg/config"
	"github.com/gansauditor/gansauditor/pkg/models"
	"github.com/gansauditor/gansauditor/pkg/session"
)

// newHarness builds an orchestrator over a real file-backed store and a
// scripted judge. mutate may adjust the config before wiring.
func newHarness(t *testing.T, judge Judge, mutate func(*config.Config)) (*Orchestrator, *session.Store) {
	t.Helper()

	cfg := config.Default()
	cfg.Store.StateDir = t.TempDir()
	cfg.Obs.LogDir = t.TempDir()
	cfg.Cache.Enabled = false
	cfg.Queue.MaxConcurrentAudits = 2
	cfg.Queue.AuditRetryAttempts = 2
	cfg.Queue.RetryBackoff = 5 * time.Millisecond
	cfg.Queue.SubmitTimeout = 10 * time.Second
	if mutate != nil {
		mutate(cfg)
	}

	store, err := session.NewStore(cfg.Store, nil, nil)
	require.NoError(t, err)

	orc := NewOrchestrator(cfg, store, judge, nil, nil)
	orc.Start(context.Background())
	t.Cleanup(orc.Stop)
	return orc, store
}

// submission builds the nth thought of a session with a distinct body.
func submission(sessionID string, n int) models.Submission {
	return models.Submission{
		SessionID:         sessionID,
		Thought:           fmt.Sprintf("iteration %d: tightening the error paths in handler %d", n, n),
		ThoughtNumber:     n,
		TotalThoughts:     30,
		NextThoughtNeeded: true,
	}
}

// driveLoop submits thoughts until the session completes or maxLoops is
// reached, returning every response.
func driveLoop(t *testing.T, orc *Orchestrator, sessionID string, maxLoops int, thought func(n int) models.Submission) []models.Response {
	t.Helper()
	var out []models.Response
	for n := 1; n <= maxLoops; n++ {
		resp, err := orc.Submit(context.Background(), thought(n))
		require.NoError(t, err, "loop %d", n)
		out = append(out, resp)
		if !resp.NextThoughtNeeded {
			return out
		}
	}
	return out
}

func TestScenario_QuickPass_Tier1(t *testing.T) {
	judge := newStubJudge(scoreScript(models.VerdictPass, 97))
	orc, _ := newHarness(t, judge, nil)

	responses := driveLoop(t, orc, "quick-pass", 30, func(n int) models.Submission {
		return submission("quick-pass", n)
	})

	require.Len(t, responses, 10, "tier1 closes the loop at its floor")
	for i, resp := range responses[:9] {
		assert.True(t, resp.NextThoughtNeeded, "loop %d must ask for another thought", i+1)
	}
	last := responses[9]
	assert.False(t, last.NextThoughtNeeded)
	require.NotNil(t, last.CompletionStatus)
	assert.True(t, last.CompletionStatus.IsComplete)
	assert.Equal(t, models.ReasonTier1, last.CompletionStatus.Reason)
	assert.Equal(t, 10, last.CompletionStatus.CurrentLoop)
}

func TestScenario_Tier2CompletionAtLoop15(t *testing.T) {
	judge := newStubJudge(scoreSeries(70, 72, 78, 82, 86, 88, 90, 91, 91, 92, 93, 93, 92, 93, 93))
	orc, _ := newHarness(t, judge, nil)

	responses := driveLoop(t, orc, "tier2", 30, func(n int) models.Submission {
		return submission("tier2", n)
	})

	require.Len(t, responses, 15)
	last := responses[14]
	require.NotNil(t, last.CompletionStatus)
	assert.Equal(t, models.ReasonTier2, last.CompletionStatus.Reason)
	assert.Equal(t, 15, last.CompletionStatus.CurrentLoop)
}

func TestScenario_HardStopAtLoop25(t *testing.T) {
	judge := newStubJudge(scoreScript(models.VerdictRevise, 80))
	orc, store := newHarness(t, judge, nil)

	responses := driveLoop(t, orc, "stubborn", 30, func(n int) models.Submission {
		return submission("stubborn", n)
	})

	require.Len(t, responses, 25)
	last := responses[24]
	require.NotNil(t, last.CompletionStatus)
	assert.Equal(t, models.ReasonHardStop, last.CompletionStatus.Reason)
	// The terminal snapshot keeps the judge's verdict; hard stop does not
	// upgrade it to pass.
	assert.Equal(t, models.VerdictRevise, last.Review.Verdict)

	sess, err := store.Get("stubborn")
	require.NoError(t, err)
	assert.Len(t, sess.History, 25)
	assert.Equal(t, session.StateComplete, sess.State)
}

func TestScenario_StagnationFiresAtLoop11(t *testing.T) {
	judge := newStubJudge(scoreScript(models.VerdictRevise, 70))
	orc, store := newHarness(t, judge, nil)

	// Distinct thoughts through loop 9; identical bodies from loop 10 on.
	responses := driveLoop(t, orc, "stalled", 30, func(n int) models.Submission {
		sub := submission("stalled", n)
		if n >= 10 {
			sub.Thought = "same exact plan, resubmitted without changes"
		}
		return sub
	})

	require.Len(t, responses, 11, "first >=0.95 comparison happens at loop 11")
	last := responses[10]
	require.NotNil(t, last.CompletionStatus)
	assert.Equal(t, models.ReasonStagnation, last.CompletionStatus.Reason)

	sess, err := store.Get("stalled")
	require.NoError(t, err)
	assert.True(t, sess.Stagnation.Detected)
	assert.Equal(t, 11, sess.Stagnation.DetectedAtLoop)
	require.NotNil(t, sess.Stagnation.LastSimilarity)
	assert.GreaterOrEqual(t, *sess.Stagnation.LastSimilarity, 0.95)
}

func TestScenario_TimeoutWithPartialReview(t *testing.T) {
	partial := passReview(models.VerdictRevise, 55, "truncated output")
	partial.TimedOut = true
	partial.Partial = true

	judge := newStubJudge(func(call int, _ codex.Request) (models.Review, error) {
		if call <= 2 {
			return models.Review{}, &codex.Error{Category: codex.CategoryTimeout}
		}
		return partial, nil
	})
	orc, store := newHarness(t, judge, nil)

	resp, err := orc.Submit(context.Background(), submission("slow-judge", 1))
	require.NoError(t, err)

	assert.True(t, resp.Review.TimedOut)
	assert.True(t, resp.Review.Partial)
	assert.Equal(t, 3, judge.Calls(), "two retryable failures then the partial")

	// Retries never duplicate history: one submission, one iteration.
	sess, err := store.Get(resp.SessionID)
	require.NoError(t, err)
	assert.Len(t, sess.History, 1)
}

func TestScenario_RetryExhaustionSynthesizesReject(t *testing.T) {
	judge := newStubJudge(func(int, codex.Request) (models.Review, error) {
		return models.Review{}, &codex.Error{Category: codex.CategoryTimeout}
	})
	orc, store := newHarness(t, judge, nil)

	resp, err := orc.Submit(context.Background(), submission("dead-judge", 1))
	require.NoError(t, err)

	assert.Equal(t, models.VerdictReject, resp.Review.Verdict)
	assert.True(t, resp.Review.TimedOut)
	assert.Contains(t, resp.Review.Summary, "audit failed")
	assert.Equal(t, 3, judge.Calls(), "initial call plus both retries")

	sess, err := store.Get(resp.SessionID)
	require.NoError(t, err)
	assert.Len(t, sess.History, 1, "the failure review still lands in history")
}

func TestScenario_CacheDeduplicatesWorkNotHistory(t *testing.T) {
	judge := newStubJudge(scoreScript(models.VerdictRevise, 75))
	orc, store := newHarness(t, judge, func(cfg *config.Config) {
		cfg.Cache.Enabled = true
	})

	sub := submission("cached", 1)
	sub.Thought = "identical body both times"
	_, err := orc.Submit(context.Background(), sub)
	require.NoError(t, err)

	sub2 := sub
	sub2.ThoughtNumber = 2
	resp, err := orc.Submit(context.Background(), sub2)
	require.NoError(t, err)

	assert.Equal(t, 1, judge.Calls(), "identical fingerprint inside TTL reuses the review")
	assert.Equal(t, 75, resp.Review.OverallScore)

	sess, err := store.Get("cached")
	require.NoError(t, err)
	assert.Len(t, sess.History, 2, "cache hits still append iterations")
}

func TestScenario_OverlappingDuplicatesShareOneJudgeCall(t *testing.T) {
	release := make(chan struct{})
	judge := newStubJudge(func(int, codex.Request) (models.Review, error) {
		<-release
		return passReview(models.VerdictRevise, 75, "slow identical work"), nil
	})
	orc, store := newHarness(t, judge, func(cfg *config.Config) {
		cfg.Cache.Enabled = true
	})

	sub := submission("overlap", 1)
	sub.Thought = "identical body submitted twice at once"
	sub2 := sub
	sub2.ThoughtNumber = 2

	results := make(chan error, 2)
	go func() {
		_, err := orc.Submit(context.Background(), sub)
		results <- err
	}()
	time.Sleep(50 * time.Millisecond)

	// The duplicate arrives while the first is still inside the judge, so
	// the fast-path lookup misses and it parks on the session gate.
	go func() {
		_, err := orc.Submit(context.Background(), sub2)
		results <- err
	}()
	time.Sleep(50 * time.Millisecond)

	close(release)
	require.NoError(t, <-results)
	require.NoError(t, <-results)

	assert.Equal(t, 1, judge.Calls(), "the second duplicate reuses the first one's review")

	sess, err := store.Get("overlap")
	require.NoError(t, err)
	require.Len(t, sess.History, 2, "both submissions still append their own iterations")
	assert.Equal(t, sess.History[0].Fingerprint, sess.History[1].Fingerprint)
	assert.Equal(t, 75, sess.History[1].Review.OverallScore)
}

func TestNoRetryOnBadOutput(t *testing.T) {
	judge := newStubJudge(func(int, codex.Request) (models.Review, error) {
		return models.Review{}, &codex.Error{Category: codex.CategoryBadOutput}
	})
	orc, _ := newHarness(t, judge, nil)

	_, err := orc.Submit(context.Background(), submission("parse-fail", 1))
	require.Error(t, err)
	assert.Equal(t, models.KindJudgeFailed, models.AsError(err).Kind)
	assert.Equal(t, 1, judge.Calls(), "parser failures are never retried")
}

func TestJudgeUnavailableSurfaces(t *testing.T) {
	judge := newStubJudge(func(int, codex.Request) (models.Review, error) {
		return models.Review{}, &codex.Error{Category: codex.CategoryNotFound}
	})
	orc, _ := newHarness(t, judge, nil)

	_, err := orc.Submit(context.Background(), submission("no-binary", 1))
	require.Error(t, err)
	assert.Equal(t, models.KindJudgeUnavailable, models.AsError(err).Kind)
}

func TestQueueFullBackpressure(t *testing.T) {
	release := make(chan struct{})
	judge := newStubJudge(func(int, codex.Request) (models.Review, error) {
		<-release
		return passReview(models.VerdictRevise, 60, "slow"), nil
	})
	orc, _ := newHarness(t, judge, func(cfg *config.Config) {
		cfg.Queue.MaxConcurrentAudits = 1
		cfg.Queue.MaxQueueDepth = 1
	})

	results := make(chan error, 2)
	submitAsync := func(id string) {
		go func() {
			_, err := orc.Submit(context.Background(), submission(id, 1))
			results <- err
		}()
	}

	// First occupies the single worker, second fills the single queue slot.
	submitAsync("busy-a")
	time.Sleep(50 * time.Millisecond)
	submitAsync("busy-b")
	time.Sleep(50 * time.Millisecond)

	_, err := orc.Submit(context.Background(), submission("busy-c", 1))
	require.Error(t, err)
	assert.Equal(t, models.KindQueueFull, models.AsError(err).Kind)
	assert.True(t, errors.Is(err, ErrQueueFull))
	assert.True(t, models.AsError(err).Kind.Retryable())

	close(release)
	require.NoError(t, <-results)
	require.NoError(t, <-results)
}

func TestOverallDeadlineWhileQueued(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	judge := newStubJudge(func(int, codex.Request) (models.Review, error) {
		<-release
		return passReview(models.VerdictRevise, 60, "slow"), nil
	})
	orc, _ := newHarness(t, judge, func(cfg *config.Config) {
		cfg.Queue.MaxConcurrentAudits = 1
		cfg.Queue.MaxQueueDepth = 5
	})

	go func() {
		_, _ = orc.Submit(context.Background(), submission("holder", 1))
	}()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := orc.Submit(ctx, submission("queued-too-long", 1))
	require.Error(t, err)
	assert.Equal(t, models.KindTimeout, models.AsError(err).Kind)
	assert.True(t, errors.Is(err, ErrTimeout))

	before := judge.Calls()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, judge.Calls(), "abandoned submission must not reach the judge")
}

func TestValidation(t *testing.T) {
	judge := newStubJudge(scoreScript(models.VerdictRevise, 60))
	orc, _ := newHarness(t, judge, nil)

	cases := map[string]models.Submission{
		"empty thought":   {SessionID: "v", ThoughtNumber: 1, TotalThoughts: 1},
		"zero number":     {SessionID: "v", Thought: "x", ThoughtNumber: 0, TotalThoughts: 1},
		"total too small": {SessionID: "v", Thought: "x", ThoughtNumber: 3, TotalThoughts: 2},
	}
	for name, sub := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := orc.Submit(context.Background(), sub)
			require.Error(t, err)
			assert.Equal(t, models.KindValidationFailed, models.AsError(err).Kind)
		})
	}
}

func TestSubmitAfterCompletionFailsAlreadyComplete(t *testing.T) {
	judge := newStubJudge(scoreScript(models.VerdictPass, 97))
	orc, _ := newHarness(t, judge, func(cfg *config.Config) {
		cfg.Completion.Tier1MinLoops = 1
		cfg.Completion.Tier2MinLoops = 1
		cfg.Completion.Tier3MinLoops = 1
	})

	resp, err := orc.Submit(context.Background(), submission("done", 1))
	require.NoError(t, err)
	assert.False(t, resp.NextThoughtNeeded)

	_, err = orc.Submit(context.Background(), submission("done", 2))
	require.Error(t, err)
	assert.Equal(t, models.KindAlreadyComplete, models.AsError(err).Kind)
}

func TestLoopContextLifecycle(t *testing.T) {
	judge := newStubJudge(scoreScript(models.VerdictPass, 97))
	orc, store := newHarness(t, judge, func(cfg *config.Config) {
		cfg.Completion.Tier1MinLoops = 2
		cfg.Completion.Tier2MinLoops = 2
		cfg.Completion.Tier3MinLoops = 2
	})

	sub := submission("ctx-session", 1)
	sub.LoopID = "loop-42"
	_, err := orc.Submit(context.Background(), sub)
	require.NoError(t, err)

	sess, err := store.Get("ctx-session")
	require.NoError(t, err)
	require.NotEmpty(t, sess.ContextHandle, "context starts lazily on first audit")
	handleID := sess.ContextHandle

	sub2 := submission("ctx-session", 2)
	sub2.LoopID = "loop-42"
	resp, err := orc.Submit(context.Background(), sub2)
	require.NoError(t, err)
	assert.False(t, resp.NextThoughtNeeded)

	sess, err = store.Get("ctx-session")
	require.NoError(t, err)
	assert.Equal(t, handleID, sess.ContextHandle, "the handle is reused across iterations")

	reason, terminated := judge.TerminationReason(handleID)
	assert.True(t, terminated, "completion terminates the context")
	assert.Equal(t, string(models.ReasonTier1), reason)
}

func TestContextStartFailureIsNonFatal(t *testing.T) {
	judge := newStubJudge(scoreScript(models.VerdictRevise, 60))
	judge.startErr = errors.New("context spawn refused")
	orc, _ := newHarness(t, judge, nil)

	sub := submission("ctx-less", 1)
	sub.LoopID = "loop-broken"
	resp, err := orc.Submit(context.Background(), sub)
	require.NoError(t, err, "audit proceeds without context reuse")
	assert.Equal(t, 60, resp.Review.OverallScore)
}

func TestPerSessionSerialization(t *testing.T) {
	var mu sync.Mutex
	inFlight := make(map[string]int)
	maxInFlight := 0

	judge := newStubJudge(func(_ int, req codex.Request) (models.Review, error) {
		mu.Lock()
		inFlight[req.SessionID]++
		if inFlight[req.SessionID] > maxInFlight {
			maxInFlight = inFlight[req.SessionID]
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		inFlight[req.SessionID]--
		mu.Unlock()
		return passReview(models.VerdictRevise, 60, "ok"), nil
	})
	orc, store := newHarness(t, judge, func(cfg *config.Config) {
		cfg.Queue.MaxConcurrentAudits = 4
	})

	var wg sync.WaitGroup
	for n := 1; n <= 6; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			// Thought numbers race; some submissions lose the ordering check.
			_, _ = orc.Submit(context.Background(), submission("serial", n))
		}(n)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, maxInFlight, 1, "at most one concurrent audit per session")

	sess, err := store.Get("serial")
	require.NoError(t, err)
	for i := 1; i < len(sess.History); i++ {
		assert.Less(t, sess.History[i-1].ThoughtNumber, sess.History[i].ThoughtNumber)
	}
}

func TestPassthroughWhenSynchronousDisabled(t *testing.T) {
	judge := newStubJudge(scoreScript(models.VerdictPass, 97))
	orc, _ := newHarness(t, judge, func(cfg *config.Config) {
		cfg.Synchronous = false
		cfg.Completion.Tier1MinLoops = 1
		cfg.Completion.Tier2MinLoops = 1
		cfg.Completion.Tier3MinLoops = 1
	})

	sub := submission("passthrough", 1)
	sub.NextThoughtNeeded = true
	resp, err := orc.Submit(context.Background(), sub)
	require.NoError(t, err)

	assert.True(t, resp.NextThoughtNeeded, "passthrough echoes the caller's flag")
	assert.Nil(t, resp.CompletionStatus)
}

func TestInlineGanConfigOverridesHardStop(t *testing.T) {
	judge := newStubJudge(scoreScript(models.VerdictRevise, 60))
	orc, _ := newHarness(t, judge, nil)

	thought := "try again\n```gan-config\nmaxCycles: 2\ntask: review the diff\n```\n"
	first := models.Submission{
		SessionID:     "inline-cfg",
		Thought:       thought,
		ThoughtNumber: 1,
		TotalThoughts: 10,
	}
	resp, err := orc.Submit(context.Background(), first)
	require.NoError(t, err)
	assert.True(t, resp.NextThoughtNeeded)

	second := first
	second.ThoughtNumber = 2
	second.Thought = "a different body for the second loop"
	resp, err = orc.Submit(context.Background(), second)
	require.NoError(t, err)
	assert.False(t, resp.NextThoughtNeeded)
	require.NotNil(t, resp.CompletionStatus)
	assert.Equal(t, models.ReasonHardStop, resp.CompletionStatus.Reason)
}
