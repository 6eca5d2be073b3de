package fingerprint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompute_Deterministic(t *testing.T) {
	cfg := JudgeConfig{
		Executable: "codex",
		Subcommand: "exec",
		ExtraArgs:  []string{"--json"},
		Timeout:    30 * time.Second,
		Task:       "audit the diff",
		Scope:      "diff",
		Threshold:  85,
	}

	d1 := Compute("refactor the session store", cfg)
	d2 := Compute("refactor the session store", cfg)

	assert.Equal(t, d1, d2)
	assert.Equal(t, d1.Hex(), d2.Hex())
}

func TestCompute_SensitiveToThought(t *testing.T) {
	cfg := JudgeConfig{Executable: "codex", Timeout: time.Second}

	d1 := Compute("thought one", cfg)
	d2 := Compute("thought two", cfg)

	assert.NotEqual(t, d1, d2)
}

func TestCompute_SensitiveToJudgeConfig(t *testing.T) {
	base := JudgeConfig{
		Executable: "codex",
		Subcommand: "exec",
		Timeout:    30 * time.Second,
		Scope:      "workspace",
		Threshold:  85,
	}

	d0 := Compute("same thought", base)

	modified := base
	modified.Timeout = time.Minute
	assert.NotEqual(t, d0, Compute("same thought", modified))

	modified = base
	modified.Scope = "diff"
	assert.NotEqual(t, d0, Compute("same thought", modified))

	modified = base
	modified.Paths = []string{"pkg/session"}
	assert.NotEqual(t, d0, Compute("same thought", modified))

	modified = base
	modified.Threshold = 90
	assert.NotEqual(t, d0, Compute("same thought", modified))
}

func TestCompute_FieldsAreSelfDelimiting(t *testing.T) {
	// Two arg lists that would collide under naive joining must not collide.
	d1 := Compute("t", JudgeConfig{ExtraArgs: []string{"a b"}})
	d2 := Compute("t", JudgeConfig{ExtraArgs: []string{"a", "b"}})

	assert.NotEqual(t, d1, d2)
}

func TestParseHex_RoundTrip(t *testing.T) {
	d := Compute("round trip", JudgeConfig{Executable: "codex"})

	parsed, err := ParseHex(d.Hex())
	require.NoError(t, err)
	assert.Equal(t, d, parsed)
}

func TestParseHex_Invalid(t *testing.T) {
	_, err := ParseHex("not-hex")
	assert.Error(t, err)

	_, err = ParseHex("abcd")
	assert.Error(t, err)
}

func TestSimilarity_Reflexive(t *testing.T) {
	assert.Equal(t, 1.0, Similarity("the same body of text", "the same body of text"))
}

func TestSimilarity_Symmetric(t *testing.T) {
	a := "alpha beta gamma"
	b := "gamma delta epsilon"

	assert.Equal(t, Similarity(a, b), Similarity(b, a))
}

func TestSimilarity_Disjoint(t *testing.T) {
	assert.Equal(t, 0.0, Similarity("alpha beta", "gamma delta"))
}

func TestSimilarity_PartialOverlap(t *testing.T) {
	// {alpha, beta, gamma} vs {alpha, beta, delta}: 2 shared of 4 total.
	sim := Similarity("alpha beta gamma", "alpha beta delta")
	assert.InDelta(t, 0.5, sim, 1e-9)
}

func TestSimilarity_Empty(t *testing.T) {
	assert.Equal(t, 1.0, Similarity("", ""))
	assert.Equal(t, 0.0, Similarity("something", ""))
	assert.Equal(t, 0.0, Similarity("", "something"))
}

func TestSimilarity_NormalizesCaseAndPunctuation(t *testing.T) {
	sim := Similarity("Fix the Store!", "fix, the store")
	assert.Equal(t, 1.0, sim)
}
