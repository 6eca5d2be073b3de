// Package fingerprint provides deterministic content identity for audit
// submissions and a similarity measure used for stagnation detection.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// JudgeConfig is the subset of configuration that changes what the judge
// would produce for a given thought. Anything outside this set (session ids,
// iteration numbers, wall clock) must not influence the fingerprint.
type JudgeConfig struct {
	Executable string
	Subcommand string
	ExtraArgs  []string
	Timeout    time.Duration
	Task       string
	Scope      string
	Paths      []string
	Threshold  int
}

// Digest is a submission fingerprint.
type Digest [sha256.Size]byte

// Hex returns the lowercase hex form used as a cache key and in snapshots.
func (d Digest) Hex() string {
	return hex.EncodeToString(d[:])
}

// ParseHex rebuilds a Digest from its hex form.
func ParseHex(s string) (Digest, error) {
	var d Digest
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("decoding fingerprint: %w", err)
	}
	if len(b) != sha256.Size {
		return d, fmt.Errorf("decoding fingerprint: want %d bytes, got %d", sha256.Size, len(b))
	}
	copy(d[:], b)
	return d, nil
}

// Compute hashes the thought body together with the judge-affecting config
// over a canonical field encoding. Equal inputs produce equal digests across
// processes and platforms.
func Compute(thought string, cfg JudgeConfig) Digest {
	h := sha256.New()
	// %q makes every field self-delimiting so no two input pairs share an encoding.
	fmt.Fprintf(h, "thought=%q\n", thought)
	fmt.Fprintf(h, "executable=%q\n", cfg.Executable)
	fmt.Fprintf(h, "subcommand=%q\n", cfg.Subcommand)
	fmt.Fprintf(h, "args=%q\n", cfg.ExtraArgs)
	fmt.Fprintf(h, "timeout=%d\n", cfg.Timeout.Nanoseconds())
	fmt.Fprintf(h, "task=%q\n", cfg.Task)
	fmt.Fprintf(h, "scope=%q\n", cfg.Scope)
	fmt.Fprintf(h, "paths=%q\n", cfg.Paths)
	fmt.Fprintf(h, "threshold=%d\n", cfg.Threshold)

	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

// Similarity returns the token-set Jaccard index of two texts in [0,1].
// It is symmetric, reflexive and deterministic; two empty texts are
// considered identical.
func Similarity(a, b string) float64 {
	ta := tokenSet(a)
	tb := tokenSet(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 1.0
	}
	if len(ta) == 0 || len(tb) == 0 {
		return 0.0
	}

	intersection := 0
	for tok := range ta {
		if _, ok := tb[tok]; ok {
			intersection++
		}
	}
	union := len(ta) + len(tb) - intersection
	return float64(intersection) / float64(union)
}

func tokenSet(s string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}
