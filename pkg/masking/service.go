// Package masking redacts secret-bearing material from everything the
// process writes to its logs and error envelopes. Redaction applies to what
// is emitted, never to what is executed: the judge child process receives
// environment and arguments unmodified.
package masking

import (
	"log/slog"
	"regexp"
	"strings"
)

// RedactedValue replaces values whose names match the secret-name patterns.
const RedactedValue = "__REDACTED__"

// defaultSecretNames are the name substrings that mark an environment
// variable, flag, or structured log field as secret-bearing.
var defaultSecretNames = []string{"token", "key", "secret", "password", "credential"}

// Service applies name-based and value-based redaction. Created once at
// startup; thread-safe and stateless aside from compiled patterns.
type Service struct {
	nameRe   *regexp.Regexp
	patterns []*CompiledPattern
}

// NewService compiles the secret-name matcher and the built-in value
// patterns. extraNames extends the default name substrings (matched
// case-insensitively, as substrings).
func NewService(extraNames ...string) *Service {
	names := make([]string, 0, len(defaultSecretNames)+len(extraNames))
	names = append(names, defaultSecretNames...)
	for _, n := range extraNames {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, regexp.QuoteMeta(strings.ToLower(n)))
		}
	}

	s := &Service{
		nameRe:   regexp.MustCompile(`(?i)(` + strings.Join(names, "|") + `)`),
		patterns: compileValuePatterns(),
	}

	slog.Info("Masking service initialized",
		"secret_names", len(names),
		"value_patterns", len(s.patterns))

	return s
}

// SensitiveName reports whether a variable, flag, or field name should have
// its value redacted.
func (s *Service) SensitiveName(name string) bool {
	return s.nameRe.MatchString(name)
}

// RedactEnv returns a copy of KEY=VALUE pairs with values of secret-bearing
// keys replaced. The input slice is never modified.
func (s *Service) RedactEnv(env []string) []string {
	out := make([]string, len(env))
	for i, kv := range env {
		key, _, found := strings.Cut(kv, "=")
		if found && s.SensitiveName(key) {
			out[i] = key + "=" + RedactedValue
			continue
		}
		out[i] = kv
	}
	return out
}

// RedactArgs returns a copy of an argv slice with secret-bearing flag values
// replaced. Both `--api-key=VALUE` and `--api-key VALUE` forms are handled.
func (s *Service) RedactArgs(args []string) []string {
	out := make([]string, len(args))
	redactNext := false
	for i, arg := range args {
		if redactNext {
			out[i] = RedactedValue
			redactNext = false
			continue
		}
		if strings.HasPrefix(arg, "-") {
			if name, _, found := strings.Cut(arg, "="); found {
				if s.SensitiveName(name) {
					out[i] = name + "=" + RedactedValue
					continue
				}
			} else if s.SensitiveName(arg) {
				// Separated form: the value is the following argument.
				redactNext = true
			}
		}
		out[i] = arg
	}
	return out
}

// RedactText sweeps secret-shaped values out of free text such as stderr
// tails and error messages.
func (s *Service) RedactText(text string) string {
	if text == "" {
		return text
	}
	masked := text
	for _, p := range s.patterns {
		masked = p.Regex.ReplaceAllString(masked, p.Replacement)
	}
	return masked
}

// RedactFields returns a copy of a structured log payload with
// secret-bearing keys replaced and string values swept. Nested maps are
// handled recursively; the input is never modified.
func (s *Service) RedactFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if s.SensitiveName(k) {
			out[k] = RedactedValue
			continue
		}
		switch val := v.(type) {
		case string:
			out[k] = s.RedactText(val)
		case map[string]any:
			out[k] = s.RedactFields(val)
		default:
			out[k] = v
		}
	}
	return out
}
