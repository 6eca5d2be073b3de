package masking

import (
	"log/slog"
	"regexp"
)

// CompiledPattern holds a pre-compiled value regex with its replacement.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
	Description string
}

// builtinValuePatterns are secret-shaped value patterns swept out of free
// text (stderr tails, error details, log payloads). They deliberately avoid
// broad base64 matching: audit payloads are source code and diffs, and a
// greedy base64 sweep would corrupt them.
var builtinValuePatterns = map[string]struct {
	Pattern     string
	Replacement string
	Description string
}{
	"api_key": {
		Pattern:     `(?i)(?:api[_-]?key|apikey)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-]{20,})["']?`,
		Replacement: `api_key=__MASKED_API_KEY__`,
		Description: "API keys",
	},
	"password": {
		Pattern:     `(?i)(?:password|passwd|pwd)["']?\s*[:=]\s*["']?([^"'\s\n]{6,})["']?`,
		Replacement: `password=__MASKED_PASSWORD__`,
		Description: "Passwords",
	},
	"token": {
		Pattern:     `(?i)(?:token|bearer|jwt)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-\.]{20,})["']?`,
		Replacement: `token=__MASKED_TOKEN__`,
		Description: "Access tokens",
	},
	"certificate": {
		Pattern:     `(?s)-----BEGIN [A-Z ]+-----.*?-----END [A-Z ]+-----`,
		Replacement: `__MASKED_CERTIFICATE__`,
		Description: "PEM certificates and keys",
	},
	"ssh_key": {
		Pattern:     `ssh-(?:rsa|dss|ed25519|ecdsa)\s+[A-Za-z0-9+/=]+`,
		Replacement: `__MASKED_SSH_KEY__`,
		Description: "SSH public keys",
	},
	"github_token": {
		Pattern:     `gh[ps]_[A-Za-z0-9_]{36,255}`,
		Replacement: `__MASKED_GITHUB_TOKEN__`,
		Description: "GitHub tokens",
	},
	"slack_token": {
		Pattern:     `(?i)xox[baprs]-[A-Za-z0-9-]{10,72}`,
		Replacement: `__MASKED_SLACK_TOKEN__`,
		Description: "Slack tokens",
	},
}

// compileValuePatterns compiles the built-in value patterns.
// Invalid patterns are logged and skipped.
func compileValuePatterns() []*CompiledPattern {
	out := make([]*CompiledPattern, 0, len(builtinValuePatterns))
	for name, p := range builtinValuePatterns {
		compiled, err := regexp.Compile(p.Pattern)
		if err != nil {
			slog.Error("Failed to compile built-in masking pattern, skipping",
				"pattern", name, "error", err)
			continue
		}
		out = append(out, &CompiledPattern{
			Name:        name,
			Regex:       compiled,
			Replacement: p.Replacement,
			Description: p.Description,
		})
	}
	return out
}
