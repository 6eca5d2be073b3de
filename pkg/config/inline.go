package config

import (
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/gansauditor/gansauditor/pkg/models"
)

// ganConfigRe matches the first fenced block tagged gan-config. The block
// body is a small YAML (or JSON) document.
var ganConfigRe = regexp.MustCompile("(?ms)^```gan-config[ \t]*$\\n(.*?)^```[ \t]*$")

// ExtractInline parses the gan-config fenced block embedded in a thought
// body, if any. Unknown keys are ignored; keys whose values cannot be
// decoded are skipped and reported as warnings. Returns nil when the thought
// carries no block or the block contributes nothing.
func ExtractInline(thought string) (*models.ConfigOverride, []string) {
	m := ganConfigRe.FindStringSubmatch(thought)
	if m == nil {
		return nil, nil
	}

	var doc map[string]yaml.Node
	if err := yaml.Unmarshal([]byte(m[1]), &doc); err != nil {
		return nil, []string{fmt.Sprintf("gan-config block is not a key/value document: %v", err)}
	}

	ov := &models.ConfigOverride{}
	var warnings []string

	decode := func(key string, dst any) bool {
		node, ok := doc[key]
		if !ok {
			return false
		}
		if err := node.Decode(dst); err != nil {
			warnings = append(warnings, fmt.Sprintf("gan-config %s: %v, keeping default", key, err))
			return false
		}
		return true
	}

	var task string
	if decode("task", &task) && task != "" {
		ov.Task = &task
	}
	var threshold int
	if decode("threshold", &threshold) {
		ov.Threshold = &threshold
	}
	var maxCycles int
	if decode("maxCycles", &maxCycles) {
		ov.MaxCycles = &maxCycles
	}
	var scope string
	if decode("scope", &scope) && scope != "" {
		s := models.Scope(scope)
		ov.Scope = &s
	}
	decode("paths", &ov.Paths)

	if ov.Task == nil && ov.Threshold == nil && ov.MaxCycles == nil && ov.Scope == nil && len(ov.Paths) == 0 {
		if len(warnings) == 0 {
			return nil, nil
		}
		return nil, warnings
	}
	return ov, warnings
}
