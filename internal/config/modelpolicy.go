package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ModelRule caps attempt concurrency for models whose id contains Substring.
type ModelRule struct {
	Substring   string `yaml:"substring"`
	MaxAttempts int    `yaml:"max_attempts"`
}

// ModelPolicy holds per-model attempt-concurrency caps. Some model families
// throttle hard on shared tiers; running ten parallel attempts against them
// just converts the whole job into rate-limit failures.
type ModelPolicy struct {
	Rules []ModelRule `yaml:"models"`
}

// DefaultModelPolicy covers the families known to reject parallel bursts.
func DefaultModelPolicy() ModelPolicy {
	return ModelPolicy{Rules: []ModelRule{
		{Substring: "oss", MaxAttempts: 5},
		{Substring: "grok", MaxAttempts: 5},
	}}
}

// LoadModelPolicy reads a policy YAML from path; an empty path yields the
// embedded defaults, as does a file with no rules.
func LoadModelPolicy(path string) (ModelPolicy, error) {
	if path == "" {
		return DefaultModelPolicy(), nil
	}
	// #nosec G304 -- the path comes from the operator's environment
	content, err := os.ReadFile(path)
	if err != nil {
		return ModelPolicy{}, fmt.Errorf("op=config.LoadModelPolicy: %w", err)
	}
	var p ModelPolicy
	if err := yaml.Unmarshal(content, &p); err != nil {
		return ModelPolicy{}, fmt.Errorf("op=config.LoadModelPolicy: %w", err)
	}
	if len(p.Rules) == 0 {
		return DefaultModelPolicy(), nil
	}
	return p, nil
}

// AttemptConcurrency returns the attempt cap for model, starting from base
// and applying the lowest matching rule. Unknown models keep base.
func (p ModelPolicy) AttemptConcurrency(model string, base int) int {
	limit := base
	m := strings.ToLower(model)
	for _, r := range p.Rules {
		if r.Substring == "" || r.MaxAttempts <= 0 {
			continue
		}
		if strings.Contains(m, strings.ToLower(r.Substring)) && r.MaxAttempts < limit {
			limit = r.MaxAttempts
		}
	}
	return limit
}
