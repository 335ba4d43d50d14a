package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RuleSpec is one entry in rules.yaml. Order in the file is precedence.
type RuleSpec struct {
	Match       string `yaml:"match"`
	Category    string `yaml:"category"`
	Subcategory string `yaml:"subcategory"`
	Sign        string `yaml:"sign,omitempty"` // "debit", "credit" or empty for either
	Transfer    bool   `yaml:"transfer,omitempty"`
	Recurring   bool   `yaml:"recurring,omitempty"`
}

type rulesFile struct {
	Rules []RuleSpec `yaml:"rules"`
}

// LoadRules reads the ordered category rule set.
func LoadRules(path string) ([]RuleSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules: %w", err)
	}
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing rules %s: %w", path, err)
	}
	for i, r := range f.Rules {
		if r.Match == "" {
			return nil, fmt.Errorf("rule %d: match is required", i+1)
		}
		switch r.Sign {
		case "", "debit", "credit":
		default:
			return nil, fmt.Errorf("rule %d: sign must be debit, credit or empty, got %q", i+1, r.Sign)
		}
	}
	return f.Rules, nil
}
