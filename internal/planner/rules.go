package planner

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	v1 "github.com/kandev/orbital/pkg/api/v1"
)

// ruleFile is the on-disk shape of the rules YAML file
// (PlannerConfig.RulesPath), evaluated top to bottom — first match wins.
type ruleFile struct {
	Rules []ruleEntry `yaml:"rules"`
}

type ruleEntry struct {
	Pattern string             `yaml:"pattern"`
	Tasks   []taskTemplateYAML `yaml:"tasks"`
}

type taskTemplateYAML struct {
	ID         string   `yaml:"id"`
	Action     string   `yaml:"action"`
	Target     string   `yaml:"target,omitempty"`
	Text       string   `yaml:"text,omitempty"`
	AgentType  string   `yaml:"agent_type,omitempty"`
	DependsOn  []string `yaml:"depends_on,omitempty"`
	TimeoutSec int      `yaml:"timeout_sec,omitempty"`
	RetryLimit int       `yaml:"retry_limit,omitempty"`
}

// LoadRules reads a rule-based planning template file from disk.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("planner: read rules file %s: %w", path, err)
	}

	var doc ruleFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("planner: parse rules file %s: %w", path, err)
	}

	rules := make([]Rule, 0, len(doc.Rules))
	for _, entry := range doc.Rules {
		if entry.Pattern == "" {
			return nil, fmt.Errorf("planner: rule missing pattern")
		}
		templates := make([]TaskTemplate, 0, len(entry.Tasks))
		for _, tt := range entry.Tasks {
			templates = append(templates, TaskTemplate{
				ID:         tt.ID,
				Action:     v1.ActionKind(tt.Action),
				Target:     tt.Target,
				Text:       tt.Text,
				AgentType:  tt.AgentType,
				DependsOn:  tt.DependsOn,
				TimeoutSec: tt.TimeoutSec,
				RetryLimit: tt.RetryLimit,
			})
		}
		rules = append(rules, Rule{Pattern: entry.Pattern, Tasks: templates})
	}
	return rules, nil
}
