package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	v1 "github.com/kandev/orbital/pkg/api/v1"
)

// configFile is the on-disk shape of PolicyConfig.RulesPath.
type configFile struct {
	BlockedActions      []string `yaml:"blocked_actions"`
	AllowedApplications []string `yaml:"allowed_applications"`
	RateLimitPerMinute  int      `yaml:"rate_limit_per_minute"`
}

// LoadConfig reads a policy rule file from disk.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("policy: read rules file %s: %w", path, err)
	}

	var doc configFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Config{}, fmt.Errorf("policy: parse rules file %s: %w", path, err)
	}

	blocked := make([]v1.ActionKind, 0, len(doc.BlockedActions))
	for _, a := range doc.BlockedActions {
		blocked = append(blocked, v1.ActionKind(a))
	}

	return Config{
		BlockedActions:      blocked,
		AllowedApplications: doc.AllowedApplications,
		RateLimitPerMinute:  doc.RateLimitPerMinute,
	}, nil
}
