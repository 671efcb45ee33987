package detect

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/selairgi/socagents/internal/soc"
)

// ruleFile is the YAML schema for operator-supplied detection rules.
type ruleFile struct {
	Rules []ruleSpec `yaml:"rules"`
}

type ruleSpec struct {
	ID          string   `yaml:"id"`
	Patterns    []string `yaml:"patterns"`
	ThreatType  string   `yaml:"threat_type"`
	Severity    string   `yaml:"severity"`
	MinHits     int      `yaml:"min_hits"`
	Title       string   `yaml:"title"`
	Environment string   `yaml:"environment"`
	Source      string   `yaml:"source"`
}

// LoadRulesFile parses a YAML rules file into compiled rules. Patterns
// are regular expressions matched against the lowercased message.
func LoadRulesFile(path string) ([]*Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}

	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse rules file %s: %w", path, err)
	}

	rules := make([]*Rule, 0, len(file.Rules))
	for i, spec := range file.Rules {
		if spec.ID == "" {
			return nil, fmt.Errorf("rules file %s: rule %d has no id", path, i)
		}
		if len(spec.Patterns) == 0 {
			return nil, fmt.Errorf("rules file %s: rule %s has no patterns", path, spec.ID)
		}
		patterns := make([]*regexp.Regexp, 0, len(spec.Patterns))
		for _, p := range spec.Patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("rules file %s: rule %s pattern %q: %w", path, spec.ID, p, err)
			}
			patterns = append(patterns, re)
		}

		severity := soc.Severity(spec.Severity)
		if severity == "" {
			severity = soc.SeverityMedium
		}
		threatType := soc.ThreatType(spec.ThreatType)
		if threatType == "" {
			threatType = soc.ThreatSuspiciousBehavior
		}

		rules = append(rules, &Rule{
			ID:          spec.ID,
			Patterns:    patterns,
			ThreatType:  threatType,
			Severity:    severity,
			MinHits:     spec.MinHits,
			Title:       spec.Title,
			Environment: spec.Environment,
			Source:      spec.Source,
		})
	}
	return rules, nil
}

// LoadFile installs every rule from a YAML rules file, replacing rules
// with matching IDs. Returns the number of rules installed.
func (d *RulesDetector) LoadFile(path string) (int, error) {
	rules, err := LoadRulesFile(path)
	if err != nil {
		return 0, err
	}
	for _, r := range rules {
		d.AddRule(r)
	}
	d.logger.Info("rules file loaded", "path", path, "rules", len(rules))
	return len(rules), nil
}
