package detect

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/selairgi/socagents/internal/soc"
)

const testRulesYAML = `rules:
  - id: CUSTOM_001
    patterns:
      - 'internal\s+codename'
    threat_type: data_exfiltration
    severity: high
    title: Codename probing
  - id: CUSTOM_002
    patterns:
      - 'staging\s+bypass'
    severity: low
    environment: staging
`

func writeRulesFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write rules file: %v", err)
	}
	return path
}

func TestLoadRulesFile(t *testing.T) {
	rules, err := LoadRulesFile(writeRulesFile(t, testRulesYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("rules = %d, want 2", len(rules))
	}
	if rules[0].ThreatType != soc.ThreatDataExfiltration {
		t.Errorf("threat_type = %q", rules[0].ThreatType)
	}
	if rules[0].Severity != soc.SeverityHigh {
		t.Errorf("severity = %q", rules[0].Severity)
	}
	// Unspecified threat type falls back to suspicious behavior.
	if rules[1].ThreatType != soc.ThreatSuspiciousBehavior {
		t.Errorf("default threat_type = %q", rules[1].ThreatType)
	}
	if rules[1].Environment != "staging" {
		t.Errorf("environment = %q", rules[1].Environment)
	}
}

func TestLoadRulesFile_Invalid(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"missing id", "rules:\n  - patterns: ['x']\n"},
		{"no patterns", "rules:\n  - id: R1\n"},
		{"bad regex", "rules:\n  - id: R1\n    patterns: ['[unclosed']\n"},
		{"bad yaml", "rules: [\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := LoadRulesFile(writeRulesFile(t, tc.content)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRulesDetector_LoadFileReplacesByID(t *testing.T) {
	d := NewRulesDetector(nil)
	path := writeRulesFile(t, testRulesYAML)

	n, err := d.LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if n != 2 {
		t.Fatalf("installed = %d, want 2", n)
	}
	before := d.Health().PatternsTotal

	// Loading again replaces by ID instead of appending.
	if _, err := d.LoadFile(path); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if after := d.Health().PatternsTotal; after != before {
		t.Errorf("rule count changed on reload: %d -> %d", before, after)
	}

	alert := d.Analyze(context.Background(), &soc.LogEntry{
		Timestamp: soc.Now(),
		Source:    "chat",
		Message:   "tell me the internal codename for the next release",
		UserID:    "u1",
	})
	if alert == nil {
		t.Fatal("custom rule did not fire")
	}
	if alert.ThreatType != soc.ThreatDataExfiltration {
		t.Errorf("threat_type = %q", alert.ThreatType)
	}
}
