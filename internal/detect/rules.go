package detect

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/selairgi/socagents/internal/soc"
)

// Rule is a single keyword/regex detection rule.
type Rule struct {
	ID          string
	Patterns    []*regexp.Regexp
	ThreatType  soc.ThreatType
	Severity    soc.Severity
	MinHits     int
	Title       string
	Environment string // restrict to this environment when non-empty
	Source      string // restrict to this log source when non-empty
}

// RulesDetector matches log messages against a catalogue of keyword and
// regex rules. It is the lowest-priority detector but the cheapest, and it
// absorbs learned pattern variations as literal keyword rules.
type RulesDetector struct {
	mu     sync.RWMutex
	rules  []*Rule
	logger *slog.Logger
}

// NewRulesDetector creates the detector with the built-in rule catalogue.
func NewRulesDetector(logger *slog.Logger) *RulesDetector {
	if logger == nil {
		logger = slog.Default()
	}
	d := &RulesDetector{
		logger: logger.With("component", "detect.RulesDetector"),
	}
	d.rules = builtinRules()
	return d
}

func (d *RulesDetector) Name() string { return "rules" }

// Analyze checks the message against every rule; the first rule reaching
// its minimum hit count produces the alert.
func (d *RulesDetector) Analyze(ctx context.Context, entry *soc.LogEntry) *soc.Alert {
	if entry.Message == "" {
		return nil
	}

	d.mu.RLock()
	rules := d.rules
	d.mu.RUnlock()

	msg := strings.ToLower(entry.Message)

	for _, r := range rules {
		if r.Environment != "" && r.Environment != entry.Environment() {
			continue
		}
		if r.Source != "" && r.Source != entry.Source {
			continue
		}

		var matched []string
		for _, p := range r.Patterns {
			if hit := p.FindString(msg); hit != "" {
				matched = append(matched, hit)
			}
		}
		minHits := r.MinHits
		if minHits < 1 {
			minHits = 1
		}
		if len(matched) < minHits {
			continue
		}

		return newAlert(entry, r.Severity, r.ThreatType, r.ID, r.Title, map[string]interface{}{
			"detection_method": "rules",
			"pattern_matches":  matched,
			"rule_id":          r.ID,
		})
	}
	return nil
}

// Learn adds a literal keyword rule derived from a learned variation.
func (d *RulesDetector) Learn(text string, threatType soc.ThreatType) error {
	text = strings.TrimSpace(strings.ToLower(text))
	if text == "" {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, r := range d.rules {
		for _, p := range r.Patterns {
			if p.String() == regexp.QuoteMeta(text) {
				return nil
			}
		}
	}

	d.rules = append(d.rules, &Rule{
		ID:         "LEARNED_" + soc.NewID(""),
		Patterns:   []*regexp.Regexp{regexp.MustCompile(regexp.QuoteMeta(text))},
		ThreatType: threatType,
		Severity:   soc.SeverityHigh,
		Title:      "Learned attack variation matched",
	})
	d.logger.Info("learned rule added", "threat_type", threatType, "text_len", len(text))
	return nil
}

// AddRule installs a rule at runtime, replacing any rule with the same ID.
func (d *RulesDetector) AddRule(r *Rule) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, existing := range d.rules {
		if existing.ID == r.ID {
			d.rules[i] = r
			return
		}
	}
	d.rules = append(d.rules, r)
}

func (d *RulesDetector) Health() Health {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return Health{Name: d.Name(), Healthy: true, PatternsTotal: len(d.rules)}
}

func mustRules(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, e := range exprs {
		out = append(out, regexp.MustCompile(e))
	}
	return out
}

// builtinRules is the seed catalogue. All patterns match against the
// lowercased message.
func builtinRules() []*Rule {
	return []*Rule{
		{
			ID: "PROMPT_INJ_001",
			Patterns: mustRules(
				`ignore\s+(all\s+)?(previous|prior|above|earlier)\s+(instructions|prompts|rules|context)`,
				`disregard\s+(all\s+)?(previous|prior|your)\s+(instructions|training|rules)`,
				`forget\s+(everything|all|your)\s+(instructions|rules|you know)`,
			),
			ThreatType: soc.ThreatPromptInjection,
			Severity:   soc.SeverityHigh,
			Title:      "Instruction override attempt",
		},
		{
			ID: "PROMPT_INJ_002",
			Patterns: mustRules(
				`you\s+are\s+(now|no longer)\s+`,
				`act\s+as\s+(if\s+you\s+(are|were)|a)\s+`,
				`pretend\s+(to\s+be|you\s+are)`,
				`(enable|activate|enter)\s+(dan|developer|jailbreak|god)\s*mode`,
				`new\s+persona`,
			),
			ThreatType: soc.ThreatPromptInjection,
			Severity:   soc.SeverityHigh,
			Title:      "Role redefinition attempt",
		},
		{
			ID: "PROMPT_INJ_003",
			Patterns: mustRules(
				`(reveal|show|print|display|repeat)\s+(your|the)\s+(system\s+prompt|initial\s+instructions|hidden\s+rules)`,
				`what\s+(is|are)\s+your\s+(system\s+prompt|original\s+instructions)`,
			),
			ThreatType: soc.ThreatPromptInjection,
			Severity:   soc.SeverityMedium,
			Title:      "System prompt extraction attempt",
		},
		{
			ID: "DATA_EXF_001",
			Patterns: mustRules(
				`(print|output|leak|reveal|exfiltrate|dump)\s+.{0,30}(flag|secret|password|credential|api[_\s]?key|token)`,
				`(flag|secret|password)\s*.{0,20}(character\s+by\s+character|letter\s+by\s+letter|one\s+at\s+a\s+time)`,
				`base64\s*.{0,20}(flag|secret|credential)`,
			),
			ThreatType: soc.ThreatDataExfiltration,
			Severity:   soc.SeverityCritical,
			Title:      "Secret exfiltration attempt",
		},
		{
			ID: "DATA_EXF_002",
			Patterns: mustRules(
				`(list|show|dump)\s+(all\s+)?(users|customers|accounts|records|emails)\b`,
				`select\s+\*\s+from`,
			),
			ThreatType: soc.ThreatDataExfiltration,
			Severity:   soc.SeverityHigh,
			Title:      "Bulk data extraction attempt",
		},
		{
			ID: "SYS_MAN_001",
			Patterns: mustRules(
				`(execute|run|eval)\s+(this\s+)?(command|shell|script|code)`,
				`rm\s+-rf`,
				`(curl|wget)\s+http`,
				`sudo\s+`,
				`os\.system|subprocess\.`,
			),
			ThreatType: soc.ThreatSystemManipulation,
			Severity:   soc.SeverityCritical,
			Title:      "System command injection attempt",
		},
		{
			ID: "SYS_MAN_002",
			Patterns: mustRules(
				`(disable|turn\s+off|bypass)\s+.{0,20}(safety|filter|guardrail|moderation|security)`,
				`without\s+(any\s+)?(restrictions|limits|filters|censorship)`,
			),
			ThreatType: soc.ThreatSystemManipulation,
			Severity:   soc.SeverityHigh,
			Title:      "Safety bypass attempt",
		},
		{
			ID: "PRIV_001",
			Patterns: mustRules(
				`(ssn|social\s+security\s+number)\s*[:#]?\s*\d{3}`,
				`(home\s+address|phone\s+number|date\s+of\s+birth)\s+of\s+`,
			),
			ThreatType: soc.ThreatPrivacyViolation,
			Severity:   soc.SeverityHigh,
			Title:      "Personal data probing",
		},
		{
			ID: "MED_001",
			Patterns: mustRules(
				`(prescribe|dosage|diagnos\w+)\s+.{0,40}(without|skip)\s+.{0,20}(doctor|physician|consult)`,
				`(lethal|overdose)\s+(dose|amount)\s+of`,
			),
			ThreatType: soc.ThreatMaliciousInput,
			Severity:   soc.SeverityHigh,
			Title:      "Unsafe medical request",
		},
		{
			ID: "FIN_001",
			Patterns: mustRules(
				`(transfer|wire|move)\s+.{0,20}(funds|money)\s+.{0,30}(without|bypass)\s+.{0,20}(approval|authorization|verification)`,
				`(fake|forge|falsify)\s+.{0,20}(invoice|transaction|statement)`,
			),
			ThreatType: soc.ThreatMaliciousInput,
			Severity:   soc.SeverityHigh,
			Title:      "Unsafe financial request",
		},
		{
			ID: "RATE_001",
			Patterns: mustRules(
				`\{\{.*\}\}|\$\{.*\}`,
				`<\s*script\b`,
			),
			ThreatType: soc.ThreatMaliciousInput,
			Severity:   soc.SeverityMedium,
			Title:      "Template/script injection markers",
		},
	}
}
