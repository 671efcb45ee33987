// Package soc defines the core domain types shared across the detection,
// analysis, and remediation pipeline: log entries, alerts, playbooks,
// detector patterns, and analyst decisions.
package soc

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Severity ranks how bad a threat is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns a numeric ordering for severities, higher is worse.
// Unknown severities rank below low.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// ThreatType classifies what kind of attack an alert describes.
type ThreatType string

const (
	ThreatPromptInjection    ThreatType = "prompt_injection"
	ThreatDataExfiltration   ThreatType = "data_exfiltration"
	ThreatSystemManipulation ThreatType = "system_manipulation"
	ThreatPrivacyViolation   ThreatType = "privacy_violation"
	ThreatRateLimitAbuse     ThreatType = "rate_limit_abuse"
	ThreatMaliciousInput     ThreatType = "malicious_input"
	ThreatSuspiciousBehavior ThreatType = "suspicious_behavior"
)

// LogEntry is a single observed event flowing through the chat service.
// Entries are created at ingress and never mutated.
type LogEntry struct {
	Timestamp int64             `json:"timestamp"` // epoch seconds UTC
	Source    string            `json:"source"`
	Message   string            `json:"message"`
	AgentID   string            `json:"agent_id,omitempty"`
	UserID    string            `json:"user_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	SrcIP     string            `json:"src_ip,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Environment returns the deployment environment recorded in metadata,
// defaulting to "production" when absent.
func (l *LogEntry) Environment() string {
	if env, ok := l.Metadata["environment"]; ok && env != "" {
		return env
	}
	return "production"
}

// Alert is the outcome of detection for a single LogEntry.
type Alert struct {
	ID          string                 `json:"id"`
	Timestamp   int64                  `json:"timestamp"`
	Severity    Severity               `json:"severity"`
	ThreatType  ThreatType             `json:"threat_type"`
	Title       string                 `json:"title"`
	Description string                 `json:"description,omitempty"`
	RuleID      string                 `json:"rule_id"`
	Evidence    map[string]interface{} `json:"evidence"`
	AgentID     string                 `json:"agent_id,omitempty"`
	UserID      string                 `json:"user_id,omitempty"`
	SessionID   string                 `json:"session_id,omitempty"`
	SrcIP       string                 `json:"src_ip,omitempty"`
}

// DetectionMethod returns which detector produced this alert, read from
// the evidence map.
func (a *Alert) DetectionMethod() string {
	if m, ok := a.Evidence["detection_method"].(string); ok {
		return m
	}
	return ""
}

// DecisionKind is the Analyst's verdict on an alert.
type DecisionKind string

const (
	DecisionAlert         DecisionKind = "alert"
	DecisionFalsePositive DecisionKind = "false_positive"
	DecisionInvestigate   DecisionKind = "investigate"
)

// Decision records the Analyst's assessment of an alert.
type Decision struct {
	AlertID       string       `json:"alert_id"`
	Decision      DecisionKind `json:"decision"`
	Certainty     float64      `json:"certainty"`
	FPProbability float64      `json:"fp_probability"`
	Reasoning     []string     `json:"reasoning,omitempty"`
	Environment   string       `json:"environment,omitempty"`
	Degraded      bool         `json:"degraded,omitempty"`
	CreatedAt     int64        `json:"created_at"`
}

// PatternKind distinguishes how a stored pattern is used by detectors.
type PatternKind string

const (
	PatternRule           PatternKind = "rule"
	PatternSemantic       PatternKind = "semantic"
	PatternConversational PatternKind = "conversational"
	PatternLearned        PatternKind = "learned"
)

// Pattern is a unit of stored detector knowledge.
type Pattern struct {
	ID                 string      `json:"id"`
	Text               string      `json:"text"`
	Kind               PatternKind `json:"kind"`
	ThreatType         ThreatType  `json:"threat_type"`
	Confidence         float64     `json:"confidence"`
	DetectionCount     int         `json:"detection_count"`
	FalsePositiveCount int         `json:"false_positive_count"`
	SourceAttackID     string      `json:"source_attack_id,omitempty"`
	Active             bool        `json:"active"`
	CreatedAt          int64       `json:"created_at"`
}

// EffectiveConfidence discounts the base confidence by the observed
// false-positive ratio.
func (p *Pattern) EffectiveConfidence() float64 {
	total := p.DetectionCount + p.FalsePositiveCount + 1
	return p.Confidence * float64(p.DetectionCount) / float64(total)
}

// MissedAttack is a threat the detectors failed to alert on, reported
// after the fact.
type MissedAttack struct {
	ID         string            `json:"id"`
	Message    string            `json:"message"`
	ThreatType ThreatType        `json:"threat_type"`
	Severity   Severity          `json:"severity"`
	Reporter   string            `json:"reporter"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Processed  bool              `json:"processed"`
	ReportedAt int64             `json:"reported_at"`
}

// PatternVariation is a derived form of a missed attack used to expand
// detector knowledge.
type PatternVariation struct {
	ID         string     `json:"id"`
	AttackID   string     `json:"attack_id"`
	Text       string     `json:"text"`
	Method     string     `json:"method"` // obfuscation, synonym, encoding, multi_step, ai_generated
	ThreatType ThreatType `json:"threat_type"`
	Confidence float64    `json:"confidence"`
	Keywords   []string   `json:"keywords,omitempty"`
	Active     bool       `json:"active"`
	CreatedAt  int64      `json:"created_at"`
}

// LearningMetrics aggregates the learning loop's progress.
type LearningMetrics struct {
	TotalMissed          int     `json:"total_missed"`
	PatternsLearned      int     `json:"patterns_learned"`
	VariationsGenerated  int     `json:"variations_generated"`
	DetectionImprovement float64 `json:"detection_improvement"`
	FalseNegativeRate    float64 `json:"false_negative_rate"`
	UpdatedAt            int64   `json:"updated_at"`
}

// Recompute derives the ratio metrics from the counters.
func (m *LearningMetrics) Recompute() {
	denom := m.TotalMissed
	if denom < 1 {
		denom = 1
	}
	m.DetectionImprovement = float64(m.PatternsLearned) / float64(denom)
	m.FalseNegativeRate = float64(m.TotalMissed-m.PatternsLearned) / float64(denom)
	if m.FalseNegativeRate < 0 {
		m.FalseNegativeRate = 0
	}
}

// ID prefixes keep entity ids recognizable in logs and the database.
const (
	AlertIDPrefix     = "alt_"
	PlaybookIDPrefix  = "pb_"
	AuditIDPrefix     = "aud_"
	AttackIDPrefix    = "atk_"
	VariationIDPrefix = "var_"
	PatternIDPrefix   = "pat_"
)

// NewID returns a fresh ULID with the given prefix.
func NewID(prefix string) string {
	return prefix + ulid.Make().String()
}

// Now returns the current time as epoch seconds UTC.
func Now() int64 {
	return time.Now().UTC().Unix()
}
