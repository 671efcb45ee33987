// Package detect implements the four threat detectors and the fusion logic
// that composes them into a single analyze step. Detectors run in priority
// order (semantic, conversational, intelligent, rules); the first to produce
// an alert wins, and duplicate alerts for the same user and message are
// suppressed within a short window.
package detect

import (
	"context"

	"github.com/selairgi/socagents/internal/soc"
)

// Detector analyzes one log entry and returns an alert or nil.
type Detector interface {
	Name() string
	Analyze(ctx context.Context, entry *soc.LogEntry) *soc.Alert
	Health() Health
}

// Learner is implemented by detectors that can absorb new patterns at
// runtime.
type Learner interface {
	Learn(text string, threatType soc.ThreatType) error
}

// Health describes a detector's operational state.
type Health struct {
	Name          string `json:"name"`
	Healthy       bool   `json:"healthy"`
	PatternsTotal int    `json:"patterns_total"`
	Detail        string `json:"detail,omitempty"`
}

func newAlert(entry *soc.LogEntry, severity soc.Severity, threatType soc.ThreatType, ruleID, title string, evidence map[string]interface{}) *soc.Alert {
	return &soc.Alert{
		ID:         soc.NewID(soc.AlertIDPrefix),
		Timestamp:  soc.Now(),
		Severity:   severity,
		ThreatType: threatType,
		Title:      title,
		RuleID:     ruleID,
		Evidence:   evidence,
		AgentID:    entry.AgentID,
		UserID:     entry.UserID,
		SessionID:  entry.SessionID,
		SrcIP:      entry.SrcIP,
	}
}
