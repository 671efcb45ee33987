package detect

import (
	"context"
	"log/slog"
	"sync"

	"github.com/selairgi/socagents/internal/soc"
)

// ThreatAnalyzer is the LLM-backed scoring dependency.
type ThreatAnalyzer interface {
	AnalyzeThreat(ctx context.Context, message string) (*ThreatScore, error)
}

// ThreatScore is the analyzer's verdict for a single message.
type ThreatScore struct {
	DangerScore float64
	IntentType  string
	Reasoning   []string
}

// IntelligentDetector consults an LLM for a danger score. Provider errors
// and timeouts skip the detector rather than failing the pipeline.
type IntelligentDetector struct {
	analyzer ThreatAnalyzer
	logger   *slog.Logger

	mu       sync.Mutex
	lastErr  error
	analyzed int
	skipped  int
}

// NewIntelligentDetector creates the detector. analyzer may be nil, in
// which case the detector never fires.
func NewIntelligentDetector(analyzer ThreatAnalyzer, logger *slog.Logger) *IntelligentDetector {
	if logger == nil {
		logger = slog.Default()
	}
	return &IntelligentDetector{
		analyzer: analyzer,
		logger:   logger.With("component", "detect.IntelligentDetector"),
	}
}

func (d *IntelligentDetector) Name() string { return "intelligent" }

func (d *IntelligentDetector) Analyze(ctx context.Context, entry *soc.LogEntry) *soc.Alert {
	if d.analyzer == nil || entry.Message == "" {
		return nil
	}

	score, err := d.analyzer.AnalyzeThreat(ctx, entry.Message)
	d.mu.Lock()
	if err != nil {
		d.lastErr = err
		d.skipped++
	} else {
		d.lastErr = nil
		d.analyzed++
	}
	d.mu.Unlock()
	if err != nil {
		d.logger.Warn("llm analysis failed, skipping intelligent detector", "error", err)
		return nil
	}
	if score.DangerScore < 0.7 {
		return nil
	}

	severity := soc.SeverityMedium
	switch {
	case score.DangerScore >= 0.9:
		severity = soc.SeverityCritical
	case score.DangerScore >= 0.7:
		severity = soc.SeverityHigh
	}

	threatType := intentToThreatType(score.IntentType)
	return newAlert(entry, severity, threatType, "LLM_SCORE",
		"LLM flagged message as dangerous", map[string]interface{}{
			"detection_method": "intelligent",
			"llm_score":        score.DangerScore,
			"danger_score":     score.DangerScore,
			"intent_type":      score.IntentType,
			"reasoning":        score.Reasoning,
		})
}

func (d *IntelligentDetector) Health() Health {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := Health{Name: d.Name(), Healthy: d.analyzer != nil && d.lastErr == nil}
	if d.analyzer == nil {
		h.Detail = "no analyzer configured"
	} else if d.lastErr != nil {
		h.Detail = d.lastErr.Error()
	}
	return h
}

func intentToThreatType(intent string) soc.ThreatType {
	switch intent {
	case "prompt_injection":
		return soc.ThreatPromptInjection
	case "data_exfiltration":
		return soc.ThreatDataExfiltration
	case "system_manipulation":
		return soc.ThreatSystemManipulation
	case "policy_bypass":
		return soc.ThreatSystemManipulation
	default:
		return soc.ThreatSuspiciousBehavior
	}
}
