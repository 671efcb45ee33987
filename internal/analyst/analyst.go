// Package analyst is the triage stage: it subscribes to the alert topic,
// scores each alert's certainty and false-positive probability against the
// user's history and the environment, and turns confirmed threats into
// remediation playbooks.
package analyst

import (
	"context"
	"log/slog"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/selairgi/socagents/internal/bus"
	"github.com/selairgi/socagents/internal/config"
	"github.com/selairgi/socagents/internal/memory"
	"github.com/selairgi/socagents/internal/remediate"
	"github.com/selairgi/socagents/internal/soc"
)

// Scoring weights for the certainty computation.
const (
	weightPatternLegitimacy = 0.30
	weightUserBehavior      = 0.25
	weightContextAwareness  = 0.25
	weightThreatIndicators  = 0.20
)

const (
	enqueueRetries   = 5
	enqueueRetryBase = 200 * time.Millisecond
)

// Analyst consumes alerts and produces decisions and playbooks.
type Analyst struct {
	store         memory.Store
	bus           *bus.Bus
	queue         *remediate.Queue
	certaintyHigh float64
	fpHigh        float64
	environment   string
	logger        *slog.Logger
}

// New creates an Analyst.
func New(store memory.Store, b *bus.Bus, queue *remediate.Queue, cfg config.AnalystConfig, environment string, logger *slog.Logger) *Analyst {
	if logger == nil {
		logger = slog.Default()
	}
	certainty := cfg.CertaintyHigh
	if certainty <= 0 {
		certainty = 0.7
	}
	fp := cfg.FPHigh
	if fp <= 0 {
		fp = 0.7
	}
	return &Analyst{
		store:         store,
		bus:           b,
		queue:         queue,
		certaintyHigh: certainty,
		fpHigh:        fp,
		environment:   environment,
		logger:        logger.With("component", "analyst.Analyst"),
	}
}

// Run subscribes to the alert topic and processes alerts until the stream
// closes or the context is cancelled.
func (a *Analyst) Run(ctx context.Context) {
	alerts := a.bus.Subscribe(bus.TopicAlerts)
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-alerts:
			if !ok {
				return
			}
			alert, good := env.Payload.(*soc.Alert)
			if !good {
				a.logger.Warn("non-alert payload on alert topic, skipping")
				continue
			}
			a.Process(ctx, alert)
		}
	}
}

// Process scores one alert, persists the decision, and, for actionable
// decisions, builds and enqueues a playbook. It returns the decision and
// the playbook (nil for false positives).
func (a *Analyst) Process(ctx context.Context, alert *soc.Alert) (*soc.Decision, *soc.Playbook) {
	if err := validateAlert(alert); err != nil {
		a.logger.Warn("malformed alert skipped", "error", err)
		return nil, nil
	}

	decision := a.decide(ctx, alert)
	if err := a.store.StoreAlertDecision(ctx, decision); err != nil {
		a.logger.Error("decision persistence failed", "alert", alert.ID, "error", err)
	}
	a.bus.Publish(bus.TopicDecisions, decision)

	if decision.Decision == soc.DecisionFalsePositive {
		a.logger.Info("alert dismissed as false positive",
			"alert", alert.ID, "fp_probability", decision.FPProbability)
		if alert.UserID != "" {
			if err := a.store.RecordUserAlert(ctx, alert.UserID, true); err != nil {
				a.logger.Error("user history update failed", "user", alert.UserID, "error", err)
			}
		}
		// FP feedback: discount the matched pattern, or the rule when the
		// detection came from the rules engine.
		id, _ := alert.Evidence["matched_pattern_id"].(string)
		if id == "" {
			id = alert.RuleID
		}
		if id != "" {
			if err := a.store.UpdatePatternCounts(ctx, id, 0, 1); err != nil {
				a.logger.Error("pattern fp update failed", "pattern", id, "error", err)
			}
		}
		return decision, nil
	}

	pb := a.buildPlaybook(alert, decision)
	if pb == nil {
		return decision, nil
	}
	if err := a.store.UpsertPlaybook(ctx, pb); err != nil {
		a.logger.Error("playbook persistence failed", "playbook", pb.ID, "error", err)
	}
	a.enqueue(ctx, pb)
	return decision, pb
}

// decide computes the certainty score and the verdict.
func (a *Analyst) decide(ctx context.Context, alert *soc.Alert) *soc.Decision {
	var reasoning []string
	degraded := false

	patternScore := patternLegitimacy(alert)
	reasoning = append(reasoning, scoreLine("pattern_legitimacy", patternScore))

	userScore := 0.5
	if alert.UserID != "" {
		history, err := a.store.GetUserHistory(ctx, alert.UserID)
		if err != nil {
			degraded = true
			reasoning = append(reasoning, "user history unavailable, neutral default")
		} else {
			userScore = userBehaviorScore(history)
			reasoning = append(reasoning, scoreLine("user_behavior", userScore))
		}
	}

	env := a.alertEnvironment(alert)
	contextScore := contextAwareness(alert, env)
	reasoning = append(reasoning, scoreLine("context_awareness", contextScore))

	threatScore := threatIndicators(alert)
	reasoning = append(reasoning, scoreLine("threat_indicators", threatScore))

	certainty := weightPatternLegitimacy*patternScore +
		weightUserBehavior*userScore +
		weightContextAwareness*contextScore +
		weightThreatIndicators*threatScore
	fpProbability := 1 - certainty

	kind := soc.DecisionInvestigate
	switch {
	case certainty > a.certaintyHigh:
		kind = soc.DecisionAlert
	case fpProbability > a.fpHigh:
		kind = soc.DecisionFalsePositive
	}

	return &soc.Decision{
		AlertID:       alert.ID,
		Decision:      kind,
		Certainty:     certainty,
		FPProbability: fpProbability,
		Reasoning:     reasoning,
		Environment:   env,
		Degraded:      degraded,
		CreatedAt:     soc.Now(),
	}
}

// buildPlaybook maps the decision and severity to remediation actions,
// applying the environment guards.
func (a *Analyst) buildPlaybook(alert *soc.Alert, decision *soc.Decision) *soc.Playbook {
	env := decision.Environment
	relaxed := isRelaxedEnvironment(env, alert.SrcIP)
	regulated := env == "medical" || env == "financial"

	var actions []soc.Action

	if decision.Decision == soc.DecisionInvestigate {
		if alert.UserID != "" {
			actions = append(actions, soc.Action{
				Kind: soc.ActionFlagUser, Parameter: alert.UserID, RiskLevel: soc.SeverityMedium,
			})
		}
		if alert.SessionID != "" {
			actions = append(actions, soc.Action{
				Kind: soc.ActionEnhancedMonitor, Parameter: alert.SessionID, RiskLevel: soc.SeverityLow,
			})
		}
		if regulated {
			actions = append(actions, soc.Action{
				Kind: soc.ActionNotifyCompliance, Parameter: "alert " + alert.ID, RiskLevel: soc.SeverityLow,
			})
		}
	} else {
		switch alert.Severity {
		case soc.SeverityLow:
			actions = append(actions, soc.Action{
				Kind: soc.ActionMonitor, Parameter: firstNonEmpty(alert.SessionID, alert.UserID, alert.SrcIP),
				RiskLevel: soc.SeverityLow,
			})
		case soc.SeverityMedium:
			actions = append(actions, a.rateLimitAction(alert))
		case soc.SeverityHigh:
			actions = append(actions, a.rateLimitAction(alert))
			if alert.SessionID != "" {
				actions = append(actions, soc.Action{
					Kind: soc.ActionTerminateSession, Parameter: alert.SessionID,
					RiskLevel: soc.SeverityHigh, RequiresRealMode: true,
				})
			}
		case soc.SeverityCritical:
			if alert.SrcIP != "" {
				actions = append(actions, soc.Action{
					Kind: soc.ActionBlockIP, Parameter: alert.SrcIP,
					RiskLevel: soc.SeverityHigh, RequiresRealMode: true,
				})
			}
			if alert.SessionID != "" {
				actions = append(actions, soc.Action{
					Kind: soc.ActionTerminateSession, Parameter: alert.SessionID,
					RiskLevel: soc.SeverityHigh, RequiresRealMode: true,
				})
			}
			if alert.UserID != "" {
				actions = append(actions, soc.Action{
					Kind: soc.ActionSuspendUser, Parameter: alert.UserID,
					RiskLevel: soc.SeverityHigh, RequiresRealMode: true,
				})
			}
		}
	}

	// Relaxed environments (dev, lab, loopback, private ranges) downgrade
	// destructive actions to observation regardless of certainty.
	if relaxed {
		actions = downgradeDestructive(actions, alert)
	}

	if len(actions) == 0 {
		return nil
	}
	return &soc.Playbook{
		ID:            soc.NewID(soc.PlaybookIDPrefix),
		AlertID:       alert.ID,
		CreatedAt:     soc.Now(),
		Owner:         "soc_analyst",
		Justification: strings.Join(decision.Reasoning, "; "),
		Actions:       actions,
		Status:        soc.PlaybookPending,
	}
}

// enqueue pushes the playbook with retry on backpressure; if the queue
// stays full the playbook is left persisted as pending for the next idle
// consumer.
func (a *Analyst) enqueue(ctx context.Context, pb *soc.Playbook) {
	for attempt := 0; attempt < enqueueRetries; attempt++ {
		switch a.queue.Enqueue(pb) {
		case remediate.Accepted:
			return
		case remediate.Rejected:
			a.logger.Warn("remediation queue shut down, playbook parked as pending",
				"playbook", pb.ID)
			return
		case remediate.Backpressure:
		}
		if attempt == enqueueRetries-1 {
			break
		}
		backoff := enqueueRetryBase * (1 << attempt)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
	a.logger.Warn("remediation queue saturated, playbook parked as pending",
		"playbook", pb.ID)
}

func (a *Analyst) rateLimitAction(alert *soc.Alert) soc.Action {
	if alert.SrcIP != "" {
		return soc.Action{Kind: soc.ActionRateLimitIP, Parameter: alert.SrcIP, RiskLevel: soc.SeverityMedium}
	}
	return soc.Action{Kind: soc.ActionRateLimitUser, Parameter: alert.UserID, RiskLevel: soc.SeverityMedium}
}

func (a *Analyst) alertEnvironment(alert *soc.Alert) string {
	if env, ok := alert.Evidence["environment"].(string); ok && env != "" {
		return env
	}
	return a.environment
}

func validateAlert(alert *soc.Alert) error {
	switch {
	case alert.ID == "":
		return errMissing("id")
	case alert.Severity == "":
		return errMissing("severity")
	case alert.ThreatType == "":
		return errMissing("threat_type")
	case len(alert.Evidence) == 0:
		return errMissing("evidence")
	}
	return nil
}

type errMissing string

func (e errMissing) Error() string { return "alert missing " + string(e) }

// patternLegitimacy scores how trustworthy the matching pattern is.
func patternLegitimacy(alert *soc.Alert) float64 {
	switch alert.DetectionMethod() {
	case "semantic":
		if sim, ok := alert.Evidence["similarity_score"].(float64); ok {
			return sim
		}
		return 0.8
	case "conversational":
		return 0.85
	case "intelligent":
		if score, ok := alert.Evidence["llm_score"].(float64); ok {
			return score
		}
		return 0.75
	default: // rules
		return 0.7
	}
}

// userBehaviorScore weighs historical false positives against total alerts.
func userBehaviorScore(h *memory.UserHistory) float64 {
	if h == nil || h.TotalAlerts == 0 {
		return 0.5
	}
	fpRate := float64(h.FalsePositives) / float64(h.TotalAlerts)
	score := 0.5 + 0.4*(1-fpRate)
	if h.TotalAlerts >= 3 && fpRate < 0.2 {
		score += 0.1 // repeat offender with few dismissals
	}
	if score > 1 {
		score = 1
	}
	return score
}

// contextAwareness scores the surrounding environment: attacks against
// production or regulated deployments weigh more.
func contextAwareness(alert *soc.Alert, env string) float64 {
	switch env {
	case "medical", "financial":
		return 0.9
	case "production":
		return 0.8
	case "staging":
		return 0.6
	case "dev", "development", "lab", "test":
		return 0.4
	default:
		return 0.7
	}
}

// threatIndicators scores the specificity of the match.
func threatIndicators(alert *soc.Alert) float64 {
	score := 0.5
	if matches, ok := alert.Evidence["pattern_matches"].([]string); ok {
		score += 0.1 * float64(len(matches))
	}
	switch alert.Severity {
	case soc.SeverityCritical:
		score += 0.4
	case soc.SeverityHigh:
		score += 0.3
	case soc.SeverityMedium:
		score += 0.1
	}
	if score > 1 {
		score = 1
	}
	return score
}

// isRelaxedEnvironment reports whether destructive actions should be
// downgraded: explicit dev/lab environments, loopback sources, and RFC1918
// private sources.
func isRelaxedEnvironment(env, srcIP string) bool {
	switch env {
	case "dev", "development", "lab", "test":
		return true
	}
	if srcIP == "" {
		return false
	}
	addr, err := netip.ParseAddr(srcIP)
	if err != nil {
		return false
	}
	return addr.IsLoopback() || addr.IsPrivate()
}

// downgradeDestructive swaps destructive actions for observation in
// relaxed environments.
func downgradeDestructive(actions []soc.Action, alert *soc.Alert) []soc.Action {
	var out []soc.Action
	flagged := false
	monitored := false
	for _, a := range actions {
		if !a.Destructive() {
			out = append(out, a)
			continue
		}
		if !flagged && alert.UserID != "" {
			out = append(out, soc.Action{
				Kind: soc.ActionFlagUser, Parameter: alert.UserID, RiskLevel: soc.SeverityMedium,
			})
			flagged = true
		}
		if !monitored && alert.SessionID != "" {
			out = append(out, soc.Action{
				Kind: soc.ActionEnhancedMonitor, Parameter: alert.SessionID, RiskLevel: soc.SeverityLow,
			})
			monitored = true
		}
	}
	return out
}

func scoreLine(name string, score float64) string {
	return name + ": " + strconv.FormatFloat(score, 'f', 2, 64)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return "unknown"
}
