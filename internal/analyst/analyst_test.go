package analyst

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/selairgi/socagents/internal/bus"
	"github.com/selairgi/socagents/internal/config"
	"github.com/selairgi/socagents/internal/memory"
	"github.com/selairgi/socagents/internal/remediate"
	"github.com/selairgi/socagents/internal/soc"
)

func newTestAnalyst(t *testing.T, env string) (*Analyst, *remediate.Queue, memory.Store) {
	t.Helper()
	ctx := context.Background()

	store, err := memory.NewSQLiteStore(filepath.Join(t.TempDir(), "an.db"), 2, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	b := bus.New(16, 100*time.Millisecond, nil)
	t.Cleanup(b.Close)

	queue := remediate.NewQueue(8)
	a := New(store, b, queue, config.AnalystConfig{CertaintyHigh: 0.7, FPHigh: 0.7}, env, nil)
	return a, queue, store
}

func criticalAlert() *soc.Alert {
	return &soc.Alert{
		ID:         soc.NewID(soc.AlertIDPrefix),
		Timestamp:  soc.Now(),
		Severity:   soc.SeverityCritical,
		ThreatType: soc.ThreatDataExfiltration,
		Title:      "Secret exfiltration attempt",
		RuleID:     "DATA_EXF_001",
		Evidence: map[string]interface{}{
			"detection_method": "rules",
			"pattern_matches":  []string{"print the flag character by character"},
		},
		UserID:    "attacker-7",
		SessionID: "sess-42",
		SrcIP:     "203.0.113.10",
	}
}

func TestAnalyst_CriticalAlertBuildsFullPlaybook(t *testing.T) {
	a, queue, _ := newTestAnalyst(t, "production")
	ctx := context.Background()

	decision, pb := a.Process(ctx, criticalAlert())
	if decision == nil {
		t.Fatal("expected decision")
	}
	if decision.Decision != soc.DecisionAlert {
		t.Fatalf("decision = %q (certainty %v), want alert", decision.Decision, decision.Certainty)
	}
	if pb == nil {
		t.Fatal("expected playbook")
	}

	kinds := map[soc.ActionKind]bool{}
	for _, act := range pb.Actions {
		kinds[act.Kind] = true
	}
	for _, want := range []soc.ActionKind{
		soc.ActionBlockIP, soc.ActionTerminateSession, soc.ActionSuspendUser,
	} {
		if !kinds[want] {
			t.Errorf("playbook missing %s: %+v", want, pb.Actions)
		}
	}

	if queue.Len() != 1 {
		t.Errorf("queue length = %d, want 1", queue.Len())
	}
}

func TestAnalyst_LoopbackSourceDowngradesDestructive(t *testing.T) {
	a, _, _ := newTestAnalyst(t, "production")
	ctx := context.Background()

	alert := criticalAlert()
	alert.SrcIP = "127.0.0.1"

	_, pb := a.Process(ctx, alert)
	if pb == nil {
		t.Fatal("expected playbook")
	}
	for _, act := range pb.Actions {
		if act.Destructive() {
			t.Errorf("destructive action %s survived loopback downgrade", act.Kind)
		}
	}
}

func TestAnalyst_DevEnvironmentDowngrades(t *testing.T) {
	a, _, _ := newTestAnalyst(t, "dev")
	ctx := context.Background()

	_, pb := a.Process(ctx, criticalAlert())
	if pb == nil {
		t.Fatal("expected playbook")
	}
	for _, act := range pb.Actions {
		if act.Destructive() {
			t.Errorf("destructive action %s survived dev downgrade", act.Kind)
		}
	}
}

func TestAnalyst_DevelopmentEnvironmentDowngrades(t *testing.T) {
	a, _, _ := newTestAnalyst(t, "development")
	ctx := context.Background()

	// Public source IP: only the environment name triggers the downgrade.
	alert := criticalAlert()
	alert.SrcIP = "198.51.100.9"

	_, pb := a.Process(ctx, alert)
	if pb == nil {
		t.Fatal("expected playbook")
	}
	for _, act := range pb.Actions {
		if act.Destructive() {
			t.Errorf("destructive action %s survived development downgrade", act.Kind)
		}
	}
}

func TestAnalyst_MalformedAlertSkipped(t *testing.T) {
	a, queue, _ := newTestAnalyst(t, "production")
	ctx := context.Background()

	decision, pb := a.Process(ctx, &soc.Alert{ID: "x"})
	if decision != nil || pb != nil {
		t.Fatal("malformed alert must be skipped entirely")
	}
	if queue.Len() != 0 {
		t.Errorf("queue length = %d, want 0", queue.Len())
	}
}

func TestAnalyst_DecisionThresholds(t *testing.T) {
	a, _, _ := newTestAnalyst(t, "dev")
	ctx := context.Background()

	// Low-severity rules match in dev scores low: investigate territory.
	alert := criticalAlert()
	alert.Severity = soc.SeverityLow
	alert.SrcIP = ""
	alert.Evidence = map[string]interface{}{"detection_method": "rules"}

	decision, _ := a.Process(ctx, alert)
	if decision == nil {
		t.Fatal("expected decision")
	}
	if decision.Decision == soc.DecisionAlert {
		t.Errorf("low-signal dev alert decided %q with certainty %v, want not alert",
			decision.Decision, decision.Certainty)
	}
	if decision.Certainty > 0.7 {
		t.Errorf("certainty = %v, expected <= 0.7 for weak signals", decision.Certainty)
	}
}

func TestAnalyst_RuleFalsePositiveFeedsPatternCounts(t *testing.T) {
	ctx := context.Background()
	store, err := memory.NewSQLiteStore(filepath.Join(t.TempDir(), "an.db"), 2, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	b := bus.New(16, 100*time.Millisecond, nil)
	t.Cleanup(b.Close)

	// Low FP threshold so a weak dev-environment rules match dismisses.
	a := New(store, b, remediate.NewQueue(8),
		config.AnalystConfig{CertaintyHigh: 0.9, FPHigh: 0.4}, "dev", nil)

	if err := store.StorePattern(ctx, &soc.Pattern{
		ID:         "DATA_EXF_001",
		Kind:       soc.PatternRule,
		ThreatType: soc.ThreatDataExfiltration,
		Confidence: 1.0,
		Active:     true,
		CreatedAt:  soc.Now(),
	}); err != nil {
		t.Fatalf("seed pattern: %v", err)
	}

	alert := criticalAlert()
	alert.Severity = soc.SeverityLow
	alert.SrcIP = ""
	alert.Evidence = map[string]interface{}{"detection_method": "rules"}

	decision, _ := a.Process(ctx, alert)
	if decision == nil || decision.Decision != soc.DecisionFalsePositive {
		t.Fatalf("decision = %+v, want false_positive", decision)
	}

	patterns, err := store.GetPatterns(ctx, soc.PatternRule)
	if err != nil {
		t.Fatalf("get patterns: %v", err)
	}
	for _, p := range patterns {
		if p.ID == alert.RuleID {
			if p.FalsePositiveCount != 1 {
				t.Errorf("false_positive_count = %d, want 1", p.FalsePositiveCount)
			}
			return
		}
	}
	t.Fatalf("no pattern row for rule %s", alert.RuleID)
}

func TestAnalyst_DegradedOnHistoryFailure(t *testing.T) {
	a, _, store := newTestAnalyst(t, "production")
	ctx := context.Background()

	// Closing the store makes history reads fail; the analyst must still
	// produce a decision, marked degraded.
	_ = store.Close()
	decision, _ := a.Process(ctx, criticalAlert())
	if decision == nil {
		t.Fatal("expected decision despite store failure")
	}
	if !decision.Degraded {
		t.Error("decision should be marked degraded")
	}
}

func TestAnalyst_EnqueueBackpressureParksPending(t *testing.T) {
	a, queue, store := newTestAnalyst(t, "production")
	ctx := context.Background()

	// Fill the queue.
	for i := 0; i < 8; i++ {
		queue.Enqueue(&soc.Playbook{ID: soc.NewID(soc.PlaybookIDPrefix)})
	}

	_, pb := a.Process(ctx, criticalAlert())
	if pb == nil {
		t.Fatal("expected playbook")
	}
	// Parked, not enqueued.
	if queue.Len() != 8 {
		t.Errorf("queue length = %d, want 8", queue.Len())
	}
	got, err := store.GetPlaybook(ctx, pb.ID)
	if err != nil || got == nil {
		t.Fatalf("parked playbook not persisted: %v", err)
	}
	if got.Status != soc.PlaybookPending {
		t.Errorf("status = %q, want pending", got.Status)
	}
}
