package approval

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/selairgi/socagents/internal/audit"
	"github.com/selairgi/socagents/internal/memory"
	"github.com/selairgi/socagents/internal/soc"
)

func newTestWorkflow(t *testing.T) (*Workflow, memory.Store, *audit.Chain) {
	t.Helper()
	ctx := context.Background()

	store, err := memory.NewSQLiteStore(filepath.Join(t.TempDir(), "appr.db"), 2, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	chain, err := audit.NewChain(ctx, store, []byte("test-key"), nil)
	if err != nil {
		t.Fatalf("new chain: %v", err)
	}

	caps := StaticCapabilities{
		"alice": {CapabilityApprover},
		"bob":   {"viewer"},
	}
	w := NewWorkflow(store, chain, caps, nil, 24*time.Hour, nil)
	return w, store, chain
}

func newPlaybook() *soc.Playbook {
	return &soc.Playbook{
		ID:        soc.NewID(soc.PlaybookIDPrefix),
		AlertID:   soc.NewID(soc.AlertIDPrefix),
		CreatedAt: soc.Now(),
		Owner:     "soc_analyst",
		Actions: []soc.Action{
			{Kind: soc.ActionBlockIP, Parameter: "203.0.113.50", RiskLevel: soc.SeverityHigh, RequiresRealMode: true},
			{Kind: soc.ActionTerminateSession, Parameter: "sess-7", RiskLevel: soc.SeverityHigh, RequiresRealMode: true},
		},
		Status: soc.PlaybookPending,
	}
}

func TestWorkflow_CreateMovesToDryRun(t *testing.T) {
	w, store, _ := newTestWorkflow(t)
	ctx := context.Background()

	pb := newPlaybook()
	if err := w.Create(ctx, pb); err != nil {
		t.Fatalf("create: %v", err)
	}
	if pb.Status != soc.PlaybookDryRun {
		t.Errorf("status = %q, want dry_run", pb.Status)
	}

	got, err := store.GetPlaybook(ctx, pb.ID)
	if err != nil || got == nil {
		t.Fatalf("playbook not persisted: %v", err)
	}
}

func TestWorkflow_DryRunSimulation(t *testing.T) {
	w, _, _ := newTestWorkflow(t)
	ctx := context.Background()

	pb := newPlaybook()
	if err := w.Create(ctx, pb); err != nil {
		t.Fatalf("create: %v", err)
	}

	result, err := w.ExecuteDryRun(ctx, pb.ID)
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if !result.Valid {
		t.Errorf("simulation invalid: %+v", result.Actions)
	}
	if len(result.Actions) != 2 {
		t.Errorf("simulated %d actions, want 2", len(result.Actions))
	}
	if result.BlastRadius[soc.ActionBlockIP] != 1 {
		t.Errorf("blast radius = %v, want one block_ip", result.BlastRadius)
	}
}

func TestWorkflow_ApproveRequiresCapability(t *testing.T) {
	w, _, _ := newTestWorkflow(t)
	ctx := context.Background()

	pb := newPlaybook()
	if err := w.Create(ctx, pb); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := w.RequestApproval(ctx, pb, "production rule"); err != nil {
		t.Fatalf("request approval: %v", err)
	}

	if err := w.Approve(ctx, pb.ID, "bob"); err == nil {
		t.Fatal("bob has no approver capability, approve must fail")
	}
	if err := w.Approve(ctx, pb.ID, "alice"); err != nil {
		t.Fatalf("alice approve: %v", err)
	}

	got, _ := w.store.GetPlaybook(ctx, pb.ID)
	if got.Status != soc.PlaybookApproved {
		t.Errorf("status = %q, want approved", got.Status)
	}
	if got.ApprovedBy != "alice" || got.Signature == "" {
		t.Errorf("approval not signed: by=%q sig=%q", got.ApprovedBy, got.Signature)
	}
}

func TestWorkflow_HaltedChainBlocksApprovals(t *testing.T) {
	w, store, chain := newTestWorkflow(t)
	ctx := context.Background()

	pb := newPlaybook()
	if err := w.Create(ctx, pb); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := w.RequestApproval(ctx, pb, "test"); err != nil {
		t.Fatalf("request approval: %v", err)
	}

	// Corrupt the chain, verify to latch halted.
	recs, _ := store.ListAudit(ctx, 0, 0)
	sqlStore := store.(*memory.SQLiteStore)
	if err := sqlStore.TamperAuditPayloadForTest(ctx, recs[0].ID, `{"x":1}`); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	if valid, _, err := chain.Verify(ctx); err != nil || valid {
		t.Fatalf("verify should fail: valid=%t err=%v", valid, err)
	}

	if err := w.Approve(ctx, pb.ID, "alice"); err == nil {
		t.Fatal("halted chain must block approvals")
	}

	if err := chain.Acknowledge(ctx, "operator"); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if err := w.Approve(ctx, pb.ID, "alice"); err != nil {
		t.Fatalf("approve after acknowledgement: %v", err)
	}
}

type recordingNotifier struct {
	playbooks []string
	alerts    []*soc.Alert
	reasons   []string
}

func (r *recordingNotifier) ApprovalRequired(pb *soc.Playbook, alert *soc.Alert, reason string) {
	r.playbooks = append(r.playbooks, pb.ID)
	r.alerts = append(r.alerts, alert)
	r.reasons = append(r.reasons, reason)
}

func TestWorkflow_RequestApprovalNotifies(t *testing.T) {
	w, store, _ := newTestWorkflow(t)
	ctx := context.Background()

	n := &recordingNotifier{}
	w.SetNotifier(n)

	pb := newPlaybook()
	alert := &soc.Alert{
		ID:         pb.AlertID,
		Timestamp:  soc.Now(),
		Severity:   soc.SeverityHigh,
		ThreatType: soc.ThreatDataExfiltration,
		Title:      "exfiltration attempt",
		UserID:     "u9",
		SessionID:  "s9",
		Evidence:   map[string]interface{}{"detection_method": "rules"},
	}
	if err := store.StoreAlert(ctx, alert); err != nil {
		t.Fatalf("store alert: %v", err)
	}
	if err := w.Create(ctx, pb); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := w.RequestApproval(ctx, pb, "destructive action"); err != nil {
		t.Fatalf("request approval: %v", err)
	}

	if len(n.playbooks) != 1 || n.playbooks[0] != pb.ID {
		t.Fatalf("notified playbooks = %v", n.playbooks)
	}
	if n.alerts[0] == nil || n.alerts[0].UserID != "u9" {
		t.Errorf("notification alert = %+v", n.alerts[0])
	}
	if n.reasons[0] != "destructive action" {
		t.Errorf("reason = %q", n.reasons[0])
	}
}

func TestWorkflow_RejectAndExpire(t *testing.T) {
	w, _, _ := newTestWorkflow(t)
	ctx := context.Background()

	rejected := newPlaybook()
	if err := w.Create(ctx, rejected); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := w.Reject(ctx, rejected.ID, "alice", "not warranted"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	got, _ := w.store.GetPlaybook(ctx, rejected.ID)
	if got.Status != soc.PlaybookRejected {
		t.Errorf("status = %q, want rejected", got.Status)
	}

	overdue := newPlaybook()
	if err := w.Create(ctx, overdue); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := w.RequestApproval(ctx, overdue, "test"); err != nil {
		t.Fatalf("request approval: %v", err)
	}

	w.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
	n, err := w.ExpireDue(ctx)
	if err != nil {
		t.Fatalf("expire due: %v", err)
	}
	if n != 1 {
		t.Errorf("expired %d playbooks, want 1", n)
	}
	got, _ = w.store.GetPlaybook(ctx, overdue.ID)
	if got.Status != soc.PlaybookExpired {
		t.Errorf("status = %q, want expired", got.Status)
	}

	// Approving an expired playbook fails.
	if err := w.Approve(ctx, overdue.ID, "alice"); err == nil {
		t.Fatal("approving an expired playbook must fail")
	}
}
