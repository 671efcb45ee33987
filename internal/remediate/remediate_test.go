package remediate

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/selairgi/socagents/internal/audit"
	"github.com/selairgi/socagents/internal/config"
	"github.com/selairgi/socagents/internal/memory"
	"github.com/selairgi/socagents/internal/policy"
	"github.com/selairgi/socagents/internal/soc"
)

func newTestStore(t *testing.T) memory.Store {
	t.Helper()
	s, err := memory.NewSQLiteStore(filepath.Join(t.TempDir(), "rem.db"), 2, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type testRig struct {
	store memory.Store
	state *State
	rem   *Remediator
}

func newTestRemediator(t *testing.T, realMode bool, env string) *testRig {
	t.Helper()
	ctx := context.Background()
	store := newTestStore(t)

	state, err := NewState(ctx, store, nil)
	if err != nil {
		t.Fatalf("new state: %v", err)
	}

	engine, err := policy.NewEngine(config.PolicyConfig{Environment: env}, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	chain, err := audit.NewChain(ctx, store, []byte("test-key"), nil)
	if err != nil {
		t.Fatalf("new chain: %v", err)
	}

	registry := NewRegistry(time.Second, nil)
	effector := NewStateEffector(state, time.Hour, 5, 2*time.Minute, nil)
	for _, kind := range []soc.ActionKind{
		soc.ActionBlockIP, soc.ActionRateLimitIP, soc.ActionRateLimitUser,
		soc.ActionTerminateSession, soc.ActionSuspendUser, soc.ActionIsolateAgent,
		soc.ActionFlagUser, soc.ActionInitiateForensics, soc.ActionEnhancedMonitor,
		soc.ActionNotifyCompliance, soc.ActionRequireReview, soc.ActionMonitor,
	} {
		registry.Register(kind, effector)
	}

	cfg := config.DefaultConfig().Remediation
	rem := NewRemediator(NewQueue(8), store, state, registry, engine, chain, nil,
		cfg, env, realMode, nil)
	return &testRig{store: store, state: state, rem: rem}
}

func testPlaybook(actions ...soc.Action) *soc.Playbook {
	return &soc.Playbook{
		ID:        soc.NewID(soc.PlaybookIDPrefix),
		AlertID:   soc.NewID(soc.AlertIDPrefix),
		CreatedAt: soc.Now(),
		Owner:     "soc_analyst",
		Actions:   actions,
		Status:    soc.PlaybookPending,
	}
}

func TestSanitizeParameter(t *testing.T) {
	got := SanitizeParameter(`203.0.113.10; rm -rf / && echo "pwned" | $(cat)`)
	want := "203.0.113.10 rm -rf /  echo pwned  cat"
	if got != want {
		t.Errorf("sanitize = %q, want %q", got, want)
	}
	// Idempotent.
	if again := SanitizeParameter(got); again != got {
		t.Errorf("second pass changed output: %q -> %q", got, again)
	}
}

func TestSanitizeParameter_Truncates(t *testing.T) {
	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'a'
	}
	if got := SanitizeParameter(string(long)); len(got) != maxParameterLength {
		t.Errorf("len = %d, want %d", len(got), maxParameterLength)
	}
}

func TestWhitelist_RejectsUnknownKind(t *testing.T) {
	w := NewWhitelist()
	err := w.ValidateAction(soc.Action{Kind: "drop_database", Parameter: "x"})
	if err == nil {
		t.Fatal("unknown kind must be rejected")
	}
}

func TestWhitelist_BlockIPRequiresValidIP(t *testing.T) {
	w := NewWhitelist()
	if err := w.ValidateAction(soc.Action{Kind: soc.ActionBlockIP, Parameter: "198.51.100.1"}); err != nil {
		t.Fatalf("valid IPv4 rejected: %v", err)
	}
	if err := w.ValidateAction(soc.Action{Kind: soc.ActionBlockIP, Parameter: "2001:db8::1"}); err != nil {
		t.Fatalf("valid IPv6 rejected: %v", err)
	}
	if err := w.ValidateAction(soc.Action{Kind: soc.ActionBlockIP, Parameter: "evil.example.com"}); err == nil {
		t.Fatal("hostname must be rejected for block_ip")
	}
}

func TestWhitelist_RateLimitIPParamForms(t *testing.T) {
	w := NewWhitelist()
	valid := []string{
		"203.0.113.5",
		"2001:db8::1",
		"203.0.113.5:20",
		"203.0.113.5:20:60",
	}
	for _, p := range valid {
		if err := w.ValidateAction(soc.Action{Kind: soc.ActionRateLimitIP, Parameter: p}); err != nil {
			t.Errorf("%q rejected: %v", p, err)
		}
	}
	invalid := []string{
		"not-an-ip:20",
		"203.0.113.5:0",
		"203.0.113.5:-1:60",
		"203.0.113.5:20:sixty",
		"203.0.113.5:20:60:extra",
	}
	for _, p := range invalid {
		if err := w.ValidateAction(soc.Action{Kind: soc.ActionRateLimitIP, Parameter: p}); err == nil {
			t.Errorf("%q accepted, want rejection", p)
		}
	}
}

func TestQueue_Backpressure(t *testing.T) {
	q := NewQueue(2)
	if r := q.Enqueue(testPlaybook()); r != Accepted {
		t.Fatalf("first enqueue = %v, want accepted", r)
	}
	if r := q.Enqueue(testPlaybook()); r != Accepted {
		t.Fatalf("second enqueue = %v, want accepted", r)
	}
	if r := q.Enqueue(testPlaybook()); r != Backpressure {
		t.Fatalf("third enqueue = %v, want backpressure", r)
	}
	q.Close()
	if r := q.Enqueue(testPlaybook()); r != Rejected {
		t.Fatalf("enqueue after close = %v, want rejected", r)
	}
}

func TestState_TokenBucket(t *testing.T) {
	store := newTestStore(t)
	state, err := NewState(context.Background(), store, nil)
	if err != nil {
		t.Fatalf("new state: %v", err)
	}

	current := time.Now()
	state.now = func() time.Time { return current }

	if err := state.SetRateLimit(context.Background(), "user", "u1", 3, time.Minute); err != nil {
		t.Fatalf("set rate limit: %v", err)
	}

	for i := 0; i < 3; i++ {
		if !state.AllowRequest("user", "u1") {
			t.Fatalf("request %d denied, want allowed", i+1)
		}
	}
	if state.AllowRequest("user", "u1") {
		t.Fatal("fourth request allowed, bucket should be empty")
	}

	// Tokens refill evenly over the window: 20s of a 60s window at limit
	// 3 refills one token.
	current = current.Add(20 * time.Second)
	if !state.AllowRequest("user", "u1") {
		t.Fatal("request after refill denied")
	}
	if state.AllowRequest("user", "u1") {
		t.Fatal("bucket should hold only one refilled token")
	}

	// Unlimited entity.
	if !state.AllowRequest("user", "someone-else") {
		t.Fatal("entity without a bucket must be unlimited")
	}
}

func TestState_BlockExpiry(t *testing.T) {
	store := newTestStore(t)
	state, err := NewState(context.Background(), store, nil)
	if err != nil {
		t.Fatalf("new state: %v", err)
	}

	current := time.Now()
	state.now = func() time.Time { return current }

	if err := state.BlockIP(context.Background(), "198.51.100.9", "test", "alt_x", time.Hour); err != nil {
		t.Fatalf("block: %v", err)
	}
	if !state.IsBlocked("198.51.100.9") {
		t.Fatal("IP should be blocked")
	}

	current = current.Add(2 * time.Hour)
	if state.IsBlocked("198.51.100.9") {
		t.Fatal("expired block should not apply")
	}
	if n := state.Sweep(); n != 1 {
		t.Errorf("swept %d blocks, want 1", n)
	}
}

func TestRemediator_DryRunBlocksHighRisk(t *testing.T) {
	rig := newTestRemediator(t, false, "dev")
	ctx := context.Background()

	pb := testPlaybook(
		soc.Action{Kind: soc.ActionBlockIP, Parameter: "198.51.100.20", RiskLevel: soc.SeverityHigh},
		soc.Action{Kind: soc.ActionFlagUser, Parameter: "u1", RiskLevel: soc.SeverityMedium},
	)
	// Pre-approved so the approval path does not park it.
	pb.Status = soc.PlaybookApproved
	if err := rig.store.UpsertPlaybook(ctx, pb); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if err := rig.rem.Execute(ctx, pb); err != nil {
		t.Fatalf("execute: %v", err)
	}

	// The high-risk block must be suppressed, the low-risk flag applied.
	if rig.state.IsBlocked("198.51.100.20") {
		t.Error("dry-run mode must not block IPs")
	}
	if !rig.state.IsFlagged("u1") {
		t.Error("low-risk flag action should execute in dry-run mode")
	}
	if pb.Status != soc.PlaybookCompleted {
		t.Errorf("status = %q, want completed", pb.Status)
	}
}

func TestRemediator_RealModeBlocks(t *testing.T) {
	rig := newTestRemediator(t, true, "dev")
	ctx := context.Background()

	pb := testPlaybook(
		soc.Action{Kind: soc.ActionBlockIP, Parameter: "198.51.100.30", RiskLevel: soc.SeverityHigh},
	)
	pb.Status = soc.PlaybookApproved
	if err := rig.store.UpsertPlaybook(ctx, pb); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if err := rig.rem.Execute(ctx, pb); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !rig.state.IsBlocked("198.51.100.30") {
		t.Fatal("real mode approved block should apply")
	}
}

func TestRemediator_LoopbackNeverBlocked(t *testing.T) {
	rig := newTestRemediator(t, true, "dev")
	ctx := context.Background()

	pb := testPlaybook(
		soc.Action{Kind: soc.ActionBlockIP, Parameter: "127.0.0.1", RiskLevel: soc.SeverityHigh},
	)
	pb.Status = soc.PlaybookApproved
	if err := rig.store.UpsertPlaybook(ctx, pb); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if err := rig.rem.Execute(ctx, pb); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if rig.state.IsBlocked("127.0.0.1") {
		t.Fatal("loopback must never be blocked")
	}
	if pb.Status != soc.PlaybookRejected {
		t.Errorf("status = %q, want rejected (all actions denied)", pb.Status)
	}
}

func TestRemediator_ExecuteIsIdempotent(t *testing.T) {
	rig := newTestRemediator(t, true, "dev")
	ctx := context.Background()

	pb := testPlaybook(
		soc.Action{Kind: soc.ActionBlockIP, Parameter: "198.51.100.40", RiskLevel: soc.SeverityHigh},
	)
	pb.Status = soc.PlaybookApproved
	if err := rig.store.UpsertPlaybook(ctx, pb); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if err := rig.rem.Execute(ctx, pb); err != nil {
		t.Fatalf("first execute: %v", err)
	}
	blocksAfterFirst := len(rig.state.BlockedIPs())

	// A replayed playbook hits the idempotency fingerprint and leaves the
	// state unchanged.
	pb.Status = soc.PlaybookApproved
	if err := rig.rem.Execute(ctx, pb); err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if got := len(rig.state.BlockedIPs()); got != blocksAfterFirst {
		t.Errorf("blocks = %d after replay, want %d", got, blocksAfterFirst)
	}
}

func TestRemediator_InvalidSchemaFails(t *testing.T) {
	rig := newTestRemediator(t, true, "dev")
	ctx := context.Background()

	pb := &soc.Playbook{ID: soc.NewID(soc.PlaybookIDPrefix), Status: soc.PlaybookPending}
	if err := rig.rem.Execute(ctx, pb); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if pb.Status != soc.PlaybookFailed {
		t.Errorf("status = %q, want failed", pb.Status)
	}
}

func TestRemediator_LegacyTargetParsed(t *testing.T) {
	rig := newTestRemediator(t, true, "dev")
	ctx := context.Background()

	pb := &soc.Playbook{
		ID:           soc.NewID(soc.PlaybookIDPrefix),
		AlertID:      soc.NewID(soc.AlertIDPrefix),
		LegacyTarget: "flag_user:u9,enable_enhanced_monitoring:sess-9",
		Status:       soc.PlaybookApproved,
	}
	if err := rig.store.UpsertPlaybook(ctx, pb); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if err := rig.rem.Execute(ctx, pb); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !rig.state.IsFlagged("u9") {
		t.Error("legacy flag_user action should execute")
	}
	if !rig.state.IsMonitored("sess-9") {
		t.Error("legacy monitoring action should execute")
	}
	if pb.Status != soc.PlaybookCompleted {
		t.Errorf("status = %q, want completed", pb.Status)
	}
}
