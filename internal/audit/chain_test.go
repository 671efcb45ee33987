package audit

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/selairgi/socagents/internal/memory"
)

func newTestChain(t *testing.T) (*Chain, memory.Store) {
	t.Helper()
	store, err := memory.NewSQLiteStore(filepath.Join(t.TempDir(), "audit.db"), 2, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	chain, err := NewChain(context.Background(), store, []byte("test-signing-key"), nil)
	if err != nil {
		t.Fatalf("new chain: %v", err)
	}
	return chain, store
}

func TestChain_AppendAndVerify(t *testing.T) {
	chain, _ := newTestChain(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := chain.Append(ctx, "action.executed", "remediator", map[string]int{"n": i}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	valid, broken, err := chain.Verify(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !valid {
		t.Fatalf("chain invalid, broken at %d", broken)
	}
}

func TestChain_TamperDetection(t *testing.T) {
	chain, store := newTestChain(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 4; i++ {
		rec, err := chain.Append(ctx, "approval.granted", "approver", map[string]int{"n": i})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		ids = append(ids, rec.ID)
	}

	// Tamper with the payload of the second entry directly in the store.
	sqlStore := store.(*memory.SQLiteStore)
	if err := sqlStore.TamperAuditPayloadForTest(ctx, ids[1], `{"n":999}`); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	valid, broken, err := chain.Verify(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if valid {
		t.Fatal("expected verification failure after tamper")
	}
	if broken != 1 {
		t.Errorf("broken at %d, want 1 (first modified entry)", broken)
	}
	if !chain.Halted() {
		t.Error("chain should be halted after integrity failure")
	}

	if err := chain.Acknowledge(ctx, "operator"); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if chain.Halted() {
		t.Error("chain should be re-opened after acknowledgement")
	}
}

func TestChain_ContinuesAcrossRestart(t *testing.T) {
	chain, store := newTestChain(t)
	ctx := context.Background()

	if _, err := chain.Append(ctx, "e1", "a", nil); err != nil {
		t.Fatalf("append: %v", err)
	}

	// A second chain over the same store must link to the existing head.
	chain2, err := NewChain(ctx, store, []byte("test-signing-key"), nil)
	if err != nil {
		t.Fatalf("reopen chain: %v", err)
	}
	if _, err := chain2.Append(ctx, "e2", "a", nil); err != nil {
		t.Fatalf("append after reopen: %v", err)
	}

	valid, broken, err := chain2.Verify(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !valid {
		t.Fatalf("chain invalid after restart, broken at %d", broken)
	}
}
