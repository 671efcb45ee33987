// Package approval implements the human-in-the-loop workflow around
// playbooks: dry-run simulation, approval requests with TTL, signed
// approve/reject decisions, and automatic expiry. Every transition lands
// in the audit chain, and a halted chain blocks new approvals entirely.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/selairgi/socagents/internal/audit"
	"github.com/selairgi/socagents/internal/memory"
	"github.com/selairgi/socagents/internal/remediate"
	"github.com/selairgi/socagents/internal/soc"
)

// CapabilityChecker answers whether a principal holds a capability.
type CapabilityChecker interface {
	Has(principal, capability string) bool
}

// StaticCapabilities is a fixed principal -> capabilities table.
type StaticCapabilities map[string][]string

func (s StaticCapabilities) Has(principal, capability string) bool {
	for _, c := range s[principal] {
		if c == capability {
			return true
		}
	}
	return false
}

// CapabilityApprover is required to sign approval decisions.
const CapabilityApprover = "approver"

// Notifier announces playbooks parked for a human decision.
type Notifier interface {
	ApprovalRequired(pb *soc.Playbook, alert *soc.Alert, reason string)
}

// DryRunResult is the simulation record for a playbook.
type DryRunResult struct {
	PlaybookID  string                 `json:"playbook_id"`
	Actions     []SimulatedAction      `json:"actions"`
	BlastRadius map[soc.ActionKind]int `json:"blast_radius"`
	Valid       bool                   `json:"valid"`
}

// SimulatedAction is one would-be action with its validation outcome.
type SimulatedAction struct {
	Action     soc.Action `json:"action"`
	Validation string     `json:"validation"` // ok or the error text
}

// Workflow manages approval state for playbooks.
type Workflow struct {
	mu        sync.Mutex
	store     memory.Store
	chain     *audit.Chain
	whitelist *remediate.Whitelist
	caps      CapabilityChecker
	queue     *remediate.Queue
	notifier  Notifier
	ttl       time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewWorkflow creates the workflow. queue may be nil when approved
// playbooks are collected by polling instead of direct re-enqueue.
func NewWorkflow(store memory.Store, chain *audit.Chain, caps CapabilityChecker, queue *remediate.Queue, ttl time.Duration, logger *slog.Logger) *Workflow {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Workflow{
		store:     store,
		chain:     chain,
		whitelist: remediate.NewWhitelist(),
		caps:      caps,
		queue:     queue,
		ttl:       ttl,
		logger:    logger.With("component", "approval.Workflow"),
		now:       time.Now,
	}
}

// Create registers a playbook with the workflow and moves it to dry_run.
func (w *Workflow) Create(ctx context.Context, pb *soc.Playbook) error {
	if pb.Status == "" {
		pb.Status = soc.PlaybookPending
	}
	if pb.Status == soc.PlaybookPending {
		pb.Status = soc.PlaybookDryRun
	}
	if err := w.store.UpsertPlaybook(ctx, pb); err != nil {
		return fmt.Errorf("persist playbook: %w", err)
	}
	w.audit(ctx, "playbook.created", pb.Owner, pb, "")
	return nil
}

// ExecuteDryRun simulates the playbook: validation per action plus a blast
// radius summary (action counts by kind). Nothing is executed.
func (w *Workflow) ExecuteDryRun(ctx context.Context, id string) (*DryRunResult, error) {
	pb, err := w.load(ctx, id)
	if err != nil {
		return nil, err
	}

	result := &DryRunResult{
		PlaybookID:  pb.ID,
		BlastRadius: make(map[soc.ActionKind]int),
		Valid:       true,
	}
	for _, a := range pb.EffectiveActions() {
		a.Parameter = remediate.SanitizeParameter(a.Parameter)
		sim := SimulatedAction{Action: a, Validation: "ok"}
		if err := w.whitelist.ValidateAction(a); err != nil {
			sim.Validation = err.Error()
			result.Valid = false
		}
		result.Actions = append(result.Actions, sim)
		result.BlastRadius[a.Kind]++
	}

	pb.DryRunResult = fmt.Sprintf("%d actions simulated, valid=%t", len(result.Actions), result.Valid)
	if err := w.store.UpsertPlaybook(ctx, pb); err != nil {
		return nil, fmt.Errorf("persist dry-run result: %w", err)
	}
	w.audit(ctx, "playbook.dry_run", "system", pb, pb.DryRunResult)
	return result, nil
}

// SetNotifier installs the channel that announces approval requests.
func (w *Workflow) SetNotifier(n Notifier) {
	w.notifier = n
}

// RequestApproval parks the playbook in pending with an expiry deadline.
func (w *Workflow) RequestApproval(ctx context.Context, pb *soc.Playbook, reason string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	pb.Status = soc.PlaybookPending
	pb.ExpiresAt = w.now().UTC().Add(w.ttl).Unix()
	pb.Justification = reason
	if err := w.store.UpsertPlaybook(ctx, pb); err != nil {
		return fmt.Errorf("persist approval request: %w", err)
	}
	w.audit(ctx, "approval.requested", "system", pb, reason)

	if w.notifier != nil {
		alert, err := w.store.GetAlert(ctx, pb.AlertID)
		if err != nil {
			w.logger.Warn("alert lookup for approval notification failed",
				"alert_id", pb.AlertID, "error", err)
			alert = nil
		}
		w.notifier.ApprovalRequired(pb, alert, reason)
	}
	return nil
}

// Approve signs the playbook on behalf of an approver. It fails when the
// approver lacks the capability, the request has expired, or the audit
// chain is halted.
func (w *Workflow) Approve(ctx context.Context, id, approver string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.chain != nil && w.chain.Halted() {
		return fmt.Errorf("audit chain integrity failure: approvals are halted until acknowledged")
	}
	if w.caps != nil && !w.caps.Has(approver, CapabilityApprover) {
		return fmt.Errorf("principal %q lacks the %s capability", approver, CapabilityApprover)
	}

	pb, err := w.load(ctx, id)
	if err != nil {
		return err
	}
	if pb.Status.Terminal() {
		return fmt.Errorf("playbook %s is already %s", id, pb.Status)
	}
	if pb.ExpiresAt > 0 && w.now().UTC().Unix() > pb.ExpiresAt {
		w.expire(ctx, pb)
		return fmt.Errorf("approval request for %s has expired", id)
	}

	rec, err := w.chain.Append(ctx, "approval.granted", approver, map[string]string{
		"playbook_id": pb.ID,
		"alert_id":    pb.AlertID,
	})
	if err != nil {
		return fmt.Errorf("sign approval: %w", err)
	}

	pb.Status = soc.PlaybookApproved
	pb.ApprovedBy = approver
	pb.Signature = rec.Signature
	if err := w.store.UpsertPlaybook(ctx, pb); err != nil {
		return fmt.Errorf("persist approval: %w", err)
	}

	if w.queue != nil {
		if res := w.queue.Enqueue(pb); res != remediate.Accepted {
			w.logger.Warn("approved playbook not enqueued, awaiting pickup",
				"playbook", pb.ID, "result", res.String())
		}
	}
	w.logger.Info("playbook approved", "playbook", pb.ID, "approver", approver)
	return nil
}

// Reject records a rejection with a reason.
func (w *Workflow) Reject(ctx context.Context, id, approver, reason string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.caps != nil && !w.caps.Has(approver, CapabilityApprover) {
		return fmt.Errorf("principal %q lacks the %s capability", approver, CapabilityApprover)
	}

	pb, err := w.load(ctx, id)
	if err != nil {
		return err
	}
	if pb.Status.Terminal() {
		return fmt.Errorf("playbook %s is already %s", id, pb.Status)
	}

	pb.Status = soc.PlaybookRejected
	pb.ExecResult = reason
	if err := w.store.UpdatePlaybookStatus(ctx, pb.ID, soc.PlaybookRejected, reason); err != nil {
		return fmt.Errorf("persist rejection: %w", err)
	}
	w.audit(ctx, "approval.rejected", approver, pb, reason)
	w.logger.Info("playbook rejected", "playbook", pb.ID, "approver", approver, "reason", reason)
	return nil
}

// ExpireDue transitions every overdue non-terminal playbook to expired.
// The sweeper calls this periodically; it returns the number expired.
func (w *Workflow) ExpireDue(ctx context.Context) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	pending, err := w.store.ListPlaybooks(ctx, soc.PlaybookPending, 0)
	if err != nil {
		return 0, fmt.Errorf("list pending playbooks: %w", err)
	}
	now := w.now().UTC().Unix()
	expired := 0
	for _, pb := range pending {
		if pb.ExpiresAt > 0 && now > pb.ExpiresAt {
			w.expire(ctx, pb)
			expired++
		}
	}
	return expired, nil
}

// Pending lists playbooks awaiting approval.
func (w *Workflow) Pending(ctx context.Context) ([]*soc.Playbook, error) {
	return w.store.ListPlaybooks(ctx, soc.PlaybookPending, 0)
}

func (w *Workflow) expire(ctx context.Context, pb *soc.Playbook) {
	pb.Status = soc.PlaybookExpired
	if err := w.store.UpdatePlaybookStatus(ctx, pb.ID, soc.PlaybookExpired, "approval ttl elapsed"); err != nil {
		w.logger.Error("persist expiry failed", "playbook", pb.ID, "error", err)
		return
	}
	w.audit(ctx, "approval.expired", "system", pb, "approval ttl elapsed")
}

func (w *Workflow) load(ctx context.Context, id string) (*soc.Playbook, error) {
	pb, err := w.store.GetPlaybook(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load playbook %s: %w", id, err)
	}
	if pb == nil {
		return nil, fmt.Errorf("playbook %s not found", id)
	}
	return pb, nil
}

func (w *Workflow) audit(ctx context.Context, event, actor string, pb *soc.Playbook, detail string) {
	if w.chain == nil {
		return
	}
	if _, err := w.chain.Append(ctx, event, actor, map[string]string{
		"playbook_id": pb.ID,
		"alert_id":    pb.AlertID,
		"status":      string(pb.Status),
		"detail":      detail,
	}); err != nil {
		w.logger.Error("audit append failed", "event", event, "playbook", pb.ID, "error", err)
	}
}
