package remediate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	"github.com/selairgi/socagents/internal/audit"
	"github.com/selairgi/socagents/internal/config"
	"github.com/selairgi/socagents/internal/memory"
	"github.com/selairgi/socagents/internal/metrics"
	"github.com/selairgi/socagents/internal/policy"
	"github.com/selairgi/socagents/internal/soc"
)

// ApprovalRequester routes playbooks that policy says need a human into
// the approval workflow.
type ApprovalRequester interface {
	RequestApproval(ctx context.Context, playbook *soc.Playbook, reason string) error
}

// ActionOutcome is the result of one action within a playbook run.
type ActionOutcome struct {
	Action soc.Action `json:"action"`
	Status string     `json:"status"` // completed, failed, skipped_dry_run, already_done, denied
	Detail string     `json:"detail,omitempty"`
}

// Remediator drains the playbook queue with a worker pool and executes
// playbooks through the whitelist, policy, dry-run, idempotency, and
// effector layers. Within a playbook, actions run sequentially in declared
// order.
type Remediator struct {
	queue     *Queue
	store     memory.Store
	state     *State
	whitelist *Whitelist
	registry  *Registry
	engine    *policy.Engine
	chain     *audit.Chain
	approvals ApprovalRequester
	cfg       config.RemediationConfig
	env       string
	realMode  bool
	logger    *slog.Logger

	wg sync.WaitGroup
}

// NewRemediator wires the remediation engine together.
func NewRemediator(
	queue *Queue,
	store memory.Store,
	state *State,
	registry *Registry,
	engine *policy.Engine,
	chain *audit.Chain,
	approvals ApprovalRequester,
	cfg config.RemediationConfig,
	env string,
	realMode bool,
	logger *slog.Logger,
) *Remediator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Remediator{
		queue:     queue,
		store:     store,
		state:     state,
		whitelist: NewWhitelist(),
		registry:  registry,
		engine:    engine,
		chain:     chain,
		approvals: approvals,
		cfg:       cfg,
		env:       env,
		realMode:  realMode,
		logger:    logger.With("component", "remediate.Remediator"),
	}
}

// Run starts the worker pool. It returns when the context is cancelled or
// the queue closes and drains.
func (r *Remediator) Run(ctx context.Context) {
	workers := r.cfg.Workers
	if workers < 1 {
		workers = 4
	}
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go func(id int) {
			defer r.wg.Done()
			r.worker(ctx, id)
		}(i)
	}
	r.wg.Wait()
}

func (r *Remediator) worker(ctx context.Context, id int) {
	for {
		pb, ok := r.queue.Dequeue(ctx)
		if !ok {
			return
		}
		if err := r.Execute(ctx, pb); err != nil {
			r.logger.Error("playbook execution error",
				"worker", id, "playbook", pb.ID, "error", err)
		}
	}
}

// Execute runs one playbook through the full execution contract. The
// returned error covers infrastructure failures only; validation failures
// and policy denials land in the playbook's terminal status instead.
func (r *Remediator) Execute(ctx context.Context, pb *soc.Playbook) error {
	// Schema validation.
	if err := validatePlaybook(pb); err != nil {
		r.logger.Warn("playbook failed schema validation", "playbook", pb.ID, "error", err)
		return r.finish(ctx, pb, soc.PlaybookFailed, "schema_invalid: "+err.Error(), nil)
	}

	actions := pb.EffectiveActions()
	if len(actions) == 0 {
		return r.finish(ctx, pb, soc.PlaybookFailed, "schema_invalid: no actions", nil)
	}

	// Whitelist & sanitization. Parameters are sanitized in place before
	// format validation so stripped metacharacters cannot sneak past it.
	if r.cfg.EnableSanitize {
		for i := range actions {
			actions[i].Parameter = SanitizeParameter(actions[i].Parameter)
		}
	}
	if r.cfg.EnableWhitelist {
		for _, a := range actions {
			if err := r.whitelist.ValidateAction(a); err != nil {
				return r.finish(ctx, pb, soc.PlaybookFailed, "validation_failed: "+err.Error(), nil)
			}
		}
	}

	// Intake: a fresh playbook moves into dry_run before policy runs.
	if pb.Status == soc.PlaybookPending {
		if err := r.transition(ctx, pb, soc.PlaybookDryRun, ""); err != nil {
			return err
		}
	}

	// Policy evaluation per action. Denied actions are dropped; any
	// REQUIRE_APPROVAL without an existing approval parks the playbook.
	var (
		outcomes    []ActionOutcome
		runnable    []soc.Action
		needsHuman  bool
		humanReason string
	)
	alert := r.loadAlert(ctx, pb.AlertID)
	for _, a := range actions {
		decision := r.engine.Evaluate(policy.ActionContext{
			Action:      a,
			Alert:       alert,
			Environment: r.env,
			RealMode:    r.realMode,
		})
		switch decision.Verdict {
		case policy.Deny:
			outcomes = append(outcomes, ActionOutcome{
				Action: a, Status: "denied",
				Detail: decision.Rule + ": " + decision.Message,
			})
		case policy.RequireApproval:
			if pb.Status != soc.PlaybookApproved {
				needsHuman = true
				humanReason = decision.Rule + ": " + decision.Message
			}
			runnable = append(runnable, a)
		default: // Allow, DryRunOnly: dry-run gating below handles risk
			runnable = append(runnable, a)
		}
	}

	if needsHuman && r.approvals != nil {
		if err := r.approvals.RequestApproval(ctx, pb, humanReason); err != nil {
			return fmt.Errorf("request approval for %s: %w", pb.ID, err)
		}
		r.logger.Info("playbook parked for approval", "playbook", pb.ID, "reason", humanReason)
		return nil
	}
	if len(runnable) == 0 {
		return r.finish(ctx, pb, soc.PlaybookRejected, "all actions denied by policy", outcomes)
	}

	// Policy cleared the playbook without a human: dry_run -> approved is
	// automatic.
	if pb.Status == soc.PlaybookDryRun {
		if err := r.transition(ctx, pb, soc.PlaybookApproved, "auto-approved by policy"); err != nil {
			return err
		}
	}
	if err := r.transition(ctx, pb, soc.PlaybookExecuting, ""); err != nil {
		return err
	}

	failed := false
	for idx, a := range runnable {
		select {
		case <-ctx.Done():
			outcomes = append(outcomes, ActionOutcome{Action: a, Status: "failed", Detail: "cancelled"})
			return r.finish(ctx, pb, soc.PlaybookFailed, "cancelled", outcomes)
		default:
		}
		outcome := r.runAction(ctx, pb, idx, a)
		outcomes = append(outcomes, outcome)
		metrics.RecordAction(string(a.Kind), outcome.Status)
		if outcome.Status == "failed" {
			failed = true
			metrics.RecordEffectorFailure(string(a.Kind))
		}
		r.auditAction(ctx, pb, outcome)
	}

	status := soc.PlaybookCompleted
	detail := "all actions completed"
	if failed {
		status = soc.PlaybookFailed
		detail = "one or more actions failed"
	}
	return r.finish(ctx, pb, status, detail, outcomes)
}

// runAction applies dry-run gating and idempotency, then dispatches.
func (r *Remediator) runAction(ctx context.Context, pb *soc.Playbook, idx int, a soc.Action) ActionOutcome {
	spec := r.whitelist.Spec(a.Kind)
	highRisk := a.RiskLevel.Rank() >= soc.SeverityHigh.Rank() ||
		a.RequiresRealMode || (spec != nil && spec.RequiresRealMode)

	if !r.realMode && highRisk {
		r.logger.Info(fmt.Sprintf("[DRY-RUN] blocked high-risk action: %s %s", a.Kind, a.Parameter),
			"playbook", pb.ID)
		return ActionOutcome{Action: a, Status: "skipped_dry_run",
			Detail: "high-risk action suppressed in dry-run mode"}
	}

	fp := actionFingerprint(pb.ID, idx, a)
	fresh, err := r.store.MarkActionExecuted(ctx, fp, pb.ID)
	if err != nil {
		return ActionOutcome{Action: a, Status: "failed", Detail: "idempotency check: " + err.Error()}
	}
	if !fresh {
		return ActionOutcome{Action: a, Status: "already_done"}
	}

	result, err := r.registry.Dispatch(ctx, a, pb)
	if err != nil {
		return ActionOutcome{Action: a, Status: "failed", Detail: err.Error()}
	}
	return ActionOutcome{Action: a, Status: "completed", Detail: result}
}

func (r *Remediator) auditAction(ctx context.Context, pb *soc.Playbook, outcome ActionOutcome) {
	if r.chain == nil {
		return
	}
	if _, err := r.chain.Append(ctx, "action."+outcome.Status, "remediator", map[string]interface{}{
		"playbook_id": pb.ID,
		"alert_id":    pb.AlertID,
		"kind":        outcome.Action.Kind,
		"parameter":   outcome.Action.Parameter,
		"detail":      outcome.Detail,
	}); err != nil {
		r.logger.Error("audit append failed", "playbook", pb.ID, "error", err)
	}
}

func (r *Remediator) finish(ctx context.Context, pb *soc.Playbook, status soc.PlaybookStatus, detail string, outcomes []ActionOutcome) error {
	if err := r.transition(ctx, pb, status, detail); err != nil {
		return err
	}
	if err := r.store.StoreRemediationDecision(ctx, pb.ID, pb.AlertID, string(status), detail); err != nil {
		r.logger.Error("store remediation decision failed", "playbook", pb.ID, "error", err)
	}
	metrics.RecordPlaybook(string(status))
	r.logger.Info("playbook finished",
		"playbook", pb.ID, "status", status, "actions", len(outcomes), "detail", detail)
	return nil
}

func (r *Remediator) transition(ctx context.Context, pb *soc.Playbook, to soc.PlaybookStatus, detail string) error {
	if pb.Status == to {
		return nil
	}
	if !soc.CanTransition(pb.Status, to) {
		// Failure and rejection are reachable from any non-terminal state:
		// both only ever make the system do less. Everything else is a
		// programming error worth surfacing.
		if to != soc.PlaybookFailed && to != soc.PlaybookRejected {
			return fmt.Errorf("illegal playbook transition %s -> %s", pb.Status, to)
		}
		if pb.Status.Terminal() {
			return fmt.Errorf("playbook %s already terminal (%s)", pb.ID, pb.Status)
		}
	}
	pb.Status = to
	pb.ExecResult = detail
	if err := r.store.UpdatePlaybookStatus(ctx, pb.ID, to, detail); err != nil {
		return fmt.Errorf("persist playbook status: %w", err)
	}
	return nil
}

// loadAlert fetches the originating alert for policy context. The alert is
// advisory; a missing row or read failure degrades to nil rather than
// blocking remediation.
func (r *Remediator) loadAlert(ctx context.Context, alertID string) *soc.Alert {
	alert, err := r.store.GetAlert(ctx, alertID)
	if err != nil {
		r.logger.Warn("alert lookup failed, evaluating policy without alert context",
			"alert_id", alertID, "error", err)
		return nil
	}
	return alert
}

func validatePlaybook(pb *soc.Playbook) error {
	if pb.ID == "" {
		return fmt.Errorf("missing playbook id")
	}
	if pb.AlertID == "" {
		return fmt.Errorf("missing alert id")
	}
	if len(pb.Actions) == 0 && pb.LegacyTarget == "" {
		return fmt.Errorf("playbook has neither actions nor legacy target")
	}
	return nil
}

// actionFingerprint identifies one action within one playbook for
// idempotency tracking.
func actionFingerprint(playbookID string, idx int, a soc.Action) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s|%s", playbookID, idx, a.Kind, a.Parameter)))
	return hex.EncodeToString(sum[:])
}
