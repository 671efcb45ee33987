package soc

import "strings"

// ActionKind identifies a remediation primitive.
type ActionKind string

const (
	ActionBlockIP           ActionKind = "block_ip"
	ActionRateLimitIP       ActionKind = "rate_limit_ip"
	ActionRateLimitUser     ActionKind = "rate_limit_user"
	ActionTerminateSession  ActionKind = "terminate_session"
	ActionSuspendUser       ActionKind = "suspend_user"
	ActionIsolateAgent      ActionKind = "isolate_agent"
	ActionFlagUser          ActionKind = "flag_user"
	ActionInitiateForensics ActionKind = "initiate_forensics"
	ActionEnhancedMonitor   ActionKind = "enable_enhanced_monitoring"
	ActionNotifyCompliance  ActionKind = "notify_compliance_team"
	ActionRequireReview     ActionKind = "require_human_review"
	ActionMonitor           ActionKind = "monitor"
)

// Action is a single remediation step within a playbook.
type Action struct {
	Kind             ActionKind `json:"kind"`
	Parameter        string     `json:"parameter"`
	RiskLevel        Severity   `json:"risk_level"`
	RequiresRealMode bool       `json:"requires_real_mode,omitempty"`
}

// Destructive reports whether the action alters external state in a way
// that is hard to reverse.
func (a Action) Destructive() bool {
	switch a.Kind {
	case ActionBlockIP, ActionTerminateSession, ActionSuspendUser, ActionIsolateAgent:
		return true
	}
	return false
}

// PlaybookStatus tracks a playbook through its lifecycle.
type PlaybookStatus string

const (
	PlaybookPending   PlaybookStatus = "pending"
	PlaybookDryRun    PlaybookStatus = "dry_run"
	PlaybookApproved  PlaybookStatus = "approved"
	PlaybookRejected  PlaybookStatus = "rejected"
	PlaybookExecuting PlaybookStatus = "executing"
	PlaybookCompleted PlaybookStatus = "completed"
	PlaybookFailed    PlaybookStatus = "failed"
	PlaybookExpired   PlaybookStatus = "expired"
)

// Terminal reports whether the status is final.
func (s PlaybookStatus) Terminal() bool {
	switch s {
	case PlaybookCompleted, PlaybookFailed, PlaybookRejected, PlaybookExpired:
		return true
	}
	return false
}

// validTransitions encodes the playbook state machine.
var validTransitions = map[PlaybookStatus][]PlaybookStatus{
	PlaybookPending:   {PlaybookDryRun, PlaybookRejected, PlaybookExpired},
	PlaybookDryRun:    {PlaybookApproved, PlaybookRejected, PlaybookPending, PlaybookExpired},
	PlaybookApproved:  {PlaybookExecuting, PlaybookExpired},
	PlaybookExecuting: {PlaybookCompleted, PlaybookFailed},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to PlaybookStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Playbook is an intent to remediate, produced by the Analyst and executed
// by the Remediator. Actions is the canonical field; LegacyTarget is parsed
// on ingress for backward compatibility but never emitted by new code.
type Playbook struct {
	ID            string         `json:"id"`
	AlertID       string         `json:"alert_id"`
	CreatedAt     int64          `json:"created_at"`
	Owner         string         `json:"owner"`
	Justification string         `json:"justification,omitempty"`
	Actions       []Action       `json:"actions"`
	LegacyTarget  string         `json:"legacy_target,omitempty"`
	Status        PlaybookStatus `json:"status"`
	ExpiresAt     int64          `json:"expires_at,omitempty"`
	Signature     string         `json:"signature,omitempty"`
	DryRunResult  string         `json:"dry_run_result,omitempty"`
	ExecResult    string         `json:"execution_result,omitempty"`
	CreatedBy     string         `json:"created_by,omitempty"`
	ApprovedBy    string         `json:"approved_by,omitempty"`
	ExecutedBy    string         `json:"executed_by,omitempty"`
}

// EffectiveActions returns the canonical action list, falling back to
// parsing LegacyTarget ("kind:param,kind:param") when Actions is empty.
func (p *Playbook) EffectiveActions() []Action {
	if len(p.Actions) > 0 {
		return p.Actions
	}
	return ParseLegacyTarget(p.LegacyTarget)
}

// ParseLegacyTarget splits the legacy comma-joined target string into
// actions. Entries without an explicit kind default to require_human_review
// so nothing destructive is inferred from malformed input.
func ParseLegacyTarget(target string) []Action {
	if target == "" {
		return nil
	}
	var actions []Action
	for _, part := range strings.Split(target, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kind, param, found := strings.Cut(part, ":")
		if !found {
			actions = append(actions, Action{
				Kind:      ActionRequireReview,
				Parameter: part,
				RiskLevel: SeverityLow,
			})
			continue
		}
		actions = append(actions, Action{
			Kind:      ActionKind(strings.TrimSpace(kind)),
			Parameter: strings.TrimSpace(param),
			RiskLevel: SeverityMedium,
		})
	}
	return actions
}
