// Package memory implements the agent memory: the persistent store for
// detector patterns, alerts, decisions, playbooks, approvals, audit records,
// remediation state mirrors, and the learning tables. SQLite-backed, with a
// bounded connection pool and transactional writes.
package memory

import (
	"context"

	"github.com/selairgi/socagents/internal/soc"
)

// AuditRecord is a persisted entry of the signed audit chain.
type AuditRecord struct {
	ID        string `json:"id"`
	PrevHash  string `json:"prev_hash"`
	Hash      string `json:"hash"`
	EventType string `json:"event_type"`
	Actor     string `json:"actor"`
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
	Timestamp int64  `json:"timestamp"`
}

// BlockRecord mirrors an active IP block.
type BlockRecord struct {
	IP        string `json:"ip"`
	Reason    string `json:"reason"`
	AlertID   string `json:"alert_id,omitempty"`
	BlockedAt int64  `json:"blocked_at"`
	ExpiresAt int64  `json:"expires_at"`
}

// RateLimitRecord mirrors a token bucket's persisted state.
type RateLimitRecord struct {
	EntityType string  `json:"entity_type"` // ip, user
	EntityID   string  `json:"entity_id"`
	Limit      int     `json:"limit"`
	WindowSecs int64   `json:"window_secs"`
	Tokens     float64 `json:"tokens"`
	UpdatedAt  int64   `json:"updated_at"`
	ExpiresAt  int64   `json:"expires_at"`
}

// UserHistory summarizes a user's alert record for the analyst.
type UserHistory struct {
	UserID         string `json:"user_id"`
	TotalAlerts    int    `json:"total_alerts"`
	FalsePositives int    `json:"false_positives"`
	Suspended      bool   `json:"suspended"`
}

// LearningEvent records one step of the learning loop for audit purposes.
type LearningEvent struct {
	ID        string `json:"id"`
	AttackID  string `json:"attack_id"`
	Kind      string `json:"kind"` // reported, variations_generated, patterns_admitted
	Detail    string `json:"detail,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// Store is the persistence contract for the agent memory. Implementations
// must retry transient failures internally and keep every mutation
// transactional.
type Store interface {
	Initialize(ctx context.Context) error
	Close() error

	// Patterns
	StorePattern(ctx context.Context, p *soc.Pattern) error
	GetPatterns(ctx context.Context, kind soc.PatternKind) ([]*soc.Pattern, error)
	UpdatePatternCounts(ctx context.Context, id string, detections, falsePositives int) error

	// Alerts and decisions
	StoreAlert(ctx context.Context, a *soc.Alert) error
	GetAlert(ctx context.Context, id string) (*soc.Alert, error)
	ListAlerts(ctx context.Context, limit int) ([]*soc.Alert, error)
	StoreAlertDecision(ctx context.Context, d *soc.Decision) error
	StoreRemediationDecision(ctx context.Context, playbookID, alertID, outcome, detail string) error
	RecentAlertCount(ctx context.Context, userID string, sinceUnix int64) (int, error)

	// Playbooks
	UpsertPlaybook(ctx context.Context, p *soc.Playbook) error
	GetPlaybook(ctx context.Context, id string) (*soc.Playbook, error)
	ListPlaybooks(ctx context.Context, status soc.PlaybookStatus, limit int) ([]*soc.Playbook, error)
	UpdatePlaybookStatus(ctx context.Context, id string, status soc.PlaybookStatus, detail string) error

	// Audit chain
	AppendAudit(ctx context.Context, rec *AuditRecord) error
	ListAudit(ctx context.Context, limit, offset int) ([]*AuditRecord, error)
	LastAudit(ctx context.Context) (*AuditRecord, error)

	// Remediation state mirrors
	UpsertBlock(ctx context.Context, b *BlockRecord) error
	RemoveBlock(ctx context.Context, ip string) error
	ListBlocksExpiringBefore(ctx context.Context, t int64) ([]*BlockRecord, error)
	ListActiveBlocks(ctx context.Context) ([]*BlockRecord, error)
	UpsertRateLimit(ctx context.Context, r *RateLimitRecord) error
	PurgeExpired(ctx context.Context, now int64) (int64, error)
	SetUserSuspended(ctx context.Context, userID string, suspended bool) error
	SetSessionTerminated(ctx context.Context, sessionID string) error

	// Idempotency
	MarkActionExecuted(ctx context.Context, fingerprint, playbookID string) (bool, error)

	// User history
	GetUserHistory(ctx context.Context, userID string) (*UserHistory, error)
	RecordUserAlert(ctx context.Context, userID string, falsePositive bool) error

	// Learning
	ReportMissedAttack(ctx context.Context, m *soc.MissedAttack) error
	ListUnprocessedMisses(ctx context.Context) ([]*soc.MissedAttack, error)
	MarkMissProcessed(ctx context.Context, attackID string) error
	StoreVariation(ctx context.Context, v *soc.PatternVariation) error
	ListActiveVariations(ctx context.Context, attackID string) ([]*soc.PatternVariation, error)
	GetLearningMetrics(ctx context.Context) (*soc.LearningMetrics, error)
	UpdateLearningMetrics(ctx context.Context, m *soc.LearningMetrics) error
	RecordLearningEvent(ctx context.Context, ev *LearningEvent) error
}
