package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/selairgi/socagents/internal/soc"
)

const (
	retryAttempts = 3
	retryBase     = 100 * time.Millisecond
)

// SQLiteStore implements Store using SQLite with WAL journaling and a
// bounded connection pool.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the database at path. poolSize bounds
// the connection pool; writes always run inside transactions.
func NewSQLiteStore(path string, poolSize int, logger *slog.Logger) (*SQLiteStore, error) {
	if poolSize <= 0 {
		poolSize = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize)
	return &SQLiteStore{db: db, logger: logger.With("component", "memory.SQLiteStore")}, nil
}

func (s *SQLiteStore) Initialize(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS patterns (
		id                   TEXT PRIMARY KEY,
		text                 TEXT NOT NULL,
		kind                 TEXT NOT NULL,
		threat_type          TEXT NOT NULL,
		confidence           REAL NOT NULL,
		detection_count      INTEGER DEFAULT 0,
		false_positive_count INTEGER DEFAULT 0,
		source_attack_id     TEXT,
		active               INTEGER NOT NULL DEFAULT 1,
		created_at           INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS alerts (
		id          TEXT PRIMARY KEY,
		timestamp   INTEGER NOT NULL,
		severity    TEXT NOT NULL,
		threat_type TEXT NOT NULL,
		title       TEXT,
		description TEXT,
		rule_id     TEXT,
		evidence    TEXT,
		agent_id    TEXT,
		user_id     TEXT,
		session_id  TEXT,
		src_ip      TEXT
	);

	CREATE TABLE IF NOT EXISTS alert_decisions (
		alert_id       TEXT PRIMARY KEY,
		decision       TEXT NOT NULL,
		certainty      REAL NOT NULL,
		fp_probability REAL NOT NULL,
		reasoning      TEXT,
		environment    TEXT,
		degraded       INTEGER DEFAULT 0,
		created_at     INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS remediation_decisions (
		id          TEXT PRIMARY KEY,
		playbook_id TEXT NOT NULL,
		alert_id    TEXT,
		outcome     TEXT NOT NULL,
		detail      TEXT,
		created_at  INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS playbooks (
		id            TEXT PRIMARY KEY,
		alert_id      TEXT NOT NULL,
		created_at    INTEGER NOT NULL,
		owner         TEXT,
		justification TEXT,
		actions       TEXT NOT NULL,
		legacy_target TEXT,
		status        TEXT NOT NULL,
		expires_at    INTEGER,
		signature     TEXT,
		dry_run_result   TEXT,
		execution_result TEXT,
		created_by    TEXT,
		approved_by   TEXT,
		executed_by   TEXT
	);

	CREATE TABLE IF NOT EXISTS audit_logs (
		seq        INTEGER PRIMARY KEY AUTOINCREMENT,
		id         TEXT NOT NULL UNIQUE,
		prev_hash  TEXT NOT NULL,
		hash       TEXT NOT NULL,
		event_type TEXT NOT NULL,
		actor      TEXT NOT NULL,
		payload    TEXT,
		signature  TEXT NOT NULL,
		timestamp  INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS blocks (
		ip         TEXT PRIMARY KEY,
		reason     TEXT,
		alert_id   TEXT,
		blocked_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS rate_limits (
		entity_type TEXT NOT NULL,
		entity_id   TEXT NOT NULL,
		lim         INTEGER NOT NULL,
		window_secs INTEGER NOT NULL,
		tokens      REAL NOT NULL,
		updated_at  INTEGER NOT NULL,
		expires_at  INTEGER NOT NULL,
		PRIMARY KEY (entity_type, entity_id)
	);

	CREATE TABLE IF NOT EXISTS executed_actions (
		fingerprint TEXT PRIMARY KEY,
		playbook_id TEXT NOT NULL,
		created_at  INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS users (
		user_id         TEXT PRIMARY KEY,
		total_alerts    INTEGER DEFAULT 0,
		false_positives INTEGER DEFAULT 0,
		suspended       INTEGER DEFAULT 0,
		created_at      INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		status     TEXT NOT NULL DEFAULT 'active',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS missed_attacks (
		id          TEXT PRIMARY KEY,
		message     TEXT NOT NULL,
		threat_type TEXT NOT NULL,
		severity    TEXT NOT NULL,
		reporter    TEXT,
		metadata    TEXT,
		processed   INTEGER DEFAULT 0,
		reported_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pattern_variations (
		id          TEXT PRIMARY KEY,
		attack_id   TEXT NOT NULL,
		text        TEXT NOT NULL,
		method      TEXT NOT NULL,
		threat_type TEXT NOT NULL,
		confidence  REAL NOT NULL,
		keywords    TEXT,
		active      INTEGER NOT NULL DEFAULT 1,
		created_at  INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS learning_metrics (
		id                    INTEGER PRIMARY KEY CHECK (id = 1),
		total_missed          INTEGER DEFAULT 0,
		patterns_learned      INTEGER DEFAULT 0,
		variations_generated  INTEGER DEFAULT 0,
		detection_improvement REAL DEFAULT 0,
		false_negative_rate   REAL DEFAULT 0,
		updated_at            INTEGER DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS learning_events (
		id         TEXT PRIMARY KEY,
		attack_id  TEXT NOT NULL,
		kind       TEXT NOT NULL,
		detail     TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_patterns_kind ON patterns(kind, active);
	CREATE INDEX IF NOT EXISTS idx_alerts_user ON alerts(user_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_playbooks_status ON playbooks(status);
	CREATE INDEX IF NOT EXISTS idx_blocks_expires ON blocks(expires_at);
	CREATE INDEX IF NOT EXISTS idx_variations_attack ON pattern_variations(attack_id);
	CREATE INDEX IF NOT EXISTS idx_misses_processed ON missed_attacks(processed);
	`
	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO learning_metrics (id) VALUES (1) ON CONFLICT(id) DO NOTHING`)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// withRetry runs fn up to retryAttempts times with exponential backoff,
// surfacing the last error. Transient SQLite busy errors clear on retry.
func (s *SQLiteStore) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	delay := retryBase
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == retryAttempts {
			break
		}
		s.logger.Warn("database operation failed, retrying",
			"op", op, "attempt", attempt, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return fmt.Errorf("%s: %w", op, err)
}

// tx runs fn inside a transaction with retry.
func (s *SQLiteStore) tx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	return s.withRetry(ctx, op, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

// --- Patterns ---

func (s *SQLiteStore) StorePattern(ctx context.Context, p *soc.Pattern) error {
	return s.tx(ctx, "store pattern", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO patterns
			(id, text, kind, threat_type, confidence, detection_count, false_positive_count, source_attack_id, active, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				confidence = excluded.confidence,
				active = excluded.active`,
			p.ID, p.Text, p.Kind, p.ThreatType, p.Confidence,
			p.DetectionCount, p.FalsePositiveCount, nullStr(p.SourceAttackID),
			boolInt(p.Active), p.CreatedAt)
		return err
	})
}

func (s *SQLiteStore) GetPatterns(ctx context.Context, kind soc.PatternKind) ([]*soc.Pattern, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, text, kind, threat_type, confidence,
		detection_count, false_positive_count, source_attack_id, active, created_at
		FROM patterns WHERE kind = ? AND active = 1`, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var patterns []*soc.Pattern
	for rows.Next() {
		p := &soc.Pattern{}
		var source sql.NullString
		var active int
		if err := rows.Scan(&p.ID, &p.Text, &p.Kind, &p.ThreatType, &p.Confidence,
			&p.DetectionCount, &p.FalsePositiveCount, &source, &active, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.SourceAttackID = source.String
		p.Active = active == 1
		patterns = append(patterns, p)
	}
	return patterns, rows.Err()
}

func (s *SQLiteStore) UpdatePatternCounts(ctx context.Context, id string, detections, falsePositives int) error {
	return s.tx(ctx, "update pattern counts", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE patterns SET
			detection_count = detection_count + ?,
			false_positive_count = false_positive_count + ?
			WHERE id = ?`, detections, falsePositives, id)
		return err
	})
}

// --- Alerts and decisions ---

func (s *SQLiteStore) StoreAlert(ctx context.Context, a *soc.Alert) error {
	evidence, _ := json.Marshal(a.Evidence)
	return s.tx(ctx, "store alert", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO alerts
			(id, timestamp, severity, threat_type, title, description, rule_id, evidence, agent_id, user_id, session_id, src_ip)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.Timestamp, a.Severity, a.ThreatType, a.Title, a.Description,
			a.RuleID, string(evidence), nullStr(a.AgentID), nullStr(a.UserID),
			nullStr(a.SessionID), nullStr(a.SrcIP))
		return err
	})
}

// GetAlert returns the alert by id, or (nil, nil) when absent.
func (s *SQLiteStore) GetAlert(ctx context.Context, id string) (*soc.Alert, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, timestamp, severity, threat_type,
		title, description, rule_id, evidence, agent_id, user_id, session_id, src_ip
		FROM alerts WHERE id = ?`, id)

	var (
		a        soc.Alert
		desc     sql.NullString
		evidence sql.NullString
		agentID  sql.NullString
		userID   sql.NullString
		session  sql.NullString
		srcIP    sql.NullString
	)
	err := row.Scan(&a.ID, &a.Timestamp, &a.Severity, &a.ThreatType, &a.Title,
		&desc, &a.RuleID, &evidence, &agentID, &userID, &session, &srcIP)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get alert: %w", err)
	}
	a.Description = desc.String
	a.AgentID = agentID.String
	a.UserID = userID.String
	a.SessionID = session.String
	a.SrcIP = srcIP.String
	if evidence.Valid && evidence.String != "" {
		if err := json.Unmarshal([]byte(evidence.String), &a.Evidence); err != nil {
			return nil, fmt.Errorf("decode alert evidence: %w", err)
		}
	}
	return &a, nil
}

// ListAlerts returns the most recent alerts, newest first.
func (s *SQLiteStore) ListAlerts(ctx context.Context, limit int) ([]*soc.Alert, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, timestamp, severity, threat_type,
		title, description, rule_id, evidence, agent_id, user_id, session_id, src_ip
		FROM alerts ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*soc.Alert
	for rows.Next() {
		var (
			a        soc.Alert
			desc     sql.NullString
			evidence sql.NullString
			agentID  sql.NullString
			userID   sql.NullString
			session  sql.NullString
			srcIP    sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.Timestamp, &a.Severity, &a.ThreatType, &a.Title,
			&desc, &a.RuleID, &evidence, &agentID, &userID, &session, &srcIP); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		a.Description = desc.String
		a.AgentID = agentID.String
		a.UserID = userID.String
		a.SessionID = session.String
		a.SrcIP = srcIP.String
		if evidence.Valid && evidence.String != "" {
			_ = json.Unmarshal([]byte(evidence.String), &a.Evidence)
		}
		alerts = append(alerts, &a)
	}
	return alerts, rows.Err()
}

func (s *SQLiteStore) StoreAlertDecision(ctx context.Context, d *soc.Decision) error {
	reasoning, _ := json.Marshal(d.Reasoning)
	return s.tx(ctx, "store alert decision", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO alert_decisions
			(alert_id, decision, certainty, fp_probability, reasoning, environment, degraded, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(alert_id) DO UPDATE SET
				decision = excluded.decision,
				certainty = excluded.certainty,
				fp_probability = excluded.fp_probability`,
			d.AlertID, d.Decision, d.Certainty, d.FPProbability,
			string(reasoning), d.Environment, boolInt(d.Degraded), d.CreatedAt)
		return err
	})
}

func (s *SQLiteStore) StoreRemediationDecision(ctx context.Context, playbookID, alertID, outcome, detail string) error {
	return s.tx(ctx, "store remediation decision", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO remediation_decisions
			(id, playbook_id, alert_id, outcome, detail, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			soc.NewID("rd_"), playbookID, nullStr(alertID), outcome, detail, soc.Now())
		return err
	})
}

func (s *SQLiteStore) RecentAlertCount(ctx context.Context, userID string, sinceUnix int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM alerts WHERE user_id = ? AND timestamp >= ?`,
		userID, sinceUnix).Scan(&n)
	return n, err
}

// --- Playbooks ---

func (s *SQLiteStore) UpsertPlaybook(ctx context.Context, p *soc.Playbook) error {
	actions, err := json.Marshal(p.Actions)
	if err != nil {
		return fmt.Errorf("marshal actions: %w", err)
	}
	return s.tx(ctx, "upsert playbook", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO playbooks
			(id, alert_id, created_at, owner, justification, actions, legacy_target, status,
			 expires_at, signature, dry_run_result, execution_result, created_by, approved_by, executed_by)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				status = excluded.status,
				expires_at = excluded.expires_at,
				signature = excluded.signature,
				dry_run_result = excluded.dry_run_result,
				execution_result = excluded.execution_result,
				approved_by = excluded.approved_by,
				executed_by = excluded.executed_by`,
			p.ID, p.AlertID, p.CreatedAt, p.Owner, p.Justification, string(actions),
			nullStr(p.LegacyTarget), p.Status, p.ExpiresAt, nullStr(p.Signature),
			nullStr(p.DryRunResult), nullStr(p.ExecResult),
			nullStr(p.CreatedBy), nullStr(p.ApprovedBy), nullStr(p.ExecutedBy))
		return err
	})
}

func (s *SQLiteStore) GetPlaybook(ctx context.Context, id string) (*soc.Playbook, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, alert_id, created_at, owner, justification,
		actions, legacy_target, status, expires_at, signature, dry_run_result,
		execution_result, created_by, approved_by, executed_by
		FROM playbooks WHERE id = ?`, id)
	return scanPlaybook(row)
}

func (s *SQLiteStore) ListPlaybooks(ctx context.Context, status soc.PlaybookStatus, limit int) ([]*soc.Playbook, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, alert_id, created_at, owner, justification, actions, legacy_target,
		status, expires_at, signature, dry_run_result, execution_result, created_by, approved_by, executed_by
		FROM playbooks`
	var args []interface{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var playbooks []*soc.Playbook
	for rows.Next() {
		p, err := scanPlaybook(rows)
		if err != nil {
			return nil, err
		}
		playbooks = append(playbooks, p)
	}
	return playbooks, rows.Err()
}

func (s *SQLiteStore) UpdatePlaybookStatus(ctx context.Context, id string, status soc.PlaybookStatus, detail string) error {
	return s.tx(ctx, "update playbook status", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE playbooks SET status = ?, execution_result = ? WHERE id = ?`,
			status, detail, id)
		return err
	})
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPlaybook(row rowScanner) (*soc.Playbook, error) {
	p := &soc.Playbook{}
	var actions string
	var legacy, sig, dryRun, execRes, createdBy, approvedBy, executedBy sql.NullString
	err := row.Scan(&p.ID, &p.AlertID, &p.CreatedAt, &p.Owner, &p.Justification,
		&actions, &legacy, &p.Status, &p.ExpiresAt, &sig, &dryRun, &execRes,
		&createdBy, &approvedBy, &executedBy)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(actions), &p.Actions); err != nil {
		return nil, fmt.Errorf("unmarshal playbook actions: %w", err)
	}
	p.LegacyTarget = legacy.String
	p.Signature = sig.String
	p.DryRunResult = dryRun.String
	p.ExecResult = execRes.String
	p.CreatedBy = createdBy.String
	p.ApprovedBy = approvedBy.String
	p.ExecutedBy = executedBy.String
	return p, nil
}

// --- Audit chain ---

func (s *SQLiteStore) AppendAudit(ctx context.Context, rec *AuditRecord) error {
	return s.tx(ctx, "append audit", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO audit_logs
			(id, prev_hash, hash, event_type, actor, payload, signature, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.PrevHash, rec.Hash, rec.EventType, rec.Actor,
			rec.Payload, rec.Signature, rec.Timestamp)
		return err
	})
}

func (s *SQLiteStore) ListAudit(ctx context.Context, limit, offset int) ([]*AuditRecord, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, prev_hash, hash, event_type, actor, payload, signature, timestamp
		FROM audit_logs ORDER BY seq ASC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*AuditRecord
	for rows.Next() {
		r := &AuditRecord{}
		if err := rows.Scan(&r.ID, &r.PrevHash, &r.Hash, &r.EventType, &r.Actor,
			&r.Payload, &r.Signature, &r.Timestamp); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) LastAudit(ctx context.Context) (*AuditRecord, error) {
	r := &AuditRecord{}
	err := s.db.QueryRowContext(ctx, `SELECT id, prev_hash, hash, event_type, actor, payload, signature, timestamp
		FROM audit_logs ORDER BY seq DESC LIMIT 1`).Scan(
		&r.ID, &r.PrevHash, &r.Hash, &r.EventType, &r.Actor, &r.Payload, &r.Signature, &r.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// --- Remediation state mirrors ---

func (s *SQLiteStore) UpsertBlock(ctx context.Context, b *BlockRecord) error {
	return s.tx(ctx, "upsert block", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO blocks (ip, reason, alert_id, blocked_at, expires_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(ip) DO UPDATE SET
				reason = excluded.reason,
				alert_id = excluded.alert_id,
				blocked_at = excluded.blocked_at,
				expires_at = excluded.expires_at`,
			b.IP, b.Reason, nullStr(b.AlertID), b.BlockedAt, b.ExpiresAt)
		return err
	})
}

func (s *SQLiteStore) RemoveBlock(ctx context.Context, ip string) error {
	return s.tx(ctx, "remove block", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM blocks WHERE ip = ?`, ip)
		return err
	})
}

func (s *SQLiteStore) ListBlocksExpiringBefore(ctx context.Context, t int64) ([]*BlockRecord, error) {
	return s.listBlocks(ctx, `SELECT ip, reason, alert_id, blocked_at, expires_at FROM blocks WHERE expires_at < ?`, t)
}

func (s *SQLiteStore) ListActiveBlocks(ctx context.Context) ([]*BlockRecord, error) {
	return s.listBlocks(ctx, `SELECT ip, reason, alert_id, blocked_at, expires_at FROM blocks WHERE expires_at >= ?`, soc.Now())
}

func (s *SQLiteStore) listBlocks(ctx context.Context, query string, args ...interface{}) ([]*BlockRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var blocks []*BlockRecord
	for rows.Next() {
		b := &BlockRecord{}
		var alertID sql.NullString
		if err := rows.Scan(&b.IP, &b.Reason, &alertID, &b.BlockedAt, &b.ExpiresAt); err != nil {
			return nil, err
		}
		b.AlertID = alertID.String
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

func (s *SQLiteStore) UpsertRateLimit(ctx context.Context, r *RateLimitRecord) error {
	return s.tx(ctx, "upsert rate limit", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO rate_limits
			(entity_type, entity_id, lim, window_secs, tokens, updated_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(entity_type, entity_id) DO UPDATE SET
				lim = excluded.lim,
				window_secs = excluded.window_secs,
				tokens = excluded.tokens,
				updated_at = excluded.updated_at,
				expires_at = excluded.expires_at`,
			r.EntityType, r.EntityID, r.Limit, r.WindowSecs, r.Tokens, r.UpdatedAt, r.ExpiresAt)
		return err
	})
}

func (s *SQLiteStore) PurgeExpired(ctx context.Context, now int64) (int64, error) {
	var total int64
	err := s.tx(ctx, "purge expired", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM blocks WHERE expires_at < ?`, now)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		total += n

		res, err = tx.ExecContext(ctx, `DELETE FROM rate_limits WHERE expires_at < ?`, now)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		total += n
		return nil
	})
	return total, err
}

func (s *SQLiteStore) SetUserSuspended(ctx context.Context, userID string, suspended bool) error {
	return s.tx(ctx, "set user suspended", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO users (user_id, suspended, created_at)
			VALUES (?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET suspended = excluded.suspended`,
			userID, boolInt(suspended), soc.Now())
		return err
	})
}

func (s *SQLiteStore) SetSessionTerminated(ctx context.Context, sessionID string) error {
	return s.tx(ctx, "set session terminated", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO sessions (session_id, status, created_at)
			VALUES (?, 'terminated', ?)
			ON CONFLICT(session_id) DO UPDATE SET status = 'terminated'`,
			sessionID, soc.Now())
		return err
	})
}

// --- Idempotency ---

// MarkActionExecuted records an action fingerprint. Returns true when the
// fingerprint was newly inserted, false when the action already ran.
func (s *SQLiteStore) MarkActionExecuted(ctx context.Context, fingerprint, playbookID string) (bool, error) {
	var inserted bool
	err := s.tx(ctx, "mark action executed", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO executed_actions
			(fingerprint, playbook_id, created_at) VALUES (?, ?, ?)`,
			fingerprint, playbookID, soc.Now())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		inserted = n > 0
		return nil
	})
	return inserted, err
}

// --- User history ---

func (s *SQLiteStore) GetUserHistory(ctx context.Context, userID string) (*UserHistory, error) {
	h := &UserHistory{UserID: userID}
	var suspended int
	err := s.db.QueryRowContext(ctx,
		`SELECT total_alerts, false_positives, suspended FROM users WHERE user_id = ?`,
		userID).Scan(&h.TotalAlerts, &h.FalsePositives, &suspended)
	if err == sql.ErrNoRows {
		return h, nil
	}
	if err != nil {
		return nil, err
	}
	h.Suspended = suspended == 1
	return h, nil
}

func (s *SQLiteStore) RecordUserAlert(ctx context.Context, userID string, falsePositive bool) error {
	fp := 0
	if falsePositive {
		fp = 1
	}
	return s.tx(ctx, "record user alert", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO users (user_id, total_alerts, false_positives, created_at)
			VALUES (?, 1, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET
				total_alerts = total_alerts + 1,
				false_positives = false_positives + ?`,
			userID, fp, soc.Now(), fp)
		return err
	})
}

// --- Learning ---

func (s *SQLiteStore) ReportMissedAttack(ctx context.Context, m *soc.MissedAttack) error {
	metadata, _ := json.Marshal(m.Metadata)
	return s.tx(ctx, "report missed attack", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO missed_attacks
			(id, message, threat_type, severity, reporter, metadata, processed, reported_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.Message, m.ThreatType, m.Severity, m.Reporter,
			string(metadata), boolInt(m.Processed), m.ReportedAt)
		return err
	})
}

func (s *SQLiteStore) ListUnprocessedMisses(ctx context.Context) ([]*soc.MissedAttack, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, message, threat_type, severity, reporter, metadata, processed, reported_at
		FROM missed_attacks WHERE processed = 0 ORDER BY reported_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var misses []*soc.MissedAttack
	for rows.Next() {
		m := &soc.MissedAttack{}
		var metadata sql.NullString
		var processed int
		if err := rows.Scan(&m.ID, &m.Message, &m.ThreatType, &m.Severity,
			&m.Reporter, &metadata, &processed, &m.ReportedAt); err != nil {
			return nil, err
		}
		m.Processed = processed == 1
		if metadata.Valid && metadata.String != "" {
			_ = json.Unmarshal([]byte(metadata.String), &m.Metadata)
		}
		misses = append(misses, m)
	}
	return misses, rows.Err()
}

func (s *SQLiteStore) MarkMissProcessed(ctx context.Context, attackID string) error {
	return s.tx(ctx, "mark miss processed", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE missed_attacks SET processed = 1 WHERE id = ?`, attackID)
		return err
	})
}

func (s *SQLiteStore) StoreVariation(ctx context.Context, v *soc.PatternVariation) error {
	keywords := strings.Join(v.Keywords, " ")
	return s.tx(ctx, "store variation", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO pattern_variations
			(id, attack_id, text, method, threat_type, confidence, keywords, active, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			v.ID, v.AttackID, v.Text, v.Method, v.ThreatType, v.Confidence,
			keywords, boolInt(v.Active), v.CreatedAt)
		return err
	})
}

func (s *SQLiteStore) ListActiveVariations(ctx context.Context, attackID string) ([]*soc.PatternVariation, error) {
	query := `SELECT id, attack_id, text, method, threat_type, confidence, keywords, active, created_at
		FROM pattern_variations WHERE active = 1`
	var args []interface{}
	if attackID != "" {
		query += " AND attack_id = ?"
		args = append(args, attackID)
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var variations []*soc.PatternVariation
	for rows.Next() {
		v := &soc.PatternVariation{}
		var keywords string
		var active int
		if err := rows.Scan(&v.ID, &v.AttackID, &v.Text, &v.Method, &v.ThreatType,
			&v.Confidence, &keywords, &active, &v.CreatedAt); err != nil {
			return nil, err
		}
		if keywords != "" {
			v.Keywords = strings.Fields(keywords)
		}
		v.Active = active == 1
		variations = append(variations, v)
	}
	return variations, rows.Err()
}

func (s *SQLiteStore) GetLearningMetrics(ctx context.Context) (*soc.LearningMetrics, error) {
	m := &soc.LearningMetrics{}
	err := s.db.QueryRowContext(ctx, `SELECT total_missed, patterns_learned, variations_generated,
		detection_improvement, false_negative_rate, updated_at
		FROM learning_metrics WHERE id = 1`).Scan(
		&m.TotalMissed, &m.PatternsLearned, &m.VariationsGenerated,
		&m.DetectionImprovement, &m.FalseNegativeRate, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *SQLiteStore) UpdateLearningMetrics(ctx context.Context, m *soc.LearningMetrics) error {
	return s.tx(ctx, "update learning metrics", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE learning_metrics SET
			total_missed = ?, patterns_learned = ?, variations_generated = ?,
			detection_improvement = ?, false_negative_rate = ?, updated_at = ?
			WHERE id = 1`,
			m.TotalMissed, m.PatternsLearned, m.VariationsGenerated,
			m.DetectionImprovement, m.FalseNegativeRate, soc.Now())
		return err
	})
}

func (s *SQLiteStore) RecordLearningEvent(ctx context.Context, ev *LearningEvent) error {
	return s.tx(ctx, "record learning event", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO learning_events (id, attack_id, kind, detail, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			ev.ID, ev.AttackID, ev.Kind, ev.Detail, ev.CreatedAt)
		return err
	})
}

// --- Helpers ---

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
