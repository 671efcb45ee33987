// Package notify delivers operational notifications (detected threats,
// pending approvals, audit chain halts) to external channels.
package notify

import (
	"log/slog"
	"sync"
	"time"

	"github.com/selairgi/socagents/internal/config"
	"github.com/selairgi/socagents/internal/soc"
)

// Event kinds delivered to the channels.
const (
	EventThreatDetected   = "threat_detected"
	EventApprovalRequired = "approval_required"
	EventChainHalted      = "audit_chain_halted"
	EventLearningUpdate   = "learning_update"
)

// Notification is one message to be sent.
type Notification struct {
	Kind       string                 `json:"kind"`
	Severity   soc.Severity           `json:"severity"`
	Title      string                 `json:"title"`
	Message    string                 `json:"message"`
	UserID     string                 `json:"user_id,omitempty"`
	SessionID  string                 `json:"session_id,omitempty"`
	PlaybookID string                 `json:"playbook_id,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Sender is one delivery channel.
type Sender interface {
	Send(n Notification) error
	Name() string
}

// Manager fans notifications out to the configured channels with
// per-key deduplication.
type Manager struct {
	mu       sync.Mutex
	senders  []Sender
	dedup    map[string]time.Time
	dedupTTL time.Duration
	logger   *slog.Logger
}

// NewManager registers the channels present in the config. A manager with
// no channels is valid and drops everything.
func NewManager(cfg config.NotifyConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		dedup:    make(map[string]time.Time),
		dedupTTL: 5 * time.Minute,
		logger:   logger.With("component", "notify.Manager"),
	}
	if cfg.Slack.WebhookURL != "" {
		m.senders = append(m.senders, NewSlackSender(cfg.Slack))
	}
	if cfg.Webhook.URL != "" {
		m.senders = append(m.senders, NewWebhookSender(cfg.Webhook))
	}
	return m
}

// Send dispatches asynchronously to every channel. A notification with
// the same kind, user and session as one sent inside the dedup TTL is
// dropped.
func (m *Manager) Send(n Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	key := n.Kind + "|" + n.UserID + "|" + n.SessionID
	m.mu.Lock()
	if last, ok := m.dedup[key]; ok && time.Since(last) < m.dedupTTL {
		m.mu.Unlock()
		m.logger.Debug("notification deduplicated", "kind", n.Kind, "key", key)
		return
	}
	m.dedup[key] = time.Now()
	senders := m.senders
	m.mu.Unlock()

	for _, sender := range senders {
		go func(s Sender) {
			if err := s.Send(n); err != nil {
				m.logger.Error("notification delivery failed",
					"sender", s.Name(), "kind", n.Kind, "error", err)
			}
		}(sender)
	}
}

// ThreatDetected builds and sends the standard alert notification.
func (m *Manager) ThreatDetected(alert *soc.Alert) {
	m.Send(Notification{
		Kind:      EventThreatDetected,
		Severity:  alert.Severity,
		Title:     alert.Title,
		Message:   "threat " + string(alert.ThreatType) + " detected by " + alert.DetectionMethod(),
		UserID:    alert.UserID,
		SessionID: alert.SessionID,
		Details:   alert.Evidence,
	})
}

// ApprovalRequired notifies that a playbook is parked for a human. The
// originating alert supplies the user and session context when known.
func (m *Manager) ApprovalRequired(pb *soc.Playbook, alert *soc.Alert, reason string) {
	n := Notification{
		Kind:       EventApprovalRequired,
		Severity:   soc.SeverityHigh,
		Title:      "Playbook awaiting approval",
		Message:    reason,
		PlaybookID: pb.ID,
	}
	if alert != nil {
		n.UserID = alert.UserID
		n.SessionID = alert.SessionID
	}
	m.Send(n)
}

// ChainHalted notifies that the audit chain failed verification. This is
// never deduplicated away from operators by kind alone; the playbook id
// field carries the chain position instead.
func (m *Manager) ChainHalted(position int, detail string) {
	m.Send(Notification{
		Kind:     EventChainHalted,
		Severity: soc.SeverityCritical,
		Title:    "Audit chain integrity failure",
		Message:  detail,
		Details:  map[string]interface{}{"position": position},
	})
}

// PruneDedup removes stale dedup entries. Call periodically.
func (m *Manager) PruneDedup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for key, ts := range m.dedup {
		if now.Sub(ts) > m.dedupTTL*2 {
			delete(m.dedup, key)
		}
	}
}

// HasSenders reports whether any channel is configured.
func (m *Manager) HasSenders() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.senders) > 0
}
