package notify

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/selairgi/socagents/internal/config"
	"github.com/selairgi/socagents/internal/soc"
)

type mockSender struct {
	mu       sync.Mutex
	name     string
	sendFunc func(Notification) error
	sent     []Notification
}

func (m *mockSender) Name() string { return m.name }

func (m *mockSender) Send(n Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, n)
	if m.sendFunc != nil {
		return m.sendFunc(n)
	}
	return nil
}

func (m *mockSender) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func (m *mockSender) last() *Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return nil
	}
	n := m.sent[len(m.sent)-1]
	return &n
}

func newTestManager(senders ...Sender) *Manager {
	m := NewManager(config.NotifyConfig{}, nil)
	m.senders = append(m.senders, senders...)
	return m
}

func TestNewManager_SenderRegistration(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.NotifyConfig
		want int
	}{
		{"none configured", config.NotifyConfig{}, 0},
		{"slack only", config.NotifyConfig{
			Slack: config.SlackConfig{WebhookURL: "https://hooks.slack.com/x", Channel: "#soc"},
		}, 1},
		{"webhook only", config.NotifyConfig{
			Webhook: config.WebhookConfig{URL: "https://example.com/hook", Secret: "s"},
		}, 1},
		{"both", config.NotifyConfig{
			Slack:   config.SlackConfig{WebhookURL: "https://hooks.slack.com/x"},
			Webhook: config.WebhookConfig{URL: "https://example.com/hook"},
		}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(tt.cfg, nil)
			if len(m.senders) != tt.want {
				t.Errorf("senders = %d, want %d", len(m.senders), tt.want)
			}
			if m.HasSenders() != (tt.want > 0) {
				t.Errorf("HasSenders() = %v", m.HasSenders())
			}
		})
	}
}

func TestManager_SendFansOut(t *testing.T) {
	s1 := &mockSender{name: "a"}
	s2 := &mockSender{name: "b"}
	m := newTestManager(s1, s2)

	m.Send(Notification{
		Kind:      EventThreatDetected,
		Severity:  soc.SeverityHigh,
		Title:     "Prompt injection",
		UserID:    "u1",
		SessionID: "s1",
	})
	time.Sleep(50 * time.Millisecond)

	if s1.count() != 1 || s2.count() != 1 {
		t.Fatalf("counts = %d/%d, want 1/1", s1.count(), s2.count())
	}
	if n := s1.last(); n.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
}

func TestManager_SendDeduplicates(t *testing.T) {
	s := &mockSender{name: "a"}
	m := newTestManager(s)

	n := Notification{Kind: EventThreatDetected, UserID: "u1", SessionID: "s1"}
	m.Send(n)
	m.Send(n)
	m.Send(n)
	time.Sleep(50 * time.Millisecond)

	if s.count() != 1 {
		t.Errorf("count = %d, want 1 after dedup", s.count())
	}

	// A different session is a different key.
	n.SessionID = "s2"
	m.Send(n)
	time.Sleep(50 * time.Millisecond)
	if s.count() != 2 {
		t.Errorf("count = %d, want 2 for distinct session", s.count())
	}
}

func TestManager_DedupExpires(t *testing.T) {
	s := &mockSender{name: "a"}
	m := newTestManager(s)
	m.dedupTTL = 50 * time.Millisecond

	n := Notification{Kind: EventApprovalRequired, UserID: "u1"}
	m.Send(n)
	time.Sleep(80 * time.Millisecond)
	m.Send(n)
	time.Sleep(50 * time.Millisecond)

	if s.count() != 2 {
		t.Errorf("count = %d, want 2 after TTL expiry", s.count())
	}
}

func TestManager_SenderErrorIsContained(t *testing.T) {
	s := &mockSender{name: "a", sendFunc: func(Notification) error {
		return errors.New("endpoint down")
	}}
	m := newTestManager(s)

	m.Send(Notification{Kind: EventChainHalted})
	time.Sleep(50 * time.Millisecond)

	if s.count() != 1 {
		t.Errorf("count = %d, want 1 attempt despite error", s.count())
	}
}

func TestManager_ThreatDetectedFields(t *testing.T) {
	s := &mockSender{name: "a"}
	m := newTestManager(s)

	m.ThreatDetected(&soc.Alert{
		ID:         soc.NewID(soc.AlertIDPrefix),
		Severity:   soc.SeverityCritical,
		ThreatType: soc.ThreatPromptInjection,
		Title:      "Prompt injection attempt",
		UserID:     "u1",
		SessionID:  "s1",
		Evidence: map[string]interface{}{
			"detection_method": "semantic",
			"similarity_score": 0.92,
		},
	})
	time.Sleep(50 * time.Millisecond)

	n := s.last()
	if n == nil {
		t.Fatal("nothing sent")
	}
	if n.Kind != EventThreatDetected {
		t.Errorf("kind = %q", n.Kind)
	}
	if n.Severity != soc.SeverityCritical {
		t.Errorf("severity = %q", n.Severity)
	}
	if n.Details["similarity_score"] != 0.92 {
		t.Errorf("details = %v", n.Details)
	}
}

func TestManager_ApprovalRequiredFields(t *testing.T) {
	s := &mockSender{name: "a"}
	m := newTestManager(s)

	pb := &soc.Playbook{ID: soc.NewID(soc.PlaybookIDPrefix), AlertID: soc.NewID(soc.AlertIDPrefix)}
	m.ApprovalRequired(pb, &soc.Alert{UserID: "u1", SessionID: "s1"}, "destructive action in production")
	time.Sleep(50 * time.Millisecond)

	n := s.last()
	if n == nil {
		t.Fatal("nothing sent")
	}
	if n.Kind != EventApprovalRequired || n.PlaybookID != pb.ID {
		t.Errorf("notification = %+v", n)
	}
	if n.UserID != "u1" || n.SessionID != "s1" {
		t.Errorf("alert context missing: %+v", n)
	}

	// No alert context still notifies.
	pb2 := &soc.Playbook{ID: soc.NewID(soc.PlaybookIDPrefix)}
	m.ApprovalRequired(pb2, nil, "reason")
	time.Sleep(50 * time.Millisecond)
	if s.count() != 2 {
		t.Errorf("count = %d, want 2", s.count())
	}
}

func TestManager_PruneDedup(t *testing.T) {
	m := newTestManager()
	m.dedupTTL = 100 * time.Millisecond

	now := time.Now()
	m.dedup["old"] = now.Add(-300 * time.Millisecond)
	m.dedup["fresh"] = now.Add(-50 * time.Millisecond)

	m.PruneDedup()

	if _, ok := m.dedup["old"]; ok {
		t.Error("expired entry survived prune")
	}
	if _, ok := m.dedup["fresh"]; !ok {
		t.Error("fresh entry was pruned")
	}
}
