package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/selairgi/socagents/internal/config"
	"github.com/selairgi/socagents/internal/soc"
)

// SlackSender posts notifications to a Slack incoming webhook.
type SlackSender struct {
	webhookURL string
	channel    string
	client     *http.Client
}

func NewSlackSender(cfg config.SlackConfig) *SlackSender {
	return &SlackSender{
		webhookURL: cfg.WebhookURL,
		channel:    cfg.Channel,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *SlackSender) Name() string { return "slack" }

func (s *SlackSender) Send(n Notification) error {
	payload := map[string]interface{}{
		"channel": s.channel,
		"attachments": []map[string]interface{}{
			{
				"color":  severityColor(n.Severity),
				"title":  fmt.Sprintf("%s SOC: %s", severityEmoji(n.Severity), n.Title),
				"text":   n.Message,
				"fields": buildSlackFields(n),
				"ts":     n.Timestamp.Unix(),
			},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	resp, err := s.client.Post(s.webhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("post slack webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook returned %d", resp.StatusCode)
	}
	return nil
}

func buildSlackFields(n Notification) []map[string]interface{} {
	fields := []map[string]interface{}{
		{"title": "Kind", "value": n.Kind, "short": true},
		{"title": "Severity", "value": string(n.Severity), "short": true},
	}
	if n.UserID != "" {
		fields = append(fields, map[string]interface{}{"title": "User", "value": n.UserID, "short": true})
	}
	if n.SessionID != "" {
		fields = append(fields, map[string]interface{}{"title": "Session", "value": n.SessionID, "short": true})
	}
	if n.PlaybookID != "" {
		fields = append(fields, map[string]interface{}{"title": "Playbook", "value": n.PlaybookID, "short": true})
	}
	return fields
}

func severityEmoji(sev soc.Severity) string {
	switch sev {
	case soc.SeverityCritical:
		return "🔴"
	case soc.SeverityHigh:
		return "🟠"
	case soc.SeverityMedium:
		return "🟡"
	default:
		return "🔵"
	}
}

func severityColor(sev soc.Severity) string {
	switch sev {
	case soc.SeverityCritical:
		return "#dc3545"
	case soc.SeverityHigh:
		return "#fd7e14"
	case soc.SeverityMedium:
		return "#ffc107"
	default:
		return "#17a2b8"
	}
}
