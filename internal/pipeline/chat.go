package pipeline

import (
	"context"
	"time"

	"github.com/selairgi/socagents/internal/metrics"
	"github.com/selairgi/socagents/internal/soc"
)

// Security modes for chat requests.
const (
	ModeDefault       = "default"
	ModeSecurityAware = "security_aware"
	ModeStrict        = "strict"
)

// ChatRequest is one inbound chat turn.
type ChatRequest struct {
	Message         string `json:"message"`
	UserID          string `json:"user_id"`
	SessionID       string `json:"session_id"`
	SrcIP           string `json:"src_ip,omitempty"`
	Environment     string `json:"environment,omitempty"`
	SecurityMode    string `json:"security_mode,omitempty"`
	AutoRemediation bool   `json:"auto_remediation"`
}

// SecurityCheck is the verdict section of a chat response.
type SecurityCheck struct {
	ThreatDetected           bool     `json:"threat_detected"`
	Severity                 string   `json:"severity,omitempty"`
	ThreatType               string   `json:"threat_type,omitempty"`
	FalsePositiveProbability float64  `json:"false_positive_probability"`
	DetectionMethod          string   `json:"detection_method,omitempty"`
	RemediationActions       []string `json:"remediation_actions,omitempty"`
}

// WorkflowStep is one entry of the per-request workflow log.
type WorkflowStep struct {
	Step    string `json:"step"`
	Status  string `json:"status"` // ok, blocked, degraded, skipped
	Message string `json:"message,omitempty"`
	TS      int64  `json:"ts"`
}

// ChatResponse is the full ingress response.
type ChatResponse struct {
	Response      string         `json:"response"`
	Blocked       bool           `json:"blocked"`
	SecurityCheck SecurityCheck  `json:"security_check"`
	SessionID     string         `json:"session_id"`
	WorkflowLog   []WorkflowStep `json:"workflow_log"`
}

const (
	refusalText     = "This request was blocked by security policy."
	unavailableText = "The assistant is unavailable right now; no response was generated."
)

// ProcessChat runs one chat turn through ingress checks, the detector
// set, the analyst, and finally the LLM for the user-visible reply.
// Remediation executes asynchronously through the queue; the response
// reports what was planned.
func (p *Pipeline) ProcessChat(ctx context.Context, req *ChatRequest) *ChatResponse {
	resp := &ChatResponse{SessionID: req.SessionID}
	step := func(name, status, message string) {
		resp.WorkflowLog = append(resp.WorkflowLog, WorkflowStep{
			Step: name, Status: status, Message: message, TS: soc.Now(),
		})
	}

	if refused := p.ingressCheck(req); refused != "" {
		step("ingress_checks", "blocked", refused)
		resp.Blocked = true
		resp.Response = refusalText
		return resp
	}
	step("ingress_checks", "ok", "")

	entry := &soc.LogEntry{
		Timestamp: soc.Now(),
		Source:    "chat",
		Message:   req.Message,
		UserID:    req.UserID,
		SessionID: req.SessionID,
		SrcIP:     req.SrcIP,
	}
	if req.Environment != "" {
		entry.Metadata = map[string]string{"environment": req.Environment}
	}

	started := time.Now()
	alert := p.Builder.ProcessSync(ctx, entry)
	metrics.RecordDetection(time.Since(started))
	if alert == nil {
		step("detection", "ok", "no threat detected")
		resp.Response = p.reply(ctx, req)
		step("llm_response", responseStatus(resp.Response), "")
		return resp
	}
	metrics.RecordAlert(alert.DetectionMethod(), string(alert.Severity))
	step("detection", "ok", "alert "+alert.ID+" ("+string(alert.ThreatType)+")")

	resp.SecurityCheck = SecurityCheck{
		ThreatDetected:  true,
		Severity:        string(alert.Severity),
		ThreatType:      string(alert.ThreatType),
		DetectionMethod: alert.DetectionMethod(),
	}

	decision, playbook := p.Analyst.Process(ctx, alert)
	if decision == nil {
		step("analysis", "degraded", "alert failed validation")
		resp.Response = p.reply(ctx, req)
		step("llm_response", responseStatus(resp.Response), "")
		return resp
	}
	metrics.RecordDecision(string(decision.Decision))
	resp.SecurityCheck.FalsePositiveProbability = decision.FPProbability
	status := "ok"
	if decision.Degraded {
		status = "degraded"
	}
	step("analysis", status, string(decision.Decision))

	if playbook != nil {
		for _, act := range playbook.Actions {
			resp.SecurityCheck.RemediationActions = append(resp.SecurityCheck.RemediationActions,
				string(act.Kind)+":"+act.Parameter)
		}
		if req.AutoRemediation {
			step("remediation", "ok", "playbook "+playbook.ID+" queued")
		} else {
			// The playbook is still policy- and approval-gated; the flag
			// only signals the caller did not ask for automatic response.
			step("remediation", "ok", "playbook "+playbook.ID+" queued (caller opted out of auto-remediation)")
		}
		if decision.Decision == soc.DecisionAlert && alert.Severity.Rank() >= soc.SeverityHigh.Rank() {
			p.Notify.ThreatDetected(alert)
		}
	} else {
		step("remediation", "skipped", "no playbook")
	}

	resp.Blocked = p.shouldBlock(req.SecurityMode, alert, decision)
	if resp.Blocked {
		resp.Response = refusalText
		step("llm_response", "blocked", "")
		return resp
	}
	resp.Response = p.reply(ctx, req)
	step("llm_response", responseStatus(resp.Response), "")
	return resp
}

// ingressCheck enforces remediation state before any detection work.
// A non-empty return is the refusal reason.
func (p *Pipeline) ingressCheck(req *ChatRequest) string {
	if req.SrcIP != "" && p.State.IsBlocked(req.SrcIP) {
		return "source address is blocked"
	}
	if req.UserID != "" && p.State.IsSuspended(req.UserID) {
		return "user is suspended"
	}
	if req.SessionID != "" && p.State.IsTerminated(req.SessionID) {
		return "session was terminated"
	}
	if req.UserID != "" && !p.State.AllowRequest("user", req.UserID) {
		return "rate limit exceeded"
	}
	if req.SrcIP != "" && !p.State.AllowRequest("ip", req.SrcIP) {
		return "rate limit exceeded"
	}
	return ""
}

// shouldBlock decides whether the user-visible reply is withheld.
func (p *Pipeline) shouldBlock(mode string, alert *soc.Alert, decision *soc.Decision) bool {
	if decision.Decision == soc.DecisionFalsePositive {
		return false
	}
	switch mode {
	case ModeStrict:
		return true
	case ModeSecurityAware:
		return alert.Severity.Rank() >= soc.SeverityMedium.Rank() &&
			decision.Decision == soc.DecisionAlert
	default:
		return alert.Severity.Rank() >= soc.SeverityHigh.Rank() &&
			decision.Decision == soc.DecisionAlert
	}
}

const chatSystemPrompt = "You are a helpful assistant operating behind a security operations layer. Answer the user's question directly and concisely."

func (p *Pipeline) reply(ctx context.Context, req *ChatRequest) string {
	if !p.LLM.Available() {
		return unavailableText
	}
	result, err := p.LLM.Chat(ctx, chatSystemPrompt, req.Message)
	if err != nil {
		p.logger.Warn("chat completion failed", "user_id", req.UserID, "error", err)
		return unavailableText
	}
	return result.Text
}

func responseStatus(text string) string {
	if text == unavailableText {
		return "degraded"
	}
	return "ok"
}
