package api

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"

	"github.com/selairgi/socagents/internal/pipeline"
	"github.com/selairgi/socagents/internal/soc"
)

// --- Chat ingress ---

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req pipeline.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if req.SessionID == "" {
		req.SessionID = soc.NewID("sess_")
	}
	if req.SrcIP == "" {
		req.SrcIP = clientIP(r)
	}

	resp := s.pipeline.ProcessChat(r.Context(), &req)
	writeJSON(w, http.StatusOK, resp)
}

// --- Alerts ---

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	alerts, err := s.pipeline.Store.ListAlerts(r.Context(), limit)
	if err != nil {
		s.logger.Error("list alerts failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list alerts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := s.pipeline.Store.GetAlert(r.Context(), r.PathValue("id"))
	if err != nil {
		s.logger.Error("get alert failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load alert")
		return
	}
	if alert == nil {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// --- Playbooks ---

func (s *Server) handleListPlaybooks(w http.ResponseWriter, r *http.Request) {
	status := soc.PlaybookStatus(r.URL.Query().Get("status"))
	limit := queryInt(r, "limit", 50)

	playbooks, err := s.pipeline.Store.ListPlaybooks(r.Context(), status, limit)
	if err != nil {
		s.logger.Error("list playbooks failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list playbooks")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"playbooks": playbooks,
		"count":     len(playbooks),
	})
}

func (s *Server) handleGetPlaybook(w http.ResponseWriter, r *http.Request) {
	pb, err := s.pipeline.Store.GetPlaybook(r.Context(), r.PathValue("id"))
	if err != nil {
		s.logger.Error("get playbook failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load playbook")
		return
	}
	if pb == nil {
		writeError(w, http.StatusNotFound, "playbook not found")
		return
	}
	writeJSON(w, http.StatusOK, pb)
}

// --- Approvals ---

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	pending, err := s.pipeline.Approvals.Pending(r.Context())
	if err != nil {
		s.logger.Error("list approvals failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list approvals")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pending": pending,
		"count":   len(pending),
	})
}

func (s *Server) handleDryRun(w http.ResponseWriter, r *http.Request) {
	result, err := s.pipeline.Approvals.ExecuteDryRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type decisionRequest struct {
	Approver string `json:"approver"`
	Reason   string `json:"reason,omitempty"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Approver == "" {
		writeError(w, http.StatusBadRequest, "approver is required")
		return
	}
	id := r.PathValue("id")
	if err := s.pipeline.Approvals.Approve(r.Context(), id, req.Approver); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"playbook_id": id,
		"status":      string(soc.PlaybookApproved),
		"approved_by": req.Approver,
	})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Approver == "" {
		writeError(w, http.StatusBadRequest, "approver is required")
		return
	}
	id := r.PathValue("id")
	if err := s.pipeline.Approvals.Reject(r.Context(), id, req.Approver, req.Reason); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"playbook_id": id,
		"status":      string(soc.PlaybookRejected),
	})
}

// --- Learning ---

type reportMissRequest struct {
	Message    string            `json:"message"`
	ThreatType string            `json:"threat_type"`
	Severity   string            `json:"severity,omitempty"`
	Reporter   string            `json:"reporter,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	AutoUpdate bool              `json:"auto_update"`
}

func (s *Server) handleReportMiss(w http.ResponseWriter, r *http.Request) {
	var req reportMissRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" || req.ThreatType == "" {
		writeError(w, http.StatusBadRequest, "message and threat_type are required")
		return
	}
	severity := soc.Severity(req.Severity)
	if severity == "" {
		severity = soc.SeverityHigh
	}

	attack := &soc.MissedAttack{
		Message:    req.Message,
		ThreatType: soc.ThreatType(req.ThreatType),
		Severity:   severity,
		Reporter:   req.Reporter,
		Metadata:   req.Metadata,
	}
	id, err := s.pipeline.Learning.ReportMissedAttack(r.Context(), attack, req.AutoUpdate)
	if err != nil {
		s.logger.Error("report miss failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to report missed attack")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"attack_id": id,
		"processed": req.AutoUpdate,
	})
}

func (s *Server) handleLearningMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := s.pipeline.Learning.Metrics(r.Context())
	if err != nil {
		s.logger.Error("learning metrics failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load learning metrics")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleExportVariations(w http.ResponseWriter, r *http.Request) {
	attackID := r.URL.Query().Get("attack_id")
	if attackID == "" {
		writeError(w, http.StatusBadRequest, "attack_id is required")
		return
	}
	data, err := s.pipeline.Learning.ExportVariations(r.Context(), attackID)
	if err != nil {
		s.logger.Error("export variations failed", "attack_id", attackID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to export variations")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// --- Audit ---

func (s *Server) handleVerifyAudit(w http.ResponseWriter, r *http.Request) {
	ok, brokenAt, err := s.pipeline.Chain.Verify(r.Context())
	if err != nil {
		s.logger.Error("audit verify failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to verify audit chain")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"intact":    ok,
		"broken_at": brokenAt,
		"halted":    s.pipeline.Chain.Halted(),
	})
}

func (s *Server) handleAcknowledgeAudit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Operator string `json:"operator"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Operator == "" {
		writeError(w, http.StatusBadRequest, "operator is required")
		return
	}
	if err := s.pipeline.Chain.Acknowledge(r.Context(), req.Operator); err != nil {
		s.logger.Error("audit acknowledge failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to acknowledge audit chain")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"halted": s.pipeline.Chain.Halted(),
	})
}

// --- Policies ---

func (s *Server) handleReloadPolicies(w http.ResponseWriter, r *http.Request) {
	if err := s.pipeline.ReloadRules(); err != nil {
		s.logger.Error("rules reload failed", "error", err)
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reloaded":   true,
		"rules_file": s.pipeline.Config.Detection.RulesFile,
	})
}

// --- System ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"detectors":    s.pipeline.Detectors.Health(),
		"queue_depth":  s.pipeline.Queue.Len(),
		"bus_dropped":  s.pipeline.Bus.Dropped(),
		"chain_halted": s.pipeline.Chain.Halted(),
		"llm":          s.pipeline.LLM.Available(),
		"real_mode":    s.pipeline.Config.RealMode,
		"environment":  s.pipeline.Config.Policy.Environment,
		"ws_clients":   s.wsHub.ClientCount(),
	})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func queryInt(r *http.Request, name string, fallback int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

// clientIP strips the port from RemoteAddr, best effort.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
