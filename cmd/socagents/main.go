package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/selairgi/socagents/internal/api"
	"github.com/selairgi/socagents/internal/auth"
	"github.com/selairgi/socagents/internal/config"
	"github.com/selairgi/socagents/internal/pipeline"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "socagents",
		Short: "Autonomous security operations center for AI agent traffic",
		Long:  "socagents: Detect. Decide. Remediate.\nA multi-agent SOC that screens chat traffic for threats, plans remediation playbooks, and learns from missed attacks.",
	}

	var configFile string
	var port int
	var devMode bool

	// ─── start ───
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the SOC pipeline and API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(configFile, port, devMode)
		},
	}
	startCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file (default: socagents.yaml)")
	startCmd.Flags().IntVarP(&port, "port", "p", 0, "Override HTTP port (default: 7747)")
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Dev mode: verbose logs, CORS *")

	// ─── status ───
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show detector health, queue depth, and chain state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(port)
		},
	}
	statusCmd.Flags().IntVarP(&port, "port", "p", 0, "Server port")

	// ─── version ───
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("socagents %s\n", version)
			fmt.Printf("  Commit:  %s\n", commit)
			fmt.Printf("  Built:   %s\n", buildDate)
		},
	}

	// ─── report-miss ───
	var missType, missSeverity, missReporter string
	var missAuto bool
	reportMissCmd := &cobra.Command{
		Use:   "report-miss [message]",
		Short: "Report an attack the detectors missed and trigger learning",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReportMiss(port, args[0], missType, missSeverity, missReporter, missAuto)
		},
	}
	reportMissCmd.Flags().StringVar(&missType, "type", "prompt_injection", "Threat type of the missed attack")
	reportMissCmd.Flags().StringVar(&missSeverity, "severity", "high", "Severity of the missed attack")
	reportMissCmd.Flags().StringVar(&missReporter, "reporter", "cli", "Who reported the miss")
	reportMissCmd.Flags().BoolVar(&missAuto, "auto-update", true, "Generate variations and update detectors immediately")
	reportMissCmd.Flags().IntVarP(&port, "port", "p", 0, "Server port")

	// ─── learning ───
	learningCmd := &cobra.Command{
		Use:   "learning",
		Short: "Learning loop commands",
	}

	learningMetricsCmd := &cobra.Command{
		Use:   "metrics",
		Short: "Show learning loop metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON(port, "/api/learning/metrics")
		},
	}

	learningExportCmd := &cobra.Command{
		Use:   "export [attack-id]",
		Short: "Export the active pattern variations for a missed attack",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON(port, "/api/learning/variations?attack_id="+args[0])
		},
	}

	learningCmd.AddCommand(learningMetricsCmd, learningExportCmd)
	learningCmd.PersistentFlags().IntVarP(&port, "port", "p", 0, "Server port")

	// ─── approvals ───
	approvalsCmd := &cobra.Command{
		Use:   "approvals",
		Short: "Playbook approval commands",
	}

	approvalsListCmd := &cobra.Command{
		Use:   "list",
		Short: "List playbooks awaiting approval",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApprovalsList(port)
		},
	}

	var approver, reason string
	approvalsApproveCmd := &cobra.Command{
		Use:   "approve [playbook-id]",
		Short: "Approve a pending playbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApprovalDecision(port, args[0], "approve", approver, reason)
		},
	}

	approvalsRejectCmd := &cobra.Command{
		Use:   "reject [playbook-id]",
		Short: "Reject a pending playbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApprovalDecision(port, args[0], "reject", approver, reason)
		},
	}

	approvalsDryRunCmd := &cobra.Command{
		Use:   "dry-run [playbook-id]",
		Short: "Simulate a playbook and show its blast radius",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postJSON(port, "/api/approvals/"+args[0]+"/dry-run", nil)
		},
	}

	approvalsCmd.AddCommand(approvalsListCmd, approvalsApproveCmd, approvalsRejectCmd, approvalsDryRunCmd)
	approvalsCmd.PersistentFlags().IntVarP(&port, "port", "p", 0, "Server port")
	approvalsCmd.PersistentFlags().StringVar(&approver, "approver", "", "Approver principal (must hold the approver capability)")
	approvalsCmd.PersistentFlags().StringVar(&reason, "reason", "", "Rejection reason")

	// ─── audit ───
	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit chain commands",
	}

	auditVerifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the audit chain end to end",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuditVerify(port)
		},
	}

	var operator string
	auditAckCmd := &cobra.Command{
		Use:   "acknowledge",
		Short: "Acknowledge an integrity failure and re-open the chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			if operator == "" {
				return fmt.Errorf("--operator is required")
			}
			return postJSON(port, "/api/audit/acknowledge", map[string]string{"operator": operator})
		},
	}
	auditAckCmd.Flags().StringVar(&operator, "operator", "", "Operator acknowledging the failure")

	auditCmd.AddCommand(auditVerifyCmd, auditAckCmd)
	auditCmd.PersistentFlags().IntVarP(&port, "port", "p", 0, "Server port")

	// ─── policies ───
	policiesCmd := &cobra.Command{
		Use:   "policies",
		Short: "Policy and detection rule commands",
	}

	policiesReloadCmd := &cobra.Command{
		Use:   "reload",
		Short: "Reload the detection rules file on a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return postJSON(port, "/api/policies/reload", nil)
		},
	}

	policiesCmd.AddCommand(policiesReloadCmd)
	policiesCmd.PersistentFlags().IntVarP(&port, "port", "p", 0, "Server port")

	rootCmd.AddCommand(startCmd, statusCmd, versionCmd, reportMissCmd, learningCmd, approvalsCmd, auditCmd, policiesCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runStart(configFile string, portOverride int, devMode bool) error {
	if configFile == "" {
		configFile = findConfigFile()
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if portOverride > 0 {
		cfg.Server.Port = portOverride
	}
	if devMode {
		cfg.Server.CORS = true
		cfg.Server.LogLevel = "debug"
	}

	logLevel := slog.LevelInfo
	switch strings.ToLower(cfg.Server.LogLevel) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p, err := pipeline.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}
	defer p.Close()
	p.Start(ctx)

	// Hot-reload the detection rules file when it changes on disk.
	if cfg.Detection.RulesFile != "" {
		watcher, err := config.NewWatcher([]string{cfg.Detection.RulesFile}, logger)
		if err != nil {
			logger.Warn("could not create rules watcher", "error", err)
		} else {
			watcher.OnChange(func(path string) {
				if err := p.ReloadRules(); err != nil {
					logger.Error("rules reload failed", "path", path, "error", err)
				}
			})
			watcher.Start()
			defer func() { _ = watcher.Stop() }()
		}
	}

	tokens := auth.FromEnv(logger)
	if tokens == nil {
		logger.Warn("SOC_API_TOKEN not set, API is unauthenticated")
	}
	apiServer := api.NewServer(p, tokens, logger)

	fmt.Println()
	fmt.Println("  ╔══════════════════════════════════════════╗")
	fmt.Println("  ║            socagents v" + version + "                ║")
	fmt.Println("  ║   Detect. Decide. Remediate.             ║")
	fmt.Println("  ╚══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  → API:       http://localhost:%d/api\n", cfg.Server.Port)
	fmt.Printf("  → Events:    ws://localhost:%d/api/ws/events\n", cfg.Server.Port)
	fmt.Printf("  → Metrics:   http://localhost:%d/metrics\n", cfg.Server.Port)
	fmt.Printf("  → Storage:   %s\n", cfg.Storage.Path)
	fmt.Printf("  → Mode:      %s\n", modeLabel(cfg.RealMode))
	fmt.Println()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down...")
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutCancel()
		_ = apiServer.Shutdown(shutCtx)
		cancel()
	}()

	logger.Info("starting HTTP server", "port", cfg.Server.Port)
	if err := apiServer.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

func modeLabel(real bool) string {
	if real {
		return "real (high-risk actions execute)"
	}
	return "dry-run (high-risk actions simulated)"
}

func runStatus(port int) error {
	p := resolvePort(port)
	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/api/status", p))
	if err != nil {
		fmt.Printf("socagents is not running on port %d\n", p)
		return nil
	}
	defer func() { _ = resp.Body.Close() }()

	var status map[string]interface{}
	if err := decodeJSON(resp, &status); err != nil {
		return err
	}

	fmt.Println("socagents Status")
	fmt.Println("────────────────")
	for k, v := range status {
		if k == "detectors" {
			continue
		}
		fmt.Printf("  %-15s %v\n", k+":", v)
	}
	detectors, _ := status["detectors"].([]interface{})
	if len(detectors) > 0 {
		fmt.Println("\n  Detectors:")
		for _, d := range detectors {
			m, _ := d.(map[string]interface{})
			state := "healthy"
			if ok, _ := m["healthy"].(bool); !ok {
				state = "unhealthy"
			}
			fmt.Printf("    %-16v %-10s patterns=%v\n", m["name"], state, m["patterns_total"])
		}
	}
	return nil
}

func runReportMiss(port int, message, threatType, severity, reporter string, autoUpdate bool) error {
	p := resolvePort(port)
	body, _ := json.Marshal(map[string]interface{}{
		"message":     message,
		"threat_type": threatType,
		"severity":    severity,
		"reporter":    reporter,
		"auto_update": autoUpdate,
	})
	resp, err := http.Post(fmt.Sprintf("http://localhost:%d/api/learning/report-miss", p),
		"application/json", strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result map[string]interface{}
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("report rejected: %v", result["error"])
	}
	fmt.Printf("✓ Missed attack reported: %v (processed=%v)\n", result["attack_id"], result["processed"])
	return nil
}

func runApprovalsList(port int) error {
	p := resolvePort(port)
	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/api/approvals", p))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result struct {
		Pending []map[string]interface{} `json:"pending"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}
	if len(result.Pending) == 0 {
		fmt.Println("No playbooks awaiting approval.")
		return nil
	}

	fmt.Printf("%-24s %-24s %-10s %s\n", "PLAYBOOK", "ALERT", "SEVERITY", "JUSTIFICATION")
	fmt.Println(strings.Repeat("─", 90))
	for _, pb := range result.Pending {
		fmt.Printf("%-24v %-24v %-10v %v\n",
			pb["id"], pb["alert_id"], pb["severity"], truncate(str(pb["justification"]), 30))
	}
	return nil
}

func runApprovalDecision(port int, playbookID, verb, approver, reason string) error {
	if approver == "" {
		return fmt.Errorf("--approver is required")
	}
	p := resolvePort(port)
	body, _ := json.Marshal(map[string]string{"approver": approver, "reason": reason})
	resp, err := http.Post(fmt.Sprintf("http://localhost:%d/api/approvals/%s/%s", p, playbookID, verb),
		"application/json", strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result map[string]interface{}
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s failed: %v", verb, result["error"])
	}
	fmt.Printf("✓ Playbook %s %s\n", playbookID, result["status"])
	return nil
}

func runAuditVerify(port int) error {
	p := resolvePort(port)
	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/api/audit/verify", p))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result struct {
		Intact   bool `json:"intact"`
		BrokenAt int  `json:"broken_at"`
		Halted   bool `json:"halted"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}
	if result.Intact {
		fmt.Println("✓ Audit chain intact")
	} else {
		fmt.Printf("✗ Audit chain broken at entry %d, approvals are halted\n", result.BrokenAt)
	}
	return nil
}

// ─── Shared Helpers ───

func getJSON(port int, path string) error {
	p := resolvePort(port)
	resp, err := http.Get(fmt.Sprintf("http://localhost:%d%s", p, path))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	return printBody(resp)
}

func postJSON(port int, path string, payload interface{}) error {
	p := resolvePort(port)
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = strings.NewReader(string(data))
	}
	resp, err := http.Post(fmt.Sprintf("http://localhost:%d%s", p, path), "application/json", body)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	return printBody(resp)
}

func printBody(resp *http.Response) error {
	var result interface{}
	if err := decodeJSON(resp, &result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("request failed (HTTP %d)", resp.StatusCode)
	}
	return nil
}

func findConfigFile() string {
	candidates := []string{"socagents.yaml", "socagents.yml"}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

func resolvePort(port int) int {
	if port == 0 {
		return 7747
	}
	return port
}

func decodeJSON(resp *http.Response, v interface{}) error {
	return json.NewDecoder(resp.Body).Decode(v)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-2] + ".."
}

func str(v interface{}) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}
