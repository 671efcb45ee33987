// Package pipeline wires the SOC together: ingress, detection, analysis,
// remediation, approvals, learning, and the operational surfaces all hang
// off one Pipeline value.
package pipeline

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/selairgi/socagents/internal/analyst"
	"github.com/selairgi/socagents/internal/approval"
	"github.com/selairgi/socagents/internal/audit"
	"github.com/selairgi/socagents/internal/builder"
	"github.com/selairgi/socagents/internal/bus"
	"github.com/selairgi/socagents/internal/config"
	"github.com/selairgi/socagents/internal/detect"
	"github.com/selairgi/socagents/internal/learning"
	"github.com/selairgi/socagents/internal/llm"
	"github.com/selairgi/socagents/internal/memory"
	"github.com/selairgi/socagents/internal/metrics"
	"github.com/selairgi/socagents/internal/notify"
	"github.com/selairgi/socagents/internal/policy"
	"github.com/selairgi/socagents/internal/remediate"
	"github.com/selairgi/socagents/internal/soc"
)

// Pipeline owns every SOC component and their lifecycles.
type Pipeline struct {
	Config *config.Config

	Store          memory.Store
	Bus            *bus.Bus
	Chain          *audit.Chain
	LLM            *llm.Client
	Detectors      *detect.Set
	Conversational *detect.ConversationalDetector
	Rules          *detect.RulesDetector
	Builder        *builder.Builder
	Analyst        *analyst.Analyst
	Queue          *remediate.Queue
	State          *remediate.State
	Engine         *policy.Engine
	Remediator     *remediate.Remediator
	Approvals      *approval.Workflow
	Learning       *learning.System
	Notify         *notify.Manager

	sweeper *memory.Sweeper
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// llmAnalyzer adapts the LLM client to the intelligent detector.
type llmAnalyzer struct {
	client *llm.Client
}

func (a *llmAnalyzer) AnalyzeThreat(ctx context.Context, message string) (*detect.ThreatScore, error) {
	assessment, err := a.client.AnalyzeThreat(ctx, message)
	if err != nil {
		return nil, err
	}
	return &detect.ThreatScore{
		DangerScore: assessment.DangerScore,
		IntentType:  assessment.IntentType,
		Reasoning:   assessment.Reasoning,
	}, nil
}

// New builds the full pipeline from configuration. Nothing is running yet;
// call Start.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "pipeline.Pipeline")

	store, err := memory.NewSQLiteStore(cfg.Storage.Path, cfg.Storage.PoolSize, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := store.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize store: %w", err)
	}

	chain, err := audit.NewChain(ctx, store, signingKey(log), logger)
	if err != nil {
		return nil, fmt.Errorf("audit chain: %w", err)
	}

	mb := bus.New(cfg.Bus.QueueSize, cfg.Bus.PublishDeadline, logger)
	mb.OnDrop(metrics.RecordBusDrop)

	llmClient := llm.NewClient(cfg.LLM.BaseURL, cfg.LLM.Model, cfg.LLM.Timeout)

	conversational := detect.NewConversationalDetector(
		cfg.Detection.ConversationWindow, cfg.Detection.ConversationTimeout, logger)
	detectors := []detect.Detector{
		detect.NewSemanticDetector(nil, cfg.Detection.SemanticThreshold, logger),
		conversational,
	}
	if cfg.Detection.IntelligentEnabled && llmClient.Available() {
		detectors = append(detectors, detect.NewIntelligentDetector(&llmAnalyzer{llmClient}, logger))
	}
	rules := detect.NewRulesDetector(logger)
	if cfg.Detection.RulesFile != "" {
		if _, err := rules.LoadFile(cfg.Detection.RulesFile); err != nil {
			return nil, fmt.Errorf("load rules file: %w", err)
		}
	}
	detectors = append(detectors, rules)
	set := detect.NewSet(cfg.Detection.DedupWindow, logger, detectors...)

	queue := remediate.NewQueue(cfg.Remediation.QueueCapacity)

	state, err := remediate.NewState(ctx, store, logger)
	if err != nil {
		return nil, fmt.Errorf("remediation state: %w", err)
	}

	engine, err := policy.NewEngine(cfg.Policy, logger)
	if err != nil {
		return nil, fmt.Errorf("policy engine: %w", err)
	}

	registry := remediate.NewRegistry(cfg.Remediation.EffectorTimeout, logger)
	stateEffector := remediate.NewStateEffector(state, cfg.Remediation.BlockTTL,
		cfg.Remediation.RateLimitDefault, cfg.Remediation.RateLimitWindow, logger)
	for _, kind := range remediate.CatalogueKinds() {
		registry.Register(kind, stateEffector)
	}

	notifier := notify.NewManager(cfg.Notify, logger)

	workflow := approval.NewWorkflow(store, chain, approverCapabilities(),
		queue, cfg.Remediation.ApprovalTTL, logger)
	workflow.SetNotifier(notifier)

	remediator := remediate.NewRemediator(queue, store, state, registry, engine,
		chain, workflow, cfg.Remediation, cfg.Policy.Environment, cfg.RealMode, logger)

	b := builder.New(set, store, mb, chain, logger)
	an := analyst.New(store, mb, queue, cfg.Analyst, cfg.Policy.Environment, logger)

	var paraphraser learning.Paraphraser
	if llmClient.Available() {
		paraphraser = llmClient
	}
	learner := learning.NewSystem(store, set.Learners(), paraphraser, cfg.Learning, logger)

	p := &Pipeline{
		Config:         cfg,
		Store:          store,
		Bus:            mb,
		Chain:          chain,
		LLM:            llmClient,
		Detectors:      set,
		Conversational: conversational,
		Rules:          rules,
		Builder:        b,
		Analyst:        an,
		Queue:          queue,
		State:          state,
		Engine:         engine,
		Remediator:     remediator,
		Approvals:      workflow,
		Learning:       learner,
		Notify:         notifier,
		sweeper:        memory.NewSweeper(store, cfg.Storage.SweepInterval, logger),
		logger:         log,
	}

	if cfg.CTFFlag == "" {
		log.Warn("CTF_FLAG not set, capture-the-flag challenge disabled")
	}
	if !cfg.RealMode {
		log.Info("running in dry-run mode, high-risk actions are simulated")
	}
	return p, nil
}

// Start launches the background workers: remediation pool, storage
// sweeper, and the TTL maintenance loop. It also drains any miss backlog
// left from a previous run. Returns immediately; workers stop on ctx
// cancellation.
func (p *Pipeline) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.Remediator.Run(ctx)
	}()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.sweeper.Run(ctx)
	}()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.maintain(ctx)
	}()

	if n, err := p.Learning.ProcessPending(ctx); err != nil {
		p.logger.Error("miss backlog processing failed", "error", err)
	} else if n > 0 {
		p.logger.Info("processed miss backlog", "count", n)
	}
}

// RunStream consumes a log channel with the bus-driven worker chain:
// Builder feeds security.alerts, Analyst consumes them. Use this for
// ingestion sources other than the chat API.
func (p *Pipeline) RunStream(ctx context.Context, logs <-chan *soc.LogEntry) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.Analyst.Run(ctx)
	}()
	p.Builder.Run(ctx, logs)
}

// ReloadRules re-reads the detection rules file. The config watcher
// calls this when the file changes on disk.
func (p *Pipeline) ReloadRules() error {
	if p.Config.Detection.RulesFile == "" {
		return nil
	}
	n, err := p.Rules.LoadFile(p.Config.Detection.RulesFile)
	if err != nil {
		return err
	}
	p.logger.Info("detection rules reloaded", "rules", n)
	return nil
}

// Close shuts the pipeline down in dependency order.
func (p *Pipeline) Close() {
	p.Queue.Close()
	p.wg.Wait()
	p.Builder.Close()
	p.Bus.Close()
	if err := p.Store.Close(); err != nil {
		p.logger.Error("store close failed", "error", err)
	}
}

// maintain expires in-memory TTL state on the storage sweep cadence.
func (p *Pipeline) maintain(ctx context.Context) {
	interval := p.Config.Storage.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.State.Sweep()
			p.Conversational.EvictExpired()
			if n, err := p.Approvals.ExpireDue(ctx); err != nil {
				p.logger.Error("approval expiry sweep failed", "error", err)
			} else if n > 0 {
				p.logger.Info("expired stale approvals", "count", n)
			}
			p.Notify.PruneDedup()
			metrics.QueueDepth.Set(float64(p.Queue.Len()))
			if pending, err := p.Approvals.Pending(ctx); err == nil {
				metrics.PendingApprovals.Set(float64(len(pending)))
			}
		}
	}
}

// signingKey resolves the audit signing key. An ephemeral key means chain
// verification only holds within this process lifetime, so a missing env
// key is worth a loud warning.
func signingKey(log *slog.Logger) []byte {
	if k := os.Getenv("SOC_AUDIT_KEY"); k != "" {
		return []byte(k)
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		log.Error("entropy read failed, using static fallback key", "error", err)
		return []byte("socagents-fallback-signing-key")
	}
	log.Warn("SOC_AUDIT_KEY not set, using ephemeral signing key")
	return key
}

// approverCapabilities reads the approver principals from the environment
// (comma-separated SOC_APPROVERS).
func approverCapabilities() approval.CapabilityChecker {
	caps := approval.StaticCapabilities{}
	if v := os.Getenv("SOC_APPROVERS"); v != "" {
		for _, principal := range strings.Split(v, ",") {
			if principal = strings.TrimSpace(principal); principal != "" {
				caps[principal] = []string{approval.CapabilityApprover}
			}
		}
	}
	return caps
}
