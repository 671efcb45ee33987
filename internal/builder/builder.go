// Package builder is the detection stage: it consumes the log stream, runs
// the detector set over each entry, and publishes alerts to the bus. Alert
// persistence runs through an async outbox so the ingress stream never
// blocks on the database.
package builder

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/selairgi/socagents/internal/audit"
	"github.com/selairgi/socagents/internal/bus"
	"github.com/selairgi/socagents/internal/detect"
	"github.com/selairgi/socagents/internal/memory"
	"github.com/selairgi/socagents/internal/metrics"
	"github.com/selairgi/socagents/internal/soc"
)

const defaultOutboxSize = 256

// Builder runs detection over incoming log entries.
type Builder struct {
	detectors *detect.Set
	store     memory.Store
	bus       *bus.Bus
	chain     *audit.Chain
	logger    *slog.Logger

	outbox       chan *soc.Alert
	backpressure atomic.Uint64
	wg           sync.WaitGroup
}

// New creates a Builder.
func New(detectors *detect.Set, store memory.Store, b *bus.Bus, chain *audit.Chain, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	bl := &Builder{
		detectors: detectors,
		store:     store,
		bus:       b,
		chain:     chain,
		logger:    logger.With("component", "builder.Builder"),
		outbox:    make(chan *soc.Alert, defaultOutboxSize),
	}
	bl.wg.Add(1)
	go func() {
		defer bl.wg.Done()
		bl.flusher(context.Background())
	}()
	return bl
}

// Run consumes one log stream until it closes or the context is
// cancelled. Start one Run goroutine per ingress source.
func (b *Builder) Run(ctx context.Context, logs <-chan *soc.LogEntry) {
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-logs:
			if !ok {
				return
			}
			b.Process(ctx, entry)
		}
	}
}

// Close drains the outbox and stops the flusher. Call after every Run has
// returned.
func (b *Builder) Close() {
	close(b.outbox)
	b.wg.Wait()
}

// Process analyzes one entry and, on detection, publishes and persists the
// alert. Persistence goes through the async outbox; use ProcessSync when
// the caller reads the alert back right after.
func (b *Builder) Process(ctx context.Context, entry *soc.LogEntry) *soc.Alert {
	return b.process(ctx, entry, false)
}

// ProcessSync is Process with inline persistence: the alert row is durable
// before the call returns. Synchronous request paths use this so an
// immediate query sees the alert.
func (b *Builder) ProcessSync(ctx context.Context, entry *soc.LogEntry) *soc.Alert {
	return b.process(ctx, entry, true)
}

func (b *Builder) process(ctx context.Context, entry *soc.LogEntry, sync bool) *soc.Alert {
	alert := b.detectors.Analyze(ctx, entry)
	if alert == nil {
		return nil
	}

	// Publish first: downstream must see the alert even if persistence
	// lags or the outbox is saturated.
	b.bus.Publish(bus.TopicAlerts, alert)

	if sync {
		b.persist(ctx, alert)
	} else {
		select {
		case b.outbox <- alert:
		default:
			// The alert is already on the bus; only its durable copy is late.
			b.backpressure.Add(1)
			metrics.OutboxBackpressureTotal.Inc()
			b.logger.Warn("alert outbox full, persisting inline",
				"alert", alert.ID, "backpressure_total", b.backpressure.Load())
			b.persist(ctx, alert)
		}
	}

	if b.chain != nil {
		if _, err := b.chain.Append(ctx, "alert.detected", "builder", map[string]interface{}{
			"alert_id":    alert.ID,
			"severity":    alert.Severity,
			"threat_type": alert.ThreatType,
			"rule_id":     alert.RuleID,
			"method":      alert.DetectionMethod(),
		}); err != nil {
			b.logger.Error("audit append failed", "alert", alert.ID, "error", err)
		}
	}

	b.logger.Info("threat detected",
		"alert", alert.ID, "severity", alert.Severity,
		"threat_type", alert.ThreatType, "method", alert.DetectionMethod(),
		"user_id", alert.UserID, "session_id", alert.SessionID)
	return alert
}

// PersistenceBackpressure reports how often the outbox overflowed.
func (b *Builder) PersistenceBackpressure() uint64 {
	return b.backpressure.Load()
}

// flusher drains the outbox to the store.
func (b *Builder) flusher(ctx context.Context) {
	for alert := range b.outbox {
		b.persist(ctx, alert)
	}
}

func (b *Builder) persist(ctx context.Context, alert *soc.Alert) {
	if err := b.store.StoreAlert(ctx, alert); err != nil {
		b.logger.Error("alert persistence failed", "alert", alert.ID, "error", err)
		return
	}
	if alert.UserID != "" {
		if err := b.store.RecordUserAlert(ctx, alert.UserID, false); err != nil {
			b.logger.Error("user history update failed", "user", alert.UserID, "error", err)
		}
	}
	// Learning hook: credit the matched pattern or rule.
	id := feedbackPatternID(alert)
	if id == "" {
		return
	}
	if id == alert.RuleID {
		// Rules have no pattern row of their own; keep a stub so the
		// counters have somewhere to land. The upsert never resets counts.
		if err := b.store.StorePattern(ctx, &soc.Pattern{
			ID:         id,
			Text:       alert.Title,
			Kind:       soc.PatternRule,
			ThreatType: alert.ThreatType,
			Confidence: 1.0,
			Active:     true,
			CreatedAt:  soc.Now(),
		}); err != nil {
			b.logger.Error("rule pattern stub upsert failed", "rule", id, "error", err)
			return
		}
	}
	if err := b.store.UpdatePatternCounts(ctx, id, 1, 0); err != nil {
		b.logger.Error("pattern count update failed", "pattern", id, "error", err)
	}
}

// feedbackPatternID resolves which pattern row a detection feeds back
// into: the matched semantic pattern when present, otherwise the rule id.
func feedbackPatternID(alert *soc.Alert) string {
	if id, ok := alert.Evidence["matched_pattern_id"].(string); ok && id != "" {
		return id
	}
	return alert.RuleID
}
