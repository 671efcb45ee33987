// Package learning closes the feedback loop on missed attacks: a reported
// miss is expanded into pattern variations across five generation methods,
// high-confidence variations are admitted into the live detectors, and the
// learning metrics track how much ground the detectors have recovered.
package learning

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/selairgi/socagents/internal/config"
	"github.com/selairgi/socagents/internal/detect"
	"github.com/selairgi/socagents/internal/llm"
	"github.com/selairgi/socagents/internal/memory"
	"github.com/selairgi/socagents/internal/metrics"
	"github.com/selairgi/socagents/internal/soc"
)

// admissionThreshold is the minimum confidence for a variation to enter
// the live detectors.
const admissionThreshold = 0.7

// Paraphraser asks the LLM for stylistic paraphrases of an attack.
type Paraphraser interface {
	Chat(ctx context.Context, systemPrompt, userMessage string) (*llm.ChatResult, error)
}

// System is the learning loop.
type System struct {
	store    memory.Store
	learners []detect.Learner
	llm      Paraphraser
	cfg      config.LearningConfig
	logger   *slog.Logger
}

// NewSystem creates the learning system. llmClient may be nil; generation
// then uses the rule-based methods only.
func NewSystem(store memory.Store, learners []detect.Learner, llmClient Paraphraser, cfg config.LearningConfig, logger *slog.Logger) *System {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxVariations <= 0 {
		cfg.MaxVariations = 30
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = admissionThreshold
	}
	if cfg.GenerateBudget <= 0 {
		cfg.GenerateBudget = 5 * time.Second
	}
	if cfg.AIVariations <= 0 {
		cfg.AIVariations = 5
	}
	return &System{
		store:    store,
		learners: learners,
		llm:      llmClient,
		cfg:      cfg,
		logger:   logger.With("component", "learning.System"),
	}
}

// ReportMissedAttack records a miss and optionally processes it at once.
// Reporting the same attack id twice is a no-op on the second call.
func (s *System) ReportMissedAttack(ctx context.Context, attack *soc.MissedAttack, autoUpdate bool) (string, error) {
	if attack.ID == "" {
		attack.ID = soc.NewID(soc.AttackIDPrefix)
	}
	if attack.ReportedAt == 0 {
		attack.ReportedAt = soc.Now()
	}
	if err := s.store.ReportMissedAttack(ctx, attack); err != nil {
		return "", fmt.Errorf("persist missed attack: %w", err)
	}
	s.recordEvent(ctx, attack.ID, "reported", attack.Reporter)

	if autoUpdate {
		// A re-reported attack that was already processed must not run
		// the learning pass again.
		pending, err := s.store.ListUnprocessedMisses(ctx)
		if err != nil {
			return attack.ID, fmt.Errorf("check miss state: %w", err)
		}
		unprocessed := false
		for _, m := range pending {
			if m.ID == attack.ID {
				unprocessed = true
				break
			}
		}
		if unprocessed {
			if err := s.ProcessMiss(ctx, attack); err != nil {
				return attack.ID, fmt.Errorf("process miss: %w", err)
			}
		}
	}
	return attack.ID, nil
}

// ProcessPending drains the unprocessed miss backlog.
func (s *System) ProcessPending(ctx context.Context) (int, error) {
	misses, err := s.store.ListUnprocessedMisses(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unprocessed misses: %w", err)
	}
	for _, m := range misses {
		if err := s.ProcessMiss(ctx, m); err != nil {
			return 0, err
		}
	}
	return len(misses), nil
}

// ProcessMiss runs the full learning pass for one miss: generate
// variations, persist them, admit the confident ones into the detectors,
// and update the metrics. A miss already marked processed is skipped.
func (s *System) ProcessMiss(ctx context.Context, attack *soc.MissedAttack) error {
	if attack.Processed {
		return nil
	}

	variations := s.generate(ctx, attack)
	s.logger.Info("variations generated",
		"attack", attack.ID, "count", len(variations))

	// Variations are persisted before any counter moves, so a crash
	// between the two never reports learning that did not happen.
	for _, v := range variations {
		if err := s.store.StoreVariation(ctx, v); err != nil {
			return fmt.Errorf("persist variation: %w", err)
		}
	}
	s.recordEvent(ctx, attack.ID, "variations_generated", fmt.Sprintf("%d variations", len(variations)))

	admitted := 0
	for _, v := range variations {
		if v.Confidence < s.cfg.MinConfidence {
			continue
		}
		for _, l := range s.learners {
			if err := l.Learn(v.Text, v.ThreatType); err != nil {
				s.logger.Warn("detector learn failed", "variation", v.ID, "error", err)
			}
		}
		admitted++
		metrics.LearnedPatternsTotal.Inc()
	}
	// The original phrasing itself is always admitted.
	for _, l := range s.learners {
		if err := l.Learn(attack.Message, attack.ThreatType); err != nil {
			s.logger.Warn("detector learn failed for original", "attack", attack.ID, "error", err)
		}
	}
	s.recordEvent(ctx, attack.ID, "patterns_admitted", fmt.Sprintf("%d variations admitted", admitted))

	if err := s.store.MarkMissProcessed(ctx, attack.ID); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}

	lm, err := s.store.GetLearningMetrics(ctx)
	if err != nil {
		return fmt.Errorf("load learning metrics: %w", err)
	}
	lm.TotalMissed++
	lm.VariationsGenerated += len(variations)
	if admitted > 0 {
		lm.PatternsLearned++
	}
	lm.Recompute()
	if err := s.store.UpdateLearningMetrics(ctx, lm); err != nil {
		return fmt.Errorf("update learning metrics: %w", err)
	}
	return nil
}

// Metrics returns the current learning metrics.
func (s *System) Metrics(ctx context.Context) (*soc.LearningMetrics, error) {
	return s.store.GetLearningMetrics(ctx)
}

// ExportVariations produces a JSON dump of the active variations for an
// attack (all attacks when attackID is empty), for human review.
func (s *System) ExportVariations(ctx context.Context, attackID string) ([]byte, error) {
	variations, err := s.store.ListActiveVariations(ctx, attackID)
	if err != nil {
		return nil, fmt.Errorf("list variations: %w", err)
	}
	return json.MarshalIndent(variations, "", "  ")
}

// generate produces the variation set within the wall-clock budget. AI
// generation is attempted inside the remaining budget and falls through
// to the rule-based set on any failure.
func (s *System) generate(ctx context.Context, attack *soc.MissedAttack) []*soc.PatternVariation {
	budgetCtx, cancel := context.WithTimeout(ctx, s.cfg.GenerateBudget)
	defer cancel()

	variations := ruleVariations(attack)

	if s.cfg.AIEnabled && s.llm != nil {
		aiVars, err := s.aiVariations(budgetCtx, attack)
		if err != nil {
			s.logger.Warn("ai variation generation failed, rule-based only",
				"attack", attack.ID, "error", err)
		} else {
			variations = append(variations, aiVars...)
		}
	}

	if len(variations) > s.cfg.MaxVariations {
		variations = variations[:s.cfg.MaxVariations]
	}
	return variations
}

const paraphrasePrompt = `You are helping a security team expand its attack pattern corpus. Rewrite the given attack message into %d distinct paraphrases that keep the malicious intent but vary the style (role-play framing, hypothetical phrasing, context switching). Reply with one paraphrase per line, no numbering, no commentary.`

func (s *System) aiVariations(ctx context.Context, attack *soc.MissedAttack) ([]*soc.PatternVariation, error) {
	n := s.cfg.AIVariations
	result, err := s.llm.Chat(ctx, fmt.Sprintf(paraphrasePrompt, n), attack.Message)
	if err != nil {
		return nil, err
	}

	var out []*soc.PatternVariation
	for _, line := range strings.Split(result.Text, "\n") {
		line = strings.TrimSpace(strings.Trim(line, `-*"'`))
		if line == "" || strings.EqualFold(line, attack.Message) {
			continue
		}
		out = append(out, &soc.PatternVariation{
			ID:         soc.NewID(soc.VariationIDPrefix),
			AttackID:   attack.ID,
			Text:       line,
			Method:     MethodAIGenerated,
			ThreatType: attack.ThreatType,
			Confidence: 0.87,
			Keywords:   extractKeywords(line),
			Active:     true,
			CreatedAt:  soc.Now(),
		})
		if len(out) >= n {
			break
		}
	}
	return out, nil
}

func (s *System) recordEvent(ctx context.Context, attackID, kind, detail string) {
	ev := &memory.LearningEvent{
		ID:        soc.NewID("lev_"),
		AttackID:  attackID,
		Kind:      kind,
		Detail:    detail,
		CreatedAt: soc.Now(),
	}
	if err := s.store.RecordLearningEvent(ctx, ev); err != nil {
		s.logger.Error("learning event not recorded", "attack", attackID, "kind", kind, "error", err)
	}
}
