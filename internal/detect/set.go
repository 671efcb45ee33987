package detect

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/selairgi/socagents/internal/soc"
)

// Set composes the detectors into one analyze step. Detectors run in
// priority order and the first alert wins; a lower-priority detector may
// still emit when all higher-priority ones stayed silent. Duplicate alerts
// for the same user and normalized message are suppressed within the
// dedup window.
type Set struct {
	detectors []Detector

	mu          sync.Mutex
	seen        map[string]time.Time
	dedupWindow time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// NewSet creates the fusion set. Detector order is the priority order.
func NewSet(dedupWindow time.Duration, logger *slog.Logger, detectors ...Detector) *Set {
	if logger == nil {
		logger = slog.Default()
	}
	if dedupWindow <= 0 {
		dedupWindow = 10 * time.Second
	}
	return &Set{
		detectors:   detectors,
		seen:        make(map[string]time.Time),
		dedupWindow: dedupWindow,
		logger:      logger.With("component", "detect.Set"),
		now:         time.Now,
	}
}

// Analyze runs the detectors in order and returns at most one alert.
func (s *Set) Analyze(ctx context.Context, entry *soc.LogEntry) *soc.Alert {
	for _, d := range s.detectors {
		alert := d.Analyze(ctx, entry)
		if alert == nil {
			continue
		}
		if s.isDuplicate(entry) {
			s.logger.Debug("duplicate alert suppressed",
				"detector", d.Name(), "user_id", entry.UserID)
			return nil
		}
		return alert
	}
	return nil
}

// Learners returns the detectors that accept learned patterns.
func (s *Set) Learners() []Learner {
	var out []Learner
	for _, d := range s.detectors {
		if l, ok := d.(Learner); ok {
			out = append(out, l)
		}
	}
	return out
}

// Health reports every detector's health.
func (s *Set) Health() []Health {
	out := make([]Health, 0, len(s.detectors))
	for _, d := range s.detectors {
		out = append(out, d.Health())
	}
	return out
}

// isDuplicate records the (user, message) key and reports whether it was
// already seen inside the window. Expired keys are pruned on the way.
func (s *Set) isDuplicate(entry *soc.LogEntry) bool {
	key := dedupKey(entry.UserID, entry.Message)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, t := range s.seen {
		if now.Sub(t) > s.dedupWindow {
			delete(s.seen, k)
		}
	}
	if t, ok := s.seen[key]; ok && now.Sub(t) <= s.dedupWindow {
		return true
	}
	s.seen[key] = now
	return false
}

func dedupKey(userID, message string) string {
	sum := sha256.Sum256([]byte(normalizeMessage(message)))
	return userID + ":" + hex.EncodeToString(sum[:])
}

// normalizeMessage lowercases, collapses whitespace, and strips zero-width
// characters so trivially restyled duplicates hash the same.
func normalizeMessage(message string) string {
	var b strings.Builder
	b.Grow(len(message))
	lastSpace := false
	for _, r := range strings.ToLower(message) {
		switch {
		case r == '\u200b', r == '\u200c', r == '\u200d', r == '\ufeff':
			// zero-width characters are a common evasion trick
		case unicode.IsSpace(r):
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
		default:
			b.WriteRune(r)
			lastSpace = false
		}
	}
	return strings.TrimSpace(b.String())
}
