package detect

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/selairgi/socagents/internal/soc"
)

// turnClass labels what a single turn in a session looks like.
type turnClass string

const (
	turnCapabilityQuery  turnClass = "capability_query"
	turnRestrictionQuery turnClass = "restriction_query"
	turnOverrideAttempt  turnClass = "override_attempt"
	turnAffirmation      turnClass = "affirmation"
	turnPrivilegedAsk    turnClass = "privileged_ask"
	turnElevationAsk     turnClass = "elevation_ask"
	turnContextReset     turnClass = "context_reset"
	turnRoleRedefine     turnClass = "role_redefine"
	turnProbingQuestion  turnClass = "probing_question"
	turnNeutral          turnClass = "neutral"
)

type turn struct {
	entry   *soc.LogEntry
	classes []turnClass
	seen    time.Time
}

type session struct {
	turns    []*turn
	lastSeen time.Time
	alerted  map[string]bool // pattern name -> already alerted
}

// multiTurnPattern is a named attack shape over a sequence of turns.
type multiTurnPattern struct {
	name       string
	minTurns   int
	threatType soc.ThreatType
	severity   soc.Severity
	// match reports whether the turn sequence exhibits the pattern.
	match func(turns []*turn) bool
}

// ConversationalDetector watches per-session sliding windows for multi-turn
// attack shapes that no single message would trigger. Sessions are strictly
// isolated; a pattern never matches across sessions, and each pattern fires
// at most once per session.
type ConversationalDetector struct {
	mu       sync.Mutex
	sessions map[string]*session
	window   int
	timeout  time.Duration
	patterns []*multiTurnPattern
	logger   *slog.Logger
	now      func() time.Time
}

// NewConversationalDetector creates the detector. window is the per-session
// turn capacity (default 20), timeout the inactivity eviction period
// (default 30 min).
func NewConversationalDetector(window int, timeout time.Duration, logger *slog.Logger) *ConversationalDetector {
	if logger == nil {
		logger = slog.Default()
	}
	if window < 3 {
		window = 20
	}
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &ConversationalDetector{
		sessions: make(map[string]*session),
		window:   window,
		timeout:  timeout,
		patterns: multiTurnPatterns(),
		logger:   logger.With("component", "detect.ConversationalDetector"),
		now:      time.Now,
	}
}

func (d *ConversationalDetector) Name() string { return "conversational" }

// Analyze records the turn in its session window and checks every
// multi-turn pattern against the updated window.
func (d *ConversationalDetector) Analyze(ctx context.Context, entry *soc.LogEntry) *soc.Alert {
	if entry.SessionID == "" || entry.Message == "" {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	s, ok := d.sessions[entry.SessionID]
	if ok && now.Sub(s.lastSeen) > d.timeout {
		delete(d.sessions, entry.SessionID)
		ok = false
	}
	if !ok {
		s = &session{alerted: make(map[string]bool)}
		d.sessions[entry.SessionID] = s
	}

	s.turns = append(s.turns, &turn{
		entry:   entry,
		classes: classifyTurn(entry.Message),
		seen:    now,
	})
	if len(s.turns) > d.window {
		s.turns = s.turns[len(s.turns)-d.window:]
	}
	s.lastSeen = now

	for _, pat := range d.patterns {
		if s.alerted[pat.name] || len(s.turns) < pat.minTurns {
			continue
		}
		if !pat.match(s.turns) {
			continue
		}
		s.alerted[pat.name] = true

		seq := make([]string, 0, len(s.turns))
		for i, t := range s.turns {
			seq = append(seq, fmt.Sprintf("turn_%d:%s", i+1, summarizeClasses(t.classes)))
		}
		return newAlert(entry, pat.severity, pat.threatType, "CONV_"+strings.ToUpper(pat.name),
			"Multi-turn attack pattern: "+pat.name, map[string]interface{}{
				"detection_method":       "conversational",
				"conversational_pattern": pat.name,
				"pattern":                pat.name,
				"turn_sequence":          seq,
				"session_id":             entry.SessionID,
			})
	}
	return nil
}

// EvictExpired drops sessions idle longer than the timeout. The sweeper
// calls this periodically.
func (d *ConversationalDetector) EvictExpired() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	evicted := 0
	for id, s := range d.sessions {
		if now.Sub(s.lastSeen) > d.timeout {
			delete(d.sessions, id)
			evicted++
		}
	}
	return evicted
}

func (d *ConversationalDetector) Health() Health {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Health{
		Name:          d.Name(),
		Healthy:       true,
		PatternsTotal: len(d.patterns),
		Detail:        fmt.Sprintf("%d live sessions", len(d.sessions)),
	}
}

func summarizeClasses(classes []turnClass) string {
	if len(classes) == 0 {
		return string(turnNeutral)
	}
	parts := make([]string, len(classes))
	for i, c := range classes {
		parts[i] = string(c)
	}
	return strings.Join(parts, "+")
}

func classifyTurn(message string) []turnClass {
	msg := strings.ToLower(message)
	var classes []turnClass

	contains := func(subs ...string) bool {
		for _, s := range subs {
			if strings.Contains(msg, s) {
				return true
			}
		}
		return false
	}

	if contains("what can you do", "what are your capabilities", "what are you able to", "list your functions", "what tools do you have") {
		classes = append(classes, turnCapabilityQuery)
	}
	if contains("restriction", "what can't you do", "what are you not allowed", "your limits", "what is forbidden") {
		classes = append(classes, turnRestrictionQuery)
	}
	if contains("bypass", "ignore them", "ignore those", "override", "work around", "get around") {
		classes = append(classes, turnOverrideAttempt)
	}
	if contains("you're so helpful", "great answer", "i trust you", "you're amazing", "thanks, you're the best") {
		classes = append(classes, turnAffirmation)
	}
	if contains("admin password", "secret", "credential", "api key", "confidential", "internal data", "the flag") {
		classes = append(classes, turnPrivilegedAsk)
	}
	if contains("more access", "elevated", "admin rights", "higher permission", "superuser", "unlock more") {
		classes = append(classes, turnElevationAsk)
	}
	if contains("new conversation", "start over", "reset context", "clear your memory", "fresh start", "forget this chat") {
		classes = append(classes, turnContextReset)
	}
	if contains("you are now", "act as", "pretend to be", "roleplay as", "your new role") {
		classes = append(classes, turnRoleRedefine)
	}
	if strings.Contains(msg, "?") && contains("how do you", "where is", "who has", "which system", "what database", "how is it stored") {
		classes = append(classes, turnProbingQuestion)
	}
	return classes
}

func hasClass(t *turn, c turnClass) bool {
	for _, tc := range t.classes {
		if tc == c {
			return true
		}
	}
	return false
}

// ordered reports whether the classes appear in the turn sequence in the
// given order, on distinct turns.
func ordered(turns []*turn, classes ...turnClass) bool {
	i := 0
	for _, t := range turns {
		if i < len(classes) && hasClass(t, classes[i]) {
			i++
		}
	}
	return i == len(classes)
}

func countClass(turns []*turn, c turnClass) int {
	n := 0
	for _, t := range turns {
		if hasClass(t, c) {
			n++
		}
	}
	return n
}

func multiTurnPatterns() []*multiTurnPattern {
	return []*multiTurnPattern{
		{
			name:       "progressive_probing",
			minTurns:   3,
			threatType: soc.ThreatPromptInjection,
			severity:   soc.SeverityHigh,
			match: func(turns []*turn) bool {
				return ordered(turns, turnCapabilityQuery, turnRestrictionQuery, turnOverrideAttempt)
			},
		},
		{
			name:       "trust_building",
			minTurns:   3,
			threatType: soc.ThreatSuspiciousBehavior,
			severity:   soc.SeverityHigh,
			match: func(turns []*turn) bool {
				last := turns[len(turns)-1]
				return countClass(turns[:len(turns)-1], turnAffirmation) >= 2 &&
					hasClass(last, turnPrivilegedAsk)
			},
		},
		{
			name:       "permission_escalation",
			minTurns:   3,
			threatType: soc.ThreatSuspiciousBehavior,
			severity:   soc.SeverityHigh,
			match: func(turns []*turn) bool {
				return countClass(turns, turnElevationAsk) >= 3
			},
		},
		{
			name:       "context_switching",
			minTurns:   3,
			threatType: soc.ThreatPromptInjection,
			severity:   soc.SeverityHigh,
			match: func(turns []*turn) bool {
				return countClass(turns, turnContextReset) >= 1 &&
					ordered(turns, turnContextReset, turnRoleRedefine)
			},
		},
		{
			name:       "information_extraction",
			minTurns:   3,
			threatType: soc.ThreatSuspiciousBehavior,
			severity:   soc.SeverityHigh,
			match: func(turns []*turn) bool {
				return countClass(turns, turnProbingQuestion) >= 3
			},
		},
	}
}
