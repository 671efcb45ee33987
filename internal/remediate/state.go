// Package remediate implements the remediation engine: the bounded playbook
// queue, the worker pool that drains it, the action whitelist and parameter
// sanitizer, the effector registry with per-effector circuit breakers, and
// the in-memory remediation state mirrored to the agent memory.
package remediate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/selairgi/socagents/internal/memory"
)

// bucket is token-bucket state for one rate-limited entity.
type bucket struct {
	limit    int
	window   time.Duration
	tokens   float64
	lastFill time.Time
}

// State is the runtime remediation state: blocks, suspensions, terminated
// sessions, rate limits, and monitoring flags. A single reader-writer lock
// guards it; every mutation is mirrored to the store inside the critical
// section so memory and database never drift.
type State struct {
	mu         sync.RWMutex
	store      memory.Store
	blocked    map[string]*memory.BlockRecord
	suspended  map[string]bool
	terminated map[string]struct{}
	flagged    map[string]struct{}
	monitored  map[string]time.Time // target -> monitoring until
	buckets    map[string]*bucket
	logger     *slog.Logger
	now        func() time.Time
}

// NewState creates the state, hydrating active blocks from the store so
// restarts do not forget standing blocks.
func NewState(ctx context.Context, store memory.Store, logger *slog.Logger) (*State, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &State{
		store:      store,
		blocked:    make(map[string]*memory.BlockRecord),
		suspended:  make(map[string]bool),
		terminated: make(map[string]struct{}),
		flagged:    make(map[string]struct{}),
		monitored:  make(map[string]time.Time),
		buckets:    make(map[string]*bucket),
		logger:     logger.With("component", "remediate.State"),
		now:        time.Now,
	}

	blocks, err := store.ListActiveBlocks(ctx)
	if err != nil {
		return nil, fmt.Errorf("hydrate blocks: %w", err)
	}
	for _, b := range blocks {
		s.blocked[b.IP] = b
	}
	if len(blocks) > 0 {
		s.logger.Info("hydrated active blocks from store", "count", len(blocks))
	}
	return s, nil
}

// BlockIP adds an IP block with a TTL and mirrors it to the store.
func (s *State) BlockIP(ctx context.Context, ip, reason, alertID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC().Unix()
	rec := &memory.BlockRecord{
		IP:        ip,
		Reason:    reason,
		AlertID:   alertID,
		BlockedAt: now,
		ExpiresAt: now + int64(ttl.Seconds()),
	}
	if err := s.store.UpsertBlock(ctx, rec); err != nil {
		return fmt.Errorf("mirror block: %w", err)
	}
	s.blocked[ip] = rec
	return nil
}

// UnblockIP removes a block from memory and the store.
func (s *State) UnblockIP(ctx context.Context, ip string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.RemoveBlock(ctx, ip); err != nil {
		return fmt.Errorf("remove block mirror: %w", err)
	}
	delete(s.blocked, ip)
	return nil
}

// IsBlocked reports whether the IP currently has a live block.
func (s *State) IsBlocked(ip string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.blocked[ip]
	if !ok {
		return false
	}
	return rec.ExpiresAt > s.now().UTC().Unix()
}

// BlockedIPs returns a snapshot of the live blocks.
func (s *State) BlockedIPs() []*memory.BlockRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now().UTC().Unix()
	out := make([]*memory.BlockRecord, 0, len(s.blocked))
	for _, rec := range s.blocked {
		if rec.ExpiresAt > now {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out
}

// SuspendUser marks the user suspended.
func (s *State) SuspendUser(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.SetUserSuspended(ctx, userID, true); err != nil {
		return fmt.Errorf("mirror suspension: %w", err)
	}
	s.suspended[userID] = true
	return nil
}

// IsSuspended reports whether the user is suspended.
func (s *State) IsSuspended(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.suspended[userID]
}

// TerminateSession marks the session terminated; subsequent requests on it
// are denied at ingress.
func (s *State) TerminateSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.SetSessionTerminated(ctx, sessionID); err != nil {
		return fmt.Errorf("mirror termination: %w", err)
	}
	s.terminated[sessionID] = struct{}{}
	return nil
}

// IsTerminated reports whether the session has been terminated.
func (s *State) IsTerminated(sessionID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.terminated[sessionID]
	return ok
}

// FlagUser records a non-destructive marker on the user.
func (s *State) FlagUser(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flagged[userID] = struct{}{}
}

// IsFlagged reports whether the user carries the marker.
func (s *State) IsFlagged(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.flagged[userID]
	return ok
}

// EnableMonitoring turns on enhanced monitoring for the target until the
// duration passes.
func (s *State) EnableMonitoring(target string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.monitored[target] = s.now().Add(d)
}

// IsMonitored reports whether the target is under enhanced monitoring.
func (s *State) IsMonitored(target string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	until, ok := s.monitored[target]
	return ok && s.now().Before(until)
}

// SetRateLimit installs or resets a token bucket for the entity.
func (s *State) SetRateLimit(ctx context.Context, entityType, entityID string, limit int, window time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec := &memory.RateLimitRecord{
		EntityType: entityType,
		EntityID:   entityID,
		Limit:      limit,
		WindowSecs: int64(window.Seconds()),
		Tokens:     float64(limit),
		UpdatedAt:  now.UTC().Unix(),
		ExpiresAt:  now.UTC().Unix() + int64(window.Seconds()),
	}
	if err := s.store.UpsertRateLimit(ctx, rec); err != nil {
		return fmt.Errorf("mirror rate limit: %w", err)
	}
	s.buckets[entityType+":"+entityID] = &bucket{
		limit:    limit,
		window:   window,
		tokens:   float64(limit),
		lastFill: now,
	}
	return nil
}

// AllowRequest consumes one token from the entity's bucket. Entities with
// no bucket are unlimited. Tokens refill evenly over the window.
func (s *State) AllowRequest(entityType, entityID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[entityType+":"+entityID]
	if !ok {
		return true
	}

	now := s.now()
	elapsed := now.Sub(b.lastFill)
	refillRate := float64(b.limit) / b.window.Seconds()
	b.tokens += elapsed.Seconds() * refillRate
	if b.tokens > float64(b.limit) {
		b.tokens = float64(b.limit)
	}
	b.lastFill = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Sweep drops expired blocks and monitoring flags from memory. The store
// side is handled by the memory sweeper's PurgeExpired.
func (s *State) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	nowUnix := now.UTC().Unix()
	removed := 0
	for ip, rec := range s.blocked {
		if rec.ExpiresAt <= nowUnix {
			delete(s.blocked, ip)
			removed++
		}
	}
	for target, until := range s.monitored {
		if now.After(until) {
			delete(s.monitored, target)
		}
	}
	return removed
}
