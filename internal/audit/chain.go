// Package audit implements the append-only, hash-chained, HMAC-signed event
// log. Every approval, remediation action, and learning step appends an
// entry; Verify walks the chain and reports the first broken link. A failed
// verification latches the chain into a halted state that blocks approvals
// until an operator acknowledges.
package audit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/selairgi/socagents/internal/memory"
	"github.com/selairgi/socagents/internal/soc"
)

const genesisSeed = "socagents-audit-genesis"

// Chain appends signed entries to the persistent audit log.
type Chain struct {
	mu       sync.Mutex
	store    memory.Store
	key      []byte
	lastHash string
	halted   bool
	logger   *slog.Logger
}

// NewChain creates a Chain signing with key. The previous head is loaded
// from the store so the chain continues across restarts.
func NewChain(ctx context.Context, store memory.Store, key []byte, logger *slog.Logger) (*Chain, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("audit signing key must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Chain{
		store:  store,
		key:    key,
		logger: logger.With("component", "audit.Chain"),
	}

	last, err := store.LastAudit(ctx)
	if err != nil {
		return nil, fmt.Errorf("load audit head: %w", err)
	}
	if last != nil {
		c.lastHash = last.Hash
	} else {
		c.lastHash = seedHash()
	}
	return c, nil
}

// Append creates, signs, and persists a new entry linking to the current
// head. payload is serialized as JSON.
func (c *Chain) Append(ctx context.Context, eventType, actor string, payload interface{}) (*memory.AuditRecord, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal audit payload: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	rec := &memory.AuditRecord{
		ID:        soc.NewID(soc.AuditIDPrefix),
		PrevHash:  c.lastHash,
		EventType: eventType,
		Actor:     actor,
		Payload:   string(data),
		Timestamp: soc.Now(),
	}
	rec.Hash = computeHash(rec)
	rec.Signature = c.sign(rec.Hash)

	if err := c.store.AppendAudit(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist audit entry: %w", err)
	}
	c.lastHash = rec.Hash
	return rec, nil
}

// Verify walks the whole chain and checks hashes, linkage, and signatures.
// It returns (true, -1) when intact, or (false, i) with the index of the
// first broken entry. A broken chain latches the halted state.
func (c *Chain) Verify(ctx context.Context) (bool, int, error) {
	records, err := c.store.ListAudit(ctx, 0, 0)
	if err != nil {
		return false, 0, fmt.Errorf("load audit log: %w", err)
	}

	prev := seedHash()
	for i, rec := range records {
		if rec.PrevHash != prev {
			c.setHalted(i)
			return false, i, nil
		}
		if computeHash(rec) != rec.Hash {
			c.setHalted(i)
			return false, i, nil
		}
		if !hmac.Equal([]byte(c.sign(rec.Hash)), []byte(rec.Signature)) {
			c.setHalted(i)
			return false, i, nil
		}
		prev = rec.Hash
	}
	return true, -1, nil
}

// Halted reports whether chain verification has failed and not yet been
// acknowledged. While halted, no approvals may be applied.
func (c *Chain) Halted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.halted
}

// Acknowledge clears the halted latch. The acknowledgement itself is
// appended to the chain so the operator action is on record.
func (c *Chain) Acknowledge(ctx context.Context, operator string) error {
	c.mu.Lock()
	c.halted = false
	c.mu.Unlock()

	_, err := c.Append(ctx, "audit.acknowledged", operator, map[string]string{
		"note": "integrity failure acknowledged, chain re-opened",
	})
	return err
}

func (c *Chain) setHalted(index int) {
	c.mu.Lock()
	if !c.halted {
		c.halted = true
		c.logger.Error("audit chain integrity failure, approvals halted", "broken_at", index)
	}
	c.mu.Unlock()
}

func (c *Chain) sign(hash string) string {
	mac := hmac.New(sha256.New, c.key)
	mac.Write([]byte(hash))
	return hex.EncodeToString(mac.Sum(nil))
}

// computeHash hashes an entry's identity fields, chaining to the previous
// hash. The signature is excluded: it covers the hash, not the other way
// around.
func computeHash(rec *memory.AuditRecord) string {
	data := fmt.Sprintf("%s|%s|%s|%s|%s|%d",
		rec.ID, rec.PrevHash, rec.EventType, rec.Actor, rec.Payload, rec.Timestamp)
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

func seedHash() string {
	sum := sha256.Sum256([]byte(genesisSeed))
	return hex.EncodeToString(sum[:])
}
