package memory

import "context"

// TamperAuditPayloadForTest rewrites an audit entry's payload in place,
// bypassing the chain. Only integrity tests should ever call this.
func (s *SQLiteStore) TamperAuditPayloadForTest(ctx context.Context, id, payload string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE audit_logs SET payload = ? WHERE id = ?`, payload, id)
	return err
}
