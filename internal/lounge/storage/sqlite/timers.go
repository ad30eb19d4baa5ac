package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/netlounge/lounged/internal/lounge/storage"
)

const timerColumns = "session_id, kind, tenant_id, fire_at, status, attempt_count, last_error, updated_at"

func normalizeTimerRecord(record storage.TimerRecord) (storage.TimerRecord, error) {
	record.TenantID = strings.TrimSpace(record.TenantID)
	record.SessionID = strings.TrimSpace(record.SessionID)
	if record.TenantID == "" {
		return storage.TimerRecord{}, fmt.Errorf("tenant id is required")
	}
	if record.SessionID == "" {
		return storage.TimerRecord{}, fmt.Errorf("session id is required")
	}
	if record.Kind == "" {
		return storage.TimerRecord{}, fmt.Errorf("timer kind is required")
	}
	if record.Status == "" {
		return storage.TimerRecord{}, fmt.Errorf("timer status is required")
	}
	return record, nil
}

func scanTimer(scan func(dest ...any) error) (storage.TimerRecord, error) {
	var record storage.TimerRecord
	var kind, status string
	var fireAt, updatedAt int64
	if err := scan(&record.SessionID, &kind, &record.TenantID, &fireAt, &status,
		&record.AttemptCount, &record.LastError, &updatedAt); err != nil {
		return storage.TimerRecord{}, err
	}
	record.Kind = storage.TimerKind(kind)
	record.Status = storage.TimerStatus(status)
	record.FireAt = fromMillis(fireAt)
	record.UpdatedAt = fromMillis(updatedAt)
	return record, nil
}

// ArmTimer inserts or replaces the (session, kind) timer. Replacing resets
// attempts so a reschedule starts clean.
func (s *Store) ArmTimer(ctx context.Context, record storage.TimerRecord) error {
	if err := s.guard(ctx); err != nil {
		return err
	}
	normalized, err := normalizeTimerRecord(record)
	if err != nil {
		return err
	}

	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO session_timers (session_id, kind, tenant_id, fire_at, status, attempt_count, last_error, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id, kind) DO UPDATE SET
    fire_at = excluded.fire_at,
    status = excluded.status,
    attempt_count = 0,
    last_error = '',
    updated_at = excluded.updated_at
`, normalized.SessionID, string(normalized.Kind), normalized.TenantID,
		toMillis(normalized.FireAt), string(normalized.Status), normalized.AttemptCount,
		normalized.LastError, toMillis(normalized.UpdatedAt))
	if err != nil {
		return fmt.Errorf("arm timer: %w", err)
	}
	return nil
}

// CancelTimer removes one (session, kind) timer. A missing timer is not an
// error so cancellation stays idempotent.
func (s *Store) CancelTimer(ctx context.Context, tenantID, sessionID string, kind storage.TimerKind) error {
	if err := s.guard(ctx); err != nil {
		return err
	}
	tenantID = strings.TrimSpace(tenantID)
	sessionID = strings.TrimSpace(sessionID)
	if tenantID == "" || sessionID == "" {
		return fmt.Errorf("tenant id and session id are required")
	}
	if kind == "" {
		return fmt.Errorf("timer kind is required")
	}

	if _, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM session_timers
WHERE tenant_id = ? AND session_id = ? AND kind = ?
`, tenantID, sessionID, string(kind)); err != nil {
		return fmt.Errorf("cancel timer: %w", err)
	}
	return nil
}

// CancelSessionTimers removes every timer for one session.
func (s *Store) CancelSessionTimers(ctx context.Context, tenantID, sessionID string) error {
	if err := s.guard(ctx); err != nil {
		return err
	}
	tenantID = strings.TrimSpace(tenantID)
	sessionID = strings.TrimSpace(sessionID)
	if tenantID == "" || sessionID == "" {
		return fmt.Errorf("tenant id and session id are required")
	}

	if _, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM session_timers
WHERE tenant_id = ? AND session_id = ?
`, tenantID, sessionID); err != nil {
		return fmt.Errorf("cancel session timers: %w", err)
	}
	return nil
}

// ClaimDueTimers marks due pending timers as processing and returns them.
// Processing rows older than the lease are reclaimed, so a crashed runner
// only delays delivery instead of losing it.
func (s *Store) ClaimDueTimers(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]storage.TimerRecord, error) {
	if err := s.guard(ctx); err != nil {
		return nil, err
	}
	if lease <= 0 {
		return nil, fmt.Errorf("lease must be greater than zero")
	}
	if limit <= 0 {
		limit = 50
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin timer claim: %w", err)
	}

	staleBefore := now.Add(-lease)
	rows, err := tx.QueryContext(ctx, `
SELECT `+timerColumns+`
FROM session_timers
WHERE (status = ? AND fire_at <= ?)
   OR (status = ? AND updated_at <= ?)
ORDER BY fire_at
LIMIT ?
`, string(storage.TimerPending), toMillis(now), string(storage.TimerProcessing), toMillis(staleBefore), limit)
	if err != nil {
		return nil, rollbackWith(tx, fmt.Errorf("select due timers: %w", err))
	}

	var records []storage.TimerRecord
	for rows.Next() {
		record, scanErr := scanTimer(rows.Scan)
		if scanErr != nil {
			rows.Close()
			return nil, rollbackWith(tx, fmt.Errorf("scan due timer: %w", scanErr))
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, rollbackWith(tx, fmt.Errorf("iterate due timers: %w", err))
	}
	rows.Close()

	for i := range records {
		if _, err := tx.ExecContext(ctx, `
UPDATE session_timers SET status = ?, updated_at = ?
WHERE session_id = ? AND kind = ?
`, string(storage.TimerProcessing), toMillis(now), records[i].SessionID, string(records[i].Kind)); err != nil {
			return nil, rollbackWith(tx, fmt.Errorf("claim timer: %w", err))
		}
		records[i].Status = storage.TimerProcessing
		records[i].UpdatedAt = now.UTC()
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit timer claim: %w", err)
	}
	return records, nil
}

// CompleteTimer removes the claimed timer after its callback ran. The
// delete matches the claimed fire time in processing state, so a timer
// rearmed between the claim and the completion keeps its new schedule.
func (s *Store) CompleteTimer(ctx context.Context, claimed storage.TimerRecord) error {
	if err := s.guard(ctx); err != nil {
		return err
	}
	normalized, err := normalizeTimerRecord(claimed)
	if err != nil {
		return err
	}

	if _, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM session_timers
WHERE tenant_id = ? AND session_id = ? AND kind = ? AND status = ? AND fire_at = ?
`, normalized.TenantID, normalized.SessionID, string(normalized.Kind),
		string(storage.TimerProcessing), toMillis(normalized.FireAt)); err != nil {
		return fmt.Errorf("complete timer: %w", err)
	}
	return nil
}

// RetryTimer requeues the claimed timer for another attempt, or marks it
// dead when retries are exhausted. The update matches the claimed fire
// time in processing state; a timer rearmed since the claim is left
// untouched.
func (s *Store) RetryTimer(ctx context.Context, claimed storage.TimerRecord, attempt int, fireAt time.Time, lastError string, dead bool, at time.Time) error {
	if err := s.guard(ctx); err != nil {
		return err
	}
	normalized, err := normalizeTimerRecord(claimed)
	if err != nil {
		return err
	}

	status := storage.TimerPending
	if dead {
		status = storage.TimerDead
	}
	if _, err := s.sqlDB.ExecContext(ctx, `
UPDATE session_timers SET status = ?, fire_at = ?, attempt_count = ?, last_error = ?, updated_at = ?
WHERE tenant_id = ? AND session_id = ? AND kind = ? AND status = ? AND fire_at = ?
`, string(status), toMillis(fireAt), attempt, lastError, toMillis(at),
		normalized.TenantID, normalized.SessionID, string(normalized.Kind),
		string(storage.TimerProcessing), toMillis(normalized.FireAt)); err != nil {
		return fmt.Errorf("retry timer: %w", err)
	}
	return nil
}

// CountTimersByStatus aggregates timers per state across tenants.
func (s *Store) CountTimersByStatus(ctx context.Context) (map[storage.TimerStatus]int, error) {
	if err := s.guard(ctx); err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT status, COUNT(1)
FROM session_timers
GROUP BY status
`)
	if err != nil {
		return nil, fmt.Errorf("count timers by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[storage.TimerStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan timer count: %w", err)
		}
		counts[storage.TimerStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate timer counts: %w", err)
	}
	return counts, nil
}
