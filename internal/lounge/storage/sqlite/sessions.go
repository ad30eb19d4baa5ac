package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/netlounge/lounged/internal/lounge/storage"
)

const sessionColumns = "id, tenant_id, player_id, player_username, device_id, pc_id, allocated_minutes, remaining_minutes, credits_used, status, ended_by, notes, game_launched, started_at, ended_at, session_end_time, warning_time, updated_at"

func normalizeSessionRecord(record storage.SessionRecord) (storage.SessionRecord, error) {
	record.ID = strings.TrimSpace(record.ID)
	record.TenantID = strings.TrimSpace(record.TenantID)
	record.PlayerID = strings.TrimSpace(record.PlayerID)
	record.DeviceID = strings.TrimSpace(record.DeviceID)
	record.PCID = strings.TrimSpace(record.PCID)
	if record.ID == "" {
		return storage.SessionRecord{}, fmt.Errorf("session id is required")
	}
	if record.TenantID == "" {
		return storage.SessionRecord{}, fmt.Errorf("tenant id is required")
	}
	if record.PlayerID == "" {
		return storage.SessionRecord{}, fmt.Errorf("player id is required")
	}
	if record.DeviceID == "" {
		return storage.SessionRecord{}, fmt.Errorf("device id is required")
	}
	if record.AllocatedMinutes <= 0 {
		return storage.SessionRecord{}, fmt.Errorf("allocated minutes must be greater than zero")
	}
	if record.Status == "" {
		return storage.SessionRecord{}, fmt.Errorf("session status is required")
	}
	return record, nil
}

func scanSession(scan func(dest ...any) error) (storage.SessionRecord, error) {
	var record storage.SessionRecord
	var status, endedBy string
	var startedAt, sessionEndTime, warningTime, updatedAt int64
	var endedAt sql.NullInt64
	if err := scan(&record.ID, &record.TenantID, &record.PlayerID, &record.PlayerUsername,
		&record.DeviceID, &record.PCID, &record.AllocatedMinutes, &record.RemainingMinutes,
		&record.CreditsUsed, &status, &endedBy, &record.Notes, &record.GameLaunched,
		&startedAt, &endedAt, &sessionEndTime, &warningTime, &updatedAt); err != nil {
		return storage.SessionRecord{}, err
	}
	record.Status = storage.SessionStatus(status)
	record.EndedBy = storage.EndedBy(endedBy)
	record.StartedAt = fromMillis(startedAt)
	record.EndedAt = fromNullMillis(endedAt)
	record.SessionEndTime = fromMillis(sessionEndTime)
	record.WarningTime = fromMillis(warningTime)
	record.UpdatedAt = fromMillis(updatedAt)
	return record, nil
}

func getSessionExec(ctx context.Context, q execer, tenantID, sessionID string) (storage.SessionRecord, error) {
	row := q.QueryRowContext(ctx, `
SELECT `+sessionColumns+`
FROM sessions
WHERE tenant_id = ? AND id = ?
`, tenantID, sessionID)
	record, err := scanSession(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.SessionRecord{}, storage.ErrNotFound
		}
		return storage.SessionRecord{}, fmt.Errorf("get session: %w", err)
	}
	return record, nil
}

// StartSession performs the atomic session-start write: conditional debit,
// ledger row, session insert, and device claim commit together or not at
// all. Concurrent starts lose inside this transaction, never after it.
func (s *Store) StartSession(ctx context.Context, args storage.StartSessionArgs) (storage.SessionRecord, error) {
	if err := s.guard(ctx); err != nil {
		return storage.SessionRecord{}, err
	}
	session, err := normalizeSessionRecord(args.Session)
	if err != nil {
		return storage.SessionRecord{}, err
	}
	if session.Status != storage.SessionActive {
		return storage.SessionRecord{}, fmt.Errorf("new sessions must start active")
	}
	if args.DebitAmount <= 0 {
		return storage.SessionRecord{}, fmt.Errorf("debit amount must be greater than zero")
	}
	txn, err := normalizeTransactionRecord(args.Transaction)
	if err != nil {
		return storage.SessionRecord{}, err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return storage.SessionRecord{}, fmt.Errorf("begin session start write: %w", err)
	}

	if _, err := debitPlayerExec(ctx, tx, session.TenantID, session.PlayerID, args.DebitAmount, txn); err != nil {
		return storage.SessionRecord{}, rollbackWith(tx, err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO sessions (`+sessionColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, session.ID, session.TenantID, session.PlayerID, session.PlayerUsername, session.DeviceID,
		session.PCID, session.AllocatedMinutes, session.RemainingMinutes, session.CreditsUsed,
		string(session.Status), string(session.EndedBy), session.Notes, session.GameLaunched,
		toMillis(session.StartedAt), toNullMillis(session.EndedAt), toMillis(session.SessionEndTime),
		toMillis(session.WarningTime), toMillis(session.UpdatedAt)); err != nil {
		switch {
		case isUniqueViolation(err, "sessions.tenant_id, sessions.player_id"):
			return storage.SessionRecord{}, rollbackWith(tx, storage.ErrPlayerSessionActive)
		case isUniqueViolation(err, "sessions.tenant_id, sessions.device_id"):
			return storage.SessionRecord{}, rollbackWith(tx, storage.ErrDeviceSessionActive)
		}
		return storage.SessionRecord{}, rollbackWith(tx, fmt.Errorf("insert session: %w", err))
	}

	result, err := tx.ExecContext(ctx, `
UPDATE devices SET status = ?, owner_player_id = ?, owner_session_id = ?, updated_at = ?
WHERE tenant_id = ? AND id = ? AND status = ?
`, string(storage.DeviceInUse), session.PlayerID, session.ID, toMillis(session.StartedAt),
		session.TenantID, session.DeviceID, string(storage.DeviceAvailable))
	if err != nil {
		return storage.SessionRecord{}, rollbackWith(tx, fmt.Errorf("claim device: %w", err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return storage.SessionRecord{}, rollbackWith(tx, fmt.Errorf("claim device rows affected: %w", err))
	}
	if affected == 0 {
		if _, getErr := getDeviceExec(ctx, tx, session.TenantID, session.DeviceID); getErr != nil {
			return storage.SessionRecord{}, rollbackWith(tx, getErr)
		}
		return storage.SessionRecord{}, rollbackWith(tx, storage.ErrDeviceUnavailable)
	}

	if err := tx.Commit(); err != nil {
		return storage.SessionRecord{}, fmt.Errorf("commit session start write: %w", err)
	}
	return session, nil
}

// GetSession loads one session by id within a tenant.
func (s *Store) GetSession(ctx context.Context, tenantID, sessionID string) (storage.SessionRecord, error) {
	if err := s.guard(ctx); err != nil {
		return storage.SessionRecord{}, err
	}
	tenantID = strings.TrimSpace(tenantID)
	sessionID = strings.TrimSpace(sessionID)
	if tenantID == "" || sessionID == "" {
		return storage.SessionRecord{}, fmt.Errorf("tenant id and session id are required")
	}
	return getSessionExec(ctx, s.sqlDB, tenantID, sessionID)
}

func (s *Store) getActiveSessionBy(ctx context.Context, column, tenantID, value string) (storage.SessionRecord, error) {
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+sessionColumns+`
FROM sessions
WHERE tenant_id = ? AND `+column+` = ? AND status = ?
`, tenantID, value, string(storage.SessionActive))
	record, err := scanSession(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.SessionRecord{}, storage.ErrNotFound
		}
		return storage.SessionRecord{}, fmt.Errorf("get active session: %w", err)
	}
	return record, nil
}

// GetActiveSessionByPlayer loads the single active session for one player.
func (s *Store) GetActiveSessionByPlayer(ctx context.Context, tenantID, playerID string) (storage.SessionRecord, error) {
	if err := s.guard(ctx); err != nil {
		return storage.SessionRecord{}, err
	}
	tenantID = strings.TrimSpace(tenantID)
	playerID = strings.TrimSpace(playerID)
	if tenantID == "" || playerID == "" {
		return storage.SessionRecord{}, fmt.Errorf("tenant id and player id are required")
	}
	return s.getActiveSessionBy(ctx, "player_id", tenantID, playerID)
}

// GetActiveSessionByDevice loads the single active session for one device.
func (s *Store) GetActiveSessionByDevice(ctx context.Context, tenantID, deviceID string) (storage.SessionRecord, error) {
	if err := s.guard(ctx); err != nil {
		return storage.SessionRecord{}, err
	}
	tenantID = strings.TrimSpace(tenantID)
	deviceID = strings.TrimSpace(deviceID)
	if tenantID == "" || deviceID == "" {
		return storage.SessionRecord{}, fmt.Errorf("tenant id and device id are required")
	}
	return s.getActiveSessionBy(ctx, "device_id", tenantID, deviceID)
}

// ListSessions lists tenant sessions newest-first, optionally filtered by
// status.
func (s *Store) ListSessions(ctx context.Context, tenantID string, status storage.SessionStatus) ([]storage.SessionRecord, error) {
	if err := s.guard(ctx); err != nil {
		return nil, err
	}
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id is required")
	}

	query := `
SELECT ` + sessionColumns + `
FROM sessions
WHERE tenant_id = ?`
	args := []any{tenantID}
	if status != "" {
		query += " AND status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY started_at DESC, id DESC"

	return s.collectSessions(ctx, query, args...)
}

// ListSessionsByPlayer lists one player's sessions newest-first.
func (s *Store) ListSessionsByPlayer(ctx context.Context, tenantID, playerID string) ([]storage.SessionRecord, error) {
	if err := s.guard(ctx); err != nil {
		return nil, err
	}
	tenantID = strings.TrimSpace(tenantID)
	playerID = strings.TrimSpace(playerID)
	if tenantID == "" || playerID == "" {
		return nil, fmt.Errorf("tenant id and player id are required")
	}

	return s.collectSessions(ctx, `
SELECT `+sessionColumns+`
FROM sessions
WHERE tenant_id = ? AND player_id = ?
ORDER BY started_at DESC, id DESC
`, tenantID, playerID)
}

func (s *Store) collectSessions(ctx context.Context, query string, args ...any) ([]storage.SessionRecord, error) {
	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var records []storage.SessionRecord
	for rows.Next() {
		record, scanErr := scanSession(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan session: %w", scanErr)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return records, nil
}

// ExtendSession performs the atomic session-extend write: conditional debit,
// ledger row, and the time extension commit together.
func (s *Store) ExtendSession(ctx context.Context, args storage.ExtendSessionArgs) (storage.SessionRecord, error) {
	if err := s.guard(ctx); err != nil {
		return storage.SessionRecord{}, err
	}
	args.TenantID = strings.TrimSpace(args.TenantID)
	args.SessionID = strings.TrimSpace(args.SessionID)
	if args.TenantID == "" || args.SessionID == "" {
		return storage.SessionRecord{}, fmt.Errorf("tenant id and session id are required")
	}
	if args.AdditionalMinutes <= 0 {
		return storage.SessionRecord{}, fmt.Errorf("additional minutes must be greater than zero")
	}
	txn, err := normalizeTransactionRecord(args.Transaction)
	if err != nil {
		return storage.SessionRecord{}, err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return storage.SessionRecord{}, fmt.Errorf("begin session extend write: %w", err)
	}

	if _, err := debitPlayerExec(ctx, tx, args.TenantID, txn.PlayerID, int64(args.AdditionalMinutes), txn); err != nil {
		return storage.SessionRecord{}, rollbackWith(tx, err)
	}

	result, err := tx.ExecContext(ctx, `
UPDATE sessions SET
    allocated_minutes = allocated_minutes + ?,
    remaining_minutes = remaining_minutes + ?,
    credits_used = credits_used + ?,
    session_end_time = ?,
    warning_time = ?,
    updated_at = ?
WHERE tenant_id = ? AND id = ? AND status = ?
`, args.AdditionalMinutes, args.AdditionalMinutes, int64(args.AdditionalMinutes),
		toMillis(args.NewSessionEndTime), toMillis(args.NewWarningTime), toMillis(args.UpdatedAt),
		args.TenantID, args.SessionID, string(storage.SessionActive))
	if err != nil {
		return storage.SessionRecord{}, rollbackWith(tx, fmt.Errorf("extend session: %w", err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return storage.SessionRecord{}, rollbackWith(tx, fmt.Errorf("extend session rows affected: %w", err))
	}
	if affected == 0 {
		if _, getErr := getSessionExec(ctx, tx, args.TenantID, args.SessionID); getErr != nil {
			return storage.SessionRecord{}, rollbackWith(tx, getErr)
		}
		return storage.SessionRecord{}, rollbackWith(tx, storage.ErrSessionNotActive)
	}

	record, err := getSessionExec(ctx, tx, args.TenantID, args.SessionID)
	if err != nil {
		return storage.SessionRecord{}, rollbackWith(tx, err)
	}
	if err := tx.Commit(); err != nil {
		return storage.SessionRecord{}, fmt.Errorf("commit session extend write: %w", err)
	}
	return record, nil
}

// EndSession transitions an active session to a terminal status and
// releases the owning device in the same write. The active-only predicate
// makes concurrent end attempts idempotent losers rather than double
// releases.
func (s *Store) EndSession(ctx context.Context, args storage.EndSessionArgs) (storage.SessionRecord, error) {
	if err := s.guard(ctx); err != nil {
		return storage.SessionRecord{}, err
	}
	args.TenantID = strings.TrimSpace(args.TenantID)
	args.SessionID = strings.TrimSpace(args.SessionID)
	if args.TenantID == "" || args.SessionID == "" {
		return storage.SessionRecord{}, fmt.Errorf("tenant id and session id are required")
	}
	switch args.Status {
	case storage.SessionCompleted, storage.SessionTerminated, storage.SessionExpired:
	default:
		return storage.SessionRecord{}, fmt.Errorf("end status must be terminal")
	}
	if args.EndedBy == "" {
		return storage.SessionRecord{}, fmt.Errorf("ended by is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return storage.SessionRecord{}, fmt.Errorf("begin session end write: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
UPDATE sessions SET status = ?, ended_by = ?, notes = ?, ended_at = ?, remaining_minutes = 0, updated_at = ?
WHERE tenant_id = ? AND id = ? AND status = ?
`, string(args.Status), string(args.EndedBy), args.Notes, toMillis(args.EndedAt),
		toMillis(args.EndedAt), args.TenantID, args.SessionID, string(storage.SessionActive))
	if err != nil {
		return storage.SessionRecord{}, rollbackWith(tx, fmt.Errorf("end session: %w", err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return storage.SessionRecord{}, rollbackWith(tx, fmt.Errorf("end session rows affected: %w", err))
	}
	if affected == 0 {
		if _, getErr := getSessionExec(ctx, tx, args.TenantID, args.SessionID); getErr != nil {
			return storage.SessionRecord{}, rollbackWith(tx, getErr)
		}
		return storage.SessionRecord{}, rollbackWith(tx, storage.ErrSessionNotActive)
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE devices SET status = ?, owner_player_id = '', owner_session_id = '', updated_at = ?
WHERE tenant_id = ? AND owner_session_id = ?
`, string(storage.DeviceAvailable), toMillis(args.EndedAt), args.TenantID, args.SessionID); err != nil {
		return storage.SessionRecord{}, rollbackWith(tx, fmt.Errorf("release device: %w", err))
	}

	record, err := getSessionExec(ctx, tx, args.TenantID, args.SessionID)
	if err != nil {
		return storage.SessionRecord{}, rollbackWith(tx, err)
	}
	if err := tx.Commit(); err != nil {
		return storage.SessionRecord{}, fmt.Errorf("commit session end write: %w", err)
	}
	return record, nil
}

// UpdateSessionTime records kiosk-reported remaining minutes for an active
// session.
func (s *Store) UpdateSessionTime(ctx context.Context, tenantID, sessionID string, remainingMinutes int, at time.Time) (storage.SessionRecord, error) {
	if err := s.guard(ctx); err != nil {
		return storage.SessionRecord{}, err
	}
	tenantID = strings.TrimSpace(tenantID)
	sessionID = strings.TrimSpace(sessionID)
	if tenantID == "" || sessionID == "" {
		return storage.SessionRecord{}, fmt.Errorf("tenant id and session id are required")
	}
	if remainingMinutes < 0 {
		return storage.SessionRecord{}, fmt.Errorf("remaining minutes cannot be negative")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE sessions SET remaining_minutes = ?, updated_at = ?
WHERE tenant_id = ? AND id = ? AND status = ?
`, remainingMinutes, toMillis(at), tenantID, sessionID, string(storage.SessionActive))
	if err != nil {
		return storage.SessionRecord{}, fmt.Errorf("update session time: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return storage.SessionRecord{}, fmt.Errorf("update session time rows affected: %w", err)
	}
	if affected == 0 {
		if _, getErr := getSessionExec(ctx, s.sqlDB, tenantID, sessionID); getErr != nil {
			return storage.SessionRecord{}, getErr
		}
		return storage.SessionRecord{}, storage.ErrSessionNotActive
	}
	return getSessionExec(ctx, s.sqlDB, tenantID, sessionID)
}

// SetSessionGame records which game an active session launched.
func (s *Store) SetSessionGame(ctx context.Context, tenantID, sessionID, game string, at time.Time) error {
	if err := s.guard(ctx); err != nil {
		return err
	}
	tenantID = strings.TrimSpace(tenantID)
	sessionID = strings.TrimSpace(sessionID)
	if tenantID == "" || sessionID == "" {
		return fmt.Errorf("tenant id and session id are required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE sessions SET game_launched = ?, updated_at = ?
WHERE tenant_id = ? AND id = ? AND status = ?
`, game, toMillis(at), tenantID, sessionID, string(storage.SessionActive))
	if err != nil {
		return fmt.Errorf("set session game: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set session game rows affected: %w", err)
	}
	if affected == 0 {
		if _, getErr := getSessionExec(ctx, s.sqlDB, tenantID, sessionID); getErr != nil {
			return getErr
		}
		return storage.ErrSessionNotActive
	}
	return nil
}

// GetSessionStats aggregates tenant session counters.
func (s *Store) GetSessionStats(ctx context.Context, tenantID string) (storage.SessionStats, error) {
	if err := s.guard(ctx); err != nil {
		return storage.SessionStats{}, err
	}
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return storage.SessionStats{}, fmt.Errorf("tenant id is required")
	}

	var stats storage.SessionStats
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT COUNT(1),
       COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
       COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
       COALESCE(SUM(allocated_minutes), 0),
       COALESCE(SUM(credits_used), 0)
FROM sessions
WHERE tenant_id = ?
`, string(storage.SessionActive), string(storage.SessionCompleted), tenantID).Scan(
		&stats.TotalSessions, &stats.ActiveSessions, &stats.CompletedSessions,
		&stats.TotalMinutesAllocated, &stats.TotalCreditsUsed)
	if err != nil {
		return storage.SessionStats{}, fmt.Errorf("get session stats: %w", err)
	}
	return stats, nil
}
