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

const commandColumns = "id, tenant_id, pc_id, kind, payload_json, status, expires_at, executed_at, created_by, created_at"

func normalizeCommandRecord(record storage.CommandRecord) (storage.CommandRecord, error) {
	record.ID = strings.TrimSpace(record.ID)
	record.TenantID = strings.TrimSpace(record.TenantID)
	record.PCID = strings.TrimSpace(record.PCID)
	if record.ID == "" {
		return storage.CommandRecord{}, fmt.Errorf("command id is required")
	}
	if record.TenantID == "" {
		return storage.CommandRecord{}, fmt.Errorf("tenant id is required")
	}
	if record.PCID == "" {
		return storage.CommandRecord{}, fmt.Errorf("pc id is required")
	}
	if record.Kind == "" {
		return storage.CommandRecord{}, fmt.Errorf("command kind is required")
	}
	if record.Status == "" {
		return storage.CommandRecord{}, fmt.Errorf("command status is required")
	}
	if record.PayloadJSON == "" {
		record.PayloadJSON = "{}"
	}
	return record, nil
}

func scanCommand(scan func(dest ...any) error) (storage.CommandRecord, error) {
	var record storage.CommandRecord
	var kind, status string
	var expiresAt, createdAt int64
	var executedAt sql.NullInt64
	if err := scan(&record.ID, &record.TenantID, &record.PCID, &kind, &record.PayloadJSON,
		&status, &expiresAt, &executedAt, &record.CreatedBy, &createdAt); err != nil {
		return storage.CommandRecord{}, err
	}
	record.Kind = storage.CommandKind(kind)
	record.Status = storage.CommandStatus(status)
	record.ExpiresAt = fromMillis(expiresAt)
	record.ExecutedAt = fromNullMillis(executedAt)
	record.CreatedAt = fromMillis(createdAt)
	return record, nil
}

// EnqueueCommand persists one pending kiosk instruction.
func (s *Store) EnqueueCommand(ctx context.Context, record storage.CommandRecord) error {
	if err := s.guard(ctx); err != nil {
		return err
	}
	normalized, err := normalizeCommandRecord(record)
	if err != nil {
		return err
	}

	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO commands (`+commandColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, normalized.ID, normalized.TenantID, normalized.PCID, string(normalized.Kind),
		normalized.PayloadJSON, string(normalized.Status), toMillis(normalized.ExpiresAt),
		toNullMillis(normalized.ExecutedAt), normalized.CreatedBy, toMillis(normalized.CreatedAt))
	if err != nil {
		if isUniqueViolation(err, "") {
			return storage.ErrConflict
		}
		return fmt.Errorf("enqueue command: %w", err)
	}
	return nil
}

// GetCommand loads one command by id within a tenant.
func (s *Store) GetCommand(ctx context.Context, tenantID, commandID string) (storage.CommandRecord, error) {
	if err := s.guard(ctx); err != nil {
		return storage.CommandRecord{}, err
	}
	tenantID = strings.TrimSpace(tenantID)
	commandID = strings.TrimSpace(commandID)
	if tenantID == "" || commandID == "" {
		return storage.CommandRecord{}, fmt.Errorf("tenant id and command id are required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+commandColumns+`
FROM commands
WHERE tenant_id = ? AND id = ?
`, tenantID, commandID)
	record, err := scanCommand(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.CommandRecord{}, storage.ErrNotFound
		}
		return storage.CommandRecord{}, fmt.Errorf("get command: %w", err)
	}
	return record, nil
}

// DrainCommands returns pending unexpired commands for one device
// oldest-first and marks them executed in the same transaction. The device
// heartbeat refreshes with the poll so delivery itself counts as liveness.
func (s *Store) DrainCommands(ctx context.Context, tenantID, pcID string, now time.Time) ([]storage.CommandRecord, error) {
	if err := s.guard(ctx); err != nil {
		return nil, err
	}
	tenantID = strings.TrimSpace(tenantID)
	pcID = strings.TrimSpace(pcID)
	if tenantID == "" || pcID == "" {
		return nil, fmt.Errorf("tenant id and pc id are required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin command drain: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
SELECT `+commandColumns+`
FROM commands
WHERE tenant_id = ? AND pc_id = ? AND status = ? AND expires_at > ?
ORDER BY created_at, id
`, tenantID, pcID, string(storage.CommandPending), toMillis(now))
	if err != nil {
		return nil, rollbackWith(tx, fmt.Errorf("select pending commands: %w", err))
	}

	var records []storage.CommandRecord
	for rows.Next() {
		record, scanErr := scanCommand(rows.Scan)
		if scanErr != nil {
			rows.Close()
			return nil, rollbackWith(tx, fmt.Errorf("scan pending command: %w", scanErr))
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, rollbackWith(tx, fmt.Errorf("iterate pending commands: %w", err))
	}
	rows.Close()

	executedAt := now.UTC()
	for i := range records {
		if _, err := tx.ExecContext(ctx, `
UPDATE commands SET status = ?, executed_at = ?
WHERE id = ?
`, string(storage.CommandExecuted), toMillis(executedAt), records[i].ID); err != nil {
			return nil, rollbackWith(tx, fmt.Errorf("mark command executed: %w", err))
		}
		records[i].Status = storage.CommandExecuted
		records[i].ExecutedAt = &executedAt
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE devices SET last_heartbeat = ?, updated_at = ?
WHERE tenant_id = ? AND pc_id = ?
`, toMillis(now), toMillis(now), tenantID, pcID); err != nil {
		return nil, rollbackWith(tx, fmt.Errorf("refresh device heartbeat: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit command drain: %w", err)
	}
	return records, nil
}

// ExpireCommands flips lapsed pending commands to expired.
func (s *Store) ExpireCommands(ctx context.Context, now time.Time) (int, error) {
	if err := s.guard(ctx); err != nil {
		return 0, err
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE commands SET status = ?
WHERE status = ? AND expires_at <= ?
`, string(storage.CommandExpired), string(storage.CommandPending), toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("expire commands: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire commands rows affected: %w", err)
	}
	return int(affected), nil
}
