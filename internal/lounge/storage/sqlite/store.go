// Package sqlite provides the SQLite-backed implementation of the lounge
// stores.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/netlounge/lounged/internal/platform/storage/sqlitemigrate"
	"github.com/netlounge/lounged/internal/lounge/storage"
	"github.com/netlounge/lounged/internal/lounge/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence for the lounge control plane.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func toNullMillis(value *time.Time) sql.NullInt64 {
	if value == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*value), Valid: true}
}

func fromNullMillis(value sql.NullInt64) *time.Time {
	if !value.Valid {
		return nil
	}
	parsed := fromMillis(value.Int64)
	return &parsed
}

// Open opens a lounge SQLite store at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_pragma=foreign_keys(ON)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// SQLite allows one writer at a time; a single pooled connection
	// queues concurrent writes instead of surfacing busy errors.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB}
	if err := store.runMigrations(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close closes the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) runMigrations() error {
	return sqlitemigrate.ApplyMigrations(s.sqlDB, migrations.FS, "")
}

func (s *Store) guard(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

// execer abstracts *sql.DB and *sql.Tx for shared statement helpers.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func rollbackWith(tx *sql.Tx, cause error) error {
	if rollbackErr := tx.Rollback(); rollbackErr != nil {
		return fmt.Errorf("%w: rollback write: %v", cause, rollbackErr)
	}
	return cause
}

func isUniqueViolation(err error, index string) bool {
	if err == nil {
		return false
	}
	message := err.Error()
	if !strings.Contains(message, "UNIQUE constraint failed") && !strings.Contains(message, "constraint failed") {
		return false
	}
	if index == "" {
		return true
	}
	return strings.Contains(message, index)
}

// GetTenantSettings loads policy for one tenant.
func (s *Store) GetTenantSettings(ctx context.Context, tenantID string) (storage.TenantSettingsRecord, error) {
	if err := s.guard(ctx); err != nil {
		return storage.TenantSettingsRecord{}, err
	}
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return storage.TenantSettingsRecord{}, fmt.Errorf("tenant id is required")
	}

	var record storage.TenantSettingsRecord
	var updatedAt int64
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT tenant_id, warning_minutes, command_ttl_minutes, max_session_minutes, updated_at
FROM tenant_settings
WHERE tenant_id = ?
`, tenantID).Scan(&record.TenantID, &record.WarningMinutes, &record.CommandTTLMinutes, &record.MaxSessionMinutes, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.TenantSettingsRecord{}, storage.ErrNotFound
		}
		return storage.TenantSettingsRecord{}, fmt.Errorf("get tenant settings: %w", err)
	}
	record.UpdatedAt = fromMillis(updatedAt)
	return record, nil
}

// PutTenantSettings inserts or replaces policy for one tenant.
func (s *Store) PutTenantSettings(ctx context.Context, record storage.TenantSettingsRecord) error {
	if err := s.guard(ctx); err != nil {
		return err
	}
	record.TenantID = strings.TrimSpace(record.TenantID)
	if record.TenantID == "" {
		return fmt.Errorf("tenant id is required")
	}
	if record.WarningMinutes <= 0 || record.CommandTTLMinutes <= 0 || record.MaxSessionMinutes <= 0 {
		return fmt.Errorf("tenant settings values must be greater than zero")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO tenant_settings (tenant_id, warning_minutes, command_ttl_minutes, max_session_minutes, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(tenant_id) DO UPDATE SET
    warning_minutes = excluded.warning_minutes,
    command_ttl_minutes = excluded.command_ttl_minutes,
    max_session_minutes = excluded.max_session_minutes,
    updated_at = excluded.updated_at
`, record.TenantID, record.WarningMinutes, record.CommandTTLMinutes, record.MaxSessionMinutes, toMillis(record.UpdatedAt))
	if err != nil {
		return fmt.Errorf("put tenant settings: %w", err)
	}
	return nil
}
