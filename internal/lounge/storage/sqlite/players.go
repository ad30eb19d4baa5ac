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

func normalizePlayerRecord(record storage.PlayerRecord) (storage.PlayerRecord, error) {
	record.ID = strings.TrimSpace(record.ID)
	record.TenantID = strings.TrimSpace(record.TenantID)
	record.Username = strings.TrimSpace(record.Username)
	if record.ID == "" {
		return storage.PlayerRecord{}, fmt.Errorf("player id is required")
	}
	if record.TenantID == "" {
		return storage.PlayerRecord{}, fmt.Errorf("tenant id is required")
	}
	if record.Username == "" {
		return storage.PlayerRecord{}, fmt.Errorf("username is required")
	}
	if record.Status == "" {
		return storage.PlayerRecord{}, fmt.Errorf("player status is required")
	}
	if record.CreditBalance < 0 {
		return storage.PlayerRecord{}, fmt.Errorf("credit balance cannot be negative")
	}
	return record, nil
}

// PutPlayer persists one player account row.
func (s *Store) PutPlayer(ctx context.Context, record storage.PlayerRecord) error {
	if err := s.guard(ctx); err != nil {
		return err
	}
	normalized, err := normalizePlayerRecord(record)
	if err != nil {
		return err
	}

	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO players (id, tenant_id, username, display_name, credit_balance, total_spent, status, last_login, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    display_name = excluded.display_name,
    status = excluded.status,
    updated_at = excluded.updated_at
`, normalized.ID, normalized.TenantID, normalized.Username, normalized.DisplayName,
		normalized.CreditBalance, normalized.TotalSpent, string(normalized.Status),
		toNullMillis(normalized.LastLogin), toMillis(normalized.CreatedAt), toMillis(normalized.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err, "players.tenant_id, players.username") {
			return storage.ErrConflict
		}
		return fmt.Errorf("put player: %w", err)
	}
	return nil
}

func scanPlayer(scan func(dest ...any) error) (storage.PlayerRecord, error) {
	var record storage.PlayerRecord
	var status string
	var lastLogin sql.NullInt64
	var createdAt, updatedAt int64
	if err := scan(&record.ID, &record.TenantID, &record.Username, &record.DisplayName,
		&record.CreditBalance, &record.TotalSpent, &status, &lastLogin, &createdAt, &updatedAt); err != nil {
		return storage.PlayerRecord{}, err
	}
	record.Status = storage.PlayerStatus(status)
	record.LastLogin = fromNullMillis(lastLogin)
	record.CreatedAt = fromMillis(createdAt)
	record.UpdatedAt = fromMillis(updatedAt)
	return record, nil
}

const playerColumns = "id, tenant_id, username, display_name, credit_balance, total_spent, status, last_login, created_at, updated_at"

func getPlayerExec(ctx context.Context, q execer, tenantID, playerID string) (storage.PlayerRecord, error) {
	row := q.QueryRowContext(ctx, `
SELECT `+playerColumns+`
FROM players
WHERE tenant_id = ? AND id = ?
`, tenantID, playerID)
	record, err := scanPlayer(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.PlayerRecord{}, storage.ErrNotFound
		}
		return storage.PlayerRecord{}, fmt.Errorf("get player: %w", err)
	}
	return record, nil
}

// GetPlayer loads one player by id within a tenant.
func (s *Store) GetPlayer(ctx context.Context, tenantID, playerID string) (storage.PlayerRecord, error) {
	if err := s.guard(ctx); err != nil {
		return storage.PlayerRecord{}, err
	}
	tenantID = strings.TrimSpace(tenantID)
	playerID = strings.TrimSpace(playerID)
	if tenantID == "" || playerID == "" {
		return storage.PlayerRecord{}, fmt.Errorf("tenant id and player id are required")
	}
	return getPlayerExec(ctx, s.sqlDB, tenantID, playerID)
}

// GetPlayerByUsername loads one player by username within a tenant.
func (s *Store) GetPlayerByUsername(ctx context.Context, tenantID, username string) (storage.PlayerRecord, error) {
	if err := s.guard(ctx); err != nil {
		return storage.PlayerRecord{}, err
	}
	tenantID = strings.TrimSpace(tenantID)
	username = strings.TrimSpace(username)
	if tenantID == "" || username == "" {
		return storage.PlayerRecord{}, fmt.Errorf("tenant id and username are required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+playerColumns+`
FROM players
WHERE tenant_id = ? AND username = ?
`, tenantID, username)
	record, err := scanPlayer(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.PlayerRecord{}, storage.ErrNotFound
		}
		return storage.PlayerRecord{}, fmt.Errorf("get player by username: %w", err)
	}
	return record, nil
}

// ListPlayers lists tenant players, optionally filtered by status.
func (s *Store) ListPlayers(ctx context.Context, tenantID string, status storage.PlayerStatus) ([]storage.PlayerRecord, error) {
	if err := s.guard(ctx); err != nil {
		return nil, err
	}
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id is required")
	}

	query := `
SELECT ` + playerColumns + `
FROM players
WHERE tenant_id = ?`
	args := []any{tenantID}
	if status != "" {
		query += " AND status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY username"

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list players: %w", err)
	}
	defer rows.Close()

	var records []storage.PlayerRecord
	for rows.Next() {
		record, scanErr := scanPlayer(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan player: %w", scanErr)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate players: %w", err)
	}
	return records, nil
}

// UpdatePlayerStatus sets the account state for one player.
func (s *Store) UpdatePlayerStatus(ctx context.Context, tenantID, playerID string, status storage.PlayerStatus, at time.Time) error {
	if err := s.guard(ctx); err != nil {
		return err
	}
	tenantID = strings.TrimSpace(tenantID)
	playerID = strings.TrimSpace(playerID)
	if tenantID == "" || playerID == "" {
		return fmt.Errorf("tenant id and player id are required")
	}
	if status == "" {
		return fmt.Errorf("player status is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE players SET status = ?, updated_at = ?
WHERE tenant_id = ? AND id = ?
`, string(status), toMillis(at), tenantID, playerID)
	if err != nil {
		return fmt.Errorf("update player status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update player status rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// TouchPlayerLogin records the most recent authentication time.
func (s *Store) TouchPlayerLogin(ctx context.Context, tenantID, playerID string, at time.Time) error {
	if err := s.guard(ctx); err != nil {
		return err
	}
	tenantID = strings.TrimSpace(tenantID)
	playerID = strings.TrimSpace(playerID)
	if tenantID == "" || playerID == "" {
		return fmt.Errorf("tenant id and player id are required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE players SET last_login = ?, updated_at = ?
WHERE tenant_id = ? AND id = ?
`, toMillis(at), toMillis(at), tenantID, playerID)
	if err != nil {
		return fmt.Errorf("touch player login: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch player login rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func normalizeTransactionRecord(record storage.TransactionRecord) (storage.TransactionRecord, error) {
	record.ID = strings.TrimSpace(record.ID)
	record.TenantID = strings.TrimSpace(record.TenantID)
	record.PlayerID = strings.TrimSpace(record.PlayerID)
	if record.ID == "" {
		return storage.TransactionRecord{}, fmt.Errorf("transaction id is required")
	}
	if record.TenantID == "" {
		return storage.TransactionRecord{}, fmt.Errorf("tenant id is required")
	}
	if record.PlayerID == "" {
		return storage.TransactionRecord{}, fmt.Errorf("player id is required")
	}
	if record.Type == "" {
		return storage.TransactionRecord{}, fmt.Errorf("transaction type is required")
	}
	if record.Amount <= 0 {
		return storage.TransactionRecord{}, fmt.Errorf("transaction amount must be greater than zero")
	}
	return record, nil
}

func insertTransactionExec(ctx context.Context, q execer, record storage.TransactionRecord) error {
	_, err := q.ExecContext(ctx, `
INSERT INTO transactions (id, tenant_id, player_id, player_username, type, amount, price, description, session_id, created_by, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, record.ID, record.TenantID, record.PlayerID, record.PlayerUsername, string(record.Type),
		record.Amount, record.Price, record.Description, record.SessionID, record.CreatedBy,
		toMillis(record.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// CreditPlayer atomically increments the balance and appends the ledger row.
func (s *Store) CreditPlayer(ctx context.Context, tenantID, playerID string, amount int64, txn storage.TransactionRecord) (storage.PlayerRecord, error) {
	if err := s.guard(ctx); err != nil {
		return storage.PlayerRecord{}, err
	}
	tenantID = strings.TrimSpace(tenantID)
	playerID = strings.TrimSpace(playerID)
	if tenantID == "" || playerID == "" {
		return storage.PlayerRecord{}, fmt.Errorf("tenant id and player id are required")
	}
	if amount <= 0 {
		return storage.PlayerRecord{}, fmt.Errorf("credit amount must be greater than zero")
	}
	normalizedTxn, err := normalizeTransactionRecord(txn)
	if err != nil {
		return storage.PlayerRecord{}, err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return storage.PlayerRecord{}, fmt.Errorf("begin credit write: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
UPDATE players SET credit_balance = credit_balance + ?, updated_at = ?
WHERE tenant_id = ? AND id = ?
`, amount, toMillis(normalizedTxn.CreatedAt), tenantID, playerID)
	if err != nil {
		return storage.PlayerRecord{}, rollbackWith(tx, fmt.Errorf("credit player: %w", err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return storage.PlayerRecord{}, rollbackWith(tx, fmt.Errorf("credit player rows affected: %w", err))
	}
	if affected == 0 {
		return storage.PlayerRecord{}, rollbackWith(tx, storage.ErrNotFound)
	}
	if err := insertTransactionExec(ctx, tx, normalizedTxn); err != nil {
		return storage.PlayerRecord{}, rollbackWith(tx, err)
	}
	record, err := getPlayerExec(ctx, tx, tenantID, playerID)
	if err != nil {
		return storage.PlayerRecord{}, rollbackWith(tx, err)
	}
	if err := tx.Commit(); err != nil {
		return storage.PlayerRecord{}, fmt.Errorf("commit credit write: %w", err)
	}
	return record, nil
}

// DebitPlayer decrements the balance only when it covers amount, appending
// the ledger row in the same transaction.
func (s *Store) DebitPlayer(ctx context.Context, tenantID, playerID string, amount int64, txn storage.TransactionRecord) (storage.PlayerRecord, error) {
	if err := s.guard(ctx); err != nil {
		return storage.PlayerRecord{}, err
	}
	tenantID = strings.TrimSpace(tenantID)
	playerID = strings.TrimSpace(playerID)
	if tenantID == "" || playerID == "" {
		return storage.PlayerRecord{}, fmt.Errorf("tenant id and player id are required")
	}
	if amount <= 0 {
		return storage.PlayerRecord{}, fmt.Errorf("debit amount must be greater than zero")
	}
	normalizedTxn, err := normalizeTransactionRecord(txn)
	if err != nil {
		return storage.PlayerRecord{}, err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return storage.PlayerRecord{}, fmt.Errorf("begin debit write: %w", err)
	}

	record, err := debitPlayerExec(ctx, tx, tenantID, playerID, amount, normalizedTxn)
	if err != nil {
		return storage.PlayerRecord{}, rollbackWith(tx, err)
	}
	if err := tx.Commit(); err != nil {
		return storage.PlayerRecord{}, fmt.Errorf("commit debit write: %w", err)
	}
	return record, nil
}

// debitPlayerExec performs the conditional balance decrement inside an open
// transaction. The balance guard lives in the UPDATE predicate so concurrent
// debits serialize on the row itself.
func debitPlayerExec(ctx context.Context, tx *sql.Tx, tenantID, playerID string, amount int64, txn storage.TransactionRecord) (storage.PlayerRecord, error) {
	result, err := tx.ExecContext(ctx, `
UPDATE players SET credit_balance = credit_balance - ?, total_spent = total_spent + ?, updated_at = ?
WHERE tenant_id = ? AND id = ? AND credit_balance >= ?
`, amount, amount, toMillis(txn.CreatedAt), tenantID, playerID, amount)
	if err != nil {
		return storage.PlayerRecord{}, fmt.Errorf("debit player: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return storage.PlayerRecord{}, fmt.Errorf("debit player rows affected: %w", err)
	}
	if affected == 0 {
		if _, getErr := getPlayerExec(ctx, tx, tenantID, playerID); getErr != nil {
			return storage.PlayerRecord{}, getErr
		}
		return storage.PlayerRecord{}, storage.ErrInsufficientCredits
	}
	if err := insertTransactionExec(ctx, tx, txn); err != nil {
		return storage.PlayerRecord{}, err
	}
	return getPlayerExec(ctx, tx, tenantID, playerID)
}

// ListTransactionsByPlayer lists ledger rows newest-first.
func (s *Store) ListTransactionsByPlayer(ctx context.Context, tenantID, playerID string, limit int) ([]storage.TransactionRecord, error) {
	if err := s.guard(ctx); err != nil {
		return nil, err
	}
	tenantID = strings.TrimSpace(tenantID)
	playerID = strings.TrimSpace(playerID)
	if tenantID == "" || playerID == "" {
		return nil, fmt.Errorf("tenant id and player id are required")
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, tenant_id, player_id, player_username, type, amount, price, description, session_id, created_by, created_at
FROM transactions
WHERE tenant_id = ? AND player_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ?
`, tenantID, playerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var records []storage.TransactionRecord
	for rows.Next() {
		var record storage.TransactionRecord
		var txnType string
		var price sql.NullInt64
		var createdAt int64
		if err := rows.Scan(&record.ID, &record.TenantID, &record.PlayerID, &record.PlayerUsername,
			&txnType, &record.Amount, &price, &record.Description, &record.SessionID,
			&record.CreatedBy, &createdAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		record.Type = storage.TransactionType(txnType)
		if price.Valid {
			value := price.Int64
			record.Price = &value
		}
		record.CreatedAt = fromMillis(createdAt)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return records, nil
}

// SumTransactionsByPlayer returns the signed sum of a player's movements.
func (s *Store) SumTransactionsByPlayer(ctx context.Context, tenantID, playerID string) (int64, error) {
	if err := s.guard(ctx); err != nil {
		return 0, err
	}
	tenantID = strings.TrimSpace(tenantID)
	playerID = strings.TrimSpace(playerID)
	if tenantID == "" || playerID == "" {
		return 0, fmt.Errorf("tenant id and player id are required")
	}

	var total int64
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT COALESCE(SUM(CASE WHEN type = ? THEN -amount ELSE amount END), 0)
FROM transactions
WHERE tenant_id = ? AND player_id = ?
`, string(storage.TransactionCreditDeduction), tenantID, playerID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum transactions: %w", err)
	}
	return total, nil
}
