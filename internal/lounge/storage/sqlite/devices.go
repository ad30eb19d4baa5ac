package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/netlounge/lounged/internal/lounge/storage"
)

const deviceColumns = "id, tenant_id, pc_id, name, address, mac_address, status, owner_player_id, owner_session_id, last_heartbeat, installed_games, created_at, updated_at"

func normalizeDeviceRecord(record storage.DeviceRecord) (storage.DeviceRecord, error) {
	record.ID = strings.TrimSpace(record.ID)
	record.TenantID = strings.TrimSpace(record.TenantID)
	record.PCID = strings.TrimSpace(record.PCID)
	record.Name = strings.TrimSpace(record.Name)
	if record.ID == "" {
		return storage.DeviceRecord{}, fmt.Errorf("device id is required")
	}
	if record.TenantID == "" {
		return storage.DeviceRecord{}, fmt.Errorf("tenant id is required")
	}
	if record.PCID == "" {
		return storage.DeviceRecord{}, fmt.Errorf("pc id is required")
	}
	if record.Name == "" {
		return storage.DeviceRecord{}, fmt.Errorf("device name is required")
	}
	if record.Status == "" {
		return storage.DeviceRecord{}, fmt.Errorf("device status is required")
	}
	if record.Status != storage.DeviceInUse && (record.OwnerPlayerID != "" || record.OwnerSessionID != "") {
		return storage.DeviceRecord{}, fmt.Errorf("owner references require in_use status")
	}
	return record, nil
}

func marshalGames(games []storage.InstalledGame) (string, error) {
	if games == nil {
		games = []storage.InstalledGame{}
	}
	encoded, err := json.Marshal(games)
	if err != nil {
		return "", fmt.Errorf("marshal installed games: %w", err)
	}
	return string(encoded), nil
}

func scanDevice(scan func(dest ...any) error) (storage.DeviceRecord, error) {
	var record storage.DeviceRecord
	var status, gamesJSON string
	var lastHeartbeat, createdAt, updatedAt int64
	if err := scan(&record.ID, &record.TenantID, &record.PCID, &record.Name, &record.Address,
		&record.MACAddress, &status, &record.OwnerPlayerID, &record.OwnerSessionID,
		&lastHeartbeat, &gamesJSON, &createdAt, &updatedAt); err != nil {
		return storage.DeviceRecord{}, err
	}
	record.Status = storage.DeviceStatus(status)
	record.LastHeartbeat = fromMillis(lastHeartbeat)
	record.CreatedAt = fromMillis(createdAt)
	record.UpdatedAt = fromMillis(updatedAt)
	if gamesJSON != "" {
		if err := json.Unmarshal([]byte(gamesJSON), &record.InstalledGames); err != nil {
			return storage.DeviceRecord{}, fmt.Errorf("unmarshal installed games: %w", err)
		}
	}
	return record, nil
}

// PutDevice inserts one device row. A duplicate hardware id reports
// ErrConflict.
func (s *Store) PutDevice(ctx context.Context, record storage.DeviceRecord) error {
	if err := s.guard(ctx); err != nil {
		return err
	}
	normalized, err := normalizeDeviceRecord(record)
	if err != nil {
		return err
	}
	gamesJSON, err := marshalGames(normalized.InstalledGames)
	if err != nil {
		return err
	}

	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO devices (id, tenant_id, pc_id, name, address, mac_address, status, owner_player_id, owner_session_id, last_heartbeat, installed_games, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, normalized.ID, normalized.TenantID, normalized.PCID, normalized.Name, normalized.Address,
		normalized.MACAddress, string(normalized.Status), normalized.OwnerPlayerID,
		normalized.OwnerSessionID, toMillis(normalized.LastHeartbeat), gamesJSON,
		toMillis(normalized.CreatedAt), toMillis(normalized.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err, "devices.pc_id") {
			return storage.ErrConflict
		}
		return fmt.Errorf("put device: %w", err)
	}
	return nil
}

func getDeviceExec(ctx context.Context, q execer, tenantID, deviceID string) (storage.DeviceRecord, error) {
	row := q.QueryRowContext(ctx, `
SELECT `+deviceColumns+`
FROM devices
WHERE tenant_id = ? AND id = ?
`, tenantID, deviceID)
	record, err := scanDevice(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.DeviceRecord{}, storage.ErrNotFound
		}
		return storage.DeviceRecord{}, fmt.Errorf("get device: %w", err)
	}
	return record, nil
}

// GetDevice loads one device by id within a tenant.
func (s *Store) GetDevice(ctx context.Context, tenantID, deviceID string) (storage.DeviceRecord, error) {
	if err := s.guard(ctx); err != nil {
		return storage.DeviceRecord{}, err
	}
	tenantID = strings.TrimSpace(tenantID)
	deviceID = strings.TrimSpace(deviceID)
	if tenantID == "" || deviceID == "" {
		return storage.DeviceRecord{}, fmt.Errorf("tenant id and device id are required")
	}
	return getDeviceExec(ctx, s.sqlDB, tenantID, deviceID)
}

// GetDeviceByPCID resolves one device by its hardware id across tenants.
func (s *Store) GetDeviceByPCID(ctx context.Context, pcID string) (storage.DeviceRecord, error) {
	if err := s.guard(ctx); err != nil {
		return storage.DeviceRecord{}, err
	}
	pcID = strings.TrimSpace(pcID)
	if pcID == "" {
		return storage.DeviceRecord{}, fmt.Errorf("pc id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+deviceColumns+`
FROM devices
WHERE pc_id = ?
`, pcID)
	record, err := scanDevice(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.DeviceRecord{}, storage.ErrNotFound
		}
		return storage.DeviceRecord{}, fmt.Errorf("get device by pc id: %w", err)
	}
	return record, nil
}

// ListDevices lists tenant devices, optionally filtered by status.
func (s *Store) ListDevices(ctx context.Context, tenantID string, status storage.DeviceStatus) ([]storage.DeviceRecord, error) {
	if err := s.guard(ctx); err != nil {
		return nil, err
	}
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id is required")
	}

	query := `
SELECT ` + deviceColumns + `
FROM devices
WHERE tenant_id = ?`
	args := []any{tenantID}
	if status != "" {
		query += " AND status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY name"

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var records []storage.DeviceRecord
	for rows.Next() {
		record, scanErr := scanDevice(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan device: %w", scanErr)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate devices: %w", err)
	}
	return records, nil
}

// UpdateDeviceInfo updates mutable metadata for one device.
func (s *Store) UpdateDeviceInfo(ctx context.Context, tenantID, deviceID, name, address, macAddress string, at time.Time) error {
	if err := s.guard(ctx); err != nil {
		return err
	}
	tenantID = strings.TrimSpace(tenantID)
	deviceID = strings.TrimSpace(deviceID)
	name = strings.TrimSpace(name)
	if tenantID == "" || deviceID == "" {
		return fmt.Errorf("tenant id and device id are required")
	}
	if name == "" {
		return fmt.Errorf("device name is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE devices SET name = ?, address = ?, mac_address = ?, updated_at = ?
WHERE tenant_id = ? AND id = ?
`, name, address, macAddress, toMillis(at), tenantID, deviceID)
	if err != nil {
		return fmt.Errorf("update device info: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update device info rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// UpdateDeviceStatus sets state and owner references in one write.
func (s *Store) UpdateDeviceStatus(ctx context.Context, tenantID, deviceID string, status storage.DeviceStatus, ownerPlayerID, ownerSessionID string, at time.Time) (storage.DeviceRecord, error) {
	if err := s.guard(ctx); err != nil {
		return storage.DeviceRecord{}, err
	}
	tenantID = strings.TrimSpace(tenantID)
	deviceID = strings.TrimSpace(deviceID)
	if tenantID == "" || deviceID == "" {
		return storage.DeviceRecord{}, fmt.Errorf("tenant id and device id are required")
	}
	if status == "" {
		return storage.DeviceRecord{}, fmt.Errorf("device status is required")
	}
	if status != storage.DeviceInUse && (ownerPlayerID != "" || ownerSessionID != "") {
		return storage.DeviceRecord{}, fmt.Errorf("owner references require in_use status")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE devices SET status = ?, owner_player_id = ?, owner_session_id = ?, updated_at = ?
WHERE tenant_id = ? AND id = ?
`, string(status), ownerPlayerID, ownerSessionID, toMillis(at), tenantID, deviceID)
	if err != nil {
		return storage.DeviceRecord{}, fmt.Errorf("update device status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return storage.DeviceRecord{}, fmt.Errorf("update device status rows affected: %w", err)
	}
	if affected == 0 {
		return storage.DeviceRecord{}, storage.ErrNotFound
	}
	return getDeviceExec(ctx, s.sqlDB, tenantID, deviceID)
}

// UpdateDeviceHeartbeat refreshes the poll timestamp for one kiosk.
func (s *Store) UpdateDeviceHeartbeat(ctx context.Context, tenantID, pcID string, at time.Time) error {
	if err := s.guard(ctx); err != nil {
		return err
	}
	tenantID = strings.TrimSpace(tenantID)
	pcID = strings.TrimSpace(pcID)
	if tenantID == "" || pcID == "" {
		return fmt.Errorf("tenant id and pc id are required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE devices SET last_heartbeat = ?, updated_at = ?
WHERE tenant_id = ? AND pc_id = ?
`, toMillis(at), toMillis(at), tenantID, pcID)
	if err != nil {
		return fmt.Errorf("update device heartbeat: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update device heartbeat rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// AddDeviceGame appends one installed game, replacing an entry with the
// same name.
func (s *Store) AddDeviceGame(ctx context.Context, tenantID, deviceID string, game storage.InstalledGame, at time.Time) (storage.DeviceRecord, error) {
	if err := s.guard(ctx); err != nil {
		return storage.DeviceRecord{}, err
	}
	game.Name = strings.TrimSpace(game.Name)
	if game.Name == "" {
		return storage.DeviceRecord{}, fmt.Errorf("game name is required")
	}
	return s.mutateDeviceGames(ctx, tenantID, deviceID, at, func(games []storage.InstalledGame) []storage.InstalledGame {
		kept := make([]storage.InstalledGame, 0, len(games)+1)
		for _, existing := range games {
			if existing.Name != game.Name {
				kept = append(kept, existing)
			}
		}
		return append(kept, game)
	})
}

// RemoveDeviceGame removes one installed game by name.
func (s *Store) RemoveDeviceGame(ctx context.Context, tenantID, deviceID, gameName string, at time.Time) (storage.DeviceRecord, error) {
	if err := s.guard(ctx); err != nil {
		return storage.DeviceRecord{}, err
	}
	gameName = strings.TrimSpace(gameName)
	if gameName == "" {
		return storage.DeviceRecord{}, fmt.Errorf("game name is required")
	}
	return s.mutateDeviceGames(ctx, tenantID, deviceID, at, func(games []storage.InstalledGame) []storage.InstalledGame {
		kept := make([]storage.InstalledGame, 0, len(games))
		for _, existing := range games {
			if existing.Name != gameName {
				kept = append(kept, existing)
			}
		}
		return kept
	})
}

func (s *Store) mutateDeviceGames(ctx context.Context, tenantID, deviceID string, at time.Time, mutate func([]storage.InstalledGame) []storage.InstalledGame) (storage.DeviceRecord, error) {
	tenantID = strings.TrimSpace(tenantID)
	deviceID = strings.TrimSpace(deviceID)
	if tenantID == "" || deviceID == "" {
		return storage.DeviceRecord{}, fmt.Errorf("tenant id and device id are required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return storage.DeviceRecord{}, fmt.Errorf("begin device games write: %w", err)
	}
	record, err := getDeviceExec(ctx, tx, tenantID, deviceID)
	if err != nil {
		return storage.DeviceRecord{}, rollbackWith(tx, err)
	}
	record.InstalledGames = mutate(record.InstalledGames)
	gamesJSON, err := marshalGames(record.InstalledGames)
	if err != nil {
		return storage.DeviceRecord{}, rollbackWith(tx, err)
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE devices SET installed_games = ?, updated_at = ?
WHERE tenant_id = ? AND id = ?
`, gamesJSON, toMillis(at), tenantID, deviceID); err != nil {
		return storage.DeviceRecord{}, rollbackWith(tx, fmt.Errorf("update device games: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return storage.DeviceRecord{}, fmt.Errorf("commit device games write: %w", err)
	}
	record.UpdatedAt = at.UTC()
	return record, nil
}

// ListOfflineDevices lists devices whose last poll predates cutoff and that
// are not already parked in maintenance. An empty tenant id spans all
// tenants, which is how the runtime sweep covers the whole facility.
func (s *Store) ListOfflineDevices(ctx context.Context, tenantID string, cutoff time.Time) ([]storage.DeviceRecord, error) {
	if err := s.guard(ctx); err != nil {
		return nil, err
	}
	tenantID = strings.TrimSpace(tenantID)

	query := `
SELECT ` + deviceColumns + `
FROM devices
WHERE last_heartbeat < ? AND status != ?`
	args := []any{toMillis(cutoff), string(storage.DeviceMaintenance)}
	if tenantID != "" {
		query += " AND tenant_id = ?"
		args = append(args, tenantID)
	}
	query += " ORDER BY last_heartbeat"

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list offline devices: %w", err)
	}
	defer rows.Close()

	var records []storage.DeviceRecord
	for rows.Next() {
		record, scanErr := scanDevice(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan offline device: %w", scanErr)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate offline devices: %w", err)
	}
	return records, nil
}

// CountDevicesByStatus aggregates tenant devices per lifecycle state.
func (s *Store) CountDevicesByStatus(ctx context.Context, tenantID string) (map[storage.DeviceStatus]int, error) {
	if err := s.guard(ctx); err != nil {
		return nil, err
	}
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT status, COUNT(1)
FROM devices
WHERE tenant_id = ?
GROUP BY status
`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("count devices by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[storage.DeviceStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan device count: %w", err)
		}
		counts[storage.DeviceStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate device counts: %w", err)
	}
	return counts, nil
}
