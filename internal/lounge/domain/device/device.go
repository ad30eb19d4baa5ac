// Package device manages the kiosk PC registry: registration, lifecycle
// status, heartbeat liveness, and installed game inventory.
package device

import (
	"context"
	stderrors "errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/netlounge/lounged/internal/lounge/domain/outbox"
	"github.com/netlounge/lounged/internal/lounge/storage"
	"github.com/netlounge/lounged/internal/platform/errors"
	"github.com/netlounge/lounged/internal/platform/id"
)

// DefaultOfflineThreshold is how long a device may go without polling
// before the sweep marks it offline.
const DefaultOfflineThreshold = 2 * time.Minute

// Store is the persistence boundary for device behavior.
type Store interface {
	PutDevice(ctx context.Context, record storage.DeviceRecord) error
	GetDevice(ctx context.Context, tenantID, deviceID string) (storage.DeviceRecord, error)
	GetDeviceByPCID(ctx context.Context, pcID string) (storage.DeviceRecord, error)
	ListDevices(ctx context.Context, tenantID string, status storage.DeviceStatus) ([]storage.DeviceRecord, error)
	UpdateDeviceInfo(ctx context.Context, tenantID, deviceID, name, address, macAddress string, at time.Time) error
	UpdateDeviceStatus(ctx context.Context, tenantID, deviceID string, status storage.DeviceStatus, ownerPlayerID, ownerSessionID string, at time.Time) (storage.DeviceRecord, error)
	UpdateDeviceHeartbeat(ctx context.Context, tenantID, pcID string, at time.Time) error
	AddDeviceGame(ctx context.Context, tenantID, deviceID string, game storage.InstalledGame, at time.Time) (storage.DeviceRecord, error)
	RemoveDeviceGame(ctx context.Context, tenantID, deviceID, gameName string, at time.Time) (storage.DeviceRecord, error)
	ListOfflineDevices(ctx context.Context, tenantID string, cutoff time.Time) ([]storage.DeviceRecord, error)
	CountDevicesByStatus(ctx context.Context, tenantID string) (map[storage.DeviceStatus]int, error)
}

// Commands queues kiosk screen-control instructions. A nil Commands
// disables screen control without affecting the registry.
type Commands interface {
	Enqueue(ctx context.Context, input outbox.EnqueueInput) (storage.CommandRecord, error)
}

// Service orchestrates the device registry.
type Service struct {
	store    Store
	commands Commands
	clock    func() time.Time
	newID    func() (string, error)
}

// NewService constructs device registry use-cases.
func NewService(store Store, commands Commands, clock func() time.Time, newID func() (string, error)) *Service {
	if clock == nil {
		clock = time.Now
	}
	if newID == nil {
		newID = id.NewID
	}
	return &Service{store: store, commands: commands, clock: clock, newID: newID}
}

// RegisterInput describes one new kiosk PC.
type RegisterInput struct {
	TenantID   string
	PCID       string
	Name       string
	Address    string
	MACAddress string
}

// Stats aggregates tenant devices per lifecycle state.
type Stats struct {
	Total       int
	Available   int
	InUse       int
	Offline     int
	Maintenance int
}

// Register adds one device to the registry. A duplicate hardware id
// reports a conflict.
func (s *Service) Register(ctx context.Context, input RegisterInput) (storage.DeviceRecord, error) {
	if s == nil || s.store == nil {
		return storage.DeviceRecord{}, errors.New(errors.CodeInternal, "device store is not configured")
	}
	input.TenantID = strings.TrimSpace(input.TenantID)
	input.PCID = strings.TrimSpace(input.PCID)
	input.Name = strings.TrimSpace(input.Name)
	if input.TenantID == "" {
		return storage.DeviceRecord{}, fmt.Errorf("tenant id is required")
	}
	if input.PCID == "" {
		return storage.DeviceRecord{}, fmt.Errorf("pc id is required")
	}
	if input.Name == "" {
		return storage.DeviceRecord{}, fmt.Errorf("device name is required")
	}

	deviceID, err := s.newID()
	if err != nil {
		return storage.DeviceRecord{}, errors.Wrap(errors.CodeInternal, "generate device id", err)
	}
	now := s.clock().UTC()
	record := storage.DeviceRecord{
		ID:            deviceID,
		TenantID:      input.TenantID,
		PCID:          input.PCID,
		Name:          input.Name,
		Address:       input.Address,
		MACAddress:    input.MACAddress,
		Status:        storage.DeviceAvailable,
		LastHeartbeat: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.PutDevice(ctx, record); err != nil {
		if stderrors.Is(err, storage.ErrConflict) {
			return storage.DeviceRecord{}, errors.WithMetadata(errors.CodeDeviceExists, "device already registered", map[string]string{"pc_id": input.PCID})
		}
		return storage.DeviceRecord{}, errors.Wrap(errors.CodeInternal, "register device", err)
	}
	return record, nil
}

// Get loads one device by id within a tenant.
func (s *Service) Get(ctx context.Context, tenantID, deviceID string) (storage.DeviceRecord, error) {
	if s == nil || s.store == nil {
		return storage.DeviceRecord{}, errors.New(errors.CodeInternal, "device store is not configured")
	}
	record, err := s.store.GetDevice(ctx, tenantID, deviceID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return storage.DeviceRecord{}, errors.WithMetadata(errors.CodeDeviceNotFound, "device not found", map[string]string{"device_id": deviceID})
		}
		return storage.DeviceRecord{}, errors.Wrap(errors.CodeInternal, "load device", err)
	}
	return record, nil
}

// GetByPCID resolves one device by hardware id across tenants.
func (s *Service) GetByPCID(ctx context.Context, pcID string) (storage.DeviceRecord, error) {
	if s == nil || s.store == nil {
		return storage.DeviceRecord{}, errors.New(errors.CodeInternal, "device store is not configured")
	}
	record, err := s.store.GetDeviceByPCID(ctx, pcID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return storage.DeviceRecord{}, errors.WithMetadata(errors.CodeDeviceNotFound, "device not found", map[string]string{"pc_id": pcID})
		}
		return storage.DeviceRecord{}, errors.Wrap(errors.CodeInternal, "load device by pc id", err)
	}
	return record, nil
}

// List lists tenant devices, optionally filtered by status.
func (s *Service) List(ctx context.Context, tenantID string, status storage.DeviceStatus) ([]storage.DeviceRecord, error) {
	if s == nil || s.store == nil {
		return nil, errors.New(errors.CodeInternal, "device store is not configured")
	}
	records, err := s.store.ListDevices(ctx, tenantID, status)
	if err != nil {
		return nil, errors.Wrap(errors.CodeInternal, "list devices", err)
	}
	return records, nil
}

// UpdateInfo updates mutable metadata for one device.
func (s *Service) UpdateInfo(ctx context.Context, tenantID, deviceID, name, address, macAddress string) error {
	if s == nil || s.store == nil {
		return errors.New(errors.CodeInternal, "device store is not configured")
	}
	if err := s.store.UpdateDeviceInfo(ctx, tenantID, deviceID, name, address, macAddress, s.clock().UTC()); err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return errors.WithMetadata(errors.CodeDeviceNotFound, "device not found", map[string]string{"device_id": deviceID})
		}
		return errors.Wrap(errors.CodeInternal, "update device info", err)
	}
	return nil
}

// SetStatus moves one device between idle lifecycle states. Devices that
// host an active session are owned by the session manager and cannot be
// moved here.
func (s *Service) SetStatus(ctx context.Context, tenantID, deviceID string, status storage.DeviceStatus) (storage.DeviceRecord, error) {
	if s == nil || s.store == nil {
		return storage.DeviceRecord{}, errors.New(errors.CodeInternal, "device store is not configured")
	}
	switch status {
	case storage.DeviceAvailable, storage.DeviceOffline, storage.DeviceMaintenance:
	default:
		return storage.DeviceRecord{}, errors.WithMetadata(errors.CodeInvalidDeviceStatus, "status cannot be set directly", map[string]string{"status": string(status)})
	}
	current, err := s.Get(ctx, tenantID, deviceID)
	if err != nil {
		return storage.DeviceRecord{}, err
	}
	if current.Status == storage.DeviceInUse {
		return storage.DeviceRecord{}, errors.WithMetadata(errors.CodeInvalidDeviceStatus, "device hosts an active session", map[string]string{
			"device_id":  deviceID,
			"session_id": current.OwnerSessionID,
		})
	}
	record, err := s.store.UpdateDeviceStatus(ctx, tenantID, deviceID, status, "", "", s.clock().UTC())
	if err != nil {
		return storage.DeviceRecord{}, errors.Wrap(errors.CodeInternal, "update device status", err)
	}
	s.notifyScreenControl(ctx, current.Status, record)
	return record, nil
}

// Screen control follows maintenance transitions: parking a device locks
// its kiosk, returning it to service unlocks the login screen. The
// enqueue is best-effort; the registry transition already committed.
func (s *Service) notifyScreenControl(ctx context.Context, previous storage.DeviceStatus, record storage.DeviceRecord) {
	if s.commands == nil {
		return
	}
	var kind storage.CommandKind
	switch {
	case record.Status == storage.DeviceMaintenance && previous != storage.DeviceMaintenance:
		kind = storage.CommandLockPC
	case previous == storage.DeviceMaintenance && record.Status == storage.DeviceAvailable:
		kind = storage.CommandUnlockPC
	default:
		return
	}
	if _, err := s.commands.Enqueue(ctx, outbox.EnqueueInput{
		TenantID: record.TenantID,
		PCID:     record.PCID,
		Kind:     kind,
	}); err != nil {
		log.Printf("queue %s for device %s: %v", kind, record.PCID, err)
	}
}

// Heartbeat refreshes the poll timestamp for one kiosk. A device that had
// been marked offline comes back as available; an in-use device keeps its
// session ownership untouched.
func (s *Service) Heartbeat(ctx context.Context, tenantID, pcID string) error {
	if s == nil || s.store == nil {
		return errors.New(errors.CodeInternal, "device store is not configured")
	}
	record, err := s.store.GetDeviceByPCID(ctx, pcID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return errors.WithMetadata(errors.CodeDeviceNotFound, "device not found", map[string]string{"pc_id": pcID})
		}
		return errors.Wrap(errors.CodeInternal, "load device by pc id", err)
	}
	if record.TenantID != tenantID {
		return errors.New(errors.CodeCrossTenant, "device belongs to another tenant")
	}
	now := s.clock().UTC()
	if err := s.store.UpdateDeviceHeartbeat(ctx, tenantID, pcID, now); err != nil {
		return errors.Wrap(errors.CodeInternal, "update device heartbeat", err)
	}
	if record.Status == storage.DeviceOffline {
		if _, err := s.store.UpdateDeviceStatus(ctx, tenantID, record.ID, storage.DeviceAvailable, "", "", now); err != nil {
			return errors.Wrap(errors.CodeInternal, "restore device availability", err)
		}
	}
	return nil
}

// AddGame records one installed game on a device.
func (s *Service) AddGame(ctx context.Context, tenantID, deviceID string, game storage.InstalledGame) (storage.DeviceRecord, error) {
	if s == nil || s.store == nil {
		return storage.DeviceRecord{}, errors.New(errors.CodeInternal, "device store is not configured")
	}
	record, err := s.store.AddDeviceGame(ctx, tenantID, deviceID, game, s.clock().UTC())
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return storage.DeviceRecord{}, errors.WithMetadata(errors.CodeDeviceNotFound, "device not found", map[string]string{"device_id": deviceID})
		}
		return storage.DeviceRecord{}, errors.Wrap(errors.CodeInternal, "add device game", err)
	}
	return record, nil
}

// RemoveGame removes one installed game from a device.
func (s *Service) RemoveGame(ctx context.Context, tenantID, deviceID, gameName string) (storage.DeviceRecord, error) {
	if s == nil || s.store == nil {
		return storage.DeviceRecord{}, errors.New(errors.CodeInternal, "device store is not configured")
	}
	record, err := s.store.RemoveDeviceGame(ctx, tenantID, deviceID, gameName, s.clock().UTC())
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return storage.DeviceRecord{}, errors.WithMetadata(errors.CodeDeviceNotFound, "device not found", map[string]string{"device_id": deviceID})
		}
		return storage.DeviceRecord{}, errors.Wrap(errors.CodeInternal, "remove device game", err)
	}
	return record, nil
}

// SweepOffline marks devices whose last poll predates the threshold as
// offline. Only available devices flip; an in-use device with a stale
// heartbeat stays owned by its session until that session ends. An empty
// tenant id sweeps every tenant.
func (s *Service) SweepOffline(ctx context.Context, tenantID string, threshold time.Duration) ([]storage.DeviceRecord, error) {
	if s == nil || s.store == nil {
		return nil, errors.New(errors.CodeInternal, "device store is not configured")
	}
	if threshold <= 0 {
		threshold = DefaultOfflineThreshold
	}
	now := s.clock().UTC()
	stale, err := s.store.ListOfflineDevices(ctx, tenantID, now.Add(-threshold))
	if err != nil {
		return nil, errors.Wrap(errors.CodeInternal, "list stale devices", err)
	}

	var flipped []storage.DeviceRecord
	for _, record := range stale {
		if record.Status != storage.DeviceAvailable {
			continue
		}
		updated, err := s.store.UpdateDeviceStatus(ctx, record.TenantID, record.ID, storage.DeviceOffline, "", "", now)
		if err != nil {
			return flipped, errors.Wrap(errors.CodeInternal, "mark device offline", err)
		}
		flipped = append(flipped, updated)
	}
	return flipped, nil
}

// GetStats aggregates tenant devices per lifecycle state.
func (s *Service) GetStats(ctx context.Context, tenantID string) (Stats, error) {
	if s == nil || s.store == nil {
		return Stats{}, errors.New(errors.CodeInternal, "device store is not configured")
	}
	counts, err := s.store.CountDevicesByStatus(ctx, tenantID)
	if err != nil {
		return Stats{}, errors.Wrap(errors.CodeInternal, "count devices", err)
	}
	stats := Stats{
		Available:   counts[storage.DeviceAvailable],
		InUse:       counts[storage.DeviceInUse],
		Offline:     counts[storage.DeviceOffline],
		Maintenance: counts[storage.DeviceMaintenance],
	}
	stats.Total = stats.Available + stats.InUse + stats.Offline + stats.Maintenance
	return stats, nil
}
