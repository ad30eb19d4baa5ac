package device

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/netlounge/lounged/internal/lounge/domain/outbox"
	"github.com/netlounge/lounged/internal/lounge/storage"
	"github.com/netlounge/lounged/internal/platform/errors"
)

type fakeStore struct {
	devices map[string]storage.DeviceRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{devices: make(map[string]storage.DeviceRecord)}
}

func (f *fakeStore) PutDevice(_ context.Context, record storage.DeviceRecord) error {
	for _, existing := range f.devices {
		if existing.PCID == record.PCID {
			return storage.ErrConflict
		}
	}
	f.devices[record.ID] = record
	return nil
}

func (f *fakeStore) GetDevice(_ context.Context, tenantID, deviceID string) (storage.DeviceRecord, error) {
	record, ok := f.devices[deviceID]
	if !ok || record.TenantID != tenantID {
		return storage.DeviceRecord{}, storage.ErrNotFound
	}
	return record, nil
}

func (f *fakeStore) GetDeviceByPCID(_ context.Context, pcID string) (storage.DeviceRecord, error) {
	for _, record := range f.devices {
		if record.PCID == pcID {
			return record, nil
		}
	}
	return storage.DeviceRecord{}, storage.ErrNotFound
}

func (f *fakeStore) ListDevices(_ context.Context, tenantID string, status storage.DeviceStatus) ([]storage.DeviceRecord, error) {
	var records []storage.DeviceRecord
	for _, record := range f.devices {
		if record.TenantID != tenantID {
			continue
		}
		if status != "" && record.Status != status {
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

func (f *fakeStore) UpdateDeviceInfo(_ context.Context, tenantID, deviceID, name, address, macAddress string, at time.Time) error {
	record, ok := f.devices[deviceID]
	if !ok || record.TenantID != tenantID {
		return storage.ErrNotFound
	}
	record.Name = name
	record.Address = address
	record.MACAddress = macAddress
	record.UpdatedAt = at
	f.devices[deviceID] = record
	return nil
}

func (f *fakeStore) UpdateDeviceStatus(_ context.Context, tenantID, deviceID string, status storage.DeviceStatus, ownerPlayerID, ownerSessionID string, at time.Time) (storage.DeviceRecord, error) {
	record, ok := f.devices[deviceID]
	if !ok || record.TenantID != tenantID {
		return storage.DeviceRecord{}, storage.ErrNotFound
	}
	record.Status = status
	record.OwnerPlayerID = ownerPlayerID
	record.OwnerSessionID = ownerSessionID
	record.UpdatedAt = at
	f.devices[deviceID] = record
	return record, nil
}

func (f *fakeStore) UpdateDeviceHeartbeat(_ context.Context, tenantID, pcID string, at time.Time) error {
	for deviceID, record := range f.devices {
		if record.TenantID == tenantID && record.PCID == pcID {
			record.LastHeartbeat = at
			f.devices[deviceID] = record
			return nil
		}
	}
	return storage.ErrNotFound
}

func (f *fakeStore) AddDeviceGame(_ context.Context, tenantID, deviceID string, game storage.InstalledGame, at time.Time) (storage.DeviceRecord, error) {
	record, ok := f.devices[deviceID]
	if !ok || record.TenantID != tenantID {
		return storage.DeviceRecord{}, storage.ErrNotFound
	}
	record.InstalledGames = append(record.InstalledGames, game)
	record.UpdatedAt = at
	f.devices[deviceID] = record
	return record, nil
}

func (f *fakeStore) RemoveDeviceGame(_ context.Context, tenantID, deviceID, gameName string, at time.Time) (storage.DeviceRecord, error) {
	record, ok := f.devices[deviceID]
	if !ok || record.TenantID != tenantID {
		return storage.DeviceRecord{}, storage.ErrNotFound
	}
	kept := record.InstalledGames[:0]
	for _, game := range record.InstalledGames {
		if game.Name != gameName {
			kept = append(kept, game)
		}
	}
	record.InstalledGames = kept
	record.UpdatedAt = at
	f.devices[deviceID] = record
	return record, nil
}

func (f *fakeStore) ListOfflineDevices(_ context.Context, tenantID string, cutoff time.Time) ([]storage.DeviceRecord, error) {
	var records []storage.DeviceRecord
	for _, record := range f.devices {
		if record.TenantID != tenantID || record.Status == storage.DeviceMaintenance {
			continue
		}
		if record.LastHeartbeat.Before(cutoff) {
			records = append(records, record)
		}
	}
	return records, nil
}

func (f *fakeStore) CountDevicesByStatus(_ context.Context, tenantID string) (map[storage.DeviceStatus]int, error) {
	counts := make(map[storage.DeviceStatus]int)
	for _, record := range f.devices {
		if record.TenantID == tenantID {
			counts[record.Status]++
		}
	}
	return counts, nil
}

func fixedClock() time.Time {
	return time.Date(2026, 8, 2, 12, 0, 0, 0, time.UTC)
}

func sequenceIDs(prefix string) func() (string, error) {
	counter := 0
	return func() (string, error) {
		counter++
		return fmt.Sprintf("%s-%d", prefix, counter), nil
	}
}

func TestRegisterAndDuplicatePCID(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	service := NewService(store, nil, fixedClock, sequenceIDs("device"))

	record, err := service.Register(context.Background(), RegisterInput{
		TenantID: "lounge-1",
		PCID:     "pc-001",
		Name:     "Station 1",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if record.Status != storage.DeviceAvailable {
		t.Fatalf("new devices start available, got %s", record.Status)
	}

	_, err = service.Register(context.Background(), RegisterInput{
		TenantID: "lounge-2",
		PCID:     "pc-001",
		Name:     "Station X",
	})
	if !errors.IsCode(err, errors.CodeDeviceExists) {
		t.Fatalf("expected device exists code, got %v", err)
	}
}

func TestSetStatusRejectsInUseDevice(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	service := NewService(store, nil, fixedClock, sequenceIDs("device"))

	record, err := service.Register(context.Background(), RegisterInput{TenantID: "lounge-1", PCID: "pc-001", Name: "Station 1"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := store.UpdateDeviceStatus(context.Background(), "lounge-1", record.ID, storage.DeviceInUse, "player-1", "sess-1", fixedClock()); err != nil {
		t.Fatalf("claim device: %v", err)
	}

	_, err = service.SetStatus(context.Background(), "lounge-1", record.ID, storage.DeviceMaintenance)
	if !errors.IsCode(err, errors.CodeInvalidDeviceStatus) {
		t.Fatalf("expected invalid device status code, got %v", err)
	}

	// In-use itself is not a manually settable state either.
	_, err = service.SetStatus(context.Background(), "lounge-1", record.ID, storage.DeviceInUse)
	if !errors.IsCode(err, errors.CodeInvalidDeviceStatus) {
		t.Fatalf("expected invalid device status code for in_use, got %v", err)
	}
}

type fakeCommands struct {
	queued []outbox.EnqueueInput
}

func (f *fakeCommands) Enqueue(_ context.Context, input outbox.EnqueueInput) (storage.CommandRecord, error) {
	f.queued = append(f.queued, input)
	return storage.CommandRecord{ID: fmt.Sprintf("cmd-%d", len(f.queued)), Kind: input.Kind}, nil
}

func TestMaintenanceTransitionsDriveScreenCommands(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	commands := &fakeCommands{}
	service := NewService(store, commands, fixedClock, sequenceIDs("device"))

	record, err := service.Register(context.Background(), RegisterInput{TenantID: "lounge-1", PCID: "pc-001", Name: "Station 1"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := service.SetStatus(context.Background(), "lounge-1", record.ID, storage.DeviceMaintenance); err != nil {
		t.Fatalf("park device: %v", err)
	}
	if len(commands.queued) != 1 || commands.queued[0].Kind != storage.CommandLockPC {
		t.Fatalf("parking must queue a lock, got %+v", commands.queued)
	}
	if commands.queued[0].PCID != "pc-001" || commands.queued[0].TenantID != "lounge-1" {
		t.Fatalf("lock addressed to wrong kiosk: %+v", commands.queued[0])
	}

	if _, err := service.SetStatus(context.Background(), "lounge-1", record.ID, storage.DeviceAvailable); err != nil {
		t.Fatalf("restore device: %v", err)
	}
	if len(commands.queued) != 2 || commands.queued[1].Kind != storage.CommandUnlockPC {
		t.Fatalf("returning to service must queue an unlock, got %+v", commands.queued)
	}

	// Transitions that never pass through maintenance stay silent.
	if _, err := service.SetStatus(context.Background(), "lounge-1", record.ID, storage.DeviceOffline); err != nil {
		t.Fatalf("mark offline: %v", err)
	}
	if len(commands.queued) != 2 {
		t.Fatalf("offline transition must not queue screen commands, got %+v", commands.queued)
	}
}

func TestHeartbeatRestoresOfflineDevice(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	service := NewService(store, nil, fixedClock, sequenceIDs("device"))

	record, err := service.Register(context.Background(), RegisterInput{TenantID: "lounge-1", PCID: "pc-001", Name: "Station 1"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := store.UpdateDeviceStatus(context.Background(), "lounge-1", record.ID, storage.DeviceOffline, "", "", fixedClock()); err != nil {
		t.Fatalf("mark offline: %v", err)
	}

	if err := service.Heartbeat(context.Background(), "lounge-1", "pc-001"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	updated, err := service.Get(context.Background(), "lounge-1", record.ID)
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if updated.Status != storage.DeviceAvailable {
		t.Fatalf("expected available after heartbeat, got %s", updated.Status)
	}
	if !updated.LastHeartbeat.Equal(fixedClock()) {
		t.Fatalf("expected refreshed heartbeat, got %v", updated.LastHeartbeat)
	}
}

func TestHeartbeatRejectsCrossTenant(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	service := NewService(store, nil, fixedClock, sequenceIDs("device"))

	if _, err := service.Register(context.Background(), RegisterInput{TenantID: "lounge-1", PCID: "pc-001", Name: "Station 1"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	err := service.Heartbeat(context.Background(), "lounge-2", "pc-001")
	if !errors.IsCode(err, errors.CodeCrossTenant) {
		t.Fatalf("expected cross tenant code, got %v", err)
	}
}

func TestSweepOfflineSkipsInUseDevices(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	now := fixedClock()
	clock := func() time.Time { return now.Add(10 * time.Minute) }
	service := NewService(store, nil, clock, sequenceIDs("device"))

	idle, err := service.Register(context.Background(), RegisterInput{TenantID: "lounge-1", PCID: "pc-001", Name: "Idle"})
	if err != nil {
		t.Fatalf("register idle: %v", err)
	}
	busy, err := service.Register(context.Background(), RegisterInput{TenantID: "lounge-1", PCID: "pc-002", Name: "Busy"})
	if err != nil {
		t.Fatalf("register busy: %v", err)
	}
	// Both heartbeats are stale relative to the sweep clock.
	for _, deviceID := range []string{idle.ID, busy.ID} {
		record := store.devices[deviceID]
		record.LastHeartbeat = now
		store.devices[deviceID] = record
	}
	if _, err := store.UpdateDeviceStatus(context.Background(), "lounge-1", busy.ID, storage.DeviceInUse, "player-1", "sess-1", now); err != nil {
		t.Fatalf("claim busy device: %v", err)
	}

	flipped, err := service.SweepOffline(context.Background(), "lounge-1", 2*time.Minute)
	if err != nil {
		t.Fatalf("sweep offline: %v", err)
	}
	if len(flipped) != 1 || flipped[0].ID != idle.ID {
		t.Fatalf("expected only idle device flipped, got %+v", flipped)
	}
	if store.devices[busy.ID].Status != storage.DeviceInUse {
		t.Fatalf("busy device must keep session ownership")
	}
}

func TestGetStats(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	service := NewService(store, nil, fixedClock, sequenceIDs("device"))

	for i, status := range []storage.DeviceStatus{storage.DeviceAvailable, storage.DeviceAvailable, storage.DeviceMaintenance} {
		record, err := service.Register(context.Background(), RegisterInput{
			TenantID: "lounge-1",
			PCID:     fmt.Sprintf("pc-%03d", i),
			Name:     fmt.Sprintf("Station %d", i),
		})
		if err != nil {
			t.Fatalf("register %d: %v", i, err)
		}
		if status != storage.DeviceAvailable {
			if _, err := service.SetStatus(context.Background(), "lounge-1", record.ID, status); err != nil {
				t.Fatalf("set status %d: %v", i, err)
			}
		}
	}

	stats, err := service.GetStats(context.Background(), "lounge-1")
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	if stats.Total != 3 || stats.Available != 2 || stats.Maintenance != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
