package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/netlounge/lounged/internal/lounge/storage"
)

type fakeStore struct {
	commands map[string]storage.CommandRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{commands: make(map[string]storage.CommandRecord)}
}

func (f *fakeStore) EnqueueCommand(_ context.Context, record storage.CommandRecord) error {
	if _, ok := f.commands[record.ID]; ok {
		return storage.ErrConflict
	}
	f.commands[record.ID] = record
	return nil
}

func (f *fakeStore) GetCommand(_ context.Context, tenantID, commandID string) (storage.CommandRecord, error) {
	record, ok := f.commands[commandID]
	if !ok || record.TenantID != tenantID {
		return storage.CommandRecord{}, storage.ErrNotFound
	}
	return record, nil
}

func (f *fakeStore) DrainCommands(_ context.Context, tenantID, pcID string, now time.Time) ([]storage.CommandRecord, error) {
	var drained []storage.CommandRecord
	for commandID, record := range f.commands {
		if record.TenantID != tenantID || record.PCID != pcID {
			continue
		}
		if record.Status != storage.CommandPending || !record.ExpiresAt.After(now) {
			continue
		}
		executedAt := now
		record.Status = storage.CommandExecuted
		record.ExecutedAt = &executedAt
		f.commands[commandID] = record
		drained = append(drained, record)
	}
	for i := 0; i < len(drained); i++ {
		for j := i + 1; j < len(drained); j++ {
			if drained[j].CreatedAt.Before(drained[i].CreatedAt) {
				drained[i], drained[j] = drained[j], drained[i]
			}
		}
	}
	return drained, nil
}

func (f *fakeStore) ExpireCommands(_ context.Context, now time.Time) (int, error) {
	expired := 0
	for commandID, record := range f.commands {
		if record.Status == storage.CommandPending && !record.ExpiresAt.After(now) {
			record.Status = storage.CommandExpired
			f.commands[commandID] = record
			expired++
		}
	}
	return expired, nil
}

func fixedClock() time.Time {
	return time.Date(2026, 8, 2, 14, 0, 0, 0, time.UTC)
}

func sequenceIDs(prefix string) func() (string, error) {
	counter := 0
	return func() (string, error) {
		counter++
		return fmt.Sprintf("%s-%d", prefix, counter), nil
	}
}

func TestEnqueueValidatesPayloadPerKind(t *testing.T) {
	t.Parallel()

	service := NewService(newFakeStore(), fixedClock, sequenceIDs("cmd"))

	cases := []struct {
		name    string
		kind    storage.CommandKind
		payload Payload
		wantErr bool
	}{
		{"start session complete", storage.CommandStartSession, Payload{PlayerID: "p", SessionID: "s", AllocatedMinutes: 60}, false},
		{"start session missing minutes", storage.CommandStartSession, Payload{PlayerID: "p", SessionID: "s"}, true},
		{"end session complete", storage.CommandEndSession, Payload{SessionID: "s"}, false},
		{"end session missing session", storage.CommandEndSession, Payload{}, true},
		{"announcement complete", storage.CommandAnnouncement, Payload{Message: "5 minutes left"}, false},
		{"announcement missing message", storage.CommandAnnouncement, Payload{}, true},
		{"lock pc no payload", storage.CommandLockPC, Payload{}, false},
		{"unknown kind", storage.CommandKind("REBOOT"), Payload{}, true},
	}
	for _, tc := range cases {
		_, err := service.Enqueue(context.Background(), EnqueueInput{
			TenantID: "lounge-1",
			PCID:     "pc-001",
			Kind:     tc.kind,
			Payload:  tc.payload,
		})
		if tc.wantErr && err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
		if !tc.wantErr && err != nil {
			t.Errorf("%s: unexpected error: %v", tc.name, err)
		}
	}
}

func TestEnqueueAppliesDefaultTTL(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	service := NewService(store, fixedClock, sequenceIDs("cmd"))

	record, err := service.Enqueue(context.Background(), EnqueueInput{
		TenantID: "lounge-1",
		PCID:     "pc-001",
		Kind:     storage.CommandLockPC,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !record.ExpiresAt.Equal(fixedClock().Add(DefaultTTL)) {
		t.Fatalf("expected default TTL expiry, got %v", record.ExpiresAt)
	}
	if record.Status != storage.CommandPending {
		t.Fatalf("expected pending status, got %s", record.Status)
	}
}

func TestDrainProducesWireForm(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	service := NewService(store, fixedClock, sequenceIDs("cmd"))

	if _, err := service.Enqueue(context.Background(), EnqueueInput{
		TenantID: "lounge-1",
		PCID:     "pc-001",
		Kind:     storage.CommandStartSession,
		Payload:  Payload{PlayerID: "player-1", SessionID: "sess-1", AllocatedMinutes: 60},
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	wire, err := service.Drain(context.Background(), "lounge-1", "pc-001")
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(wire) != 1 {
		t.Fatalf("expected 1 command, got %d", len(wire))
	}
	if wire[0].Command != "START_SESSION" {
		t.Fatalf("expected START_SESSION, got %s", wire[0].Command)
	}
	if wire[0].Data.AllocatedMinutes != 60 || wire[0].Data.PlayerID != "player-1" {
		t.Fatalf("unexpected payload: %+v", wire[0].Data)
	}

	// Empty payload fields stay off the wire entirely.
	encoded, err := json.Marshal(WireCommand{ID: "cmd-x", Command: "LOCK_PC", CreatedAt: fixedClock()})
	if err != nil {
		t.Fatalf("marshal wire command: %v", err)
	}
	if string(encoded) != `{"id":"cmd-x","command":"LOCK_PC","data":{},"created_at":"2026-08-02T14:00:00Z"}` {
		t.Fatalf("unexpected wire encoding: %s", encoded)
	}
}

func TestDrainNeverHandsRowToTwoPolls(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	service := NewService(store, fixedClock, sequenceIDs("cmd"))

	if _, err := service.Enqueue(context.Background(), EnqueueInput{
		TenantID: "lounge-1",
		PCID:     "pc-001",
		Kind:     storage.CommandLockPC,
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	first, err := service.Drain(context.Background(), "lounge-1", "pc-001")
	if err != nil {
		t.Fatalf("first drain: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("expected 1 command on first drain, got %d", len(first))
	}
	second, err := service.Drain(context.Background(), "lounge-1", "pc-001")
	if err != nil {
		t.Fatalf("second drain: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("expected empty second drain, got %d", len(second))
	}
}

func TestReapExpired(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	now := fixedClock()
	current := now
	service := NewService(store, func() time.Time { return current }, sequenceIDs("cmd"))

	if _, err := service.Enqueue(context.Background(), EnqueueInput{
		TenantID: "lounge-1",
		PCID:     "pc-001",
		Kind:     storage.CommandLockPC,
		TTL:      time.Minute,
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	current = now.Add(2 * time.Minute)
	reaped, err := service.ReapExpired(context.Background())
	if err != nil {
		t.Fatalf("reap expired: %v", err)
	}
	if reaped != 1 {
		t.Fatalf("expected 1 reaped command, got %d", reaped)
	}

	// The expired command never reaches a late poll.
	wire, err := service.Drain(context.Background(), "lounge-1", "pc-001")
	if err != nil {
		t.Fatalf("drain after reap: %v", err)
	}
	if len(wire) != 0 {
		t.Fatalf("expected no delivery after expiry, got %d", len(wire))
	}
}
