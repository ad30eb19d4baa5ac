// Package outbox manages the per-device command queue. Commands are
// written durably, delivered when the kiosk polls, and expire unseen when
// no poll arrives before their TTL.
package outbox

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/netlounge/lounged/internal/lounge/storage"
	"github.com/netlounge/lounged/internal/platform/errors"
	"github.com/netlounge/lounged/internal/platform/id"
)

// DefaultTTL bounds how long an undelivered command stays eligible for a
// poll before it expires unseen.
const DefaultTTL = 5 * time.Minute

// Payload carries the kind-specific command arguments. Fields are
// populated per kind and omitted from the wire form when empty.
type Payload struct {
	PlayerID         string `json:"player_id,omitempty"`
	SessionID        string `json:"session_id,omitempty"`
	AllocatedMinutes int    `json:"allocated_minutes,omitempty"`
	Message          string `json:"message,omitempty"`
}

// WireCommand is the poll response shape consumed by kiosks.
type WireCommand struct {
	ID        string    `json:"id"`
	Command   string    `json:"command"`
	Data      Payload   `json:"data"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the persistence boundary for outbox behavior.
type Store interface {
	EnqueueCommand(ctx context.Context, record storage.CommandRecord) error
	GetCommand(ctx context.Context, tenantID, commandID string) (storage.CommandRecord, error)
	DrainCommands(ctx context.Context, tenantID, pcID string, now time.Time) ([]storage.CommandRecord, error)
	ExpireCommands(ctx context.Context, now time.Time) (int, error)
}

// Service orchestrates durable command delivery to kiosks.
type Service struct {
	store Store
	clock func() time.Time
	newID func() (string, error)
}

// NewService constructs outbox use-cases.
func NewService(store Store, clock func() time.Time, newID func() (string, error)) *Service {
	if clock == nil {
		clock = time.Now
	}
	if newID == nil {
		newID = id.NewID
	}
	return &Service{store: store, clock: clock, newID: newID}
}

// EnqueueInput describes one command to queue for a device.
type EnqueueInput struct {
	TenantID  string
	PCID      string
	Kind      storage.CommandKind
	Payload   Payload
	TTL       time.Duration
	CreatedBy string
}

func validatePayload(kind storage.CommandKind, payload Payload) error {
	switch kind {
	case storage.CommandStartSession:
		if payload.PlayerID == "" || payload.SessionID == "" || payload.AllocatedMinutes <= 0 {
			return fmt.Errorf("start session commands require player, session, and minutes")
		}
	case storage.CommandEndSession:
		if payload.SessionID == "" {
			return fmt.Errorf("end session commands require a session")
		}
	case storage.CommandAnnouncement:
		if payload.Message == "" {
			return fmt.Errorf("announcement commands require a message")
		}
	case storage.CommandLockPC, storage.CommandUnlockPC:
	default:
		return fmt.Errorf("unknown command kind %q", kind)
	}
	return nil
}

// Enqueue queues one command for a device. The write is durable before the
// call returns; delivery happens on the kiosk's next poll.
func (s *Service) Enqueue(ctx context.Context, input EnqueueInput) (storage.CommandRecord, error) {
	if s == nil || s.store == nil {
		return storage.CommandRecord{}, errors.New(errors.CodeInternal, "outbox store is not configured")
	}
	input.TenantID = strings.TrimSpace(input.TenantID)
	input.PCID = strings.TrimSpace(input.PCID)
	if input.TenantID == "" {
		return storage.CommandRecord{}, fmt.Errorf("tenant id is required")
	}
	if input.PCID == "" {
		return storage.CommandRecord{}, fmt.Errorf("pc id is required")
	}
	if err := validatePayload(input.Kind, input.Payload); err != nil {
		return storage.CommandRecord{}, err
	}
	ttl := input.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	commandID, err := s.newID()
	if err != nil {
		return storage.CommandRecord{}, errors.Wrap(errors.CodeInternal, "generate command id", err)
	}
	payloadJSON, err := json.Marshal(input.Payload)
	if err != nil {
		return storage.CommandRecord{}, errors.Wrap(errors.CodeInternal, "marshal command payload", err)
	}

	now := s.clock().UTC()
	record := storage.CommandRecord{
		ID:          commandID,
		TenantID:    input.TenantID,
		PCID:        input.PCID,
		Kind:        input.Kind,
		PayloadJSON: string(payloadJSON),
		Status:      storage.CommandPending,
		ExpiresAt:   now.Add(ttl),
		CreatedBy:   input.CreatedBy,
		CreatedAt:   now,
	}
	if err := s.store.EnqueueCommand(ctx, record); err != nil {
		return storage.CommandRecord{}, errors.Wrap(errors.CodeInternal, "enqueue command", err)
	}
	return record, nil
}

// Drain returns pending unexpired commands for one device in wire form,
// oldest first, marking them executed. This is an at-least-once handoff:
// the store never hands a row to two polls, but the same logical
// instruction can be queued again upstream (a replayed timer, a repeated
// operator action), so kiosks must apply commands idempotently.
func (s *Service) Drain(ctx context.Context, tenantID, pcID string) ([]WireCommand, error) {
	if s == nil || s.store == nil {
		return nil, errors.New(errors.CodeInternal, "outbox store is not configured")
	}
	records, err := s.store.DrainCommands(ctx, tenantID, pcID, s.clock().UTC())
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return nil, errors.WithMetadata(errors.CodeDeviceNotFound, "device not found", map[string]string{"pc_id": pcID})
		}
		return nil, errors.Wrap(errors.CodeInternal, "drain commands", err)
	}

	wire := make([]WireCommand, 0, len(records))
	for _, record := range records {
		var payload Payload
		if record.PayloadJSON != "" {
			if err := json.Unmarshal([]byte(record.PayloadJSON), &payload); err != nil {
				return nil, errors.Wrap(errors.CodeInternal, "unmarshal command payload", err)
			}
		}
		wire = append(wire, WireCommand{
			ID:        record.ID,
			Command:   string(record.Kind),
			Data:      payload,
			CreatedAt: record.CreatedAt,
		})
	}
	return wire, nil
}

// Get loads one command by id within a tenant.
func (s *Service) Get(ctx context.Context, tenantID, commandID string) (storage.CommandRecord, error) {
	if s == nil || s.store == nil {
		return storage.CommandRecord{}, errors.New(errors.CodeInternal, "outbox store is not configured")
	}
	record, err := s.store.GetCommand(ctx, tenantID, commandID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return storage.CommandRecord{}, errors.WithMetadata(errors.CodeCommandNotFound, "command not found", map[string]string{"command_id": commandID})
		}
		return storage.CommandRecord{}, errors.Wrap(errors.CodeInternal, "load command", err)
	}
	return record, nil
}

// ReapExpired flips lapsed pending commands to expired and reports how
// many were reaped.
func (s *Service) ReapExpired(ctx context.Context) (int, error) {
	if s == nil || s.store == nil {
		return 0, errors.New(errors.CodeInternal, "outbox store is not configured")
	}
	reaped, err := s.store.ExpireCommands(ctx, s.clock().UTC())
	if err != nil {
		return 0, errors.Wrap(errors.CodeInternal, "expire commands", err)
	}
	return reaped, nil
}
