// Package scheduler manages durable session timers. Timers are persisted
// rows, not in-process state, so pending warnings and expiries survive a
// restart and fire once the poll runner comes back.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/netlounge/lounged/internal/lounge/storage"
	"github.com/netlounge/lounged/internal/platform/errors"
)

// Store is the persistence boundary for timer behavior.
type Store interface {
	ArmTimer(ctx context.Context, record storage.TimerRecord) error
	CancelTimer(ctx context.Context, tenantID, sessionID string, kind storage.TimerKind) error
	CancelSessionTimers(ctx context.Context, tenantID, sessionID string) error
	ClaimDueTimers(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]storage.TimerRecord, error)
	CompleteTimer(ctx context.Context, claimed storage.TimerRecord) error
	RetryTimer(ctx context.Context, claimed storage.TimerRecord, attempt int, fireAt time.Time, lastError string, dead bool, at time.Time) error
}

// Service arms and cancels durable session timers.
type Service struct {
	store Store
	clock func() time.Time
}

// NewService constructs timer use-cases.
func NewService(store Store, clock func() time.Time) *Service {
	if clock == nil {
		clock = time.Now
	}
	return &Service{store: store, clock: clock}
}

// ArmInput describes one timer to arm for a session.
type ArmInput struct {
	TenantID  string
	SessionID string
	Kind      storage.TimerKind
	FireAt    time.Time
}

// Arm schedules one (session, kind) timer. Arming an existing key replaces
// it, which is how extensions push both timers forward without ever
// holding two in flight.
func (s *Service) Arm(ctx context.Context, input ArmInput) error {
	if s == nil || s.store == nil {
		return errors.New(errors.CodeInternal, "timer store is not configured")
	}
	input.TenantID = strings.TrimSpace(input.TenantID)
	input.SessionID = strings.TrimSpace(input.SessionID)
	if input.TenantID == "" {
		return fmt.Errorf("tenant id is required")
	}
	if input.SessionID == "" {
		return fmt.Errorf("session id is required")
	}
	switch input.Kind {
	case storage.TimerWarning, storage.TimerExpiry:
	default:
		return fmt.Errorf("unknown timer kind %q", input.Kind)
	}
	if input.FireAt.IsZero() {
		return fmt.Errorf("fire time is required")
	}

	record := storage.TimerRecord{
		TenantID:  input.TenantID,
		SessionID: input.SessionID,
		Kind:      input.Kind,
		FireAt:    input.FireAt.UTC(),
		Status:    storage.TimerPending,
		UpdatedAt: s.clock().UTC(),
	}
	if err := s.store.ArmTimer(ctx, record); err != nil {
		return errors.Wrap(errors.CodeInternal, "arm timer", err)
	}
	return nil
}

// Cancel removes one (session, kind) timer. Cancelling a missing timer is
// a no-op.
func (s *Service) Cancel(ctx context.Context, tenantID, sessionID string, kind storage.TimerKind) error {
	if s == nil || s.store == nil {
		return errors.New(errors.CodeInternal, "timer store is not configured")
	}
	if err := s.store.CancelTimer(ctx, tenantID, sessionID, kind); err != nil {
		return errors.Wrap(errors.CodeInternal, "cancel timer", err)
	}
	return nil
}

// CancelAll removes every timer for one session.
func (s *Service) CancelAll(ctx context.Context, tenantID, sessionID string) error {
	if s == nil || s.store == nil {
		return errors.New(errors.CodeInternal, "timer store is not configured")
	}
	if err := s.store.CancelSessionTimers(ctx, tenantID, sessionID); err != nil {
		return errors.Wrap(errors.CodeInternal, "cancel session timers", err)
	}
	return nil
}
