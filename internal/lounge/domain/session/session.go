// Package session manages the lifecycle of time-boxed device grants. A
// session atomically debits the player, claims the device, and appends the
// ledger row in one store write; timers and kiosk commands are queued after
// the commit and recovered by their own durable mechanisms if queueing
// fails.
package session

import (
	"context"
	stderrors "errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/netlounge/lounged/internal/lounge/domain/outbox"
	"github.com/netlounge/lounged/internal/lounge/domain/scheduler"
	"github.com/netlounge/lounged/internal/lounge/storage"
	"github.com/netlounge/lounged/internal/platform/errors"
	"github.com/netlounge/lounged/internal/platform/id"
)

// Tenant policy fallbacks used when no settings row exists.
const (
	DefaultWarningMinutes    = 5
	DefaultCommandTTLMinutes = 5
	DefaultMaxSessionMinutes = 120
)

// Store is the persistence boundary for session lifecycle behavior.
type Store interface {
	GetTenantSettings(ctx context.Context, tenantID string) (storage.TenantSettingsRecord, error)
	GetPlayer(ctx context.Context, tenantID, playerID string) (storage.PlayerRecord, error)
	GetDevice(ctx context.Context, tenantID, deviceID string) (storage.DeviceRecord, error)
	StartSession(ctx context.Context, args storage.StartSessionArgs) (storage.SessionRecord, error)
	GetSession(ctx context.Context, tenantID, sessionID string) (storage.SessionRecord, error)
	GetActiveSessionByPlayer(ctx context.Context, tenantID, playerID string) (storage.SessionRecord, error)
	GetActiveSessionByDevice(ctx context.Context, tenantID, deviceID string) (storage.SessionRecord, error)
	ListSessions(ctx context.Context, tenantID string, status storage.SessionStatus) ([]storage.SessionRecord, error)
	ListSessionsByPlayer(ctx context.Context, tenantID, playerID string) ([]storage.SessionRecord, error)
	ExtendSession(ctx context.Context, args storage.ExtendSessionArgs) (storage.SessionRecord, error)
	EndSession(ctx context.Context, args storage.EndSessionArgs) (storage.SessionRecord, error)
	UpdateSessionTime(ctx context.Context, tenantID, sessionID string, remainingMinutes int, at time.Time) (storage.SessionRecord, error)
	SetSessionGame(ctx context.Context, tenantID, sessionID, game string, at time.Time) error
	GetSessionStats(ctx context.Context, tenantID string) (storage.SessionStats, error)
}

// Commands queues kiosk instructions after session transitions commit.
type Commands interface {
	Enqueue(ctx context.Context, input outbox.EnqueueInput) (storage.CommandRecord, error)
}

// Timers arms and cancels the durable warning and expiry callbacks.
type Timers interface {
	Arm(ctx context.Context, input scheduler.ArmInput) error
	CancelAll(ctx context.Context, tenantID, sessionID string) error
}

// Manager orchestrates the session lifecycle.
type Manager struct {
	store    Store
	commands Commands
	timers   Timers
	clock    func() time.Time
	newID    func() (string, error)
}

// NewManager constructs session lifecycle use-cases.
func NewManager(store Store, commands Commands, timers Timers, clock func() time.Time, newID func() (string, error)) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if commands == nil {
		return nil, fmt.Errorf("command outbox is required")
	}
	if timers == nil {
		return nil, fmt.Errorf("timer scheduler is required")
	}
	if clock == nil {
		clock = time.Now
	}
	if newID == nil {
		newID = id.NewID
	}
	return &Manager{store: store, commands: commands, timers: timers, clock: clock, newID: newID}, nil
}

// StartInput describes one session start request.
type StartInput struct {
	TenantID  string
	PlayerID  string
	DeviceID  string
	Minutes   int
	CreatedBy string
}

// ExtendInput describes one session extension request.
type ExtendInput struct {
	TenantID          string
	SessionID         string
	AdditionalMinutes int
	CreatedBy         string
}

// EndInput describes one session end request.
type EndInput struct {
	TenantID  string
	SessionID string
	EndedBy   storage.EndedBy
	Notes     string
}

func (m *Manager) settings(ctx context.Context, tenantID string) (storage.TenantSettingsRecord, error) {
	record, err := m.store.GetTenantSettings(ctx, tenantID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return storage.TenantSettingsRecord{
				TenantID:          tenantID,
				WarningMinutes:    DefaultWarningMinutes,
				CommandTTLMinutes: DefaultCommandTTLMinutes,
				MaxSessionMinutes: DefaultMaxSessionMinutes,
			}, nil
		}
		return storage.TenantSettingsRecord{}, errors.Wrap(errors.CodeInternal, "load tenant settings", err)
	}
	return record, nil
}

// Start begins a session: it debits the player, claims the device, and
// records the session in one atomic write, then queues the kiosk unlock
// command and arms the warning and expiry timers.
func (m *Manager) Start(ctx context.Context, input StartInput) (storage.SessionRecord, error) {
	input.TenantID = strings.TrimSpace(input.TenantID)
	input.PlayerID = strings.TrimSpace(input.PlayerID)
	input.DeviceID = strings.TrimSpace(input.DeviceID)
	if input.TenantID == "" || input.PlayerID == "" || input.DeviceID == "" {
		return storage.SessionRecord{}, fmt.Errorf("tenant, player, and device ids are required")
	}
	if input.Minutes <= 0 {
		return storage.SessionRecord{}, fmt.Errorf("session minutes must be greater than zero")
	}

	settings, err := m.settings(ctx, input.TenantID)
	if err != nil {
		return storage.SessionRecord{}, err
	}
	if input.Minutes > settings.MaxSessionMinutes {
		return storage.SessionRecord{}, fmt.Errorf("session minutes exceed tenant maximum of %d", settings.MaxSessionMinutes)
	}

	player, err := m.store.GetPlayer(ctx, input.TenantID, input.PlayerID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return storage.SessionRecord{}, errors.WithMetadata(errors.CodePlayerNotFound, "player not found", map[string]string{"player_id": input.PlayerID})
		}
		return storage.SessionRecord{}, errors.Wrap(errors.CodeInternal, "load player", err)
	}
	if player.Status != storage.PlayerActive {
		return storage.SessionRecord{}, errors.WithMetadata(errors.CodePlayerNotActive, "player account is not active", map[string]string{"status": string(player.Status)})
	}

	device, err := m.store.GetDevice(ctx, input.TenantID, input.DeviceID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return storage.SessionRecord{}, errors.WithMetadata(errors.CodeDeviceNotFound, "device not found", map[string]string{"device_id": input.DeviceID})
		}
		return storage.SessionRecord{}, errors.Wrap(errors.CodeInternal, "load device", err)
	}

	sessionID, err := m.newID()
	if err != nil {
		return storage.SessionRecord{}, errors.Wrap(errors.CodeInternal, "generate session id", err)
	}
	txnID, err := m.newID()
	if err != nil {
		return storage.SessionRecord{}, errors.Wrap(errors.CodeInternal, "generate transaction id", err)
	}

	now := m.clock().UTC()
	endTime := now.Add(time.Duration(input.Minutes) * time.Minute)
	warningTime := endTime.Add(-time.Duration(settings.WarningMinutes) * time.Minute)

	record, err := m.store.StartSession(ctx, storage.StartSessionArgs{
		Session: storage.SessionRecord{
			ID:               sessionID,
			TenantID:         input.TenantID,
			PlayerID:         player.ID,
			PlayerUsername:   player.Username,
			DeviceID:         device.ID,
			PCID:             device.PCID,
			AllocatedMinutes: input.Minutes,
			RemainingMinutes: input.Minutes,
			CreditsUsed:      int64(input.Minutes),
			Status:           storage.SessionActive,
			StartedAt:        now,
			SessionEndTime:   endTime,
			WarningTime:      warningTime,
			UpdatedAt:        now,
		},
		Transaction: storage.TransactionRecord{
			ID:             txnID,
			TenantID:       input.TenantID,
			PlayerID:       player.ID,
			PlayerUsername: player.Username,
			Type:           storage.TransactionCreditDeduction,
			Amount:         int64(input.Minutes),
			Description:    fmt.Sprintf("session on %s", device.Name),
			SessionID:      sessionID,
			CreatedBy:      input.CreatedBy,
			CreatedAt:      now,
		},
		DebitAmount: int64(input.Minutes),
	})
	if err != nil {
		return storage.SessionRecord{}, mapStartError(err, input)
	}

	// Post-commit side effects are best effort. The kiosk discovers the
	// session on its next authenticated poll even if the command write
	// fails, and timers can be rearmed by an operator reschedule.
	ttl := time.Duration(settings.CommandTTLMinutes) * time.Minute
	if _, err := m.commands.Enqueue(ctx, outbox.EnqueueInput{
		TenantID: input.TenantID,
		PCID:     device.PCID,
		Kind:     storage.CommandStartSession,
		Payload: outbox.Payload{
			PlayerID:         player.ID,
			SessionID:        sessionID,
			AllocatedMinutes: input.Minutes,
		},
		TTL:       ttl,
		CreatedBy: input.CreatedBy,
	}); err != nil {
		log.Printf("queue start command for session %s: %v", sessionID, err)
	}
	m.armTimers(ctx, record)

	return record, nil
}

func mapStartError(err error, input StartInput) error {
	switch {
	case stderrors.Is(err, storage.ErrInsufficientCredits):
		return errors.WithMetadata(errors.CodeInsufficientCredits, "insufficient credit balance", map[string]string{"player_id": input.PlayerID})
	case stderrors.Is(err, storage.ErrPlayerSessionActive):
		return errors.WithMetadata(errors.CodePlayerSessionExists, "player already has an active session", map[string]string{"player_id": input.PlayerID})
	case stderrors.Is(err, storage.ErrDeviceSessionActive):
		return errors.WithMetadata(errors.CodeDeviceSessionExists, "device already hosts an active session", map[string]string{"device_id": input.DeviceID})
	case stderrors.Is(err, storage.ErrDeviceUnavailable):
		return errors.WithMetadata(errors.CodeDeviceUnavailable, "device is not available", map[string]string{"device_id": input.DeviceID})
	case stderrors.Is(err, storage.ErrNotFound):
		return errors.WithMetadata(errors.CodePlayerNotFound, "player not found", map[string]string{"player_id": input.PlayerID})
	default:
		return errors.Wrap(errors.CodeInternal, "start session", err)
	}
}

func (m *Manager) armTimers(ctx context.Context, record storage.SessionRecord) {
	now := m.clock().UTC()
	if record.WarningTime.After(now) {
		if err := m.timers.Arm(ctx, scheduler.ArmInput{
			TenantID:  record.TenantID,
			SessionID: record.ID,
			Kind:      storage.TimerWarning,
			FireAt:    record.WarningTime,
		}); err != nil {
			log.Printf("arm warning timer for session %s: %v", record.ID, err)
		}
	}
	if err := m.timers.Arm(ctx, scheduler.ArmInput{
		TenantID:  record.TenantID,
		SessionID: record.ID,
		Kind:      storage.TimerExpiry,
		FireAt:    record.SessionEndTime,
	}); err != nil {
		log.Printf("arm expiry timer for session %s: %v", record.ID, err)
	}
}

// Extend adds minutes to an active session: another conditional debit,
// another ledger row, pushed end and warning times, and rearmed timers.
func (m *Manager) Extend(ctx context.Context, input ExtendInput) (storage.SessionRecord, error) {
	input.TenantID = strings.TrimSpace(input.TenantID)
	input.SessionID = strings.TrimSpace(input.SessionID)
	if input.TenantID == "" || input.SessionID == "" {
		return storage.SessionRecord{}, fmt.Errorf("tenant and session ids are required")
	}
	if input.AdditionalMinutes <= 0 {
		return storage.SessionRecord{}, fmt.Errorf("additional minutes must be greater than zero")
	}

	current, err := m.Get(ctx, input.TenantID, input.SessionID)
	if err != nil {
		return storage.SessionRecord{}, err
	}
	if current.Status != storage.SessionActive {
		return storage.SessionRecord{}, errors.WithMetadata(errors.CodeSessionNotActive, "session is not active", map[string]string{"status": string(current.Status)})
	}

	settings, err := m.settings(ctx, input.TenantID)
	if err != nil {
		return storage.SessionRecord{}, err
	}
	if current.AllocatedMinutes+input.AdditionalMinutes > settings.MaxSessionMinutes {
		return storage.SessionRecord{}, fmt.Errorf("extension exceeds tenant maximum of %d minutes", settings.MaxSessionMinutes)
	}

	txnID, err := m.newID()
	if err != nil {
		return storage.SessionRecord{}, errors.Wrap(errors.CodeInternal, "generate transaction id", err)
	}
	now := m.clock().UTC()
	newEnd := current.SessionEndTime.Add(time.Duration(input.AdditionalMinutes) * time.Minute)
	newWarning := newEnd.Add(-time.Duration(settings.WarningMinutes) * time.Minute)

	record, err := m.store.ExtendSession(ctx, storage.ExtendSessionArgs{
		TenantID:          input.TenantID,
		SessionID:         input.SessionID,
		AdditionalMinutes: input.AdditionalMinutes,
		Transaction: storage.TransactionRecord{
			ID:             txnID,
			TenantID:       input.TenantID,
			PlayerID:       current.PlayerID,
			PlayerUsername: current.PlayerUsername,
			Type:           storage.TransactionCreditDeduction,
			Amount:         int64(input.AdditionalMinutes),
			Description:    "session extension",
			SessionID:      input.SessionID,
			CreatedBy:      input.CreatedBy,
			CreatedAt:      now,
		},
		NewSessionEndTime: newEnd,
		NewWarningTime:    newWarning,
		UpdatedAt:         now,
	})
	if err != nil {
		switch {
		case stderrors.Is(err, storage.ErrInsufficientCredits):
			return storage.SessionRecord{}, errors.WithMetadata(errors.CodeInsufficientCredits, "insufficient credit balance", map[string]string{"player_id": current.PlayerID})
		case stderrors.Is(err, storage.ErrSessionNotActive):
			return storage.SessionRecord{}, errors.WithMetadata(errors.CodeSessionNotActive, "session is not active", map[string]string{"session_id": input.SessionID})
		case stderrors.Is(err, storage.ErrNotFound):
			return storage.SessionRecord{}, errors.WithMetadata(errors.CodeSessionNotFound, "session not found", map[string]string{"session_id": input.SessionID})
		default:
			return storage.SessionRecord{}, errors.Wrap(errors.CodeInternal, "extend session", err)
		}
	}

	// Rearming replaces both timer rows, which is what prevents the old
	// expiry from ending the extended session.
	m.armTimers(ctx, record)

	return record, nil
}

func endStatusFor(endedBy storage.EndedBy) (storage.SessionStatus, error) {
	switch endedBy {
	case storage.EndedByPlayer:
		return storage.SessionCompleted, nil
	case storage.EndedByTimeout:
		return storage.SessionExpired, nil
	case storage.EndedBySuperuser, storage.EndedBySystem:
		return storage.SessionTerminated, nil
	default:
		return "", errors.WithMetadata(errors.CodeInvalidEndedBy, "unknown ended by actor", map[string]string{"ended_by": string(endedBy)})
	}
}

// End transitions an active session to its terminal status, releases the
// device, cancels outstanding timers, and queues the kiosk lock commands.
func (m *Manager) End(ctx context.Context, input EndInput) (storage.SessionRecord, error) {
	input.TenantID = strings.TrimSpace(input.TenantID)
	input.SessionID = strings.TrimSpace(input.SessionID)
	if input.TenantID == "" || input.SessionID == "" {
		return storage.SessionRecord{}, fmt.Errorf("tenant and session ids are required")
	}
	status, err := endStatusFor(input.EndedBy)
	if err != nil {
		return storage.SessionRecord{}, err
	}

	record, err := m.store.EndSession(ctx, storage.EndSessionArgs{
		TenantID:  input.TenantID,
		SessionID: input.SessionID,
		Status:    status,
		EndedBy:   input.EndedBy,
		Notes:     input.Notes,
		EndedAt:   m.clock().UTC(),
	})
	if err != nil {
		switch {
		case stderrors.Is(err, storage.ErrSessionNotActive):
			return storage.SessionRecord{}, errors.WithMetadata(errors.CodeSessionNotActive, "session is not active", map[string]string{"session_id": input.SessionID})
		case stderrors.Is(err, storage.ErrNotFound):
			return storage.SessionRecord{}, errors.WithMetadata(errors.CodeSessionNotFound, "session not found", map[string]string{"session_id": input.SessionID})
		default:
			return storage.SessionRecord{}, errors.Wrap(errors.CodeInternal, "end session", err)
		}
	}

	if err := m.timers.CancelAll(ctx, input.TenantID, input.SessionID); err != nil {
		log.Printf("cancel timers for session %s: %v", input.SessionID, err)
	}

	settings, settingsErr := m.settings(ctx, input.TenantID)
	ttl := time.Duration(DefaultCommandTTLMinutes) * time.Minute
	if settingsErr == nil {
		ttl = time.Duration(settings.CommandTTLMinutes) * time.Minute
	}
	for _, command := range []outbox.EnqueueInput{
		{
			TenantID: input.TenantID,
			PCID:     record.PCID,
			Kind:     storage.CommandEndSession,
			Payload:  outbox.Payload{SessionID: record.ID},
			TTL:      ttl,
		},
		{
			TenantID: input.TenantID,
			PCID:     record.PCID,
			Kind:     storage.CommandLockPC,
			TTL:      ttl,
		},
	} {
		if _, err := m.commands.Enqueue(ctx, command); err != nil {
			log.Printf("queue %s command for session %s: %v", command.Kind, record.ID, err)
		}
	}

	return record, nil
}

// Get loads one session by id within a tenant.
func (m *Manager) Get(ctx context.Context, tenantID, sessionID string) (storage.SessionRecord, error) {
	record, err := m.store.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return storage.SessionRecord{}, errors.WithMetadata(errors.CodeSessionNotFound, "session not found", map[string]string{"session_id": sessionID})
		}
		return storage.SessionRecord{}, errors.Wrap(errors.CodeInternal, "load session", err)
	}
	return record, nil
}

// GetActiveByPlayer loads the single active session for one player.
func (m *Manager) GetActiveByPlayer(ctx context.Context, tenantID, playerID string) (storage.SessionRecord, error) {
	record, err := m.store.GetActiveSessionByPlayer(ctx, tenantID, playerID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return storage.SessionRecord{}, errors.WithMetadata(errors.CodeSessionNotFound, "no active session for player", map[string]string{"player_id": playerID})
		}
		return storage.SessionRecord{}, errors.Wrap(errors.CodeInternal, "load active session", err)
	}
	return record, nil
}

// GetActiveByDevice loads the single active session for one device.
func (m *Manager) GetActiveByDevice(ctx context.Context, tenantID, deviceID string) (storage.SessionRecord, error) {
	record, err := m.store.GetActiveSessionByDevice(ctx, tenantID, deviceID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return storage.SessionRecord{}, errors.WithMetadata(errors.CodeSessionNotFound, "no active session for device", map[string]string{"device_id": deviceID})
		}
		return storage.SessionRecord{}, errors.Wrap(errors.CodeInternal, "load active session", err)
	}
	return record, nil
}

// List lists tenant sessions, optionally filtered by status.
func (m *Manager) List(ctx context.Context, tenantID string, status storage.SessionStatus) ([]storage.SessionRecord, error) {
	records, err := m.store.ListSessions(ctx, tenantID, status)
	if err != nil {
		return nil, errors.Wrap(errors.CodeInternal, "list sessions", err)
	}
	return records, nil
}

// ListByPlayer lists one player's sessions newest-first.
func (m *Manager) ListByPlayer(ctx context.Context, tenantID, playerID string) ([]storage.SessionRecord, error) {
	records, err := m.store.ListSessionsByPlayer(ctx, tenantID, playerID)
	if err != nil {
		return nil, errors.Wrap(errors.CodeInternal, "list player sessions", err)
	}
	return records, nil
}

// UpdateRemainingTime records kiosk-reported remaining minutes, clamped
// at zero.
func (m *Manager) UpdateRemainingTime(ctx context.Context, tenantID, sessionID string, remainingMinutes int) (storage.SessionRecord, error) {
	if remainingMinutes < 0 {
		remainingMinutes = 0
	}
	record, err := m.store.UpdateSessionTime(ctx, tenantID, sessionID, remainingMinutes, m.clock().UTC())
	if err != nil {
		switch {
		case stderrors.Is(err, storage.ErrSessionNotActive):
			return storage.SessionRecord{}, errors.WithMetadata(errors.CodeSessionNotActive, "session is not active", map[string]string{"session_id": sessionID})
		case stderrors.Is(err, storage.ErrNotFound):
			return storage.SessionRecord{}, errors.WithMetadata(errors.CodeSessionNotFound, "session not found", map[string]string{"session_id": sessionID})
		default:
			return storage.SessionRecord{}, errors.Wrap(errors.CodeInternal, "update session time", err)
		}
	}
	return record, nil
}

// SetGameLaunched records which game the session launched.
func (m *Manager) SetGameLaunched(ctx context.Context, tenantID, sessionID, game string) error {
	if err := m.store.SetSessionGame(ctx, tenantID, sessionID, game, m.clock().UTC()); err != nil {
		switch {
		case stderrors.Is(err, storage.ErrSessionNotActive):
			return errors.WithMetadata(errors.CodeSessionNotActive, "session is not active", map[string]string{"session_id": sessionID})
		case stderrors.Is(err, storage.ErrNotFound):
			return errors.WithMetadata(errors.CodeSessionNotFound, "session not found", map[string]string{"session_id": sessionID})
		default:
			return errors.Wrap(errors.CodeInternal, "set session game", err)
		}
	}
	return nil
}

// GetStats aggregates tenant session counters.
func (m *Manager) GetStats(ctx context.Context, tenantID string) (storage.SessionStats, error) {
	stats, err := m.store.GetSessionStats(ctx, tenantID)
	if err != nil {
		return storage.SessionStats{}, errors.Wrap(errors.CodeInternal, "session stats", err)
	}
	return stats, nil
}

// HandleWarning fires when a session approaches expiry. It re-reads the
// session so a timer made stale by an extension or an early end becomes a
// no-op instead of a spurious announcement.
func (m *Manager) HandleWarning(ctx context.Context, tenantID, sessionID string) error {
	record, err := m.store.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load session for warning: %w", err)
	}
	now := m.clock().UTC()
	if record.Status != storage.SessionActive || record.WarningTime.After(now) {
		return nil
	}

	settings, err := m.settings(ctx, tenantID)
	if err != nil {
		return err
	}
	remaining := int(record.SessionEndTime.Sub(now).Round(time.Minute) / time.Minute)
	if remaining < 1 {
		remaining = 1
	}
	if _, err := m.commands.Enqueue(ctx, outbox.EnqueueInput{
		TenantID: tenantID,
		PCID:     record.PCID,
		Kind:     storage.CommandAnnouncement,
		Payload: outbox.Payload{
			SessionID: record.ID,
			Message:   fmt.Sprintf("Your session ends in %d minutes", remaining),
		},
		TTL: time.Duration(settings.CommandTTLMinutes) * time.Minute,
	}); err != nil {
		return fmt.Errorf("queue warning announcement: %w", err)
	}
	return nil
}

// HandleExpiry fires when a session reaches its time limit. A session that
// already ended or was extended past now is left alone.
func (m *Manager) HandleExpiry(ctx context.Context, tenantID, sessionID string) error {
	record, err := m.store.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load session for expiry: %w", err)
	}
	now := m.clock().UTC()
	if record.Status != storage.SessionActive || record.SessionEndTime.After(now) {
		return nil
	}

	if _, err := m.End(ctx, EndInput{
		TenantID:  tenantID,
		SessionID: sessionID,
		EndedBy:   storage.EndedByTimeout,
	}); err != nil {
		// A concurrent end between the read and the write is a clean no-op.
		if errors.IsCode(err, errors.CodeSessionNotActive) || errors.IsCode(err, errors.CodeSessionNotFound) {
			return nil
		}
		return fmt.Errorf("end expired session: %w", err)
	}
	return nil
}
