// Package kiosk is the surface the PC agents talk to. Every operation is
// keyed by the hardware pc id; the tenant is derived from the device
// registry so an agent can never name a tenant it does not belong to.
package kiosk

import (
	"context"
	stderrors "errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/netlounge/lounged/internal/lounge/domain/outbox"
	"github.com/netlounge/lounged/internal/lounge/domain/session"
	"github.com/netlounge/lounged/internal/lounge/storage"
	"github.com/netlounge/lounged/internal/platform/errors"
)

// Severity classifies kiosk-reported errors. Critical and hardware
// reports take the device out of rotation.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
	SeverityHardware Severity = "hardware"
)

// CredentialVerifier checks a player credential against the identity
// system. The control plane never stores credentials itself.
type CredentialVerifier interface {
	Verify(ctx context.Context, tenantID, playerID, credential string) error
}

// VerifierFunc adapts a function to CredentialVerifier.
type VerifierFunc func(ctx context.Context, tenantID, playerID, credential string) error

// Verify calls f.
func (f VerifierFunc) Verify(ctx context.Context, tenantID, playerID, credential string) error {
	return f(ctx, tenantID, playerID, credential)
}

// Devices is the slice of the device registry the kiosk surface uses.
type Devices interface {
	GetByPCID(ctx context.Context, pcID string) (storage.DeviceRecord, error)
	Heartbeat(ctx context.Context, tenantID, pcID string) error
	SetStatus(ctx context.Context, tenantID, deviceID string, status storage.DeviceStatus) (storage.DeviceRecord, error)
	AddGame(ctx context.Context, tenantID, deviceID string, game storage.InstalledGame) (storage.DeviceRecord, error)
	RemoveGame(ctx context.Context, tenantID, deviceID, gameName string) (storage.DeviceRecord, error)
}

// Sessions is the slice of the session manager the kiosk surface uses.
type Sessions interface {
	GetActiveByDevice(ctx context.Context, tenantID, deviceID string) (storage.SessionRecord, error)
	GetActiveByPlayer(ctx context.Context, tenantID, playerID string) (storage.SessionRecord, error)
	End(ctx context.Context, input session.EndInput) (storage.SessionRecord, error)
	UpdateRemainingTime(ctx context.Context, tenantID, sessionID string, remainingMinutes int) (storage.SessionRecord, error)
	SetGameLaunched(ctx context.Context, tenantID, sessionID, game string) error
}

// Commands drains the durable outbox on kiosk polls.
type Commands interface {
	Drain(ctx context.Context, tenantID, pcID string) ([]outbox.WireCommand, error)
}

// Players is the slice of the player store the kiosk surface uses.
type Players interface {
	GetPlayerByUsername(ctx context.Context, tenantID, username string) (storage.PlayerRecord, error)
	TouchPlayerLogin(ctx context.Context, tenantID, playerID string, at time.Time) error
}

// Settings reads per-tenant policy.
type Settings interface {
	GetTenantSettings(ctx context.Context, tenantID string) (storage.TenantSettingsRecord, error)
}

// Service exposes the kiosk-facing operations.
type Service struct {
	devices  Devices
	sessions Sessions
	commands Commands
	players  Players
	settings Settings
	verifier CredentialVerifier
	clock    func() time.Time
}

// NewService constructs the kiosk surface.
func NewService(devices Devices, sessions Sessions, commands Commands, players Players, settings Settings, verifier CredentialVerifier, clock func() time.Time) (*Service, error) {
	if devices == nil || sessions == nil || commands == nil || players == nil || settings == nil {
		return nil, fmt.Errorf("kiosk service dependencies are required")
	}
	if verifier == nil {
		return nil, fmt.Errorf("credential verifier is required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		devices:  devices,
		sessions: sessions,
		commands: commands,
		players:  players,
		settings: settings,
		verifier: verifier,
		clock:    clock,
	}, nil
}

// AuthenticateInput carries one kiosk login attempt.
type AuthenticateInput struct {
	PCID       string
	Username   string
	Credential string
}

// AuthResult reports the outcome of a kiosk login: who authenticated,
// where, and how many minutes the balance can buy on this tenant.
type AuthResult struct {
	Player         storage.PlayerRecord
	Device         storage.DeviceRecord
	OfferedMinutes int
}

// Authenticate verifies a player credential at a kiosk and reports how
// many minutes the player can buy on this device. A missing player and a
// bad credential report the same code so login probes cannot enumerate
// usernames. The actual session start stays a separate atomic write.
func (s *Service) Authenticate(ctx context.Context, input AuthenticateInput) (AuthResult, error) {
	input.PCID = strings.TrimSpace(input.PCID)
	input.Username = strings.TrimSpace(input.Username)
	if input.PCID == "" || input.Username == "" {
		return AuthResult{}, fmt.Errorf("pc id and username are required")
	}

	device, err := s.devices.GetByPCID(ctx, input.PCID)
	if err != nil {
		return AuthResult{}, err
	}
	if device.Status != storage.DeviceAvailable {
		return AuthResult{}, errors.WithMetadata(errors.CodeDeviceUnavailable, "device cannot host a session", map[string]string{"status": string(device.Status)})
	}

	player, err := s.players.GetPlayerByUsername(ctx, device.TenantID, input.Username)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return AuthResult{}, errors.New(errors.CodeInvalidCredential, "invalid username or credential")
		}
		return AuthResult{}, errors.Wrap(errors.CodeInternal, "load player by username", err)
	}
	if err := s.verifier.Verify(ctx, device.TenantID, player.ID, input.Credential); err != nil {
		return AuthResult{}, errors.New(errors.CodeInvalidCredential, "invalid username or credential")
	}
	if player.Status != storage.PlayerActive {
		return AuthResult{}, errors.WithMetadata(errors.CodePlayerNotActive, "player account is not active", map[string]string{"status": string(player.Status)})
	}
	if player.CreditBalance <= 0 {
		return AuthResult{}, errors.WithMetadata(errors.CodeInsufficientCredits, "no credits on the account", map[string]string{"player_id": player.ID})
	}
	if existing, err := s.sessions.GetActiveByPlayer(ctx, device.TenantID, player.ID); err == nil {
		return AuthResult{}, errors.WithMetadata(errors.CodePlayerSessionExists, "player already has an active session", map[string]string{"session_id": existing.ID})
	} else if !errors.IsCode(err, errors.CodeSessionNotFound) {
		return AuthResult{}, err
	}

	offered, err := s.offeredMinutes(ctx, device.TenantID, player.CreditBalance)
	if err != nil {
		return AuthResult{}, err
	}
	if err := s.players.TouchPlayerLogin(ctx, device.TenantID, player.ID, s.clock().UTC()); err != nil {
		log.Printf("touch login for player %s: %v", player.ID, err)
	}
	return AuthResult{Player: player, Device: device, OfferedMinutes: offered}, nil
}

func (s *Service) offeredMinutes(ctx context.Context, tenantID string, balance int64) (int, error) {
	maxMinutes := session.DefaultMaxSessionMinutes
	settings, err := s.settings.GetTenantSettings(ctx, tenantID)
	if err != nil {
		if !stderrors.Is(err, storage.ErrNotFound) {
			return 0, errors.Wrap(errors.CodeInternal, "load tenant settings", err)
		}
	} else {
		maxMinutes = settings.MaxSessionMinutes
	}
	if balance < int64(maxMinutes) {
		return int(balance), nil
	}
	return maxMinutes, nil
}

// Poll drains the pending commands for one kiosk. The drain itself counts
// as a heartbeat, so a polling kiosk never goes offline.
func (s *Service) Poll(ctx context.Context, pcID string) ([]outbox.WireCommand, error) {
	device, err := s.devices.GetByPCID(ctx, strings.TrimSpace(pcID))
	if err != nil {
		return nil, err
	}
	return s.commands.Drain(ctx, device.TenantID, device.PCID)
}

// Heartbeat refreshes kiosk liveness between polls.
func (s *Service) Heartbeat(ctx context.Context, pcID string) error {
	device, err := s.devices.GetByPCID(ctx, strings.TrimSpace(pcID))
	if err != nil {
		return err
	}
	return s.devices.Heartbeat(ctx, device.TenantID, device.PCID)
}

// Logout ends one session at the player's request. The named session must
// be the one this device actually hosts.
func (s *Service) Logout(ctx context.Context, pcID, sessionID string) (storage.SessionRecord, error) {
	device, active, err := s.hostedSession(ctx, pcID, sessionID)
	if err != nil {
		return storage.SessionRecord{}, err
	}
	return s.sessions.End(ctx, session.EndInput{
		TenantID:  device.TenantID,
		SessionID: active.ID,
		EndedBy:   storage.EndedByPlayer,
	})
}

// ReportRemainingTime records the kiosk's view of the session countdown.
// The report must name the session the device actually hosts. A zero
// report takes the same terminal path as a fired expiry timer.
func (s *Service) ReportRemainingTime(ctx context.Context, pcID, sessionID string, remainingMinutes int) (storage.SessionRecord, error) {
	device, _, err := s.hostedSession(ctx, pcID, sessionID)
	if err != nil {
		return storage.SessionRecord{}, err
	}
	if remainingMinutes <= 0 {
		return s.sessions.End(ctx, session.EndInput{
			TenantID:  device.TenantID,
			SessionID: sessionID,
			EndedBy:   storage.EndedByTimeout,
		})
	}
	return s.sessions.UpdateRemainingTime(ctx, device.TenantID, sessionID, remainingMinutes)
}

// ReportGameLaunched records which game the session launched.
func (s *Service) ReportGameLaunched(ctx context.Context, pcID, sessionID, game string) error {
	device, _, err := s.hostedSession(ctx, pcID, sessionID)
	if err != nil {
		return err
	}
	return s.sessions.SetGameLaunched(ctx, device.TenantID, sessionID, game)
}

func (s *Service) hostedSession(ctx context.Context, pcID, sessionID string) (storage.DeviceRecord, storage.SessionRecord, error) {
	device, err := s.devices.GetByPCID(ctx, strings.TrimSpace(pcID))
	if err != nil {
		return storage.DeviceRecord{}, storage.SessionRecord{}, err
	}
	active, err := s.sessions.GetActiveByDevice(ctx, device.TenantID, device.ID)
	if err != nil {
		return storage.DeviceRecord{}, storage.SessionRecord{}, err
	}
	if active.ID != sessionID {
		return storage.DeviceRecord{}, storage.SessionRecord{}, errors.WithMetadata(errors.CodeSessionNotFound, "session is not hosted on this device", map[string]string{
			"session_id": sessionID,
			"pc_id":      pcID,
		})
	}
	return device, active, nil
}

// ErrorReport carries one kiosk fault report.
type ErrorReport struct {
	PCID     string
	Severity Severity
	Message  string
}

// ReportError records a kiosk fault. Critical and hardware faults end any
// running session and park the device in maintenance; lesser faults are
// only logged.
func (s *Service) ReportError(ctx context.Context, report ErrorReport) error {
	device, err := s.devices.GetByPCID(ctx, strings.TrimSpace(report.PCID))
	if err != nil {
		return err
	}
	log.Printf("kiosk %s reported %s fault: %s", device.PCID, report.Severity, report.Message)

	if report.Severity != SeverityCritical && report.Severity != SeverityHardware {
		return nil
	}

	if active, err := s.sessions.GetActiveByDevice(ctx, device.TenantID, device.ID); err == nil {
		if _, err := s.sessions.End(ctx, session.EndInput{
			TenantID:  device.TenantID,
			SessionID: active.ID,
			EndedBy:   storage.EndedBySystem,
			Notes:     fmt.Sprintf("%s fault: %s", report.Severity, report.Message),
		}); err != nil && !errors.IsCode(err, errors.CodeSessionNotActive) {
			return err
		}
	} else if !errors.IsCode(err, errors.CodeSessionNotFound) {
		return err
	}

	if _, err := s.devices.SetStatus(ctx, device.TenantID, device.ID, storage.DeviceMaintenance); err != nil {
		return err
	}
	return nil
}

// ReportInstalledGame records one game available on the kiosk.
func (s *Service) ReportInstalledGame(ctx context.Context, pcID string, game storage.InstalledGame) (storage.DeviceRecord, error) {
	device, err := s.devices.GetByPCID(ctx, strings.TrimSpace(pcID))
	if err != nil {
		return storage.DeviceRecord{}, err
	}
	return s.devices.AddGame(ctx, device.TenantID, device.ID, game)
}

// ReportRemovedGame removes one game from the kiosk inventory.
func (s *Service) ReportRemovedGame(ctx context.Context, pcID, gameName string) (storage.DeviceRecord, error) {
	device, err := s.devices.GetByPCID(ctx, strings.TrimSpace(pcID))
	if err != nil {
		return storage.DeviceRecord{}, err
	}
	return s.devices.RemoveGame(ctx, device.TenantID, device.ID, gameName)
}
