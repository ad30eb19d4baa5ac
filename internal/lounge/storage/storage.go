// Package storage defines the persistence records and store boundaries for
// the lounge control plane.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = errors.New("record not found")
	// ErrConflict indicates a write conflicts with uniqueness constraints.
	ErrConflict = errors.New("record conflict")
	// ErrInsufficientCredits indicates a conditional debit found the balance
	// below the requested amount.
	ErrInsufficientCredits = errors.New("insufficient credit balance")
	// ErrPlayerSessionActive indicates the player already holds an active session.
	ErrPlayerSessionActive = errors.New("player has an active session")
	// ErrDeviceSessionActive indicates the device already hosts an active session.
	ErrDeviceSessionActive = errors.New("device has an active session")
	// ErrDeviceUnavailable indicates a conditional device transition found the
	// device outside the required state.
	ErrDeviceUnavailable = errors.New("device is not available")
	// ErrSessionNotActive indicates a conditional session write found the
	// session already terminal.
	ErrSessionNotActive = errors.New("session is not active")
)

// DeviceStatus identifies one device lifecycle state.
type DeviceStatus string

const (
	// DeviceAvailable means the device is idle and can host a session.
	DeviceAvailable DeviceStatus = "available"
	// DeviceInUse means the device hosts the session in its owner fields.
	DeviceInUse DeviceStatus = "in_use"
	// DeviceOffline means the device stopped polling.
	DeviceOffline DeviceStatus = "offline"
	// DeviceMaintenance means the device is parked and excluded from sessions.
	DeviceMaintenance DeviceStatus = "maintenance"
)

// PlayerStatus identifies one player account state.
type PlayerStatus string

const (
	// PlayerActive means the player may start sessions.
	PlayerActive PlayerStatus = "active"
	// PlayerSuspended means the player is temporarily blocked.
	PlayerSuspended PlayerStatus = "suspended"
	// PlayerBanned means the player is permanently blocked.
	PlayerBanned PlayerStatus = "banned"
)

// SessionStatus identifies one session lifecycle state.
type SessionStatus string

const (
	// SessionActive is the sole non-terminal session state.
	SessionActive SessionStatus = "active"
	// SessionCompleted means the session ended normally.
	SessionCompleted SessionStatus = "completed"
	// SessionTerminated means an operator force-ended the session.
	SessionTerminated SessionStatus = "terminated"
	// SessionExpired means the time limit ran out.
	SessionExpired SessionStatus = "expired"
)

// EndedBy identifies which actor ended a session.
type EndedBy string

const (
	// EndedByPlayer means the player logged out.
	EndedByPlayer EndedBy = "player"
	// EndedBySuperuser means an operator ended the session.
	EndedBySuperuser EndedBy = "superuser"
	// EndedByTimeout means the time limit was reached.
	EndedByTimeout EndedBy = "timeout"
	// EndedBySystem means the control plane ended the session.
	EndedBySystem EndedBy = "system"
)

// CommandKind identifies one kiosk instruction type.
type CommandKind string

const (
	// CommandStartSession instructs the kiosk to open a player session.
	CommandStartSession CommandKind = "START_SESSION"
	// CommandEndSession instructs the kiosk to close the session.
	CommandEndSession CommandKind = "END_SESSION"
	// CommandLockPC instructs the kiosk to lock the screen.
	CommandLockPC CommandKind = "LOCK_PC"
	// CommandUnlockPC instructs the kiosk to unlock the screen.
	CommandUnlockPC CommandKind = "UNLOCK_PC"
	// CommandAnnouncement instructs the kiosk to display a message.
	CommandAnnouncement CommandKind = "ANNOUNCEMENT"
)

// CommandStatus identifies one outbox entry state.
type CommandStatus string

const (
	// CommandPending means the command awaits a kiosk poll.
	CommandPending CommandStatus = "pending"
	// CommandExecuted means a kiosk drained the command.
	CommandExecuted CommandStatus = "executed"
	// CommandExpired means the TTL lapsed before any poll.
	CommandExpired CommandStatus = "expired"
)

// TimerKind identifies one scheduled session callback type.
type TimerKind string

const (
	// TimerWarning fires shortly before session expiry.
	TimerWarning TimerKind = "warning"
	// TimerExpiry fires when the session time limit is reached.
	TimerExpiry TimerKind = "expiry"
)

// TimerStatus identifies one scheduled timer state.
type TimerStatus string

const (
	// TimerPending means the timer awaits its fire time.
	TimerPending TimerStatus = "pending"
	// TimerProcessing means a runner claimed the timer.
	TimerProcessing TimerStatus = "processing"
	// TimerDead means retries were exhausted.
	TimerDead TimerStatus = "dead"
)

// TransactionType identifies one ledger movement type.
type TransactionType string

const (
	// TransactionCreditPurchase adds purchased minutes.
	TransactionCreditPurchase TransactionType = "credit_purchase"
	// TransactionCreditDeduction spends minutes on a session.
	TransactionCreditDeduction TransactionType = "credit_deduction"
	// TransactionRefund returns minutes to the balance.
	TransactionRefund TransactionType = "refund"
)

// TenantSettingsRecord stores per-tenant session policy.
type TenantSettingsRecord struct {
	TenantID          string
	WarningMinutes    int
	CommandTTLMinutes int
	MaxSessionMinutes int
	UpdatedAt         time.Time
}

// PlayerRecord stores one player account and its credit balance.
type PlayerRecord struct {
	ID            string
	TenantID      string
	Username      string
	DisplayName   string
	CreditBalance int64
	TotalSpent    int64
	Status        PlayerStatus
	LastLogin     *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// InstalledGame describes one game available on a device.
type InstalledGame struct {
	Name       string `json:"name"`
	Executable string `json:"executable"`
	IconPath   string `json:"icon_path,omitempty"`
}

// DeviceRecord stores one kiosk PC and its session ownership.
type DeviceRecord struct {
	ID             string
	TenantID       string
	PCID           string
	Name           string
	Address        string
	MACAddress     string
	Status         DeviceStatus
	OwnerPlayerID  string
	OwnerSessionID string
	LastHeartbeat  time.Time
	InstalledGames []InstalledGame
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SessionRecord stores one time-boxed device grant.
type SessionRecord struct {
	ID               string
	TenantID         string
	PlayerID         string
	PlayerUsername   string
	DeviceID         string
	PCID             string
	AllocatedMinutes int
	RemainingMinutes int
	CreditsUsed      int64
	Status           SessionStatus
	EndedBy          EndedBy
	Notes            string
	GameLaunched     string
	StartedAt        time.Time
	EndedAt          *time.Time
	SessionEndTime   time.Time
	WarningTime      time.Time
	UpdatedAt        time.Time
}

// TransactionRecord stores one append-only ledger movement.
type TransactionRecord struct {
	ID             string
	TenantID       string
	PlayerID       string
	PlayerUsername string
	Type           TransactionType
	Amount         int64
	Price          *int64
	Description    string
	SessionID      string
	CreatedBy      string
	CreatedAt      time.Time
}

// CommandRecord stores one pending kiosk instruction.
type CommandRecord struct {
	ID          string
	TenantID    string
	PCID        string
	Kind        CommandKind
	PayloadJSON string
	Status      CommandStatus
	ExpiresAt   time.Time
	ExecutedAt  *time.Time
	CreatedBy   string
	CreatedAt   time.Time
}

// TimerRecord stores one durable delayed session callback. The
// (session, kind) key keeps at most one timer of each kind live.
type TimerRecord struct {
	TenantID     string
	SessionID    string
	Kind         TimerKind
	FireAt       time.Time
	Status       TimerStatus
	AttemptCount int
	LastError    string
	UpdatedAt    time.Time
}

// SessionStats aggregates session counters for one tenant.
type SessionStats struct {
	TotalSessions         int
	ActiveSessions        int
	CompletedSessions     int
	TotalMinutesAllocated int
	TotalCreditsUsed      int64
}

// StartSessionArgs carries the atomic session-start write: conditional
// debit, deduction transaction, session insert, and device claim commit or
// fail together.
type StartSessionArgs struct {
	Session     SessionRecord
	Transaction TransactionRecord
	DebitAmount int64
}

// ExtendSessionArgs carries the atomic session-extend write.
type ExtendSessionArgs struct {
	TenantID          string
	SessionID         string
	AdditionalMinutes int
	Transaction       TransactionRecord
	NewSessionEndTime time.Time
	NewWarningTime    time.Time
	UpdatedAt         time.Time
}

// EndSessionArgs carries the atomic session-end write: the terminal
// transition and the device release commit together.
type EndSessionArgs struct {
	TenantID  string
	SessionID string
	Status    SessionStatus
	EndedBy   EndedBy
	Notes     string
	EndedAt   time.Time
}

// SettingsStore persists per-tenant policy.
type SettingsStore interface {
	GetTenantSettings(ctx context.Context, tenantID string) (TenantSettingsRecord, error)
	PutTenantSettings(ctx context.Context, record TenantSettingsRecord) error
}

// PlayerStore persists player accounts and serializes balance movement.
type PlayerStore interface {
	PutPlayer(ctx context.Context, record PlayerRecord) error
	GetPlayer(ctx context.Context, tenantID, playerID string) (PlayerRecord, error)
	GetPlayerByUsername(ctx context.Context, tenantID, username string) (PlayerRecord, error)
	ListPlayers(ctx context.Context, tenantID string, status PlayerStatus) ([]PlayerRecord, error)
	UpdatePlayerStatus(ctx context.Context, tenantID, playerID string, status PlayerStatus, at time.Time) error
	TouchPlayerLogin(ctx context.Context, tenantID, playerID string, at time.Time) error

	// CreditPlayer atomically increments the balance and appends the
	// transaction row.
	CreditPlayer(ctx context.Context, tenantID, playerID string, amount int64, txn TransactionRecord) (PlayerRecord, error)
	// DebitPlayer decrements only when the balance covers amount, appending
	// the transaction row in the same write. ErrInsufficientCredits reports
	// a failed balance guard.
	DebitPlayer(ctx context.Context, tenantID, playerID string, amount int64, txn TransactionRecord) (PlayerRecord, error)
}

// TransactionStore reads the append-only ledger.
type TransactionStore interface {
	ListTransactionsByPlayer(ctx context.Context, tenantID, playerID string, limit int) ([]TransactionRecord, error)
	// SumTransactionsByPlayer returns the signed sum of all movements:
	// purchases and refunds count positive, deductions negative.
	SumTransactionsByPlayer(ctx context.Context, tenantID, playerID string) (int64, error)
}

// DeviceStore persists kiosk devices and their heartbeat state.
type DeviceStore interface {
	PutDevice(ctx context.Context, record DeviceRecord) error
	GetDevice(ctx context.Context, tenantID, deviceID string) (DeviceRecord, error)
	// GetDeviceByPCID resolves a device by its globally unique hardware id;
	// kiosk callers derive their tenant from the result.
	GetDeviceByPCID(ctx context.Context, pcID string) (DeviceRecord, error)
	ListDevices(ctx context.Context, tenantID string, status DeviceStatus) ([]DeviceRecord, error)
	UpdateDeviceInfo(ctx context.Context, tenantID, deviceID, name, address, macAddress string, at time.Time) error
	// UpdateDeviceStatus sets state and owner references together so the
	// owner-iff-in-use invariant cannot be observed broken.
	UpdateDeviceStatus(ctx context.Context, tenantID, deviceID string, status DeviceStatus, ownerPlayerID, ownerSessionID string, at time.Time) (DeviceRecord, error)
	UpdateDeviceHeartbeat(ctx context.Context, tenantID, pcID string, at time.Time) error
	AddDeviceGame(ctx context.Context, tenantID, deviceID string, game InstalledGame, at time.Time) (DeviceRecord, error)
	RemoveDeviceGame(ctx context.Context, tenantID, deviceID, gameName string, at time.Time) (DeviceRecord, error)
	ListOfflineDevices(ctx context.Context, tenantID string, cutoff time.Time) ([]DeviceRecord, error)
	CountDevicesByStatus(ctx context.Context, tenantID string) (map[DeviceStatus]int, error)
}

// SessionStore persists sessions; the multi-entity writes are atomic.
type SessionStore interface {
	// StartSession performs the session-start write described by args.
	// Partial unique indexes on active sessions resolve concurrent starts:
	// the loser observes ErrPlayerSessionActive or ErrDeviceSessionActive.
	StartSession(ctx context.Context, args StartSessionArgs) (SessionRecord, error)
	GetSession(ctx context.Context, tenantID, sessionID string) (SessionRecord, error)
	GetActiveSessionByPlayer(ctx context.Context, tenantID, playerID string) (SessionRecord, error)
	GetActiveSessionByDevice(ctx context.Context, tenantID, deviceID string) (SessionRecord, error)
	ListSessions(ctx context.Context, tenantID string, status SessionStatus) ([]SessionRecord, error)
	ListSessionsByPlayer(ctx context.Context, tenantID, playerID string) ([]SessionRecord, error)
	ExtendSession(ctx context.Context, args ExtendSessionArgs) (SessionRecord, error)
	// EndSession transitions an active session to a terminal status and
	// releases the owning device in the same write. A session already
	// terminal yields ErrSessionNotActive and no device mutation.
	EndSession(ctx context.Context, args EndSessionArgs) (SessionRecord, error)
	UpdateSessionTime(ctx context.Context, tenantID, sessionID string, remainingMinutes int, at time.Time) (SessionRecord, error)
	SetSessionGame(ctx context.Context, tenantID, sessionID, game string, at time.Time) error
	GetSessionStats(ctx context.Context, tenantID string) (SessionStats, error)
}

// CommandStore persists the per-device command outbox.
type CommandStore interface {
	EnqueueCommand(ctx context.Context, record CommandRecord) error
	GetCommand(ctx context.Context, tenantID, commandID string) (CommandRecord, error)
	// DrainCommands returns pending, unexpired commands for one device
	// oldest-first and marks them executed in the same transaction,
	// refreshing the device heartbeat.
	DrainCommands(ctx context.Context, tenantID, pcID string, now time.Time) ([]CommandRecord, error)
	// ExpireCommands flips lapsed pending commands to expired and reports
	// how many rows changed.
	ExpireCommands(ctx context.Context, now time.Time) (int, error)
}

// TimerStore persists durable delayed session callbacks.
type TimerStore interface {
	// ArmTimer inserts or replaces the (session, kind) timer, resetting
	// attempts; replace-on-conflict makes reschedule atomic.
	ArmTimer(ctx context.Context, record TimerRecord) error
	CancelTimer(ctx context.Context, tenantID, sessionID string, kind TimerKind) error
	CancelSessionTimers(ctx context.Context, tenantID, sessionID string) error
	// ClaimDueTimers marks due pending timers (and stale processing ones
	// past the lease) as processing and returns them.
	ClaimDueTimers(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]TimerRecord, error)
	// CompleteTimer removes the claimed timer after its callback ran. Only
	// a row still in processing state at the claimed fire time is deleted;
	// a timer rearmed since the claim keeps its new schedule.
	CompleteTimer(ctx context.Context, claimed TimerRecord) error
	// RetryTimer requeues the claimed timer for another attempt, or marks
	// it dead when dead is true. A timer rearmed since the claim is left
	// untouched.
	RetryTimer(ctx context.Context, claimed TimerRecord, attempt int, fireAt time.Time, lastError string, dead bool, at time.Time) error
	CountTimersByStatus(ctx context.Context) (map[TimerStatus]int, error)
}
