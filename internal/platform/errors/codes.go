// Package errors provides structured, coded error handling for the lounge
// control plane and its gRPC surfaces.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable, client-stable error reason code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Lookup errors
	CodePlayerNotFound  Code = "PLAYER_NOT_FOUND"
	CodeDeviceNotFound  Code = "DEVICE_NOT_FOUND"
	CodeSessionNotFound Code = "SESSION_NOT_FOUND"
	CodeCommandNotFound Code = "COMMAND_NOT_FOUND"

	// State-machine errors
	CodeSessionNotActive    Code = "SESSION_NOT_ACTIVE"
	CodePlayerNotActive     Code = "PLAYER_NOT_ACTIVE"
	CodeDeviceUnavailable   Code = "DEVICE_UNAVAILABLE"
	CodeInvalidDeviceStatus Code = "INVALID_DEVICE_STATUS"
	CodeInvalidEndedBy      Code = "INVALID_ENDED_BY"

	// Conflict errors (lost conditional write or balance guard)
	CodeInsufficientCredits Code = "INSUFFICIENT_CREDITS"
	CodePlayerSessionExists Code = "PLAYER_SESSION_EXISTS"
	CodeDeviceSessionExists Code = "DEVICE_SESSION_EXISTS"
	CodeDeviceExists        Code = "DEVICE_EXISTS"
	CodeUsernameTaken       Code = "USERNAME_TAKEN"

	// Access errors
	CodeCrossTenant       Code = "CROSS_TENANT_ACCESS"
	CodeInvalidCredential Code = "INVALID_CREDENTIAL"

	// Infrastructure errors (store/scheduler failure post-validation)
	CodeInternal Code = "INTERNAL"
)

// Class is the coarse error category exposed to transport mappings.
type Class int

const (
	// ClassInternal covers store and scheduler failures after validation.
	ClassInternal Class = iota
	// ClassNotFound covers missing entities.
	ClassNotFound
	// ClassInvalidState covers state-machine violations.
	ClassInvalidState
	// ClassConflict covers lost races on conditional writes.
	ClassConflict
	// ClassUnauthorized covers cross-tenant and credential failures.
	ClassUnauthorized
)

// Class maps a reason code to its taxonomy class.
func (c Code) Class() Class {
	switch c {
	case CodePlayerNotFound,
		CodeDeviceNotFound,
		CodeSessionNotFound,
		CodeCommandNotFound:
		return ClassNotFound

	case CodeSessionNotActive,
		CodePlayerNotActive,
		CodeDeviceUnavailable,
		CodeInvalidDeviceStatus,
		CodeInvalidEndedBy:
		return ClassInvalidState

	case CodeInsufficientCredits,
		CodePlayerSessionExists,
		CodeDeviceSessionExists,
		CodeDeviceExists,
		CodeUsernameTaken:
		return ClassConflict

	case CodeCrossTenant,
		CodeInvalidCredential:
		return ClassUnauthorized

	default:
		return ClassInternal
	}
}

// GRPCCode maps reason codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c.Class() {
	case ClassNotFound:
		return codes.NotFound
	case ClassInvalidState:
		return codes.FailedPrecondition
	case ClassConflict:
		return codes.Aborted
	case ClassUnauthorized:
		return codes.PermissionDenied
	default:
		return codes.Internal
	}
}
