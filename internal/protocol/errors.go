package protocol

import (
	"errors"
	"fmt"
)

// Error kinds shared across components. Callers match them with errors.Is.
var (
	// ErrAuthFailed is returned for a wrong password or failed key confirmation.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrUnknownOrOffline is returned when the target machine is not registered
	// or its route is stale.
	ErrUnknownOrOffline = errors.New("machine unknown or offline")

	// ErrCapacityExceeded is returned when the relay admission limit is reached.
	ErrCapacityExceeded = errors.New("relay capacity exceeded")

	// ErrTimeout is returned when a keepalive, heartbeat or brokering deadline
	// passes.
	ErrTimeout = errors.New("timeout")

	// ErrAuthTagInvalid is returned when a message fails integrity verification.
	ErrAuthTagInvalid = errors.New("authentication tag invalid")

	// ErrProtocolMismatch is returned when peers cannot agree on a version or
	// capability set.
	ErrProtocolMismatch = errors.New("protocol mismatch")

	// ErrIDCollision is returned by the relay when a machine ID is already
	// claimed by a different owner.
	ErrIDCollision = errors.New("machine id already claimed")

	// ErrRateLimited is returned when a relay client sends requests too fast.
	ErrRateLimited = errors.New("rate limited")
)

// ErrorCode is the wire representation of an error kind.
type ErrorCode uint16

// Wire error codes.
const (
	CodeInternal          ErrorCode = 1
	CodeAuthFailed        ErrorCode = 2
	CodeUnknownOrOffline  ErrorCode = 3
	CodeCapacityExceeded  ErrorCode = 4
	CodeTimeout           ErrorCode = 5
	CodeProtocolMismatch  ErrorCode = 6
	CodeIDCollision       ErrorCode = 7
	CodeRateLimited       ErrorCode = 8
	CodeSuperseded        ErrorCode = 9
	CodeBadRequest        ErrorCode = 10
	CodeAuthBackoff       ErrorCode = 11
	CodeUnsupportedAction ErrorCode = 12
)

var codeErrors = map[ErrorCode]error{
	CodeAuthFailed:       ErrAuthFailed,
	CodeAuthBackoff:      ErrAuthFailed,
	CodeUnknownOrOffline: ErrUnknownOrOffline,
	CodeCapacityExceeded: ErrCapacityExceeded,
	CodeTimeout:          ErrTimeout,
	CodeProtocolMismatch: ErrProtocolMismatch,
	CodeIDCollision:      ErrIDCollision,
	CodeRateLimited:      ErrRateLimited,
}

// CodeFor returns the wire code for err.
func CodeFor(err error) ErrorCode {
	switch {
	case errors.Is(err, ErrAuthFailed):
		return CodeAuthFailed
	case errors.Is(err, ErrUnknownOrOffline):
		return CodeUnknownOrOffline
	case errors.Is(err, ErrCapacityExceeded):
		return CodeCapacityExceeded
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrProtocolMismatch):
		return CodeProtocolMismatch
	case errors.Is(err, ErrIDCollision):
		return CodeIDCollision
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	default:
		return CodeInternal
	}
}

// Err converts a wire code and message back into an error wrapping the
// matching sentinel.
func (c ErrorCode) Err(msg string) error {
	if base, ok := codeErrors[c]; ok {
		if msg == "" {
			return base
		}
		return fmt.Errorf("%w: %s", base, msg)
	}
	if msg == "" {
		msg = fmt.Sprintf("error code %d", c)
	}
	return errors.New(msg)
}
