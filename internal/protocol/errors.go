package protocol

import (
	"errors"
	"fmt"
)

// Reply codes carried next to the human-readable reason in agent endpoint replies.
const (
	ErrBadRequest    = "E_BAD_REQUEST"
	ErrNotAuthorized = "E_NOT_AUTHORIZED"
	ErrNoRegion      = "E_REGION_NOT_FOUND"
	ErrVersion       = "E_VERSION"
	ErrNoAgent       = "E_AGENT_NOT_FOUND"
	ErrBusy          = "E_BUSY"
	ErrInternal      = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrBadRequest:    {},
	ErrNotAuthorized: {},
	ErrNoRegion:      {},
	ErrVersion:       {},
	ErrNoAgent:       {},
	ErrBusy:          {},
	ErrInternal:      {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// ProtocolError reports a peer reply we cannot interpret.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s", e.Msg)
}

// ErrNotImplemented marks a documented limitation rather than a failure of the peer.
var ErrNotImplemented = errors.New("not implemented")

// NotImplementedError names the unsupported feature; it matches ErrNotImplemented.
type NotImplementedError struct {
	Feature string
}

func (e *NotImplementedError) Error() string {
	return e.Feature
}

func (e *NotImplementedError) Is(target error) bool {
	return target == ErrNotImplemented
}

// TeleportFailed carries a reason that is shown to the user as is. Err, when
// set, is the underlying cause.
type TeleportFailed struct {
	Reason string
	Err    error
}

func (e *TeleportFailed) Error() string {
	return e.Reason
}

func (e *TeleportFailed) Unwrap() error {
	return e.Err
}

// DeniedError is a destination refusing access during QUERYACCESS.
type DeniedError struct {
	Reason string
}

func (e *DeniedError) Error() string {
	return e.Reason
}

// NotAuthorizedError is a destination refusing the agent transfer.
type NotAuthorizedError struct {
	Reason string
}

func (e *NotAuthorizedError) Error() string {
	if e.Reason == "" {
		return "not authorized"
	}
	return e.Reason
}

// TransportError means every encoding tier failed to reach the destination.
type TransportError struct {
	Msg string
	Err error
}

func (e *TransportError) Error() string {
	return e.Msg
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
