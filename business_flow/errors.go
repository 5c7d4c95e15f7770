// Package businessflow contains the core business logic and use cases for the broadcast send pipeline
package businessflow

import (
	"errors"
	"fmt"
)

// Business flow error constants
var (
	// Broadcast-related errors
	ErrBroadcastNotFound       = errors.New("broadcast not found")
	ErrInvalidBroadcastState   = errors.New("broadcast state transition not allowed")
	ErrBroadcastNotCancellable = errors.New("broadcast can only be cancelled from draft or scheduled")
	ErrScheduleTimeNotPresent  = errors.New("schedule time is not present")
	ErrScheduleTimeInPast      = errors.New("schedule time is in the past")
	ErrLedgerIncomplete        = errors.New("ledger row count does not match resolved recipients")

	// Resolver-related errors
	ErrInvalidCriteria = errors.New("recipient selection criteria are invalid")
	ErrUnknownInbox    = errors.New("criteria reference an unknown inbox")
	ErrUnknownTag      = errors.New("criteria reference an unknown tag")

	// Ledger-related errors
	ErrInvalidTransition = errors.New("ledger entry state transition not allowed")
	ErrRecipientNotFound = errors.New("ledger entry not found")

	// Compliance errors
	ErrComplianceBlocked = errors.New("campaign is not cleared to send")

	// Pagination errors
	ErrInvalidPage     = errors.New("page must be greater than zero")
	ErrInvalidPageSize = errors.New("page size is out of range")
)

// BusinessError wraps a sentinel error with a stable code for the API layer
type BusinessError struct {
	Code    string
	Message string
	Err     error
}

func (e *BusinessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *BusinessError) Unwrap() error {
	return e.Err
}

func NewBusinessError(code, message string, err error) *BusinessError {
	return &BusinessError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

func IsBroadcastNotFound(err error) bool {
	return errors.Is(err, ErrBroadcastNotFound)
}

func IsInvalidBroadcastState(err error) bool {
	return errors.Is(err, ErrInvalidBroadcastState)
}

func IsInvalidCriteria(err error) bool {
	return errors.Is(err, ErrInvalidCriteria)
}

func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}

func IsComplianceBlocked(err error) bool {
	return errors.Is(err, ErrComplianceBlocked)
}

func IsBroadcastNotCancellable(err error) bool {
	return errors.Is(err, ErrBroadcastNotCancellable)
}

func IsScheduleTimeInPast(err error) bool {
	return errors.Is(err, ErrScheduleTimeInPast)
}

func IsRecipientNotFound(err error) bool {
	return errors.Is(err, ErrRecipientNotFound)
}
