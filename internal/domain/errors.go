package domain

import "errors"

// Sentinel errors shared by every component. The gateway maps these to
// stable machine-readable error-frame codes (spec §7); callers should use
// errors.Is against these rather than string-matching messages.
var (
	ErrAuthRequired = errors.New("authentication required")
	ErrAuthInvalid  = errors.New("invalid or expired credential")
	ErrForbidden    = errors.New("not authorized for this action")

	ErrMeetingNotFound     = errors.New("meeting not found")
	ErrParticipantNotFound = errors.New("participant not found")

	ErrInvalidState = errors.New("operation not valid in current state")
	ErrConflict     = errors.New("conflicting record already exists")
	ErrRoomLocked   = errors.New("room is locked")

	ErrRateLimited = errors.New("rate limited")

	ErrInternal = errors.New("internal error")
)
