package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for callers at the route boundary
type Kind string

const (
	KindValidation Kind = "validation"
	KindConsensus  Kind = "consensus"
	KindStorage    Kind = "storage"
)

// Error is a classified failure. Code is stable and machine readable,
// Message is surfaced verbatim to clients.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors of the same kind and code, so callers can test
// against the sentinels below regardless of the attached message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// With returns a copy of the sentinel carrying a formatted message
func (e *Error) With(format string, args ...any) *Error {
	return &Error{
		Kind:    e.Kind,
		Code:    e.Code,
		Message: fmt.Sprintf(format, args...),
	}
}

func validation(code string) *Error { return &Error{Kind: KindValidation, Code: code} }
func consensus(code string) *Error  { return &Error{Kind: KindConsensus, Code: code} }

// Validation errors
var (
	ErrAuthorMismatch   = validation("AuthorMismatch")
	ErrExpiredTimestamp = validation("ExpiredTimestamp")
	ErrInvalidSignature = validation("InvalidSignature")
	ErrUsernameTaken    = validation("UsernameTaken")
	ErrHotkeyTaken      = validation("HotkeyTaken")
	ErrAlreadyResolved  = validation("AlreadyResolved")
	ErrUnknownRepo      = validation("UnknownRepo")
	ErrNotRegistered    = validation("NotRegistered")
	ErrUnknownIssue     = validation("UnknownIssue")
	ErrInvalidPayload   = validation("InvalidPayload")
)

// Consensus errors
var (
	ErrQuorumNotReached    = consensus("QuorumNotReached")
	ErrProposalExpired     = consensus("ProposalExpired")
	ErrConflictingProposal = consensus("ConflictingProposal")
	ErrUnknownValidator    = consensus("UnknownValidator")
	ErrForeignValidator    = consensus("ForeignValidator")
	ErrProposalNotFound    = consensus("ProposalNotFound")
)

// Storage wraps a store failure. Storage errors are never swallowed.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	return &Error{
		Kind:    KindStorage,
		Code:    "StorageError",
		Message: fmt.Sprintf("failed to %s: %v", op, err),
		Err:     err,
	}
}

// KindOf reports the classification of err, or "" for unclassified faults
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}
