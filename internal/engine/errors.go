// ABOUTME: Error taxonomy for conversation turns
// ABOUTME: Kinds map to HTTP statuses in batch mode and error frames in streaming mode

package engine

import (
	"errors"
	"fmt"
)

// Kind classifies a turn failure
type Kind string

// Failure kinds
const (
	KindAgentNotFound Kind = "agent_not_found"
	KindAgentInactive Kind = "agent_inactive"
	KindUnauthorized  Kind = "unauthorized"
	KindValidation    Kind = "validation"
	KindNotFound      Kind = "not_found"
	KindUpstreamModel Kind = "upstream_model"
	KindPersistence   Kind = "persistence"
	KindInternal      Kind = "internal"
)

// ErrCancelled marks a turn aborted by caller disconnect. Not a failure:
// no terminal frame is written since the transport is already gone.
var ErrCancelled = errors.New("turn cancelled")

// Error is a classified turn failure
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// newError builds a classified error wrapping an optional cause
func newError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the failure kind from an error chain.
// Unclassified errors report KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
