package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for retry and propagation decisions.
type Kind string

const (
	// Validation rejects a submission before anything is persisted.
	Validation Kind = "ValidationError"
	// NotFound covers absent templates and jobs.
	NotFound Kind = "NotFound"
	// Transient covers collaborator timeouts and rate-limit responses;
	// workers retry these with backoff.
	Transient Kind = "TransientCollaboratorError"
	// Permanent covers unresolvable payloads and malformed markup;
	// the item fails immediately, the job continues.
	Permanent Kind = "PermanentItemError"
	// Terminal marks an attempt to mutate a job already in a terminal
	// state. Logged and ignored, never raised to the caller.
	Terminal Kind = "JobTerminalError"
)

// Error carries a kind alongside the underlying cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		if e.Msg != "" {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap annotates err with a kind; returns nil if err is nil.
func Wrap(kind Kind, msg string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the kind from err, or "" if err carries none.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool { return KindOf(err) == Transient }

// IsPermanent reports whether err fails the item without retrying.
func IsPermanent(err error) bool { return KindOf(err) == Permanent }

// IsNotFound reports whether err names an absent template or job.
func IsNotFound(err error) bool { return KindOf(err) == NotFound }

// HTTPStatus maps an error to the response code the API should emit.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case Validation:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Transient:
		return http.StatusServiceUnavailable
	case Terminal:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
