package app

import "errors"

// Error kinds. Handlers select the HTTP status from the kind via errors.Is;
// the wrapped message is what callers see.
var (
	// ErrNotFound covers both absent entities and callers not authorized
	// to see them, so responses do not leak existence.
	ErrNotFound    = errors.New("not found")
	ErrForbidden   = errors.New("forbidden")
	ErrConflict    = errors.New("conflict")
	ErrValidation  = errors.New("validation failed")
	ErrUnavailable = errors.New("unavailable")
	ErrInternal    = errors.New("internal error")
)

// Error pairs a stable human-readable message with an error kind.
type Error struct {
	kind error
	msg  string
}

func (e *Error) Error() string { return e.msg }
func (e *Error) Unwrap() error { return e.kind }

func notFound(msg string) error    { return &Error{kind: ErrNotFound, msg: msg} }
func forbidden(msg string) error   { return &Error{kind: ErrForbidden, msg: msg} }
func conflict(msg string) error    { return &Error{kind: ErrConflict, msg: msg} }
func invalid(msg string) error     { return &Error{kind: ErrValidation, msg: msg} }
func unavailable(msg string) error { return &Error{kind: ErrUnavailable, msg: msg} }
func internal(msg string) error    { return &Error{kind: ErrInternal, msg: msg} }
