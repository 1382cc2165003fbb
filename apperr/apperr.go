// Package apperr classifies lifecycle failures so callers can tell a bad
// request from a lost race or a policy rejection.
package apperr

import "errors"

// Kind groups errors by how a caller should react to them.
type Kind int

const (
	KindInternal Kind = iota
	// KindValidation: bad input, rejected before any mutation; retry after correcting it.
	KindValidation
	// KindConflict: the entity moved under the caller; re-fetch before retrying.
	KindConflict
	// KindPolicy: the request is well-formed but a business rule rejects it.
	KindPolicy
	// KindTerminal: the entity is in a state that can never accept the change.
	KindTerminal
	KindForbidden
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindPolicy:
		return "policy"
	case KindTerminal:
		return "terminal"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	default:
		return "internal"
	}
}

// Error is a classified lifecycle error. Values are compared by identity, so
// packages declare them once as sentinels and wrap them with %w.
type Error struct {
	Kind Kind
	Code string
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func Validation(code, msg string) *Error { return &Error{Kind: KindValidation, Code: code, Msg: msg} }
func Conflict(code, msg string) *Error   { return &Error{Kind: KindConflict, Code: code, Msg: msg} }
func Policy(code, msg string) *Error     { return &Error{Kind: KindPolicy, Code: code, Msg: msg} }
func Terminal(code, msg string) *Error   { return &Error{Kind: KindTerminal, Code: code, Msg: msg} }
func Forbidden(code, msg string) *Error  { return &Error{Kind: KindForbidden, Code: code, Msg: msg} }
func NotFound(code, msg string) *Error   { return &Error{Kind: KindNotFound, Code: code, Msg: msg} }

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf reports the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// CodeOf reports the machine-readable code of err, or "internal".
func CodeOf(err error) string {
	if e, ok := As(err); ok {
		return e.Code
	}
	return "internal"
}
