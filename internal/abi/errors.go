package abi

import "golang.org/x/xerrors"

// Kind enumerates the five error kinds of spec.md §7.
type Kind int

const (
	// Internal marks a violated invariant: fatal, do not attempt recovery.
	Internal Kind = iota
	// Runtime marks I/O failure, resource exhaustion, a missing asset, or
	// an ABI-version mismatch. Surfaced to the client; does not invalidate
	// cached state.
	Runtime
	// Syntax marks a front-end parse failure. Carries a source position.
	Syntax
	// Type marks a specialization failure. Carries a source position and
	// an error log.
	Type
	// UserException is raised from compiled code via the ABI and carries a
	// runtime-computed value.
	UserException
)

func (k Kind) String() string {
	switch k {
	case Internal:
		return "internal-error"
	case Runtime:
		return "runtime-error"
	case Syntax:
		return "syntax-error"
	case Type:
		return "type-error"
	case UserException:
		return "user-exception"
	default:
		return "unknown-error"
	}
}

// Error is the runtime's error value: a Kind plus whatever detail that kind
// carries (spec.md §7). Every cross-package boundary wraps an underlying
// error into one of these via xerrors.Errorf("...: %w", err), matching the
// teacher's error-wrapping idiom.
type Error struct {
	Kind Kind

	// Position is set for Syntax and Type errors.
	Position string

	// Log is set for Type errors: a diagnostic trace obtained by re-running
	// specialization under verbose logging.
	Log string

	// Value is set for UserException: the runtime-computed value raised by
	// compiled code.
	Value []byte

	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Kind.String() + ": " + e.Err.Error()
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// NewInternal wraps err as an internal-error.
func NewInternal(format string, err error) error {
	return &Error{Kind: Internal, Err: xerrors.Errorf(format, err)}
}

// NewRuntime wraps err as a runtime-error.
func NewRuntime(format string, err error) error {
	return &Error{Kind: Runtime, Err: xerrors.Errorf(format, err)}
}

// NewSyntax builds a syntax-error at position pos.
func NewSyntax(pos string, err error) error {
	return &Error{Kind: Syntax, Position: pos, Err: err}
}

// NewType builds a type-error at position pos, carrying a diagnostic log.
func NewType(pos, log string, err error) error {
	return &Error{Kind: Type, Position: pos, Log: log, Err: err}
}

// NewUserException builds a user-exception carrying the raised value.
func NewUserException(value []byte) error {
	return &Error{Kind: UserException, Value: value, Err: xerrors.New("user exception")}
}
