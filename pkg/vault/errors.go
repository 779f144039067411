package vault

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure. Callers branch on Kind, never on the wrapped
// platform error.
type Kind int

const (
	KindUnknown Kind = iota
	// KindConfiguration is a bad or missing KDF parameter or salt. Fatal.
	KindConfiguration
	// KindAuthentication is a wrong password/key or a failed tag check.
	KindAuthentication
	// KindCorruption is a payload that decrypted but did not deserialize.
	KindCorruption
	// KindTamperSuspected is an integrity root mismatch.
	KindTamperSuspected
	KindLocked
	KindRateLimited
	// KindBusy is an unlock, migration or repair already in flight, or a
	// master-key write refused while a migration runs.
	KindBusy
	KindStorage
	KindInvalidInput
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration error"
	case KindAuthentication:
		return "invalid credentials"
	case KindCorruption:
		return "corrupt data"
	case KindTamperSuspected:
		return "tampering suspected"
	case KindLocked:
		return "vault is locked"
	case KindRateLimited:
		return "too many failed attempts"
	case KindBusy:
		return "operation already in progress"
	case KindStorage:
		return "storage error"
	case KindInvalidInput:
		return "invalid input"
	case KindNotFound:
		return "not found"
	default:
		return "unknown error"
	}
}

// Error is the error type returned by every public operation.
type Error struct {
	Op   string // operation, e.g. "unlock"
	Kind Kind
	Err  error // underlying cause; nil for authentication failures
}

// Sentinels for errors.Is. They match any *Error of the same Kind.
var (
	ErrConfiguration   = &Error{Kind: KindConfiguration}
	ErrAuthentication  = &Error{Kind: KindAuthentication}
	ErrCorruption      = &Error{Kind: KindCorruption}
	ErrTamperSuspected = &Error{Kind: KindTamperSuspected}
	ErrLocked          = &Error{Kind: KindLocked}
	ErrRateLimited     = &Error{Kind: KindRateLimited}
	ErrBusy            = &Error{Kind: KindBusy}
	ErrStorage         = &Error{Kind: KindStorage}
	ErrInvalidInput    = &Error{Kind: KindInvalidInput}
	ErrNotFound        = &Error{Kind: KindNotFound}
)

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("vault: ")
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinels by Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// KindOf returns the Kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func newError(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// authError hides the cause: callers must not learn whether the salt, the
// KDF version or the password was wrong.
func authError(op string) *Error {
	return &Error{Op: op, Kind: KindAuthentication}
}

func storageError(op string, err error) *Error {
	return &Error{Op: op, Kind: KindStorage, Err: err}
}

func invalidInput(op, format string, args ...any) *Error {
	return &Error{Op: op, Kind: KindInvalidInput, Err: fmt.Errorf(format, args...)}
}
