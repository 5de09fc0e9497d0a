package chat

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Every operation error wraps one of these so the
// gateway can map failures to stable wire codes.
var (
	// ErrInvalidInput marks malformed or missing required fields.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotIdentified marks an operation arriving from a connection that has
	// not completed identify.
	ErrNotIdentified = errors.New("not identified")

	// ErrNotFound marks a missing referenced resource.
	ErrNotFound = errors.New("not found")

	// ErrPersistence marks a store failure. The triggering operation is
	// aborted; nothing is partially applied.
	ErrPersistence = errors.New("persistence failure")
)

// OpError is a typed operation error with a stable Op + Kind contract.
// Kind MUST be one of the sentinel kinds above when applicable.
// Msg may include human-readable context; never secrets.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

func invalid(op, msg string) error {
	return OpError{Op: op, Kind: ErrInvalidInput, Msg: msg}
}

func persistence(op string, cause error) error {
	return OpError{Op: op, Kind: ErrPersistence, Msg: cause.Error()}
}

// IsInvalidInput reports whether err represents ErrInvalidInput.
func IsInvalidInput(err error) bool { return errors.Is(err, ErrInvalidInput) }

// IsNotIdentified reports whether err represents ErrNotIdentified.
func IsNotIdentified(err error) bool { return errors.Is(err, ErrNotIdentified) }

// IsNotFound reports whether err represents ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsPersistence reports whether err represents ErrPersistence.
func IsPersistence(err error) bool { return errors.Is(err, ErrPersistence) }
