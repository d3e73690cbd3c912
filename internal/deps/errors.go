package deps

import "fmt"

// ConflictError means two packages declared incompatible both ended up in a
// resolved set.
type ConflictError struct {
	VersionID string
	A, B      string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("variant %s: packages %q and %q conflict", e.VersionID, e.A, e.B)
}

// ApplyError is a failed package manager invocation. Partially applied sets
// are never reported as success.
type ApplyError struct {
	Manager string
	Command string
	Err     error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("%s: %q failed: %v", e.Manager, e.Command, e.Err)
}

func (e *ApplyError) Unwrap() error {
	return e.Err
}
