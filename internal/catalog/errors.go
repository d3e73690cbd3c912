package catalog

import "fmt"

// Error reports a manifest that cannot be turned into a catalog.
// No variant is built when loading fails.
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("catalog: %v", e.Err)
	}
	return fmt.Sprintf("catalog %s: %v", e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// VariantError is a problem with a single manifest variant. Load reports it wrapped in *Error.
type VariantError struct {
	Variant string
	Err     error
}

func (e *VariantError) Error() string {
	return fmt.Sprintf("variant %q: %v", e.Variant, e.Err)
}

func (e *VariantError) Unwrap() error {
	return e.Err
}
