package install

import "fmt"

// ExtractionError means an archive could not be installed: it was corrupt, had
// an unexpected structure or the target was unusable.
type ExtractionError struct {
	Archive string
	Reason  string
	Err     error
}

func (e *ExtractionError) Error() string {
	msg := e.Reason
	if e.Archive != "" {
		msg = fmt.Sprintf("install %s: %s", e.Archive, e.Reason)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}
