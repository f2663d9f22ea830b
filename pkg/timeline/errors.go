package timeline

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreUnavailable wraps transient storage/index failures that
	// callers may retry with backoff.
	ErrStoreUnavailable = errors.New("timeline store unavailable")

	// ErrEventNotFound indicates a lookup by id matched nothing.
	ErrEventNotFound = errors.New("memory event not found")

	// ErrFragmentNotFound indicates a fragment id is unknown.
	ErrFragmentNotFound = errors.New("fragment not found")
)

// MalformedObservationError marks an observation whose payload cannot
// be used for its modality. Fusion skips and counts these; they are
// never fatal to a window pass.
type MalformedObservationError struct {
	ObservationID string
	Modality      Modality
	Reason        string
}

func (e *MalformedObservationError) Error() string {
	return fmt.Sprintf("malformed %s observation %s: %s", e.Modality, e.ObservationID, e.Reason)
}
