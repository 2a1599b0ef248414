package engine

import (
	"errors"
	"fmt"
)

// ErrRejecting is returned for new work after the protocol session dropped
// and the single reconnect attempt failed.
var ErrRejecting = errors.New("engine is rejecting new requests: protocol session lost")

// ErrUnknownTransfer is returned when a transfer id is not in the registry.
var ErrUnknownTransfer = errors.New("unknown transfer")

// ValidationError represents caller input rejected synchronously at the API
// boundary. No engine state is created for a request that fails validation.
type ValidationError struct {
	Field  string // the offending argument, e.g. "query", "peer"
	Reason string // human-readable explanation
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// DestinationNotReadyError reports a destination that cannot take the file
// yet, e.g. a catalog entry still being constructed. Matching retries these
// with backoff.
type DestinationNotReadyError struct {
	Reason string
	Err    error
}

func (e *DestinationNotReadyError) Error() string {
	return fmt.Sprintf("destination not ready: %s", e.Reason)
}

func (e *DestinationNotReadyError) Unwrap() error {
	return e.Err
}

// DestinationGoneError reports a destination that is permanently unable to
// take the file. Matching is abandoned without retries; the file stays on
// disk.
type DestinationGoneError struct {
	Reason string
	Err    error
}

func (e *DestinationGoneError) Error() string {
	return fmt.Sprintf("destination gone: %s", e.Reason)
}

func (e *DestinationGoneError) Unwrap() error {
	return e.Err
}

// IsRetryableMatch reports whether an AttachFile failure should be retried.
func IsRetryableMatch(err error) bool {
	var notReady *DestinationNotReadyError

	return errors.As(err, &notReady)
}
