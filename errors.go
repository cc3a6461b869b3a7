package replay

import (
	"errors"
	"fmt"
)

var (
	// ErrNoBucket is matched by the configuration error returned when no bucket is set.
	ErrNoBucket = errors.New("you need to specify a replay bucket")
	// ErrReplayUnavailable is matched by every ReplayUnavailableError.
	ErrReplayUnavailable = errors.New("replay unavailable")
)

// ConfigurationError reports a programmer mistake in the replayer setup.
// It is returned before any store access and must not be retried.
type ConfigurationError struct {
	// Name of the offending Config field.
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return "replay: " + e.Err.Error()
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// ReplayUnavailableError is returned for a request that has no fixture while
// record mode is disabled.
type ReplayUnavailableError struct {
	Method string
	Target string
	// Key the fixture was looked up with.
	Key string
}

func (e *ReplayUnavailableError) Error() string {
	return fmt.Sprintf("replay: cannot replay request %q because record mode is disabled", e.Method+" "+e.Target)
}

func (e *ReplayUnavailableError) Is(target error) bool {
	return target == ErrReplayUnavailable
}
