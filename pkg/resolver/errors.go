package resolver

import (
	"context"
	"errors"
	"fmt"

	"github.com/pmkol/hyperdns/pkg/resolve_context"
)

var (
	ErrRecordNotFound = errors.New("record not found")
	ErrNotFQDN        = errors.New("domain is not a fqdn")
)

// ConfigError reports invalid options or an unknown protocol.
// It is never turned into a fallback.
type ConfigError struct {
	Msg string
	Err error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config error: %s: %v", e.Msg, e.Err)
	}
	return "config error: " + e.Msg
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func configErrorf(format string, args ...any) *ConfigError {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// RecordNotFoundError is returned when a name has no key.
type RecordNotFoundError struct {
	Name string
}

func (e *RecordNotFoundError) Error() string {
	return "no record found for " + e.Name
}

func (e *RecordNotFoundError) Is(target error) bool {
	return target == ErrRecordNotFound
}

// isFatal reports whether err must reach the caller instead of
// falling back to the cache.
func isFatal(err error) bool {
	var ce *ConfigError
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, resolve_context.ErrInvalidRedirectLimit) ||
		errors.As(err, &ce)
}
