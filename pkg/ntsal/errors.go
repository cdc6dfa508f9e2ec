package ntsal

import (
	"errors"
	"fmt"
)

var (
	// ErrNegativeDelay marks a physically impossible measurement; the
	// sample is dropped, the peer is unaffected.
	ErrNegativeDelay = errors.New("ntsal: negative round-trip delay")
	// ErrUnreachable means a source has missed enough consecutive polls
	// to be excluded from selection until it recovers.
	ErrUnreachable = errors.New("ntsal: source unreachable")
	// ErrKissOfDeath means a source demanded a rate reduction or refused
	// service.
	ErrKissOfDeath = errors.New("ntsal: source sent kiss-of-death")
)

// ConfigError is fatal at startup and only at startup; nothing in the
// measurement path ever produces one.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("ntsal: invalid configuration: %s", e.Reason)
}

func configErrorf(format string, args ...any) *ConfigError {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}
