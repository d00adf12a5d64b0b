// Package errtypes holds the error kinds shared across the tuning and
// smoothing pipeline.
package errtypes

import (
	"errors"
	"fmt"
)

// ErrConfig marks errors that must stop a run: unknown operators, unsupported
// configuration combinations and malformed sidecar files.
var ErrConfig = errors.New("configuration error")

// ConfigError names the operator and field a configuration error refers to.
type ConfigError struct {
	Op    string
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	switch {
	case e.Op != "" && e.Field != "":
		return fmt.Sprintf("%s: op %q field %q: %s", ErrConfig, e.Op, e.Field, e.Msg)
	case e.Op != "":
		return fmt.Sprintf("%s: op %q: %s", ErrConfig, e.Op, e.Msg)
	case e.Field != "":
		return fmt.Sprintf("%s: field %q: %s", ErrConfig, e.Field, e.Msg)
	default:
		return fmt.Sprintf("%s: %s", ErrConfig, e.Msg)
	}
}

func (e *ConfigError) Unwrap() error {
	return ErrConfig
}

// Config builds a ConfigError.
func Config(op, field, format string, args ...any) error {
	return &ConfigError{Op: op, Field: field, Msg: fmt.Sprintf(format, args...)}
}

// IsConfig reports whether err is a configuration error.
func IsConfig(err error) bool {
	return errors.Is(err, ErrConfig)
}
