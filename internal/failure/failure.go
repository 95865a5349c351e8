// Package failure defines the error kinds shared by the store, the sync
// bridge and the transport layers.
package failure

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrExternal   = errors.New("external system error")
	ErrIO         = errors.New("io error")
)

// Kind names an error class for transport mapping and logs.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindExternal   Kind = "external"
	KindIO         Kind = "io"
	KindUnknown    Kind = "unknown"
)

// Wrap builds an error tagged with marker. The result matches both the marker
// and err under errors.Is. marker should be one of the sentinels above.
func Wrap(marker error, op, message string, err error) error {
	if marker == nil {
		marker = ErrIO
	}
	detail := buildDetail(op, message)
	if err != nil {
		if detail == "" {
			return fmt.Errorf("%w: %w", marker, err)
		}
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	if detail == "" {
		return marker
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Validation is shorthand for Wrap(ErrValidation, op, message, nil).
func Validation(op, message string) error {
	return Wrap(ErrValidation, op, message, nil)
}

// NotFound is shorthand for Wrap(ErrNotFound, op, message, nil).
func NotFound(op, message string) error {
	return Wrap(ErrNotFound, op, message, nil)
}

// External tags err as an external store failure.
func External(op string, err error) error {
	return Wrap(ErrExternal, op, "", err)
}

// IO tags err as a file system failure.
func IO(op string, err error) error {
	return Wrap(ErrIO, op, "", err)
}

// KindOf classifies err by the first matching sentinel.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrExternal):
		return KindExternal
	case errors.Is(err, ErrIO):
		return KindIO
	default:
		return KindUnknown
	}
}

func buildDetail(op, message string) string {
	parts := make([]string, 0, 2)
	if op = strings.TrimSpace(op); op != "" {
		parts = append(parts, op)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	return strings.Join(parts, ": ")
}
