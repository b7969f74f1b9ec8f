// Package errors provides error handling for skyplate.
//
// It re-exports github.com/cockroachdb/errors and adds the sentinel kinds the
// solving pipeline reports to its callers:
//
//	ErrConfiguration  bad dimensions, buffer length, engine misuse
//	ErrSolveFailed    the engine finished without resolving the field
//	ErrEncoding       the rendered raster could not be encoded
//	ErrIO             encoded bytes could not be persisted
//	ErrTimeout        solving did not complete before the deadline
//
// Wrap a cause with one of the Mark helpers to keep its message while making
// errors.Is report the kind:
//
//	return errors.MarkEncoding(errors.Wrap(err, "encode png"))
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	Mark         = crdb.Mark
)

// User-facing messages and details
var (
	WithHint           = crdb.WithHint
	WithHintf          = crdb.WithHintf
	WithDetail         = crdb.WithDetail
	WithDetailf        = crdb.WithDetailf
	WithSecondaryError = crdb.WithSecondaryError
	CombineErrors      = crdb.CombineErrors
	GetAllHints        = crdb.GetAllHints
	FlattenHints       = crdb.FlattenHints
)

// Error inspection
var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
)

var (
	// ErrConfiguration indicates malformed dimensions, a buffer that does not
	// match them, or an engine driven out of order.
	ErrConfiguration = New("configuration error")

	// ErrSolveFailed indicates the engine completed without resolving the field.
	ErrSolveFailed = New("unable to solve image")

	// ErrEncoding indicates the rendered raster could not be encoded.
	ErrEncoding = New("encoding error")

	// ErrIO indicates output bytes could not be written to storage.
	ErrIO = New("io error")

	// ErrTimeout indicates solving did not finish before its deadline.
	ErrTimeout = New("solve timed out")
)

// Configurationf creates a configuration error with a formatted message.
func Configurationf(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrConfiguration)
}

// MarkConfiguration classifies err as a configuration error.
func MarkConfiguration(err error) error {
	if err == nil {
		return nil
	}
	return Mark(err, ErrConfiguration)
}

// MarkEncoding classifies err as an encoding error.
func MarkEncoding(err error) error {
	if err == nil {
		return nil
	}
	return Mark(err, ErrEncoding)
}

// MarkIO classifies err as an output I/O error.
func MarkIO(err error) error {
	if err == nil {
		return nil
	}
	return Mark(err, ErrIO)
}

// MarkTimeout classifies err as a solve timeout.
func MarkTimeout(err error) error {
	if err == nil {
		return nil
	}
	return Mark(err, ErrTimeout)
}

// Kind returns the sentinel that classifies err, or nil when err carries none.
func Kind(err error) error {
	for _, kind := range []error{ErrConfiguration, ErrSolveFailed, ErrEncoding, ErrIO, ErrTimeout} {
		if Is(err, kind) {
			return kind
		}
	}
	return nil
}
