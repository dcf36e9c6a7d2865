package batchcopy

import "errors"

var (
	// ErrClosed is returned when operations are attempted on a closed handler
	ErrClosed = errors.New("batch copy handler is closed")

	// ErrBadConnection is returned when no pooled connection could be acquired
	// within the connect timeout at construction
	ErrBadConnection = errors.New("database connection is not valid, timeout reached")

	// ErrBadTable is returned when the pre-flight check statement fails or
	// returns rows
	ErrBadTable = errors.New("table check failed")

	// ErrInvalidConfig is returned when the configuration does not validate
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrUnknownDriver is returned when no store is registered under the configured driver
	ErrUnknownDriver = errors.New("unknown store driver")

	// ErrStatement is returned when the row's COPY statement cannot be parsed
	// or does not match its column types
	ErrStatement = errors.New("invalid COPY statement")

	// ErrColumnCount is returned when a row produces a different number of
	// values than it declares column types
	ErrColumnCount = errors.New("column count mismatch")

	// ErrColumnType is returned when a value cannot be encoded as its declared column type
	ErrColumnType = errors.New("column type mismatch")
)
