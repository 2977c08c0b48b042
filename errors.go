package minidb

import (
	"errors"

	"minidb/schema"
	"minidb/storage"
)

var (
	// ErrDuplicateKey is returned by Add when an explicit Id collides
	// with a live record.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrClosed is returned by operations on a closed context.
	ErrClosed = errors.New("context closed")
)

// Error kinds raised by the supporting packages, re-exported so callers
// can match every engine failure with errors.Is against this package.
var (
	ErrConfiguration      = schema.ErrConfiguration
	ErrInvalidFormat      = storage.ErrInvalidFormat
	ErrUnsupportedVersion = storage.ErrUnsupportedVersion
	ErrNotFound           = storage.ErrNotFound
)
