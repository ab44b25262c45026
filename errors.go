package ferrisdb

import (
	"errors"

	"github.com/tanyatarun18/ferrisdb-go/keys"
)

// Error definitions for the engine. Kept in one place so callers can
// test against them with errors.Is.
var (
	// ErrNotFound is returned when a key has no visible value,
	// including keys hidden by a tombstone.
	ErrNotFound = errors.New("key not found")

	// ErrDBClosed is returned when operating on a closed database.
	ErrDBClosed = errors.New("database is closed")

	// ErrDBAlreadyOpen is returned when the database directory is
	// locked by another process.
	ErrDBAlreadyOpen = errors.New("database is already open by another process")

	// ErrReadOnly is returned when writing to a read-only database.
	ErrReadOnly = errors.New("database is read-only")

	// ErrCorruption is returned when a checksum mismatch or invalid
	// structure is detected in any on-disk file.
	ErrCorruption = keys.ErrCorruption

	// ErrOrderingViolation is returned when entries reach a table
	// writer out of sorted order. It indicates an engine bug, never a
	// user error.
	ErrOrderingViolation = keys.ErrOrderingViolation

	// ErrInvalidKey is returned for empty or oversized user keys.
	ErrInvalidKey = errors.New("invalid key")

	// ErrInvalidValue is returned for oversized values.
	ErrInvalidValue = errors.New("invalid value")

	// ErrInvalidRange is returned when a scan range has Start >= Limit.
	ErrInvalidRange = errors.New("invalid range")

	// Configuration validation errors.
	ErrInvalidPath              = errors.New("invalid database path")
	ErrInvalidWriteBufferSize   = errors.New("invalid write buffer size")
	ErrInvalidMaxMemtables      = errors.New("invalid max memtables")
	ErrInvalidBlockSize         = errors.New("invalid block size")
	ErrInvalidCompactionTrigger = errors.New("invalid compaction trigger")
	ErrInvalidStopWritesTrigger = errors.New("invalid stop writes trigger")
	ErrInvalidMaxMergeWidth     = errors.New("invalid max merge width")
	ErrInvalidMaxOpenFiles      = errors.New("invalid max open files")
)
