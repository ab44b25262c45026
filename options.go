package ferrisdb

import (
	"log/slog"
	"os"
	"time"

	"github.com/tanyatarun18/ferrisdb-go/compression"
)

const (
	KiB = 1024
	MiB = KiB * 1024
)

// Default values. The write buffer and block sizes follow LevelDB
// conventions; the compaction knobs drive the size-tiered scheme.
var (
	DefaultWriteBufferSize      = 4 * MiB
	DefaultMaxMemtables         = 4
	DefaultBlockSize            = 4 * KiB
	DefaultCompactionTrigger    = 4
	DefaultMaxMergeWidth        = 8
	DefaultStopWritesTableCount = 32
	DefaultMaxOutputFileSize    = int64(64 * MiB)
	DefaultMaxOpenFiles         = 1000
	DefaultMaxManifestFileSize  = int64(64 * MiB)
	DefaultWALSyncInterval      = 500 * time.Millisecond

	// NumReservedFiles keeps descriptors free for the WAL, manifest
	// and temporary files when sizing the table file cache.
	NumReservedFiles = 10
	MinFileCacheSize = 64
)

// Options holds every tunable parameter of the engine.
type Options struct {
	// Path is the database directory.
	Path string

	// WriteBufferSize is the memtable capacity threshold. Once the
	// active memtable reaches it, the memtable is frozen and queued
	// for flush.
	WriteBufferSize int

	// MaxMemtables bounds the active plus frozen memtables. Writes
	// stall when a rotation would exceed it.
	MaxMemtables int

	// BlockSize is the target SSTable data block payload size.
	BlockSize int

	// CompactionTrigger is the run length of similar-sized tables
	// that starts a compaction.
	CompactionTrigger int

	// MaxMergeWidth caps how many tables one compaction merges.
	MaxMergeWidth int

	// StopWritesTableCount stalls writes when the total table count
	// reaches it, giving compaction a chance to catch up.
	StopWritesTableCount int

	// MaxOutputFileSize splits compaction output into multiple tables
	// once one reaches this size. Zero means never split.
	MaxOutputFileSize int64

	// MaxOpenFiles bounds file descriptors. The table file cache is
	// sized from it after reserving NumReservedFiles.
	MaxOpenFiles int

	// MaxManifestFileSize triggers manifest rotation.
	MaxManifestFileSize int64

	CreateIfMissing bool
	ErrorIfExists   bool
	ReadOnly        bool

	// Sync makes every write wait for the WAL fsync. Disabling it
	// trades the tail of recent writes on crash for throughput; the
	// timer and byte-count syncs below still bound the loss window.
	Sync bool

	// WALSyncInterval syncs the WAL on a timer when Sync is off.
	WALSyncInterval time.Duration

	// WALBytesPerSync triggers a background WAL sync after this many
	// unsynced bytes. Zero disables it.
	WALBytesPerSync int

	// DisableWAL skips logging entirely. Unflushed writes are lost on
	// crash. Intended for bulk loads and tests.
	DisableWAL bool

	// Compression selects the SSTable block codec. compression.None
	// writes baseline format tables.
	Compression compression.Config

	// Logger receives structured engine events.
	Logger *slog.Logger
}

// DefaultOptions returns battle-tested defaults.
func DefaultOptions() *Options {
	return &Options{
		WriteBufferSize:      DefaultWriteBufferSize,
		MaxMemtables:         DefaultMaxMemtables,
		BlockSize:            DefaultBlockSize,
		CompactionTrigger:    DefaultCompactionTrigger,
		MaxMergeWidth:        DefaultMaxMergeWidth,
		StopWritesTableCount: DefaultStopWritesTableCount,
		MaxOutputFileSize:    DefaultMaxOutputFileSize,
		MaxOpenFiles:         DefaultMaxOpenFiles,
		MaxManifestFileSize:  DefaultMaxManifestFileSize,
		CreateIfMissing:      true,
		Sync:                 true,
		WALSyncInterval:      DefaultWALSyncInterval,
		Compression:          compression.DefaultConfig(),
		Logger:               DefaultLogger(),
	}
}

// Validate catches configuration mistakes before the engine starts.
func (o *Options) Validate() error {
	if o.Path == "" {
		return ErrInvalidPath
	}
	if o.WriteBufferSize <= 0 {
		return ErrInvalidWriteBufferSize
	}
	if o.MaxMemtables <= 1 {
		return ErrInvalidMaxMemtables
	}
	if o.BlockSize <= 0 {
		return ErrInvalidBlockSize
	}
	if o.CompactionTrigger <= 1 {
		return ErrInvalidCompactionTrigger
	}
	if o.MaxMergeWidth < o.CompactionTrigger {
		return ErrInvalidMaxMergeWidth
	}
	if o.StopWritesTableCount <= o.CompactionTrigger {
		return ErrInvalidStopWritesTrigger
	}
	if o.MaxOpenFiles <= 0 {
		return ErrInvalidMaxOpenFiles
	}
	return nil
}

// Clone returns a copy safe to modify independently.
func (o *Options) Clone() *Options {
	if o == nil {
		return DefaultOptions()
	}
	clone := *o
	return &clone
}

// FileCacheSize derives the table cache capacity from the descriptor
// budget.
func FileCacheSize(maxOpenFiles int) int {
	return max(maxOpenFiles-NumReservedFiles, MinFileCacheSize)
}

// GetFileCacheSize returns the table cache capacity for these options.
func (o *Options) GetFileCacheSize() int {
	return FileCacheSize(o.MaxOpenFiles)
}

func getLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

// DefaultLogger logs warnings and errors to stdout.
func DefaultLogger() *slog.Logger {
	return getLogger(slog.LevelWarn)
}

// DebugLogger logs everything. Useful in tests.
func DebugLogger() *slog.Logger {
	return getLogger(slog.LevelDebug)
}
