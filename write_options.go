package ferrisdb

// WriteOptions controls per-write durability.
type WriteOptions struct {
	// Sync makes the write wait until its WAL record is fsynced.
	// Without it the write returns once the record reaches the OS,
	// trading the most recent writes on crash for throughput.
	Sync bool
}

// Predefined write options.
var (
	// Sync waits for durability on every write.
	Sync = &WriteOptions{Sync: true}

	// NoSync returns as soon as the record is buffered.
	NoSync = &WriteOptions{Sync: false}
)
