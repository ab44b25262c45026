// Package ferrisdb is an embedded key-value store built on a
// log-structured merge tree. Writes land in a write-ahead log and an
// in-memory skip list; full memtables flush to immutable sorted table
// files; a background worker merges similar-sized tables so reads stay
// bounded. Every write carries a logical timestamp, so point reads and
// scans can ask for the state as of any earlier moment.
package ferrisdb

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/tanyatarun18/ferrisdb-go/epoch"
	"github.com/tanyatarun18/ferrisdb-go/keys"
	"github.com/tanyatarun18/ferrisdb-go/memtable"
	"github.com/tanyatarun18/ferrisdb-go/sstable"
	"github.com/tanyatarun18/ferrisdb-go/wal"
)

// DB is the storage engine handle. Safe for concurrent use.
type DB struct {
	opts             *Options
	defaultWriteOpts *WriteOptions
	path             string
	logger           *slog.Logger

	// mu guards the memtable list and the WAL pointer. Writers append
	// under the read lock (the memtable and WAL are internally
	// synchronized); rotation and the flush queue take the write lock.
	mu        sync.RWMutex
	mem       *memtable.MemTable
	imm       []*memtable.MemTable // oldest first
	wal       *wal.WAL
	flushCond *sync.Cond

	versions    *VersionSet
	fileCache   *FileCache
	epochs      *epoch.Manager
	compactions *CompactionManager

	// ts is the logical clock. Every write gets the next value; reads
	// snapshot at its current value.
	ts atomic.Uint64

	closing     chan struct{}
	flusherDone chan struct{}
	closed      atomic.Bool
	fatal       atomic.Bool

	lock Locker
}

// Open opens or creates the database at opts.Path. A second Open on
// the same directory fails with ErrDBAlreadyOpen until the first
// handle is closed.
func Open(opts *Options) (*DB, error) {
	if opts == nil {
		opts = DefaultOptions()
	} else {
		opts = opts.Clone()
	}
	logger := opts.Logger
	if logger == nil {
		logger = DefaultLogger()
	}
	if err := opts.Validate(); err != nil {
		logger.Error("invalid options", "error", err)
		return nil, err
	}

	exists := false
	if _, err := os.Stat(opts.Path); err == nil {
		exists = true
	}
	if opts.ErrorIfExists && exists {
		return nil, fmt.Errorf("database already exists at %s", opts.Path)
	}
	if !opts.CreateIfMissing && !exists {
		return nil, fmt.Errorf("database does not exist at %s", opts.Path)
	}
	if err := os.MkdirAll(opts.Path, 0755); err != nil {
		return nil, err
	}

	locker, err := newFileLocker(opts.Path)
	if err != nil {
		return nil, err
	}
	if err := locker.Lock(); err != nil {
		return nil, err
	}

	db := &DB{
		opts:             opts,
		defaultWriteOpts: &WriteOptions{Sync: opts.Sync},
		path:             opts.Path,
		logger:           logger,
		closing:          make(chan struct{}),
		flusherDone:      make(chan struct{}),
		lock:             locker,
	}
	db.flushCond = sync.NewCond(&db.mu)
	db.epochs = epoch.NewManager(logger)
	db.mem = memtable.New(opts.WriteBufferSize)

	fail := func(err error) (*DB, error) {
		if db.versions != nil {
			db.versions.Close()
		}
		locker.Unlock()
		return nil, err
	}

	db.versions, err = newVersionSet(opts.Path, opts.MaxManifestFileSize)
	if err != nil {
		return fail(err)
	}
	db.fileCache = NewFileCache(opts.GetFileCacheSize(), db.epochs, logger)

	// File numbers on disk can run ahead of the manifest after a
	// crash. Scan everything so fresh allocations never collide.
	maxNum, err := maxFileNum(opts.Path)
	if err != nil {
		return fail(err)
	}
	db.versions.EnsureFileNum(maxNum)

	if !opts.ReadOnly {
		if err := db.removeOrphans(); err != nil {
			logger.Warn("orphan cleanup incomplete", "error", err)
		}
	}

	// Restart the clock past everything already flushed, then replay
	// the log on top.
	for _, t := range db.versions.Current().Tables() {
		if t.MaxTimestamp > db.ts.Load() {
			db.ts.Store(t.MaxTimestamp)
		}
	}
	walMax, err := db.replayWAL()
	if err != nil {
		return fail(err)
	}
	if walMax > db.ts.Load() {
		db.ts.Store(walMax)
	}

	if opts.ReadOnly {
		// Replayed writes stay in the memtable; reads merge them with
		// the tables as usual. No services, no new files.
		return db, nil
	}

	if !db.mem.Empty() {
		// Persist recovered writes immediately so the replayed
		// segments can be dropped.
		meta, err := db.flushMemtable(db.mem)
		if err != nil {
			return fail(err)
		}
		if _, err := db.versions.Update(func(tables []*TableMeta) ([]*TableMeta, error) {
			return append([]*TableMeta{meta}, tables...), nil
		}); err != nil {
			return fail(err)
		}
		db.mem.Unref()
		db.mem = memtable.New(opts.WriteBufferSize)
	}
	if err := db.removeLogs(); err != nil {
		return fail(err)
	}

	if !opts.DisableWAL {
		w, err := wal.NewWAL(wal.Opts{
			Dir:              opts.Path,
			FileNum:          db.versions.NewFileNum(),
			BytesPerSync:     opts.WALBytesPerSync,
			AutoSyncInterval: opts.WALSyncInterval,
		})
		if err != nil {
			return fail(err)
		}
		db.wal = w
		db.mem.SetWALPath(w.Path())
	}

	db.compactions = newCompactionManager(db)
	db.compactions.start()
	go db.flusher()
	db.compactions.Trigger()

	return db, nil
}

// maxFileNum scans the directory for the highest numbered engine file.
func maxFileNum(dir string) (uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	var maxNum uint64
	for _, e := range entries {
		var n uint64
		var suffix string
		if _, err := fmt.Sscanf(e.Name(), "%d.%s", &n, &suffix); err != nil {
			continue
		}
		switch suffix {
		case "sst", "wal", "manifest":
			if n > maxNum {
				maxNum = n
			}
		}
	}
	return maxNum, nil
}

// removeOrphans deletes temp files and table files the manifest does
// not reference, both leftovers of a crash mid-flush or mid-compaction.
func (db *DB) removeOrphans() error {
	live := make(map[uint64]bool)
	for _, t := range db.versions.Current().Tables() {
		live[t.FileNum] = true
	}

	entries, err := os.ReadDir(db.path)
	if err != nil {
		return err
	}
	var firstErr error
	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) == ".tmp" {
			if err := os.Remove(filepath.Join(db.path, name)); err != nil && firstErr == nil {
				firstErr = err
			}
			continue
		}
		var n uint64
		if _, err := fmt.Sscanf(name, "%d.sst", &n); err != nil || live[n] {
			continue
		}
		db.logger.Info("removing orphaned table", "file", name)
		if err := os.Remove(filepath.Join(db.path, name)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// replayWAL rebuilds the memtable from every log segment in file
// number order. A torn record at the tail of the newest segment is the
// signature of a crash mid-write and only costs the writes behind it;
// corruption anywhere else fails the open.
func (db *DB) replayWAL() (uint64, error) {
	files, err := filepath.Glob(filepath.Join(db.path, "*.wal"))
	if err != nil {
		return 0, err
	}
	sort.Strings(files) // zero-padded names sort by file number

	var maxTS uint64
	for i, path := range files {
		r, err := wal.NewReader(path)
		if err != nil {
			return maxTS, err
		}
		records := 0
		for {
			rec, err := r.Next()
			if err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				lastSegment := i == len(files)-1
				if lastSegment && (errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, wal.ErrCorruptRecord)) {
					db.logger.Warn("log truncated mid-record, dropping tail",
						"file", filepath.Base(path), "records_recovered", records, "error", err)
					break
				}
				r.Close()
				return maxTS, fmt.Errorf("replay %s after %d records: %w", filepath.Base(path), records, err)
			}
			records++
			if rec.Timestamp > maxTS {
				maxTS = rec.Timestamp
			}
			db.mem.Put(keys.NewEncodedKey(rec.Key, rec.Timestamp), rec.Op, rec.Value)
		}
		r.Close()
	}
	return maxTS, nil
}

func (db *DB) removeLogs() error {
	files, err := filepath.Glob(filepath.Join(db.path, "*.wal"))
	if err != nil {
		return err
	}
	for _, path := range files {
		if err := os.Remove(path); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes buffered writes, stops the background workers, and
// releases the directory lock. Safe to call more than once.
func (db *DB) Close() error {
	if db.closed.Swap(true) {
		return nil
	}

	if !db.opts.ReadOnly {
		db.mu.Lock()
		if !db.mem.Empty() && !db.fatal.Load() {
			if err := db.rotateLocked(); err != nil {
				db.logger.Error("final rotation failed, buffered writes lost", "error", err)
			}
		}
		for len(db.imm) > 0 && !db.fatal.Load() {
			db.flushCond.Wait()
		}
		db.mu.Unlock()
	}

	close(db.closing)
	db.flushCond.Broadcast()
	if db.compactions != nil {
		<-db.flusherDone
		db.compactions.Close()
	}

	var firstErr error
	if db.wal != nil {
		if err := db.wal.Close(); err != nil {
			firstErr = err
		}
	}
	if err := db.fileCache.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	db.epochs.CleanupAll()
	if err := db.versions.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	db.mem.Unref()
	if err := db.lock.Unlock(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Put stores key -> value using the database's default sync setting.
func (db *DB) Put(key, value []byte) error {
	return db.write(key, value, keys.OpPut, nil)
}

// PutWithOptions stores key -> value with per-call durability control.
func (db *DB) PutWithOptions(key, value []byte, wo *WriteOptions) error {
	return db.write(key, value, keys.OpPut, wo)
}

// Delete removes key by writing a tombstone. Compaction reclaims the
// space once no older table still holds the key.
func (db *DB) Delete(key []byte) error {
	return db.write(key, nil, keys.OpDelete, nil)
}

// DeleteWithOptions removes key with per-call durability control.
func (db *DB) DeleteWithOptions(key []byte, wo *WriteOptions) error {
	return db.write(key, nil, keys.OpDelete, wo)
}

func (db *DB) write(key, value []byte, op keys.Operation, wo *WriteOptions) error {
	if wo == nil {
		wo = db.defaultWriteOpts
	}
	if err := keys.ValidateUserKey(key); err != nil {
		return ErrInvalidKey
	}
	if op == keys.OpPut {
		if err := keys.ValidateValue(value); err != nil {
			return ErrInvalidValue
		}
	}
	if db.closed.Load() {
		return ErrDBClosed
	}
	if db.opts.ReadOnly {
		return ErrReadOnly
	}

	if err := db.makeRoomForWrite(); err != nil {
		return err
	}

	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed.Load() {
		return ErrDBClosed
	}

	ts := db.ts.Add(1)
	if db.wal != nil {
		if err := db.wal.AppendOp(ts, op, key, value); err != nil {
			return err
		}
		if wo.Sync {
			if err := db.wal.Sync(); err != nil {
				return err
			}
		}
	}
	db.mem.Put(keys.NewEncodedKey(key, ts), op, value)
	return nil
}

// makeRoomForWrite applies backpressure and rotates a full memtable.
// Writes stall when the flush queue is full or compaction has fallen
// far behind; the flusher and compactor broadcast as space frees up.
func (db *DB) makeRoomForWrite() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	stalled := false
	for {
		if db.closed.Load() {
			return ErrDBClosed
		}
		if db.versions.Current().NumTables() >= db.opts.StopWritesTableCount {
			if !stalled {
				db.logger.Warn("write stall: too many tables",
					"tables", db.versions.Current().NumTables(), "trigger", db.opts.StopWritesTableCount)
				stalled = true
			}
			db.compactions.Trigger()
			db.flushCond.Wait()
			continue
		}
		if !db.mem.IsFull() {
			return nil
		}
		if len(db.imm) >= db.opts.MaxMemtables-1 {
			if !stalled {
				db.logger.Warn("write stall: flush queue full", "queued", len(db.imm))
				stalled = true
			}
			db.flushCond.Wait()
			continue
		}
		return db.rotateLocked()
	}
}

// rotateLocked freezes the active memtable onto the flush queue and
// installs a fresh memtable with its own log segment. Caller holds
// db.mu.
func (db *DB) rotateLocked() error {
	old := db.mem
	old.Freeze()

	mem := memtable.New(db.opts.WriteBufferSize)
	if db.wal != nil {
		if err := db.wal.Close(); err != nil {
			return err
		}
		db.wal = nil
		w, err := wal.NewWAL(wal.Opts{
			Dir:              db.path,
			FileNum:          db.versions.NewFileNum(),
			BytesPerSync:     db.opts.WALBytesPerSync,
			AutoSyncInterval: db.opts.WALSyncInterval,
		})
		if err != nil {
			return err
		}
		db.wal = w
		mem.SetWALPath(w.Path())
	}

	db.imm = append(db.imm, old)
	db.mem = mem
	db.flushCond.Broadcast()
	return nil
}

// Get returns the current value for key, or ErrNotFound if the key
// does not exist or was deleted.
func (db *DB) Get(key []byte) ([]byte, error) {
	return db.GetAt(key, db.ts.Load())
}

// GetAt returns the value for key as of the snapshot timestamp: the
// newest version written at or before it. Timestamps come from
// db.Timestamp.
func (db *DB) GetAt(key []byte, snapshot uint64) ([]byte, error) {
	if err := keys.ValidateUserKey(key); err != nil {
		return nil, ErrInvalidKey
	}
	if db.closed.Load() {
		return nil, ErrDBClosed
	}

	e := db.epochs.Enter()
	defer db.epochs.Exit(e)

	db.mu.RLock()
	mems := make([]*memtable.MemTable, 0, 1+len(db.imm))
	mems = append(mems, db.mem)
	for i := len(db.imm) - 1; i >= 0; i-- {
		mems = append(mems, db.imm[i])
	}
	for _, m := range mems {
		m.Ref()
	}
	version := db.versions.Current()
	db.mu.RUnlock()
	defer func() {
		for _, m := range mems {
			m.Unref()
		}
	}()

	// Newest source wins: active memtable, then frozen memtables in
	// reverse age, then tables in recency order. The first source
	// holding any version at or below the snapshot decides.
	uk := keys.UserKey(key)
	for _, m := range mems {
		if v, op, ok := m.Get(uk, snapshot); ok {
			if op == keys.OpDelete {
				return nil, ErrNotFound
			}
			out := make([]byte, len(v))
			copy(out, v)
			return out, nil
		}
	}
	for _, t := range version.Tables() {
		if !t.ContainsUserKey(uk) {
			continue
		}
		r, err := db.fileCache.Get(t.FileNum, sstable.TablePath(db.path, t.FileNum))
		if err != nil {
			return nil, err
		}
		v, op, found, err := r.Get(uk, snapshot)
		if err != nil {
			return nil, err
		}
		if found {
			if op == keys.OpDelete {
				return nil, ErrNotFound
			}
			return v, nil
		}
	}
	return nil, ErrNotFound
}

// Timestamp returns the logical clock: the timestamp assigned to the
// most recent write. Pass it to GetAt or NewIteratorAt later to read
// the state as of now.
func (db *DB) Timestamp() uint64 {
	return db.ts.Load()
}

// Flush forces the active memtable to disk and waits for the whole
// flush queue to drain.
func (db *DB) Flush() error {
	if db.closed.Load() {
		return ErrDBClosed
	}
	if db.opts.ReadOnly {
		return ErrReadOnly
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if !db.mem.Empty() {
		for len(db.imm) >= db.opts.MaxMemtables-1 && !db.closed.Load() {
			db.flushCond.Wait()
		}
		if db.closed.Load() {
			return ErrDBClosed
		}
		if err := db.rotateLocked(); err != nil {
			return err
		}
	}
	for len(db.imm) > 0 && !db.closed.Load() {
		db.flushCond.Wait()
	}
	if db.closed.Load() {
		return ErrDBClosed
	}
	return nil
}

// flusher drains the immutable memtable queue, oldest first, turning
// each into one table file. A flush failure is unrecoverable: the
// engine refuses further work rather than drop acknowledged writes.
func (db *DB) flusher() {
	defer close(db.flusherDone)
	for {
		db.mu.Lock()
		for len(db.imm) == 0 {
			select {
			case <-db.closing:
				db.mu.Unlock()
				return
			default:
			}
			db.flushCond.Wait()
		}
		m := db.imm[0]
		db.mu.Unlock()

		if m.Empty() {
			db.finishFlush(m)
			continue
		}

		meta, err := db.flushMemtable(m)
		if err == nil {
			_, err = db.versions.Update(func(tables []*TableMeta) ([]*TableMeta, error) {
				return append([]*TableMeta{meta}, tables...), nil
			})
		}
		if err != nil {
			db.logger.Error("memtable flush failed, stopping engine", "error", err)
			db.fatal.Store(true)
			db.closed.Store(true)
			db.flushCond.Broadcast()
			return
		}

		db.finishFlush(m)
		db.epochs.Advance()
		db.epochs.TryCleanup()
		db.compactions.Trigger()
	}
}

// finishFlush removes m from the queue, retires its log segment, and
// drops the queue's reference. Readers still holding m keep it alive.
func (db *DB) finishFlush(m *memtable.MemTable) {
	db.mu.Lock()
	for i, im := range db.imm {
		if im == m {
			db.imm = append(db.imm[:i], db.imm[i+1:]...)
			break
		}
	}
	db.flushCond.Broadcast()
	db.mu.Unlock()

	if path := m.WALPath(); path != "" {
		db.epochs.Retire(path, func() error {
			return os.Remove(path)
		})
	}
	m.Unref()
}

// flushMemtable writes m out as one table file, built at a temporary
// name and renamed into place so a crash never leaves a partial table
// visible.
func (db *DB) flushMemtable(m *memtable.MemTable) (*TableMeta, error) {
	fileNum := db.versions.NewFileNum()
	finalPath := sstable.TablePath(db.path, fileNum)

	w, err := sstable.NewWriter(sstable.WriterOpts{
		Path:        finalPath + ".tmp",
		BlockSize:   db.opts.BlockSize,
		Compression: db.opts.Compression,
	})
	if err != nil {
		return nil, err
	}

	iter := m.NewIterator()
	for iter.SeekToFirst(); iter.Valid(); iter.Next() {
		if err := w.Add(iter.Key(), iter.Op(), iter.Value()); err != nil {
			w.Abandon()
			return nil, err
		}
	}
	if err := w.Finish(); err != nil {
		w.Abandon()
		return nil, err
	}
	if err := os.Rename(w.Path(), finalPath); err != nil {
		os.Remove(w.Path())
		return nil, err
	}
	if err := syncDir(db.path); err != nil {
		return nil, err
	}

	db.logger.Info("memtable flushed",
		"file", filepath.Base(finalPath),
		"entries", w.NumEntries(),
		"bytes", w.EstimatedSize())

	return &TableMeta{
		FileNum:       fileNum,
		Size:          w.EstimatedSize(),
		Smallest:      w.SmallestKey(),
		Largest:       w.LargestKey(),
		MaxTimestamp:  w.MaxTimestamp(),
		NumEntries:    w.NumEntries(),
		NumTombstones: w.NumTombstones(),
	}, nil
}

// signalWriters wakes writers stalled on backpressure.
func (db *DB) signalWriters() {
	db.flushCond.Broadcast()
}

// syncDir fsyncs a directory so renames and removals inside it survive
// a crash.
func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

// Stats reports engine counters for monitoring and tests.
func (db *DB) Stats() map[string]any {
	db.mu.RLock()
	memBytes := db.mem.Size()
	queued := len(db.imm)
	db.mu.RUnlock()

	version := db.versions.Current()
	stats := map[string]any{
		"timestamp":        db.ts.Load(),
		"memtable_bytes":   memBytes,
		"memtables_queued": queued,
		"tables":           version.NumTables(),
		"table_bytes":      version.TotalSize(),
		"version":          version.Number(),
		"file_cache_len":   db.fileCache.Len(),
		"active_readers":   db.epochs.ActiveReaders(),
	}
	if db.compactions != nil {
		cs := db.compactions.Stats()
		stats["compactions"] = cs.Compactions
		stats["tables_compacted"] = cs.TablesCompacted
		stats["bytes_compacted"] = cs.BytesCompacted
		stats["tombstones_dropped"] = cs.TombstonesDropped
	}
	return stats
}
