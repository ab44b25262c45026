package ferrisdb

import (
	"github.com/tanyatarun18/ferrisdb-go/keys"
	"github.com/tanyatarun18/ferrisdb-go/memtable"
	"github.com/tanyatarun18/ferrisdb-go/sstable"
)

// Iterator is a point-in-time scan over the database. It merges the
// memtables and every table of the version captured at creation,
// surfacing the newest visible version of each user key and hiding
// deleted keys. The snapshot timestamp fixes what "visible" means, so
// writes after creation never appear.
type Iterator struct {
	db       *DB
	merged   *mergeIterator
	mems     []*memtable.MemTable
	epochNum uint64
	snapshot uint64
	closed   bool
}

// NewIterator scans the current state, optionally bounded to a user
// key range.
func (db *DB) NewIterator(bounds *keys.Range) (*Iterator, error) {
	return db.NewIteratorAt(db.Timestamp(), bounds)
}

// Scan iterates the half-open range [start, end). Nil start or end
// leaves that side unbounded.
func (db *DB) Scan(start, end []byte) (*Iterator, error) {
	bounds := &keys.Range{Start: keys.UserKey(start), Limit: keys.UserKey(end)}
	if start == nil && end == nil {
		bounds = nil
	}
	return db.NewIteratorAt(db.Timestamp(), bounds)
}

// NewIteratorAt scans as of the given snapshot timestamp.
func (db *DB) NewIteratorAt(snapshot uint64, bounds *keys.Range) (*Iterator, error) {
	if db.closed.Load() {
		return nil, ErrDBClosed
	}
	if bounds != nil && bounds.Start != nil && bounds.Limit != nil &&
		bounds.Start.Compare(bounds.Limit) >= 0 {
		return nil, ErrInvalidRange
	}

	e := db.epochs.Enter()

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

	iters := make([]internalIterator, 0, len(mems)+version.NumTables())
	release := func() {
		for _, it := range iters {
			it.Close()
		}
		for _, m := range mems {
			m.Unref()
		}
		db.epochs.Exit(e)
	}

	for _, m := range mems {
		iters = append(iters, m.NewIteratorWithBounds(bounds))
	}
	for _, t := range version.Tables() {
		if !t.OverlapsRange(bounds) {
			continue
		}
		r, err := db.fileCache.Get(t.FileNum, sstable.TablePath(db.path, t.FileNum))
		if err != nil {
			release()
			return nil, err
		}
		iters = append(iters, r.NewIterator(bounds))
	}

	return &Iterator{
		db:       db,
		merged:   newMergeIterator(iters, snapshot, false),
		mems:     mems,
		epochNum: e,
		snapshot: snapshot,
	}, nil
}

// skipTombstones advances past deleted keys.
func (it *Iterator) skipTombstones() {
	for it.merged.Valid() && it.merged.Op() == keys.OpDelete {
		it.merged.Next()
	}
}

// First positions at the first visible key.
func (it *Iterator) First() {
	it.merged.SeekToFirst()
	it.skipTombstones()
}

// Seek positions at the first visible key >= userKey.
func (it *Iterator) Seek(userKey []byte) {
	it.merged.Seek(keys.NewQueryKey(userKey, it.snapshot))
	it.skipTombstones()
}

// Next advances to the following visible key.
func (it *Iterator) Next() {
	it.merged.Next()
	it.skipTombstones()
}

// Valid reports whether the iterator is positioned on a key.
func (it *Iterator) Valid() bool {
	return it.merged.Valid()
}

// Key returns the current user key. Valid until the next positioning
// call.
func (it *Iterator) Key() []byte {
	if !it.merged.Valid() {
		return nil
	}
	return it.merged.Key().UserKey()
}

// Timestamp returns the current entry's write timestamp.
func (it *Iterator) Timestamp() uint64 {
	if !it.merged.Valid() {
		return 0
	}
	return it.merged.Key().Timestamp()
}

// Value returns the current value. Valid until the next positioning
// call.
func (it *Iterator) Value() []byte {
	return it.merged.Value()
}

// Error returns the first error encountered by any source.
func (it *Iterator) Error() error {
	return it.merged.Error()
}

// Close releases the snapshot. Required; an unclosed iterator pins
// memtables and obsolete table files.
func (it *Iterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	err := it.merged.Close()
	for _, m := range it.mems {
		m.Unref()
	}
	it.db.epochs.Exit(it.epochNum)
	return err
}
