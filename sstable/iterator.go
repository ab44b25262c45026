package sstable

import (
	"encoding/binary"

	"github.com/tanyatarun18/ferrisdb-go/keys"
)

// Iterator walks a table in encoded key order, loading one block at a
// time. Key and Value return slices that stay valid until the next
// positioning call; callers that retain them must copy.
type Iterator struct {
	r      *Reader
	bounds *keys.Range

	blockIdx int
	blk      *block
	entry    int

	keyBuf []byte
	err    error
}

// NewIterator creates an iterator over the table, optionally bounded
// to a user key range.
func (r *Reader) NewIterator(bounds *keys.Range) *Iterator {
	return &Iterator{r: r, bounds: bounds, blockIdx: -1}
}

func (it *Iterator) loadBlock(i int) bool {
	if i < 0 || i >= len(it.r.index) {
		it.blk = nil
		it.blockIdx = -1
		return false
	}
	blk, err := it.r.readBlock(i)
	if err != nil {
		it.err = err
		it.blk = nil
		it.blockIdx = -1
		return false
	}
	it.blk = blk
	it.blockIdx = i
	return true
}

// checkBounds invalidates the iterator once it passes the upper
// bound.
func (it *Iterator) checkBounds() {
	if it.blk == nil || it.bounds == nil || it.bounds.Limit == nil {
		return
	}
	if it.blk.userKeyAt(it.entry).Compare(it.bounds.Limit) >= 0 {
		it.blk = nil
		it.blockIdx = -1
	}
}

// SeekToFirst positions at the first entry, honoring the lower bound.
func (it *Iterator) SeekToFirst() {
	it.err = nil
	if it.bounds != nil && it.bounds.Start != nil {
		it.Seek(keys.NewQueryKey(it.bounds.Start, keys.MaxTimestamp))
		return
	}
	if !it.loadBlock(0) {
		return
	}
	it.entry = 0
	if it.blk.numEntries() == 0 {
		it.blk = nil
		it.blockIdx = -1
		return
	}
	it.checkBounds()
}

// Seek positions at the first entry with key >= target.
func (it *Iterator) Seek(target keys.EncodedKey) {
	it.err = nil
	if it.bounds != nil && it.bounds.Start != nil && target.UserKey().Compare(it.bounds.Start) < 0 {
		target = keys.NewQueryKey(it.bounds.Start, keys.MaxTimestamp)
	}

	bi := it.r.findBlock(target)
	if bi < 0 {
		bi = 0
	}
	if !it.loadBlock(bi) {
		return
	}
	it.entry = it.blk.searchGE(target)
	if it.entry >= it.blk.numEntries() {
		// Target lies past this block; the answer is the first entry
		// of the next one.
		if !it.loadBlock(bi + 1) {
			return
		}
		it.entry = 0
	}
	it.checkBounds()
}

// Next advances to the following entry, crossing block boundaries.
func (it *Iterator) Next() {
	if it.blk == nil {
		return
	}
	it.entry++
	if it.entry >= it.blk.numEntries() {
		if !it.loadBlock(it.blockIdx + 1) {
			return
		}
		it.entry = 0
	}
	it.checkBounds()
}

// Valid reports whether the iterator is positioned on an entry.
func (it *Iterator) Valid() bool {
	return it.blk != nil
}

// Key returns the current encoded key. The slice is reused by the
// next positioning call.
func (it *Iterator) Key() keys.EncodedKey {
	if it.blk == nil {
		return nil
	}
	userKey := it.blk.userKeyAt(it.entry)
	need := len(userKey) + keys.TimestampLen
	if cap(it.keyBuf) < need {
		it.keyBuf = make([]byte, 0, need)
	}
	buf := append(it.keyBuf[:0], userKey...)
	var ts [keys.TimestampLen]byte
	binary.LittleEndian.PutUint64(ts[:], it.blk.timestampAt(it.entry))
	buf = append(buf, ts[:]...)
	it.keyBuf = buf
	return keys.EncodedKey(buf)
}

// Value returns the current value.
func (it *Iterator) Value() []byte {
	if it.blk == nil {
		return nil
	}
	return it.blk.valueAt(it.entry)
}

// Op returns the current entry's operation.
func (it *Iterator) Op() keys.Operation {
	if it.blk == nil {
		return 0
	}
	return it.blk.opAt(it.entry)
}

// Error returns the first error encountered while loading blocks.
func (it *Iterator) Error() error {
	return it.err
}

// Close invalidates the iterator.
func (it *Iterator) Close() error {
	it.blk = nil
	it.blockIdx = -1
	return nil
}
