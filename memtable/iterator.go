package memtable

import (
	"github.com/tanyatarun18/ferrisdb-go/keys"
)

// Iterator walks the memtable in encoded key order. It holds the
// table's read lock only during positioning calls; Key, Value and Op
// return data captured at the last positioning call.
type Iterator struct {
	mt     *MemTable
	node   int
	bounds *keys.Range
	key    keys.EncodedKey
	value  []byte
	op     keys.Operation
}

// NewIterator creates an iterator over the whole table.
func (mt *MemTable) NewIterator() *Iterator {
	return &Iterator{mt: mt}
}

// NewIteratorWithBounds restricts the iterator to a user key range.
func (mt *MemTable) NewIteratorWithBounds(bounds *keys.Range) *Iterator {
	return &Iterator{mt: mt, bounds: bounds}
}

// fill captures the current node's entry, invalidating the iterator
// when the node is past the upper bound.
func (it *Iterator) fill() {
	if it.node == 0 {
		it.key = nil
		it.value = nil
		return
	}
	o := it.mt.md[it.node]
	m := o + it.mt.md[it.node+posKey]
	it.key = keys.EncodedKey(it.mt.d[o:m])
	if it.bounds != nil && it.bounds.Limit != nil && it.key.UserKey().Compare(it.bounds.Limit) >= 0 {
		it.node = 0
		it.key = nil
		it.value = nil
		return
	}
	it.value = it.mt.d[m : m+it.mt.md[it.node+posVal]]
	it.op = keys.Operation(it.mt.md[it.node+posOp])
}

// SeekToFirst positions at the first entry, honoring the lower bound.
func (it *Iterator) SeekToFirst() {
	it.mt.mu.RLock()
	defer it.mt.mu.RUnlock()
	if it.bounds != nil && it.bounds.Start != nil {
		it.node, _ = it.mt.findGE(keys.NewQueryKey(it.bounds.Start, keys.MaxTimestamp), false)
	} else {
		it.node = it.mt.md[posNext]
	}
	it.fill()
}

// Seek positions at the first entry with key >= target.
func (it *Iterator) Seek(target keys.EncodedKey) {
	it.mt.mu.RLock()
	defer it.mt.mu.RUnlock()
	if it.bounds != nil && it.bounds.Start != nil && target.UserKey().Compare(it.bounds.Start) < 0 {
		target = keys.NewQueryKey(it.bounds.Start, keys.MaxTimestamp)
	}
	it.node, _ = it.mt.findGE(target, false)
	it.fill()
}

// Next advances to the following entry.
func (it *Iterator) Next() {
	if it.node == 0 {
		return
	}
	it.mt.mu.RLock()
	defer it.mt.mu.RUnlock()
	it.node = it.mt.md[it.node+posNext]
	it.fill()
}

// Valid reports whether the iterator is positioned on an entry.
func (it *Iterator) Valid() bool {
	return it.node != 0
}

// Key returns the current encoded key.
func (it *Iterator) Key() keys.EncodedKey {
	return it.key
}

// Value returns the current value. Tombstones carry a nil value.
func (it *Iterator) Value() []byte {
	return it.value
}

// Op returns the current entry's operation.
func (it *Iterator) Op() keys.Operation {
	return it.op
}

// Error always returns nil; memtable iteration cannot fail.
func (it *Iterator) Error() error {
	return nil
}

// Close releases nothing; the iterator holds no resources.
func (it *Iterator) Close() error {
	return nil
}
