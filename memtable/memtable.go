// Package memtable implements the in-memory write buffer: a skip list
// over an append-only arena, ordered by encoded key. Mutation takes an
// exclusive lock, reads take a shared lock. A table reports itself
// full once its arena passes the configured threshold; the engine then
// freezes it and swaps in a fresh one while this one drains to disk.
package memtable

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/tanyatarun18/ferrisdb-go/keys"
)

const maxHeight = 12

// Node metadata layout inside the md array. A node occupies
// posNext+height ints: arena offset, key length, value length,
// operation, height, then one next pointer per level.
const (
	posKV = iota
	posKey
	posVal
	posOp
	posHeight
	posNext
)

const headerSize = posNext + maxHeight

// MemTable is a skip list keyed by encoded key. Entries are never
// removed; deletes insert tombstones like any other write and identical
// encoded keys cannot occur because timestamps are unique.
type MemTable struct {
	mu        sync.RWMutex
	rnd       *rand.Rand
	d         []byte // arena: key and value bytes back to back
	md        []int  // node metadata and skip pointers
	prev      [maxHeight]int
	height    int
	n         int
	threshold int

	frozen  atomic.Bool
	refs    atomic.Int32
	walPath string
}

// New creates a memtable that reports full once its arena reaches
// threshold bytes. The caller holds the initial reference.
func New(threshold int) *MemTable {
	estimatedEntries := threshold / 64
	mt := &MemTable{
		rnd:       rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		height:    1,
		d:         make([]byte, 0, threshold),
		md:        make([]int, headerSize, headerSize+estimatedEntries*(posNext+2)),
		threshold: threshold,
	}
	mt.md[posHeight] = maxHeight
	mt.refs.Store(1)
	return mt
}

// randHeight promotes each level with probability 1/2, capped at
// maxHeight.
func (mt *MemTable) randHeight() int {
	h := 1
	for h < maxHeight && mt.rnd.Uint64()&1 == 1 {
		h++
	}
	return h
}

// findGE descends the skip list to the first node whose key is >= key.
// With recordPrev set it fills mt.prev with the rightmost node before
// the target at every level, positioning an insert.
func (mt *MemTable) findGE(key keys.EncodedKey, recordPrev bool) (int, bool) {
	node := 0
	h := mt.height - 1
	for {
		next := mt.md[node+posNext+h]
		cmp := 1
		if next != 0 {
			o := mt.md[next]
			stored := keys.EncodedKey(mt.d[o : o+mt.md[next+posKey]])
			cmp = stored.Compare(key)
		}
		if cmp < 0 {
			node = next
			continue
		}
		if recordPrev {
			mt.prev[h] = node
		} else if cmp == 0 {
			return next, true
		}
		if h == 0 {
			return next, cmp == 0
		}
		h--
	}
}

// Put inserts an entry and reports whether the table is now at or past
// its threshold. Exact duplicate encoded keys never occur because the
// engine assigns a fresh timestamp to every write.
func (mt *MemTable) Put(key keys.EncodedKey, op keys.Operation, value []byte) bool {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	mt.findGE(key, true)

	h := mt.randHeight()
	if h > mt.height {
		for i := mt.height; i < h; i++ {
			mt.prev[i] = 0
		}
		mt.height = h
	}

	off := len(mt.d)
	mt.d = append(mt.d, key...)
	mt.d = append(mt.d, value...)
	node := len(mt.md)
	mt.md = append(mt.md, off, len(key), len(value), int(op), h)
	for i, p := range mt.prev[:h] {
		m := p + posNext + i
		mt.md = append(mt.md, mt.md[m])
		mt.md[m] = node
	}
	mt.n++

	return len(mt.d) >= mt.threshold
}

// Get returns the newest entry for userKey visible at snapshot ts. The
// returned value aliases the arena; found distinguishes a tombstone
// (op == OpDelete) from absence.
func (mt *MemTable) Get(userKey keys.UserKey, ts uint64) (value []byte, op keys.Operation, found bool) {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	if mt.n == 0 {
		return nil, 0, false
	}

	// Versions of a user key sort newest first, so the first node at
	// or after (userKey, ts) is the newest version with timestamp <= ts.
	query := keys.NewQueryKey(userKey, ts)
	node, _ := mt.findGE(query, false)
	if node == 0 {
		return nil, 0, false
	}
	o := mt.md[node]
	stored := keys.EncodedKey(mt.d[o : o+mt.md[node+posKey]])
	if stored.UserKey().Compare(userKey) != 0 {
		return nil, 0, false
	}
	vs := o + mt.md[node+posKey]
	return mt.d[vs : vs+mt.md[node+posVal]], keys.Operation(mt.md[node+posOp]), true
}

// Size approximates memory consumed by entries.
func (mt *MemTable) Size() int {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	if mt.n == 0 {
		return 0
	}
	return len(mt.d) + len(mt.md)*8
}

// Len returns the number of entries.
func (mt *MemTable) Len() int {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.n
}

// Empty reports whether the table holds no entries.
func (mt *MemTable) Empty() bool {
	return mt.Len() == 0
}

// IsFull reports whether the arena has reached the threshold.
func (mt *MemTable) IsFull() bool {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return len(mt.d) >= mt.threshold
}

// Freeze marks the table immutable. Writers must already have moved to
// a fresh table; Freeze only records the transition.
func (mt *MemTable) Freeze() {
	mt.frozen.Store(true)
}

// Frozen reports whether Freeze was called.
func (mt *MemTable) Frozen() bool {
	return mt.frozen.Load()
}

// SetWALPath associates the log segment whose records this table
// holds. The engine deletes that segment once the table is flushed.
func (mt *MemTable) SetWALPath(path string) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.walPath = path
}

// WALPath returns the associated log segment path.
func (mt *MemTable) WALPath() string {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.walPath
}

// Ref takes a reference for a reader that will access the table
// outside the engine mutex.
func (mt *MemTable) Ref() {
	mt.refs.Add(1)
}

// Unref drops a reference. When the last reference drops the arena is
// released.
func (mt *MemTable) Unref() {
	if mt.refs.Add(-1) == 0 {
		mt.mu.Lock()
		mt.d = nil
		mt.md = nil
		mt.n = 0
		mt.mu.Unlock()
	}
}
