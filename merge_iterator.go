package ferrisdb

import (
	"container/heap"

	"github.com/tanyatarun18/ferrisdb-go/keys"
)

// internalIterator is the contract shared by memtable and sstable
// iterators: positioning over encoded keys with per-entry operation
// metadata.
type internalIterator interface {
	SeekToFirst()
	Seek(target keys.EncodedKey)
	Next()
	Valid() bool
	Key() keys.EncodedKey
	Value() []byte
	Op() keys.Operation
	Error() error
	Close() error
}

type heapEntry struct {
	iter internalIterator
	key  keys.EncodedKey
	// priority breaks ties between sources; lower is newer. Encoded
	// keys are unique across a healthy database, so this only matters
	// if an invariant is already broken.
	priority int
}

type mergeHeap []*heapEntry

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	if c := h[i].key.Compare(h[j].key); c != 0 {
		return c < 0
	}
	return h[i].priority < h[j].priority
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x any) { *h = append(*h, x.(*heapEntry)) }

func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// mergeIterator merges source iterators into one encoded key ordered
// stream. Sources must be supplied newest first.
//
// In allVersions mode every entry comes through, tombstones included;
// flush and compaction consume this form. Otherwise the stream is
// collapsed to the newest version of each user key visible at the
// snapshot timestamp, still surfacing tombstones so the consumer can
// hide deleted keys.
type mergeIterator struct {
	entries     []*heapEntry
	h           mergeHeap
	cur         *heapEntry
	snapshot    uint64
	allVersions bool

	lastUser []byte
	err      error
	closed   bool
}

func newMergeIterator(iters []internalIterator, snapshot uint64, allVersions bool) *mergeIterator {
	entries := make([]*heapEntry, len(iters))
	for i, it := range iters {
		entries[i] = &heapEntry{iter: it, priority: i}
	}
	return &mergeIterator{
		entries:     entries,
		snapshot:    snapshot,
		allVersions: allVersions,
	}
}

// rebuild refills the heap from every valid source.
func (m *mergeIterator) rebuild() {
	m.h = m.h[:0]
	for _, e := range m.entries {
		if e.iter.Valid() {
			e.key = e.iter.Key()
			m.h = append(m.h, e)
		} else if err := e.iter.Error(); err != nil && m.err == nil {
			m.err = err
		}
	}
	heap.Init(&m.h)
	m.cur = nil
	m.popCurrent()
	m.skipInvisible()
}

func (m *mergeIterator) popCurrent() {
	if len(m.h) == 0 {
		m.cur = nil
		return
	}
	m.cur = heap.Pop(&m.h).(*heapEntry)
}

// advanceCurrent moves the current source forward and re-queues it.
func (m *mergeIterator) advanceCurrent() {
	e := m.cur
	e.iter.Next()
	if e.iter.Valid() {
		e.key = e.iter.Key()
		heap.Push(&m.h, e)
	} else if err := e.iter.Error(); err != nil && m.err == nil {
		m.err = err
	}
	m.popCurrent()
}

// skipInvisible advances past entries hidden by the snapshot or
// shadowed by a newer version of the same user key.
func (m *mergeIterator) skipInvisible() {
	if m.allVersions {
		return
	}
	for m.cur != nil {
		if m.cur.key.Timestamp() > m.snapshot {
			m.advanceCurrent()
			continue
		}
		userKey := m.cur.key.UserKey()
		if m.lastUser != nil && userKey.Compare(keys.UserKey(m.lastUser)) == 0 {
			m.advanceCurrent()
			continue
		}
		m.lastUser = append(m.lastUser[:0], userKey...)
		return
	}
}

func (m *mergeIterator) SeekToFirst() {
	m.lastUser = nil
	for _, e := range m.entries {
		e.iter.SeekToFirst()
	}
	m.rebuild()
}

func (m *mergeIterator) Seek(target keys.EncodedKey) {
	m.lastUser = nil
	for _, e := range m.entries {
		e.iter.Seek(target)
	}
	m.rebuild()
}

func (m *mergeIterator) Next() {
	if m.cur == nil {
		return
	}
	m.advanceCurrent()
	m.skipInvisible()
}

func (m *mergeIterator) Valid() bool {
	return m.cur != nil
}

func (m *mergeIterator) Key() keys.EncodedKey {
	if m.cur == nil {
		return nil
	}
	return m.cur.key
}

func (m *mergeIterator) Value() []byte {
	if m.cur == nil {
		return nil
	}
	return m.cur.iter.Value()
}

func (m *mergeIterator) Op() keys.Operation {
	if m.cur == nil {
		return 0
	}
	return m.cur.iter.Op()
}

func (m *mergeIterator) Error() error {
	return m.err
}

func (m *mergeIterator) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	var firstErr error
	for _, e := range m.entries {
		if err := e.iter.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
