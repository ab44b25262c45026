package ferrisdb

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tanyatarun18/ferrisdb-go/keys"
)

// TableMeta describes one SSTable. The key range and counts come from
// the writer and are persisted in the manifest so tables never need
// reopening just to learn their bounds.
type TableMeta struct {
	FileNum       uint64
	Size          uint64
	Smallest      keys.EncodedKey
	Largest       keys.EncodedKey
	MaxTimestamp  uint64
	NumEntries    uint64
	NumTombstones uint64
}

// ContainsUserKey reports whether uk falls inside the table's key
// range.
func (m *TableMeta) ContainsUserKey(uk keys.UserKey) bool {
	return m.Smallest.UserKey().Compare(uk) <= 0 && m.Largest.UserKey().Compare(uk) >= 0
}

// OverlapsRange reports whether the table's user key range intersects
// r.
func (m *TableMeta) OverlapsRange(r *keys.Range) bool {
	if r == nil {
		return true
	}
	if r.Limit != nil && m.Smallest.UserKey().Compare(r.Limit) >= 0 {
		return false
	}
	if r.Start != nil && m.Largest.UserKey().Compare(r.Start) < 0 {
		return false
	}
	return true
}

func (m *TableMeta) String() string {
	return fmt.Sprintf("table %06d [%s, %s] %d entries", m.FileNum, m.Smallest, m.Largest, m.NumEntries)
}

// Version is an immutable snapshot of the table list, ordered newest
// first. Reads walk it front to back so a newer table always wins for
// overlapping keys. Versions are copy-on-write: flush and compaction
// build a new one and swap the pointer.
type Version struct {
	number uint64
	tables []*TableMeta
}

// Tables returns the table list, newest first. Callers must not
// modify it.
func (v *Version) Tables() []*TableMeta {
	return v.tables
}

// Number returns the version's sequence number.
func (v *Version) Number() uint64 {
	return v.number
}

// NumTables returns how many tables the version references.
func (v *Version) NumTables() int {
	return len(v.tables)
}

// TotalSize sums the referenced table sizes in bytes.
func (v *Version) TotalSize() uint64 {
	var total uint64
	for _, t := range v.tables {
		total += t.Size
	}
	return total
}

// VersionSet owns the current version pointer, the file number
// counter and the manifest. All structural changes to the table list
// funnel through Apply, which persists before publishing.
type VersionSet struct {
	mu          sync.Mutex
	current     atomic.Pointer[Version]
	nextFileNum atomic.Uint64
	manifest    *manifest
}

// newVersionSet recovers the table list from the newest manifest in
// dir, or starts empty when none exists.
func newVersionSet(dir string, maxManifestSize int64) (*VersionSet, error) {
	m, recovered, err := openManifest(dir, maxManifestSize)
	if err != nil {
		return nil, err
	}

	vs := &VersionSet{manifest: m}
	v := &Version{}
	nextFileNum := uint64(1)
	if recovered != nil {
		v.number = recovered.versionNumber
		v.tables = recovered.tables
		nextFileNum = recovered.nextFileNum
	}
	vs.current.Store(v)
	vs.nextFileNum.Store(nextFileNum)
	return vs, nil
}

// Current returns the published version. The caller must hold an
// epoch while using it.
func (vs *VersionSet) Current() *Version {
	return vs.current.Load()
}

// NewFileNum allocates a file number shared across tables, log
// segments and manifests.
func (vs *VersionSet) NewFileNum() uint64 {
	return vs.nextFileNum.Add(1)
}

// EnsureFileNum raises the counter past n. Used during recovery so
// numbers seen on disk are never reissued.
func (vs *VersionSet) EnsureFileNum(n uint64) {
	for {
		cur := vs.nextFileNum.Load()
		if cur >= n {
			return
		}
		if vs.nextFileNum.CompareAndSwap(cur, n) {
			return
		}
	}
}

// Update atomically transforms the current table list. edit receives
// the published list (newest first) and returns the replacement; it
// runs under the version mutex so concurrent flush and compaction
// cannot lose each other's changes. The manifest write happens before
// the pointer swap, so a crash can lose at worst the newest version,
// never reference missing tables.
func (vs *VersionSet) Update(edit func(tables []*TableMeta) ([]*TableMeta, error)) (*Version, error) {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	cur := vs.Current()
	tables, err := edit(cur.tables)
	if err != nil {
		return nil, err
	}

	next := &Version{
		number: cur.number + 1,
		tables: tables,
	}
	state := &manifestState{
		versionNumber: next.number,
		nextFileNum:   vs.nextFileNum.Load(),
		tables:        tables,
	}
	if err := vs.manifest.writeSnapshot(state); err != nil {
		return nil, fmt.Errorf("manifest write: %w", err)
	}
	vs.current.Store(next)
	return next, nil
}

// Close closes the manifest.
func (vs *VersionSet) Close() error {
	return vs.manifest.close()
}
