package ferrisdb

import (
	"fmt"
	"log/slog"
	"math/bits"
	"os"
	"sync/atomic"

	"github.com/tanyatarun18/ferrisdb-go/keys"
	"github.com/tanyatarun18/ferrisdb-go/sstable"
)

// Size-tiered compaction. Tables are binned into buckets by
// power-of-two size; once a contiguous run (in recency order) of
// CompactionTrigger similar-sized tables exists, the run is merged
// into one larger table that takes the run's place in the recency
// order. Merging only adjacent-in-recency tables preserves the
// invariant that a newer table always shadows an older one for
// overlapping keys.

// compaction describes one unit of work: a contiguous slice
// [start, end] of the picked version's table list.
type compaction struct {
	version *Version
	start   int
	end     int
	inputs  []*TableMeta
}

func (c *compaction) inputBytes() uint64 {
	var total uint64
	for _, t := range c.inputs {
		total += t.Size
	}
	return total
}

// CompactionStats counts background work since open.
type CompactionStats struct {
	Compactions       uint64
	TablesCompacted   uint64
	BytesCompacted    uint64
	TombstonesDropped uint64
}

// CompactionManager runs compactions on a single background
// goroutine. Trigger is cheap and coalescing: any number of calls
// while a pass is running result in exactly one more pass.
type CompactionManager struct {
	db     *DB
	logger *slog.Logger

	wakeup  chan struct{}
	closing chan struct{}
	done    chan struct{}

	compactions       atomic.Uint64
	tablesCompacted   atomic.Uint64
	bytesCompacted    atomic.Uint64
	tombstonesDropped atomic.Uint64
}

func newCompactionManager(db *DB) *CompactionManager {
	return &CompactionManager{
		db:      db,
		logger:  db.logger,
		wakeup:  make(chan struct{}, 1),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (cm *CompactionManager) start() {
	go cm.worker()
}

// Trigger requests a compaction pass without blocking.
func (cm *CompactionManager) Trigger() {
	select {
	case cm.wakeup <- struct{}{}:
	default:
	}
}

// Close stops the worker after any in-flight compaction finishes.
func (cm *CompactionManager) Close() {
	close(cm.closing)
	<-cm.done
}

// Stats returns work counters.
func (cm *CompactionManager) Stats() CompactionStats {
	return CompactionStats{
		Compactions:       cm.compactions.Load(),
		TablesCompacted:   cm.tablesCompacted.Load(),
		BytesCompacted:    cm.bytesCompacted.Load(),
		TombstonesDropped: cm.tombstonesDropped.Load(),
	}
}

func (cm *CompactionManager) worker() {
	defer close(cm.done)
	for {
		select {
		case <-cm.closing:
			return
		case <-cm.wakeup:
		}

		for {
			select {
			case <-cm.closing:
				return
			default:
			}

			c := cm.pickCompaction(cm.db.versions.Current())
			if c == nil {
				break
			}
			if err := cm.runCompaction(c); err != nil {
				cm.logger.Error("compaction failed", "error", err)
				break
			}
		}
		cm.db.epochs.TryCleanup()
	}
}

// bucketFor bins a table size into a power-of-two bucket relative to
// the flush size, so freshly flushed tables share bucket 0 and each
// merge result lands roughly one bucket up.
func (cm *CompactionManager) bucketFor(size uint64) int {
	base := uint64(cm.db.opts.WriteBufferSize) / 2
	if base == 0 {
		base = 1
	}
	if size <= base {
		return 0
	}
	return bits.Len64(size/base) - 1
}

// pickCompaction finds the longest contiguous run of same-bucket
// tables of at least CompactionTrigger length. Ties prefer the older
// run to drain accumulated data first. The run is capped at
// MaxMergeWidth, keeping its oldest tables so the merged output can
// take their place at the old end of the run.
func (cm *CompactionManager) pickCompaction(v *Version) *compaction {
	tables := v.Tables()
	if len(tables) < cm.db.opts.CompactionTrigger {
		return nil
	}

	bestStart, bestLen := -1, 0
	runStart := 0
	for i := 1; i <= len(tables); i++ {
		if i < len(tables) && cm.bucketFor(tables[i].Size) == cm.bucketFor(tables[runStart].Size) {
			continue
		}
		if runLen := i - runStart; runLen >= cm.db.opts.CompactionTrigger && runLen >= bestLen {
			bestStart, bestLen = runStart, runLen
		}
		runStart = i
	}
	if bestStart < 0 {
		return nil
	}

	start, end := bestStart, bestStart+bestLen-1
	if width := cm.db.opts.MaxMergeWidth; bestLen > width {
		start = end - width + 1
	}
	return &compaction{
		version: v,
		start:   start,
		end:     end,
		inputs:  tables[start : end+1],
	}
}

// tombstoneNeeded reports whether any table older than the
// compaction's inputs could still hold a version of userKey. When
// none can, the tombstone has nothing left to hide and is dropped.
func (cm *CompactionManager) tombstoneNeeded(c *compaction, userKey keys.UserKey) bool {
	for _, t := range c.version.Tables()[c.end+1:] {
		if t.ContainsUserKey(userKey) {
			return true
		}
	}
	return false
}

// runCompaction merges the input run into one or more output tables
// and publishes the new table list. Input files are deleted through
// the epoch manager once no reader can still hold them.
func (cm *CompactionManager) runCompaction(c *compaction) error {
	db := cm.db
	cm.logger.Info("compaction starting",
		"inputs", len(c.inputs),
		"bytes", c.inputBytes(),
		"newest", c.inputs[0].FileNum,
		"oldest", c.inputs[len(c.inputs)-1].FileNum)

	e := db.epochs.Enter()
	defer db.epochs.Exit(e)

	iters := make([]internalIterator, 0, len(c.inputs))
	for _, t := range c.inputs {
		r, err := db.fileCache.Get(t.FileNum, sstable.TablePath(db.path, t.FileNum))
		if err != nil {
			return fmt.Errorf("open input table %d: %w", t.FileNum, err)
		}
		iters = append(iters, r.NewIterator(nil))
	}
	merged := newMergeIterator(iters, 0, true)
	defer merged.Close()

	outputs, err := cm.writeOutputs(c, merged)
	if err != nil {
		for _, o := range outputs {
			os.Remove(sstable.TablePath(db.path, o.FileNum))
		}
		return err
	}

	// Splice the outputs into the table list where the inputs were.
	// Flushes may have prepended tables since the pick; locate the
	// run by file number.
	_, err = db.versions.Update(func(tables []*TableMeta) ([]*TableMeta, error) {
		start := -1
		for i, t := range tables {
			if t.FileNum == c.inputs[0].FileNum {
				start = i
				break
			}
		}
		if start < 0 || start+len(c.inputs) > len(tables) {
			return nil, fmt.Errorf("compaction inputs vanished from table list")
		}
		for i, in := range c.inputs {
			if tables[start+i].FileNum != in.FileNum {
				return nil, fmt.Errorf("compaction inputs no longer contiguous")
			}
		}
		next := make([]*TableMeta, 0, len(tables)-len(c.inputs)+len(outputs))
		next = append(next, tables[:start]...)
		next = append(next, outputs...)
		next = append(next, tables[start+len(c.inputs):]...)
		return next, nil
	})
	if err != nil {
		for _, o := range outputs {
			os.Remove(sstable.TablePath(db.path, o.FileNum))
		}
		return err
	}

	// Old files go away once concurrent readers age out.
	for _, t := range c.inputs {
		path := sstable.TablePath(db.path, t.FileNum)
		fileNum := t.FileNum
		db.fileCache.Evict(fileNum)
		db.epochs.Retire(path, func() error {
			return os.Remove(path)
		})
	}
	db.epochs.Advance()

	cm.compactions.Add(1)
	cm.tablesCompacted.Add(uint64(len(c.inputs)))
	cm.bytesCompacted.Add(c.inputBytes())

	var outBytes uint64
	for _, o := range outputs {
		outBytes += o.Size
	}
	cm.logger.Info("compaction finished",
		"inputs", len(c.inputs),
		"outputs", len(outputs),
		"bytes_in", c.inputBytes(),
		"bytes_out", outBytes)

	db.signalWriters()
	return nil
}

// writeOutputs drains the merged stream keeping only the newest
// version of each user key, splitting output tables at
// MaxOutputFileSize.
func (cm *CompactionManager) writeOutputs(c *compaction, merged *mergeIterator) ([]*TableMeta, error) {
	db := cm.db
	var outputs []*TableMeta
	var w *sstable.Writer
	var fileNum uint64

	finishOutput := func() error {
		if w == nil {
			return nil
		}
		if w.NumEntries() == 0 {
			return w.Abandon()
		}
		if err := w.Finish(); err != nil {
			return err
		}
		tmpPath := w.Path()
		finalPath := sstable.TablePath(db.path, fileNum)
		if err := os.Rename(tmpPath, finalPath); err != nil {
			return err
		}
		outputs = append(outputs, &TableMeta{
			FileNum:       fileNum,
			Size:          w.EstimatedSize(),
			Smallest:      w.SmallestKey(),
			Largest:       w.LargestKey(),
			MaxTimestamp:  w.MaxTimestamp(),
			NumEntries:    w.NumEntries(),
			NumTombstones: w.NumTombstones(),
		})
		w = nil
		return nil
	}

	var lastUser []byte
	haveLast := false
	for merged.SeekToFirst(); merged.Valid(); merged.Next() {
		key := merged.Key()
		userKey := key.UserKey()

		// Only the newest version of each user key survives the
		// merge; everything behind it in the stream is shadowed.
		if haveLast && userKey.Compare(keys.UserKey(lastUser)) == 0 {
			continue
		}
		lastUser = append(lastUser[:0], userKey...)
		haveLast = true

		if merged.Op() == keys.OpDelete && !cm.tombstoneNeeded(c, userKey) {
			cm.tombstonesDropped.Add(1)
			continue
		}

		if w == nil {
			fileNum = db.versions.NewFileNum()
			var err error
			w, err = sstable.NewWriter(sstable.WriterOpts{
				Path:        sstable.TablePath(db.path, fileNum) + ".tmp",
				BlockSize:   db.opts.BlockSize,
				Compression: db.opts.Compression,
			})
			if err != nil {
				return outputs, err
			}
		}
		if err := w.Add(key, merged.Op(), merged.Value()); err != nil {
			w.Abandon()
			return outputs, err
		}

		if db.opts.MaxOutputFileSize > 0 && int64(w.EstimatedSize()) >= db.opts.MaxOutputFileSize {
			if err := finishOutput(); err != nil {
				return outputs, err
			}
		}
	}
	if err := merged.Error(); err != nil {
		if w != nil {
			w.Abandon()
		}
		return outputs, err
	}
	if err := finishOutput(); err != nil {
		return outputs, err
	}
	if err := syncDir(db.path); err != nil {
		return outputs, err
	}
	return outputs, nil
}
