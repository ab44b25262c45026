package ferrisdb

import (
	"container/list"
	"encoding/binary"
	"hash/fnv"
	"log/slog"
	"runtime"
	"sync"

	"github.com/tanyatarun18/ferrisdb-go/epoch"
	"github.com/tanyatarun18/ferrisdb-go/sstable"
)

// FileCache is a sharded LRU of open table readers, bounding file
// descriptors without reopening tables on every read. Evicted and
// deleted readers are closed through the epoch manager so in-flight
// reads holding them never race with the close.
type FileCache struct {
	shards []*fileCacheShard
	epochs *epoch.Manager
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

type fileCacheShard struct {
	mu       sync.Mutex
	capacity int
	cache    map[uint64]*fileCacheEntry
	lru      *list.List
}

type fileCacheEntry struct {
	fileNum uint64
	reader  *sstable.Reader
	element *list.Element
}

// NewFileCache creates a cache holding up to capacity open readers,
// sharded to reduce lock contention.
func NewFileCache(capacity int, epochs *epoch.Manager, logger *slog.Logger) *FileCache {
	if logger == nil {
		logger = slog.Default()
	}
	numShards := max(4, 4*runtime.GOMAXPROCS(0))
	numShards = min(numShards, max(capacity, 1))

	fc := &FileCache{
		shards: make([]*fileCacheShard, numShards),
		epochs: epochs,
		logger: logger,
	}
	for i := range fc.shards {
		fc.shards[i] = &fileCacheShard{
			capacity: max(1, capacity/numShards),
			cache:    make(map[uint64]*fileCacheEntry),
			lru:      list.New(),
		}
	}
	return fc
}

func (fc *FileCache) getShard(fileNum uint64) *fileCacheShard {
	h := fnv.New64a()
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], fileNum)
	h.Write(b[:])
	return fc.shards[h.Sum64()%uint64(len(fc.shards))]
}

// Get returns an open reader for the table, opening and caching it on
// miss. The caller must be inside an epoch; the returned reader stays
// usable for the duration of that epoch even if evicted concurrently.
func (fc *FileCache) Get(fileNum uint64, path string) (*sstable.Reader, error) {
	fc.mu.RLock()
	if fc.closed {
		fc.mu.RUnlock()
		return nil, ErrDBClosed
	}
	shard := fc.getShard(fileNum)
	fc.mu.RUnlock()

	shard.mu.Lock()
	defer shard.mu.Unlock()

	if entry, ok := shard.cache[fileNum]; ok {
		shard.lru.MoveToFront(entry.element)
		return entry.reader, nil
	}

	reader, err := sstable.NewReader(path)
	if err != nil {
		fc.logger.Error("failed to open sstable", "file_num", fileNum, "path", path, "error", err)
		return nil, err
	}

	entry := &fileCacheEntry{fileNum: fileNum, reader: reader}
	entry.element = shard.lru.PushFront(entry)
	shard.cache[fileNum] = entry

	for shard.lru.Len() > shard.capacity {
		oldest := shard.lru.Back()
		if oldest == nil {
			break
		}
		fc.dropLocked(shard, oldest.Value.(*fileCacheEntry))
	}
	return reader, nil
}

// dropLocked removes an entry and retires its reader. Caller holds
// the shard mutex.
func (fc *FileCache) dropLocked(shard *fileCacheShard, entry *fileCacheEntry) {
	shard.lru.Remove(entry.element)
	delete(shard.cache, entry.fileNum)
	reader := entry.reader
	if fc.epochs != nil {
		fc.epochs.Retire(reader.Path(), reader.Close)
	} else {
		if err := reader.Close(); err != nil {
			fc.logger.Warn("close evicted sstable reader", "error", err)
		}
	}
}

// Evict removes a deleted table's reader from the cache.
func (fc *FileCache) Evict(fileNum uint64) {
	fc.mu.RLock()
	if fc.closed {
		fc.mu.RUnlock()
		return
	}
	shard := fc.getShard(fileNum)
	fc.mu.RUnlock()

	shard.mu.Lock()
	defer shard.mu.Unlock()
	if entry, ok := shard.cache[fileNum]; ok {
		fc.dropLocked(shard, entry)
	}
}

// Close evicts everything and rejects further use.
func (fc *FileCache) Close() error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.closed {
		return nil
	}
	fc.closed = true

	for _, shard := range fc.shards {
		shard.mu.Lock()
		for _, entry := range shard.cache {
			shard.lru.Remove(entry.element)
			if err := entry.reader.Close(); err != nil {
				fc.logger.Warn("close sstable reader", "error", err)
			}
		}
		shard.cache = make(map[uint64]*fileCacheEntry)
		shard.mu.Unlock()
	}
	return nil
}

// Len returns the number of cached readers. Used by tests and stats.
func (fc *FileCache) Len() int {
	n := 0
	for _, shard := range fc.shards {
		shard.mu.Lock()
		n += len(shard.cache)
		shard.mu.Unlock()
	}
	return n
}
