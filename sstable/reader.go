package sstable

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"sort"

	"github.com/tanyatarun18/ferrisdb-go/bufferpool"
	"github.com/tanyatarun18/ferrisdb-go/compression"
	"github.com/tanyatarun18/ferrisdb-go/keys"
)

// Reader serves lookups and scans from one table file. The index is
// loaded at open and stays resident; data blocks are read on demand.
// A Reader is safe for concurrent use.
type Reader struct {
	file    *os.File
	path    string
	size    int64
	version uint32
	index   []indexEntry
}

// NewReader opens a table and loads its index. The footer, format
// version and index checksum are validated up front so a damaged
// table fails at open rather than mid-query.
func NewReader(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r := &Reader{file: file, path: path}
	if err := r.init(); err != nil {
		file.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) init() error {
	info, err := r.file.Stat()
	if err != nil {
		return err
	}
	r.size = info.Size()
	if r.size < footerSize {
		return fmt.Errorf("%w: table %s shorter than footer", keys.ErrCorruption, r.path)
	}

	var footer [footerSize]byte
	if _, err := r.file.ReadAt(footer[:], r.size-footerSize); err != nil {
		return err
	}
	if string(footer[16:24]) != string(magic[:]) {
		return fmt.Errorf("%w: table %s has bad magic", keys.ErrCorruption, r.path)
	}
	indexOffset := binary.LittleEndian.Uint64(footer[0:])
	indexSize := binary.LittleEndian.Uint32(footer[8:])
	r.version = binary.LittleEndian.Uint32(footer[12:])
	if r.version != FormatV1 && r.version != FormatV2 {
		return fmt.Errorf("%w: table %s has unsupported format version %d", keys.ErrCorruption, r.path, r.version)
	}
	if indexOffset+uint64(indexSize) > uint64(r.size-footerSize) {
		return fmt.Errorf("%w: table %s index out of bounds", keys.ErrCorruption, r.path)
	}

	return r.loadIndex(indexOffset, indexSize)
}

func (r *Reader) loadIndex(offset uint64, size uint32) error {
	if size < 8 {
		return fmt.Errorf("%w: table %s index truncated", keys.ErrCorruption, r.path)
	}
	buf := make([]byte, size)
	if _, err := r.file.ReadAt(buf, int64(offset)); err != nil {
		return err
	}

	count := binary.LittleEndian.Uint32(buf[0:])
	checksum := binary.LittleEndian.Uint32(buf[4:])
	payload := buf[8:]
	if crc32.ChecksumIEEE(payload) != checksum {
		return fmt.Errorf("%w: table %s index checksum mismatch", keys.ErrCorruption, r.path)
	}

	r.index = make([]indexEntry, 0, count)
	off := 0
	for i := uint32(0); i < count; i++ {
		if off+4 > len(payload) {
			return fmt.Errorf("%w: table %s index tuple %d truncated", keys.ErrCorruption, r.path, i)
		}
		keyLen := int(binary.LittleEndian.Uint32(payload[off:]))
		off += 4
		if off+keyLen+12 > len(payload) {
			return fmt.Errorf("%w: table %s index tuple %d truncated", keys.ErrCorruption, r.path, i)
		}
		firstKey := keys.EncodedKey(payload[off : off+keyLen])
		off += keyLen
		blockOffset := binary.LittleEndian.Uint64(payload[off:])
		off += 8
		blockSize := binary.LittleEndian.Uint32(payload[off:])
		off += 4

		if !firstKey.Valid() {
			return fmt.Errorf("%w: table %s index tuple %d has invalid key", keys.ErrCorruption, r.path, i)
		}
		r.index = append(r.index, indexEntry{
			firstKey: firstKey,
			offset:   blockOffset,
			size:     blockSize,
		})
	}
	if off != len(payload) {
		return fmt.Errorf("%w: table %s index has trailing bytes", keys.ErrCorruption, r.path)
	}
	return nil
}

// Path returns the table's file path.
func (r *Reader) Path() string { return r.path }

// NumBlocks returns the number of data blocks.
func (r *Reader) NumBlocks() int { return len(r.index) }

// readBlock loads, verifies and parses the data block at index i.
func (r *Reader) readBlock(i int) (*block, error) {
	ie := r.index[i]
	raw := bufferpool.GetBuffer(int(ie.size))
	defer bufferpool.PutBuffer(raw)
	if _, err := r.file.ReadAt(raw, int64(ie.offset)); err != nil {
		return nil, err
	}

	hdrLen := blockHeaderSize
	if r.version >= FormatV2 {
		hdrLen++
	}
	if len(raw) < hdrLen {
		return nil, fmt.Errorf("%w: table %s block %d truncated", keys.ErrCorruption, r.path, i)
	}

	storedLen := int(binary.LittleEndian.Uint32(raw[0:]))
	count := int(binary.LittleEndian.Uint32(raw[4:]))
	checksum := binary.LittleEndian.Uint32(raw[8:])
	if hdrLen+storedLen != len(raw) {
		return nil, fmt.Errorf("%w: table %s block %d size mismatch", keys.ErrCorruption, r.path, i)
	}
	stored := raw[hdrLen:]
	if crc32.ChecksumIEEE(stored) != checksum {
		return nil, fmt.Errorf("%w: table %s block %d checksum mismatch", keys.ErrCorruption, r.path, i)
	}

	var payload []byte
	if r.version >= FormatV2 {
		decoded, err := compression.DecompressBlock(nil, stored, raw[blockHeaderSize])
		if err != nil {
			return nil, fmt.Errorf("%w: table %s block %d: %v", keys.ErrCorruption, r.path, i, err)
		}
		payload = decoded
	} else {
		payload = make([]byte, len(stored))
		copy(payload, stored)
	}

	return parseBlock(payload, count)
}

// findBlock returns the index of the block that could contain the
// first entry >= target, or -1 when target sorts before the table.
func (r *Reader) findBlock(target keys.EncodedKey) int {
	// First block whose first key is past the target; the candidate
	// is the one before it.
	i := sort.Search(len(r.index), func(i int) bool {
		return r.index[i].firstKey.Compare(target) > 0
	})
	return i - 1
}

// Get returns the newest version of userKey visible at snapshot ts.
// found distinguishes a tombstone from absence: a tombstone returns
// op == OpDelete with found == true.
func (r *Reader) Get(userKey keys.UserKey, ts uint64) (value []byte, op keys.Operation, found bool, err error) {
	if len(r.index) == 0 {
		return nil, 0, false, nil
	}
	query := keys.NewQueryKey(userKey, ts)

	bi := r.findBlock(query)
	if bi >= 0 {
		value, op, found, err = r.getFromBlock(bi, query, userKey)
		if err != nil || found {
			return value, op, found, err
		}
	}
	// The match can start in the next block when the version chain
	// crosses a block boundary or the query sorts before the table's
	// first key of the same user key.
	next := bi + 1
	if next < len(r.index) && r.index[next].firstKey.UserKey().Compare(userKey) == 0 {
		return r.getFromBlock(next, query, userKey)
	}
	return nil, 0, false, nil
}

func (r *Reader) getFromBlock(bi int, query keys.EncodedKey, userKey keys.UserKey) ([]byte, keys.Operation, bool, error) {
	blk, err := r.readBlock(bi)
	if err != nil {
		return nil, 0, false, err
	}
	i := blk.searchGE(query)
	if i >= blk.numEntries() || blk.userKeyAt(i).Compare(userKey) != 0 {
		return nil, 0, false, nil
	}
	value := make([]byte, len(blk.valueAt(i)))
	copy(value, blk.valueAt(i))
	return value, blk.opAt(i), true, nil
}

// Close releases the file handle.
func (r *Reader) Close() error {
	return r.file.Close()
}
