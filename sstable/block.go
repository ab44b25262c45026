package sstable

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/tanyatarun18/ferrisdb-go/keys"
)

// blockBuilder accumulates entries for one data block.
type blockBuilder struct {
	buf      []byte
	count    int
	firstKey keys.EncodedKey
}

func newBlockBuilder(capacity int) *blockBuilder {
	return &blockBuilder{buf: make([]byte, 0, capacity)}
}

// add appends one entry. The key is split into its user key and
// timestamp for storage.
func (b *blockBuilder) add(key keys.EncodedKey, op keys.Operation, value []byte) {
	if b.count == 0 {
		b.firstKey = key.Clone()
	}

	userKey := key.UserKey()
	var hdr [entryHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:], uint32(len(userKey)))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(len(value)))
	hdr[8] = uint8(op)
	binary.LittleEndian.PutUint64(hdr[9:], key.Timestamp())

	b.buf = append(b.buf, hdr[:]...)
	b.buf = append(b.buf, userKey...)
	b.buf = append(b.buf, value...)
	b.count++
}

func (b *blockBuilder) size() int {
	return len(b.buf)
}

func (b *blockBuilder) empty() bool {
	return b.count == 0
}

// finish returns the entry payload. The builder stays usable after
// reset.
func (b *blockBuilder) finish() []byte {
	return b.buf
}

func (b *blockBuilder) reset() {
	b.buf = b.buf[:0]
	b.count = 0
	b.firstKey = nil
}

// block is a parsed data block held in memory. offsets[i] is the start
// of entry i inside data, precomputed so lookups can binary search.
type block struct {
	data    []byte
	offsets []int
}

// parseBlock validates entry framing and records entry offsets.
func parseBlock(data []byte, count int) (*block, error) {
	b := &block{data: data, offsets: make([]int, 0, count)}
	off := 0
	for i := 0; i < count; i++ {
		if off+entryHeaderSize > len(data) {
			return nil, fmt.Errorf("%w: block entry %d header out of bounds", keys.ErrCorruption, i)
		}
		keyLen := int(binary.LittleEndian.Uint32(data[off:]))
		valueLen := int(binary.LittleEndian.Uint32(data[off+4:]))
		if op := keys.Operation(data[off+8]); !op.Valid() {
			return nil, fmt.Errorf("%w: block entry %d has invalid op", keys.ErrCorruption, i)
		}
		end := off + entryHeaderSize + keyLen + valueLen
		if keyLen < 0 || valueLen < 0 || end > len(data) {
			return nil, fmt.Errorf("%w: block entry %d data out of bounds", keys.ErrCorruption, i)
		}
		b.offsets = append(b.offsets, off)
		off = end
	}
	if off != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes after block entries", keys.ErrCorruption, len(data)-off)
	}
	return b, nil
}

func (b *block) numEntries() int {
	return len(b.offsets)
}

func (b *block) userKeyAt(i int) keys.UserKey {
	off := b.offsets[i]
	keyLen := int(binary.LittleEndian.Uint32(b.data[off:]))
	start := off + entryHeaderSize
	return keys.UserKey(b.data[start : start+keyLen])
}

func (b *block) timestampAt(i int) uint64 {
	return binary.LittleEndian.Uint64(b.data[b.offsets[i]+9:])
}

func (b *block) opAt(i int) keys.Operation {
	return keys.Operation(b.data[b.offsets[i]+8])
}

func (b *block) valueAt(i int) []byte {
	off := b.offsets[i]
	keyLen := int(binary.LittleEndian.Uint32(b.data[off:]))
	valueLen := int(binary.LittleEndian.Uint32(b.data[off+4:]))
	start := off + entryHeaderSize + keyLen
	return b.data[start : start+valueLen]
}

// compareAt orders entry i against a target encoded key: user key
// ascending, then timestamp descending, without materializing the
// entry's encoded key.
func (b *block) compareAt(i int, target keys.EncodedKey) int {
	if c := b.userKeyAt(i).Compare(target.UserKey()); c != 0 {
		return c
	}
	its, tts := b.timestampAt(i), target.Timestamp()
	switch {
	case its > tts:
		return -1
	case its < tts:
		return 1
	default:
		return 0
	}
}

// searchGE returns the index of the first entry >= target, or
// numEntries when every entry is smaller.
func (b *block) searchGE(target keys.EncodedKey) int {
	return sort.Search(len(b.offsets), func(i int) bool {
		return b.compareAt(i, target) >= 0
	})
}
