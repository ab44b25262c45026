// Package sstable reads and writes the immutable on-disk table
// format. A table is a sequence of data blocks, an index block and a
// fixed-size footer:
//
//	data block:  block_size(4) | entry_count(4) | checksum(4) | [codec(1)] | entries
//	entry:       key_len(4) | value_len(4) | op(1) | timestamp(8) | key | value
//	index block: entry_count(4) | checksum(4) | tuples
//	tuple:       key_len(4) | first_key | offset(8) | size(4)
//	footer:      index_offset(8) | index_size(4) | version(4) | magic(8)
//
// All integers are little-endian and every checksum is CRC32 (IEEE
// polynomial) over the bytes that follow it in the block. Format
// version 1 stores blocks raw. Version 2 inserts a one-byte codec tag
// after the block checksum and may store the entry payload compressed.
// Index tuples carry the encoded first key of each block so the
// two-level binary search works directly on encoded keys.
package sstable

import (
	"fmt"
	"path/filepath"
)

const (
	// FormatV1 is the baseline format with raw blocks.
	FormatV1 uint32 = 1
	// FormatV2 adds a per-block compression tag.
	FormatV2 uint32 = 2
)

const (
	// DefaultBlockSize is the target payload size of a data block.
	DefaultBlockSize = 4096

	// blockHeaderSize covers block_size, entry_count and checksum.
	blockHeaderSize = 4 + 4 + 4

	// entryHeaderSize covers key_len, value_len, op and timestamp.
	entryHeaderSize = 4 + 4 + 1 + 8

	// footerSize covers index_offset, index_size, version and magic.
	footerSize = 8 + 4 + 4 + 8
)

// magic identifies table files. It is the final 8 bytes of every
// table.
var magic = [8]byte{'F', 'D', 'B', 'T', 'B', 'L', '0', '1'}

// TablePath returns the file path for a table number.
func TablePath(dir string, fileNum uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%06d.sst", fileNum))
}
