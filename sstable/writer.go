package sstable

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"

	"github.com/tanyatarun18/ferrisdb-go/compression"
	"github.com/tanyatarun18/ferrisdb-go/keys"
)

// WriterOpts configures table construction.
type WriterOpts struct {
	Path      string
	BlockSize int
	// Compression selects the block codec. compression.None produces
	// a version 1 table; anything else produces version 2.
	Compression compression.Config
}

type indexEntry struct {
	firstKey keys.EncodedKey
	offset   uint64
	size     uint32
}

// Writer builds one table from entries supplied in strictly ascending
// encoded key order.
type Writer struct {
	path      string
	file      *os.File
	w         *bufio.Writer
	block     *blockBuilder
	blockSize int
	index     []indexEntry
	offset    uint64
	version   uint32

	compressor  compression.Compressor
	compressBuf []byte

	lastKey       keys.EncodedKey
	smallest      keys.EncodedKey
	largest       keys.EncodedKey
	maxTimestamp  uint64
	numEntries    uint64
	numTombstones uint64

	finished bool
}

// NewWriter creates the table file at opts.Path. Callers typically
// point it at a temporary name and rename into place after Finish.
func NewWriter(opts WriterOpts) (*Writer, error) {
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}

	version := FormatV1
	var compressor compression.Compressor
	if opts.Compression.Type != compression.None {
		var err error
		compressor, err = compression.NewCompressor(opts.Compression)
		if err != nil {
			return nil, err
		}
		version = FormatV2
	}

	file, err := os.OpenFile(opts.Path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}

	return &Writer{
		path:       opts.Path,
		file:       file,
		w:          bufio.NewWriter(file),
		block:      newBlockBuilder(opts.BlockSize + 512),
		blockSize:  opts.BlockSize,
		version:    version,
		compressor: compressor,
	}, nil
}

// Add appends one entry. Keys must arrive in strictly ascending
// encoded key order; a violation fails the whole table.
func (w *Writer) Add(key keys.EncodedKey, op keys.Operation, value []byte) error {
	if w.finished {
		return fmt.Errorf("sstable: writer already finished")
	}
	if w.lastKey != nil && key.Compare(w.lastKey) <= 0 {
		return fmt.Errorf("%w: %s does not follow %s", keys.ErrOrderingViolation, key, w.lastKey)
	}

	w.block.add(key, op, value)
	w.lastKey = key.Clone()
	if w.smallest == nil {
		w.smallest = w.lastKey
	}
	w.largest = w.lastKey
	if ts := key.Timestamp(); ts > w.maxTimestamp {
		w.maxTimestamp = ts
	}
	w.numEntries++
	if op == keys.OpDelete {
		w.numTombstones++
	}

	if w.block.size() >= w.blockSize {
		return w.flushBlock()
	}
	return nil
}

// flushBlock writes the pending block and records its index entry.
func (w *Writer) flushBlock() error {
	if w.block.empty() {
		return nil
	}

	payload := w.block.finish()
	stored := payload
	codec := compression.BlockNone
	if w.version >= FormatV2 {
		var err error
		stored, codec, err = compression.CompressBlock(w.compressor, w.compressBuf[:0], payload)
		if err != nil {
			return fmt.Errorf("sstable: compress block: %w", err)
		}
		w.compressBuf = stored
	}

	var hdr [blockHeaderSize + 1]byte
	binary.LittleEndian.PutUint32(hdr[0:], uint32(len(stored)))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(w.block.count))
	binary.LittleEndian.PutUint32(hdr[8:], crc32.ChecksumIEEE(stored))
	hdrLen := blockHeaderSize
	if w.version >= FormatV2 {
		hdr[blockHeaderSize] = codec
		hdrLen++
	}

	if _, err := w.w.Write(hdr[:hdrLen]); err != nil {
		return err
	}
	if _, err := w.w.Write(stored); err != nil {
		return err
	}

	total := uint32(hdrLen + len(stored))
	w.index = append(w.index, indexEntry{
		firstKey: w.block.firstKey,
		offset:   w.offset,
		size:     total,
	})
	w.offset += uint64(total)
	w.block.reset()
	return nil
}

// Finish flushes remaining data, writes the index and footer, and
// syncs the file. The writer is unusable afterwards.
func (w *Writer) Finish() error {
	if w.finished {
		return nil
	}
	w.finished = true

	if err := w.flushBlock(); err != nil {
		return err
	}

	indexOffset := w.offset
	indexPayload := w.encodeIndex()

	var indexHdr [8]byte
	binary.LittleEndian.PutUint32(indexHdr[0:], uint32(len(w.index)))
	binary.LittleEndian.PutUint32(indexHdr[4:], crc32.ChecksumIEEE(indexPayload))
	if _, err := w.w.Write(indexHdr[:]); err != nil {
		return err
	}
	if _, err := w.w.Write(indexPayload); err != nil {
		return err
	}
	indexSize := uint32(len(indexHdr) + len(indexPayload))
	w.offset += uint64(indexSize)

	var footer [footerSize]byte
	binary.LittleEndian.PutUint64(footer[0:], indexOffset)
	binary.LittleEndian.PutUint32(footer[8:], indexSize)
	binary.LittleEndian.PutUint32(footer[12:], w.version)
	copy(footer[16:], magic[:])
	if _, err := w.w.Write(footer[:]); err != nil {
		return err
	}
	w.offset += footerSize

	if err := w.w.Flush(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	return w.file.Close()
}

func (w *Writer) encodeIndex() []byte {
	size := 0
	for _, e := range w.index {
		size += 4 + len(e.firstKey) + 8 + 4
	}
	buf := make([]byte, 0, size)
	var scratch [8]byte
	for _, e := range w.index {
		binary.LittleEndian.PutUint32(scratch[:4], uint32(len(e.firstKey)))
		buf = append(buf, scratch[:4]...)
		buf = append(buf, e.firstKey...)
		binary.LittleEndian.PutUint64(scratch[:8], e.offset)
		buf = append(buf, scratch[:8]...)
		binary.LittleEndian.PutUint32(scratch[:4], e.size)
		buf = append(buf, scratch[:4]...)
	}
	return buf
}

// Abandon closes and removes a partially written table after an
// error.
func (w *Writer) Abandon() error {
	w.finished = true
	if err := w.file.Close(); err != nil {
		os.Remove(w.path)
		return err
	}
	return os.Remove(w.path)
}

// Path returns the file being written.
func (w *Writer) Path() string { return w.path }

// EstimatedSize returns bytes written so far plus the pending block.
func (w *Writer) EstimatedSize() uint64 {
	return w.offset + uint64(w.block.size())
}

// NumEntries returns entries added so far.
func (w *Writer) NumEntries() uint64 { return w.numEntries }

// NumTombstones returns delete entries added so far.
func (w *Writer) NumTombstones() uint64 { return w.numTombstones }

// SmallestKey returns the first key added.
func (w *Writer) SmallestKey() keys.EncodedKey { return w.smallest }

// LargestKey returns the last key added.
func (w *Writer) LargestKey() keys.EncodedKey { return w.largest }

// MaxTimestamp returns the newest write timestamp added. Recovery uses
// it to restart the engine clock past everything already on disk.
func (w *Writer) MaxTimestamp() uint64 { return w.maxTimestamp }
