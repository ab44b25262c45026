package ferrisdb

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/tanyatarun18/ferrisdb-go/keys"
)

// The manifest records the engine's table list. Every Apply appends a
// full snapshot record rather than a delta: the table list is small
// (tens of entries), snapshots make recovery a single-record read,
// and a torn final record simply falls back to the previous snapshot.
//
// Record framing matches the WAL: length(4) | crc32(4) | payload,
// little-endian, checksum over the payload. The payload is:
//
//	version_number(8) | next_file_num(8) | table_count(4) | tables
//
// and each table entry is:
//
//	file_num(8) | size(8) | num_entries(8) | num_tombstones(8) |
//	max_timestamp(8) | smallest_len(4) | smallest |
//	largest_len(4) | largest

type manifestState struct {
	versionNumber uint64
	nextFileNum   uint64
	tables        []*TableMeta
}

type manifest struct {
	dir     string
	path    string
	fileNum uint64
	file    *os.File
	size    int64
	maxSize int64
}

func manifestPath(dir string, fileNum uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%06d.manifest", fileNum))
}

// openManifest finds the newest manifest in dir and replays it. With
// no usable manifest present a fresh one is created and nil state
// returned.
func openManifest(dir string, maxSize int64) (*manifest, *manifestState, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, err
	}

	var nums []uint64
	for _, e := range entries {
		var n uint64
		if _, err := fmt.Sscanf(e.Name(), "%d.manifest", &n); err == nil {
			nums = append(nums, n)
		}
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] > nums[j] })

	// Newest manifest with at least one valid snapshot wins. Older
	// ones only matter when the newest was created but never written.
	for _, n := range nums {
		path := manifestPath(dir, n)
		state, validSize, err := replayManifest(path)
		if err != nil {
			return nil, nil, err
		}
		if state == nil {
			continue
		}
		// Drop any torn tail so future appends stay readable.
		if err := os.Truncate(path, validSize); err != nil {
			return nil, nil, err
		}
		file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, err
		}
		m := &manifest{dir: dir, path: path, fileNum: n, file: file, size: validSize, maxSize: maxSize}
		return m, state, nil
	}

	m, err := createManifest(dir, 1, maxSize)
	if err != nil {
		return nil, nil, err
	}
	return m, nil, nil
}

func createManifest(dir string, fileNum uint64, maxSize int64) (*manifest, error) {
	path := manifestPath(dir, fileNum)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	return &manifest{dir: dir, path: path, fileNum: fileNum, file: file, maxSize: maxSize}, nil
}

// replayManifest returns the last valid snapshot in the file and the
// offset its record ends at, or a nil state when the file holds none.
// Corrupt or truncated tails are expected after a crash and silently
// end the replay.
func replayManifest(path string) (*manifestState, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	defer file.Close()

	var last *manifestState
	var offset, validSize int64
	for {
		var lenBuf [4]byte
		if _, err := file.ReadAt(lenBuf[:], offset); err != nil {
			break
		}
		payloadLen := binary.LittleEndian.Uint32(lenBuf[:])
		if payloadLen < 4 || payloadLen > 64*MiB {
			break
		}
		buf := make([]byte, payloadLen)
		if _, err := file.ReadAt(buf, offset+4); err != nil {
			break
		}
		stored := binary.LittleEndian.Uint32(buf[0:])
		if crc32.ChecksumIEEE(buf[4:]) != stored {
			break
		}
		state, err := decodeManifestState(buf[4:])
		if err != nil {
			break
		}
		last = state
		offset += 4 + int64(payloadLen)
		validSize = offset
	}
	return last, validSize, nil
}

func decodeManifestState(buf []byte) (*manifestState, error) {
	if len(buf) < 20 {
		return nil, io.ErrUnexpectedEOF
	}
	state := &manifestState{
		versionNumber: binary.LittleEndian.Uint64(buf[0:]),
		nextFileNum:   binary.LittleEndian.Uint64(buf[8:]),
	}
	count := int(binary.LittleEndian.Uint32(buf[16:]))
	off := 20

	readBytes := func(n int) ([]byte, error) {
		if n < 0 || off+n > len(buf) {
			return nil, io.ErrUnexpectedEOF
		}
		b := buf[off : off+n]
		off += n
		return b, nil
	}

	for i := 0; i < count; i++ {
		hdr, err := readBytes(40)
		if err != nil {
			return nil, err
		}
		meta := &TableMeta{
			FileNum:       binary.LittleEndian.Uint64(hdr[0:]),
			Size:          binary.LittleEndian.Uint64(hdr[8:]),
			NumEntries:    binary.LittleEndian.Uint64(hdr[16:]),
			NumTombstones: binary.LittleEndian.Uint64(hdr[24:]),
			MaxTimestamp:  binary.LittleEndian.Uint64(hdr[32:]),
		}

		lenBuf, err := readBytes(4)
		if err != nil {
			return nil, err
		}
		smallest, err := readBytes(int(binary.LittleEndian.Uint32(lenBuf)))
		if err != nil {
			return nil, err
		}
		meta.Smallest = keys.EncodedKey(smallest).Clone()

		lenBuf, err = readBytes(4)
		if err != nil {
			return nil, err
		}
		largest, err := readBytes(int(binary.LittleEndian.Uint32(lenBuf)))
		if err != nil {
			return nil, err
		}
		meta.Largest = keys.EncodedKey(largest).Clone()

		if !meta.Smallest.Valid() || !meta.Largest.Valid() {
			return nil, io.ErrUnexpectedEOF
		}
		state.tables = append(state.tables, meta)
	}
	if off != len(buf) {
		return nil, io.ErrUnexpectedEOF
	}
	return state, nil
}

func encodeManifestState(state *manifestState) []byte {
	size := 20
	for _, t := range state.tables {
		size += 40 + 4 + len(t.Smallest) + 4 + len(t.Largest)
	}
	buf := make([]byte, 0, size)
	var scratch [8]byte

	put64 := func(v uint64) {
		binary.LittleEndian.PutUint64(scratch[:8], v)
		buf = append(buf, scratch[:8]...)
	}
	put32 := func(v uint32) {
		binary.LittleEndian.PutUint32(scratch[:4], v)
		buf = append(buf, scratch[:4]...)
	}

	put64(state.versionNumber)
	put64(state.nextFileNum)
	put32(uint32(len(state.tables)))
	for _, t := range state.tables {
		put64(t.FileNum)
		put64(t.Size)
		put64(t.NumEntries)
		put64(t.NumTombstones)
		put64(t.MaxTimestamp)
		put32(uint32(len(t.Smallest)))
		buf = append(buf, t.Smallest...)
		put32(uint32(len(t.Largest)))
		buf = append(buf, t.Largest...)
	}
	return buf
}

// writeSnapshot appends one snapshot record and fsyncs. The manifest
// rotates once it grows past maxSize.
func (m *manifest) writeSnapshot(state *manifestState) error {
	payload := encodeManifestState(state)
	record := make([]byte, 8+len(payload))
	binary.LittleEndian.PutUint32(record[0:], uint32(4+len(payload)))
	binary.LittleEndian.PutUint32(record[4:], crc32.ChecksumIEEE(payload))
	copy(record[8:], payload)

	if _, err := m.file.Write(record); err != nil {
		return err
	}
	if err := m.file.Sync(); err != nil {
		return err
	}
	m.size += int64(len(record))

	// Never rotate a manifest holding only this record: a snapshot
	// larger than maxSize would otherwise rotate forever.
	if m.maxSize > 0 && m.size > m.maxSize && m.size > int64(len(record)) {
		return m.rotate(state)
	}
	return nil
}

// rotate starts a fresh manifest seeded with the current snapshot and
// removes the old file. Failures leave the old manifest in place, so
// rotation is safe to retry on the next snapshot.
func (m *manifest) rotate(state *manifestState) error {
	next, err := createManifest(m.dir, max(state.nextFileNum, m.fileNum+1), m.maxSize)
	if err != nil {
		return err
	}
	if err := next.writeSnapshot(state); err != nil {
		next.file.Close()
		os.Remove(next.path)
		return err
	}

	oldPath := m.path
	oldFile := m.file
	m.path = next.path
	m.fileNum = next.fileNum
	m.file = next.file
	m.size = next.size

	oldFile.Close()
	return os.Remove(oldPath)
}

func (m *manifest) close() error {
	return m.file.Close()
}
