// Package wal implements the write-ahead log. Each record carries one
// operation and is framed as:
//
//	length(4) | crc32(4) | timestamp(8) | op(1) | key_len(4) | key | value_len(4) | value
//
// All integers are little-endian. The length counts every byte after
// the length field itself, and the checksum covers everything after
// the checksum field. Recovery reads records until end of file or the
// first record that fails validation; a torn tail from a crash is
// expected, reported distinctly from clean EOF, and tolerated by the
// caller.
package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tanyatarun18/ferrisdb-go/bufferpool"
	"github.com/tanyatarun18/ferrisdb-go/keys"
)

const (
	// HeaderSize covers length, checksum, timestamp and op.
	HeaderSize = 4 + 4 + 8 + 1

	// minRecordSize is the smallest legal value of the length field:
	// checksum + timestamp + op + two length prefixes.
	minRecordSize = 4 + 8 + 1 + 4 + 4

	// maxRecordSize bounds the length field so a corrupt prefix can
	// never trigger a huge allocation during recovery.
	maxRecordSize = HeaderSize + 4 + keys.MaxUserKeyLen + 4 + keys.MaxValueLen
)

// CRC32 with the 0xEDB88320 polynomial, matching the on-disk format.
var crc32Table = crc32.MakeTable(0xEDB88320)

// ErrCorruptRecord indicates a record failed checksum or structural
// validation. During recovery it marks the torn tail of the log.
var ErrCorruptRecord = errors.New("wal: corrupt record")

// ErrClosed is returned by operations on a closed log.
var ErrClosed = errors.New("wal: closed")

// Record is one logged operation.
type Record struct {
	Timestamp uint64
	Op        keys.Operation
	Key       []byte
	Value     []byte
}

// EncodedSize returns the full on-disk size of the record including
// the length field.
func (r *Record) EncodedSize() int {
	return HeaderSize + 4 + len(r.Key) + 4 + len(r.Value)
}

// Encode writes the framed record into buf, which must hold
// EncodedSize bytes. It returns the number of bytes written.
func (r *Record) Encode(buf []byte) int {
	total := r.EncodedSize()

	binary.LittleEndian.PutUint32(buf[0:], uint32(total-4))
	// Checksum filled in below.
	binary.LittleEndian.PutUint64(buf[8:], r.Timestamp)
	buf[16] = uint8(r.Op)
	offset := 17

	binary.LittleEndian.PutUint32(buf[offset:], uint32(len(r.Key)))
	offset += 4
	copy(buf[offset:], r.Key)
	offset += len(r.Key)

	binary.LittleEndian.PutUint32(buf[offset:], uint32(len(r.Value)))
	offset += 4
	copy(buf[offset:], r.Value)

	checksum := crc32.Checksum(buf[8:total], crc32Table)
	binary.LittleEndian.PutUint32(buf[4:8], checksum)
	return total
}

// Decode parses the payload following the length field: checksum,
// timestamp, op, key and value. Key and value bytes are copied out of
// buf.
func (r *Record) Decode(buf []byte) error {
	if len(buf) < minRecordSize {
		return ErrCorruptRecord
	}

	stored := binary.LittleEndian.Uint32(buf[0:])
	if crc32.Checksum(buf[4:], crc32Table) != stored {
		return ErrCorruptRecord
	}

	r.Timestamp = binary.LittleEndian.Uint64(buf[4:])
	r.Op = keys.Operation(buf[12])
	if !r.Op.Valid() {
		return ErrCorruptRecord
	}
	offset := 13

	keyLen := int(binary.LittleEndian.Uint32(buf[offset:]))
	offset += 4
	if keyLen > len(buf)-offset-4 {
		return ErrCorruptRecord
	}
	r.Key = make([]byte, keyLen)
	copy(r.Key, buf[offset:offset+keyLen])
	offset += keyLen

	valueLen := int(binary.LittleEndian.Uint32(buf[offset:]))
	offset += 4
	if valueLen != len(buf)-offset {
		return ErrCorruptRecord
	}
	if valueLen > 0 {
		r.Value = make([]byte, valueLen)
		copy(r.Value, buf[offset:])
	} else {
		r.Value = nil
	}
	return nil
}

// SegmentPath returns the file path of a log segment number.
func SegmentPath(dir string, fileNum uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%06d.wal", fileNum))
}

// syncRequest is a pending durability request waiting on a batched
// fsync.
type syncRequest struct {
	done chan error
}

// Opts configures a log writer.
type Opts struct {
	Dir     string
	FileNum uint64

	// BytesPerSync triggers a background sync after this many bytes
	// are appended without one. Zero disables byte-triggered syncing.
	BytesPerSync int

	// AutoSyncInterval bounds data loss on low-throughput workloads
	// by syncing on a timer. Zero disables the timer.
	AutoSyncInterval time.Duration
}

// WAL appends framed records to one log segment. Concurrent appenders
// share a batched sync queue: every waiter queued while an fsync is in
// flight is satisfied by the next one.
type WAL struct {
	path string
	file *os.File
	mu   sync.Mutex

	closed        bool
	bytesWritten  int64
	bytesUnsynced int64
	bytesPerSync  int

	syncQueue      *syncQueue
	syncInProgress bool

	autoSyncInterval time.Duration
	autoSyncTicker   *time.Ticker
	autoSyncDone     chan struct{}
}

// NewWAL creates or appends to the segment identified by opts.
func NewWAL(opts Opts) (*WAL, error) {
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, err
	}
	path := SegmentPath(opts.Dir, opts.FileNum)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}

	w := &WAL{
		path:             path,
		file:             file,
		bytesPerSync:     opts.BytesPerSync,
		syncQueue:        &syncQueue{},
		autoSyncInterval: opts.AutoSyncInterval,
		autoSyncDone:     make(chan struct{}),
	}
	if opts.AutoSyncInterval > 0 {
		w.autoSyncTicker = time.NewTicker(opts.AutoSyncInterval)
		go w.backgroundAutoSync()
	}
	return w, nil
}

// Path returns the segment's file path.
func (w *WAL) Path() string {
	return w.path
}

// Size returns total bytes appended to this segment.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bytesWritten
}

// Append frames and writes one record. Durability requires a
// subsequent Sync; Append alone only hands the bytes to the OS.
func (w *WAL) Append(record *Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}

	size := record.EncodedSize()
	buf := bufferpool.GetBuffer(size)
	defer bufferpool.PutBuffer(buf)

	n := record.Encode(buf)
	if _, err := w.file.Write(buf[:n]); err != nil {
		return err
	}
	w.bytesWritten += int64(n)
	w.bytesUnsynced += int64(n)

	if w.bytesPerSync > 0 && w.bytesUnsynced >= int64(w.bytesPerSync) {
		go func() {
			_ = w.SyncAsync()
		}()
	}
	return nil
}

// AppendOp is a convenience wrapper building the record from parts.
func (w *WAL) AppendOp(ts uint64, op keys.Operation, key, value []byte) error {
	return w.Append(&Record{Timestamp: ts, Op: op, Key: key, Value: value})
}

// SyncAsync queues a durability request and returns a channel that
// receives the outcome of the fsync that covers it.
func (w *WAL) SyncAsync() <-chan error {
	w.mu.Lock()

	if w.closed {
		w.mu.Unlock()
		done := make(chan error, 1)
		done <- ErrClosed
		return done
	}

	req := &syncRequest{done: make(chan error, 1)}
	w.syncQueue.put(req)

	if w.syncInProgress {
		// The in-flight sync loop picks this request up.
		w.mu.Unlock()
		return req.done
	}

	w.syncInProgress = true
	w.mu.Unlock()

	go w.processSyncQueue()
	return req.done
}

// Sync blocks until every record appended before the call is durable.
func (w *WAL) Sync() error {
	return <-w.SyncAsync()
}

func (w *WAL) processSyncQueue() {
	w.mu.Lock()
	for {
		if w.syncQueue.len() == 0 {
			w.syncInProgress = false
			w.mu.Unlock()
			return
		}

		err := w.doSync()

		// Everyone queued before the fsync completed is covered by it.
		for {
			req, ok := w.syncQueue.get()
			if !ok {
				break
			}
			req.done <- err
		}
	}
}

// doSync performs the fsync. Caller holds the mutex.
func (w *WAL) doSync() error {
	if err := w.file.Sync(); err != nil {
		return err
	}
	w.bytesUnsynced = 0
	if w.autoSyncTicker != nil {
		w.autoSyncTicker.Reset(w.autoSyncInterval)
	}
	return nil
}

func (w *WAL) backgroundAutoSync() {
	for {
		select {
		case <-w.autoSyncTicker.C:
			_ = w.SyncAsync()
		case <-w.autoSyncDone:
			return
		}
	}
}

// Close syncs and closes the segment. The file is left on disk; the
// engine deletes it once the covering memtable has been flushed.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if w.autoSyncTicker != nil {
		w.autoSyncTicker.Stop()
		close(w.autoSyncDone)
	}

	for {
		req, ok := w.syncQueue.get()
		if !ok {
			break
		}
		req.done <- ErrClosed
	}

	if err := w.doSync(); err != nil {
		return err
	}
	return w.file.Close()
}

// Reader replays a log segment record by record.
type Reader struct {
	file   *os.File
	path   string
	offset int64
	buf    []byte
}

// NewReader opens a segment for replay.
func NewReader(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &Reader{file: file, path: path}, nil
}

// Path returns the segment's file path.
func (r *Reader) Path() string {
	return r.path
}

// Next returns the next record. It returns io.EOF at a clean end of
// log, io.ErrUnexpectedEOF for a record truncated mid-write, and
// ErrCorruptRecord for a record whose bytes fail validation. The two
// latter cases mark the recoverable tail after a crash.
func (r *Reader) Next() (*Record, error) {
	var lenBuf [4]byte
	n, err := r.file.ReadAt(lenBuf[:], r.offset)
	if err == io.EOF && n == 0 {
		return nil, io.EOF
	}
	if err != nil {
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	payloadLen := binary.LittleEndian.Uint32(lenBuf[:])
	if payloadLen < minRecordSize || payloadLen > maxRecordSize {
		return nil, ErrCorruptRecord
	}

	if cap(r.buf) < int(payloadLen) {
		r.buf = make([]byte, payloadLen)
	}
	buf := r.buf[:payloadLen]
	if _, err := r.file.ReadAt(buf, r.offset+4); err != nil {
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	record := &Record{}
	if err := record.Decode(buf); err != nil {
		return nil, err
	}

	r.offset += 4 + int64(payloadLen)
	return record, nil
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.file.Close()
}
