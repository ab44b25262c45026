// Package bufferpool provides reusable byte slices for the hot
// encode/decode paths: WAL records, SSTable blocks and compression
// scratch space.
package bufferpool

import (
	"sync"
)

// Size classes. Block-sized requests dominate, so the classes track
// the default block size and a multiple of it for compressed output.
const (
	recordBufferSize = 4096
	blockBufferSize  = 64 << 10
)

// BufferPool hands out byte slices with at least the requested length,
// recycling them by size class.
type BufferPool struct {
	record sync.Pool
	block  sync.Pool
}

// NewBufferPool creates a pool with the standard size classes.
func NewBufferPool() *BufferPool {
	return &BufferPool{
		record: sync.Pool{
			New: func() any {
				buf := make([]byte, 0, recordBufferSize)
				return &buf
			},
		},
		block: sync.Pool{
			New: func() any {
				buf := make([]byte, 0, blockBufferSize)
				return &buf
			},
		},
	}
}

// Get returns a slice of length size. Requests past the largest class
// are allocated directly and never recycled.
func (p *BufferPool) Get(size int) []byte {
	var bp *[]byte
	switch {
	case size <= recordBufferSize:
		bp = p.record.Get().(*[]byte)
	case size <= blockBufferSize:
		bp = p.block.Get().(*[]byte)
	default:
		return make([]byte, size)
	}
	buf := *bp
	if cap(buf) < size {
		return make([]byte, size)
	}
	return buf[:size]
}

// Put returns buf to its size class. Slices whose capacity matches no
// class are left to the garbage collector.
func (p *BufferPool) Put(buf []byte) {
	buf = buf[:0]
	switch cap(buf) {
	case recordBufferSize:
		p.record.Put(&buf)
	case blockBufferSize:
		p.block.Put(&buf)
	}
}

var globalPool = NewBufferPool()

// GetBuffer returns a slice of length size from the shared pool.
func GetBuffer(size int) []byte {
	return globalPool.Get(size)
}

// PutBuffer returns buf to the shared pool.
func PutBuffer(buf []byte) {
	globalPool.Put(buf)
}
