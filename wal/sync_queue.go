package wal

// syncQueue is a FIFO of pending sync requests. Access is guarded by
// the WAL mutex.
type syncQueue struct {
	buf  []*syncRequest
	head int
}

func (q *syncQueue) put(r *syncRequest) {
	q.buf = append(q.buf, r)
}

func (q *syncQueue) get() (*syncRequest, bool) {
	if q.head >= len(q.buf) {
		return nil, false
	}
	r := q.buf[q.head]
	q.buf[q.head] = nil
	q.head++

	// Compact occasionally so the backing array doesn't grow without
	// bound under sustained load.
	if q.head > 1024 && q.head*2 > len(q.buf) {
		n := copy(q.buf, q.buf[q.head:])
		q.buf = q.buf[:n]
		q.head = 0
	}
	return r, true
}

func (q *syncQueue) len() int {
	return len(q.buf) - q.head
}
