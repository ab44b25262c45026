package bufferpool

import "testing"

func TestGetReturnsRequestedLength(t *testing.T) {
	p := NewBufferPool()
	for _, size := range []int{0, 1, 100, recordBufferSize, recordBufferSize + 1, blockBufferSize, blockBufferSize * 4} {
		buf := p.Get(size)
		if len(buf) != size {
			t.Errorf("Get(%d) returned length %d", size, len(buf))
		}
		p.Put(buf)
	}
}

func TestReuseAfterPut(t *testing.T) {
	p := NewBufferPool()
	buf := p.Get(100)
	for i := range buf {
		buf[i] = 0xab
	}
	p.Put(buf)

	// A recycled buffer must come back with the requested length and
	// be safe to use regardless of prior contents.
	again := p.Get(200)
	if len(again) != 200 {
		t.Fatalf("recycled buffer length = %d, want 200", len(again))
	}
}

func TestGlobalPool(t *testing.T) {
	buf := GetBuffer(512)
	if len(buf) != 512 {
		t.Fatalf("GetBuffer(512) returned length %d", len(buf))
	}
	PutBuffer(buf)
}
