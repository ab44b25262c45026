package sstable

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/tanyatarun18/ferrisdb-go/compression"
	"github.com/tanyatarun18/ferrisdb-go/keys"
)

type testEntry struct {
	userKey string
	ts      uint64
	op      keys.Operation
	value   string
}

func buildTable(t *testing.T, path string, blockSize int, cfg compression.Config, entries []testEntry) {
	t.Helper()
	w, err := NewWriter(WriterOpts{Path: path, BlockSize: blockSize, Compression: cfg})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	for _, e := range entries {
		key := keys.NewEncodedKey([]byte(e.userKey), e.ts)
		if err := w.Add(key, e.op, []byte(e.value)); err != nil {
			t.Fatalf("Add(%s@%d): %v", e.userKey, e.ts, err)
		}
	}
	if err := w.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	entries := []testEntry{
		{"apple", 3, keys.OpPut, "red"},
		{"banana", 1, keys.OpPut, "yellow"},
		{"cherry", 5, keys.OpDelete, ""},
		{"cherry", 2, keys.OpPut, "dark"},
		{"date", 4, keys.OpPut, "brown"},
	}

	path := filepath.Join(t.TempDir(), "000001.sst")
	buildTable(t, path, DefaultBlockSize, compression.NoCompressionConfig(), entries)

	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	it := r.NewIterator(nil)
	defer it.Close()

	i := 0
	for it.SeekToFirst(); it.Valid(); it.Next() {
		if i >= len(entries) {
			t.Fatal("iterator produced extra entries")
		}
		e := entries[i]
		if string(it.Key().UserKey()) != e.userKey || it.Key().Timestamp() != e.ts {
			t.Errorf("entry %d key = %s, want %s@%d", i, it.Key(), e.userKey, e.ts)
		}
		if it.Op() != e.op {
			t.Errorf("entry %d op = %v, want %v", i, it.Op(), e.op)
		}
		if !bytes.Equal(it.Value(), []byte(e.value)) {
			t.Errorf("entry %d value = %q, want %q", i, it.Value(), e.value)
		}
		i++
	}
	if err := it.Error(); err != nil {
		t.Fatalf("iterator error: %v", err)
	}
	if i != len(entries) {
		t.Errorf("iterated %d entries, want %d", i, len(entries))
	}
}

func TestGet(t *testing.T) {
	entries := []testEntry{
		{"a", 10, keys.OpPut, "a10"},
		{"a", 5, keys.OpPut, "a5"},
		{"b", 7, keys.OpDelete, ""},
		{"b", 3, keys.OpPut, "b3"},
		{"c", 1, keys.OpPut, "c1"},
	}
	path := filepath.Join(t.TempDir(), "000001.sst")
	buildTable(t, path, DefaultBlockSize, compression.NoCompressionConfig(), entries)

	r, err := NewReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	testCases := []struct {
		name      string
		userKey   string
		ts        uint64
		wantFound bool
		wantOp    keys.Operation
		wantValue string
	}{
		{"latest version", "a", keys.MaxTimestamp, true, keys.OpPut, "a10"},
		{"snapshot between versions", "a", 7, true, keys.OpPut, "a5"},
		{"snapshot at version", "a", 5, true, keys.OpPut, "a5"},
		{"before first version", "a", 4, false, 0, ""},
		{"tombstone visible", "b", keys.MaxTimestamp, true, keys.OpDelete, ""},
		{"below tombstone", "b", 5, true, keys.OpPut, "b3"},
		{"missing key", "zz", keys.MaxTimestamp, false, 0, ""},
		{"before table start", "0", keys.MaxTimestamp, false, 0, ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			value, op, found, err := r.Get(keys.UserKey(tc.userKey), tc.ts)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if found != tc.wantFound {
				t.Fatalf("found = %v, want %v", found, tc.wantFound)
			}
			if !found {
				return
			}
			if op != tc.wantOp {
				t.Errorf("op = %v, want %v", op, tc.wantOp)
			}
			if !bytes.Equal(value, []byte(tc.wantValue)) {
				t.Errorf("value = %q, want %q", value, tc.wantValue)
			}
		})
	}
}

func TestMultiBlockLookupMatchesLinearScan(t *testing.T) {
	// A small block size forces many blocks, exercising the index
	// search including version chains crossing block boundaries.
	var entries []testEntry
	for i := 0; i < 200; i++ {
		userKey := fmt.Sprintf("key%04d", i)
		for v := 3; v >= 1; v-- {
			entries = append(entries, testEntry{userKey, uint64(v * 10), keys.OpPut, fmt.Sprintf("%s-v%d", userKey, v)})
		}
	}
	path := filepath.Join(t.TempDir(), "000001.sst")
	buildTable(t, path, 256, compression.NoCompressionConfig(), entries)

	r, err := NewReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if r.NumBlocks() < 10 {
		t.Fatalf("expected many blocks, got %d", r.NumBlocks())
	}

	linearGet := func(userKey string, ts uint64) (string, bool) {
		it := r.NewIterator(nil)
		defer it.Close()
		for it.SeekToFirst(); it.Valid(); it.Next() {
			if string(it.Key().UserKey()) == userKey && it.Key().Timestamp() <= ts {
				return string(it.Value()), true
			}
		}
		return "", false
	}

	for i := 0; i < 200; i += 7 {
		userKey := fmt.Sprintf("key%04d", i)
		for _, ts := range []uint64{keys.MaxTimestamp, 30, 25, 15, 10, 5} {
			wantValue, wantFound := linearGet(userKey, ts)
			value, _, found, err := r.Get(keys.UserKey(userKey), ts)
			if err != nil {
				t.Fatalf("Get(%s@%d): %v", userKey, ts, err)
			}
			if found != wantFound || (found && string(value) != wantValue) {
				t.Errorf("Get(%s@%d) = %q,%v; linear scan = %q,%v", userKey, ts, value, found, wantValue, wantFound)
			}
		}
	}
}

func TestIteratorSeekAndBounds(t *testing.T) {
	var entries []testEntry
	for i := 0; i < 50; i++ {
		entries = append(entries, testEntry{fmt.Sprintf("key%02d", i), 1, keys.OpPut, "v"})
	}
	path := filepath.Join(t.TempDir(), "000001.sst")
	buildTable(t, path, 128, compression.NoCompressionConfig(), entries)

	r, err := NewReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	it := r.NewIterator(nil)
	it.Seek(keys.NewQueryKey([]byte("key25"), keys.MaxTimestamp))
	if !it.Valid() || string(it.Key().UserKey()) != "key25" {
		t.Errorf("Seek(key25) landed on %v", it.Key())
	}
	it.Seek(keys.NewQueryKey([]byte("zzz"), keys.MaxTimestamp))
	if it.Valid() {
		t.Error("Seek past end stayed valid")
	}
	it.Close()

	bounded := r.NewIterator(&keys.Range{Start: keys.UserKey("key10"), Limit: keys.UserKey("key15")})
	defer bounded.Close()
	count := 0
	for bounded.SeekToFirst(); bounded.Valid(); bounded.Next() {
		uk := string(bounded.Key().UserKey())
		if uk < "key10" || uk >= "key15" {
			t.Errorf("bounded iterator produced %s", uk)
		}
		count++
	}
	if count != 5 {
		t.Errorf("bounded iteration produced %d entries, want 5", count)
	}
}

func TestCompressedTable(t *testing.T) {
	var entries []testEntry
	for i := 0; i < 500; i++ {
		entries = append(entries, testEntry{
			fmt.Sprintf("key%04d", i), 1, keys.OpPut,
			"a repetitive value payload that compresses well " + fmt.Sprint(i),
		})
	}

	for _, cfg := range []compression.Config{
		compression.DefaultConfig(),
		compression.S2Config(),
		compression.ZstdConfig(),
	} {
		t.Run(cfg.Type.String(), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "000001.sst")
			buildTable(t, path, 4096, cfg, entries)

			r, err := NewReader(path)
			if err != nil {
				t.Fatal(err)
			}
			defer r.Close()

			for i := 0; i < 500; i += 37 {
				userKey := fmt.Sprintf("key%04d", i)
				value, _, found, err := r.Get(keys.UserKey(userKey), keys.MaxTimestamp)
				if err != nil {
					t.Fatalf("Get(%s): %v", userKey, err)
				}
				if !found {
					t.Fatalf("Get(%s) not found", userKey)
				}
				want := "a repetitive value payload that compresses well " + fmt.Sprint(i)
				if string(value) != want {
					t.Errorf("Get(%s) = %q", userKey, value)
				}
			}
		})
	}
}

func TestOrderingViolationRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000001.sst")
	w, err := NewWriter(WriterOpts{Path: path, Compression: compression.NoCompressionConfig()})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Abandon()

	if err := w.Add(keys.NewEncodedKey([]byte("b"), 5), keys.OpPut, []byte("v")); err != nil {
		t.Fatal(err)
	}
	// Smaller user key after a larger one.
	if err := w.Add(keys.NewEncodedKey([]byte("a"), 6), keys.OpPut, []byte("v")); !errors.Is(err, keys.ErrOrderingViolation) {
		t.Errorf("out-of-order user key: err = %v, want ErrOrderingViolation", err)
	}
	// Same user key with ascending timestamp violates newest-first.
	if err := w.Add(keys.NewEncodedKey([]byte("b"), 9), keys.OpPut, []byte("v")); !errors.Is(err, keys.ErrOrderingViolation) {
		t.Errorf("ascending timestamp: err = %v, want ErrOrderingViolation", err)
	}
	// Exact duplicate.
	if err := w.Add(keys.NewEncodedKey([]byte("b"), 5), keys.OpPut, []byte("v")); !errors.Is(err, keys.ErrOrderingViolation) {
		t.Errorf("duplicate key: err = %v, want ErrOrderingViolation", err)
	}
}

func TestCorruptBlockDetected(t *testing.T) {
	var entries []testEntry
	for i := 0; i < 100; i++ {
		entries = append(entries, testEntry{fmt.Sprintf("key%03d", i), 1, keys.OpPut, "some value data"})
	}
	path := filepath.Join(t.TempDir(), "000001.sst")
	buildTable(t, path, 512, compression.NoCompressionConfig(), entries)

	// Flip a byte in the middle of the first data block's payload.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	data[blockHeaderSize+20] ^= 0xff
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	r, err := NewReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	_, _, _, err = r.Get(keys.UserKey("key001"), keys.MaxTimestamp)
	if !errors.Is(err, keys.ErrCorruption) {
		t.Errorf("Get on corrupt block: err = %v, want ErrCorruption", err)
	}
}

func TestBadMagicRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000001.sst")
	buildTable(t, path, DefaultBlockSize, compression.NoCompressionConfig(),
		[]testEntry{{"a", 1, keys.OpPut, "v"}})

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	data[len(data)-1] ^= 0xff
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := NewReader(path); !errors.Is(err, keys.ErrCorruption) {
		t.Errorf("NewReader with bad magic: err = %v, want ErrCorruption", err)
	}
}

func TestEmptyTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000001.sst")
	buildTable(t, path, DefaultBlockSize, compression.NoCompressionConfig(), nil)

	r, err := NewReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if _, _, found, err := r.Get(keys.UserKey("any"), keys.MaxTimestamp); err != nil || found {
		t.Errorf("empty table Get = found %v, err %v", found, err)
	}
	it := r.NewIterator(nil)
	defer it.Close()
	it.SeekToFirst()
	if it.Valid() {
		t.Error("iterator over empty table is valid")
	}
}

func TestWriterMetadata(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000001.sst")
	w, err := NewWriter(WriterOpts{Path: path, Compression: compression.NoCompressionConfig()})
	if err != nil {
		t.Fatal(err)
	}
	w.Add(keys.NewEncodedKey([]byte("a"), 1), keys.OpPut, []byte("v"))
	w.Add(keys.NewEncodedKey([]byte("b"), 2), keys.OpDelete, nil)
	w.Add(keys.NewEncodedKey([]byte("c"), 3), keys.OpPut, []byte("v"))
	if err := w.Finish(); err != nil {
		t.Fatal(err)
	}

	if w.NumEntries() != 3 {
		t.Errorf("NumEntries = %d, want 3", w.NumEntries())
	}
	if w.NumTombstones() != 1 {
		t.Errorf("NumTombstones = %d, want 1", w.NumTombstones())
	}
	if string(w.SmallestKey().UserKey()) != "a" || string(w.LargestKey().UserKey()) != "c" {
		t.Errorf("key range = [%s, %s]", w.SmallestKey(), w.LargestKey())
	}
}
