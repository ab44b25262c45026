package keys

import (
	"bytes"
	"testing"
)

func TestEncodedKeyRoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		user []byte
		ts   uint64
	}{
		{"simple", []byte("user"), 42},
		{"zero timestamp", []byte("k"), 0},
		{"max timestamp", []byte("k"), MaxTimestamp},
		{"binary key", []byte{0x00, 0xff, 0x10}, 7},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ek := NewEncodedKey(tc.user, tc.ts)
			if !ek.Valid() {
				t.Fatal("encoded key reported invalid")
			}
			if !bytes.Equal(ek.UserKey(), tc.user) {
				t.Errorf("user key = %q, want %q", ek.UserKey(), tc.user)
			}
			if ek.Timestamp() != tc.ts {
				t.Errorf("timestamp = %d, want %d", ek.Timestamp(), tc.ts)
			}
			if len(ek) != len(tc.user)+TimestampLen {
				t.Errorf("length = %d, want %d", len(ek), len(tc.user)+TimestampLen)
			}
		})
	}
}

func TestCompareOrdering(t *testing.T) {
	testCases := []struct {
		name string
		a, b EncodedKey
		want int
	}{
		{"user key ascending", NewEncodedKey([]byte("a"), 5), NewEncodedKey([]byte("b"), 5), -1},
		{"same key newer first", NewEncodedKey([]byte("k"), 10), NewEncodedKey([]byte("k"), 5), -1},
		{"same key older last", NewEncodedKey([]byte("k"), 5), NewEncodedKey([]byte("k"), 10), 1},
		{"identical", NewEncodedKey([]byte("k"), 5), NewEncodedKey([]byte("k"), 5), 0},
		{"prefix orders before extension", NewEncodedKey([]byte("ab"), 1), NewEncodedKey([]byte("abc"), 99), -1},
		{"user key dominates timestamp", NewEncodedKey([]byte("a"), 1), NewEncodedKey([]byte("b"), 100), -1},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.a.Compare(tc.b)
			if got != tc.want {
				t.Errorf("Compare(%s, %s) = %d, want %d", tc.a, tc.b, got, tc.want)
			}
			// Compare must be antisymmetric.
			if rev := tc.b.Compare(tc.a); rev != -tc.want {
				t.Errorf("Compare(%s, %s) = %d, want %d", tc.b, tc.a, rev, -tc.want)
			}
		})
	}
}

func TestQueryKeySeeksNewestVersion(t *testing.T) {
	// A query key at MaxTimestamp must sort before every stored
	// version of the same user key.
	query := NewQueryKey([]byte("k"), MaxTimestamp)
	for _, ts := range []uint64{0, 1, 1000, MaxTimestamp - 1} {
		stored := NewEncodedKey([]byte("k"), ts)
		if query.Compare(stored) >= 0 {
			t.Errorf("query key did not sort before version at ts=%d", ts)
		}
	}
}

func TestOperationValid(t *testing.T) {
	if !OpPut.Valid() || !OpDelete.Valid() {
		t.Error("known operations reported invalid")
	}
	if Operation(0).Valid() || Operation(3).Valid() {
		t.Error("unknown operation reported valid")
	}
}

func TestValidateUserKey(t *testing.T) {
	if err := ValidateUserKey(nil); err == nil {
		t.Error("empty user key accepted")
	}
	if err := ValidateUserKey(make([]byte, MaxUserKeyLen+1)); err == nil {
		t.Error("oversized user key accepted")
	}
	if err := ValidateUserKey([]byte("ok")); err != nil {
		t.Errorf("valid user key rejected: %v", err)
	}
}

func TestValidateValue(t *testing.T) {
	if err := ValidateValue(nil); err != nil {
		t.Errorf("empty value rejected: %v", err)
	}
	if err := ValidateValue(make([]byte, MaxValueLen+1)); err == nil {
		t.Error("oversized value accepted")
	}
}

func TestRangeContains(t *testing.T) {
	r := Range{Start: UserKey("b"), Limit: UserKey("d")}
	testCases := []struct {
		key  string
		want bool
	}{
		{"a", false},
		{"b", true},
		{"c", true},
		{"d", false},
		{"e", false},
	}
	for _, tc := range testCases {
		if got := r.Contains(UserKey(tc.key)); got != tc.want {
			t.Errorf("Contains(%q) = %v, want %v", tc.key, got, tc.want)
		}
	}

	open := Range{}
	if !open.Contains(UserKey("anything")) {
		t.Error("unbounded range rejected a key")
	}
}
