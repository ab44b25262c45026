// Package keys defines the internal key encoding used throughout the
// engine. An encoded key is the user key followed by an 8-byte
// little-endian timestamp trailer. Encoded keys order by user key
// ascending, then timestamp descending, so the newest version of a key
// is always encountered first during iteration.
//
// The operation kind (put or delete) is deliberately not part of the
// encoded key. It travels alongside entries as metadata so that key
// comparison never depends on it.
package keys

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// TimestampLen is the size of the timestamp trailer in bytes.
const TimestampLen = 8

// MaxTimestamp is used for point lookups: a query key encoded with
// MaxTimestamp sorts before every stored version of the same user key,
// so a seek lands on the newest visible version.
const MaxTimestamp = uint64(math.MaxUint64)

// Operation identifies what a write did. It is carried next to keys in
// the WAL, memtable and SSTable formats but never inside the key
// itself.
type Operation uint8

const (
	// OpPut records an insert or update of a key.
	OpPut Operation = 1
	// OpDelete records a tombstone hiding all versions at or below
	// its timestamp.
	OpDelete Operation = 2
)

// Valid reports whether op is a known operation code.
func (op Operation) Valid() bool {
	return op == OpPut || op == OpDelete
}

func (op Operation) String() string {
	switch op {
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("op(%d)", uint8(op))
	}
}

// Size limits enforced at the write boundary so the on-disk length
// prefixes always fit.
const (
	MaxUserKeyLen = 64 << 10
	MaxValueLen   = 64 << 20
)

var (
	// ErrCorruption indicates a checksum mismatch or a structurally
	// invalid record read back from disk.
	ErrCorruption = errors.New("corruption detected")
	// ErrOrderingViolation indicates keys were supplied to a writer
	// out of the required sorted order.
	ErrOrderingViolation = errors.New("keys out of order")
)

// UserKey is an application-supplied key with no trailer.
type UserKey []byte

// Compare orders user keys bytewise.
func (uk UserKey) Compare(other UserKey) int {
	return bytes.Compare(uk, other)
}

// ValidateUserKey checks the constraints enforced on every write.
func ValidateUserKey(uk []byte) error {
	if len(uk) == 0 {
		return errors.New("user key must not be empty")
	}
	if len(uk) > MaxUserKeyLen {
		return fmt.Errorf("user key length %d exceeds maximum %d", len(uk), MaxUserKeyLen)
	}
	return nil
}

// ValidateValue checks the value size limit. Empty values are legal.
func ValidateValue(v []byte) error {
	if len(v) > MaxValueLen {
		return fmt.Errorf("value length %d exceeds maximum %d", len(v), MaxValueLen)
	}
	return nil
}

// EncodedKey is user_key || timestamp, with the timestamp stored
// little-endian in the final 8 bytes.
type EncodedKey []byte

// NewEncodedKey builds an encoded key from a user key and timestamp.
// The user key bytes are copied.
func NewEncodedKey(userKey []byte, ts uint64) EncodedKey {
	ek := make(EncodedKey, len(userKey)+TimestampLen)
	copy(ek, userKey)
	binary.LittleEndian.PutUint64(ek[len(userKey):], ts)
	return ek
}

// NewQueryKey builds the seek key for a point lookup at the given
// snapshot timestamp. Seeking to it positions an iterator on the
// newest version of userKey visible at ts.
func NewQueryKey(userKey []byte, ts uint64) EncodedKey {
	return NewEncodedKey(userKey, ts)
}

// Valid reports whether ek is long enough to carry a trailer.
func (ek EncodedKey) Valid() bool {
	return len(ek) >= TimestampLen
}

// UserKey returns the user key portion. The returned slice aliases ek.
func (ek EncodedKey) UserKey() UserKey {
	if len(ek) < TimestampLen {
		return nil
	}
	return UserKey(ek[:len(ek)-TimestampLen])
}

// Timestamp returns the timestamp trailer.
func (ek EncodedKey) Timestamp() uint64 {
	if len(ek) < TimestampLen {
		return 0
	}
	return binary.LittleEndian.Uint64(ek[len(ek)-TimestampLen:])
}

// Compare orders encoded keys by user key ascending, then timestamp
// descending. Newer versions of the same user key sort first.
func (ek EncodedKey) Compare(other EncodedKey) int {
	if c := bytes.Compare(ek.UserKey(), other.UserKey()); c != 0 {
		return c
	}
	ats, bts := ek.Timestamp(), other.Timestamp()
	switch {
	case ats > bts:
		return -1
	case ats < bts:
		return 1
	default:
		return 0
	}
}

// Clone returns an independent copy of ek.
func (ek EncodedKey) Clone() EncodedKey {
	if ek == nil {
		return nil
	}
	out := make(EncodedKey, len(ek))
	copy(out, ek)
	return out
}

func (ek EncodedKey) String() string {
	if !ek.Valid() {
		return fmt.Sprintf("invalid(%x)", []byte(ek))
	}
	return fmt.Sprintf("%q@%d", []byte(ek.UserKey()), ek.Timestamp())
}

// Range is a half-open scan interval over user keys. A nil Limit means
// scan to the end of the keyspace.
type Range struct {
	Start UserKey
	Limit UserKey
}

// Contains reports whether uk falls inside the range.
func (r Range) Contains(uk UserKey) bool {
	if r.Start != nil && uk.Compare(r.Start) < 0 {
		return false
	}
	if r.Limit != nil && uk.Compare(r.Limit) >= 0 {
		return false
	}
	return true
}
