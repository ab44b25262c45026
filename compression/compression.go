// Package compression provides the block codecs available to the
// SSTable writer. A block is only stored compressed when the codec
// shrinks it by at least the configured reduction threshold; otherwise
// the raw bytes are kept and the block is tagged uncompressed.
package compression

import "fmt"

// Type selects a compression algorithm.
type Type uint8

const (
	// None stores blocks uncompressed.
	None Type = iota
	// Snappy is fast with moderate ratios.
	Snappy
	// Zstd trades CPU for better ratios.
	Zstd
	// S2 is faster than Snappy with comparable ratios.
	S2
)

func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case Snappy:
		return "snappy"
	case Zstd:
		return "zstd"
	case S2:
		return "s2"
	default:
		return "unknown"
	}
}

// Config selects a codec and its effectiveness threshold.
type Config struct {
	Type Type

	// MinReductionPercent is the minimum size reduction required to
	// store a block compressed. Blocks that compress worse than this
	// are stored raw.
	MinReductionPercent uint8

	// ZstdLevel applies only when Type is Zstd.
	ZstdLevel ZstdLevel
}

// DefaultConfig compresses with Snappy, requiring a 12% reduction.
func DefaultConfig() Config {
	return Config{Type: Snappy, MinReductionPercent: 12, ZstdLevel: ZstdDefault}
}

// NoCompressionConfig disables compression entirely. Tables written
// with it use the baseline on-disk format.
func NoCompressionConfig() Config {
	return Config{Type: None}
}

// S2Config uses S2 with the standard threshold.
func S2Config() Config {
	return Config{Type: S2, MinReductionPercent: 12}
}

// ZstdConfig uses balanced Zstd settings.
func ZstdConfig() Config {
	return Config{Type: Zstd, MinReductionPercent: 8, ZstdLevel: ZstdDefault}
}

// Compressor compresses and decompresses single blocks.
type Compressor interface {
	// Compress writes the compressed form of src into dst and reports
	// whether compression was applied. When the reduction threshold is
	// not met, src is returned unchanged (copied into dst).
	Compress(dst, src []byte) ([]byte, bool, error)

	// Decompress reverses Compress for data this codec produced.
	Decompress(dst, src []byte) ([]byte, error)

	Type() Type
}

// NewCompressor builds the codec for config.
func NewCompressor(config Config) (Compressor, error) {
	switch config.Type {
	case None:
		return noneCompressor{}, nil
	case Snappy:
		return newSnappyCompressor(config.MinReductionPercent), nil
	case Zstd:
		return newZstdCompressor(config.MinReductionPercent, config.ZstdLevel), nil
	case S2:
		return newS2Compressor(config.MinReductionPercent), nil
	default:
		return nil, fmt.Errorf("unknown compression type: %d", config.Type)
	}
}

func copyInto(dst, src []byte) []byte {
	if cap(dst) < len(src) {
		dst = make([]byte, len(src))
	} else {
		dst = dst[:len(src)]
	}
	copy(dst, src)
	return dst
}

// meetsThreshold reports whether compressing srcLen bytes down to
// compressedLen satisfies the minimum reduction requirement.
func meetsThreshold(srcLen, compressedLen int, minReductionPercent uint8) bool {
	if minReductionPercent == 0 {
		return compressedLen < srcLen
	}
	reduction := (srcLen - compressedLen) * 100 / srcLen
	return reduction >= int(minReductionPercent)
}

type noneCompressor struct{}

func (noneCompressor) Compress(dst, src []byte) ([]byte, bool, error) {
	return copyInto(dst, src), false, nil
}

func (noneCompressor) Decompress(dst, src []byte) ([]byte, error) {
	return copyInto(dst, src), nil
}

func (noneCompressor) Type() Type { return None }

// Per-block tags written after the block checksum in the compressed
// table format. The tag records what was actually applied, which may
// be BlockNone even when a codec is configured.
const (
	BlockNone   uint8 = 0
	BlockSnappy uint8 = 1
	BlockZstd   uint8 = 2
	BlockS2     uint8 = 3
)

// minCompressSize skips codec overhead for tiny blocks.
const minCompressSize = 1024

// CompressBlock compresses one block and returns the bytes to store
// plus the block tag.
func CompressBlock(compressor Compressor, dst, src []byte) ([]byte, uint8, error) {
	if compressor == nil || compressor.Type() == None || len(src) < minCompressSize {
		return copyInto(dst, src), BlockNone, nil
	}

	out, applied, err := compressor.Compress(dst, src)
	if err != nil {
		return nil, 0, err
	}
	if !applied {
		return out, BlockNone, nil
	}

	switch compressor.Type() {
	case Snappy:
		return out, BlockSnappy, nil
	case Zstd:
		return out, BlockZstd, nil
	case S2:
		return out, BlockS2, nil
	default:
		return out, BlockNone, nil
	}
}

// DecompressBlock restores a stored block according to its tag. The
// tag, not the reader's configuration, decides the codec, so tables
// written under a different configuration stay readable.
func DecompressBlock(dst, src []byte, tag uint8) ([]byte, error) {
	switch tag {
	case BlockNone:
		return copyInto(dst, src), nil
	case BlockSnappy:
		return decompressSnappy(dst, src)
	case BlockZstd:
		return decompressZstd(dst, src)
	case BlockS2:
		return decompressS2(dst, src)
	default:
		return nil, fmt.Errorf("unknown block compression tag: %d", tag)
	}
}
