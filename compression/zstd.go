package compression

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// ZstdLevel maps to the encoder speed/ratio presets.
type ZstdLevel int

const (
	ZstdFastest ZstdLevel = 1
	ZstdDefault ZstdLevel = 3
	ZstdBetter  ZstdLevel = 6
	ZstdBest    ZstdLevel = 9
)

type zstdCompressor struct {
	minReductionPercent uint8

	encoderPool sync.Pool
	decoderPool sync.Pool
}

func newZstdCompressor(minReductionPercent uint8, level ZstdLevel) Compressor {
	var encoderLevel zstd.EncoderLevel
	switch level {
	case ZstdFastest:
		encoderLevel = zstd.SpeedFastest
	case ZstdBetter:
		encoderLevel = zstd.SpeedBetterCompression
	case ZstdBest:
		encoderLevel = zstd.SpeedBestCompression
	default:
		encoderLevel = zstd.SpeedDefault
	}

	c := &zstdCompressor{minReductionPercent: minReductionPercent}
	c.encoderPool = sync.Pool{
		New: func() any {
			// Low-memory mode with a 1MB window keeps per-encoder
			// footprint small; blocks never approach the window size.
			enc, err := zstd.NewWriter(nil,
				zstd.WithEncoderLevel(encoderLevel),
				zstd.WithLowerEncoderMem(true),
				zstd.WithWindowSize(1<<20),
			)
			if err != nil {
				panic(fmt.Sprintf("zstd encoder init: %v", err))
			}
			return enc
		},
	}
	c.decoderPool = sync.Pool{
		New: func() any {
			dec, err := zstd.NewReader(nil)
			if err != nil {
				panic(fmt.Sprintf("zstd decoder init: %v", err))
			}
			return dec
		},
	}
	return c
}

func (c *zstdCompressor) Compress(dst, src []byte) ([]byte, bool, error) {
	enc := c.encoderPool.Get().(*zstd.Encoder)
	defer c.encoderPool.Put(enc)

	compressed := enc.EncodeAll(src, dst[:0])
	if !meetsThreshold(len(src), len(compressed), c.minReductionPercent) {
		return copyInto(dst, src), false, nil
	}
	return compressed, true, nil
}

func (c *zstdCompressor) Decompress(dst, src []byte) ([]byte, error) {
	dec := c.decoderPool.Get().(*zstd.Decoder)
	defer c.decoderPool.Put(dec)

	out, err := dec.DecodeAll(src, dst[:0])
	if err != nil {
		return nil, fmt.Errorf("zstd decompression failed: %w", err)
	}
	return out, nil
}

func (c *zstdCompressor) Type() Type { return Zstd }

func decompressZstd(dst, src []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder init: %w", err)
	}
	defer dec.Close()

	out, err := dec.DecodeAll(src, dst[:0])
	if err != nil {
		return nil, fmt.Errorf("zstd decompression failed: %w", err)
	}
	return out, nil
}
