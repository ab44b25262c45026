package compression

import (
	"fmt"

	"github.com/klauspost/compress/s2"
)

type s2Compressor struct {
	minReductionPercent uint8
}

func newS2Compressor(minReductionPercent uint8) Compressor {
	return &s2Compressor{minReductionPercent: minReductionPercent}
}

func (c *s2Compressor) Compress(dst, src []byte) ([]byte, bool, error) {
	compressed := s2.Encode(dst, src)
	if !meetsThreshold(len(src), len(compressed), c.minReductionPercent) {
		return copyInto(dst, src), false, nil
	}
	return compressed, true, nil
}

func (c *s2Compressor) Decompress(dst, src []byte) ([]byte, error) {
	return decompressS2(dst, src)
}

func (c *s2Compressor) Type() Type { return S2 }

func decompressS2(dst, src []byte) ([]byte, error) {
	out, err := s2.Decode(dst, src)
	if err != nil {
		return nil, fmt.Errorf("s2 decompression failed: %w", err)
	}
	return out, nil
}
