package compression

import (
	"bytes"
	"testing"
)

func compressibleData(n int) []byte {
	data := make([]byte, n)
	pattern := []byte("the quick brown fox jumps over the lazy dog ")
	for i := range data {
		data[i] = pattern[i%len(pattern)]
	}
	return data
}

func TestCompressorRoundTrip(t *testing.T) {
	configs := []struct {
		name   string
		config Config
	}{
		{"snappy", DefaultConfig()},
		{"s2", S2Config()},
		{"zstd", ZstdConfig()},
		{"none", NoCompressionConfig()},
	}

	data := compressibleData(8192)
	for _, tc := range configs {
		t.Run(tc.name, func(t *testing.T) {
			c, err := NewCompressor(tc.config)
			if err != nil {
				t.Fatalf("NewCompressor: %v", err)
			}
			compressed, applied, err := c.Compress(nil, data)
			if err != nil {
				t.Fatalf("Compress: %v", err)
			}
			if tc.config.Type != None && !applied {
				t.Error("highly compressible data was not compressed")
			}
			if applied && len(compressed) >= len(data) {
				t.Errorf("compressed size %d not smaller than input %d", len(compressed), len(data))
			}

			var src []byte
			if applied {
				src = compressed
			} else {
				src = data
			}
			out, err := c.Decompress(nil, src)
			if err != nil {
				t.Fatalf("Decompress: %v", err)
			}
			if !bytes.Equal(out, data) {
				t.Error("round trip mismatch")
			}
		})
	}
}

func TestIncompressibleDataStoredRaw(t *testing.T) {
	// Pseudo-random bytes do not meet the reduction threshold.
	data := make([]byte, 8192)
	state := uint32(0x9e3779b9)
	for i := range data {
		state = state*1664525 + 1013904223
		data[i] = byte(state >> 24)
	}

	c, err := NewCompressor(DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	out, applied, err := c.Compress(nil, data)
	if err != nil {
		t.Fatal(err)
	}
	if applied {
		t.Error("incompressible data reported as compressed")
	}
	if !bytes.Equal(out, data) {
		t.Error("raw fallback altered the data")
	}
}

func TestCompressBlockTagsMatchCodec(t *testing.T) {
	data := compressibleData(4096)
	testCases := []struct {
		config Config
		want   uint8
	}{
		{DefaultConfig(), BlockSnappy},
		{S2Config(), BlockS2},
		{ZstdConfig(), BlockZstd},
		{NoCompressionConfig(), BlockNone},
	}

	for _, tc := range testCases {
		c, err := NewCompressor(tc.config)
		if err != nil {
			t.Fatal(err)
		}
		stored, tag, err := CompressBlock(c, nil, data)
		if err != nil {
			t.Fatalf("%s: CompressBlock: %v", tc.config.Type, err)
		}
		if tag != tc.want {
			t.Errorf("%s: tag = %d, want %d", tc.config.Type, tag, tc.want)
		}
		out, err := DecompressBlock(nil, stored, tag)
		if err != nil {
			t.Fatalf("%s: DecompressBlock: %v", tc.config.Type, err)
		}
		if !bytes.Equal(out, data) {
			t.Errorf("%s: block round trip mismatch", tc.config.Type)
		}
	}
}

func TestSmallBlocksSkipCompression(t *testing.T) {
	c, err := NewCompressor(DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	data := compressibleData(minCompressSize - 1)
	stored, tag, err := CompressBlock(c, nil, data)
	if err != nil {
		t.Fatal(err)
	}
	if tag != BlockNone {
		t.Errorf("small block tagged %d, want BlockNone", tag)
	}
	if !bytes.Equal(stored, data) {
		t.Error("small block bytes altered")
	}
}

func TestDecompressBlockUnknownTag(t *testing.T) {
	if _, err := DecompressBlock(nil, []byte("x"), 42); err == nil {
		t.Error("unknown tag accepted")
	}
}
