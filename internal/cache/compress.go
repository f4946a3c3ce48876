package cache

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Compression algorithm names
const (
	AlgorithmZstd   = "zstd"
	AlgorithmS2     = "s2"
	AlgorithmGzip   = "gzip"
	AlgorithmBrotli = "brotli"
)

// Compression defaults
const (
	DefaultCompressionThreshold = 1024
	DefaultMinSavings           = 0.10
)

// Codec is a reversible byte transform
type Codec interface {
	Name() string
	Encode(src []byte) ([]byte, error)
	Decode(src []byte) ([]byte, error)
}

// CompressorConfig controls when and how values are compressed
type CompressorConfig struct {
	Enabled bool `yaml:"enabled"`

	// Algorithm is one of zstd, s2, gzip, brotli
	Algorithm string `yaml:"algorithm"`

	// Threshold is the size above which compression is attempted
	Threshold int `yaml:"threshold"`

	// MinSavings is the fraction the output must shrink by to be kept
	MinSavings float64 `yaml:"min_savings"`

	// Level is passed to gzip and brotli; zero means the codec default
	Level int `yaml:"level"`
}

// DefaultCompressorConfig returns zstd above 1 KiB with 10% minimum savings
func DefaultCompressorConfig() CompressorConfig {
	return CompressorConfig{
		Enabled:    true,
		Algorithm:  AlgorithmZstd,
		Threshold:  DefaultCompressionThreshold,
		MinSavings: DefaultMinSavings,
	}
}

// Compressor applies a codec opportunistically. Every codec stays
// registered for decoding, so entries written under a previous algorithm
// still read back.
type Compressor struct {
	config  CompressorConfig
	primary Codec
	codecs  map[string]Codec
}

// NewCompressor builds a compressor for config
func NewCompressor(config CompressorConfig) (*Compressor, error) {
	if config.Algorithm == "" {
		config.Algorithm = AlgorithmZstd
	}
	if config.Threshold < 0 {
		return nil, fmt.Errorf("compression threshold cannot be negative")
	}
	if config.MinSavings < 0 || config.MinSavings >= 1 {
		return nil, fmt.Errorf("min savings %.2f must be within [0, 1)", config.MinSavings)
	}

	zc, err := newZstdCodec()
	if err != nil {
		return nil, err
	}
	codecs := map[string]Codec{
		AlgorithmZstd:   zc,
		AlgorithmS2:     s2Codec{},
		AlgorithmGzip:   gzipCodec{level: config.Level},
		AlgorithmBrotli: brotliCodec{level: config.Level},
	}

	primary, ok := codecs[config.Algorithm]
	if !ok {
		return nil, fmt.Errorf("unknown compression algorithm: %s", config.Algorithm)
	}

	return &Compressor{config: config, primary: primary, codecs: codecs}, nil
}

// Algorithm returns the name of the codec used for new values
func (c *Compressor) Algorithm() string {
	return c.primary.Name()
}

// Compress returns the bytes to store. When compression is disabled, the
// input is at or below the threshold, encoding fails, or the result does
// not save at least MinSavings, src is returned unchanged with ok=false.
func (c *Compressor) Compress(src []byte) (out []byte, algorithm string, ok bool) {
	if !c.config.Enabled || len(src) <= c.config.Threshold {
		return src, "", false
	}

	encoded, err := c.primary.Encode(src)
	if err != nil {
		return src, "", false
	}

	limit := float64(len(src)) * (1 - c.config.MinSavings)
	if float64(len(encoded)) > limit {
		return src, "", false
	}
	return encoded, c.primary.Name(), true
}

// Decompress reverses Compress for the named algorithm
func (c *Compressor) Decompress(data []byte, algorithm string) ([]byte, error) {
	codec, ok := c.codecs[algorithm]
	if !ok {
		return nil, fmt.Errorf("unknown compression algorithm: %q", algorithm)
	}
	out, err := codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s decode: %w", algorithm, err)
	}
	return out, nil
}

// Codec returns the registered codec for name
func (c *Compressor) Codec(name string) (Codec, bool) {
	codec, ok := c.codecs[name]
	return codec, ok
}

// zstd encoders and decoders are safe for concurrent EncodeAll/DecodeAll
type zstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

var (
	zstdOnce sync.Once
	zstdInst *zstdCodec
	zstdErr  error
)

func newZstdCodec() (*zstdCodec, error) {
	zstdOnce.Do(func() {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
		if err != nil {
			zstdErr = fmt.Errorf("failed to create zstd encoder: %w", err)
			return
		}
		dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
		if err != nil {
			zstdErr = fmt.Errorf("failed to create zstd decoder: %w", err)
			return
		}
		zstdInst = &zstdCodec{enc: enc, dec: dec}
	})
	return zstdInst, zstdErr
}

func (z *zstdCodec) Name() string { return AlgorithmZstd }

func (z *zstdCodec) Encode(src []byte) ([]byte, error) {
	return z.enc.EncodeAll(src, make([]byte, 0, len(src)/2)), nil
}

func (z *zstdCodec) Decode(src []byte) ([]byte, error) {
	return z.dec.DecodeAll(src, nil)
}

type s2Codec struct{}

func (s2Codec) Name() string { return AlgorithmS2 }

func (s2Codec) Encode(src []byte) ([]byte, error) {
	return s2.Encode(nil, src), nil
}

func (s2Codec) Decode(src []byte) ([]byte, error) {
	return s2.Decode(nil, src)
}

type gzipCodec struct {
	level int
}

func (gzipCodec) Name() string { return AlgorithmGzip }

func (g gzipCodec) Encode(src []byte) ([]byte, error) {
	level := g.level
	if level == 0 {
		level = gzip.DefaultCompression
	}

	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(src); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gzipCodec) Decode(src []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

type brotliCodec struct {
	level int
}

func (brotliCodec) Name() string { return AlgorithmBrotli }

func (b brotliCodec) Encode(src []byte) ([]byte, error) {
	level := b.level
	if level == 0 {
		level = brotli.DefaultCompression
	}

	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, level)
	if _, err := w.Write(src); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (brotliCodec) Decode(src []byte) ([]byte, error) {
	return io.ReadAll(brotli.NewReader(bytes.NewReader(src)))
}
