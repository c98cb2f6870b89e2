// Package compression encodes harvest request bodies and decodes bodies
// received from instrumentation.
package compression

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Type represents a compression algorithm.
type Type string

const (
	TypeNone    Type = "none"
	TypeGzip    Type = "gzip"
	TypeZstd    Type = "zstd"
	TypeSnappy  Type = "snappy"
	TypeZlib    Type = "zlib"
	TypeDeflate Type = "deflate"
	TypeLZ4     Type = "lz4"
)

// Level is an algorithm-specific compression level. LevelDefault picks the
// algorithm's default.
type Level int

const (
	LevelDefault Level = 0
	LevelFastest Level = 1
	LevelBest    Level = 9
)

// Config holds compression configuration.
type Config struct {
	Type  Type  `yaml:"type"`
	Level Level `yaml:"level"`
}

// ParseType parses a compression type string.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return TypeNone, nil
	case "gzip":
		return TypeGzip, nil
	case "zstd":
		return TypeZstd, nil
	case "snappy":
		return TypeSnappy, nil
	case "zlib":
		return TypeZlib, nil
	case "deflate":
		return TypeDeflate, nil
	case "lz4":
		return TypeLZ4, nil
	default:
		return TypeNone, fmt.Errorf("unsupported compression type: %s", s)
	}
}

// ContentEncoding returns the HTTP Content-Encoding value, empty for none.
func (t Type) ContentEncoding() string {
	switch t {
	case TypeGzip, TypeZstd, TypeSnappy, TypeZlib, TypeDeflate, TypeLZ4:
		return string(t)
	default:
		return ""
	}
}

// ParseContentEncoding maps a Content-Encoding header value to a Type.
func ParseContentEncoding(encoding string) Type {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "gzip", "x-gzip":
		return TypeGzip
	case "zstd":
		return TypeZstd
	case "snappy", "x-snappy-framed":
		return TypeSnappy
	case "zlib":
		return TypeZlib
	case "deflate":
		return TypeDeflate
	case "lz4":
		return TypeLZ4
	default:
		return TypeNone
	}
}

var (
	zstdEncodersMu sync.Mutex
	zstdEncoders   = map[zstd.EncoderLevel]*sync.Pool{}
)

func zstdPool(level zstd.EncoderLevel) *sync.Pool {
	zstdEncodersMu.Lock()
	defer zstdEncodersMu.Unlock()
	p, ok := zstdEncoders[level]
	if !ok {
		p = &sync.Pool{New: func() any {
			enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level), zstd.WithEncoderConcurrency(1))
			if err != nil {
				return nil
			}
			return enc
		}}
		zstdEncoders[level] = p
	}
	return p
}

// ErrTooLarge is returned when a decompressed body exceeds its limit.
var ErrTooLarge = errors.New("decompressed body too large")

var (
	zstdDecodersMu sync.Mutex
	zstdDecoders   = map[int64]*sync.Pool{}
)

// zstdDecoderPool returns decoders whose DecodeAll output is capped at
// limit bytes; zero keeps the library default.
func zstdDecoderPool(limit int64) *sync.Pool {
	zstdDecodersMu.Lock()
	defer zstdDecodersMu.Unlock()
	p, ok := zstdDecoders[limit]
	if !ok {
		opts := []zstd.DOption{zstd.WithDecoderConcurrency(1)}
		if limit > 0 {
			opts = append(opts, zstd.WithDecoderMaxMemory(uint64(limit)))
		}
		p = &sync.Pool{New: func() any {
			dec, err := zstd.NewReader(nil, opts...)
			if err != nil {
				return nil
			}
			return dec
		}}
		zstdDecoders[limit] = p
	}
	return p
}

// Compress compresses data with cfg. TypeNone returns data unchanged.
func Compress(data []byte, cfg Config) ([]byte, error) {
	if cfg.Type == TypeNone || cfg.Type == "" {
		return data, nil
	}

	var (
		out []byte
		err error
	)
	switch cfg.Type {
	case TypeGzip:
		out, err = streamCompress(data, func(w io.Writer) (io.WriteCloser, error) {
			return gzip.NewWriterLevel(w, flateLevel(cfg.Level))
		})
	case TypeZlib:
		out, err = streamCompress(data, func(w io.Writer) (io.WriteCloser, error) {
			return zlib.NewWriterLevel(w, flateLevel(cfg.Level))
		})
	case TypeDeflate:
		out, err = streamCompress(data, func(w io.Writer) (io.WriteCloser, error) {
			return flate.NewWriter(w, flateLevel(cfg.Level))
		})
	case TypeZstd:
		out, err = compressZstd(data, cfg.Level)
	case TypeSnappy:
		out = snappy.Encode(nil, data)
	case TypeLZ4:
		out, err = streamCompress(data, func(w io.Writer) (io.WriteCloser, error) {
			lw := lz4.NewWriter(w)
			if cfg.Level != LevelDefault {
				if err := lw.Apply(lz4.CompressionLevelOption(lz4Level(cfg.Level))); err != nil {
					return nil, err
				}
			}
			return lw, nil
		})
	default:
		return nil, fmt.Errorf("unsupported compression type: %s", cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	recordCompress(cfg.Type, len(data), len(out))
	return out, nil
}

// Decompress reverses Compress for the given type.
func Decompress(data []byte, t Type) ([]byte, error) {
	return DecompressLimit(data, t, 0)
}

// DecompressLimit is Decompress with the output capped at limit bytes; it
// returns ErrTooLarge past the cap. Zero means no limit.
func DecompressLimit(data []byte, t Type, limit int64) ([]byte, error) {
	switch t {
	case TypeNone, "":
		if limit > 0 && int64(len(data)) > limit {
			return nil, ErrTooLarge
		}
		return data, nil
	case TypeGzip:
		gr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		defer gr.Close()
		return readLimited(gr, limit)
	case TypeZlib:
		zr, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to create zlib reader: %w", err)
		}
		defer zr.Close()
		return readLimited(zr, limit)
	case TypeDeflate:
		fr := flate.NewReader(bytes.NewReader(data))
		defer fr.Close()
		return readLimited(fr, limit)
	case TypeZstd:
		pool := zstdDecoderPool(limit)
		dec, _ := pool.Get().(*zstd.Decoder)
		if dec == nil {
			return nil, fmt.Errorf("failed to create zstd decoder")
		}
		defer pool.Put(dec)
		out, err := dec.DecodeAll(data, nil)
		if errors.Is(err, zstd.ErrDecoderSizeExceeded) || errors.Is(err, zstd.ErrWindowSizeExceeded) {
			return nil, ErrTooLarge
		}
		return out, err
	case TypeSnappy:
		if limit > 0 {
			n, err := snappy.DecodedLen(data)
			if err != nil {
				return nil, err
			}
			if int64(n) > limit {
				return nil, ErrTooLarge
			}
		}
		return snappy.Decode(nil, data)
	case TypeLZ4:
		return readLimited(lz4.NewReader(bytes.NewReader(data)), limit)
	default:
		return nil, fmt.Errorf("unsupported compression type: %s", t)
	}
}

// readLimited reads one byte past limit so an exact fit is not mistaken
// for an overflow.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	out, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(out)) > limit {
		return nil, ErrTooLarge
	}
	return out, nil
}

func streamCompress(data []byte, open func(io.Writer) (io.WriteCloser, error)) ([]byte, error) {
	var buf bytes.Buffer
	w, err := open(&buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write data: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close writer: %w", err)
	}
	return buf.Bytes(), nil
}

func compressZstd(data []byte, level Level) ([]byte, error) {
	zl := zstd.SpeedDefault
	switch {
	case level == LevelDefault:
	case level <= LevelFastest:
		zl = zstd.SpeedFastest
	case level >= LevelBest:
		zl = zstd.SpeedBestCompression
	case level >= 6:
		zl = zstd.SpeedBetterCompression
	}
	pool := zstdPool(zl)
	enc, _ := pool.Get().(*zstd.Encoder)
	if enc == nil {
		return nil, fmt.Errorf("failed to create zstd encoder")
	}
	defer pool.Put(enc)
	return enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

func flateLevel(l Level) int {
	if l == LevelDefault {
		return flate.DefaultCompression
	}
	return int(l)
}

func lz4Level(l Level) lz4.CompressionLevel {
	switch {
	case l <= LevelFastest:
		return lz4.Fast
	case l >= LevelBest:
		return lz4.Level9
	default:
		return lz4.Level1 << (uint(l) - 1)
	}
}
