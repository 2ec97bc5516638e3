package backup

import (
	"errors"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/pierrec/lz4/v4"
	"github.com/sorairolake/lzip-go"
	"github.com/ulikunitz/xz"

	zstdpool "github.com/shortlinker/shortlinker/pkg/zstd"
)

var (
	// ErrUnknownCompression is returned for a compression name outside the
	// supported set.
	ErrUnknownCompression = errors.New("unknown compression")

	// ErrUnknownFileExtension is returned if the file extension does not map
	// to a supported compression.
	ErrUnknownFileExtension = errors.New("file extension is not known")
)

// Compression selects the codec applied to a backup archive.
type Compression string

const (
	CompressionNone   Compression = "none"
	CompressionGzip   Compression = "gzip"
	CompressionZstd   Compression = "zstd"
	CompressionLz4    Compression = "lz4"
	CompressionBrotli Compression = "brotli"
	CompressionXz     Compression = "xz"
	CompressionLzip   Compression = "lzip"
)

// ParseCompression maps a configuration value to a Compression. The
// empty string selects zstd, matching the configuration default.
func ParseCompression(s string) (Compression, error) {
	switch Compression(s) {
	case Compression(""):
		return CompressionZstd, nil
	case CompressionNone, CompressionGzip, CompressionZstd,
		CompressionLz4, CompressionBrotli, CompressionXz, CompressionLzip:
		return Compression(s), nil
	default:
		return Compression(""), fmt.Errorf("%w: %q", ErrUnknownCompression, s)
	}
}

// CompressionFromExtension returns the compression for a file extension,
// as produced by FileExtension.
func CompressionFromExtension(ext string) (Compression, error) {
	switch ext {
	case "":
		return CompressionNone, nil
	case "gz":
		return CompressionGzip, nil
	case "zst":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLz4, nil
	case "br":
		return CompressionBrotli, nil
	case "xz":
		return CompressionXz, nil
	case "lz":
		return CompressionLzip, nil
	default:
		return Compression(""), fmt.Errorf("%w: %q", ErrUnknownFileExtension, ext)
	}
}

// FileExtension returns the file extension for the compression, without
// the leading dot. None has no extension.
func (c Compression) FileExtension() string {
	switch c {
	case Compression(""):
		fallthrough
	case CompressionNone:
		return ""
	case CompressionGzip:
		return "gz"
	case CompressionZstd:
		return "zst"
	case CompressionLz4:
		return "lz4"
	case CompressionBrotli:
		return "br"
	case CompressionXz:
		return "xz"
	case CompressionLzip:
		return "lz"
	default:
		panic(fmt.Sprintf("the compression %s is not known", c))
	}
}

// String returns the Compression as a string.
func (c Compression) String() string { return string(c) }

// NewWriter wraps w with the selected codec. The caller must close the
// returned writer to flush the stream; closing it does not close w.
func (c Compression) NewWriter(w io.Writer) (io.WriteCloser, error) {
	switch c {
	case Compression(""), CompressionNone:
		return nopWriteCloser{w}, nil

	case CompressionGzip:
		return gzip.NewWriter(w), nil

	case CompressionZstd:
		return zstdpool.NewPooledWriter(w), nil

	case CompressionLz4:
		return lz4.NewWriter(w), nil

	case CompressionBrotli:
		return brotli.NewWriter(w), nil

	case CompressionXz:
		xw, err := xz.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("failed to create xz writer: %w", err)
		}

		return xw, nil

	case CompressionLzip:
		return lzip.NewWriter(w), nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCompression, c)
	}
}

// NewReader wraps r with a decompressor for the selected codec. The
// caller is responsible for closing the returned ReadCloser.
func (c Compression) NewReader(r io.Reader) (io.ReadCloser, error) {
	switch c {
	case Compression(""), CompressionNone:
		if rc, ok := r.(io.ReadCloser); ok {
			return rc, nil
		}

		return io.NopCloser(r), nil

	case CompressionGzip:
		gr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}

		return gr, nil

	case CompressionZstd:
		pr, err := zstdpool.NewPooledReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd reader: %w", err)
		}

		return pr, nil

	case CompressionLz4:
		return io.NopCloser(lz4.NewReader(r)), nil

	case CompressionBrotli:
		return io.NopCloser(brotli.NewReader(r)), nil

	case CompressionXz:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to create xz reader: %w", err)
		}

		return io.NopCloser(xr), nil

	case CompressionLzip:
		lr, err := lzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to create lzip reader: %w", err)
		}

		return io.NopCloser(lr), nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCompression, c)
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
