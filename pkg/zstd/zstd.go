// Package zstd pools zstd encoders and decoders so the paths that
// compress responses and backup archives do not pay for a fresh coder
// per stream.
package zstd

import (
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Both pools run the library defaults. Callers needing a specific level
// should build their own coder rather than poison the pool.

//nolint:gochecknoglobals
var writerPool = sync.Pool{
	New: func() any {
		enc, _ := zstd.NewWriter(nil)

		return enc
	},
}

//nolint:gochecknoglobals
var readerPool = sync.Pool{
	New: func() any {
		dec, _ := zstd.NewReader(nil)

		return dec
	},
}

// GetWriter takes an encoder from the pool. Pair it with PutWriter.
func GetWriter() *zstd.Encoder {
	return writerPool.Get().(*zstd.Encoder)
}

// PutWriter resets the encoder and returns it to the pool. nil is a no-op.
func PutWriter(enc *zstd.Encoder) {
	if enc != nil {
		enc.Reset(nil)
		writerPool.Put(enc)
	}
}

// GetReader takes a decoder from the pool. Pair it with PutReader.
func GetReader() *zstd.Decoder {
	return readerPool.Get().(*zstd.Decoder)
}

// PutReader resets the decoder and returns it to the pool. nil is a no-op.
func PutReader(dec *zstd.Decoder) {
	if dec != nil {
		_ = dec.Reset(nil)
		readerPool.Put(dec)
	}
}

// PooledWriter is an encoder that hands itself back to the pool on Close.
type PooledWriter struct {
	*zstd.Encoder
}

// NewPooledWriter wraps w with a pooled encoder.
func NewPooledWriter(w io.Writer) *PooledWriter {
	enc := GetWriter()
	enc.Reset(w)

	return &PooledWriter{Encoder: enc}
}

// Close flushes the stream and returns the encoder to the pool. Closing
// twice is safe.
func (pw *PooledWriter) Close() error {
	if pw.Encoder == nil {
		return nil
	}

	err := pw.Encoder.Close()
	PutWriter(pw.Encoder)
	pw.Encoder = nil

	return err
}

// PooledReader is a decoder that hands itself back to the pool on Close.
type PooledReader struct {
	*zstd.Decoder
}

// NewPooledReader wraps r with a pooled decoder.
func NewPooledReader(r io.Reader) (*PooledReader, error) {
	dec := GetReader()
	if err := dec.Reset(r); err != nil {
		PutReader(dec)

		return nil, err
	}

	return &PooledReader{Decoder: dec}, nil
}

// Close returns the decoder to the pool without closing it for good, so
// the pool can keep reusing it. Closing twice is safe.
func (pr *PooledReader) Close() error {
	if pr.Decoder == nil {
		return nil
	}

	PutReader(pr.Decoder)
	pr.Decoder = nil

	return nil
}
