package backup_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shortlinker/shortlinker/pkg/backup"
)

func TestParseCompression(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    backup.Compression
		wantErr bool
	}{
		{in: "", want: backup.CompressionZstd},
		{in: "none", want: backup.CompressionNone},
		{in: "gzip", want: backup.CompressionGzip},
		{in: "zstd", want: backup.CompressionZstd},
		{in: "lz4", want: backup.CompressionLz4},
		{in: "brotli", want: backup.CompressionBrotli},
		{in: "xz", want: backup.CompressionXz},
		{in: "lzip", want: backup.CompressionLzip},
		{in: "snappy", wantErr: true},
		{in: "Zstd", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()

			got, err := backup.ParseCompression(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, backup.ErrUnknownCompression)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompressionFileExtension(t *testing.T) {
	t.Parallel()

	exts := map[backup.Compression]string{
		backup.CompressionNone:   "",
		backup.CompressionGzip:   "gz",
		backup.CompressionZstd:   "zst",
		backup.CompressionLz4:    "lz4",
		backup.CompressionBrotli: "br",
		backup.CompressionXz:     "xz",
		backup.CompressionLzip:   "lz",
	}

	for comp, ext := range exts {
		assert.Equal(t, ext, comp.FileExtension())

		back, err := backup.CompressionFromExtension(ext)
		require.NoError(t, err)
		assert.Equal(t, comp, back)
	}

	_, err := backup.CompressionFromExtension("rar")
	require.ErrorIs(t, err, backup.ErrUnknownFileExtension)
}

func TestCompressionRoundTrip(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte("code,target\nwelcome,https://example.com/welcome\n"), 64)

	comps := []backup.Compression{
		backup.CompressionNone,
		backup.CompressionGzip,
		backup.CompressionZstd,
		backup.CompressionLz4,
		backup.CompressionBrotli,
		backup.CompressionXz,
		backup.CompressionLzip,
	}

	for _, comp := range comps {
		t.Run(comp.String(), func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer

			w, err := comp.NewWriter(&buf)
			require.NoError(t, err)

			_, err = w.Write(payload)
			require.NoError(t, err)
			require.NoError(t, w.Close())

			r, err := comp.NewReader(bytes.NewReader(buf.Bytes()))
			require.NoError(t, err)

			got, err := io.ReadAll(r)
			require.NoError(t, err)
			require.NoError(t, r.Close())

			assert.Equal(t, payload, got)
		})
	}
}

func TestCompressionNoneIsPassThrough(t *testing.T) {
	t.Parallel()

	payload := []byte("plain text stays plain")

	var buf bytes.Buffer

	w, err := backup.CompressionNone.NewWriter(&buf)
	require.NoError(t, err)

	_, err = w.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	assert.Equal(t, payload, buf.Bytes())
}
