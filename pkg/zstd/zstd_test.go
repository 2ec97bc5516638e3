package zstd_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shortlinker/shortlinker/pkg/zstd"
)

func TestPutWriterWithNil(t *testing.T) {
	t.Parallel()

	zstd.PutWriter(nil)
}

func TestPutReaderWithNil(t *testing.T) {
	t.Parallel()

	zstd.PutReader(nil)
}

func TestPooledWriterCloseMultiple(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	writer := zstd.NewPooledWriter(&buf)
	require.NotNil(t, writer)

	require.NoError(t, writer.Close())
	require.NoError(t, writer.Close())
}

func TestPooledReaderCloseMultiple(t *testing.T) {
	t.Parallel()

	var compressed bytes.Buffer

	writer := zstd.NewPooledWriter(&compressed)
	_, err := writer.Write([]byte("test data"))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	reader, err := zstd.NewPooledReader(bytes.NewReader(compressed.Bytes()))
	require.NoError(t, err)

	_, err = io.ReadAll(reader)
	require.NoError(t, err)

	require.NoError(t, reader.Close())
	require.NoError(t, reader.Close())
}

func TestPooledReaderInvalidData(t *testing.T) {
	t.Parallel()

	reader, err := zstd.NewPooledReader(bytes.NewReader([]byte("not compressed data")))
	if err != nil {
		return
	}

	require.NotNil(t, reader)

	_, err = io.ReadAll(reader)
	require.Error(t, err)

	reader.Close()
}

func TestPooledWriterAndReaderRoundTrip(t *testing.T) {
	t.Parallel()

	testCases := []string{
		"Hello, World!",
		"",
		"a",
		"The quick brown fox jumps over the lazy dog",
		"Multiple\nlines\nof\ntext",
	}

	for _, testData := range testCases {
		t.Run(testData, func(t *testing.T) {
			t.Parallel()

			var compressed bytes.Buffer

			writer := zstd.NewPooledWriter(&compressed)
			require.NotNil(t, writer)

			n, err := writer.Write([]byte(testData))
			require.NoError(t, err)
			assert.Equal(t, len(testData), n)

			require.NoError(t, writer.Close())

			reader, err := zstd.NewPooledReader(bytes.NewReader(compressed.Bytes()))
			require.NoError(t, err)
			require.NotNil(t, reader)

			decompressed, err := io.ReadAll(reader)
			require.NoError(t, err)

			assert.Equal(t, testData, string(decompressed))

			require.NoError(t, reader.Close())
		})
	}
}

func TestPooledWriterEncodeAllPattern(t *testing.T) {
	t.Parallel()

	testData := []byte("test data for encode all pattern")

	writer := zstd.GetWriter()
	compressed := writer.EncodeAll(testData, nil)
	zstd.PutWriter(writer)

	reader, err := zstd.NewPooledReader(bytes.NewReader(compressed))
	require.NoError(t, err)

	decompressed, err := io.ReadAll(reader)
	require.NoError(t, err)
	require.NoError(t, reader.Close())

	assert.Equal(t, testData, decompressed)
}
