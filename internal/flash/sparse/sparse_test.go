package sparse_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	customerrors "github.com/bavix/boardfarm/internal/errors"
	"github.com/bavix/boardfarm/internal/flash/sparse"
)

const blockSize = 16

func buildImage(t *testing.T) ([]byte, []byte) {
	t.Helper()

	raw := bytes.Repeat([]byte("0123456789abcdef"), 2)
	fill := [4]byte{0xde, 0xad, 0xbe, 0xef}

	var buf bytes.Buffer

	w := sparse.NewWriter(&buf, blockSize)
	require.NoError(t, w.Raw(raw))
	w.Fill(fill, 1)
	w.DontCare(2)
	w.CRC32()
	require.NoError(t, w.Close())

	expanded := append([]byte{}, raw...)
	expanded = append(expanded, sparse.FillBytes(fill, blockSize)...)
	expanded = append(expanded, make([]byte, 2*blockSize)...)

	return buf.Bytes(), expanded
}

func expand(t *testing.T, r *sparse.Reader) []byte {
	t.Helper()

	out := make([]byte, r.Header().ExpandedSize())

	for {
		c, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out
		}

		require.NoError(t, err)

		switch c.Type {
		case sparse.ChunkRaw:
			_, err := io.ReadFull(c.Data, out[c.Offset:c.Offset+c.Length])
			require.NoError(t, err)
		case sparse.ChunkFill:
			copy(out[c.Offset:], sparse.FillBytes(c.Fill, int(c.Length)))
		case sparse.ChunkDontCare, sparse.ChunkCRC32:
		}
	}
}

func TestRoundTripExpand(t *testing.T) {
	t.Parallel()

	img, expanded := buildImage(t)
	require.True(t, sparse.IsSparse(img))

	r, err := sparse.NewReader(bytes.NewReader(img))
	require.NoError(t, err)

	h := r.Header()
	assert.Equal(t, uint32(blockSize), h.BlockSize)
	assert.Equal(t, uint32(5), h.TotalBlocks)
	assert.Equal(t, uint32(4), h.TotalChunks)
	assert.Equal(t, int64(len(expanded)), h.ExpandedSize())

	assert.Equal(t, expanded, expand(t, r))
	assert.Equal(t, crc32.ChecksumIEEE(expanded), r.CRC32())
}

func TestChunkInputSizesCoverImage(t *testing.T) {
	t.Parallel()

	img, _ := buildImage(t)

	r, err := sparse.NewReader(bytes.NewReader(img))
	require.NoError(t, err)

	total := int64(sparse.FileHeaderSize)

	for {
		c, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}

		require.NoError(t, err)

		total += c.InputSize
	}

	assert.Equal(t, int64(len(img)), total)
}

func TestUnreadRawDataIsSkipped(t *testing.T) {
	t.Parallel()

	img, _ := buildImage(t)

	r, err := sparse.NewReader(bytes.NewReader(img))
	require.NoError(t, err)

	var types []sparse.ChunkType

	for {
		c, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}

		require.NoError(t, err, "checksum must still match when raw data is skipped")

		types = append(types, c.Type)
	}

	assert.Equal(t, []sparse.ChunkType{sparse.ChunkRaw, sparse.ChunkFill, sparse.ChunkDontCare, sparse.ChunkCRC32}, types)
}

func TestRejectsMalformed(t *testing.T) {
	t.Parallel()

	img, _ := buildImage(t)

	corrupt := func(mutate func([]byte)) []byte {
		b := bytes.Clone(img)
		mutate(b)

		return b
	}

	tests := []struct {
		name string
		img  []byte
	}{
		{name: "short", img: img[:10]},
		{name: "magic", img: corrupt(func(b []byte) { b[0] = 0 })},
		{name: "version", img: corrupt(func(b []byte) { binary.LittleEndian.PutUint16(b[4:], 2) })},
		{name: "block size", img: corrupt(func(b []byte) { binary.LittleEndian.PutUint32(b[12:], 6) })},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := sparse.NewReader(bytes.NewReader(tt.img))
			require.ErrorIs(t, err, sparse.ErrMalformed)
			require.ErrorIs(t, err, customerrors.ErrInvalidArgument)
		})
	}
}

func TestRejectsBadChunks(t *testing.T) {
	t.Parallel()

	img, _ := buildImage(t)

	t.Run("unknown type", func(t *testing.T) {
		t.Parallel()

		b := bytes.Clone(img)
		binary.LittleEndian.PutUint16(b[sparse.FileHeaderSize:], 0xBEEF)

		r, err := sparse.NewReader(bytes.NewReader(b))
		require.NoError(t, err)

		_, err = r.Next()
		require.ErrorIs(t, err, sparse.ErrMalformed)
	})

	t.Run("truncated raw", func(t *testing.T) {
		t.Parallel()

		r, err := sparse.NewReader(bytes.NewReader(img[:sparse.FileHeaderSize+sparse.ChunkHeaderSize+5]))
		require.NoError(t, err)

		c, err := r.Next()
		require.NoError(t, err)

		_, err = io.ReadAll(c.Data)
		require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("checksum", func(t *testing.T) {
		t.Parallel()

		b := bytes.Clone(img)
		b[sparse.FileHeaderSize+sparse.ChunkHeaderSize] ^= 0xff

		r, err := sparse.NewReader(bytes.NewReader(b))
		require.NoError(t, err)

		var lastErr error

		for {
			_, err := r.Next()
			if err != nil {
				lastErr = err

				break
			}
		}

		require.ErrorIs(t, lastErr, sparse.ErrChecksum)
	})
}

func TestRawMustBeAligned(t *testing.T) {
	t.Parallel()

	w := sparse.NewWriter(io.Discard, blockSize)
	require.Error(t, w.Raw([]byte("short")))
}
