package sparse

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

// Writer encodes a sparse image. Chunks are buffered until Close because the
// header carries the chunk count.
type Writer struct {
	w         io.Writer
	blockSize uint32
	blocks    uint32
	chunks    uint32
	body      bytes.Buffer
	crc       uint32
	closed    bool
}

func NewWriter(w io.Writer, blockSize uint32) *Writer {
	return &Writer{w: w, blockSize: blockSize}
}

func (w *Writer) chunkHeader(t ChunkType, blocks uint32, payload int) {
	var h [ChunkHeaderSize]byte
	binary.LittleEndian.PutUint16(h[0:], uint16(t))
	binary.LittleEndian.PutUint32(h[4:], blocks)
	binary.LittleEndian.PutUint32(h[8:], uint32(ChunkHeaderSize+payload)) //nolint:gosec // chunk sizes fit
	w.body.Write(h[:])
	w.chunks++
	w.blocks += blocks
}

// Raw appends data, which must be a whole number of blocks.
func (w *Writer) Raw(data []byte) error {
	if len(data)%int(w.blockSize) != 0 {
		return fmt.Errorf("raw data of %d bytes is not block aligned", len(data))
	}

	w.chunkHeader(ChunkRaw, uint32(len(data))/w.blockSize, len(data)) //nolint:gosec // bounded by caller
	w.body.Write(data)
	w.crc = crc32.Update(w.crc, crc32.IEEETable, data)

	return nil
}

func (w *Writer) Fill(pattern [4]byte, blocks uint32) {
	w.chunkHeader(ChunkFill, blocks, 4)
	w.body.Write(pattern[:])
	w.crc = updateRepeated(w.crc, pattern[:], int64(blocks)*int64(w.blockSize))
}

func (w *Writer) DontCare(blocks uint32) {
	w.chunkHeader(ChunkDontCare, blocks, 0)
	w.crc = updateRepeated(w.crc, []byte{0, 0, 0, 0}, int64(blocks)*int64(w.blockSize))
}

// CRC32 appends a checksum chunk covering everything so far.
func (w *Writer) CRC32() {
	w.chunkHeader(ChunkCRC32, 0, 4)

	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], w.crc)
	w.body.Write(b[:])
}

func (w *Writer) Close() error {
	if w.closed {
		return nil
	}

	w.closed = true

	var h [FileHeaderSize]byte
	binary.LittleEndian.PutUint32(h[0:], Magic)
	binary.LittleEndian.PutUint16(h[4:], majorVersion)
	binary.LittleEndian.PutUint16(h[8:], FileHeaderSize)
	binary.LittleEndian.PutUint16(h[10:], ChunkHeaderSize)
	binary.LittleEndian.PutUint32(h[12:], w.blockSize)
	binary.LittleEndian.PutUint32(h[16:], w.blocks)
	binary.LittleEndian.PutUint32(h[20:], w.chunks)

	if _, err := w.w.Write(h[:]); err != nil {
		return err
	}

	_, err := w.body.WriteTo(w.w)

	return err
}
