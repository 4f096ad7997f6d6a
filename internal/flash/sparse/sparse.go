// Package sparse streams Android sparse images chunk by chunk without
// buffering the expanded image.
package sparse

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	customerrors "github.com/bavix/boardfarm/internal/errors"
)

const (
	Magic           uint32 = 0xED26FF3A
	FileHeaderSize         = 28
	ChunkHeaderSize        = 12
	majorVersion           = 1
)

type ChunkType uint16

const (
	ChunkRaw      ChunkType = 0xCAC1
	ChunkFill     ChunkType = 0xCAC2
	ChunkDontCare ChunkType = 0xCAC3
	ChunkCRC32    ChunkType = 0xCAC4
)

func (t ChunkType) String() string {
	switch t {
	case ChunkRaw:
		return "raw"
	case ChunkFill:
		return "fill"
	case ChunkDontCare:
		return "dont_care"
	case ChunkCRC32:
		return "crc32"
	default:
		return fmt.Sprintf("chunk(%#04x)", uint16(t))
	}
}

var ErrMalformed = fmt.Errorf("%w: malformed sparse image", customerrors.ErrInvalidArgument)

var ErrChecksum = errors.New("sparse image checksum mismatch")

type Header struct {
	Major           uint16
	Minor           uint16
	FileHeaderSize  uint16
	ChunkHeaderSize uint16
	BlockSize       uint32
	TotalBlocks     uint32
	TotalChunks     uint32
	Checksum        uint32
}

// ExpandedSize is the size of the image once written out.
func (h Header) ExpandedSize() int64 { return int64(h.BlockSize) * int64(h.TotalBlocks) }

// IsSparse reports whether b starts with the sparse magic.
func IsSparse(b []byte) bool {
	return len(b) >= 4 && binary.LittleEndian.Uint32(b) == Magic
}

// Chunk is one decoded chunk. For raw chunks Data yields exactly Length
// bytes and must be consumed before the next call to Next, or it is
// discarded.
type Chunk struct {
	Type   ChunkType
	Blocks uint32
	// Offset and Length describe the output byte range.
	Offset int64
	Length int64
	// InputSize is the number of image bytes the chunk occupied, header
	// included.
	InputSize int64
	Fill      [4]byte
	CRC       uint32
	Data      io.Reader
}

type Reader struct {
	r      io.Reader
	hdr    Header
	chunks uint32
	offset int64
	raw    *io.LimitedReader
	crc    uint32
}

// NewReader consumes and validates the file header.
func NewReader(r io.Reader) (*Reader, error) {
	var buf [FileHeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, fmt.Errorf("%w: header: %w", ErrMalformed, err)
	}

	if binary.LittleEndian.Uint32(buf[0:]) != Magic {
		return nil, fmt.Errorf("%w: bad magic", ErrMalformed)
	}

	h := Header{
		Major:           binary.LittleEndian.Uint16(buf[4:]),
		Minor:           binary.LittleEndian.Uint16(buf[6:]),
		FileHeaderSize:  binary.LittleEndian.Uint16(buf[8:]),
		ChunkHeaderSize: binary.LittleEndian.Uint16(buf[10:]),
		BlockSize:       binary.LittleEndian.Uint32(buf[12:]),
		TotalBlocks:     binary.LittleEndian.Uint32(buf[16:]),
		TotalChunks:     binary.LittleEndian.Uint32(buf[20:]),
		Checksum:        binary.LittleEndian.Uint32(buf[24:]),
	}

	switch {
	case h.Major != majorVersion:
		return nil, fmt.Errorf("%w: unsupported version %d.%d", ErrMalformed, h.Major, h.Minor)
	case h.FileHeaderSize < FileHeaderSize || h.ChunkHeaderSize < ChunkHeaderSize:
		return nil, fmt.Errorf("%w: header sizes %d/%d", ErrMalformed, h.FileHeaderSize, h.ChunkHeaderSize)
	case h.BlockSize == 0 || h.BlockSize%4 != 0:
		return nil, fmt.Errorf("%w: block size %d", ErrMalformed, h.BlockSize)
	}

	if extra := int64(h.FileHeaderSize) - FileHeaderSize; extra > 0 {
		if _, err := io.CopyN(io.Discard, r, extra); err != nil {
			return nil, fmt.Errorf("%w: header padding: %w", ErrMalformed, err)
		}
	}

	return &Reader{r: r, hdr: h}, nil
}

func (s *Reader) Header() Header { return s.hdr }

// Next returns the next chunk, or io.EOF after the last one.
//
//nolint:cyclop,funlen // one branch per chunk type
func (s *Reader) Next() (*Chunk, error) {
	if err := s.drain(); err != nil {
		return nil, err
	}

	if s.chunks == s.hdr.TotalChunks {
		if s.offset != s.hdr.ExpandedSize() {
			return nil, fmt.Errorf("%w: chunks cover %d of %d bytes", ErrMalformed, s.offset, s.hdr.ExpandedSize())
		}

		return nil, io.EOF
	}

	hdrSize := int64(s.hdr.ChunkHeaderSize)
	buf := make([]byte, hdrSize)

	if _, err := io.ReadFull(s.r, buf); err != nil {
		return nil, fmt.Errorf("%w: chunk %d header: %w", ErrMalformed, s.chunks, err)
	}

	c := &Chunk{
		Type:      ChunkType(binary.LittleEndian.Uint16(buf[0:])),
		Blocks:    binary.LittleEndian.Uint32(buf[4:]),
		Offset:    s.offset,
		InputSize: int64(binary.LittleEndian.Uint32(buf[8:])),
	}
	c.Length = int64(c.Blocks) * int64(s.hdr.BlockSize)
	payload := c.InputSize - hdrSize

	if s.offset+c.Length > s.hdr.ExpandedSize() {
		return nil, fmt.Errorf("%w: chunk %d overruns image", ErrMalformed, s.chunks)
	}

	switch c.Type {
	case ChunkRaw:
		if payload != c.Length {
			return nil, fmt.Errorf("%w: raw chunk %d carries %d bytes for %d", ErrMalformed, s.chunks, payload, c.Length)
		}

		s.raw = &io.LimitedReader{R: s.r, N: payload}
		c.Data = &crcReader{r: s.raw, crc: &s.crc}
	case ChunkFill:
		if payload != 4 {
			return nil, fmt.Errorf("%w: fill chunk %d payload %d", ErrMalformed, s.chunks, payload)
		}

		if _, err := io.ReadFull(s.r, c.Fill[:]); err != nil {
			return nil, fmt.Errorf("%w: fill chunk %d: %w", ErrMalformed, s.chunks, err)
		}

		s.crc = updateRepeated(s.crc, c.Fill[:], c.Length)
	case ChunkDontCare:
		if payload != 0 {
			return nil, fmt.Errorf("%w: dont-care chunk %d payload %d", ErrMalformed, s.chunks, payload)
		}

		s.crc = updateRepeated(s.crc, []byte{0, 0, 0, 0}, c.Length)
	case ChunkCRC32:
		if payload != 4 {
			return nil, fmt.Errorf("%w: crc chunk %d payload %d", ErrMalformed, s.chunks, payload)
		}

		var b [4]byte
		if _, err := io.ReadFull(s.r, b[:]); err != nil {
			return nil, fmt.Errorf("%w: crc chunk %d: %w", ErrMalformed, s.chunks, err)
		}

		c.CRC = binary.LittleEndian.Uint32(b[:])
		if c.CRC != s.crc {
			return nil, fmt.Errorf("%w: chunk %d expected %#08x got %#08x", ErrChecksum, s.chunks, c.CRC, s.crc)
		}
	default:
		return nil, fmt.Errorf("%w: unknown chunk type %#04x", ErrMalformed, uint16(c.Type))
	}

	s.chunks++
	s.offset += c.Length

	return c, nil
}

// CRC32 is the running IEEE checksum of the expanded output so far, with
// dont-care regions counted as zeros.
func (s *Reader) CRC32() uint32 { return s.crc }

func (s *Reader) drain() error {
	if s.raw == nil {
		return nil
	}

	raw := s.raw
	s.raw = nil

	if raw.N == 0 {
		return nil
	}

	if _, err := io.Copy(io.Discard, &crcReader{r: raw, crc: &s.crc}); err != nil {
		return fmt.Errorf("%w: raw chunk data: %w", ErrMalformed, err)
	}

	if raw.N != 0 {
		return fmt.Errorf("%w: raw chunk truncated", ErrMalformed)
	}

	return nil
}

type crcReader struct {
	r   io.Reader
	crc *uint32
}

func (c *crcReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	*c.crc = crc32.Update(*c.crc, crc32.IEEETable, p[:n])

	if errors.Is(err, io.EOF) {
		if lr, ok := c.r.(*io.LimitedReader); ok && lr.N > 0 {
			return n, io.ErrUnexpectedEOF
		}
	}

	return n, err
}

func updateRepeated(crc uint32, pattern []byte, length int64) uint32 {
	const span = 4096

	block := make([]byte, span)
	for i := 0; i < span; i += len(pattern) {
		copy(block[i:], pattern)
	}

	for length > 0 {
		n := min(length, span)
		crc = crc32.Update(crc, crc32.IEEETable, block[:n])
		length -= n
	}

	return crc
}

// FillBytes expands a fill pattern to n bytes.
func FillBytes(pattern [4]byte, n int) []byte {
	out := make([]byte, n)
	for i := 0; i < n; i += 4 {
		copy(out[i:], pattern[:])
	}

	return out
}
