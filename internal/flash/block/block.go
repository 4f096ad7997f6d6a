// Package block writes raw or sparse images straight to a block device.
package block

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"strconv"

	"github.com/bavix/boardfarm/internal/capability"
	customerrors "github.com/bavix/boardfarm/internal/errors"
	"github.com/bavix/boardfarm/internal/flash"
	"github.com/bavix/boardfarm/internal/flash/sparse"
)

const (
	Name      = "block"
	chunkSize = 1 << 20
)

type Protocol struct{}

func New() *Protocol { return &Protocol{} }

func (*Protocol) Name() string { return Name }

func (*Protocol) Detect(_ context.Context, port capability.Port) (flash.Driver, error) {
	dev, ok := port.(capability.BlockPort)
	if !ok {
		return nil, fmt.Errorf("%w: block programmer needs a block device, got %s", customerrors.ErrProtocolMismatch, port.Transport())
	}

	size, err := dev.Size()
	if err != nil {
		return nil, customerrors.IO("block size", err)
	}

	if size <= 0 {
		return nil, fmt.Errorf("%w: block device reports no media", customerrors.ErrProtocolMismatch)
	}

	return &driver{dev: dev, size: size}, nil
}

// extent is a written range and the checksum of what was written there.
type extent struct {
	off int64
	n   int64
	crc uint32
}

type driver struct {
	dev     capability.BlockPort
	size    int64
	limit   int64 // writable bytes from the region offset
	sparse  *sparse.Reader
	extents []extent
}

func (d *driver) Connect(context.Context) (map[string]string, error) {
	return map[string]string{
		"transport": capability.TransportBlock,
		"size":      strconv.FormatInt(d.size, 10),
	}, nil
}

func (d *driver) Negotiate(_ context.Context, job *flash.Job) error {
	base := int64(job.Region.Offset) //nolint:gosec // offsets fit int64
	if base >= d.size {
		return fmt.Errorf("%w: region %q starts past end of device", customerrors.ErrInvalidArgument, job.Region.Name)
	}

	limit := d.size - base

	if job.Region.Size > 0 {
		limit = min(limit, int64(job.Region.Size)) //nolint:gosec // sizes fit int64
	}

	d.limit = limit

	if job.Sparse() {
		r, err := sparse.NewReader(job.Image)
		if err != nil {
			return err
		}

		if r.Header().ExpandedSize() > limit {
			return fmt.Errorf("%w: sparse image expands to %d, region holds %d", customerrors.ErrImageTooLarge, r.Header().ExpandedSize(), limit)
		}

		d.sparse = r

		return nil
	}

	if job.Size > limit {
		return fmt.Errorf("%w: %d bytes, region holds %d", customerrors.ErrImageTooLarge, job.Size, limit)
	}

	return nil
}

func (d *driver) Transfer(ctx context.Context, job *flash.Job) error {
	base := int64(job.Region.Offset) //nolint:gosec // offsets fit int64

	if d.sparse == nil {
		n, crc, err := d.copy(ctx, job, job.Image, base, d.limit)
		if n > 0 {
			d.extents = append(d.extents, extent{off: base, n: n, crc: crc})
		}

		return err
	}

	job.Advance(int64(d.sparse.Header().FileHeaderSize))

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		c, err := d.sparse.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return err
		}

		if err := d.writeChunk(ctx, job, base, c); err != nil {
			return err
		}
	}
}

func (d *driver) writeChunk(ctx context.Context, job *flash.Job, base int64, c *sparse.Chunk) error {
	off := base + c.Offset

	if c.Type == sparse.ChunkRaw || c.Type == sparse.ChunkFill {
		if c.Offset+c.Length > d.limit {
			return fmt.Errorf("%w: chunk at %d runs past end of region", customerrors.ErrImageTooLarge, c.Offset)
		}
	}

	switch c.Type {
	case sparse.ChunkRaw:
		job.Advance(sparse.ChunkHeaderSize)

		n, crc, err := d.copy(ctx, job, c.Data, off, c.Length)
		if n > 0 {
			d.extents = append(d.extents, extent{off: off, n: n, crc: crc})
		}

		if err == nil && n != c.Length {
			err = fmt.Errorf("%w: raw chunk short by %d bytes", sparse.ErrMalformed, c.Length-n)
		}

		return err
	case sparse.ChunkFill:
		pattern := sparse.FillBytes(c.Fill, int(min(c.Length, chunkSize)))
		crc := uint32(0)

		for written := int64(0); written < c.Length; {
			if err := ctx.Err(); err != nil {
				return err
			}

			n := min(int64(len(pattern)), c.Length-written)
			if _, err := d.dev.WriteAt(pattern[:n], off+written); err != nil {
				return customerrors.IO("block fill", err)
			}

			crc = crc32.Update(crc, crc32.IEEETable, pattern[:n])
			written += n
		}

		d.extents = append(d.extents, extent{off: off, n: c.Length, crc: crc})
		job.Advance(c.InputSize)
	case sparse.ChunkDontCare, sparse.ChunkCRC32:
		job.Advance(c.InputSize)
	}

	return nil
}

// copy streams up to limit bytes from r to the device at off.
func (d *driver) copy(ctx context.Context, job *flash.Job, r io.Reader, off, limit int64) (int64, uint32, error) {
	buf := make([]byte, chunkSize)

	var (
		total int64
		crc   uint32
	)

	for {
		if err := ctx.Err(); err != nil {
			return total, crc, err
		}

		n, rerr := io.ReadFull(r, buf)
		if n > 0 {
			if total+int64(n) > limit {
				return total, crc, fmt.Errorf("%w: image runs past end of region", customerrors.ErrImageTooLarge)
			}

			if _, err := d.dev.WriteAt(buf[:n], off+total); err != nil {
				return total, crc, customerrors.IO("block write", err)
			}

			crc = crc32.Update(crc, crc32.IEEETable, buf[:n])
			total += int64(n)
			job.Advance(int64(n))
		}

		switch {
		case rerr == nil:
		case errors.Is(rerr, io.EOF), errors.Is(rerr, io.ErrUnexpectedEOF):
			return total, crc, nil
		default:
			return total, crc, fmt.Errorf("read image: %w", rerr)
		}
	}
}

// Verify reads every written extent back and compares checksums.
func (d *driver) Verify(ctx context.Context, _ *flash.Job) error {
	buf := make([]byte, chunkSize)

	for _, e := range d.extents {
		crc := uint32(0)

		for done := int64(0); done < e.n; {
			if err := ctx.Err(); err != nil {
				return err
			}

			n := min(int64(len(buf)), e.n-done)
			if _, err := d.dev.ReadAt(buf[:n], e.off+done); err != nil && !errors.Is(err, io.EOF) {
				return customerrors.IO("block read back", err)
			}

			crc = crc32.Update(crc, crc32.IEEETable, buf[:n])
			done += n
		}

		if crc != e.crc {
			return customerrors.IO("block verify", fmt.Errorf("crc mismatch at %d: wrote %#08x read %#08x", e.off, e.crc, crc))
		}
	}

	return nil
}

func (d *driver) Complete(context.Context) error {
	if err := d.dev.Sync(); err != nil {
		return customerrors.IO("block sync", err)
	}

	return nil
}

func (d *driver) Close() error { return nil }
