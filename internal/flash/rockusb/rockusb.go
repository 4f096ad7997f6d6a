// Package rockusb speaks the Rockchip bootrom/loader USB protocol: SCSI-like
// command blocks over a vendor bulk-only interface.
package rockusb

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/bavix/boardfarm/internal/capability"
	customerrors "github.com/bavix/boardfarm/internal/errors"
	"github.com/bavix/boardfarm/internal/flash"
	"github.com/bavix/boardfarm/internal/flash/sparse"
)

const (
	Name     = "rockusb"
	VendorID = 0x2207

	ifaceClass    = 0xff
	ifaceSubClass = 0x06
	ifaceProtocol = 0x05

	// sectorsPerCommand bounds one WRITE_LBA/READ_LBA exchange.
	sectorsPerCommand = 128
	commandTimeout    = 5 * time.Second
)

type Protocol struct {
	timeout time.Duration
}

func New() *Protocol { return &Protocol{timeout: commandTimeout} }

func (*Protocol) Name() string { return Name }

// Detect requires a Rockchip vendor id and the vendor bulk-only interface.
func (p *Protocol) Detect(_ context.Context, port capability.Port) (flash.Driver, error) {
	usb, ok := port.(capability.USBPort)
	if !ok {
		return nil, fmt.Errorf("%w: rockusb needs a usb device, got %s", customerrors.ErrProtocolMismatch, port.Transport())
	}

	if usb.VendorID() != VendorID {
		return nil, fmt.Errorf("%w: vendor %04x is not rockchip", customerrors.ErrProtocolMismatch, usb.VendorID())
	}

	for _, iface := range usb.Interfaces() {
		if iface.Class != ifaceClass || iface.SubClass != ifaceSubClass || iface.Protocol != ifaceProtocol {
			continue
		}

		in, out, ok := bulkPair(iface.Endpoints)
		if !ok {
			continue
		}

		if err := usb.Claim(iface.Number); err != nil {
			return nil, customerrors.IO("claim interface", err)
		}

		return &driver{
			iface: iface.Number,
			t:     &transport{port: usb, in: in, out: out, timeout: p.timeout},
		}, nil
	}

	return nil, fmt.Errorf("%w: no rockusb interface on %04x:%04x", customerrors.ErrProtocolMismatch, usb.VendorID(), usb.ProductID())
}

func bulkPair(eps []capability.USBEndpoint) (uint8, uint8, bool) {
	var in, out uint8

	for _, ep := range eps {
		if !ep.Bulk() {
			continue
		}

		if ep.In() && in == 0 {
			in = ep.Address
		} else if !ep.In() && out == 0 {
			out = ep.Address
		}
	}

	return in, out, in != 0 && out != 0
}

type extent struct {
	lba     uint32
	sectors uint32
	crc     uint32
}

type driver struct {
	iface   uint8
	t       *transport
	sectors uint64 // flash capacity, 0 when unknown
	base    uint32 // region start in sectors
	end     uint64 // first sector past the region, 0 when unbounded
	sparse  *sparse.Reader
	extents []extent
}

func (d *driver) Connect(ctx context.Context) (map[string]string, error) {
	if err := d.t.command(ctx, simpleCDB(opTestUnitReady), nil, nil); err != nil {
		return nil, err
	}

	chip := make([]byte, 16)
	if err := d.t.command(ctx, simpleCDB(opReadChipInfo), nil, chip); err != nil {
		return nil, err
	}

	id := make([]byte, 5)
	if err := d.t.command(ctx, simpleCDB(opReadFlashID), nil, id); err != nil {
		return nil, err
	}

	info := make([]byte, 11)
	if err := d.t.command(ctx, simpleCDB(opReadFlashInfo), nil, info); err != nil {
		return nil, err
	}

	d.sectors = uint64(binary.LittleEndian.Uint32(info[0:]))

	return map[string]string{
		"transport":     capability.TransportUSB,
		"chip":          chipName(chip),
		"flash_id":      hex.EncodeToString(id),
		"flash_sectors": strconv.FormatUint(d.sectors, 10),
	}, nil
}

// chipName decodes the reversed ASCII tag at the start of READ_CHIP_INFO.
func chipName(b []byte) string {
	tag := slices.Clone(b[:4])
	slices.Reverse(tag)

	return strings.TrimRight(string(tag), "\x00 ")
}

func (d *driver) Negotiate(_ context.Context, job *flash.Job) error {
	if job.Region.Offset%SectorSize != 0 {
		return fmt.Errorf("%w: region offset %d is not sector aligned", customerrors.ErrInvalidArgument, job.Region.Offset)
	}

	d.base = uint32(job.Region.Offset / SectorSize) //nolint:gosec // rockusb addresses 32-bit LBAs

	size := job.Size

	if job.Sparse() {
		r, err := sparse.NewReader(job.Image)
		if err != nil {
			return err
		}

		if r.Header().BlockSize%SectorSize != 0 {
			return fmt.Errorf("%w: sparse block size %d", customerrors.ErrInvalidArgument, r.Header().BlockSize)
		}

		d.sparse = r
		size = r.Header().ExpandedSize()
	}

	d.end = d.sectors
	if job.Region.Size > 0 {
		regionEnd := uint64(d.base) + job.Region.Size/SectorSize
		if d.end == 0 || regionEnd < d.end {
			d.end = regionEnd
		}
	}

	if d.end > 0 {
		if uint64(d.base) >= d.end {
			return fmt.Errorf("%w: region %q has no writable sectors", customerrors.ErrInvalidArgument, job.Region.Name)
		}

		capacity := (d.end - uint64(d.base)) * SectorSize
		if size > 0 && uint64(size) > capacity {
			return fmt.Errorf("%w: %d bytes, region holds %d", customerrors.ErrImageTooLarge, size, capacity)
		}
	}

	return nil
}

func (d *driver) Transfer(ctx context.Context, job *flash.Job) error {
	if d.sparse == nil {
		return d.stream(ctx, job, job.Image, d.base, true)
	}

	job.Advance(int64(d.sparse.Header().FileHeaderSize))

	for {
		c, err := d.sparse.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return err
		}

		lba := d.base + uint32(c.Offset/SectorSize) //nolint:gosec // bounded by flash capacity

		switch c.Type {
		case sparse.ChunkRaw:
			job.Advance(sparse.ChunkHeaderSize)

			if err := d.stream(ctx, job, c.Data, lba, true); err != nil {
				return err
			}
		case sparse.ChunkFill:
			fill := &fillReader{pattern: c.Fill, left: c.Length}
			if err := d.stream(ctx, job, fill, lba, false); err != nil {
				return err
			}

			job.Advance(c.InputSize)
		case sparse.ChunkDontCare, sparse.ChunkCRC32:
			job.Advance(c.InputSize)
		}
	}
}

// stream writes r to consecutive sectors from lba. The last partial sector is
// zero padded. When advance is set, each written chunk is reported as image
// progress.
func (d *driver) stream(ctx context.Context, job *flash.Job, r io.Reader, lba uint32, advance bool) error {
	buf := make([]byte, sectorsPerCommand*SectorSize)
	start := lba
	crc := uint32(0)

	for {
		n, rerr := io.ReadFull(r, buf)
		if n > 0 {
			padded := (n + SectorSize - 1) / SectorSize * SectorSize
			clear(buf[n:padded])

			sectors := uint16(padded / SectorSize) //nolint:gosec // at most sectorsPerCommand
			if d.end > 0 && uint64(lba)+uint64(sectors) > d.end {
				d.record(start, lba, crc)

				return fmt.Errorf("%w: write past end of region at lba %d", customerrors.ErrImageTooLarge, lba)
			}

			if err := d.t.command(ctx, lbaCDB(opWriteLBA, lba, sectors), buf[:padded], nil); err != nil {
				d.record(start, lba, crc)

				return err
			}

			crc = crc32.Update(crc, crc32.IEEETable, buf[:padded])
			lba += uint32(sectors)

			if advance {
				job.Advance(int64(n))
			}
		}

		switch {
		case rerr == nil:
		case errors.Is(rerr, io.EOF), errors.Is(rerr, io.ErrUnexpectedEOF):
			d.record(start, lba, crc)

			return nil
		default:
			d.record(start, lba, crc)

			return fmt.Errorf("read image: %w", rerr)
		}
	}
}

func (d *driver) record(start, end uint32, crc uint32) {
	if end > start {
		d.extents = append(d.extents, extent{lba: start, sectors: end - start, crc: crc})
	}
}

// Verify reads every written extent back with READ_LBA.
func (d *driver) Verify(ctx context.Context, _ *flash.Job) error {
	buf := make([]byte, sectorsPerCommand*SectorSize)

	for _, e := range d.extents {
		crc := uint32(0)

		for done := uint32(0); done < e.sectors; {
			n := min(e.sectors-done, sectorsPerCommand)
			chunk := buf[:n*SectorSize]

			if err := d.t.command(ctx, lbaCDB(opReadLBA, e.lba+done, uint16(n)), nil, chunk); err != nil { //nolint:gosec // n <= sectorsPerCommand
				return err
			}

			crc = crc32.Update(crc, crc32.IEEETable, chunk)
			done += n
		}

		if crc != e.crc {
			return customerrors.IO("rockusb verify", fmt.Errorf("crc mismatch at lba %d", e.lba))
		}
	}

	return nil
}

// Complete resets the device into the written image. The device drops off
// the bus immediately, so the status phase is not awaited.
func (d *driver) Complete(ctx context.Context) error {
	d.t.tag++

	return d.t.bulkOut(ctx, encodeCBW(d.t.tag, 0, false, simpleCDB(opResetDevice)))
}

func (d *driver) Close() error {
	return d.t.port.Release(d.iface)
}

type fillReader struct {
	pattern [4]byte
	left    int64
	pos     int
}

func (f *fillReader) Read(p []byte) (int, error) {
	if f.left == 0 {
		return 0, io.EOF
	}

	n := int(min(int64(len(p)), f.left))
	for i := range n {
		p[i] = f.pattern[f.pos%4]
		f.pos++
	}

	f.left -= int64(n)

	return n, nil
}
