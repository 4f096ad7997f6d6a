package rockusb

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/bavix/boardfarm/internal/capability"
	customerrors "github.com/bavix/boardfarm/internal/errors"
)

const (
	cbwSignature = 0x43425355 // "USBC"
	cswSignature = 0x53425355 // "USBS"
	cbwSize      = 31
	cswSize      = 13
	directionIn  = 0x80

	SectorSize = 512
)

const (
	opTestUnitReady = 0x00
	opReadFlashID   = 0x01
	opReadLBA       = 0x14
	opWriteLBA      = 0x15
	opReadFlashInfo = 0x1a
	opReadChipInfo  = 0x1b
	opResetDevice   = 0xff
)

func encodeCBW(tag, length uint32, in bool, cdb []byte) []byte {
	b := make([]byte, cbwSize)
	binary.LittleEndian.PutUint32(b[0:], cbwSignature)
	binary.LittleEndian.PutUint32(b[4:], tag)
	binary.LittleEndian.PutUint32(b[8:], length)

	if in {
		b[12] = directionIn
	}

	b[14] = byte(len(cdb))
	copy(b[15:], cdb)

	return b
}

func simpleCDB(op byte) []byte {
	return []byte{op, 0, 0, 0, 0, 0}
}

func lbaCDB(op byte, lba uint32, sectors uint16) []byte {
	cdb := make([]byte, 10)
	cdb[0] = op
	binary.BigEndian.PutUint32(cdb[2:], lba)
	binary.BigEndian.PutUint16(cdb[7:], sectors)

	return cdb
}

type transport struct {
	port    capability.USBPort
	in, out uint8
	tag     uint32
	timeout time.Duration
}

// command runs one CBW/data/CSW exchange. At most one of out and in is set.
func (t *transport) command(ctx context.Context, cdb, out, in []byte) error {
	t.tag++

	length := len(out) + len(in)
	if err := t.bulkOut(ctx, encodeCBW(t.tag, uint32(length), in != nil, cdb)); err != nil { //nolint:gosec // bounded transfer sizes
		return err
	}

	if out != nil {
		if err := t.bulkOut(ctx, out); err != nil {
			return err
		}
	}

	if in != nil {
		if err := t.bulkIn(ctx, in); err != nil {
			return err
		}
	}

	csw := make([]byte, cswSize)
	if err := t.bulkIn(ctx, csw); err != nil {
		return err
	}

	switch {
	case binary.LittleEndian.Uint32(csw[0:]) != cswSignature:
		return customerrors.IO("rockusb csw", fmt.Errorf("bad signature % x", csw[:4]))
	case binary.LittleEndian.Uint32(csw[4:]) != t.tag:
		return customerrors.IO("rockusb csw", fmt.Errorf("tag %d, want %d", binary.LittleEndian.Uint32(csw[4:]), t.tag))
	case csw[12] != 0:
		return customerrors.IO("rockusb command", fmt.Errorf("opcode %#02x failed with status %d", cdb[0], csw[12]))
	}

	return nil
}

func (t *transport) bulkOut(ctx context.Context, p []byte) error {
	for len(p) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := t.port.BulkOut(ctx, t.out, p, t.timeout)
		if err != nil {
			return customerrors.IO("rockusb bulk out", err)
		}

		if n == 0 {
			return customerrors.IO("rockusb bulk out", io.ErrShortWrite)
		}

		p = p[n:]
	}

	return nil
}

func (t *transport) bulkIn(ctx context.Context, p []byte) error {
	for len(p) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := t.port.BulkIn(ctx, t.in, p, t.timeout)
		if err != nil {
			return customerrors.IO("rockusb bulk in", err)
		}

		if n == 0 {
			return customerrors.IO("rockusb bulk in", io.ErrUnexpectedEOF)
		}

		p = p[n:]
	}

	return nil
}
