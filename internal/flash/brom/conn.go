package brom

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/bavix/boardfarm/internal/capability"
	customerrors "github.com/bavix/boardfarm/internal/errors"
)

// conn frames bootrom exchanges on a serial port. The bootrom echoes every
// command byte and parameter word before answering.
type conn struct {
	port    capability.SerialPort
	timeout time.Duration
}

func (c *conn) write(data []byte) error {
	for len(data) > 0 {
		n, err := c.port.Write(data)
		if err != nil {
			return customerrors.IO("serial write", err)
		}

		data = data[n:]
	}

	return nil
}

// read collects exactly n bytes. The port returns zero bytes on its own
// read timeout, so the loop enforces the overall deadline.
func (c *conn) read(ctx context.Context, n int) ([]byte, error) {
	buf := make([]byte, n)
	deadline := time.Now().Add(c.timeout)

	for got := 0; got < n; {
		if err := ctx.Err(); err != nil {
			return nil, customerrors.FromContext(ctx, err)
		}

		m, err := c.port.Read(buf[got:])
		if err != nil {
			return nil, customerrors.IO("serial read", err)
		}

		got += m

		if m == 0 && time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: bootrom sent %d of %d bytes", customerrors.ErrTimeout, got, n)
		}
	}

	return buf, nil
}

func (c *conn) echo(ctx context.Context, data []byte) error {
	if err := c.write(data); err != nil {
		return err
	}

	got, err := c.read(ctx, len(data))
	if err != nil {
		return err
	}

	if !bytes.Equal(got, data) {
		return customerrors.IO("bootrom echo", fmt.Errorf("sent % x, got % x", data, got))
	}

	return nil
}

func (c *conn) echo32(ctx context.Context, v uint32) error {
	return c.echo(ctx, binary.BigEndian.AppendUint32(nil, v))
}

func (c *conn) u16(ctx context.Context) (uint16, error) {
	b, err := c.read(ctx, 2)
	if err != nil {
		return 0, err
	}

	return binary.BigEndian.Uint16(b), nil
}

func (c *conn) status(ctx context.Context, op string) error {
	st, err := c.u16(ctx)
	if err != nil {
		return err
	}

	if st != 0 {
		return customerrors.IO(op, fmt.Errorf("bootrom status 0x%04x", st))
	}

	return nil
}

// Checksum is the bootrom's 16-bit XOR over little-endian words. A trailing
// odd byte is folded in as the low half.
func Checksum(data []byte) uint16 {
	var sum uint16

	for len(data) >= 2 {
		sum ^= binary.LittleEndian.Uint16(data)
		data = data[2:]
	}

	if len(data) == 1 {
		sum ^= uint16(data[0])
	}

	return sum
}
