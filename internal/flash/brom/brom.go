// Package brom loads a download agent through the MediaTek BootROM serial
// protocol.
package brom

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/bavix/boardfarm/internal/capability"
	customerrors "github.com/bavix/boardfarm/internal/errors"
	"github.com/bavix/boardfarm/internal/flash"
)

const (
	Name = "brom"

	cmdGetHWCode = 0xfd
	cmdSendDA    = 0xd7
	cmdJumpDA    = 0xd5

	chunkSize = 1024
	// MaxAgentSize bounds the image buffered for SEND_DA.
	MaxAgentSize = 16 << 20

	// OptionSignatureLength names the job option carrying the signature
	// length appended to the agent.
	OptionSignatureLength = "signature_length"

	handshakeAttempts = 50
	pollInterval      = 100 * time.Millisecond
	replyTimeout      = 5 * time.Second
)

var handshake = [...][2]byte{{0xa0, 0x5f}, {0x0a, 0xf5}, {0x50, 0xaf}, {0x05, 0xfa}}

type Protocol struct {
	attempts int
	timeout  time.Duration
}

func New() *Protocol { return &Protocol{attempts: handshakeAttempts, timeout: replyTimeout} }

func (*Protocol) Name() string { return Name }

// Detect performs the start sequence. The first byte is retried because the
// bootrom only listens for a short window after reset.
func (p *Protocol) Detect(ctx context.Context, port capability.Port) (flash.Driver, error) {
	serial, ok := port.(capability.SerialPort)
	if !ok {
		return nil, fmt.Errorf("%w: brom needs a serial port, got %s", customerrors.ErrProtocolMismatch, port.Transport())
	}

	if err := serial.SetReadTimeout(pollInterval); err != nil {
		return nil, customerrors.IO("serial timeout", err)
	}

	c := &conn{port: serial, timeout: pollInterval}

	if err := p.start(ctx, c); err != nil {
		return nil, err
	}

	c.timeout = p.timeout

	return &driver{c: c}, nil
}

func (p *Protocol) start(ctx context.Context, c *conn) error {
	_ = c.port.ResetInputBuffer()

	synced := false

	for range p.attempts {
		if err := c.write(handshake[0][:1]); err != nil {
			return err
		}

		b, err := c.read(ctx, 1)
		if err == nil && b[0] == handshake[0][1] {
			synced = true

			break
		}

		if err := ctx.Err(); err != nil {
			return customerrors.FromContext(ctx, err)
		}
	}

	if !synced {
		return fmt.Errorf("%w: no bootrom answer after %d attempts", customerrors.ErrProtocolMismatch, p.attempts)
	}

	for _, step := range handshake[1:] {
		if err := c.write(step[:1]); err != nil {
			return err
		}

		b, err := c.read(ctx, 1)
		if err != nil {
			return err
		}

		if b[0] != step[1] {
			return fmt.Errorf("%w: handshake got 0x%02x for 0x%02x", customerrors.ErrProtocolMismatch, b[0], step[0])
		}
	}

	return nil
}

type driver struct {
	c *conn

	agent   []byte
	addr    uint32
	sigLen  uint32
	remote  uint16
	written bool
}

func (d *driver) Connect(ctx context.Context) (map[string]string, error) {
	if err := d.c.echo(ctx, []byte{cmdGetHWCode}); err != nil {
		return nil, err
	}

	code, err := d.c.u16(ctx)
	if err != nil {
		return nil, err
	}

	if err := d.c.status(ctx, "get hw code"); err != nil {
		return nil, err
	}

	return map[string]string{
		"transport": capability.TransportSerial,
		"hw_code":   fmt.Sprintf("0x%04x", code),
	}, nil
}

// Negotiate buffers the agent, since SEND_DA announces the length up front.
// The region offset is the load address.
func (d *driver) Negotiate(_ context.Context, job *flash.Job) error {
	if job.Sparse() {
		return fmt.Errorf("%w: brom loads raw agents only", customerrors.ErrInvalidArgument)
	}

	if job.Region.Offset > uint64(^uint32(0)) {
		return fmt.Errorf("%w: load address 0x%x out of range", customerrors.ErrInvalidArgument, job.Region.Offset)
	}

	if s := job.Options[OptionSignatureLength]; s != "" {
		n, err := strconv.ParseUint(s, 0, 32)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", customerrors.ErrInvalidArgument, OptionSignatureLength, err)
		}

		d.sigLen = uint32(n)
	}

	agent, err := io.ReadAll(io.LimitReader(job.Image, MaxAgentSize+1))
	if err != nil {
		return fmt.Errorf("read agent: %w", err)
	}

	if len(agent) > MaxAgentSize {
		return fmt.Errorf("%w: agent exceeds %d bytes", customerrors.ErrImageTooLarge, MaxAgentSize)
	}

	if len(agent) == 0 {
		return fmt.Errorf("%w: empty agent", customerrors.ErrInvalidArgument)
	}

	if uint32(len(agent)) < d.sigLen {
		return fmt.Errorf("%w: signature longer than agent", customerrors.ErrInvalidArgument)
	}

	d.agent = agent
	d.addr = uint32(job.Region.Offset)
	job.Size = int64(len(agent))

	return nil
}

func (d *driver) Transfer(ctx context.Context, job *flash.Job) error {
	if err := d.c.echo(ctx, []byte{cmdSendDA}); err != nil {
		return err
	}

	for _, v := range []uint32{d.addr, uint32(len(d.agent)), d.sigLen} {
		if err := d.c.echo32(ctx, v); err != nil {
			return err
		}
	}

	if err := d.c.status(ctx, "send da"); err != nil {
		return err
	}

	for off := 0; off < len(d.agent); off += chunkSize {
		if err := ctx.Err(); err != nil {
			return customerrors.FromContext(ctx, err)
		}

		chunk := d.agent[off:min(off+chunkSize, len(d.agent))]
		if err := d.c.write(chunk); err != nil {
			return err
		}

		job.Advance(int64(len(chunk)))
	}

	sum, err := d.c.u16(ctx)
	if err != nil {
		return err
	}

	if err := d.c.status(ctx, "send da"); err != nil {
		return err
	}

	d.remote = sum
	d.written = true

	return nil
}

func (d *driver) Verify(context.Context, *flash.Job) error {
	if want := Checksum(d.agent); d.remote != want {
		return customerrors.IO("verify agent", fmt.Errorf("checksum 0x%04x, expected 0x%04x", d.remote, want))
	}

	return nil
}

// Complete jumps into the loaded agent.
func (d *driver) Complete(ctx context.Context) error {
	if !d.written {
		return nil
	}

	if err := d.c.echo(ctx, []byte{cmdJumpDA}); err != nil {
		return err
	}

	if err := d.c.echo32(ctx, d.addr); err != nil {
		return err
	}

	return d.c.status(ctx, "jump da")
}

func (d *driver) Close() error {
	d.agent = nil

	return nil
}
