// Package dfu implements the download side of USB DFU 1.1.
package dfu

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/bavix/boardfarm/internal/capability"
	customerrors "github.com/bavix/boardfarm/internal/errors"
	"github.com/bavix/boardfarm/internal/flash"
)

const (
	Name = "dfu"

	InterfaceClass    = 0xfe
	InterfaceSubClass = 0x01
	protocolDFUMode   = 0x02

	requestOut = 0x21 // class, interface, host to device
	requestIn  = 0xa1 // class, interface, device to host

	reqDnload    = 1
	reqGetStatus = 3
	reqClrStatus = 4
	reqAbort     = 6

	attrManifestationTolerant = 0x04

	defaultTransferSize = 1024
	controlTimeout      = 5 * time.Second
	// stepTimeout bounds how long the device may stay busy on one block.
	stepTimeout = 30 * time.Second
)

type state uint8

const (
	stateDFUIdle           state = 2
	stateDnloadSync        state = 3
	stateDnBusy            state = 4
	stateDnloadIdle        state = 5
	stateManifestSync      state = 6
	stateManifest          state = 7
	stateManifestWaitReset state = 8
	stateError             state = 10
)

const statusOK = 0

type status struct {
	code  uint8
	poll  time.Duration
	state state
}

type Protocol struct {
	stepTimeout time.Duration
}

func New() *Protocol { return &Protocol{stepTimeout: stepTimeout} }

func (*Protocol) Name() string { return Name }

// Detect requires an interface in DFU mode; a runtime-mode interface means
// the board has not been detached into its bootloader yet.
func (p *Protocol) Detect(_ context.Context, port capability.Port) (flash.Driver, error) {
	usb, ok := port.(capability.USBPort)
	if !ok {
		return nil, fmt.Errorf("%w: dfu needs a usb device, got %s", customerrors.ErrProtocolMismatch, port.Transport())
	}

	var alts []capability.USBInterface

	for _, iface := range usb.Interfaces() {
		if iface.Class == InterfaceClass && iface.SubClass == InterfaceSubClass {
			if iface.Protocol != protocolDFUMode {
				return nil, fmt.Errorf("%w: dfu interface %d is in runtime mode", customerrors.ErrProtocolMismatch, iface.Number)
			}

			alts = append(alts, iface)
		}
	}

	if len(alts) == 0 {
		return nil, fmt.Errorf("%w: no dfu interface on %04x:%04x", customerrors.ErrProtocolMismatch, usb.VendorID(), usb.ProductID())
	}

	if err := usb.Claim(alts[0].Number); err != nil {
		return nil, customerrors.IO("claim interface", err)
	}

	d := &driver{
		port:        usb,
		alts:        alts,
		iface:       alts[0].Number,
		claimed:     []uint8{alts[0].Number},
		transfer:    defaultTransferSize,
		stepTimeout: p.stepTimeout,
	}

	for _, a := range alts {
		if a.DFU != nil {
			d.attrs = a.DFU.Attributes
			d.version = a.DFU.Version

			if a.DFU.TransferSize > 0 {
				d.transfer = int(a.DFU.TransferSize)
			}

			break
		}
	}

	return d, nil
}

type driver struct {
	port        capability.USBPort
	alts        []capability.USBInterface
	iface       uint8
	claimed     []uint8 // interfaces to release on Close
	attrs       uint8
	version     uint16
	transfer    int
	stepTimeout time.Duration
}

func (d *driver) Connect(ctx context.Context) (map[string]string, error) {
	st, err := d.status(ctx)
	if err != nil {
		return nil, err
	}

	switch st.state {
	case stateDFUIdle:
	case stateError:
		if err := d.control(ctx, reqClrStatus, 0, nil); err != nil {
			return nil, err
		}
	default:
		if err := d.control(ctx, reqAbort, 0, nil); err != nil {
			return nil, err
		}
	}

	if st, err = d.status(ctx); err != nil {
		return nil, err
	}

	if st.state != stateDFUIdle {
		return nil, customerrors.IO("dfu connect", fmt.Errorf("device stuck in state %d", st.state))
	}

	return map[string]string{
		"transport":     capability.TransportUSB,
		"dfu_version":   fmt.Sprintf("%x.%02x", d.version>>8, d.version&0xff),
		"transfer_size": strconv.Itoa(d.transfer),
	}, nil
}

func (d *driver) Negotiate(_ context.Context, job *flash.Job) error {
	if job.Sparse() {
		return fmt.Errorf("%w: dfu takes raw images only", customerrors.ErrInvalidArgument)
	}

	for _, a := range d.alts {
		if a.AltName() == job.Region.Name {
			if !slices.Contains(d.claimed, a.Number) {
				if err := d.port.Claim(a.Number); err != nil {
					return customerrors.IO("claim interface", err)
				}

				d.claimed = append(d.claimed, a.Number)
			}

			if err := d.port.SetAltSetting(a.Number, a.Alternate); err != nil {
				return customerrors.IO("select alt setting", err)
			}

			d.iface = a.Number

			return nil
		}
	}

	return fmt.Errorf("%w: no dfu alt setting %q", customerrors.ErrRegionNotFound, job.Region.Name)
}

func (d *driver) Transfer(ctx context.Context, job *flash.Job) error {
	buf := make([]byte, d.transfer)
	block := uint16(0)

	for {
		n, rerr := io.ReadFull(job.Image, buf)
		if n > 0 {
			if err := d.control(ctx, reqDnload, block, buf[:n]); err != nil {
				return err
			}

			if err := d.await(ctx, stateDnloadIdle); err != nil {
				return err
			}

			job.Advance(int64(n))
			block++
		}

		switch {
		case rerr == nil:
		case errors.Is(rerr, io.EOF), errors.Is(rerr, io.ErrUnexpectedEOF):
			return nil
		default:
			return fmt.Errorf("read image: %w", rerr)
		}
	}
}

// Complete sends the zero-length download that starts manifestation.
// Devices that are not manifestation tolerant may drop off the bus, which
// counts as success.
func (d *driver) Complete(ctx context.Context) error {
	if err := d.control(ctx, reqDnload, 0, nil); err != nil {
		return err
	}

	err := d.await(ctx, stateDFUIdle, stateManifestWaitReset)
	if err != nil && d.attrs&attrManifestationTolerant == 0 && errors.Is(err, customerrors.ErrIO) {
		err = nil
	}

	if d.attrs&attrManifestationTolerant == 0 {
		if rerr := d.port.Reset(); rerr != nil {
			zerolog.Ctx(ctx).Debug().Err(rerr).Msg("dfu reset after manifestation")
		}
	}

	return err
}

func (d *driver) Close() error {
	var errs []error

	for _, n := range d.claimed {
		if err := d.port.Release(n); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// await polls GETSTATUS, honouring bwPollTimeout, until one of the target
// states is reached.
func (d *driver) await(ctx context.Context, targets ...state) error {
	ctx, cancel := context.WithTimeout(ctx, d.stepTimeout)
	defer cancel()

	for {
		st, err := d.status(ctx)
		if err != nil {
			return err
		}

		if st.state == stateError || st.code != statusOK {
			_ = d.control(ctx, reqClrStatus, 0, nil)

			return customerrors.IO("dfu", fmt.Errorf("device reported status %d in state %d", st.code, st.state))
		}

		for _, t := range targets {
			if st.state == t {
				return nil
			}
		}

		switch st.state {
		case stateDnloadSync, stateDnBusy, stateManifestSync, stateManifest, stateDnloadIdle:
		default:
			return customerrors.IO("dfu", fmt.Errorf("unexpected state %d", st.state))
		}

		if st.poll > 0 {
			timer := time.NewTimer(st.poll)
			select {
			case <-ctx.Done():
				timer.Stop()

				return customerrors.FromContext(ctx, ctx.Err())
			case <-timer.C:
			}
		} else if err := ctx.Err(); err != nil {
			return customerrors.FromContext(ctx, err)
		}
	}
}

func (d *driver) status(ctx context.Context) (status, error) {
	b := make([]byte, 6)

	n, err := d.port.Control(ctx, capability.USBControl{
		RequestType: requestIn,
		Request:     reqGetStatus,
		Index:       uint16(d.iface),
		Timeout:     controlTimeout,
	}, b)
	if err != nil {
		return status{}, customerrors.IO("dfu getstatus", err)
	}

	if n < len(b) {
		return status{}, customerrors.IO("dfu getstatus", io.ErrUnexpectedEOF)
	}

	poll := uint32(b[1]) | uint32(binary.LittleEndian.Uint16(b[2:]))<<8

	return status{code: b[0], poll: time.Duration(poll) * time.Millisecond, state: state(b[4])}, nil
}

func (d *driver) control(ctx context.Context, req uint8, value uint16, data []byte) error {
	_, err := d.port.Control(ctx, capability.USBControl{
		RequestType: requestOut,
		Request:     req,
		Value:       value,
		Index:       uint16(d.iface),
		Timeout:     controlTimeout,
	}, data)
	if err != nil {
		return customerrors.IO("dfu request "+strconv.Itoa(int(req)), err)
	}

	return nil
}
