//go:build linux

package usbfs

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/bavix/boardfarm/internal/capability"
	customerrors "github.com/bavix/boardfarm/internal/errors"
)

const (
	iocWrite = 1
	iocRead  = 2

	stringTimeout = time.Second
	langEnglishUS = 0x0409
)

type ctrlTransfer struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
	Timeout     uint32
	Data        unsafe.Pointer
}

type bulkTransfer struct {
	Endpoint uint32
	Length   uint32
	Timeout  uint32
	Data     unsafe.Pointer
}

type setInterface struct {
	Interface  uint32
	AltSetting uint32
}

func ioc(dir, nr, size uintptr) uintptr { return dir<<30 | size<<16 | 'U'<<8 | nr }

var (
	ioctlControl      = ioc(iocRead|iocWrite, 0, unsafe.Sizeof(ctrlTransfer{}))
	ioctlBulk         = ioc(iocRead|iocWrite, 2, unsafe.Sizeof(bulkTransfer{}))
	ioctlSetInterface = ioc(iocRead, 4, unsafe.Sizeof(setInterface{}))
	ioctlClaim        = ioc(iocRead, 15, 4)
	ioctlRelease      = ioc(iocRead, 16, 4)
	ioctlReset        = ioc(0, 20, 0)
)

// Handle is an open usbfs device node.
type Handle struct {
	path   string
	fd     int
	desc   *Descriptors
	closed atomic.Bool
}

// Open opens a node such as /dev/bus/usb/001/004 and reads its descriptors.
// Interface names are resolved with string descriptor requests.
func Open(path string) (*Handle, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, ioErr("open "+path, err)
	}

	buf := make([]byte, 64*1024)

	n, err := unix.Read(fd, buf)
	if err != nil {
		_ = unix.Close(fd)

		return nil, ioErr("read descriptors", err)
	}

	desc, err := ParseDescriptors(buf[:n])
	if err != nil {
		_ = unix.Close(fd)

		return nil, err
	}

	h := &Handle{path: path, fd: fd, desc: desc}

	for i, iface := range desc.Interfaces {
		idx, ok := desc.Names[[2]uint8{iface.Number, iface.Alternate}]
		if !ok {
			continue
		}

		if name, err := h.stringDescriptor(idx); err == nil {
			desc.Interfaces[i].Name = name
		}
	}

	return h, nil
}

func (h *Handle) stringDescriptor(idx uint8) (string, error) {
	buf := make([]byte, 255)

	n, err := h.Control(context.Background(), capability.USBControl{
		RequestType: 0x80,
		Request:     0x06,
		Value:       uint16(descString)<<8 | uint16(idx),
		Index:       langEnglishUS,
		Timeout:     stringTimeout,
	}, buf)
	if err != nil {
		return "", err
	}

	return DecodeString(buf[:n])
}

func (h *Handle) Transport() string                     { return capability.TransportUSB }
func (h *Handle) VendorID() uint16                      { return h.desc.VendorID }
func (h *Handle) ProductID() uint16                     { return h.desc.ProductID }
func (h *Handle) Interfaces() []capability.USBInterface { return h.desc.Interfaces }

func (h *Handle) Claim(iface uint8) error {
	n := uint32(iface)

	return ioErr("claim interface", h.ioctl(ioctlClaim, unsafe.Pointer(&n)))
}

func (h *Handle) Release(iface uint8) error {
	n := uint32(iface)

	return ioErr("release interface", h.ioctl(ioctlRelease, unsafe.Pointer(&n)))
}

func (h *Handle) SetAltSetting(iface, alt uint8) error {
	s := setInterface{Interface: uint32(iface), AltSetting: uint32(alt)}

	return ioErr("set interface", h.ioctl(ioctlSetInterface, unsafe.Pointer(&s)))
}

func (h *Handle) Reset() error {
	return ioErr("reset", h.ioctl(ioctlReset, nil))
}

func (h *Handle) Control(ctx context.Context, req capability.USBControl, data []byte) (int, error) {
	timeout, err := bound(ctx, req.Timeout)
	if err != nil {
		return 0, err
	}

	var pin runtime.Pinner
	defer pin.Unpin()

	t := ctrlTransfer{
		RequestType: req.RequestType,
		Request:     req.Request,
		Value:       req.Value,
		Index:       req.Index,
		Length:      uint16(len(data)),
		Timeout:     timeout,
	}

	if len(data) > 0 {
		pin.Pin(&data[0])
		t.Data = unsafe.Pointer(&data[0])
	}

	n, err := h.transfer(ioctlControl, unsafe.Pointer(&t))

	return n, ioErr("control transfer", err)
}

func (h *Handle) BulkOut(ctx context.Context, endpoint uint8, data []byte, timeout time.Duration) (int, error) {
	return h.bulk(ctx, endpoint, data, timeout)
}

func (h *Handle) BulkIn(ctx context.Context, endpoint uint8, buf []byte, timeout time.Duration) (int, error) {
	return h.bulk(ctx, endpoint, buf, timeout)
}

func (h *Handle) bulk(ctx context.Context, endpoint uint8, data []byte, timeout time.Duration) (int, error) {
	ms, err := bound(ctx, timeout)
	if err != nil {
		return 0, err
	}

	var pin runtime.Pinner
	defer pin.Unpin()

	t := bulkTransfer{Endpoint: uint32(endpoint), Length: uint32(len(data)), Timeout: ms}

	if len(data) > 0 {
		pin.Pin(&data[0])
		t.Data = unsafe.Pointer(&data[0])
	}

	n, err := h.transfer(ioctlBulk, unsafe.Pointer(&t))

	return n, ioErr(fmt.Sprintf("bulk transfer ep 0x%02x", endpoint), err)
}

func (h *Handle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}

	return ioErr("close "+h.path, unix.Close(h.fd))
}

func (h *Handle) ioctl(req uintptr, arg unsafe.Pointer) error {
	_, err := h.transfer(req, arg)

	return err
}

func (h *Handle) transfer(req uintptr, arg unsafe.Pointer) (int, error) {
	if h.closed.Load() {
		return 0, unix.ENODEV
	}

	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(h.fd), req, uintptr(arg))
	if errno != 0 {
		return 0, errno
	}

	return int(r), nil
}

// bound converts a per-transfer timeout to milliseconds, clipped to the
// context deadline.
func bound(ctx context.Context, timeout time.Duration) (uint32, error) {
	if err := ctx.Err(); err != nil {
		return 0, customerrors.FromContext(ctx, err)
	}

	deadline, ok := ctx.Deadline()
	if !ok && timeout <= 0 {
		return 0, nil // usbfs waits forever
	}

	if ok {
		if left := time.Until(deadline); left < timeout || timeout <= 0 {
			timeout = left
		}
	}

	return uint32(max(timeout.Milliseconds(), 1)), nil
}

func ioErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.ENODEV), errors.Is(err, unix.ESHUTDOWN):
		return fmt.Errorf("%w: %s: %w", customerrors.ErrDeviceRemoved, op, err)
	case errors.Is(err, unix.ETIMEDOUT):
		return fmt.Errorf("%w: %s: %w", customerrors.ErrTimeout, op, err)
	default:
		return customerrors.IO(op, err)
	}
}
