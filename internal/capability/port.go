package capability

import (
	"context"
	"io"
	"strconv"
	"time"
)

// Port is the transport handle under a flashable device. Protocol backends
// type-assert it to one of the transport interfaces below during detection.
type Port interface {
	Transport() string
}

const (
	TransportUSB    = "usb"
	TransportSerial = "serial"
	TransportBlock  = "block"
)

type USBEndpoint struct {
	Address       uint8
	Attributes    uint8
	MaxPacketSize uint16
}

func (e USBEndpoint) In() bool   { return e.Address&0x80 != 0 }
func (e USBEndpoint) Bulk() bool { return e.Attributes&0x03 == 0x02 }

// USBDFUFunctional is the DFU functional descriptor of an interface.
type USBDFUFunctional struct {
	Attributes    uint8
	DetachTimeout uint16
	TransferSize  uint16
	Version       uint16
}

type USBInterface struct {
	Number    uint8
	Alternate uint8
	Class     uint8
	SubClass  uint8
	Protocol  uint8
	Name      string
	Endpoints []USBEndpoint
	DFU       *USBDFUFunctional
}

// AltName names an alternate setting by its string descriptor, falling back
// to "alt<N>".
func (i USBInterface) AltName() string {
	if i.Name != "" {
		return i.Name
	}

	return "alt" + strconv.Itoa(int(i.Alternate))
}

// IsDFU reports a DFU-mode interface.
func (i USBInterface) IsDFU() bool {
	return i.Class == 0xfe && i.SubClass == 0x01 && i.Protocol == 0x02
}

// USBControl is a setup packet.
type USBControl struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Timeout     time.Duration
}

type USBPort interface {
	Port
	VendorID() uint16
	ProductID() uint16
	Interfaces() []USBInterface
	Claim(iface uint8) error
	Release(iface uint8) error
	SetAltSetting(iface, alt uint8) error
	Control(ctx context.Context, req USBControl, data []byte) (int, error)
	BulkOut(ctx context.Context, endpoint uint8, data []byte, timeout time.Duration) (int, error)
	BulkIn(ctx context.Context, endpoint uint8, buf []byte, timeout time.Duration) (int, error)
	Reset() error
}

type SerialPort interface {
	Port
	io.Reader
	io.Writer
	SetReadTimeout(d time.Duration) error
	ResetInputBuffer() error
}

type BlockPort interface {
	Port
	io.ReaderAt
	io.WriterAt
	Size() (int64, error)
	Sync() error
}
