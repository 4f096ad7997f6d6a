// Package usbfs drives usb devices through the linux usbfs character
// devices under /dev/bus/usb.
package usbfs

import (
	"encoding/binary"
	"fmt"
	"unicode/utf16"

	"github.com/bavix/boardfarm/internal/capability"
	customerrors "github.com/bavix/boardfarm/internal/errors"
)

const (
	descDevice        = 0x01
	descConfiguration = 0x02
	descString        = 0x03
	descInterface     = 0x04
	descEndpoint      = 0x05
	descDFUFunctional = 0x21

	deviceDescSize = 18
)

// Descriptors is the parsed view of what usbfs returns when the device node
// is read: the device descriptor followed by every configuration.
type Descriptors struct {
	VendorID   uint16
	ProductID  uint16
	Interfaces []capability.USBInterface
	// Names maps interface number and alternate setting to the index of
	// their string descriptor.
	Names map[[2]uint8]uint8
}

// ParseDescriptors walks the raw descriptor chain. Interfaces keep their
// string index until names are resolved.
func ParseDescriptors(raw []byte) (*Descriptors, error) {
	if len(raw) < deviceDescSize || raw[1] != descDevice {
		return nil, fmt.Errorf("%w: short device descriptor", customerrors.ErrMalformedEvent)
	}

	d := &Descriptors{
		VendorID:  binary.LittleEndian.Uint16(raw[8:]),
		ProductID: binary.LittleEndian.Uint16(raw[10:]),
		Names:     map[[2]uint8]uint8{},
	}

	cur := -1

	for rest := raw[raw[0]:]; len(rest) >= 2; {
		size := int(rest[0])
		if size < 2 || size > len(rest) {
			return nil, fmt.Errorf("%w: descriptor length %d", customerrors.ErrMalformedEvent, size)
		}

		desc := rest[:size]
		rest = rest[size:]

		switch desc[1] {
		case descConfiguration:
			// Interfaces of later configurations are not reachable without
			// SET_CONFIGURATION, which the farm never issues.
			if len(d.Interfaces) > 0 {
				return d, nil
			}
		case descInterface:
			if size < 9 {
				return nil, fmt.Errorf("%w: interface descriptor", customerrors.ErrMalformedEvent)
			}

			d.Interfaces = append(d.Interfaces, capability.USBInterface{
				Number:    desc[2],
				Alternate: desc[3],
				Class:     desc[5],
				SubClass:  desc[6],
				Protocol:  desc[7],
			})
			cur = len(d.Interfaces) - 1

			if desc[8] != 0 {
				d.Names[[2]uint8{desc[2], desc[3]}] = desc[8]
			}
		case descEndpoint:
			if cur < 0 || size < 7 {
				continue
			}

			d.Interfaces[cur].Endpoints = append(d.Interfaces[cur].Endpoints, capability.USBEndpoint{
				Address:       desc[2],
				Attributes:    desc[3],
				MaxPacketSize: binary.LittleEndian.Uint16(desc[4:]),
			})
		case descDFUFunctional:
			if cur < 0 || size < 7 {
				continue
			}

			fd := &capability.USBDFUFunctional{
				Attributes:    desc[2],
				DetachTimeout: binary.LittleEndian.Uint16(desc[3:]),
				TransferSize:  binary.LittleEndian.Uint16(desc[5:]),
			}
			if size >= 9 {
				fd.Version = binary.LittleEndian.Uint16(desc[7:])
			}

			d.Interfaces[cur].DFU = fd
		}
	}

	// The functional descriptor follows only one alternate setting in most
	// firmware but applies to the whole interface.
	for i := range d.Interfaces {
		if d.Interfaces[i].DFU != nil {
			continue
		}

		for j := range d.Interfaces {
			if d.Interfaces[j].Number == d.Interfaces[i].Number && d.Interfaces[j].DFU != nil {
				d.Interfaces[i].DFU = d.Interfaces[j].DFU

				break
			}
		}
	}

	return d, nil
}

// DecodeString decodes a UTF-16LE string descriptor.
func DecodeString(raw []byte) (string, error) {
	if len(raw) < 2 || raw[1] != descString || int(raw[0]) > len(raw) {
		return "", fmt.Errorf("%w: string descriptor", customerrors.ErrMalformedEvent)
	}

	units := make([]uint16, 0, (int(raw[0])-2)/2)
	for i := 2; i+1 < int(raw[0]); i += 2 {
		units = append(units, binary.LittleEndian.Uint16(raw[i:]))
	}

	return string(utf16.Decode(units)), nil
}
