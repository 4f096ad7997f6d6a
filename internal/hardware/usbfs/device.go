package usbfs

import (
	"context"

	"github.com/bavix/boardfarm/internal/capability"
)

// Device is a usb bootloader target. Its regions are the DFU alternate
// settings when the device exposes any, else the configured list.
type Device struct {
	port    capability.USBPort
	regions []capability.Region
}

func NewDevice(port capability.USBPort, regions []capability.Region) *Device {
	return &Device{port: port, regions: regions}
}

func (d *Device) Capabilities() capability.Set { return capability.NewSet(capability.Flash) }

func (d *Device) Port() capability.Port { return d.port }

func (d *Device) Regions(context.Context) ([]capability.Region, error) {
	var out []capability.Region

	for _, iface := range d.port.Interfaces() {
		if iface.IsDFU() {
			out = append(out, capability.Region{Name: iface.AltName(), Description: "dfu alternate setting"})
		}
	}

	if len(out) > 0 {
		return out, nil
	}

	if len(d.regions) > 0 {
		return append([]capability.Region(nil), d.regions...), nil
	}

	return []capability.Region{{Name: "flash"}}, nil
}

func (d *Device) Close() error {
	if c, ok := d.port.(interface{ Close() error }); ok {
		return c.Close()
	}

	return nil
}
