package usbfs_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bavix/boardfarm/internal/capability"
	customerrors "github.com/bavix/boardfarm/internal/errors"
	"github.com/bavix/boardfarm/internal/hardware/usbfs"
)

func deviceDescriptor(vid, pid uint16) []byte {
	return []byte{18, 0x01, 0x00, 0x02, 0, 0, 0, 64, byte(vid), byte(vid >> 8), byte(pid), byte(pid >> 8), 0, 1, 1, 2, 3, 1}
}

// dfuDescriptors is a device with one DFU interface and two alternates; only
// the first alternate carries the functional descriptor.
func dfuDescriptors() []byte {
	raw := deviceDescriptor(0x0483, 0xdf11)
	raw = append(raw, 9, 0x02, 45, 0, 1, 1, 0, 0x80, 50)
	raw = append(raw, 9, 0x04, 0, 0, 0, 0xfe, 0x01, 0x02, 4)
	raw = append(raw, 9, 0x21, 0x0b, 0xff, 0x00, 0x00, 0x08, 0x1a, 0x01)
	raw = append(raw, 9, 0x04, 0, 1, 0, 0xfe, 0x01, 0x02, 0)

	return raw
}

func rockusbDescriptors() []byte {
	raw := deviceDescriptor(0x2207, 0x330c)
	raw = append(raw, 9, 0x02, 32, 0, 1, 1, 0, 0x80, 50)
	raw = append(raw, 9, 0x04, 0, 0, 2, 0xff, 0x06, 0x05, 0)
	raw = append(raw, 7, 0x05, 0x81, 0x02, 0x00, 0x02, 0)
	raw = append(raw, 7, 0x05, 0x01, 0x02, 0x00, 0x02, 0)

	return raw
}

func TestParseRockusb(t *testing.T) {
	t.Parallel()

	d, err := usbfs.ParseDescriptors(rockusbDescriptors())
	require.NoError(t, err)

	assert.Equal(t, uint16(0x2207), d.VendorID)
	assert.Equal(t, uint16(0x330c), d.ProductID)
	require.Len(t, d.Interfaces, 1)

	iface := d.Interfaces[0]
	assert.Equal(t, uint8(0xff), iface.Class)
	require.Len(t, iface.Endpoints, 2)
	assert.True(t, iface.Endpoints[0].In())
	assert.True(t, iface.Endpoints[0].Bulk())
	assert.Equal(t, uint16(512), iface.Endpoints[1].MaxPacketSize)
	assert.False(t, iface.IsDFU())
}

func TestParseDFU(t *testing.T) {
	t.Parallel()

	d, err := usbfs.ParseDescriptors(dfuDescriptors())
	require.NoError(t, err)
	require.Len(t, d.Interfaces, 2)

	for _, iface := range d.Interfaces {
		require.NotNil(t, iface.DFU)
		assert.True(t, iface.IsDFU())
		assert.Equal(t, uint16(2048), iface.DFU.TransferSize)
		assert.Equal(t, uint16(0x011a), iface.DFU.Version)
	}

	assert.Equal(t, map[[2]uint8]uint8{{0, 0}: 4}, d.Names)
}

func TestParseMalformed(t *testing.T) {
	t.Parallel()

	_, err := usbfs.ParseDescriptors([]byte{18, 0x01})
	require.ErrorIs(t, err, customerrors.ErrMalformedEvent)

	raw := append(deviceDescriptor(1, 2), 0, 0x04)
	_, err = usbfs.ParseDescriptors(raw)
	require.ErrorIs(t, err, customerrors.ErrMalformedEvent)
}

func TestDecodeString(t *testing.T) {
	t.Parallel()

	s, err := usbfs.DecodeString([]byte{12, 0x03, 'F', 0, 'l', 0, 'a', 0, 's', 0, 'h', 0})
	require.NoError(t, err)
	assert.Equal(t, "Flash", s)

	_, err = usbfs.DecodeString([]byte{4, 0x02, 0, 0})
	require.Error(t, err)
}

type fakePort struct {
	capability.USBPort

	ifaces []capability.USBInterface
}

func (f fakePort) Interfaces() []capability.USBInterface { return f.ifaces }

func TestDeviceRegions(t *testing.T) {
	t.Parallel()

	dfu, err := usbfs.ParseDescriptors(dfuDescriptors())
	require.NoError(t, err)
	dfu.Interfaces[0].Name = "u-boot"

	regions, err := usbfs.NewDevice(fakePort{ifaces: dfu.Interfaces}, nil).Regions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"u-boot", "alt1"}, []string{regions[0].Name, regions[1].Name})

	configured := []capability.Region{{Name: "idbloader", Offset: 64 * 512}}
	regions, err = usbfs.NewDevice(fakePort{}, configured).Regions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, configured, regions)

	regions, err = usbfs.NewDevice(fakePort{}, nil).Regions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "flash", regions[0].Name)

	dev := usbfs.NewDevice(fakePort{}, nil)
	assert.True(t, dev.Capabilities().Has(capability.Flash))
	require.NoError(t, dev.Close())
}
