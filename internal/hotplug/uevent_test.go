package hotplug_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	customerrors "github.com/bavix/boardfarm/internal/errors"
	"github.com/bavix/boardfarm/internal/hotplug"
)

func TestParseNetlinkMessage(t *testing.T) {
	t.Parallel()

	msg := []byte("add@/devices/pci0000:00/usb1/1-2\x00ACTION=add\x00DEVPATH=/devices/pci0000:00/usb1/1-2\x00" +
		"SUBSYSTEM=usb\x00DEVTYPE=usb_device\x00PRODUCT=2207/330c/100\x00BUSNUM=001\x00DEVNUM=004\x00DEVNAME=bus/usb/001/004\x00")

	env, err := hotplug.ParseUEvent(msg)
	require.NoError(t, err)
	assert.Equal(t, "add", env["ACTION"])
	assert.Equal(t, "/devices/pci0000:00/usb1/1-2", env["DEVPATH"])
	assert.Equal(t, "2207/330c/100", env["PRODUCT"])
}

func TestParseMalformed(t *testing.T) {
	t.Parallel()

	for name, msg := range map[string]string{
		"empty":      "",
		"bare field": "garbage\x00ACTION=add",
		"empty key":  "=value",
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			_, err := hotplug.ParseUEvent([]byte(msg))
			require.ErrorIs(t, err, customerrors.ErrMalformedEvent)
		})
	}
}

func writeUEvent(t *testing.T, root, dir, content string) {
	t.Helper()

	full := filepath.Join(root, dir)
	require.NoError(t, os.MkdirAll(full, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(full, "uevent"), []byte(content), 0o600))
}

func TestEnumerateSysfs(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeUEvent(t, root, "class/tty/ttyUSB0", "MAJOR=188\nMINOR=0\nDEVNAME=ttyUSB0\n")
	writeUEvent(t, root, "class/tty/tty1", "DEVNAME=tty1\n")
	writeUEvent(t, root, "bus/usb/devices/1-2", "DEVTYPE=usb_device\nPRODUCT=2207/330c/100\nBUSNUM=001\nDEVNUM=004\nDEVNAME=bus/usb/001/004\n")
	writeUEvent(t, root, "bus/usb/devices/1-2:1.0", "DEVTYPE=usb_interface\nINTERFACE=255/6/5\n")
	writeUEvent(t, root, "class/block/sdb", "DEVTYPE=disk\nDEVNAME=sdb\n")
	writeUEvent(t, root, "class/block/sdb1", "DEVTYPE=partition\nDEVNAME=sdb1\n")

	src := &hotplug.UEventSource{
		SysRoot: root,
		DevRoot: "/dev",
		Enrich: func() (map[string]map[string]string, error) {
			return map[string]map[string]string{"/dev/ttyUSB0": {"vendor_id": "0403", "serial": "FT1"}}, nil
		},
	}

	events, err := src.Enumerate(context.Background())
	require.NoError(t, err)

	byNode := map[string]hotplug.Event{}
	for _, ev := range events {
		assert.Equal(t, hotplug.ActionAdd, ev.Action)
		byNode[ev.Devnode] = ev
	}

	// tty1 is kept: only paths under /devices/virtual are dropped.
	require.Contains(t, byNode, "/dev/ttyUSB0")
	assert.Equal(t, "FT1", byNode["/dev/ttyUSB0"].Tags["serial"])
	assert.Equal(t, "tty", byNode["/dev/ttyUSB0"].Tags["subsystem"])
	assert.Equal(t, "/class/tty/ttyUSB0", byNode["/dev/ttyUSB0"].Key)

	usb := byNode["/dev/bus/usb/001/004"]
	assert.Equal(t, "2207", usb.Tags["vendor_id"])
	assert.Equal(t, "330c", usb.Tags["product_id"])
	assert.Equal(t, "001", usb.Tags["busnum"])

	assert.Contains(t, byNode, "/dev/sdb")
	assert.NotContains(t, byNode, "/dev/sdb1")
	assert.Len(t, events, 4)
}

func TestEnumerateMissingSysfs(t *testing.T) {
	t.Parallel()

	src := &hotplug.UEventSource{SysRoot: filepath.Join(t.TempDir(), "nope"), DevRoot: "/dev"}

	events, err := src.Enumerate(context.Background())
	require.NoError(t, err)
	assert.Empty(t, events)
}
