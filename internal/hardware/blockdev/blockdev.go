// Package blockdev exposes a block device node, such as an sd-mux card or a
// board in usb mass-storage gadget mode, to the block flash protocol.
package blockdev

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/bavix/boardfarm/internal/capability"
	customerrors "github.com/bavix/boardfarm/internal/errors"
)

type Device struct {
	path string

	mu sync.Mutex
	f  *os.File
}

// Open opens the node read-write. Nothing is read until a session starts.
func Open(path string) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, customerrors.IO("open "+path, err)
	}

	return &Device{path: path, f: f}, nil
}

func (d *Device) Capabilities() capability.Set { return capability.NewSet(capability.Flash) }

func (d *Device) Port() capability.Port { return d }

func (d *Device) Transport() string { return capability.TransportBlock }

func (d *Device) Regions(context.Context) ([]capability.Region, error) {
	size, err := d.Size()
	if err != nil {
		return nil, err
	}

	return []capability.Region{{Name: "disk", Size: uint64(size), Description: d.path}}, nil
}

func (d *Device) file() (*os.File, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.f == nil {
		return nil, fmt.Errorf("%w: %s closed", customerrors.ErrDeviceRemoved, d.path)
	}

	return d.f, nil
}

func (d *Device) ReadAt(p []byte, off int64) (int, error) {
	f, err := d.file()
	if err != nil {
		return 0, err
	}

	return f.ReadAt(p, off)
}

func (d *Device) WriteAt(p []byte, off int64) (int, error) {
	f, err := d.file()
	if err != nil {
		return 0, err
	}

	return f.WriteAt(p, off)
}

// Size seeks to the end, which works for both block nodes and image files.
func (d *Device) Size() (int64, error) {
	f, err := d.file()
	if err != nil {
		return 0, err
	}

	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, customerrors.IO("size "+d.path, err)
	}

	return size, nil
}

func (d *Device) Sync() error {
	f, err := d.file()
	if err != nil {
		return err
	}

	return customerrors.IO("sync "+d.path, f.Sync())
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.f == nil {
		return nil
	}

	err := d.f.Close()
	d.f = nil

	return err
}
