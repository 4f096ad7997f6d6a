package sim

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/bavix/boardfarm/internal/capability"
	customerrors "github.com/bavix/boardfarm/internal/errors"
)

// Block is a RAM-backed flashable block device.
type Block struct {
	mu     sync.Mutex
	data   []byte
	syncs  int
	closed bool

	// FailAfter makes writes fail once this many bytes were written.
	// Zero disables it.
	FailAfter int64
	written   int64
}

func NewBlock(size int) *Block {
	return &Block{data: make([]byte, size)}
}

func (b *Block) Capabilities() capability.Set { return capability.NewSet(capability.Flash) }

func (b *Block) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	return nil
}

func (b *Block) Regions(context.Context) ([]capability.Region, error) {
	return []capability.Region{{Name: "disk", Size: uint64(len(b.data)), Description: "whole device"}}, nil
}

func (b *Block) Port() capability.Port { return b }

func (b *Block) Transport() string { return capability.TransportBlock }

func (b *Block) ReadAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, os.ErrClosed
	}

	if off >= int64(len(b.data)) {
		return 0, io.EOF
	}

	n := copy(p, b.data[off:])
	if n < len(p) {
		return n, io.EOF
	}

	return n, nil
}

func (b *Block) WriteAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, os.ErrClosed
	}

	if b.FailAfter > 0 && b.written+int64(len(p)) > b.FailAfter {
		return 0, customerrors.IO("sim block write", io.ErrUnexpectedEOF)
	}

	if off+int64(len(p)) > int64(len(b.data)) {
		return 0, fmt.Errorf("write past end of device at %d", off)
	}

	b.written += int64(len(p))

	return copy(b.data[off:], p), nil
}

func (b *Block) Size() (int64, error) { return int64(len(b.data)), nil }

func (b *Block) Sync() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return os.ErrClosed
	}

	b.syncs++

	return nil
}

// Bytes returns a copy of the device contents.
func (b *Block) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]byte, len(b.data))
	copy(out, b.data)

	return out
}

func (b *Block) Syncs() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.syncs
}
