package flash

import (
	"bufio"
	"context"
	"io"
	"sync/atomic"

	"github.com/bavix/boardfarm/internal/capability"
	"github.com/bavix/boardfarm/internal/flash/sparse"
)

// Job is what a driver needs to move one image onto one region.
type Job struct {
	Region  capability.Region
	Image   *bufio.Reader
	Size    int64 // declared image size, -1 when unknown
	Verify  bool
	Options map[string]string

	advanced atomic.Int64
	progress func(int64)
}

// Advance reports n more image bytes committed to the device.
func (j *Job) Advance(n int64) {
	if n <= 0 {
		return
	}

	total := j.advanced.Add(n)
	if j.progress != nil {
		j.progress(total)
	}
}

// Committed is the number of image bytes acknowledged so far.
func (j *Job) Committed() int64 { return j.advanced.Load() }

// Sparse reports whether the image starts with the sparse magic.
func (j *Job) Sparse() bool {
	head, err := j.Image.Peek(4)

	return err == nil && sparse.IsSparse(head)
}

// Driver runs one protocol against one device. Steps are called in order;
// Close is always called last.
type Driver interface {
	Connect(ctx context.Context) (map[string]string, error)
	Negotiate(ctx context.Context, job *Job) error
	Transfer(ctx context.Context, job *Job) error
	Complete(ctx context.Context) error
	io.Closer
}

// Verifier is implemented by drivers whose protocol defines a read-back or
// checksum step.
type Verifier interface {
	Verify(ctx context.Context, job *Job) error
}

// Protocol probes a port and returns a driver bound to it. A port that does
// not speak the protocol yields ErrProtocolMismatch.
type Protocol interface {
	Name() string
	Detect(ctx context.Context, port capability.Port) (Driver, error)
}
