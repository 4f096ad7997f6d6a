// Package flash drives firmware images onto devices through pluggable
// protocol backends sharing one session lifecycle.
package flash

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/blake2b"

	"github.com/bavix/boardfarm/internal/capability"
	customerrors "github.com/bavix/boardfarm/internal/errors"
	"github.com/bavix/boardfarm/internal/metrics"
	"github.com/bavix/boardfarm/internal/registry"
)

const (
	DefaultHistorySize = 256
	DefaultHistoryTTL  = time.Hour
	imageBufferSize    = 64 * 1024
)

// Request starts a session. Protocol is required; the backend is never
// guessed.
type Request struct {
	Protocol string
	Region   string
	Image    io.Reader
	Size     int64
	// SkipVerify disables the verification step where one exists.
	SkipVerify bool
	Options    map[string]string
}

type Options struct {
	HistorySize int
	HistoryTTL  time.Duration
}

type Engine struct {
	reg       *registry.Registry
	protocols map[string]Protocol

	mu      sync.Mutex
	active  map[uuid.UUID]*Session
	history *expirable.LRU[uuid.UUID, *Session]
	wg      sync.WaitGroup
}

func NewEngine(reg *registry.Registry, opts Options, protocols ...Protocol) *Engine {
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}

	if opts.HistoryTTL <= 0 {
		opts.HistoryTTL = DefaultHistoryTTL
	}

	e := &Engine{
		reg:       reg,
		protocols: make(map[string]Protocol, len(protocols)),
		active:    make(map[uuid.UUID]*Session),
		history:   expirable.NewLRU[uuid.UUID, *Session](opts.HistorySize, nil, opts.HistoryTTL),
	}

	for _, p := range protocols {
		e.protocols[p.Name()] = p
	}

	return e
}

// Protocols lists the registered backend names.
func (e *Engine) Protocols() []string {
	return slices.Sorted(maps.Keys(e.protocols))
}

// Start validates the request, takes the device lease and runs the session
// in the background. A second session on the same device fails with
// ErrBusy. Cancelling ctx cancels the session.
func (e *Engine) Start(ctx context.Context, id registry.ID, req Request) (*Session, error) {
	proto, ok := e.protocols[req.Protocol]
	if !ok {
		return nil, fmt.Errorf("%w: %q", customerrors.ErrUnknownProtocol, req.Protocol)
	}

	if req.Image == nil {
		return nil, fmt.Errorf("%w: missing image", customerrors.ErrInvalidArgument)
	}

	d, err := e.reg.Get(id)
	if err != nil {
		return nil, err
	}

	dev, ok := capability.As[capability.FlashableDevice](d.Instance, capability.Flash)
	if !ok || !d.Has(capability.Flash) {
		return nil, customerrors.ErrUnsupportedCapability(uint64(id), capability.Flash.String())
	}

	lease, err := e.reg.Acquire(id, "flash")
	if err != nil {
		return nil, err
	}

	size := req.Size
	if size <= 0 {
		size = -1
	}

	s := newSession(id, req.Protocol, req.Region, size)

	leaseCtx, stopLease := lease.Context(ctx)
	runCtx, cancel := context.WithCancelCause(leaseCtx)
	s.cancel = cancel

	log := zerolog.Ctx(ctx).With().
		Str("session", s.id.String()).
		Stringer("device", id).
		Str("protocol", req.Protocol).
		Logger()
	runCtx = log.WithContext(runCtx)

	e.mu.Lock()
	e.active[s.id] = s
	e.mu.Unlock()

	e.wg.Add(1)

	go func() {
		defer e.wg.Done()
		defer stopLease()
		defer lease.Release()

		e.run(runCtx, s, proto, dev, lease, req)

		e.mu.Lock()
		delete(e.active, s.id)
		e.history.Add(s.id, s)
		e.mu.Unlock()

		s.close()
	}()

	return s, nil
}

// Get returns a running or recently finished session.
func (e *Engine) Get(id uuid.UUID) (*Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if s, ok := e.active[id]; ok {
		return s, nil
	}

	if s, ok := e.history.Get(id); ok {
		return s, nil
	}

	return nil, fmt.Errorf("%w: %s", customerrors.ErrSessionNotFound, id)
}

// Cancel aborts a running session. Cancelling a finished session is a no-op.
func (e *Engine) Cancel(id uuid.UUID) (*Session, error) {
	s, err := e.Get(id)
	if err != nil {
		return nil, err
	}

	s.Cancel()

	return s, nil
}

// Active lists running sessions.
func (e *Engine) Active() []Status {
	e.mu.Lock()
	sessions := slices.Collect(maps.Values(e.active))
	e.mu.Unlock()

	out := make([]Status, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Status())
	}

	slices.SortFunc(out, func(a, b Status) int { return a.Started.Compare(b.Started) })

	return out
}

// Shutdown cancels running sessions and waits for them to unwind.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	for _, s := range e.active {
		s.cancel(customerrors.ErrCancelled)
	}
	e.mu.Unlock()

	done := make(chan struct{})

	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return customerrors.FromContext(ctx, ctx.Err())
	}
}

//nolint:funlen,cyclop // linear walk through the lifecycle
func (e *Engine) run(
	ctx context.Context,
	s *Session,
	proto Protocol,
	dev capability.FlashableDevice,
	lease *registry.Lease,
	req Request,
) {
	log := zerolog.Ctx(ctx)
	started := time.Now()

	var job *Job

	fail := func(err error) {
		err = classify(ctx, lease, err)

		var offset *int64

		if job != nil && s.current() == StateTransferring {
			n := job.Committed()
			offset = &n
		}

		log.Warn().Err(err).Str("state", string(s.current())).Msg("flash session failed")
		s.fail(err, offset)
		metrics.RecordFlash(req.Protocol, "failed", committed(job), time.Since(started).Seconds())
	}

	s.enter(StateDetecting)

	if ex, ok := dev.(capability.Exclusive); ok {
		resume, err := ex.Suspend(ctx)
		if err != nil {
			fail(err)

			return
		}

		defer resume()
	}

	drv, err := proto.Detect(ctx, dev.Port())
	if err != nil {
		fail(err)

		return
	}

	defer func() {
		if err := drv.Close(); err != nil {
			log.Debug().Err(err).Msg("driver close")
		}
	}()

	s.enter(StateConnected)

	target, err := drv.Connect(ctx)
	if err != nil {
		fail(err)

		return
	}

	s.setTarget(target)
	s.enter(StateNegotiating)

	regions, err := dev.Regions(ctx)
	if err != nil {
		fail(customerrors.IO("list regions", err))

		return
	}

	region, err := capability.FindRegion(regions, req.Region)
	if err != nil {
		fail(err)

		return
	}

	if region.Size > 0 && req.Size > 0 && uint64(req.Size) > region.Size {
		fail(fmt.Errorf("%w: %d bytes into %q of %d", customerrors.ErrImageTooLarge, req.Size, region.Name, region.Size))

		return
	}

	digest, _ := blake2b.New256(nil)
	job = &Job{
		Region:   region,
		Image:    bufio.NewReaderSize(io.TeeReader(req.Image, digest), imageBufferSize),
		Size:     s.Status().Total,
		Verify:   !req.SkipVerify,
		Options:  req.Options,
		progress: s.setProgress,
	}

	if err := drv.Negotiate(ctx, job); err != nil {
		fail(err)

		return
	}

	s.setTotal(job.Size)
	s.enter(StateTransferring)

	if err := drv.Transfer(ctx, job); err != nil {
		fail(err)

		return
	}

	s.setDigest(sum(digest))

	if v, ok := drv.(Verifier); ok && job.Verify {
		s.enter(StateVerifying)

		if err := v.Verify(ctx, job); err != nil {
			fail(err)

			return
		}
	}

	s.enter(StateCompleting)

	warning := ""
	if err := drv.Complete(ctx); err != nil {
		warning = classify(ctx, lease, err).Error()
		log.Warn().Err(err).Msg("image written but completion failed")
	}

	s.finish(warning)
	log.Info().Int64("bytes", job.Committed()).Dur("took", time.Since(started)).Msg("flash session done")
	metrics.RecordFlash(req.Protocol, "done", job.Committed(), time.Since(started).Seconds())
}

func classify(ctx context.Context, lease *registry.Lease, err error) error {
	if errors.Is(lease.Err(), customerrors.ErrDeviceRemoved) && !errors.Is(err, customerrors.ErrDeviceRemoved) {
		return fmt.Errorf("%w: %w", customerrors.ErrDeviceRemoved, err)
	}

	return customerrors.FromContext(ctx, err)
}

func committed(job *Job) int64 {
	if job == nil {
		return 0
	}

	return job.Committed()
}

func sum(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}
