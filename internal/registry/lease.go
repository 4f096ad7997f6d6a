package registry

import (
	"context"
	"sync"
	"time"

	customerrors "github.com/bavix/boardfarm/internal/errors"
	"github.com/bavix/boardfarm/internal/metrics"
)

// lifecycle is shared by every published version of a record.
type lifecycle struct {
	removed     chan struct{}
	removedOnce sync.Once

	mu      sync.Mutex
	revoked bool
	holder  *Lease
}

func newLifecycle() *lifecycle {
	return &lifecycle{removed: make(chan struct{})}
}

func (l *lifecycle) revoke() {
	l.removedOnce.Do(func() { close(l.removed) })

	l.mu.Lock()
	l.revoked = true
	holder := l.holder
	l.holder = nil
	l.mu.Unlock()

	if holder != nil {
		holder.finish(customerrors.ErrDeviceRemoved)
	}
}

// Lease is an advisory exclusive grant on one device. It ends when released
// or when the device is deregistered, whichever comes first.
type Lease struct {
	Device   ID
	Holder   string
	Acquired time.Time

	life *lifecycle
	done chan struct{}
	once sync.Once
	err  error
}

// Acquire grants an exclusive lease or fails fast with ErrBusy. It never
// blocks on another holder.
func (r *Registry) Acquire(id ID, holder string) (*Lease, error) {
	d, err := r.Get(id)
	if err != nil {
		return nil, err
	}

	life := d.life

	life.mu.Lock()
	defer life.mu.Unlock()

	if life.revoked {
		return nil, customerrors.ErrDeviceNotFoundWithID(uint64(id))
	}

	if life.holder != nil {
		metrics.RecordLeaseRejected()

		return nil, customerrors.ErrBusyWithHolder(uint64(id), life.holder.Holder)
	}

	l := &Lease{
		Device:   id,
		Holder:   holder,
		Acquired: time.Now(),
		life:     life,
		done:     make(chan struct{}),
	}
	life.holder = l

	return l, nil
}

// HolderOf returns the current holder name, if any.
func (r *Registry) HolderOf(id ID) (string, bool) {
	d, err := r.Get(id)
	if err != nil {
		return "", false
	}

	d.life.mu.Lock()
	defer d.life.mu.Unlock()

	if d.life.holder == nil {
		return "", false
	}

	return d.life.holder.Holder, true
}

// Done is closed when the lease ends.
func (l *Lease) Done() <-chan struct{} { return l.done }

// Err is nil while the lease is held, ErrCancelled after Release and
// ErrDeviceRemoved after revocation.
func (l *Lease) Err() error {
	select {
	case <-l.done:
		return l.err
	default:
		return nil
	}
}

// Release is idempotent.
func (l *Lease) Release() {
	l.life.mu.Lock()
	if l.life.holder == l {
		l.life.holder = nil
	}
	l.life.mu.Unlock()

	l.finish(customerrors.ErrCancelled)
}

func (l *Lease) finish(err error) {
	l.once.Do(func() {
		l.err = err
		close(l.done)
	})
}

// Context derives a context that is cancelled with the lease error as its
// cause once the lease ends. The returned cancel func does not release the
// lease.
func (l *Lease) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)

	go func() {
		select {
		case <-ctx.Done():
		case <-l.done:
			cancel(l.err)
		}
	}()

	return ctx, func() { cancel(context.Canceled) }
}
