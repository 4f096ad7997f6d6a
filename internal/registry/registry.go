// Package registry is the single source of truth for the devices that
// currently exist. Mutations are serialized; reads use immutable snapshots.
package registry

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bavix/boardfarm/internal/capability"
	customerrors "github.com/bavix/boardfarm/internal/errors"
	"github.com/bavix/boardfarm/internal/metrics"
)

type snapshot struct {
	devices map[ID]*Device
}

type Registry struct {
	mu     sync.Mutex // serializes mutations and event fan-out
	snap   atomic.Pointer[snapshot]
	nextID uint64
	subs   map[*Subscription]struct{}
	now    func() time.Time
}

func New() *Registry {
	r := &Registry{
		subs: make(map[*Subscription]struct{}),
		now:  time.Now,
	}
	r.snap.Store(&snapshot{devices: map[ID]*Device{}})

	return r
}

// Register takes ownership of spec.Instance and returns the new record.
func (r *Registry) Register(spec Spec) (*Device, error) {
	if spec.Instance == nil {
		return nil, fmt.Errorf("%w: nil device instance", customerrors.ErrInvalidArgument)
	}

	caps := spec.Instance.Capabilities()
	if !spec.Restrict.Empty() {
		caps = caps.Intersect(spec.Restrict)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	now := r.now()
	d := &Device{
		ID:           ID(r.nextID),
		Name:         spec.Name,
		Tags:         spec.Tags.Clone(),
		Capabilities: caps,
		Source:       spec.Source,
		Added:        now,
		Updated:      now,
		Instance:     spec.Instance,
		life:         newLifecycle(),
	}

	if d.Name == "" {
		d.Name = "device-" + d.ID.String()
	}

	r.publish(func(m map[ID]*Device) { m[d.ID] = d })
	r.emit(Event{Kind: EventAdded, Device: d})

	return d, nil
}

// Deregister removes the record, revokes its lease and closes the instance.
// Removing an unknown or already removed id is a no-op.
func (r *Registry) Deregister(id ID) bool {
	r.mu.Lock()

	d, ok := r.snap.Load().devices[id]
	if !ok {
		r.mu.Unlock()

		return false
	}

	r.publish(func(m map[ID]*Device) { delete(m, id) })
	d.life.revoke()
	r.emit(Event{Kind: EventRemoved, Device: d})
	r.mu.Unlock()

	_ = d.Instance.Close()

	return true
}

// Update replaces the name and tags of a record. Only the source that created
// the record may update it.
func (r *Registry) Update(id ID, source, name string, tags Tags) (*Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.snap.Load().devices[id]
	if !ok {
		return nil, customerrors.ErrDeviceNotFoundWithID(uint64(id))
	}

	if cur.Source != source {
		return nil, fmt.Errorf("%w: device %d belongs to %q", customerrors.ErrNotOwner, id, cur.Source)
	}

	next := *cur
	next.Tags = tags.Clone()
	next.Updated = r.now()

	if name != "" {
		next.Name = name
	}

	r.publish(func(m map[ID]*Device) { m[id] = &next })
	r.emit(Event{Kind: EventUpdated, Device: &next})

	return &next, nil
}

func (r *Registry) Get(id ID) (*Device, error) {
	if d, ok := r.snap.Load().devices[id]; ok {
		return d, nil
	}

	return nil, customerrors.ErrDeviceNotFoundWithID(uint64(id))
}

// List returns matching records ordered by id.
func (r *Registry) List(f Filter) []*Device {
	snap := r.snap.Load()
	out := make([]*Device, 0, len(snap.devices))

	for _, d := range snap.devices {
		if f.Matches(d) {
			out = append(out, d)
		}
	}

	slices.SortFunc(out, func(a, b *Device) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})

	return out
}

func (r *Registry) Len() int { return len(r.snap.Load().devices) }

// Subscribe returns a subscription primed with an Added event for every
// current record, followed by live events in application order.
func (r *Registry) Subscribe() *Subscription {
	s := newSubscription(r)

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, d := range r.List(Filter{}) {
		s.push(Event{Kind: EventAdded, Device: d})
	}

	r.subs[s] = struct{}{}

	return s
}

func (r *Registry) unsubscribe(s *Subscription) {
	r.mu.Lock()
	delete(r.subs, s)
	r.mu.Unlock()
}

// Close deregisters every record.
func (r *Registry) Close() {
	for _, d := range r.List(Filter{}) {
		r.Deregister(d.ID)
	}
}

// publish must be called with mu held.
func (r *Registry) publish(mutate func(map[ID]*Device)) {
	next := maps.Clone(r.snap.Load().devices)
	mutate(next)
	r.snap.Store(&snapshot{devices: next})

	counts := make(map[capability.Capability]int)

	for _, d := range next {
		for _, c := range d.Capabilities.List() {
			counts[c]++
		}
	}

	for _, c := range capability.NewSet(capability.Console, capability.Power, capability.Gpio, capability.Flash).List() {
		metrics.SetDevices(c.String(), counts[c])
	}
}

// emit must be called with mu held.
func (r *Registry) emit(ev Event) {
	metrics.RecordRegistryEvent(string(ev.Kind))

	for s := range r.subs {
		s.push(ev)
	}
}
