package hotplug

import (
	"context"
	"errors"
	"maps"
	"path"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/bavix/boardfarm/internal/capability"
	"github.com/bavix/boardfarm/internal/logging"
	"github.com/bavix/boardfarm/internal/metrics"
	"github.com/bavix/boardfarm/internal/registry"
)

// Outcomes reported per event.
const (
	OutcomeRegistered = "registered"
	OutcomeUpdated    = "updated"
	OutcomeRemoved    = "removed"
	OutcomeUnmatched  = "unmatched"
	OutcomeFailed     = "failed"
	OutcomeIgnored    = "ignored"
	OutcomeMalformed  = "malformed"
)

type attachment struct {
	id     registry.ID
	source string
	tags   map[string]string
	gen    uint64 // value of Manager.gen when attached
}

// RescanResult counts what a rescan changed.
type RescanResult struct {
	Registered int `json:"registered"`
	Removed    int `json:"removed"`
	Updated    int `json:"updated"`
}

// Manager owns the mapping from hardware keys to registry identifiers. A key
// that leaves and comes back gets a new identifier.
type Manager struct {
	reg     *registry.Registry
	matcher *Matcher
	factory *Factory
	sources []Source

	mu       sync.Mutex // serializes apply
	attached map[string]attachment
	gen      uint64
	group    singleflight.Group
}

func NewManager(reg *registry.Registry, matcher *Matcher, factory *Factory, sources ...Source) *Manager {
	return &Manager{
		reg:      reg,
		matcher:  matcher,
		factory:  factory,
		sources:  sources,
		attached: map[string]attachment{},
	}
}

// Run enumerates present hardware, then listens on every available source
// until ctx ends. A failing source is logged and does not stop the others.
func (m *Manager) Run(ctx context.Context) error {
	ctx = logging.WithComponent(ctx, "hotplug")
	log := logging.Component(ctx, "hotplug")

	if _, err := m.Rescan(ctx); err != nil {
		log.Warn().Err(err).Msg("initial enumeration incomplete")
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, src := range m.sources {
		if !src.Available(gctx) {
			log.Info().Str("source", src.Name()).Msg("source unavailable, skipping")

			continue
		}

		g.Go(func() error {
			err := src.Watch(gctx, func(ev Event) { m.apply(gctx, src.Name(), ev) })
			if err != nil && gctx.Err() == nil {
				log.Error().Err(err).Str("source", src.Name()).Msg("source stopped")
			}

			return nil
		})
	}

	return g.Wait()
}

// Rescan re-enumerates every source. Concurrent calls share one pass.
func (m *Manager) Rescan(ctx context.Context) (RescanResult, error) {
	v, err, _ := m.group.Do("rescan", func() (any, error) {
		return m.rescan(ctx)
	})

	res, _ := v.(RescanResult)

	return res, err
}

func (m *Manager) rescan(ctx context.Context) (RescanResult, error) {
	log := logging.Component(ctx, "hotplug")

	var (
		res  RescanResult
		errs []error
	)

	count := func(outcome string) {
		switch outcome {
		case OutcomeRegistered:
			res.Registered++
		case OutcomeRemoved:
			res.Removed++
		case OutcomeUpdated:
			res.Updated++
		}
	}

	for _, src := range m.sources {
		if !src.Available(ctx) {
			continue
		}

		// Keys attached by a live event while enumerating are newer than
		// the snapshot and must survive it.
		gen := m.generation()

		events, err := src.Enumerate(ctx)
		if err != nil {
			// Records of a source that failed to enumerate are kept.
			log.Warn().Err(err).Str("source", src.Name()).Msg("enumeration failed")
			errs = append(errs, err)

			continue
		}

		present := map[string]struct{}{}

		for _, ev := range events {
			present[ev.Key] = struct{}{}
			count(m.apply(ctx, src.Name(), ev))
		}

		res.Removed += m.removeStale(ctx, src.Name(), present, gen)
	}

	log.Debug().Int("registered", res.Registered).Int("removed", res.Removed).Msg("rescan done")

	return res, errors.Join(errs...)
}

func (m *Manager) generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.gen
}

// removeStale detaches keys of source that were attached at or before gen and
// are missing from present.
func (m *Manager) removeStale(ctx context.Context, source string, present map[string]struct{}, gen uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0

	for key, a := range m.attached {
		if a.source != source || a.gen > gen {
			continue
		}

		if _, ok := present[key]; ok {
			continue
		}

		outcome := m.applyLocked(ctx, source, Event{Action: ActionRemove, Key: key})
		metrics.RecordHotplug(source, outcome)

		if outcome == OutcomeRemoved {
			removed++
		}
	}

	return removed
}

// Attached returns the identifier registered for a hardware key.
func (m *Manager) Attached(key string) (registry.ID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.attached[key]

	return a.id, ok
}

func (m *Manager) apply(ctx context.Context, source string, ev Event) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	outcome := m.applyLocked(ctx, source, ev)
	metrics.RecordHotplug(source, outcome)

	return outcome
}

func (m *Manager) applyLocked(ctx context.Context, source string, ev Event) string {
	log := logging.Component(ctx, "hotplug").With().Str("source", source).Str("key", ev.Key).Logger()

	if ev.Key == "" {
		log.Warn().Str("action", string(ev.Action)).Msg("event without key skipped")

		return OutcomeMalformed
	}

	a, known := m.attached[ev.Key]

	switch ev.Action {
	case ActionRemove:
		if !known || a.source != source {
			return OutcomeIgnored
		}

		delete(m.attached, ev.Key)
		m.reg.Deregister(a.id)
		log.Info().Stringer("id", a.id).Msg("device removed")

		return OutcomeRemoved
	case ActionAdd:
	default:
		return OutcomeIgnored
	}

	if known {
		if a.source != source || maps.Equal(a.tags, ev.Tags) {
			return OutcomeIgnored
		}

		tmpl, err := m.template(ev)
		if err != nil {
			return OutcomeIgnored
		}

		if _, err := m.reg.Update(a.id, source, "", m.recordTags(ev, tmpl)); err != nil {
			log.Warn().Err(err).Msg("tag update rejected")

			return OutcomeFailed
		}

		a.tags = ev.Tags
		m.attached[ev.Key] = a

		return OutcomeUpdated
	}

	tmpl, err := m.template(ev)
	if err != nil {
		log.Debug().Interface("tags", ev.Tags).Msg("no template matches")

		return OutcomeUnmatched
	}

	restrict, err := capability.ParseSet(tmpl.Capabilities)
	if err != nil {
		log.Warn().Err(err).Str("template", tmpl.Name).Msg("template capabilities invalid")

		return OutcomeFailed
	}

	inst, err := m.factory.Build(ctx, ev, tmpl)
	if err != nil {
		log.Warn().Err(err).Str("template", tmpl.Name).Msg("device open failed")

		return OutcomeFailed
	}

	d, err := m.reg.Register(registry.Spec{
		Name:     recordName(ev, tmpl),
		Tags:     m.recordTags(ev, tmpl),
		Source:   source,
		Instance: inst,
		Restrict: restrict,
	})
	if err != nil {
		_ = inst.Close()
		log.Warn().Err(err).Msg("register failed")

		return OutcomeFailed
	}

	m.gen++
	m.attached[ev.Key] = attachment{id: d.ID, source: source, tags: ev.Tags, gen: m.gen}
	log.Info().Stringer("id", d.ID).Str("name", d.Name).Str("template", tmpl.Name).Msg("device registered")

	return OutcomeRegistered
}

func (m *Manager) template(ev Event) (Template, error) {
	if ev.Template != nil {
		return *ev.Template, nil
	}

	return m.matcher.Match(ev.Tags)
}

func (m *Manager) recordTags(ev Event, tmpl Template) registry.Tags {
	tags := mergeTags(ev.Tags, tmpl.Tags)
	if tmpl.Name != "" {
		tags["template"] = tmpl.Name
	}

	return tags
}

func recordName(ev Event, tmpl Template) string {
	if n := ev.Tags["name"]; n != "" {
		return n
	}

	if ev.Devnode != "" && tmpl.Name != "" {
		return tmpl.Name + ":" + path.Base(ev.Devnode)
	}

	return tmpl.Name
}
