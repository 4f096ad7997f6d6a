package hotplug

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	customerrors "github.com/bavix/boardfarm/internal/errors"
	"github.com/bavix/boardfarm/internal/hardware/serialport"
)

const SourceDevfs = "devfs"

// DevfsSource watches a device directory for nodes matching glob patterns.
// It serves hosts without netlink access, such as unprivileged containers
// with a bind-mounted /dev.
type DevfsSource struct {
	Dir      string
	Patterns []string
	// Subsystem is the tag assigned to every node.
	Subsystem string
	Enrich    func() (map[string]map[string]string, error)
}

func NewDevfsSource(dir string, patterns []string) *DevfsSource {
	return &DevfsSource{Dir: dir, Patterns: patterns, Subsystem: "tty", Enrich: serialport.USBTags}
}

func (*DevfsSource) Name() string { return SourceDevfs }

func (s *DevfsSource) Available(context.Context) bool {
	info, err := os.Stat(s.Dir)

	return err == nil && info.IsDir()
}

func (s *DevfsSource) matches(name string) bool {
	for _, p := range s.Patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}

	return false
}

func (s *DevfsSource) event(action Action, node string) Event {
	return Event{
		Action:  action,
		Key:     SourceDevfs + ":" + node,
		Devnode: node,
		Tags: map[string]string{
			"subsystem": s.Subsystem,
			"devname":   filepath.Base(node),
			"devnode":   node,
		},
	}
}

func (s *DevfsSource) enrich(ctx context.Context, events []Event) {
	if s.Enrich == nil {
		return
	}

	extra, err := s.Enrich()
	if err != nil {
		zerolog.Ctx(ctx).Debug().Err(err).Msg("serial enrichment unavailable")

		return
	}

	for i := range events {
		if t, ok := extra[events[i].Devnode]; ok && events[i].Action == ActionAdd {
			events[i].Tags = mergeTags(events[i].Tags, t)
		}
	}
}

func (s *DevfsSource) Enumerate(ctx context.Context) ([]Event, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", customerrors.ErrSourceUnavailable, err)
	}

	var events []Event

	for _, e := range entries {
		if !e.IsDir() && s.matches(e.Name()) {
			events = append(events, s.event(ActionAdd, filepath.Join(s.Dir, e.Name())))
		}
	}

	s.enrich(ctx, events)

	return events, nil
}

func (s *DevfsSource) Watch(ctx context.Context, emit func(Event)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("%w: %w", customerrors.ErrSourceUnavailable, err)
	}
	defer w.Close()

	if err := w.Add(s.Dir); err != nil {
		return fmt.Errorf("%w: watch %s: %w", customerrors.ErrSourceUnavailable, s.Dir, err)
	}

	log := zerolog.Ctx(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}

			if errors.Is(err, fsnotify.ErrEventOverflow) {
				log.Warn().Msg("devfs watch overflowed; waiting for rescan")

				continue
			}

			log.Warn().Err(err).Msg("devfs watch error")
		case fe, ok := <-w.Events:
			if !ok {
				return nil
			}

			if !s.matches(filepath.Base(fe.Name)) {
				continue
			}

			switch {
			case fe.Has(fsnotify.Create):
				events := []Event{s.event(ActionAdd, fe.Name)}
				s.enrich(ctx, events)
				emit(events[0])
			case fe.Has(fsnotify.Remove), fe.Has(fsnotify.Rename):
				emit(s.event(ActionRemove, fe.Name))
			}
		}
	}
}
