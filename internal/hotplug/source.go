// Package hotplug bridges hardware notifications into registry mutations.
package hotplug

import (
	"context"
	"maps"
)

type Action string

const (
	ActionAdd    Action = "add"
	ActionRemove Action = "remove"
)

// Event is one arrival or departure. Key identifies the physical device
// within its source for the lifetime of that attachment.
type Event struct {
	Action  Action
	Key     string
	Devnode string
	Tags    map[string]string
	// Template bypasses matching; static devices carry their own.
	Template *Template
}

// Template binds matching hardware to a device kind.
type Template struct {
	Name string
	// Match holds tag predicates; values are path.Match globs.
	Match map[string]string
	Kind  string
	// Tags are added to every record built from the template.
	Tags map[string]string
	// Capabilities restricts what records expose; empty keeps all.
	Capabilities []string
	Options      map[string]string
}

// Source is a hardware discovery mechanism.
type Source interface {
	// Name labels records and metrics.
	Name() string

	// Available reports whether the mechanism works on this host.
	Available(ctx context.Context) bool

	// Enumerate lists hardware present right now as add events.
	Enumerate(ctx context.Context) ([]Event, error)

	// Watch delivers live events until ctx ends. Malformed notifications are
	// skipped inside the source.
	Watch(ctx context.Context, emit func(Event)) error
}

func mergeTags(layers ...map[string]string) map[string]string {
	out := map[string]string{}
	for _, l := range layers {
		maps.Copy(out, l)
	}

	return out
}
