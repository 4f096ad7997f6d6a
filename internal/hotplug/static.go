package hotplug

import "context"

const SourceStatic = "static"

// StaticDevice is a configured device that is never hot-unplugged.
type StaticDevice struct {
	Name     string
	Template Template
	Tags     map[string]string
}

type StaticSource struct {
	devices []StaticDevice
}

func NewStaticSource(devices []StaticDevice) *StaticSource {
	return &StaticSource{devices: devices}
}

func (*StaticSource) Name() string { return SourceStatic }

func (*StaticSource) Available(context.Context) bool { return true }

func (s *StaticSource) Enumerate(context.Context) ([]Event, error) {
	events := make([]Event, 0, len(s.devices))

	for _, d := range s.devices {
		tmpl := d.Template
		if tmpl.Name == "" {
			tmpl.Name = d.Name
		}

		events = append(events, Event{
			Action:   ActionAdd,
			Key:      SourceStatic + ":" + d.Name,
			Devnode:  tmpl.Options["path"],
			Tags:     mergeTags(d.Tags, map[string]string{"name": d.Name, "kind": tmpl.Kind}),
			Template: &tmpl,
		})
	}

	return events, nil
}

func (*StaticSource) Watch(ctx context.Context, _ func(Event)) error {
	<-ctx.Done()

	return nil
}
