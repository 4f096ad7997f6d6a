package hotplug

import (
	"fmt"
	"sync/atomic"

	customerrors "github.com/bavix/boardfarm/internal/errors"
	"github.com/bavix/boardfarm/internal/registry"
)

// Matcher picks the first template whose predicates all hold. The template
// set is swapped atomically on configuration reload.
type Matcher struct {
	templates atomic.Pointer[[]Template]
}

func NewMatcher(templates []Template) *Matcher {
	m := &Matcher{}
	m.Swap(templates)

	return m
}

func (m *Matcher) Swap(templates []Template) {
	cp := append([]Template(nil), templates...)
	m.templates.Store(&cp)
}

func (m *Matcher) Templates() []Template { return *m.templates.Load() }

func (m *Matcher) Match(tags map[string]string) (Template, error) {
	for _, t := range *m.templates.Load() {
		if len(t.Match) > 0 && registry.Tags(tags).Match(t.Match) {
			return t, nil
		}
	}

	return Template{}, fmt.Errorf("%w: %v", customerrors.ErrTemplateNotFound, tags)
}
