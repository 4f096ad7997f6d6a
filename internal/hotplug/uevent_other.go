//go:build !linux

package hotplug

import (
	"context"
	"fmt"

	customerrors "github.com/bavix/boardfarm/internal/errors"
)

func (*UEventSource) Available(context.Context) bool { return false }

func (*UEventSource) Watch(context.Context, func(Event)) error {
	return fmt.Errorf("%w: kernel uevents need linux", customerrors.ErrSourceUnavailable)
}
