//go:build !linux

package usbfs

import (
	"fmt"

	"github.com/bavix/boardfarm/internal/capability"
	customerrors "github.com/bavix/boardfarm/internal/errors"
)

type Handle struct {
	capability.USBPort
}

func Open(path string) (*Handle, error) {
	return nil, fmt.Errorf("%w: usbfs %s needs linux", customerrors.ErrUnsupported, path)
}
