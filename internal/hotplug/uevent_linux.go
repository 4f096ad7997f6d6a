//go:build linux

package hotplug

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	customerrors "github.com/bavix/boardfarm/internal/errors"
)

const (
	kernelGroup = 1
	recvBuffer  = 64 * 1024
	recvPoll    = 500 * time.Millisecond
)

func (s *UEventSource) Available(context.Context) bool {
	_, err := os.Stat(s.SysRoot)

	return err == nil
}

// Watch reads the kernel uevent multicast group. The socket read timeout
// bounds how late cancellation is noticed.
func (s *UEventSource) Watch(ctx context.Context, emit func(Event)) error {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return fmt.Errorf("%w: netlink socket: %w", customerrors.ErrSourceUnavailable, err)
	}
	defer unix.Close(fd)

	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: kernelGroup}); err != nil {
		return fmt.Errorf("%w: netlink bind: %w", customerrors.ErrSourceUnavailable, err)
	}

	tv := unix.NsecToTimeval(recvPoll.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return fmt.Errorf("netlink timeout: %w", err)
	}

	buf := make([]byte, recvBuffer)

	for {
		if ctx.Err() != nil {
			return nil
		}

		n, _, err := unix.Recvfrom(fd, buf, 0)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}

			if errors.Is(err, unix.ENOBUFS) {
				// The kernel dropped events; the next rescan reconciles.
				continue
			}

			return fmt.Errorf("netlink recv: %w", err)
		}

		if s.Limiter != nil {
			if err := s.Limiter.Wait(ctx); err != nil {
				return nil //nolint:nilerr // cancelled while throttled
			}
		}

		s.handle(ctx, buf[:n], emit)
	}
}
