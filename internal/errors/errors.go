package errors

import (
	"context"
	"errors"
	"fmt"
)

// Dispatch taxonomy. Every failure surfaced to a client session wraps exactly
// one of these.
var (
	ErrNotFound         = errors.New("device not found")
	ErrUnsupported      = errors.New("capability not supported")
	ErrBusy             = errors.New("device busy")
	ErrProtocolMismatch = errors.New("protocol mismatch")
	ErrTimeout          = errors.New("operation timed out")
	ErrIO               = errors.New("hardware i/o failure")
	ErrDeviceRemoved    = fmt.Errorf("%w: device removed", ErrIO)
	ErrCancelled        = errors.New("operation cancelled")
	ErrDisconnected     = errors.New("console disconnected")
	ErrInvalidArgument  = errors.New("invalid argument")
)

// Configuration and discovery errors.
var (
	ErrConfigCannotBeNil     = errors.New("config cannot be nil")
	ErrTemplateNotFound      = errors.New("no template matches device")
	ErrUnknownDeviceKind     = errors.New("unknown device kind")
	ErrSourceUnavailable     = errors.New("hot-plug source unavailable")
	ErrMalformedEvent        = errors.New("malformed hot-plug event")
	ErrNotOwner              = errors.New("record owned by another source")
	ErrSessionNotFound       = errors.New("flash session not found")
	ErrUnknownProtocol       = errors.New("unknown flashing protocol")
	ErrRegionNotFound        = errors.New("storage region not found")
	ErrImageTooLarge         = errors.New("image does not fit region")
	ErrModeNotFound          = errors.New("mode not found")
	ErrBoardNotFound         = errors.New("board not found")
	ErrWrongMode             = errors.New("board not in the required mode")
	ErrStepTargetUnavailable = errors.New("mode step target not available")
)

// Kind codes reported to clients.
const (
	KindNotFound         = "not_found"
	KindUnsupported      = "unsupported"
	KindBusy             = "busy"
	KindProtocolMismatch = "protocol_mismatch"
	KindTimeout          = "timeout"
	KindDeviceRemoved    = "device_removed"
	KindIO               = "io_failure"
	KindCancelled        = "cancelled"
	KindDisconnected     = "disconnected"
	KindInvalidArgument  = "invalid_argument"
	KindInternal         = "internal"
)

// Kind classifies err into one of the stable kind codes.
//
//nolint:cyclop // flat classification table
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrSessionNotFound),
		errors.Is(err, ErrBoardNotFound), errors.Is(err, ErrModeNotFound),
		errors.Is(err, ErrRegionNotFound):
		return KindNotFound
	case errors.Is(err, ErrUnsupported), errors.Is(err, ErrUnknownProtocol):
		return KindUnsupported
	case errors.Is(err, ErrBusy), errors.Is(err, ErrWrongMode):
		return KindBusy
	case errors.Is(err, ErrProtocolMismatch):
		return KindProtocolMismatch
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrDeviceRemoved):
		return KindDeviceRemoved
	case errors.Is(err, ErrIO), errors.Is(err, ErrStepTargetUnavailable):
		return KindIO
	case errors.Is(err, ErrCancelled):
		return KindCancelled
	case errors.Is(err, ErrDisconnected):
		return KindDisconnected
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrImageTooLarge):
		return KindInvalidArgument
	default:
		return KindInternal
	}
}

// FromContext translates a context error into the taxonomy. A cancellation
// cause set with context.WithCancelCause wins over the plain context error.
func FromContext(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}

	if cause := context.Cause(ctx); cause != nil && cause != context.Canceled && cause != context.DeadlineExceeded { //nolint:errorlint // sentinel identity
		if errors.Is(cause, ErrDeviceRemoved) || errors.Is(cause, ErrCancelled) || errors.Is(cause, ErrTimeout) {
			return cause
		}

		return fmt.Errorf("%w: %w", ErrCancelled, cause)
	}

	switch {
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	default:
		return err
	}
}

// IO wraps a hardware error so it classifies as ErrIO while keeping the
// original error in the chain.
func IO(op string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, ErrIO) {
		return err
	}

	return fmt.Errorf("%w: %s: %w", ErrIO, op, err)
}

// ErrDeviceNotFoundWithID returns an error for an unknown device identifier.
func ErrDeviceNotFoundWithID(id uint64) error {
	return fmt.Errorf("%w: id %d", ErrNotFound, id)
}

// ErrUnsupportedCapability returns an error for a capability a device lacks.
func ErrUnsupportedCapability(id uint64, capability string) error {
	return fmt.Errorf("%w: device %d has no %s capability", ErrUnsupported, id, capability)
}

// ErrBusyWithHolder returns an error describing the current lease holder.
func ErrBusyWithHolder(id uint64, holder string) error {
	return fmt.Errorf("%w: device %d held by %s", ErrBusy, id, holder)
}
