package hotplug

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	customerrors "github.com/bavix/boardfarm/internal/errors"
	"github.com/bavix/boardfarm/internal/hardware/serialport"
	"github.com/bavix/boardfarm/internal/metrics"
)

const SourceUEvent = "uevent"

// UEventSource follows kernel uevents for tty, usb and block devices and
// enumerates the same classes from sysfs.
type UEventSource struct {
	SysRoot string
	DevRoot string
	// Enrich returns extra tags keyed by device node. Serial adapters get
	// their usb identity this way, since tty uevents lack it.
	Enrich  func() (map[string]map[string]string, error)
	Limiter *rate.Limiter
}

func NewUEventSource(limit rate.Limit, burst int) *UEventSource {
	return &UEventSource{
		SysRoot: "/sys",
		DevRoot: "/dev",
		Enrich:  serialport.USBTags,
		Limiter: rate.NewLimiter(limit, burst),
	}
}

func (*UEventSource) Name() string { return SourceUEvent }

// ParseUEvent splits a netlink message or a sysfs uevent file into its
// environment. The netlink "action@devpath" header is folded into ACTION
// and DEVPATH.
func ParseUEvent(msg []byte) (map[string]string, error) {
	env := map[string]string{}

	for _, field := range bytes.FieldsFunc(msg, func(r rune) bool { return r == 0 || r == '\n' }) {
		k, v, ok := strings.Cut(string(field), "=")
		if !ok {
			action, devpath, hdr := strings.Cut(string(field), "@")
			if !hdr || action == "" || devpath == "" {
				return nil, fmt.Errorf("%w: field %q", customerrors.ErrMalformedEvent, field)
			}

			env["ACTION"], env["DEVPATH"] = action, devpath

			continue
		}

		if k == "" {
			return nil, fmt.Errorf("%w: empty key", customerrors.ErrMalformedEvent)
		}

		env[k] = v
	}

	if len(env) == 0 {
		return nil, fmt.Errorf("%w: empty message", customerrors.ErrMalformedEvent)
	}

	return env, nil
}

// eventFromEnv maps a uevent environment to an Event. ok is false for
// events the farm does not care about.
func (s *UEventSource) eventFromEnv(env map[string]string) (Event, bool, error) {
	devpath, subsystem := env["DEVPATH"], env["SUBSYSTEM"]
	if devpath == "" || subsystem == "" {
		return Event{}, false, fmt.Errorf("%w: missing DEVPATH or SUBSYSTEM", customerrors.ErrMalformedEvent)
	}

	var action Action

	switch env["ACTION"] {
	case "add", "change", "bind":
		action = ActionAdd
	case "remove":
		action = ActionRemove
	default:
		return Event{}, false, nil
	}

	if strings.HasPrefix(devpath, "/devices/virtual/") {
		return Event{}, false, nil
	}

	tags := map[string]string{"subsystem": subsystem, "devpath": devpath}

	switch subsystem {
	case "tty":
	case "usb":
		if env["DEVTYPE"] != "usb_device" {
			return Event{}, false, nil
		}

		if product := env["PRODUCT"]; product != "" {
			parts := strings.Split(product, "/")
			if len(parts) < 2 {
				return Event{}, false, fmt.Errorf("%w: PRODUCT %q", customerrors.ErrMalformedEvent, product)
			}

			tags["vendor_id"], tags["product_id"] = hex4(parts[0]), hex4(parts[1])
		}

		if env["BUSNUM"] != "" {
			tags["busnum"], tags["devnum"] = env["BUSNUM"], env["DEVNUM"]
		}
	case "block":
		if env["DEVTYPE"] != "disk" {
			return Event{}, false, nil
		}
	default:
		return Event{}, false, nil
	}

	ev := Event{Action: action, Key: devpath, Tags: tags}

	if name := env["DEVNAME"]; name != "" {
		tags["devname"] = name
		ev.Devnode = filepath.Join(s.DevRoot, name)
		tags["devnode"] = ev.Devnode
	} else if action == ActionAdd {
		return Event{}, false, nil
	}

	return ev, true, nil
}

func hex4(s string) string {
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return strings.ToLower(s)
	}

	return fmt.Sprintf("%04x", v)
}

func (s *UEventSource) enrich(ctx context.Context, events []Event) {
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

// Enumerate reads the uevent file of every device in the watched classes.
func (s *UEventSource) Enumerate(ctx context.Context) ([]Event, error) {
	classes := map[string]string{
		"class/tty":       "tty",
		"bus/usb/devices": "usb",
		"class/block":     "block",
	}

	var events []Event

	for dir, subsystem := range classes {
		entries, err := os.ReadDir(filepath.Join(s.SysRoot, dir))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}

			return nil, fmt.Errorf("%w: %w", customerrors.ErrSourceUnavailable, err)
		}

		for _, e := range entries {
			ev, ok := s.readSysfs(ctx, filepath.Join(s.SysRoot, dir, e.Name()), subsystem)
			if ok {
				events = append(events, ev)
			}
		}
	}

	s.enrich(ctx, events)

	return events, nil
}

func (s *UEventSource) readSysfs(ctx context.Context, dir, subsystem string) (Event, bool) {
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return Event{}, false
	}

	raw, err := os.ReadFile(filepath.Join(resolved, "uevent"))
	if err != nil {
		return Event{}, false
	}

	env, err := ParseUEvent(raw)
	if err != nil {
		zerolog.Ctx(ctx).Debug().Err(err).Str("dir", dir).Msg("unreadable uevent file")

		return Event{}, false
	}

	rel, err := filepath.Rel(s.SysRoot, resolved)
	if err != nil {
		return Event{}, false
	}

	env["ACTION"], env["SUBSYSTEM"], env["DEVPATH"] = "add", subsystem, "/"+filepath.ToSlash(rel)

	ev, ok, err := s.eventFromEnv(env)
	if err != nil {
		return Event{}, false
	}

	return ev, ok
}

// handle turns one raw message into an event, counting what it skips.
func (s *UEventSource) handle(ctx context.Context, msg []byte, emit func(Event)) {
	env, err := ParseUEvent(msg)
	if err == nil {
		var (
			ev Event
			ok bool
		)

		if ev, ok, err = s.eventFromEnv(env); err == nil && ok {
			events := []Event{ev}
			s.enrich(ctx, events)
			emit(events[0])

			return
		}
	}

	if err != nil {
		metrics.RecordHotplug(SourceUEvent, OutcomeMalformed)
		zerolog.Ctx(ctx).Warn().Err(err).Msg("skipping malformed uevent")
	}
}
