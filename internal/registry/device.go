package registry

import (
	"fmt"
	"maps"
	"path"
	"strconv"
	"time"

	"github.com/bavix/boardfarm/internal/capability"
	customerrors "github.com/bavix/boardfarm/internal/errors"
)

// ID identifies a device record for the lifetime of the process. IDs are
// never reused.
type ID uint64

func (id ID) String() string { return strconv.FormatUint(uint64(id), 10) }

func ParseID(s string) (ID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("%w: device id %q", customerrors.ErrInvalidArgument, s)
	}

	return ID(v), nil
}

type Tags map[string]string

func (t Tags) Clone() Tags {
	if t == nil {
		return Tags{}
	}

	return maps.Clone(t)
}

// Match reports whether every predicate holds. Predicate values are
// path.Match patterns, so "ttyUSB*" and "2207" both work.
func (t Tags) Match(predicates map[string]string) bool {
	for k, pattern := range predicates {
		v, ok := t[k]
		if !ok {
			return false
		}

		if pattern == v {
			continue
		}

		if matched, err := path.Match(pattern, v); err != nil || !matched {
			return false
		}
	}

	return true
}

// Device is an immutable view of a record. Updates publish a new value that
// shares the lifecycle state of the previous one.
type Device struct {
	ID           ID                  `json:"id"`
	Name         string              `json:"name"`
	Tags         Tags                `json:"tags"`
	Capabilities capability.Set      `json:"-"`
	Source       string              `json:"source"`
	Added        time.Time           `json:"added"`
	Updated      time.Time           `json:"updated"`
	Instance     capability.Instance `json:"-"`

	life *lifecycle
}

// Removed is closed once the record has been deregistered.
func (d *Device) Removed() <-chan struct{} { return d.life.removed }

func (d *Device) IsRemoved() bool {
	select {
	case <-d.life.removed:
		return true
	default:
		return false
	}
}

func (d *Device) Has(c capability.Capability) bool { return d.Capabilities.Has(c) }

// Spec describes a device to register.
type Spec struct {
	Name     string
	Tags     Tags
	Source   string
	Instance capability.Instance
	// Restrict limits the advertised capabilities to this set when non-empty.
	Restrict capability.Set
}

// Filter selects records in List. Zero fields match everything.
type Filter struct {
	Tags       map[string]string
	Capability capability.Capability
	Source     string
}

// Matches reports whether d satisfies every field of f.
func (f Filter) Matches(d *Device) bool {
	if f.Source != "" && d.Source != f.Source {
		return false
	}

	if f.Capability != 0 && !d.Capabilities.Has(f.Capability) {
		return false
	}

	return d.Tags.Match(f.Tags)
}
