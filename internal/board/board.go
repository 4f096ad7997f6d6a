// Package board groups devices of one physical board and switches it between
// configured modes by replaying power, GPIO and console-line steps.
package board

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bavix/boardfarm/internal/capability"
	"github.com/bavix/boardfarm/internal/config"
	"github.com/bavix/boardfarm/internal/dispatch"
	customerrors "github.com/bavix/boardfarm/internal/errors"
	"github.com/bavix/boardfarm/internal/registry"
)

type StepView struct {
	Action        string            `json:"action"`
	Line          string            `json:"line,omitempty"`
	Match         map[string]string `json:"match"`
	Stabilisation string            `json:"stabilisation,omitempty"`
	Device        *registry.ID      `json:"device,omitempty"`
}

type ModeView struct {
	Name      string     `json:"name"`
	Depends   string     `json:"depends,omitempty"`
	Available bool       `json:"available"`
	Steps     []StepView `json:"steps"`
}

type View struct {
	Name     string        `json:"name"`
	Current  string        `json:"current_mode,omitempty"`
	Changing bool          `json:"changing"`
	Devices  []registry.ID `json:"devices"`
	Modes    []ModeView    `json:"modes"`
}

type board struct {
	cfg      config.BoardConfig
	current  string
	changing bool
}

// Manager owns the mode state of every configured board.
type Manager struct {
	d *dispatch.Dispatcher

	mu      sync.Mutex
	boards  []*board
	changed chan struct{} // closed and replaced on every state change
}

func NewManager(d *dispatch.Dispatcher, boards []config.BoardConfig) *Manager {
	m := &Manager{d: d, changed: make(chan struct{})}
	m.Reload(boards)

	return m
}

// Reload replaces the board set. A board that keeps its name keeps its
// state, and its current mode while that mode still exists. A running mode
// change finishes with the sequence it started with.
func (m *Manager) Reload(boards []config.BoardConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := make([]*board, 0, len(boards))

	for _, cfg := range boards {
		b := m.findLocked(cfg.Name)
		if b == nil {
			b = &board{}
		}

		b.cfg = cfg
		if !slices.ContainsFunc(cfg.Modes, func(md config.ModeConfig) bool { return md.Name == b.current }) {
			b.current = ""
		}

		next = append(next, b)
	}

	m.boards = next
	m.notifyLocked()
}

func (m *Manager) notifyLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}

func (m *Manager) findLocked(name string) *board {
	for _, b := range m.boards {
		if b.cfg.Name == name {
			return b
		}
	}

	return nil
}

func (m *Manager) List() []View {
	m.mu.Lock()
	boards := make([]board, 0, len(m.boards))
	for _, b := range m.boards {
		boards = append(boards, *b)
	}
	m.mu.Unlock()

	out := make([]View, 0, len(boards))
	for _, b := range boards {
		out = append(out, m.view(b))
	}

	return out
}

func (m *Manager) Get(name string) (View, error) {
	m.mu.Lock()
	b := m.findLocked(name)

	var snapshot board
	if b != nil {
		snapshot = *b
	}
	m.mu.Unlock()

	if b == nil {
		return View{}, fmt.Errorf("%w: %q", customerrors.ErrBoardNotFound, name)
	}

	return m.view(snapshot), nil
}

func (m *Manager) view(b board) View {
	v := View{
		Name:     b.cfg.Name,
		Current:  b.current,
		Changing: b.changing,
		Devices:  []registry.ID{},
		Modes:    make([]ModeView, 0, len(b.cfg.Modes)),
	}

	if len(b.cfg.Match) > 0 {
		for _, dev := range m.d.Registry().List(registry.Filter{Tags: b.cfg.Match}) {
			v.Devices = append(v.Devices, dev.ID)
		}
	}

	for _, md := range b.cfg.Modes {
		mv := ModeView{Name: md.Name, Depends: md.Depends, Available: true, Steps: make([]StepView, 0, len(md.Sequence))}

		for _, st := range md.Sequence {
			sv := StepView{Action: st.Action, Line: st.Line, Match: b.cfg.StepMatch(st)}
			if st.Stabilisation > 0 {
				sv.Stabilisation = st.Stabilisation.String()
			}

			if dev, err := m.target(b.cfg, st); err == nil {
				id := dev.ID
				sv.Device = &id
			} else {
				mv.Available = false
			}

			mv.Steps = append(mv.Steps, sv)
		}

		v.Modes = append(v.Modes, mv)
	}

	return v
}

func stepCapability(action string) capability.Capability {
	switch action {
	case config.ActionPowerOn, config.ActionPowerOff:
		return capability.Power
	case config.ActionGpioHigh, config.ActionGpioLow:
		return capability.Gpio
	default:
		return capability.Console
	}
}

// target resolves a step to the lowest-ID registered device matching its
// predicates and exposing the capability the action needs. GPIO steps only
// consider devices that have the step's line.
func (m *Manager) target(b config.BoardConfig, st config.StepConfig) (*registry.Device, error) {
	devs := m.d.Registry().List(registry.Filter{Tags: b.StepMatch(st), Capability: stepCapability(st.Action)})

	if st.Action == config.ActionGpioHigh || st.Action == config.ActionGpioLow {
		devs = slices.DeleteFunc(devs, func(dev *registry.Device) bool {
			g, ok := capability.As[capability.GpioDevice](dev.Instance, capability.Gpio)

			return !ok || !slices.Contains(g.Lines(), st.Line)
		})
	}

	if len(devs) == 0 {
		return nil, fmt.Errorf("%w: %s %v", customerrors.ErrStepTargetUnavailable, st.Action, b.StepMatch(st))
	}

	return devs[0], nil
}

// SetMode runs the mode's sequence. The current mode is cleared while the
// sequence runs and only set once every step succeeded.
func (m *Manager) SetMode(ctx context.Context, name, mode string) (View, error) {
	b, cfg, md, err := m.begin(name, mode)
	if err != nil {
		return View{}, err
	}

	log := zerolog.Ctx(ctx).With().Str("board", name).Str("mode", mode).Logger()
	log.Info().Msg("switching board mode")

	started := time.Now()
	runErr := m.run(ctx, cfg, md)

	m.mu.Lock()
	b.changing = false
	if runErr == nil {
		b.current = mode
	}
	snapshot := *b
	m.notifyLocked()
	m.mu.Unlock()

	if runErr != nil {
		log.Warn().Err(runErr).Msg("board mode change failed")

		return m.view(snapshot), runErr
	}

	log.Info().Dur("took", time.Since(started)).Msg("board mode changed")

	return m.view(snapshot), nil
}

func (m *Manager) begin(name, mode string) (*board, config.BoardConfig, config.ModeConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.findLocked(name)
	if b == nil {
		return nil, config.BoardConfig{}, config.ModeConfig{}, fmt.Errorf("%w: %q", customerrors.ErrBoardNotFound, name)
	}

	idx := slices.IndexFunc(b.cfg.Modes, func(md config.ModeConfig) bool { return md.Name == mode })
	if idx < 0 {
		return nil, config.BoardConfig{}, config.ModeConfig{}, fmt.Errorf("%w: %q on board %q", customerrors.ErrModeNotFound, mode, name)
	}

	if b.changing {
		return nil, config.BoardConfig{}, config.ModeConfig{}, fmt.Errorf("%w: board %q is changing mode", customerrors.ErrBusy, name)
	}

	md := b.cfg.Modes[idx]
	if md.Depends != "" && b.current != md.Depends {
		return nil, config.BoardConfig{}, config.ModeConfig{}, fmt.Errorf("%w: %q needs %q, board is in %q", customerrors.ErrWrongMode, mode, md.Depends, b.current)
	}

	b.changing = true
	b.current = ""
	m.notifyLocked()

	return b, b.cfg, md, nil
}

// Watch calls emit with the board view, then again whenever the view
// changes: a mode transition starts or ends, or a device the board uses
// arrives, leaves or is retagged. It returns when ctx ends, emit fails or
// the board is removed from the configuration.
func (m *Manager) Watch(ctx context.Context, name string, emit func(View) error) error {
	sub := m.d.Registry().Subscribe()
	defer sub.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	devices := make(chan struct{}, 1)

	go func() {
		for {
			if _, err := sub.Next(ctx); err != nil {
				return
			}

			select {
			case devices <- struct{}{}:
			default:
			}
		}
	}()

	var (
		last View
		sent bool
	)

	for {
		m.mu.Lock()
		changed := m.changed
		m.mu.Unlock()

		v, err := m.Get(name)
		if err != nil {
			return err
		}

		if !sent || !reflect.DeepEqual(v, last) {
			if err := emit(v); err != nil {
				return err
			}

			last, sent = v, true
		}

		select {
		case <-ctx.Done():
			return customerrors.FromContext(ctx, ctx.Err())
		case <-changed:
		case <-devices:
		}
	}
}

func (m *Manager) run(ctx context.Context, b config.BoardConfig, md config.ModeConfig) error {
	for i, st := range md.Sequence {
		dev, err := m.target(b, st)
		if err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}

		if err := m.apply(ctx, dev.ID, st); err != nil {
			return fmt.Errorf("step %d %s on device %s: %w", i, st.Action, dev.ID, err)
		}

		if st.Stabilisation > 0 {
			if err := sleep(ctx, st.Stabilisation); err != nil {
				return err
			}
		}
	}

	return nil
}

func (m *Manager) apply(ctx context.Context, id registry.ID, st config.StepConfig) error {
	switch st.Action {
	case config.ActionPowerOn, config.ActionPowerOff:
		return m.d.SetPower(ctx, id, st.Action == config.ActionPowerOn)
	case config.ActionGpioHigh, config.ActionGpioLow:
		return m.d.SetGpio(ctx, id, st.Line, st.Action == config.ActionGpioHigh)
	case config.ActionLineAssert, config.ActionLineRelease:
		line, err := capability.ParseLine(st.Line)
		if err != nil {
			return err
		}

		return m.d.SetConsoleLine(ctx, id, line, st.Action == config.ActionLineAssert)
	default:
		return fmt.Errorf("%w: step action %q", customerrors.ErrInvalidArgument, st.Action)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return customerrors.FromContext(ctx, ctx.Err())
	}
}
