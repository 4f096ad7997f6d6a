package config

import (
	"errors"
	"fmt"
	"maps"
	"net"
	"os"
	"slices"
	"strings"
	"time"

	yaml "github.com/goccy/go-yaml"

	"github.com/bavix/boardfarm/internal/capability"
	customerrors "github.com/bavix/boardfarm/internal/errors"
	"github.com/bavix/boardfarm/internal/hotplug"
)

var (
	errAddressMustBeHostPort  = errors.New("address must be host:port or :port")
	errTemplateNameEmpty      = errors.New("template name cannot be empty")
	errDuplicateTemplate      = errors.New("duplicate template name")
	errTemplateNeedsMatch     = errors.New("template needs at least one match predicate")
	errKindEmpty              = errors.New("device kind cannot be empty")
	errStaticNameEmpty        = errors.New("static device name cannot be empty")
	errDuplicateStatic        = errors.New("duplicate static device name")
	errUnknownSource          = errors.New("unknown hot-plug source")
	errBoardNameEmpty         = errors.New("board name cannot be empty")
	errDuplicateBoard         = errors.New("duplicate board name")
	errModeNameEmpty          = errors.New("mode name cannot be empty")
	errDuplicateMode          = errors.New("duplicate mode name")
	errUnknownDependency      = errors.New("mode depends on an unknown mode")
	errUnknownStepAction      = errors.New("unknown step action")
	errStepNeedsLine          = errors.New("step action needs a line")
	errStepNeedsMatch         = errors.New("step needs a device match")
	errMQTTBrokerRequired     = errors.New("mqtt.broker is required when mqtt is enabled")
	errNegativeValue          = errors.New("value must be non-negative")
	errJWTSecretTooShort      = errors.New("auth.jwt_secret must be at least 32 bytes")
	errRateLimitBurstRequired = errors.New("http.rate_limit.burst must be positive when rps is set")
	errKindNotRegistered      = errors.New("device kind has no builder")
)

const (
	defaultAppName          = "boardfarm"
	defaultHTTPListen       = "127.0.0.1:7800"
	defaultHTTPReadTimeout  = 30 * time.Second
	defaultHTTPWriteTimeout = 0 // flash uploads stream for minutes
	defaultHTTPIdleTimeout  = 120 * time.Second
	defaultMaxHeaderBytes   = 1024 * 1024
	defaultTokenTTL         = 24 * time.Hour
	defaultUEventRate       = 200
	defaultUEventBurst      = 50
	defaultDevfsDir         = "/dev"
	defaultHistorySize      = 256
	defaultHistoryTTL       = time.Hour
	defaultMQTTPrefix       = "boardfarm"
	defaultMQTTClientID     = "boardfarm"
	minJWTSecretLength      = 32
)

// Source names accepted in hotplug.sources.
const (
	SourceUEvent = hotplug.SourceUEvent
	SourceDevfs  = hotplug.SourceDevfs
	SourceStatic = hotplug.SourceStatic
)

// Step actions.
const (
	ActionPowerOn     = "power_on"
	ActionPowerOff    = "power_off"
	ActionGpioHigh    = "gpio_high"
	ActionGpioLow     = "gpio_low"
	ActionLineAssert  = "line_assert"
	ActionLineRelease = "line_release"
)

type LogConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

type RateLimitConfig struct {
	RPS   float64 `yaml:"rps,omitempty"`
	Burst int     `yaml:"burst,omitempty"`
}

// HTTPConfig defines the API listener.
type HTTPConfig struct {
	Listen         string          `yaml:"listen,omitempty"`
	ReadTimeout    time.Duration   `yaml:"read_timeout,omitempty"`
	WriteTimeout   time.Duration   `yaml:"write_timeout,omitempty"`
	IdleTimeout    time.Duration   `yaml:"idle_timeout,omitempty"`
	MaxHeaderBytes int             `yaml:"max_header_bytes,omitempty"`
	CORSOrigins    []string        `yaml:"cors_origins,omitempty"`
	RateLimit      RateLimitConfig `yaml:"rate_limit,omitempty"`
}

// AuthConfig enables bearer tokens on /api and /ws when JWTSecret is set.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret,omitempty"`
	Issuer    string        `yaml:"issuer,omitempty"`
	TokenTTL  time.Duration `yaml:"token_ttl,omitempty"`
}

func (a AuthConfig) Enabled() bool { return a.JWTSecret != "" }

type DevfsConfig struct {
	Dir      string   `yaml:"dir,omitempty"`
	Patterns []string `yaml:"patterns,omitempty"`
}

type HotplugConfig struct {
	Sources        []string      `yaml:"sources,omitempty"`
	UEventRate     float64       `yaml:"uevent_rate,omitempty"`
	UEventBurst    int           `yaml:"uevent_burst,omitempty"`
	Devfs          DevfsConfig   `yaml:"devfs,omitempty"`
	RescanInterval time.Duration `yaml:"rescan_interval,omitempty"`
}

type ConsoleConfig struct {
	Backlog int `yaml:"backlog,omitempty"`
}

type FlashConfig struct {
	HistorySize int           `yaml:"history_size,omitempty"`
	HistoryTTL  time.Duration `yaml:"history_ttl,omitempty"`
}

// TemplateConfig binds discovered hardware to a device kind.
type TemplateConfig struct {
	Name         string            `json:"name"                   yaml:"name"`
	Match        map[string]string `json:"match"                  yaml:"match"`
	Kind         string            `json:"kind"                   yaml:"kind"`
	Tags         map[string]string `json:"tags,omitempty"         yaml:"tags,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Options      map[string]string `json:"options,omitempty"      yaml:"options,omitempty"`
}

// StaticConfig declares a device that is registered at startup.
type StaticConfig struct {
	Name         string            `json:"name"                   yaml:"name"`
	Kind         string            `json:"kind"                   yaml:"kind"`
	Tags         map[string]string `json:"tags,omitempty"         yaml:"tags,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Options      map[string]string `json:"options,omitempty"      yaml:"options,omitempty"`
}

type StepConfig struct {
	Match         map[string]string `json:"match"                   yaml:"match"`
	Action        string            `json:"action"                  yaml:"action"`
	Line          string            `json:"line,omitempty"          yaml:"line,omitempty"`
	Stabilisation time.Duration     `json:"stabilisation,omitempty" yaml:"stabilisation,omitempty"`
}

type ModeConfig struct {
	Name     string       `json:"name"              yaml:"name"`
	Depends  string       `json:"depends,omitempty" yaml:"depends,omitempty"`
	Sequence []StepConfig `json:"sequence"          yaml:"sequence"`
}

// BoardConfig groups devices of one physical board. Match is merged into
// every step predicate.
type BoardConfig struct {
	Name  string            `json:"name"            yaml:"name"`
	Match map[string]string `json:"match,omitempty" yaml:"match,omitempty"`
	Modes []ModeConfig      `json:"modes"           yaml:"modes"`
}

type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled,omitempty"`
	Broker   string `yaml:"broker,omitempty"`
	ClientID string `yaml:"client_id,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
	QoS      byte   `yaml:"qos,omitempty"`
}

// Config is the main application configuration.
type Config struct {
	AppName   string           `yaml:"app_name,omitempty"`
	Log       LogConfig        `yaml:"log,omitempty"`
	HTTP      HTTPConfig       `yaml:"http,omitempty"`
	Auth      AuthConfig       `yaml:"auth,omitempty"`
	Hotplug   HotplugConfig    `yaml:"hotplug,omitempty"`
	Console   ConsoleConfig    `yaml:"console,omitempty"`
	Flash     FlashConfig      `yaml:"flash,omitempty"`
	Templates []TemplateConfig `yaml:"templates,omitempty"`
	Static    []StaticConfig   `yaml:"static,omitempty"`
	Boards    []BoardConfig    `yaml:"boards,omitempty"`
	MQTT      MQTTConfig       `yaml:"mqtt,omitempty"`

	Path string `yaml:"-"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path) //nolint:gosec // operator supplied path
	if err != nil {
		return nil, err
	}

	cfg, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	cfg.Path = path

	return cfg, nil
}

// Parse decodes YAML, applies defaults and validates.
func Parse(b []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

//nolint:cyclop // flat list of defaults
func (c *Config) applyDefaults() {
	if c.AppName == "" {
		c.AppName = defaultAppName
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	if c.HTTP.Listen == "" {
		c.HTTP.Listen = defaultHTTPListen
	}

	if c.HTTP.ReadTimeout == 0 {
		c.HTTP.ReadTimeout = defaultHTTPReadTimeout
	}

	if c.HTTP.WriteTimeout == 0 {
		c.HTTP.WriteTimeout = defaultHTTPWriteTimeout
	}

	if c.HTTP.IdleTimeout == 0 {
		c.HTTP.IdleTimeout = defaultHTTPIdleTimeout
	}

	if c.HTTP.MaxHeaderBytes == 0 {
		c.HTTP.MaxHeaderBytes = defaultMaxHeaderBytes
	}

	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = defaultTokenTTL
	}

	if c.Auth.Issuer == "" {
		c.Auth.Issuer = c.AppName
	}

	if len(c.Hotplug.Sources) == 0 {
		c.Hotplug.Sources = []string{SourceUEvent, SourceStatic}
	}

	if c.Hotplug.UEventRate == 0 {
		c.Hotplug.UEventRate = defaultUEventRate
	}

	if c.Hotplug.UEventBurst == 0 {
		c.Hotplug.UEventBurst = defaultUEventBurst
	}

	if c.Hotplug.Devfs.Dir == "" {
		c.Hotplug.Devfs.Dir = defaultDevfsDir
	}

	if len(c.Hotplug.Devfs.Patterns) == 0 {
		c.Hotplug.Devfs.Patterns = []string{"ttyUSB*", "ttyACM*"}
	}

	if c.Flash.HistorySize == 0 {
		c.Flash.HistorySize = defaultHistorySize
	}

	if c.Flash.HistoryTTL == 0 {
		c.Flash.HistoryTTL = defaultHistoryTTL
	}

	if c.MQTT.Prefix == "" {
		c.MQTT.Prefix = defaultMQTTPrefix
	}

	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = defaultMQTTClientID
	}
}

func (c *Config) Validate() error { //nolint:cyclop,funlen
	if c == nil {
		return customerrors.ErrConfigCannotBeNil
	}

	if err := validateAddr(c.HTTP.Listen); err != nil {
		return fmt.Errorf("invalid http.listen: %w", err)
	}

	if c.HTTP.RateLimit.RPS < 0 || c.Console.Backlog < 0 || c.Flash.HistorySize < 0 || c.Hotplug.RescanInterval < 0 {
		return errNegativeValue
	}

	if c.HTTP.RateLimit.RPS > 0 && c.HTTP.RateLimit.Burst <= 0 {
		return errRateLimitBurstRequired
	}

	if c.Auth.Enabled() && len(c.Auth.JWTSecret) < minJWTSecretLength {
		return errJWTSecretTooShort
	}

	for _, s := range c.Hotplug.Sources {
		if !slices.Contains([]string{SourceUEvent, SourceDevfs, SourceStatic}, s) {
			return fmt.Errorf("%w: %q", errUnknownSource, s)
		}
	}

	if err := c.validateTemplates(); err != nil {
		return err
	}

	if err := c.validateStatic(); err != nil {
		return err
	}

	if err := c.validateBoards(); err != nil {
		return err
	}

	if c.MQTT.Enabled && strings.TrimSpace(c.MQTT.Broker) == "" {
		return errMQTTBrokerRequired
	}

	return nil
}

func (c *Config) validateTemplates() error {
	seen := make(map[string]struct{}, len(c.Templates))
	kinds := hotplug.DefaultFactory().Kinds()

	for _, t := range c.Templates {
		if strings.TrimSpace(t.Name) == "" {
			return errTemplateNameEmpty
		}

		if _, ok := seen[t.Name]; ok {
			return fmt.Errorf("%w: %q", errDuplicateTemplate, t.Name)
		}

		seen[t.Name] = struct{}{}

		if len(t.Match) == 0 {
			return fmt.Errorf("template %q: %w", t.Name, errTemplateNeedsMatch)
		}

		if t.Kind == "" {
			return fmt.Errorf("template %q: %w", t.Name, errKindEmpty)
		}

		if !slices.Contains(kinds, t.Kind) {
			return fmt.Errorf("template %q: %w: %q", t.Name, errKindNotRegistered, t.Kind)
		}

		if _, err := capability.ParseSet(t.Capabilities); err != nil {
			return fmt.Errorf("template %q: %w", t.Name, err)
		}
	}

	return nil
}

func (c *Config) validateStatic() error {
	seen := make(map[string]struct{}, len(c.Static))
	kinds := hotplug.DefaultFactory().Kinds()

	for _, d := range c.Static {
		if strings.TrimSpace(d.Name) == "" {
			return errStaticNameEmpty
		}

		if _, ok := seen[d.Name]; ok {
			return fmt.Errorf("%w: %q", errDuplicateStatic, d.Name)
		}

		seen[d.Name] = struct{}{}

		if d.Kind == "" {
			return fmt.Errorf("static %q: %w", d.Name, errKindEmpty)
		}

		if !slices.Contains(kinds, d.Kind) {
			return fmt.Errorf("static %q: %w: %q", d.Name, errKindNotRegistered, d.Kind)
		}

		if _, err := capability.ParseSet(d.Capabilities); err != nil {
			return fmt.Errorf("static %q: %w", d.Name, err)
		}
	}

	return nil
}

func (c *Config) validateBoards() error {
	seen := make(map[string]struct{}, len(c.Boards))

	for _, b := range c.Boards {
		if strings.TrimSpace(b.Name) == "" {
			return errBoardNameEmpty
		}

		if _, ok := seen[b.Name]; ok {
			return fmt.Errorf("%w: %q", errDuplicateBoard, b.Name)
		}

		seen[b.Name] = struct{}{}

		if err := b.validate(); err != nil {
			return fmt.Errorf("board %q: %w", b.Name, err)
		}
	}

	return nil
}

func (b BoardConfig) validate() error {
	modes := make(map[string]struct{}, len(b.Modes))

	for _, m := range b.Modes {
		if strings.TrimSpace(m.Name) == "" {
			return errModeNameEmpty
		}

		if _, ok := modes[m.Name]; ok {
			return fmt.Errorf("%w: %q", errDuplicateMode, m.Name)
		}

		modes[m.Name] = struct{}{}
	}

	for _, m := range b.Modes {
		if m.Depends != "" {
			if _, ok := modes[m.Depends]; !ok || m.Depends == m.Name {
				return fmt.Errorf("mode %q: %w: %q", m.Name, errUnknownDependency, m.Depends)
			}
		}

		for i, st := range m.Sequence {
			if err := st.validate(b.Match); err != nil {
				return fmt.Errorf("mode %q step %d: %w", m.Name, i, err)
			}
		}
	}

	return nil
}

func (s StepConfig) validate(boardMatch map[string]string) error {
	if s.Stabilisation < 0 {
		return errNegativeValue
	}

	if len(s.Match) == 0 && len(boardMatch) == 0 {
		return errStepNeedsMatch
	}

	switch s.Action {
	case ActionPowerOn, ActionPowerOff:
		return nil
	case ActionGpioHigh, ActionGpioLow:
		if s.Line == "" {
			return errStepNeedsLine
		}

		return nil
	case ActionLineAssert, ActionLineRelease:
		if _, err := capability.ParseLine(s.Line); err != nil {
			return err
		}

		return nil
	default:
		return fmt.Errorf("%w: %q", errUnknownStepAction, s.Action)
	}
}

// HotplugTemplates converts configured templates for the matcher.
func (c *Config) HotplugTemplates() []hotplug.Template {
	out := make([]hotplug.Template, 0, len(c.Templates))
	for _, t := range c.Templates {
		out = append(out, hotplug.Template(t))
	}

	return out
}

// StaticDevices converts configured static devices for the static source.
func (c *Config) StaticDevices() []hotplug.StaticDevice {
	out := make([]hotplug.StaticDevice, 0, len(c.Static))
	for _, d := range c.Static {
		out = append(out, hotplug.StaticDevice{
			Name: d.Name,
			Tags: d.Tags,
			Template: hotplug.Template{
				Name:         d.Name,
				Kind:         d.Kind,
				Capabilities: d.Capabilities,
				Options:      d.Options,
			},
		})
	}

	return out
}

// HasSource reports whether the named hot-plug source is enabled.
func (c *Config) HasSource(name string) bool {
	return slices.Contains(c.Hotplug.Sources, name)
}

// StepMatch merges the board-wide predicates under the step's own.
func (b BoardConfig) StepMatch(s StepConfig) map[string]string {
	out := make(map[string]string, len(b.Match)+len(s.Match))
	maps.Copy(out, b.Match)
	maps.Copy(out, s.Match)

	return out
}

func validateAddr(addr string) error {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("%w: %w", errAddressMustBeHostPort, err)
	}

	return nil
}
