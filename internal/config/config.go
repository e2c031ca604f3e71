package config

import (
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Mode selects the transport strategy used for every attempt of a run.
type Mode string

const (
	ModeTrace     Mode = "trace"
	ModeTunnel    Mode = "tunnel"
	ModeQUIC      Mode = "quic"
	ModeWireGuard Mode = "wireguard"
)

// ParseMode parses a mode name. "handshake" is accepted as an alias of tunnel.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "trace":
		return ModeTrace, nil
	case "tunnel", "handshake":
		return ModeTunnel, nil
	case "quic", "masque":
		return ModeQUIC, nil
	case "wireguard", "wg":
		return ModeWireGuard, nil
	default:
		return "", errors.Errorf("unknown transport mode: %q", s)
	}
}

// UnmarshalYAML implements yaml.Unmarshaler for Mode.
func (m *Mode) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseMode(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// GroupBy selects the geo attribute used as the group label.
type GroupBy string

const (
	GroupByCountry GroupBy = "country"
	GroupByRegion  GroupBy = "region"
	GroupByCode    GroupBy = "code"
	GroupByTag     GroupBy = "tag"
)

func ParseGroupBy(s string) (GroupBy, error) {
	switch g := GroupBy(strings.ToLower(strings.TrimSpace(s))); g {
	case "":
		return GroupByCountry, nil
	case GroupByCountry, GroupByRegion, GroupByCode, GroupByTag:
		return g, nil
	default:
		return "", errors.Errorf("unknown group-by: %q", s)
	}
}

// UnmarshalYAML implements yaml.Unmarshaler for GroupBy.
func (g *GroupBy) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseGroupBy(s)
	if err != nil {
		return err
	}
	*g = parsed
	return nil
}

// Timeouts are the three independent phase budgets of one attempt.
// Grace is added on top of their sum for the attempt watchdog.
type Timeouts struct {
	Connect   time.Duration `yaml:"connect"`
	Handshake time.Duration `yaml:"handshake"`
	Response  time.Duration `yaml:"response"`
	Grace     time.Duration `yaml:"grace"`
}

// Attempt is the watchdog budget for a whole attempt.
func (t Timeouts) Attempt() time.Duration {
	return t.Connect + t.Handshake + t.Response + t.Grace
}

type Pool struct {
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	MaxSize       int           `yaml:"max_size"`
	EvictInterval time.Duration `yaml:"evict_interval"`
	// Fingerprint is the uTLS ClientHello profile: golang, chrome, firefox, safari, edge, ios.
	Fingerprint string `yaml:"fingerprint"`
	ServerName  string `yaml:"server_name"`
}

type Trace struct {
	Host        string `yaml:"host"`
	Path        string `yaml:"path"`
	UserAgent   string `yaml:"user_agent"`
	SecurePorts []int  `yaml:"secure_ports"`
}

// Tunnel holds the handshake-over-websocket settings.
type Tunnel struct {
	UUID    string `yaml:"uuid"`
	Path    string `yaml:"path"`
	Host    string `yaml:"host"`
	Version byte   `yaml:"version"`
	// Command 0 omits the command byte from the request.
	Command       byte   `yaml:"command"`
	TargetAddress string `yaml:"target_address"`
	TargetPort    int    `yaml:"target_port"`
	EgressProbe   bool   `yaml:"egress_probe"`
}

type QUIC struct {
	ServerName string `yaml:"server_name"`
}

type Aggregate struct {
	MinGroupSize   int     `yaml:"min_group_size"`
	GroupCap       int     `yaml:"group_cap"`
	GroupBy        GroupBy `yaml:"group_by"`
	KeepUnresolved bool    `yaml:"keep_unresolved"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the full run configuration.
type Config struct {
	Mode        Mode          `yaml:"mode"`
	Concurrency int           `yaml:"concurrency"`
	Repetitions int           `yaml:"repetitions"`
	RoundDelay  time.Duration `yaml:"round_delay"`
	// RoundJitter spreads each round delay by up to this fraction, in [0, 1).
	RoundJitter float64 `yaml:"round_jitter"`
	// RateLimit caps attempt starts per second; 0 disables it.
	RateLimit float64   `yaml:"rate_limit"`
	Timeouts  Timeouts  `yaml:"timeouts"`
	Pool      Pool      `yaml:"pool"`
	Trace     Trace     `yaml:"trace"`
	Tunnel    Tunnel    `yaml:"tunnel"`
	QUIC      QUIC      `yaml:"quic"`
	Aggregate Aggregate `yaml:"aggregate"`
	Log       Log       `yaml:"log"`
}

const (
	DefaultTraceHost  = "speed.cloudflare.com"
	DefaultTracePath  = "/cdn-cgi/trace"
	DefaultUserAgent  = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
	DefaultQUICServer = "zero-trust-client.cloudflareclient.com"
)

// Default returns a configuration that passes Validate.
func Default() Config {
	return Config{
		Mode:        ModeTrace,
		Concurrency: 32,
		Repetitions: 3,
		RoundDelay:  200 * time.Millisecond,
		Timeouts: Timeouts{
			Connect:   2 * time.Second,
			Handshake: 2 * time.Second,
			Response:  3 * time.Second,
			Grace:     500 * time.Millisecond,
		},
		Pool: Pool{
			IdleTimeout:   30 * time.Second,
			MaxSize:       256,
			EvictInterval: 5 * time.Second,
			Fingerprint:   "chrome",
			ServerName:    DefaultTraceHost,
		},
		Trace: Trace{
			Host:        DefaultTraceHost,
			Path:        DefaultTracePath,
			UserAgent:   DefaultUserAgent,
			SecurePorts: []int{443, 2053, 2083, 2087, 2096, 8443},
		},
		Tunnel: Tunnel{
			Path:          "/",
			Version:       0,
			TargetAddress: DefaultTraceHost,
			TargetPort:    80,
			EgressProbe:   true,
		},
		QUIC: QUIC{ServerName: DefaultQUICServer},
		Aggregate: Aggregate{
			MinGroupSize: 1,
			GroupCap:     5,
			GroupBy:      GroupByCountry,
		},
		Log: Log{Level: "info", Format: "text"},
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Read is Load without validation, for callers that override fields first.
func Read(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c Config) Save(path string) error {
	data, err := yaml.Marshal(&c)
	if err != nil {
		return errors.Wrap(err, "marshal config")
	}
	return errors.Wrapf(os.WriteFile(path, data, 0o644), "write config %s", path)
}

// Validate rejects values the prober and pool cannot run with.
func (c Config) Validate() error {
	if _, err := ParseMode(string(c.Mode)); err != nil {
		return err
	}
	if c.Concurrency <= 0 {
		return errors.Errorf("concurrency must be > 0, got %d", c.Concurrency)
	}
	if c.Repetitions <= 0 {
		return errors.Errorf("repetitions must be > 0, got %d", c.Repetitions)
	}
	if c.RoundDelay < 0 {
		return errors.Errorf("round delay must not be negative, got %s", c.RoundDelay)
	}
	if c.RoundJitter < 0 || c.RoundJitter >= 1 {
		return errors.Errorf("round jitter must be in [0, 1), got %v", c.RoundJitter)
	}
	if c.RateLimit < 0 {
		return errors.Errorf("rate limit must not be negative, got %v", c.RateLimit)
	}
	for name, d := range map[string]time.Duration{
		"connect":   c.Timeouts.Connect,
		"handshake": c.Timeouts.Handshake,
		"response":  c.Timeouts.Response,
	} {
		if d <= 0 {
			return errors.Errorf("%s timeout must be > 0, got %s", name, d)
		}
	}
	if c.Timeouts.Grace < 0 {
		return errors.Errorf("grace must not be negative, got %s", c.Timeouts.Grace)
	}
	if c.Pool.IdleTimeout <= 0 || c.Pool.MaxSize <= 0 {
		return errors.Errorf("pool idle timeout and max size must be > 0, got %s/%d", c.Pool.IdleTimeout, c.Pool.MaxSize)
	}
	if c.Aggregate.MinGroupSize <= 0 || c.Aggregate.GroupCap <= 0 {
		return errors.Errorf("min group size and group cap must be > 0, got %d/%d", c.Aggregate.MinGroupSize, c.Aggregate.GroupCap)
	}
	if _, err := ParseGroupBy(string(c.Aggregate.GroupBy)); err != nil {
		return err
	}
	if c.Trace.Path == "" || !strings.HasPrefix(c.Trace.Path, "/") {
		return errors.Errorf("trace path must start with '/', got %q", c.Trace.Path)
	}
	if c.Mode == ModeTunnel {
		if _, err := uuid.Parse(c.Tunnel.UUID); err != nil {
			return errors.Wrapf(err, "tunnel uuid %q", c.Tunnel.UUID)
		}
		if c.Tunnel.TargetPort <= 0 || c.Tunnel.TargetPort > 65535 {
			return errors.Errorf("tunnel target port out of range: %d", c.Tunnel.TargetPort)
		}
		if len(c.Tunnel.TargetAddress) == 0 || len(c.Tunnel.TargetAddress) > 255 {
			return errors.Errorf("tunnel target address length must be 1..255, got %d", len(c.Tunnel.TargetAddress))
		}
	}
	return nil
}
