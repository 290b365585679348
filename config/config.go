// Package config loads dispatcher and game server settings.
//
// Values come from three layers, later ones winning: built-in defaults, an
// optional YAML file, and environment variables (a .env file is loaded into the
// environment by the binaries before Load is called).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"game-dispatcher/codec"

	"gopkg.in/yaml.v3"
)

type Backoff struct {
	Base   time.Duration `yaml:"base"`
	Max    time.Duration `yaml:"max"`
	Jitter float64       `yaml:"jitter"` // fraction, 0.2 → ±20%
}

// Link configures the dispatcher's connections to game servers.
type Link struct {
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	Codec             string        `yaml:"codec"` // json | binary, used for heartbeats
	Backoff           Backoff       `yaml:"backoff"`
}

type Reservation struct {
	TTL           time.Duration `yaml:"ttl"`
	Attempts      int           `yaml:"attempts"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type RateLimit struct {
	RPS   float64 `yaml:"rps"` // 0 disables rate limiting
	Burst int     `yaml:"burst"`
}

// Etcd enables discovery when Endpoints is non-empty.
type Etcd struct {
	Endpoints   []string      `yaml:"endpoints"`
	Prefix      string        `yaml:"prefix"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	LeaseTTL    int64         `yaml:"lease_ttl"` // seconds, used by game servers
}

func (e Etcd) Enabled() bool { return len(e.Endpoints) > 0 }

type Config struct {
	ListenAddr     string        `yaml:"listen_addr"`
	Backends       []string      `yaml:"backends"` // static host:port list of game server control ports
	ReportInterval time.Duration `yaml:"report_interval"`
	StaleIntervals int           `yaml:"stale_intervals"`
	JoinTimeout    time.Duration `yaml:"join_timeout"`
	Reservation    Reservation   `yaml:"reservation"`
	Link           Link          `yaml:"link"`
	RateLimit      RateLimit     `yaml:"rate_limit"`
	Etcd           Etcd          `yaml:"etcd"`
	LogLevel       string        `yaml:"log_level"`
}

func defaultEtcd() Etcd {
	return Etcd{Prefix: "/game-dispatcher/backends/", DialTimeout: 3 * time.Second, LeaseTTL: 10}
}

// Default returns the dispatcher defaults.
func Default() *Config {
	return &Config{
		ListenAddr:     ":42070",
		ReportInterval: 5 * time.Second,
		StaleIntervals: 3,
		JoinTimeout:    2 * time.Second,
		Reservation: Reservation{
			TTL:           30 * time.Second,
			Attempts:      3,
			SweepInterval: time.Second,
		},
		Link: Link{
			DialTimeout:       3 * time.Second,
			WriteTimeout:      3 * time.Second,
			HeartbeatInterval: 10 * time.Second,
			Codec:             "json",
			Backoff:           Backoff{Base: time.Second, Max: 30 * time.Second, Jitter: 0.2},
		},
		RateLimit: RateLimit{RPS: 200, Burst: 400},
		Etcd:      defaultEtcd(),
		LogLevel:  "info",
	}
}

// StaleAfter is how long a backend may stay silent before it is excluded.
func (c *Config) StaleAfter() time.Duration {
	return c.ReportInterval * time.Duration(c.StaleIntervals)
}

// Load reads the dispatcher config. An empty path means defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if err := readYAML(path, cfg); err != nil {
		return nil, err
	}

	if v := os.Getenv("DISPATCHER_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("DISPATCHER_BACKENDS"); v != "" {
		cfg.Backends = splitList(v)
	}
	if v := os.Getenv("DISPATCHER_ETCD_ENDPOINTS"); v != "" {
		cfg.Etcd.Endpoints = splitList(v)
	}
	if v := os.Getenv("DISPATCHER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	errs = append(errs,
		positive("report_interval", c.ReportInterval),
		positive("join_timeout", c.JoinTimeout),
		positive("reservation.ttl", c.Reservation.TTL),
		positive("reservation.sweep_interval", c.Reservation.SweepInterval),
		positive("link.dial_timeout", c.Link.DialTimeout),
		positive("link.backoff.base", c.Link.Backoff.Base),
		positive("link.backoff.max", c.Link.Backoff.Max),
	)
	if c.StaleIntervals < 1 {
		errs = append(errs, fmt.Errorf("stale_intervals must be >= 1, got %d", c.StaleIntervals))
	}
	if c.Reservation.Attempts < 1 {
		errs = append(errs, fmt.Errorf("reservation.attempts must be >= 1, got %d", c.Reservation.Attempts))
	}
	if c.Link.Backoff.Max < c.Link.Backoff.Base {
		errs = append(errs, errors.New("link.backoff.max must not be below link.backoff.base"))
	}
	if j := c.Link.Backoff.Jitter; j < 0 || j >= 1 {
		errs = append(errs, fmt.Errorf("link.backoff.jitter must be in [0,1), got %v", j))
	}
	if _, err := codec.ParseCodecType(c.Link.Codec); err != nil {
		errs = append(errs, fmt.Errorf("link.codec: %w", err))
	}
	if c.RateLimit.RPS < 0 || (c.RateLimit.RPS > 0 && c.RateLimit.Burst < 1) {
		errs = append(errs, errors.New("rate_limit needs rps >= 0 and burst >= 1"))
	}
	if c.Etcd.Enabled() {
		errs = append(errs, positive("etcd.dial_timeout", c.Etcd.DialTimeout))
	}
	return errors.Join(errs...)
}

func readYAML(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func positive(name string, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%s must be positive, got %s", name, d)
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envInt(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = n
	return nil
}
