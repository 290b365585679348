package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"game-dispatcher/codec"
	"game-dispatcher/message"
)

// GameServer configures the reference game server.
type GameServer struct {
	ControlAddr    string        `yaml:"control_addr"`   // dispatcher links connect here
	AdvertiseAddr  string        `yaml:"advertise_addr"` // routable control address published in etcd
	GameAddr       string        `yaml:"game_addr"`      // players connect here
	PublicAddr     string        `yaml:"public_addr"`    // game address handed to players; empty means GameAddr
	Version        int           `yaml:"version"`
	Capacity       int           `yaml:"capacity"`
	ReportInterval time.Duration `yaml:"report_interval"`
	Codec          string        `yaml:"codec"`
	Etcd           Etcd          `yaml:"etcd"`
	LogLevel       string        `yaml:"log_level"`

	// HeartbeatInterval must match the dispatchers' link.heartbeat_interval;
	// 0 keeps silent links open.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

func DefaultGameServer() *GameServer {
	return &GameServer{
		ControlAddr:    ":42068",
		GameAddr:       ":42069",
		Version:        1,
		Capacity:       100,
		ReportInterval: 5 * time.Second,
		Codec:          "binary",
		Etcd:           defaultEtcd(),
		LogLevel:       "info",

		HeartbeatInterval: 10 * time.Second,
	}
}

// LoadGameServer reads the game server config. An empty path means defaults plus environment.
func LoadGameServer(path string) (*GameServer, error) {
	cfg := DefaultGameServer()
	if err := readYAML(path, cfg); err != nil {
		return nil, err
	}

	if v := os.Getenv("GAMESERVER_CONTROL_ADDR"); v != "" {
		cfg.ControlAddr = v
	}
	if v := os.Getenv("GAMESERVER_GAME_ADDR"); v != "" {
		cfg.GameAddr = v
	}
	if v := os.Getenv("GAMESERVER_ADVERTISE_ADDR"); v != "" {
		cfg.AdvertiseAddr = v
	}
	if v := os.Getenv("GAMESERVER_PUBLIC_ADDR"); v != "" {
		cfg.PublicAddr = v
	}
	if v := os.Getenv("GAMESERVER_ETCD_ENDPOINTS"); v != "" {
		cfg.Etcd.Endpoints = splitList(v)
	}
	if v := os.Getenv("GAMESERVER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if err := envInt("GAMESERVER_VERSION", &cfg.Version); err != nil {
		return nil, err
	}
	if err := envInt("GAMESERVER_CAPACITY", &cfg.Capacity); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *GameServer) Validate() error {
	var errs []error
	if c.ControlAddr == "" || c.GameAddr == "" {
		errs = append(errs, errors.New("control_addr and game_addr are required"))
	}
	if c.Version < 1 || c.Version > message.MaxProtocolVersion {
		errs = append(errs, fmt.Errorf("version must be in 1..%d, got %d", message.MaxProtocolVersion, c.Version))
	}
	if c.Capacity < 0 {
		errs = append(errs, fmt.Errorf("capacity must not be negative, got %d", c.Capacity))
	}
	errs = append(errs, positive("report_interval", c.ReportInterval))
	if c.HeartbeatInterval < 0 {
		errs = append(errs, fmt.Errorf("heartbeat_interval must not be negative, got %s", c.HeartbeatInterval))
	}
	if _, err := codec.ParseCodecType(c.Codec); err != nil {
		errs = append(errs, fmt.Errorf("codec: %w", err))
	}
	if c.Etcd.Enabled() {
		if c.Etcd.LeaseTTL < 1 {
			errs = append(errs, fmt.Errorf("etcd.lease_ttl must be >= 1, got %d", c.Etcd.LeaseTTL))
		}
		if c.AdvertiseAddr == "" {
			errs = append(errs, errors.New("advertise_addr is required with etcd"))
		}
	}
	return errors.Join(errs...)
}
