// Package config loads the bridge's runtime settings from a TOML file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"gpio-rpc/driver"
	"gpio-rpc/protocol"
)

const (
	RegionMemory = "memory"
	RegionEtcd   = "etcd"
)

var ErrInvalid = errors.New("config: invalid value")

// Config is the complete runtime configuration.
type Config struct {
	TickRateHz float64

	BufferSize int // Control byte included
	UsableSize int // Bytes moved per write
	MaxBody    int // Largest accepted frame body

	Region        string
	EtcdEndpoints []string
	EtcdKey       string
	EtcdTimeout   time.Duration

	HTTPAddr    string
	CORSOrigins []string // Empty disables CORS on the status server

	// Emulated peer throttle; PeerRate 0 disables it.
	PeerRate  float64
	PeerBurst int
}

type fileConfig struct {
	TickRateHz    float64  `toml:"tick_rate_hz"`
	BufferSize    int      `toml:"buffer_size"`
	UsableSize    int      `toml:"usable_size"`
	MaxBody       int      `toml:"max_body"`
	Region        string   `toml:"region"`
	EtcdEndpoints []string `toml:"etcd_endpoints"`
	EtcdKey       string   `toml:"etcd_key"`
	EtcdTimeout   string   `toml:"etcd_timeout"`
	HTTPAddr      string   `toml:"http_addr"`
	CORSOrigins   []string `toml:"cors_origins"`
	PeerRate      float64  `toml:"peer_rate"`
	PeerBurst     int      `toml:"peer_burst"`
}

func Default() Config {
	return Config{
		TickRateHz:    driver.DefaultRate,
		BufferSize:    protocol.BufferSize,
		UsableSize:    protocol.UsableSize,
		MaxBody:       protocol.MaxBody,
		Region:        RegionMemory,
		EtcdEndpoints: []string{"127.0.0.1:2379"},
		EtcdKey:       "/gpio-rpc/buffer",
		EtcdTimeout:   2 * time.Second,
		HTTPAddr:      "127.0.0.1:7070",
		PeerBurst:     1,
	}
}

// Load applies the keys present in path on top of Default and validates the
// result. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, cfg.Validate()
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("tick_rate_hz") {
		cfg.TickRateHz = raw.TickRateHz
	}
	if meta.IsDefined("buffer_size") {
		cfg.BufferSize = raw.BufferSize
		if !meta.IsDefined("usable_size") {
			cfg.UsableSize = raw.BufferSize - 1
		}
	}
	if meta.IsDefined("usable_size") {
		cfg.UsableSize = raw.UsableSize
	}
	if meta.IsDefined("max_body") {
		cfg.MaxBody = raw.MaxBody
	}
	if meta.IsDefined("region") {
		cfg.Region = strings.ToLower(strings.TrimSpace(raw.Region))
	}
	if meta.IsDefined("etcd_endpoints") {
		cfg.EtcdEndpoints = normalizeList(raw.EtcdEndpoints)
	}
	if meta.IsDefined("etcd_key") {
		cfg.EtcdKey = strings.TrimSpace(raw.EtcdKey)
	}
	if meta.IsDefined("etcd_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.EtcdTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("parse etcd_timeout: %w", err)
		}
		cfg.EtcdTimeout = d
	}
	if meta.IsDefined("http_addr") {
		cfg.HTTPAddr = strings.TrimSpace(raw.HTTPAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = normalizeList(raw.CORSOrigins)
	}
	if meta.IsDefined("peer_rate") {
		cfg.PeerRate = raw.PeerRate
	}
	if meta.IsDefined("peer_burst") {
		cfg.PeerBurst = raw.PeerBurst
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch {
	case c.TickRateHz <= 0:
		return fmt.Errorf("%w: tick_rate_hz must be positive", ErrInvalid)
	case c.BufferSize < 2:
		return fmt.Errorf("%w: buffer_size must leave room for a payload", ErrInvalid)
	case c.UsableSize < 1 || c.UsableSize > c.BufferSize-1:
		return fmt.Errorf("%w: usable_size %d outside [1, %d]", ErrInvalid, c.UsableSize, c.BufferSize-1)
	case c.MaxBody < 1 || c.MaxBody > protocol.MaxBody:
		return fmt.Errorf("%w: max_body %d outside [1, %d]", ErrInvalid, c.MaxBody, protocol.MaxBody)
	case c.PeerRate < 0:
		return fmt.Errorf("%w: peer_rate must not be negative", ErrInvalid)
	case c.PeerRate > 0 && c.PeerBurst < 1:
		return fmt.Errorf("%w: peer_burst must be at least 1", ErrInvalid)
	}

	switch c.Region {
	case RegionMemory:
	case RegionEtcd:
		if len(c.EtcdEndpoints) == 0 {
			return fmt.Errorf("%w: etcd region needs etcd_endpoints", ErrInvalid)
		}
		if c.EtcdKey == "" {
			return fmt.Errorf("%w: etcd region needs etcd_key", ErrInvalid)
		}
		if c.EtcdTimeout <= 0 {
			return fmt.Errorf("%w: etcd_timeout must be positive", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown region %q", ErrInvalid, c.Region)
	}
	return nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, ep := range in {
		v := strings.TrimSpace(ep)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
