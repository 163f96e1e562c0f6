// Package config loads the optional TOML file that tunes the handshaker.
// Identity (names, cookie, creation) always comes from the command line;
// the file only overrides transport timings, EPMD, logging, diagnostics
// and engine settings.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/membraneframework/membrane-element-rtp/internal/engine"
	"github.com/membraneframework/membrane-element-rtp/internal/epmd"
	"github.com/membraneframework/membrane-element-rtp/internal/logging"
	"github.com/membraneframework/membrane-element-rtp/internal/protocol/session"
)

const EnvConfigPath = "HANDSHAKER_CONFIG"

var ErrInvalid = errors.New("config: invalid")

type Config struct {
	ListenAddr  string
	Session     session.Config
	EPMD        EPMDConfig
	Log         LogConfig
	Diagnostics DiagnosticsConfig
	Engine      EngineConfig
}

type EPMDConfig struct {
	Addr        string
	Timeout     time.Duration
	MaxAttempts int
}

type LogConfig struct {
	// Level is empty when the file does not set one; env and profile
	// defaults then stay in effect.
	Level string
	JSON  bool
}

// DiagnosticsConfig enables the HTTP endpoint when Addr is non-empty.
type DiagnosticsConfig struct {
	Addr string
}

type EngineConfig struct {
	Profiles         []string
	HandshakeTimeout time.Duration
	MTU              int
}

func Default() Config {
	s := session.DefaultConfig()
	return Config{
		ListenAddr: ":0",
		Session:    s,
		EPMD: EPMDConfig{
			Addr:        epmd.DefaultAddr(),
			Timeout:     5 * time.Second,
			MaxAttempts: s.RegisterAttempts,
		},
		Engine: EngineConfig{
			Profiles:         []string{"SRTP_AES128_CM_HMAC_SHA1_80", "SRTP_AEAD_AES_128_GCM"},
			HandshakeTimeout: engine.DefaultTimeout,
		},
	}
}

type fileConfig struct {
	Node struct {
		ListenAddr string `toml:"listen_addr"`
	} `toml:"node"`
	Session struct {
		AcceptTimeout    string `toml:"accept_timeout"`
		HandshakeTimeout string `toml:"handshake_timeout"`
		ReceiveTimeout   string `toml:"receive_timeout"`
		FrameTimeout     string `toml:"frame_timeout"`
		WriteTimeout     string `toml:"write_timeout"`
		TickInterval     string `toml:"tick_interval"`
	} `toml:"session"`
	EPMD struct {
		Addr        string `toml:"addr"`
		Timeout     string `toml:"timeout"`
		MaxAttempts int    `toml:"max_attempts"`
	} `toml:"epmd"`
	Log struct {
		Level string `toml:"level"`
		JSON  bool   `toml:"json"`
	} `toml:"log"`
	Diagnostics struct {
		Addr string `toml:"addr"`
	} `toml:"diagnostics"`
	Engine struct {
		Profiles         []string `toml:"profiles"`
		HandshakeTimeout string   `toml:"handshake_timeout"`
		MTU              int      `toml:"mtu"`
	} `toml:"engine"`
}

// Load overlays the file at path on Default. Keys absent from the file keep
// their defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return Config{}, fmt.Errorf("%w: unknown keys %s", ErrInvalid, strings.Join(keys, ", "))
	}

	if meta.IsDefined("node", "listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.Node.ListenAddr)
	}

	durations := []struct {
		key []string
		raw string
		dst *time.Duration
	}{
		{[]string{"session", "accept_timeout"}, raw.Session.AcceptTimeout, &cfg.Session.AcceptTimeout},
		{[]string{"session", "handshake_timeout"}, raw.Session.HandshakeTimeout, &cfg.Session.HandshakeTimeout},
		{[]string{"session", "receive_timeout"}, raw.Session.ReceiveTimeout, &cfg.Session.ReceiveTimeout},
		{[]string{"session", "frame_timeout"}, raw.Session.FrameTimeout, &cfg.Session.FrameTimeout},
		{[]string{"session", "write_timeout"}, raw.Session.WriteTimeout, &cfg.Session.WriteTimeout},
		{[]string{"session", "tick_interval"}, raw.Session.TickInterval, &cfg.Session.TickInterval},
		{[]string{"epmd", "timeout"}, raw.EPMD.Timeout, &cfg.EPMD.Timeout},
		{[]string{"engine", "handshake_timeout"}, raw.Engine.HandshakeTimeout, &cfg.Engine.HandshakeTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key...) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", strings.Join(d.key, "."), err)
		}
		*d.dst = v
	}

	if meta.IsDefined("epmd", "addr") {
		cfg.EPMD.Addr = strings.TrimSpace(raw.EPMD.Addr)
	}
	if meta.IsDefined("epmd", "max_attempts") {
		cfg.EPMD.MaxAttempts = raw.EPMD.MaxAttempts
	}
	if meta.IsDefined("log", "level") {
		cfg.Log.Level = strings.TrimSpace(raw.Log.Level)
	}
	if meta.IsDefined("log", "json") {
		cfg.Log.JSON = raw.Log.JSON
	}
	if meta.IsDefined("diagnostics", "addr") {
		cfg.Diagnostics.Addr = strings.TrimSpace(raw.Diagnostics.Addr)
	}
	if meta.IsDefined("engine", "profiles") {
		cfg.Engine.Profiles = raw.Engine.Profiles
	}
	if meta.IsDefined("engine", "mtu") {
		cfg.Engine.MTU = raw.Engine.MTU
	}

	cfg.Session.EngineTimeout = cfg.Engine.HandshakeTimeout
	cfg.Session.RegisterAttempts = cfg.EPMD.MaxAttempts

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Validate(cfg Config) error {
	positive := map[string]time.Duration{
		"session.accept_timeout":    cfg.Session.AcceptTimeout,
		"session.handshake_timeout": cfg.Session.HandshakeTimeout,
		"session.receive_timeout":   cfg.Session.ReceiveTimeout,
		"session.frame_timeout":     cfg.Session.FrameTimeout,
		"session.write_timeout":     cfg.Session.WriteTimeout,
		"session.tick_interval":     cfg.Session.TickInterval,
		"epmd.timeout":              cfg.EPMD.Timeout,
		"engine.handshake_timeout":  cfg.Engine.HandshakeTimeout,
	}
	for key, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalid, key)
		}
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return fmt.Errorf("%w: node.listen_addr is required", ErrInvalid)
	}
	if strings.TrimSpace(cfg.EPMD.Addr) == "" {
		return fmt.Errorf("%w: epmd.addr is required", ErrInvalid)
	}
	if cfg.EPMD.MaxAttempts < 1 {
		return fmt.Errorf("%w: epmd.max_attempts must be at least 1", ErrInvalid)
	}
	if cfg.Log.Level != "" {
		if _, ok := logging.ParseLevel(cfg.Log.Level); !ok {
			return fmt.Errorf("%w: log.level %q", ErrInvalid, cfg.Log.Level)
		}
	}
	if len(cfg.Engine.Profiles) == 0 {
		return fmt.Errorf("%w: engine.profiles must not be empty", ErrInvalid)
	}
	if _, err := engine.ParseProfiles(cfg.Engine.Profiles); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if cfg.Engine.MTU < 0 {
		return fmt.Errorf("%w: engine.mtu must not be negative", ErrInvalid)
	}
	return nil
}
