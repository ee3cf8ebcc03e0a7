// Package config loads the TOML configuration of an erlnode process.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/erlnode/internal/auth"
	"github.com/danmuck/erlnode/internal/node"
)

const EnvCookie = "ERLNODE_COOKIE"

type fileConfig struct {
	Name              string   `toml:"name"`
	Host              string   `toml:"host"`
	ListenAddr        string   `toml:"listen_addr"`
	Hidden            bool     `toml:"hidden"`
	Cookie            string   `toml:"cookie"`
	RegisterEPMD      bool     `toml:"register_epmd"`
	EPMDAddress       string   `toml:"epmd_address"`
	OTPOpcodes        bool     `toml:"otp_opcodes"`
	HandshakeTimeout  string   `toml:"handshake_timeout"`
	HeartbeatInterval string   `toml:"heartbeat_interval"`
	TickTimeout       string   `toml:"tick_timeout"`
	MaxFrameBytes     int      `toml:"max_frame_bytes"`
	MaxBufferedBytes  int      `toml:"max_buffered_bytes"`
	AdminListenAddr   string   `toml:"admin_listen_addr"`
	AdminToken        string   `toml:"admin_token"`
	CORSOrigins       []string `toml:"cors_origins"`
	LogLevel          string   `toml:"log_level"`
	Debug             bool     `toml:"debug"`
}

// Config is the node configuration plus process-level settings.
type Config struct {
	Service  node.ServiceConfig
	LogLevel string
	Debug    bool
}

// Load applies the file at path over the defaults. An empty path keeps the
// defaults. The cookie is resolved last.
func Load(path string) (Config, error) {
	cfg := Config{Service: node.DefaultServiceConfig()}
	if path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if cfg.Service.Identity.Cookie == "" {
		cookie, err := resolveCookie()
		if err != nil {
			return Config{}, err
		}
		cfg.Service.Identity.Cookie = cookie
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	svc := &cfg.Service

	if meta.IsDefined("name") {
		if v := strings.TrimSpace(raw.Name); v != "" {
			svc.Identity.Name = v
		}
	}
	if meta.IsDefined("host") {
		if v := strings.TrimSpace(raw.Host); v != "" {
			svc.Identity.Host = v
		}
	}
	if meta.IsDefined("listen_addr") {
		svc.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("hidden") {
		svc.Identity.Hidden = raw.Hidden
	}
	if meta.IsDefined("cookie") {
		svc.Identity.Cookie = auth.Cookie(strings.TrimSpace(raw.Cookie))
	}
	if meta.IsDefined("register_epmd") {
		svc.RegisterEPMD = raw.RegisterEPMD
	}
	if meta.IsDefined("epmd_address") {
		svc.EPMDAddr = strings.TrimSpace(raw.EPMDAddress)
	}
	if meta.IsDefined("otp_opcodes") {
		svc.OTPOpcodes = raw.OTPOpcodes
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"handshake_timeout", raw.HandshakeTimeout, &svc.HandshakeTimeout},
		{"heartbeat_interval", raw.HeartbeatInterval, &svc.HeartbeatInterval},
		{"tick_timeout", raw.TickTimeout, &svc.TickTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.key, err)
		}
		if v <= 0 {
			return fmt.Errorf("parse %s: must be positive", d.key)
		}
		*d.dst = v
	}

	if meta.IsDefined("max_frame_bytes") {
		svc.Limits.MaxFrameBytes = raw.MaxFrameBytes
	}
	if meta.IsDefined("max_buffered_bytes") {
		svc.Limits.MaxBufferedBytes = raw.MaxBufferedBytes
	}
	if svc.Limits.MaxBufferedBytes < svc.Limits.MaxFrameBytes {
		return fmt.Errorf("max_buffered_bytes (%d) must be at least max_frame_bytes (%d)",
			svc.Limits.MaxBufferedBytes, svc.Limits.MaxFrameBytes)
	}
	if meta.IsDefined("admin_listen_addr") {
		svc.AdminListenAddr = strings.TrimSpace(raw.AdminListenAddr)
	}
	if meta.IsDefined("admin_token") {
		svc.AdminToken = strings.TrimSpace(raw.AdminToken)
	}
	if meta.IsDefined("cors_origins") {
		svc.CORSOrigins = normalizeOrigins(raw.CORSOrigins)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("debug") {
		cfg.Debug = raw.Debug
	}
	return nil
}

// resolveCookie reads the environment, then ~/.erlang.cookie.
func resolveCookie() (auth.Cookie, error) {
	if v := strings.TrimSpace(os.Getenv(EnvCookie)); v != "" {
		return auth.Cookie(v), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve cookie: %w", err)
	}
	raw, err := os.ReadFile(filepath.Join(home, ".erlang.cookie"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("resolve cookie: set cookie, %s or ~/.erlang.cookie: %w", EnvCookie, auth.ErrEmptyCookie)
		}
		return "", fmt.Errorf("resolve cookie: %w", err)
	}
	v := strings.TrimSpace(string(raw))
	if v == "" {
		return "", fmt.Errorf("resolve cookie: ~/.erlang.cookie: %w", auth.ErrEmptyCookie)
	}
	return auth.Cookie(v), nil
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, origin := range in {
		if v := strings.TrimSpace(origin); v != "" {
			out = append(out, v)
		}
	}
	return out
}
