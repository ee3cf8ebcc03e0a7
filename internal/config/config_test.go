package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/erlnode/internal/auth"
	"github.com/danmuck/erlnode/internal/protocol/frame"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaultsAndOverrides(t *testing.T) {
	path := writeConfig(t, `
name = "alpha"
host = "box.local"
listen_addr = "127.0.0.1:9999"
hidden = false
cookie = "secret"
epmd_address = "127.0.0.1:14369"
otp_opcodes = true
handshake_timeout = "2s"
tick_timeout = "30s"
max_frame_bytes = 1024
max_buffered_bytes = 4096
admin_listen_addr = "127.0.0.1:7040"
admin_token = "letmein"
cors_origins = [" http://a.example ", ""]
debug = true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	svc := cfg.Service
	if svc.Identity.FullName() != "alpha@box.local" {
		t.Fatalf("unexpected full name: %q", svc.Identity.FullName())
	}
	if svc.Identity.Hidden {
		t.Fatalf("expected visible node")
	}
	if svc.Identity.Cookie != "secret" {
		t.Fatalf("unexpected cookie")
	}
	if svc.ListenAddr != "127.0.0.1:9999" || svc.EPMDAddr != "127.0.0.1:14369" {
		t.Fatalf("unexpected addrs: listen=%q epmd=%q", svc.ListenAddr, svc.EPMDAddr)
	}
	if svc.HandshakeTimeout != 2*time.Second || svc.TickTimeout != 30*time.Second {
		t.Fatalf("unexpected timeouts: handshake=%v tick=%v", svc.HandshakeTimeout, svc.TickTimeout)
	}
	if svc.HeartbeatInterval != 15*time.Second {
		t.Fatalf("expected default heartbeat interval, got %v", svc.HeartbeatInterval)
	}
	if svc.Limits.MaxFrameBytes != 1024 || svc.Limits.MaxBufferedBytes != 4096 {
		t.Fatalf("unexpected limits: %+v", svc.Limits)
	}
	if svc.AdminToken != "letmein" || svc.AdminListenAddr != "127.0.0.1:7040" {
		t.Fatalf("unexpected admin config: addr=%q token=%q", svc.AdminListenAddr, svc.AdminToken)
	}
	if len(svc.CORSOrigins) != 1 || svc.CORSOrigins[0] != "http://a.example" {
		t.Fatalf("unexpected cors origins: %v", svc.CORSOrigins)
	}
	if !svc.RegisterEPMD {
		t.Fatalf("expected epmd registration by default")
	}
	if !svc.OTPOpcodes || svc.Numbering() != frame.OTPNumbering {
		t.Fatalf("expected otp opcode numbering")
	}
	if !cfg.Debug {
		t.Fatalf("expected debug")
	}
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"bad duration":   `cookie = "c"` + "\n" + `tick_timeout = "soon"`,
		"zero duration":  `cookie = "c"` + "\n" + `handshake_timeout = "0s"`,
		"small buffer":   `cookie = "c"` + "\n" + `max_frame_bytes = 100` + "\n" + `max_buffered_bytes = 10`,
		"malformed toml": `cookie = `,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, content)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestCookieResolutionOrder(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(EnvCookie, "")

	if _, err := Load(""); !errors.Is(err, auth.ErrEmptyCookie) {
		t.Fatalf("expected ErrEmptyCookie without any source, got %v", err)
	}

	if err := os.WriteFile(filepath.Join(home, ".erlang.cookie"), []byte("fromfile\n"), 0o600); err != nil {
		t.Fatalf("write cookie: %v", err)
	}
	cfg, err := Load("")
	if err != nil || cfg.Service.Identity.Cookie != "fromfile" {
		t.Fatalf("expected cookie file, got cookie=%q err=%v", cfg.Service.Identity.Cookie, err)
	}

	t.Setenv(EnvCookie, "fromenv")
	cfg, err = Load("")
	if err != nil || cfg.Service.Identity.Cookie != "fromenv" {
		t.Fatalf("expected env cookie, got cookie=%q err=%v", cfg.Service.Identity.Cookie, err)
	}

	cfg, err = Load(writeConfig(t, `cookie = "fromconfig"`))
	if err != nil || cfg.Service.Identity.Cookie != "fromconfig" {
		t.Fatalf("expected config cookie, got cookie=%q err=%v", cfg.Service.Identity.Cookie, err)
	}
}

func TestTemplateLoadsAndWrites(t *testing.T) {
	t.Setenv(EnvCookie, "fromenv")
	path := filepath.Join(t.TempDir(), "erlnode.toml")
	if err := WriteTemplate(path, false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if err := WriteTemplate(path, false); err == nil {
		t.Fatalf("expected refusal to overwrite")
	}
	if err := WriteTemplate(path, true); err != nil {
		t.Fatalf("overwrite template: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load template: %v", err)
	}
	if cfg.Service.Identity.FullName() != "erlnode@localhost" {
		t.Fatalf("unexpected name: %q", cfg.Service.Identity.FullName())
	}
	if cfg.Service.Identity.Cookie != "fromenv" {
		t.Fatalf("expected env cookie with commented-out cookie key")
	}
	if cfg.Service.Numbering() != frame.DefaultNumbering {
		t.Fatalf("expected default opcode numbering from template")
	}
	if cfg.Service.AdminListenAddr != "127.0.0.1:7040" || cfg.LogLevel != "info" {
		t.Fatalf("unexpected template values: %+v", cfg)
	}
}
