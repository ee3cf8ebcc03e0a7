package node

import (
	"strings"
	"time"

	"github.com/danmuck/erlnode/internal/auth"
	"github.com/danmuck/erlnode/internal/epmd"
	"github.com/danmuck/erlnode/internal/protocol/frame"
	"github.com/danmuck/erlnode/internal/protocol/handshake"
)

// ServiceConfig is the runtime configuration of one node.
type ServiceConfig struct {
	Identity          Identity
	ListenAddr        string
	EPMDAddr          string
	RegisterEPMD      bool
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	TickTimeout       time.Duration
	WriteTimeout      time.Duration
	Limits            frame.Limits
	AdminListenAddr   string
	AdminToken        string
	// AdminValidator checks /peers bearer tokens. It takes precedence
	// over AdminToken.
	AdminValidator auth.Validator
	CORSOrigins    []string
	// OTPOpcodes reads and writes control opcodes with the Erlang/OTP
	// numbering instead of frame.DefaultNumbering.
	OTPOpcodes bool
	Backoff           BackoffConfig
	// Trace logs every byte read and written at trace level.
	Trace bool
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Identity: Identity{
			Name:   "erlnode",
			Host:   "localhost",
			Flags:  handshake.DefaultFlags,
			Hidden: true,
		},
		ListenAddr:        ":0",
		EPMDAddr:          epmd.DefaultAddr(),
		RegisterEPMD:      true,
		HandshakeTimeout:  5 * time.Second,
		HeartbeatInterval: 15 * time.Second,
		TickTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		Limits:            frame.DefaultLimits(),
		AdminListenAddr:   "",
		CORSOrigins:       []string{"http://localhost:3000"},
		Backoff:           DefaultBackoffConfig(),
	}
}

// WithDefaults fills zero fields from DefaultServiceConfig.
func (c ServiceConfig) WithDefaults() ServiceConfig {
	def := DefaultServiceConfig()
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = def.ListenAddr
	}
	if strings.TrimSpace(c.EPMDAddr) == "" {
		c.EPMDAddr = def.EPMDAddr
	}
	if c.Identity.Flags == 0 {
		c.Identity.Flags = def.Identity.Flags
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.TickTimeout <= 0 {
		c.TickTimeout = def.TickTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.Limits.MaxFrameBytes <= 0 {
		c.Limits.MaxFrameBytes = def.Limits.MaxFrameBytes
	}
	if c.Limits.MaxBufferedBytes <= 0 {
		c.Limits.MaxBufferedBytes = def.Limits.MaxBufferedBytes
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = def.Backoff
	}
	return c
}

// Numbering is the opcode numbering connections use.
func (c ServiceConfig) Numbering() *frame.Numbering {
	if c.OTPOpcodes {
		return frame.OTPNumbering
	}
	return frame.DefaultNumbering
}
