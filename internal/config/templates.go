package config

import (
	"fmt"
	"os"
)

// Template returns a commented config file with every key at its default.
func Template() string {
	return nodeTemplate
}

// WriteTemplate writes Template to path, refusing to replace an existing
// file unless overwrite is set.
func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(nodeTemplate), 0o600)
}

const nodeTemplate = `name = "erlnode"
host = "localhost"
listen_addr = ":0"
hidden = true
# cookie = "secret"   # falls back to ERLNODE_COOKIE, then ~/.erlang.cookie
register_epmd = true
epmd_address = "127.0.0.1:4369"
otp_opcodes = false   # true speaks Erlang/OTP opcode numbers (LINK 1, SEND 2)
handshake_timeout = "5s"
heartbeat_interval = "15s"
tick_timeout = "60s"
max_frame_bytes = 8388608
max_buffered_bytes = 16777216
admin_listen_addr = "127.0.0.1:7040"
# admin_token = ""
cors_origins = ["http://localhost:3000"]
log_level = "info"
debug = false
`
