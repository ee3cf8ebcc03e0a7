package node

import (
	"errors"
	"strings"

	"github.com/danmuck/erlnode/internal/auth"
	"github.com/danmuck/erlnode/internal/protocol/handshake"
)

var ErrInvalidIdentity = errors.New("node: invalid identity")

// Identity is fixed at startup and read-only afterwards.
type Identity struct {
	Name   string
	Host   string
	Port   uint16
	Cookie auth.Cookie
	Flags  handshake.Flags
	Hidden bool
}

// FullName is the name peers address this node by.
func (id Identity) FullName() string {
	return id.Name + "@" + id.Host
}

func (id Identity) Validate() error {
	switch {
	case strings.TrimSpace(id.Name) == "" || strings.Contains(id.Name, "@"):
		return errors.Join(ErrInvalidIdentity, errors.New("name must be non-empty and contain no '@'"))
	case strings.TrimSpace(id.Host) == "":
		return errors.Join(ErrInvalidIdentity, errors.New("host required"))
	case id.Cookie == "":
		return errors.Join(ErrInvalidIdentity, auth.ErrEmptyCookie)
	}
	return nil
}

func (id Identity) local() handshake.Local {
	return handshake.Local{Name: id.FullName(), Cookie: id.Cookie, Flags: id.Flags}
}
