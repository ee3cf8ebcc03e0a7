package node

import (
	"github.com/danmuck/erlnode/internal/protocol/etf"
	"github.com/danmuck/erlnode/internal/protocol/frame"
	"github.com/danmuck/erlnode/internal/protocol/handshake"
	"github.com/rs/zerolog/log"
)

type EventKind uint8

const (
	EventConnected EventKind = iota + 1
	EventMessage
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventMessage:
		return "message"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Event is delivered to the Handler from the connection's goroutine.
// Err is set on EventDisconnected when the connection ended on an error.
type Event struct {
	Kind    EventKind
	ConnID  string
	Peer    handshake.Peer
	Message frame.Message
	Err     error
}

// Handler receives the events of every connection. Calls for one
// connection are sequential; calls for different connections may overlap.
type Handler interface {
	HandleEvent(Event)
}

type HandlerFunc func(Event)

func (f HandlerFunc) HandleEvent(ev Event) {
	f(ev)
}

// LogHandler logs every event.
func LogHandler() Handler {
	return HandlerFunc(func(ev Event) {
		switch ev.Kind {
		case EventConnected:
			log.Info().Str("conn", ev.ConnID).Str("peer", ev.Peer.Name).
				Stringer("flags", ev.Peer.Flags).Msg("peer connected")
		case EventMessage:
			e := log.Info().Str("conn", ev.ConnID).Str("peer", ev.Peer.Name).
				Str("operation", ev.Message.Operation()).
				Str("control", etf.Format(ev.Message.Control))
			if ev.Message.Payload != nil {
				e = e.Str("payload", etf.Format(ev.Message.Payload))
			}
			e.Msg("message")
		case EventDisconnected:
			log.Info().Str("conn", ev.ConnID).Str("peer", ev.Peer.Name).Err(ev.Err).Msg("peer disconnected")
		}
	})
}
