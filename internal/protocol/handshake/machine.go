// Package handshake implements the accepting side of the distribution
// handshake as a pure state machine. It performs no I/O: callers feed it
// received bytes and write out whatever it returns.
package handshake

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/danmuck/erlnode/internal/auth"
	"github.com/danmuck/erlnode/internal/protocol"
	"github.com/danmuck/erlnode/internal/protocol/etf"
	"github.com/danmuck/erlnode/internal/protocol/frame"
)

var (
	ErrUnsupportedVersion = errors.New("handshake: unsupported distribution version")
	ErrUnexpectedMessage  = errors.New("handshake: unexpected message")
	ErrMalformedMessage   = errors.New("handshake: malformed message")
	ErrDigestMismatch     = auth.ErrDigestMismatch
	ErrNotAllowed         = errors.New("handshake: peer not allowed")
	ErrClosed             = errors.New("handshake: machine closed")
)

// maxHandshakeBuffer bounds bytes held while a handshake message is
// incomplete: one length prefix and the largest body it can announce.
// Only the current message is ever buffered.
const maxHandshakeBuffer = 2 + 0xffff

type State uint8

const (
	StateAwaitName State = iota
	StateAwaitChallengeReply
	StateEstablished
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitName:
		return "await_name"
	case StateAwaitChallengeReply:
		return "await_challenge_reply"
	case StateEstablished:
		return "established"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Local is this node as presented to peers.
type Local struct {
	Name   string
	Cookie auth.Cookie
	Flags  Flags
}

// Peer is the remote node as it introduced itself.
type Peer struct {
	Name        string
	Flags       Flags
	VersionLow  uint8
	VersionHigh uint8
}

type EventKind uint8

const (
	EventConnected EventKind = iota + 1
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventMessage:
		return "message"
	default:
		return "unknown"
	}
}

// Event is something the connection owner must act on.
type Event struct {
	Kind    EventKind
	Peer    Peer
	Message frame.Message
}

// Result is the outcome of one Advance call. Outbound must be written to
// the peer in full, even when Advance also returns an error.
type Result struct {
	Events   []Event
	Outbound []byte
}

// Admission decides whether a peer that passed the version check may
// continue.
type Admission func(Peer) error

type Option func(*Machine)

// WithChallenge overrides the challenge generator.
func WithChallenge(next func() uint32) Option {
	return func(m *Machine) {
		m.newChallenge = next
	}
}

// WithAdmission installs a hook run after the peer's name message.
func WithAdmission(admit Admission) Option {
	return func(m *Machine) {
		m.admit = admit
	}
}

// WithLimits bounds the frame decoder used once established.
func WithLimits(limits frame.Limits) Option {
	return func(m *Machine) {
		m.limits = limits
	}
}

// WithNumbering selects the opcode numbering of established frames.
func WithNumbering(n *frame.Numbering) Option {
	return func(m *Machine) {
		m.numbering = n
	}
}

// Machine drives one accepted connection from the name message to the
// established state. It is not safe for concurrent use.
type Machine struct {
	local        Local
	state        State
	peer         Peer
	challenge    uint32
	buf          *etf.Cursor
	frames       *frame.Decoder
	limits       frame.Limits
	numbering    *frame.Numbering
	newChallenge func() uint32
	admit        Admission
	err          error
}

func New(local Local, opts ...Option) *Machine {
	m := &Machine{
		local:        local,
		state:        StateAwaitName,
		buf:          etf.NewCursor(maxHandshakeBuffer),
		limits:       frame.DefaultLimits(),
		newChallenge: auth.NewChallenge,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Machine) State() State {
	return m.state
}

// Peer returns the peer identity. It is zero before the name message.
func (m *Machine) Peer() Peer {
	return m.peer
}

// Challenge returns the challenge sent to the peer, zero before it is sent.
func (m *Machine) Challenge() uint32 {
	return m.challenge
}

// Frames returns the frame decoder, nil before the connection is established.
func (m *Machine) Frames() *frame.Decoder {
	return m.frames
}

func (m *Machine) Err() error {
	return m.err
}

// Advance consumes p and returns the resulting events and bytes to send.
// Once an error is returned the machine is closed and every later call
// fails with the same error.
func (m *Machine) Advance(p []byte) (Result, error) {
	var res Result
	if m.state == StateClosed {
		if m.err != nil {
			return res, m.err
		}
		return res, ErrClosed
	}
	if m.state == StateEstablished {
		return res, m.deliver(&res, p)
	}

	for m.state != StateEstablished {
		var take int
		p, take = m.fill(p)
		if take == 0 {
			return res, nil
		}
		whole, _ := m.buf.Peek(take)
		body := whole[2:]
		var err error
		switch m.state {
		case StateAwaitName:
			err = m.onName(&res, body)
		case StateAwaitChallengeReply:
			err = m.onReply(&res, body)
		}
		if err != nil {
			return res, m.fail(err)
		}
		m.buf.Advance(take)
	}

	// Frames may arrive in the same read as the final handshake message.
	if len(p) == 0 {
		return res, nil
	}
	return res, m.deliver(&res, p)
}

// fill moves bytes of the current handshake message from p into the
// buffer and returns what is left of p, plus the size of the message with
// its length prefix once it is fully buffered (zero until then). The
// buffer never holds more than one message.
func (m *Machine) fill(p []byte) ([]byte, int) {
	for {
		need := 2
		head, known := m.buf.Peek(2)
		if known {
			need += int(binary.BigEndian.Uint16(head))
		}
		if missing := need - m.buf.Available(); missing > 0 {
			n := min(missing, len(p))
			_ = m.buf.Append(p[:n])
			p = p[n:]
			if n < missing {
				return p, 0
			}
		}
		if known {
			return p, need
		}
	}
}

// Close marks the machine closed. Pending state is discarded.
func (m *Machine) Close() {
	if m.state != StateClosed {
		m.state = StateClosed
		m.buf.Reset()
	}
}

func (m *Machine) onName(res *Result, body []byte) error {
	if len(body) == 0 || body[0] != tagName {
		return unexpected(m.state, body)
	}
	msg, err := decodeName(body)
	if err != nil {
		return err
	}
	if msg.versionLow > DistVersion || msg.versionHigh < DistVersion {
		return fmt.Errorf("%w: peer range %d..%d", ErrUnsupportedVersion, msg.versionLow, msg.versionHigh)
	}
	m.peer = Peer{
		Name:        msg.name,
		Flags:       msg.flags,
		VersionLow:  msg.versionLow,
		VersionHigh: msg.versionHigh,
	}
	if m.admit != nil {
		if err := m.admit(m.peer); err != nil {
			res.Outbound = appendStatus(res.Outbound, StatusNotAllowed)
			return fmt.Errorf("%w: %s: %v", ErrNotAllowed, m.peer.Name, err)
		}
	}

	m.challenge = m.newChallenge()
	res.Outbound = appendStatus(res.Outbound, StatusOK)
	if res.Outbound, err = appendChallenge(res.Outbound, m.local.Flags, m.challenge, m.local.Name); err != nil {
		return err
	}
	m.state = StateAwaitChallengeReply
	return nil
}

func (m *Machine) onReply(res *Result, body []byte) error {
	if len(body) == 0 || body[0] != tagReply {
		return unexpected(m.state, body)
	}
	counter, digest, err := decodeReply(body)
	if err != nil {
		return err
	}
	if err := m.local.Cookie.Verify(m.challenge, digest); err != nil {
		return fmt.Errorf("%w: peer %s", err, m.peer.Name)
	}
	res.Outbound = appendAck(res.Outbound, m.local.Cookie.Digest(counter))
	res.Events = append(res.Events, Event{Kind: EventConnected, Peer: m.peer})
	m.frames = frame.NewDecoder(m.limits, frame.WithNumbering(m.numbering))
	m.state = StateEstablished
	return nil
}

func (m *Machine) deliver(res *Result, p []byte) error {
	msgs, err := m.frames.Feed(p)
	for _, msg := range msgs {
		res.Events = append(res.Events, Event{Kind: EventMessage, Peer: m.peer, Message: msg})
	}
	if err != nil {
		return m.fail(err)
	}
	return nil
}

func (m *Machine) fail(err error) error {
	if m.err == nil {
		m.err = err
	}
	m.Close()
	return m.err
}

func unexpected(state State, body []byte) error {
	if len(body) == 0 {
		return fmt.Errorf("%w: empty message in %s", ErrUnexpectedMessage, state)
	}
	return fmt.Errorf("%w: tag %q in %s (%s)", ErrUnexpectedMessage, body[0], state,
		protocol.FormatBytes(body[:min(len(body), 8)]))
}
