package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/danmuck/erlnode/internal/protocol"
	"github.com/danmuck/erlnode/internal/protocol/etf"
)

// DistHeader is the tag following the version magic of every
// distribution frame.
const DistHeader byte = 68

// lengthSize is the width of the frame length prefix.
const lengthSize = 4

var (
	ErrBadDistHeader = errors.New("frame: bad distribution header")
	ErrFrameTooLarge = errors.New("frame: frame too large")
	ErrBadControl    = errors.New("frame: control message is not an opcode tuple")
	ErrTrailingBytes = errors.New("frame: trailing bytes after message")
)

// Limits constrains frame decode memory use.
type Limits struct {
	MaxFrameBytes    int
	MaxBufferedBytes int
}

func DefaultLimits() Limits {
	return Limits{
		MaxFrameBytes:    8 * 1024 * 1024,
		MaxBufferedBytes: 16 * 1024 * 1024,
	}
}

// Message is one decoded distribution message. Code is the wire number
// that Opcode was resolved from.
type Message struct {
	Opcode  Opcode
	Code    uint8
	Control etf.Tuple
	Payload etf.Term
}

// Operation returns the symbolic name of the message opcode.
func (m Message) Operation() string {
	if m.Opcode == OpUnknown {
		return unknownName(m.Code)
	}
	return m.Opcode.String()
}

// Destination returns the addressee of a send: a pid for SEND and
// SEND_TT, a registered name for REG_SEND and REG_SEND_TT.
func (m Message) Destination() (etf.Term, bool) {
	switch m.Opcode {
	case OpSend, OpSendTT:
		if len(m.Control) > 2 {
			return m.Control[2], true
		}
	case OpRegSend, OpRegSendTT:
		if len(m.Control) > 3 {
			return m.Control[3], true
		}
	}
	return nil, false
}

// Decoder splits an established connection's byte stream into messages.
// Each connection owns one Decoder, and with it one atom cache.
//
// A Decoder is not safe for concurrent use.
type Decoder struct {
	limits     Limits
	numbering  *Numbering
	cur        *etf.Cursor
	cache      *etf.AtomCache
	terms      *etf.Decoder
	heartbeats uint64
	frames     uint64
	err        error
}

type DecoderOption func(*Decoder)

// WithNumbering selects how control opcodes are read. The default is
// DefaultNumbering.
func WithNumbering(n *Numbering) DecoderOption {
	return func(d *Decoder) {
		if n != nil {
			d.numbering = n
		}
	}
}

func NewDecoder(limits Limits, opts ...DecoderOption) *Decoder {
	cache := etf.NewAtomCache()
	d := &Decoder{
		limits:    limits,
		numbering: DefaultNumbering,
		cur:       etf.NewCursor(limits.MaxBufferedBytes),
		cache:     cache,
		terms:     etf.NewDecoder(etf.WithAtomCache(cache)),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Feed appends p and returns every message completed so far, in arrival
// order. Heartbeats are consumed silently. Errors are sticky.
func (d *Decoder) Feed(p []byte) ([]Message, error) {
	if d.err != nil {
		return nil, d.err
	}
	if err := d.cur.Append(p); err != nil {
		return nil, d.fail(err)
	}
	var out []Message
	for {
		head, ok := d.cur.Peek(lengthSize)
		if !ok {
			return out, nil
		}
		size := binary.BigEndian.Uint32(head)
		if size == 0 {
			d.cur.Advance(lengthSize)
			d.heartbeats++
			continue
		}
		if d.limits.MaxFrameBytes > 0 && uint64(size) > uint64(d.limits.MaxFrameBytes) {
			return out, d.fail(fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, d.limits.MaxFrameBytes))
		}
		whole, ok := d.cur.Peek(lengthSize + int(size))
		if !ok {
			return out, nil
		}
		msg, err := d.decodeFrame(whole[lengthSize:])
		if err != nil {
			return out, d.fail(err)
		}
		d.cur.Advance(lengthSize + int(size))
		d.frames++
		out = append(out, msg)
	}
}

// Heartbeats returns the number of zero-length frames consumed.
func (d *Decoder) Heartbeats() uint64 {
	return d.heartbeats
}

// Frames returns the number of messages decoded.
func (d *Decoder) Frames() uint64 {
	return d.frames
}

// AtomCache exposes the connection's atom cache.
func (d *Decoder) AtomCache() *etf.AtomCache {
	return d.cache
}

// Buffered returns the number of bytes held for an incomplete frame.
func (d *Decoder) Buffered() int {
	return d.cur.Available()
}

func (d *Decoder) Err() error {
	return d.err
}

func (d *Decoder) fail(err error) error {
	if d.err == nil {
		d.err = err
	}
	return d.err
}

func (d *Decoder) decodeFrame(body []byte) (Message, error) {
	if len(body) < 3 || body[0] != etf.VersionMagic || body[1] != DistHeader {
		return Message{}, fmt.Errorf("%w: %s", ErrBadDistHeader, protocol.FormatBytes(body[:min(len(body), 3)]))
	}
	n := int(body[2])
	rest := body[3:]
	var entries []etf.AtomCacheEntry
	if n > 0 {
		var used int
		var err error
		entries, used, err = parseAtomCacheTable(rest, n)
		if err != nil {
			return Message{}, err
		}
		rest = rest[used:]
	}
	// The table of every frame replaces the previous one, so references
	// never resolve against a stale table.
	if err := d.cache.SetTable(entries); err != nil {
		return Message{}, err
	}

	d.terms.Reset()
	if _, err := d.terms.Write(rest); err != nil {
		return Message{}, err
	}
	control, err := d.nextTerm("control")
	if err != nil {
		return Message{}, err
	}
	tuple, ok := control.(etf.Tuple)
	if !ok || len(tuple) == 0 {
		return Message{}, fmt.Errorf("%w: got %s", ErrBadControl, etf.Format(control))
	}
	code, ok := tuple[0].(etf.SmallInt)
	if !ok {
		return Message{}, fmt.Errorf("%w: opcode %s", ErrBadControl, etf.Format(tuple[0]))
	}
	msg := Message{Opcode: d.numbering.Opcode(uint8(code)), Code: uint8(code), Control: tuple}
	if msg.Opcode.HasPayload() {
		if msg.Payload, err = d.nextTerm("payload"); err != nil {
			return Message{}, err
		}
	}
	if left := d.terms.Buffered(); left > 0 {
		return Message{}, fmt.Errorf("%w: %d bytes", ErrTrailingBytes, left)
	}
	return msg, nil
}

// nextTerm decodes one term that must complete inside the current frame.
func (d *Decoder) nextTerm(what string) (etf.Term, error) {
	t, ok, err := d.terms.Next()
	if err != nil {
		return nil, fmt.Errorf("frame: %s: %w", what, err)
	}
	if !ok {
		return nil, fmt.Errorf("frame: %s: %w", what, protocol.ErrTruncated)
	}
	return t, nil
}

// Encoder writes frames for one connection. Terms carries the wire forms
// the peer negotiated; the zero value suits any peer.
type Encoder struct {
	Terms etf.Encoder
}

// Encode builds one frame carrying control and, when payload is non-nil,
// a message term. No atom cache references are used.
func Encode(control etf.Tuple, payload etf.Term) ([]byte, error) {
	return Encoder{}.AppendFrame(nil, nil, control, payload)
}

// AppendFrame appends a frame using the zero Encoder.
func AppendFrame(buf []byte, entries []etf.AtomCacheEntry, control etf.Tuple, payload etf.Term) ([]byte, error) {
	return Encoder{}.AppendFrame(buf, entries, control, payload)
}

func (e Encoder) Encode(control etf.Tuple, payload etf.Term) ([]byte, error) {
	return e.AppendFrame(nil, nil, control, payload)
}

// AppendFrame appends a frame whose header announces entries. Encoded
// terms never reference the cache themselves; the table only seeds the
// peer's cache.
func (e Encoder) AppendFrame(buf []byte, entries []etf.AtomCacheEntry, control etf.Tuple, payload etf.Term) ([]byte, error) {
	start := len(buf)
	buf = append(buf, 0, 0, 0, 0, etf.VersionMagic, DistHeader)
	var err error
	if buf, err = appendAtomCacheTable(buf, entries); err != nil {
		return nil, err
	}
	if buf, err = e.Terms.AppendTerm(buf, control); err != nil {
		return nil, err
	}
	if payload != nil {
		if buf, err = e.Terms.AppendTerm(buf, payload); err != nil {
			return nil, err
		}
	}
	size := len(buf) - start - lengthSize
	if uint64(size) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	binary.BigEndian.PutUint32(buf[start:], uint32(size))
	return buf, nil
}

// Heartbeat returns a tick frame.
func Heartbeat() []byte {
	return []byte{0, 0, 0, 0}
}

// SendControl is DefaultNumbering.SendControl.
func SendControl(to etf.Pid) etf.Tuple {
	return DefaultNumbering.SendControl(to)
}

// RegSendControl is DefaultNumbering.RegSendControl.
func RegSendControl(from etf.Pid, to etf.Atom) etf.Tuple {
	return DefaultNumbering.RegSendControl(from, to)
}
