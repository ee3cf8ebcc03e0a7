package etf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/danmuck/erlnode/internal/protocol"
)

var (
	ErrUnsupportedTag = errors.New("etf: unsupported tag")
	ErrUnknownTag     = errors.New("etf: unknown tag")
	ErrInvalidNode    = errors.New("etf: node is not an atom")
	ErrBadVersion     = errors.New("etf: bad version magic")
	ErrInvalidFloat   = errors.New("etf: invalid float text")
	ErrInvalidSign    = errors.New("etf: invalid bignum sign")
	ErrNoAtomResolver = errors.New("etf: atom cache reference without an atom cache")
)

// maxPrealloc caps the capacity reserved from an untrusted arity.
const maxPrealloc = 1024

type op uint8

const (
	opTag op = iota
	opMagic
	opHeader
	opBody
)

// pending is the resume point: the step of the current term that is waiting
// for bytes.
type pending struct {
	op    op
	tag   byte
	need  int
	sign  byte
	words int
	node  Atom
}

type frameKind uint8

const (
	frameTuple frameKind = iota
	frameList
	frameListTail
	frameNode
)

// parseFrame is one open aggregate (or node-bearing term) waiting for
// subterms.
type parseFrame struct {
	kind      frameKind
	remaining uint32
	elems     []Term
	tag       byte
	words     int
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithAtomCache resolves ATOM_CACHE_REF terms through r.
func WithAtomCache(r AtomResolver) Option {
	return func(d *Decoder) {
		d.atoms = r
	}
}

// WithVersionMagic expects the 131 version byte before each top-level term.
func WithVersionMagic() Option {
	return func(d *Decoder) {
		d.magic = true
	}
}

// WithMaxBuffered bounds the number of undecoded bytes the decoder holds.
func WithMaxBuffered(n int) Option {
	return func(d *Decoder) {
		d.cur.limit = n
	}
}

// Decoder incrementally decodes a stream of external terms. It never blocks:
// when the buffered bytes run out mid-term it records where it stopped and
// resumes there on the next Feed.
//
// A Decoder is not safe for concurrent use.
type Decoder struct {
	cur   *Cursor
	stack []parseFrame
	pend  pending
	ready Term
	atoms AtomResolver
	magic bool
	err   error
}

func NewDecoder(opts ...Option) *Decoder {
	d := &Decoder{cur: NewCursor(0)}
	for _, opt := range opts {
		opt(d)
	}
	d.pend = d.start()
	return d
}

// Feed appends p and returns every top-level term completed so far. Terms
// completed before a fatal error are returned together with the error.
func (d *Decoder) Feed(p []byte) ([]Term, error) {
	if _, err := d.Write(p); err != nil {
		return nil, err
	}
	var out []Term
	for {
		t, ok, err := d.Next()
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, t)
	}
}

// Write buffers p without decoding.
func (d *Decoder) Write(p []byte) (int, error) {
	if d.err != nil {
		return 0, d.err
	}
	if err := d.cur.Append(p); err != nil {
		return 0, d.fail(err)
	}
	return len(p), nil
}

// Next decodes at most one top-level term from the buffered bytes. ok is
// false when more bytes are needed.
func (d *Decoder) Next() (Term, bool, error) {
	if d.err != nil {
		return nil, false, d.err
	}
	for {
		if d.ready != nil {
			t := d.ready
			d.ready = nil
			return t, true, nil
		}
		progressed, err := d.step()
		if err != nil {
			return nil, false, d.fail(err)
		}
		if !progressed {
			return nil, false, nil
		}
	}
}

// Pending reports whether a term has been started but not completed.
func (d *Decoder) Pending() bool {
	if len(d.stack) > 0 {
		return true
	}
	switch d.pend.op {
	case opHeader, opBody:
		return true
	case opTag:
		return d.magic
	}
	return false
}

// Depth returns the number of open aggregates.
func (d *Decoder) Depth() int {
	return len(d.stack)
}

// Buffered returns the number of bytes not yet consumed.
func (d *Decoder) Buffered() int {
	return d.cur.Available()
}

// Err returns the fatal error that stopped the decoder, if any.
func (d *Decoder) Err() error {
	return d.err
}

// Reset discards buffered bytes, partial terms and any fatal error.
func (d *Decoder) Reset() {
	d.cur.Reset()
	for i := range d.stack {
		d.stack[i] = parseFrame{}
	}
	d.stack = d.stack[:0]
	d.ready = nil
	d.err = nil
	d.pend = d.start()
}

func (d *Decoder) start() pending {
	if d.magic {
		return pending{op: opMagic}
	}
	return pending{op: opTag}
}

func (d *Decoder) fail(err error) error {
	if d.err == nil {
		d.err = err
	}
	return d.err
}

func (d *Decoder) step() (bool, error) {
	switch d.pend.op {
	case opMagic:
		b, ok := d.cur.Take(1)
		if !ok {
			return false, nil
		}
		if b[0] != VersionMagic {
			return false, fmt.Errorf("%w: got %d", ErrBadVersion, b[0])
		}
		d.pend = pending{op: opTag}
		return true, nil
	case opTag:
		b, ok := d.cur.Take(1)
		if !ok {
			return false, nil
		}
		return true, d.beginTag(b[0])
	case opHeader:
		b, ok := d.cur.Take(d.pend.need)
		if !ok {
			return false, nil
		}
		return true, d.header(d.pend.tag, b)
	case opBody:
		b, ok := d.cur.Take(d.pend.need)
		if !ok {
			return false, nil
		}
		return true, d.body(b)
	}
	return false, nil
}

func (d *Decoder) beginTag(tag byte) error {
	if unsupported(tag) {
		return fmt.Errorf("%w: %d", ErrUnsupportedTag, tag)
	}
	n, ok := headerSize(tag)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownTag, tag)
	}
	switch tag {
	case TagNil:
		return d.deliver(Nil{})
	case TagReference, TagPort, TagPid:
		d.push(parseFrame{kind: frameNode, tag: tag})
		return nil
	}
	d.pend = pending{op: opHeader, tag: tag, need: n}
	return nil
}

func (d *Decoder) header(tag byte, b []byte) error {
	switch tag {
	case TagSmallInteger:
		return d.deliver(SmallInt(b[0]))
	case TagInteger:
		return d.deliver(Int(int32(binary.BigEndian.Uint32(b))))
	case TagFloat:
		f, err := parseFloat(b)
		if err != nil {
			return err
		}
		return d.deliver(Float(f))
	case TagAtomCacheRef:
		if d.atoms == nil {
			return ErrNoAtomResolver
		}
		atom, err := d.atoms.Lookup(b[0])
		if err != nil {
			return err
		}
		return d.deliver(atom)
	case TagAtom, TagString:
		return d.expect(tag, uint32(binary.BigEndian.Uint16(b)), 0)
	case TagSmallAtom:
		return d.expect(tag, uint32(b[0]), 0)
	case TagBinary:
		return d.expect(tag, binary.BigEndian.Uint32(b), 0)
	case TagSmallTuple:
		return d.openTuple(uint32(b[0]))
	case TagLargeTuple:
		return d.openTuple(binary.BigEndian.Uint32(b))
	case TagList:
		return d.openList(binary.BigEndian.Uint32(b))
	case TagSmallBig:
		return d.expect(tag, uint32(b[0]), b[1])
	case TagLargeBig:
		return d.expect(tag, binary.BigEndian.Uint32(b[:4]), b[4])
	case TagNewReference:
		d.push(parseFrame{kind: frameNode, tag: tag, words: int(binary.BigEndian.Uint16(b))})
		return nil
	}
	return fmt.Errorf("%w: %d", ErrUnknownTag, tag)
}

// expect waits for an n-byte body of tag.
func (d *Decoder) expect(tag byte, n uint32, sign byte) error {
	if (tag == TagSmallBig || tag == TagLargeBig) && sign > 1 {
		return fmt.Errorf("%w: %d", ErrInvalidSign, sign)
	}
	if uint64(n) > uint64(maxInt) || (d.cur.limit > 0 && int(n) > d.cur.limit) {
		return fmt.Errorf("%w: tag %d wants %d bytes", protocol.ErrBufferLimit, tag, n)
	}
	d.pend = pending{op: opBody, tag: tag, need: int(n), sign: sign}
	return nil
}

func (d *Decoder) body(b []byte) error {
	p := d.pend
	switch p.tag {
	case TagAtom, TagSmallAtom:
		return d.deliver(Atom(string(b)))
	case TagString:
		return d.deliver(String(string(b)))
	case TagBinary:
		out := make(Binary, len(b))
		copy(out, b)
		return d.deliver(out)
	case TagSmallBig, TagLargeBig:
		return d.deliver(decodeBig(b, p.sign))
	case TagReference:
		return d.deliver(Reference{
			Node:     p.node,
			ID:       binary.BigEndian.Uint32(b[0:4]),
			Creation: b[4],
		})
	case TagPort:
		return d.deliver(Port{
			Node:     p.node,
			ID:       binary.BigEndian.Uint32(b[0:4]),
			Creation: b[4],
		})
	case TagPid:
		return d.deliver(Pid{
			Node:     p.node,
			ID:       binary.BigEndian.Uint32(b[0:4]),
			Serial:   binary.BigEndian.Uint32(b[4:8]),
			Creation: b[8],
		})
	case TagNewReference:
		ids := make([]uint32, p.words)
		for i := range ids {
			ids[i] = binary.BigEndian.Uint32(b[1+4*i:])
		}
		return d.deliver(NewReference{Node: p.node, ID: ids, Creation: b[0]})
	}
	return fmt.Errorf("%w: %d", ErrUnknownTag, p.tag)
}

func (d *Decoder) openTuple(arity uint32) error {
	if arity == 0 {
		return d.deliver(Tuple{})
	}
	d.push(parseFrame{
		kind:      frameTuple,
		remaining: arity,
		elems:     make([]Term, 0, min(arity, maxPrealloc)),
	})
	return nil
}

func (d *Decoder) openList(count uint32) error {
	if count == 0 {
		d.push(parseFrame{kind: frameListTail})
		return nil
	}
	d.push(parseFrame{
		kind:      frameList,
		remaining: count,
		elems:     make([]Term, 0, min(count, maxPrealloc)),
	})
	return nil
}

func (d *Decoder) push(f parseFrame) {
	d.stack = append(d.stack, f)
	d.pend = pending{op: opTag}
}

func (d *Decoder) pop() {
	d.stack[len(d.stack)-1] = parseFrame{}
	d.stack = d.stack[:len(d.stack)-1]
}

// deliver hands a completed term to the innermost open frame, closing
// frames as they fill, or emits it when no frame is open.
func (d *Decoder) deliver(t Term) error {
	for {
		if len(d.stack) == 0 {
			d.ready = t
			d.pend = d.start()
			return nil
		}
		top := &d.stack[len(d.stack)-1]
		switch top.kind {
		case frameTuple:
			top.elems = append(top.elems, t)
			top.remaining--
			if top.remaining > 0 {
				d.pend = pending{op: opTag}
				return nil
			}
			t = Tuple(top.elems)
			d.pop()
		case frameList:
			top.elems = append(top.elems, t)
			top.remaining--
			if top.remaining == 0 {
				top.kind = frameListTail
			}
			d.pend = pending{op: opTag}
			return nil
		case frameListTail:
			if len(top.elems) > 0 {
				t = List{Elems: top.elems, Tail: t}
			}
			d.pop()
		case frameNode:
			node, ok := t.(Atom)
			if !ok {
				return fmt.Errorf("%w: got %s", ErrInvalidNode, t.Kind())
			}
			tag, words := top.tag, top.words
			d.pop()
			d.pend = pending{
				op:    opBody,
				tag:   tag,
				need:  nodeTrailer(tag, words),
				node:  node,
				words: words,
			}
			return nil
		}
	}
}

func parseFloat(b []byte) (float64, error) {
	text := strings.TrimRight(string(b), "\x00 ")
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidFloat, text)
	}
	return f, nil
}

// decodeBig rebuilds a little-endian magnitude.
func decodeBig(mag []byte, sign byte) BigInt {
	be := make([]byte, len(mag))
	for i, c := range mag {
		be[len(mag)-1-i] = c
	}
	v := new(big.Int).SetBytes(be)
	if sign == 1 {
		v.Neg(v)
	}
	return NewBigInt(v)
}

const maxInt = int(^uint(0) >> 1)

// Unmarshal decodes exactly one term from b. A leading version magic byte
// is accepted.
func Unmarshal(b []byte, opts ...Option) (Term, error) {
	if len(b) > 0 && b[0] == VersionMagic {
		b = b[1:]
	}
	d := NewDecoder(opts...)
	if _, err := d.Write(b); err != nil {
		return nil, err
	}
	t, ok, err := d.Next()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, protocol.ErrTruncated
	}
	if d.Buffered() > 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", protocol.ErrInvalidLength, d.Buffered())
	}
	return t, nil
}
