package etf

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"

	"github.com/danmuck/erlnode/internal/protocol"
)

var (
	ErrUnencodable = errors.New("etf: term cannot be encoded")
	ErrAtomTooLong = errors.New("etf: atom longer than 65535 bytes")
)

// Marshal encodes t without the version magic, as terms appear inside a
// distribution frame.
func Marshal(t Term) ([]byte, error) {
	return AppendTerm(nil, t)
}

// MarshalExternal encodes t with the leading version magic.
func MarshalExternal(t Term) ([]byte, error) {
	return AppendTerm([]byte{VersionMagic}, t)
}

// AppendTerm appends the encoding of t to buf using the zero Encoder.
func AppendTerm(buf []byte, t Term) ([]byte, error) {
	return Encoder{}.AppendTerm(buf, t)
}

// Encoder selects among equivalent wire forms. The zero value writes
// ATOM_EXT for every atom, which any peer can read.
type Encoder struct {
	// SmallAtoms writes atoms shorter than 256 bytes as SMALL_ATOM_EXT,
	// for peers that negotiated small atom tags.
	SmallAtoms bool
}

func (e Encoder) Marshal(t Term) ([]byte, error) {
	return e.AppendTerm(nil, t)
}

// AppendTerm appends the encoding of t to buf.
func (e Encoder) AppendTerm(buf []byte, t Term) ([]byte, error) {
	switch v := t.(type) {
	case nil:
		return nil, fmt.Errorf("%w: nil term", ErrUnencodable)
	case SmallInt:
		return append(buf, TagSmallInteger, byte(v)), nil
	case Int:
		buf = append(buf, TagInteger)
		return protocol.AppendUint32(buf, uint32(v)), nil
	case Float:
		return appendFloat(buf, float64(v))
	case Atom:
		return e.appendAtom(buf, v)
	case String:
		if len(v) > math.MaxUint16 {
			return e.appendList(buf, v.Elems(), Nil{})
		}
		buf = append(buf, TagString)
		buf = protocol.AppendUint16(buf, uint16(len(v)))
		return protocol.AppendString(buf, string(v)), nil
	case Binary:
		if uint64(len(v)) > math.MaxUint32 {
			return nil, fmt.Errorf("%w: binary of %d bytes", ErrUnencodable, len(v))
		}
		buf = append(buf, TagBinary)
		buf = protocol.AppendUint32(buf, uint32(len(v)))
		return append(buf, v...), nil
	case Nil:
		return append(buf, TagNil), nil
	case Tuple:
		if len(v) <= math.MaxUint8 {
			buf = append(buf, TagSmallTuple, byte(len(v)))
		} else {
			buf = append(buf, TagLargeTuple)
			buf = protocol.AppendUint32(buf, uint32(len(v)))
		}
		var err error
		for _, elem := range v {
			if buf, err = e.AppendTerm(buf, elem); err != nil {
				return nil, err
			}
		}
		return buf, nil
	case List:
		if len(v.Elems) == 0 {
			if v.Tail == nil {
				return append(buf, TagNil), nil
			}
			return e.AppendTerm(buf, v.Tail)
		}
		tail := v.Tail
		if tail == nil {
			tail = Nil{}
		}
		return e.appendList(buf, v.Elems, tail)
	case BigInt:
		return appendBig(buf, v.Int)
	case Reference:
		buf = append(buf, TagReference)
		var err error
		if buf, err = e.appendAtom(buf, v.Node); err != nil {
			return nil, err
		}
		buf = protocol.AppendUint32(buf, v.ID)
		return append(buf, v.Creation), nil
	case NewReference:
		if len(v.ID) > math.MaxUint16 {
			return nil, fmt.Errorf("%w: reference with %d id words", ErrUnencodable, len(v.ID))
		}
		buf = append(buf, TagNewReference)
		buf = protocol.AppendUint16(buf, uint16(len(v.ID)))
		var err error
		if buf, err = e.appendAtom(buf, v.Node); err != nil {
			return nil, err
		}
		buf = append(buf, v.Creation)
		for _, id := range v.ID {
			buf = protocol.AppendUint32(buf, id)
		}
		return buf, nil
	case Port:
		buf = append(buf, TagPort)
		var err error
		if buf, err = e.appendAtom(buf, v.Node); err != nil {
			return nil, err
		}
		buf = protocol.AppendUint32(buf, v.ID)
		return append(buf, v.Creation), nil
	case Pid:
		buf = append(buf, TagPid)
		var err error
		if buf, err = e.appendAtom(buf, v.Node); err != nil {
			return nil, err
		}
		buf = protocol.AppendUint32(buf, v.ID)
		buf = protocol.AppendUint32(buf, v.Serial)
		return append(buf, v.Creation), nil
	}
	return nil, fmt.Errorf("%w: %T", ErrUnencodable, t)
}

func (e Encoder) appendAtom(buf []byte, a Atom) ([]byte, error) {
	if len(a) > math.MaxUint16 {
		return nil, ErrAtomTooLong
	}
	if e.SmallAtoms && len(a) <= math.MaxUint8 {
		buf = append(buf, TagSmallAtom, byte(len(a)))
		return protocol.AppendString(buf, string(a)), nil
	}
	buf = append(buf, TagAtom)
	buf = protocol.AppendUint16(buf, uint16(len(a)))
	return protocol.AppendString(buf, string(a)), nil
}

func (e Encoder) appendList(buf []byte, elems []Term, tail Term) ([]byte, error) {
	if uint64(len(elems)) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: list of %d elements", ErrUnencodable, len(elems))
	}
	buf = append(buf, TagList)
	buf = protocol.AppendUint32(buf, uint32(len(elems)))
	var err error
	for _, elem := range elems {
		if buf, err = e.AppendTerm(buf, elem); err != nil {
			return nil, err
		}
	}
	return e.AppendTerm(buf, tail)
}

func appendFloat(buf []byte, f float64) ([]byte, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("%w: float %v", ErrUnencodable, f)
	}
	text := strconv.FormatFloat(f, 'e', 20, 64)
	if len(text) > floatSize {
		return nil, fmt.Errorf("%w: float text %q", ErrUnencodable, text)
	}
	buf = append(buf, TagFloat)
	buf = append(buf, text...)
	for i := len(text); i < floatSize; i++ {
		buf = append(buf, 0)
	}
	return buf, nil
}

func appendBig(buf []byte, v *big.Int) ([]byte, error) {
	if v == nil {
		v = new(big.Int)
	}
	be := v.Bytes()
	sign := byte(0)
	if v.Sign() < 0 {
		sign = 1
	}
	if len(be) <= math.MaxUint8 {
		buf = append(buf, TagSmallBig, byte(len(be)), sign)
	} else {
		buf = append(buf, TagLargeBig)
		buf = protocol.AppendUint32(buf, uint32(len(be)))
		buf = append(buf, sign)
	}
	for i := len(be) - 1; i >= 0; i-- {
		buf = append(buf, be[i])
	}
	return buf, nil
}
