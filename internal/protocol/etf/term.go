package etf

import (
	"math/big"
)

// Kind identifies the variant of a Term.
type Kind uint8

const (
	KindSmallInt Kind = iota + 1
	KindInt
	KindFloat
	KindAtom
	KindReference
	KindNewReference
	KindPort
	KindPid
	KindTuple
	KindNil
	KindList
	KindString
	KindBinary
	KindBigInt
)

func (k Kind) String() string {
	switch k {
	case KindSmallInt:
		return "small_integer"
	case KindInt:
		return "integer"
	case KindFloat:
		return "float"
	case KindAtom:
		return "atom"
	case KindReference:
		return "reference"
	case KindNewReference:
		return "new_reference"
	case KindPort:
		return "port"
	case KindPid:
		return "pid"
	case KindTuple:
		return "tuple"
	case KindNil:
		return "nil"
	case KindList:
		return "list"
	case KindString:
		return "string"
	case KindBinary:
		return "binary"
	case KindBigInt:
		return "big_integer"
	default:
		return "unknown"
	}
}

// Term is one decoded external term. The set of implementations is closed:
// only the types in this package satisfy it.
type Term interface {
	Kind() Kind
	isTerm()
}

// SmallInt is an unsigned integer in 0..255.
type SmallInt uint8

// Int is a signed 32-bit integer.
type Int int32

// Float is an IEEE double carried in the 31-byte ASCII form.
type Float float64

// Atom is an interned symbolic name.
type Atom string

// Reference is an old-style reference with a single id word.
type Reference struct {
	Node     Atom
	ID       uint32
	Creation uint8
}

// NewReference is an extended reference with a variable number of id words.
type NewReference struct {
	Node     Atom
	ID       []uint32
	Creation uint8
}

// Port identifies a port on Node.
type Port struct {
	Node     Atom
	ID       uint32
	Creation uint8
}

// Pid identifies a process on Node.
type Pid struct {
	Node     Atom
	ID       uint32
	Serial   uint32
	Creation uint8
}

// Tuple is a fixed-arity ordered sequence.
type Tuple []Term

// Nil is the empty list.
type Nil struct{}

// List is a non-empty list. Tail is Nil for proper lists and any other
// term for improper (dotted) lists.
type List struct {
	Elems []Term
	Tail  Term
}

// String is a byte sequence sent as STRING_EXT. Erlang treats it as a list
// of small integers; Elems returns that view.
type String string

// Binary is a raw byte sequence.
type Binary []byte

// BigInt is an arbitrary-precision integer.
type BigInt struct {
	*big.Int
}

func (SmallInt) Kind() Kind     { return KindSmallInt }
func (Int) Kind() Kind          { return KindInt }
func (Float) Kind() Kind        { return KindFloat }
func (Atom) Kind() Kind         { return KindAtom }
func (Reference) Kind() Kind    { return KindReference }
func (NewReference) Kind() Kind { return KindNewReference }
func (Port) Kind() Kind         { return KindPort }
func (Pid) Kind() Kind          { return KindPid }
func (Tuple) Kind() Kind        { return KindTuple }
func (Nil) Kind() Kind          { return KindNil }
func (List) Kind() Kind         { return KindList }
func (String) Kind() Kind       { return KindString }
func (Binary) Kind() Kind       { return KindBinary }
func (BigInt) Kind() Kind       { return KindBigInt }

func (SmallInt) isTerm()     {}
func (Int) isTerm()          {}
func (Float) isTerm()        {}
func (Atom) isTerm()         {}
func (Reference) isTerm()    {}
func (NewReference) isTerm() {}
func (Port) isTerm()         {}
func (Pid) isTerm()          {}
func (Tuple) isTerm()        {}
func (Nil) isTerm()          {}
func (List) isTerm()         {}
func (String) isTerm()       {}
func (Binary) isTerm()       {}
func (BigInt) isTerm()       {}

// Elems returns the string as a list of small integers.
func (s String) Elems() []Term {
	out := make([]Term, len(s))
	for i := 0; i < len(s); i++ {
		out[i] = SmallInt(s[i])
	}
	return out
}

// Proper reports whether the list ends in nil.
func (l List) Proper() bool {
	_, ok := l.Tail.(Nil)
	return ok
}

// NewBigInt wraps v. The caller must not modify v afterwards.
func NewBigInt(v *big.Int) BigInt {
	return BigInt{Int: v}
}

// Integer returns the integer value of t for any of the integer kinds.
func Integer(t Term) (*big.Int, bool) {
	switch v := t.(type) {
	case SmallInt:
		return big.NewInt(int64(v)), true
	case Int:
		return big.NewInt(int64(v)), true
	case BigInt:
		if v.Int == nil {
			return new(big.Int), true
		}
		return new(big.Int).Set(v.Int), true
	}
	return nil, false
}

// IntegerTerm returns the smallest integer kind that can carry v.
func IntegerTerm(v int64) Term {
	switch {
	case v >= 0 && v <= 255:
		return SmallInt(v)
	case v >= -1<<31 && v <= 1<<31-1:
		return Int(v)
	default:
		return NewBigInt(big.NewInt(v))
	}
}

// ProperList builds a proper list from elems; an empty list is Nil.
func ProperList(elems ...Term) Term {
	if len(elems) == 0 {
		return Nil{}
	}
	return List{Elems: elems, Tail: Nil{}}
}
