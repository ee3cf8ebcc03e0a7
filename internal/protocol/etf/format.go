package etf

import (
	"strconv"
	"strings"

	"github.com/danmuck/erlnode/internal/protocol"
)

// Format renders t in Erlang term syntax.
func Format(t Term) string {
	var b strings.Builder
	writeTerm(&b, t)
	return b.String()
}

func writeTerm(b *strings.Builder, t Term) {
	switch v := t.(type) {
	case nil:
		b.WriteString("undefined")
	case SmallInt:
		b.WriteString(strconv.Itoa(int(v)))
	case Int:
		b.WriteString(strconv.Itoa(int(v)))
	case Float:
		b.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 64))
	case Atom:
		b.WriteString(formatAtom(v))
	case String:
		b.WriteString(strconv.Quote(string(v)))
	case Binary:
		b.WriteString(protocol.FormatBytes(v))
	case BigInt:
		if v.Int == nil {
			b.WriteString("0")
			return
		}
		b.WriteString(v.Int.String())
	case Nil:
		b.WriteString("[]")
	case Tuple:
		b.WriteByte('{')
		for i, elem := range v {
			if i > 0 {
				b.WriteByte(',')
			}
			writeTerm(b, elem)
		}
		b.WriteByte('}')
	case List:
		b.WriteByte('[')
		for i, elem := range v.Elems {
			if i > 0 {
				b.WriteByte(',')
			}
			writeTerm(b, elem)
		}
		if !v.Proper() && v.Tail != nil {
			b.WriteByte('|')
			writeTerm(b, v.Tail)
		}
		b.WriteByte(']')
	case Pid:
		b.WriteString("#Pid<")
		b.WriteString(string(v.Node))
		b.WriteByte('.')
		b.WriteString(strconv.FormatUint(uint64(v.ID), 10))
		b.WriteByte('.')
		b.WriteString(strconv.FormatUint(uint64(v.Serial), 10))
		b.WriteByte('>')
	case Port:
		b.WriteString("#Port<")
		b.WriteString(string(v.Node))
		b.WriteByte('.')
		b.WriteString(strconv.FormatUint(uint64(v.ID), 10))
		b.WriteByte('>')
	case Reference:
		b.WriteString("#Ref<")
		b.WriteString(string(v.Node))
		b.WriteByte('.')
		b.WriteString(strconv.FormatUint(uint64(v.ID), 10))
		b.WriteByte('>')
	case NewReference:
		b.WriteString("#Ref<")
		b.WriteString(string(v.Node))
		for _, id := range v.ID {
			b.WriteByte('.')
			b.WriteString(strconv.FormatUint(uint64(id), 10))
		}
		b.WriteByte('>')
	}
}

func formatAtom(a Atom) string {
	if a == "" {
		return "''"
	}
	plain := a[0] >= 'a' && a[0] <= 'z'
	for i := 0; plain && i < len(a); i++ {
		c := a[i]
		plain = c == '_' || c == '@' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
	}
	if plain {
		return string(a)
	}
	return "'" + strings.ReplaceAll(string(a), "'", "\\'") + "'"
}
