package etf

import (
	"math/big"
	"strings"
	"testing"

	"github.com/danmuck/erlnode/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func TestMarshalRoundTrip(t *testing.T) {
	testlog.Start(t)

	huge, ok := new(big.Int).SetString("-123456789012345678901234567890", 10)
	require.True(t, ok)

	terms := []Term{
		SmallInt(0),
		Int(-70000),
		Float(-0.25),
		Atom("net_kernel"),
		String("hello"),
		Binary{1, 2, 3},
		Nil{},
		Tuple{},
		Tuple{Atom("is_auth"), Pid{Node: "a@h", ID: 1, Serial: 2, Creation: 3}},
		ProperList(SmallInt(1), Atom("two"), Tuple{Nil{}}),
		List{Elems: []Term{SmallInt(1)}, Tail: Atom("tail")},
		NewBigInt(huge),
		Reference{Node: "a@h", ID: 4, Creation: 1},
		NewReference{Node: "a@h", ID: []uint32{1, 2, 3}, Creation: 2},
		Port{Node: "a@h", ID: 8, Creation: 0},
	}
	for _, term := range terms {
		b, err := Marshal(term)
		require.NoError(t, err, Format(term))
		got, err := Unmarshal(b)
		require.NoError(t, err, Format(term))
		require.Equal(t, term, got, Format(term))
	}
}

// Byte-level round trips hold per atom form: ATOM_EXT input with the zero
// Encoder, SMALL_ATOM_EXT input with SmallAtoms set.
func TestMarshalBytesRoundTripPerAtomForm(t *testing.T) {
	testlog.Start(t)

	cases := []struct {
		name string
		enc  Encoder
		wire []byte
	}{
		{"atom ext", Encoder{}, []byte{104, 2, 100, 0, 2, 'o', 'k', 103, 100, 0, 1, 'n', 0, 0, 0, 1, 0, 0, 0, 2, 3}},
		{"small atom ext", Encoder{SmallAtoms: true}, []byte{104, 2, 115, 2, 'o', 'k', 103, 115, 1, 'n', 0, 0, 0, 1, 0, 0, 0, 2, 3}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			term, err := Unmarshal(tc.wire)
			require.NoError(t, err)
			b, err := tc.enc.Marshal(term)
			require.NoError(t, err)
			require.Equal(t, tc.wire, b)
		})
	}

	long := Atom(strings.Repeat("x", 256))
	b, err := Encoder{SmallAtoms: true}.Marshal(long)
	require.NoError(t, err)
	require.Equal(t, []byte{100, 1, 0}, b[:3], "too long for SMALL_ATOM_EXT")
}

func TestMarshalStreamDecodesAcrossSplits(t *testing.T) {
	testlog.Start(t)

	var stream []byte
	want := []Term{
		Tuple{SmallInt(2), Atom(""), Pid{Node: "b@h", ID: 5}},
		ProperList(String("x"), Binary{}),
		Float(3.0),
	}
	for _, term := range want {
		var err error
		stream, err = AppendTerm(stream, term)
		require.NoError(t, err)
	}
	feedSplit(t, stream, want)
}

func TestMarshalExternalPrefixesMagic(t *testing.T) {
	testlog.Start(t)

	b, err := MarshalExternal(Atom("ok"))
	require.NoError(t, err)
	require.Equal(t, []byte{131, 100, 0, 2, 'o', 'k'}, b)
}

func TestMarshalWireForms(t *testing.T) {
	testlog.Start(t)

	b, err := Marshal(NewBigInt(big.NewInt(-12)))
	require.NoError(t, err)
	require.Equal(t, []byte{110, 1, 1, 12}, b)

	b, err = Marshal(List{Elems: []Term{SmallInt(4)}, Tail: SmallInt(5)})
	require.NoError(t, err)
	require.Equal(t, []byte{108, 0, 0, 0, 1, 97, 4, 97, 5}, b)

	b, err = Marshal(Float(1.5))
	require.NoError(t, err)
	require.Len(t, b, 32)
	require.Equal(t, TagFloat, b[0])

	wide := make(Tuple, 300)
	for i := range wide {
		wide[i] = Nil{}
	}
	b, err = Marshal(wide)
	require.NoError(t, err)
	require.Equal(t, []byte{105, 0, 0, 1, 44}, b[:5])
}

func TestMarshalLongStringFallsBackToList(t *testing.T) {
	testlog.Start(t)

	s := String(strings.Repeat("a", 70000))
	b, err := Marshal(s)
	require.NoError(t, err)
	require.Equal(t, TagList, b[0])

	got, err := Unmarshal(b)
	require.NoError(t, err)
	l, ok := got.(List)
	require.True(t, ok)
	require.Len(t, l.Elems, 70000)
	require.True(t, l.Proper())
}

func TestMarshalRejects(t *testing.T) {
	testlog.Start(t)

	_, err := Marshal(nil)
	require.ErrorIs(t, err, ErrUnencodable)

	_, err = Marshal(Atom(strings.Repeat("a", 70000)))
	require.ErrorIs(t, err, ErrAtomTooLong)

	_, err = Marshal(Tuple{SmallInt(1), nil})
	require.ErrorIs(t, err, ErrUnencodable)
}

func TestIntegerTermPicksSmallestKind(t *testing.T) {
	require.Equal(t, SmallInt(200), IntegerTerm(200))
	require.Equal(t, Int(-1), IntegerTerm(-1))
	require.Equal(t, KindBigInt, IntegerTerm(1<<40).Kind())
}

func TestFormat(t *testing.T) {
	require.Equal(t, "{ok,'Hello',\"hi\",<<1,2>>,#Pid<a@h.1.0>}", Format(Tuple{
		Atom("ok"), Atom("Hello"), String("hi"), Binary{1, 2}, Pid{Node: "a@h", ID: 1},
	}))
	require.Equal(t, "[]", Format(Nil{}))
}
