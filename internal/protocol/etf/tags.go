package etf

// VersionMagic prefixes a standalone external term.
const VersionMagic byte = 131

// Tag bytes of the External Term Format.
const (
	TagNewFloat     byte = 70
	TagBitBinary    byte = 77
	TagAtomCacheRef byte = 82
	TagSmallInteger byte = 97
	TagInteger      byte = 98
	TagFloat        byte = 99
	TagAtom         byte = 100
	TagReference    byte = 101
	TagPort         byte = 102
	TagPid          byte = 103
	TagSmallTuple   byte = 104
	TagLargeTuple   byte = 105
	TagNil          byte = 106
	TagString       byte = 107
	TagList         byte = 108
	TagBinary       byte = 109
	TagSmallBig     byte = 110
	TagLargeBig     byte = 111
	TagNewFun       byte = 112
	TagExport       byte = 113
	TagNewReference byte = 114
	TagSmallAtom    byte = 115
	TagFun          byte = 117
)

// floatSize is the fixed width of the ASCII float representation.
const floatSize = 31

// headerSize returns how many bytes follow tag before its variable part
// (or its whole payload, for fixed-size kinds). ok is false for tags the
// decoder does not know at all.
func headerSize(tag byte) (n int, ok bool) {
	switch tag {
	case TagSmallInteger, TagSmallAtom, TagSmallTuple, TagAtomCacheRef:
		return 1, true
	case TagInteger, TagBinary, TagLargeTuple, TagList:
		return 4, true
	case TagFloat:
		return floatSize, true
	case TagAtom, TagString, TagSmallBig, TagNewReference:
		return 2, true
	case TagLargeBig:
		return 5, true
	case TagNil, TagReference, TagPort, TagPid:
		return 0, true
	default:
		return 0, false
	}
}

func unsupported(tag byte) bool {
	switch tag {
	case TagNewFloat, TagBitBinary, TagNewFun, TagExport, TagFun:
		return true
	}
	return false
}

// nodeTrailer is the number of bytes following the node atom of a
// node-bearing term. words is the id word count of a new reference.
func nodeTrailer(tag byte, words int) int {
	switch tag {
	case TagReference, TagPort:
		return 5
	case TagPid:
		return 9
	case TagNewReference:
		return 1 + 4*words
	}
	return 0
}
