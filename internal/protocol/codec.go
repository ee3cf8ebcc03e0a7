package protocol

import (
	"encoding/binary"
	"strconv"
	"strings"
)

// AppendUint8 appends v to buf.
func AppendUint8(buf []byte, v uint8) []byte {
	return append(buf, v)
}

// AppendUint16 appends v to buf in big-endian order.
func AppendUint16(buf []byte, v uint16) []byte {
	return binary.BigEndian.AppendUint16(buf, v)
}

// AppendUint32 appends v to buf in big-endian order.
func AppendUint32(buf []byte, v uint32) []byte {
	return binary.BigEndian.AppendUint32(buf, v)
}

// AppendString appends the raw bytes of s to buf.
func AppendString(buf []byte, s string) []byte {
	return append(buf, s...)
}

// AppendLength16 appends a 2-byte length prefix followed by body.
func AppendLength16(buf []byte, body []byte) ([]byte, error) {
	if len(body) > int(^uint16(0)) {
		return nil, ErrInvalidLength
	}
	buf = AppendUint16(buf, uint16(len(body)))
	return append(buf, body...), nil
}

// AppendLength32 appends a 4-byte length prefix followed by body.
func AppendLength32(buf []byte, body []byte) ([]byte, error) {
	if uint64(len(body)) > uint64(^uint32(0)) {
		return nil, ErrInvalidLength
	}
	buf = AppendUint32(buf, uint32(len(body)))
	return append(buf, body...), nil
}

// ReadUint reads a big-endian unsigned integer of 1, 2 or 4 bytes from the
// start of buf.
func ReadUint(buf []byte, size int) (uint32, error) {
	if size != 1 && size != 2 && size != 4 {
		return 0, ErrInvalidLength
	}
	if len(buf) < size {
		return 0, ErrTruncated
	}
	switch size {
	case 1:
		return uint32(buf[0]), nil
	case 2:
		return uint32(binary.BigEndian.Uint16(buf)), nil
	default:
		return binary.BigEndian.Uint32(buf), nil
	}
}

// FormatBytes renders buf as an Erlang binary literal, e.g. <<1,2,3>>.
func FormatBytes(buf []byte) string {
	var b strings.Builder
	b.Grow(4 + 4*len(buf))
	b.WriteString("<<")
	for i, c := range buf {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(int(c)))
	}
	b.WriteString(">>")
	return b.String()
}
