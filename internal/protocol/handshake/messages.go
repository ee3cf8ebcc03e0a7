package handshake

import (
	"encoding/binary"
	"fmt"

	"github.com/danmuck/erlnode/internal/auth"
	"github.com/danmuck/erlnode/internal/protocol"
)

// DistVersion is the only distribution version this node speaks.
const DistVersion = 5

const (
	tagName   byte = 'n'
	tagStatus byte = 's'
	tagReply  byte = 'r'
	tagAck    byte = 'a'
)

// Status values sent after the peer's name message.
const (
	StatusOK         = "ok"
	StatusNotAllowed = "not_allowed"
)

// nameMessage is the peer's opening message.
type nameMessage struct {
	versionLow  uint8
	versionHigh uint8
	flags       Flags
	name        string
}

func decodeName(body []byte) (nameMessage, error) {
	// 'n', two version bytes, four flag bytes, then the name.
	if len(body) < 8 {
		return nameMessage{}, fmt.Errorf("%w: name message of %d bytes", ErrMalformedMessage, len(body))
	}
	return nameMessage{
		versionLow:  body[1],
		versionHigh: body[2],
		flags:       Flags(binary.BigEndian.Uint32(body[3:7])),
		name:        string(body[7:]),
	}, nil
}

func decodeReply(body []byte) (counter uint32, digest []byte, err error) {
	if len(body) != 1+4+auth.DigestSize {
		return 0, nil, fmt.Errorf("%w: challenge reply of %d bytes", ErrMalformedMessage, len(body))
	}
	return binary.BigEndian.Uint32(body[1:5]), body[5:], nil
}

func appendStatus(buf []byte, status string) []byte {
	body := append([]byte{tagStatus}, status...)
	buf, _ = protocol.AppendLength16(buf, body)
	return buf
}

func appendChallenge(buf []byte, flags Flags, challenge uint32, name string) ([]byte, error) {
	body := []byte{tagName}
	body = protocol.AppendUint16(body, DistVersion)
	body = protocol.AppendUint32(body, uint32(flags))
	body = protocol.AppendUint32(body, challenge)
	body = protocol.AppendString(body, name)
	return protocol.AppendLength16(buf, body)
}

func appendAck(buf []byte, digest [auth.DigestSize]byte) []byte {
	body := append([]byte{tagAck}, digest[:]...)
	buf, _ = protocol.AppendLength16(buf, body)
	return buf
}

// EncodeName builds the name message a connecting node sends. The version
// pair is written as the low and high bytes of the range.
func EncodeName(flags Flags, name string) ([]byte, error) {
	body := []byte{tagName, DistVersion, DistVersion}
	body = protocol.AppendUint32(body, uint32(flags))
	body = protocol.AppendString(body, name)
	return protocol.AppendLength16(nil, body)
}

// EncodeReply builds a challenge reply: the connecting node's own
// challenge and its digest of the challenge it received.
func EncodeReply(counter uint32, digest [auth.DigestSize]byte) []byte {
	body := []byte{tagReply}
	body = protocol.AppendUint32(body, counter)
	body = append(body, digest[:]...)
	buf, _ := protocol.AppendLength16(nil, body)
	return buf
}
