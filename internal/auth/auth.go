// Package auth holds the shared-secret checks of a node: the distribution
// cookie used by the handshake, and the static token guarding the admin API.
package auth

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"strconv"
)

var (
	ErrUnauthorized   = errors.New("auth: unauthorized")
	ErrDigestMismatch = errors.New("auth: response does not match hash")
	ErrEmptyCookie    = errors.New("auth: empty cookie")
)

// DigestSize is the length of a challenge digest.
const DigestSize = md5.Size

// Cookie is the secret two nodes must share to connect.
type Cookie string

// Digest returns MD5(cookie ++ decimal(challenge)).
func (c Cookie) Digest(challenge uint32) [DigestSize]byte {
	buf := make([]byte, 0, len(c)+10)
	buf = append(buf, c...)
	buf = strconv.AppendUint(buf, uint64(challenge), 10)
	return md5.Sum(buf)
}

// Verify checks a peer's digest of challenge in constant time.
func (c Cookie) Verify(challenge uint32, digest []byte) error {
	want := c.Digest(challenge)
	if subtle.ConstantTimeCompare(want[:], digest) != 1 {
		return ErrDigestMismatch
	}
	return nil
}

// String hides the secret from logs.
func (c Cookie) String() string {
	if c == "" {
		return ""
	}
	return "********"
}

// NewChallenge returns a random 32-bit challenge.
func NewChallenge() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("auth: crypto/rand failed: " + err.Error())
	}
	return binary.BigEndian.Uint32(b[:])
}

// Validator validates an authentication token.
type Validator interface {
	Validate(token string) error
}

// StaticToken is a simple validator for a single shared token.
type StaticToken struct {
	Token string
}

func (s StaticToken) Validate(token string) error {
	if s.Token == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(token string) error

func (f FuncValidator) Validate(token string) error {
	return f(token)
}
