package etf

import (
	"fmt"

	"github.com/danmuck/erlnode/internal/protocol"
)

// Cursor is a read position over an accumulating byte buffer. Fragments are
// appended as they arrive; consumed bytes are dropped on the next Append.
type Cursor struct {
	buf   []byte
	off   int
	limit int
}

// NewCursor returns a cursor that refuses to hold more than limit undecoded
// bytes. A limit <= 0 disables the check.
func NewCursor(limit int) *Cursor {
	return &Cursor{limit: limit}
}

// Append adds p to the buffered bytes. The cursor copies p.
func (c *Cursor) Append(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if c.limit > 0 && c.Available()+len(p) > c.limit {
		return fmt.Errorf("%w: %d > %d", protocol.ErrBufferLimit, c.Available()+len(p), c.limit)
	}
	if c.off > 0 {
		n := copy(c.buf, c.buf[c.off:])
		c.buf = c.buf[:n]
		c.off = 0
	}
	c.buf = append(c.buf, p...)
	return nil
}

// Available returns the number of unread bytes.
func (c *Cursor) Available() int {
	return len(c.buf) - c.off
}

// Peek returns the next n bytes without consuming them. ok is false when
// fewer than n bytes are buffered.
func (c *Cursor) Peek(n int) (b []byte, ok bool) {
	if n < 0 || c.Available() < n {
		return nil, false
	}
	return c.buf[c.off : c.off+n], true
}

// Advance consumes n bytes. It panics if n exceeds Available.
func (c *Cursor) Advance(n int) {
	if n < 0 || n > c.Available() {
		panic("etf: cursor advance past end")
	}
	c.off += n
	if c.off == len(c.buf) {
		c.buf = c.buf[:0]
		c.off = 0
	}
}

// Take returns and consumes the next n bytes. The returned slice is only
// valid until the next Append.
func (c *Cursor) Take(n int) ([]byte, bool) {
	b, ok := c.Peek(n)
	if !ok {
		return nil, false
	}
	c.off += n
	return b, true
}

// Reset drops every buffered byte.
func (c *Cursor) Reset() {
	c.buf = c.buf[:0]
	c.off = 0
}
