package frame

import (
	"fmt"

	"github.com/danmuck/erlnode/internal/protocol"
	"github.com/danmuck/erlnode/internal/protocol/etf"
)

const (
	flagNewEntry  = 0x08
	flagSegment   = 0x07
	flagLongAtoms = 0x01
)

// parseAtomCacheTable reads the flags region and the n references that
// follow it. It returns the entries and the number of bytes consumed.
func parseAtomCacheTable(b []byte, n int) ([]etf.AtomCacheEntry, int, error) {
	flagBytes := n/2 + 1
	if len(b) < flagBytes {
		return nil, 0, fmt.Errorf("%w: atom cache flags", protocol.ErrTruncated)
	}
	nibble := func(j int) byte {
		v := b[j/2]
		if j%2 == 1 {
			return v >> 4
		}
		return v & 0x0f
	}
	long := nibble(n)&flagLongAtoms != 0

	entries := make([]etf.AtomCacheEntry, n)
	off := flagBytes
	for j := 0; j < n; j++ {
		flags := nibble(j)
		if off >= len(b) {
			return nil, 0, fmt.Errorf("%w: atom cache reference %d", protocol.ErrTruncated, j)
		}
		e := etf.AtomCacheEntry{
			New:     flags&flagNewEntry != 0,
			Segment: flags & flagSegment,
			Index:   b[off],
		}
		off++
		if e.New {
			size := 1
			if long {
				size = 2
			}
			length, err := protocol.ReadUint(b[off:], size)
			if err != nil {
				return nil, 0, fmt.Errorf("%w: atom cache reference %d length", err, j)
			}
			off += size
			if len(b)-off < int(length) {
				return nil, 0, fmt.Errorf("%w: atom cache reference %d text", protocol.ErrTruncated, j)
			}
			e.Atom = etf.Atom(string(b[off : off+int(length)]))
			off += int(length)
		}
		entries[j] = e
	}
	return entries, off, nil
}

// appendAtomCacheTable writes the reference count followed by the table.
// An empty table is the count byte alone. Long atom
// lengths are used when any new atom exceeds 255 bytes.
func appendAtomCacheTable(buf []byte, entries []etf.AtomCacheEntry) ([]byte, error) {
	n := len(entries)
	if n > 255 {
		return nil, fmt.Errorf("%w: %d atom cache references", protocol.ErrInvalidLength, n)
	}
	if n == 0 {
		return append(buf, 0), nil
	}
	long := false
	for _, e := range entries {
		if e.New && len(e.Atom) > 255 {
			long = true
		}
	}
	flags := make([]byte, n/2+1)
	setNibble := func(j int, v byte) {
		if j%2 == 1 {
			flags[j/2] |= v << 4
		} else {
			flags[j/2] |= v & 0x0f
		}
	}
	for j, e := range entries {
		v := e.Segment & flagSegment
		if e.New {
			v |= flagNewEntry
		}
		setNibble(j, v)
	}
	if long {
		setNibble(n, flagLongAtoms)
	}
	buf = append(buf, byte(n))
	buf = append(buf, flags...)
	var err error
	for _, e := range entries {
		buf = append(buf, e.Index)
		if !e.New {
			continue
		}
		if long {
			if buf, err = protocol.AppendLength16(buf, []byte(e.Atom)); err != nil {
				return nil, err
			}
			continue
		}
		buf = append(buf, byte(len(e.Atom)))
		buf = protocol.AppendString(buf, string(e.Atom))
	}
	return buf, nil
}
