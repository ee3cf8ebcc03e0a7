package etf

import (
	"errors"
	"fmt"
)

var (
	ErrNoAtomCacheTable    = errors.New("etf: atom cache reference before any table was installed")
	ErrAtomCacheIndex      = errors.New("etf: atom cache reference index out of range")
	ErrUnknownAtomCacheRef = errors.New("etf: unknown atom cache entry")
	ErrAtomCacheSegment    = errors.New("etf: atom cache segment out of range")
)

// MaxAtomCacheSegment is the highest segment index a flag nibble can carry.
const MaxAtomCacheSegment = 7

// AtomResolver resolves ATOM_CACHE_REF indexes into atoms.
type AtomResolver interface {
	Lookup(index uint8) (Atom, error)
}

// AtomCacheEntry is one reference of a frame's atom cache table.
type AtomCacheEntry struct {
	New     bool
	Segment uint8
	Index   uint8
	Atom    Atom
}

// Key returns the cache slot of the entry.
func (e AtomCacheEntry) Key() uint16 {
	return uint16(e.Segment)<<8 | uint16(e.Index)
}

// AtomCache holds the atoms a peer has announced on one connection, plus
// the reference table of the frame currently being decoded.
type AtomCache struct {
	atoms map[uint16]Atom
	table []AtomCacheEntry
	set   bool
}

func NewAtomCache() *AtomCache {
	return &AtomCache{atoms: make(map[uint16]Atom)}
}

// SetTable stores the new entries and installs entries as the table that
// Lookup indexes into.
func (c *AtomCache) SetTable(entries []AtomCacheEntry) error {
	for i, e := range entries {
		if e.Segment > MaxAtomCacheSegment {
			return fmt.Errorf("%w: entry %d segment %d", ErrAtomCacheSegment, i, e.Segment)
		}
	}
	for _, e := range entries {
		if e.New {
			c.atoms[e.Key()] = e.Atom
		}
	}
	c.table = append(c.table[:0], entries...)
	c.set = true
	return nil
}

// Lookup resolves the index-th reference of the installed table.
func (c *AtomCache) Lookup(index uint8) (Atom, error) {
	if !c.set {
		return "", ErrNoAtomCacheTable
	}
	if int(index) >= len(c.table) {
		return "", fmt.Errorf("%w: %d of %d", ErrAtomCacheIndex, index, len(c.table))
	}
	e := c.table[index]
	if e.New {
		return e.Atom, nil
	}
	atom, ok := c.atoms[e.Key()]
	if !ok {
		return "", fmt.Errorf("%w: segment=%d index=%d", ErrUnknownAtomCacheRef, e.Segment, e.Index)
	}
	return atom, nil
}

// Len returns the number of cached atoms.
func (c *AtomCache) Len() int {
	return len(c.atoms)
}
