package device

import "sync/atomic"

// Bio is a reference-counted I/O unit: a byte buffer plus the bookkeeping
// the write pipeline needs to fan one encoded chunk out to several device
// pointers without copying bytes per replica (spec §4.3 "clone the bio").
type Bio struct {
	Data []byte

	refs atomic.Int32
}

// NewBio wraps data in a Bio with a single reference.
func NewBio(data []byte) *Bio {
	b := &Bio{Data: data}
	b.refs.Store(1)
	return b
}

// Clone increments the reference count and returns the same Bio. The write
// pipeline takes one clone per pointer submission and releases its own
// original reference after the fan-out, since device submission doesn't
// mutate Data for a write.
func (b *Bio) Clone() *Bio {
	b.refs.Add(1)
	return b
}

// Release decrements the reference count and reports whether this was the
// last reference.
func (b *Bio) Release() bool {
	return b.refs.Add(-1) == 0
}

// Refs reports the current reference count, for tests.
func (b *Bio) Refs() int32 {
	return b.refs.Load()
}
