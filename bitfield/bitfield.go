// Package bitfield implements the peer-wire piece bitmap: one bit per piece,
// most significant bit first within each byte.
package bitfield

type Bitfield []byte

// New returns a zeroed bitfield large enough for n pieces.
func New(n int) Bitfield {
	return make(Bitfield, (n+7)/8)
}

// Has reports whether piece index is set. Out of range indexes are unset.
func (bf Bitfield) Has(index uint32) bool {
	byteIdx := index / 8
	if int(byteIdx) >= len(bf) {
		return false
	}
	return bf[byteIdx]&(1<<(7-index%8)) != 0
}

// Set marks piece index and reports whether it fit in the bitfield.
func (bf Bitfield) Set(index uint32) bool {
	byteIdx := index / 8
	if int(byteIdx) >= len(bf) {
		return false
	}
	bf[byteIdx] |= 1 << (7 - index%8)
	return true
}

// Union returns bf | other, sized to the longer of the two.
func (bf Bitfield) Union(other Bitfield) Bitfield {
	n := len(bf)
	if len(other) > n {
		n = len(other)
	}
	out := make(Bitfield, n)
	copy(out, bf)
	for i, b := range other {
		out[i] |= b
	}
	return out
}

func (bf Bitfield) Clone() Bitfield {
	if bf == nil {
		return nil
	}
	out := make(Bitfield, len(bf))
	copy(out, bf)
	return out
}

// Count returns the number of set bits.
func (bf Bitfield) Count() int {
	n := 0
	for _, b := range bf {
		for ; b != 0; b &= b - 1 {
			n++
		}
	}
	return n
}
