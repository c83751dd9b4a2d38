// Package set has the bitsets the analyses run on: block index sets for
// reachability and worklists, value index sets for liveness rounds.
package set

import (
	"math/bits"

	"tlog.app/go/tlog/tlwire"
)

type (
	Key interface {
		~int | ~int64
	}

	Bits[K Key] struct {
		b  []uint64
		b0 [2]uint64
	}
)

func MakeBits[K Key](sizehint int) Bits[K] {
	var s Bits[K]

	s.b = s.b0[:]
	s.grow(sizehint / 64)

	return s
}

func (s Bits[K]) Copy() Bits[K] {
	c := MakeBits[K](0)

	c.grow(len(s.b) - 1)
	copy(c.b, s.b)

	return c
}

func (s *Bits[K]) Set(k K) {
	i, j := int(k)/64, int(k)%64

	s.grow(i)

	s.b[i] |= 1 << j
}

func (s Bits[K]) IsSet(k K) bool {
	i, j := int(k)/64, int(k)%64

	if i >= len(s.b) {
		return false
	}

	return s.b[i]&(1<<j) != 0
}

func (s Bits[K]) Clear(k K) {
	i, j := int(k)/64, int(k)%64

	if i < len(s.b) {
		s.b[i] &^= 1 << j
	}
}

// Merge ors x in and reports whether s changed. Dataflow rounds key off it.
func (s *Bits[K]) Merge(x Bits[K]) (changed bool) {
	s.grow(len(x.b) - 1)

	for i, w := range x.b {
		if s.b[i]|w != s.b[i] {
			s.b[i] |= w
			changed = true
		}
	}

	return changed
}

func (s Bits[K]) Size() (r int) {
	for _, c := range s.b {
		r += bits.OnesCount64(c)
	}

	return r
}

// Range visits set keys in increasing order while f returns true.
func (s Bits[K]) Range(f func(k K) bool) {
	for i, x := range s.b {
		for x != 0 {
			j := bits.TrailingZeros64(x)
			x &^= 1 << j

			if !f(K(i*64 + j)) {
				return
			}
		}
	}
}

func (s Bits[K]) TlogAppend(b []byte) []byte {
	var e tlwire.LowEncoder

	if s.b == nil {
		return e.AppendNil(b)
	}

	b = e.AppendTag(b, tlwire.Array, -1)

	s.Range(func(k K) bool {
		b = e.AppendInt(b, int(k))

		return true
	})

	b = e.AppendBreak(b)

	return b
}

func (s *Bits[K]) grow(i int) {
	if s.b == nil {
		s.b = s.b0[:]
	}

	for i >= cap(s.b) {
		s.b = append(s.b[:cap(s.b)], 0)
	}

	s.b = s.b[:cap(s.b)]
}
