// Package grad accumulates gradients that many work units write to the same
// targets: vertices shared by triangles, texels sampled by many pixels.
//
// Each work unit appends keyed partial gradients to its own Shard without
// synchronization. Arena.Reduce then sums the shards by key in shard order,
// so the result does not depend on goroutine scheduling.
package grad

import (
	"golang.org/x/exp/constraints"

	"diffrast/internal/parallel"
)

// Shard holds the partial gradients of one work unit. Entries are width
// values long and keyed by target index.
type Shard[T constraints.Float] struct {
	width int
	keys  []int
	vals  []T
}

// Slot returns a zeroed entry for key that the caller fills in. Consecutive
// requests for the same key share one entry. The slice is valid until the
// next call to Slot or Add.
func (s *Shard[T]) Slot(key int) []T {
	if n := len(s.keys); n > 0 && s.keys[n-1] == key {
		return s.vals[(n-1)*s.width : n*s.width]
	}
	s.keys = append(s.keys, key)
	off := len(s.vals)
	for range s.width {
		s.vals = append(s.vals, 0)
	}
	return s.vals[off : off+s.width]
}

// Add accumulates v (scaled by w) into the entry for key.
func (s *Shard[T]) Add(key int, w T, v []T) {
	slot := s.Slot(key)
	for i := range slot {
		slot[i] += w * v[i]
	}
}

// AddAt accumulates a single value into channel ch of the entry for key.
func (s *Shard[T]) AddAt(key, ch int, v T) {
	s.Slot(key)[ch] += v
}

// Len returns the number of entries.
func (s *Shard[T]) Len() int { return len(s.keys) }

// Reset drops all entries but keeps the storage.
func (s *Shard[T]) Reset() {
	s.keys = s.keys[:0]
	s.vals = s.vals[:0]
}

// Arena owns one shard per work unit.
type Arena[T constraints.Float] struct {
	width  int
	shards []Shard[T]
}

// NewArena returns an arena for units work units and entries of width values.
func NewArena[T constraints.Float](units, width int) *Arena[T] {
	a := &Arena[T]{width: width, shards: make([]Shard[T], units)}
	for i := range a.shards {
		a.shards[i].width = width
	}
	return a
}

// Shard returns the shard of work unit i. Only that unit may write to it.
func (a *Arena[T]) Shard(i int) *Shard[T] { return &a.shards[i] }

// Width returns the entry width.
func (a *Arena[T]) Width() int { return a.width }

// Entries returns the total entry count over all shards.
func (a *Arena[T]) Entries() int {
	n := 0
	for i := range a.shards {
		n += a.shards[i].Len()
	}
	return n
}

// Reduce adds every entry into dst at key*width. The key space is split
// into ranges handled by separate goroutines; inside a range, shards are
// visited in unit order. Keys must satisfy 0 <= key < len(dst)/width.
func (a *Arena[T]) Reduce(dst []T, workers int) error {
	nkeys := len(dst) / a.width
	ranges := parallel.Ranges(nkeys, parallel.Workers(workers))
	return parallel.For(len(ranges), workers, func(r int) error {
		lo, hi := ranges[r][0], ranges[r][1]
		for si := range a.shards {
			s := &a.shards[si]
			for e, key := range s.keys {
				if key < lo || key >= hi {
					continue
				}
				src := s.vals[e*a.width : (e+1)*a.width]
				out := dst[key*a.width : (key+1)*a.width]
				for c, v := range src {
					out[c] += v
				}
			}
		}
		return nil
	})
}
