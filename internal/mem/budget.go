// Package mem accounts for the buffers that outlive a single op:
// rasterization records and derived mip levels. Op outputs are plain
// tensors owned by the caller.
package mem

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrResource is matched by every ResourceError.
var ErrResource = errors.New("mem: resource exhausted")

// ResourceError reports an allocation that would exceed the budget.
type ResourceError struct {
	What      string
	Requested int64
	InUse     int64
	Limit     int64
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("mem: %s needs %d bytes, %d of %d in use", e.What, e.Requested, e.InUse, e.Limit)
}

func (e *ResourceError) Is(target error) bool { return target == ErrResource }

// Budget caps the bytes held by outstanding leases. A zero or negative
// limit means unlimited. Budget is safe for concurrent use.
type Budget struct {
	limit int64
	used  atomic.Int64
}

// NewBudget returns a budget with the given limit in bytes.
func NewBudget(limit int64) *Budget {
	return &Budget{limit: limit}
}

// Acquire reserves n bytes. The returned lease must be released exactly
// once; extra calls to Release are no-ops.
func (b *Budget) Acquire(what string, n int64) (*Lease, error) {
	if b == nil {
		return &Lease{}, nil
	}
	for {
		cur := b.used.Load()
		if b.limit > 0 && cur+n > b.limit {
			return nil, &ResourceError{What: what, Requested: n, InUse: cur, Limit: b.limit}
		}
		if b.used.CompareAndSwap(cur, cur+n) {
			return &Lease{budget: b, n: n}, nil
		}
	}
}

// InUse returns the number of reserved bytes.
func (b *Budget) InUse() int64 {
	if b == nil {
		return 0
	}
	return b.used.Load()
}

// Limit returns the configured limit.
func (b *Budget) Limit() int64 {
	if b == nil {
		return 0
	}
	return b.limit
}

// Lease is a reservation returned by Acquire.
type Lease struct {
	budget *Budget
	n      int64
	once   sync.Once
}

// Release returns the reserved bytes to the budget. It is safe on a nil lease.
func (l *Lease) Release() {
	if l == nil || l.budget == nil {
		return
	}
	l.once.Do(func() { l.budget.used.Add(-l.n) })
}

// Size returns the reserved byte count.
func (l *Lease) Size() int64 {
	if l == nil {
		return 0
	}
	return l.n
}

// Scope groups leases so that a whole forward/backward pair can be
// released at once.
type Scope struct {
	mu     sync.Mutex
	leases []*Lease
}

// Float32s reserves and allocates a zeroed slice of n float32 values held
// by the scope.
func (s *Scope) Float32s(b *Budget, what string, n int) ([]float32, error) {
	l, err := b.Acquire(what, int64(n)*4)
	if err != nil {
		return nil, err
	}
	s.Hold(l)
	return make([]float32, n), nil
}

// Hold adds a lease to the scope.
func (s *Scope) Hold(l *Lease) {
	s.mu.Lock()
	s.leases = append(s.leases, l)
	s.mu.Unlock()
}

// Release releases every held lease.
func (s *Scope) Release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	leases := s.leases
	s.leases = nil
	s.mu.Unlock()
	for _, l := range leases {
		l.Release()
	}
}

// Bytes returns the total size of the held leases.
func (s *Scope) Bytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, l := range s.leases {
		n += l.Size()
	}
	return n
}
