package texture

import (
	"fmt"
	"strings"
)

// Boundary selects how texel indices outside the image are mapped.
type Boundary int

const (
	Wrap   Boundary = iota // repeat with period W
	Clamp                  // clamp to the edge texel
	Mirror                 // reflect with period 2W
	Zero                   // out-of-range taps read zero
)

var boundaryNames = [...]string{"wrap", "clamp", "mirror", "zero"}

func (m Boundary) String() string {
	if m < 0 || int(m) >= len(boundaryNames) {
		return fmt.Sprintf("Boundary(%d)", int(m))
	}
	return boundaryNames[m]
}

// UnmarshalText parses a boundary mode name.
func (m *Boundary) UnmarshalText(text []byte) error {
	s := strings.ToLower(strings.TrimSpace(string(text)))
	for i, n := range boundaryNames {
		if s == n {
			*m = Boundary(i)
			return nil
		}
	}
	return fmt.Errorf("texture: unknown boundary mode %q", s)
}

func (m Boundary) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// index maps texel index i into [0, n). ok is false when the tap reads zero.
func (m Boundary) index(i, n int) (int, bool) {
	switch m {
	case Clamp:
		return min(max(i, 0), n-1), true
	case Mirror:
		p := 2 * n
		i = ((i % p) + p) % p
		if i >= n {
			i = p - 1 - i
		}
		return i, true
	case Zero:
		return i, i >= 0 && i < n
	default:
		return ((i % n) + n) % n, true
	}
}

// Filter selects the sampling filter.
type Filter int

const (
	Nearest Filter = iota
	Linear
	LinearMipmapNearest
	LinearMipmapLinear
	Anisotropic
)

var filterNames = [...]string{"nearest", "linear", "linear-mipmap-nearest", "linear-mipmap-linear", "anisotropic"}

func (f Filter) String() string {
	if f < 0 || int(f) >= len(filterNames) {
		return fmt.Sprintf("Filter(%d)", int(f))
	}
	return filterNames[f]
}

// UnmarshalText parses a filter name.
func (f *Filter) UnmarshalText(text []byte) error {
	s := strings.ToLower(strings.TrimSpace(string(text)))
	for i, n := range filterNames {
		if s == n {
			*f = Filter(i)
			return nil
		}
	}
	return fmt.Errorf("texture: unknown filter mode %q", s)
}

func (f Filter) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

// Mipmapped reports whether the filter reads levels above 0 and therefore
// needs UV derivatives.
func (f Filter) Mipmapped() bool {
	return f == LinearMipmapNearest || f == LinearMipmapLinear || f == Anisotropic
}
