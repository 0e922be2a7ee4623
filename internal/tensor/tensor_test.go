package tensor

import (
	"errors"
	"testing"
)

func TestExpect(t *testing.T) {
	x := New(2, 3, 4)
	tests := []struct {
		name string
		t    *Tensor
		want []int
		ok   bool
	}{
		{"exact", x, []int{2, 3, 4}, true},
		{"wildcard", x, []int{-1, 3, -1}, true},
		{"wrong size", x, []int{2, 5, 4}, false},
		{"wrong rank", x, []int{2, 12}, false},
		{"nil", nil, []int{1}, false},
		{"short data", &Tensor{Shape: []int{2, 2}, Data: make([]float32, 3)}, []int{2, 2}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Expect("test", "x", tt.t, tt.want...)
			if tt.ok && err != nil {
				t.Fatalf("Expect() = %v, want nil", err)
			}
			if !tt.ok {
				if !errors.Is(err, ErrShape) {
					t.Fatalf("Expect() = %v, want ErrShape", err)
				}
				var se *ShapeError
				if !errors.As(err, &se) || se.Name != "x" {
					t.Errorf("errors.As did not expose the input name: %v", err)
				}
			}
		})
	}
}

func TestFromSlice(t *testing.T) {
	if _, err := FromSlice(make([]float32, 5), 2, 3); !errors.Is(err, ErrShape) {
		t.Errorf("FromSlice() = %v, want ErrShape", err)
	}
	x, err := FromSlice([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	if err != nil {
		t.Fatal(err)
	}
	if x.Dim(-1) != 3 || x.Rank() != 2 || x.Sum() != 21 {
		t.Errorf("unexpected tensor %v sum %v", x, x.Sum())
	}
}

func TestIndexErrorIs(t *testing.T) {
	var err error = &IndexError{Op: "interpolate", What: "triangle id", Index: 7, Limit: 3}
	if !errors.Is(err, ErrIndexRange) {
		t.Error("IndexError should match ErrIndexRange")
	}
	if errors.Is(err, ErrShape) {
		t.Error("IndexError should not match ErrShape")
	}
}
