package tensor

import (
	"errors"
	"fmt"
)

var (
	// ErrShape is matched by every ShapeError.
	ErrShape = errors.New("tensor: shape mismatch")

	// ErrIndexRange is matched by every IndexError.
	ErrIndexRange = errors.New("tensor: index out of range")
)

// ShapeError reports mismatched dimensions between paired inputs.
type ShapeError struct {
	Op     string // operation that validated the input
	Name   string // input name, e.g. "attr"
	Got    []int
	Want   []int // -1 entries match any size
	Reason string
}

func (e *ShapeError) Error() string {
	msg := fmt.Sprintf("%s: input %s has shape %v", e.Op, e.Name, e.Got)
	if e.Want != nil {
		msg += fmt.Sprintf(", want %v", wantString(e.Want))
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *ShapeError) Is(target error) bool { return target == ErrShape }

// IndexError reports a triangle index or triangle id outside its valid range.
type IndexError struct {
	Op    string
	What  string // "vertex index" or "triangle id"
	Index int
	Limit int // valid indices are [0, Limit)
	Pos   int // flat position of the offending element
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("%s: %s %d at element %d outside [0, %d)", e.Op, e.What, e.Index, e.Pos, e.Limit)
}

func (e *IndexError) Is(target error) bool { return target == ErrIndexRange }

func wantString(want []int) string {
	s := "["
	for i, d := range want {
		if i > 0 {
			s += " "
		}
		if d < 0 {
			s += "*"
		} else {
			s += fmt.Sprint(d)
		}
	}
	return s + "]"
}

// Expect checks that t has the given rank and sizes. A negative entry in want
// matches any size. A nil tensor fails with a ShapeError.
func Expect(op, name string, t *Tensor, want ...int) error {
	if t == nil {
		return &ShapeError{Op: op, Name: name, Want: want, Reason: "missing"}
	}
	if len(t.Shape) != len(want) {
		return &ShapeError{Op: op, Name: name, Got: t.Shape, Want: want}
	}
	for i, d := range want {
		if d >= 0 && t.Shape[i] != d {
			return &ShapeError{Op: op, Name: name, Got: t.Shape, Want: want}
		}
	}
	if len(t.Data) != Numel(t.Shape...) {
		return &ShapeError{Op: op, Name: name, Got: t.Shape, Want: want,
			Reason: fmt.Sprintf("holds %d values", len(t.Data))}
	}
	return nil
}

// ExpectBatch checks that a leading dimension is either 1 (broadcast) or b.
func ExpectBatch(op, name string, t *Tensor, b int) error {
	if n := t.Shape[0]; n != 1 && n != b {
		return &ShapeError{Op: op, Name: name, Got: t.Shape,
			Reason: fmt.Sprintf("batch %d is neither 1 nor %d", n, b)}
	}
	return nil
}
