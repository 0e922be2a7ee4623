package texture

import (
	"fmt"

	"diffrast/internal/logging"
	"diffrast/internal/mem"
	"diffrast/internal/tensor"
)

// Pyramid is a mip chain. Level 0 is the base texture [B, H, W, C]; level
// k+1 halves each axis (rounding down, never below 1).
type Pyramid struct {
	Levels []*tensor.Tensor

	// built is set when levels above 0 were derived from the base, so their
	// gradients can be folded back into it.
	built bool
	scope mem.Scope
}

// MipSizes returns the (height, width) of every level for a base of h×w.
// maxLevel < 0 builds down to 1×1.
func MipSizes(h, w, maxLevel int) [][2]int {
	sizes := [][2]int{{h, w}}
	for (h > 1 || w > 1) && (maxLevel < 0 || len(sizes) <= maxLevel) {
		h, w = max(1, h/2), max(1, w/2)
		sizes = append(sizes, [2]int{h, w})
	}
	return sizes
}

// BuildPyramid derives the mip chain of base with a 2×2 box filter. Level
// storage is charged to budget until Release.
func BuildPyramid(base *tensor.Tensor, maxLevel int, budget *mem.Budget) (*Pyramid, error) {
	const op = "mipmap"
	if err := tensor.Expect(op, "tex", base, -1, -1, -1, -1); err != nil {
		return nil, err
	}
	bsz, c := base.Shape[0], base.Shape[3]
	sizes := MipSizes(base.Shape[1], base.Shape[2], maxLevel)

	p := &Pyramid{Levels: []*tensor.Tensor{base}, built: true}
	for _, sz := range sizes[1:] {
		data, err := p.scope.Float32s(budget, "mip level", bsz*sz[0]*sz[1]*c)
		if err != nil {
			p.Release()
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		lvl := &tensor.Tensor{Shape: []int{bsz, sz[0], sz[1], c}, Data: data}
		downsample(p.Levels[len(p.Levels)-1], lvl)
		p.Levels = append(p.Levels, lvl)
	}
	logging.Logger().Debug("mipmap: built pyramid", "levels", len(p.Levels), "base", base.Shape)
	return p, nil
}

// NewPyramid wraps caller-supplied levels. Their shapes must follow the
// halving policy of MipSizes. Level gradients of such a pyramid are not
// folded into the base.
func NewPyramid(levels []*tensor.Tensor) (*Pyramid, error) {
	const op = "mipmap"
	if len(levels) == 0 {
		return nil, &tensor.ShapeError{Op: op, Name: "mip", Reason: "no levels"}
	}
	if err := tensor.Expect(op, "mip[0]", levels[0], -1, -1, -1, -1); err != nil {
		return nil, err
	}
	b0, c0 := levels[0].Shape[0], levels[0].Shape[3]
	sizes := MipSizes(levels[0].Shape[1], levels[0].Shape[2], len(levels)-1)
	if len(sizes) < len(levels) {
		return nil, &tensor.ShapeError{Op: op, Name: "mip", Got: levels[len(levels)-1].Shape,
			Reason: fmt.Sprintf("%d levels exceed the %d a %v base allows", len(levels), len(sizes), levels[0].Shape)}
	}
	for i, l := range levels[1:] {
		if err := tensor.Expect(op, fmt.Sprintf("mip[%d]", i+1), l, b0, sizes[i+1][0], sizes[i+1][1], c0); err != nil {
			return nil, err
		}
	}
	return &Pyramid{Levels: levels}, nil
}

// NumLevels returns the level count.
func (p *Pyramid) NumLevels() int { return len(p.Levels) }

// Base returns level 0.
func (p *Pyramid) Base() *tensor.Tensor { return p.Levels[0] }

// Release returns derived level storage to the budget.
func (p *Pyramid) Release() {
	if p != nil {
		p.scope.Release()
	}
}

// boxTaps calls fn with the 4 source texels of destination texel (y, x);
// out-of-range taps clamp to the last row or column.
func boxTaps(sh, sw, y, x int, fn func(sy, sx int)) {
	y0, x0 := min(2*y, sh-1), min(2*x, sw-1)
	y1, x1 := min(2*y+1, sh-1), min(2*x+1, sw-1)
	fn(y0, x0)
	fn(y0, x1)
	fn(y1, x0)
	fn(y1, x1)
}

func downsample(src, dst *tensor.Tensor) {
	bsz, sh, sw, c := src.Shape[0], src.Shape[1], src.Shape[2], src.Shape[3]
	dh, dw := dst.Shape[1], dst.Shape[2]
	for b := range bsz {
		for y := range dh {
			for x := range dw {
				out := dst.Data[((b*dh+y)*dw+x)*c:][:c]
				boxTaps(sh, sw, y, x, func(sy, sx int) {
					in := src.Data[((b*sh+sy)*sw+sx)*c:][:c]
					for ch, v := range in {
						out[ch] += 0.25 * v
					}
				})
			}
		}
	}
}

// FoldGrad maps per-level gradients back onto the base texture through the
// transpose of the box filter. grads must mirror Levels. For caller-supplied
// pyramids the base gradient is returned unchanged.
func (p *Pyramid) FoldGrad(grads []*tensor.Tensor) *tensor.Tensor {
	if !p.built {
		return grads[0].Clone()
	}
	acc := grads[len(grads)-1].Clone()
	for k := len(grads) - 1; k > 0; k-- {
		dst := grads[k-1].Clone()
		bsz, dh, dw, c := dst.Shape[0], dst.Shape[1], dst.Shape[2], dst.Shape[3]
		sh, sw := acc.Shape[1], acc.Shape[2]
		for b := range bsz {
			for y := range sh {
				for x := range sw {
					g := acc.Data[((b*sh+y)*sw+x)*c:][:c]
					boxTaps(dh, dw, y, x, func(ty, tx int) {
						out := dst.Data[((b*dh+ty)*dw+tx)*c:][:c]
						for ch, v := range g {
							out[ch] += 0.25 * v
						}
					})
				}
			}
		}
		acc = dst
	}
	return acc
}
