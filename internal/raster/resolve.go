package raster

import (
	"fmt"

	"diffrast/internal/parallel"
	"diffrast/internal/tensor"
)

// Resolve box-filters a [B, kH, kW, C] per-sample tensor down to
// [B, H, W, C], where k*k is the multisample count of the records the
// samples came from.
func Resolve(x *tensor.Tensor, samples, workers int) (*tensor.Tensor, error) {
	const op = "resolve"
	k, err := resolveFactor(op, x, samples)
	if err != nil {
		return nil, err
	}
	bsz, h, w, c := x.Shape[0], x.Shape[1]/k, x.Shape[2]/k, x.Shape[3]
	out := tensor.New(bsz, h, w, c)
	inv := 1 / float32(k*k)
	sw := w * k

	units := parallel.Bands(bsz, h, workers, 8)
	err = parallel.For(len(units), workers, func(i int) error {
		u := units[i]
		for y := u.Y0; y < u.Y1; y++ {
			for xx := range w {
				dst := out.Data[((u.Image*h+y)*w+xx)*c:][:c]
				for sy := range k {
					row := (u.Image*h*k + y*k + sy) * sw
					for sx := range k {
						src := x.Data[(row+xx*k+sx)*c:][:c]
						for ch, v := range src {
							dst[ch] += v
						}
					}
				}
				for ch := range dst {
					dst[ch] *= inv
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ResolveBackward spreads a [B, H, W, C] gradient evenly over the samples
// of each pixel.
func ResolveBackward(dy *tensor.Tensor, samples, workers int) (*tensor.Tensor, error) {
	const op = "resolve backward"
	k := SampleFactor(samples)
	if k == 0 {
		return nil, fmt.Errorf("%s: multisample count %d is not a perfect square: %w", op, samples, tensor.ErrShape)
	}
	if err := tensor.Expect(op, "dy", dy, -1, -1, -1, -1); err != nil {
		return nil, err
	}
	bsz, h, w, c := dy.Shape[0], dy.Shape[1], dy.Shape[2], dy.Shape[3]
	out := tensor.New(bsz, h*k, w*k, c)
	inv := 1 / float32(k*k)
	sw := w * k

	units := parallel.Bands(bsz, h, workers, 8)
	err := parallel.For(len(units), workers, func(i int) error {
		u := units[i]
		for y := u.Y0; y < u.Y1; y++ {
			for xx := range w {
				src := dy.Data[((u.Image*h+y)*w+xx)*c:][:c]
				for sy := range k {
					row := (u.Image*h*k + y*k + sy) * sw
					for sx := range k {
						dst := out.Data[(row+xx*k+sx)*c:][:c]
						for ch, v := range src {
							dst[ch] = v * inv
						}
					}
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func resolveFactor(op string, x *tensor.Tensor, samples int) (int, error) {
	k := SampleFactor(samples)
	if k == 0 {
		return 0, fmt.Errorf("%s: multisample count %d is not a perfect square: %w", op, samples, tensor.ErrShape)
	}
	if err := tensor.Expect(op, "x", x, -1, -1, -1, -1); err != nil {
		return 0, err
	}
	if x.Shape[1]%k != 0 || x.Shape[2]%k != 0 {
		return 0, &tensor.ShapeError{Op: op, Name: "x", Got: x.Shape, Reason: fmt.Sprintf("sample grid is not a multiple of %d", k)}
	}
	return k, nil
}
