// Package imageio converts color buffers to images and writes them as
// lossless WebP.
package imageio

import (
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/HugoSmits86/nativewebp"
	"golang.org/x/image/draw"

	"diffrast/internal/tensor"
)

// ToImage converts image b of a [B,H,W,C] color buffer with channels in
// [0, 1] to NRGBA. One channel is gray, two are red and green, three are
// RGB and four RGBA. Row 0 of the buffer is NDC y = -1, so flipY puts it at
// the bottom of the image.
func ToImage(t *tensor.Tensor, b int, flipY bool) (*image.NRGBA, error) {
	if err := tensor.Expect("imageio", "color", t, -1, -1, -1, -1); err != nil {
		return nil, err
	}
	bsz, h, w, c := t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3]
	if b < 0 || b >= bsz {
		return nil, &tensor.IndexError{Op: "imageio", What: "image", Index: b, Limit: bsz}
	}
	if c < 1 || c > 4 {
		return nil, &tensor.ShapeError{Op: "imageio", Name: "color", Got: t.Shape, Reason: "needs 1 to 4 channels"}
	}

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		sy := y
		if flipY {
			sy = h - 1 - y
		}
		for x := range w {
			src := t.Data[((b*h+sy)*w+x)*c:][:c]
			i := img.PixOffset(x, y)
			px := img.Pix[i : i+4]
			switch c {
			case 1:
				px[0], px[1], px[2] = clamp8(src[0]), clamp8(src[0]), clamp8(src[0])
			default:
				for k := range min(c, 3) {
					px[k] = clamp8(src[k])
				}
			}
			px[3] = 255
			if c == 4 {
				px[3] = clamp8(src[3])
			}
		}
	}
	return img, nil
}

// Scale resizes img by factor with premultiplied-alpha-aware CatmullRom
// filtering, which keeps transparent borders free of dark halos.
func Scale(img *image.NRGBA, factor float64) *image.NRGBA {
	b := img.Bounds()
	w, h := int(float64(b.Dx())*factor+0.5), int(float64(b.Dy())*factor+0.5)
	if factor == 1 || w <= 0 || h <= 0 {
		return img
	}

	// Premultiply alpha
	premul := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			si := img.PixOffset(x, y)
			di := premul.PixOffset(x, y)
			a := float64(img.Pix[si+3]) / 255.0
			premul.Pix[di] = uint8(float64(img.Pix[si])*a + 0.5)
			premul.Pix[di+1] = uint8(float64(img.Pix[si+1])*a + 0.5)
			premul.Pix[di+2] = uint8(float64(img.Pix[si+2])*a + 0.5)
			premul.Pix[di+3] = img.Pix[si+3]
		}
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), premul, premul.Bounds(), draw.Src, nil)

	// Unpremultiply alpha
	result := image.NewNRGBA(dst.Bounds())
	for y := range h {
		for x := range w {
			si := dst.PixOffset(x, y)
			di := result.PixOffset(x, y)
			a := float64(dst.Pix[si+3])
			if a > 1 {
				inv := 255.0 / a
				result.Pix[di] = clamp8f(float64(dst.Pix[si]) * inv)
				result.Pix[di+1] = clamp8f(float64(dst.Pix[si+1]) * inv)
				result.Pix[di+2] = clamp8f(float64(dst.Pix[si+2]) * inv)
			}
			result.Pix[di+3] = dst.Pix[si+3]
		}
	}
	return result
}

// WriteWebP encodes img as lossless WebP at path, creating parent
// directories.
func WriteWebP(path string, img image.Image) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("imageio: create dir for %s: %w", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("imageio: create %s: %w", path, err)
	}
	if err := nativewebp.Encode(f, img, nil); err != nil {
		f.Close()
		return fmt.Errorf("imageio: encode %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("imageio: close %s: %w", path, err)
	}
	return nil
}

func clamp8(v float32) uint8 {
	return clamp8f(float64(v) * 255)
}

func clamp8f(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v + 0.5)
}
