package texture

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/ftrvxmtrx/tga"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"diffrast/internal/tensor"
)

// Load reads a TGA, JPEG, PNG or WebP file and returns a [1, H, W, 4]
// texture with channels in [0, 1]. Image row 0 becomes texel row 0.
func Load(path string) (*tensor.Tensor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("texture: read %s: %w", path, err)
	}

	var img image.Image
	switch strings.ToLower(filepath.Ext(path)) {
	case ".tga":
		// TGA has no magic number, so it never goes through image.Decode.
		img, err = tga.Decode(bytes.NewReader(raw))
	default:
		img, _, err = image.Decode(bytes.NewReader(raw))
	}
	if err != nil {
		return nil, fmt.Errorf("texture: decode %s: %w", path, err)
	}
	return FromImage(img), nil
}

// FromImage converts any image to a [1, H, W, 4] straight-alpha texture.
func FromImage(src image.Image) *tensor.Tensor {
	n, ok := src.(*image.NRGBA)
	if !ok {
		b := src.Bounds()
		n = image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(n, n.Bounds(), src, b.Min, draw.Src)
	}
	w, h := n.Rect.Dx(), n.Rect.Dy()
	t := tensor.New(1, h, w, 4)
	for y := range h {
		row := n.Pix[y*n.Stride:]
		for x := range w * 4 {
			t.Data[y*w*4+x] = float32(row[x]) / 255
		}
	}
	return t
}
