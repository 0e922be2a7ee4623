package diffrast

import (
	"fmt"

	"diffrast/internal/antialias"
	"diffrast/internal/interp"
	"diffrast/internal/raster"
	"diffrast/internal/texture"
)

// Rasterize covers an H×W grid for each image of pos [B,V,4] (clip space)
// with the triangles tri (3 indices each). samples must be 1 or a perfect
// square; the records then hold one entry per sample. The caller releases
// the records once their backward pass has run.
func (c *Context) Rasterize(pos *Tensor, tri []int32, height, width, samples int, wantDB bool) (*Records, error) {
	rec, err := c.producer.Rasterize(&raster.Mesh{Pos: pos, Tris: tri}, height, width, samples, wantDB)
	if err != nil {
		return nil, fmt.Errorf("diffrast: %w", err)
	}
	return rec, nil
}

// RasterizeBackward returns the [B,V,4] position gradient for gradients of
// the barycentric channels (dRast) and barycentric derivatives (dDB).
func (c *Context) RasterizeBackward(pos *Tensor, tri []int32, rec *Records, dRast, dDB *Tensor) (*Tensor, error) {
	g, err := c.producer.Backward(&raster.Mesh{Pos: pos, Tris: tri}, rec, dRast, dDB)
	if err != nil {
		return nil, fmt.Errorf("diffrast: %w", err)
	}
	return g, nil
}

// Interpolate returns attr [B or 1, V, C] interpolated over rec, and the
// screen-space derivatives [B,H,W,2D] when opts selects channels.
func (c *Context) Interpolate(attr *Tensor, rec *Records, tri []int32, opts InterpolateOptions) (out, deriv *Tensor, err error) {
	opts.Workers = c.workersOr(opts.Workers)
	res, err := interp.Forward(rec, tri, attr, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("diffrast: %w", err)
	}
	return res.Out, res.Deriv, nil
}

// InterpolateBackward returns the attribute gradient and the record
// gradients to feed RasterizeBackward.
func (c *Context) InterpolateBackward(attr *Tensor, rec *Records, tri []int32, dy, dDeriv *Tensor, opts InterpolateOptions) (*InterpolateGrads, error) {
	opts.Workers = c.workersOr(opts.Workers)
	g, err := interp.Backward(rec, tri, attr, dy, dDeriv, opts)
	if err != nil {
		return nil, fmt.Errorf("diffrast: %w", err)
	}
	return g, nil
}

// BuildMipmaps builds the mip chain of tex [B or 1, H, W, C] up to
// maxLevel (-1 for a full chain). The caller releases the pyramid.
func (c *Context) BuildMipmaps(tex *Tensor, maxLevel int) (*Pyramid, error) {
	p, err := texture.BuildPyramid(tex, maxLevel, c.budget)
	if err != nil {
		return nil, fmt.Errorf("diffrast: %w", err)
	}
	return p, nil
}

// MipmapsFrom wraps caller-supplied mip levels.
func MipmapsFrom(levels []*Tensor) (*Pyramid, error) {
	p, err := texture.NewPyramid(levels)
	if err != nil {
		return nil, fmt.Errorf("diffrast: %w", err)
	}
	return p, nil
}

// Texture samples p at uv [B,H,W,2]. uvDA [B,H,W,4] is required by the
// mipmapped filters. mask, when given, zeroes pixels without coverage.
func (c *Context) Texture(p *Pyramid, uv, uvDA *Tensor, mask *Records, opts TextureOptions) (*Tensor, error) {
	opts.Workers = c.workersOr(opts.Workers)
	out, err := texture.Sample(p, uv, uvDA, mask, opts)
	if err != nil {
		return nil, fmt.Errorf("diffrast: %w", err)
	}
	return out, nil
}

// TextureBackward returns texture, UV and UV-derivative gradients.
func (c *Context) TextureBackward(p *Pyramid, uv, uvDA *Tensor, mask *Records, dy *Tensor, opts TextureOptions) (*TextureGrads, error) {
	opts.Workers = c.workersOr(opts.Workers)
	g, err := texture.SampleBackward(p, uv, uvDA, mask, dy, opts)
	if err != nil {
		return nil, fmt.Errorf("diffrast: %w", err)
	}
	return g, nil
}

// BuildTopology indexes the edges of tri for reuse across Antialias calls.
func BuildTopology(tri []int32, numVerts int) (*Topology, error) {
	t, err := antialias.BuildTopology(tri, numVerts)
	if err != nil {
		return nil, fmt.Errorf("diffrast: %w", err)
	}
	return t, nil
}

// Antialias blends color [B,H,W,C] across silhouette edges. topo may be nil.
// The returned state feeds AntialiasBackward.
func (c *Context) Antialias(color *Tensor, rec *Records, pos *Tensor, tri []int32, topo *Topology, opts AntialiasOptions) (*AntialiasResult, error) {
	opts.Workers = c.workersOr(opts.Workers)
	res, err := antialias.Forward(color, rec, &raster.Mesh{Pos: pos, Tris: tri}, topo, opts)
	if err != nil {
		return nil, fmt.Errorf("diffrast: %w", err)
	}
	return res, nil
}

// AntialiasBackward returns color and position gradients. dBg is the
// gradient of the background coverage output, or nil.
func (c *Context) AntialiasBackward(st *AntialiasState, dy, dBg *Tensor) (*AntialiasGrads, error) {
	g, err := antialias.Backward(st, dy, dBg)
	if err != nil {
		return nil, fmt.Errorf("diffrast: %w", err)
	}
	return g, nil
}

// Resolve averages the samples of a multisampled buffer [B, kH, kW, C].
func (c *Context) Resolve(x *Tensor, samples int) (*Tensor, error) {
	out, err := raster.Resolve(x, samples, c.workers)
	if err != nil {
		return nil, fmt.Errorf("diffrast: %w", err)
	}
	return out, nil
}

// ResolveBackward spreads a pixel gradient over the samples.
func (c *Context) ResolveBackward(dy *Tensor, samples int) (*Tensor, error) {
	out, err := raster.ResolveBackward(dy, samples, c.workers)
	if err != nil {
		return nil, fmt.Errorf("diffrast: %w", err)
	}
	return out, nil
}
