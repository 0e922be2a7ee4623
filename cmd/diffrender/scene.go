package main

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl32"

	"diffrast"
)

// scene is a single-image mesh with either flat vertex colors or a texture
// mapped through per-vertex UVs.
type scene struct {
	pos   *diffrast.Tensor // [1, V, 4] clip space
	tri   []int32
	color *diffrast.Tensor // [1, V, C], flat scenes
	uv    *diffrast.Tensor // [1, V, 2], textured scenes
	tex   *diffrast.Tensor // [1, H, W, C], textured scenes
	topo  *diffrast.Topology
}

func (s *scene) textured() bool { return s.uv != nil }

// edgeScene puts a colored triangle in front of a gray backdrop. shift
// moves the front triangle's left edge along x.
func edgeScene(shift float32) (*scene, error) {
	pos, err := diffrast.TensorFrom([]float32{
		-3, 6, 0.5, 1,
		-3, -6, 0.5, 1,
		6, 0, 0.5, 1,
		-0.3 + shift, 0.8, 0, 1,
		-0.3 + shift, -0.8, 0, 1,
		0.7 + shift, 0, 0, 1,
	}, 1, 6, 4)
	if err != nil {
		return nil, err
	}
	color, err := diffrast.TensorFrom([]float32{
		0.4, 0.4, 0.4,
		0.4, 0.4, 0.4,
		0.4, 0.4, 0.4,
		1, 0.2, 0.1,
		0.1, 1, 0.2,
		0.2, 0.1, 1,
	}, 1, 6, 3)
	if err != nil {
		return nil, err
	}
	return newScene(&scene{pos: pos, tri: []int32{0, 1, 2, 3, 4, 5}, color: color})
}

// quadScene is a unit quad tilted away from a perspective camera.
func quadScene(aspect float32, tex *diffrast.Tensor) (*scene, error) {
	proj := mgl32.Perspective(mgl32.DegToRad(45), aspect, 0.1, 10)
	view := mgl32.LookAtV(mgl32.Vec3{0, -1.6, 1.6}, mgl32.Vec3{0, 0, 0}, mgl32.Vec3{0, 0, 1})
	mvp := proj.Mul4(view)

	corners := []mgl32.Vec3{{-1, -1, 0}, {1, -1, 0}, {1, 1, 0}, {-1, 1, 0}}
	pos := diffrast.NewTensor(1, len(corners), 4)
	for i, c := range corners {
		p := mvp.Mul4x1(c.Vec4(1))
		copy(pos.Data[i*4:], p[:])
	}
	uv, err := diffrast.TensorFrom([]float32{0, 0, 1, 0, 1, 1, 0, 1}, 1, 4, 2)
	if err != nil {
		return nil, err
	}
	return newScene(&scene{pos: pos, tri: []int32{0, 1, 2, 0, 2, 3}, uv: uv, tex: tex})
}

func newScene(s *scene) (*scene, error) {
	topo, err := diffrast.BuildTopology(s.tri, s.pos.Shape[1])
	if err != nil {
		return nil, err
	}
	s.topo = topo
	return s, nil
}

// checker returns an RGBA checkerboard with n squares per side.
func checker(size, n int) *diffrast.Tensor {
	t := diffrast.NewTensor(1, size, size, 4)
	for y := range size {
		for x := range size {
			px := t.Data[(y*size+x)*4:][:4]
			if (x*n/size+y*n/size)%2 == 0 {
				px[0], px[1], px[2] = 0.9, 0.8, 0.2
			} else {
				px[0], px[1], px[2] = 0.1, 0.2, 0.6
			}
			px[3] = 1
		}
	}
	return t
}

// loadTexture returns the texture at path, or the checkerboard when path
// is empty.
func loadTexture(cache *diffrast.TextureCache, path string) (*diffrast.Tensor, error) {
	if path == "" {
		return checker(64, 8), nil
	}
	p, err := cache.Pyramid(path)
	if err != nil {
		return nil, err
	}
	return p.Base(), nil
}

// frame holds the forward intermediates of one render.
type frame struct {
	out  *diffrast.Tensor // [1, H, W, C] resolved color
	rec  *diffrast.Records
	pyr  *diffrast.Pyramid
	aa   *diffrast.AntialiasResult
	texc *diffrast.Tensor
	texd *diffrast.Tensor
}

func (f *frame) release() {
	f.rec.Release()
	f.pyr.Release()
}

type renderer struct {
	ctx *diffrast.Context
	cfg diffrast.Config
}

func (r *renderer) interpOptions(s *scene) diffrast.InterpolateOptions {
	return diffrast.InterpolateOptions{AllDerivs: s.textured() && r.cfg.Filter.Mipmapped()}
}

func (r *renderer) aaOptions() diffrast.AntialiasOptions {
	return diffrast.AntialiasOptions{
		MeshBorder: r.cfg.MeshBorder,
		BgSubpixel: r.cfg.BgSubpixel,
		BgWeight:   r.cfg.BgWeight,
	}
}

func (r *renderer) forward(s *scene) (*frame, error) {
	mip := s.textured() && r.cfg.Filter.Mipmapped()
	rec, err := r.ctx.Rasterize(s.pos, s.tri, r.cfg.Height, r.cfg.Width, r.cfg.Samples, mip)
	if err != nil {
		return nil, err
	}
	f := &frame{rec: rec}

	var color *diffrast.Tensor
	if s.textured() {
		f.texc, f.texd, err = r.ctx.Interpolate(s.uv, rec, s.tri, r.interpOptions(s))
		if err != nil {
			f.release()
			return nil, err
		}
		maxLevel := 0
		if mip {
			maxLevel = r.cfg.MaxMipLevel()
		}
		if f.pyr, err = r.ctx.BuildMipmaps(s.tex, maxLevel); err != nil {
			f.release()
			return nil, err
		}
		color, err = r.ctx.Texture(f.pyr, f.texc, f.texd, rec, r.cfg.TextureOptions())
	} else {
		color, _, err = r.ctx.Interpolate(s.color, rec, s.tri, r.interpOptions(s))
	}
	if err != nil {
		f.release()
		return nil, err
	}

	if f.aa, err = r.ctx.Antialias(color, rec, s.pos, s.tri, s.topo, r.aaOptions()); err != nil {
		f.release()
		return nil, err
	}
	if f.out, err = r.ctx.Resolve(f.aa.Color, r.cfg.Samples); err != nil {
		f.release()
		return nil, err
	}
	return f, nil
}

// backward maps a gradient of the resolved image to the vertex positions
// and, for textured scenes, to the base texture.
func (r *renderer) backward(s *scene, f *frame, dOut *diffrast.Tensor) (dPos, dTex *diffrast.Tensor, err error) {
	dAA, err := r.ctx.ResolveBackward(dOut, r.cfg.Samples)
	if err != nil {
		return nil, nil, err
	}
	ag, err := r.ctx.AntialiasBackward(f.aa.State, dAA, nil)
	if err != nil {
		return nil, nil, err
	}

	var ig *diffrast.InterpolateGrads
	if s.textured() {
		tg, err := r.ctx.TextureBackward(f.pyr, f.texc, f.texd, f.rec, ag.Color, r.cfg.TextureOptions())
		if err != nil {
			return nil, nil, err
		}
		dTex = tg.Tex
		if ig, err = r.ctx.InterpolateBackward(s.uv, f.rec, s.tri, tg.UV, tg.UVDA, r.interpOptions(s)); err != nil {
			return nil, nil, err
		}
	} else {
		if ig, err = r.ctx.InterpolateBackward(s.color, f.rec, s.tri, ag.Color, nil, r.interpOptions(s)); err != nil {
			return nil, nil, err
		}
	}

	dPos, err = r.ctx.RasterizeBackward(s.pos, s.tri, f.rec, ig.Rast, ig.DB)
	if err != nil {
		return nil, nil, err
	}
	for i, g := range ag.Pos.Data {
		dPos.Data[i] += g
	}
	return dPos, dTex, nil
}

// l2 returns the mean squared difference and its gradient.
func l2(got, want *diffrast.Tensor) (float64, *diffrast.Tensor, error) {
	if len(got.Data) != len(want.Data) {
		return 0, nil, fmt.Errorf("image sizes differ: %v vs %v", got.Shape, want.Shape)
	}
	grad := diffrast.NewTensor(got.Shape...)
	n := float64(len(got.Data))
	var loss float64
	for i, g := range got.Data {
		d := float64(g - want.Data[i])
		loss += d * d / n
		grad.Data[i] = float32(2 * d / n)
	}
	return loss, grad, nil
}
