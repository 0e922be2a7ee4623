package texture

import (
	"math"

	"diffrast/internal/grad"
	"diffrast/internal/logging"
	"diffrast/internal/mathutil"
	"diffrast/internal/parallel"
	"diffrast/internal/raster"
	"diffrast/internal/tensor"
)

// DefaultMaxAniso caps the anisotropic sample count when Options leaves it
// unset.
const DefaultMaxAniso = 16

// Options configures a texture lookup.
type Options struct {
	Filter   Filter
	Boundary Boundary
	MaxAniso int
	LODBias  float64
	Workers  int
}

// Grads holds the gradients of a texture lookup.
type Grads struct {
	Levels []*tensor.Tensor // per mip level, shaped like the pyramid
	Tex    *tensor.Tensor   // base texture gradient with the level gradients folded in
	UV     *tensor.Tensor   // [B, H, W, 2]
	UVDA   *tensor.Tensor   // [B, H, W, 4]; nil for filters without mipmapping
}

type job struct {
	op   string
	pyr  *Pyramid
	uv   *tensor.Tensor
	uvda *tensor.Tensor
	mask *raster.Records
	opts Options

	b, h, w, c int
	shared     bool // texture batch of 1 broadcast over the lookups
	offsets    []int
}

func newJob(op string, p *Pyramid, uv, uvda *tensor.Tensor, mask *raster.Records, opts Options) (*job, error) {
	if err := tensor.Expect(op, "uv", uv, -1, -1, -1, 2); err != nil {
		return nil, err
	}
	base := p.Base()
	if err := tensor.ExpectBatch(op, "tex", base, uv.Shape[0]); err != nil {
		return nil, err
	}
	if opts.Filter.Mipmapped() {
		if err := tensor.Expect(op, "uv_da", uvda, uv.Shape[0], uv.Shape[1], uv.Shape[2], 4); err != nil {
			return nil, err
		}
	}
	if mask != nil && (mask.Batch != uv.Shape[0] || mask.Height != uv.Shape[1] || mask.Width != uv.Shape[2]) {
		return nil, &tensor.ShapeError{Op: op, Name: "rast", Got: mask.Rast.Shape, Want: []int{uv.Shape[0], uv.Shape[1], uv.Shape[2], 4}}
	}
	if opts.MaxAniso <= 0 {
		opts.MaxAniso = DefaultMaxAniso
	}
	j := &job{
		op: op, pyr: p, uv: uv, uvda: uvda, mask: mask, opts: opts,
		b: uv.Shape[0], h: uv.Shape[1], w: uv.Shape[2], c: base.Shape[3],
		shared: base.Shape[0] == 1,
	}
	off := 0
	for _, l := range p.Levels {
		j.offsets = append(j.offsets, off)
		off += l.Shape[0] * l.Shape[1] * l.Shape[2]
	}
	j.offsets = append(j.offsets, off)
	return j, nil
}

// footprint is the level selection of one lookup.
type footprint struct {
	l0, l1 int
	f      float64 // blend weight of l1
	n      int     // samples along the major axis
	axis   [2]float64

	// dF holds df/d(uv_da) when the blend weight depends on it.
	dF    [4]float64
	hasDF bool
}

func (j *job) footprint(p int) footprint {
	fp := footprint{n: 1}
	if !j.opts.Filter.Mipmapped() {
		return fp
	}
	base := j.pyr.Base()
	w0, h0 := float64(base.Shape[2]), float64(base.Shape[1])
	da := j.uvda.Data[p*4 : p*4+4]
	dsdx, dsdy := float64(da[0])*w0, float64(da[1])*w0
	dtdx, dtdy := float64(da[2])*h0, float64(da[3])*h0

	a := dsdx*dsdx + dtdx*dtdx
	b := dsdy*dsdy + dtdy*dtdy
	c := dsdx*dsdy + dtdx*dtdy
	lmax, lmin, major, _ := mathutil.Eigen2x2Sym(a, c, b)
	top := j.pyr.NumLevels() - 1
	if !(lmax > 0) || math.IsInf(lmax, 0) {
		return fp
	}

	level := 0.5*math.Log2(lmax) + j.opts.LODBias
	if j.opts.Filter == Anisotropic {
		n := j.opts.MaxAniso
		if lmin > 0 {
			n = min(n, int(math.Ceil(math.Sqrt(lmax/lmin))))
		}
		fp.n = max(1, n)
		level -= math.Log2(float64(fp.n))
		ax := dsdx*major[0] + dsdy*major[1]
		ay := dtdx*major[0] + dtdy*major[1]
		fp.axis = [2]float64{ax / w0, ay / h0}
	}

	switch {
	case level <= 0:
		return fp
	case level >= float64(top):
		fp.l0, fp.l1 = top, top
		return fp
	case j.opts.Filter == LinearMipmapNearest:
		l := int(math.Floor(level + 0.5))
		fp.l0, fp.l1 = l, l
		return fp
	}
	fp.l0 = int(math.Floor(level))
	fp.l1 = fp.l0 + 1
	fp.f = level - float64(fp.l0)

	// level = 0.5 log2(lmax) + const, so only lmax carries gradient.
	dl := 0.5 / (lmax * math.Ln2)
	ga, gb, gc := 0.5, 0.5, 0.0
	if r := math.Sqrt((a-b)*(a-b) + 4*c*c); r > 0 {
		ga = 0.5 + 0.5*(a-b)/r
		gb = 0.5 - 0.5*(a-b)/r
		gc = 2 * c / r
	}
	fp.dF = [4]float64{
		dl * w0 * (ga*2*dsdx + gc*dsdy),
		dl * w0 * (gb*2*dsdy + gc*dsdx),
		dl * h0 * (ga*2*dtdx + gc*dtdy),
		dl * h0 * (gb*2*dtdy + gc*dtdx),
	}
	fp.hasDF = true
	return fp
}

// taps are the texels read by one bilinear or nearest lookup.
type taps struct {
	key    [4]int // texel index within the level, -1 for zero taps
	w      [4]float32
	n      int
	fx, fy float32
	wl, hl int
}

func (j *job) lookup(l, tb int, s, t float64) taps {
	lvl := j.pyr.Levels[l]
	var tp taps
	tp.hl, tp.wl = lvl.Shape[1], lvl.Shape[2]
	bound := j.opts.Boundary
	texel := func(x, y int) int {
		xi, okx := bound.index(x, tp.wl)
		yi, oky := bound.index(y, tp.hl)
		if !okx || !oky {
			return -1
		}
		return (tb*tp.hl+yi)*tp.wl + xi
	}

	if j.opts.Filter == Nearest {
		tp.n = 1
		tp.key[0] = texel(int(math.Floor(s*float64(tp.wl))), int(math.Floor(t*float64(tp.hl))))
		tp.w[0] = 1
		return tp
	}

	x := s*float64(tp.wl) - 0.5
	y := t*float64(tp.hl) - 0.5
	x0, y0 := math.Floor(x), math.Floor(y)
	tp.fx, tp.fy = float32(x-x0), float32(y-y0)
	ix, iy := int(x0), int(y0)
	tp.n = 4
	tp.key = [4]int{texel(ix, iy), texel(ix+1, iy), texel(ix, iy+1), texel(ix+1, iy+1)}
	tp.w = [4]float32{
		(1 - tp.fx) * (1 - tp.fy),
		tp.fx * (1 - tp.fy),
		(1 - tp.fx) * tp.fy,
		tp.fx * tp.fy,
	}
	return tp
}

// texel returns the c channel values of key in level l, nil for zero taps.
func (j *job) texel(l, key int) []float32 {
	if key < 0 {
		return nil
	}
	return j.pyr.Levels[l].Data[key*j.c : (key+1)*j.c]
}

// samplePos returns the UV of sample i of n along the footprint axis.
func samplePos(s, t float64, fp *footprint, i int) (float64, float64) {
	if fp.n == 1 {
		return s, t
	}
	o := (float64(i)+0.5)/float64(fp.n) - 0.5
	return s + fp.axis[0]*o, t + fp.axis[1]*o
}

func (j *job) covered(p int) bool {
	return j.mask == nil || j.mask.TriangleID(p) >= 0
}

func (j *job) texBatch(b int) int {
	if j.shared {
		return 0
	}
	return b
}

// Sample filters the pyramid at uv [B,H,W,2]. uvda [B,H,W,4] holds
// (ds/dX, ds/dY, dt/dX, dt/dY) and is required by mipmapped filters. When
// mask is given, pixels it marks empty read zero.
func Sample(p *Pyramid, uv, uvda *tensor.Tensor, mask *raster.Records, opts Options) (*tensor.Tensor, error) {
	j, err := newJob("texture", p, uv, uvda, mask, opts)
	if err != nil {
		return nil, err
	}
	out := tensor.New(j.b, j.h, j.w, j.c)

	units := parallel.Bands(j.b, j.h, opts.Workers, 8)
	err = parallel.For(len(units), opts.Workers, func(i int) error {
		u := units[i]
		tb := j.texBatch(u.Image)
		for y := u.Y0; y < u.Y1; y++ {
			for x := range j.w {
				p := (u.Image*j.h+y)*j.w + x
				if !j.covered(p) {
					continue
				}
				fp := j.footprint(p)
				s, t := float64(uv.Data[p*2]), float64(uv.Data[p*2+1])
				dst := out.Data[p*j.c : (p+1)*j.c]
				inv := 1 / float32(fp.n)
				for k := range fp.n {
					ss, tt := samplePos(s, t, &fp, k)
					j.accumulate(dst, fp.l0, tb, ss, tt, (1-float32(fp.f))*inv)
					if fp.l1 != fp.l0 {
						j.accumulate(dst, fp.l1, tb, ss, tt, float32(fp.f)*inv)
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

func (j *job) accumulate(dst []float32, l, tb int, s, t float64, wgt float32) {
	if wgt == 0 {
		return
	}
	tp := j.lookup(l, tb, s, t)
	for i := range tp.n {
		if tv := j.texel(l, tp.key[i]); tv != nil {
			for c, v := range tv {
				dst[c] += wgt * tp.w[i] * v
			}
		}
	}
}

// SampleBackward maps the output gradient dy [B,H,W,C] to texture, UV and
// UV-derivative gradients. Level choice and anisotropic sample offsets are
// treated as constant; uv_da only receives gradient through the blend
// between two levels.
func SampleBackward(p *Pyramid, uv, uvda *tensor.Tensor, mask *raster.Records, dy *tensor.Tensor, opts Options) (*Grads, error) {
	const op = "texture backward"
	j, err := newJob(op, p, uv, uvda, mask, opts)
	if err != nil {
		return nil, err
	}
	if err := tensor.Expect(op, "dy", dy, j.b, j.h, j.w, j.c); err != nil {
		return nil, err
	}

	g := &Grads{UV: tensor.New(j.b, j.h, j.w, 2)}
	if opts.Filter.Mipmapped() {
		g.UVDA = tensor.New(j.b, j.h, j.w, 4)
	}
	flat := make([]float32, j.offsets[len(j.offsets)-1]*j.c)
	for l, lvl := range p.Levels {
		g.Levels = append(g.Levels, &tensor.Tensor{
			Shape: append([]int(nil), lvl.Shape...),
			Data:  flat[j.offsets[l]*j.c : j.offsets[l+1]*j.c],
		})
	}

	units := parallel.Bands(j.b, j.h, opts.Workers, 8)
	arena := grad.NewArena[float32](len(units), j.c)
	err = parallel.For(len(units), opts.Workers, func(i int) error {
		u := units[i]
		shard := arena.Shard(i)
		tb := j.texBatch(u.Image)
		scratch := make([]float32, j.c)
		for y := u.Y0; y < u.Y1; y++ {
			for x := range j.w {
				p := (u.Image*j.h+y)*j.w + x
				if !j.covered(p) {
					continue
				}
				gy := dy.Data[p*j.c : (p+1)*j.c]
				fp := j.footprint(p)
				s, t := float64(uv.Data[p*2]), float64(uv.Data[p*2+1])
				inv := 1 / float64(fp.n)

				var gs, gt, gf float64
				for k := range fp.n {
					ss, tt := samplePos(s, t, &fp, k)
					levels := [2]int{fp.l0, fp.l1}
					weights := [2]float64{1 - fp.f, fp.f}
					for li := range 2 {
						if li == 1 && fp.l1 == fp.l0 {
							break
						}
						l := levels[li]
						ds, dt, val := j.scatter(shard, scratch, l, tb, ss, tt, gy, float32(weights[li]*inv))
						gs += weights[li] * inv * ds
						gt += weights[li] * inv * dt
						if li == 0 {
							gf -= inv * val
						} else {
							gf += inv * val
						}
					}
				}
				g.UV.Data[p*2] = float32(gs)
				g.UV.Data[p*2+1] = float32(gt)
				if fp.hasDF {
					for k := range 4 {
						g.UVDA.Data[p*4+k] = float32(gf * fp.dF[k])
					}
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := arena.Reduce(flat, opts.Workers); err != nil {
		return nil, err
	}
	g.Tex = p.FoldGrad(g.Levels)
	logging.Logger().Debug("texture backward: reduced texel gradients", "entries", arena.Entries(), "levels", p.NumLevels())
	return g, nil
}

// scatter adds the texel gradients of one lookup scaled by wgt and returns
// the UV slopes of dy·value together with dy·value itself.
func (j *job) scatter(shard *grad.Shard[float32], scratch []float32, l, tb int, s, t float64, gy []float32, wgt float32) (ds, dt, val float64) {
	tp := j.lookup(l, tb, s, t)
	var dots [4]float64
	for i := range tp.n {
		tv := j.texel(l, tp.key[i])
		if tv == nil {
			continue
		}
		for c, v := range tv {
			dots[i] += float64(gy[c]) * float64(v)
		}
		val += float64(tp.w[i]) * dots[i]
		if wgt != 0 {
			for c := range scratch {
				scratch[c] = gy[c] * tp.w[i] * wgt
			}
			shard.Add(j.offsets[l]+tp.key[i], 1, scratch)
		}
	}
	if tp.n == 4 {
		fx, fy := float64(tp.fx), float64(tp.fy)
		ds = float64(tp.wl) * ((1-fy)*(dots[1]-dots[0]) + fy*(dots[3]-dots[2]))
		dt = float64(tp.hl) * ((1-fx)*(dots[2]-dots[0]) + fx*(dots[3]-dots[1]))
	}
	return ds, dt, val
}
