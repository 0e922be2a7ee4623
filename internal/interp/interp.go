// Package interp interpolates per-vertex attributes over rasterization
// records and propagates screen-space derivatives.
package interp

import (
	"diffrast/internal/grad"
	"diffrast/internal/parallel"
	"diffrast/internal/raster"
	"diffrast/internal/tensor"
)

// Options selects derivative output and parallelism.
type Options struct {
	Workers int

	// DiffAttrs lists the attribute channels to differentiate. AllDerivs
	// differentiates every channel and overrides DiffAttrs.
	DiffAttrs []int
	AllDerivs bool
}

func (o Options) derivChannels(c int) []int {
	if o.AllDerivs {
		ch := make([]int, c)
		for i := range ch {
			ch[i] = i
		}
		return ch
	}
	return o.DiffAttrs
}

// Result holds the forward outputs.
type Result struct {
	Out   *tensor.Tensor // [B, H, W, C]
	Deriv *tensor.Tensor // [B, H, W, 2*D] (d/dX, d/dY) per selected channel; nil when none
}

// Grads holds the backward outputs.
type Grads struct {
	Attr *tensor.Tensor // shaped like the attribute input
	Rast *tensor.Tensor // [B, H, W, 4], u and v slots only
	DB   *tensor.Tensor // [B, H, W, 4]; nil when no derivative gradient was given
}

type setup struct {
	op      string
	rec     *raster.Records
	tris    []int32
	attr    *tensor.Tensor
	nv, nc  int
	shared  bool // attribute batch of 1 broadcast over the records
	derivCh []int
}

func validate(op string, rec *raster.Records, tris []int32, attr *tensor.Tensor, opts Options) (*setup, error) {
	if err := tensor.Expect(op, "attr", attr, -1, -1, -1); err != nil {
		return nil, err
	}
	if err := tensor.ExpectBatch(op, "attr", attr, rec.Batch); err != nil {
		return nil, err
	}
	if len(tris)%3 != 0 {
		return nil, &tensor.ShapeError{Op: op, Name: "tri", Got: []int{len(tris)}, Reason: "length is not a multiple of 3"}
	}
	s := &setup{
		op:     op,
		rec:    rec,
		tris:   tris,
		attr:   attr,
		nv:     attr.Shape[1],
		nc:     attr.Shape[2],
		shared: attr.Shape[0] == 1 && rec.Batch != 1,
	}
	for i, v := range tris {
		if v < 0 || int(v) >= s.nv {
			return nil, &tensor.IndexError{Op: op, What: "vertex index", Index: int(v), Limit: s.nv, Pos: i}
		}
	}
	if err := rec.CheckIDs(op, len(tris)/3); err != nil {
		return nil, err
	}
	s.derivCh = opts.derivChannels(s.nc)
	for i, c := range s.derivCh {
		if c < 0 || c >= s.nc {
			return nil, &tensor.IndexError{Op: op, What: "attribute channel", Index: c, Limit: s.nc, Pos: i}
		}
	}
	if len(s.derivCh) > 0 && rec.DB == nil {
		return nil, &tensor.ShapeError{Op: op, Name: "rast_db", Reason: "derivatives requested but records carry none"}
	}
	return s, nil
}

// vertexRows returns the attribute rows of the three vertices of triangle id
// for image b.
func (s *setup) vertexRows(b, id int) (rows [3][]float32, keys [3]int) {
	ab := b
	if s.shared {
		ab = 0
	}
	for k := range 3 {
		v := int(s.tris[id*3+k])
		keys[k] = ab*s.nv + v
		rows[k] = s.attr.Data[keys[k]*s.nc : (keys[k]+1)*s.nc]
	}
	return rows, keys
}

// Forward interpolates attr over rec. Background pixels are zero in both
// outputs.
func Forward(rec *raster.Records, tris []int32, attr *tensor.Tensor, opts Options) (*Result, error) {
	s, err := validate("interpolate", rec, tris, attr, opts)
	if err != nil {
		return nil, err
	}
	res := &Result{Out: tensor.New(rec.Batch, rec.Height, rec.Width, s.nc)}
	nd := len(s.derivCh)
	if nd > 0 {
		res.Deriv = tensor.New(rec.Batch, rec.Height, rec.Width, 2*nd)
	}

	units := parallel.Bands(rec.Batch, rec.Height, opts.Workers, 8)
	err = parallel.For(len(units), opts.Workers, func(i int) error {
		u := units[i]
		for y := u.Y0; y < u.Y1; y++ {
			for x := range rec.Width {
				p := rec.Pixel(u.Image, y, x)
				id := rec.TriangleID(p)
				if id < 0 {
					continue
				}
				a, _ := s.vertexRows(u.Image, id)
				bu, bv := rec.Bary(p)
				bw := 1 - bu - bv
				out := res.Out.Data[p*s.nc : (p+1)*s.nc]
				for c := range out {
					out[c] = bu*a[0][c] + bv*a[1][c] + bw*a[2][c]
				}
				if nd == 0 {
					continue
				}
				db := rec.DB.Data[p*4 : p*4+4]
				d := res.Deriv.Data[p*2*nd : (p+1)*2*nd]
				for i, c := range s.derivCh {
					d0, d1 := a[0][c]-a[2][c], a[1][c]-a[2][c]
					d[2*i] = d0*db[raster.ChanDUDX] + d1*db[raster.ChanDVDX]
					d[2*i+1] = d0*db[raster.ChanDUDY] + d1*db[raster.ChanDVDY]
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Backward maps the output gradient dy [B,H,W,C] and the optional
// derivative gradient dDeriv [B,H,W,2*D] to attribute and record gradients.
func Backward(rec *raster.Records, tris []int32, attr, dy, dDeriv *tensor.Tensor, opts Options) (*Grads, error) {
	const op = "interpolate backward"
	s, err := validate(op, rec, tris, attr, opts)
	if err != nil {
		return nil, err
	}
	nd := len(s.derivCh)
	if dy != nil {
		if err := tensor.Expect(op, "dy", dy, rec.Batch, rec.Height, rec.Width, s.nc); err != nil {
			return nil, err
		}
	}
	if dDeriv != nil {
		if nd == 0 {
			return nil, &tensor.ShapeError{Op: op, Name: "dda", Got: dDeriv.Shape, Reason: "no derivative channels selected"}
		}
		if err := tensor.Expect(op, "dda", dDeriv, rec.Batch, rec.Height, rec.Width, 2*nd); err != nil {
			return nil, err
		}
	}

	g := &Grads{
		Attr: tensor.New(attr.Shape...),
		Rast: tensor.New(rec.Batch, rec.Height, rec.Width, 4),
	}
	if dDeriv != nil {
		g.DB = tensor.New(rec.Batch, rec.Height, rec.Width, 4)
	}
	if dy == nil && dDeriv == nil {
		return g, nil
	}

	units := parallel.Bands(rec.Batch, rec.Height, opts.Workers, 8)
	arena := grad.NewArena[float32](len(units), s.nc)
	err = parallel.For(len(units), opts.Workers, func(i int) error {
		u := units[i]
		shard := arena.Shard(i)
		var scratch [3][]float32
		for k := range scratch {
			scratch[k] = make([]float32, s.nc)
		}
		for y := u.Y0; y < u.Y1; y++ {
			for x := range rec.Width {
				p := rec.Pixel(u.Image, y, x)
				id := rec.TriangleID(p)
				if id < 0 {
					continue
				}
				a, keys := s.vertexRows(u.Image, id)
				bu, bv := rec.Bary(p)
				b := [3]float32{bu, bv, 1 - bu - bv}

				if dy != nil {
					gy := dy.Data[p*s.nc : (p+1)*s.nc]
					var gu, gv float32
					for c, gc := range gy {
						gu += gc * (a[0][c] - a[2][c])
						gv += gc * (a[1][c] - a[2][c])
					}
					g.Rast.Data[p*4+raster.ChanU] = gu
					g.Rast.Data[p*4+raster.ChanV] = gv
					for k := range 3 {
						shard.Add(keys[k], b[k], gy)
					}
				}

				if dDeriv != nil {
					db := rec.DB.Data[p*4 : p*4+4]
					gd := dDeriv.Data[p*2*nd : (p+1)*2*nd]
					gdb := g.DB.Data[p*4 : p*4+4]
					for k := range scratch {
						clear(scratch[k])
					}
					for i, c := range s.derivCh {
						gx, gyy := gd[2*i], gd[2*i+1]
						d0, d1 := a[0][c]-a[2][c], a[1][c]-a[2][c]
						gdb[raster.ChanDUDX] += gx * d0
						gdb[raster.ChanDUDY] += gyy * d0
						gdb[raster.ChanDVDX] += gx * d1
						gdb[raster.ChanDVDY] += gyy * d1

						g0 := gx*db[raster.ChanDUDX] + gyy*db[raster.ChanDUDY]
						g1 := gx*db[raster.ChanDVDX] + gyy*db[raster.ChanDVDY]
						scratch[0][c] = g0
						scratch[1][c] = g1
						scratch[2][c] = -g0 - g1
					}
					for k := range 3 {
						shard.Add(keys[k], 1, scratch[k])
					}
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := arena.Reduce(g.Attr.Data, opts.Workers); err != nil {
		return nil, err
	}
	return g, nil
}
