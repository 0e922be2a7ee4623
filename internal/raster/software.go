package raster

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl32"

	"diffrast/internal/grad"
	"diffrast/internal/logging"
	"diffrast/internal/mathutil"
	"diffrast/internal/mem"
	"diffrast/internal/parallel"
	"diffrast/internal/tensor"
)

// Software is the reference CPU producer. It evaluates homogeneous edge
// functions at pixel centers, so triangles crossing w = 0 need no clipping.
type Software struct {
	Workers int
	Budget  *mem.Budget
}

// tri holds the per-image setup of one triangle.
type tri struct {
	id     int
	v      [3]int
	q      [3]mathutil.Vec3 // (x, y, w) per vertex
	z      [3]float64
	e      [3]mathutil.Vec3 // e0 = q1×q2, e1 = q2×q0, e2 = q0×q1
	s      mathutil.Vec3    // e0 + e1 + e2
	x0, x1 int              // candidate pixel columns [x0, x1]
	y0, y1 int              // candidate pixel rows [y0, y1]
}

// setup prepares triangle t of image b on a grid of w×h records. ok is false
// for triangles that cannot cover any record center.
func setup(m *Mesh, b, t, w, h int) (tr tri, ok, degenerate bool) {
	tr.id = t
	tr.v = m.Triangle(t)
	var p [3]mgl32.Vec4
	for k, vi := range tr.v {
		p[k] = m.Vertex(b, vi)
		tr.q[k] = mathutil.Homogeneous(p[k].X(), p[k].Y(), p[k].W())
		tr.z[k] = float64(p[k].Z())
	}
	tr.e[0] = tr.q[1].Cross(tr.q[2])
	tr.e[1] = tr.q[2].Cross(tr.q[0])
	tr.e[2] = tr.q[0].Cross(tr.q[1])
	tr.s = tr.e[0].Add(tr.e[1]).Add(tr.e[2])

	// det[q0 q1 q2] vanishes for triangles with no screen area.
	det := tr.q[0].Dot(tr.e[0])
	scale := math.Sqrt(tr.q[0].Dot(tr.q[0]) * tr.q[1].Dot(tr.q[1]) * tr.q[2].Dot(tr.q[2]))
	if math.Abs(det) <= 1e-12*scale {
		return tr, false, true
	}

	tr.x0, tr.x1, tr.y0, tr.y1 = 0, w-1, 0, h-1
	if p[0].W() > 0 && p[1].W() > 0 && p[2].W() > 0 {
		minX, maxX := math.Inf(1), math.Inf(-1)
		minY, maxY := math.Inf(1), math.Inf(-1)
		for k := range p {
			sx := (tr.q[k][0]/tr.q[k][2] + 1) * 0.5 * float64(w)
			sy := (tr.q[k][1]/tr.q[k][2] + 1) * 0.5 * float64(h)
			minX, maxX = math.Min(minX, sx), math.Max(maxX, sx)
			minY, maxY = math.Min(minY, sy), math.Max(maxY, sy)
		}
		// Record centers sit at i+0.5.
		tr.x0 = max(tr.x0, int(math.Ceil(minX-0.5)))
		tr.x1 = min(tr.x1, int(math.Floor(maxX-0.5)))
		tr.y0 = max(tr.y0, int(math.Ceil(minY-0.5)))
		tr.y1 = min(tr.y1, int(math.Floor(maxY-0.5)))
	} else if p[0].W() <= 0 && p[1].W() <= 0 && p[2].W() <= 0 {
		return tr, false, false
	}
	return tr, tr.x0 <= tr.x1 && tr.y0 <= tr.y1, false
}

// pixelNDC returns the clip-space coordinates of record center (x, y).
func pixelNDC(x, y, w, h int) mathutil.Vec3 {
	return mathutil.Vec3{
		2*(float64(x)+0.5)/float64(w) - 1,
		2*(float64(y)+0.5)/float64(h) - 1,
		1,
	}
}

// bary evaluates perspective-correct barycentrics at f. ok is false when
// the edge functions do not normalize.
func (tr *tri) bary(f mathutil.Vec3) (b [3]float64, s float64, ok bool) {
	s = tr.s.Dot(f)
	if s == 0 || math.IsNaN(s) {
		return b, s, false
	}
	for k := range 3 {
		b[k] = tr.e[k].Dot(f) / s
	}
	return b, s, true
}

// Rasterize implements Producer.
func (r *Software) Rasterize(m *Mesh, height, width, samples int, wantDB bool) (*Records, error) {
	const op = "rasterize"
	if err := m.Validate(op); err != nil {
		return nil, err
	}
	if height <= 0 || width <= 0 {
		return nil, &tensor.ShapeError{Op: op, Name: "resolution", Got: []int{height, width}, Reason: "must be positive"}
	}
	if samples <= 0 {
		samples = 1
	}
	k := SampleFactor(samples)
	if k == 0 {
		return nil, fmt.Errorf("%s: multisample count %d is not a perfect square: %w", op, samples, tensor.ErrShape)
	}

	bsz := m.Batch()
	gh, gw := height*k, width*k
	rec := &Records{
		Batch:        bsz,
		Height:       gh,
		Width:        gw,
		Samples:      samples,
		NumTriangles: m.NumTris(),
	}

	n := bsz * gh * gw * 4
	rast, err := rec.scope.Float32s(r.Budget, "rasterization records", n)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	rec.Rast = &tensor.Tensor{Shape: []int{bsz, gh, gw, 4}, Data: rast}
	if wantDB {
		db, err := rec.scope.Float32s(r.Budget, "barycentric derivatives", n)
		if err != nil {
			rec.Release()
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		rec.DB = &tensor.Tensor{Shape: []int{bsz, gh, gw, 4}, Data: db}
	}

	var degenerate parallel.Counter
	units := parallel.Bands(bsz, gh, r.Workers, 4)
	err = parallel.For(len(units), r.Workers, func(i int) error {
		degenerate.Add(r.coverUnit(m, rec, units[i]))
		return nil
	})
	if err != nil {
		rec.Release()
		return nil, err
	}

	rec.Degenerate = int(degenerate.Load())
	if d := rec.Degenerate; d > 0 {
		logging.Logger().Debug("rasterize: skipped degenerate triangles", "count", d, "images", bsz)
	}
	return rec, nil
}

// coverUnit rasterizes all triangles into one band. Degenerate triangles
// are counted by the first band of each image only.
func (r *Software) coverUnit(m *Mesh, rec *Records, u parallel.Unit) int {
	w, h := rec.Width, rec.Height
	zbuf := make([]float64, (u.Y1-u.Y0)*w)
	for i := range zbuf {
		zbuf[i] = math.Inf(1)
	}
	rast := rec.Rast.Data
	degenerate := 0

	for t := range m.NumTris() {
		tr, ok, degen := setup(m, u.Image, t, w, h)
		if degen && u.Y0 == 0 {
			degenerate++
		}
		if !ok {
			continue
		}
		y0, y1 := max(tr.y0, u.Y0), min(tr.y1, u.Y1-1)

		for y := y0; y <= y1; y++ {
			rowOff := (y - u.Y0) * w
			for x := tr.x0; x <= tr.x1; x++ {
				f := pixelNDC(x, y, w, h)
				b, s, ok := tr.bary(f)
				if !ok || b[0] < 0 || b[1] < 0 || b[2] < 0 {
					continue
				}
				wi := b[0]*tr.q[0][2] + b[1]*tr.q[1][2] + b[2]*tr.q[2][2]
				if wi <= 0 {
					continue
				}
				z := (b[0]*tr.z[0] + b[1]*tr.z[1] + b[2]*tr.z[2]) / wi
				if z < -1 || z > 1 || z >= zbuf[rowOff+x] {
					continue
				}
				zbuf[rowOff+x] = z

				p := rec.Pixel(u.Image, y, x)
				rast[p*4+ChanU] = float32(b[0])
				rast[p*4+ChanV] = float32(b[1])
				rast[p*4+ChanDepth] = float32(z)
				rast[p*4+ChanID] = float32(t + 1)

				if rec.DB != nil {
					kx, ky := 2/float64(w), 2/float64(h)
					db := rec.DB.Data[p*4 : p*4+4]
					db[ChanDUDX] = float32(kx * (tr.e[0][0] - b[0]*tr.s[0]) / s)
					db[ChanDUDY] = float32(ky * (tr.e[0][1] - b[0]*tr.s[1]) / s)
					db[ChanDVDX] = float32(kx * (tr.e[1][0] - b[1]*tr.s[0]) / s)
					db[ChanDVDY] = float32(ky * (tr.e[1][1] - b[1]*tr.s[1]) / s)
				}
			}
		}
	}
	return degenerate
}

// Backward implements Producer. The depth channel carries no gradient.
func (r *Software) Backward(m *Mesh, rec *Records, gradRast, gradDB *tensor.Tensor) (*tensor.Tensor, error) {
	const op = "rasterize backward"
	if err := m.Validate(op); err != nil {
		return nil, err
	}
	if gradRast != nil {
		if err := tensor.Expect(op, "grad_rast", gradRast, rec.Rast.Shape...); err != nil {
			return nil, err
		}
	}
	if gradDB != nil {
		if rec.DB == nil {
			return nil, &tensor.ShapeError{Op: op, Name: "grad_db", Got: gradDB.Shape, Reason: "records were produced without derivatives"}
		}
		if err := tensor.Expect(op, "grad_db", gradDB, rec.DB.Shape...); err != nil {
			return nil, err
		}
	}
	if m.Batch() != rec.Batch {
		return nil, &tensor.ShapeError{Op: op, Name: "pos", Got: m.Pos.Shape, Reason: fmt.Sprintf("records hold %d images", rec.Batch)}
	}
	if err := rec.CheckIDs(op, m.NumTris()); err != nil {
		return nil, err
	}

	nv := m.NumVerts()
	out := tensor.New(rec.Batch, nv, 4)
	if gradRast == nil && gradDB == nil {
		return out, nil
	}

	units := parallel.Bands(rec.Batch, rec.Height, r.Workers, 4)
	arena := grad.NewArena[float64](len(units), 4)
	err := parallel.For(len(units), r.Workers, func(i int) error {
		r.backwardUnit(m, rec, gradRast, gradDB, units[i], arena.Shard(i))
		return nil
	})
	if err != nil {
		return nil, err
	}

	acc := make([]float64, rec.Batch*nv*4)
	if err := arena.Reduce(acc, r.Workers); err != nil {
		return nil, err
	}
	for i, v := range acc {
		out.Data[i] = float32(v)
	}
	return out, nil
}

func (r *Software) backwardUnit(m *Mesh, rec *Records, gradRast, gradDB *tensor.Tensor, u parallel.Unit, shard *grad.Shard[float64]) {
	w, h := rec.Width, rec.Height
	kx, ky := 2/float64(w), 2/float64(h)
	nv := m.NumVerts()

	var cached tri
	cachedID := -1

	for y := u.Y0; y < u.Y1; y++ {
		for x := range w {
			p := rec.Pixel(u.Image, y, x)
			id := rec.TriangleID(p)
			if id < 0 {
				continue
			}

			var gb [2]float64
			if gradRast != nil {
				gb[0] = float64(gradRast.Data[p*4+ChanU])
				gb[1] = float64(gradRast.Data[p*4+ChanV])
			}
			var gd [2][2]float64 // [k][c]: gradient of db_k/d(X|Y)
			if gradDB != nil {
				g := gradDB.Data[p*4 : p*4+4]
				gd[0][0], gd[0][1] = float64(g[ChanDUDX]), float64(g[ChanDUDY])
				gd[1][0], gd[1][1] = float64(g[ChanDVDX]), float64(g[ChanDVDY])
			}
			if gb == [2]float64{} && gd == [2][2]float64{} {
				continue
			}

			if id != cachedID {
				cached, _, _ = setup(m, u.Image, id, w, h)
				cachedID = id
			}
			tr := &cached
			f := pixelNDC(x, y, w, h)
			b, s, ok := tr.bary(f)
			if !ok {
				continue
			}

			// Gradients of the loss with respect to the edge vectors e_j.
			var ge [3]mathutil.Vec3
			gbb := gb[0]*b[0] + gb[1]*b[1]
			for j := range 3 {
				c := -gbb
				if j < 2 {
					c += gb[j]
				}
				ge[j] = f.Scale(c / s)
			}

			if gd != [2][2]float64{} {
				kc := [2]float64{kx, ky}
				for k := range 2 {
					for c := range 2 {
						g := gd[k][c] * kc[c]
						if g == 0 {
							continue
						}
						for j := range 3 {
							delta := 0.0
							if j == k {
								delta = 1
							}
							var unit mathutil.Vec3
							unit[c] = 1
							term := unit.Scale((delta - b[k]) / s).
								Sub(f.Scale((tr.e[k][c] + (delta-2*b[k])*tr.s[c]) / (s * s)))
							ge[j] = ge[j].Add(term.Scale(g))
						}
					}
				}
			}

			var gq [3]mathutil.Vec3
			g1, g2 := mathutil.CrossGrad(tr.q[1], tr.q[2], ge[0])
			gq[1], gq[2] = gq[1].Add(g1), gq[2].Add(g2)
			g2, g0 := mathutil.CrossGrad(tr.q[2], tr.q[0], ge[1])
			gq[2], gq[0] = gq[2].Add(g2), gq[0].Add(g0)
			g0, g1 = mathutil.CrossGrad(tr.q[0], tr.q[1], ge[2])
			gq[0], gq[1] = gq[0].Add(g0), gq[1].Add(g1)

			for k, vi := range tr.v {
				slot := shard.Slot(u.Image*nv + vi)
				slot[0] += gq[k][0]
				slot[1] += gq[k][1]
				slot[3] += gq[k][2]
			}
		}
	}
}
