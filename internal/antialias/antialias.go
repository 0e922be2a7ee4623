package antialias

import (
	"math"

	"seehuhn.de/go/geom/vec"

	"diffrast/internal/grad"
	"diffrast/internal/logging"
	"diffrast/internal/mathutil"
	"diffrast/internal/parallel"
	"diffrast/internal/raster"
	"diffrast/internal/tensor"
)

// Direction is the neighbor of pixel A that forms a pair.
type Direction uint8

const (
	Right Direction = iota
	Down
)

// EdgeClass tells why an edge can produce a silhouette.
type EdgeClass uint8

const (
	// Border edges belong to one triangle only.
	Border EdgeClass = iota
	// Fold edges are shared with a triangle that lies on the same screen
	// side, so one of the two faces turns away from the viewer.
	Fold
)

func (c EdgeClass) String() string {
	if c == Fold {
		return "fold"
	}
	return "border"
}

// Options configures the engine.
type Options struct {
	// MeshBorder lets border edges blend against other triangles, not only
	// against the background.
	MeshBorder bool

	// BgSubpixel requests the per-image background coverage output.
	BgSubpixel bool

	// BgWeight scales the background coverage. Zero means 1.
	BgWeight float32

	Workers int
}

func (o Options) bgWeight() float32 {
	if o.BgWeight == 0 {
		return 1
	}
	return o.BgWeight
}

// EdgeRecord describes one pixel pair straddled by a silhouette edge.
type EdgeRecord struct {
	Image      int
	A, B       int // flat record indices, B is right of or below A
	Dir        Direction
	FrontB     bool // the front surface covers B
	Background bool // the other side is empty
	Tri        int  // front triangle
	VA, VB     int  // edge vertices
	Class      EdgeClass
	T          float32 // crossing parameter from A to B
	Phi        float32 // coverage offset
}

// Front returns the record index of the front pixel.
func (e *EdgeRecord) Front() int {
	if e.FrontB {
		return e.B
	}
	return e.A
}

// Other returns the record index of the pixel behind the edge.
func (e *EdgeRecord) Other() int {
	if e.FrontB {
		return e.A
	}
	return e.B
}

// State is what the backward pass needs from a forward call.
type State struct {
	color  *tensor.Tensor
	mesh   *raster.Mesh
	batch  int
	height int
	width  int
	opts   Options
	units  [][]EdgeRecord
}

// NumEdges returns the number of blended pixel pairs.
func (s *State) NumEdges() int {
	n := 0
	for _, u := range s.units {
		n += len(u)
	}
	return n
}

// Edges returns all edge records in scan order.
func (s *State) Edges() []EdgeRecord {
	out := make([]EdgeRecord, 0, s.NumEdges())
	for _, u := range s.units {
		out = append(out, u...)
	}
	return out
}

// Result holds the forward outputs.
type Result struct {
	Color      *tensor.Tensor // [B, H, W, C]
	BgSubpixel *tensor.Tensor // [B]; nil unless requested
	State      *State
}

// Grads holds the backward outputs.
type Grads struct {
	Color *tensor.Tensor // [B, H, W, C]
	Pos   *tensor.Tensor // [B, V, 4]
}

// screen projects mesh vertices to pixel space.
type screen struct {
	mesh *raster.Mesh
	w, h float64
}

func (s *screen) clip(b, v int) (x, y, w float64) {
	p := s.mesh.Vertex(b, v)
	return float64(p.X()), float64(p.Y()), float64(p.W())
}

func (s *screen) pixel(b, v int) (vec.Vec2, bool) {
	x, y, w := s.clip(b, v)
	if !(w > 0) {
		return vec.Vec2{}, false
	}
	return vec.Vec2{X: (x/w + 1) * s.w / 2, Y: (y/w + 1) * s.h / 2}, true
}

// side returns a value whose sign tells on which screen side of the line
// (a, b) vertex c projects. a and b must lie in front of the camera.
func (s *screen) side(bi, a, b, c int) float64 {
	ax, ay, aw := s.clip(bi, a)
	bx, by, bw := s.clip(bi, b)
	cx, cy, cw := s.clip(bi, c)
	det := mathutil.Vec3{ax, ay, aw}.Cross(mathutil.Vec3{bx, by, bw}).Dot(mathutil.Vec3{cx, cy, cw})
	if cw < 0 {
		return -det
	}
	return det
}

func cross(a, b vec.Vec2) float64 { return a.X*b.Y - a.Y*b.X }

func pixelCenter(x, y int) vec.Vec2 {
	return vec.Vec2{X: float64(x) + 0.5, Y: float64(y) + 0.5}
}

// crossing returns where edge (p, q) crosses the segment from pa to pb as
// a fraction t of that segment. ok is false when it does not cross within
// both segments.
func crossing(p, q, pa, pb vec.Vec2) (t float64, ok bool) {
	d := q.Sub(p)
	eA, eB := cross(d, pa.Sub(p)), cross(d, pb.Sub(p))
	if eA == eB || eA*eB > 0 {
		return 0, false
	}
	s := pb.Sub(pa)
	gP, gQ := cross(s, p.Sub(pa)), cross(s, q.Sub(pa))
	if gP == gQ || gP*gQ > 0 {
		return 0, false
	}
	return eA / (eA - eB), true
}

type engine struct {
	rec  *raster.Records
	mesh *raster.Mesh
	topo *Topology
	scr  screen
	opts Options
}

// classify decides whether edge k of triangle tri can blend. bg tells
// whether the other side of the pair is empty.
func (e *engine) classify(b, tri, k int, bg bool) (EdgeClass, bool) {
	v := e.mesh.Triangle(tri)
	va, vb, vc := edgeVerts(v, k)
	nb := e.topo.Neighbors(tri, k)
	if len(nb) == 0 {
		return Border, bg || e.opts.MeshBorder
	}
	own := e.scr.side(b, va, vb, vc)
	for _, n := range nb {
		if own*e.scr.side(b, va, vb, int(n)) >= 0 {
			return Fold, true
		}
	}
	return 0, false
}

// pair examines records a and b and returns the edge record if a
// silhouette separates them.
func (e *engine) pair(img, a, b int, pa, pb vec.Vec2, dir Direction) (EdgeRecord, bool) {
	idA, idB := e.rec.TriangleID(a), e.rec.TriangleID(b)
	if idA == idB {
		return EdgeRecord{}, false
	}
	r := EdgeRecord{Image: img, A: a, B: b, Dir: dir}
	switch {
	case idA < 0:
		r.FrontB, r.Background = true, true
	case idB < 0:
		r.Background = true
	default:
		r.FrontB = e.rec.Depth(b) < e.rec.Depth(a)
	}
	r.Tri = idA
	if r.FrontB {
		r.Tri = idB
	}

	v := e.mesh.Triangle(r.Tri)
	best := math.Inf(1)
	for k := range 3 {
		class, ok := e.classify(img, r.Tri, k, r.Background)
		if !ok {
			continue
		}
		va, vb, _ := edgeVerts(v, k)
		p, okP := e.scr.pixel(img, va)
		q, okQ := e.scr.pixel(img, vb)
		if !okP || !okQ {
			continue
		}
		t, ok := crossing(p, q, pa, pb)
		if !ok {
			continue
		}
		if d := math.Abs(t - 0.5); d < best {
			best = d
			r.VA, r.VB, r.Class, r.T = va, vb, class, float32(t)
		}
	}
	if math.IsInf(best, 1) {
		return EdgeRecord{}, false
	}
	if r.FrontB {
		r.Phi = 0.5 - r.T
	} else {
		r.Phi = r.T - 0.5
	}
	return r, true
}

// Forward blends color [B,H,W,C] across the silhouette edges found in rec.
// topo may be nil, in which case it is built from mesh.Tris.
func Forward(color *tensor.Tensor, rec *raster.Records, mesh *raster.Mesh, topo *Topology, opts Options) (*Result, error) {
	const op = "antialias"
	if err := tensor.Expect(op, "color", color, rec.Batch, rec.Height, rec.Width, -1); err != nil {
		return nil, err
	}
	if err := mesh.Validate(op); err != nil {
		return nil, err
	}
	if mesh.Batch() != rec.Batch {
		return nil, &tensor.ShapeError{Op: op, Name: "pos", Got: mesh.Pos.Shape, Want: []int{rec.Batch, -1, 4}}
	}
	if err := rec.CheckIDs(op, mesh.NumTris()); err != nil {
		return nil, err
	}
	if topo == nil {
		var err error
		if topo, err = BuildTopology(mesh.Tris, mesh.NumVerts()); err != nil {
			return nil, err
		}
	} else if !topo.Matches(mesh.Tris) {
		return nil, &tensor.ShapeError{Op: op, Name: "topology", Got: []int{topo.NumTris(), 3},
			Reason: "built for a different triangle list"}
	}

	e := &engine{
		rec: rec, mesh: mesh, topo: topo, opts: opts,
		scr: screen{mesh: mesh, w: float64(rec.Width), h: float64(rec.Height)},
	}
	nc := color.Shape[3]
	units := parallel.Bands(rec.Batch, rec.Height, opts.Workers, 8)
	st := &State{
		color: color, mesh: mesh, opts: opts,
		batch: rec.Batch, height: rec.Height, width: rec.Width,
		units: make([][]EdgeRecord, len(units)),
	}
	deltas := grad.NewArena[float32](len(units), nc)
	bg := grad.NewArena[float32](len(units), 1)
	weight := opts.bgWeight()

	err := parallel.For(len(units), opts.Workers, func(i int) error {
		u := units[i]
		shard := deltas.Shard(i)
		diff := make([]float32, nc)
		for y := u.Y0; y < u.Y1; y++ {
			for x := range rec.Width {
				a := rec.Pixel(u.Image, y, x)
				pa := pixelCenter(x, y)
				for _, dir := range [...]Direction{Right, Down} {
					var b int
					var pb vec.Vec2
					if dir == Right {
						if x+1 >= rec.Width {
							continue
						}
						b, pb = a+1, pixelCenter(x+1, y)
					} else {
						if y+1 >= rec.Height {
							continue
						}
						b, pb = rec.Pixel(u.Image, y+1, x), pixelCenter(x, y+1)
					}
					r, ok := e.pair(u.Image, a, b, pa, pb, dir)
					if !ok {
						continue
					}
					st.units[i] = append(st.units[i], r)

					f, o := r.Front(), r.Other()
					cf := color.Data[f*nc : (f+1)*nc]
					co := color.Data[o*nc : (o+1)*nc]
					if r.Phi >= 0 {
						for c := range diff {
							diff[c] = cf[c] - co[c]
						}
						shard.Add(o, r.Phi, diff)
					} else {
						for c := range diff {
							diff[c] = co[c] - cf[c]
						}
						shard.Add(f, -r.Phi, diff)
					}
					if r.Background && opts.BgSubpixel {
						bg.Shard(i).AddAt(u.Image, 0, weight*r.Phi)
					}
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	res := &Result{Color: color.Clone(), State: st}
	if err := deltas.Reduce(res.Color.Data, opts.Workers); err != nil {
		return nil, err
	}
	if opts.BgSubpixel {
		res.BgSubpixel = tensor.New(rec.Batch)
		if err := bg.Reduce(res.BgSubpixel.Data, opts.Workers); err != nil {
			return nil, err
		}
	}
	logging.Logger().Debug("antialias: blended silhouette pairs", "edges", st.NumEdges(), "images", rec.Batch)
	return res, nil
}

// Backward maps the color gradient dy [B,H,W,C] and the optional
// background coverage gradient dBg [B] to color and position gradients.
// Either may be nil.
func Backward(st *State, dy, dBg *tensor.Tensor) (*Grads, error) {
	const op = "antialias backward"
	nc := st.color.Shape[3]
	if dy != nil {
		if err := tensor.Expect(op, "dy", dy, st.color.Shape...); err != nil {
			return nil, err
		}
	}
	if dBg != nil {
		if err := tensor.Expect(op, "d_bg_subpixel", dBg, st.batch); err != nil {
			return nil, err
		}
	}

	nv := st.mesh.NumVerts()
	g := &Grads{Pos: tensor.New(st.batch, nv, 4)}
	if dy != nil {
		g.Color = dy.Clone()
	} else {
		g.Color = tensor.New(st.color.Shape...)
	}
	if dy == nil && dBg == nil {
		return g, nil
	}

	scr := screen{mesh: st.mesh, w: float64(st.width), h: float64(st.height)}
	colorArena := grad.NewArena[float32](len(st.units), nc)
	posArena := grad.NewArena[float64](len(st.units), 4)
	weight := float64(st.opts.bgWeight())

	err := parallel.For(len(st.units), st.opts.Workers, func(i int) error {
		cs, ps := colorArena.Shard(i), posArena.Shard(i)
		scratch := make([]float32, nc)
		for _, r := range st.units[i] {
			f, o := r.Front(), r.Other()
			cf := st.color.Data[f*nc : (f+1)*nc]
			co := st.color.Data[o*nc : (o+1)*nc]

			var dPhi float64
			if dy != nil {
				target := o
				if r.Phi < 0 {
					target = f
				}
				gy := dy.Data[target*nc : (target+1)*nc]
				for c, gc := range gy {
					dPhi += float64(gc) * float64(cf[c]-co[c])
				}
				// transpose of the blend into the two input colors
				amt := r.Phi
				if amt < 0 {
					amt = -amt
				}
				if amt != 0 {
					for c, gc := range gy {
						scratch[c] = -amt * gc
					}
					cs.Add(target, 1, scratch)
					other := f
					if target == f {
						other = o
					}
					cs.Add(other, -1, scratch)
				}
			}
			if r.Background && dBg != nil {
				dPhi += weight * float64(dBg.Data[r.Image])
			}
			if dPhi == 0 {
				continue
			}

			dT := dPhi
			if r.FrontB {
				dT = -dPhi
			}
			accumulateEdge(&scr, ps, nv, r, dT)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := colorArena.Reduce(g.Color.Data, st.opts.Workers); err != nil {
		return nil, err
	}
	acc := make([]float64, len(g.Pos.Data))
	if err := posArena.Reduce(acc, st.opts.Workers); err != nil {
		return nil, err
	}
	for i, v := range acc {
		g.Pos.Data[i] = float32(v)
	}
	return g, nil
}

// accumulateEdge chains dT, the gradient of the crossing parameter of r,
// into the clip-space positions of the edge vertices.
func accumulateEdge(scr *screen, ps *grad.Shard[float64], nv int, r EdgeRecord, dT float64) {
	p, _ := scr.pixel(r.Image, r.VA)
	q, _ := scr.pixel(r.Image, r.VB)
	ax, ay := r.A%int(scr.w), (r.A/int(scr.w))%int(scr.h)
	pa := pixelCenter(ax, ay)
	pb := pa
	if r.Dir == Right {
		pb.X++
	} else {
		pb.Y++
	}

	d := q.Sub(p)
	eA, eB := cross(d, pa.Sub(p)), cross(d, pb.Sub(p))
	den := (eA - eB) * (eA - eB)
	gA := dT * -eB / den
	gB := dT * eA / den

	// de(S)/dP = (Q.y-S.y, S.x-Q.x), de(S)/dQ = (S.y-P.y, P.x-S.x)
	gp := vec.Vec2{
		X: gA*(q.Y-pa.Y) + gB*(q.Y-pb.Y),
		Y: gA*(pa.X-q.X) + gB*(pb.X-q.X),
	}
	gq := vec.Vec2{
		X: gA*(pa.Y-p.Y) + gB*(pb.Y-p.Y),
		Y: gA*(p.X-pa.X) + gB*(p.X-pb.X),
	}

	for _, vg := range [...]struct {
		v int
		g vec.Vec2
	}{{r.VA, gp}, {r.VB, gq}} {
		x, y, w := scr.clip(r.Image, vg.v)
		// X = (x/w + 1) W/2, Y = (y/w + 1) H/2
		sx, sy := scr.w/(2*w), scr.h/(2*w)
		slot := ps.Slot(r.Image*nv + vg.v)
		slot[0] += vg.g.X * sx
		slot[1] += vg.g.Y * sy
		slot[3] -= (vg.g.X*x*sx + vg.g.Y*y*sy) / w
	}
}
