package interp

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"diffrast/internal/raster"
	"diffrast/internal/tensor"
)

// records builds a 1xW record row: pixel x holds triangle ids[x]
// (-1 for empty) with random barycentrics and derivatives.
func records(t *testing.T, batch int, ids []int, numTris int, rng *rand.Rand) *raster.Records {
	t.Helper()
	w := len(ids)
	rast := tensor.New(batch, 1, w, 4)
	db := tensor.New(batch, 1, w, 4)
	for b := range batch {
		for x, id := range ids {
			p := b*w + x
			if id < 0 {
				continue
			}
			u := float32(rng.Float64() * 0.5)
			v := float32(rng.Float64() * 0.5)
			rast.Data[p*4+raster.ChanU] = u
			rast.Data[p*4+raster.ChanV] = v
			rast.Data[p*4+raster.ChanDepth] = 0.5
			rast.Data[p*4+raster.ChanID] = float32(id + 1)
			for c := range 4 {
				db.Data[p*4+c] = float32(rng.Float64()*2 - 1)
			}
		}
	}
	rec, err := raster.WrapRecords(rast, db, 1, numTris)
	if err != nil {
		t.Fatal(err)
	}
	return rec
}

func randTensor(rng *rand.Rand, shape ...int) *tensor.Tensor {
	x := tensor.New(shape...)
	for i := range x.Data {
		x.Data[i] = float32(rng.Float64()*2 - 1)
	}
	return x
}

var quadTris = []int32{0, 1, 2, 0, 2, 3}

func TestForwardValues(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	rec := records(t, 1, []int{1, -1, 0}, 2, rng)
	attr := randTensor(rng, 1, 4, 2)

	res, err := Forward(rec, quadTris, attr, Options{AllDerivs: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Deriv == nil || res.Deriv.Shape[3] != 4 {
		t.Fatalf("Deriv = %v", res.Deriv)
	}

	// pixel 0: triangle 1 = (0, 2, 3)
	u, v := rec.Bary(0)
	a := func(vi, c int) float32 { return attr.Data[vi*2+c] }
	for c := range 2 {
		want := u*a(0, c) + v*a(2, c) + (1-u-v)*a(3, c)
		if d := res.Out.Data[c] - want; math.Abs(float64(d)) > 1e-6 {
			t.Errorf("out[0][%d] = %v, want %v", c, res.Out.Data[c], want)
		}
		db := rec.DB.Data[0:4]
		wantDX := (a(0, c)-a(3, c))*db[raster.ChanDUDX] + (a(2, c)-a(3, c))*db[raster.ChanDVDX]
		if d := res.Deriv.Data[2*c] - wantDX; math.Abs(float64(d)) > 1e-6 {
			t.Errorf("dA%d/dX = %v, want %v", c, res.Deriv.Data[2*c], wantDX)
		}
	}

	// background pixel
	for c := range 2 {
		if res.Out.Data[2+c] != 0 {
			t.Errorf("background out[%d] = %v", c, res.Out.Data[2+c])
		}
	}
	for c := range 4 {
		if res.Deriv.Data[4+c] != 0 {
			t.Errorf("background deriv[%d] = %v", c, res.Deriv.Data[4+c])
		}
	}
}

func TestBackgroundInvariance(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	rec := records(t, 1, []int{-1, -1}, 2, rng)
	attr := randTensor(rng, 1, 4, 3)
	dy := randTensor(rng, 1, 1, 2, 3)
	g, err := Backward(rec, quadTris, attr, dy, nil, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if g.Attr.Sum() != 0 || g.Rast.Sum() != 0 || g.DB != nil {
		t.Errorf("background produced gradient: attr %v rast %v", g.Attr.Data, g.Rast.Data)
	}
}

func TestBackwardMatchesFiniteDifferences(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	opts := Options{DiffAttrs: []int{2, 0}, Workers: 2}
	rec := records(t, 2, []int{0, 1, -1, 1, 0}, 2, rng)
	attr := randTensor(rng, 1, 4, 3)
	dy := randTensor(rng, 2, 1, 5, 3)
	dd := randTensor(rng, 2, 1, 5, 4)

	loss := func() float64 {
		res, err := Forward(rec, quadTris, attr, opts)
		if err != nil {
			t.Fatal(err)
		}
		var l float64
		for i, v := range res.Out.Data {
			l += float64(v) * float64(dy.Data[i])
		}
		for i, v := range res.Deriv.Data {
			l += float64(v) * float64(dd.Data[i])
		}
		return l
	}
	g, err := Backward(rec, quadTris, attr, dy, dd, opts)
	if err != nil {
		t.Fatal(err)
	}

	check := func(name string, x []float32, got []float32, skip func(i int) bool) {
		t.Helper()
		const h = 1e-2
		for i := range x {
			if skip != nil && skip(i) {
				continue
			}
			orig := x[i]
			x[i] = orig + h
			lp := loss()
			x[i] = orig - h
			lm := loss()
			x[i] = orig
			want := (lp - lm) / (2 * h)
			if math.Abs(float64(got[i])-want) > 1e-3*math.Max(1, math.Abs(want)) {
				t.Errorf("%s[%d] = %v, finite difference %v", name, i, got[i], want)
			}
		}
	}
	check("attr", attr.Data, g.Attr.Data, nil)
	check("rast", rec.Rast.Data, g.Rast.Data, func(i int) bool {
		return i%4 >= 2 || rec.TriangleID(i/4) < 0
	})
	check("db", rec.DB.Data, g.DB.Data, func(i int) bool { return rec.TriangleID(i/4) < 0 })
}

func TestBroadcastGradientSumsOverBatch(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	ids := []int{0, 1}
	rec := records(t, 3, ids, 2, rng)
	attr := randTensor(rng, 1, 4, 1)
	dy := randTensor(rng, 3, 1, 2, 1)

	g, err := Backward(rec, quadTris, attr, dy, nil, Options{})
	if err != nil {
		t.Fatal(err)
	}
	// barycentrics sum to one, so the attribute gradient mass equals the
	// output gradient mass
	if d := g.Attr.Sum() - dy.Sum(); math.Abs(d) > 1e-5 {
		t.Errorf("attr gradient sum = %v, want %v", g.Attr.Sum(), dy.Sum())
	}
}

func TestValidation(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	rec := records(t, 2, []int{0, 1}, 2, rng)

	tests := []struct {
		name string
		tris []int32
		attr *tensor.Tensor
		opts Options
		want error
	}{
		{"bad batch", quadTris, tensor.New(3, 4, 1), Options{}, tensor.ErrShape},
		{"bad rank", quadTris, tensor.New(4, 1), Options{}, tensor.ErrShape},
		{"vertex index", []int32{0, 1, 2, 0, 2, 4}, tensor.New(1, 4, 1), Options{}, tensor.ErrIndexRange},
		{"triangle id", []int32{0, 1, 2}, tensor.New(1, 4, 1), Options{}, tensor.ErrIndexRange},
		{"channel", quadTris, tensor.New(1, 4, 1), Options{DiffAttrs: []int{1}}, tensor.ErrIndexRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Forward(rec, tt.tris, tt.attr, tt.opts)
			if !errors.Is(err, tt.want) {
				t.Errorf("Forward() = %v, want %v", err, tt.want)
			}
		})
	}
}
