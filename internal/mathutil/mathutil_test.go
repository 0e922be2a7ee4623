package mathutil

import (
	"math"
	"testing"
)

func TestCrossGrad(t *testing.T) {
	a := Vec3{0.3, -1.2, 2}
	b := Vec3{1.5, 0.25, -0.7}
	g := Vec3{0.9, -0.4, 0.1}
	ga, gb := CrossGrad(a, b, g)

	const h = 1e-6
	loss := func(a, b Vec3) float64 { return g.Dot(a.Cross(b)) }
	for i := range 3 {
		ap, am := a, a
		ap[i] += h
		am[i] -= h
		if fd := (loss(ap, b) - loss(am, b)) / (2 * h); math.Abs(fd-ga[i]) > 1e-6 {
			t.Errorf("ga[%d] = %v, finite difference %v", i, ga[i], fd)
		}
		bp, bm := b, b
		bp[i] += h
		bm[i] -= h
		if fd := (loss(a, bp) - loss(a, bm)) / (2 * h); math.Abs(fd-gb[i]) > 1e-6 {
			t.Errorf("gb[%d] = %v, finite difference %v", i, gb[i], fd)
		}
	}
}

func TestEigen2x2Sym(t *testing.T) {
	tests := []struct {
		name       string
		a, b, d    float64
		e1, e2     float64
		principalX bool
	}{
		{"diagonal x major", 4, 0, 1, 4, 1, true},
		{"diagonal y major", 1, 0, 9, 9, 1, false},
		{"isotropic", 2, 0, 2, 2, 2, true},
		{"rank one", 1, 1, 1, 2, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e1, e2, v1, v2 := Eigen2x2Sym(tt.a, tt.b, tt.d)
			if math.Abs(e1-tt.e1) > 1e-12 || math.Abs(e2-tt.e2) > 1e-12 {
				t.Errorf("eigenvalues = (%v, %v), want (%v, %v)", e1, e2, tt.e1, tt.e2)
			}
			// A v = λ v
			av := [2]float64{tt.a*v1[0] + tt.b*v1[1], tt.b*v1[0] + tt.d*v1[1]}
			if math.Abs(av[0]-e1*v1[0]) > 1e-9 || math.Abs(av[1]-e1*v1[1]) > 1e-9 {
				t.Errorf("evec1 %v is not an eigenvector", v1)
			}
			if dot := v1[0]*v2[0] + v1[1]*v2[1]; math.Abs(dot) > 1e-12 {
				t.Errorf("eigenvectors not orthogonal: %v %v", v1, v2)
			}
			if tt.principalX && v1 != [2]float64{1, 0} {
				t.Errorf("evec1 = %v, want x axis", v1)
			}
		})
	}
}
