package mathutil

// Vec3 is a 3-component vector (value type, stack-allocated).
// The rasterizer uses it for homogeneous 2D points (x, y, w) and for the
// edge vectors spanned by two of them.
type Vec3 [3]float64

func (a Vec3) Add(b Vec3) Vec3 {
	return Vec3{a[0] + b[0], a[1] + b[1], a[2] + b[2]}
}

func (a Vec3) Sub(b Vec3) Vec3 {
	return Vec3{a[0] - b[0], a[1] - b[1], a[2] - b[2]}
}

func (v Vec3) Scale(s float64) Vec3 {
	return Vec3{v[0] * s, v[1] * s, v[2] * s}
}

func (a Vec3) Dot(b Vec3) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}

func (a Vec3) Cross(b Vec3) Vec3 {
	return Vec3{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

// CrossGrad returns the gradients of a loss with respect to a and b given
// its gradient g with respect to a×b.
func CrossGrad(a, b, g Vec3) (ga, gb Vec3) {
	// g·(a×b) = a·(b×g) = b·(g×a)
	return b.Cross(g), g.Cross(a)
}

// Homogeneous returns the (x, y, w) part of a clip-space position.
func Homogeneous(x, y, w float32) Vec3 {
	return Vec3{float64(x), float64(y), float64(w)}
}
