package raster

import (
	"github.com/go-gl/mathgl/mgl32"

	"diffrast/internal/tensor"
)

// Producer turns a mesh batch into rasterization records and maps gradients
// of the records back to vertex positions. The differentiable stages only
// depend on this contract, never on how coverage is computed.
type Producer interface {
	// Rasterize covers every pixel of every image. height and width are the
	// pixel resolution; samples is the multisample count (1 or a perfect
	// square). wantDB requests the barycentric screen-space derivatives.
	Rasterize(mesh *Mesh, height, width, samples int, wantDB bool) (*Records, error)

	// Backward returns the [B,V,4] position gradient for gradients of the
	// barycentric channels of rec.Rast (gradRast) and, optionally, of
	// rec.DB (gradDB, may be nil).
	Backward(mesh *Mesh, rec *Records, gradRast, gradDB *tensor.Tensor) (*tensor.Tensor, error)
}

// Mesh is a batch of clip-space vertex arrays sharing one triangle list.
type Mesh struct {
	Pos  *tensor.Tensor // [B, V, 4]
	Tris []int32        // 3 vertex indices per triangle
}

// Batch returns the image count.
func (m *Mesh) Batch() int { return m.Pos.Shape[0] }

// NumVerts returns the vertex count per image.
func (m *Mesh) NumVerts() int { return m.Pos.Shape[1] }

// NumTris returns the triangle count.
func (m *Mesh) NumTris() int { return len(m.Tris) / 3 }

// Vertex returns vertex v of image b.
func (m *Mesh) Vertex(b, v int) mgl32.Vec4 {
	o := (b*m.NumVerts() + v) * 4
	d := m.Pos.Data
	return mgl32.Vec4{d[o], d[o+1], d[o+2], d[o+3]}
}

// Triangle returns the vertex indices of triangle t.
func (m *Mesh) Triangle(t int) [3]int {
	return [3]int{int(m.Tris[t*3]), int(m.Tris[t*3+1]), int(m.Tris[t*3+2])}
}

// Validate checks shapes and that every triangle index references an
// existing vertex. Offending triangles are never dropped silently.
func (m *Mesh) Validate(op string) error {
	if err := tensor.Expect(op, "pos", m.Pos, -1, -1, 4); err != nil {
		return err
	}
	if len(m.Tris)%3 != 0 {
		return &tensor.ShapeError{Op: op, Name: "tri", Got: []int{len(m.Tris)}, Reason: "length is not a multiple of 3"}
	}
	if m.NumTris() > MaxTriangles {
		return &tensor.ShapeError{Op: op, Name: "tri", Got: []int{m.NumTris(), 3}, Reason: "too many triangles for float32 ids"}
	}
	nv := m.NumVerts()
	for i, v := range m.Tris {
		if v < 0 || int(v) >= nv {
			return &tensor.IndexError{Op: op, What: "vertex index", Index: int(v), Limit: nv, Pos: i}
		}
	}
	return nil
}
