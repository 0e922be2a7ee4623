package raster

import (
	"fmt"

	"diffrast/internal/mem"
	"diffrast/internal/tensor"
)

// Rast channel layout.
const (
	ChanU     = 0 // barycentric weight of triangle vertex 0
	ChanV     = 1 // barycentric weight of triangle vertex 1
	ChanDepth = 2 // z/w of the covering surface
	ChanID    = 3 // triangle id + 1, 0 for empty
)

// DB channel layout.
const (
	ChanDUDX = 0
	ChanDUDY = 1
	ChanDVDX = 2
	ChanDVDY = 3
)

// MaxTriangles is the largest triangle count whose ids stay exact in float32.
const MaxTriangles = 1<<24 - 1

// Records is the per-pixel output of a coverage test. It holds one record
// per pixel per image, or per sample when rasterized with multisampling, in
// which case Height and Width count samples.
//
// Records are read-only to downstream stages and stay valid until Release.
type Records struct {
	Batch  int
	Height int
	Width  int

	// Samples is the multisample count the records were produced with; the
	// record grid is sqrt(Samples) times the pixel resolution per axis.
	Samples int

	// NumTriangles is the triangle count of the mesh the records refer to.
	NumTriangles int

	// Degenerate counts triangles skipped for zero screen area, summed over
	// images.
	Degenerate int

	Rast *tensor.Tensor // [B, H, W, 4]: u, v, z/w, id+1
	DB   *tensor.Tensor // [B, H, W, 4]: du/dX, du/dY, dv/dX, dv/dY; nil if not requested

	scope mem.Scope
}

// Pixel returns the flat record index of (b, y, x).
func (r *Records) Pixel(b, y, x int) int {
	return (b*r.Height+y)*r.Width + x
}

// Pixels returns the number of records.
func (r *Records) Pixels() int {
	return r.Batch * r.Height * r.Width
}

// TriangleID returns the triangle covering record p, or -1 for empty.
func (r *Records) TriangleID(p int) int {
	return int(r.Rast.Data[p*4+ChanID]) - 1
}

// Bary returns the barycentric pair of record p.
func (r *Records) Bary(p int) (u, v float32) {
	return r.Rast.Data[p*4+ChanU], r.Rast.Data[p*4+ChanV]
}

// Depth returns the depth of record p.
func (r *Records) Depth(p int) float32 {
	return r.Rast.Data[p*4+ChanDepth]
}

// Factor returns the per-axis multisample factor.
func (r *Records) Factor() int {
	return SampleFactor(r.Samples)
}

// Release returns the record buffers to the memory budget.
func (r *Records) Release() {
	if r != nil {
		r.scope.Release()
	}
}

// CheckIDs verifies that every triangle id lies in [0, numTris) or is
// empty. op names the calling stage in the error.
func (r *Records) CheckIDs(op string, numTris int) error {
	d := r.Rast.Data
	for p := 0; p < len(d)/4; p++ {
		id := int(d[p*4+ChanID]) - 1
		if id < -1 || id >= numTris {
			return &tensor.IndexError{Op: op, What: "triangle id", Index: id, Limit: numTris, Pos: p}
		}
	}
	return nil
}

// WrapRecords builds records around externally produced buffers, for
// producers other than Software. rast must be [B,H,W,4]; db may be nil.
func WrapRecords(rast, db *tensor.Tensor, samples, numTris int) (*Records, error) {
	if err := tensor.Expect("records", "rast", rast, -1, -1, -1, 4); err != nil {
		return nil, err
	}
	if db != nil {
		if err := tensor.Expect("records", "db", db, rast.Shape...); err != nil {
			return nil, err
		}
	}
	if samples <= 0 {
		samples = 1
	}
	if SampleFactor(samples) == 0 {
		return nil, fmt.Errorf("records: multisample count %d is not a perfect square: %w", samples, tensor.ErrShape)
	}
	r := &Records{
		Batch:        rast.Shape[0],
		Height:       rast.Shape[1],
		Width:        rast.Shape[2],
		Samples:      samples,
		NumTriangles: numTris,
		Rast:         rast,
		DB:           db,
	}
	if err := r.CheckIDs("records", numTris); err != nil {
		return nil, err
	}
	return r, nil
}

// SampleFactor returns k with k*k == samples, or 0 when samples is not a
// positive perfect square.
func SampleFactor(samples int) int {
	for k := 1; k*k <= samples; k++ {
		if k*k == samples {
			return k
		}
	}
	return 0
}
