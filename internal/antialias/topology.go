// Package antialias blends colors across silhouette edges by their analytic
// pixel coverage and returns gradients for the edge vertex positions.
package antialias

import (
	"encoding/binary"
	"hash/fnv"

	"diffrast/internal/logging"
	"diffrast/internal/tensor"
)

// Topology records, for every triangle edge, the opposite vertices of the
// other triangles sharing it. It depends only on the triangle list and can
// be reused across calls.
type Topology struct {
	numTris int
	hash    uint64

	// Neighbors across edge k of triangle t are opp[first[3t+k]:first[3t+k+1]].
	first []int32
	opp   []int32
}

// Edge k of a triangle runs from vertex k to vertex k+1; vertex k+2 is
// opposite.
func edgeVerts(tri [3]int, k int) (va, vb, vc int) {
	return tri[k], tri[(k+1)%3], tri[(k+2)%3]
}

func edgeKey(a, b int32) uint64 {
	if a > b {
		a, b = b, a
	}
	return uint64(uint32(a))<<32 | uint64(uint32(b))
}

func hashTris(tris []int32) uint64 {
	h := fnv.New64a()
	var buf [4]byte
	for _, v := range tris {
		binary.LittleEndian.PutUint32(buf[:], uint32(v))
		h.Write(buf[:])
	}
	return h.Sum64()
}

// BuildTopology indexes the edges of tris. numVerts bounds the indices.
func BuildTopology(tris []int32, numVerts int) (*Topology, error) {
	const op = "topology"
	if len(tris)%3 != 0 {
		return nil, &tensor.ShapeError{Op: op, Name: "tri", Got: []int{len(tris)}, Reason: "length is not a multiple of 3"}
	}
	for i, v := range tris {
		if v < 0 || int(v) >= numVerts {
			return nil, &tensor.IndexError{Op: op, What: "vertex index", Index: int(v), Limit: numVerts, Pos: i}
		}
	}
	nt := len(tris) / 3

	// edge -> half-edges (3t+k) using it
	byEdge := make(map[uint64][]int32, len(tris))
	for t := range nt {
		for k := range 3 {
			a, b := tris[t*3+k], tris[t*3+(k+1)%3]
			key := edgeKey(a, b)
			byEdge[key] = append(byEdge[key], int32(t*3+k))
		}
	}

	topo := &Topology{
		numTris: nt,
		hash:    hashTris(tris),
		first:   make([]int32, len(tris)+1),
	}
	shared := 0
	for h := range len(tris) {
		t, k := h/3, h%3
		key := edgeKey(tris[t*3+k], tris[t*3+(k+1)%3])
		for _, other := range byEdge[key] {
			if int(other) == h {
				continue
			}
			ot := int(other) / 3
			ok := int(other) % 3
			topo.opp = append(topo.opp, tris[ot*3+(ok+2)%3])
		}
		topo.first[h+1] = int32(len(topo.opp))
		if topo.first[h+1] > topo.first[h] {
			shared++
		}
	}
	logging.Logger().Debug("antialias: built topology", "triangles", nt, "edges", len(byEdge), "shared_half_edges", shared)
	return topo, nil
}

// NumTris returns the triangle count the topology was built for.
func (t *Topology) NumTris() int { return t.numTris }

// Neighbors returns the opposite vertices of the triangles sharing edge k
// of triangle tri.
func (t *Topology) Neighbors(tri, k int) []int32 {
	h := tri*3 + k
	return t.opp[t.first[h]:t.first[h+1]]
}

// Matches reports whether the topology was built from tris.
func (t *Topology) Matches(tris []int32) bool {
	return len(tris)/3 == t.numTris && hashTris(tris) == t.hash
}
