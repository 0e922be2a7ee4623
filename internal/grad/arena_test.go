package grad

import (
	"math/rand"
	"testing"
)

func TestArenaReduceMatchesSerialSum(t *testing.T) {
	const (
		units = 16
		keys  = 37
		width = 3
	)
	rng := rand.New(rand.NewSource(1))

	a := NewArena[float64](units, width)
	want := make([]float64, keys*width)
	for u := range units {
		s := a.Shard(u)
		for range 200 {
			k := rng.Intn(keys)
			v := []float64{rng.Float64(), rng.Float64(), rng.Float64()}
			s.Add(k, 2, v)
			for c := range width {
				want[k*width+c] += 2 * v[c]
			}
		}
	}

	for _, workers := range []int{1, 3, 8} {
		got := make([]float64, keys*width)
		if err := a.Reduce(got, workers); err != nil {
			t.Fatal(err)
		}
		for i := range want {
			if d := got[i] - want[i]; d > 1e-9 || d < -1e-9 {
				t.Fatalf("workers=%d: dst[%d] = %v, want %v", workers, i, got[i], want[i])
			}
		}
	}
}

func TestArenaReduceDeterministic(t *testing.T) {
	build := func() *Arena[float32] {
		a := NewArena[float32](8, 1)
		for u := range 8 {
			for i := range 1000 {
				a.Shard(u).AddAt(i%5, 0, float32(i)*1e-3+float32(u))
			}
		}
		return a
	}
	first := make([]float32, 5)
	if err := build().Reduce(first, 4); err != nil {
		t.Fatal(err)
	}
	for range 5 {
		again := make([]float32, 5)
		if err := build().Reduce(again, 4); err != nil {
			t.Fatal(err)
		}
		for i := range first {
			if again[i] != first[i] {
				t.Fatalf("non-deterministic reduction at key %d: %v != %v", i, again[i], first[i])
			}
		}
	}
}

func TestShardMergesConsecutiveKeys(t *testing.T) {
	a := NewArena[float32](1, 2)
	s := a.Shard(0)
	s.Add(4, 1, []float32{1, 2})
	s.Add(4, 1, []float32{1, 2})
	s.Add(3, 1, []float32{5, 5})
	if s.Len() != 2 {
		t.Errorf("Len() = %d, want 2", s.Len())
	}
	dst := make([]float32, 10)
	if err := a.Reduce(dst, 1); err != nil {
		t.Fatal(err)
	}
	if dst[8] != 2 || dst[9] != 4 || dst[6] != 5 {
		t.Errorf("unexpected reduction %v", dst)
	}
	s.Reset()
	if a.Entries() != 0 {
		t.Error("Reset() left entries behind")
	}
}
