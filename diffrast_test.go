package diffrast

import (
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func mustTensor(t *testing.T, data []float32, shape ...int) *Tensor {
	t.Helper()
	x, err := TensorFrom(data, shape...)
	if err != nil {
		t.Fatal(err)
	}
	return x
}

func filled(v float32, shape ...int) *Tensor {
	x := NewTensor(shape...)
	for i := range x.Data {
		x.Data[i] = v
	}
	return x
}

// A far triangle fills a 1x2 image and a near one, its left edge at
// x=-0.2, covers the right pixel. The edge passes 0.2 px left of the right
// pixel center toward the left pixel, which picks up 20% of the near color.
func TestEdgeSceneEndToEnd(t *testing.T) {
	ctx := New(Options{Workers: 2})
	pos := mustTensor(t, []float32{
		-2, 6, 0.2, 1,
		-2, -6, 0.2, 1,
		4, 0, 0.2, 1,
		-0.2, 4, 0, 1,
		-0.2, -4, 0, 1,
		4, 0, 0, 1,
	}, 1, 6, 4)
	tri := []int32{0, 1, 2, 3, 4, 5}

	rec, err := ctx.Rasterize(pos, tri, 1, 2, 1, false)
	if err != nil {
		t.Fatal(err)
	}
	defer rec.Release()
	if rec.TriangleID(0) != 0 || rec.TriangleID(1) != 1 {
		t.Fatalf("ids = %d %d, want 0 1", rec.TriangleID(0), rec.TriangleID(1))
	}

	color := mustTensor(t, []float32{0, 0, 0, 1}, 1, 1, 2, 2)
	res, err := ctx.Antialias(color, rec, pos, tri, nil, AntialiasOptions{MeshBorder: true})
	if err != nil {
		t.Fatal(err)
	}
	want := []float32{0, 0.2, 0, 1}
	for i, w := range want {
		if math.Abs(float64(res.Color.Data[i]-w)) > 1e-5 {
			t.Fatalf("color = %v, want %v", res.Color.Data, want)
		}
	}

	g, err := ctx.AntialiasBackward(res.State, filled(1, 1, 1, 2, 2), nil)
	if err != nil {
		t.Fatal(err)
	}
	wantPos := map[int]float32{3*4 + 0: -0.5, 4*4 + 0: -0.5, 3*4 + 3: -0.1, 4*4 + 3: -0.1}
	for i, got := range g.Pos.Data {
		if math.Abs(float64(got-wantPos[i])) > 1e-5 {
			t.Fatalf("pos grad = %v", g.Pos.Data)
		}
	}
}

// Runs every op of a textured quad forward and back and checks the shapes
// that flow between them.
func TestTexturedQuadChain(t *testing.T) {
	const h, w = 8, 8
	ctx := New(Options{})
	pos := mustTensor(t, []float32{
		-0.9, -0.9, 0.5, 1,
		0.9, -0.9, 0.5, 1,
		0.9, 0.9, 0.5, 1,
		-0.9, 0.9, 0.5, 1,
	}, 1, 4, 4)
	tri := []int32{0, 1, 2, 0, 2, 3}
	uv := mustTensor(t, []float32{0, 0, 1, 0, 1, 1, 0, 1}, 1, 4, 2)

	rec, err := ctx.Rasterize(pos, tri, h, w, 4, true)
	if err != nil {
		t.Fatal(err)
	}
	defer rec.Release()
	if rec.Height != 2*h || rec.Width != 2*w {
		t.Fatalf("record grid = %dx%d, want %dx%d", rec.Height, rec.Width, 2*h, 2*w)
	}

	iopts := InterpolateOptions{AllDerivs: true}
	texc, texd, err := ctx.Interpolate(uv, rec, tri, iopts)
	if err != nil {
		t.Fatal(err)
	}
	if got := texd.Shape; got[3] != 4 {
		t.Fatalf("deriv shape = %v", got)
	}

	tex := filled(0.5, 1, 16, 16, 3)
	for i := range tex.Data {
		tex.Data[i] = float32(i%7) / 7
	}
	pyr, err := ctx.BuildMipmaps(tex, -1)
	if err != nil {
		t.Fatal(err)
	}
	defer pyr.Release()
	if pyr.NumLevels() != 5 {
		t.Fatalf("levels = %d, want 5", pyr.NumLevels())
	}

	topts := TextureOptions{Filter: LinearMipmapLinear, Boundary: Clamp}
	color, err := ctx.Texture(pyr, texc, texd, rec, topts)
	if err != nil {
		t.Fatal(err)
	}
	topo, err := BuildTopology(tri, 4)
	if err != nil {
		t.Fatal(err)
	}
	aa, err := ctx.Antialias(color, rec, pos, tri, topo, AntialiasOptions{})
	if err != nil {
		t.Fatal(err)
	}
	out, err := ctx.Resolve(aa.Color, 4)
	if err != nil {
		t.Fatal(err)
	}
	if s := out.Shape; s[1] != h || s[2] != w || s[3] != 3 {
		t.Fatalf("resolved shape = %v", s)
	}

	dy, err := ctx.ResolveBackward(filled(1, 1, h, w, 3), 4)
	if err != nil {
		t.Fatal(err)
	}
	ag, err := ctx.AntialiasBackward(aa.State, dy, nil)
	if err != nil {
		t.Fatal(err)
	}
	tg, err := ctx.TextureBackward(pyr, texc, texd, rec, ag.Color, topts)
	if err != nil {
		t.Fatal(err)
	}
	if tg.Tex == nil || len(tg.Tex.Data) != len(tex.Data) {
		t.Fatal("texture gradient missing or misshaped")
	}
	ig, err := ctx.InterpolateBackward(uv, rec, tri, tg.UV, tg.UVDA, iopts)
	if err != nil {
		t.Fatal(err)
	}
	pg, err := ctx.RasterizeBackward(pos, tri, rec, ig.Rast, ig.DB)
	if err != nil {
		t.Fatal(err)
	}
	for i := range pg.Data {
		pg.Data[i] += ag.Pos.Data[i]
	}
	if len(pg.Data) != 16 {
		t.Fatalf("pos grad length = %d", len(pg.Data))
	}
	for _, v := range pg.Data {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("non-finite position gradient %v", pg.Data)
		}
	}
}

func TestMemoryBudget(t *testing.T) {
	pos := mustTensor(t, []float32{-1, -1, 0, 1, 1, -1, 0, 1, 0, 1, 0, 1}, 1, 3, 4)
	tri := []int32{0, 1, 2}

	small := New(Options{MemoryLimit: 1024})
	if _, err := small.Rasterize(pos, tri, 64, 64, 1, false); !errors.Is(err, ErrResource) {
		t.Fatalf("Rasterize over budget: err = %v, want ErrResource", err)
	}
	if small.InUse() != 0 {
		t.Errorf("failed op left %d bytes held", small.InUse())
	}

	ctx := New(Options{MemoryLimit: 1 << 20})
	rec, err := ctx.Rasterize(pos, tri, 16, 16, 1, true)
	if err != nil {
		t.Fatal(err)
	}
	pyr, err := ctx.BuildMipmaps(filled(1, 1, 32, 32, 4), -1)
	if err != nil {
		t.Fatal(err)
	}
	if ctx.InUse() == 0 {
		t.Fatal("budget does not account for records and pyramid")
	}
	rec.Release()
	pyr.Release()
	if n := ctx.InUse(); n != 0 {
		t.Errorf("InUse() after release = %d, want 0", n)
	}
}

func TestErrorsAreWrapped(t *testing.T) {
	ctx := New(Options{})
	pos := NewTensor(1, 3, 4)
	if _, err := ctx.Rasterize(pos, []int32{0, 1, 5}, 4, 4, 1, false); !errors.Is(err, ErrIndexRange) {
		t.Errorf("bad index: err = %v", err)
	}
	if _, err := ctx.Rasterize(pos, []int32{0, 1, 2}, 4, 4, 3, false); !errors.Is(err, ErrShape) {
		t.Errorf("bad samples: err = %v", err)
	}
}

func writePNG(t *testing.T, size int) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for y := range size {
		for x := range size {
			img.Set(x, y, color.NRGBA{R: uint8(x * 8), G: uint8(y * 8), B: 128, A: 255})
		}
	}
	path := filepath.Join(t.TempDir(), "tex.png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestTextureCacheUsesBudget(t *testing.T) {
	path := writePNG(t, 32)

	ctx := New(Options{MemoryLimit: 1 << 20})
	cache := ctx.NewTextureCache(-1)
	pyr, err := cache.Pyramid(path)
	if err != nil {
		t.Fatal(err)
	}
	if pyr.NumLevels() != 6 {
		t.Errorf("levels = %d, want 6", pyr.NumLevels())
	}
	if ctx.InUse() == 0 {
		t.Fatal("cached pyramid not charged to the budget")
	}
	cache.Release()
	if n := ctx.InUse(); n != 0 {
		t.Errorf("InUse() after cache release = %d, want 0", n)
	}

	small := New(Options{MemoryLimit: 1024})
	if _, err := small.NewTextureCache(-1).Pyramid(path); !errors.Is(err, ErrResource) {
		t.Errorf("Pyramid over budget: err = %v, want ErrResource", err)
	}
}

func TestConfigAtRoot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	data := []byte("width: 20\nheight: 10\nsamples: 4\nfilter: linear\nmemory_limit_mb: 2\n")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Resolve(ConfigFlags{Workers: 3}); err != nil {
		t.Fatal(err)
	}
	if cfg.Filter != Linear || cfg.Samples != 4 || cfg.Workers != 3 {
		t.Errorf("config = %+v", cfg)
	}

	ctx := FromConfig(cfg)
	pos := mustTensor(t, []float32{-1, -1, 0, 1, 1, -1, 0, 1, 0, 1, 0, 1}, 1, 3, 4)
	rec, err := ctx.Rasterize(pos, []int32{0, 1, 2}, cfg.Height, cfg.Width, cfg.Samples, false)
	if err != nil {
		t.Fatal(err)
	}
	defer rec.Release()
	if rec.Height != 20 || rec.Width != 40 {
		t.Errorf("record grid = %dx%d, want 20x40", rec.Height, rec.Width)
	}
}
