package main

import (
	"testing"

	"diffrast"
)

func testRenderer(t *testing.T, scene string, samples int) *renderer {
	t.Helper()
	cfg := diffrast.Config{Width: 16, Height: 12, Samples: samples, Scene: scene, Filter: diffrast.LinearMipmapLinear}
	if err := cfg.Resolve(diffrast.ConfigFlags{Workers: 2}); err != nil {
		t.Fatal(err)
	}
	return &renderer{ctx: diffrast.FromConfig(cfg), cfg: cfg}
}

func TestL2(t *testing.T) {
	got, _ := diffrast.TensorFrom([]float32{1, 2}, 1, 1, 1, 2)
	want, _ := diffrast.TensorFrom([]float32{0, 2}, 1, 1, 1, 2)
	loss, g, err := l2(got, want)
	if err != nil {
		t.Fatal(err)
	}
	if loss != 0.5 || g.Data[0] != 1 || g.Data[1] != 0 {
		t.Errorf("l2 = %v, %v", loss, g.Data)
	}
	if _, _, err := l2(got, diffrast.NewTensor(1, 1, 1, 3)); err == nil {
		t.Error("size mismatch not reported")
	}
}

func TestScenesRoundTrip(t *testing.T) {
	edge, err := edgeScene(0.1)
	if err != nil {
		t.Fatal(err)
	}
	quad, err := quadScene(16.0/12.0, checker(16, 4))
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name  string
		scene *scene
		chans int
	}{
		{"edge", edge, 3},
		{"quad", quad, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := testRenderer(t, tt.name, 1)
			f, err := r.forward(tt.scene)
			if err != nil {
				t.Fatal(err)
			}
			defer f.release()
			if s := f.out.Shape; s[1] != 12 || s[2] != 16 || s[3] != tt.chans {
				t.Fatalf("output shape = %v", s)
			}
			if f.out.Sum() == 0 {
				t.Fatal("empty render")
			}
			dPos, dTex, err := r.backward(tt.scene, f, f.out)
			if err != nil {
				t.Fatal(err)
			}
			if len(dPos.Data) != len(tt.scene.pos.Data) {
				t.Errorf("dPos length = %d", len(dPos.Data))
			}
			if tt.scene.textured() != (dTex != nil) {
				t.Errorf("dTex presence = %v", dTex != nil)
			}
		})
	}
}

func TestMultisampledOutputKeepsImageSize(t *testing.T) {
	edge, err := edgeScene(0.1)
	if err != nil {
		t.Fatal(err)
	}
	quad, err := quadScene(16.0/12.0, checker(16, 4))
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name  string
		scene *scene
		chans int
	}{
		{"edge", edge, 3},
		{"quad", quad, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := testRenderer(t, tt.name, 4)
			f, err := r.forward(tt.scene)
			if err != nil {
				t.Fatal(err)
			}
			defer f.release()
			if f.rec.Height != 24 || f.rec.Width != 32 {
				t.Errorf("record grid = %dx%d, want 24x32", f.rec.Height, f.rec.Width)
			}
			want := []int{1, 12, 16, tt.chans}
			for i, d := range want {
				if f.out.Shape[i] != d {
					t.Fatalf("output shape = %v, want %v", f.out.Shape, want)
				}
			}
		})
	}
}
