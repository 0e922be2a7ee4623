// Command diffrender renders a small scene with the differentiable
// pipeline and fits the scene back to a reference image by gradient
// descent, writing WebP snapshots and a manifest.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"

	"diffrast"
	"diffrast/internal/imageio"
)

func main() {
	// CLI flags
	configFile := flag.String("config", "", "Path to a JSON or YAML config file")
	width := flag.Int("width", 0, "Image width in pixels (default: 64)")
	height := flag.Int("height", 0, "Image height in pixels (default: 64)")
	samples := flag.Int("samples", 0, "Multisample count, a perfect square (default: 1)")
	filter := flag.String("filter", "", "Texture filter: nearest, linear, linear-mipmap-nearest, linear-mipmap-linear, anisotropic")
	sceneName := flag.String("scene", "", "Scene: quad or edge (default: quad)")
	tex := flag.String("texture", "", "Texture file for the quad scene (default: checkerboard)")
	outputDir := flag.String("output", "", "Output directory (default: .)")
	steps := flag.Int("steps", 0, "Gradient descent steps (default: 0, render only)")
	workers := flag.Int("workers", 0, "Number of worker goroutines (default: NumCPU)")
	verbose := flag.Bool("v", false, "Log per-op details")

	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	diffrast.SetLogger(logger)

	// Load config
	var cfg diffrast.Config
	if *configFile != "" {
		var err error
		cfg, err = diffrast.LoadConfig(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
	}

	// CLI flags override config file
	err := cfg.Resolve(diffrast.ConfigFlags{
		Width:     *width,
		Height:    *height,
		Samples:   *samples,
		Filter:    *filter,
		Scene:     *sceneName,
		Texture:   *tex,
		OutputDir: *outputDir,
		Steps:     *steps,
		Workers:   *workers,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.OutputDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	start := time.Now()
	entries, err := run(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	manifest := filepath.Join(cfg.OutputDir, "manifest.json")
	if err := imageio.WriteManifest(manifest, entries); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	logger.Info("done", "images", len(entries), "elapsed", time.Since(start).Round(time.Millisecond), "manifest", manifest)
}

// run renders the reference, then fits a perturbed copy of the scene to it.
// The edge scene fits vertex positions, the quad scene fits the texture.
func run(cfg diffrast.Config, logger *slog.Logger) ([]imageio.ManifestEntry, error) {
	ctx := diffrast.FromConfig(cfg)
	r := &renderer{ctx: ctx, cfg: cfg}
	cache := ctx.NewTextureCache(cfg.MaxMipLevel())
	defer cache.Release()

	var target, fit *scene
	var err error
	switch cfg.Scene {
	case "edge":
		if target, err = edgeScene(0); err == nil {
			fit, err = edgeScene(0.25)
		}
	default:
		aspect := float32(cfg.Width) / float32(cfg.Height)
		var base *diffrast.Tensor
		if base, err = loadTexture(cache, cfg.Texture); err != nil {
			return nil, err
		}
		if target, err = quadScene(aspect, base); err == nil {
			gray := diffrast.NewTensor(base.Shape...)
			for i := range gray.Data {
				gray.Data[i] = 0.5
			}
			fit, err = quadScene(aspect, gray)
		}
	}
	if err != nil {
		return nil, err
	}

	var entries []imageio.ManifestEntry
	ref, err := r.forward(target)
	if err != nil {
		return nil, fmt.Errorf("render reference: %w", err)
	}
	defer ref.release()
	e, err := snapshot(cfg, "reference", ref.out, 0, 0)
	if err != nil {
		return nil, err
	}
	entries = append(entries, e)
	logger.Info("reference rendered", "scene", cfg.Scene, "size", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height), "samples", cfg.Samples, "edges", ref.aa.State.NumEdges())

	if cfg.Steps == 0 {
		return entries, nil
	}

	bar := progressbar.Default(int64(cfg.Steps), "fitting")
	var loss float64
	for step := range cfg.Steps {
		f, err := r.forward(fit)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", step, err)
		}
		if step == 0 {
			if e, err = snapshot(cfg, "initial", f.out, step, 0); err != nil {
				f.release()
				return nil, err
			}
			entries = append(entries, e)
		}

		var dOut *diffrast.Tensor
		loss, dOut, err = l2(f.out, ref.out)
		if err == nil {
			err = descend(r, fit, f, dOut, float32(cfg.LearningRate))
		}
		f.release()
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", step, err)
		}
		logger.Debug("step", "n", step, "loss", loss)
		_ = bar.Add(1)
	}
	_ = bar.Finish()

	f, err := r.forward(fit)
	if err != nil {
		return nil, err
	}
	defer f.release()
	if loss, _, err = l2(f.out, ref.out); err != nil {
		return nil, err
	}
	if e, err = snapshot(cfg, "fitted", f.out, cfg.Steps, loss); err != nil {
		return nil, err
	}
	logger.Info("fit finished", "steps", cfg.Steps, "loss", loss)
	return append(entries, e), nil
}

// descend takes one gradient step on the free parameters of s.
func descend(r *renderer, s *scene, f *frame, dOut *diffrast.Tensor, lr float32) error {
	dPos, dTex, err := r.backward(s, f, dOut)
	if err != nil {
		return err
	}
	if s.textured() {
		// Texel gradients are tiny per texel; scale by the texel count.
		n := float32(len(s.tex.Data))
		for i, g := range dTex.Data {
			s.tex.Data[i] = min(max(s.tex.Data[i]-lr*n*g, 0), 1)
		}
		return nil
	}
	// Only x and y move; w stays 1 and depth keeps the draw order.
	for v := range s.pos.Shape[1] {
		for c := range 2 {
			s.pos.Data[v*4+c] -= lr * dPos.Data[v*4+c]
		}
	}
	return nil
}

func snapshot(cfg diffrast.Config, name string, out *diffrast.Tensor, step int, loss float64) (imageio.ManifestEntry, error) {
	img, err := imageio.ToImage(out, 0, true)
	if err != nil {
		return imageio.ManifestEntry{}, err
	}
	if cfg.PreviewScale > 1 {
		img = imageio.Scale(img, float64(cfg.PreviewScale))
	}
	file := name + ".webp"
	if err := imageio.WriteWebP(filepath.Join(cfg.OutputDir, file), img); err != nil {
		return imageio.ManifestEntry{}, err
	}
	return imageio.ManifestEntry{Name: name, Image: file, Step: step, Loss: loss}, nil
}
