package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"

	"diffrast/internal/raster"
	"diffrast/internal/texture"
)

// Config holds the rendering options shared by the ops and the CLI.
type Config struct {
	// Rasterization
	Width   int `json:"width" yaml:"width"`
	Height  int `json:"height" yaml:"height"`
	Samples int `json:"samples" yaml:"samples"` // multisample count, 1 or a perfect square

	// Texture sampling
	Filter    texture.Filter   `json:"filter" yaml:"filter"`
	Boundary  texture.Boundary `json:"boundary" yaml:"boundary"`
	MaxAniso  int              `json:"max_aniso" yaml:"max_aniso"`
	LODBias   float64          `json:"lod_bias" yaml:"lod_bias"`
	MipLevels int              `json:"mip_levels" yaml:"mip_levels"` // 0 builds the full chain

	// Antialiasing
	MeshBorder bool    `json:"mesh_border" yaml:"mesh_border"`
	BgSubpixel bool    `json:"bg_subpixel" yaml:"bg_subpixel"`
	BgWeight   float32 `json:"bg_weight" yaml:"bg_weight"`

	// Runtime
	Workers       int   `json:"workers" yaml:"workers"`
	MemoryLimitMB int64 `json:"memory_limit_mb" yaml:"memory_limit_mb"` // 0 is unlimited

	// CLI
	Scene        string  `json:"scene" yaml:"scene"`
	Texture      string  `json:"texture" yaml:"texture"`
	OutputDir    string  `json:"output_dir" yaml:"output_dir"`
	PreviewScale int     `json:"preview_scale" yaml:"preview_scale"`
	Steps        int     `json:"steps" yaml:"steps"`
	LearningRate float64 `json:"learning_rate" yaml:"learning_rate"`
}

// Load reads a JSON or YAML config file, chosen by extension.
// Fields not set in the file keep their zero values.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	return cfg, nil
}

// Flags holds CLI flag values that override config file settings.
type Flags struct {
	Width     int
	Height    int
	Samples   int
	Filter    string
	Scene     string
	Texture   string
	OutputDir string
	Steps     int
	Workers   int
}

// Resolve applies flag overrides and fills in defaults.
// CLI flags take priority when non-zero/non-empty.
func (c *Config) Resolve(flags Flags) error {
	// CLI flags override config file
	if flags.Width > 0 {
		c.Width = flags.Width
	}
	if flags.Height > 0 {
		c.Height = flags.Height
	}
	if flags.Samples > 0 {
		c.Samples = flags.Samples
	}
	if flags.Filter != "" {
		if err := c.Filter.UnmarshalText([]byte(flags.Filter)); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	if flags.Scene != "" {
		c.Scene = flags.Scene
	}
	if flags.Texture != "" {
		c.Texture = flags.Texture
	}
	if flags.OutputDir != "" {
		c.OutputDir = flags.OutputDir
	}
	if flags.Steps > 0 {
		c.Steps = flags.Steps
	}
	if flags.Workers > 0 {
		c.Workers = flags.Workers
	}

	// Defaults
	if c.Width <= 0 {
		c.Width = 64
	}
	if c.Height <= 0 {
		c.Height = 64
	}
	if c.Samples <= 0 {
		c.Samples = 1
	}
	if c.MaxAniso <= 0 {
		c.MaxAniso = texture.DefaultMaxAniso
	}
	if c.BgWeight == 0 {
		c.BgWeight = 1
	}
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.Scene == "" {
		c.Scene = "quad"
	}
	if c.OutputDir == "" {
		c.OutputDir = "."
	}
	if c.PreviewScale <= 0 {
		c.PreviewScale = 1
	}
	if c.LearningRate <= 0 {
		c.LearningRate = 0.01
	}
	return c.Validate()
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if raster.SampleFactor(c.Samples) == 0 {
		errs = append(errs, fmt.Errorf("config: samples %d is not a perfect square", c.Samples))
	}
	if c.MipLevels < 0 {
		errs = append(errs, fmt.Errorf("config: mip_levels %d is negative", c.MipLevels))
	}
	if c.MemoryLimitMB < 0 {
		errs = append(errs, fmt.Errorf("config: memory_limit_mb %d is negative", c.MemoryLimitMB))
	}
	switch c.Scene {
	case "quad", "edge":
	default:
		errs = append(errs, fmt.Errorf("config: unknown scene %q", c.Scene))
	}
	return errors.Join(errs...)
}

// MaxMipLevel converts MipLevels to the index of the last level to build,
// -1 for a full chain.
func (c *Config) MaxMipLevel() int {
	return c.MipLevels - 1
}

// MemoryLimit returns the budget limit in bytes.
func (c *Config) MemoryLimit() int64 {
	return c.MemoryLimitMB << 20
}

// TextureOptions returns the sampler settings.
func (c *Config) TextureOptions() texture.Options {
	return texture.Options{
		Filter:   c.Filter,
		Boundary: c.Boundary,
		MaxAniso: c.MaxAniso,
		LODBias:  c.LODBias,
		Workers:  c.Workers,
	}
}
