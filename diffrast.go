// Package diffrast renders batched triangle meshes into pixel buffers with
// differentiable forward/backward operations for a host autodiff graph:
// rasterization, attribute interpolation, mipmapped texture sampling,
// analytic antialiasing and multisample resolve.
//
// Every op takes dense float32 tensors and returns new ones. A nil gradient
// argument to a backward op means that output received no gradient.
package diffrast

import (
	"log/slog"

	"diffrast/internal/antialias"
	"diffrast/internal/config"
	"diffrast/internal/interp"
	"diffrast/internal/logging"
	"diffrast/internal/mem"
	"diffrast/internal/raster"
	"diffrast/internal/tensor"
	"diffrast/internal/texture"
)

type (
	Tensor   = tensor.Tensor
	Records  = raster.Records
	Producer = raster.Producer
	Pyramid  = texture.Pyramid
	Topology = antialias.Topology

	InterpolateOptions = interp.Options
	InterpolateGrads   = interp.Grads
	TextureOptions     = texture.Options
	TextureGrads       = texture.Grads
	Filter             = texture.Filter
	Boundary           = texture.Boundary
	AntialiasOptions   = antialias.Options
	AntialiasResult    = antialias.Result
	AntialiasGrads     = antialias.Grads
	AntialiasState     = antialias.State
	EdgeRecord         = antialias.EdgeRecord
	TextureCache       = texture.Cache

	// Config holds the settings of a rendering run; ConfigFlags override
	// them in Config.Resolve.
	Config      = config.Config
	ConfigFlags = config.Flags
)

// Error sentinels matched with errors.Is.
var (
	ErrShape      = tensor.ErrShape
	ErrIndexRange = tensor.ErrIndexRange
	ErrResource   = mem.ErrResource
)

// Texture filters and boundary modes.
const (
	Nearest             = texture.Nearest
	Linear              = texture.Linear
	LinearMipmapNearest = texture.LinearMipmapNearest
	LinearMipmapLinear  = texture.LinearMipmapLinear
	Anisotropic         = texture.Anisotropic

	Wrap   = texture.Wrap
	Clamp  = texture.Clamp
	Mirror = texture.Mirror
	Zero   = texture.Zero
)

// NewTensor allocates a zeroed tensor.
func NewTensor(shape ...int) *Tensor { return tensor.New(shape...) }

// TensorFrom wraps data without copying.
func TensorFrom(data []float32, shape ...int) (*Tensor, error) {
	return tensor.FromSlice(data, shape...)
}

// SetLogger installs l for all ops. Nil restores the silent default.
func SetLogger(l *slog.Logger) { logging.Set(l) }

// Options configures a Context.
type Options struct {
	// Workers bounds the goroutines of every op; 0 uses all CPUs.
	Workers int

	// MemoryLimit caps the bytes held by records and mip pyramids; 0 is
	// unlimited.
	MemoryLimit int64

	// Producer replaces the software rasterizer.
	Producer Producer
}

// Context holds the producer and the memory budget shared by a sequence of
// ops. It is safe for concurrent use.
type Context struct {
	producer Producer
	budget   *mem.Budget
	workers  int
}

// New returns a context.
func New(opts Options) *Context {
	c := &Context{
		producer: opts.Producer,
		budget:   mem.NewBudget(opts.MemoryLimit),
		workers:  opts.Workers,
	}
	if c.producer == nil {
		c.producer = &raster.Software{Workers: opts.Workers, Budget: c.budget}
	}
	return c
}

// LoadConfig reads a JSON or YAML config file. Call Resolve on the result
// before use.
func LoadConfig(path string) (Config, error) { return config.Load(path) }

// FromConfig returns a context for a resolved configuration.
func FromConfig(cfg Config) *Context {
	return New(Options{Workers: cfg.Workers, MemoryLimit: cfg.MemoryLimit()})
}

// NewTextureCache returns a cache of texture files whose mip pyramids, up
// to maxLevel (-1 for a full chain), are charged to the context's budget.
func (c *Context) NewTextureCache(maxLevel int) *TextureCache {
	return texture.NewCache(maxLevel, c.budget)
}

// InUse returns the bytes currently held against the memory budget.
func (c *Context) InUse() int64 { return c.budget.InUse() }

func (c *Context) workersOr(n int) int {
	if n > 0 {
		return n
	}
	return c.workers
}
