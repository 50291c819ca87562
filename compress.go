package main

import (
	"math/rand"
)

// ===========================================================================
// COMPRESSION / DECOMPRESSION
// ===========================================================================
//
// The compressor halves the sequence length (or both grid axes in 2-D mode)
// once per step with a strided convolution, preceded by a residual conv
// prologue and, optionally, a cross-attention to the conditioning encoder.
// The decompressor mirrors it in reverse: each step doubles the length by
// widening channels and folding them back into positions (a reshape in 1-D,
// depth-to-space in 2-D).
//
// Both halves preserve the channel count, so a round trip maps
// [B, L, 1, H] -> [B, L/2^steps, 1, H] -> [B, L, 1, H].

// attendBlock is a single pre-norm cross-attention with a residual add,
// used to let compression stages peek at the conditioning encoder output.
type attendBlock struct {
	norm *LayerNorm
	attn *MultiHeadAttention
}

func newAttendBlock(cfg Config) *attendBlock {
	return &attendBlock{
		norm: NewLayerNorm(cfg.HiddenSize),
		attn: NewMultiHeadAttention(cfg.HiddenSize, cfg.NumHeads),
	}
}

// Forward attends x [B, d1, d2, H] over source [B, Lm, H] and returns the
// residual sum in x's shape.
func (a *attendBlock) Forward(x, source *Tensor) *Tensor {
	shape := x.Shape()
	flat := addTimingSignal(flatten4D3D(x))
	y := a.attn.Forward(a.norm.Forward(flat), source, nil)
	return Add(flat, y).Reshape(shape...)
}

// Compressor reduces sequence length by a factor of two per step.
type Compressor struct {
	cfg      Config
	prologue *ResidualConvBlock
	attend   *attendBlock          // nil unless DoAttendCompress
	preSteps []*ResidualConvBlock  // nil unless DoResidualCompress
	strided  []*ConvBlock
}

// NewCompressor builds the compression stack for the configuration.
func NewCompressor(cfg Config) *Compressor {
	kh, kw := 3, 1
	sh, sw := 2, 1
	if cfg.Is2D {
		kh, kw = 3, 3
		sh, sw = 2, 2
	}

	c := &Compressor{
		cfg:      cfg,
		prologue: NewResidualConvBlock(cfg.HiddenSize, cfg.NumCompressSteps, kh, kw, cfg.Dropout),
	}
	if cfg.DoAttendCompress {
		c.attend = newAttendBlock(cfg)
	}

	c.strided = make([]*ConvBlock, cfg.NumCompressSteps)
	if cfg.DoResidualCompress {
		c.preSteps = make([]*ResidualConvBlock, cfg.NumCompressSteps)
	}
	for i := 0; i < cfg.NumCompressSteps; i++ {
		if cfg.DoResidualCompress {
			c.preSteps[i] = NewResidualConvBlock(cfg.HiddenSize, cfg.NumCompressSteps, kh, kw, cfg.Dropout)
		}
		spec := []KernelSpec{{1, 1, sh, sw}}
		c.strided[i] = NewConvBlock(cfg.HiddenSize, cfg.HiddenSize, spec, sh, sw, true)
	}
	return c
}

// Forward compresses x [B, d1, d2, H]. encOut is the conditioning encoder
// output [B, Lm, H], or nil when compression runs unconditionally. The
// spatial extent must already be padded to a multiple of the compression
// factor.
func (c *Compressor) Forward(x, encOut *Tensor, mode Mode, rng *rand.Rand) *Tensor {
	cur := c.prologue.Forward(x, mode, rng)
	if c.attend != nil && encOut != nil {
		cur = c.attend.Forward(cur, encOut)
	}
	for i := 0; i < c.cfg.NumCompressSteps; i++ {
		if c.preSteps != nil {
			cur = c.preSteps[i].Forward(cur, mode, rng)
		}
		cur = c.strided[i].Forward(cur)
	}
	return cur
}

// decompressStep widens channels with a 1x1 conv and folds the extra
// channels back into spatial positions.
type decompressStep struct {
	is2D bool
	conv *ConvBlock
}

func newDecompressStep(cfg Config, firstReLU bool) *decompressStep {
	multiplier := 2
	if cfg.Is2D {
		multiplier = 4
	}
	spec := []KernelSpec{{1, 1, 1, 1}}
	return &decompressStep{
		is2D: cfg.Is2D,
		conv: NewConvBlock(cfg.HiddenSize, cfg.HiddenSize*multiplier, spec, 1, 1, firstReLU),
	}
}

// Forward maps [B, L, 1, H] -> [B, 2L, 1, H], or [B, H, W, C] -> [B, 2H, 2W, C]
// in 2-D mode.
func (d *decompressStep) Forward(x *Tensor) *Tensor {
	thicker := d.conv.Forward(x)
	if d.is2D {
		return depthToSpace(thicker)
	}
	batch, length, hidden := thicker.shape[0], thicker.shape[1], thicker.shape[3]/2
	return thicker.Reshape(batch, length*2, 1, hidden)
}

// Decompressor doubles the sequence length once per compression step,
// interleaving residual conv blocks and optional attention to the encoder.
type Decompressor struct {
	cfg       Config
	residuals []*ResidualConvBlock
	attends   []*attendBlock // nil unless DoAttendDecompress
	steps     []*decompressStep
}

// NewDecompressor builds the decompression stack mirroring NewCompressor.
func NewDecompressor(cfg Config) *Decompressor {
	kh, kw := 3, 1
	if cfg.Is2D {
		kh, kw = 3, 3
	}

	d := &Decompressor{cfg: cfg}
	d.residuals = make([]*ResidualConvBlock, cfg.NumCompressSteps)
	d.steps = make([]*decompressStep, cfg.NumCompressSteps)
	if cfg.DoAttendDecompress {
		d.attends = make([]*attendBlock, cfg.NumCompressSteps)
	}
	for i := 0; i < cfg.NumCompressSteps; i++ {
		d.residuals[i] = NewResidualConvBlock(cfg.HiddenSize, 1, kh, kw, cfg.Dropout)
		if cfg.DoAttendDecompress {
			d.attends[i] = newAttendBlock(cfg)
		}
		// The first step skips its leading ReLU so quantized latents enter
		// the stack unclipped.
		d.steps[i] = newDecompressStep(cfg, i > 0)
	}
	return d
}

// Forward expands latents back to the original spatial extent. encOut may be
// nil, in which case the attention stages are skipped.
func (d *Decompressor) Forward(latents, encOut *Tensor, mode Mode, rng *rand.Rand) *Tensor {
	cur := latents
	for i := 0; i < d.cfg.NumCompressSteps; i++ {
		cur = d.residuals[i].Forward(cur, mode, rng)
		if d.attends != nil && encOut != nil {
			cur = d.attends[i].Forward(cur, encOut)
		}
		cur = d.steps[i].Forward(cur)
	}
	return cur
}
