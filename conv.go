package main

import (
	"math"
	"math/rand"
)

// ===========================================================================
// CONVOLUTION PRIMITIVES
// ===========================================================================
//
// Convolutions here operate on [batch, d1, d2, channels] tensors with SAME
// padding. In 1-D sequence mode d2 is 1 and kernels are (k, 1); in 2-D
// image-grid mode kernels become square. Strided convolutions halve a spatial
// dimension when the stride matches the kernel, which is how the compressor
// steps down by a factor of two per stage.
//
// The residual block used throughout compression and decompression is:
//
//   x + dropout(conv3(conv2(conv1(layernorm(x)))))
//
// with three unit-dilation convolutions of the same kernel, ReLU between
// them, and the residual add keeping gradients well-behaved at depth.

// LayerNorm normalizes over the channel (last) axis with learned scale and
// shift, y = gamma * (x - mean)/sigma + beta.
type LayerNorm struct {
	dim   int
	eps   float64
	gamma *Tensor
	beta  *Tensor
}

// NewLayerNorm creates an identity-initialized layer normalization.
func NewLayerNorm(dim int) *LayerNorm {
	gamma := NewTensor(dim)
	beta := NewTensor(dim)
	for i := 0; i < dim; i++ {
		gamma.data[i] = 1.0
	}
	return &LayerNorm{dim: dim, eps: 1e-6, gamma: gamma, beta: beta}
}

// Forward normalizes each channel vector independently. Works on any rank;
// the last axis must equal the layer's dimension.
func (ln *LayerNorm) Forward(x *Tensor) *Tensor {
	features := x.shape[len(x.shape)-1]
	if features != ln.dim {
		panic("layernorm: channel dimension mismatch")
	}

	rows := len(x.data) / features
	out := NewTensor(x.shape...)

	for r := 0; r < rows; r++ {
		row := x.data[r*features : (r+1)*features]
		outRow := out.data[r*features : (r+1)*features]

		mean := 0.0
		for _, v := range row {
			mean += v
		}
		mean /= float64(features)

		variance := 0.0
		for _, v := range row {
			d := v - mean
			variance += d * d
		}
		variance /= float64(features)

		std := math.Sqrt(variance + ln.eps)
		for i, v := range row {
			outRow[i] = (v-mean)/std*ln.gamma.data[i] + ln.beta.data[i]
		}
	}

	return out
}

// ConvLayer is a single 2-D convolution with SAME padding.
type ConvLayer struct {
	kernelH, kernelW     int
	dilationH, dilationW int
	strideH, strideW     int
	weight               *Tensor // [kh, kw, inC, outC]
	bias                 *Tensor // [outC]
}

// NewConvLayer creates a convolution layer with scaled random weights.
func NewConvLayer(inC, outC, kh, kw, dh, dw, sh, sw int) *ConvLayer {
	weight := NewTensorRand(kh, kw, inC, outC)
	scale := math.Sqrt(2.0 / float64(kh*kw*inC))
	for i := range weight.data {
		weight.data[i] *= scale
	}

	return &ConvLayer{
		kernelH: kh, kernelW: kw,
		dilationH: dh, dilationW: dw,
		strideH: sh, strideW: sw,
		weight: weight,
		bias:   NewTensor(outC),
	}
}

// Forward applies the convolution to x of shape [B, H, W, inC] and returns
// [B, ceil(H/strideH), ceil(W/strideW), outC].
func (l *ConvLayer) Forward(x *Tensor) *Tensor {
	if len(x.shape) != 4 {
		panic("conv: input must be 4D [batch, d1, d2, channels]")
	}

	batch, inH, inW, inC := x.shape[0], x.shape[1], x.shape[2], x.shape[3]
	if inC != l.weight.shape[2] {
		panic("conv: input channel mismatch")
	}
	outC := l.weight.shape[3]

	outH := (inH + l.strideH - 1) / l.strideH
	outW := (inW + l.strideW - 1) / l.strideW

	effKH := (l.kernelH-1)*l.dilationH + 1
	effKW := (l.kernelW-1)*l.dilationW + 1
	padH := max0((outH-1)*l.strideH + effKH - inH)
	padW := max0((outW-1)*l.strideW + effKW - inW)
	padTop, padLeft := padH/2, padW/2

	out := NewTensor(batch, outH, outW, outC)

	for b := 0; b < batch; b++ {
		for oh := 0; oh < outH; oh++ {
			for ow := 0; ow < outW; ow++ {
				for oc := 0; oc < outC; oc++ {
					sum := l.bias.data[oc]
					for kh := 0; kh < l.kernelH; kh++ {
						ih := oh*l.strideH + kh*l.dilationH - padTop
						if ih < 0 || ih >= inH {
							continue
						}
						for kw := 0; kw < l.kernelW; kw++ {
							iw := ow*l.strideW + kw*l.dilationW - padLeft
							if iw < 0 || iw >= inW {
								continue
							}
							for ic := 0; ic < inC; ic++ {
								sum += x.At(b, ih, iw, ic) * l.weight.At(kh, kw, ic, oc)
							}
						}
					}
					out.Set(sum, b, oh, ow, oc)
				}
			}
		}
	}

	return out
}

// ConvBlock is a stack of convolutions with ReLU between them. The leading
// ReLU is optional so a block can sit directly on raw embeddings.
type ConvBlock struct {
	layers    []*ConvLayer
	firstReLU bool
}

// KernelSpec pairs a dilation with a kernel size.
type KernelSpec struct {
	DilationH, DilationW int
	KernelH, KernelW     int
}

// NewConvBlock builds a conv stack. The stride applies to every layer; the
// strided compressor stages use a single-layer block.
func NewConvBlock(inC, outC int, specs []KernelSpec, strideH, strideW int, firstReLU bool) *ConvBlock {
	layers := make([]*ConvLayer, len(specs))
	for i, s := range specs {
		layerIn := inC
		if i > 0 {
			layerIn = outC
		}
		layers[i] = NewConvLayer(layerIn, outC, s.KernelH, s.KernelW,
			s.DilationH, s.DilationW, strideH, strideW)
	}
	return &ConvBlock{layers: layers, firstReLU: firstReLU}
}

// Forward applies the stack.
func (cb *ConvBlock) Forward(x *Tensor) *Tensor {
	for i, layer := range cb.layers {
		if i > 0 || cb.firstReLU {
			x = ReLU(x)
		}
		x = layer.Forward(x)
	}
	return x
}

// ResidualConvBlock repeats layernorm -> 3-deep conv stack -> dropout ->
// residual add.
type ResidualConvBlock struct {
	repeat  int
	norms   []*LayerNorm
	convs   []*ConvBlock
	dropout float64
}

// NewResidualConvBlock builds `repeat` residual units over `hidden` channels
// with kernel (kh, kw).
func NewResidualConvBlock(hidden, repeat, kh, kw int, dropout float64) *ResidualConvBlock {
	specs := []KernelSpec{
		{1, 1, kh, kw},
		{1, 1, kh, kw},
		{1, 1, kh, kw},
	}
	norms := make([]*LayerNorm, repeat)
	convs := make([]*ConvBlock, repeat)
	for i := 0; i < repeat; i++ {
		norms[i] = NewLayerNorm(hidden)
		convs[i] = NewConvBlock(hidden, hidden, specs, 1, 1, false)
	}
	return &ResidualConvBlock{repeat: repeat, norms: norms, convs: convs, dropout: dropout}
}

// Forward applies the residual units. Dropout is active only in training.
func (r *ResidualConvBlock) Forward(x *Tensor, mode Mode, rng *rand.Rand) *Tensor {
	for i := 0; i < r.repeat; i++ {
		y := r.convs[i].Forward(r.norms[i].Forward(x))
		y = dropoutTensor(y, r.dropout, mode, rng)
		x = Add(x, y)
	}
	return x
}

// depthToSpace rearranges [B, H, W, 4C] into [B, 2H, 2W, C] with 2x2 block
// layout, the inverse of a stride-2 space-to-depth.
func depthToSpace(x *Tensor) *Tensor {
	if len(x.shape) != 4 {
		panic("depth_to_space: input must be 4D")
	}
	batch, h, w, c4 := x.shape[0], x.shape[1], x.shape[2], x.shape[3]
	if c4%4 != 0 {
		panic("depth_to_space: channels must be divisible by 4")
	}
	c := c4 / 4

	out := NewTensor(batch, h*2, w*2, c)
	for b := 0; b < batch; b++ {
		for i := 0; i < h; i++ {
			for j := 0; j < w; j++ {
				for di := 0; di < 2; di++ {
					for dj := 0; dj < 2; dj++ {
						for ch := 0; ch < c; ch++ {
							v := x.At(b, i, j, (di*2+dj)*c+ch)
							out.Set(v, b, i*2+di, j*2+dj, ch)
						}
					}
				}
			}
		}
	}
	return out
}

// dropoutTensor applies inverted dropout in training mode and is the
// identity otherwise.
func dropoutTensor(x *Tensor, rate float64, mode Mode, rng *rand.Rand) *Tensor {
	if mode != ModeTrain || rate <= 0 {
		return x
	}

	keep := 1.0 - rate
	out := NewTensor(x.shape...)
	for i, v := range x.data {
		if rng.Float64() < keep {
			out.data[i] = v / keep
		}
	}
	return out
}

func max0(v int) int {
	if v < 0 {
		return 0
	}
	return v
}
