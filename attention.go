package main

import (
	"math"
)

// ===========================================================================
// ATTENTION
// ===========================================================================
//
// Multi-head attention in the query/memory formulation: self-attention passes
// the same tensor for both, cross-attention takes the decoder state as query
// and the encoder output as memory. Masking is additive -- a bias tensor of
// 0 / -1e9 values added to the raw scores before softmax -- so causal masks,
// padding masks, and "no mask" compose the same way.
//
// Activations at this layer are 3-D [batch, length, hidden]; the 4-D
// [batch, length, 1, hidden] convention of the conv stack is squeezed at the
// call site and expanded back after.

const attentionNegInf = -1e9

// Dense is a learned affine map over the last axis: y = x @ W + b.
type Dense struct {
	in, out int
	weight  *Tensor // [in, out]
	bias    *Tensor // [out]
}

// NewDense creates a dense layer with scaled random weights.
func NewDense(in, out int) *Dense {
	weight := NewTensorRand(in, out)
	scale := math.Sqrt(2.0 / float64(in))
	for i := range weight.data {
		weight.data[i] *= scale
	}
	return &Dense{in: in, out: out, weight: weight, bias: NewTensor(out)}
}

// Forward applies the layer over the last axis of a tensor of any rank.
func (d *Dense) Forward(x *Tensor) *Tensor {
	features := x.shape[len(x.shape)-1]
	if features != d.in {
		panic("dense: input feature mismatch")
	}

	rows := len(x.data) / features
	flat := x.Reshape(rows, features)
	out := MatMul(flat, d.weight)

	for r := 0; r < rows; r++ {
		for c := 0; c < d.out; c++ {
			out.data[r*d.out+c] += d.bias.data[c]
		}
	}

	outShape := x.Shape()
	outShape[len(outShape)-1] = d.out
	return out.Reshape(outShape...)
}

// AttentionBias is an additive mask of shape [batch, queryLen, memoryLen].
// A bias with a single query row broadcasts over every query position, which
// is how padding masks apply to decoders of any length.
type AttentionBias struct {
	data *Tensor
}

// at reads the bias for query i over memory j, broadcasting single-row
// biases.
func (ab *AttentionBias) at(b, i, j int) float64 {
	if ab.data.shape[1] == 1 {
		i = 0
	}
	return ab.data.At(b, i, j)
}

// causalBias masks future positions for autoregressive decoding.
func causalBias(batch, length int) *AttentionBias {
	bias := NewTensor(batch, length, length)
	for b := 0; b < batch; b++ {
		for i := 0; i < length; i++ {
			for j := i + 1; j < length; j++ {
				bias.Set(attentionNegInf, b, i, j)
			}
		}
	}
	return &AttentionBias{data: bias}
}

// zeroBias allows full bidirectional attention.
func zeroBias(batch, queryLen, memoryLen int) *AttentionBias {
	return &AttentionBias{data: NewTensor(batch, queryLen, memoryLen)}
}

// paddingBias masks memory positions whose embedding is entirely zero, which
// is how padded positions arrive here. The bias depends only on the memory,
// so it carries a single query row and broadcasts.
func paddingBias(memory *Tensor) *AttentionBias {
	batch, memLen, hidden := memory.shape[0], memory.shape[1], memory.shape[2]
	bias := NewTensor(batch, 1, memLen)

	for b := 0; b < batch; b++ {
		for j := 0; j < memLen; j++ {
			sum := 0.0
			for h := 0; h < hidden; h++ {
				sum += math.Abs(memory.At(b, j, h))
			}
			if sum == 0 {
				bias.Set(attentionNegInf, b, 0, j)
			}
		}
	}
	return &AttentionBias{data: bias}
}

// MultiHeadAttention projects queries, keys, and values, runs scaled
// dot-product attention per head, and projects the concatenated heads back.
type MultiHeadAttention struct {
	hidden   int
	numHeads int
	headDim  int

	wq, wk, wv, wo *Dense
}

// NewMultiHeadAttention creates an attention layer. Panics if hidden is not
// divisible by numHeads; that is a construction-time configuration bug and
// Config.Validate rejects it before we get here.
func NewMultiHeadAttention(hidden, numHeads int) *MultiHeadAttention {
	if hidden%numHeads != 0 {
		panic("attention: hidden size must be divisible by head count")
	}
	return &MultiHeadAttention{
		hidden:   hidden,
		numHeads: numHeads,
		headDim:  hidden / numHeads,
		wq:       NewDense(hidden, hidden),
		wk:       NewDense(hidden, hidden),
		wv:       NewDense(hidden, hidden),
		wo:       NewDense(hidden, hidden),
	}
}

// Forward computes attention of query over memory.
// query: [B, Lq, H], memory: [B, Lm, H], bias: [B, Lq, Lm] or nil.
// Returns [B, Lq, H].
func (a *MultiHeadAttention) Forward(query, memory *Tensor, bias *AttentionBias) *Tensor {
	if len(query.shape) != 3 || len(memory.shape) != 3 {
		panic("attention: query and memory must be 3D [batch, length, hidden]")
	}

	batch, lq := query.shape[0], query.shape[1]
	lm := memory.shape[1]

	q := a.wq.Forward(query)
	k := a.wk.Forward(memory)
	v := a.wv.Forward(memory)

	out := NewTensor(batch, lq, a.hidden)
	scale := 1.0 / math.Sqrt(float64(a.headDim))

	for b := 0; b < batch; b++ {
		for h := 0; h < a.numHeads; h++ {
			off := h * a.headDim

			scores := NewTensor(lq, lm)
			for i := 0; i < lq; i++ {
				for j := 0; j < lm; j++ {
					dot := 0.0
					for d := 0; d < a.headDim; d++ {
						dot += q.At(b, i, off+d) * k.At(b, j, off+d)
					}
					dot *= scale
					if bias != nil {
						dot += bias.at(b, i, j)
					}
					scores.Set(dot, i, j)
				}
			}

			weights := Softmax(scores)

			for i := 0; i < lq; i++ {
				for d := 0; d < a.headDim; d++ {
					sum := 0.0
					for j := 0; j < lm; j++ {
						sum += weights.At(i, j) * v.At(b, j, off+d)
					}
					out.Set(sum, b, i, off+d)
				}
			}
		}
	}

	return a.wo.Forward(out)
}

// addTimingSignal adds the standard sinusoidal position signal to
// x of shape [B, L, H].
func addTimingSignal(x *Tensor) *Tensor {
	batch, length, hidden := x.shape[0], x.shape[1], x.shape[2]
	out := x.Clone()

	numTimescales := hidden / 2
	logIncrement := math.Log(1e4) / math.Max(float64(numTimescales-1), 1)

	for pos := 0; pos < length; pos++ {
		for ts := 0; ts < numTimescales; ts++ {
			invTimescale := math.Exp(-float64(ts) * logIncrement)
			angle := float64(pos) * invTimescale
			sin, cos := math.Sin(angle), math.Cos(angle)
			for b := 0; b < batch; b++ {
				out.data[(b*length+pos)*hidden+ts] += sin
				out.data[(b*length+pos)*hidden+numTimescales+ts] += cos
			}
		}
	}
	return out
}

// addPositionalTable adds rows of a learned positional table [maxLen, H] to
// x of shape [B, L, H]. Panics if L exceeds the table.
func addPositionalTable(x, table *Tensor) *Tensor {
	batch, length, hidden := x.shape[0], x.shape[1], x.shape[2]
	if length > table.shape[0] {
		panic("position: sequence longer than positional table")
	}

	out := x.Clone()
	for b := 0; b < batch; b++ {
		for p := 0; p < length; p++ {
			for h := 0; h < hidden; h++ {
				out.data[(b*length+p)*hidden+h] += table.At(p, h)
			}
		}
	}
	return out
}
