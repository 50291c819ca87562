package main

import (
	"math/rand"
)

// ===========================================================================
// TRANSFORMER ENCODER / DECODER STACKS
// ===========================================================================
//
// Pre-norm residual blocks: x = x + Sublayer(LayerNorm(x)). The decoder
// carries an extra cross-attention sublayer between self-attention and the
// feed-forward, with queries from the decoder state and keys/values from the
// encoder output. Setting the self-attention bias to zero instead of causal
// turns the same decoder into a non-causal (parallel) refiner, which the
// masking path relies on.

// targetSpaceVocab bounds the number of distinct target-space ids the
// encoder can embed.
const targetSpaceVocab = 32

// FeedForward is the position-wise two-layer MLP.
type FeedForward struct {
	w1, w2  *Dense
	dropout float64
}

// NewFeedForward creates a feed-forward sublayer.
func NewFeedForward(hidden, filter int, dropout float64) *FeedForward {
	return &FeedForward{
		w1:      NewDense(hidden, filter),
		w2:      NewDense(filter, hidden),
		dropout: dropout,
	}
}

// Forward applies w2(relu(w1(x))) with dropout on the hidden activation.
func (ff *FeedForward) Forward(x *Tensor, mode Mode, rng *rand.Rand) *Tensor {
	h := ReLU(ff.w1.Forward(x))
	h = dropoutTensor(h, ff.dropout, mode, rng)
	return ff.w2.Forward(h)
}

// encoderLayer is one pre-norm encoder block.
type encoderLayer struct {
	ln1, ln2 *LayerNorm
	attn     *MultiHeadAttention
	ff       *FeedForward
}

// TransformerEncoder is a stack of bidirectional self-attention blocks.
type TransformerEncoder struct {
	layers  []*encoderLayer
	lnFinal *LayerNorm
}

// NewTransformerEncoder builds an encoder stack from the configuration.
func NewTransformerEncoder(cfg Config) *TransformerEncoder {
	layers := make([]*encoderLayer, cfg.NumHiddenLayers)
	for i := range layers {
		layers[i] = &encoderLayer{
			ln1:  NewLayerNorm(cfg.HiddenSize),
			ln2:  NewLayerNorm(cfg.HiddenSize),
			attn: NewMultiHeadAttention(cfg.HiddenSize, cfg.NumHeads),
			ff:   NewFeedForward(cfg.HiddenSize, cfg.FilterSize, cfg.Dropout),
		}
	}
	return &TransformerEncoder{layers: layers, lnFinal: NewLayerNorm(cfg.HiddenSize)}
}

// Forward runs the stack over x [B, L, H] with the given self-attention bias.
func (e *TransformerEncoder) Forward(x *Tensor, bias *AttentionBias, mode Mode, rng *rand.Rand) *Tensor {
	for _, layer := range e.layers {
		normed := layer.ln1.Forward(x)
		x = Add(x, layer.attn.Forward(normed, normed, bias))

		normed = layer.ln2.Forward(x)
		x = Add(x, layer.ff.Forward(normed, mode, rng))
	}
	return e.lnFinal.Forward(x)
}

// decoderLayer is one pre-norm decoder block with cross-attention.
type decoderLayer struct {
	ln1, ln2, ln3 *LayerNorm
	selfAttn      *MultiHeadAttention
	crossAttn     *MultiHeadAttention
	ff            *FeedForward
}

// TransformerDecoder is a stack of decoder blocks.
type TransformerDecoder struct {
	layers  []*decoderLayer
	lnFinal *LayerNorm
}

// NewTransformerDecoder builds a decoder stack from the configuration.
func NewTransformerDecoder(cfg Config) *TransformerDecoder {
	layers := make([]*decoderLayer, cfg.NumHiddenLayers)
	for i := range layers {
		layers[i] = &decoderLayer{
			ln1:       NewLayerNorm(cfg.HiddenSize),
			ln2:       NewLayerNorm(cfg.HiddenSize),
			ln3:       NewLayerNorm(cfg.HiddenSize),
			selfAttn:  NewMultiHeadAttention(cfg.HiddenSize, cfg.NumHeads),
			crossAttn: NewMultiHeadAttention(cfg.HiddenSize, cfg.NumHeads),
			ff:        NewFeedForward(cfg.HiddenSize, cfg.FilterSize, cfg.Dropout),
		}
	}
	return &TransformerDecoder{layers: layers, lnFinal: NewLayerNorm(cfg.HiddenSize)}
}

// Forward runs the stack. encOut may be nil for unconditional decoding, in
// which case cross-attention is skipped.
func (d *TransformerDecoder) Forward(x, encOut *Tensor, selfBias, encDecBias *AttentionBias, mode Mode, rng *rand.Rand) *Tensor {
	for _, layer := range d.layers {
		normed := layer.ln1.Forward(x)
		x = Add(x, layer.selfAttn.Forward(normed, normed, selfBias))

		if encOut != nil {
			normed = layer.ln2.Forward(x)
			x = Add(x, layer.crossAttn.Forward(normed, encOut, encDecBias))
		}

		normed = layer.ln3.Forward(x)
		x = Add(x, layer.ff.Forward(normed, mode, rng))
	}
	return d.lnFinal.Forward(x)
}

// ===========================================================================
// ENCODER / DECODER WRAPPERS
// ===========================================================================

// Encoder turns raw conditioning input into a contextual representation plus
// the attention bias decoders use to ignore padded input positions.
type Encoder struct {
	targetSpaceEmb *Tensor // [targetSpaceVocab, hidden]
	stack          *TransformerEncoder
	dropout        float64
}

// NewEncoder builds the conditioning encoder.
func NewEncoder(cfg Config) *Encoder {
	return &Encoder{
		targetSpaceEmb: NewTensorRand(targetSpaceVocab, cfg.HiddenSize),
		stack:          NewTransformerEncoder(cfg),
		dropout:        cfg.Dropout,
	}
}

// Forward encodes inputs of shape [B, L, 1, H] for the given target space
// id. Returns the encoder output [B, L, H] and the encoder-decoder attention
// bias derived from input padding.
func (e *Encoder) Forward(inputs *Tensor, targetSpace int, mode Mode, rng *rand.Rand) (*Tensor, *AttentionBias) {
	if targetSpace < 0 || targetSpace >= targetSpaceVocab {
		panic("encoder: target space id out of range")
	}

	x := flatten4D3D(inputs)
	batch, length, hidden := x.shape[0], x.shape[1], x.shape[2]

	// Padding must be read off the raw embeddings, before the target-space
	// embedding and timing signal make every position nonzero.
	padBias := paddingBias(x)

	x = x.Clone()
	for b := 0; b < batch; b++ {
		for p := 0; p < length; p++ {
			for h := 0; h < hidden; h++ {
				x.data[(b*length+p)*hidden+h] += e.targetSpaceEmb.At(targetSpace, h)
			}
		}
	}
	x = addTimingSignal(x)
	x = dropoutTensor(x, e.dropout, mode, rng)

	out := e.stack.Forward(x, padBias, mode, rng)
	return out, padBias
}

// Decoder wraps a TransformerDecoder with input preparation: shift-right,
// timing signal, dropout, and causal-or-zero self-attention bias.
type Decoder struct {
	stack   *TransformerDecoder
	dropout float64
}

// NewDecoder builds a decoder wrapper.
func NewDecoder(cfg Config) *Decoder {
	return &Decoder{stack: NewTransformerDecoder(cfg), dropout: cfg.Dropout}
}

// Forward decodes targets [B, L, 1, H] against encOut [B, Lm, H] (nil for
// unconditional decoding). With causal=false the self-attention bias is
// zeroed and every position sees the whole sequence. Returns [B, L, 1, H].
func (d *Decoder) Forward(encOut *Tensor, encDecBias *AttentionBias, targets *Tensor, causal bool, mode Mode, rng *rand.Rand) *Tensor {
	x := flatten4D3D(targets)
	batch, length := x.shape[0], x.shape[1]

	x = shiftRight(x)
	x = addTimingSignal(x)
	x = dropoutTensor(x, d.dropout, mode, rng)

	var selfBias *AttentionBias
	if causal {
		selfBias = causalBias(batch, length)
	} else {
		selfBias = zeroBias(batch, length, length)
	}

	out := d.stack.Forward(x, encOut, selfBias, encDecBias, mode, rng)
	return expand3D4D(out)
}

// shiftRight prepends a zero vector and drops the last position along the
// length axis of [B, L, H].
func shiftRight(x *Tensor) *Tensor {
	batch, length, hidden := x.shape[0], x.shape[1], x.shape[2]
	out := NewTensor(batch, length, hidden)
	for b := 0; b < batch; b++ {
		for p := 1; p < length; p++ {
			for h := 0; h < hidden; h++ {
				out.Set(x.At(b, p-1, h), b, p, h)
			}
		}
	}
	return out
}

// flatten4D3D collapses [B, d1, d2, H] into [B, d1*d2, H].
func flatten4D3D(x *Tensor) *Tensor {
	if len(x.shape) == 3 {
		return x
	}
	if len(x.shape) != 4 {
		panic("tensor: expected 3D or 4D input")
	}
	return x.Reshape(x.shape[0], x.shape[1]*x.shape[2], x.shape[3])
}

// expand3D4D restores [B, L, H] to the [B, L, 1, H] convention.
func expand3D4D(x *Tensor) *Tensor {
	if len(x.shape) != 3 {
		panic("tensor: expected 3D input")
	}
	return x.Reshape(x.shape[0], x.shape[1], 1, x.shape[2])
}
