package main

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComposeSplitDigitsBijection(t *testing.T) {
	const base, n = 8, 3
	for d0 := 0; d0 < base; d0++ {
		for d1 := 0; d1 < base; d1++ {
			for d2 := 0; d2 < base; d2++ {
				digits := []int{d0, d1, d2}
				v := composeDigits(digits, base)
				require.Less(t, v, base*base*base)
				require.Equal(t, digits, splitDigits(v, base, n))
			}
		}
	}
}

func TestDVQEmbedNearestCodeIdempotent(t *testing.T) {
	cfg := tinyConfig()
	cfg.Bottleneck = BottleneckDVQ
	cfg.EMA = false // frozen codebook
	rng := rand.New(rand.NewSource(7))

	bn := NewBottleneck(cfg, rng)
	vocab := bn.BlockVocab()

	code := NewIntTensor(2, 3, 1)
	for i := range code.data {
		code.data[i] = rng.Intn(vocab)
	}

	x := bn.Embed(code)
	res := bn.Encode(x, 0, ModeEval)
	require.NotNil(t, res.Code)
	assert.Equal(t, code.data, res.Code.data,
		"re-deriving the nearest code from an embedded code must be the identity")
}

func TestDVQEMAMovesCodebook(t *testing.T) {
	cfg := tinyConfig()
	cfg.Bottleneck = BottleneckDVQ
	cfg.EMA = true
	rng := rand.New(rand.NewSource(8))

	bn := NewBottleneck(cfg, rng).(*dvqBottleneck)
	before := bn.means.Clone()

	x := NewTensorRand(2, 4, 1, cfg.HiddenSize)
	bn.Encode(x, 100, ModeTrain)

	moved := false
	for i := range before.data {
		if before.data[i] != bn.means.data[i] {
			moved = true
			break
		}
	}
	assert.True(t, moved, "training encode must update EMA codebook means")

	// Inference must not touch the codebook.
	frozen := bn.means.Clone()
	bn.Encode(x, 100, ModeEval)
	assert.Equal(t, frozen.data, bn.means.data)
}

func TestDVQResidualCodeRange(t *testing.T) {
	cfg := tinyConfig()
	cfg.Bottleneck = BottleneckDVQ
	cfg.ZSize = 4
	cfg.NumResiduals = 2 // two stages of 2 bits each
	require.NoError(t, cfg.Validate())
	rng := rand.New(rand.NewSource(9))

	bn := NewBottleneck(cfg, rng)
	assert.Equal(t, 16, bn.BlockVocab(), "folded residual stages span the full per-block space")

	x := NewTensorRand(1, 4, 1, cfg.HiddenSize)
	res := bn.Encode(x, 0, ModeEval)
	for _, v := range res.Code.data {
		assert.GreaterOrEqual(t, v, 0)
		assert.Less(t, v, 16)
	}
}

func TestSemhashCodeRangeAndDeterministicEmbed(t *testing.T) {
	cfg := tinyConfig()
	rng := rand.New(rand.NewSource(10))

	bn := NewBottleneck(cfg, rng)
	x := NewTensorRand(2, 4, 1, cfg.HiddenSize)
	res := bn.Encode(x, 0, ModeEval)

	require.NotNil(t, res.Code)
	assert.Equal(t, 0.0, res.Loss, "semhash has no auxiliary loss")
	for _, v := range res.Code.data {
		assert.GreaterOrEqual(t, v, 0)
		assert.Less(t, v, cfg.LatentVocabSize())
	}

	a := bn.Embed(res.Code)
	b := bn.Embed(res.Code)
	assert.Equal(t, a.data, b.data, "Embed must be pure")
	assert.Equal(t, []int{2, 4, 1, cfg.HiddenSize}, a.Shape())
}

func TestDenseBottleneckProducesNoCode(t *testing.T) {
	cfg := tinyConfig()
	cfg.Bottleneck = BottleneckDense
	rng := rand.New(rand.NewSource(11))

	bn := NewBottleneck(cfg, rng)
	x := NewTensorRand(1, 4, 1, cfg.HiddenSize)
	res := bn.Encode(x, 0, ModeTrain)

	assert.Nil(t, res.Code)
	assert.Equal(t, 0.0, res.Loss)
	assert.Equal(t, 0.0, res.NegQEntropy)
	assert.Equal(t, x.Shape(), res.Dense.Shape())

	assert.Panics(t, func() { bn.Embed(NewIntTensor(1, 4, 1)) })
}

func TestVAEBottleneckKLNonNegative(t *testing.T) {
	cfg := tinyConfig()
	cfg.Bottleneck = BottleneckVAE
	rng := rand.New(rand.NewSource(12))

	bn := NewBottleneck(cfg, rng)
	x := NewTensorRand(1, 4, 1, cfg.HiddenSize)
	res := bn.Encode(x, 0, ModeTrain)

	assert.Nil(t, res.Code)
	assert.GreaterOrEqual(t, res.Loss, 0.0, "KL divergence is non-negative")
}

func TestGumbelSoftmaxEncode(t *testing.T) {
	cfg := tinyConfig()
	cfg.Bottleneck = BottleneckGumbelSoftmax
	rng := rand.New(rand.NewSource(13))

	bn := NewBottleneck(cfg, rng)
	x := NewTensorRand(2, 4, 1, cfg.HiddenSize)
	res := bn.Encode(x, 1000, ModeTrain)

	require.NotNil(t, res.Code)
	for _, v := range res.Code.data {
		assert.GreaterOrEqual(t, v, 0)
		assert.Less(t, v, cfg.LatentVocabSize())
	}
	assert.Equal(t, x.Shape(), res.Dense.Shape())
	assert.GreaterOrEqual(t, res.Loss, 0.0, "KL to uniform is non-negative")
	assert.LessOrEqual(t, res.NegQEntropy, 1e-9, "negative entropy cannot be positive")
}

func TestTruncateTopKRenormalizes(t *testing.T) {
	probs := []float64{0.4, 0.3, 0.2, 0.1}
	out := truncateTopK(probs, 2)

	assert.InDelta(t, 0.4/0.7, out[0], 1e-9)
	assert.InDelta(t, 0.3/0.7, out[1], 1e-9)
	assert.Equal(t, 0.0, out[2])
	assert.Equal(t, 0.0, out[3])
}
