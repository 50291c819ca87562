package main

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlattenUnflattenCodeBijection(t *testing.T) {
	rng := rand.New(rand.NewSource(20))
	const blocks, blockVocab = 3, 4

	code := NewIntTensor(2, 5, blocks)
	for i := range code.data {
		code.data[i] = rng.Intn(blockVocab)
	}

	flat := flattenCode(code, blockVocab)
	require.Equal(t, []int{2, 5}, flat.Shape())
	for _, v := range flat.data {
		require.Less(t, v, blockVocab*blockVocab*blockVocab)
	}

	back := unflattenCode(flat, blocks, blockVocab)
	assert.Equal(t, code.data, back.data)
}

func TestMultinomialSampleZeroTemperatureIsArgmax(t *testing.T) {
	rng := rand.New(rand.NewSource(21))
	logits := []float64{0.1, 2.5, -1.0, 0.3}
	for i := 0; i < 10; i++ {
		assert.Equal(t, 1, multinomialSample(logits, 0, rng))
	}
}

func TestMultinomialSampleTemperatureStaysInRange(t *testing.T) {
	rng := rand.New(rand.NewSource(22))
	logits := []float64{0.1, 0.2, 0.3, 0.4}
	for i := 0; i < 100; i++ {
		v := multinomialSample(logits, 1.5, rng)
		require.GreaterOrEqual(t, v, 0)
		require.Less(t, v, 4)
	}
}

func TestBeamPathSelection(t *testing.T) {
	cfg := tinyConfig()
	cfg.NumDecodeBlocks = 1
	cfg.SamplingTemp = 0.0
	assert.True(t, beamPathEligible(cfg),
		"single-block greedy sampling must take the beam path")

	cfg.NumDecodeBlocks = 2
	assert.False(t, beamPathEligible(cfg), "multi-block codes cannot beam-search")

	cfg.NumDecodeBlocks = 1
	cfg.SamplingTemp = 0.7
	assert.False(t, beamPathEligible(cfg), "stochastic sampling cannot beam-search")
}

func TestSampleAndLossSingleBlock(t *testing.T) {
	cfg := tinyConfig()
	rng := rand.New(rand.NewSource(23))
	lp := NewLatentPredictor(cfg)

	pred := NewTensorRand(2, 3, 1, cfg.HiddenSize)
	target := NewIntTensor(2, 3)
	for i := range target.data {
		target.data[i] = rng.Intn(cfg.LatentVocabSize())
	}

	sample, loss := lp.SampleAndLoss(pred, target, nil, rng)
	require.Equal(t, []int{2, 3}, sample.Shape())
	for _, v := range sample.data {
		assert.GreaterOrEqual(t, v, 0)
		assert.Less(t, v, cfg.LatentVocabSize())
	}
	assert.Greater(t, loss, 0.0, "cross-entropy of untrained logits is positive")
}

func TestSampleAndLossMultiBlockMixedRadix(t *testing.T) {
	cfg := tinyConfig()
	cfg.NumDecodeBlocks = 2 // two 2-bit digits
	require.NoError(t, cfg.Validate())
	rng := rand.New(rand.NewSource(24))
	lp := NewLatentPredictor(cfg)
	require.Len(t, lp.heads, 2)

	pred := NewTensorRand(1, 4, 1, cfg.HiddenSize)
	target := NewIntTensor(1, 4)
	for i := range target.data {
		target.data[i] = rng.Intn(cfg.LatentVocabSize())
	}

	sample, loss := lp.SampleAndLoss(pred, target, nil, rng)
	for _, v := range sample.data {
		assert.GreaterOrEqual(t, v, 0)
		assert.Less(t, v, cfg.LatentVocabSize(),
			"mixed-radix composition must stay inside the full vocabulary")
	}
	assert.Greater(t, loss, 0.0)
}

func TestSampleAndLossNoTargetNoLoss(t *testing.T) {
	cfg := tinyConfig()
	rng := rand.New(rand.NewSource(25))
	lp := NewLatentPredictor(cfg)

	pred := NewTensorRand(1, 2, 1, cfg.HiddenSize)
	_, loss := lp.SampleAndLoss(pred, nil, nil, rng)
	assert.Equal(t, 0.0, loss)
}

func TestSampleAndLossSoftLabels(t *testing.T) {
	cfg := tinyConfig()
	rng := rand.New(rand.NewSource(26))
	lp := NewLatentPredictor(cfg)

	vocab := cfg.LatentVocabSize()
	pred := NewTensorRand(1, 2, 1, cfg.HiddenSize)
	soft := NewTensor(1, 2, vocab)
	for p := 0; p < 2; p++ {
		for v := 0; v < vocab; v++ {
			soft.Set(1/float64(vocab), 0, p, v)
		}
	}

	_, loss := lp.SampleAndLoss(pred, nil, soft, rng)
	assert.Greater(t, loss, 0.0, "soft cross-entropy against uniform labels is positive")
}

func TestNormalizeLogitsUnitRMS(t *testing.T) {
	logits := NewTensorRand(4, 8)
	out := normalizeLogits(logits)

	meanSq := 0.0
	for _, v := range out.data {
		meanSq += v * v
	}
	meanSq /= float64(len(out.data))
	assert.InDelta(t, 1.0, meanSq, 1e-2)
}
