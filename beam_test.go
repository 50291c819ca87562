package main

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// prefixLengthScorer prefers token (prefix length % vocab) at every step, so
// greedy decoding from seed 0 yields 0, 1, 2, ... deterministically.
func prefixLengthScorer(vocab int) beamScoreFn {
	return func(ids *IntTensor) *Tensor {
		rows, t := ids.Shape()[0], ids.Shape()[1]
		out := NewTensor(rows, vocab)
		for r := 0; r < rows; r++ {
			out.Set(10.0, r, t%vocab)
		}
		return out
	}
}

func TestBeamSearchGreedySequence(t *testing.T) {
	ids := beamSearch(prefixLengthScorer(5), []int{0}, 1, 4, 5, 0.0, -1)

	require.Equal(t, []int{1, 1, 5}, ids.Shape())
	for p, want := range []int{0, 1, 2, 3, 4} {
		assert.Equal(t, want, ids.At(0, 0, p), "position %d", p)
	}
}

func TestBeamSearchOutputShape(t *testing.T) {
	ids := beamSearch(prefixLengthScorer(4), []int{0, 0}, 2, 3, 4, 0.0, -1)
	assert.Equal(t, []int{2, 2, 4}, ids.Shape())
}

func TestBeamSearchEOSTerminates(t *testing.T) {
	const vocab, eos = 3, 2
	scoreFn := func(ids *IntTensor) *Tensor {
		rows := ids.Shape()[0]
		out := NewTensor(rows, vocab)
		for r := 0; r < rows; r++ {
			out.Set(10.0, r, eos)
		}
		return out
	}

	ids := beamSearch(scoreFn, []int{0}, 2, 4, vocab, 0.6, eos)
	assert.Equal(t, eos, ids.At(0, 0, 1),
		"the best hypothesis must stop at the preferred end symbol")
}

func TestSampleBeamCodeShape(t *testing.T) {
	cfg := tinyConfig()
	require.True(t, beamPathEligible(cfg))

	m, err := NewTransformerAE(cfg, 4)
	require.NoError(t, err)

	seed := NewTensor(2, 2, 1, cfg.HiddenSize)
	rng := rand.New(rand.NewSource(5))
	code := m.predictor.Sample(seed, nil, nil, m.embedFlat, latentSampleIters, rng)

	require.Equal(t, []int{2, 2}, code.Shape())
	for _, v := range code.data {
		assert.GreaterOrEqual(t, v, 0)
		assert.Less(t, v, cfg.LatentVocabSize())
	}
}

func TestLengthPenalty(t *testing.T) {
	assert.Equal(t, 1.0, lengthPenalty(10, 0.0))
	assert.Equal(t, 1.0, lengthPenalty(1, 0.6))
	assert.Greater(t, lengthPenalty(20, 0.6), lengthPenalty(5, 0.6))
}
