package main

import (
	"math"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tinyConfig shrinks the small preset to dimensions a unit test can afford.
func tinyConfig() Config {
	cfg := ConfigSmall()
	cfg.HiddenSize = 16
	cfg.FilterSize = 32
	cfg.CompressFilterSize = 32
	cfg.NumHiddenLayers = 1
	cfg.NumHeads = 2
	cfg.MaxLength = 64
	cfg.NumCompressSteps = 2
	cfg.ZSize = 4
	cfg.Dropout = 0
	cfg.WordShuffle = 0
	cfg.Summaries = false
	return cfg
}

func TestForwardTrainShapes(t *testing.T) {
	cfg := tinyConfig()
	m, err := NewTransformerAE(cfg, 1)
	require.NoError(t, err)

	inputs := NewTensorRand(2, 5, 1, cfg.HiddenSize)
	targets := NewTensorRand(2, 6, 1, cfg.HiddenSize) // pads to 8 internally

	out, _, cache, dataLen, latentLen := m.Forward(inputs, targets, 0, 100, ModeTrain, nil, 0)
	assert.Equal(t, []int{2, 6, 1, cfg.HiddenSize}, out.Shape())
	assert.Nil(t, cache, "training never creates a latent cache")
	assert.Equal(t, 6, dataLen)
	assert.Equal(t, 2, latentLen, "8 padded positions compressed by factor 4")
}

func TestForwardLatentLossGatedByMaskSchedule(t *testing.T) {
	cfg := tinyConfig()
	m, err := NewTransformerAE(cfg, 2)
	require.NoError(t, err)

	inputs := NewTensorRand(2, 8, 1, cfg.HiddenSize)
	targets := NewTensorRand(2, 8, 1, cfg.HiddenSize)

	_, early, _, _, _ := m.Forward(inputs, targets, 0, 100, ModeEval, nil, 0)
	assert.Equal(t, 0.0, early.LatentPred,
		"latent prediction loss is discarded before the mask schedule ramps up")

	_, late, _, _, _ := m.Forward(inputs, targets, 0, cfg.MaskStartupSteps+10001, ModeEval, nil, 0)
	assert.Greater(t, late.LatentPred, 0.0)
}

func TestForwardPredictCreatesAndReusesCache(t *testing.T) {
	cfg := tinyConfig()
	m, err := NewTransformerAE(cfg, 3)
	require.NoError(t, err)

	inputs := NewTensorRand(2, 8, 1, cfg.HiddenSize)
	targets := NewTensorRand(2, 8, 1, cfg.HiddenSize)

	out, _, cache, _, latentLen := m.Forward(inputs, targets, 0, 0, ModePredict, nil, 0.0)
	require.NotNil(t, cache, "first inference call must sample and cache a code")
	assert.Equal(t, []int{2, 2}, cache.Code().Shape())
	assert.Equal(t, 2, latentLen)
	assert.Equal(t, targets.Shape(), out.Shape())

	_, _, again, _, _ := m.Forward(inputs, targets, 0, 0, ModePredict, cache, 0.0)
	assert.Same(t, cache, again, "a supplied cache is reused, not resampled")
}

func TestForwardContinuousKind(t *testing.T) {
	cfg := tinyConfig()
	cfg.Bottleneck = BottleneckDense
	m, err := NewTransformerAE(cfg, 4)
	require.NoError(t, err)

	inputs := NewTensorRand(1, 8, 1, cfg.HiddenSize)
	targets := NewTensorRand(1, 8, 1, cfg.HiddenSize)

	_, losses, _, _, _ := m.Forward(inputs, targets, 0, cfg.MaskStartupSteps+10001, ModeEval, nil, 0)
	assert.Equal(t, 0.0, losses.Extra, "a dense bottleneck has no auxiliary loss")
	assert.Equal(t, 0.0, losses.NegQEntropy)
	assert.Greater(t, losses.LatentPred, 0.0,
		"the auxiliary decoder's squared difference drives the continuous latent loss")
}

func TestForwardWithoutAutoencoding(t *testing.T) {
	cfg := tinyConfig()
	cfg.DoAE = false
	m, err := NewTransformerAE(cfg, 5)
	require.NoError(t, err)

	inputs := NewTensorRand(1, 5, 1, cfg.HiddenSize)
	targets := NewTensorRand(1, 5, 1, cfg.HiddenSize)

	out, losses, _, _, latentLen := m.Forward(inputs, targets, 0, 100, ModeTrain, nil, 0)
	assert.Equal(t, targets.Shape(), out.Shape())
	assert.Equal(t, 0, latentLen)
	assert.Equal(t, Losses{}, losses)
}

func TestForward2DGrid(t *testing.T) {
	cfg := tinyConfig()
	cfg.Is2D = true
	cfg.DropInputs = true
	cfg.Bottleneck = BottleneckDVQ
	cfg.DoAttendCompress = false
	cfg.DoAttendDecompress = false
	require.NoError(t, cfg.Validate())

	m, err := NewTransformerAE(cfg, 6)
	require.NoError(t, err)

	targets := NewTensorRand(1, 4, 4, cfg.HiddenSize)
	out, _, _, dataLen, latentLen := m.Forward(nil, targets, 0, 100, ModeEval, nil, 0.5)
	assert.Equal(t, targets.Shape(), out.Shape())
	assert.Equal(t, 16, dataLen)
	assert.Equal(t, 1, latentLen, "a 4x4 grid compresses to a single latent position")
}

func TestWordShufflePreservesValues(t *testing.T) {
	rng := rand.New(rand.NewSource(30))
	x := NewTensorRand(1, 8, 1, 1)

	y := wordShuffle(x, 0.5, rng)

	want := append([]float64{}, x.data...)
	got := append([]float64{}, y.data...)
	sort.Float64s(want)
	sort.Float64s(got)
	assert.Equal(t, want, got, "shuffling permutes positions without changing values")
}

func TestWordShuffleBoundedDisplacement(t *testing.T) {
	rng := rand.New(rand.NewSource(31))
	x := NewTensor(1, 16, 1, 1)
	for p := 0; p < 16; p++ {
		x.data[p] = float64(p)
	}

	y := wordShuffle(x, 0.5, rng)
	for p := 0; p < 16; p++ {
		assert.LessOrEqual(t, math.Abs(y.data[p]-float64(p)), 2.0, "position %d", p)
	}
}

func TestPadTruncateRoundTrip(t *testing.T) {
	x := NewTensorRand(1, 6, 1, 3)

	padded := padToCompressible(x, 4, false)
	require.Equal(t, []int{1, 8, 1, 3}, padded.Shape())
	for i := 6 * 3; i < len(padded.data); i++ {
		require.Equal(t, 0.0, padded.data[i], "padding must be zero")
	}

	back := truncateSpatial(padded, 6, 1)
	assert.Equal(t, x.data, back.data)
}

func TestPadToCompressibleNoopWhenAligned(t *testing.T) {
	x := NewTensorRand(1, 8, 1, 3)
	assert.Same(t, x, padToCompressible(x, 4, false))
}

func TestBlendByMask(t *testing.T) {
	targets := NewTensor(1, 2, 1, 1)
	targets.data = []float64{1, 1}
	recon := NewTensor(1, 2, 1, 1)
	recon.data = []float64{3, 3}

	mask := NewTensor(1, 2)
	mask.data = []float64{1, 0.25}

	out := blendByMask(targets, recon, mask)
	assert.Equal(t, 1.0, out.data[0], "weight 1 keeps the true target")
	assert.InDelta(t, 2.5, out.data[1], 1e-9, "fractional weights blend linearly")
}

func TestChooseBatchSelectsRows(t *testing.T) {
	a := NewTensor(2, 2)
	a.data = []float64{1, 1, 2, 2}
	b := NewTensor(2, 2)
	b.data = []float64{9, 9, 8, 8}

	out := chooseBatch([]bool{true, false}, a, b)
	assert.Equal(t, []float64{1, 1, 8, 8}, out.data)
}

func TestNatsAndBitsPerDim(t *testing.T) {
	nats, bits := NatsAndBitsPerDim(10, 2, 1.0, 0.5)
	assert.InDelta(t, 1.1, nats, 1e-9)
	assert.InDelta(t, 1.1/math.Ln2, bits, 1e-9)

	nats, bits = NatsAndBitsPerDim(0, 2, 1.0, 0.5)
	assert.Equal(t, 0.0, nats)
	assert.Equal(t, 0.0, bits)
}
