package main

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaddingBiasBroadcastShape(t *testing.T) {
	memory := NewTensorRand(2, 3, 8)
	for h := 0; h < 8; h++ {
		memory.Set(0, 1, 2, h) // padded position
	}

	bias := paddingBias(memory)
	require.Equal(t, []int{2, 1, 3}, bias.data.Shape(),
		"padding depends only on memory positions, one query row broadcasts")

	assert.Equal(t, 0.0, bias.at(1, 0, 1))
	for i := 0; i < 5; i++ {
		assert.Equal(t, attentionNegInf, bias.at(1, i, 2),
			"every query row sees the same masked memory column")
	}
}

func TestAttentionAcceptsBroadcastBias(t *testing.T) {
	attn := NewMultiHeadAttention(8, 2)
	query := NewTensorRand(1, 5, 8)
	memory := NewTensorRand(1, 3, 8)

	out := attn.Forward(query, memory, paddingBias(memory))
	assert.Equal(t, []int{1, 5, 8}, out.Shape())
}

func TestDecoderQueriesLongerThanMemory(t *testing.T) {
	cfg := tinyConfig()
	rng := rand.New(rand.NewSource(40))

	enc := NewEncoder(cfg)
	dec := NewDecoder(cfg)

	inputs := NewTensorRand(2, 5, 1, cfg.HiddenSize)
	encOut, bias := enc.Forward(inputs, 0, ModeEval, rng)
	require.Equal(t, []int{2, 5, cfg.HiddenSize}, encOut.Shape())

	// Targets longer than the conditioning input, the normal case once
	// padding rounds the target length up.
	targets := NewTensorRand(2, 8, 1, cfg.HiddenSize)
	out := dec.Forward(encOut, bias, targets, true, ModeEval, rng)
	assert.Equal(t, []int{2, 8, 1, cfg.HiddenSize}, out.Shape())
}

func TestDecoderShorterQueriesThanMemory(t *testing.T) {
	cfg := tinyConfig()
	rng := rand.New(rand.NewSource(41))

	enc := NewEncoder(cfg)
	dec := NewDecoder(cfg)

	inputs := NewTensorRand(1, 8, 1, cfg.HiddenSize)
	encOut, bias := enc.Forward(inputs, 0, ModeEval, rng)

	latents := NewTensorRand(1, 2, 1, cfg.HiddenSize)
	out := dec.Forward(encOut, bias, latents, true, ModeEval, rng)
	assert.Equal(t, []int{1, 2, 1, cfg.HiddenSize}, out.Shape())
}

func TestShiftRightPrependsZero(t *testing.T) {
	x := NewTensor(1, 3, 2)
	for i := range x.data {
		x.data[i] = float64(i + 1)
	}

	y := shiftRight(x)
	assert.Equal(t, []float64{0, 0, 1, 2, 3, 4}, y.data)
}
