package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresetRegistryHasKnownNames(t *testing.T) {
	names := PresetNames()
	for _, want := range []string{"ae_small", "ae_base", "ae_base_noatt", "ae_cifar"} {
		assert.Contains(t, names, want)
	}
}

func TestPresetUnknownName(t *testing.T) {
	_, err := Preset("no_such_preset")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownPreset))
}

func TestAllPresetsValidate(t *testing.T) {
	for _, name := range PresetNames() {
		cfg, err := Preset(name)
		require.NoError(t, err, "preset %q", name)
		require.NoError(t, cfg.Validate(), "preset %q", name)
	}
}

func TestPresetsAreValueCopies(t *testing.T) {
	a := ConfigSmall()
	a.HiddenSize = 1
	b := ConfigSmall()
	assert.Equal(t, 384, b.HiddenSize, "mutating one preset value must not affect the next")
}

func TestValidateRejectsIndivisibleDecodeBlocks(t *testing.T) {
	cfg := ConfigSmall()
	cfg.ZSize = 14
	cfg.NumDecodeBlocks = 4 // 14 % 4 != 0
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsBadReshapeMethod(t *testing.T) {
	cfg := ConfigSmall()
	cfg.Reshape = ReshapeMethod(99)
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsBadBottleneckKind(t *testing.T) {
	cfg := ConfigSmall()
	cfg.Bottleneck = BottleneckKind(99)
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsHeadMismatch(t *testing.T) {
	cfg := ConfigSmall()
	cfg.HiddenSize = 100
	cfg.NumHeads = 3
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsDVQBlockMismatch(t *testing.T) {
	cfg := ConfigBaseNoAttend()
	cfg.NumBlocks = 3 // 512 % 3 != 0
	require.Error(t, cfg.Validate())
}

func TestSmallNoAttendKeepsBaseHeads(t *testing.T) {
	cfg := ConfigSmallNoAttend()
	assert.Equal(t, ConfigSmall().NumHeads, cfg.NumHeads,
		"widening the hidden size does not change the head count")
	assert.Equal(t, 512, cfg.HiddenSize)
	require.NoError(t, cfg.Validate())
}

func TestBottleneckKindDiscrete(t *testing.T) {
	assert.False(t, BottleneckDense.Discrete())
	assert.False(t, BottleneckVAE.Discrete())
	assert.True(t, BottleneckSemhash.Discrete())
	assert.True(t, BottleneckGumbelSoftmax.Discrete())
	assert.True(t, BottleneckDVQ.Discrete())
	assert.True(t, BottleneckGumbelSoftmaxDVQ.Discrete())
}

func TestDerivedSizes(t *testing.T) {
	cfg := ConfigSmall()
	assert.Equal(t, 1<<14, cfg.LatentVocabSize())
	assert.Equal(t, 8, cfg.CompressionFactor())
	cfg.NumDecodeBlocks = 2
	assert.Equal(t, 1<<7, cfg.blockVocabSize())
}

func TestRegisterPresetPanicsOnDuplicate(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate preset registration")
		}
	}()
	RegisterPreset("ae_small", ConfigSmall)
}
