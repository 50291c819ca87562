package main

import (
	"errors"
	"fmt"
	"sort"
)

// ===========================================================================
// CONFIGURATION
// ===========================================================================
//
// Hyperparameters are plain value structs. A preset function builds a Config
// by copying a base value and overriding fields, so no preset can mutate
// another preset's result and every component of one forward pass reads the
// same immutable configuration.
//
// Anything that used to be a stringly-typed option ("dvq", "slice", ...) is a
// typed constant resolved once, at configuration-build time. Invalid values
// are reported by Validate before any computation happens: a configuration
// error aborts model construction, it is never discovered mid-pass.

// BottleneckKind selects the discretization strategy of the bottleneck.
type BottleneckKind int

const (
	// BottleneckDense passes compressed states through a dense layer
	// without discretization.
	BottleneckDense BottleneckKind = iota

	// BottleneckVAE uses a Gaussian variational bottleneck.
	BottleneckVAE

	// BottleneckSemhash discretizes by semantic hashing: saturating
	// sigmoids over noisy logits produce a bit vector.
	BottleneckSemhash

	// BottleneckGumbelSoftmax relaxes the categorical choice with Gumbel
	// noise and a temperature-annealed softmax.
	BottleneckGumbelSoftmax

	// BottleneckDVQ quantizes against a codebook of means, optionally
	// updated by exponential moving averages, with multi-block and
	// multi-residual decomposition.
	BottleneckDVQ

	// BottleneckGumbelSoftmaxDVQ combines the DVQ codebook with
	// Gumbel-softmax assignment.
	BottleneckGumbelSoftmaxDVQ
)

var bottleneckKindNames = map[BottleneckKind]string{
	BottleneckDense:            "dense",
	BottleneckVAE:              "vae",
	BottleneckSemhash:          "semhash",
	BottleneckGumbelSoftmax:    "gumbel-softmax",
	BottleneckDVQ:              "dvq",
	BottleneckGumbelSoftmaxDVQ: "gumbel-softmax-dvq",
}

func (k BottleneckKind) String() string {
	if s, ok := bottleneckKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("BottleneckKind(%d)", int(k))
}

// Discrete reports whether the kind produces a discrete latent code that the
// latent predictor can be trained against. Dense and VAE bottlenecks stay in
// continuous space.
func (k BottleneckKind) Discrete() bool {
	return k != BottleneckDense && k != BottleneckVAE
}

// ReshapeMethod selects how DVQ splits hidden states into blocks.
type ReshapeMethod int

const (
	// ReshapeSlice slices the hidden dimension into contiguous blocks.
	ReshapeSlice ReshapeMethod = iota

	// ReshapeProject projects the full hidden state into each block's
	// subspace with a learned projection.
	ReshapeProject
)

func (m ReshapeMethod) String() string {
	switch m {
	case ReshapeSlice:
		return "slice"
	case ReshapeProject:
		return "project"
	}
	return fmt.Sprintf("ReshapeMethod(%d)", int(m))
}

// ErrUnknownPreset is returned when looking up a preset name that was never
// registered.
var ErrUnknownPreset = errors.New("config: unknown preset")

// Config holds every hyperparameter of the autoencoder-augmented transformer.
// It is passed by value; callers can copy and override fields freely without
// affecting anyone else's view.
type Config struct {
	// Transformer dimensions.
	HiddenSize      int     // Model width (d_model)
	FilterSize      int     // Feed-forward hidden width
	NumHiddenLayers int     // Encoder/decoder depth
	NumHeads        int     // Attention heads
	MaxLength       int     // Positional table size
	Dropout         float64 // Residual/conv dropout probability

	// Compression.
	NumCompressSteps   int  // Length is halved this many times
	CompressFilterSize int  // Filter width inside the bottleneck
	Is2D               bool // Image-grid mode: (2,2) kernels, depth-to-space
	DoAttendCompress   bool // Cross-attend to encoder output while compressing
	DoAttendDecompress bool // Cross-attend to encoder output while decompressing
	DoResidualCompress bool // Extra residual block before each strided conv

	// Bottleneck.
	Bottleneck      BottleneckKind
	ZSize           int           // Latent code carries 2^ZSize values
	NumBlocks       int           // DVQ: hidden split into this many blocks
	NumResiduals    int           // DVQ: sequential residual quantization stages
	Reshape         ReshapeMethod // DVQ: slice or project
	Beta            float64       // Commitment loss weight
	Decay           float64       // EMA decay for codebook updates
	Epsilon         float64       // Laplace smoothing for EMA counts
	EMA             bool          // Update codebook by EMA instead of gradients
	NoiseDev        float64       // Semhash noise standard deviation
	DiscreteMix     float64       // Semhash: mix rate of discrete and dense paths
	SoftmaxK        int           // Top-k softmax truncation (0 = full softmax)
	RandomTopK      int           // Sample among top-k nearest codebook entries
	SoftEM          bool          // Soft (multi-sample) assignment
	NumSamples      int           // Samples per position in soft-EM mode
	DoHardGumbel    bool          // Straight-through hard Gumbel-softmax
	ApproxGSEntropy bool          // Approximate Gumbel-softmax entropy
	TempWarmupSteps int           // Gumbel temperature annealing horizon

	// Latent prediction and sampling.
	NumDecodeBlocks    int     // Mixed-radix digits of the predictor
	SamplingTemp       float64 // 0 selects the greedy/beam path
	LogitNormalization bool    // RMS-normalize predictor logits
	SumOverLatents     bool    // Sum (not mean) predictor loss over positions
	PriorScale         float64 // Weight of the latent prediction loss
	EntropyScale       float64 // Weight of the negative entropy loss

	// Masking schedule.
	DoAE               bool
	DoMask             bool
	DoRefine           bool
	UsePredictMask     bool
	UnmaskedPercentage float64
	StartupSteps       int // Bottleneck warm-up horizon
	MaskStartupSteps   int // Masking schedule horizon

	// Target-side noise.
	WordDropout float64 // Zero target positions with this probability
	WordShuffle float64 // Jitter positions by up to this much before sorting

	// Decoder.
	Causal     bool
	DropInputs bool // Decode unconditionally, ignoring encoder input

	// Observability. An explicit switch, not process-global state.
	Summaries bool
}

// LatentVocabSize returns the size of the discrete latent vocabulary, 2^ZSize.
func (c Config) LatentVocabSize() int {
	return 1 << c.ZSize
}

// CompressionFactor returns the total length reduction, 2^NumCompressSteps.
func (c Config) CompressionFactor() int {
	return 1 << c.NumCompressSteps
}

// blockVocabSize returns the per-digit vocabulary of the mixed-radix code
// used by the latent predictor in multi-block mode.
func (c Config) blockVocabSize() int {
	return 1 << (c.ZSize / c.NumDecodeBlocks)
}

// Validate checks the configuration eagerly, before any model weights are
// allocated. A failure here is fatal and unrecoverable by design: fix the
// configuration and rerun.
func (c Config) Validate() error {
	if c.HiddenSize <= 0 {
		return fmt.Errorf("config: hidden size must be positive, got %d", c.HiddenSize)
	}
	if c.NumHeads <= 0 || c.HiddenSize%c.NumHeads != 0 {
		return fmt.Errorf("config: hidden size %d not divisible by %d heads", c.HiddenSize, c.NumHeads)
	}
	if c.NumCompressSteps < 1 {
		return fmt.Errorf("config: need at least one compress step, got %d", c.NumCompressSteps)
	}
	if c.ZSize < 1 {
		return fmt.Errorf("config: z size must be positive, got %d", c.ZSize)
	}
	if c.NumDecodeBlocks < 1 {
		return fmt.Errorf("config: num decode blocks must be positive, got %d", c.NumDecodeBlocks)
	}
	if c.ZSize%c.NumDecodeBlocks != 0 {
		return fmt.Errorf("config: %d vocabulary bits not divisible by %d decode blocks",
			c.ZSize, c.NumDecodeBlocks)
	}
	if _, ok := bottleneckKindNames[c.Bottleneck]; !ok {
		return fmt.Errorf("config: unknown bottleneck kind %d", int(c.Bottleneck))
	}
	if c.Reshape != ReshapeSlice && c.Reshape != ReshapeProject {
		return fmt.Errorf("config: unknown reshape method %d", int(c.Reshape))
	}
	if c.Bottleneck == BottleneckDVQ || c.Bottleneck == BottleneckGumbelSoftmaxDVQ {
		if c.NumResiduals < 1 {
			return fmt.Errorf("config: num residuals must be positive, got %d", c.NumResiduals)
		}
		if c.ZSize%c.NumResiduals != 0 {
			return fmt.Errorf("config: z size %d not divisible by %d residuals", c.ZSize, c.NumResiduals)
		}
		if (c.ZSize/c.NumResiduals)%c.NumBlocks != 0 {
			return fmt.Errorf("config: per-residual bits %d not divisible by %d blocks",
				c.ZSize/c.NumResiduals, c.NumBlocks)
		}
		if c.HiddenSize%c.NumBlocks != 0 {
			return fmt.Errorf("config: hidden size %d not divisible by %d blocks", c.HiddenSize, c.NumBlocks)
		}
	}
	if c.Dropout < 0 || c.Dropout > 1 {
		return fmt.Errorf("config: dropout %g outside [0,1]", c.Dropout)
	}
	if c.UnmaskedPercentage < 0 || c.UnmaskedPercentage > 1 {
		return fmt.Errorf("config: unmasked percentage %g outside [0,1]", c.UnmaskedPercentage)
	}
	if c.MaxLength <= 0 {
		return fmt.Errorf("config: max length must be positive, got %d", c.MaxLength)
	}
	return nil
}

// ===========================================================================
// PRESETS
// ===========================================================================

// ConfigSmall is the small baseline: a 3-layer, 384-wide model with a
// semantic-hashing bottleneck over a 14-bit latent code.
func ConfigSmall() Config {
	return Config{
		HiddenSize:      384,
		FilterSize:      2048,
		NumHiddenLayers: 3,
		NumHeads:        4,
		MaxLength:       256,
		Dropout:         0.1,

		NumCompressSteps:   3,
		CompressFilterSize: 2048 * 2,
		DoAttendCompress:   false,
		DoAttendDecompress: true,
		DoResidualCompress: false,

		Bottleneck:      BottleneckSemhash,
		ZSize:           14,
		NumBlocks:       1,
		NumResiduals:    1,
		Reshape:         ReshapeSlice,
		Beta:            0.25,
		Decay:           0.999,
		Epsilon:         1e-5,
		EMA:             true,
		NoiseDev:        0.5,
		DiscreteMix:     0.5,
		SoftmaxK:        0,
		RandomTopK:      1,
		SoftEM:          false,
		NumSamples:      10,
		TempWarmupSteps: 150000,

		NumDecodeBlocks:    1,
		SamplingTemp:       0.0,
		LogitNormalization: true,
		SumOverLatents:     false,
		PriorScale:         1.0,
		EntropyScale:       0.0,

		DoAE:               true,
		DoMask:             true,
		DoRefine:           false,
		UsePredictMask:     true,
		UnmaskedPercentage: 0.1,
		StartupSteps:       10000,
		MaskStartupSteps:   50000,

		WordDropout: 0.0,
		WordShuffle: 0.5,

		Causal:    true,
		Summaries: true,
	}
}

// ConfigBase widens the small baseline.
func ConfigBase() Config {
	c := ConfigSmall()
	c.HiddenSize = 512
	c.FilterSize = 4096
	c.NumHiddenLayers = 6
	c.NumHeads = 8
	return c
}

// ConfigBaseNoAttend switches the base model to a single-block DVQ bottleneck
// with a 12-bit code and no decompression attention.
func ConfigBaseNoAttend() Config {
	c := ConfigBase()
	c.Reshape = ReshapeSlice
	c.Bottleneck = BottleneckDVQ
	c.HiddenSize = 512
	c.NumBlocks = 1
	c.NumDecodeBlocks = 1
	c.ZSize = 12
	c.DoAttendDecompress = false
	return c
}

// ConfigSmallNoAttend is the small counterpart of ConfigBaseNoAttend.
func ConfigSmallNoAttend() Config {
	c := ConfigSmall()
	c.Reshape = ReshapeSlice
	c.Bottleneck = BottleneckDVQ
	c.HiddenSize = 512
	c.NumBlocks = 1
	c.NumDecodeBlocks = 1
	c.ZSize = 12
	c.DoAttendDecompress = false
	return c
}

// ConfigCifar is the 2-D image-grid preset: DVQ bottleneck, unconditional
// decoding, (2,2) compression kernels.
func ConfigCifar() Config {
	c := ConfigSmall()
	c.FilterSize = 512
	c.HiddenSize = 512
	c.NumHiddenLayers = 6
	c.NumHeads = 8
	c.MaxLength = 1024
	c.Dropout = 0.0
	c.Bottleneck = BottleneckDVQ
	c.ZSize = 12
	c.Is2D = true
	c.DropInputs = true
	c.DoAttendCompress = false
	c.DoAttendDecompress = false
	return c
}

// Ablation presets, in the order they build on each other.

// ConfigAblation1 enables soft-EM assignment.
func ConfigAblation1() Config {
	c := ConfigBaseNoAttend()
	c.SoftEM = true
	return c
}

// ConfigAblation2 adds an entropy bonus.
func ConfigAblation2() Config {
	c := ConfigAblation1()
	c.EntropyScale = 0.1
	return c
}

// ConfigAblation3 down-weights the latent prior.
func ConfigAblation3() Config {
	c := ConfigAblation2()
	c.PriorScale = 0.1
	return c
}

// ConfigAblation4 switches to hard Gumbel-softmax DVQ.
func ConfigAblation4() Config {
	c := ConfigAblation3()
	c.EntropyScale = 0.0
	c.PriorScale = 1.0
	c.Bottleneck = BottleneckGumbelSoftmaxDVQ
	c.DoHardGumbel = true
	c.ApproxGSEntropy = true
	c.SoftEM = false
	return c
}

// ConfigAblation5 relaxes ablation 4 back to soft Gumbel-softmax.
func ConfigAblation5() Config {
	c := ConfigAblation4()
	c.DoHardGumbel = false
	return c
}

// ===========================================================================
// PRESET REGISTRY
// ===========================================================================

var presets = map[string]func() Config{}

// RegisterPreset makes a named preset available to Preset and the CLI.
// Panics if the name is already taken; preset names are package-level
// identifiers and a collision is a programmer error.
func RegisterPreset(name string, fn func() Config) {
	if _, ok := presets[name]; ok {
		panic(fmt.Sprintf("config: preset %q registered twice", name))
	}
	presets[name] = fn
}

// Preset builds and validates the named preset configuration.
func Preset(name string) (Config, error) {
	fn, ok := presets[name]
	if !ok {
		return Config{}, fmt.Errorf("%w: %q", ErrUnknownPreset, name)
	}
	c := fn()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// PresetNames returns all registered preset names, sorted.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	RegisterPreset("ae_small", ConfigSmall)
	RegisterPreset("ae_base", ConfigBase)
	RegisterPreset("ae_base_noatt", ConfigBaseNoAttend)
	RegisterPreset("ae_small_noatt", ConfigSmallNoAttend)
	RegisterPreset("ae_cifar", ConfigCifar)
	RegisterPreset("ae_base_ablation_1", ConfigAblation1)
	RegisterPreset("ae_base_ablation_2", ConfigAblation2)
	RegisterPreset("ae_base_ablation_3", ConfigAblation3)
	RegisterPreset("ae_base_ablation_4", ConfigAblation4)
	RegisterPreset("ae_base_ablation_5", ConfigAblation5)
}
