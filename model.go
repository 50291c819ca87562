package main

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand"
)

// ===========================================================================
// MODEL
// ===========================================================================
//
// TransformerAE owns every sub-component of the autoencoder-augmented
// transformer and the model-level randomness. All cross-call mutable state
// lives here: the bottleneck's codebook statistics (updated once per
// training step) and the RNG. The forward pass itself is in ae.go.

// Losses names the three loss terms every forward pass returns. Terms that
// do not apply to the active configuration stay zero.
type Losses struct {
	Extra       float64 // bottleneck commitment / KL loss, warm-up weighted
	LatentPred  float64 // latent code prediction loss
	NegQEntropy float64 // negative assignment entropy, entropy-scale weighted
}

// TransformerAE is the autoencoder-augmented transformer.
type TransformerAE struct {
	cfg Config

	encoder       *Encoder
	refineEncoder *Encoder // only with DoRefine
	decoder       *Decoder
	decC          *Decoder // continuous-kind auxiliary decoder

	compressor   *Compressor
	decompressor *Decompressor
	bottleneck   Bottleneck
	predictor    *LatentPredictor

	targetsPos *Tensor // [maxLength, hidden]
	latentsPos *Tensor // [maxLength, hidden]

	rng *rand.Rand
}

// NewTransformerAE builds a model from a validated configuration. The seed
// fixes all weight initialization and stochastic behavior.
func NewTransformerAE(cfg Config, seed int64) (*TransformerAE, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("model: %w", err)
	}

	rng := rand.New(rand.NewSource(seed))
	m := &TransformerAE{
		cfg:          cfg,
		encoder:      NewEncoder(cfg),
		decoder:      NewDecoder(cfg),
		compressor:   NewCompressor(cfg),
		decompressor: NewDecompressor(cfg),
		bottleneck:   NewBottleneck(cfg, rng),
		predictor:    NewLatentPredictor(cfg),
		targetsPos:   NewTensorRand(cfg.MaxLength, cfg.HiddenSize),
		latentsPos:   NewTensorRand(cfg.MaxLength, cfg.HiddenSize),
		rng:          rng,
	}
	if cfg.DoRefine {
		m.refineEncoder = NewEncoder(cfg)
	}
	if !cfg.Bottleneck.Discrete() {
		m.decC = NewDecoder(cfg)
	}

	if cfg.Summaries {
		slog.Info("built autoencoder transformer",
			"bottleneck", cfg.Bottleneck.String(),
			"hidden_size", cfg.HiddenSize,
			"z_size", cfg.ZSize,
			"compression_factor", cfg.CompressionFactor())
	}
	return m, nil
}

// Config returns the model's configuration value.
func (m *TransformerAE) Config() Config {
	return m.cfg
}

// embedFlat reconstructs dense latents from a flat code through the
// bottleneck's pure embedding.
func (m *TransformerAE) embedFlat(flat *IntTensor) *Tensor {
	code := unflattenCode(flat, m.bottleneck.CodeBlocks(), m.bottleneck.BlockVocab())
	return m.bottleneck.Embed(code)
}

// NatsAndBitsPerDim converts the reconstruction and prior losses into
// per-dimension code lengths: the prior cost is amortized over the data
// dimensions alongside the reconstruction cost.
func NatsAndBitsPerDim(dataDim, latentDim int, avgReconstruction, avgPrior float64) (nats, bits float64) {
	if dataDim == 0 {
		return 0, 0
	}
	logError := float64(dataDim)*avgReconstruction + float64(latentDim)*avgPrior
	nats = logError / float64(dataDim)
	bits = nats / math.Ln2
	return nats, bits
}
