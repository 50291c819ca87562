package main

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

// ===========================================================================
// LATENT PREDICTION AND SAMPLING
// ===========================================================================
//
// The latent predictor is a causal decoder over embedded latent codes,
// conditioned on the encoder output, with one classifier head over the full
// latent vocabulary -- or, in multi-block mode, an independent head per digit
// of a mixed-radix factorization of the code. It trains against the code the
// bottleneck actually produced, never against target content.
//
// At inference the true code does not exist, so Sample produces one: by beam
// search (width 1) when the code is single-block and sampling is greedy, and
// otherwise by iterative refinement, where each round re-embeds the current
// guess, re-predicts every position, and commits one more prefix position.

// embedFunc reconstructs dense latents [B, P, 1, H] from a flat code [B, P].
type embedFunc func(flat *IntTensor) *Tensor

// flattenCode folds the per-block integers of [B, P, blocks] into one
// full-vocabulary integer per position.
func flattenCode(code *IntTensor, blockVocab int) *IntTensor {
	batch, positions, blocks := code.shape[0], code.shape[1], code.shape[2]
	out := NewIntTensor(batch, positions)
	digits := make([]int, blocks)
	for b := 0; b < batch; b++ {
		for p := 0; p < positions; p++ {
			for nb := 0; nb < blocks; nb++ {
				digits[nb] = code.At(b, p, nb)
			}
			out.Set(composeDigits(digits, blockVocab), b, p)
		}
	}
	return out
}

// unflattenCode is the inverse of flattenCode.
func unflattenCode(flat *IntTensor, blocks, blockVocab int) *IntTensor {
	batch, positions := flat.shape[0], flat.shape[1]
	out := NewIntTensor(batch, positions, blocks)
	for b := 0; b < batch; b++ {
		for p := 0; p < positions; p++ {
			digits := splitDigits(flat.At(b, p), blockVocab, blocks)
			for nb, d := range digits {
				out.Set(d, b, p, nb)
			}
		}
	}
	return out
}

// LatentPredictor predicts the discrete latent code from encoder output.
type LatentPredictor struct {
	cfg     Config
	decoder *Decoder
	heads   []*Dense
}

// NewLatentPredictor builds the predictor with one head per decode block.
func NewLatentPredictor(cfg Config) *LatentPredictor {
	lp := &LatentPredictor{cfg: cfg, decoder: NewDecoder(cfg)}
	if cfg.NumDecodeBlocks < 2 {
		lp.heads = []*Dense{NewDense(cfg.HiddenSize, cfg.LatentVocabSize())}
	} else {
		lp.heads = make([]*Dense, cfg.NumDecodeBlocks)
		for i := range lp.heads {
			lp.heads[i] = NewDense(cfg.HiddenSize, cfg.blockVocabSize())
		}
	}
	return lp
}

// Forward runs the causal latent decoder over embedded latents [B, P, 1, H],
// conditioned on encOut, and returns the per-position prediction states.
func (lp *LatentPredictor) Forward(encOut *Tensor, bias *AttentionBias, latentsDense *Tensor, mode Mode, rng *rand.Rand) *Tensor {
	return lp.decoder.Forward(encOut, bias, latentsDense, true, mode, rng)
}

// normalizeLogits rescales logits by the inverse RMS of the whole tensor.
func normalizeLogits(logits *Tensor) *Tensor {
	meanSq := 0.0
	for _, v := range logits.data {
		meanSq += v * v
	}
	meanSq /= float64(len(logits.data))
	scale := 1 / math.Sqrt(1e-8+meanSq)
	return Scale(logits, scale)
}

// SampleAndLoss turns prediction states [B, P, 1, H] into a flat code sample
// [B, P] and, when target is non-nil, the prediction loss. soft carries
// soft-EM labels [B, P, vocab] and takes precedence over target when set.
//
// The loss is summed over blocks and, depending on SumOverLatents, summed or
// averaged over positions; it is always averaged over the batch.
func (lp *LatentPredictor) SampleAndLoss(pred *Tensor, target *IntTensor, soft *Tensor, rng *rand.Rand) (*IntTensor, float64) {
	batch, positions, _ := flatPositions(pred)

	if lp.cfg.NumDecodeBlocks < 2 {
		vocab := lp.cfg.LatentVocabSize()
		logits := lp.heads[0].Forward(pred).Reshape(batch, positions, vocab)
		if lp.cfg.LogitNormalization {
			logits = normalizeLogits(logits)
		}

		sample := NewIntTensor(batch, positions)
		loss := 0.0
		for b := 0; b < batch; b++ {
			for p := 0; p < positions; p++ {
				row := logits.data[(b*positions+p)*vocab : (b*positions+p+1)*vocab]
				sample.Set(multinomialSample(row, lp.cfg.SamplingTemp, rng), b, p)

				lse := floats.LogSumExp(row)
				switch {
				case soft != nil:
					for v := 0; v < vocab; v++ {
						if q := soft.At(b, p, v); q > 0 {
							loss += q * (lse - row[v])
						}
					}
				case target != nil:
					loss += lse - row[target.At(b, p)]
				}
			}
		}
		if target == nil && soft == nil {
			return sample, 0
		}
		return sample, lp.reduceLoss(loss, batch, positions)
	}

	// Multi-block mixed-radix factorization.
	bv := lp.cfg.blockVocabSize()
	sample := NewIntTensor(batch, positions)
	loss := 0.0
	digits := make([]int, lp.cfg.NumDecodeBlocks)

	logitsPerBlock := make([]*Tensor, lp.cfg.NumDecodeBlocks)
	for i, head := range lp.heads {
		logitsPerBlock[i] = head.Forward(pred).Reshape(batch, positions, bv)
	}

	for b := 0; b < batch; b++ {
		for p := 0; p < positions; p++ {
			for i := range lp.heads {
				row := logitsPerBlock[i].data[(b*positions+p)*bv : (b*positions+p+1)*bv]
				digits[i] = multinomialSample(row, lp.cfg.SamplingTemp, rng)
				if target != nil {
					d := (target.At(b, p) / intPow(bv, i)) % bv
					loss += floats.LogSumExp(row) - row[d]
				}
			}
			sample.Set(composeDigits(digits, bv), b, p)
		}
	}
	if target == nil {
		return sample, 0
	}
	return sample, lp.reduceLoss(loss, batch, positions)
}

func (lp *LatentPredictor) reduceLoss(total float64, batch, positions int) float64 {
	if !lp.cfg.SumOverLatents {
		total /= float64(positions)
	}
	return total / float64(batch)
}

// beamPathEligible reports whether sampling can go through beam search:
// only single-block codes with greedy (zero-temperature) sampling.
func beamPathEligible(cfg Config) bool {
	return cfg.NumDecodeBlocks < 2 && cfg.SamplingTemp == 0
}

// Sample produces a latent code for inference. Greedy single-block
// configurations take the beam-search path; everything else refines
// iteratively with a growing committed prefix.
func (lp *LatentPredictor) Sample(latentsDense, encOut *Tensor, bias *AttentionBias, embed embedFunc, iters int, rng *rand.Rand) *IntTensor {
	if beamPathEligible(lp.cfg) {
		return lp.sampleBeam(latentsDense, encOut, bias, embed, rng)
	}
	return lp.sampleIterative(latentsDense, encOut, bias, embed, iters, rng)
}

// sampleIterative does one full prediction, then iters refinement rounds.
// Round i keeps positions [0, i] fixed and re-predicts the rest from the
// re-embedded current code, so the committed prefix only grows.
func (lp *LatentPredictor) sampleIterative(latentsDense, encOut *Tensor, bias *AttentionBias, embed embedFunc, iters int, rng *rand.Rand) *IntTensor {
	pred := lp.Forward(encOut, bias, latentsDense, ModePredict, rng)
	current, _ := lp.SampleAndLoss(pred, nil, nil, rng)
	positions := current.shape[1]

	for i := 0; i < iters && i < positions; i++ {
		dense := embed(current)
		pred = lp.Forward(encOut, bias, dense, ModePredict, rng)
		next, _ := lp.SampleAndLoss(pred, nil, nil, rng)

		for b := 0; b < current.shape[0]; b++ {
			for p := i + 1; p < positions; p++ {
				current.Set(next.At(b, p), b, p)
			}
		}
	}
	return current
}

// multinomialSample draws from softmax(logits/temperature), or takes the
// argmax at zero temperature.
func multinomialSample(logits []float64, temperature float64, rng *rand.Rand) int {
	if temperature <= 0 {
		return argmax(logits)
	}
	scaled := make([]float64, len(logits))
	for i, v := range logits {
		scaled[i] = v / temperature
	}
	return sampleCategorical(rng, softmaxSlice(scaled))
}

func intPow(base, exp int) int {
	v := 1
	for i := 0; i < exp; i++ {
		v *= base
	}
	return v
}
