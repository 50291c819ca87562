package main

import (
	"math/rand"
	"sort"
)

// ===========================================================================
// FORWARD PASS
// ===========================================================================
//
// The full autoencoding pass: encode the conditioning input, noise and pad
// the targets, compress them, discretize through the bottleneck (training)
// or sample a latent code (inference), decompress, blend with the true
// targets under the masking schedule, and decode. The three loss terms are
// always returned; terms that do not apply stay zero.
//
// The pass is a pure function of its arguments and the model's state; the
// only mutation is the bottleneck's codebook statistics during training and
// the latent cache created on the first inference call.

// latentSampleIters is the number of refinement rounds used when sampling
// latents at inference.
const latentSampleIters = 16

// Forward runs one pass. targets is [B, L, 1, H], or [B, rows, cols, H] in
// 2-D mode; inputs may be nil (and is ignored when DropInputs is set).
// cache is nil on the first inference call and returned for reuse;
// predictMask is the inference blend weight (1 = ground truth, 0 = full
// latent reconstruction).
//
// Returns the decoded output (truncated to the original target extent), the
// loss terms, the cache, and the data/latent dimensions.
func (m *TransformerAE) Forward(inputs, targets *Tensor, targetSpace, step int, mode Mode, cache *LatentCache, predictMask float64) (*Tensor, Losses, *LatentCache, int, int) {
	cfg := m.cfg
	if cfg.DropInputs {
		inputs = nil
	}

	var encOut *Tensor
	var ed *AttentionBias
	if inputs != nil {
		encOut, ed = m.encoder.Forward(inputs, targetSpace, mode, m.rng)
	}

	var losses Losses
	origD1, origD2 := targets.shape[1], targets.shape[2]
	latentLen := 0

	var mask *Tensor // per-position ground-truth weight, kept for refinement
	if cfg.DoAE {
		if cfg.WordShuffle > 0 && mode == ModeTrain {
			targets = wordShuffle(targets, cfg.WordShuffle, m.rng)
		}
		targets = padToCompressible(targets, cfg.CompressionFactor(), cfg.Is2D)
		targets = addPositionalTo4D(targets, m.targetsPos)

		targetsNoisy := targets
		if cfg.WordDropout > 0 && mode == ModeTrain {
			targetsNoisy = wordDropout(targets, cfg.WordDropout, m.rng)
		}

		targetsC := m.compressor.Forward(targetsNoisy, encOut, mode, m.rng)
		_, latentPositions, _ := flatPositions(targetsC)
		latentLen = latentPositions

		var latentsDense *Tensor
		if mode != ModePredict {
			latentsDense = m.trainEvalLatents(targetsC, encOut, ed, step, mode, &losses)
		} else {
			latentsDense, cache = m.predictLatents(targetsC, encOut, ed, mode, cache)
		}

		latentsDense = addPositionalTo4D(latentsDense, m.latentsPos)
		d := m.decompressor.Forward(latentsDense, encOut, mode, m.rng)

		if cfg.DoMask {
			mask = m.drawMask(targets, step, mode, predictMask)
			targets = blendByMask(targets, d, mask)
		} else {
			targets = d
		}
	}

	res := m.decoder.Forward(encOut, ed, targets, cfg.Causal, mode, m.rng)
	if len(targets.shape) == 4 && targets.shape[2] > 1 {
		// Restore the 2-D grid the decoder flattened.
		res = res.Reshape(targets.shape...)
	}

	if cfg.DoAE {
		if cfg.DoMask && cfg.DoRefine {
			res = m.refine(res, mask, targetSpace, mode)
		}
		// The latent predictor only starts to matter once masking has
		// ramped up; before that its loss is noise.
		if step <= cfg.MaskStartupSteps {
			losses.LatentPred = 0
		}
	}

	res = truncateSpatial(res, origD1, origD2)
	_, dataLen, _ := flatPositions(res)
	return res, losses, cache, dataLen, latentLen
}

// trainEvalLatents runs the bottleneck on compressed targets and attaches
// the latent-prediction losses. Returns the (warm-up gated) dense latents.
func (m *TransformerAE) trainEvalLatents(targetsC, encOut *Tensor, ed *AttentionBias, step int, mode Mode, losses *Losses) *Tensor {
	cfg := m.cfg
	batch := targetsC.shape[0]

	result := m.bottleneck.Encode(targetsC, step, mode)
	latentsDense := result.Dense

	// Warm-up gate: early in training most batch elements bypass the
	// bottleneck entirely.
	pc := bottleneckWarmup(cfg, step, mode)
	cond := make([]bool, batch)
	accepted := 0
	for b := range cond {
		cond[b] = mode != ModeTrain || m.rng.Float64() < pc
		if cond[b] {
			accepted++
		}
	}
	condFrac := float64(accepted) / float64(batch)
	latentsDense = chooseBatch(cond, latentsDense, targetsC)
	losses.Extra = result.Loss * condFrac

	if cfg.Bottleneck.Discrete() {
		flatCode := flattenCode(result.Code, m.bottleneck.BlockVocab())
		pred := m.predictor.Forward(encOut, ed, m.bottleneck.Embed(result.Code), mode, m.rng)
		_, predLoss := m.predictor.SampleAndLoss(pred, flatCode, result.SoftCode, m.rng)
		losses.LatentPred = predLoss * condFrac * cfg.PriorScale
		losses.NegQEntropy = result.NegQEntropy * cfg.EntropyScale
		return latentsDense
	}

	// Continuous kinds: an auxiliary decoder predicts the compressed targets
	// from the input, trained with a scaled squared difference, and its
	// bottlenecked output gradually mixes into the latents.
	inputsC := m.decC.Forward(encOut, ed, targetsC, true, mode, m.rng)
	losses.LatentPred = meanSquaredDiff(inputsC, targetsC) * 20

	bn := m.bottleneck.Encode(inputsC, step, mode).Dense
	ptc := 1.0
	if mode == ModeTrain {
		ptc = 1.0 - inverseLinDecay(200000, step)*0.5
	}
	cond = make([]bool, batch)
	for b := range cond {
		cond[b] = m.rng.Float64() < ptc
	}
	return chooseBatch(cond, latentsDense, bn)
}

// predictLatents produces dense latents at inference, sampling a code on
// the first call and re-embedding the cached one afterwards.
func (m *TransformerAE) predictLatents(targetsC, encOut *Tensor, ed *AttentionBias, mode Mode, cache *LatentCache) (*Tensor, *LatentCache) {
	if !m.cfg.Bottleneck.Discrete() {
		inputsC := m.decC.Forward(encOut, ed, targetsC, true, mode, m.rng)
		return m.bottleneck.Encode(inputsC, 0, mode).Dense, cache
	}

	if cache == nil {
		seed := NewTensor(targetsC.shape...)
		flat := m.predictor.Sample(seed, encOut, ed, m.embedFlat, latentSampleIters, m.rng)
		cache = NewLatentCache(flat)
	}
	return m.embedFlat(cache.Code()).Reshape(targetsC.Shape()...), cache
}

// drawMask builds the per-position ground-truth weight [B, positions]. In
// training positions flip to the reconstruction with the scheduled masking
// probability; at inference (or with UsePredictMask) every position gets the
// caller's predictMask weight.
func (m *TransformerAE) drawMask(targets *Tensor, step int, mode Mode, predictMask float64) *Tensor {
	batch, positions, _ := flatPositions(targets)
	mask := NewTensor(batch, positions)

	if m.cfg.UsePredictMask || mode == ModePredict {
		for i := range mask.data {
			mask.data[i] = predictMask
		}
		return mask
	}

	masking := maskingWeight(m.cfg, step, m.rng.Float64())
	for i := range mask.data {
		if m.rng.Float64() >= masking {
			mask.data[i] = 1
		}
	}
	return mask
}

// refine re-encodes the decoded output for batch elements whose mask kept
// (almost) no ground-truth positions, where the decoder had nothing real to
// condition on.
func (m *TransformerAE) refine(res, mask *Tensor, targetSpace int, mode Mode) *Tensor {
	batch, positions, _ := flatPositions(res)

	allMasked := make([]bool, batch)
	needed := false
	for b := 0; b < batch; b++ {
		total := 0.0
		for p := 0; p < positions; p++ {
			total += mask.At(b, p)
		}
		allMasked[b] = total < 0.1
		needed = needed || allMasked[b]
	}
	if !needed {
		return res
	}

	refined, _ := m.refineEncoder.Forward(res, targetSpace, mode, m.rng)
	refined = refined.Reshape(res.Shape()...)
	return chooseBatch(allMasked, refined, res)
}

// ---------------------------------------------------------------------------
// Target-side helpers
// ---------------------------------------------------------------------------

// wordShuffle permutes positions along the length axis by jittering indices
// with uniform noise in [0, 1+rate) and re-sorting, so displacement is
// bounded by the rate.
func wordShuffle(targets *Tensor, rate float64, rng *rand.Rand) *Tensor {
	length := targets.shape[1]
	type jittered struct {
		pos int
		key float64
	}
	keys := make([]jittered, length)
	for p := 0; p < length; p++ {
		keys[p] = jittered{pos: p, key: float64(p) + rng.Float64()*(1+rate)}
	}
	sort.SliceStable(keys, func(i, j int) bool { return keys[i].key < keys[j].key })

	out := NewTensor(targets.shape...)
	batch := targets.shape[0]
	rowSize := len(targets.data) / (batch * length)
	for b := 0; b < batch; b++ {
		for p := 0; p < length; p++ {
			src := (b*length + keys[p].pos) * rowSize
			dst := (b*length + p) * rowSize
			copy(out.data[dst:dst+rowSize], targets.data[src:src+rowSize])
		}
	}
	return out
}

// wordDropout zeroes individual target activations with the given rate,
// without rescaling; the decoder must cope with missing evidence, not with
// shifted magnitudes.
func wordDropout(targets *Tensor, rate float64, rng *rand.Rand) *Tensor {
	out := NewTensor(targets.shape...)
	for i, v := range targets.data {
		if rng.Float64() > rate {
			out.data[i] = v
		}
	}
	return out
}

// padToCompressible zero-pads the spatial dims up to the next multiple of
// the compression factor.
func padToCompressible(x *Tensor, factor int, is2D bool) *Tensor {
	d1, d2 := x.shape[1], x.shape[2]
	p1 := nextMultiple(d1, factor)
	p2 := d2
	if is2D {
		p2 = nextMultiple(d2, factor)
	}
	if p1 == d1 && p2 == d2 {
		return x
	}

	batch, hidden := x.shape[0], x.shape[3]
	out := NewTensor(batch, p1, p2, hidden)
	for b := 0; b < batch; b++ {
		for i := 0; i < d1; i++ {
			for j := 0; j < d2; j++ {
				src := ((b*d1+i)*d2 + j) * hidden
				dst := ((b*p1+i)*p2 + j) * hidden
				copy(out.data[dst:dst+hidden], x.data[src:src+hidden])
			}
		}
	}
	return out
}

func nextMultiple(n, factor int) int {
	if rem := n % factor; rem != 0 {
		return n + factor - rem
	}
	return n
}

// truncateSpatial cuts the spatial dims back to the original extent.
func truncateSpatial(x *Tensor, d1, d2 int) *Tensor {
	if x.shape[1] == d1 && x.shape[2] == d2 {
		return x
	}
	batch, hidden := x.shape[0], x.shape[3]
	out := NewTensor(batch, d1, d2, hidden)
	for b := 0; b < batch; b++ {
		for i := 0; i < d1; i++ {
			for j := 0; j < d2; j++ {
				src := ((b*x.shape[1]+i)*x.shape[2] + j) * hidden
				dst := ((b*d1+i)*d2 + j) * hidden
				copy(out.data[dst:dst+hidden], x.data[src:src+hidden])
			}
		}
	}
	return out
}

// addPositionalTo4D adds the learned positional table over the flattened
// positions of a 4-D activation.
func addPositionalTo4D(x *Tensor, table *Tensor) *Tensor {
	shape := x.Shape()
	flat := flatten4D3D(x)
	return addPositionalTable(flat, table).Reshape(shape...)
}

// blendByMask computes mask*target + (1-mask)*reconstruction with the mask
// broadcast over the channel axis.
func blendByMask(targets, d, mask *Tensor) *Tensor {
	batch, positions, hidden := flatPositions(targets)
	out := NewTensor(targets.shape...)
	for b := 0; b < batch; b++ {
		for p := 0; p < positions; p++ {
			w := mask.At(b, p)
			off := (b*positions + p) * hidden
			for h := 0; h < hidden; h++ {
				out.data[off+h] = w*targets.data[off+h] + (1-w)*d.data[off+h]
			}
		}
	}
	return out
}

// chooseBatch picks per batch element: a's rows where cond, b's otherwise.
func chooseBatch(cond []bool, a, b *Tensor) *Tensor {
	if !shapeEqual(a.shape, b.shape) {
		panic("choose: shape mismatch")
	}
	out := NewTensor(a.shape...)
	rowSize := len(a.data) / len(cond)
	for i, c := range cond {
		src := b.data[i*rowSize : (i+1)*rowSize]
		if c {
			src = a.data[i*rowSize : (i+1)*rowSize]
		}
		copy(out.data[i*rowSize:(i+1)*rowSize], src)
	}
	return out
}

// meanSquaredDiff is the mean elementwise squared difference.
func meanSquaredDiff(a, b *Tensor) float64 {
	if !shapeEqual(a.shape, b.shape) {
		panic("squared_diff: shape mismatch")
	}
	total := 0.0
	for i := range a.data {
		diff := a.data[i] - b.data[i]
		total += diff * diff
	}
	return total / float64(len(a.data))
}
