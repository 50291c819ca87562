package main

import (
	"math"
	"math/rand"

	exprand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// ===========================================================================
// DISCRETE BOTTLENECK
// ===========================================================================
//
// The bottleneck maps compressed dense vectors to a discrete code and back.
// Each strategy is a concrete type behind the Bottleneck interface, selected
// once at model-construction time from the typed configuration constant --
// there is no per-call string dispatch.
//
// Embed is the pure half of the contract: given only a discrete code it
// reconstructs a dense tensor, with no noise, no codebook updates, and no
// dependence on the encode-side input. The latent sampler leans on this to
// re-embed partial codes between refinement rounds.
//
// Codes are [batch, positions, blocks] integers. Strategies with a single
// code per position use blocks=1. The DVQ strategies fold their residual
// stages into each block's entry mixed-radix style, so one integer per block
// round-trips losslessly through composeDigits/splitDigits.

// BottleneckResult bundles the encode-side outputs.
type BottleneckResult struct {
	Dense       *Tensor    // reconstruction in the input's shape
	Code        *IntTensor // [batch, positions, blocks]; nil for continuous kinds
	SoftCode    *Tensor    // [batch, positions, vocab] soft labels; soft-EM only
	Loss        float64    // commitment / KL auxiliary loss
	NegQEntropy float64    // negative entropy of the assignment distribution
}

// Bottleneck is the uniform capability pair every strategy implements.
type Bottleneck interface {
	// Encode discretizes x and reconstructs it. Codebook state mutates only
	// in training mode.
	Encode(x *Tensor, step int, mode Mode) BottleneckResult

	// Embed reconstructs a dense tensor [batch, positions, 1, hidden] from a
	// discrete code. Pure: no noise, no state updates.
	Embed(code *IntTensor) *Tensor

	// Kind reports the strategy.
	Kind() BottleneckKind

	// CodeBlocks is the number of code integers per position.
	CodeBlocks() int

	// BlockVocab is the vocabulary of each code integer.
	BlockVocab() int
}

// NewBottleneck builds the strategy selected by the configuration. The
// configuration must already be validated.
func NewBottleneck(cfg Config, rng *rand.Rand) Bottleneck {
	src := exprand.NewSource(uint64(rng.Int63()))
	switch cfg.Bottleneck {
	case BottleneckDense:
		return newDenseBottleneck(cfg)
	case BottleneckVAE:
		return newVAEBottleneck(cfg, src)
	case BottleneckSemhash:
		return newSemhashBottleneck(cfg, rng, src)
	case BottleneckGumbelSoftmax:
		return newGumbelSoftmaxBottleneck(cfg, src)
	case BottleneckDVQ, BottleneckGumbelSoftmaxDVQ:
		return newDVQBottleneck(cfg, rng, src)
	}
	panic("bottleneck: unreachable kind, configuration not validated")
}

// ---------------------------------------------------------------------------
// Shared pieces
// ---------------------------------------------------------------------------

// bottleneckEpilogue is the two-layer expansion from the code representation
// back to hidden size, shared by the dense, vae, and semhash strategies.
type bottleneckEpilogue struct {
	h2  *Dense // filter -> filter
	fin *Dense // filter -> hidden
}

func newBottleneckEpilogue(cfg Config) *bottleneckEpilogue {
	return &bottleneckEpilogue{
		h2:  NewDense(cfg.CompressFilterSize, cfg.CompressFilterSize),
		fin: NewDense(cfg.CompressFilterSize, cfg.HiddenSize),
	}
}

func (ep *bottleneckEpilogue) Forward(h1 *Tensor) *Tensor {
	return ep.fin.Forward(ReLU(ep.h2.Forward(ReLU(h1))))
}

// composeDigits folds digits (least significant first) into one integer with
// the given base.
func composeDigits(digits []int, base int) int {
	v := 0
	for i := len(digits) - 1; i >= 0; i-- {
		v = v*base + digits[i]
	}
	return v
}

// splitDigits is the inverse of composeDigits, producing n digits.
func splitDigits(value, base, n int) []int {
	digits := make([]int, n)
	for i := 0; i < n; i++ {
		digits[i] = value % base
		value /= base
	}
	return digits
}

// flatPositions treats everything between batch and channels as positions.
func flatPositions(x *Tensor) (batch, positions, hidden int) {
	shape := x.Shape()
	batch = shape[0]
	hidden = shape[len(shape)-1]
	positions = 1
	for _, d := range shape[1 : len(shape)-1] {
		positions *= d
	}
	return batch, positions, hidden
}

// ---------------------------------------------------------------------------
// Dense passthrough
// ---------------------------------------------------------------------------

// denseBottleneck compresses through a narrow dense layer with no
// discretization. It produces no code; the orchestrator pairs it with the
// squared-difference latent loss instead of the cross-entropy predictor.
type denseBottleneck struct {
	vcc *Dense // hidden -> zSize
	vc1 *Dense // zSize -> filter
	ep  *bottleneckEpilogue
}

func newDenseBottleneck(cfg Config) *denseBottleneck {
	return &denseBottleneck{
		vcc: NewDense(cfg.HiddenSize, cfg.ZSize),
		vc1: NewDense(cfg.ZSize, cfg.CompressFilterSize),
		ep:  newBottleneckEpilogue(cfg),
	}
}

func (d *denseBottleneck) Encode(x *Tensor, step int, mode Mode) BottleneckResult {
	c := d.vcc.Forward(x)
	return BottleneckResult{Dense: d.ep.Forward(d.vc1.Forward(c))}
}

func (d *denseBottleneck) Embed(code *IntTensor) *Tensor {
	panic("bottleneck: dense strategy has no discrete code to embed")
}

func (d *denseBottleneck) Kind() BottleneckKind { return BottleneckDense }
func (d *denseBottleneck) CodeBlocks() int      { return 1 }
func (d *denseBottleneck) BlockVocab() int      { return 0 }

// ---------------------------------------------------------------------------
// Gaussian VAE
// ---------------------------------------------------------------------------

type vaeBottleneck struct {
	mu     *Dense // hidden -> zSize
	logVar *Dense // hidden -> zSize
	vc1    *Dense // zSize -> filter
	ep     *bottleneckEpilogue
	noise  distuv.Normal
}

func newVAEBottleneck(cfg Config, src exprand.Source) *vaeBottleneck {
	return &vaeBottleneck{
		mu:     NewDense(cfg.HiddenSize, cfg.ZSize),
		logVar: NewDense(cfg.HiddenSize, cfg.ZSize),
		vc1:    NewDense(cfg.ZSize, cfg.CompressFilterSize),
		ep:     newBottleneckEpilogue(cfg),
		noise:  distuv.Normal{Mu: 0, Sigma: 1, Src: src},
	}
}

func (v *vaeBottleneck) Encode(x *Tensor, step int, mode Mode) BottleneckResult {
	mu := v.mu.Forward(x)
	logVar := v.logVar.Forward(x)

	z := mu.Clone()
	if mode == ModeTrain {
		for i := range z.data {
			z.data[i] += math.Exp(logVar.data[i]/2) * v.noise.Rand()
		}
	}

	kl := 0.0
	for i := range mu.data {
		kl += math.Exp(logVar.data[i]) + mu.data[i]*mu.data[i] - 1 - logVar.data[i]
	}
	kl = 0.5 * kl / float64(len(mu.data))

	return BottleneckResult{
		Dense: v.ep.Forward(v.vc1.Forward(z)),
		Loss:  kl,
	}
}

func (v *vaeBottleneck) Embed(code *IntTensor) *Tensor {
	panic("bottleneck: vae strategy has no discrete code to embed")
}

func (v *vaeBottleneck) Kind() BottleneckKind { return BottleneckVAE }
func (v *vaeBottleneck) CodeBlocks() int      { return 1 }
func (v *vaeBottleneck) BlockVocab() int      { return 0 }

// ---------------------------------------------------------------------------
// Semantic hashing
// ---------------------------------------------------------------------------

// semhashBottleneck binarizes a saturating sigmoid over noisy logits into a
// zSize-bit code. During training a scheduled per-batch coin mixes the hard
// bits with the continuous sigmoid values so early gradients are not starved.
type semhashBottleneck struct {
	cfg   Config
	vcc   *Dense // hidden -> zSize
	vc1a  *Dense // zSize -> filter, applied to c
	vc1b  *Dense // zSize -> filter, applied to 1-c
	ep    *bottleneckEpilogue
	rng   *rand.Rand
	noise distuv.Normal
}

func newSemhashBottleneck(cfg Config, rng *rand.Rand, src exprand.Source) *semhashBottleneck {
	return &semhashBottleneck{
		cfg:   cfg,
		vcc:   NewDense(cfg.HiddenSize, cfg.ZSize),
		vc1a:  NewDense(cfg.ZSize, cfg.CompressFilterSize),
		vc1b:  NewDense(cfg.ZSize, cfg.CompressFilterSize),
		ep:    newBottleneckEpilogue(cfg),
		rng:   rng,
		noise: distuv.Normal{Mu: 0, Sigma: cfg.NoiseDev, Src: src},
	}
}

// truncatedNoise draws from the noise distribution rejected at two standard
// deviations.
func (s *semhashBottleneck) truncatedNoise() float64 {
	for {
		v := s.noise.Rand()
		if math.Abs(v) <= 2*s.cfg.NoiseDev {
			return v
		}
	}
}

func (s *semhashBottleneck) Encode(x *Tensor, step int, mode Mode) BottleneckResult {
	batch, positions, _ := flatPositions(x)
	z := s.cfg.ZSize

	logits := s.vcc.Forward(x)
	y := NewTensor(batch, positions, z)
	flat := logits.Reshape(batch, positions, z)
	for i, v := range flat.data {
		if mode == ModeTrain && s.cfg.NoiseDev > 0 {
			v += s.truncatedNoise()
		}
		y.data[i] = saturatingSigmoidScalar(v)
	}

	// Hard bits, and the code they spell.
	code := NewIntTensor(batch, positions, 1)
	bits := NewTensor(batch, positions, z)
	for b := 0; b < batch; b++ {
		for p := 0; p < positions; p++ {
			v := 0
			for i := 0; i < z; i++ {
				if y.At(b, p, i) > 0.5 {
					bits.Set(1, b, p, i)
					v |= 1 << i
				}
			}
			code.Set(v, b, p, 0)
		}
	}

	// Scheduled per-batch mix of hard bits and continuous values.
	pd := 1.0
	if mode == ModeTrain {
		pd = inverseExpDecay(s.cfg.StartupSteps*2, step) * s.cfg.DiscreteMix
	}
	c := NewTensor(batch, positions, z)
	for b := 0; b < batch; b++ {
		useDiscrete := mode != ModeTrain || s.rng.Float64() < pd
		for p := 0; p < positions; p++ {
			for i := 0; i < z; i++ {
				if useDiscrete {
					c.Set(bits.At(b, p, i), b, p, i)
				} else {
					c.Set(y.At(b, p, i), b, p, i)
				}
			}
		}
	}

	return BottleneckResult{
		Dense: s.denseFromBits(c).Reshape(x.Shape()...),
		Code:  code,
	}
}

// denseFromBits runs the two-sided expansion h1a(c) + h1b(1-c) and the
// epilogue over bit activations [B, P, zSize].
func (s *semhashBottleneck) denseFromBits(c *Tensor) *Tensor {
	inv := NewTensor(c.shape...)
	for i, v := range c.data {
		inv.data[i] = 1 - v
	}
	h1 := Add(s.vc1a.Forward(c), s.vc1b.Forward(inv))
	return s.ep.Forward(h1)
}

func (s *semhashBottleneck) Embed(code *IntTensor) *Tensor {
	batch, positions := code.shape[0], code.shape[1]
	z := s.cfg.ZSize

	bits := NewTensor(batch, positions, z)
	for b := 0; b < batch; b++ {
		for p := 0; p < positions; p++ {
			v := code.At(b, p, 0)
			for i := 0; i < z; i++ {
				if v&(1<<i) != 0 {
					bits.Set(1, b, p, i)
				}
			}
		}
	}
	return s.denseFromBits(bits).Reshape(batch, positions, 1, s.cfg.HiddenSize)
}

func (s *semhashBottleneck) Kind() BottleneckKind { return BottleneckSemhash }
func (s *semhashBottleneck) CodeBlocks() int      { return 1 }
func (s *semhashBottleneck) BlockVocab() int      { return s.cfg.LatentVocabSize() }

// saturatingSigmoidScalar is max(0, min(1, 1.2*sigmoid(x) - 0.1)).
func saturatingSigmoidScalar(x float64) float64 {
	y := 1.2/(1+math.Exp(-x)) - 0.1
	return clamp01(y)
}

// ---------------------------------------------------------------------------
// Gumbel-softmax
// ---------------------------------------------------------------------------

// gumbelSoftmaxBottleneck relaxes the categorical code choice with Gumbel
// noise under an annealed temperature. The soft variant reconstructs from the
// full relaxed distribution; the hard variant snaps to the argmax one-hot.
type gumbelSoftmaxBottleneck struct {
	cfg    Config
	logits *Dense  // hidden -> vocab
	embed  *Tensor // [vocab, hidden]
	gumbel distuv.GumbelRight
}

func newGumbelSoftmaxBottleneck(cfg Config, src exprand.Source) *gumbelSoftmaxBottleneck {
	return &gumbelSoftmaxBottleneck{
		cfg:    cfg,
		logits: NewDense(cfg.HiddenSize, cfg.LatentVocabSize()),
		embed:  NewTensorRand(cfg.LatentVocabSize(), cfg.HiddenSize),
		gumbel: distuv.GumbelRight{Mu: 0, Beta: 1, Src: src},
	}
}

// temperature anneals from ~1.2 down toward 0.2 over the warm-up horizon.
func (g *gumbelSoftmaxBottleneck) temperature(step int, mode Mode) float64 {
	if mode != ModeTrain {
		return 0.2
	}
	return math.Max(1.2-inverseLinDecay(g.cfg.TempWarmupSteps, step), 0.2)
}

func (g *gumbelSoftmaxBottleneck) Encode(x *Tensor, step int, mode Mode) BottleneckResult {
	batch, positions, _ := flatPositions(x)
	vocab := g.cfg.LatentVocabSize()
	temp := g.temperature(step, mode)

	raw := g.logits.Forward(x).Reshape(batch*positions, vocab)
	code := NewIntTensor(batch, positions, 1)
	dist := NewTensor(batch*positions, vocab)

	klLoss := 0.0
	negEntropy := 0.0
	logVocab := math.Log(float64(vocab))

	row := make([]float64, vocab)
	for p := 0; p < batch*positions; p++ {
		copy(row, raw.data[p*vocab:(p+1)*vocab])
		if mode == ModeTrain {
			for i := range row {
				row[i] += g.gumbel.Rand()
			}
		}
		floats.Scale(1/temp, row)
		probs := softmaxSlice(row)
		if g.cfg.SoftmaxK > 0 {
			probs = truncateTopK(probs, g.cfg.SoftmaxK)
		}

		best := argmax(probs)
		code.Set(best, p/positions, p%positions, 0)

		if g.cfg.DoHardGumbel {
			dist.data[p*vocab+best] = 1
		} else {
			copy(dist.data[p*vocab:(p+1)*vocab], probs)
		}

		h := stat.Entropy(probs)
		klLoss += logVocab - h
		if g.cfg.ApproxGSEntropy {
			negEntropy += -h
		}
	}
	n := float64(batch * positions)
	klLoss /= n
	if g.cfg.ApproxGSEntropy {
		negEntropy /= n
	} else {
		negEntropy = -empiricalCodeEntropy(code, vocab)
	}

	dense := MatMul(dist, g.embed).Reshape(x.Shape()...)
	return BottleneckResult{
		Dense:       dense,
		Code:        code,
		Loss:        klLoss,
		NegQEntropy: negEntropy,
	}
}

func (g *gumbelSoftmaxBottleneck) Embed(code *IntTensor) *Tensor {
	batch, positions := code.shape[0], code.shape[1]
	hidden := g.cfg.HiddenSize

	out := NewTensor(batch, positions, 1, hidden)
	for b := 0; b < batch; b++ {
		for p := 0; p < positions; p++ {
			v := code.At(b, p, 0)
			for h := 0; h < hidden; h++ {
				out.Set(g.embed.At(v, h), b, p, 0, h)
			}
		}
	}
	return out
}

func (g *gumbelSoftmaxBottleneck) Kind() BottleneckKind { return BottleneckGumbelSoftmax }
func (g *gumbelSoftmaxBottleneck) CodeBlocks() int      { return 1 }
func (g *gumbelSoftmaxBottleneck) BlockVocab() int      { return g.cfg.LatentVocabSize() }

// truncateTopK zeroes all but the k largest probabilities and renormalizes.
func truncateTopK(probs []float64, k int) []float64 {
	if k >= len(probs) {
		return probs
	}
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	// Partial selection is not worth it at these vocab sizes.
	for i := 0; i < k; i++ {
		for j := i + 1; j < len(idx); j++ {
			if probs[idx[j]] > probs[idx[i]] {
				idx[i], idx[j] = idx[j], idx[i]
			}
		}
	}
	out := make([]float64, len(probs))
	total := 0.0
	for i := 0; i < k; i++ {
		out[idx[i]] = probs[idx[i]]
		total += probs[idx[i]]
	}
	if total > 0 {
		floats.Scale(1/total, out)
	}
	return out
}

// empiricalCodeEntropy estimates code entropy from assignment frequencies
// over the batch.
func empiricalCodeEntropy(code *IntTensor, vocab int) float64 {
	counts := make([]float64, vocab)
	for _, v := range code.data {
		counts[v]++
	}
	total := floats.Sum(counts)
	if total == 0 {
		return 0
	}
	floats.Scale(1/total, counts)
	h := 0.0
	for _, p := range counts {
		if p > 0 {
			h -= p * math.Log(p)
		}
	}
	return h
}

// ---------------------------------------------------------------------------
// DVQ (and Gumbel-softmax DVQ)
// ---------------------------------------------------------------------------

// dvqBottleneck quantizes against a codebook of means, split into blocks
// along the hidden axis and applied over sequential residual stages: stage r
// quantizes what stages < r left unexplained, and the reconstruction is the
// sum over stages. Codebook updates use exponential moving averages of
// assignment counts and sums when EMA is enabled; otherwise the quadratic
// codebook loss stands in for the gradient pull.
type dvqBottleneck struct {
	cfg      Config
	kind     BottleneckKind
	blockDim int
	blockV   int // per-residual, per-block vocabulary

	means       *Tensor // [residuals, blocks, blockV, blockDim]
	emaCount    *Tensor // [residuals, blocks, blockV]
	emaMeans    *Tensor // [residuals, blocks, blockV, blockDim]
	projections *Tensor // [residuals, blocks, hidden, blockDim]; project mode only

	rng    *rand.Rand
	gumbel distuv.GumbelRight
}

func newDVQBottleneck(cfg Config, rng *rand.Rand, src exprand.Source) *dvqBottleneck {
	blockDim := cfg.HiddenSize / cfg.NumBlocks
	zPerResidual := cfg.ZSize / cfg.NumResiduals
	blockV := 1 << (zPerResidual / cfg.NumBlocks)

	d := &dvqBottleneck{
		cfg:      cfg,
		kind:     cfg.Bottleneck,
		blockDim: blockDim,
		blockV:   blockV,
		means:    NewTensorRand(cfg.NumResiduals, cfg.NumBlocks, blockV, blockDim),
		rng:      rng,
		gumbel:   distuv.GumbelRight{Mu: 0, Beta: 1, Src: src},
	}
	if cfg.EMA {
		// Shadow counts start at one so the first smoothed rebuild does not
		// divide by a near-zero total.
		d.emaCount = NewTensor(cfg.NumResiduals, cfg.NumBlocks, blockV)
		for i := range d.emaCount.data {
			d.emaCount.data[i] = 1
		}
		d.emaMeans = d.means.Clone()
	}
	if cfg.Reshape == ReshapeProject {
		d.projections = NewTensorRand(cfg.NumResiduals, cfg.NumBlocks, cfg.HiddenSize, blockDim)
	}
	return d
}

// blockSpace maps a hidden vector into block nb's subspace for residual r.
func (d *dvqBottleneck) blockSpace(hvec []float64, r, nb int) []float64 {
	out := make([]float64, d.blockDim)
	if d.cfg.Reshape == ReshapeSlice {
		copy(out, hvec[nb*d.blockDim:(nb+1)*d.blockDim])
		return out
	}
	for dim := 0; dim < d.blockDim; dim++ {
		sum := 0.0
		for h := range hvec {
			sum += hvec[h] * d.projections.At(r, nb, h, dim)
		}
		out[dim] = sum
	}
	return out
}

// hiddenSpace maps a block-space vector back into hidden space, the
// transposed projection in project mode and slice placement otherwise.
func (d *dvqBottleneck) hiddenSpace(bvec []float64, r, nb int, hvec []float64) {
	if d.cfg.Reshape == ReshapeSlice {
		for dim, v := range bvec {
			hvec[nb*d.blockDim+dim] += v
		}
		return
	}
	for h := range hvec {
		sum := 0.0
		for dim, v := range bvec {
			sum += v * d.projections.At(r, nb, h, dim)
		}
		hvec[h] += sum
	}
}

// nearest picks a codebook index for xb in stage r, block nb. In training
// mode random-top-k and Gumbel-softmax assignment apply; otherwise the
// choice is the plain nearest mean.
func (d *dvqBottleneck) nearest(xb []float64, r, nb, step int, mode Mode) (int, []float64) {
	dists := make([]float64, d.blockV)
	meanRow := make([]float64, d.blockDim)
	for v := 0; v < d.blockV; v++ {
		for dim := 0; dim < d.blockDim; dim++ {
			meanRow[dim] = d.means.At(r, nb, v, dim)
		}
		dd := floats.Distance(xb, meanRow, 2)
		dists[v] = dd * dd
	}

	if d.kind == BottleneckGumbelSoftmaxDVQ {
		temp := 0.2
		logits := make([]float64, d.blockV)
		for v, dd := range dists {
			logits[v] = -dd
			if mode == ModeTrain {
				logits[v] += d.gumbel.Rand()
				temp = math.Max(1.2-inverseLinDecay(d.cfg.TempWarmupSteps, step), 0.2)
			}
		}
		floats.Scale(1/temp, logits)
		probs := softmaxSlice(logits)
		return argmax(probs), probs
	}

	if d.cfg.SoftEM && mode == ModeTrain {
		logits := make([]float64, d.blockV)
		for v, dd := range dists {
			logits[v] = -dd
		}
		probs := softmaxSlice(logits)
		samples := d.cfg.NumSamples
		if samples < 1 {
			samples = 1
		}
		tally := make([]float64, d.blockV)
		for s := 0; s < samples; s++ {
			tally[sampleCategorical(d.rng, probs)]++
		}
		floats.Scale(1/float64(samples), tally)
		return argmax(tally), tally
	}

	if mode == ModeTrain && d.cfg.RandomTopK > 1 {
		k := d.cfg.RandomTopK
		if k > d.blockV {
			k = d.blockV
		}
		top := nearestK(dists, k)
		return top[d.rng.Intn(k)], nil
	}

	best := 0
	for v := 1; v < d.blockV; v++ {
		if dists[v] < dists[best] {
			best = v
		}
	}
	return best, nil
}

func (d *dvqBottleneck) Encode(x *Tensor, step int, mode Mode) BottleneckResult {
	batch, positions, hidden := flatPositions(x)
	cfg := d.cfg

	code := NewIntTensor(batch, positions, cfg.NumBlocks)
	dense := NewTensor(x.Shape()...)

	commitLoss := 0.0
	negEntropy := 0.0
	entropyTerms := 0

	// EMA accumulators for this batch.
	var counts, sums *Tensor
	if cfg.EMA && mode == ModeTrain {
		counts = NewTensor(cfg.NumResiduals, cfg.NumBlocks, d.blockV)
		sums = NewTensor(cfg.NumResiduals, cfg.NumBlocks, d.blockV, d.blockDim)
	}

	// Soft labels for the latent predictor, single-stage soft-EM only.
	var soft *Tensor
	if cfg.SoftEM && mode == ModeTrain && cfg.NumBlocks == 1 && cfg.NumResiduals == 1 {
		soft = NewTensor(batch, positions, d.blockV)
	}

	flat := x.Reshape(batch*positions, hidden)
	hvec := make([]float64, hidden)
	qsum := make([]float64, hidden)
	residual := make([]float64, hidden)

	for p := 0; p < batch*positions; p++ {
		copy(hvec, flat.data[p*hidden:(p+1)*hidden])
		copy(residual, hvec)
		for i := range qsum {
			qsum[i] = 0
		}
		digits := make([][]int, cfg.NumBlocks)
		for nb := range digits {
			digits[nb] = make([]int, cfg.NumResiduals)
		}

		for r := 0; r < cfg.NumResiduals; r++ {
			qh := make([]float64, hidden)
			for nb := 0; nb < cfg.NumBlocks; nb++ {
				xb := d.blockSpace(residual, r, nb)
				idx, probs := d.nearest(xb, r, nb, step, mode)
				digits[nb][r] = idx

				qb := make([]float64, d.blockDim)
				for dim := 0; dim < d.blockDim; dim++ {
					qb[dim] = d.means.At(r, nb, idx, dim)
				}

				dd := floats.Distance(xb, qb, 2)
				commitLoss += dd * dd

				if probs != nil {
					negEntropy += -stat.Entropy(probs)
					entropyTerms++
					if soft != nil {
						copy(soft.data[p*d.blockV:(p+1)*d.blockV], probs)
					}
				}

				if counts != nil {
					counts.data[flatIndex(counts.shape, []int{r, nb, idx})]++
					for dim := 0; dim < d.blockDim; dim++ {
						si := flatIndex(sums.shape, []int{r, nb, idx, dim})
						sums.data[si] += xb[dim]
					}
				}

				d.hiddenSpace(qb, r, nb, qh)
			}
			for i := range residual {
				residual[i] -= qh[i]
				qsum[i] += qh[i]
			}
		}

		for nb := 0; nb < cfg.NumBlocks; nb++ {
			code.data[p*cfg.NumBlocks+nb] = composeDigits(digits[nb], d.blockV)
		}
		copy(dense.data[p*hidden:(p+1)*hidden], qsum)
	}

	n := float64(batch * positions * cfg.NumResiduals * cfg.NumBlocks * d.blockDim)
	commitLoss /= n

	loss := cfg.Beta * commitLoss
	if !cfg.EMA {
		// Without EMA the same quadratic term doubles as the codebook pull.
		loss += commitLoss
	} else if mode == ModeTrain {
		d.updateEMA(counts, sums)
	}

	if entropyTerms > 0 {
		negEntropy /= float64(entropyTerms)
	}

	return BottleneckResult{
		Dense:       dense,
		Code:        code,
		SoftCode:    soft,
		Loss:        loss,
		NegQEntropy: negEntropy,
	}
}

// sampleCategorical draws an index from an (already normalized) probability
// vector.
func sampleCategorical(rng *rand.Rand, probs []float64) int {
	u := rng.Float64()
	acc := 0.0
	for i, p := range probs {
		acc += p
		if u < acc {
			return i
		}
	}
	return len(probs) - 1
}

// updateEMA folds this batch's assignment statistics into the shadow
// variables and rebuilds the means with Laplace-smoothed counts.
func (d *dvqBottleneck) updateEMA(counts, sums *Tensor) {
	cfg := d.cfg
	decay, eps := cfg.Decay, cfg.Epsilon

	for r := 0; r < cfg.NumResiduals; r++ {
		for nb := 0; nb < cfg.NumBlocks; nb++ {
			total := 0.0
			for v := 0; v < d.blockV; v++ {
				ci := flatIndex(d.emaCount.shape, []int{r, nb, v})
				d.emaCount.data[ci] = decay*d.emaCount.data[ci] +
					(1-decay)*counts.At(r, nb, v)
				total += d.emaCount.data[ci]
			}
			for v := 0; v < d.blockV; v++ {
				ci := flatIndex(d.emaCount.shape, []int{r, nb, v})
				smoothed := (d.emaCount.data[ci] + eps) /
					(total + float64(d.blockV)*eps) * total
				for dim := 0; dim < d.blockDim; dim++ {
					mi := flatIndex(d.emaMeans.shape, []int{r, nb, v, dim})
					d.emaMeans.data[mi] = decay*d.emaMeans.data[mi] +
						(1-decay)*sums.At(r, nb, v, dim)
					if smoothed > 0 {
						d.means.data[mi] = d.emaMeans.data[mi] / smoothed
					}
				}
			}
		}
	}
}

func (d *dvqBottleneck) Embed(code *IntTensor) *Tensor {
	batch, positions := code.shape[0], code.shape[1]
	cfg := d.cfg
	hidden := cfg.HiddenSize

	out := NewTensor(batch, positions, 1, hidden)
	for b := 0; b < batch; b++ {
		for p := 0; p < positions; p++ {
			row := out.data[(b*positions+p)*hidden : (b*positions+p+1)*hidden]
			for nb := 0; nb < cfg.NumBlocks; nb++ {
				digits := splitDigits(code.At(b, p, nb), d.blockV, cfg.NumResiduals)
				for r, idx := range digits {
					qb := make([]float64, d.blockDim)
					for dim := 0; dim < d.blockDim; dim++ {
						qb[dim] = d.means.At(r, nb, idx, dim)
					}
					d.hiddenSpace(qb, r, nb, row)
				}
			}
		}
	}
	return out
}

func (d *dvqBottleneck) Kind() BottleneckKind { return d.kind }
func (d *dvqBottleneck) CodeBlocks() int      { return d.cfg.NumBlocks }

// BlockVocab includes the folded residual stages, so the full code space per
// block is blockV^residuals.
func (d *dvqBottleneck) BlockVocab() int {
	v := 1
	for r := 0; r < d.cfg.NumResiduals; r++ {
		v *= d.blockV
	}
	return v
}

// nearestK returns the indices of the k smallest distances, closest first.
func nearestK(dists []float64, k int) []int {
	idx := make([]int, len(dists))
	for i := range idx {
		idx[i] = i
	}
	for i := 0; i < k; i++ {
		for j := i + 1; j < len(idx); j++ {
			if dists[idx[j]] < dists[idx[i]] {
				idx[i], idx[j] = idx[j], idx[i]
			}
		}
	}
	return idx[:k]
}
