package main

import (
	"log/slog"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// ===========================================================================
// BEAM SEARCH
// ===========================================================================
//
// A batched left-to-right beam search over a scoring callback. The search
// keeps `beamWidth` alive hypotheses per batch element; at every step the
// callback scores all of them at once (rows ordered batch-major, beams
// within a batch contiguous) and each hypothesis expands into its top token
// candidates. A negative eosID disables termination, which is how the latent
// sampler runs: latent codes have a fixed length and no stop symbol.

// beamScoreFn maps hypothesis prefixes [rows, t] to next-token logits
// [rows, vocab], rows = batch * beamWidth.
type beamScoreFn func(ids *IntTensor) *Tensor

type beamHypothesis struct {
	tokens []int
	score  float64
}

// lengthPenalty is the standard ((5+len)/6)^alpha normalization.
func lengthPenalty(length int, alpha float64) float64 {
	if alpha == 0 {
		return 1
	}
	return math.Pow((5+float64(length))/6, alpha)
}

// beamSearch decodes maxLen tokens after the seed for every batch element
// and returns ids of shape [batch, beamWidth, maxLen+1], best beam first,
// seed token included.
func beamSearch(scoreFn beamScoreFn, initIDs []int, beamWidth, maxLen, vocabSize int, alpha float64, eosID int) *IntTensor {
	batch := len(initIDs)

	alive := make([][]beamHypothesis, batch)
	finished := make([][]beamHypothesis, batch)
	for b := 0; b < batch; b++ {
		alive[b] = make([]beamHypothesis, beamWidth)
		alive[b][0] = beamHypothesis{tokens: []int{initIDs[b]}}
		for k := 1; k < beamWidth; k++ {
			// Duplicate seeds start at -inf so only one survives expansion.
			alive[b][k] = beamHypothesis{tokens: []int{initIDs[b]}, score: math.Inf(-1)}
		}
	}

	for step := 0; step < maxLen; step++ {
		ids := NewIntTensor(batch*beamWidth, step+1)
		for b := 0; b < batch; b++ {
			for k := 0; k < beamWidth; k++ {
				copy(ids.data[(b*beamWidth+k)*(step+1):], alive[b][k].tokens)
			}
		}
		logits := scoreFn(ids)

		for b := 0; b < batch; b++ {
			var candidates []beamHypothesis
			for k := 0; k < beamWidth; k++ {
				hyp := alive[b][k]
				if math.IsInf(hyp.score, -1) {
					continue
				}
				row := logits.data[(b*beamWidth+k)*vocabSize : (b*beamWidth+k+1)*vocabSize]
				lse := floats.LogSumExp(row)
				for v := 0; v < vocabSize; v++ {
					tokens := append(append([]int{}, hyp.tokens...), v)
					cand := beamHypothesis{tokens: tokens, score: hyp.score + row[v] - lse}
					if eosID >= 0 && v == eosID {
						cand.score /= lengthPenalty(len(tokens)-1, alpha)
						finished[b] = append(finished[b], cand)
						continue
					}
					candidates = append(candidates, cand)
				}
			}
			sort.Slice(candidates, func(i, j int) bool {
				return candidates[i].score > candidates[j].score
			})
			for k := 0; k < beamWidth; k++ {
				if k < len(candidates) {
					alive[b][k] = candidates[k]
				} else {
					alive[b][k] = beamHypothesis{
						tokens: make([]int, step+2),
						score:  math.Inf(-1),
					}
				}
			}
		}
	}

	out := NewIntTensor(batch, beamWidth, maxLen+1)
	for b := 0; b < batch; b++ {
		// Finished hypotheses compete with alive ones, length-normalized.
		ranked := append([]beamHypothesis{}, finished[b]...)
		for _, hyp := range alive[b] {
			hyp.score /= lengthPenalty(len(hyp.tokens)-1, alpha)
			ranked = append(ranked, hyp)
		}
		sort.Slice(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

		for k := 0; k < beamWidth && k < len(ranked); k++ {
			copy(out.data[(b*beamWidth+k)*(maxLen+1):], ranked[k].tokens)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Beam-mode latent sampling
// ---------------------------------------------------------------------------

// sampleBeam decodes the latent code left to right with beam width 1. The
// search is seeded with an all-zero token that is stripped from the result.
func (lp *LatentPredictor) sampleBeam(latentsDense, encOut *Tensor, bias *AttentionBias, embed embedFunc, rng *rand.Rand) *IntTensor {
	slog.Info("running beam search for latents", "beam_size", 1)

	batch := latentsDense.shape[0]
	_, positions, _ := flatPositions(latentsDense)
	vocab := lp.cfg.LatentVocabSize()

	scoreFn := func(ids *IntTensor) *Tensor {
		rows, t := ids.shape[0], ids.shape[1]

		// Drop the seed, shift left, pad the open position with zero; the
		// causal latent decoder then predicts exactly that position.
		flat := NewIntTensor(rows, t)
		for r := 0; r < rows; r++ {
			for j := 0; j < t-1; j++ {
				flat.Set(ids.At(r, j+1), r, j)
			}
		}

		dense := embed(flat)
		pred := lp.Forward(encOut, bias, dense, ModePredict, rng)
		logits := lp.heads[0].Forward(pred).Reshape(rows, t, vocab)

		out := NewTensor(rows, vocab)
		for r := 0; r < rows; r++ {
			copy(out.data[r*vocab:(r+1)*vocab], logits.data[(r*t+t-1)*vocab:(r*t+t)*vocab])
		}
		return out
	}

	initIDs := make([]int, batch)
	ids := beamSearch(scoreFn, initIDs, 1, positions, vocab, 0.0, -1)

	// First (only) beam, seed stripped.
	out := NewIntTensor(batch, positions)
	for b := 0; b < batch; b++ {
		for p := 0; p < positions; p++ {
			out.Set(ids.At(b, 0, p+1), b, p)
		}
	}
	return out
}
