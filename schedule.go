package main

import "math"

// ===========================================================================
// TRAINING SCHEDULES
// ===========================================================================
//
// Warm-up and masking behavior depend only on the global step, passed in
// explicitly. Both decays start at a small floor value (1%) and reach 1.0 at
// their horizon, after which they stay saturated.

// Mode distinguishes the three lifecycle phases of a forward pass.
type Mode int

const (
	// ModeTrain enables stochastic gates, noise, and EMA codebook updates.
	ModeTrain Mode = iota

	// ModeEval runs the deterministic teacher-forced path.
	ModeEval

	// ModePredict samples the latent code instead of deriving it from
	// targets, since true targets are unavailable at inference.
	ModePredict
)

func (m Mode) String() string {
	switch m {
	case ModeTrain:
		return "train"
	case ModeEval:
		return "eval"
	case ModePredict:
		return "predict"
	}
	return "unknown"
}

const scheduleMinValue = 0.01

// inverseExpDecay rises exponentially from the floor to 1.0 over maxStep
// steps: floor^((maxStep-step)/maxStep).
func inverseExpDecay(maxStep, step int) float64 {
	if maxStep <= 0 || step >= maxStep {
		return 1.0
	}
	invBase := math.Exp(math.Log(scheduleMinValue) / float64(maxStep))
	return math.Pow(invBase, float64(maxStep-step))
}

// inverseLinDecay rises linearly from the floor to 1.0 over maxStep steps.
func inverseLinDecay(maxStep, step int) float64 {
	if maxStep <= 0 {
		return 1.0
	}
	progress := float64(step) / float64(maxStep)
	if progress > 1.0 {
		progress = 1.0
	}
	return math.Max(progress, scheduleMinValue)
}

// clamp01 clamps v into [0, 1].
func clamp01(v float64) float64 {
	return math.Min(math.Max(v, 0.0), 1.0)
}

// maskingWeight computes the scheduled masking weight: the probability of a
// target position being replaced by its latent reconstruction. u is a uniform
// draw in [0,1) reducing the weight by up to the unmasked percentage; the
// reduction is skipped while refining, where the schedule must stay
// monotone. The result is always clamped into [0,1].
func maskingWeight(cfg Config, step int, u float64) float64 {
	masking := inverseLinDecay(cfg.MaskStartupSteps, step)
	masking *= inverseExpDecay(cfg.MaskStartupSteps/4, step) // Not much at start.
	if !cfg.DoRefine {
		masking -= u * cfg.UnmaskedPercentage
	}
	return clamp01(masking)
}

// bottleneckWarmup returns the probability of routing a batch element through
// the bottleneck rather than the raw compressed input. Outside training the
// bottleneck is always used.
func bottleneckWarmup(cfg Config, step int, mode Mode) float64 {
	if mode != ModeTrain {
		return 1.0
	}
	return inverseExpDecay(cfg.StartupSteps, step)
}
