package main

import (
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/spf13/cobra"
)

// newSampleCommand builds a model from a preset and runs it on synthetic
// embeddings: one teacher-forced evaluation pass for the losses, then an
// inference pass that samples the latent code and reuses it from the cache.
func newSampleCommand() *cobra.Command {
	var (
		presetName  string
		batch       int
		length      int
		seed        int64
		step        int
		predictMask float64
	)

	cmd := &cobra.Command{
		Use:   "sample",
		Short: "Run a forward pass on synthetic inputs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := Preset(presetName)
			if err != nil {
				return err
			}

			// Small dimensions keep the demo quick; the presets describe
			// production sizes.
			cfg.HiddenSize = 64
			cfg.FilterSize = 128
			cfg.CompressFilterSize = 128
			cfg.NumHiddenLayers = 2
			cfg.NumHeads = 4
			if err := cfg.Validate(); err != nil {
				return err
			}

			model, err := NewTransformerAE(cfg, seed)
			if err != nil {
				return err
			}

			rng := rand.New(rand.NewSource(seed + 1))
			inputs := synthetic(batch, length, 1, cfg.HiddenSize, rng)
			var targets *Tensor
			if cfg.Is2D {
				targets = synthetic(batch, length, length, cfg.HiddenSize, rng)
			} else {
				targets = synthetic(batch, length, 1, cfg.HiddenSize, rng)
			}

			slog.Info("running evaluation pass", "preset", presetName,
				"batch", batch, "length", length)
			out, losses, _, dataLen, latentLen := model.Forward(
				inputs, targets, 1, step, ModeEval, nil, 1.0)

			nats, bits := NatsAndBitsPerDim(dataLen, latentLen,
				losses.Extra, losses.LatentPred)

			fmt.Printf("output shape:    %v\n", out.Shape())
			fmt.Printf("data length:     %d\n", dataLen)
			fmt.Printf("latent length:   %d\n", latentLen)
			fmt.Printf("extra loss:      %.4f\n", losses.Extra)
			fmt.Printf("latent pred:     %.4f\n", losses.LatentPred)
			fmt.Printf("neg q entropy:   %.4f\n", losses.NegQEntropy)
			fmt.Printf("nats per dim:    %.4f\n", nats)
			fmt.Printf("bits per dim:    %.4f\n", bits)

			if !cfg.Bottleneck.Discrete() {
				return nil
			}

			slog.Info("running inference pass", "predict_mask", predictMask)
			zeros := NewTensor(targets.Shape()...)
			_, _, cache, _, _ := model.Forward(
				inputs, zeros, 1, step, ModePredict, nil, predictMask)
			out2, _, _, _, _ := model.Forward(
				inputs, zeros, 1, step, ModePredict, cache, predictMask)

			fmt.Printf("sampled code:    %d positions, %d blocks\n",
				cache.LatentLen(), model.bottleneck.CodeBlocks())
			fmt.Printf("inference shape: %v\n", out2.Shape())
			return nil
		},
	}

	cmd.Flags().StringVar(&presetName, "preset", "ae_small", "configuration preset")
	cmd.Flags().IntVar(&batch, "batch", 2, "batch size")
	cmd.Flags().IntVar(&length, "length", 16, "target length (grid side in 2-D mode)")
	cmd.Flags().Int64Var(&seed, "seed", 1, "random seed")
	cmd.Flags().IntVar(&step, "step", 100000, "simulated global step for schedules")
	cmd.Flags().Float64Var(&predictMask, "predict-mask", 0.0, "inference blend weight: 1 keeps ground truth, 0 uses the latent reconstruction")
	return cmd
}

// synthetic fills a [batch, d1, d2, hidden] tensor with unit Gaussian noise.
func synthetic(batch, d1, d2, hidden int, rng *rand.Rand) *Tensor {
	t := NewTensor(batch, d1, d2, hidden)
	for i := range t.data {
		t.data[i] = rng.NormFloat64()
	}
	return t
}
