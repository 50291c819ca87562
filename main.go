package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:           "latent-code-model",
		Short:         "Discrete-latent autoencoder transformer",
		Long:          "Autoencoder-augmented transformer: compresses target sequences into a short discrete latent code, predicts the code from the input, and decodes under a scheduled mask.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newPresetsCommand())
	root.AddCommand(newSampleCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
