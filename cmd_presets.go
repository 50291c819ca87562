package main

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// newPresetsCommand lists the registered configuration presets.
func newPresetsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "presets",
		Short: "List registered configuration presets",
		RunE: func(cmd *cobra.Command, args []string) error {
			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Name", "Bottleneck", "Hidden", "Z", "Layers", "Compression"})
			table.SetBorder(false)
			table.SetAlignment(tablewriter.ALIGN_LEFT)

			for _, name := range PresetNames() {
				cfg, err := Preset(name)
				if err != nil {
					return err
				}
				table.Append([]string{
					name,
					cfg.Bottleneck.String(),
					fmt.Sprintf("%d", cfg.HiddenSize),
					fmt.Sprintf("%d", cfg.ZSize),
					fmt.Sprintf("%d", cfg.NumHiddenLayers),
					fmt.Sprintf("%dx", cfg.CompressionFactor()),
				})
			}
			table.Render()
			return nil
		},
	}
}
