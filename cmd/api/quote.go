package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/colorlab/backend/internal/config"
	"github.com/colorlab/backend/internal/pricing"
)

func newQuoteCmd() *cobra.Command {
	var quality string
	var count int
	cmd := &cobra.Command{
		Use:          "quote [feature]",
		Short:        "Print the credit cost of a feature, or the whole price table",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			calc := pricing.NewCalculator(cfg.Pricing.Strict, nil)
			opts := pricing.Options{Quality: quality, Count: count}

			if len(args) == 1 {
				cost, err := calc.Cost(args[0], opts)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), cost)
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "FEATURE\tKIND\tBASE\tCOST")
			for _, f := range pricing.Features() {
				cost, err := calc.Cost(f.Name, opts)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", f.Name, f.Kind, f.BaseCost, cost)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&quality, "quality", pricing.QualityStandard, "standard, high or ultra")
	cmd.Flags().IntVar(&count, "count", 1, "number of outputs")
	return cmd
}
