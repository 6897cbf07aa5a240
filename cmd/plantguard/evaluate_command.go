package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hed1ad/plantguard/pkg/artifact"
	"github.com/hed1ad/plantguard/pkg/errs"
	"github.com/hed1ad/plantguard/pkg/pipeline"
)

func newEvaluateCommand(ctx *commandContext) *cobra.Command {
	var (
		bundleDir   string
		dataPath    string
		threshold   float64
		sweepPoints int
		jsonOutput  bool
	)

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate a model bundle against labelled runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if bundleDir == "" {
				return errors.New("--artifact is required")
			}
			b, err := artifact.Load(bundleDir)
			if err != nil {
				return err
			}
			m, err := b.Model()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("threshold") {
				if threshold < 0 || threshold > 1 {
					return fmt.Errorf("%w: threshold must be in [0, 1]", errs.ErrConfig)
				}
				m.Engine.Threshold = threshold
			}
			if !cmd.Flags().Changed("sweep") {
				sweepPoints = cfg.Cascade.SweepPoints
			}

			store, err := ctx.loadRuns(cmd.Context(), dataPath, m.Schema)
			if err != nil {
				return err
			}
			summary, err := pipeline.Evaluate(cmd.Context(), m, store, sweepPoints)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if jsonOutput {
				return writeJSON(w, summary)
			}
			fmt.Fprintf(w, "Bundle %s at threshold %.2f over %d runs\n\n", b.ID, m.Engine.Threshold, store.Len())
			return summary.Render(w)
		},
	}

	cmd.Flags().StringVarP(&bundleDir, "artifact", "a", "", "Model bundle directory")
	cmd.Flags().StringVarP(&dataPath, "data", "d", "", "Labelled CSV (defaults to data.path)")
	cmd.Flags().Float64Var(&threshold, "threshold", 0.5, "Decision threshold override")
	cmd.Flags().IntVar(&sweepPoints, "sweep", 0, "Threshold sweep points (defaults to cascade.sweep_points)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the report as JSON")
	return cmd
}
