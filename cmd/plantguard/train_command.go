package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hed1ad/plantguard/pkg/eval"
	"github.com/hed1ad/plantguard/pkg/history"
	"github.com/hed1ad/plantguard/pkg/pipeline"
)

type trainReport struct {
	BundleID  string       `json:"bundle_id"`
	BundleDir string       `json:"bundle_dir"`
	SessionID string       `json:"session_id,omitempty"`
	TrainRuns int          `json:"train_runs"`
	TestRuns  int          `json:"test_runs"`
	Summary   eval.Summary `json:"summary"`
}

func newTrainCommand(ctx *commandContext) *cobra.Command {
	var (
		dataPath    string
		outDir      string
		description string
		noHistory   bool
		baseline    bool
		jsonOutput  bool
	)

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train the cascade on labelled runs and write a model bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if baseline {
				cfg.Baseline.Enabled = true
			}
			logger := ctx.log()

			sch, err := ctx.schema()
			if err != nil {
				return err
			}
			store, err := ctx.loadRuns(cmd.Context(), dataPath, sch)
			if err != nil {
				return err
			}

			opts := []pipeline.Option{pipeline.WithSchema(sch), pipeline.WithDescription(description)}
			if !noHistory && strings.TrimSpace(cfg.History.Path) != "" {
				hist, err := history.Open(cfg.History.Path)
				if err != nil {
					return err
				}
				defer hist.Close()
				opts = append(opts, pipeline.WithHistory(hist))
			}

			out, err := pipeline.Train(cmd.Context(), cfg, store, logger, opts...)
			if err != nil {
				return err
			}

			dir := strings.TrimSpace(outDir)
			if dir == "" {
				dir = filepath.Join(cfg.Artifact.Dir, out.Bundle.ID)
			}
			if err := out.Bundle.Save(dir); err != nil {
				return err
			}
			logger.Info("saved bundle", zap.String("id", out.Bundle.ID), zap.String("dir", dir))

			w := cmd.OutOrStdout()
			if jsonOutput {
				return writeJSON(w, trainReport{
					BundleID:  out.Bundle.ID,
					BundleDir: dir,
					SessionID: out.SessionID,
					TrainRuns: len(out.Partition.Train),
					TestRuns:  len(out.Partition.Test),
					Summary:   out.Summary,
				})
			}
			fmt.Fprintf(w, "Bundle %s written to %s\n", out.Bundle.ID, dir)
			if out.SessionID != "" {
				fmt.Fprintf(w, "History session %s\n", out.SessionID)
			}
			fmt.Fprintf(w, "Train runs %d (%d windows), test runs %d (%d windows)\n\n",
				len(out.Partition.Train), out.TrainWindows, len(out.Partition.Test), out.TestWindows)
			return out.Summary.Render(w)
		},
	}

	cmd.Flags().StringVarP(&dataPath, "data", "d", "", "Labelled CSV (defaults to data.path)")
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "Bundle directory (defaults to <artifact.dir>/<bundle id>)")
	cmd.Flags().StringVar(&description, "description", "", "Note stored with the history session")
	cmd.Flags().BoolVar(&noHistory, "no-history", false, "Do not record the session in the history ledger")
	cmd.Flags().BoolVar(&baseline, "baseline", false, "Also evaluate the isolation forest baseline")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the report as JSON")
	return cmd
}
