package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hed1ad/plantguard/pkg/artifact"
	"github.com/hed1ad/plantguard/pkg/cascade"
	pgcsv "github.com/hed1ad/plantguard/pkg/io/csv"
)

func newScoreCommand(ctx *commandContext) *cobra.Command {
	var (
		bundleDir string
		dataPath  string
		outPath   string
	)

	cmd := &cobra.Command{
		Use:   "score",
		Short: "Score every window of the runs in a CSV and write predictions as CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			if bundleDir == "" {
				return errors.New("--artifact is required")
			}
			logger := ctx.log()
			b, err := artifact.Load(bundleDir)
			if err != nil {
				return err
			}
			m, err := b.Model()
			if err != nil {
				return err
			}
			svc, err := cascade.NewService(m, logger)
			if err != nil {
				return err
			}
			store, err := ctx.loadRuns(cmd.Context(), dataPath, m.Schema)
			if err != nil {
				return err
			}

			var dst io.Writer = struct{ io.Writer }{cmd.OutOrStdout()}
			if outPath != "" && outPath != "-" {
				f, err := os.Create(outPath)
				if err != nil {
					return fmt.Errorf("create %s: %w", outPath, err)
				}
				dst = f
			}
			writer := pgcsv.NewWriter(dst)

			var total, flagged int
			for _, id := range store.IDs() {
				r, _ := store.Get(id)
				results, err := svc.ScoreRun(cmd.Context(), r)
				if err != nil {
					writer.Close()
					return err
				}
				if err := writer.WriteAll(results); err != nil {
					writer.Close()
					return err
				}
				for _, res := range results {
					if res.IsAnomaly {
						flagged++
					}
				}
				total += len(results)
			}
			if err := writer.Close(); err != nil {
				return err
			}
			logger.Info("scored runs",
				zap.Int("runs", store.Len()),
				zap.Int("windows", total),
				zap.Int("flagged", flagged),
			)
			return nil
		},
	}

	cmd.Flags().StringVarP(&bundleDir, "artifact", "a", "", "Model bundle directory")
	cmd.Flags().StringVarP(&dataPath, "data", "d", "", "CSV to score (defaults to data.path)")
	cmd.Flags().StringVarP(&outPath, "out", "o", "-", "Prediction CSV path, - for stdout")
	return cmd
}
