package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/hed1ad/plantguard/pkg/history"
	"github.com/hed1ad/plantguard/pkg/nn"
)

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var (
		limit      int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded training sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(ctx, func(h *history.Store) error {
				sessions, err := h.Sessions(cmd.Context(), limit)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if jsonOutput {
					return writeJSON(w, sessions)
				}
				if len(sessions) == 0 {
					fmt.Fprintln(w, "No training sessions recorded.")
					return nil
				}
				renderSessions(w, sessions)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum sessions to list (0 for all)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print sessions as JSON")

	cmd.AddCommand(newHistoryShowCommand(ctx))
	return cmd
}

func newHistoryShowCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show one session and its per-epoch metrics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(ctx, func(h *history.Store) error {
				sess, err := h.Session(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				epochs, err := h.Epochs(cmd.Context(), sess.ID)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if jsonOutput {
					return writeJSON(w, struct {
						Session history.Session   `json:"session"`
						Epochs  []nn.EpochMetrics `json:"epochs"`
					}{sess, epochs})
				}
				renderSessions(w, []history.Session{sess})
				if sess.Error != "" {
					fmt.Fprintf(w, "Error: %s\n", sess.Error)
				}
				if len(epochs) > 0 {
					renderEpochs(w, epochs)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the session as JSON")
	return cmd
}

func withHistory(ctx *commandContext, fn func(*history.Store) error) error {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return err
	}
	if cfg.History.Path == "" {
		return fmt.Errorf("history.path is not configured")
	}
	h, err := history.Open(cfg.History.Path)
	if err != nil {
		return err
	}
	defer h.Close()
	return fn(h)
}

func renderSessions(w io.Writer, sessions []history.Session) {
	rows := make([]table.Row, len(sessions))
	for i, s := range sessions {
		finished := "-"
		if s.FinishedAt != nil {
			finished = s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond).String()
		}
		rows[i] = table.Row{
			s.ID,
			s.StartedAt.Local().Format("2006-01-02 15:04:05"),
			s.Status,
			finished,
			fmt.Sprintf("%d/%d", s.TrainRuns, s.TestRuns),
			fmt.Sprintf("%d/%d", s.TrainWindows, s.TestWindows),
			strconv.FormatFloat(s.DetectorBalancedAcc, 'f', 4, 64),
			strconv.FormatFloat(s.ClassifierBalancedAcc, 'f', 4, 64),
			s.ArtifactID,
		}
	}
	renderTable(w, table.Row{"Session", "Started", "Status", "Took", "Runs", "Windows", "Detector BA", "Classifier BA", "Bundle"}, rows, 4)
}

func renderEpochs(w io.Writer, epochs []nn.EpochMetrics) {
	rows := make([]table.Row, len(epochs))
	for i, e := range epochs {
		rows[i] = table.Row{
			e.Stage,
			e.Epoch,
			strconv.FormatFloat(e.Loss, 'f', 5, 64),
			strconv.FormatFloat(e.GradNorm, 'f', 3, 64),
			e.Clipped,
			strconv.FormatFloat(e.ValBalancedAccuracy, 'f', 4, 64),
			e.ValSamples,
			e.Duration.Round(time.Millisecond).String(),
		}
	}
	renderTable(w, table.Row{"Stage", "Epoch", "Loss", "Grad norm", "Clipped", "Val BA", "Val windows", "Took"}, rows, 1)
}

// renderTable right-aligns every column from firstNumeric on.
func renderTable(w io.Writer, header table.Row, rows []table.Row, firstNumeric int) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(header)
	tw.AppendRows(rows)
	configs := make([]table.ColumnConfig, 0, len(header))
	for i := firstNumeric; i < len(header); i++ {
		configs = append(configs, table.ColumnConfig{Number: i + 1, Align: text.AlignRight})
	}
	tw.SetColumnConfigs(configs)
	tw.Render()
}
