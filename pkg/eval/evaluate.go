package eval

import (
	"fmt"
	"io"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/hed1ad/plantguard/pkg/cascade"
	"github.com/hed1ad/plantguard/pkg/errs"
	"github.com/hed1ad/plantguard/pkg/schema"
	"github.com/hed1ad/plantguard/pkg/window"
)

// Stage is the evaluation of one cascade stage.
type Stage struct {
	Name             string   `json:"name"`
	Windows          int      `json:"windows"`
	BalancedAccuracy float64  `json:"balanced_accuracy"`
	Labels           []int    `json:"labels"`
	LabelNames       []string `json:"label_names"`
	Confusion        [][]int  `json:"confusion"`
	Report           Report   `json:"report"`
}

// Summary is the evaluation of both stages on one window set.
type Summary struct {
	Binary     Stage                `json:"binary"`
	Multiclass Stage                `json:"multiclass"`
	Sweep      []cascade.SweepPoint `json:"sweep,omitempty"`
	Baseline   *Stage               `json:"baseline,omitempty"`
}

// BinaryName names binary labels.
func BinaryName(l int) string {
	if l == 1 {
		return "anomaly"
	}
	return "normal"
}

// CodeName names multiclass labels.
func CodeName(l int) string {
	return schema.Code(l).String()
}

// NewStage evaluates predictions against truth.
func NewStage(name string, truth, pred []int, names func(int) string) Stage {
	labels := Labels(truth, pred)
	labelNames := make([]string, len(labels))
	for i, l := range labels {
		labelNames[i] = names(l)
	}
	return Stage{
		Name:             name,
		Windows:          len(truth),
		BalancedAccuracy: BalancedAccuracy(truth, pred),
		Labels:           labels,
		LabelNames:       labelNames,
		Confusion:        Confusion(truth, pred, labels),
		Report:           ClassReport(truth, pred, names),
	}
}

// Evaluate scores the detector over every window and the classifier over
// the windows whose true binary label is 1, using the cascade's end-to-end
// types (an anomalous window the detector missed counts as Normal).
func Evaluate(windows window.Set, res cascade.Result) (Summary, error) {
	if len(windows) != res.Len() {
		return Summary{}, fmt.Errorf("%w: %d windows but %d predictions",
			errs.ErrDataIntegrity, len(windows), res.Len())
	}

	binPred := make([]int, len(windows))
	var classTruth, classPred []int
	for i, w := range windows {
		if res.Flags[i] {
			binPred[i] = 1
		}
		if w.Anomalous() {
			classTruth = append(classTruth, int(w.Class))
			classPred = append(classPred, int(res.Types[i]))
		}
	}

	return Summary{
		Binary:     NewStage("detector", windows.Binary(), binPred, BinaryName),
		Multiclass: NewStage("classifier", classTruth, classPred, CodeName),
	}, nil
}

// Render writes the summary as tables.
func (s Summary) Render(w io.Writer) error {
	stages := []Stage{s.Binary, s.Multiclass}
	if s.Baseline != nil {
		stages = append(stages, *s.Baseline)
	}
	for _, st := range stages {
		if _, err := fmt.Fprintf(w, "%s: %d windows, balanced accuracy %.4f\n",
			st.Name, st.Windows, st.BalancedAccuracy); err != nil {
			return err
		}
		if st.Windows == 0 {
			if _, err := fmt.Fprintln(w); err != nil {
				return err
			}
			continue
		}
		if _, err := fmt.Fprintln(w, renderReport(st.Report)); err != nil {
			return err
		}
		if _, err := fmt.Fprintln(w, renderConfusion(st)); err != nil {
			return err
		}
	}
	if len(s.Sweep) > 0 {
		rows := make([][]string, len(s.Sweep))
		for i, p := range s.Sweep {
			rows[i] = []string{strconv.FormatFloat(p.Threshold, 'f', 2, 64), strconv.Itoa(p.Flagged)}
		}
		if _, err := fmt.Fprintln(w, renderTable([]string{"Threshold", "Flagged"}, rows, 1)); err != nil {
			return err
		}
	}
	return nil
}

func renderReport(r Report) string {
	rows := make([][]string, 0, len(r.Classes)+2)
	for _, c := range r.Classes {
		rows = append(rows, metricRow(c))
	}
	rows = append(rows, metricRow(r.Macro), metricRow(r.Weighted))
	rows = append(rows, []string{"accuracy", "", "", f4(r.Accuracy), strconv.Itoa(r.Support)})
	return renderTable([]string{"Class", "Precision", "Recall", "F1", "Support"}, rows, 1)
}

func metricRow(c ClassMetrics) []string {
	return []string{c.Name, f4(c.Precision), f4(c.Recall), f4(c.F1), strconv.Itoa(c.Support)}
}

func renderConfusion(st Stage) string {
	headers := append([]string{"true \\ pred"}, st.LabelNames...)
	rows := make([][]string, len(st.Labels))
	for i, name := range st.LabelNames {
		row := []string{name}
		for _, v := range st.Confusion[i] {
			row = append(row, strconv.Itoa(v))
		}
		rows[i] = row
	}
	return renderTable(headers, rows, 1)
}

// renderTable right-aligns every column from firstNumeric on.
func renderTable(headers []string, rows [][]string, firstNumeric int) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, len(headers))
	for i, h := range headers {
		header[i] = h
	}
	tw.AppendHeader(header)
	for _, row := range rows {
		r := make(table.Row, len(headers))
		for i := range headers {
			if i < len(row) {
				r[i] = row[i]
			}
		}
		tw.AppendRow(r)
	}

	configs := make([]table.ColumnConfig, len(headers))
	for i := range headers {
		align := text.AlignLeft
		if i >= firstNumeric {
			align = text.AlignRight
		}
		configs[i] = table.ColumnConfig{Number: i + 1, Align: align, AlignHeader: text.AlignLeft}
	}
	tw.SetColumnConfigs(configs)
	return tw.Render()
}

func f4(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}
