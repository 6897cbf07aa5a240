// Package eval scores cascade predictions against window labels.
package eval

import (
	"sort"

	"gonum.org/v1/gonum/stat"
)

// ClassMetrics is one row of a classification report.
type ClassMetrics struct {
	Label     int     `json:"label"`
	Name      string  `json:"name"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	Support   int     `json:"support"`
}

// Report holds per-class metrics and their averages.
type Report struct {
	Classes  []ClassMetrics `json:"classes"`
	Accuracy float64        `json:"accuracy"`
	Macro    ClassMetrics   `json:"macro"`
	Weighted ClassMetrics   `json:"weighted"`
	Support  int            `json:"support"`
}

// Labels returns the sorted union of labels seen in truth and pred.
func Labels(truth, pred []int) []int {
	seen := make(map[int]bool)
	for _, v := range truth {
		seen[v] = true
	}
	for _, v := range pred {
		seen[v] = true
	}
	out := make([]int, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

// Confusion returns the matrix with rows indexed by true label and columns
// by predicted label, both in labels order. Pairs whose label is not listed
// are ignored.
func Confusion(truth, pred, labels []int) [][]int {
	pos := make(map[int]int, len(labels))
	for i, l := range labels {
		pos[l] = i
	}
	m := make([][]int, len(labels))
	for i := range m {
		m[i] = make([]int, len(labels))
	}
	for i := range truth {
		r, ok1 := pos[truth[i]]
		c, ok2 := pos[pred[i]]
		if ok1 && ok2 {
			m[r][c]++
		}
	}
	return m
}

// BalancedAccuracy is the mean recall over the classes present in truth.
// It returns 0 for empty input.
func BalancedAccuracy(truth, pred []int) float64 {
	if len(truth) == 0 {
		return 0
	}
	labels := Labels(truth, pred)
	m := Confusion(truth, pred, labels)
	var recalls []float64
	for i := range labels {
		support := 0
		for _, v := range m[i] {
			support += v
		}
		if support == 0 {
			continue
		}
		recalls = append(recalls, float64(m[i][i])/float64(support))
	}
	return stat.Mean(recalls, nil)
}

// ClassReport computes precision, recall and F1 per label. A ratio with a
// zero denominator is reported as 0.
func ClassReport(truth, pred []int, name func(int) string) Report {
	labels := Labels(truth, pred)
	m := Confusion(truth, pred, labels)
	rep := Report{Support: len(truth)}

	correct := 0
	var precision, recall, f1, weights []float64
	for i, l := range labels {
		tp := m[i][i]
		correct += tp
		support, predicted := 0, 0
		for j := range labels {
			support += m[i][j]
			predicted += m[j][i]
		}
		cm := ClassMetrics{
			Label:     l,
			Name:      name(l),
			Precision: ratio(tp, predicted),
			Recall:    ratio(tp, support),
			Support:   support,
		}
		if cm.Precision+cm.Recall > 0 {
			cm.F1 = 2 * cm.Precision * cm.Recall / (cm.Precision + cm.Recall)
		}
		rep.Classes = append(rep.Classes, cm)
		precision = append(precision, cm.Precision)
		recall = append(recall, cm.Recall)
		f1 = append(f1, cm.F1)
		weights = append(weights, float64(support))
	}
	if len(truth) == 0 {
		return rep
	}

	rep.Accuracy = ratio(correct, len(truth))
	rep.Macro = ClassMetrics{
		Name:      "macro avg",
		Precision: stat.Mean(precision, nil),
		Recall:    stat.Mean(recall, nil),
		F1:        stat.Mean(f1, nil),
		Support:   len(truth),
	}
	rep.Weighted = ClassMetrics{
		Name:      "weighted avg",
		Precision: stat.Mean(precision, weights),
		Recall:    stat.Mean(recall, weights),
		F1:        stat.Mean(f1, weights),
		Support:   len(truth),
	}
	return rep
}

func ratio(a, b int) float64 {
	if b == 0 {
		return 0
	}
	return float64(a) / float64(b)
}
