package window

import "github.com/hed1ad/plantguard/pkg/schema"

// Set is an ordered collection of windows.
type Set []Window

// Binary returns the binary labels.
func (s Set) Binary() []int {
	out := make([]int, len(s))
	for i, w := range s {
		out[i] = int(w.Binary)
	}
	return out
}

// Classes returns the majority labels.
func (s Set) Classes() []int {
	out := make([]int, len(s))
	for i, w := range s {
		out[i] = int(w.Class)
	}
	return out
}

// Anomalous returns the windows whose true binary label is 1.
func (s Set) Anomalous() Set {
	var out Set
	for _, w := range s {
		if w.Anomalous() {
			out = append(out, w)
		}
	}
	return out
}

// Positives counts windows with binary label 1.
func (s Set) Positives() int {
	n := 0
	for _, w := range s {
		n += int(w.Binary)
	}
	return n
}

// Counts tallies majority labels by code.
func (s Set) Counts() [schema.NumCodes]int {
	var counts [schema.NumCodes]int
	for _, w := range s {
		counts[w.Class]++
	}
	return counts
}
