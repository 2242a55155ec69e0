// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tracker records the metrics of a training run.
//
// A Tracker is created by the caller and handed to the training loop explicitly. Run is the
// implementation that writes a local run directory:
//
//	<base dir>/<project>/run-<uuid>/
//	  config.json      the run configuration
//	  metrics.json     one plots.Point (JSON) per line, appended as they are logged
//	  histograms.json  one histogram (JSON) per line
//	  loss.png         plot of the loss and score curves, written on Close
//
// Memory is an in-memory implementation, used in tests.
package tracker

import (
	"math"
	"slices"
	"strings"

	"golang.org/x/exp/constraints"
)

const (
	// StepKey is the metric key holding the step (x-axis) of the other metrics logged with it.
	StepKey = "step"

	// EpochKey is the metric key holding the 0-based epoch index.
	EpochKey = "epoch"
)

// Metrics logged together at one step. The values for StepKey, if present, is used as the step of
// all others.
type Metrics map[string]float64

// Tracker records metrics and histograms of a run.
type Tracker interface {
	// Log records the metrics. If metrics has no StepKey, the step is one more than the previous one.
	Log(metrics Metrics) error

	// LogHistogram records a histogram of values (e.g. model weights) at the given step.
	LogHistogram(name string, step int, histogram *Histogram) error

	// Close flushes the run. The Tracker cannot be used afterward.
	Close() error
}

// MetricType groups similar metrics for plotting, derived from the metric name.
func MetricType(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "loss"):
		return "loss"
	case strings.Contains(lower, "score"), strings.Contains(lower, "dice"):
		return "score"
	case strings.Contains(lower, "learning rate"), strings.Contains(lower, "learning_rate"):
		return "learning rate"
	case lower == EpochKey:
		return "epoch"
	}
	return "other"
}

// ShortName of a metric: the initials of its words, e.g. "train loss" -> "TL".
func ShortName(name string) string {
	var short strings.Builder
	for _, word := range strings.FieldsFunc(name, func(r rune) bool { return r == ' ' || r == '_' || r == '/' }) {
		short.WriteString(strings.ToUpper(word[:1]))
	}
	return short.String()
}

// Histogram of a collection of values, with equally sized bins between Min and Max.
type Histogram struct {
	Min, Max, Mean float64
	Count          int

	// Edges of the bins: len(Edges) == len(Counts)+1.
	Edges []float64

	// Counts per bin.
	Counts []int

	// NonFinite is the number of NaN or infinite values, not included in the bins.
	NonFinite int
}

// NewHistogram creates a histogram of values with numBins bins. If all values are equal, there is one bin.
func NewHistogram[T constraints.Float | constraints.Integer](values []T, numBins int) *Histogram {
	h := &Histogram{Min: math.Inf(1), Max: math.Inf(-1)}
	finite := make([]float64, 0, len(values))
	for _, v := range values {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			h.NonFinite++
			continue
		}
		finite = append(finite, f)
		h.Min = min(h.Min, f)
		h.Max = max(h.Max, f)
		h.Mean += f
	}
	h.Count = len(finite)
	if h.Count == 0 {
		h.Min, h.Max = 0, 0
		return h
	}
	h.Mean /= float64(h.Count)
	if h.Max == h.Min || numBins < 1 {
		numBins = 1
	}
	width := (h.Max - h.Min) / float64(numBins)
	h.Edges = make([]float64, numBins+1)
	for ii := range h.Edges {
		h.Edges[ii] = h.Min + float64(ii)*width
	}
	h.Edges[numBins] = h.Max
	h.Counts = make([]int, numBins)
	for _, f := range finite {
		bin := numBins - 1
		if width > 0 {
			bin = min(int((f-h.Min)/width), numBins-1)
		}
		h.Counts[bin]++
	}
	return h
}

// sortedKeys returns the metric names in alphabetical order.
func sortedKeys(metrics Metrics) []string {
	keys := make([]string, 0, len(metrics))
	for key := range metrics {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}
