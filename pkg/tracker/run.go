// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tracker

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// ConfigFileName in the run directory.
	ConfigFileName = "config.json"

	// MetricsFileName in the run directory, one plots.Point per line.
	MetricsFileName = "metrics.json"

	// HistogramsFileName in the run directory, one HistogramRecord per line.
	HistogramsFileName = "histograms.json"

	// PlotFileName is the loss plot written when the run is closed.
	PlotFileName = "loss.png"

	// RunDirPrefix of the run directories.
	RunDirPrefix = "run-"

	dirPermMode = os.FileMode(0770)
)

// RunConfig is saved in the run directory.
type RunConfig struct {
	ID      string         `json:"id"`
	Project string         `json:"project"`
	Started time.Time      `json:"started"`
	Config  map[string]any `json:"config"`
}

// HistogramRecord is one line of the histograms file.
type HistogramRecord struct {
	Name string `json:"name"`
	Step int    `json:"step"`
	*Histogram
}

// Run is a Tracker that writes to a local run directory.
type Run struct {
	config RunConfig
	dir    string

	mu          sync.Mutex
	closed      bool
	step        float64
	history     []plots.Point
	pointWriter chan<- plots.Point
	errReport   <-chan error
	histograms  *os.File
	histEncoder *json.Encoder
}

var _ Tracker = (*Run)(nil)

// Open creates a new run with a random id in baseDir/project, and saves its config.
func Open(baseDir, project string, config map[string]any) (*Run, error) {
	baseDir, err := fsutil.ReplaceTildeInDir(baseDir)
	if err != nil {
		return nil, err
	}
	r := &Run{
		config: RunConfig{
			ID:      uuid.NewString(),
			Project: project,
			Started: time.Now(),
			Config:  config,
		},
	}
	r.dir = filepath.Join(baseDir, project, RunDirPrefix+r.config.ID)
	if err = os.MkdirAll(r.dir, dirPermMode); err != nil {
		return nil, errors.Wrapf(err, "creating tracker run directory %q", r.dir)
	}
	configJSON, err := json.MarshalIndent(r.config, "", "  ")
	if err != nil {
		return nil, errors.Wrapf(err, "serializing tracker config %v", config)
	}
	configPath := filepath.Join(r.dir, ConfigFileName)
	if err = os.WriteFile(configPath, configJSON, 0664); err != nil {
		return nil, errors.Wrapf(err, "writing tracker config to %q", configPath)
	}
	histPath := filepath.Join(r.dir, HistogramsFileName)
	r.histograms, err = os.Create(histPath)
	if err != nil {
		return nil, errors.Wrapf(err, "creating %q", histPath)
	}
	r.histEncoder = json.NewEncoder(r.histograms)
	r.pointWriter, r.errReport = plots.CreatePointsWriter(filepath.Join(r.dir, MetricsFileName))
	klog.V(1).Infof("Tracking run %s in %q", r.config.ID, r.dir)
	return r, nil
}

// ID of the run.
func (r *Run) ID() string { return r.config.ID }

// Dir returns the run directory.
func (r *Run) Dir() string { return r.dir }

// Config returns the configuration the run was created with.
func (r *Run) Config() map[string]any { return r.config.Config }

// Log implements Tracker.
func (r *Run) Log(metrics Metrics) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.Errorf("tracker run %s already closed", r.config.ID)
	}
	if step, found := metrics[StepKey]; found {
		r.step = step
	} else {
		r.step++
	}
	for _, name := range sortedKeys(metrics) {
		if name == StepKey {
			continue
		}
		point := plots.Point{
			MetricName: name,
			Short:      ShortName(name),
			MetricType: MetricType(name),
			Step:       r.step,
			Value:      metrics[name],
		}
		r.history = append(r.history, point)
		r.pointWriter <- point
	}
	return nil
}

// LogHistogram implements Tracker.
func (r *Run) LogHistogram(name string, step int, histogram *Histogram) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.Errorf("tracker run %s already closed", r.config.ID)
	}
	err := r.histEncoder.Encode(HistogramRecord{Name: name, Step: step, Histogram: histogram})
	return errors.Wrapf(err, "writing histogram %q", name)
}

// Points returns a copy of the metric points logged so far.
func (r *Run) Points() []plots.Point {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]plots.Point(nil), r.history...)
}

// Summary returns a table of the metrics logged so far, one row per step.
func (r *Run) Summary() string {
	return plots.NewPoints(r.Points()).TableForMetrics()
}

// Close implements Tracker. It flushes the metrics and writes the loss plot.
func (r *Run) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	close(r.pointWriter)
	err := <-r.errReport
	if closeErr := r.histograms.Close(); err == nil && closeErr != nil {
		err = errors.Wrapf(closeErr, "closing %q", r.histograms.Name())
	}
	if err != nil {
		return err
	}
	if len(r.history) == 0 {
		return nil
	}
	return SavePlot(r.history, filepath.Join(r.dir, PlotFileName))
}
