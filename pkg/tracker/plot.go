// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tracker

import (
	"slices"

	"github.com/gomlx/gomlx/ui/plots"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// plottedTypes are the metric types drawn by SavePlot.
var plottedTypes = []string{"loss", "score"}

// SavePlot draws the "loss" and "score" metrics of points as lines over the steps, and saves the
// image to filePath. The format is given by the file extension (e.g. ".png" or ".svg").
func SavePlot(points []plots.Point, filePath string) error {
	p := plot.New()
	p.Title.Text = "Training"
	p.X.Label.Text = "step"
	p.Legend.Top = true

	byName := plots.NewPoints(points)
	names := byName.MetricsNames()
	numLines := 0
	for _, name := range names {
		var xys plotter.XYs
		byName.Map(func(pt *plots.Point) {
			if pt.MetricName == name && slices.Contains(plottedTypes, pt.MetricType) {
				xys = append(xys, plotter.XY{X: pt.Step, Y: pt.Value})
			}
		})
		if len(xys) == 0 {
			continue
		}
		line, err := plotter.NewLine(xys)
		if err != nil {
			return errors.Wrapf(err, "plotting metric %q", name)
		}
		line.Color = plotutil.Color(numLines)
		line.Dashes = plotutil.Dashes(numLines)
		p.Add(line)
		p.Legend.Add(name, line)
		numLines++
	}
	if numLines == 0 {
		return nil
	}
	p.Add(plotter.NewGrid())
	if err := p.Save(8*vg.Inch, 4*vg.Inch, filePath); err != nil {
		return errors.Wrapf(err, "saving plot to %q", filePath)
	}
	return nil
}
