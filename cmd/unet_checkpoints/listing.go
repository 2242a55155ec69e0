// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/unet/pkg/checkpoint"
	"github.com/gomlx/unet/pkg/tracker"
	"github.com/gomlx/unet/pkg/trainer"
	"github.com/pkg/errors"
)

// listCheckpoints renders the table of checkpoints in dir. The interrupted checkpoint is shown in red.
func listCheckpoints(dir string) (string, error) {
	infos, err := checkpoint.List(dir)
	if err != nil {
		return "", err
	}
	if len(infos) == 0 {
		return fmt.Sprintf("No checkpoints in %q", dir), nil
	}
	table := newTable(lipgloss.Left, lipgloss.Right, lipgloss.Center, lipgloss.Left, lipgloss.Right)
	table.table.Headers("Name", "Epoch", "Resolution", "Modified", "Size")
	for _, info := range infos {
		epoch := strconv.Itoa(info.Epoch)
		if info.Interrupted {
			epoch = "-"
		}
		table.Row(info.Interrupted, info.Name, epoch, info.Resolution,
			humanize.Time(info.ModTime), humanize.Bytes(uint64(info.Size)))
	}
	return table.Render(), nil
}

// summarize renders the global step and the size of the variables under scope of the checkpoint in path.
func summarize(path, scope string) (string, error) {
	ctx := context.New()
	if _, err := checkpoints.Build(ctx).Dir(path).Immediate().Done(); err != nil {
		return "", errors.WithMessagef(err, "loading checkpoint %q", path)
	}
	table := newTable(lipgloss.Right, lipgloss.Left)
	table.Row(false, "checkpoint", path)
	table.Row(false, "scope", scope)
	if ctx.GetVariableByScopeAndName(context.RootScope, optimizers.GlobalStepVariableName) != nil {
		table.Row(false, "optimizer steps", humanize.Comma(optimizers.GetGlobalStep(ctx)))
	}

	var numVars, totalSize int
	var totalMemory uintptr
	for v := range ctx.InAbsPath(scope).IterVariablesInScope() {
		numVars++
		totalSize += v.Shape().Size()
		totalMemory += v.Shape().Memory()
	}
	table.Row(false, "# variables", humanize.Comma(int64(numVars)))
	table.Row(false, "# parameters", humanize.Comma(int64(totalSize)))
	table.Row(false, "# bytes", humanize.Bytes(uint64(totalMemory)))
	return table.Render(), nil
}

// listRuns renders the table of tracker runs of project, with their last logged train loss.
// Runs that logged fewer epochs than configured (e.g. interrupted) are shown in red.
func listRuns(trackerDir, project string) (string, error) {
	runs, err := tracker.ListRuns(trackerDir, project)
	if err != nil {
		return "", err
	}
	if len(runs) == 0 {
		return fmt.Sprintf("No runs of project %q in %q", project, trackerDir), nil
	}
	table := newTable(lipgloss.Left, lipgloss.Left, lipgloss.Right)
	table.table.Headers("Run", "Started", "Epochs", "Train loss", "Duration")
	for _, run := range runs {
		var epochs int
		var loss float64
		var lastStep float64
		for _, point := range run.Points {
			if point.MetricName == trainer.TrainLossMetric {
				epochs++
				loss = point.Value
				lastStep = point.Step
			}
		}
		configured, _ := run.Config["epochs"].(float64)
		lossStr := "-"
		if epochs > 0 {
			lossStr = fmt.Sprintf("%.4f (step %d)", loss, int(lastStep))
		}
		duration := "-"
		if modTime, err := runLastModified(run); err == nil {
			duration = commandline.FormatDuration(modTime.Sub(run.Started))
		}
		table.Row(epochs < int(configured), run.ID, run.Started.Format(time.DateTime),
			fmt.Sprintf("%d/%d", epochs, int(configured)), lossStr, duration)
	}
	return table.Render(), nil
}

// runLastModified returns when the run last logged metrics.
func runLastModified(run *tracker.RunInfo) (time.Time, error) {
	fi, err := os.Stat(filepath.Join(run.Dir, tracker.MetricsFileName))
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "run %s", run.ID)
	}
	return fi.ModTime(), nil
}
