// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tracker

import (
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/pkg/errors"
)

// RunInfo describes a run saved in a local run directory.
type RunInfo struct {
	RunConfig

	// Dir of the run.
	Dir string

	// Points logged by the run.
	Points []plots.Point
}

// LoadRun reads the configuration and metrics of the run in dir.
func LoadRun(dir string) (*RunInfo, error) {
	info := &RunInfo{Dir: dir}
	configPath := filepath.Join(dir, ConfigFileName)
	contents, err := os.ReadFile(configPath)
	if err != nil {
		return nil, errors.Wrapf(err, "reading run configuration %q", configPath)
	}
	if err = json.Unmarshal(contents, &info.RunConfig); err != nil {
		return nil, errors.Wrapf(err, "parsing run configuration %q", configPath)
	}
	metricsPath := filepath.Join(dir, MetricsFileName)
	if _, err = os.Stat(metricsPath); err == nil {
		info.Points, err = plots.LoadPoints(metricsPath)
		if err != nil {
			return nil, err
		}
	}
	return info, nil
}

// ListRuns returns the runs of project in baseDir, oldest first. A missing directory has no runs.
func ListRuns(baseDir, project string) ([]*RunInfo, error) {
	baseDir, err := fsutil.ReplaceTildeInDir(baseDir)
	if err != nil {
		return nil, err
	}
	projectDir := filepath.Join(baseDir, project)
	entries, err := os.ReadDir(projectDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "listing runs in %q", projectDir)
	}
	var runs []*RunInfo
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), RunDirPrefix) {
			continue
		}
		info, err := LoadRun(filepath.Join(projectDir, entry.Name()))
		if err != nil {
			return nil, err
		}
		runs = append(runs, info)
	}
	slices.SortFunc(runs, func(a, b *RunInfo) int { return a.Started.Compare(b.Started) })
	return runs, nil
}
