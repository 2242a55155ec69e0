// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoint saves and loads named snapshots of a model's context.Context.
//
// Each snapshot is a directory under the checkpoint directory, holding one checkpoint in the format of
// gomlx's checkpoints package (a ".json" file with the hyperparameters and the list of variables, and
// a ".bin" file with their values). Snapshots are named after the epoch that produced them
// (see EpochName), or InterruptedName for the one saved when training is interrupted.
package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"time"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// InterruptedName is the name of the snapshot saved when training is interrupted.
	// It is overwritten by every interruption.
	InterruptedName = "INTERRUPTED"

	// DefaultResolution is the image resolution tag used in the epoch snapshot names.
	DefaultResolution = "224x224"
)

// EpochName returns the name of the snapshot of the given 1-based epoch.
func EpochName(epoch int) string {
	return fmt.Sprintf("checkpoint_epoch_%s_%d", DefaultResolution, epoch)
}

var epochNameRegex = regexp.MustCompile(`^checkpoint_epoch_(\d+x\d+)_(\d+)$`)

// Save writes all the variables and hyperparameters of ctx to dir/name, replacing any previous
// snapshot with the same name. The directory dir is created if needed.
//
// It returns the path of the snapshot. An empty dir is the current directory.
func Save(ctx *context.Context, dir, name string) (string, error) {
	if dir == "" {
		dir = "."
	}
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, checkpoints.DirPermMode); err != nil {
		return "", errors.Wrapf(err, "creating checkpoint directory %q", dir)
	}
	path := filepath.Join(dir, name)
	if err := os.RemoveAll(path); err != nil {
		return "", errors.Wrapf(err, "removing previous checkpoint %q", path)
	}

	// A checkpoints.Handler attaches itself as the context loader: keep the current one, which may
	// still hold values of variables not yet created, to be restored after saving.
	prevLoader := ctx.Loader()
	defer ctx.SetLoader(prevLoader)
	handler, err := checkpoints.Build(ctx).Dir(path).Keep(1).Done()
	if err != nil {
		return "", errors.WithMessagef(err, "creating checkpoint %q", path)
	}
	if err := handler.Save(); err != nil {
		return "", errors.WithMessagef(err, "saving checkpoint %q", path)
	}
	return path, nil
}

// Load loads the variables of the snapshot in path into ctx, overriding their current values (or their
// initializers, for variables not yet created).
//
// Hyperparameters saved in the snapshot are ignored: the model configuration is the one in ctx.
func Load(ctx *context.Context, path string) error {
	path, err := fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return err
	}
	fi, err := os.Stat(path)
	if err != nil {
		return errors.Wrapf(err, "loading checkpoint from %q", path)
	}
	if !fi.IsDir() {
		return errors.Errorf("checkpoint %q is not a directory", path)
	}
	_, err = checkpoints.Load(ctx).Dir(path).ExcludeAllParams().Done()
	if err != nil {
		return errors.WithMessagef(err, "loading checkpoint from %q", path)
	}
	klog.V(1).Infof("Loaded checkpoint %q", path)
	return nil
}

// Info describes a saved snapshot.
type Info struct {
	// Name of the snapshot directory.
	Name string

	// Path to the snapshot directory.
	Path string

	// Epoch (1-based) that produced the snapshot, or 0 for the interrupted snapshot.
	Epoch int

	// Resolution tag in the name, e.g. "224x224". Empty for the interrupted snapshot.
	Resolution string

	// Interrupted is true for the snapshot saved on interruption.
	Interrupted bool

	// ModTime of the most recent file in the snapshot.
	ModTime time.Time

	// Size in bytes of the files in the snapshot.
	Size int64

	// Files holds the gomlx checkpoint base names (without the .json/.bin suffixes).
	Files []string
}

// List returns the snapshots saved in dir, ordered by epoch, with the interrupted snapshot, if any, last.
// A missing dir has no snapshots.
func List(dir string) ([]Info, error) {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "listing checkpoints in %q", dir)
	}
	var infos []Info
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info := Info{Name: entry.Name(), Path: filepath.Join(dir, entry.Name())}
		if info.Name == InterruptedName {
			info.Interrupted = true
		} else if matches := epochNameRegex.FindStringSubmatch(info.Name); matches != nil {
			info.Resolution = matches[1]
			info.Epoch, err = strconv.Atoi(matches[2])
			if err != nil {
				return nil, errors.Wrapf(err, "parsing epoch of checkpoint %q", info.Path)
			}
		} else {
			continue
		}
		if err = info.stat(); err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	slices.SortFunc(infos, func(a, b Info) int {
		if a.Interrupted != b.Interrupted {
			if a.Interrupted {
				return 1
			}
			return -1
		}
		return a.Epoch - b.Epoch
	})
	return infos, nil
}

// stat fills the file information of the snapshot.
func (info *Info) stat() error {
	entries, err := os.ReadDir(info.Path)
	if err != nil {
		return errors.Wrapf(err, "reading checkpoint %q", info.Path)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			return errors.Wrapf(err, "reading checkpoint %q", info.Path)
		}
		info.Size += fi.Size()
		if fi.ModTime().After(info.ModTime) {
			info.ModTime = fi.ModTime()
		}
		name := entry.Name()
		if filepath.Ext(name) == checkpoints.JsonNameSuffix {
			info.Files = append(info.Files, name[:len(name)-len(checkpoints.JsonNameSuffix)])
		}
	}
	slices.Sort(info.Files)
	return nil
}

// Latest returns the most recent file base name in the snapshot, as expected by checkpoints.Handler.
func (info *Info) Latest() string {
	if len(info.Files) == 0 {
		return ""
	}
	return filepath.Join(info.Path, info.Files[len(info.Files)-1])
}
