// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package segdata

import (
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrNoImages is returned by a Strategy probe when the images directory has no usable images.
	ErrNoImages = errors.New("no input images found")

	// ErrMissingMask is returned by a Strategy probe when an image has no matching mask file,
	// or more than one candidate.
	ErrMissingMask = errors.New("mask not found for image")

	// ErrNoStrategy is returned by Open when no Strategy accepts the directory pair.
	ErrNoStrategy = errors.New("no dataset strategy accepts the directory layout")
)

// ImageExtensions lists the file extensions (lower case) recognized as images or masks.
var ImageExtensions = []string{".png", ".jpg", ".jpeg", ".gif"}

// Strategy decides how image files are paired with mask files.
//
// Probe validates a directory pair without loading any pixel data, and it must be cheap and
// side-effect free: Open calls it on each candidate Strategy until one succeeds.
type Strategy interface {
	// Name of the strategy, used in logs and errors.
	Name() string

	// MaskSuffix appended to the image id to form the mask's file stem.
	MaskSuffix() string

	// Probe returns nil if the directory pair can be loaded by this strategy.
	Probe(imagesDir, masksDir string) error
}

// pair is one image file and its mask file.
type pair struct {
	ID        string
	ImagePath string
	MaskPath  string
}

type suffixStrategy struct {
	name, suffix string
}

// CarvanaStrategy expects masks named "<id>_mask.<ext>" for every image "<id>.<ext>".
// This is the layout of the Carvana car segmentation dataset.
func CarvanaStrategy() Strategy { return suffixStrategy{name: "carvana", suffix: "_mask"} }

// BasicStrategy expects masks with the same file stem as the image: "<id>.<ext>".
// It is the generic fallback.
func BasicStrategy() Strategy { return suffixStrategy{name: "basic", suffix: ""} }

// DefaultStrategies returns the strategies tried by Open, specialized first.
func DefaultStrategies() []Strategy {
	return []Strategy{CarvanaStrategy(), BasicStrategy()}
}

func (s suffixStrategy) Name() string       { return s.name }
func (s suffixStrategy) MaskSuffix() string { return s.suffix }

// Probe implements Strategy.
func (s suffixStrategy) Probe(imagesDir, masksDir string) error {
	_, err := pairFiles(imagesDir, masksDir, s.suffix)
	return err
}

// isImageFile reports whether name is a visible file with a recognized image extension.
func isImageFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	return slices.Contains(ImageExtensions, strings.ToLower(filepath.Ext(name)))
}

func stem(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// listImages returns the image file names in dir, sorted.
func listImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list directory %q", dir)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !isImageFile(entry.Name()) {
			continue
		}
		names = append(names, entry.Name())
	}
	slices.Sort(names)
	return names, nil
}

// pairFiles matches every image in imagesDir with exactly one mask "<id><suffix>.<ext>" in masksDir.
func pairFiles(imagesDir, masksDir, suffix string) ([]pair, error) {
	imageNames, err := listImages(imagesDir)
	if err != nil {
		return nil, err
	}
	if len(imageNames) == 0 {
		return nil, errors.Wrapf(ErrNoImages, "directory %q", imagesDir)
	}
	maskNames, err := listImages(masksDir)
	if err != nil {
		return nil, err
	}
	masksByStem := make(map[string][]string, len(maskNames))
	for _, name := range maskNames {
		masksByStem[stem(name)] = append(masksByStem[stem(name)], name)
	}

	pairs := make([]pair, 0, len(imageNames))
	for _, name := range imageNames {
		id := stem(name)
		candidates := masksByStem[id+suffix]
		if len(candidates) != 1 {
			return nil, errors.Wrapf(ErrMissingMask, "image %q expects exactly one mask %q in %q, found %d",
				name, id+suffix+".*", masksDir, len(candidates))
		}
		pairs = append(pairs, pair{
			ID:        id,
			ImagePath: filepath.Join(imagesDir, name),
			MaskPath:  filepath.Join(masksDir, candidates[0]),
		})
	}
	return pairs, nil
}
