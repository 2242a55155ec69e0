// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package segdata loads image/mask directory pairs for segmentation training.
//
// A Dataset is built by Open, which selects a Strategy (how images are paired with masks) by
// probing the directories. Samples are decoded lazily, rescaled with package imaging, and
// converted to channels-last float32 values. RandomSplit partitions a dataset deterministically,
// and Loader batches a Source into a train.Dataset that can be fed to a GoMLX trainer.
package segdata

import (
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Sample is one decoded (image, target) pair, both stored channels-last in row-major order.
type Sample struct {
	ID string

	Height, Width int

	// Channels of the image: 3 (RGB) or 4 (RGBA).
	Channels int

	// Classes is the number of target channels.
	Classes int

	// Image values in [0, 1], shaped [Height, Width, Channels].
	Image []float32

	// Target values in [0, 1], shaped [Height, Width, Classes].
	Target []float32
}

// Source is an indexed collection of samples. Dataset and Subset implement it.
type Source interface {
	Name() string
	Len() int
	Sample(index int) (*Sample, error)
}

// Dataset is an immutable collection of samples backed by an images directory and a masks directory.
type Dataset struct {
	name              string
	imagesDir         string
	masksDir          string
	scale             float64
	classes           int
	alpha             bool
	strategy          Strategy
	pairs             []pair
	imageInterpolator imaging.ResampleFilter
}

var _ Source = (*Dataset)(nil)

// Option configures Open.
type Option func(ds *Dataset, strategies *[]Strategy)

// WithStrategies overrides the strategies Open tries, in order.
func WithStrategies(strategies ...Strategy) Option {
	return func(_ *Dataset, s *[]Strategy) { *s = strategies }
}

// WithClasses sets the number of target channels. The default is 2.
func WithClasses(n int) Option {
	return func(ds *Dataset, _ *[]Strategy) { ds.classes = n }
}

// WithAlpha keeps the alpha channel of the images, yielding 4 channels instead of 3.
func WithAlpha() Option {
	return func(ds *Dataset, _ *[]Strategy) { ds.alpha = true }
}

// WithName sets the name of the dataset, used by loaders and logs. It defaults to the images directory.
func WithName(name string) Option {
	return func(ds *Dataset, _ *[]Strategy) { ds.name = name }
}

// Open builds a Dataset from the image and mask directories.
//
// The strategies (DefaultStrategies unless WithStrategies is given) are probed in order and the
// first one that accepts the directories backs the dataset. The choice is made once.
//
// scale must be in (0, 1]: images and masks are downscaled by it when loaded.
func Open(imagesDir, masksDir string, scale float64, options ...Option) (*Dataset, error) {
	if scale <= 0 || scale > 1 {
		return nil, errors.Errorf("scale must be between 0 and 1, got %g", scale)
	}
	ds := &Dataset{
		name:              imagesDir,
		imagesDir:         imagesDir,
		masksDir:          masksDir,
		scale:             scale,
		classes:           2,
		imageInterpolator: imaging.CatmullRom,
	}
	strategies := DefaultStrategies()
	for _, option := range options {
		option(ds, &strategies)
	}
	if ds.classes < 1 {
		return nil, errors.Errorf("number of classes must be >= 1, got %d", ds.classes)
	}

	var reasons []string
	for _, strategy := range strategies {
		if err := strategy.Probe(imagesDir, masksDir); err != nil {
			klog.V(1).Infof("segdata: strategy %q rejected (%q, %q): %v", strategy.Name(), imagesDir, masksDir, err)
			reasons = append(reasons, strategy.Name()+": "+err.Error())
			continue
		}
		ds.strategy = strategy
		break
	}
	if ds.strategy == nil {
		return nil, errors.Wrapf(ErrNoStrategy, "images %q, masks %q: %s", imagesDir, masksDir, strings.Join(reasons, "; "))
	}

	var err error
	ds.pairs, err = pairFiles(imagesDir, masksDir, ds.strategy.MaskSuffix())
	if err != nil {
		return nil, errors.WithMessagef(err, "strategy %q accepted %q but failed to list it", ds.strategy.Name(), imagesDir)
	}
	klog.V(1).Infof("segdata: using strategy %q for %q", ds.strategy.Name(), imagesDir)
	klog.Infof("Creating dataset with %d examples", len(ds.pairs))
	return ds, nil
}

// Name of the dataset.
func (ds *Dataset) Name() string { return ds.name }

// Len returns the number of samples.
func (ds *Dataset) Len() int { return len(ds.pairs) }

// Strategy that was selected when the dataset was opened.
func (ds *Dataset) Strategy() Strategy { return ds.strategy }

// Classes returns the number of target channels.
func (ds *Dataset) Classes() int { return ds.classes }

// IDs returns the sample ids, in index order.
func (ds *Dataset) IDs() []string {
	ids := make([]string, len(ds.pairs))
	for i, p := range ds.pairs {
		ids[i] = p.ID
	}
	return ids
}

// Sample loads, rescales and converts the sample at index.
// It is safe for concurrent use.
func (ds *Dataset) Sample(index int) (*Sample, error) {
	if index < 0 || index >= len(ds.pairs) {
		return nil, errors.Errorf("sample index %d out of range for dataset %q with %d samples", index, ds.name, len(ds.pairs))
	}
	p := ds.pairs[index]
	img, err := decodeImage(p.ImagePath)
	if err != nil {
		return nil, err
	}
	mask, err := decodeImage(p.MaskPath)
	if err != nil {
		return nil, err
	}
	if img.Bounds().Size() != mask.Bounds().Size() {
		return nil, errors.Errorf("image and mask %q should be the same size, but are %v and %v",
			p.ID, img.Bounds().Size(), mask.Bounds().Size())
	}

	img, err = rescale(img, ds.scale, ds.imageInterpolator)
	if err != nil {
		return nil, errors.WithMessagef(err, "image %q", p.ID)
	}
	mask, err = rescale(mask, ds.scale, imaging.NearestNeighbor)
	if err != nil {
		return nil, errors.WithMessagef(err, "mask %q", p.ID)
	}

	size := img.Bounds().Size()
	sample := &Sample{
		ID:      p.ID,
		Height:  size.Y,
		Width:   size.X,
		Classes: ds.classes,
	}
	toTensor := timage.ToTensor(dtypes.Float32)
	if ds.alpha {
		toTensor = toTensor.WithAlpha()
	}
	imgTensor := toTensor.Single(img)
	if imgTensor == nil {
		return nil, errors.Errorf("failed to convert image %q to a tensor", p.ID)
	}
	sample.Channels = imgTensor.Shape().Dim(-1)
	sample.Image = tensors.MustCopyFlatData[float32](imgTensor)
	imgTensor.MustFinalizeAll()
	sample.Target = maskToTarget(mask, ds.classes)
	return sample, nil
}

func decodeImage(filePath string) (image.Image, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", filePath)
	}
	defer func() { _ = f.Close() }()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode %q", filePath)
	}
	return img, nil
}

// rescale resizes img by scale, failing if any dimension would become 0.
func rescale(img image.Image, scale float64, filter imaging.ResampleFilter) (image.Image, error) {
	size := img.Bounds().Size()
	newW, newH := int(scale*float64(size.X)), int(scale*float64(size.Y))
	if newW <= 0 || newH <= 0 {
		return nil, errors.Errorf("scale %g is too small, resized image of %dx%d would have no pixels", scale, size.X, size.Y)
	}
	if newW == size.X && newH == size.Y {
		return img, nil
	}
	return imaging.Resize(img, newW, newH, filter), nil
}

// maskToTarget converts a mask to channels-last target values.
//
// For 1 class the target is the foreground probability (gray/255), for 2 classes it is
// [background, foreground], and for more classes the gray level is the class index, one-hot encoded.
func maskToTarget(mask image.Image, classes int) []float32 {
	bounds := mask.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	target := make([]float32, width*height*classes)
	pos := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			gray := color.GrayModel.Convert(mask.At(x, y)).(color.Gray).Y
			switch {
			case classes == 1:
				target[pos] = float32(gray) / 255
			case classes == 2:
				fg := float32(gray) / 255
				target[pos] = 1 - fg
				target[pos+1] = fg
			default:
				if int(gray) < classes {
					target[pos+int(gray)] = 1
				}
			}
			pos += classes
		}
	}
	return target
}
