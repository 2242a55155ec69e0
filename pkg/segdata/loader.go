// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package segdata

import (
	"io"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/unet/internal/workerspool"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// LoaderConfig configures a Loader.
type LoaderConfig struct {
	// BatchSize is the number of samples per batch. Required.
	BatchSize int

	// NumWorkers decoding samples in parallel. 0 decodes in the goroutine preparing the batch.
	NumWorkers int

	// DropIncomplete drops the trailing batch if it has fewer than BatchSize samples.
	DropIncomplete bool

	// Prefetch is the number of batches prepared ahead of Yield. Defaults to 2.
	Prefetch int
}

// DefaultNumWorkers is the number of decoding workers used by DefaultLoaderConfig.
const DefaultNumWorkers = 4

// DefaultLoaderConfig returns a configuration with the given batch size, DefaultNumWorkers workers
// and 2 batches of prefetch.
func DefaultLoaderConfig(batchSize int) LoaderConfig {
	return LoaderConfig{BatchSize: batchSize, NumWorkers: DefaultNumWorkers, Prefetch: 2}
}

// Loader batches the samples of a Source, in order, and implements train.Dataset.
//
// Each yielded batch has inputs = [images] shaped [B, H, W, C] and labels = [targets] shaped
// [B, H, W, classes], both float32. The order of the samples is the order of the Source, and it
// is the same in every epoch. Yield returns io.EOF at the end of the epoch, and Reset starts
// a new one.
//
// Batches are prepared by a background goroutine, up to LoaderConfig.Prefetch batches ahead.
type Loader struct {
	name   string
	source Source
	config LoaderConfig
	pool   *workerspool.Pool

	mu  sync.Mutex
	run *loaderRun
}

var (
	_ train.Dataset      = (*Loader)(nil)
	_ train.HasShortName = (*Loader)(nil)
)

type loadedBatch struct {
	images, targets *tensors.Tensor
	err             error
}

// loaderRun is the state of one epoch's background producer.
type loaderRun struct {
	batches chan loadedBatch
	stop    chan struct{}
	done    chan struct{}
}

// NewLoader creates a Loader over source.
func NewLoader(name string, source Source, config LoaderConfig) (*Loader, error) {
	if config.BatchSize <= 0 {
		return nil, errors.Errorf("batch size must be > 0, got %d", config.BatchSize)
	}
	if config.NumWorkers < 0 {
		return nil, errors.Errorf("number of workers must be >= 0, got %d", config.NumWorkers)
	}
	if config.Prefetch <= 0 {
		config.Prefetch = 2
	}
	return &Loader{
		name:   name,
		source: source,
		config: config,
		pool:   workerspool.NewWithParallelism(config.NumWorkers),
	}, nil
}

// Name implements train.Dataset.
func (l *Loader) Name() string { return l.name }

// ShortName implements train.HasShortName.
func (l *Loader) ShortName() string {
	if len(l.name) <= 5 {
		return l.name
	}
	return l.name[:5]
}

// Len returns the number of samples in the source.
func (l *Loader) Len() int { return l.source.Len() }

// BatchSize returns the configured batch size.
func (l *Loader) BatchSize() int { return l.config.BatchSize }

// CompleteBatches returns the number of batches with exactly BatchSize samples.
func (l *Loader) CompleteBatches() int { return l.source.Len() / l.config.BatchSize }

// NumBatches returns the number of batches yielded per epoch.
func (l *Loader) NumBatches() int {
	n := l.CompleteBatches()
	if !l.config.DropIncomplete && l.source.Len()%l.config.BatchSize != 0 {
		n++
	}
	return n
}

// NumSamples returns the number of samples yielded per epoch.
func (l *Loader) NumSamples() int {
	if l.config.DropIncomplete {
		return l.CompleteBatches() * l.config.BatchSize
	}
	return l.source.Len()
}

// Yield implements train.Dataset.
func (l *Loader) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	l.mu.Lock()
	if l.run == nil {
		l.run = l.start()
	}
	run := l.run
	l.mu.Unlock()

	batch, ok := <-run.batches
	if !ok {
		return nil, nil, nil, io.EOF
	}
	if batch.err != nil {
		return nil, nil, nil, batch.err
	}
	return nil, []*tensors.Tensor{batch.images}, []*tensors.Tensor{batch.targets}, nil
}

// Reset implements train.Dataset. It stops any batches being prepared and restarts from the first sample.
func (l *Loader) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopLocked()
}

// Close stops the background producer, if one is running.
func (l *Loader) Close() {
	l.Reset()
}

func (l *Loader) stopLocked() {
	if l.run == nil {
		return
	}
	close(l.run.stop)
	<-l.run.done
	// Free batches that were prepared but never yielded.
	for batch := range l.run.batches {
		finalizeBatch(batch)
	}
	l.run = nil
}

func finalizeBatch(batch loadedBatch) {
	for _, t := range []*tensors.Tensor{batch.images, batch.targets} {
		if t == nil {
			continue
		}
		if err := t.FinalizeAll(); err != nil {
			klog.Warningf("segdata: failed to finalize unused batch tensor: %v", err)
		}
	}
}

func (l *Loader) start() *loaderRun {
	run := &loaderRun{
		batches: make(chan loadedBatch, l.config.Prefetch),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go func() {
		defer close(run.done)
		defer close(run.batches)
		numBatches := l.NumBatches()
		for batchIdx := range numBatches {
			start := batchIdx * l.config.BatchSize
			end := min(start+l.config.BatchSize, l.source.Len())
			batch := l.loadBatch(start, end)
			select {
			case run.batches <- batch:
			case <-run.stop:
				finalizeBatch(batch)
				return
			}
			if batch.err != nil {
				return
			}
		}
	}()
	return run
}

// loadBatch decodes samples [start, end) in parallel and collates them.
func (l *Loader) loadBatch(start, end int) loadedBatch {
	samples := make([]*Sample, end-start)
	err := l.pool.Map(len(samples), func(i int) error {
		var err error
		samples[i], err = l.source.Sample(start + i)
		return err
	})
	if err != nil {
		return loadedBatch{err: errors.WithMessagef(err, "loading batch of samples [%d, %d) from %q", start, end, l.name)}
	}
	images, targets, err := Collate(samples)
	if err != nil {
		return loadedBatch{err: errors.WithMessagef(err, "collating samples [%d, %d) from %q", start, end, l.name)}
	}
	return loadedBatch{images: images, targets: targets}
}

// Collate stacks samples into an images tensor [B, H, W, C] and a targets tensor [B, H, W, classes].
// All samples must have the same dimensions.
func Collate(samples []*Sample) (images, targets *tensors.Tensor, err error) {
	if len(samples) == 0 {
		return nil, nil, errors.New("cannot collate an empty batch")
	}
	first := samples[0]
	imageSize := first.Height * first.Width * first.Channels
	targetSize := first.Height * first.Width * first.Classes
	imagesFlat := make([]float32, 0, len(samples)*imageSize)
	targetsFlat := make([]float32, 0, len(samples)*targetSize)
	for _, s := range samples {
		if s.Height != first.Height || s.Width != first.Width || s.Channels != first.Channels || s.Classes != first.Classes {
			return nil, nil, errors.Errorf("sample %q is %dx%dx%d (%d classes), but sample %q is %dx%dx%d (%d classes): "+
				"all samples in a batch must have the same dimensions",
				s.ID, s.Height, s.Width, s.Channels, s.Classes,
				first.ID, first.Height, first.Width, first.Channels, first.Classes)
		}
		imagesFlat = append(imagesFlat, s.Image...)
		targetsFlat = append(targetsFlat, s.Target...)
	}
	images = tensors.FromFlatDataAndDimensions(imagesFlat, len(samples), first.Height, first.Width, first.Channels)
	targets = tensors.FromFlatDataAndDimensions(targetsFlat, len(samples), first.Height, first.Width, first.Classes)
	return images, targets, nil
}
