// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"github.com/pkg/errors"
)

// Config of a training run.
type Config struct {
	// Epochs to train.
	Epochs int

	// BatchSize used by the training loader. It is also the divisor of the epoch loss.
	BatchSize int

	// LearningRate of the Adam optimizer.
	LearningRate float64

	// ValPercent is the fraction (0 to 1) of the data reserved for validation. It is only recorded in the
	// tracker configuration: the validation data comes from separate directories.
	ValPercent float64

	// SaveCheckpoint enables checkpoints on even epochs.
	SaveCheckpoint bool

	// ImgScale is the downscaling factor applied to images and masks when loading.
	ImgScale float64

	// AMP enables mixed precision: float16 convolutions and dynamic loss scaling.
	AMP bool

	// CheckpointDir where checkpoints are saved.
	CheckpointDir string

	// NChannels is the number of channels of the input images. It must match the network.
	NChannels int
}

// DefaultConfig returns the default configuration of the command-line trainer.
func DefaultConfig() Config {
	return Config{
		Epochs:         100,
		BatchSize:      64,
		LearningRate:   1e-5,
		ValPercent:     0.1,
		SaveCheckpoint: true,
		ImgScale:       1.0,
		CheckpointDir:  "./checkpoints/",
		NChannels:      3,
	}
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if c.Epochs < 0 {
		return errors.Errorf("number of epochs must be >= 0, got %d", c.Epochs)
	}
	if c.BatchSize <= 0 {
		return errors.Errorf("batch size must be > 0, got %d", c.BatchSize)
	}
	if c.LearningRate <= 0 {
		return errors.Errorf("learning rate must be > 0, got %g", c.LearningRate)
	}
	if c.ValPercent < 0 || c.ValPercent > 1 {
		return errors.Errorf("validation fraction must be in [0, 1], got %g", c.ValPercent)
	}
	if c.ImgScale <= 0 || c.ImgScale > 1 {
		return errors.Errorf("image scale must be in (0, 1], got %g", c.ImgScale)
	}
	if c.NChannels <= 0 {
		return errors.Errorf("number of channels must be > 0, got %d", c.NChannels)
	}
	if c.SaveCheckpoint && c.CheckpointDir == "" {
		return errors.New("checkpoint directory not set")
	}
	return nil
}

// TrackerConfig returns the configuration recorded with the experiment tracker run.
func (c Config) TrackerConfig() map[string]any {
	return map[string]any{
		"epochs":          c.Epochs,
		"batch_size":      c.BatchSize,
		"learning_rate":   c.LearningRate,
		"val_percent":     c.ValPercent,
		"save_checkpoint": c.SaveCheckpoint,
		"img_scale":       c.ImgScale,
		"amp":             c.AMP,
	}
}
