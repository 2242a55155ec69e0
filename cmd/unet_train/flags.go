// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/unet/pkg/amp"
	"github.com/gomlx/unet/pkg/lrschedule"
	"github.com/gomlx/unet/pkg/trainer"
	"github.com/gomlx/unet/pkg/unet"
)

var defaults = trainer.DefaultConfig()

// Training flags. The short aliases are registered in init.
var (
	flagEpochs       = flag.Int("epochs", defaults.Epochs, "Number of epochs.")
	flagBatchSize    = flag.Int("batch-size", defaults.BatchSize, "Batch size.")
	flagLearningRate = flag.Float64("learning-rate", defaults.LearningRate, "Learning rate.")
	flagLoad         = flag.String("load", "", "Load model weights from a checkpoint directory.")
	flagScale        = flag.Float64("scale", defaults.ImgScale, "Downscaling factor of the images.")
	flagValidation   = flag.Float64("validation", 100*defaults.ValPercent,
		"Percent of the data that is used as validation (0-100). Only recorded in the tracker: "+
			"validation uses the test directories.")
	flagAMP = flag.Bool("amp", false, "Use mixed precision.")
)

// Data, output and runtime flags.
var (
	flagTrainImages = flag.String("train_images", "../dfdc_deepfake_challenge/dataset_new_1/training/crops/",
		"Directory with the training images.")
	flagTrainMasks = flag.String("train_masks", "../dfdc_deepfake_challenge/dataset_new_1/training/masks/",
		"Directory with the training masks.")
	flagTestImages = flag.String("test_images", "../dfdc_deepfake_challenge/dataset_new_1/testing/crops/crops_testing/",
		"Directory with the test images, used for validation.")
	flagTestMasks = flag.String("test_masks", "../dfdc_deepfake_challenge/dataset_new_1/testing/masks/masks_testing/",
		"Directory with the test masks, used for validation.")
	flagCheckpointDir = flag.String("checkpoint_dir", defaults.CheckpointDir,
		"Directory where checkpoints are saved. Set to empty to disable checkpoints on even epochs. "+
			"On Ctrl+C or SIGTERM the model is saved to INTERRUPTED in this directory, or in the current "+
			"directory if empty.")
	flagTrackerDir = flag.String("tracker_dir", "~/.unet/runs", "Base directory of the experiment tracker runs.")
	flagProject    = flag.String("project", "U-Net", "Project name of the experiment tracker run.")
	flagChannels   = flag.Int("channels", defaults.NChannels, "Number of channels of the input images: 3 (RGB) or 4 (RGBA).")
	flagClasses    = flag.Int("classes", 2, "Number of output classes (channels of the predicted masks).")
	flagWorkers    = flag.Int("workers", 4, "Number of parallel image decoders.")
	flagOnDevice   = flag.Bool("on_device", false, "Stage the batches on the accelerator while the previous step runs.")
	flagEvalEvery  = flag.Int("eval_every", 0,
		"Evaluate the validation Dice score after epochs 1, N+1, 2N+1, ..., feeding the learning rate scheduler. "+
			"0 disables it.")
	flagProgress = flag.Bool("progress", true, "Display a progress bar for each epoch.")
)

func init() {
	flag.IntVar(flagEpochs, "e", *flagEpochs, "Alias to -epochs.")
	flag.IntVar(flagBatchSize, "b", *flagBatchSize, "Alias to -batch-size.")
	flag.Float64Var(flagLearningRate, "l", *flagLearningRate, "Alias to -learning-rate.")
	flag.StringVar(flagLoad, "f", *flagLoad, "Alias to -load.")
	flag.Float64Var(flagScale, "s", *flagScale, "Alias to -scale.")
	// -v is klog's verbosity.
}

// createDefaultContext sets the context with the default hyperparameters, which can be changed with -set.
func createDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		unet.ParamBaseChannels: 64,
		unet.ParamDepth:        4,
		unet.ParamBilinear:     true,

		amp.ParamInitScale:      65536.0,
		amp.ParamGrowthInterval: 2000,
		amp.ParamGrowthFactor:   2.0,
		amp.ParamBackoffFactor:  0.5,

		lrschedule.ParamPlateauFactor:          0.1,
		lrschedule.ParamPlateauPatience:        2,
		lrschedule.ParamPlateauMinLearningRate: 0.0,
	})
	return ctx
}

// configFromFlags returns the training configuration given by the flags.
func configFromFlags() trainer.Config {
	config := trainer.DefaultConfig()
	config.Epochs = *flagEpochs
	config.BatchSize = *flagBatchSize
	config.LearningRate = *flagLearningRate
	config.ValPercent = *flagValidation / 100
	config.ImgScale = *flagScale
	config.AMP = *flagAMP
	config.CheckpointDir = *flagCheckpointDir
	config.SaveCheckpoint = *flagCheckpointDir != ""
	config.NChannels = *flagChannels
	return config
}
