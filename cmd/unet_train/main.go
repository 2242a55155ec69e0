// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// unet_train trains a UNet on images and target masks.
//
// Training images and masks are read from -train_images and -train_masks, and -test_images and
// -test_masks hold the validation data. Metrics are tracked in a new run under -tracker_dir, and the
// model is checkpointed to -checkpoint_dir on even epochs. On an interrupt (Ctrl+C) or SIGTERM the
// model is saved to the INTERRUPTED checkpoint before exiting.
//
// Example:
//
//	unet_train -e 5 -b 8 -l 1e-4 -s 0.5 -amp -set="unet_base_channels=32"
package main

import (
	stdcontext "context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/unet/pkg/checkpoint"
	"github.com/gomlx/unet/pkg/evaluate"
	"github.com/gomlx/unet/pkg/segdata"
	"github.com/gomlx/unet/pkg/tracker"
	"github.com/gomlx/unet/pkg/trainer"
	"github.com/gomlx/unet/pkg/unet"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

func main() {
	ctx := createDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	_ = must.M1(commandline.ParseContextSettings(ctx, *settings))

	// Installed before any setup, so an interrupt during setup still ends with the INTERRUPTED checkpoint.
	runCtx, stop := signal.NotifyContext(stdcontext.Background(), os.Interrupt, syscall.SIGTERM)
	err := trainNet(runCtx, ctx)
	stop()
	klog.Flush()
	if err != nil && !errors.Is(err, trainer.ErrInterrupted) {
		klog.Errorf("Training failed: %+v", err)
		klog.Flush()
		os.Exit(1)
	}
}

// trainNet builds the network, the datasets and the tracker run, and runs the training loop until it
// finishes or runCtx is cancelled.
func trainNet(runCtx stdcontext.Context, ctx *context.Context) error {
	backend, err := backends.New()
	if err != nil {
		return err
	}
	klog.Infof("Using device %s (%s)", backend.Name(), backend.Description())
	if klog.V(1).Enabled() {
		klog.Infof("Hyperparameters:\n%s", commandline.SprintContextSettings(ctx))
	}

	net := unet.New(*flagChannels, *flagClasses).FromContext(ctx)
	klog.Info(net)
	if *flagLoad != "" {
		if err = checkpoint.Load(ctx, *flagLoad); err != nil {
			return err
		}
		klog.Infof("Model loaded from %s", *flagLoad)
	}

	config := configFromFlags()
	trainSet, valSet, err := createSubsets(net, config.ImgScale)
	if err != nil {
		return err
	}
	trainLoader, err := segdata.NewLoader("train", trainSet, segdata.LoaderConfig{
		BatchSize:  config.BatchSize,
		NumWorkers: *flagWorkers,
	})
	if err != nil {
		return err
	}
	defer trainLoader.Close()
	var trainDS train.Dataset = trainLoader
	if *flagOnDevice {
		trainDS, err = datasets.NewOnDevice(backend, trainLoader, false, 1, 0)
		if err != nil {
			return errors.WithMessage(err, "staging training batches on device")
		}
	}

	run, err := tracker.Open(*flagTrackerDir, *flagProject, config.TrackerConfig())
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := run.Close(); closeErr != nil {
			klog.Errorf("Closing tracker run: %+v", closeErr)
		}
	}()

	var opts []trainer.Option
	if *flagProgress {
		opts = append(opts, trainer.WithProgress(os.Stderr))
	}
	if *flagEvalEvery > 0 {
		opts = append(opts, trainer.WithEvalMetrics(evaluate.NewDiceMetric()))
	}
	loop, err := trainer.New(backend, ctx, net, config, run, opts...)
	if err != nil {
		return err
	}
	if *flagEvalEvery > 0 {
		valLoader, err := segdata.NewLoader("validation", valSet, segdata.LoaderConfig{
			BatchSize:      config.BatchSize,
			NumWorkers:     *flagWorkers,
			DropIncomplete: true,
		})
		if err != nil {
			return err
		}
		defer valLoader.Close()
		hook, err := evaluate.NewHook(*flagEvalEvery, valLoader)
		if err != nil {
			return err
		}
		hook.Attach(loop)
	}

	klog.Infof(`Starting training:
	Epochs:          %d
	Batch size:      %d
	Learning rate:   %g
	Training size:   %d
	Validation size: %d
	Checkpoints:     %v
	Device:          %s
	Images scaling:  %g
	Mixed Precision: %v
	Tracker run:     %s`,
		config.Epochs, config.BatchSize, config.LearningRate, trainSet.Len(), valSet.Len(),
		config.SaveCheckpoint, backend.Name(), config.ImgScale, config.AMP, run.Dir())

	summary, err := loop.Run(runCtx, trainDS, trainSet.Len())
	if summary != nil {
		klog.Infof("Trained %d epochs (%d images) in %s, last train loss %.4f", summary.Epochs,
			summary.ImagesSeen, commandline.FormatDuration(summary.Duration), summary.LastLoss)
	}
	if err == nil && klog.V(1).Enabled() {
		fmt.Println(run.Summary())
	}
	return err
}

// createSubsets opens the training and test directories and splits them: every training sample is
// used for training, and every test sample for validation.
func createSubsets(net *unet.Config, scale float64) (trainSet, valSet *segdata.Subset, err error) {
	options := []segdata.Option{segdata.WithClasses(net.NClasses)}
	if net.NChannels == 4 {
		options = append(options, segdata.WithAlpha())
	}
	training, err := segdata.Open(*flagTrainImages, *flagTrainMasks, scale,
		append(options, segdata.WithName("training"))...)
	if err != nil {
		return nil, nil, err
	}
	testing, err := segdata.Open(*flagTestImages, *flagTestMasks, scale,
		append(options, segdata.WithName("testing"))...)
	if err != nil {
		return nil, nil, err
	}
	trainParts, err := segdata.SplitSubsets(training, []int{training.Len(), 0}, 0)
	if err != nil {
		return nil, nil, err
	}
	valParts, err := segdata.SplitSubsets(testing, []int{0, testing.Len()}, 0)
	if err != nil {
		return nil, nil, err
	}
	return trainParts[0], valParts[1], nil
}
