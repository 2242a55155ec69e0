// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package trainer implements the training loop of the UNet segmentation model.
//
// A Loop is created with New from a backend, the model context, the network configuration, a Config and an
// experiment tracker. Loop.Run then trains for Config.Epochs over a train.Dataset, logging the mean loss of
// each epoch to the tracker and checkpointing the model on even epochs. If the context.Context given to Run
// is cancelled (e.g. by an interrupt signal), the model is saved to the checkpoint.InterruptedName checkpoint
// and Run returns ErrInterrupted.
//
// The loop goes through the states Idle, EpochRunning, BatchStep, CheckpointWrite and Done, or Interrupted.
// Extra functionality, like the periodic evaluation, is attached with Loop.OnEpochEnd hooks.
package trainer

import (
	stdcontext "context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/unet/pkg/amp"
	"github.com/gomlx/unet/pkg/checkpoint"
	"github.com/gomlx/unet/pkg/lrschedule"
	"github.com/gomlx/unet/pkg/tracker"
	"github.com/gomlx/unet/pkg/unet"
	"github.com/gomlx/unet/ui/progress"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrChannelMismatch is returned when the images of a batch don't have the number of channels of the network.
	ErrChannelMismatch = errors.New("image channels don't match the network input channels")

	// ErrInterrupted is returned by Loop.Run when the run is cancelled. The model is saved before returning.
	ErrInterrupted = errors.New("training interrupted")
)

const (
	// TrainLossMetric is the name of the epoch loss logged to the tracker.
	TrainLossMetric = "train loss"

	// WeightDecay of the Adam optimizer.
	WeightDecay = 1e-8
)

// State of the training loop.
type State int

const (
	Idle State = iota
	EpochRunning
	BatchStep
	CheckpointWrite
	Done
	Interrupted
)

var stateNames = []string{"Idle", "EpochRunning", "BatchStep", "CheckpointWrite", "Done", "Interrupted"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Summary of a run.
type Summary struct {
	// Epochs completed.
	Epochs int

	// GlobalStep after the run: one per epoch completed.
	GlobalStep int

	// LastLoss is the mean loss of the last epoch completed.
	LastLoss float64

	// ImagesSeen during the run.
	ImagesSeen int

	// Duration of the run.
	Duration time.Duration
}

// Loop trains a UNet. Create it with New.
type Loop struct {
	ctx       *context.Context
	net       *unet.Config
	config    Config
	tracker   tracker.Tracker
	trainer   *train.Trainer
	optimizer *amp.Scaler
	scheduler *lrschedule.Plateau

	progressOutput io.Writer
	evalMetrics    []metrics.Interface
	onEpochEnd     *priorityHooks[*hookWithName[OnEpochEndFn]]
	onBatchEnd     *priorityHooks[*hookWithName[OnBatchEndFn]]

	mu         sync.Mutex
	state      State
	epoch      int
	globalStep int
	imagesSeen int
}

// Option for New.
type Option func(loop *Loop)

// WithProgress displays a progress bar for each epoch in w. The default is no progress bar.
func WithProgress(w io.Writer) Option {
	return func(loop *Loop) {
		loop.progressOutput = w
	}
}

// WithEvalMetrics adds metrics to the evaluation, see Loop.Trainer and train.Trainer.Eval.
func WithEvalMetrics(evalMetrics ...metrics.Interface) Option {
	return func(loop *Loop) {
		loop.evalMetrics = append(loop.evalMetrics, evalMetrics...)
	}
}

// New creates the training loop for the network net, whose variables are stored in ctx.
//
// The loss is unet.BCELoss, and the optimizer is Adam (with the configured learning rate and WeightDecay)
// wrapped by an amp.Scaler, enabled if Config.AMP is set. If Config.NChannels is 0, it is taken from net.
func New(backend backends.Backend, ctx *context.Context, net *unet.Config, config Config, tr tracker.Tracker,
	opts ...Option) (*Loop, error) {
	if config.NChannels == 0 {
		config.NChannels = net.NChannels
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.NChannels != net.NChannels {
		return nil, errors.Wrapf(ErrChannelMismatch, "configured %d channels, but the network has %d input channels",
			config.NChannels, net.NChannels)
	}
	if tr == nil {
		return nil, errors.New("a tracker is required, use tracker.NewMemory() to keep metrics in memory")
	}
	loop := &Loop{
		ctx:        ctx,
		net:        net,
		config:     config,
		tracker:    tr,
		onEpochEnd: newPriorityHooks[*hookWithName[OnEpochEndFn]](),
		onBatchEnd: newPriorityHooks[*hookWithName[OnBatchEndFn]](),
	}
	for _, opt := range opts {
		opt(loop)
	}

	ctx.SetParam(unet.ParamAMP, config.AMP)
	ctx.SetParam(optimizers.ParamLearningRate, config.LearningRate)
	adam := optimizers.Adam().LearningRate(config.LearningRate).WeightDecay(WeightDecay).Done()
	loop.optimizer = amp.New(adam, config.AMP).FromContext(ctx)
	loop.trainer = train.NewTrainer(backend, ctx, net.ModelFn(), unet.BCELoss, loop.optimizer,
		nil, loop.evalMetrics)
	loop.scheduler = lrschedule.NewPlateau(ctx, dtypes.Float32, config.LearningRate).
		Mode(lrschedule.Max).
		FromContext()
	return loop, nil
}

// Trainer returns the underlying train.Trainer, used for evaluation.
func (loop *Loop) Trainer() *train.Trainer { return loop.trainer }

// Context returns the model context.
func (loop *Loop) Context() *context.Context { return loop.ctx }

// Config returns the configuration of the loop.
func (loop *Loop) Config() Config { return loop.config }

// Network returns the network configuration.
func (loop *Loop) Network() *unet.Config { return loop.net }

// Tracker returns the experiment tracker.
func (loop *Loop) Tracker() tracker.Tracker { return loop.tracker }

// Optimizer returns the loss scaling optimizer.
func (loop *Loop) Optimizer() *amp.Scaler { return loop.optimizer }

// Scheduler returns the learning rate schedule. It is only stepped by evaluation hooks.
func (loop *Loop) Scheduler() *lrschedule.Plateau { return loop.scheduler }

// State returns the current state of the loop.
func (loop *Loop) State() State {
	loop.mu.Lock()
	defer loop.mu.Unlock()
	return loop.state
}

// GlobalStep returns the number of epochs completed in the current (or last) run.
func (loop *Loop) GlobalStep() int {
	loop.mu.Lock()
	defer loop.mu.Unlock()
	return loop.globalStep
}

// Epoch returns the 0-based index of the current (or last) epoch.
func (loop *Loop) Epoch() int {
	loop.mu.Lock()
	defer loop.mu.Unlock()
	return loop.epoch
}

func (loop *Loop) setState(state State) {
	loop.mu.Lock()
	defer loop.mu.Unlock()
	if loop.state == state {
		return
	}
	klog.V(1).Infof("Training loop: %s -> %s", loop.state, state)
	loop.state = state
}

// Run trains for Config.Epochs epochs over ds, which yields numSamples images per epoch.
//
// It returns ErrInterrupted (after saving the interrupted checkpoint) if runCtx is cancelled. The
// cancellation is checked between batches.
func (loop *Loop) Run(runCtx stdcontext.Context, ds train.Dataset, numSamples int) (*Summary, error) {
	start := time.Now()
	loop.mu.Lock()
	loop.state, loop.epoch, loop.globalStep, loop.imagesSeen = Idle, 0, 0, 0
	loop.mu.Unlock()
	summary := &Summary{}
	defer func() {
		summary.Duration = time.Since(start)
		summary.GlobalStep = loop.GlobalStep()
		loop.mu.Lock()
		summary.ImagesSeen = loop.imagesSeen
		loop.mu.Unlock()
	}()

	numBatches := max(1, numSamples/loop.config.BatchSize)
	for epoch := range loop.config.Epochs {
		if runCtx.Err() != nil {
			return summary, loop.interrupt()
		}
		loop.mu.Lock()
		loop.epoch = epoch
		loop.mu.Unlock()
		loop.setState(EpochRunning)

		epochLoss, err := loop.runEpoch(runCtx, ds, epoch, numSamples)
		if err != nil {
			if errors.Is(err, ErrInterrupted) {
				return summary, loop.interrupt()
			}
			return summary, err
		}

		loop.mu.Lock()
		loop.globalStep++
		globalStep := loop.globalStep
		loop.mu.Unlock()
		summary.LastLoss = epochLoss / float64(numBatches)
		summary.Epochs = epoch + 1
		err = loop.tracker.Log(tracker.Metrics{
			TrainLossMetric:  summary.LastLoss,
			tracker.StepKey:  float64(globalStep),
			tracker.EpochKey: float64(epoch),
		})
		if err != nil {
			return summary, errors.WithMessagef(err, "logging metrics of epoch %d", epoch+1)
		}

		if loop.config.SaveCheckpoint && epoch%2 == 0 {
			loop.setState(CheckpointWrite)
			if _, err = checkpoint.Save(loop.ctx, loop.config.CheckpointDir, checkpoint.EpochName(epoch+1)); err != nil {
				return summary, err
			}
			klog.Infof("Checkpoint %d saved!", epoch+1)
		}

		for hook := range loop.onEpochEnd.All() {
			if err = hook.fn(loop, epoch); err != nil {
				return summary, errors.WithMessagef(err, "OnEpochEnd(hook %q) of epoch %d", hook.name, epoch+1)
			}
		}
	}
	loop.setState(Done)
	return summary, nil
}

// interrupt saves the interrupted checkpoint and returns ErrInterrupted.
func (loop *Loop) interrupt() error {
	loop.setState(Interrupted)
	if _, err := checkpoint.Save(loop.ctx, loop.config.CheckpointDir, checkpoint.InterruptedName); err != nil {
		return errors.WithMessagef(err, "saving checkpoint after training interrupted")
	}
	klog.Info("Saved interrupt")
	return ErrInterrupted
}

// runEpoch trains over one pass of ds, and returns the sum of the batch losses.
func (loop *Loop) runEpoch(runCtx stdcontext.Context, ds train.Dataset, epoch, numSamples int) (epochLoss float64, err error) {
	// Leave the dataset ready for the next epoch, also stopping any prefetching on errors.
	defer ds.Reset()

	var bar *progress.Bar
	if loop.progressOutput != nil {
		bar = progress.New(loop.progressOutput, numSamples, fmt.Sprintf("Epoch %d/%d", epoch+1, loop.config.Epochs))
		defer func() {
			if closeErr := bar.Close(); closeErr != nil && err == nil {
				err = errors.Wrap(closeErr, "closing progress bar")
			}
		}()
	}

	finalize := finalizeYieldedTensors(ds)
	for {
		if runCtx.Err() != nil {
			return epochLoss, ErrInterrupted
		}
		spec, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return epochLoss, errors.WithMessagef(err, "epoch %d: failed reading from dataset %q", epoch+1, ds.Name())
		}
		loop.setState(BatchStep)
		loss, batchSize, err := loop.step(spec, inputs, labels, finalize)
		if err != nil {
			return epochLoss, errors.WithMessagef(err, "epoch %d", epoch+1)
		}
		epochLoss += loss
		loop.mu.Lock()
		loop.imagesSeen += batchSize
		loop.mu.Unlock()
		if bar != nil {
			bar.Add(batchSize, progress.Stat{Name: "loss (batch)", Value: fmt.Sprintf("%.4f", loss)})
		}
		for hook := range loop.onBatchEnd.All() {
			if err = hook.fn(loop, epoch, loss, batchSize); err != nil {
				return epochLoss, errors.WithMessagef(err, "OnBatchEnd(hook %q) of epoch %d", hook.name, epoch+1)
			}
		}
	}
	return epochLoss, nil
}

// step checks the batch and runs one training step, returning the batch loss and size.
func (loop *Loop) step(spec any, inputs, labels []*tensors.Tensor, finalize bool) (loss float64, batchSize int, err error) {
	if finalize {
		defer func() {
			for _, t := range append(inputs, labels...) {
				if t == nil {
					continue
				}
				if finalizeErr := t.FinalizeAll(); finalizeErr != nil && err == nil {
					err = errors.WithMessage(finalizeErr, "finalizing yielded batch")
				}
			}
		}()
	}
	if len(inputs) == 0 || len(labels) == 0 {
		return 0, 0, errors.Errorf("dataset must yield images and masks, got %d inputs and %d labels",
			len(inputs), len(labels))
	}
	imagesShape := inputs[0].Shape()
	if imagesShape.Rank() != 4 {
		return 0, 0, errors.Errorf("images must be shaped [batch, height, width, channels], got %s", imagesShape)
	}
	if channels := imagesShape.Dim(-1); channels != loop.config.NChannels {
		return 0, 0, errors.Wrapf(ErrChannelMismatch,
			"network has been defined with %d input channels, but loaded images have %d channels: "+
				"please check that the images are loaded correctly", loop.config.NChannels, channels)
	}
	batchSize = imagesShape.Dim(0)

	trainMetrics, err := loop.trainer.TrainStep(spec, inputs, labels)
	if err != nil {
		return 0, 0, errors.WithMessage(err, "train step")
	}
	loss = shapes.ConvertTo[float64](trainMetrics[0].Value())
	for _, metric := range trainMetrics {
		metric.MustFinalizeAll()
	}
	return loss, batchSize, nil
}

// finalizeYieldedTensors checks whether the tensors yielded by ds are owned by the loop.
func finalizeYieldedTensors(ds train.Dataset) bool {
	dsOwnership, ok := ds.(train.DatasetCustomOwnership)
	if !ok {
		return true
	}
	return dsOwnership.IsOwnershipTransferred()
}
