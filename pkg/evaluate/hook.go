// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package evaluate

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/unet/pkg/tracker"
	"github.com/gomlx/unet/pkg/trainer"
	"github.com/gomlx/unet/pkg/unet"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

const (
	// LearningRateMetric is the name of the learning rate logged after each evaluation.
	LearningRateMetric = "learning rate"

	// ValidationScoreMetric is the name of the validation Dice score logged after each evaluation.
	ValidationScoreMetric = "validation score"

	// WeightsHistogramPrefix prefixes the names of the weights histograms.
	WeightsHistogramPrefix = "Weights"

	// DefaultNumBins of the weights histograms.
	DefaultNumBins = 64

	// HookPriority of the evaluation hook: it runs after the other end of epoch hooks.
	HookPriority trainer.Priority = 100
)

// Hook evaluates the model on a validation dataset every few epochs, steps the loop's learning rate
// scheduler with the score, and logs the learning rate, the score and histograms of the network weights.
type Hook struct {
	every      int
	val        train.Dataset
	numBins    int
	histograms bool
}

// NewHook creates an evaluation hook running over val at the end of the epochs whose 0-based index is a
// multiple of every (0, every, 2*every, ...), the same parity as the checkpoints. Attach it to a loop with Attach.
func NewHook(every int, val train.Dataset) (*Hook, error) {
	if every <= 0 {
		return nil, errors.Errorf("evaluation frequency must be > 0 epochs, got %d", every)
	}
	if val == nil {
		return nil, errors.New("evaluation requires a validation dataset")
	}
	return &Hook{every: every, val: val, numBins: DefaultNumBins, histograms: true}, nil
}

// WithHistograms enables or disables the weights histograms. They are enabled by default.
func (h *Hook) WithHistograms(enabled bool) *Hook {
	h.histograms = enabled
	return h
}

// Attach the hook to the loop. The loop must have been created with the NewDiceMetric evaluation metric,
// see trainer.WithEvalMetrics.
func (h *Hook) Attach(loop *trainer.Loop) {
	loop.OnEpochEnd("evaluation", HookPriority, h.OnEpochEnd)
}

// OnEpochEnd implements trainer.OnEpochEndFn.
func (h *Hook) OnEpochEnd(loop *trainer.Loop, epoch int) error {
	if epoch%h.every != 0 {
		return nil
	}
	score, err := Evaluate(loop.Trainer(), h.val)
	if err != nil {
		return err
	}
	klog.Infof("Validation Dice score: %.4f", score)
	scheduler := loop.Scheduler()
	if _, err = scheduler.Step(score); err != nil {
		return err
	}

	step := loop.GlobalStep()
	tr := loop.Tracker()
	err = tr.Log(tracker.Metrics{
		LearningRateMetric:    scheduler.LearningRate(),
		ValidationScoreMetric: score,
		tracker.StepKey:       float64(step),
		tracker.EpochKey:      float64(epoch),
	})
	if err != nil {
		return err
	}
	if h.histograms {
		return LogWeightHistograms(loop.Context(), tr, step, h.numBins)
	}
	return nil
}

// LogWeightHistograms logs a histogram of each trainable variable of the network, named
// "Weights/<scope>/<name>".
func LogWeightHistograms(ctx *context.Context, tr tracker.Tracker, step, numBins int) error {
	for v := range ctx.InAbsPath(context.RootScope).In(unet.Scope).IterVariablesInScope() {
		if !v.Trainable {
			continue
		}
		value, err := v.Value()
		if err != nil {
			return errors.WithMessagef(err, "reading variable %q", v.ScopeAndName())
		}
		values, err := flatFloat64(value)
		if err != nil {
			return errors.WithMessagef(err, "variable %q", v.ScopeAndName())
		}
		name := WeightsHistogramPrefix + v.ScopeAndName()
		if err = tr.LogHistogram(name, step, tracker.NewHistogram(values, numBins)); err != nil {
			return err
		}
	}
	return nil
}

// flatFloat64 copies the values of a float tensor, converting them to float64.
func flatFloat64(t *tensors.Tensor) ([]float64, error) {
	switch t.DType() {
	case dtypes.Float64:
		return tensors.MustCopyFlatData[float64](t), nil
	case dtypes.Float32:
		return convertFlat(t, func(v float32) float64 { return float64(v) }), nil
	case dtypes.Float16:
		return convertFlat(t, func(v float16.Float16) float64 { return float64(v.Float32()) }), nil
	default:
		return nil, errors.Errorf("histograms not supported for dtype %s", t.DType())
	}
}

func convertFlat[T dtypes.Supported](t *tensors.Tensor, fn func(T) float64) []float64 {
	flat := tensors.MustCopyFlatData[T](t)
	values := make([]float64, len(flat))
	for ii, v := range flat {
		values[ii] = fn(v)
	}
	return values
}
