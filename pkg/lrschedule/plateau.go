// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package lrschedule implements learning rate schedules driven from the training loop, outside the
// computation graph.
//
// Plateau reduces the learning rate when a monitored metric (usually an evaluation score) stops
// improving. The new value is written to the optimizer's learning rate variable
// (see optimizers.LearningRateVar), which the compiled training step reads at every call, so no
// graph needs to be recompiled.
package lrschedule

import (
	"math"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Mode selects whether the monitored metric should go up or down.
type Mode string

const (
	// Max mode: higher metric values are better (e.g. dice score).
	Max Mode = "max"

	// Min mode: lower metric values are better (e.g. loss).
	Min Mode = "min"
)

var (
	// ParamPlateauFactor is the context hyperparameter multiplying the learning rate on a plateau.
	// Default is 0.1.
	ParamPlateauFactor = "plateau_factor"

	// ParamPlateauPatience is the context hyperparameter with the number of steps without improvement
	// tolerated before the learning rate is reduced. Default is 2.
	ParamPlateauPatience = "plateau_patience"

	// ParamPlateauMinLearningRate is the context hyperparameter with the lower bound of the learning rate.
	// Default is 0.
	ParamPlateauMinLearningRate = "plateau_min_learning_rate"
)

// minDelta is the smallest change in learning rate that is applied.
const minDelta = 1e-8

// Plateau implements the "reduce learning rate on plateau" schedule.
//
// A metric is an improvement if it is better than the best seen so far by a relative Threshold.
// When more than Patience consecutive steps don't improve, the learning rate is multiplied by Factor
// (bounded by MinLearningRate), and the count restarts after Cooldown steps.
type Plateau struct {
	ctx   *context.Context
	dtype dtypes.DType

	mode                         Mode
	factor, threshold, minLR     float64
	patience, cooldown           int
	learningRate, best           float64
	numBadSteps, cooldownCounter int
}

// NewPlateau creates a Plateau schedule for the learning rate variable of ctx, starting with
// initialLearningRate. Defaults: mode Max, factor 0.1, patience 2, relative threshold 1e-4, no cooldown.
//
// dtype must match the learning rate variable dtype, which optimizers create with the dtype of the loss.
func NewPlateau(ctx *context.Context, dtype dtypes.DType, initialLearningRate float64) *Plateau {
	return &Plateau{
		ctx:          ctx,
		dtype:        dtype,
		mode:         Max,
		factor:       0.1,
		threshold:    1e-4,
		patience:     2,
		learningRate: initialLearningRate,
		best:         math.Inf(-1),
	}
}

// FromContext reads the ParamPlateau* hyperparameters.
func (p *Plateau) FromContext() *Plateau {
	p.factor = context.GetParamOr(p.ctx, ParamPlateauFactor, p.factor)
	p.patience = context.GetParamOr(p.ctx, ParamPlateauPatience, p.patience)
	p.minLR = context.GetParamOr(p.ctx, ParamPlateauMinLearningRate, p.minLR)
	return p
}

// Mode sets whether the metric is to be maximized or minimized, and resets the best metric seen.
func (p *Plateau) Mode(mode Mode) *Plateau {
	p.mode = mode
	p.best = math.Inf(1)
	if mode == Max {
		p.best = math.Inf(-1)
	}
	return p
}

// Factor sets the factor multiplying the learning rate on reduction. It must be in (0, 1).
func (p *Plateau) Factor(factor float64) *Plateau {
	p.factor = factor
	return p
}

// Patience sets the number of non-improving steps tolerated.
func (p *Plateau) Patience(patience int) *Plateau {
	p.patience = patience
	return p
}

// Threshold sets the relative improvement required for a metric to count as better.
func (p *Plateau) Threshold(threshold float64) *Plateau {
	p.threshold = threshold
	return p
}

// Cooldown sets the number of steps to wait after a reduction before counting non-improving steps again.
func (p *Plateau) Cooldown(cooldown int) *Plateau {
	p.cooldown = cooldown
	return p
}

// MinLearningRate sets the lower bound of the learning rate.
func (p *Plateau) MinLearningRate(minLR float64) *Plateau {
	p.minLR = minLR
	return p
}

// LearningRate returns the current learning rate.
func (p *Plateau) LearningRate() float64 { return p.learningRate }

// Best returns the best metric seen so far.
func (p *Plateau) Best() float64 { return p.best }

func (p *Plateau) isBetter(metric float64) bool {
	if p.mode == Min {
		return metric < p.best*(1-p.threshold)
	}
	return metric > p.best*(1+p.threshold)
}

// Step records a new value of the monitored metric, and returns whether the learning rate was reduced.
//
// NaN metrics count as non-improving.
func (p *Plateau) Step(metric float64) (changed bool, err error) {
	if p.factor <= 0 || p.factor >= 1 {
		return false, errors.Errorf("plateau factor must be in (0, 1), got %g", p.factor)
	}
	if p.isBetter(metric) {
		p.best = metric
		p.numBadSteps = 0
	} else {
		p.numBadSteps++
	}
	if p.cooldownCounter > 0 {
		p.cooldownCounter--
		p.numBadSteps = 0
	}
	if p.numBadSteps <= p.patience {
		return false, nil
	}

	p.numBadSteps = 0
	p.cooldownCounter = p.cooldown
	newLR := max(p.learningRate*p.factor, p.minLR)
	if p.learningRate-newLR <= minDelta {
		return false, nil
	}
	if err = p.setLearningRate(newLR); err != nil {
		return false, err
	}
	klog.V(1).Infof("Reducing learning rate from %g to %g", p.learningRate, newLR)
	p.learningRate = newLR
	return true, nil
}

func (p *Plateau) setLearningRate(value float64) error {
	lrVar := optimizers.LearningRateVar(p.ctx, p.dtype, p.learningRate)
	err := lrVar.SetValue(tensors.FromAnyValue(shapes.CastAsDType(value, lrVar.DType())))
	return errors.WithMessagef(err, "setting learning rate to %g", value)
}
