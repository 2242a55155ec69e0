// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package amp implements dynamic loss scaling for reduced precision training, as an optimizer
// wrapper.
//
// The Scaler multiplies the loss by a scale factor before differentiating, so the small gradients of
// float16 computations don't underflow, and divides the gradients back before handing them to the
// wrapped optimizer. If any gradient is not finite (NaN or ±Inf) the step is skipped (the trainable
// variables keep their values) and the scale is reduced. After ParamGrowthInterval consecutive
// finite steps the scale is increased.
//
// The scale and the counter of finite steps are non-trainable variables in the Scope scope, so
// they are saved in checkpoints along with the model.
//
// Example:
//
//	opt := amp.New(optimizers.Adam().LearningRate(1e-5).WeightDecay(1e-8).Done(), *flagAMP).FromContext(ctx)
//	trainer := train.NewTrainer(backend, ctx, modelFn, lossFn, opt, nil, nil)
package amp

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
)

const (
	// Scope where the scaler variables are stored.
	Scope = "amp"

	// ScaleVariableName holds the current loss scale, a float32 scalar.
	ScaleVariableName = "loss_scale"

	// GrowthTrackerVariableName holds the number of consecutive steps with finite gradients, an int64 scalar.
	GrowthTrackerVariableName = "growth_tracker"

	// SkippedStepsVariableName holds the total number of skipped steps, an int64 scalar.
	SkippedStepsVariableName = "skipped_steps"

	// ParamInitScale is the context hyperparameter with the initial loss scale. Default is 65536.
	ParamInitScale = "amp_init_scale"

	// ParamGrowthInterval is the context hyperparameter with the number of consecutive steps with
	// finite gradients after which the scale is multiplied by ParamGrowthFactor. Default is 2000.
	ParamGrowthInterval = "amp_growth_interval"

	// ParamGrowthFactor is the context hyperparameter for the scale growth. Default is 2.
	ParamGrowthFactor = "amp_growth_factor"

	// ParamBackoffFactor is the context hyperparameter that multiplies the scale when a step is
	// skipped. Default is 0.5.
	ParamBackoffFactor = "amp_backoff_factor"
)

// GradientsUpdater is an optimizer that can apply already computed gradients.
// The optimizers.Adam and optimizers.StochasticGradientDescent optimizers implement it.
type GradientsUpdater interface {
	optimizers.Interface

	// UpdateGraphWithGradients applies grads, one per trainable variable in use by the graph, in the order
	// returned by context.Context.BuildTrainableVariablesGradientsGraph.
	UpdateGraphWithGradients(ctx *context.Context, grads []*Node, lossDType dtypes.DType)
}

// Scaler wraps an optimizer with dynamic loss scaling. It implements optimizers.Interface.
//
// When disabled it simply delegates to the wrapped optimizer.
type Scaler struct {
	inner   optimizers.Interface
	enabled bool

	initScale, growthFactor, backoffFactor float64
	growthInterval                         int
}

var _ optimizers.Interface = (*Scaler)(nil)

// New wraps inner with a loss scaler. If enabled, inner must implement GradientsUpdater.
func New(inner optimizers.Interface, enabled bool) *Scaler {
	return &Scaler{
		inner:          inner,
		enabled:        enabled,
		initScale:      65536,
		growthFactor:   2,
		backoffFactor:  0.5,
		growthInterval: 2000,
	}
}

// FromContext reads the Param* hyperparameters from ctx.
func (s *Scaler) FromContext(ctx *context.Context) *Scaler {
	s.initScale = context.GetParamOr(ctx, ParamInitScale, s.initScale)
	s.growthFactor = context.GetParamOr(ctx, ParamGrowthFactor, s.growthFactor)
	s.backoffFactor = context.GetParamOr(ctx, ParamBackoffFactor, s.backoffFactor)
	s.growthInterval = context.GetParamOr(ctx, ParamGrowthInterval, s.growthInterval)
	return s
}

// Enabled reports whether loss scaling is enabled.
func (s *Scaler) Enabled() bool { return s.enabled }

// Inner returns the wrapped optimizer.
func (s *Scaler) Inner() optimizers.Interface { return s.inner }

func scalerContext(ctx *context.Context) *context.Context {
	return ctx.InAbsPath(context.RootScope).In(Scope).Checked(false)
}

func (s *Scaler) variables(ctx *context.Context) (scaleVar, trackerVar, skippedVar *context.Variable) {
	ctxScaler := scalerContext(ctx)
	scaleVar = ctxScaler.VariableWithValue(ScaleVariableName, float32(s.initScale)).SetTrainable(false)
	trackerVar = ctxScaler.VariableWithValue(GrowthTrackerVariableName, int64(0)).SetTrainable(false)
	skippedVar = ctxScaler.VariableWithValue(SkippedStepsVariableName, int64(0)).SetTrainable(false)
	return
}

// UpdateGraph implements optimizers.Interface.
func (s *Scaler) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	if !s.enabled {
		s.inner.UpdateGraph(ctx, g, loss)
		return
	}
	if !loss.Shape().IsScalar() {
		exceptions.Panicf("loss scaling requires a scalar loss, got loss.shape=%s instead", loss.Shape())
	}
	withGrads, ok := s.inner.(GradientsUpdater)
	if !ok {
		exceptions.Panicf("loss scaling requires an optimizer that implements amp.GradientsUpdater, got %T", s.inner)
	}

	scaleVar, trackerVar, skippedVar := s.variables(ctx)
	scale := scaleVar.ValueGraph(g)
	scaledLoss := Mul(loss, ConvertDType(scale, loss.DType()))
	grads := ctx.BuildTrainableVariablesGradientsGraph(scaledLoss)
	if len(grads) == 0 {
		exceptions.Panicf("no trainable variables to optimize")
	}

	// Unscale and check that all gradients are finite.
	allFinite := Const(g, true)
	for ii, grad := range grads {
		grad = Div(grad, ConvertDType(scale, grad.DType()))
		allFinite = LogicalAnd(allFinite, LogicalAll(IsFinite(grad)))
		grads[ii] = grad
	}
	for ii, grad := range grads {
		grads[ii] = Where(allFinite, grad, ZerosLike(grad))
	}

	// Values of the trainable variables before the update, to restore them if the step is skipped.
	type varValue struct {
		v        *context.Variable
		original *Node
	}
	var originals []varValue
	for v := range ctx.IterVariables() {
		if v.Trainable && v.InUseByGraph(g) {
			originals = append(originals, varValue{v, v.ValueGraph(g)})
		}
	}
	withGrads.UpdateGraphWithGradients(ctx, grads, loss.DType())
	for _, vv := range originals {
		if vv.v.ChangedInGraph(g) {
			vv.v.SetValueGraph(Where(allFinite, vv.v.ValueGraph(g), vv.original))
		}
	}

	// Update the scale.
	tracker := trackerVar.ValueGraph(g)
	incremented := Add(tracker, OnesLike(tracker))
	grow := GreaterOrEqual(incremented, Const(g, int64(s.growthInterval)))
	trackerVar.SetValueGraph(Where(allFinite,
		Where(grow, ZerosLike(tracker), incremented),
		ZerosLike(tracker)))
	scaleVar.SetValueGraph(Where(allFinite,
		Where(grow, MulScalar(scale, s.growthFactor), scale),
		MulScalar(scale, s.backoffFactor)))
	skipped := skippedVar.ValueGraph(g)
	skippedVar.SetValueGraph(Where(allFinite, skipped, Add(skipped, OnesLike(skipped))))
}

// Clear implements optimizers.Interface. It clears the wrapped optimizer and the scaler variables.
func (s *Scaler) Clear(ctx *context.Context) error {
	if err := s.inner.Clear(ctx); err != nil {
		return err
	}
	if !s.enabled {
		return nil
	}
	return errors.WithMessage(scalerContext(ctx).DeleteVariablesInScope(), "clearing loss scaler variables")
}

// LossScale returns the current loss scale stored in ctx, or the initial scale if no step was taken yet.
func (s *Scaler) LossScale(ctx *context.Context) (float64, error) {
	scaleVar, _, _ := s.variables(ctx)
	value, err := scaleVar.Value()
	if err != nil {
		return 0, errors.WithMessage(err, "reading loss scale")
	}
	return float64(value.Value().(float32)), nil
}

// SkippedSteps returns the number of steps skipped because of non-finite gradients.
func (s *Scaler) SkippedSteps(ctx *context.Context) (int64, error) {
	_, _, skippedVar := s.variables(ctx)
	value, err := skippedVar.Value()
	if err != nil {
		return 0, errors.WithMessage(err, "reading skipped steps")
	}
	return value.Value().(int64), nil
}
