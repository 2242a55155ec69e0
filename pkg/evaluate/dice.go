// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package evaluate computes the validation Dice score of a segmentation model, and provides the
// training loop hook that evaluates it periodically, feeding the learning rate scheduler.
package evaluate

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/pkg/errors"
)

const (
	// MetricName of the Dice score metric.
	MetricName = "Dice score"

	// MetricType of the Dice score metric, used to group it in plots.
	MetricType = "dice"

	// Epsilon smooths the Dice ratio, so empty predictions of empty masks score 1.
	Epsilon = 1e-6
)

// DiceScoreGraph returns the mean Dice coefficient of the batch, comparing the hard predictions with
// the labels (channels-last, one channel per class).
//
// For one class the predictions are thresholded at 0.5. For 2 or more classes the predicted class is
// the argmax of the probabilities, the labels are also converted with argmax, and both are one-hot
// encoded: the score is then averaged over the non-background classes (class 0 is excluded).
//
// The coefficient is computed per example and class, and then averaged.
func DiceScoreGraph(_ *context.Context, labels, predictions []*Node) *Node {
	if len(labels) < 1 || len(predictions) < 1 {
		exceptions.Panicf("Dice score requires labels and predictions, got %d labels and %d predictions",
			len(labels), len(predictions))
	}
	prediction := ConvertDType(predictions[0], dtypes.Float32)
	label := ConvertDType(labels[0], dtypes.Float32)
	if !prediction.Shape().Equal(label.Shape()) {
		exceptions.Panicf("prediction (%s) and label (%s) have different shapes, can't calculate Dice score",
			prediction.Shape(), label.Shape())
	}
	if prediction.Rank() < 2 {
		exceptions.Panicf("Dice score requires predictions shaped [batch, ..., classes], got %s", prediction.Shape())
	}
	numClasses := prediction.Shape().Dim(-1)
	if numClasses == 1 {
		prediction = ConvertDType(GreaterThan(prediction, ConstAs(prediction, 0.5)), dtypes.Float32)
	} else {
		prediction = OneHot(ArgMax(prediction, -1), numClasses, dtypes.Float32)
		label = OneHot(ArgMax(label, -1), numClasses, dtypes.Float32)
		prediction = Slice(prediction, AxisRange().Spacer(), AxisRange(1))
		label = Slice(label, AxisRange().Spacer(), AxisRange(1))
	}
	return ReduceAllMean(diceCoefficient(prediction, label))
}

// diceCoefficient reduces all axes but the first (batch) and the last (classes).
func diceCoefficient(prediction, label *Node) *Node {
	rank := prediction.Rank()
	spatialAxes := make([]int, 0, rank-2)
	for axis := 1; axis < rank-1; axis++ {
		spatialAxes = append(spatialAxes, axis)
	}
	intersection := MulScalar(ReduceSum(Mul(prediction, label), spatialAxes...), 2)
	setsSum := Add(ReduceSum(prediction, spatialAxes...), ReduceSum(label, spatialAxes...))
	setsSum = Where(Equal(setsSum, ConstAs(setsSum, 0)), intersection, setsSum)
	return Div(AddScalar(intersection, Epsilon), AddScalar(setsSum, Epsilon))
}

// NewDiceMetric returns the mean Dice score metric, weighted by the number of examples in each batch.
func NewDiceMetric() *metrics.MeanMetric {
	return metrics.NewMeanMetric(MetricName, "dice", MetricType, DiceScoreGraph, nil)
}

// Evaluate runs the model of trainer over ds and returns its mean Dice score.
//
// The trainer must have been created with the NewDiceMetric among its evaluation metrics.
func Evaluate(trainer *train.Trainer, ds train.Dataset) (float64, error) {
	index := -1
	for ii, metric := range trainer.EvalMetrics() {
		if metric.Name() == MetricName {
			index = ii
			break
		}
	}
	if index < 0 {
		return 0, errors.Errorf("trainer has no %q evaluation metric, see evaluate.NewDiceMetric", MetricName)
	}
	ds.Reset()
	results, err := trainer.Eval(ds)
	if err != nil {
		return 0, errors.WithMessagef(err, "evaluating on %q", ds.Name())
	}
	defer finalizeAll(results)
	score, err := scalarValue(results[index])
	if err != nil {
		return 0, errors.WithMessagef(err, "reading %q from evaluation results", MetricName)
	}
	return score, nil
}

func finalizeAll(results []*tensors.Tensor) {
	for _, t := range results {
		if t != nil {
			t.MustFinalizeAll()
		}
	}
}

func scalarValue(t *tensors.Tensor) (float64, error) {
	switch v := t.Value().(type) {
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	default:
		return 0, errors.Errorf("expected a float scalar, got %s", t.Shape())
	}
}
