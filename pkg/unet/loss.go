// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package unet

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

const (
	// MinLogValue is the lower bound of the log terms in BCELoss.
	MinLogValue = -100.0

	// minProbability is the smallest normal float32. It only bounds the gradients of the logs.
	minProbability = 0x1p-126
)

// BCELoss is the mean binary cross-entropy between labels[0] (targets in [0, 1]) and
// predictions[0] (probabilities), computed in float32.
//
// Each log term is bounded below by MinLogValue, so a prediction of exactly 0 or 1 on the wrong
// label costs 100. The gradients are taken from the logs of the probabilities floored at the
// smallest normal float32, so they stay finite.
//
// It is a train.LossFn.
func BCELoss(labels, predictions []*Node) *Node {
	p := ConvertDType(predictions[0], dtypes.Float32)
	y := ConvertDType(labels[0], dtypes.Float32)
	if !y.Shape().Equal(p.Shape()) {
		exceptions.Panicf("labels[0] (%s) and predictions[0] (%s) must have the same shape", y.Shape(), p.Shape())
	}
	logP := clampedLog(p)
	logOneMinusP := clampedLog(OneMinus(p))
	losses := Neg(Add(Mul(y, logP), Mul(OneMinus(y), logOneMinusP)))
	return ReduceAllMean(losses)
}

// clampedLog returns max(log(x), MinLogValue), differentiated as log(max(x, minProbability)).
func clampedLog(x *Node) *Node {
	safeLog := Log(MaxScalar(x, minProbability))
	clamped := MaxScalar(Log(x), MinLogValue)
	return Add(safeLog, StopGradient(Sub(clamped, safeLog)))
}
