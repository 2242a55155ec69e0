// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package unet

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

// ParamAMP is the context hyperparameter that enables reduced precision (float16) convolutions.
//
// Variables are kept in float32 (master weights), and are converted to float16 only for the
// convolution, whose result is converted back to float32. Batch normalization, activations and
// the loss remain in float32.
const ParamAMP = "amp"

// HalfPrecision is the dtype used for convolutions when ParamAMP is set.
var HalfPrecision = dtypes.Float16

// convolution with "same" padding and stride 1, creating the variables "conv/weights" (and
// "conv/biases" if useBias) in ctx. The variables are the same with or without ParamAMP,
// so checkpoints can be used either way.
func convolution(ctx *context.Context, x *Node, filters, kernelSize int, useBias bool) *Node {
	if !context.GetParamOr(ctx, ParamAMP, false) {
		return layers.Convolution(ctx, x).
			Filters(filters).
			KernelSize(kernelSize).
			PadSame().
			UseBias(useBias).
			Done()
	}

	g := x.Graph()
	dtype := x.DType()
	ctxInScope := ctx.In("conv")
	inputChannels := x.Shape().Dim(-1)
	kernelVar := ctxInScope.VariableWithShape("weights",
		shapes.Make(dtype, kernelSize, kernelSize, inputChannels, filters))
	kernel := ConvertDType(kernelVar.ValueGraph(g), HalfPrecision)
	output := Convolve(ConvertDType(x, HalfPrecision), kernel).PadSame().Done()
	output = ConvertDType(output, dtype)
	if useBias {
		biasVar := ctxInScope.VariableWithShape("biases", shapes.Make(dtype, filters))
		bias := Reshape(biasVar.ValueGraph(g), 1, 1, 1, filters)
		output = Add(output, bias)
	}
	return output
}
