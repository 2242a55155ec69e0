// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package unet implements the UNet segmentation network as a GoMLX model function.
//
// Images are channels-last, shaped [batch, height, width, channels], and the output has the same
// spatial dimensions with one channel per class, holding per-pixel probabilities (sigmoid of
// the logits) to be used with BCELoss.
//
// The network is the classic encoder/decoder with skip connections (Ronneberger et al., 2015):
// each level is a double 3x3 convolution with batch normalization and ReLU, down-sampled by a 2x2
// max-pool and up-sampled by interpolation, and the decoder concatenates the encoder features of
// the same level before convolving.
package unet

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/train"
)

const (
	// Scope under which all the network variables are created.
	Scope = "unet"

	// ParamBaseChannels is the context hyperparameter for the number of channels of the first level.
	// Each level down doubles it.
	ParamBaseChannels = "unet_base_channels"

	// ParamDepth is the context hyperparameter for the number of down-sampling levels.
	ParamDepth = "unet_depth"

	// ParamBilinear is the context hyperparameter selecting bilinear up-sampling (true) or nearest (false).
	ParamBilinear = "unet_bilinear"
)

// Config describes a UNet. Create it with New, and adjust it with FromContext.
type Config struct {
	// NChannels is the number of input image channels.
	NChannels int

	// NClasses is the number of output channels.
	NClasses int

	// Bilinear up-sampling if true, nearest neighbor otherwise.
	// With bilinear up-sampling the bottleneck and decoder use half the channels, as in the UNet paper
	// implementations that replace transposed convolutions.
	Bilinear bool

	// BaseChannels of the first level. Default 64.
	BaseChannels int

	// Depth is the number of down-sampling levels. Default 4.
	Depth int
}

// New returns the configuration of a UNet for images with nChannels and nClasses outputs,
// with bilinear up-sampling, 64 base channels and 4 levels.
func New(nChannels, nClasses int) *Config {
	return &Config{
		NChannels:    nChannels,
		NClasses:     nClasses,
		Bilinear:     true,
		BaseChannels: 64,
		Depth:        4,
	}
}

// FromContext overrides the configuration with the hyperparameters set in ctx, if any.
func (c *Config) FromContext(ctx *context.Context) *Config {
	c.BaseChannels = context.GetParamOr(ctx, ParamBaseChannels, c.BaseChannels)
	c.Depth = context.GetParamOr(ctx, ParamDepth, c.Depth)
	c.Bilinear = context.GetParamOr(ctx, ParamBilinear, c.Bilinear)
	return c
}

// String describes the network, in the spirit of the log line printed at startup.
func (c *Config) String() string {
	upsampling := "Nearest"
	if c.Bilinear {
		upsampling = "Bilinear"
	}
	return fmt.Sprintf("Network:\n\t%d input channels\n\t%d output channels (classes)\n\t%s upscaling\n\t%d levels of %d base channels",
		c.NChannels, c.NClasses, upsampling, c.Depth, c.BaseChannels)
}

// ModelFn returns the train.ModelFn that builds the network: inputs[0] are the images, and the only
// output is the per-pixel class probabilities, in float32.
func (c *Config) ModelFn() train.ModelFn {
	return func(ctx *context.Context, _ any, inputs []*Node) []*Node {
		return []*Node{c.Build(ctx, inputs[0])}
	}
}

// Build the UNet graph for images shaped [batch, height, width, NChannels].
// It returns the probabilities shaped [batch, height, width, NClasses].
func (c *Config) Build(ctx *context.Context, images *Node) *Node {
	if images.Rank() != 4 {
		exceptions.Panicf("unet expects images shaped [batch, height, width, channels], got %s", images.Shape())
	}
	if images.Shape().Dim(-1) != c.NChannels {
		exceptions.Panicf("network has been defined with %d input channels, but loaded images have %d channels",
			c.NChannels, images.Shape().Dim(-1))
	}
	if c.Depth < 1 || c.BaseChannels < 1 {
		exceptions.Panicf("invalid unet configuration: depth=%d, base channels=%d", c.Depth, c.BaseChannels)
	}
	ctx = ctx.In(Scope)
	x := ConvertDType(images, dtypes.Float32)

	factor := 1
	if c.Bilinear {
		factor = 2
	}

	// Encoder.
	x = DoubleConv(ctx.In("inc"), x, c.BaseChannels, c.BaseChannels)
	skips := []*Node{x}
	for level := 1; level <= c.Depth; level++ {
		channels := c.BaseChannels << level
		if level == c.Depth {
			channels /= factor
		}
		x = Down(ctx.Inf("down%d", level), x, channels)
		if level < c.Depth {
			skips = append(skips, x)
		}
	}

	// Decoder.
	for level := c.Depth; level >= 1; level-- {
		channels := c.BaseChannels
		if level > 1 {
			channels = (c.BaseChannels << (level - 1)) / factor
		}
		x = Up(ctx.Inf("up%d", c.Depth-level+1), x, skips[level-1], channels, c.Bilinear)
	}

	logits := convolution(ctx.In("outc"), x, c.NClasses, 1, true)
	return Sigmoid(logits)
}

// DoubleConv applies (3x3 convolution -> batch normalization -> ReLU) twice.
// The first convolution outputs midChannels, the second outChannels.
func DoubleConv(ctx *context.Context, x *Node, outChannels, midChannels int) *Node {
	x = convolution(ctx.In("conv_1"), x, midChannels, 3, false)
	x = batchnorm.New(ctx.In("bn_1"), x, -1).Done()
	x = activations.Relu(x)
	x = convolution(ctx.In("conv_2"), x, outChannels, 3, false)
	x = batchnorm.New(ctx.In("bn_2"), x, -1).Done()
	return activations.Relu(x)
}

// Down halves the spatial dimensions with a 2x2 max-pool, then applies DoubleConv.
func Down(ctx *context.Context, x *Node, outChannels int) *Node {
	x = MaxPool(x).Window(2).Done()
	return DoubleConv(ctx, x, outChannels, outChannels)
}

// Up resizes x to the spatial dimensions of skip, concatenates [skip, x] on the channels axis, and
// applies DoubleConv.
//
// Resizing to the skip's dimensions (instead of doubling) handles odd sizes left by the max-pool.
func Up(ctx *context.Context, x, skip *Node, outChannels int, bilinear bool) *Node {
	height, width := skip.Shape().Dim(1), skip.Shape().Dim(2)
	interpolation := Interpolate(x, NoInterpolation, height, width, NoInterpolation)
	if bilinear {
		interpolation = interpolation.Bilinear().AlignCorner(true)
	} else {
		interpolation = interpolation.Nearest()
	}
	x = interpolation.Done()
	x = Concatenate([]*Node{skip, x}, -1)
	midChannels := outChannels
	if bilinear {
		midChannels = x.Shape().Dim(-1) / 2
	}
	return DoubleConv(ctx, x, outChannels, midChannels)
}
