package unet

import (
	"fmt"
	"math"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tinyNet is small enough to build and execute quickly on CPU.
func tinyNet(nChannels, nClasses int, bilinear bool) *Config {
	net := New(nChannels, nClasses)
	net.BaseChannels = 4
	net.Depth = 2
	net.Bilinear = bilinear
	return net
}

func TestBuild(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, bilinear := range []bool{true, false} {
		t.Run(fmt.Sprintf("bilinear=%v", bilinear), func(t *testing.T) {
			ctx := context.New()
			net := tinyNet(3, 2, bilinear)
			// Odd sizes exercise resizing the up-sampled features to the skip connection size.
			output := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
				images := IotaFull(g, shapes.Make(dtypes.Float32, 2, 9, 7, 3))
				images = DivScalar(images, float64(2*9*7*3))
				return net.Build(ctx, images)
			})
			require.NoError(t, output.Shape().Check(dtypes.Float32, 2, 9, 7, 2))
			for _, p := range tensors.MustCopyFlatData[float32](output) {
				require.True(t, p >= 0 && p <= 1, "probability out of range: %g", p)
			}

			// Variables are created under the unet scope, with 1x1 output convolution with biases.
			outWeights := ctx.InspectVariable("/unet/outc/conv", "weights")
			require.NotNil(t, outWeights)
			require.NoError(t, outWeights.Shape().Check(dtypes.Float32, 1, 1, 4, 2))
			require.NotNil(t, ctx.InspectVariable("/unet/outc/conv", "biases"))
			require.Nil(t, ctx.InspectVariable("/unet/inc/conv_1/conv", "biases"))
		})
	}
}

func TestBuild_ChannelMismatch(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	net := tinyNet(3, 2, true)
	require.Panics(t, func() {
		_ = context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			return net.Build(ctx, Ones(g, shapes.Make(dtypes.Float32, 1, 8, 8, 4)))
		})
	})
}

func TestBuild_AMP(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetParam(ParamAMP, true)
	net := tinyNet(3, 1, true)
	output := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		return net.Build(ctx, OnesLike(Ones(g, shapes.Make(dtypes.Float32, 1, 8, 8, 3))))
	})
	require.NoError(t, output.Shape().Check(dtypes.Float32, 1, 8, 8, 1))

	// Master weights stay in float32.
	weights := ctx.InspectVariable("/unet/inc/conv_1/conv", "weights")
	require.NotNil(t, weights)
	assert.Equal(t, dtypes.Float32, weights.Shape().DType)
}

func TestConfig(t *testing.T) {
	ctx := context.New()
	ctx.SetParam(ParamBaseChannels, 16)
	ctx.SetParam(ParamDepth, 3)
	net := New(3, 2).FromContext(ctx)
	assert.Equal(t, 16, net.BaseChannels)
	assert.Equal(t, 3, net.Depth)
	assert.True(t, net.Bilinear)
	assert.Contains(t, net.String(), "3 input channels")
	assert.Contains(t, net.String(), "2 output channels (classes)")
	assert.Contains(t, net.String(), "Bilinear upscaling")
}

func TestBCELoss(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	bce := func(labels, predictions []float32) float64 {
		loss, err := ExecOnce(backend, func(labels, predictions *Node) *Node {
			return BCELoss([]*Node{labels}, []*Node{predictions})
		}, labels, predictions)
		require.NoError(t, err)
		return float64(tensors.ToScalar[float32](loss))
	}

	assert.InDelta(t, math.Ln2, bce([]float32{1, 0}, []float32{0.5, 0.5}), 1e-5)
	assert.InDelta(t, 0.0, bce([]float32{1, 0}, []float32{1, 0}), 1e-5)
	// Predictions of exactly 0 or 1 on the wrong label cost -MinLogValue each.
	wrong := bce([]float32{1, 0}, []float32{0, 1})
	assert.False(t, math.IsInf(wrong, 0) || math.IsNaN(wrong))
	assert.InDelta(t, 100.0, wrong, 1e-3)
	assert.InDelta(t, 50.0, bce([]float32{1, 1}, []float32{0, 1}), 1e-3)
	// Tiny probabilities above the clamp keep their log.
	assert.InDelta(t, -math.Log(1e-30), bce([]float32{1}, []float32{1e-30}), 1e-2)
	// Soft targets.
	want := -(0.25*math.Log(0.8) + 0.75*math.Log(0.2))
	assert.InDelta(t, want, bce([]float32{0.25}, []float32{0.8}), 1e-5)

	// Gradients at the saturated predictions are finite.
	grad, err := ExecOnce(backend, func(labels, predictions *Node) *Node {
		loss := BCELoss([]*Node{labels}, []*Node{predictions})
		return Gradient(loss, predictions)[0]
	}, []float32{1, 0, 1}, []float32{0, 1, 0.5})
	require.NoError(t, err)
	for _, g := range tensors.MustCopyFlatData[float32](grad) {
		assert.False(t, math.IsInf(float64(g), 0) || math.IsNaN(float64(g)), "gradient %v", g)
	}
}
