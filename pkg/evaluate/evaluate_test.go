package evaluate

import (
	stdcontext "context"
	"io"
	"strings"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/unet/pkg/tracker"
	"github.com/gomlx/unet/pkg/trainer"
	"github.com/gomlx/unet/pkg/unet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiceScoreGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	t.Run("one class", func(t *testing.T) {
		score := context.MustExecOnce(backend, context.New(), func(ctx *context.Context, g *Graph) *Node {
			// Example 0: 1 of 2 predicted pixels is right. Example 1: empty prediction of empty mask.
			predictions := Const(g, [][][][]float32{
				{{{0.9}, {0.2}}, {{0.7}, {0.1}}},
				{{{0.1}, {0.2}}, {{0.3}, {0.4}}},
			})
			labels := Const(g, [][][][]float32{
				{{{1}, {0}}, {{0}, {0}}},
				{{{0}, {0}}, {{0}, {0}}},
			})
			return DiceScoreGraph(ctx, []*Node{labels}, []*Node{predictions})
		})
		assert.InDelta(t, (2.0/3.0+1.0)/2.0, tensors.ToScalar[float32](score), 1e-5)
	})

	t.Run("multi-class excludes background", func(t *testing.T) {
		score := context.MustExecOnce(backend, context.New(), func(ctx *context.Context, g *Graph) *Node {
			predictions := Const(g, [][][][]float32{{{{0.1, 0.8, 0.1}, {0.2, 0.3, 0.5}}}})
			labels := Const(g, [][][][]float32{{{{0, 1, 0}, {0, 1, 0}}}})
			return DiceScoreGraph(ctx, []*Node{labels}, []*Node{predictions})
		})
		// Class 1: 2/3. Class 2: nothing to find, but one pixel predicted: ~0.
		assert.InDelta(t, 1.0/3.0, tensors.ToScalar[float32](score), 1e-5)
	})

	t.Run("perfect", func(t *testing.T) {
		score := context.MustExecOnce(backend, context.New(), func(ctx *context.Context, g *Graph) *Node {
			predictions := Const(g, [][][][]float32{{{{0.3, 0.7}, {0.6, 0.4}}}})
			labels := Const(g, [][][][]float32{{{{0, 1}, {1, 0}}}})
			return DiceScoreGraph(ctx, []*Node{labels}, []*Node{predictions})
		})
		assert.InDelta(t, 1.0, tensors.ToScalar[float32](score), 1e-5)
	})

	t.Run("shape mismatch", func(t *testing.T) {
		require.Panics(t, func() {
			_ = context.MustExecOnce(backend, context.New(), func(ctx *context.Context, g *Graph) *Node {
				predictions := Const(g, [][][][]float32{{{{0.3, 0.7}}}})
				labels := Const(g, [][][][]float32{{{{1}}}})
				return DiceScoreGraph(ctx, []*Node{labels}, []*Node{predictions})
			})
		})
	})
}

// constDataset yields numBatches batches of 2 images 8x8x3 with a striped mask.
type constDataset struct {
	numBatches, next int
}

func (ds *constDataset) Name() string { return "const" }
func (ds *constDataset) Reset()       { ds.next = 0 }

func (ds *constDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	if ds.next >= ds.numBatches {
		return nil, nil, nil, io.EOF
	}
	ds.next++
	const batchSize, size, channels = 2, 8, 3
	images := make([]float32, batchSize*size*size*channels)
	for ii := range images {
		images[ii] = float32(ii%5) / 5
	}
	masks := make([]float32, batchSize*size*size)
	for ii := range masks {
		masks[ii] = float32((ii / size) % 2)
	}
	inputs = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(images, batchSize, size, size, channels)}
	labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(masks, batchSize, size, size, 1)}
	return
}

func tinyLoop(t *testing.T, mem tracker.Tracker, opts ...trainer.Option) *trainer.Loop {
	t.Helper()
	net := unet.New(3, 1)
	net.BaseChannels = 4
	net.Depth = 2
	config := trainer.DefaultConfig()
	config.Epochs = 2
	config.BatchSize = 2
	config.SaveCheckpoint = false
	loop, err := trainer.New(graphtest.BuildTestBackend(), context.New(), net, config, mem, opts...)
	require.NoError(t, err)
	return loop
}

func TestHook(t *testing.T) {
	mem := tracker.NewMemory()
	loop := tinyLoop(t, mem, trainer.WithEvalMetrics(NewDiceMetric()))
	hook, err := NewHook(1, &constDataset{numBatches: 2})
	require.NoError(t, err)
	hook.Attach(loop)

	_, err = loop.Run(stdcontext.Background(), &constDataset{numBatches: 2}, 4)
	require.NoError(t, err)

	// Per epoch: the train loss, then the evaluation.
	logs := mem.Logs()
	require.Len(t, logs, 4)
	for epoch := range 2 {
		assert.Contains(t, logs[2*epoch], trainer.TrainLossMetric)
		evalLog := logs[2*epoch+1]
		score := evalLog[ValidationScoreMetric]
		assert.GreaterOrEqual(t, score, 0.0)
		assert.LessOrEqual(t, score, 1.0)
		assert.InDelta(t, 1e-5, evalLog[LearningRateMetric], 1e-12)
		assert.Equal(t, float64(epoch+1), evalLog[tracker.StepKey])
		assert.Equal(t, float64(epoch), evalLog[tracker.EpochKey])
	}

	histograms := mem.Histograms()
	require.NotEmpty(t, histograms)
	for _, record := range histograms {
		assert.True(t, strings.HasPrefix(record.Name, "Weights/unet/"), "histogram name %q", record.Name)
		assert.Greater(t, record.Count, 0)
	}
	assert.Equal(t, 1, histograms[0].Step)
	assert.Equal(t, 2, histograms[len(histograms)-1].Step)
}

func TestHook_Every(t *testing.T) {
	mem := tracker.NewMemory()
	loop := tinyLoop(t, mem, trainer.WithEvalMetrics(NewDiceMetric()))
	hook, err := NewHook(2, &constDataset{numBatches: 1})
	require.NoError(t, err)
	hook.WithHistograms(false).Attach(loop)
	_, err = loop.Run(stdcontext.Background(), &constDataset{numBatches: 1}, 2)
	require.NoError(t, err)

	// Only epoch index 0 is evaluated, like the checkpoints.
	logs := mem.Logs()
	require.Len(t, logs, 3)
	assert.Contains(t, logs[0], trainer.TrainLossMetric)
	assert.Contains(t, logs[1], ValidationScoreMetric)
	assert.Equal(t, 0.0, logs[1][tracker.EpochKey])
	assert.Contains(t, logs[2], trainer.TrainLossMetric)
	assert.NotContains(t, logs[2], ValidationScoreMetric)
	assert.Empty(t, mem.Histograms())
}

func TestEvaluate_MissingMetric(t *testing.T) {
	loop := tinyLoop(t, tracker.NewMemory())
	_, err := Evaluate(loop.Trainer(), &constDataset{numBatches: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), MetricName)
}

func TestNewHook_Errors(t *testing.T) {
	_, err := NewHook(0, &constDataset{})
	require.Error(t, err)
	_, err = NewHook(1, nil)
	require.Error(t, err)
}
