package trainer

import (
	stdcontext "context"
	"io"
	"math"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/unet/pkg/checkpoint"
	"github.com/gomlx/unet/pkg/tracker"
	"github.com/gomlx/unet/pkg/unet"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDataset yields numSamples constant images of the given number of channels, in batches.
type fakeDataset struct {
	numSamples, batchSize, channels int
	next                            int
}

func (ds *fakeDataset) Name() string { return "fake" }
func (ds *fakeDataset) Reset()       { ds.next = 0 }

func (ds *fakeDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	if ds.next >= ds.numSamples {
		return nil, nil, nil, io.EOF
	}
	const height, width = 8, 8
	batchSize := min(ds.batchSize, ds.numSamples-ds.next)
	ds.next += batchSize
	images := make([]float32, batchSize*height*width*ds.channels)
	for ii := range images {
		images[ii] = float32(ii%7) / 7
	}
	masks := make([]float32, batchSize*height*width)
	for ii := range masks {
		if (ii/width)%2 == 0 {
			masks[ii] = 1
		}
	}
	inputs = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(images, batchSize, height, width, ds.channels)}
	labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(masks, batchSize, height, width, 1)}
	return
}

// cancellingDataset cancels the run when yielding its cancelAt-th batch (1-based), still returning the batch.
type cancellingDataset struct {
	fakeDataset
	cancel   func()
	cancelAt int
	yields   int
}

func (ds *cancellingDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	ds.yields++
	if ds.yields == ds.cancelAt {
		ds.cancel()
	}
	return ds.fakeDataset.Yield()
}

func tinyLoop(t *testing.T, config Config, tr tracker.Tracker) (*Loop, *context.Context) {
	t.Helper()
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	net := unet.New(3, 1)
	net.BaseChannels = 4
	net.Depth = 2
	loop, err := New(backend, ctx, net, config, tr)
	require.NoError(t, err)
	return loop, ctx
}

func testConfig(t *testing.T, epochs int) Config {
	config := DefaultConfig()
	config.Epochs = epochs
	config.BatchSize = 2
	config.LearningRate = 1e-3
	config.CheckpointDir = t.TempDir()
	return config
}

func TestState(t *testing.T) {
	assert.Equal(t, "Idle", Idle.String())
	assert.Equal(t, "CheckpointWrite", CheckpointWrite.String())
	assert.Equal(t, "Interrupted", Interrupted.String())
	assert.Equal(t, "State(17)", State(17).String())
}

func TestNew_Errors(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	net := unet.New(3, 1)

	config := DefaultConfig()
	config.BatchSize = 0
	_, err := New(backend, context.New(), net, config, tracker.NewMemory())
	require.Error(t, err)

	config = DefaultConfig()
	config.NChannels = 1
	_, err = New(backend, context.New(), net, config, tracker.NewMemory())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrChannelMismatch))

	_, err = New(backend, context.New(), net, DefaultConfig(), nil)
	require.Error(t, err)
}

func TestRun(t *testing.T) {
	mem := tracker.NewMemory()
	config := testConfig(t, 3)
	loop, ctx := tinyLoop(t, config, mem)

	var hookOrder []string
	var hookEpochs []int
	loop.OnEpochEnd("second", 10, func(loop *Loop, epoch int) error {
		hookOrder = append(hookOrder, "second")
		return nil
	})
	loop.OnEpochEnd("first", -1, func(loop *Loop, epoch int) error {
		hookOrder = append(hookOrder, "first")
		hookEpochs = append(hookEpochs, epoch)
		assert.Equal(t, epoch+1, loop.GlobalStep())
		return nil
	})

	// 5 samples in batches of 2: 3 batches per epoch.
	ds := &fakeDataset{numSamples: 5, batchSize: 2, channels: 3}
	summary, err := loop.Run(stdcontext.Background(), ds, 5)
	require.NoError(t, err)
	assert.Equal(t, Done, loop.State())
	assert.Equal(t, 3, summary.Epochs)
	assert.Equal(t, 3, summary.GlobalStep)
	assert.Equal(t, 15, summary.ImagesSeen)
	assert.Equal(t, []int{0, 1, 2}, hookEpochs)
	assert.Equal(t, []string{"first", "second", "first", "second", "first", "second"}, hookOrder)

	// 3 optimizer steps per epoch.
	assert.Equal(t, int64(9), optimizers.GetGlobalStep(ctx))

	logs := mem.Logs()
	require.Len(t, logs, 3)
	for ii, entry := range logs {
		assert.Equal(t, float64(ii+1), entry[tracker.StepKey])
		assert.Equal(t, float64(ii), entry[tracker.EpochKey])
		loss := entry[TrainLossMetric]
		assert.False(t, math.IsNaN(loss) || math.IsInf(loss, 0))
		assert.Greater(t, loss, 0.0)
	}
	assert.Equal(t, logs[2][TrainLossMetric], summary.LastLoss)

	// Checkpoints only on even epoch indices: epochs 1 and 3.
	infos, err := checkpoint.List(config.CheckpointDir)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, 1, infos[0].Epoch)
	assert.Equal(t, 3, infos[1].Epoch)
}

func TestRun_EpochLoss(t *testing.T) {
	mem := tracker.NewMemory()
	config := testConfig(t, 2)
	config.SaveCheckpoint = false
	loop, _ := tinyLoop(t, config, mem)

	batchLosses := make([][]float64, config.Epochs)
	var batchSizes []int
	loop.OnBatchEnd("record", 0, func(loop *Loop, epoch int, loss float64, batchSize int) error {
		batchLosses[epoch] = append(batchLosses[epoch], loss)
		batchSizes = append(batchSizes, batchSize)
		return nil
	})

	// 5 samples in batches of 2: 3 batches, the last one partial.
	_, err := loop.Run(stdcontext.Background(), &fakeDataset{numSamples: 5, batchSize: 2, channels: 3}, 5)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 1, 2, 2, 1}, batchSizes)

	logs := mem.Logs()
	require.Len(t, logs, 2)
	for epoch, losses := range batchLosses {
		require.Len(t, losses, 3)
		var sum float64
		for _, loss := range losses {
			sum += loss
		}
		// The sum of the batch losses is divided by floor(5/2)=2, not by the 3 batches nor the 5 samples.
		logged := logs[epoch][TrainLossMetric]
		assert.InDelta(t, sum/2, logged, 1e-9)
		assert.NotEqual(t, sum/3, logged)
		assert.NotEqual(t, sum/5, logged)
	}
}

func TestRun_NoCheckpoints(t *testing.T) {
	config := testConfig(t, 1)
	config.SaveCheckpoint = false
	loop, _ := tinyLoop(t, config, tracker.NewMemory())
	_, err := loop.Run(stdcontext.Background(), &fakeDataset{numSamples: 2, batchSize: 2, channels: 3}, 2)
	require.NoError(t, err)
	infos, err := checkpoint.List(config.CheckpointDir)
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestRun_ChannelMismatch(t *testing.T) {
	mem := tracker.NewMemory()
	loop, ctx := tinyLoop(t, testConfig(t, 2), mem)
	_, err := loop.Run(stdcontext.Background(), &fakeDataset{numSamples: 4, batchSize: 2, channels: 4}, 4)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrChannelMismatch))
	assert.Contains(t, err.Error(), "3 input channels")

	// No training step was taken, and nothing was logged.
	assert.Equal(t, int64(0), optimizers.GetGlobalStep(ctx))
	assert.Empty(t, mem.Logs())
}

func TestRun_Interrupted(t *testing.T) {
	mem := tracker.NewMemory()
	config := testConfig(t, 5)
	config.SaveCheckpoint = false
	loop, _ := tinyLoop(t, config, mem)

	runCtx, cancel := stdcontext.WithCancel(stdcontext.Background())
	defer cancel()
	loop.OnEpochEnd("interrupt", 0, func(loop *Loop, epoch int) error {
		cancel()
		return nil
	})
	summary, err := loop.Run(runCtx, &fakeDataset{numSamples: 4, batchSize: 2, channels: 3}, 4)
	require.ErrorIs(t, err, ErrInterrupted)
	assert.Equal(t, Interrupted, loop.State())
	assert.Equal(t, 1, summary.Epochs)
	assert.Len(t, mem.Logs(), 1)

	infos, err := checkpoint.List(config.CheckpointDir)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.True(t, infos[0].Interrupted)
	assert.Equal(t, checkpoint.InterruptedName, infos[0].Name)
}

func TestRun_InterruptedMidEpoch(t *testing.T) {
	mem := tracker.NewMemory()
	config := testConfig(t, 3)
	loop, _ := tinyLoop(t, config, mem)
	var trainedBatches int
	loop.OnBatchEnd("count", 0, func(loop *Loop, epoch int, loss float64, batchSize int) error {
		trainedBatches++
		return nil
	})

	runCtx, cancel := stdcontext.WithCancel(stdcontext.Background())
	defer cancel()
	ds := &cancellingDataset{
		fakeDataset: fakeDataset{numSamples: 6, batchSize: 2, channels: 3},
		cancel:      cancel,
		cancelAt:    2,
	}
	summary, err := loop.Run(runCtx, ds, 6)
	require.ErrorIs(t, err, ErrInterrupted)
	assert.Equal(t, Interrupted, loop.State())

	// The batch yielded when cancelling is still trained, and the epoch stops before the 3rd one.
	assert.Equal(t, 2, trainedBatches)
	assert.Equal(t, 4, summary.ImagesSeen)
	assert.Equal(t, 0, summary.Epochs)
	assert.Empty(t, mem.Logs())

	// Only the interrupted checkpoint: the first epoch never finished.
	infos, err := checkpoint.List(config.CheckpointDir)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.True(t, infos[0].Interrupted)
	assert.Equal(t, checkpoint.InterruptedName, infos[0].Name)
}

func TestRun_BatchHookError(t *testing.T) {
	mem := tracker.NewMemory()
	loop, _ := tinyLoop(t, testConfig(t, 2), mem)
	loop.OnBatchEnd("failing", 0, func(loop *Loop, epoch int, loss float64, batchSize int) error {
		return errors.New("boom")
	})
	_, err := loop.Run(stdcontext.Background(), &fakeDataset{numSamples: 4, batchSize: 2, channels: 3}, 4)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failing")
	assert.Empty(t, mem.Logs())
}

func TestRun_HookError(t *testing.T) {
	loop, _ := tinyLoop(t, testConfig(t, 2), tracker.NewMemory())
	loop.OnEpochEnd("failing", 0, func(loop *Loop, epoch int) error {
		return errors.New("boom")
	})
	_, err := loop.Run(stdcontext.Background(), &fakeDataset{numSamples: 2, batchSize: 2, channels: 3}, 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failing")
	assert.Contains(t, err.Error(), "boom")
}
