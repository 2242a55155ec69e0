package main

import (
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/unet/pkg/checkpoint"
	"github.com/gomlx/unet/pkg/tracker"
	"github.com/gomlx/unet/pkg/trainer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListCheckpoints(t *testing.T) {
	dir := t.TempDir()
	listing, err := listCheckpoints(dir)
	require.NoError(t, err)
	assert.Contains(t, listing, "No checkpoints")

	ctx := context.New()
	ctx.In("unet").VariableWithValue("w", []float32{1, 2, 3})
	ctx.In("other").VariableWithValue("x", float32(7))
	for _, name := range []string{checkpoint.EpochName(1), checkpoint.EpochName(3), checkpoint.InterruptedName} {
		_, err = checkpoint.Save(ctx, dir, name)
		require.NoError(t, err)
	}
	listing, err = listCheckpoints(dir)
	require.NoError(t, err)
	assert.Contains(t, listing, "checkpoint_epoch_224x224_1")
	assert.Contains(t, listing, "checkpoint_epoch_224x224_3")
	assert.Contains(t, listing, checkpoint.InterruptedName)
	assert.Contains(t, listing, "224x224")

	summary, err := summarize(filepath.Join(dir, checkpoint.InterruptedName), "/unet")
	require.NoError(t, err)
	assert.Contains(t, summary, "/unet")
	assert.Regexp(t, `# variables\s*│?\s*1\b`, summary)
	assert.Regexp(t, `# parameters\s*│?\s*3\b`, summary)

	_, err = summarize(filepath.Join(dir, "missing"), "/unet")
	require.Error(t, err)
}

func TestListRuns(t *testing.T) {
	baseDir := t.TempDir()
	listing, err := listRuns(baseDir, "U-Net")
	require.NoError(t, err)
	assert.Contains(t, listing, "No runs")

	config := trainer.DefaultConfig()
	config.Epochs = 3
	run, err := tracker.Open(baseDir, "U-Net", config.TrackerConfig())
	require.NoError(t, err)
	require.NoError(t, run.Log(tracker.Metrics{trainer.TrainLossMetric: 0.75, tracker.StepKey: 1, tracker.EpochKey: 1}))
	require.NoError(t, run.Log(tracker.Metrics{trainer.TrainLossMetric: 0.5, tracker.StepKey: 2, tracker.EpochKey: 2}))
	require.NoError(t, run.Close())

	listing, err = listRuns(baseDir, "U-Net")
	require.NoError(t, err)
	assert.Contains(t, listing, run.ID())
	assert.Contains(t, listing, "2/3")
	assert.Contains(t, listing, "0.5000 (step 2)")
}
