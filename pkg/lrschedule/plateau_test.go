package lrschedule

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lrVariable(ctx *context.Context) float32 {
	return tensors.ToScalar[float32](optimizers.LearningRateVar(ctx, dtypes.Float32, -1).MustValue())
}

func TestPlateau_Max(t *testing.T) {
	ctx := context.New()
	p := NewPlateau(ctx, dtypes.Float32, 1e-3)

	steps := []struct {
		metric  float64
		changed bool
		lr      float64
	}{
		{0.5, false, 1e-3},
		{0.6, false, 1e-3},     // Improvement.
		{0.60001, false, 1e-3}, // Below the relative threshold: 1 bad step.
		{0.55, false, 1e-3},    // 2 bad steps: still within patience.
		{0.59, true, 1e-4},     // 3 bad steps: reduce.
		{0.58, false, 1e-4},
		{0.7, false, 1e-4},
	}
	for ii, step := range steps {
		changed, err := p.Step(step.metric)
		require.NoError(t, err)
		assert.Equal(t, step.changed, changed, "step #%d", ii)
		assert.InDelta(t, step.lr, p.LearningRate(), 1e-12, "step #%d", ii)
	}
	assert.Equal(t, 0.7, p.Best())
	assert.InDelta(t, 1e-4, lrVariable(ctx), 1e-9)
}

func TestPlateau_MinWithCooldownAndBound(t *testing.T) {
	ctx := context.New()
	p := NewPlateau(ctx, dtypes.Float32, 1.0).
		Mode(Min).
		Patience(0).
		Cooldown(1).
		Factor(0.5).
		MinLearningRate(0.3)

	changed, err := p.Step(10)
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = p.Step(11)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 0.5, p.LearningRate())

	// Cooldown step.
	changed, err = p.Step(12)
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = p.Step(12)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 0.3, p.LearningRate(), "bounded by the minimum learning rate")

	// Already at the minimum.
	for range 3 {
		changed, err = p.Step(13)
		require.NoError(t, err)
		assert.False(t, changed)
	}
	assert.InDelta(t, 0.3, lrVariable(ctx), 1e-7)
}

func TestPlateau_FromContext(t *testing.T) {
	ctx := context.New()
	ctx.SetParam(ParamPlateauFactor, 0.5)
	ctx.SetParam(ParamPlateauPatience, 0)
	p := NewPlateau(ctx, dtypes.Float32, 1.0).FromContext()
	_, err := p.Step(1)
	require.NoError(t, err)
	changed, err := p.Step(0.5)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 0.5, p.LearningRate())

	_, err = NewPlateau(ctx, dtypes.Float32, 1.0).Factor(1.5).Step(1)
	require.Error(t, err)
}
