package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoff_CeilingDoublesUpToMax(t *testing.T) {
	b := Backoff{Initial: 100 * time.Millisecond, Max: time.Second}

	assert.Equal(t, 100*time.Millisecond, b.Ceiling(1))
	assert.Equal(t, 200*time.Millisecond, b.Ceiling(2))
	assert.Equal(t, 400*time.Millisecond, b.Ceiling(3))
	assert.Equal(t, 800*time.Millisecond, b.Ceiling(4))
	assert.Equal(t, time.Second, b.Ceiling(5))
	assert.Equal(t, time.Second, b.Ceiling(60))
}

func TestBackoff_DelayStaysWithinCeiling(t *testing.T) {
	b := Backoff{Initial: 10 * time.Millisecond, Max: 80 * time.Millisecond}
	for attempt := 1; attempt <= 8; attempt++ {
		for i := 0; i < 50; i++ {
			d := b.Delay(attempt)
			assert.GreaterOrEqual(t, d, time.Duration(0))
			assert.LessOrEqual(t, d, b.Ceiling(attempt))
		}
	}
}

func TestBackoff_ZeroInitialNeverWaits(t *testing.T) {
	assert.Zero(t, Backoff{}.Delay(3))
	assert.Zero(t, Backoff{Max: time.Second}.Ceiling(2))
}

func TestSleep_HonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	require.ErrorIs(t, Sleep(ctx, 0), context.Canceled)
	require.NoError(t, Sleep(context.Background(), time.Millisecond))
}
