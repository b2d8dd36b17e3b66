package settlement

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTask_RunOnceIsNotReentrant(t *testing.T) {
	var task *Task
	var nested bool
	runs := 0
	task = NewTask("t", time.Hour, func(ctx context.Context) {
		runs++
		nested = task.RunOnce(ctx)
	}, zap.NewNop())

	assert.True(t, task.RunOnce(context.Background()))
	assert.False(t, nested)
	assert.Equal(t, 1, runs)
}

func TestTask_TriggerRunsLoop(t *testing.T) {
	var runs atomic.Int32
	task := NewTask("t", time.Hour, func(context.Context) { runs.Add(1) }, zap.NewNop())

	require.True(t, task.Start(context.Background()))
	assert.False(t, task.Start(context.Background()), "already running")

	task.Trigger()
	assert.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)

	task.Stop()
	assert.False(t, task.Running())
	task.Stop()
}

func TestTask_StopWaitsForRun(t *testing.T) {
	started := make(chan struct{})
	var finished atomic.Bool
	task := NewTask("t", time.Hour, func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		finished.Store(true)
	}, zap.NewNop())

	task.Start(context.Background())
	task.Trigger()
	<-started
	task.Stop()
	assert.True(t, finished.Load())
}
