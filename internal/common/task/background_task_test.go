package task

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackgroundTaskManager_RunsUntilStopped(t *testing.T) {
	m := NewBackgroundTaskManager("test_runs_until_stopped_")
	var count int32
	m.Register(func(ctx context.Context) {
		atomic.AddInt32(&count, 1)
	}, 5*time.Millisecond, "counter")

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&count) >= 3 }, time.Second, time.Millisecond)

	timedOut := m.StopAll(time.Second)
	assert.False(t, timedOut)

	stoppedAt := atomic.LoadInt32(&count)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, stoppedAt, atomic.LoadInt32(&count))
}

func TestBackgroundTaskManager_SurvivesPanics(t *testing.T) {
	m := NewBackgroundTaskManager("test_survives_panics_")
	var count int32
	m.Register(func(ctx context.Context) {
		if atomic.AddInt32(&count, 1) == 1 {
			panic("first iteration fails")
		}
	}, 5*time.Millisecond, "panicking")

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&count) >= 2 }, time.Second, time.Millisecond)
	assert.False(t, m.StopAll(time.Second))
}

func TestBackgroundTaskManager_StopCancelsContext(t *testing.T) {
	m := NewBackgroundTaskManager("test_stop_cancels_context_")
	started := make(chan struct{})
	m.Register(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	}, time.Hour, "blocking")

	<-started
	assert.False(t, m.StopAll(time.Second))
}

func TestBackgroundTaskManager_StopTimesOut(t *testing.T) {
	m := NewBackgroundTaskManager("test_stop_times_out_")
	started := make(chan struct{})
	release := make(chan struct{})
	m.Register(func(ctx context.Context) {
		close(started)
		<-release
	}, time.Hour, "stuck")

	<-started
	assert.True(t, m.StopAll(10*time.Millisecond))
	close(release)
}
