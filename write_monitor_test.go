package statelink

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestWriteMonitor(t *testing.T) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := DefaultWriteMonitorSettings()
	settings.WindowSize = 4
	monitor := NewWriteMonitor(cancelCtx, settings)

	batchId := monitor.OpenWrite()
	time.Sleep(5 * time.Millisecond)
	monitor.CloseWrite(batchId, true)

	batchId = monitor.OpenWrite()
	monitor.CloseWrite(batchId, false)

	stats := monitor.Stats()
	assert.Equal(t, 1, stats.SuccessCount)
	assert.Equal(t, 1, stats.FailureCount)
	assert.Equal(t, 0, stats.TimeoutCount)
	assert.Equal(t, true, 0 < stats.MeanWriteTime)
	assert.Equal(t, true, stats.MeanWriteTime <= stats.MaxWriteTime)
	assert.Equal(t, true, 0 < monitor.MeanWriteTime())

	// closing an unknown batch changes nothing
	monitor.CloseWrite(NewId(), true)
	assert.Equal(t, 1, monitor.Stats().SuccessCount)
}

func TestWriteMonitorTimeout(t *testing.T) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := DefaultWriteMonitorSettings()
	settings.WriteTimeout = 20 * time.Millisecond
	monitor := NewWriteMonitor(cancelCtx, settings)

	batchId := monitor.OpenWrite()

	deadline := time.Now().Add(2 * time.Second)
	for monitor.Stats().TimeoutCount < 1 {
		if deadline.Before(time.Now()) {
			t.Fatal("write never timed out")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// a close after the timeout is a no-op
	monitor.CloseWrite(batchId, true)
	stats := monitor.Stats()
	assert.Equal(t, 1, stats.TimeoutCount)
	assert.Equal(t, 0, stats.SuccessCount)
}

func TestWriteMonitorWindow(t *testing.T) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := DefaultWriteMonitorSettings()
	settings.WindowSize = 2
	monitor := NewWriteMonitor(cancelCtx, settings)

	for i := 0; i < 5; i += 1 {
		batchId := monitor.OpenWrite()
		monitor.CloseWrite(batchId, true)
	}

	// counts are cumulative, the latency window is bounded
	stats := monitor.Stats()
	assert.Equal(t, 5, stats.SuccessCount)
	assert.Equal(t, true, stats.MeanWriteTime < time.Second)
}
