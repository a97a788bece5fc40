package statelink

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testChanges(node *testNode, n int) []*SubjectPropertyChange {
	changes := []*SubjectPropertyChange{}
	for i := 0; i < n; i += 1 {
		changes = append(changes, testChange(node, fmt.Sprintf("p%d", i), nil, i))
	}
	return changes
}

func TestWriteRetryQueueDropOldest(t *testing.T) {
	ctx := context.Background()

	settings := DefaultWriteRetryQueueSettings()
	settings.MaxSize = 4
	queue := NewWriteRetryQueue(settings)

	node := &testNode{}
	changes := testChanges(node, 6)
	queue.EnqueueBatch(changes[:3])
	assert.Equal(t, 3, queue.Size())
	assert.Equal(t, 0, queue.DroppedCount())

	queue.EnqueueBatch(changes[3:])
	assert.Equal(t, 4, queue.Size())
	assert.Equal(t, 2, queue.DroppedCount())

	// the two oldest were dropped, the rest flush in order
	source := NewMemorySource("test")
	flushed, err := queue.Flush(ctx, source)
	assert.Equal(t, err, nil)
	assert.Equal(t, true, flushed)
	assert.Equal(t, 0, queue.Size())
	// a fully successful flush resets the drop count
	assert.Equal(t, 0, queue.DroppedCount())

	writes := source.Writes()
	assert.Equal(t, 1, len(writes))
	assert.Equal(t, 4, len(writes[0]))
	for i, change := range writes[0] {
		assert.Equal(t, fmt.Sprintf("p%d", i+2), change.Ref.Name)
	}
}

func TestWriteRetryQueueFlushEmpty(t *testing.T) {
	ctx := context.Background()

	queue := NewWriteRetryQueueWithDefaults()
	source := NewMemorySource("test")

	flushed, err := queue.Flush(ctx, source)
	assert.Equal(t, err, nil)
	assert.Equal(t, true, flushed)
	assert.Equal(t, 0, len(source.Writes()))
}

func TestWriteRetryQueuePartialFailure(t *testing.T) {
	ctx := context.Background()

	queue := NewWriteRetryQueueWithDefaults()
	node := &testNode{}
	changes := testChanges(node, 6)
	queue.EnqueueBatch(changes)

	source := NewMemorySource("test")
	source.SetWriteBatchSize(2)
	source.SetWriteResult(func(batch []*SubjectPropertyChange) *WriteResult {
		for _, change := range batch {
			if change.Ref.Name == "p2" {
				return WriteFailure(errors.New("write failed"))
			}
		}
		return WriteSuccess()
	})

	flushed, err := queue.Flush(ctx, source)
	assert.Equal(t, err, nil)
	assert.Equal(t, false, flushed)

	// the first chunk landed, the failed subset is queued again in order
	assert.Equal(t, 4, queue.Size())
	assert.Equal(t, 1, len(source.Writes()))

	source.SetWriteResult(nil)
	flushed, err = queue.Flush(ctx, source)
	assert.Equal(t, err, nil)
	assert.Equal(t, true, flushed)
	assert.Equal(t, 0, queue.Size())

	delivered := []string{}
	for _, batch := range source.Writes() {
		for _, change := range batch {
			delivered = append(delivered, change.Ref.Name)
		}
	}
	assert.Equal(t, []string{"p0", "p1", "p2", "p3", "p4", "p5"}, delivered)
}

func TestWriteRetryQueueCancellation(t *testing.T) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	cancel()

	queue := NewWriteRetryQueueWithDefaults()
	node := &testNode{}
	queue.EnqueueBatch(testChanges(node, 3))

	source := NewMemorySource("test")
	flushed, err := queue.Flush(cancelCtx, source)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, false, flushed)

	// nothing is lost on cancellation
	assert.Equal(t, 3, queue.Size())
}

func TestWriteRetryQueueSingleFlight(t *testing.T) {
	ctx := context.Background()

	queue := NewWriteRetryQueueWithDefaults()
	node := &testNode{}
	queue.EnqueueBatch(testChanges(node, 2))

	blockWrite := make(chan struct{})
	writing := make(chan struct{})
	source := NewMemorySource("test")
	source.SetWriteResult(func(batch []*SubjectPropertyChange) *WriteResult {
		close(writing)
		<-blockWrite
		return WriteSuccess()
	})

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		flushed, err := queue.Flush(ctx, source)
		assert.Equal(t, err, nil)
		assert.Equal(t, true, flushed)
	}()

	select {
	case <-writing:
	case <-time.After(time.Second):
		t.Fatal("first flush never started writing")
	}

	// a concurrent flush does not wait for the one in progress
	flushed, err := queue.Flush(ctx, source)
	assert.Equal(t, err, nil)
	assert.Equal(t, false, flushed)

	close(blockWrite)
	select {
	case <-firstDone:
	case <-time.After(time.Second):
		t.Fatal("first flush never completed")
	}
	assert.Equal(t, 0, queue.Size())
}
