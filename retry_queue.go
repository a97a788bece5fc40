package statelink

import (
	"context"
	"sync"

	"github.com/golang/glog"
)

type WriteRetryQueueSettings struct {
	// maximum buffered changes. When exceeded, the oldest entries are
	// dropped: under sustained backpressure, newest state matters more.
	MaxSize int
}

func DefaultWriteRetryQueueSettings() *WriteRetryQueueSettings {
	return &WriteRetryQueueSettings{
		MaxSize: 4096,
	}
}

// bounded ring buffer of outbound writes that failed transiently, so that
// temporary source unavailability does not lose changes while memory use
// stays bounded. Retry buffering is in-memory and best-effort, not durable.
type WriteRetryQueue struct {
	settings *WriteRetryQueueSettings

	stateLock    sync.Mutex
	buffer       []*SubjectPropertyChange
	head         int
	size         int
	droppedCount int

	// single-flight: one flush attempt at a time. Producers never touch it.
	flushLock sync.Mutex
}

func NewWriteRetryQueueWithDefaults() *WriteRetryQueue {
	return NewWriteRetryQueue(DefaultWriteRetryQueueSettings())
}

func NewWriteRetryQueue(settings *WriteRetryQueueSettings) *WriteRetryQueue {
	return &WriteRetryQueue{
		settings: settings,
		buffer:   make([]*SubjectPropertyChange, settings.MaxSize),
	}
}

// appends failed changes, dropping the oldest entries once over capacity
func (self *WriteRetryQueue) EnqueueBatch(changes []*SubjectPropertyChange) {
	if len(changes) == 0 {
		return
	}

	self.stateLock.Lock()
	dropped := 0
	for _, change := range changes {
		if self.size == len(self.buffer) {
			// drop the oldest
			self.buffer[self.head] = nil
			self.head = (self.head + 1) % len(self.buffer)
			self.size -= 1
			dropped += 1
		}
		self.buffer[(self.head+self.size)%len(self.buffer)] = change
		self.size += 1
	}
	self.droppedCount += dropped
	droppedCount := self.droppedCount
	self.stateLock.Unlock()

	if 0 < dropped {
		glog.Warningf("[retryq]dropped %d oldest changes (%d total)\n", dropped, droppedCount)
	}
}

func (self *WriteRetryQueue) Size() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.size
}

func (self *WriteRetryQueue) DroppedCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.droppedCount
}

func (self *WriteRetryQueue) drain() []*SubjectPropertyChange {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	drained := make([]*SubjectPropertyChange, 0, self.size)
	for i := 0; i < self.size; i += 1 {
		j := (self.head + i) % len(self.buffer)
		drained = append(drained, self.buffer[j])
		self.buffer[j] = nil
	}
	self.head = 0
	self.size = 0
	return drained
}

// attempts to write everything queued as one logical batch.
//
// `flushed` is true when the queue is empty on return: either there was
// nothing to do or the whole batch succeeded. A concurrent flush already in
// progress returns (false, nil) without waiting; the queue is treated as
// still dirty. On partial failure only the still-failing subset is
// re-enqueued. The returned error is reserved for cancellation; the whole
// drained batch is re-enqueued for a later attempt first.
func (self *WriteRetryQueue) Flush(ctx context.Context, source SubjectSource) (flushed bool, err error) {
	if !self.flushLock.TryLock() {
		return false, nil
	}
	defer self.flushLock.Unlock()

	drained := self.drain()
	if len(drained) == 0 {
		return true, nil
	}

	result, err := writeChangesInBatches(ctx, source, drained)
	if err != nil {
		self.EnqueueBatch(drained)
		return false, err
	}
	if result.Success() {
		self.stateLock.Lock()
		self.droppedCount = 0
		self.stateLock.Unlock()
		glog.V(1).Infof("[retryq]flushed %d changes\n", len(drained))
		return true, nil
	}

	remaining := result.Remaining()
	if remaining == nil {
		remaining = drained
	}
	self.EnqueueBatch(remaining)
	glog.V(1).Infof("[retryq]flush kept %d/%d changes (err = %s)\n", len(remaining), len(drained), result.Err())
	return false, nil
}
