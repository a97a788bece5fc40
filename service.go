package statelink

import (
	"context"
	"time"

	"github.com/golang/glog"
)

type SyncServiceSettings struct {
	// minimum spacing between connection attempts
	ReconnectTimeout time.Duration

	ChangeQueueSettings  *ChangeQueueProcessorSettings
	RetryQueueSettings   *WriteRetryQueueSettings
	WriteMonitorSettings *WriteMonitorSettings
}

func DefaultSyncServiceSettings() *SyncServiceSettings {
	return &SyncServiceSettings{
		ReconnectTimeout:     5 * time.Second,
		ChangeQueueSettings:  DefaultChangeQueueProcessorSettings(),
		RetryQueueSettings:   DefaultWriteRetryQueueSettings(),
		WriteMonitorSettings: DefaultWriteMonitorSettings(),
	}
}

// binds one graph to one source and keeps them synchronized for the life of
// the service, reconnecting with spaced attempts when the connection drops.
//
// the outbound pipeline (change queue, retry queue, write monitor) lives for
// the whole service, so changes made during an outage flow into the retry
// queue and are flushed after the next successful initialization. The inbound
// pipeline (ownership tracker, applier, buffering writer) is rebuilt per
// connection.
type SyncService struct {
	ctx    context.Context
	cancel context.CancelFunc

	graph   GraphModel
	factory *SubjectFactory
	source  SubjectSource

	settings *SyncServiceSettings

	registry       *SubjectRegistry[any]
	ownershipTable *OwnershipTable
	retryQueue     *WriteRetryQueue
	monitor        *WriteMonitor
	processor      *ChangeQueueProcessor

	unsubChange func()

	done chan struct{}
}

func NewSyncServiceWithDefaults(
	ctx context.Context,
	graph GraphModel,
	factory *SubjectFactory,
	source SubjectSource,
) *SyncService {
	return NewSyncService(ctx, graph, factory, source, DefaultSyncServiceSettings())
}

func NewSyncService(
	ctx context.Context,
	graph GraphModel,
	factory *SubjectFactory,
	source SubjectSource,
	settings *SyncServiceSettings,
) *SyncService {
	cancelCtx, cancel := context.WithCancel(ctx)

	service := &SyncService{
		ctx:            cancelCtx,
		cancel:         cancel,
		graph:          graph,
		factory:        factory,
		source:         source,
		settings:       settings,
		registry:       NewSubjectRegistry[any](),
		ownershipTable: NewOwnershipTable(),
		retryQueue:     NewWriteRetryQueue(settings.RetryQueueSettings),
		monitor:        NewWriteMonitor(cancelCtx, settings.WriteMonitorSettings),
		done:           make(chan struct{}),
	}
	service.processor = NewChangeQueueProcessor(
		cancelCtx,
		source.SourceHandle(),
		source.IsPropertyIncluded,
		service.writeBatch,
		settings.ChangeQueueSettings,
	)
	service.unsubChange = graph.AddChangeCallback(service.processor.Add)

	go service.run()

	return service
}

func (self *SyncService) run() {
	defer close(self.done)

	for {
		reconnect := NewReconnect(self.settings.ReconnectTimeout)
		if err := self.runOnce(); err != nil {
			glog.Infof("[service]%s connection err = %s\n", self.source.SourceHandle(), err)
		}
		if self.ctx.Err() != nil {
			return
		}
		if !reconnect.WaitForReconnect(self.ctx) {
			return
		}
	}
}

// one connection attempt: listen, load the initial state, replay buffered
// inbound updates, then stay live until the connection or the service ends.
// a nil return means the service is shutting down or the listen ended
// cleanly.
func (self *SyncService) runOnce() error {
	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	handle := self.source.SourceHandle()

	tracker := NewSourceOwnershipTracker(self.graph, self.ownershipTable, handle, nil, nil)
	defer tracker.Close()

	applier := NewUpdateApplier(self.graph, self.factory, self.registry, tracker, handle)
	writer := NewInboundUpdateWriter(applier.Apply)

	sub, err := self.source.StartListening(handleCtx, writer)
	if err != nil {
		return err
	}
	defer sub.Close()

	applySnapshot, err := self.source.LoadInitialState(handleCtx)
	if err != nil {
		return err
	}
	err = writer.CompleteInitialization(handleCtx, applySnapshot, func() {
		// changes queued while disconnected go out now, before new live writes
		if _, err := self.retryQueue.Flush(handleCtx, self.source); err != nil {
			glog.Infof("[service]%s retry flush err = %s\n", handle, err)
		}
	})
	if err != nil {
		return err
	}

	glog.Infof("[service]%s live\n", handle)

	select {
	case <-handleCtx.Done():
		return nil
	case <-sub.Done():
		return sub.Err()
	}
}

// `WriteBatchFunction` for the change queue processor.
//
// the retry queue drains first so earlier failed changes reach the source
// before this batch. If the queue cannot be emptied the batch is appended to
// it, preserving overall order. Only cancellation is returned as an error.
func (self *SyncService) writeBatch(ctx context.Context, changes []*SubjectPropertyChange) error {
	flushed, err := self.retryQueue.Flush(ctx, self.source)
	if err != nil {
		self.retryQueue.EnqueueBatch(changes)
		return err
	}
	if !flushed {
		self.retryQueue.EnqueueBatch(changes)
		return nil
	}

	batchId := self.monitor.OpenWrite()
	result, err := writeChangesInBatches(ctx, self.source, changes)
	if err != nil {
		self.monitor.CloseWrite(batchId, false)
		self.retryQueue.EnqueueBatch(changes)
		return err
	}
	if result.Success() {
		self.monitor.CloseWrite(batchId, true)
		return nil
	}

	self.monitor.CloseWrite(batchId, false)
	remaining := result.Remaining()
	if remaining == nil {
		remaining = changes
	}
	self.retryQueue.EnqueueBatch(remaining)
	glog.V(1).Infof("[service]write kept %d/%d changes for retry (err = %s)\n", len(remaining), len(changes), result.Err())
	return nil
}

func (self *SyncService) Registry() *SubjectRegistry[any] {
	return self.registry
}

func (self *SyncService) OwnershipTable() *OwnershipTable {
	return self.ownershipTable
}

func (self *SyncService) RetryQueueSize() int {
	return self.retryQueue.Size()
}

func (self *SyncService) WriteStats() *WriteMonitorStats {
	return self.monitor.Stats()
}

// stops the reconnect loop, detaches from the graph, and drains the change
// queue. Buffered retry changes are dropped with the service.
func (self *SyncService) Close() {
	self.unsubChange()
	self.cancel()
	<-self.done
	self.processor.Close()
}
