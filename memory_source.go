package statelink

import (
	"context"
	"sync"
)

type memorySubscription struct {
	closeOnce sync.Once
	done      chan struct{}

	stateLock sync.Mutex
	err       error
}

func newMemorySubscription() *memorySubscription {
	return &memorySubscription{
		done: make(chan struct{}),
	}
}

func (self *memorySubscription) Close() {
	self.closeOnce.Do(func() {
		close(self.done)
	})
}

func (self *memorySubscription) fail(err error) {
	self.closeOnce.Do(func() {
		self.stateLock.Lock()
		self.err = err
		self.stateLock.Unlock()
		close(self.done)
	})
}

func (self *memorySubscription) Done() <-chan struct{} {
	return self.done
}

func (self *memorySubscription) Err() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.err
}

// a source backed by in-process state. The canonical connector for local
// demos and for exercising the sync pipeline end to end: pushes are delivered
// to the active listener, writes are recorded, and failures can be injected
// per batch.
type MemorySource struct {
	handle *SourceHandle

	stateLock sync.Mutex
	writer    *InboundUpdateWriter
	sub       *memorySubscription

	initial *SubjectUpdate
	writes  [][]*SubjectPropertyChange

	writeBatchSize int
	writeResult    func(changes []*SubjectPropertyChange) *WriteResult
	filter         PropertyFilterFunction

	listenErr error
	loadErr   error
}

func NewMemorySource(name string) *MemorySource {
	return &MemorySource{
		handle: NewSourceHandle(name),
		writes: [][]*SubjectPropertyChange{},
	}
}

func (self *MemorySource) SourceHandle() *SourceHandle {
	return self.handle
}

// the snapshot returned by the next `LoadInitialState`
func (self *MemorySource) SetInitialState(update *SubjectUpdate) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.initial = update
}

// delivers an inbound update to the active listener.
// no-op when not listening, matching a push racing a disconnect.
func (self *MemorySource) Push(update *SubjectUpdate) {
	self.stateLock.Lock()
	writer := self.writer
	self.stateLock.Unlock()

	if writer != nil {
		writer.Write(update)
	}
}

// ends the active subscription with `err`, as a dropped connection would
func (self *MemorySource) Disconnect(err error) {
	self.stateLock.Lock()
	sub := self.sub
	self.writer = nil
	self.sub = nil
	self.stateLock.Unlock()

	if sub != nil {
		sub.fail(err)
	}
}

func (self *MemorySource) StartListening(
	ctx context.Context,
	writer *InboundUpdateWriter,
) (Subscription, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.listenErr != nil {
		return nil, self.listenErr
	}

	sub := newMemorySubscription()
	self.writer = writer
	self.sub = sub
	return sub, nil
}

func (self *MemorySource) LoadInitialState(ctx context.Context) (func(ctx context.Context) error, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.loadErr != nil {
		return nil, self.loadErr
	}

	writer := self.writer
	initial := self.initial
	return func(ctx context.Context) error {
		if initial == nil || writer == nil {
			return nil
		}
		return writer.ApplyDirect(initial)
	}, nil
}

func (self *MemorySource) WriteChanges(
	ctx context.Context,
	changes []*SubjectPropertyChange,
) (*WriteResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	self.stateLock.Lock()
	writeResult := self.writeResult
	self.stateLock.Unlock()

	if writeResult != nil {
		if result := writeResult(changes); !result.Success() {
			return result, nil
		}
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	recorded := make([]*SubjectPropertyChange, len(changes))
	copy(recorded, changes)
	self.writes = append(self.writes, recorded)
	return WriteSuccess(), nil
}

func (self *MemorySource) WriteBatchSize() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.writeBatchSize
}

func (self *MemorySource) IsPropertyIncluded(ref PropertyRef) bool {
	self.stateLock.Lock()
	filter := self.filter
	self.stateLock.Unlock()

	if filter == nil {
		return true
	}
	return filter(ref)
}

// per-batch failure injection. Return a non-success result to reject the
// batch; successful batches are recorded as usual.
func (self *MemorySource) SetWriteResult(writeResult func(changes []*SubjectPropertyChange) *WriteResult) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.writeResult = writeResult
}

func (self *MemorySource) SetWriteBatchSize(writeBatchSize int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.writeBatchSize = writeBatchSize
}

func (self *MemorySource) SetFilter(filter PropertyFilterFunction) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.filter = filter
}

func (self *MemorySource) SetListenError(listenErr error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.listenErr = listenErr
}

func (self *MemorySource) SetLoadError(loadErr error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.loadErr = loadErr
}

// snapshot of all recorded write batches, oldest first
func (self *MemorySource) Writes() [][]*SubjectPropertyChange {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	writes := make([][]*SubjectPropertyChange, len(self.writes))
	copy(writes, self.writes)
	return writes
}

func (self *MemorySource) WrittenChangeCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	count := 0
	for _, batch := range self.writes {
		count += len(batch)
	}
	return count
}
