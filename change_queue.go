package statelink

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
)

type WriteBatchFunction = func(ctx context.Context, changes []*SubjectPropertyChange) error

type PropertyFilterFunction = func(ref PropertyRef) bool

type changeNode struct {
	change *SubjectPropertyChange
	next   *changeNode
}

var changeNodePool = sync.Pool{
	New: func() any {
		return &changeNode{}
	},
}

// multi-producer lock-free queue. Producers push with a cas loop; the single
// consumer swaps the head out and reverses the chain back to enqueue order.
type changeStack struct {
	head atomic.Pointer[changeNode]
}

func (self *changeStack) push(change *SubjectPropertyChange) {
	node := changeNodePool.Get().(*changeNode)
	node.change = change
	for {
		head := self.head.Load()
		node.next = head
		if self.head.CompareAndSwap(head, node) {
			return
		}
	}
}

// appends the queued changes to `out` in enqueue order.
// drained nodes are cleared of change references and returned to the pool.
func (self *changeStack) drainInto(out []*SubjectPropertyChange) []*SubjectPropertyChange {
	head := self.head.Swap(nil)
	start := len(out)
	for node := head; node != nil; {
		out = append(out, node.change)
		next := node.next
		node.change = nil
		node.next = nil
		changeNodePool.Put(node)
		node = next
	}
	// the chain is lifo. Reverse back to enqueue order.
	for i, j := start, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

type ChangeQueueProcessorSettings struct {
	// 0 means immediate mode: every accepted change is delivered as a
	// single-element batch without buffering
	BufferInterval time.Duration
	// scratch buffers above this capacity shrink back down after
	// `ScratchShrinkTickCount` consecutive low-usage flushes
	ScratchShrinkSize      int
	ScratchShrinkTickCount int
}

func DefaultChangeQueueProcessorSettings() *ChangeQueueProcessorSettings {
	return &ChangeQueueProcessorSettings{
		BufferInterval:         50 * time.Millisecond,
		ScratchShrinkSize:      1024,
		ScratchShrinkTickCount: 16,
	}
}

// turns the stream of property changes into periodic deduplicated batches
// delivered to the write callback.
//
// producers never block: accepted changes are pushed onto the lock-free
// queue. One timer goroutine flushes each tick. A flush already in progress
// causes a new tick to no-op rather than wait, so a slow write callback
// delays the next flush (backpressure) but never the producers.
type ChangeQueueProcessor struct {
	ctx    context.Context
	cancel context.CancelFunc

	// changes originating from this source are dropped as self-echoes
	ignoreSource *SourceHandle
	filter       PropertyFilterFunction
	writeBatch   WriteBatchFunction

	settings *ChangeQueueProcessorSettings

	queue     changeStack
	flushGate atomic.Bool

	// owned by the flush critical section
	scratch           []*SubjectPropertyChange
	kept              []*SubjectPropertyChange
	seen              map[PropertyRef]bool
	lowUsageTickCount int

	done chan struct{}
}

func NewChangeQueueProcessorWithDefaults(
	ctx context.Context,
	ignoreSource *SourceHandle,
	filter PropertyFilterFunction,
	writeBatch WriteBatchFunction,
) *ChangeQueueProcessor {
	return NewChangeQueueProcessor(
		ctx,
		ignoreSource,
		filter,
		writeBatch,
		DefaultChangeQueueProcessorSettings(),
	)
}

func NewChangeQueueProcessor(
	ctx context.Context,
	ignoreSource *SourceHandle,
	filter PropertyFilterFunction,
	writeBatch WriteBatchFunction,
	settings *ChangeQueueProcessorSettings,
) *ChangeQueueProcessor {
	cancelCtx, cancel := context.WithCancel(ctx)
	processor := &ChangeQueueProcessor{
		ctx:          cancelCtx,
		cancel:       cancel,
		ignoreSource: ignoreSource,
		filter:       filter,
		writeBatch:   writeBatch,
		settings:     settings,
		seen:         map[PropertyRef]bool{},
		done:         make(chan struct{}),
	}
	if 0 < settings.BufferInterval {
		go processor.run()
	} else {
		close(processor.done)
	}
	return processor
}

// `ChangeFunction`
func (self *ChangeQueueProcessor) Add(change *SubjectPropertyChange) {
	if self.ignoreSource != nil && change.Origin == self.ignoreSource {
		// echo of our own write
		return
	}
	if self.filter != nil && !self.filter(change.Ref) {
		return
	}

	if self.settings.BufferInterval <= 0 {
		if err := self.writeBatch(self.ctx, []*SubjectPropertyChange{change}); err != nil {
			glog.V(1).Infof("[changeq]immediate write err = %s\n", err)
		}
		return
	}

	self.queue.push(change)
}

func (self *ChangeQueueProcessor) run() {
	defer close(self.done)

	ticker := time.NewTicker(self.settings.BufferInterval)
	defer ticker.Stop()

	for {
		select {
		case <-self.ctx.Done():
			// drain and flush once more so no buffered change is dropped
			self.finalFlush()
			return
		case <-ticker.C:
			self.flush()
		}
	}
}

// acquires the flush gate, waiting out any in-flight flush
func (self *ChangeQueueProcessor) finalFlush() {
	for !self.flushGate.CompareAndSwap(false, true) {
		time.Sleep(time.Millisecond)
	}
	defer self.flushGate.Store(false)
	self.flushLocked(context.Background())
}

func (self *ChangeQueueProcessor) flush() {
	if !self.flushGate.CompareAndSwap(false, true) {
		// a flush is in progress. Pick the queued changes up on a later tick.
		return
	}
	// released only after the callback completes. A slow callback delays the
	// next flush but never blocks the producer side.
	defer self.flushGate.Store(false)
	self.flushLocked(self.ctx)
}

func (self *ChangeQueueProcessor) flushLocked(ctx context.Context) {
	self.scratch = self.queue.drainInto(self.scratch[:0])
	if len(self.scratch) == 0 {
		self.shrinkScratch(0)
		return
	}

	// keep only the most recent change per property, scanning newest to
	// oldest, then reverse back so the batch is in ascending order of each
	// property's last occurrence
	self.kept = self.kept[:0]
	for i := len(self.scratch) - 1; 0 <= i; i -= 1 {
		change := self.scratch[i]
		if !self.seen[change.Ref] {
			self.seen[change.Ref] = true
			self.kept = append(self.kept, change)
		}
	}
	for i, j := 0, len(self.kept)-1; i < j; i, j = i+1, j-1 {
		self.kept[i], self.kept[j] = self.kept[j], self.kept[i]
	}

	if err := self.writeBatch(ctx, self.kept); err != nil {
		glog.V(1).Infof("[changeq]write err = %s\n", err)
	}

	used := len(self.scratch)
	clear(self.seen)
	// clear subject references so completed payloads can be collected even
	// though the backing buffers are reused
	clear(self.scratch)
	clear(self.kept)
	self.shrinkScratch(used)
}

func (self *ChangeQueueProcessor) shrinkScratch(used int) {
	shrinkSize := self.settings.ScratchShrinkSize
	if shrinkSize <= 0 || cap(self.scratch) <= shrinkSize {
		self.lowUsageTickCount = 0
		return
	}
	if used <= shrinkSize/2 {
		self.lowUsageTickCount += 1
		if self.settings.ScratchShrinkTickCount <= self.lowUsageTickCount {
			self.scratch = make([]*SubjectPropertyChange, 0, shrinkSize)
			self.kept = make([]*SubjectPropertyChange, 0, shrinkSize)
			self.lowUsageTickCount = 0
		}
	} else {
		self.lowUsageTickCount = 0
	}
}

// stops the timer, drains and flushes the remaining queued changes, and
// waits for the processing loop to exit
func (self *ChangeQueueProcessor) Close() {
	self.cancel()
	<-self.done
}
