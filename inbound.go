package statelink

import (
	"context"
	"sync"

	"github.com/golang/glog"
)

type ApplyUpdateFunction = func(update *SubjectUpdate) error

type inboundWriterState int

const (
	inboundWriterStateBuffering inboundWriterState = iota
	inboundWriterStateLive
)

// guarantees that updates received from a source before its full initial
// state has loaded are not lost, and are applied in arrival order
// immediately after the initial state is applied.
//
// lifecycle: buffering -> (CompleteInitialization: apply snapshot, replay
// buffer in order) -> live. `StartBuffering` begins a fresh buffering epoch
// for reconnects; only the latest epoch is ever replayed.
type InboundUpdateWriter struct {
	apply ApplyUpdateFunction

	stateLock sync.Mutex
	state     inboundWriterState
	buffer    []func() error
}

func NewInboundUpdateWriter(apply ApplyUpdateFunction) *InboundUpdateWriter {
	return &InboundUpdateWriter{
		apply:  apply,
		state:  inboundWriterStateBuffering,
		buffer: []func() error{},
	}
}

// resets to buffering with a fresh empty buffer, replacing any prior one
func (self *InboundUpdateWriter) StartBuffering() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.state = inboundWriterStateBuffering
	self.buffer = []func() error{}
}

// while buffering, appends a closure capturing the update. This is the only
// allocating path, and only during the cold buffering phase. When live, the
// update applies immediately; an apply failure is logged, not propagated,
// so a single bad update cannot abort the writer.
func (self *InboundUpdateWriter) Write(update *SubjectUpdate) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.state == inboundWriterStateBuffering {
		self.buffer = append(self.buffer, func() error {
			return self.apply(update)
		})
		return
	}

	if err := self.apply(update); err != nil {
		glog.Infof("[inbound]apply err = %s\n", err)
	}
}

// applies the update without buffering or the state lock.
// used by sources to build the deferred snapshot-apply action.
func (self *InboundUpdateWriter) ApplyDirect(update *SubjectUpdate) error {
	return self.apply(update)
}

// applies the initial snapshot, then atomically swaps out the buffer and
// replays every buffered update in original order, then goes live.
//
// replay happens exactly once per buffering epoch: a second concurrent
// caller serializes behind the first, observes the buffer already swapped
// out, and returns without re-replaying. The optional `postReplay` callback
// runs after replay completes, outside the state lock.
//
// on snapshot failure the buffer is kept and the writer stays buffering so
// a reconnect can retry.
func (self *InboundUpdateWriter) CompleteInitialization(
	ctx context.Context,
	applySnapshot func(ctx context.Context) error,
	postReplay func(),
) error {
	self.stateLock.Lock()

	if self.state == inboundWriterStateLive {
		// already completed for this epoch
		self.stateLock.Unlock()
		return nil
	}

	if applySnapshot != nil {
		if err := applySnapshot(ctx); err != nil {
			self.stateLock.Unlock()
			return err
		}
	}

	buffer := self.buffer
	self.buffer = nil
	for _, applyBuffered := range buffer {
		if ctx.Err() != nil {
			// cancellation propagates. The remaining buffered updates are
			// abandoned with the connection.
			self.stateLock.Unlock()
			return ctx.Err()
		}
		if err := applyBuffered(); err != nil {
			glog.Infof("[inbound]replay apply err = %s\n", err)
		}
	}
	self.state = inboundWriterStateLive
	self.stateLock.Unlock()

	if postReplay != nil {
		postReplay()
	}
	return nil
}

func (self *InboundUpdateWriter) IsLive() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.state == inboundWriterStateLive
}

func (self *InboundUpdateWriter) BufferedCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.buffer)
}
