package statelink

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/jellydator/ttlcache/v3"
)

type WriteMonitorSettings struct {
	// an in-flight write not closed within this timeout counts as timed out
	WriteTimeout time.Duration
	// number of recent write durations kept for the latency window
	WindowSize int
}

func DefaultWriteMonitorSettings() *WriteMonitorSettings {
	return &WriteMonitorSettings{
		WriteTimeout: 30 * time.Second,
		WindowSize:   64,
	}
}

type WriteMonitorStats struct {
	SuccessCount  int
	FailureCount  int
	TimeoutCount  int
	MeanWriteTime time.Duration
	MaxWriteTime  time.Duration
}

// observes source write latency. Each write opens a tag in a ttl cache
// keyed by batch id; a tag that expires before the write closes counts as a
// timeout. Purely observational, no control-flow coupling.
type WriteMonitor struct {
	settings *WriteMonitorSettings

	pending *ttlcache.Cache[Id, time.Time]

	stateLock    sync.Mutex
	window       []time.Duration
	windowIndex  int
	windowCount  int
	successCount int
	failureCount int
	timeoutCount int
}

func NewWriteMonitorWithDefaults(ctx context.Context) *WriteMonitor {
	return NewWriteMonitor(ctx, DefaultWriteMonitorSettings())
}

func NewWriteMonitor(ctx context.Context, settings *WriteMonitorSettings) *WriteMonitor {
	pending := ttlcache.New[Id, time.Time](
		ttlcache.WithTTL[Id, time.Time](settings.WriteTimeout),
		ttlcache.WithDisableTouchOnHit[Id, time.Time](),
	)

	monitor := &WriteMonitor{
		settings: settings,
		pending:  pending,
		window:   make([]time.Duration, settings.WindowSize),
	}

	pending.OnEviction(func(
		ctx context.Context,
		reason ttlcache.EvictionReason,
		item *ttlcache.Item[Id, time.Time],
	) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		monitor.stateLock.Lock()
		monitor.timeoutCount += 1
		timeoutCount := monitor.timeoutCount
		monitor.stateLock.Unlock()
		glog.V(1).Infof("[monitor]write timed out (%d total)\n", timeoutCount)
	})

	go pending.Start()
	go func() {
		<-ctx.Done()
		pending.Stop()
	}()

	return monitor
}

// tags a batch as in flight and returns its id
func (self *WriteMonitor) OpenWrite() Id {
	batchId := NewId()
	self.pending.Set(batchId, time.Now(), ttlcache.DefaultTTL)
	return batchId
}

func (self *WriteMonitor) CloseWrite(batchId Id, success bool) {
	item := self.pending.Get(batchId)
	if item == nil {
		// already expired and counted as a timeout
		return
	}
	self.pending.Delete(batchId)
	writeTime := time.Now().Sub(item.Value())

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.window[self.windowIndex] = writeTime
	self.windowIndex = (self.windowIndex + 1) % len(self.window)
	if self.windowCount < len(self.window) {
		self.windowCount += 1
	}
	if success {
		self.successCount += 1
	} else {
		self.failureCount += 1
	}
	glog.V(2).Infof("[monitor]write=%dms\n", writeTime/time.Millisecond)
}

func (self *WriteMonitor) MeanWriteTime() time.Duration {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.windowCount == 0 {
		return 0
	}
	net := time.Duration(0)
	for i := 0; i < self.windowCount; i += 1 {
		net += self.window[i]
	}
	return net / time.Duration(self.windowCount)
}

func (self *WriteMonitor) Stats() *WriteMonitorStats {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	stats := &WriteMonitorStats{
		SuccessCount: self.successCount,
		FailureCount: self.failureCount,
		TimeoutCount: self.timeoutCount,
	}
	net := time.Duration(0)
	for i := 0; i < self.windowCount; i += 1 {
		net += self.window[i]
		if stats.MaxWriteTime < self.window[i] {
			stats.MaxWriteTime = self.window[i]
		}
	}
	if 0 < self.windowCount {
		stats.MeanWriteTime = net / time.Duration(self.windowCount)
	}
	return stats
}
