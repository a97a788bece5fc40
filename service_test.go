package statelink

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !condition() {
		if deadline.Before(time.Now()) {
			t.Fatal("condition not met before timeout")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type serviceFixture struct {
	root    *testNode
	graph   *MemoryGraph
	source  *MemorySource
	service *SyncService
	rootId  Id
	childId Id
}

func newServiceFixture(ctx context.Context) *serviceFixture {
	types := newTestTypes()
	root := &testNode{}
	graph := NewMemoryGraph(types, root)
	factory := NewSubjectFactory(types)

	rootId := NewId()
	childId := NewId()
	source := NewMemorySource("memory")
	source.SetInitialState(testSnapshot(rootId, childId))

	settings := DefaultSyncServiceSettings()
	settings.ReconnectTimeout = 20 * time.Millisecond
	changeQueueSettings := DefaultChangeQueueProcessorSettings()
	changeQueueSettings.BufferInterval = 5 * time.Millisecond
	settings.ChangeQueueSettings = changeQueueSettings

	return &serviceFixture{
		root:    root,
		graph:   graph,
		source:  source,
		service: NewSyncService(ctx, graph, factory, source, settings),
		rootId:  rootId,
		childId: childId,
	}
}

func (self *serviceFixture) rootName(t *testing.T) string {
	value, err := self.graph.GetValue(PropertyRef{Subject: self.root, Name: "name"})
	assert.Equal(t, err, nil)
	name, _ := value.(string)
	return name
}

func TestSyncServiceInitialState(t *testing.T) {
	ctx := context.Background()

	fixture := newServiceFixture(ctx)
	defer fixture.service.Close()

	waitFor(t, 2*time.Second, func() bool {
		return fixture.rootName(t) == "root"
	})

	child, ok := fixture.service.Registry().SubjectForExternalId(fixture.childId)
	assert.Equal(t, true, ok)
	value, err := fixture.graph.GetValue(PropertyRef{Subject: fixture.root, Name: "other"})
	assert.Equal(t, err, nil)
	assert.Equal(t, child, value)
}

func TestSyncServiceOutbound(t *testing.T) {
	ctx := context.Background()

	fixture := newServiceFixture(ctx)
	defer fixture.service.Close()

	waitFor(t, 2*time.Second, func() bool {
		return fixture.rootName(t) == "root"
	})

	err := fixture.graph.SetValue(PropertyRef{Subject: fixture.root, Name: "value"}, 42)
	assert.Equal(t, err, nil)

	waitFor(t, 2*time.Second, func() bool {
		for _, batch := range fixture.source.Writes() {
			for _, change := range batch {
				if change.Ref.Name == "value" && change.NewValue == 42 {
					return true
				}
			}
		}
		return false
	})
	assert.Equal(t, true, 0 < fixture.service.WriteStats().SuccessCount)
}

func TestSyncServiceEchoSuppression(t *testing.T) {
	ctx := context.Background()

	fixture := newServiceFixture(ctx)
	defer fixture.service.Close()

	waitFor(t, 2*time.Second, func() bool {
		return fixture.rootName(t) == "root"
	})

	push := NewSubjectUpdate(fixture.rootId)
	push.Subjects[fixture.rootId] = &SubjectEntry{
		Kind: "node",
		Properties: map[string]*PropertyUpdate{
			"name": {HasValue: true, Value: "pushed"},
		},
	}
	fixture.source.Push(push)

	waitFor(t, 2*time.Second, func() bool {
		return fixture.rootName(t) == "pushed"
	})

	// the inbound value must not be written back to the source
	time.Sleep(100 * time.Millisecond)
	for _, batch := range fixture.source.Writes() {
		for _, change := range batch {
			assert.NotEqual(t, "name", change.Ref.Name)
		}
	}
}

func TestSyncServiceRetry(t *testing.T) {
	ctx := context.Background()

	fixture := newServiceFixture(ctx)
	defer fixture.service.Close()

	waitFor(t, 2*time.Second, func() bool {
		return fixture.rootName(t) == "root"
	})

	var failing atomic.Bool
	failing.Store(true)
	fixture.source.SetWriteResult(func(changes []*SubjectPropertyChange) *WriteResult {
		if failing.Load() {
			return WriteFailure(errors.New("write failed"))
		}
		return WriteSuccess()
	})

	fixture.graph.SetValue(PropertyRef{Subject: fixture.root, Name: "value"}, 1)

	waitFor(t, 2*time.Second, func() bool {
		return 1 <= fixture.service.RetryQueueSize()
	})
	assert.Equal(t, true, 0 < fixture.service.WriteStats().FailureCount)

	// the queued change flushes ahead of the next batch once the source heals
	failing.Store(false)
	fixture.graph.SetValue(PropertyRef{Subject: fixture.root, Name: "value"}, 2)

	waitFor(t, 2*time.Second, func() bool {
		delivered := []any{}
		for _, batch := range fixture.source.Writes() {
			for _, change := range batch {
				if change.Ref.Name == "value" {
					delivered = append(delivered, change.NewValue)
				}
			}
		}
		return len(delivered) == 2 && delivered[0] == 1 && delivered[1] == 2
	})
	assert.Equal(t, 0, fixture.service.RetryQueueSize())
}

func TestSyncServiceReconnect(t *testing.T) {
	ctx := context.Background()

	fixture := newServiceFixture(ctx)
	defer fixture.service.Close()

	waitFor(t, 2*time.Second, func() bool {
		return fixture.rootName(t) == "root"
	})

	fixture.source.Disconnect(errors.New("connection reset"))

	// after the reconnect and a fresh initial load, pushes flow again
	push := NewSubjectUpdate(fixture.rootId)
	push.Subjects[fixture.rootId] = &SubjectEntry{
		Kind: "node",
		Properties: map[string]*PropertyUpdate{
			"name": {HasValue: true, Value: "after-reconnect"},
		},
	}
	waitFor(t, 5*time.Second, func() bool {
		fixture.source.Push(push)
		return fixture.rootName(t) == "after-reconnect"
	})
}

func TestSyncServiceClose(t *testing.T) {
	ctx := context.Background()

	fixture := newServiceFixture(ctx)

	waitFor(t, 2*time.Second, func() bool {
		return fixture.rootName(t) == "root"
	})

	fixture.service.Close()

	// mutations after close are not delivered
	writeCount := fixture.source.WrittenChangeCount()
	fixture.graph.SetValue(PropertyRef{Subject: fixture.root, Name: "value"}, 99)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, writeCount, fixture.source.WrittenChangeCount())
}
