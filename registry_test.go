package statelink

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestReferenceCounterFirstLast(t *testing.T) {
	counter := NewReferenceCounter[*int]()
	subject := &testNode{}

	n := 64
	var factoryCalls atomic.Int32
	var firstCount atomic.Int32
	var lastCount atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < n; i += 1 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			isFirst, _ := counter.IncrementAndCheckFirst(subject, func() *int {
				factoryCalls.Add(1)
				value := 7
				return &value
			})
			if isFirst {
				firstCount.Add(1)
			}
		}()
	}
	wg.Wait()

	// exactly one caller observes first, and the payload is created once
	assert.Equal(t, int32(1), firstCount.Load())
	assert.Equal(t, int32(1), factoryCalls.Load())
	assert.Equal(t, n, counter.Count(subject))

	for i := 0; i < n; i += 1 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			isLast, data, ok := counter.DecrementAndCheckLast(subject)
			if isLast {
				assert.Equal(t, true, ok)
				assert.Equal(t, 7, *data)
				lastCount.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), lastCount.Load())
	assert.Equal(t, 0, counter.Count(subject))

	_, _, ok := counter.DecrementAndCheckLast(subject)
	assert.Equal(t, false, ok)
}

func TestIdentityRegistry(t *testing.T) {
	registry := NewIdentityRegistry()

	a := &testNode{}
	b := &testNode{}
	aId := NewId()
	bId := NewId()

	isFirst, ok := registry.Register(a, aId)
	assert.Equal(t, true, isFirst)
	assert.Equal(t, true, ok)

	// an id cannot be claimed by a second subject
	_, ok = registry.Register(b, aId)
	assert.Equal(t, false, ok)
	assert.Equal(t, 0, registry.Count(b))

	// re-registering under a different id keeps the first association
	isFirst, ok = registry.Register(a, bId)
	assert.Equal(t, false, isFirst)
	assert.Equal(t, true, ok)
	assert.Equal(t, 2, registry.Count(a))

	externalId, ok := registry.ExternalIdFor(a)
	assert.Equal(t, true, ok)
	assert.Equal(t, aId, externalId)
	subject, ok := registry.SubjectForExternalId(aId)
	assert.Equal(t, true, ok)
	assert.Equal(t, a, subject)
	_, ok = registry.SubjectForExternalId(bId)
	assert.Equal(t, false, ok)

	isLast, _, ok := registry.Unregister(a)
	assert.Equal(t, false, isLast)
	assert.Equal(t, true, ok)
	isLast, externalId, ok = registry.Unregister(a)
	assert.Equal(t, true, isLast)
	assert.Equal(t, true, ok)
	assert.Equal(t, aId, externalId)

	_, _, ok = registry.Unregister(a)
	assert.Equal(t, false, ok)
	_, ok = registry.SubjectForExternalId(aId)
	assert.Equal(t, false, ok)
}

func TestIdentityRegistryUpdateExternalId(t *testing.T) {
	registry := NewIdentityRegistry()

	a := &testNode{}
	b := &testNode{}
	aId := NewId()
	bId := NewId()
	cId := NewId()

	registry.Register(a, aId)
	registry.Register(b, bId)

	// collision with another subject fails without side effects
	assert.Equal(t, false, registry.UpdateExternalId(a, bId))
	externalId, _ := registry.ExternalIdFor(a)
	assert.Equal(t, aId, externalId)

	assert.Equal(t, true, registry.UpdateExternalId(a, cId))
	externalId, _ = registry.ExternalIdFor(a)
	assert.Equal(t, cId, externalId)
	_, ok := registry.SubjectForExternalId(aId)
	assert.Equal(t, false, ok)
	subject, ok := registry.SubjectForExternalId(cId)
	assert.Equal(t, true, ok)
	assert.Equal(t, a, subject)

	assert.Equal(t, false, registry.UpdateExternalId(&testNode{}, NewId()))
}

func TestSubjectRegistryConcurrentFirstLast(t *testing.T) {
	registry := NewSubjectRegistry[*int]()
	subject := &testNode{}
	externalId := NewId()

	n := 64
	var firstCount atomic.Int32
	var lastCount atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < n; i += 1 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			isFirst, _, ok := registry.Register(subject, externalId, func() *int {
				value := 1
				return &value
			})
			assert.Equal(t, true, ok)
			if isFirst {
				firstCount.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), firstCount.Load())
	assert.Equal(t, n, registry.Count(subject))

	for i := 0; i < n; i += 1 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			isLast, _, _, ok := registry.Unregister(subject)
			assert.Equal(t, true, ok)
			if isLast {
				lastCount.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), lastCount.Load())
	assert.Equal(t, 0, registry.Count(subject))
}

func TestSubjectRegistryData(t *testing.T) {
	registry := NewSubjectRegistry[int]()

	a := &testNode{}
	b := &testNode{}
	aId := NewId()
	bId := NewId()

	registry.Register(a, aId, func() int { return 1 })
	registry.Register(b, bId, func() int { return 2 })

	assert.Equal(t, true, registry.ModifyData(a, func(data int) int {
		return data + 10
	}))
	assert.Equal(t, false, registry.ModifyData(&testNode{}, func(data int) int {
		return data
	}))

	entries := registry.GetAllEntries()
	assert.Equal(t, 2, len(entries))

	cleared := registry.Clear()
	assert.Equal(t, 2, len(cleared))
	for _, entry := range cleared {
		if entry.Subject == a {
			assert.Equal(t, 11, entry.Data)
			assert.Equal(t, aId, entry.ExternalId)
		} else {
			assert.Equal(t, 2, entry.Data)
			assert.Equal(t, bId, entry.ExternalId)
		}
		assert.Equal(t, 1, entry.Count)
	}
	assert.Equal(t, 0, len(registry.GetAllEntries()))
	_, ok := registry.SubjectForExternalId(aId)
	assert.Equal(t, false, ok)
}
