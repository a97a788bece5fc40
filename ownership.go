package statelink

import (
	"sync"
)

// property -> owning source. A property has at most one owner at a time.
// ownership is a single-process, advisory claim used for echo suppression,
// not a distributed lease.
type OwnershipTable struct {
	stateLock sync.Mutex
	owners    map[PropertyRef]*SourceHandle
}

func NewOwnershipTable() *OwnershipTable {
	return &OwnershipTable{
		owners: map[PropertyRef]*SourceHandle{},
	}
}

func (self *OwnershipTable) Owner(ref PropertyRef) (*SourceHandle, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	owner, ok := self.owners[ref]
	return owner, ok
}

func (self *OwnershipTable) claim(ref PropertyRef, source *SourceHandle) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	owner, ok := self.owners[ref]
	if !ok {
		self.owners[ref] = source
		return true
	}
	// idempotent for the same owner
	return owner == source
}

func (self *OwnershipTable) release(ref PropertyRef, source *SourceHandle) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	owner, ok := self.owners[ref]
	if !ok || owner != source {
		return false
	}
	delete(self.owners, ref)
	return true
}

type PropertyReleasingFunction = func(ref PropertyRef)

type SubjectDetachingFunction = func(subject Subject)

// tracks which properties one source owns, so a value the source just wrote
// into the graph is not echoed back to it. While a source is actively
// writing a value, the claim marks that value's origin; the outbound change
// for the mutation is then filtered by the change queue processor.
type SourceOwnershipTracker struct {
	table  *OwnershipTable
	source *SourceHandle

	// invoked as each owned property is released
	releasingCallback PropertyReleasingFunction
	// invoked once per detached subject that had owned properties
	detachingCallback SubjectDetachingFunction

	unsubDetach func()

	stateLock sync.Mutex
	owned     map[PropertyRef]bool
	closed    bool
}

func NewSourceOwnershipTracker(
	graph GraphModel,
	table *OwnershipTable,
	source *SourceHandle,
	releasingCallback PropertyReleasingFunction,
	detachingCallback SubjectDetachingFunction,
) *SourceOwnershipTracker {
	tracker := &SourceOwnershipTracker{
		table:             table,
		source:            source,
		releasingCallback: releasingCallback,
		detachingCallback: detachingCallback,
		owned:             map[PropertyRef]bool{},
	}
	tracker.unsubDetach = graph.AddDetachCallback(tracker.subjectDetached)
	return tracker
}

func (self *SourceOwnershipTracker) Source() *SourceHandle {
	return self.source
}

// succeeds if the property is unclaimed or already claimed by this
// tracker's source. Fails with no state change if another source owns it.
func (self *SourceOwnershipTracker) ClaimSource(ref PropertyRef) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return false
	}
	if !self.table.claim(ref, self.source) {
		return false
	}
	self.owned[ref] = true
	return true
}

// no-op if the property is not owned by this tracker's source
func (self *SourceOwnershipTracker) ReleaseSource(ref PropertyRef) {
	self.stateLock.Lock()
	owned := self.owned[ref]
	if owned {
		delete(self.owned, ref)
		self.table.release(ref, self.source)
	}
	self.stateLock.Unlock()

	if owned && self.releasingCallback != nil {
		self.releasingCallback(ref)
	}
}

func (self *SourceOwnershipTracker) Owns(ref PropertyRef) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.owned[ref]
}

// `DetachFunction`. Releases every property this source owns on the
// detached subject.
func (self *SourceOwnershipTracker) subjectDetached(subject Subject) {
	self.stateLock.Lock()
	released := []PropertyRef{}
	for ref := range self.owned {
		if ref.Subject == subject {
			released = append(released, ref)
		}
	}
	for _, ref := range released {
		delete(self.owned, ref)
		self.table.release(ref, self.source)
	}
	self.stateLock.Unlock()

	if len(released) == 0 {
		return
	}
	if self.releasingCallback != nil {
		for _, ref := range released {
			self.releasingCallback(ref)
		}
	}
	if self.detachingCallback != nil {
		self.detachingCallback(subject)
	}
}

// releases all owned properties exactly once. Safe to call multiple times.
func (self *SourceOwnershipTracker) Close() {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	self.closed = true
	released := make([]PropertyRef, 0, len(self.owned))
	for ref := range self.owned {
		released = append(released, ref)
		self.table.release(ref, self.source)
	}
	self.owned = map[PropertyRef]bool{}
	self.stateLock.Unlock()

	self.unsubDetach()
	if self.releasingCallback != nil {
		for _, ref := range released {
			self.releasingCallback(ref)
		}
	}
}
