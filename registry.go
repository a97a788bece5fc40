package statelink

import (
	"sync"

	"golang.org/x/exp/maps"
)

// the registries track how many distinct graph locations currently point at
// a subject under one source. All of them share the concurrency contract:
// exactly one caller observes "first" on increment/register and exactly one
// observes "last" on decrement/unregister, under any interleaving.

type referenceCountEntry[D any] struct {
	count int
	data  D
}

// subject -> count plus a payload created lazily by the first referencing
// caller and handed back to the last dereferencing caller for cleanup
type ReferenceCounter[D any] struct {
	stateLock sync.Mutex
	entries   map[Subject]*referenceCountEntry[D]
}

func NewReferenceCounter[D any]() *ReferenceCounter[D] {
	return &ReferenceCounter[D]{
		entries: map[Subject]*referenceCountEntry[D]{},
	}
}

// the payload is created once, by the first caller only. Later callers get
// the existing payload even if they pass a different factory.
func (self *ReferenceCounter[D]) IncrementAndCheckFirst(
	subject Subject,
	dataFactory func() D,
) (isFirst bool, data D) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.entries[subject]
	if !ok {
		entry = &referenceCountEntry[D]{}
		if dataFactory != nil {
			entry.data = dataFactory()
		}
		self.entries[subject] = entry
		entry.count = 1
		return true, entry.data
	}
	entry.count += 1
	return false, entry.data
}

// when `isLast`, the returned payload is no longer tracked and the caller
// owns its cleanup
func (self *ReferenceCounter[D]) DecrementAndCheckLast(
	subject Subject,
) (isLast bool, data D, ok bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.entries[subject]
	if !ok {
		var empty D
		return false, empty, false
	}
	entry.count -= 1
	if entry.count == 0 {
		delete(self.entries, subject)
		return true, entry.data, true
	}
	return false, entry.data, true
}

func (self *ReferenceCounter[D]) Count(subject Subject) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.entries[subject]
	if !ok {
		return 0
	}
	return entry.count
}

type identityEntry struct {
	externalId Id
	count      int
}

// bidirectional subject <-> external id mapping with multiplicity.
// the same subject may be reachable from multiple places in the graph;
// the id association is released only when the last reference is gone.
type IdentityRegistry struct {
	stateLock  sync.Mutex
	entries    map[Subject]*identityEntry
	idSubjects map[Id]Subject
}

func NewIdentityRegistry() *IdentityRegistry {
	return &IdentityRegistry{
		entries:    map[Subject]*identityEntry{},
		idSubjects: map[Id]Subject{},
	}
}

// re-registering the same subject under a different id while still
// referenced is fine; the first association wins until fully unregistered.
// `ok` is false only when `externalId` is already used by a different
// subject, in which case nothing is mutated.
func (self *IdentityRegistry) Register(subject Subject, externalId Id) (isFirst bool, ok bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if entry, ok := self.entries[subject]; ok {
		entry.count += 1
		return false, true
	}
	if existing, ok := self.idSubjects[externalId]; ok && existing != subject {
		// collision, no partial mutation
		return false, false
	}
	self.entries[subject] = &identityEntry{
		externalId: externalId,
		count:      1,
	}
	self.idSubjects[externalId] = subject
	return true, true
}

func (self *IdentityRegistry) Unregister(subject Subject) (isLast bool, externalId Id, ok bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.entries[subject]
	if !ok {
		return false, Id{}, false
	}
	entry.count -= 1
	if entry.count == 0 {
		delete(self.entries, subject)
		delete(self.idSubjects, entry.externalId)
		return true, entry.externalId, true
	}
	return false, Id{}, true
}

func (self *IdentityRegistry) SubjectForExternalId(externalId Id) (Subject, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	subject, ok := self.idSubjects[externalId]
	return subject, ok
}

func (self *IdentityRegistry) ExternalIdFor(subject Subject) (Id, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.entries[subject]
	if !ok {
		return Id{}, false
	}
	return entry.externalId, true
}

// atomically moves the subject to a new external id.
// fails without side effects if the new id is already used by a different
// subject, or if the subject is not registered.
func (self *IdentityRegistry) UpdateExternalId(subject Subject, externalId Id) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.entries[subject]
	if !ok {
		return false
	}
	if existing, ok := self.idSubjects[externalId]; ok && existing != subject {
		return false
	}
	delete(self.idSubjects, entry.externalId)
	entry.externalId = externalId
	self.idSubjects[externalId] = subject
	return true
}

func (self *IdentityRegistry) Count(subject Subject) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.entries[subject]
	if !ok {
		return 0
	}
	return entry.count
}

type subjectRegistryEntry[D any] struct {
	externalId Id
	count      int
	data       D
}

// a snapshot of one registered subject, for bulk enumeration/teardown
type SubjectRegistryEntry[D any] struct {
	Subject    Subject
	ExternalId Id
	Count      int
	Data       D
}

// identity mapping plus per-subject payload, for connectors that need both.
// same first/last semantics as the separate registries.
type SubjectRegistry[D any] struct {
	stateLock  sync.Mutex
	entries    map[Subject]*subjectRegistryEntry[D]
	idSubjects map[Id]Subject
}

func NewSubjectRegistry[D any]() *SubjectRegistry[D] {
	return &SubjectRegistry[D]{
		entries:    map[Subject]*subjectRegistryEntry[D]{},
		idSubjects: map[Id]Subject{},
	}
}

func (self *SubjectRegistry[D]) Register(
	subject Subject,
	externalId Id,
	dataFactory func() D,
) (isFirst bool, data D, ok bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if entry, ok := self.entries[subject]; ok {
		entry.count += 1
		return false, entry.data, true
	}
	if existing, ok := self.idSubjects[externalId]; ok && existing != subject {
		var empty D
		return false, empty, false
	}
	entry := &subjectRegistryEntry[D]{
		externalId: externalId,
		count:      1,
	}
	if dataFactory != nil {
		entry.data = dataFactory()
	}
	self.entries[subject] = entry
	self.idSubjects[externalId] = subject
	return true, entry.data, true
}

func (self *SubjectRegistry[D]) Unregister(
	subject Subject,
) (isLast bool, externalId Id, data D, ok bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.entries[subject]
	if !ok {
		var empty D
		return false, Id{}, empty, false
	}
	entry.count -= 1
	if entry.count == 0 {
		delete(self.entries, subject)
		delete(self.idSubjects, entry.externalId)
		return true, entry.externalId, entry.data, true
	}
	return false, Id{}, entry.data, true
}

func (self *SubjectRegistry[D]) SubjectForExternalId(externalId Id) (Subject, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	subject, ok := self.idSubjects[externalId]
	return subject, ok
}

func (self *SubjectRegistry[D]) ExternalIdFor(subject Subject) (Id, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.entries[subject]
	if !ok {
		return Id{}, false
	}
	return entry.externalId, true
}

func (self *SubjectRegistry[D]) UpdateExternalId(subject Subject, externalId Id) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.entries[subject]
	if !ok {
		return false
	}
	if existing, ok := self.idSubjects[externalId]; ok && existing != subject {
		return false
	}
	delete(self.idSubjects, entry.externalId)
	entry.externalId = externalId
	self.idSubjects[externalId] = subject
	return true
}

// in-place mutation of the payload under the registry lock
func (self *SubjectRegistry[D]) ModifyData(subject Subject, modify func(data D) D) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.entries[subject]
	if !ok {
		return false
	}
	entry.data = modify(entry.data)
	return true
}

func (self *SubjectRegistry[D]) Count(subject Subject) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.entries[subject]
	if !ok {
		return 0
	}
	return entry.count
}

func (self *SubjectRegistry[D]) GetAllEntries() []*SubjectRegistryEntry[D] {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entries := make([]*SubjectRegistryEntry[D], 0, len(self.entries))
	for subject, entry := range self.entries {
		entries = append(entries, &SubjectRegistryEntry[D]{
			Subject:    subject,
			ExternalId: entry.externalId,
			Count:      entry.count,
			Data:       entry.data,
		})
	}
	return entries
}

// removes every registration and returns the final entries, e.g. on source
// disconnect to release every still registered subject
func (self *SubjectRegistry[D]) Clear() []*SubjectRegistryEntry[D] {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entries := make([]*SubjectRegistryEntry[D], 0, len(self.entries))
	for subject, entry := range self.entries {
		entries = append(entries, &SubjectRegistryEntry[D]{
			Subject:    subject,
			ExternalId: entry.externalId,
			Count:      entry.count,
			Data:       entry.data,
		})
	}
	maps.Clear(self.entries)
	maps.Clear(self.idSubjects)
	return entries
}
