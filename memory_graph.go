package statelink

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

type parentLink struct {
	parent   Subject
	property string
}

// an in-process `GraphModel` backed by the registered property tables.
// this stands in for the host interception layer in tests and demos:
// structural mutations are serialized through one state lock, and every
// mutation fans out a `SubjectPropertyChange` to the change callbacks.
type MemoryGraph struct {
	types *TypeRegistry
	root  Subject

	stateLock sync.Mutex
	parents   map[Subject]parentLink

	changeCallbacks *CallbackList[ChangeFunction]
	detachCallbacks *CallbackList[DetachFunction]
}

func NewMemoryGraph(types *TypeRegistry, root Subject) *MemoryGraph {
	return &MemoryGraph{
		types:           types,
		root:            root,
		parents:         map[Subject]parentLink{},
		changeCallbacks: NewCallbackList[ChangeFunction](),
		detachCallbacks: NewCallbackList[DetachFunction](),
	}
}

func (self *MemoryGraph) Types() *TypeRegistry {
	return self.types
}

func (self *MemoryGraph) Root() Subject {
	return self.root
}

func (self *MemoryGraph) ParentOf(subject Subject) (Subject, string, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	link, ok := self.parents[subject]
	if !ok {
		return nil, "", false
	}
	return link.parent, link.property, true
}

// records that `subject` is reachable from `parent` via `parentProperty`
func (self *MemoryGraph) Attach(subject Subject, parent Subject, parentProperty string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.parents[subject] = parentLink{
		parent:   parent,
		property: parentProperty,
	}
}

// removes `subject` from the graph and fires the detach callbacks
func (self *MemoryGraph) Detach(subject Subject) {
	self.stateLock.Lock()
	_, ok := self.parents[subject]
	if ok {
		delete(self.parents, subject)
	}
	self.stateLock.Unlock()

	for _, detachCallback := range self.detachCallbacks.Get() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					glog.Errorf("[graph]detach callback panic = %v\n", r)
				}
			}()
			detachCallback(subject)
		}()
	}
}

func (self *MemoryGraph) AddChangeCallback(callback ChangeFunction) func() {
	callbackId := self.changeCallbacks.Add(callback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *MemoryGraph) AddDetachCallback(callback DetachFunction) func() {
	callbackId := self.detachCallbacks.Add(callback)
	return func() {
		self.detachCallbacks.Remove(callbackId)
	}
}

// an in-process mutation
func (self *MemoryGraph) SetValue(ref PropertyRef, value any) error {
	return self.SetValueFromSource(ref, value, nil)
}

func (self *MemoryGraph) SetValueFromSource(ref PropertyRef, value any, origin *SourceHandle) error {
	def, ok := self.types.GetForSubject(ref.Subject)
	if !ok {
		return fmt.Errorf("unknown subject kind: %s", ref.Subject.SubjectKind())
	}
	property, ok := def.Property(ref.Name)
	if !ok {
		return fmt.Errorf("unknown property: %s", ref)
	}
	if property.Set == nil {
		return fmt.Errorf("property is read only: %s", ref)
	}

	changeTime := time.Now()
	var oldValue any
	err := func() error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		oldValue = property.Get(ref.Subject)
		if err := property.Set(ref.Subject, value); err != nil {
			return err
		}
		// keep parent links current for attached subjects
		switch property.Kind {
		case PropertyKindReference:
			if child, ok := value.(Subject); ok && child != nil {
				self.parents[child] = parentLink{
					parent:   ref.Subject,
					property: ref.Name,
				}
			}
		case PropertyKindCollection:
			if items, ok := value.([]any); ok {
				for _, item := range items {
					if child, ok := item.(Subject); ok {
						self.parents[child] = parentLink{
							parent:   ref.Subject,
							property: ref.Name,
						}
					}
				}
			}
		case PropertyKindDictionary:
			if entries, ok := value.(map[string]any); ok {
				for _, item := range entries {
					if child, ok := item.(Subject); ok {
						self.parents[child] = parentLink{
							parent:   ref.Subject,
							property: ref.Name,
						}
					}
				}
			}
		}
		return nil
	}()
	if err != nil {
		return err
	}

	change := &SubjectPropertyChange{
		Ref:        ref,
		Origin:     origin,
		ChangeTime: changeTime,
		OldValue:   oldValue,
		NewValue:   value,
	}
	for _, changeCallback := range self.changeCallbacks.Get() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					glog.Errorf("[graph]change callback panic = %v\n", r)
				}
			}()
			changeCallback(change)
		}()
	}
	return nil
}

// reads one property through the registered table
func (self *MemoryGraph) GetValue(ref PropertyRef) (any, error) {
	def, ok := self.types.GetForSubject(ref.Subject)
	if !ok {
		return nil, fmt.Errorf("unknown subject kind: %s", ref.Subject.SubjectKind())
	}
	property, ok := def.Property(ref.Name)
	if !ok {
		return nil, fmt.Errorf("unknown property: %s", ref)
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return property.Get(ref.Subject), nil
}
