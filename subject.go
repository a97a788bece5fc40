package statelink

import (
	"fmt"
	"strconv"
	"sync"
)

// the graph model is described to the engine with builder-function tables
// rather than runtime reflection. Each subject kind registers a `SubjectDef`
// with one `PropertyDef` per externally visible property.

type PropertyKind int

const (
	// a scalar value (string, bool, number, time, ...)
	PropertyKindValue PropertyKind = iota
	// a reference to another subject, possibly nil
	PropertyKindReference
	// an ordered collection, `[]any`, items are scalars or subjects
	PropertyKindCollection
	// a string-keyed dictionary, `map[string]any`
	PropertyKindDictionary
)

type PropertyDef struct {
	Name string
	Kind PropertyKind
	// subject kind of collection/dictionary items, "" for scalar items
	ElementKind string
	// key kind for dictionary properties
	KeyKind KeyKind

	Get func(subject Subject) any
	Set func(subject Subject, value any) error
}

type SubjectDef struct {
	Kind       string
	Properties []*PropertyDef
	New        func() Subject
}

func (self *SubjectDef) Property(name string) (*PropertyDef, bool) {
	for _, property := range self.Properties {
		if property.Name == name {
			return property, true
		}
	}
	return nil, false
}

type TypeRegistry struct {
	stateLock sync.Mutex
	defs      map[string]*SubjectDef
}

func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		defs: map[string]*SubjectDef{},
	}
}

func (self *TypeRegistry) Register(def *SubjectDef) error {
	if def.Kind == "" {
		return fmt.Errorf("subject def must have a kind")
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.defs[def.Kind]; ok {
		return fmt.Errorf("subject kind already registered: %s", def.Kind)
	}
	self.defs[def.Kind] = def
	return nil
}

func (self *TypeRegistry) Get(kind string) (*SubjectDef, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	def, ok := self.defs[kind]
	return def, ok
}

func (self *TypeRegistry) GetForSubject(subject Subject) (*SubjectDef, bool) {
	return self.Get(subject.SubjectKind())
}

// the representation a dictionary property expects its keys in.
// external sources supply keys as strings; the factory coerces.
type KeyKind int

const (
	KeyKindString KeyKind = iota
	KeyKindInt
	KeyKindFloat
)

// converts an externally supplied key to the target representation.
// supports numeric widening (int -> float) and string parsing.
func CoerceKey(key any, kind KeyKind) (any, error) {
	switch kind {
	case KeyKindString:
		switch v := key.(type) {
		case string:
			return v, nil
		case int:
			return strconv.Itoa(v), nil
		case int64:
			return strconv.FormatInt(v, 10), nil
		case float64:
			return strconv.FormatFloat(v, 'g', -1, 64), nil
		}
	case KeyKindInt:
		switch v := key.(type) {
		case int:
			return v, nil
		case int64:
			return int(v), nil
		case float64:
			return int(v), nil
		case string:
			parsed, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("cannot coerce key %q to int: %w", v, err)
			}
			return parsed, nil
		}
	case KeyKindFloat:
		switch v := key.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case string:
			parsed, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("cannot coerce key %q to float: %w", v, err)
			}
			return parsed, nil
		}
	}
	return nil, fmt.Errorf("cannot coerce key %v (%T)", key, key)
}

// creates subject instances and assembles collections for inbound updates
type SubjectFactory struct {
	types *TypeRegistry
}

func NewSubjectFactory(types *TypeRegistry) *SubjectFactory {
	return &SubjectFactory{
		types: types,
	}
}

func (self *SubjectFactory) NewSubject(kind string) (Subject, error) {
	def, ok := self.types.Get(kind)
	if !ok {
		return nil, fmt.Errorf("unknown subject kind: %s", kind)
	}
	if def.New == nil {
		return nil, fmt.Errorf("subject kind has no factory: %s", kind)
	}
	return def.New(), nil
}

// validates item kinds and returns the ordered collection value
func (self *SubjectFactory) NewCollection(elementKind string, items []any) ([]any, error) {
	if elementKind != "" {
		for i, item := range items {
			if subject, ok := item.(Subject); ok {
				if subject.SubjectKind() != elementKind {
					return nil, fmt.Errorf(
						"collection item %d has kind %s, expected %s",
						i,
						subject.SubjectKind(),
						elementKind,
					)
				}
			}
		}
	}
	collection := make([]any, len(items))
	copy(collection, items)
	return collection, nil
}

// assembles a dictionary from externally keyed entries, coercing each key
// to `keyKind` and formatting it back to the canonical string form
func (self *SubjectFactory) NewDictionary(
	elementKind string,
	keyKind KeyKind,
	entries map[string]any,
) (map[string]any, error) {
	dictionary := make(map[string]any, len(entries))
	for key, item := range entries {
		coerced, err := CoerceKey(key, keyKind)
		if err != nil {
			return nil, err
		}
		canonical, err := CoerceKey(coerced, KeyKindString)
		if err != nil {
			return nil, err
		}
		if elementKind != "" {
			if subject, ok := item.(Subject); ok && subject.SubjectKind() != elementKind {
				return nil, fmt.Errorf(
					"dictionary item %q has kind %s, expected %s",
					key,
					subject.SubjectKind(),
					elementKind,
				)
			}
		}
		dictionary[canonical.(string)] = item
	}
	return dictionary, nil
}

type ChangeFunction = func(change *SubjectPropertyChange)

type DetachFunction = func(subject Subject)

// implemented by the host graph / property interception layer.
// the engine reads the graph through the registered property tables and
// writes single properties back through `SetValueFromSource`, never holding
// a lock across a traversal it does not own.
type GraphModel interface {
	Types() *TypeRegistry

	Root() Subject

	// the location of `subject` in the graph, for anchoring partial updates
	ParentOf(subject Subject) (parent Subject, parentProperty string, ok bool)

	// change notifications for every tracked property mutation.
	// returns an unsubscribe function.
	AddChangeCallback(callback ChangeFunction) func()

	// fired when a subject is removed from the graph
	AddDetachCallback(callback DetachFunction) func()

	// writes one property, tagging the mutation with the originating source
	// so the resulting change notification can be filtered as a self-echo
	SetValueFromSource(ref PropertyRef, value any, origin *SourceHandle) error
}
