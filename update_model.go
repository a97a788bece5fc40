package statelink

import (
	"fmt"
	"slices"

	"golang.org/x/exp/maps"
)

// the flat, cycle-safe representation of subject graph state.
//
// every subject appearing anywhere in the update has exactly one entry in
// `Subjects`, keyed by its opaque identifier. All other appearances are
// plain id references, so arbitrary reference cycles (including self-cycles)
// serialize without recursion and the encoded size is bounded by the number
// of distinct subjects, not reachable paths.
type SubjectUpdate struct {
	RootId   Id                   `json:"rootId"`
	Subjects map[Id]*SubjectEntry `json:"subjects"`
}

func NewSubjectUpdate(rootId Id) *SubjectUpdate {
	return &SubjectUpdate{
		RootId:   rootId,
		Subjects: map[Id]*SubjectEntry{},
	}
}

type SubjectEntry struct {
	Kind       string                     `json:"kind,omitempty"`
	Properties map[string]*PropertyUpdate `json:"properties,omitempty"`
}

func newSubjectEntry(kind string) *SubjectEntry {
	return &SubjectEntry{
		Kind:       kind,
		Properties: map[string]*PropertyUpdate{},
	}
}

// one of: a scalar value, a reference to another subject by identifier, a
// full collection state, or a list of structural collection operations.
// the `Has*` flags discriminate, so a nil scalar, a nil reference and an
// empty collection stay distinct after serialization.
type PropertyUpdate struct {
	HasValue bool `json:"hasValue,omitempty"`
	Value    any  `json:"value,omitempty"`

	HasReference bool `json:"hasReference,omitempty"`
	ReferenceId  *Id  `json:"referenceId,omitempty"`

	HasCollection bool               `json:"hasCollection,omitempty"`
	Collection    []*CollectionEntry `json:"collection,omitempty"`

	Operations []*CollectionOperation `json:"operations,omitempty"`
}

type CollectionEntry struct {
	Index int    `json:"index"`
	Key   string `json:"key,omitempty"`

	ReferenceId *Id  `json:"referenceId,omitempty"`
	HasValue    bool `json:"hasValue,omitempty"`
	Value       any  `json:"value,omitempty"`
}

type CollectionOp string

const (
	CollectionOpInsert CollectionOp = "insert"
	CollectionOpRemove CollectionOp = "remove"
	CollectionOpMove   CollectionOp = "move"
	CollectionOpUpdate CollectionOp = "update"
)

type CollectionOperation struct {
	Op    CollectionOp `json:"op"`
	Index int          `json:"index"`
	// move only. The item carries no payload since its identity is unchanged.
	FromIndex int              `json:"fromIndex,omitempty"`
	Entry     *CollectionEntry `json:"entry,omitempty"`
}

// assigns the stable opaque identifier for a subject.
// typically backed by a `SubjectRegistry`.
type IdFunction = func(subject Subject) Id

// builds flat updates from the live graph
type UpdateBuilder struct {
	graph GraphModel
	idFor IdFunction
}

func NewUpdateBuilder(graph GraphModel, idFor IdFunction) *UpdateBuilder {
	return &UpdateBuilder{
		graph: graph,
		idFor: idFor,
	}
}

// walks every registered property of `root` and every subject reachable
// from it, visiting each subject exactly once. A reference to an already
// visited subject is emitted as an identifier reference, not re-expanded.
func (self *UpdateBuilder) CreateCompleteUpdate(root Subject) (*SubjectUpdate, error) {
	update := NewSubjectUpdate(self.idFor(root))

	visited := map[Subject]bool{}
	pending := []Subject{root}
	visited[root] = true

	visit := func(subject Subject) Id {
		if !visited[subject] {
			visited[subject] = true
			pending = append(pending, subject)
		}
		return self.idFor(subject)
	}

	for 0 < len(pending) {
		subject := pending[len(pending)-1]
		pending = pending[:len(pending)-1]

		def, ok := self.graph.Types().GetForSubject(subject)
		if !ok {
			return nil, fmt.Errorf("unknown subject kind: %s", subject.SubjectKind())
		}

		entry := newSubjectEntry(def.Kind)
		update.Subjects[self.idFor(subject)] = entry

		for _, property := range def.Properties {
			value := property.Get(subject)
			propertyUpdate, err := self.encodeValue(property, value, visit)
			if err != nil {
				return nil, err
			}
			entry.Properties[property.Name] = propertyUpdate
		}
	}

	return update, nil
}

func (self *UpdateBuilder) encodeValue(
	property *PropertyDef,
	value any,
	visit func(subject Subject) Id,
) (*PropertyUpdate, error) {
	switch property.Kind {
	case PropertyKindValue:
		return &PropertyUpdate{
			HasValue: true,
			Value:    value,
		}, nil
	case PropertyKindReference:
		if value == nil {
			return &PropertyUpdate{
				HasReference: true,
			}, nil
		}
		subject, ok := value.(Subject)
		if !ok {
			return nil, fmt.Errorf("reference property %s holds non-subject %T", property.Name, value)
		}
		referenceId := visit(subject)
		return &PropertyUpdate{
			HasReference: true,
			ReferenceId:  &referenceId,
		}, nil
	case PropertyKindCollection:
		items, _ := value.([]any)
		entries := make([]*CollectionEntry, 0, len(items))
		for i, item := range items {
			entries = append(entries, self.encodeItem(i, "", item, visit))
		}
		return &PropertyUpdate{
			HasCollection: true,
			Collection:    entries,
		}, nil
	case PropertyKindDictionary:
		dictionary, _ := value.(map[string]any)
		keys := maps.Keys(dictionary)
		slices.Sort(keys)
		entries := make([]*CollectionEntry, 0, len(keys))
		for i, key := range keys {
			entries = append(entries, self.encodeItem(i, key, dictionary[key], visit))
		}
		return &PropertyUpdate{
			HasCollection: true,
			Collection:    entries,
		}, nil
	}
	return nil, fmt.Errorf("unknown property kind: %d", property.Kind)
}

func (self *UpdateBuilder) encodeItem(
	index int,
	key string,
	item any,
	visit func(subject Subject) Id,
) *CollectionEntry {
	entry := &CollectionEntry{
		Index: index,
		Key:   key,
	}
	if subject, ok := item.(Subject); ok {
		referenceId := visit(subject)
		entry.ReferenceId = &referenceId
	} else {
		entry.HasValue = true
		entry.Value = item
	}
	return entry
}

// builds an incremental update from a change batch, anchored at `root`.
//
// for each change, the changed subject's single flat-map entry records the
// property's new value (last value wins per property), and the subject's
// ancestors are linked into the update so a consumer can locate it from the
// root. The ancestor walk stops at a subject already linked or at the root.
// collection properties are recorded as structural operations diffed from
// the value before the first change in the batch.
func (self *UpdateBuilder) CreatePartialUpdateFromChanges(
	root Subject,
	changes []*SubjectPropertyChange,
) (*SubjectUpdate, error) {
	update := NewSubjectUpdate(self.idFor(root))

	entries := map[Subject]*SubjectEntry{}
	linked := map[Subject]bool{
		root: true,
	}
	// value before the first change in this batch, per property
	batchOldValues := map[PropertyRef]any{}

	entryFor := func(subject Subject) *SubjectEntry {
		entry, ok := entries[subject]
		if !ok {
			entry = newSubjectEntry(subject.SubjectKind())
			entries[subject] = entry
			update.Subjects[self.idFor(subject)] = entry
		}
		return entry
	}

	noVisit := func(subject Subject) Id {
		return self.idFor(subject)
	}

	for _, change := range changes {
		subject := change.Ref.Subject
		def, ok := self.graph.Types().GetForSubject(subject)
		if !ok {
			return nil, fmt.Errorf("unknown subject kind: %s", subject.SubjectKind())
		}
		property, ok := def.Property(change.Ref.Name)
		if !ok {
			return nil, fmt.Errorf("unknown property: %s", change.Ref)
		}

		if _, ok := batchOldValues[change.Ref]; !ok {
			batchOldValues[change.Ref] = change.OldValue
		}

		entry := entryFor(subject)
		switch property.Kind {
		case PropertyKindCollection:
			oldItems, _ := batchOldValues[change.Ref].([]any)
			newItems, _ := change.NewValue.([]any)
			entry.Properties[property.Name] = &PropertyUpdate{
				Operations: DiffCollections(oldItems, newItems, self.idFor),
			}
		default:
			propertyUpdate, err := self.encodeValue(property, change.NewValue, noVisit)
			if err != nil {
				return nil, err
			}
			entry.Properties[property.Name] = propertyUpdate
		}

		// link ancestors so the update is anchored at the root
		for current := subject; !linked[current]; {
			linked[current] = true
			parent, parentProperty, ok := self.graph.ParentOf(current)
			if !ok {
				break
			}
			if err := self.linkChild(entryFor(parent), parent, parentProperty, current); err != nil {
				return nil, err
			}
			current = parent
		}
	}

	return update, nil
}

// records on the parent's entry that `child` is reachable via
// `parentProperty`, without rewriting the whole property
func (self *UpdateBuilder) linkChild(
	parentEntry *SubjectEntry,
	parent Subject,
	parentProperty string,
	child Subject,
) error {
	if _, ok := parentEntry.Properties[parentProperty]; ok {
		// the batch already recorded this property in full
		return nil
	}

	def, ok := self.graph.Types().GetForSubject(parent)
	if !ok {
		return fmt.Errorf("unknown subject kind: %s", parent.SubjectKind())
	}
	property, ok := def.Property(parentProperty)
	if !ok {
		return fmt.Errorf("unknown property: %s.%s", parent.SubjectKind(), parentProperty)
	}

	childId := self.idFor(child)
	switch property.Kind {
	case PropertyKindReference:
		parentEntry.Properties[parentProperty] = &PropertyUpdate{
			HasReference: true,
			ReferenceId:  &childId,
		}
	case PropertyKindCollection:
		items, _ := property.Get(parent).([]any)
		index := slices.IndexFunc(items, func(item any) bool {
			return item == any(child)
		})
		if index < 0 {
			return fmt.Errorf("child not found in parent collection: %s.%s", parent.SubjectKind(), parentProperty)
		}
		// sparse update at index, not a full collection rewrite
		parentEntry.Properties[parentProperty] = &PropertyUpdate{
			Operations: []*CollectionOperation{
				{
					Op:    CollectionOpUpdate,
					Index: index,
					Entry: &CollectionEntry{
						Index:       index,
						ReferenceId: &childId,
					},
				},
			},
		}
	case PropertyKindDictionary:
		dictionary, _ := property.Get(parent).(map[string]any)
		keys := maps.Keys(dictionary)
		slices.Sort(keys)
		for _, key := range keys {
			if dictionary[key] == any(child) {
				parentEntry.Properties[parentProperty] = &PropertyUpdate{
					Operations: []*CollectionOperation{
						{
							Op:    CollectionOpUpdate,
							Index: 0,
							Entry: &CollectionEntry{
								Key:         key,
								ReferenceId: &childId,
							},
						},
					},
				}
				return nil
			}
		}
		return fmt.Errorf("child not found in parent dictionary: %s.%s", parent.SubjectKind(), parentProperty)
	default:
		return fmt.Errorf("parent property is not a link: %s.%s", parent.SubjectKind(), parentProperty)
	}
	return nil
}

func collectionItemKey(item any) any {
	// subjects match by identity, scalars by value
	return item
}

// computes the structural operations that transform `oldItems` into
// `newItems`: Insert (item and index), Remove (index only), and Move
// (fromIndex to index, no payload since identity is unchanged). Removes are
// emitted in descending old-index order, then inserts and moves in ascending
// new-index order, so applying the operations sequentially to the old
// collection yields the new one.
func DiffCollections(oldItems []any, newItems []any, idFor IdFunction) []*CollectionOperation {
	operations := []*CollectionOperation{}
	working := slices.Clone(oldItems)

	newCounts := map[any]int{}
	for _, item := range newItems {
		newCounts[collectionItemKey(item)] += 1
	}

	// drop old items with no match in the new collection
	for i := len(working) - 1; 0 <= i; i -= 1 {
		key := collectionItemKey(working[i])
		if 0 < newCounts[key] {
			newCounts[key] -= 1
			continue
		}
		operations = append(operations, &CollectionOperation{
			Op:    CollectionOpRemove,
			Index: i,
		})
		working = slices.Delete(working, i, i+1)
	}

	// put each surviving item in place, inserting the new ones
	for i, item := range newItems {
		key := collectionItemKey(item)
		if i < len(working) && collectionItemKey(working[i]) == key {
			continue
		}
		fromIndex := -1
		for j := i + 1; j < len(working); j += 1 {
			if collectionItemKey(working[j]) == key {
				fromIndex = j
				break
			}
		}
		if 0 <= fromIndex {
			working = slices.Delete(working, fromIndex, fromIndex+1)
			working = slices.Insert(working, i, item)
			operations = append(operations, &CollectionOperation{
				Op:        CollectionOpMove,
				Index:     i,
				FromIndex: fromIndex,
			})
		} else {
			entry := &CollectionEntry{
				Index: i,
			}
			if subject, ok := item.(Subject); ok {
				referenceId := idFor(subject)
				entry.ReferenceId = &referenceId
			} else {
				entry.HasValue = true
				entry.Value = item
			}
			working = slices.Insert(working, i, item)
			operations = append(operations, &CollectionOperation{
				Op:    CollectionOpInsert,
				Index: i,
				Entry: entry,
			})
		}
	}

	return operations
}

// applies structural operations to an ordered collection.
// `resolve` materializes an entry's item (id reference or inline value).
func ApplyCollectionOperations(
	items []any,
	operations []*CollectionOperation,
	resolve func(entry *CollectionEntry) (any, error),
) ([]any, error) {
	result := slices.Clone(items)
	for _, operation := range operations {
		switch operation.Op {
		case CollectionOpInsert:
			if operation.Index < 0 || len(result) < operation.Index {
				return nil, fmt.Errorf("insert index out of range: %d", operation.Index)
			}
			item, err := resolve(operation.Entry)
			if err != nil {
				return nil, err
			}
			result = slices.Insert(result, operation.Index, item)
		case CollectionOpRemove:
			if operation.Index < 0 || len(result) <= operation.Index {
				return nil, fmt.Errorf("remove index out of range: %d", operation.Index)
			}
			result = slices.Delete(result, operation.Index, operation.Index+1)
		case CollectionOpMove:
			if operation.FromIndex < 0 || len(result) <= operation.FromIndex {
				return nil, fmt.Errorf("move fromIndex out of range: %d", operation.FromIndex)
			}
			if operation.Index < 0 || len(result) <= operation.Index {
				return nil, fmt.Errorf("move index out of range: %d", operation.Index)
			}
			item := result[operation.FromIndex]
			result = slices.Delete(result, operation.FromIndex, operation.FromIndex+1)
			result = slices.Insert(result, operation.Index, item)
		case CollectionOpUpdate:
			if operation.Index < 0 || len(result) <= operation.Index {
				return nil, fmt.Errorf("update index out of range: %d", operation.Index)
			}
			item, err := resolve(operation.Entry)
			if err != nil {
				return nil, err
			}
			result[operation.Index] = item
		default:
			return nil, fmt.Errorf("unknown collection op: %s", operation.Op)
		}
	}
	return result, nil
}
