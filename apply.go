package statelink

import (
	"fmt"
	"maps"

	"github.com/golang/glog"
)

// applies flat updates received from one source to the live graph.
//
// external ids resolve through the source's subject registry; unknown
// subjects are created through the factory. Every property write goes
// through the interception layer tagged with the source, with an ownership
// claim taken first so the resulting outbound change notification is
// filtered as a self-echo instead of being written back to the source.
type UpdateApplier struct {
	graph     GraphModel
	factory   *SubjectFactory
	registry  *SubjectRegistry[any]
	ownership *SourceOwnershipTracker
	source    *SourceHandle
}

func NewUpdateApplier(
	graph GraphModel,
	factory *SubjectFactory,
	registry *SubjectRegistry[any],
	ownership *SourceOwnershipTracker,
	source *SourceHandle,
) *UpdateApplier {
	return &UpdateApplier{
		graph:     graph,
		factory:   factory,
		registry:  registry,
		ownership: ownership,
		source:    source,
	}
}

// `ApplyUpdateFunction`
func (self *UpdateApplier) Apply(update *SubjectUpdate) error {
	// resolve or create every subject in the flat map first, so references
	// between entries resolve regardless of iteration order.
	// a subject created here is registered with count 1; its first placement
	// into a graph location consumes that credit instead of incrementing, so
	// the count stays equal to the number of locations.
	subjects := map[Id]Subject{}
	creationCredits := map[Subject]int{}
	for externalId, entry := range update.Subjects {
		subject, created, err := self.resolveSubject(update, externalId, entry)
		if err != nil {
			return err
		}
		subjects[externalId] = subject
		if created {
			creationCredits[subject] = 1
		}
	}
	if _, ok := subjects[update.RootId]; !ok {
		subject, _, err := self.resolveSubject(update, update.RootId, nil)
		if err != nil {
			return err
		}
		subjects[update.RootId] = subject
	}

	var firstErr error
	for externalId, entry := range update.Subjects {
		subject := subjects[externalId]
		def, ok := self.graph.Types().GetForSubject(subject)
		if !ok {
			return fmt.Errorf("unknown subject kind: %s", subject.SubjectKind())
		}
		for propertyName, propertyUpdate := range entry.Properties {
			property, ok := def.Property(propertyName)
			if !ok {
				return fmt.Errorf("unknown property: %s.%s", def.Kind, propertyName)
			}
			if err := self.applyProperty(subject, property, propertyUpdate, subjects, creationCredits); err != nil {
				// isolate per-property failures so one bad value does not
				// abort the rest of the update
				glog.Infof("[apply]%s.%s err = %s\n", def.Kind, propertyName, err)
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	return firstErr
}

func (self *UpdateApplier) resolveSubject(
	update *SubjectUpdate,
	externalId Id,
	entry *SubjectEntry,
) (subject Subject, created bool, err error) {
	if subject, ok := self.registry.SubjectForExternalId(externalId); ok {
		return subject, false, nil
	}
	if externalId == update.RootId {
		// the source's root maps onto the graph root
		root := self.graph.Root()
		self.registry.Register(root, externalId, nil)
		return root, false, nil
	}
	if entry == nil || entry.Kind == "" {
		return nil, false, fmt.Errorf("unknown external id with no kind: %s", externalId)
	}
	subject, err = self.factory.NewSubject(entry.Kind)
	if err != nil {
		return nil, false, err
	}
	if _, _, ok := self.registry.Register(subject, externalId, nil); !ok {
		return nil, false, fmt.Errorf("external id collision: %s", externalId)
	}
	return subject, true, nil
}

func (self *UpdateApplier) applyProperty(
	subject Subject,
	property *PropertyDef,
	propertyUpdate *PropertyUpdate,
	subjects map[Id]Subject,
	creationCredits map[Subject]int,
) error {
	oldValue := property.Get(subject)

	newValue, err := self.materializeValue(property, propertyUpdate, oldValue, subjects)
	if err != nil {
		return err
	}

	ref := PropertyRef{
		Subject: subject,
		Name:    property.Name,
	}
	if self.ownership != nil && !self.ownership.ClaimSource(ref) {
		// another source owns this property
		glog.V(1).Infof("[apply]skip %s, owned elsewhere\n", ref)
		return nil
	}

	if err := self.graph.SetValueFromSource(ref, newValue, self.source); err != nil {
		return err
	}

	self.adjustReferenceCounts(oldValue, newValue, creationCredits)
	return nil
}

func (self *UpdateApplier) materializeValue(
	property *PropertyDef,
	propertyUpdate *PropertyUpdate,
	oldValue any,
	subjects map[Id]Subject,
) (any, error) {
	resolve := func(entry *CollectionEntry) (any, error) {
		if entry == nil {
			return nil, fmt.Errorf("missing collection entry")
		}
		if entry.ReferenceId != nil {
			subject, err := self.lookupReference(*entry.ReferenceId, subjects)
			if err != nil {
				return nil, err
			}
			return subject, nil
		}
		if entry.HasValue {
			return entry.Value, nil
		}
		return nil, fmt.Errorf("collection entry has neither reference nor value")
	}

	switch {
	case propertyUpdate.HasValue:
		return propertyUpdate.Value, nil

	case propertyUpdate.HasReference:
		if propertyUpdate.ReferenceId == nil {
			return nil, nil
		}
		return self.lookupReference(*propertyUpdate.ReferenceId, subjects)

	case propertyUpdate.HasCollection:
		if property.Kind == PropertyKindDictionary {
			entries := map[string]any{}
			for _, entry := range propertyUpdate.Collection {
				item, err := resolve(entry)
				if err != nil {
					return nil, err
				}
				entries[entry.Key] = item
			}
			return self.factory.NewDictionary(property.ElementKind, property.KeyKind, entries)
		}
		items := make([]any, 0, len(propertyUpdate.Collection))
		for _, entry := range propertyUpdate.Collection {
			item, err := resolve(entry)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		return self.factory.NewCollection(property.ElementKind, items)

	case propertyUpdate.Operations != nil:
		if property.Kind == PropertyKindDictionary {
			dictionary, _ := oldValue.(map[string]any)
			result := maps.Clone(dictionary)
			if result == nil {
				result = map[string]any{}
			}
			for _, operation := range propertyUpdate.Operations {
				switch operation.Op {
				case CollectionOpRemove:
					if operation.Entry == nil {
						return nil, fmt.Errorf("dictionary remove needs a keyed entry")
					}
					delete(result, operation.Entry.Key)
				case CollectionOpInsert, CollectionOpUpdate:
					item, err := resolve(operation.Entry)
					if err != nil {
						return nil, err
					}
					result[operation.Entry.Key] = item
				default:
					return nil, fmt.Errorf("unsupported dictionary op: %s", operation.Op)
				}
			}
			return result, nil
		}
		items, _ := oldValue.([]any)
		return ApplyCollectionOperations(items, propertyUpdate.Operations, resolve)
	}

	return nil, fmt.Errorf("empty property update")
}

func (self *UpdateApplier) lookupReference(externalId Id, subjects map[Id]Subject) (Subject, error) {
	if subject, ok := subjects[externalId]; ok {
		return subject, nil
	}
	if subject, ok := self.registry.SubjectForExternalId(externalId); ok {
		return subject, nil
	}
	return nil, fmt.Errorf("unresolved reference: %s", externalId)
}

// keeps the registry's multiplicity in step with the graph locations this
// property contributes: each subject occurrence added by the write
// increments, each occurrence removed decrements. The first placement of a
// subject created in this apply consumes its creation credit instead.
func (self *UpdateApplier) adjustReferenceCounts(
	oldValue any,
	newValue any,
	creationCredits map[Subject]int,
) {
	oldCounts := subjectOccurrences(oldValue)
	newCounts := subjectOccurrences(newValue)

	for subject, newCount := range newCounts {
		oldCount := oldCounts[subject]
		for i := oldCount; i < newCount; i += 1 {
			if 0 < creationCredits[subject] {
				creationCredits[subject] -= 1
				continue
			}
			if externalId, ok := self.registry.ExternalIdFor(subject); ok {
				self.registry.Register(subject, externalId, nil)
			}
		}
	}
	for subject, oldCount := range oldCounts {
		newCount := newCounts[subject]
		for i := newCount; i < oldCount; i += 1 {
			if isLast, externalId, _, ok := self.registry.Unregister(subject); ok && isLast {
				glog.V(1).Infof("[apply]released %s\n", externalId)
			}
		}
	}
}

func subjectOccurrences(value any) map[Subject]int {
	counts := map[Subject]int{}
	switch v := value.(type) {
	case Subject:
		if v != nil {
			counts[v] += 1
		}
	case []any:
		for _, item := range v {
			if subject, ok := item.(Subject); ok {
				counts[subject] += 1
			}
		}
	case map[string]any:
		for _, item := range v {
			if subject, ok := item.(Subject); ok {
				counts[subject] += 1
			}
		}
	}
	return counts
}
