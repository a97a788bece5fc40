package statelink

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestTypeRegistry(t *testing.T) {
	types := newTestTypes()

	def, ok := types.Get("node")
	assert.Equal(t, true, ok)
	assert.Equal(t, "node", def.Kind)

	_, ok = def.Property("name")
	assert.Equal(t, true, ok)
	_, ok = def.Property("missing")
	assert.Equal(t, false, ok)

	_, ok = types.GetForSubject(&testNode{})
	assert.Equal(t, true, ok)
	_, ok = types.Get("missing")
	assert.Equal(t, false, ok)

	err := types.Register(&SubjectDef{Kind: "node"})
	assert.NotEqual(t, err, nil)
	err = types.Register(&SubjectDef{})
	assert.NotEqual(t, err, nil)
}

func TestCoerceKey(t *testing.T) {
	key, err := CoerceKey("5", KeyKindInt)
	assert.Equal(t, err, nil)
	assert.Equal(t, 5, key)

	key, err = CoerceKey(5, KeyKindString)
	assert.Equal(t, err, nil)
	assert.Equal(t, "5", key)

	key, err = CoerceKey(5, KeyKindFloat)
	assert.Equal(t, err, nil)
	assert.Equal(t, 5.0, key)

	key, err = CoerceKey(2.5, KeyKindString)
	assert.Equal(t, err, nil)
	assert.Equal(t, "2.5", key)

	_, err = CoerceKey("not-a-number", KeyKindInt)
	assert.NotEqual(t, err, nil)

	_, err = CoerceKey(true, KeyKindString)
	assert.NotEqual(t, err, nil)
}

func TestSubjectFactory(t *testing.T) {
	types := newTestTypes()
	factory := NewSubjectFactory(types)

	subject, err := factory.NewSubject("node")
	assert.Equal(t, err, nil)
	assert.Equal(t, "node", subject.SubjectKind())

	_, err = factory.NewSubject("missing")
	assert.NotEqual(t, err, nil)

	leaf := &testLeaf{label: "a"}
	collection, err := factory.NewCollection("leaf", []any{leaf, "scalar"})
	assert.Equal(t, err, nil)
	assert.Equal(t, 2, len(collection))

	_, err = factory.NewCollection("node", []any{leaf})
	assert.NotEqual(t, err, nil)

	// keys are coerced then canonicalized back to strings
	dictionary, err := factory.NewDictionary("", KeyKindInt, map[string]any{
		"1": "a",
		"2": "b",
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, "a", dictionary["1"])
	assert.Equal(t, "b", dictionary["2"])

	_, err = factory.NewDictionary("", KeyKindInt, map[string]any{
		"x": "a",
	})
	assert.NotEqual(t, err, nil)

	_, err = factory.NewDictionary("node", KeyKindString, map[string]any{
		"a": leaf,
	})
	assert.NotEqual(t, err, nil)
}
