package collab

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestStoreMerge(t *testing.T) {
	store := NewStore([]string{"h1"}, map[string]any{"h1": "one"})
	other := NewStore([]string{"h2", "h1"}, map[string]any{"h2": "two", "h1": "stale"})

	store.Merge(other)

	// first seen wins, new hashes append in the other store's order
	assert.Equal(t, []string{"h1", "h2"}, store.Hashes())
	assert.Equal(t, "one", store.HashStore()["h1"])
	assert.Equal(t, "two", store.HashStore()["h2"])

	// merging again changes nothing
	store.Merge(other)
	assert.Equal(t, 2, store.Length())

	store.Merge(store)
	store.Merge(nil)
	assert.Equal(t, 2, store.Length())
}

func TestStoreSlice(t *testing.T) {
	store := NewStore(
		[]string{"h1", "h2", "h3"},
		map[string]any{"h1": 1.0, "h2": 2.0, "h3": 3.0},
	)

	middle := store.Slice(1, 2)
	assert.Equal(t, []string{"h2"}, middle.Hashes())
	assert.Equal(t, 2.0, middle.HashStore()["h2"])

	// out of range bounds clamp
	assert.Equal(t, 3, store.Slice(-5, 99).Length())
	assert.Equal(t, 0, store.Slice(2, 1).Length())
}

func TestStoreDifference(t *testing.T) {
	store := NewStore(
		[]string{"h1", "h2", "h3"},
		map[string]any{"h1": 1.0, "h2": 2.0, "h3": 3.0},
	)
	omit := NewStore([]string{"h2"}, map[string]any{"h2": 2.0})

	difference := store.Difference(omit)
	assert.Equal(t, []string{"h1", "h3"}, difference.Hashes())

	assert.Equal(t, 0, store.Difference(store).Length())
}

func TestStoreUnmarshal(t *testing.T) {
	store, err := UnmarshalStore([]byte(`{"hashes":["h1"],"hashStore":{"h1":{"type":"textStyle/bold"}}}`))
	assert.Equal(t, nil, err)
	assert.Equal(t, []string{"h1"}, store.Hashes())

	_, err = UnmarshalStore([]byte(`[`))
	assert.NotEqual(t, nil, err)
}
