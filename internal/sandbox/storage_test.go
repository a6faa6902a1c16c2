package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStorageMutationsNotify(t *testing.T) {
	var snapshots []map[string]string
	s := NewStorage(map[string]string{"seed": "1"}, func(entries map[string]string) {
		snapshots = append(snapshots, entries)
	})

	s.Set("a", "x")
	s.Set("a", "x") // unchanged
	s.Remove("missing")
	s.Remove("seed")
	s.Clear()
	s.Clear() // already empty

	assert.Equal(t, []map[string]string{
		{"seed": "1", "a": "x"},
		{"a": "x"},
		{},
	}, snapshots)
}

func TestStorageKeysAreSorted(t *testing.T) {
	s := NewStorage(map[string]string{"b": "2", "a": "1", "c": "3"}, nil)

	assert.Equal(t, 3, s.Len())
	for i, want := range []string{"a", "b", "c"} {
		k, ok := s.Key(i)
		assert.True(t, ok)
		assert.Equal(t, want, k)
	}
	_, ok := s.Key(3)
	assert.False(t, ok)
}

func TestStorageSeedIsCopied(t *testing.T) {
	seed := map[string]string{"a": "1"}
	s := NewStorage(seed, nil)
	seed["a"] = "changed"

	v, ok := s.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "1", v)

	snap := s.Snapshot()
	snap["a"] = "also changed"
	v, _ = s.Get("a")
	assert.Equal(t, "1", v)
}
