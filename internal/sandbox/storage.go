package sandbox

import (
	"sort"
	"sync"

	"github.com/dop251/goja"
)

// Storage is the page's localStorage. Every mutation hands the full entry
// set to onChange so the host can persist it under the page's origin.
type Storage struct {
	mu       sync.Mutex
	items    map[string]string
	onChange func(entries map[string]string)
}

// NewStorage seeds a storage area
func NewStorage(seed map[string]string, onChange func(map[string]string)) *Storage {
	items := make(map[string]string, len(seed))
	for k, v := range seed {
		items[k] = v
	}
	return &Storage{items: items, onChange: onChange}
}

func (s *Storage) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.items[key]
	return v, ok
}

func (s *Storage) Set(key, value string) {
	s.mutate(func(items map[string]string) bool {
		if old, ok := items[key]; ok && old == value {
			return false
		}
		items[key] = value
		return true
	})
}

func (s *Storage) Remove(key string) {
	s.mutate(func(items map[string]string) bool {
		if _, ok := items[key]; !ok {
			return false
		}
		delete(items, key)
		return true
	})
}

func (s *Storage) Clear() {
	s.mutate(func(items map[string]string) bool {
		if len(items) == 0 {
			return false
		}
		for k := range items {
			delete(items, k)
		}
		return true
	})
}

// Key returns the i-th key in sorted order
func (s *Storage) Key(i int) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if i < 0 || i >= len(keys) {
		return "", false
	}
	return keys[i], true
}

func (s *Storage) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Snapshot copies the entries
func (s *Storage) Snapshot() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

func (s *Storage) snapshot() map[string]string {
	out := make(map[string]string, len(s.items))
	for k, v := range s.items {
		out[k] = v
	}
	return out
}

func (s *Storage) mutate(fn func(items map[string]string) bool) {
	s.mu.Lock()
	changed := fn(s.items)
	snap := s.snapshot()
	s.mu.Unlock()

	if changed && s.onChange != nil {
		s.onChange(snap)
	}
}

// object builds the localStorage global
func (s *Storage) object(vm *goja.Runtime) *goja.Object {
	obj := vm.NewObject()
	_ = obj.Set("getItem", func(key string) goja.Value {
		if v, ok := s.Get(key); ok {
			return vm.ToValue(v)
		}
		return goja.Null()
	})
	_ = obj.Set("setItem", func(key string, value goja.Value) {
		s.Set(key, value.String())
	})
	_ = obj.Set("removeItem", s.Remove)
	_ = obj.Set("clear", s.Clear)
	_ = obj.Set("key", func(i int) goja.Value {
		if k, ok := s.Key(i); ok {
			return vm.ToValue(k)
		}
		return goja.Null()
	})
	_ = obj.DefineAccessorProperty("length", vm.ToValue(s.Len), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)
	return obj
}
