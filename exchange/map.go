package exchange

import "strings"

// Map is an ordered name to value mapping used for both message headers and
// exchange properties. Lookups are case-insensitive; iteration yields keys in
// insertion order with the spelling used when the key was first set.
//
// A nil *Map behaves as an empty, read-only map.
type Map struct {
	keys  []string
	vals  []any
	index map[string]int
}

// NewMap returns an empty Map.
func NewMap() *Map {
	return &Map{index: make(map[string]int)}
}

func fold(key string) string {
	return strings.ToLower(key)
}

// Get returns the value stored under key.
func (m *Map) Get(key string) (any, bool) {
	if m == nil {
		return nil, false
	}
	i, ok := m.index[fold(key)]
	if !ok {
		return nil, false
	}
	return m.vals[i], true
}

// Has reports whether key is present.
func (m *Map) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// Set stores value under key. Setting an existing key keeps its position
// and original spelling.
func (m *Map) Set(key string, value any) {
	if m.index == nil {
		m.index = make(map[string]int)
	}
	k := fold(key)
	if i, ok := m.index[k]; ok {
		m.vals[i] = value
		return
	}
	m.index[k] = len(m.keys)
	m.keys = append(m.keys, key)
	m.vals = append(m.vals, value)
}

// Delete removes key and returns the removed value.
func (m *Map) Delete(key string) (any, bool) {
	if m == nil {
		return nil, false
	}
	k := fold(key)
	i, ok := m.index[k]
	if !ok {
		return nil, false
	}
	v := m.vals[i]
	m.keys = append(m.keys[:i], m.keys[i+1:]...)
	m.vals = append(m.vals[:i], m.vals[i+1:]...)
	delete(m.index, k)
	for j := i; j < len(m.keys); j++ {
		m.index[fold(m.keys[j])] = j
	}
	return v, true
}

// Len returns the number of entries.
func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Keys returns the keys in insertion order.
func (m *Map) Keys() []string {
	if m == nil {
		return nil
	}
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Range calls fn for every entry in insertion order until fn returns false.
func (m *Map) Range(fn func(key string, value any) bool) {
	if m == nil {
		return
	}
	for i, k := range m.keys {
		if !fn(k, m.vals[i]) {
			return
		}
	}
}

// Clone returns a shallow copy. Values are shared.
func (m *Map) Clone() *Map {
	c := NewMap()
	m.Range(func(k string, v any) bool {
		c.Set(k, v)
		return true
	})
	return c
}
