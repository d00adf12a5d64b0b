// Package orderedmap is an insertion-ordered map with order-preserving JSON
// encoding, wrapping github.com/wk8/go-ordered-map/v2.
package orderedmap

import (
	"iter"

	json "github.com/goccy/go-json"
	wk8 "github.com/wk8/go-ordered-map/v2"
)

// Map keeps keys in first-insertion order.  The zero value is not usable;
// build one with New.  A nil *Map reads as empty.
type Map[K comparable, V any] struct {
	om *wk8.OrderedMap[K, V]
}

// New returns an empty map.
func New[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{om: wk8.New[K, V]()}
}

func (m *Map[K, V]) Get(key K) (V, bool) {
	if m == nil || m.om == nil {
		var zero V
		return zero, false
	}
	return m.om.Get(key)
}

// Set updates key in place or appends it.
func (m *Map[K, V]) Set(key K, value V) {
	if m.om == nil {
		m.om = wk8.New[K, V]()
	}
	m.om.Set(key, value)
}

// Delete removes key and reports whether it was present.
func (m *Map[K, V]) Delete(key K) bool {
	if m == nil || m.om == nil {
		return false
	}
	_, ok := m.om.Delete(key)
	return ok
}

func (m *Map[K, V]) Len() int {
	if m == nil || m.om == nil {
		return 0
	}
	return m.om.Len()
}

// All yields entries in insertion order.
func (m *Map[K, V]) All() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		if m == nil || m.om == nil {
			return
		}
		for p := m.om.Oldest(); p != nil; p = p.Next() {
			if !yield(p.Key, p.Value) {
				return
			}
		}
	}
}

// Keys yields keys in insertion order.
func (m *Map[K, V]) Keys() iter.Seq[K] {
	return func(yield func(K) bool) {
		for k := range m.All() {
			if !yield(k) {
				return
			}
		}
	}
}

// Clone returns a shallow copy with the same order.
func (m *Map[K, V]) Clone() *Map[K, V] {
	out := New[K, V]()
	for k, v := range m.All() {
		out.Set(k, v)
	}
	return out
}

func (m *Map[K, V]) MarshalJSON() ([]byte, error) {
	if m == nil || m.om == nil {
		return []byte("null"), nil
	}
	return json.Marshal(m.om)
}

// UnmarshalJSON keeps the key order of the document.
func (m *Map[K, V]) UnmarshalJSON(data []byte) error {
	m.om = wk8.New[K, V]()
	return json.Unmarshal(data, m.om)
}
