package lru

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetGetMovesToFront(t *testing.T) {
	m := New[string, int](2, nil)
	m.Set("a", 1)
	m.Set("b", 2)

	_, _ = m.Get("a") // a is now most-recent
	m.Set("c", 3)     // should evict b, not a

	_, ok := m.Get("b")
	assert.False(t, ok)
	v, ok := m.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestEvictCallbackFiresOnce(t *testing.T) {
	var evicted []string
	m := New[string, int](1, func(k string, v int) {
		evicted = append(evicted, k)
	})
	m.Set("a", 1)
	m.Set("b", 2)
	m.Set("c", 3)

	assert.Equal(t, []string{"a", "b"}, evicted)
	assert.Equal(t, 1, m.Len())
}

func TestSetNeverFails(t *testing.T) {
	m := New[int, int](1, nil)
	for i := 0; i < 1000; i++ {
		m.Set(i, i*i)
	}
	assert.Equal(t, 1, m.Len())
}

func TestIterationOrderOldestFirst(t *testing.T) {
	m := New[string, int](3, nil)
	m.Set("a", 1)
	m.Set("b", 2)
	m.Set("c", 3)

	assert.Equal(t, []string{"a", "b", "c"}, m.Keys())
}
