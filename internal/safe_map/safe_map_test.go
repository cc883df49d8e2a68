package safe_map

import (
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeMap_StoreLoadDelete(t *testing.T) {
	m := NewSafeMap[string, int]()

	_, ok := m.Load("missing")
	assert.False(t, ok)

	m.Store("a", 1)
	m.Store("b", 2)
	v, ok := m.Load("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, 2, m.Len())

	keys := m.Keys()
	sort.Strings(keys)
	assert.Equal(t, []string{"a", "b"}, keys)

	m.Delete("a")
	_, ok = m.Load("a")
	assert.False(t, ok)

	m.Clear()
	assert.Equal(t, 0, m.Len())
}

func TestSafeMap_ConcurrentAccess(t *testing.T) {
	m := NewSafeMap[int, int]()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			m.Store(n, n*n)
			m.Load(n)
			m.Keys()
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 20, m.Len())
}
