package lockedset

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddAndCount(t *testing.T) {
	var s Set[int]
	s.Add(1)
	s.Add(1)
	s.Add(2)

	require.Equal(t, 2, s.Count(1))
	require.Equal(t, 1, s.Count(2))
	require.Equal(t, 2, s.Len())
}

func TestAllUnique(t *testing.T) {
	var s Set[int]
	s.Add(1)
	s.Add(2)
	require.True(t, s.AllUnique())

	s.Add(1)
	require.False(t, s.AllUnique())
}

func TestConcurrentAdds(t *testing.T) {
	var s Set[int]
	var wg sync.WaitGroup
	const goroutines = 16
	const perGoroutine = 200

	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				s.Add(base*perGoroutine + i)
			}
		}(g)
	}
	wg.Wait()

	require.Equal(t, goroutines*perGoroutine, s.Len())
	require.True(t, s.AllUnique())
}

func TestSnapshotIsIndependentCopy(t *testing.T) {
	var s Set[string]
	s.Add("a")
	snap := s.Snapshot()
	s.Add("b")

	require.Len(t, snap, 1)
	require.Equal(t, 2, s.Len())
}
