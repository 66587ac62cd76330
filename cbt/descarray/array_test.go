package descarray

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/cbtkit/cbt/pagebuf"
	"github.com/joshuapare/cbtkit/pkg/types"
)

func newArray[V any](t *testing.T, first, last uint64, opts Options) *Array[V] {
	t.Helper()
	a, err := New[V](first, last, opts)
	require.NoError(t, err)
	t.Cleanup(a.Done)
	return a
}

func Test_Array_SetGet(t *testing.T) {
	a := newArray[int](t, 100, 100+10*GroupSize-1, Options{})

	rng := rand.New(rand.NewSource(1))
	written := make(map[uint64]int)
	for i := 0; i < 500; i++ {
		idx := 100 + uint64(rng.Intn(10*GroupSize))
		v := rng.Int()
		require.NoError(t, a.Set(idx, v))
		written[idx] = v
	}

	for idx := a.First(); idx <= a.Last(); idx++ {
		got, err := a.Get(idx)
		if want, ok := written[idx]; ok {
			require.NoError(t, err)
			require.Equal(t, want, got, "index %d", idx)
			continue
		}
		require.ErrorIs(t, err, ErrNoData, "index %d never written", idx)
		require.ErrorIs(t, err, types.ErrNotFound)
	}
	assert.Equal(t, len(written), a.Count())
}

func Test_Array_ZeroValueIsPresent(t *testing.T) {
	a := newArray[*int](t, 0, 1023, Options{})
	require.NoError(t, a.Set(5, nil))

	v, err := a.Get(5)
	require.NoError(t, err)
	assert.Nil(t, v)

	_, err = a.Get(6)
	require.ErrorIs(t, err, ErrNoData)
}

func Test_Array_OverwriteKeepsCount(t *testing.T) {
	a := newArray[string](t, 0, 511, Options{})
	require.NoError(t, a.Set(3, "a"))
	require.NoError(t, a.Set(3, "b"))

	v, err := a.Get(3)
	require.NoError(t, err)
	assert.Equal(t, "b", v)
	assert.Equal(t, 1, a.Count())
	assert.Equal(t, 1, a.Groups())
}

func Test_Array_OutOfRange(t *testing.T) {
	a := newArray[int](t, 10, 20, Options{})
	require.ErrorIs(t, a.Set(9, 1), ErrOutOfRange)
	require.ErrorIs(t, a.Set(21, 1), ErrOutOfRange)
	_, err := a.Get(21)
	require.ErrorIs(t, err, types.ErrOutOfRange)

	require.NoError(t, a.Set(10, 1))
	require.NoError(t, a.Set(20, 1))

	_, err = New[int](5, 4, Options{})
	require.ErrorIs(t, err, ErrOutOfRange)
}

func Test_Array_OneGroupPerTouchedGroup(t *testing.T) {
	const n = 37
	a := newArray[uint64](t, 0, 1000*GroupSize-1, Options{})

	for g := uint64(0); g < n; g++ {
		idx := g*7*GroupSize + g%GroupSize
		require.NoError(t, a.Set(idx, g))
		// A second index in the same group allocates nothing new.
		require.NoError(t, a.Set(idx-idx%GroupSize, g))
	}
	assert.Equal(t, n, a.Groups())
}

func Test_Array_GroupLimit(t *testing.T) {
	a := newArray[int](t, 0, 4*GroupSize-1, Options{MaxGroups: 2})
	require.NoError(t, a.Set(0, 1))
	require.NoError(t, a.Set(GroupSize, 1))
	err := a.Set(2*GroupSize, 1)
	require.ErrorIs(t, err, ErrNoMemory)
	require.ErrorIs(t, err, types.ErrNoMemory)

	// Existing groups still accept writes.
	require.NoError(t, a.Set(GroupSize+1, 2))
}

func Test_Array_DirectoryBudget(t *testing.T) {
	budget := pagebuf.NewBudget(0)
	_, err := New[int](0, 10, Options{Budget: budget})
	require.ErrorIs(t, err, ErrNoMemory)
}

func Test_Array_Range(t *testing.T) {
	a := newArray[int](t, 1, 3*GroupSize, Options{})
	idx := []uint64{1, 2, 64, 65, GroupSize + 1, 3 * GroupSize}
	for i := len(idx) - 1; i >= 0; i-- {
		require.NoError(t, a.Set(idx[i], int(idx[i])*10))
	}

	var got []uint64
	a.Range(func(i uint64, v int) bool {
		assert.Equal(t, int(i)*10, v)
		got = append(got, i)
		return true
	})
	assert.Equal(t, idx, got)

	var first []uint64
	a.Range(func(i uint64, _ int) bool {
		first = append(first, i)
		return len(first) < 2
	})
	assert.Equal(t, idx[:2], first)
}

func Test_Array_ResetAndDone(t *testing.T) {
	a, err := New[int](0, 4*GroupSize, Options{})
	require.NoError(t, err)
	require.NoError(t, a.Set(1, 1))
	require.NoError(t, a.Set(3*GroupSize, 1))

	a.Reset()
	assert.Zero(t, a.Groups())
	_, err = a.Get(1)
	require.ErrorIs(t, err, ErrNoData)

	require.NoError(t, a.Set(1, 2))
	a.Done()
	a.Done()
	require.ErrorIs(t, a.Set(1, 3), ErrDone)
}

func Test_Array_ConcurrentReaders(t *testing.T) {
	a := newArray[uint64](t, 0, 64*GroupSize-1, Options{})
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w uint64) {
			defer wg.Done()
			for i := w; i < 64*GroupSize; i += 4 {
				if err := a.Set(i, i); err != nil {
					t.Error(err)
					return
				}
				if v, err := a.Get(i); err != nil || v != i {
					t.Errorf("Get(%d) = %d, %v", i, v, err)
					return
				}
			}
		}(uint64(w))
	}
	wg.Wait()
	assert.Equal(t, 64, a.Groups())
	assert.Equal(t, 64*GroupSize, a.Count())
}
