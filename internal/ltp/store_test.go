package ltp

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUpsertLastWriteWins(t *testing.T) {
	s := NewStore()
	t1 := time.Unix(1728123456, 0).UTC()
	t2 := t1.Add(time.Second)

	s.Upsert(LTP{Token: "26000", Price: 101.5, TS: t1})
	s.Upsert(LTP{Token: "26000", Price: 103.0, TS: t2})

	got, ok := s.Get("26000")
	require.True(t, ok)
	require.Equal(t, 103.0, got.Price)
	require.Equal(t, t2, got.TS)
	require.Equal(t, 1, s.Len())
}

func TestGetMissing(t *testing.T) {
	s := NewStore()
	_, ok := s.Get("nope")
	require.False(t, ok)
}

func TestSnapshotIsCopy(t *testing.T) {
	s := NewStore()
	s.Upsert(LTP{Token: "26000", Price: 101.5})
	snap := s.Snapshot()
	require.Len(t, snap, 1)

	snap["26001"] = LTP{Token: "26001", Price: 1}
	require.Equal(t, 1, s.Len())

	s.Upsert(LTP{Token: "26000", Price: 200})
	require.Equal(t, 101.5, snap["26000"].Price)
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				s.Upsert(LTP{Token: fmt.Sprintf("tok%d", w), Price: float64(i)})
			}
		}(w)
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				s.Get("tok0")
				_ = s.Snapshot()
			}
		}()
	}
	wg.Wait()

	for w := 0; w < 4; w++ {
		got, ok := s.Get(fmt.Sprintf("tok%d", w))
		require.True(t, ok)
		require.Equal(t, 999.0, got.Price)
	}
}
