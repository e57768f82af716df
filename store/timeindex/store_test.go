package timeindex

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	reachcache "github.com/ethosengine/reach-cache"
)

func testEntry(key string, size int64, at time.Time) *reachcache.Entry {
	return &reachcache.Entry{
		Key:            key,
		SizeBytes:      size,
		CreatedAt:      at,
		LastAccessedAt: at,
	}
}

func TestPutGetRemove(t *testing.T) {
	s := New()
	now := time.Now()

	s.Put(testEntry("a", 100, now))
	s.Put(testEntry("b", 200, now.Add(time.Second)))

	got, ok := s.Get("a")
	require.True(t, ok)
	require.Equal(t, int64(100), got.SizeBytes)
	require.Equal(t, int64(300), s.TotalSize())
	require.Equal(t, 2, s.Len())

	removed, ok := s.Remove("a")
	require.True(t, ok)
	require.Equal(t, "a", removed.Key)
	require.Equal(t, int64(200), s.TotalSize())

	_, ok = s.Get("a")
	require.False(t, ok)

	_, ok = s.Remove("a")
	require.False(t, ok)
}

func TestPutReplaceAdjustsSize(t *testing.T) {
	s := New()
	now := time.Now()

	first := testEntry("a", 100, now)
	require.Nil(t, s.Put(first))
	require.Same(t, first, s.Put(testEntry("a", 250, now.Add(time.Minute))))

	require.Equal(t, 1, s.Len())
	require.Equal(t, int64(250), s.TotalSize())
}

func TestEvictOldestOrder(t *testing.T) {
	s := New()
	base := time.Now()

	for i := 0; i < 5; i++ {
		s.Put(testEntry(fmt.Sprintf("k%d", i), 10, base.Add(time.Duration(i)*time.Second)))
	}

	for i := 0; i < 5; i++ {
		e, ok := s.EvictOldest()
		require.True(t, ok)
		require.Equal(t, fmt.Sprintf("k%d", i), e.Key)
	}

	_, ok := s.EvictOldest()
	require.False(t, ok)
	require.Equal(t, int64(0), s.TotalSize())
}

func TestTouchReorders(t *testing.T) {
	s := New()
	base := time.Now()

	s.Put(testEntry("old", 10, base))
	s.Put(testEntry("new", 10, base.Add(time.Second)))

	// Touch "old" past "new": it should no longer be the eviction victim.
	touched, ok := s.Touch("old", base.Add(2*time.Second))
	require.True(t, ok)
	require.Equal(t, int64(1), touched.AccessCount)

	e, ok := s.EvictOldest()
	require.True(t, ok)
	require.Equal(t, "new", e.Key)
}

func TestTouchMissing(t *testing.T) {
	s := New()
	_, ok := s.Touch("nope", time.Now())
	require.False(t, ok)
}

func TestPeekOldest(t *testing.T) {
	s := New()
	base := time.Now()

	for i := 0; i < 4; i++ {
		s.Put(testEntry(fmt.Sprintf("k%d", i), 10, base.Add(time.Duration(i)*time.Second)))
	}

	keys := s.PeekOldest(2)
	require.Equal(t, []string{"k0", "k1"}, keys)

	// Peek does not remove.
	require.Equal(t, 4, s.Len())

	require.Len(t, s.PeekOldest(10), 4)
	require.Nil(t, s.PeekOldest(0))
}

func TestRemoveBefore(t *testing.T) {
	s := New()
	base := time.Now()

	for i := 0; i < 6; i++ {
		s.Put(testEntry(fmt.Sprintf("k%d", i), 10, base.Add(time.Duration(i)*time.Minute)))
	}

	removed := s.RemoveBefore(base.Add(2*time.Minute), 0)
	require.Len(t, removed, 3) // k0, k1, k2 (cutoff is inclusive)
	require.Equal(t, 3, s.Len())
	require.Equal(t, int64(30), s.TotalSize())

	for _, e := range removed {
		_, ok := s.Get(e.Key)
		require.False(t, ok)
	}
}

func TestRemoveBeforeBounded(t *testing.T) {
	s := New()
	base := time.Now()

	for i := 0; i < 10; i++ {
		s.Put(testEntry(fmt.Sprintf("k%d", i), 10, base.Add(time.Duration(i)*time.Second)))
	}

	removed := s.RemoveBefore(base.Add(time.Hour), 4)
	require.Len(t, removed, 4)
	require.Equal(t, 6, s.Len())
}

func TestSharedTimestampBucket(t *testing.T) {
	s := New()
	now := time.Now()

	// Several entries created in the same instant share one index bucket.
	s.Put(testEntry("a", 10, now))
	s.Put(testEntry("b", 10, now))
	s.Put(testEntry("c", 10, now))

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		e, ok := s.EvictOldest()
		require.True(t, ok)
		seen[e.Key] = true
	}
	require.Len(t, seen, 3)
}
