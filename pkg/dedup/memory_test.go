package dedup

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCheckAndMark(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(16, time.Minute)
	seen, err := m.CheckAndMark(ctx, "telegram:1.1")
	require.NoError(t, err)
	assert.False(t, seen)
	seen, _ = m.CheckAndMark(ctx, "telegram:1.1")
	assert.True(t, seen)
	seen, _ = m.CheckAndMark(ctx, "telegram:1.2")
	assert.False(t, seen)
}

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	m := NewMemory(16, time.Minute)
	m.now = func() time.Time { return now }

	seen, _ := m.CheckAndMark(ctx, "matrix:$a")
	assert.False(t, seen)
	now = now.Add(30 * time.Second)
	seen, _ = m.CheckAndMark(ctx, "matrix:$a")
	assert.True(t, seen)
	now = now.Add(2 * time.Minute)
	seen, _ = m.CheckAndMark(ctx, "matrix:$a")
	assert.False(t, seen)
}

func TestMemoryEvictsOldestWhenFull(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(3, time.Hour)
	for i := range 4 {
		seen, _ := m.CheckAndMark(ctx, fmt.Sprintf("k%d", i))
		assert.False(t, seen)
	}
	assert.Equal(t, 3, m.Len())
	seen, _ := m.CheckAndMark(ctx, "k0")
	assert.False(t, seen, "oldest key should have been evicted")
	seen, _ = m.CheckAndMark(ctx, "k3")
	assert.True(t, seen)
}

func TestMemoryReMarkAfterExpiryKeepsNewSlot(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	m := NewMemory(2, time.Minute)
	m.now = func() time.Time { return now }

	_, _ = m.CheckAndMark(ctx, "a")
	now = now.Add(2 * time.Minute)
	_, _ = m.CheckAndMark(ctx, "a")
	// Overwrites the first slot, which still holds the stale copy of "a".
	_, _ = m.CheckAndMark(ctx, "b")
	seen, _ := m.CheckAndMark(ctx, "a")
	assert.True(t, seen, "evicting the stale slot must not forget the fresh mark")
}

func TestMemoryConcurrentMarkOnce(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(64, time.Minute)
	var wg sync.WaitGroup
	var lock sync.Mutex
	firstSeen := 0
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen, _ := m.CheckAndMark(ctx, "telegram:5.5")
			if !seen {
				lock.Lock()
				firstSeen++
				lock.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, firstSeen)
}
