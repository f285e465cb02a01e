package activitypub

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMemoryLedgerAdmitOnce(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(time.Hour)

	ok, err := l.Admit(ctx, "https://a.example/activities/1", "h1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Admit(ctx, "https://a.example/activities/1", "h2")
	require.NoError(t, err)
	assert.False(t, ok)

	entry, err := l.Lookup(ctx, "https://a.example/activities/1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "h1", entry.PayloadHash)

	entry, err = l.Lookup(ctx, "https://a.example/activities/2")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestMemoryLedgerConcurrentAdmit(t *testing.T) {
	l := NewMemoryLedger(time.Hour)

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.Admit(context.Background(), "https://a.example/activities/1", "h")
			assert.NoError(t, err)
			if ok {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), admitted.Load())
}

func TestMemoryLedgerReleaseAndExpiry(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(time.Hour)
	id := "https://a.example/activities/1"

	_, err := l.Admit(ctx, id, "h")
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx, id))

	ok, err := l.Admit(ctx, id, "h")
	require.NoError(t, err)
	assert.True(t, ok)

	now := time.Now()
	l.now = func() time.Time { return now.Add(2 * time.Hour) }
	ok, err = l.Admit(ctx, id, "h")
	require.NoError(t, err)
	assert.True(t, ok, "entries past retention admit again")
}

func TestMemoryLedgerPurge(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(time.Hour)

	start := time.Now()
	l.now = func() time.Time { return start }
	_, _ = l.Admit(ctx, "https://a.example/activities/old", "h")
	l.now = func() time.Time { return start.Add(time.Minute) }
	_, _ = l.Admit(ctx, "https://a.example/activities/new", "h")

	n, err := l.Purge(ctx, start.Add(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entry, _ := l.Lookup(ctx, "https://a.example/activities/old")
	assert.Nil(t, entry)
	entry, _ = l.Lookup(ctx, "https://a.example/activities/new")
	assert.NotNil(t, entry)
}

func TestSweepLedger(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := NewMemoryLedger(time.Millisecond)
	_, _ = l.Admit(ctx, "https://a.example/activities/1", "h")

	done := make(chan struct{})
	go func() {
		SweepLedger(ctx, l, 5*time.Millisecond, time.Millisecond, zap.NewNop())
		close(done)
	}()

	assert.Eventually(t, func() bool {
		entry, _ := l.Lookup(context.Background(), "https://a.example/activities/1")
		return entry == nil
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestPayloadHash(t *testing.T) {
	assert.Equal(t, PayloadHash([]byte("a")), PayloadHash([]byte("a")))
	assert.NotEqual(t, PayloadHash([]byte("a")), PayloadHash([]byte("b")))
	assert.Len(t, PayloadHash(nil), 64)
}
