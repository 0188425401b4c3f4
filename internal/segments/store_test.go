package segments

import (
	"context"
	"fmt"
	"os"
	"path"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := New("test-session", t.TempDir(), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	return store
}

func writeProducer(counter *int32) ProduceFunc {
	return func(ctx context.Context, path string) error {
		atomic.AddInt32(counter, 1)
		return os.WriteFile(path, []byte("ts-data"), 0644)
	}
}

func TestEnsureProducesOnce(t *testing.T) {
	store := newTestStore(t)
	key := Key{Start: 30, Duration: 10}

	var calls int32

	p, err := store.Ensure(context.Background(), key, writeProducer(&calls))
	require.NoError(t, err)
	assert.FileExists(t, p)

	// second request is a cache hit, no new producer
	p2, err := store.Ensure(context.Background(), key, writeProducer(&calls))
	require.NoError(t, err)
	assert.Equal(t, p, p2)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestEnsureDeduplicatesConcurrentCallers(t *testing.T) {
	store := newTestStore(t)
	key := Key{Start: 0, Duration: 10}

	var calls int32
	release := make(chan struct{})
	produce := func(ctx context.Context, path string) error {
		atomic.AddInt32(&calls, 1)
		<-release
		return os.WriteFile(path, []byte("ts-data"), 0644)
	}

	const callers = 8
	paths := make([]string, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			paths[i], errs[i] = store.Ensure(context.Background(), key, produce)
		}(i)
	}

	// let all callers pile up on the same in-flight marker
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&calls), "only one producer may run per key")
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, paths[0], paths[i], "all callers must receive the same file")
	}
}

func TestEnsureSurfacesProducerFailure(t *testing.T) {
	store := newTestStore(t)
	key := Key{Start: 10, Duration: 10}

	_, err := store.Ensure(context.Background(), key, func(ctx context.Context, path string) error {
		return fmt.Errorf("encoder exited with code 1")
	})
	require.Error(t, err)

	// a failed segment must not be cached as a hit
	var calls int32
	_, err = store.Ensure(context.Background(), key, writeProducer(&calls))
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestEnsureHonorsCallerCancellation(t *testing.T) {
	store := newTestStore(t)
	key := Key{Start: 20, Duration: 10}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := store.Ensure(ctx, key, func(ctx context.Context, path string) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPrefetch(t *testing.T) {
	store := newTestStore(t)
	key := Key{Start: 40, Duration: 10}

	var calls int32
	store.Prefetch(key, writeProducer(&calls))

	// prefetched segment becomes a plain cache hit for Ensure
	require.Eventually(t, func() bool {
		_, err := os.Stat(store.Path(key))
		return err == nil
	}, time.Second, 10*time.Millisecond)

	p, err := store.Ensure(context.Background(), key, writeProducer(&calls))
	require.NoError(t, err)
	assert.FileExists(t, p)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestCleanupWindow(t *testing.T) {
	store := newTestStore(t)

	// segments at indices 0..20 for a 10s chunk duration
	for i := 0; i <= 20; i++ {
		key := Key{Start: float64(i * 10), Duration: 10}
		require.NoError(t, os.WriteFile(store.Path(key), []byte("ts"), 0644))
	}

	store.Cleanup(Key{Start: 200, Duration: 10}, 5, 10)

	for i := 0; i <= 20; i++ {
		key := Key{Start: float64(i * 10), Duration: 10}
		_, err := os.Stat(store.Path(key))

		if i <= 10 {
			assert.True(t, os.IsNotExist(err), "segment %d should have been removed", i)
		} else {
			assert.NoError(t, err, "segment %d should have been kept", i)
		}
	}
}

func TestCleanupIgnoresForeignFiles(t *testing.T) {
	store := newTestStore(t)

	foreign := path.Join(store.Dir(), "notes.txt")
	require.NoError(t, os.WriteFile(foreign, []byte("keep me"), 0644))

	store.Cleanup(Key{Start: 1000, Duration: 10}, 1, 10)
	assert.FileExists(t, foreign)
}

func TestParseFileName(t *testing.T) {
	tests := []struct {
		name string
		key  Key
		ok   bool
	}{
		{name: "30__10.ts", key: Key{Start: 30, Duration: 10}, ok: true},
		{name: "0__10.ts", key: Key{Start: 0, Duration: 10}, ok: true},
		{name: "90__5.5.ts", key: Key{Start: 90, Duration: 5.5}, ok: true},
		{name: "30__10", ok: false},
		{name: "30.ts", ok: false},
		{name: "x__10.ts", ok: false},
		{name: "30__0.ts", ok: false},
		{name: "-10__10.ts", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, ok := ParseFileName(tt.name)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.key, key)
				assert.Equal(t, tt.name, key.FileName())
			}
		})
	}
}
