package restore

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/foomo/restorestate/pkg/lifecycle"
	"github.com/foomo/restorestate/pkg/registry"
	"github.com/foomo/restorestate/pkg/store"
)

// stubStorage is an in-memory store.Storage with failure and latency
// injection for exercising the cache's fail-open and overlap behavior.
type stubStorage struct {
	mu        sync.Mutex
	data      map[string][]byte
	reads     atomic.Int32
	writes    atomic.Int32
	readErr   error
	writeErr  error
	blockRead chan struct{} // when set, Read waits until closed
	slowWrite time.Duration
}

func newStubStorage() *stubStorage {
	return &stubStorage{data: map[string][]byte{}}
}

func (s *stubStorage) Write(_ context.Context, key string, data []byte) error {
	if key == store.CurrentKey {
		s.writes.Add(1)
	}
	if s.slowWrite > 0 {
		time.Sleep(s.slowWrite)
	}
	if s.writeErr != nil {
		return s.writeErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), data...)
	return nil
}

func (s *stubStorage) Read(_ context.Context, key string) ([]byte, error) {
	s.reads.Add(1)
	if s.blockRead != nil {
		<-s.blockRead
	}
	if s.readErr != nil {
		return nil, s.readErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.data[key]
	if !ok {
		return nil, os.ErrNotExist
	}
	return data, nil
}

func (s *stubStorage) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for key := range s.data {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (s *stubStorage) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *stubStorage) Close() error {
	return nil
}

func newTestCache(t *testing.T, storage store.Storage, sig *lifecycle.Signal, opts ...Option) (*Cache, *registry.Tracker) {
	t.Helper()
	s, err := store.NewStore(zaptest.NewLogger(t), store.StoreWithStorage(storage))
	require.NoError(t, err)
	tracker := registry.NewTracker()
	return New(zaptest.NewLogger(t), s, sig, tracker, opts...), tracker
}

func saveStates(t *testing.T, storage store.Storage, records ...store.Record) {
	t.Helper()
	s, err := store.NewStore(zaptest.NewLogger(t), store.StoreWithStorage(storage))
	require.NoError(t, err)
	require.NoError(t, s.Save(t.Context(), &store.Snapshot{
		SavedAt: time.Now(),
		Records: records,
	}))
}

func TestGetLastState_RoundTrip(t *testing.T) {
	storage := newStubStorage()
	saveStates(t, storage,
		store.Record{Key: "input_boolean.b0", Payload: jsoniter.RawMessage(`"on"`)},
		store.Record{Key: "input_boolean.b1", Payload: jsoniter.RawMessage(`"off"`)},
	)

	sig := lifecycle.NewSignal()
	sig.Advance(lifecycle.Starting)
	cache, _ := newTestCache(t, storage, sig)

	record, ok := cache.GetLastState(t.Context(), "input_boolean.b1")
	require.True(t, ok)
	assert.Equal(t, "input_boolean.b1", record.Key)
	assert.JSONEq(t, `"off"`, string(record.Payload))

	_, ok = cache.GetLastState(t.Context(), "input_boolean.b2")
	assert.False(t, ok)
}

func TestGetLastState_BeforeStart(t *testing.T) {
	storage := newStubStorage()
	saveStates(t, storage, store.Record{Key: "a", Payload: jsoniter.RawMessage(`1`)})

	// lookups are honored in the not-started phase as well
	cache, _ := newTestCache(t, storage, lifecycle.NewSignal())

	_, ok := cache.GetLastState(t.Context(), "a")
	assert.True(t, ok)
}

func TestGetLastState_SingleFlight(t *testing.T) {
	storage := newStubStorage()
	saveStates(t, storage, store.Record{Key: "a", Payload: jsoniter.RawMessage(`1`)})
	storage.reads.Store(0)
	storage.blockRead = make(chan struct{})

	sig := lifecycle.NewSignal()
	sig.Advance(lifecycle.Starting)
	cache, _ := newTestCache(t, storage, sig)

	const callers = 20
	var (
		wg    sync.WaitGroup
		found atomic.Int32
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := cache.GetLastState(t.Context(), "a"); ok {
				found.Add(1)
			}
		}()
	}

	// let the callers pile up on the in-flight load before releasing it
	time.Sleep(50 * time.Millisecond)
	close(storage.blockRead)
	wg.Wait()

	assert.EqualValues(t, 1, storage.reads.Load())
	assert.EqualValues(t, callers, found.Load())
}

func TestGetLastState_NoSnapshot(t *testing.T) {
	sig := lifecycle.NewSignal()
	sig.Advance(lifecycle.Starting)
	cache, _ := newTestCache(t, newStubStorage(), sig)

	_, ok := cache.GetLastState(t.Context(), "input_boolean.b1")
	assert.False(t, ok)
}

func TestGetLastState_LoadError(t *testing.T) {
	storage := newStubStorage()
	storage.readErr = errors.New("disk on fire")

	sig := lifecycle.NewSignal()
	sig.Advance(lifecycle.Starting)
	cache, _ := newTestCache(t, storage, sig)

	_, ok := cache.GetLastState(t.Context(), "a")
	assert.False(t, ok)

	// the failed load is never retried
	_, ok = cache.GetLastState(t.Context(), "a")
	assert.False(t, ok)
	assert.EqualValues(t, 1, storage.reads.Load())
}

func TestGetLastState_WindowClosed(t *testing.T) {
	storage := newStubStorage()
	saveStates(t, storage, store.Record{Key: "a", Payload: jsoniter.RawMessage(`1`)})

	sig := lifecycle.NewSignal()
	sig.Advance(lifecycle.Running)
	cache, _ := newTestCache(t, storage, sig)

	_, ok := cache.GetLastState(t.Context(), "a")
	assert.False(t, ok)
	assert.EqualValues(t, 0, storage.reads.Load())
}

func TestGetLastState_WindowClosesAfterPopulation(t *testing.T) {
	storage := newStubStorage()
	saveStates(t, storage, store.Record{Key: "a", Payload: jsoniter.RawMessage(`1`)})

	sig := lifecycle.NewSignal()
	sig.Advance(lifecycle.Starting)
	cache, _ := newTestCache(t, storage, sig)

	_, ok := cache.GetLastState(t.Context(), "a")
	require.True(t, ok)

	// even a populated cache stops serving new lookups once the host runs
	sig.Advance(lifecycle.Running)
	_, ok = cache.GetLastState(t.Context(), "a")
	assert.False(t, ok)
}

func TestRestore_AppliesPayload(t *testing.T) {
	storage := newStubStorage()
	saveStates(t, storage, store.Record{Key: "light.kitchen", Payload: jsoniter.RawMessage(`"on"`)})

	sig := lifecycle.NewSignal()
	sig.Advance(lifecycle.Starting)
	cache, _ := newTestCache(t, storage, sig)

	var applied string
	err := cache.Restore(t.Context(), "light.kitchen", func(payload jsoniter.RawMessage) error {
		applied = string(payload)
		return nil
	})
	require.NoError(t, err)
	assert.JSONEq(t, `"on"`, applied)

	// no prior state: apply is not called
	err = cache.Restore(t.Context(), "light.cellar", func(jsoniter.RawMessage) error {
		t.Fatal("apply must not be called without prior state")
		return nil
	})
	require.NoError(t, err)
}

func TestGetLastState_DuplicateKeysLastWins(t *testing.T) {
	storage := newStubStorage()
	saveStates(t, storage,
		store.Record{Key: "a", Payload: jsoniter.RawMessage(`1`)},
		store.Record{Key: "a", Payload: jsoniter.RawMessage(`2`)},
	)

	sig := lifecycle.NewSignal()
	sig.Advance(lifecycle.Starting)
	cache, _ := newTestCache(t, storage, sig)

	record, ok := cache.GetLastState(t.Context(), "a")
	require.True(t, ok)
	assert.JSONEq(t, `2`, string(record.Payload))
}
