// Package restore provides the session restore cache: it serves the last
// known state of tracked objects during host startup and periodically dumps
// the current live state back to durable storage.
package restore

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/foomo/restorestate/pkg/lifecycle"
	"github.com/foomo/restorestate/pkg/metrics"
	"github.com/foomo/restorestate/pkg/registry"
	"github.com/foomo/restorestate/pkg/store"
)

const (
	// DefaultDumpInterval is how long between periodic saves of the current
	// states to storage.
	DefaultDumpInterval = 15 * time.Minute

	// DefaultShutdownTimeout bounds the final dump attempt on host shutdown.
	DefaultShutdownTimeout = 10 * time.Second
)

type (
	// Cache owns the one-time restore load, the in-memory last-state mapping
	// and the periodic dump scheduler.
	Cache struct {
		l               *zap.Logger
		store           *store.Store
		state           lifecycle.State
		registry        registry.Registry
		interval        time.Duration
		shutdownTimeout time.Duration

		loadOnce   sync.Once
		lastStates map[string]store.Record

		dumping atomic.Bool
		started atomic.Bool
		stopped atomic.Bool
		cancel  context.CancelFunc
		g       *errgroup.Group
	}
	Option func(*Cache)
)

// ------------------------------------------------------------------------------------------------
// ~ Options
// ------------------------------------------------------------------------------------------------

func WithDumpInterval(v time.Duration) Option {
	return func(o *Cache) {
		o.interval = v
	}
}

func WithShutdownTimeout(v time.Duration) Option {
	return func(o *Cache) {
		o.shutdownTimeout = v
	}
}

// ------------------------------------------------------------------------------------------------
// ~ Constructor
// ------------------------------------------------------------------------------------------------

func New(l *zap.Logger, s *store.Store, state lifecycle.State, reg registry.Registry, opts ...Option) *Cache {
	inst := &Cache{
		l:               l.Named("restore"),
		store:           s,
		state:           state,
		registry:        reg,
		interval:        DefaultDumpInterval,
		shutdownTimeout: DefaultShutdownTimeout,
	}

	for _, opt := range opts {
		opt(inst)
	}

	return inst
}

// ------------------------------------------------------------------------------------------------
// ~ Public methods
// ------------------------------------------------------------------------------------------------

// GetLastState returns the last known record for the given key, loading the
// stored snapshot on first use. Lookups are only honored while the host is
// still starting up; afterwards it always reports no prior state. Failures
// never propagate to the caller, they degrade to no prior state.
//
// The first caller triggers the one and only snapshot load; concurrent
// callers await that same load.
func (c *Cache) GetLastState(ctx context.Context, key string) (store.Record, bool) {
	if phase := c.state.Phase(); phase != lifecycle.NotStarted && phase != lifecycle.Starting {
		c.l.Debug("last state can only be loaded during startup",
			zap.String("key", key),
			zap.Stringer("phase", phase),
		)
		return store.Record{}, false
	}

	c.loadOnce.Do(func() {
		c.lastStates = c.loadStates(ctx)
	})

	record, ok := c.lastStates[key]
	return record, ok
}

// Restore invokes apply with the last known payload for the given key. It is
// a convenience wrapper around GetLastState for objects reconstructing
// themselves: when the restore window is closed or no prior state exists,
// apply is not called and Restore returns nil.
func (c *Cache) Restore(ctx context.Context, key string, apply func(payload jsoniter.RawMessage) error) error {
	record, ok := c.GetLastState(ctx, key)
	if !ok {
		return nil
	}
	return apply(record.Payload)
}

// Setup registers the dump scheduler on the host lifecycle: dumping starts
// once the host is running and a final dump is attempted when it stops.
func (c *Cache) Setup(sig *lifecycle.Signal) {
	sig.OnRunning(c.start)
	sig.OnStopping(c.stop)
}

// Dump captures the current state of every tracked object and saves it as a
// fresh snapshot. Dumps are best-effort: a failed save is logged and
// swallowed, and a dump arriving while a save is still outstanding is
// skipped rather than run concurrently.
func (c *Cache) Dump(ctx context.Context) {
	if !c.dumping.CompareAndSwap(false, true) {
		c.l.Debug("skipping dump, previous save still in flight")
		metrics.DumpsSkippedCounter.WithLabelValues().Inc()
		return
	}
	defer c.dumping.Store(false)

	l := c.l.With(zap.String("dump_id", uuid.New().String()))
	start := time.Now()

	snapshot := &store.Snapshot{
		SavedAt: start,
		Records: c.registry.States(ctx),
	}
	l.Debug("dumping states", zap.Int("records", len(snapshot.Records)))

	if err := c.store.Save(ctx, snapshot); err != nil {
		l.Error("failed to save current states", zap.Error(err))
		metrics.DumpsFailedCounter.WithLabelValues().Inc()
		return
	}

	metrics.DumpsCompletedCounter.WithLabelValues().Inc()
	metrics.DumpDuration.WithLabelValues().Observe(time.Since(start).Seconds())
}

// ------------------------------------------------------------------------------------------------
// ~ Private methods
// ------------------------------------------------------------------------------------------------

// loadStates builds the last-state index from storage. Every failure mode
// collapses to an empty index, a startup must never be blocked by a missing
// or corrupt snapshot.
func (c *Cache) loadStates(ctx context.Context) map[string]store.Record {
	states := map[string]store.Record{}

	snapshot, err := c.store.Load(ctx)
	if err != nil {
		c.l.Info("could not load snapshot, starting without prior states", zap.Error(err))
		metrics.SnapshotLoadFailedCounter.WithLabelValues().Inc()
		return states
	}
	if snapshot == nil {
		c.l.Debug("not creating cache, no saved states found")
		return states
	}

	// later duplicates win
	for _, record := range snapshot.Records {
		states[record.Key] = record
	}
	c.l.Debug("created cache",
		zap.Int("records", len(states)),
		zap.Time("saved_at", snapshot.SavedAt),
	)
	return states
}

func (c *Cache) start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	g, gCtx := errgroup.WithContext(ctx)
	c.g = g
	g.Go(func() error {
		return c.DumpRoutine(gCtx)
	})
}

func (c *Cache) stop() {
	if !c.stopped.CompareAndSwap(false, true) {
		return
	}

	if c.cancel != nil {
		c.cancel()
	}
	if c.g != nil {
		_ = c.g.Wait()
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.shutdownTimeout)
	defer cancel()
	c.Dump(ctx)
}
