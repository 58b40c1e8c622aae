// Package registry tracks the live objects whose state gets dumped to
// durable storage.
package registry

import (
	"context"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"github.com/foomo/restorestate/pkg/store"
)

// Registry provides the current value of every tracked object at the moment
// of a dump.
type Registry interface {
	States(ctx context.Context) []store.Record
}

// StateFunc produces the current serialized state of one tracked object.
type StateFunc func() jsoniter.RawMessage

// Tracker is an in-memory Registry. Tracked objects register a state function
// under their key; States queries all of them.
type Tracker struct {
	mu     sync.RWMutex
	states map[string]StateFunc
	order  []string
}

func NewTracker() *Tracker {
	return &Tracker{
		states: map[string]StateFunc{},
	}
}

// Register tracks the object with the given key. Re-registering a key
// replaces its state function but keeps its original position.
func (t *Tracker) Register(key string, fn StateFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.states[key]; !ok {
		t.order = append(t.order, key)
	}
	t.states[key] = fn
}

// Unregister stops tracking the object with the given key.
func (t *Tracker) Unregister(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.states[key]; !ok {
		return
	}
	delete(t.states, key)
	for i, k := range t.order {
		if k == key {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// States returns one record per tracked object, in registration order.
func (t *Tracker) States(_ context.Context) []store.Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	records := make([]store.Record, 0, len(t.order))
	for _, key := range t.order {
		records = append(records, store.Record{
			Key:     key,
			Payload: t.states[key](),
		})
	}
	return records
}
