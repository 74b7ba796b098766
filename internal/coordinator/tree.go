package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"esphome-go-home/internal/store"
)

var ErrReadOnly = errors.New("state is read-only")

// WriteHandler receives operator writes (ack=false) to subscribed states.
type WriteHandler func(ctx context.Context, id string, val any) error

// ObjectTree is the hierarchical object/state namespace. It wraps the
// persisted store, publishes every change on the event bus and routes
// operator writes on subscribed states to the write handler.
type ObjectTree struct {
	store  store.Store
	events *EventBus

	mu      sync.RWMutex
	subs    map[string]struct{}
	onWrite WriteHandler
}

func NewObjectTree(st store.Store, events *EventBus) *ObjectTree {
	return &ObjectTree{
		store:  st,
		events: events,
		subs:   make(map[string]struct{}),
	}
}

func (t *ObjectTree) GetObject(id string) (*store.Object, error) {
	return t.store.GetObject(id)
}

func (t *ObjectTree) ListObjects(typ store.ObjectType, prefix string) ([]*store.Object, error) {
	return t.store.ListObjects(typ, prefix)
}

func (t *ObjectTree) ExtendObject(obj *store.Object) error {
	if err := t.store.ExtendObject(obj); err != nil {
		return fmt.Errorf("extend %s: %w", obj.ID, err)
	}
	t.events.Emit(Event{Type: EventObjectChange, Data: ObjectChange{ID: obj.ID}})
	return nil
}

// DeleteObject removes id (and with recursive, everything below it) and
// drops matching subscriptions.
func (t *ObjectTree) DeleteObject(id string, recursive bool) error {
	if err := t.store.DeleteObject(id, recursive); err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	t.mu.Lock()
	delete(t.subs, id)
	if recursive {
		prefix := id + "."
		for s := range t.subs {
			if strings.HasPrefix(s, prefix) {
				delete(t.subs, s)
			}
		}
	}
	t.mu.Unlock()
	t.events.Emit(Event{Type: EventObjectChange, Data: ObjectChange{ID: id, Deleted: true}})
	return nil
}

func (t *ObjectTree) GetState(id string) (*store.State, error) {
	return t.store.GetState(id)
}

func (t *ObjectTree) ListStates(prefix string) (map[string]*store.State, error) {
	return t.store.ListStates(prefix)
}

// SetState stores a value and publishes it.
func (t *ObjectTree) SetState(id string, val any, ack bool) error {
	st := &store.State{Val: val, Ack: ack, TS: time.Now()}
	if err := t.store.SetState(id, st); err != nil {
		return fmt.Errorf("set state %s: %w", id, err)
	}
	t.events.Emit(Event{Type: EventStateChange, Data: StateChange{ID: id, Val: val, Ack: ack, TS: st.TS}})
	return nil
}

// Subscribe marks id as writable by operators. Repeated calls are harmless.
func (t *ObjectTree) Subscribe(id string) {
	t.mu.Lock()
	t.subs[id] = struct{}{}
	t.mu.Unlock()
}

func (t *ObjectTree) Subscribed(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.subs[id]
	return ok
}

func (t *ObjectTree) SetWriteHandler(h WriteHandler) {
	t.mu.Lock()
	t.onWrite = h
	t.mu.Unlock()
}

// WriteState is the operator write path: the value is stored with
// ack=false and, when the state is subscribed, handed to the write handler.
func (t *ObjectTree) WriteState(ctx context.Context, id string, val any) error {
	obj, err := t.store.GetObject(id)
	if err != nil {
		return err
	}
	if obj.Type != store.TypeState {
		return fmt.Errorf("%s is a %s, not a state", id, obj.Type)
	}
	if !obj.Common.Write {
		return fmt.Errorf("%s: %w", id, ErrReadOnly)
	}
	if err := t.SetState(id, val, false); err != nil {
		return err
	}

	t.mu.RLock()
	_, subscribed := t.subs[id]
	h := t.onWrite
	t.mu.RUnlock()
	if !subscribed || h == nil {
		return nil
	}
	return h(ctx, id, val)
}
