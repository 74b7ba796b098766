package store

import "errors"

// ErrNotFound is returned when a requested object or state does not exist.
var ErrNotFound = errors.New("not found")

// Store persists the hierarchical object tree and the state values attached
// to its leaves. IDs are dot-separated paths ("<device>.info._online").
type Store interface {
	// Object operations
	GetObject(id string) (*Object, error)
	SetObject(obj *Object) error

	// ExtendObject merges obj into the stored object with the same ID,
	// creating it if missing. Native keys are merged one by one; Type and
	// Common are replaced when set on obj.
	ExtendObject(obj *Object) error

	// DeleteObject removes the object and its state. With recursive set,
	// every object and state below id is removed as well.
	DeleteObject(id string, recursive bool) error

	// ListObjects returns objects whose ID starts with prefix, optionally
	// filtered by type (empty type = any), in key order.
	ListObjects(typ ObjectType, prefix string) ([]*Object, error)

	// State operations
	GetState(id string) (*State, error)
	SetState(id string, st *State) error
	ListStates(prefix string) (map[string]*State, error)

	// Close the store
	Close() error
}
