package coordinator

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"

	"esphome-go-home/internal/stateattr"
	"esphome-go-home/internal/store"
	"esphome-go-home/internal/transform"
)

// StateOptions overrides the registry defaults for one state write.
type StateOptions struct {
	Unit   string
	Write  bool
	Name   string
	Role   string
	States []string
}

// stateDetails is the cached metadata of a created state.
type stateDetails struct {
	Name   string
	Type   string
	Role   string
	Read   bool
	Write  bool
	Unit   string
	States []string
}

func (d stateDetails) equal(o stateDetails) bool {
	return d.Name == o.Name && d.Type == o.Type && d.Role == o.Role &&
		d.Read == o.Read && d.Write == o.Write && d.Unit == o.Unit &&
		slices.Equal(d.States, o.States)
}

// StateWriter is the single path for creating and updating state leaves.
// Metadata is only written to the tree when it differs from what this
// process last wrote for the same ID.
type StateWriter struct {
	tree   *ObjectTree
	logger *slog.Logger

	// objMu orders metadata writes against sweeps of stale objects.
	objMu sync.Mutex

	mu      sync.Mutex
	details map[string]stateDetails
	warned  map[string]struct{}
}

func NewStateWriter(tree *ObjectTree, logger *slog.Logger) *StateWriter {
	return &StateWriter{
		tree:    tree,
		logger:  logger.With("component", "statewriter"),
		details: make(map[string]stateDetails),
		warned:  make(map[string]struct{}),
	}
}

// SetCreate creates or updates the state id. A nil val registers metadata
// and writability without touching the stored value.
func (w *StateWriter) SetCreate(id, name string, val any, opts StateOptions) error {
	attr, ok := stateattr.Lookup(name)
	if !ok {
		w.warnMissing(name)
		attr = stateattr.Attr{Name: name, Role: "state", Read: true}
	}

	d := stateDetails{
		Name:   attr.Name,
		Type:   transform.ValueType(val),
		Role:   attr.Role,
		Read:   true,
		Write:  attr.Write || opts.Write,
		Unit:   attr.Unit,
		States: opts.States,
	}
	if opts.Name != "" {
		d.Name = opts.Name
	}
	if opts.Role != "" {
		d.Role = opts.Role
	}
	if opts.Unit != "" {
		d.Unit = opts.Unit
	}

	if err := w.writeDetails(id, d, val == nil); err != nil {
		return err
	}

	if val != nil {
		if err := w.tree.SetState(id, val, true); err != nil {
			return err
		}
	}
	if d.Write {
		w.tree.Subscribe(id)
	}
	return nil
}

// writeDetails extends the tree object for id when d differs from the
// cached metadata. keepType carries over the cached value type.
func (w *StateWriter) writeDetails(id string, d stateDetails, keepType bool) error {
	w.objMu.Lock()
	defer w.objMu.Unlock()

	w.mu.Lock()
	prev, cached := w.details[id]
	w.mu.Unlock()
	if keepType && cached {
		d.Type = prev.Type
	}
	if cached && prev.equal(d) {
		return nil
	}
	obj := &store.Object{
		ID:   id,
		Type: store.TypeState,
		Common: store.Common{
			Name:   d.Name,
			Type:   d.Type,
			Role:   d.Role,
			Read:   d.Read,
			Write:  d.Write,
			Unit:   d.Unit,
			States: d.States,
		},
	}
	if err := w.tree.ExtendObject(obj); err != nil {
		return err
	}
	w.mu.Lock()
	w.details[id] = d
	w.mu.Unlock()
	return nil
}

// Sweep runs fn with metadata writes held off, so an object created
// while fn decides what is stale is never deleted.
func (w *StateWriter) Sweep(fn func() error) error {
	w.objMu.Lock()
	defer w.objMu.Unlock()
	return fn()
}

func (w *StateWriter) warnMissing(name string) {
	w.mu.Lock()
	_, seen := w.warned[name]
	w.warned[name] = struct{}{}
	w.mu.Unlock()
	if !seen {
		w.logger.Debug("no state definition, using defaults", "name", name)
	}
}

// Has reports whether id was created by this writer.
func (w *StateWriter) Has(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.details[id]
	return ok
}

// PurgePrefix forgets cached metadata for prefix and everything below it.
func (w *StateWriter) PurgePrefix(prefix string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id := range w.details {
		if id == prefix || strings.HasPrefix(id, prefix+".") {
			delete(w.details, id)
		}
	}
}

// EnsureChannel creates a channel once per connection epoch of rec.
func (w *StateWriter) EnsureChannel(rec *DeviceRecord, id, name string) error {
	if rec.hasChannel(id) {
		return nil
	}
	w.objMu.Lock()
	defer w.objMu.Unlock()
	err := w.tree.ExtendObject(&store.Object{
		ID:     id,
		Type:   store.TypeChannel,
		Common: store.Common{Name: name},
	})
	if err != nil {
		return err
	}
	rec.addChannel(id)
	return nil
}

// TraverseJSON materializes an arbitrary nested map below prefix: nested
// non-empty maps become channels, slices are stored as JSON strings and
// scalars become read-only states.
func (w *StateWriter) TraverseJSON(rec *DeviceRecord, prefix string, data map[string]any) error {
	for _, k := range slices.Sorted(maps.Keys(data)) {
		id := prefix + "." + k
		switch v := data[k].(type) {
		case map[string]any:
			if len(v) == 0 {
				continue
			}
			if err := w.EnsureChannel(rec, id, k); err != nil {
				return err
			}
			if err := w.TraverseJSON(rec, id, v); err != nil {
				return err
			}
		case []any, []string, []int, []float64:
			b, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("encode %s: %w", id, err)
			}
			if string(b) == "[]" || string(b) == "null" {
				continue
			}
			if err := w.SetCreate(id, k, string(b), StateOptions{}); err != nil {
				return err
			}
		default:
			if err := w.SetCreate(id, k, v, StateOptions{}); err != nil {
				return err
			}
		}
	}
	return nil
}
