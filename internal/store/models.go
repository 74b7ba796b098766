package store

import "time"

// ObjectType discriminates nodes of the object tree.
type ObjectType string

const (
	TypeDevice  ObjectType = "device"
	TypeChannel ObjectType = "channel"
	TypeState   ObjectType = "state"
)

// Common holds the schema metadata of an object.
type Common struct {
	Name  string `json:"name"`
	Type  string `json:"type,omitempty"` // value type of a state: string, number, boolean, array, object
	Role  string `json:"role,omitempty"`
	Read  bool   `json:"read,omitempty"`
	Write bool   `json:"write,omitempty"`
	Unit  string `json:"unit,omitempty"`

	// States enumerates allowed values (select options).
	States []string `json:"states,omitempty"`

	// OnlineID points a device at its online indicator state.
	OnlineID string `json:"onlineId,omitempty"`
}

// Object is a node of the tree: a device, a channel grouping, or a state leaf.
type Object struct {
	ID     string         `json:"id"`
	Type   ObjectType     `json:"type"`
	Common Common         `json:"common"`
	Native map[string]any `json:"native,omitempty"`
}

// State is the value attached to a state object.
// Ack is true for device-confirmed values and false for pending operator writes.
type State struct {
	Val any       `json:"val"`
	Ack bool      `json:"ack"`
	TS  time.Time `json:"ts"`
}
