// Package nativeapi is a client for the ESPHome native API (TCP port 6053),
// over plaintext framing or the Noise_NNpsk0 encrypted transport.
package nativeapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

var (
	ErrInvalidPassword    = errors.New("invalid password")
	ErrEncryptionExpected = errors.New("encryption expected")
	ErrHandshake          = errors.New("noise handshake failed")
	ErrNotConnected       = errors.New("not connected")
	ErrPingTimeout        = errors.New("ping timeout")
	ErrProtocol           = errors.New("protocol error")
)

// Client is one connection to one device. Handlers must be registered
// before Connect; they are invoked sequentially from the connection's read
// goroutine in the order the device sends messages.
type Client interface {
	// Lifecycle
	Connect(ctx context.Context) error
	Disconnect() error

	// Event callbacks
	OnConnected(handler func())
	OnDisconnected(handler func())
	OnInitialized(handler func())
	OnError(handler func(error))
	OnDeviceInfo(handler func(DeviceInfo))
	OnNewEntity(handler func(Entity))
	OnService(handler func(Service))
	OnState(handler func(StateEvent))

	// Commands
	SwitchCommand(ctx context.Context, cmd SwitchCommand) error
	FanCommand(ctx context.Context, cmd FanCommand) error
	ClimateCommand(ctx context.Context, cmd ClimateCommand) error
	NumberCommand(ctx context.Context, cmd NumberCommand) error
	TextCommand(ctx context.Context, cmd TextCommand) error
	ButtonCommand(ctx context.Context, cmd ButtonCommand) error
	SelectCommand(ctx context.Context, cmd SelectCommand) error
	LockCommand(ctx context.Context, cmd LockCommand) error
	CoverCommand(ctx context.Context, cmd CoverCommand) error
	LightCommand(ctx context.Context, cmd LightCommand) error
	ExecuteService(ctx context.Context, cmd ExecuteServiceCommand) error
	SubscribeStates(ctx context.Context) error
}

// Options configures a Client.
type Options struct {
	Host string
	Port int // default 6053

	// Password and EncryptionKey are mutually exclusive; a non-empty
	// EncryptionKey (base64, 32 bytes) selects the Noise transport.
	Password      string
	EncryptionKey string

	ClientInfo        string
	Reconnect         bool
	ReconnectInterval time.Duration
	PingInterval      time.Duration
	PingAttempts      int
	DialTimeout       time.Duration

	// Dial overrides the TCP dialer.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

func (o *Options) setDefaults() {
	if o.Port == 0 {
		o.Port = 6053
	}
	if o.ClientInfo == "" {
		o.ClientInfo = "esphome-go-home"
	}
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = 10 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 15 * time.Second
	}
	if o.PingAttempts <= 0 {
		o.PingAttempts = 3
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
}

// EntityType names an entity platform.
type EntityType string

const (
	BinarySensor EntityType = "BinarySensor"
	Button       EntityType = "Button"
	Climate      EntityType = "Climate"
	Cover        EntityType = "Cover"
	Fan          EntityType = "Fan"
	Light        EntityType = "Light"
	Lock         EntityType = "Lock"
	Number       EntityType = "Number"
	Select       EntityType = "Select"
	Sensor       EntityType = "Sensor"
	Switch       EntityType = "Switch"
	Text         EntityType = "Text"
	TextSensor   EntityType = "TextSensor"
)

// DeviceInfo is the device metadata, keyed by camelCase field name
// (name, macAddress, esphomeVersion, friendlyName, ...).
type DeviceInfo map[string]any

func (d DeviceInfo) str(key string) string {
	s, _ := d[key].(string)
	return s
}

// Name returns the node name.
func (d DeviceInfo) Name() string { return d.str("name") }

// MAC returns the MAC address in "AA:BB:CC:DD:EE:FF" form.
func (d DeviceInfo) MAC() string { return d.str("macAddress") }

// FriendlyName returns the friendly name, falling back to the node name.
func (d DeviceInfo) FriendlyName() string {
	if n := d.str("friendlyName"); n != "" {
		return n
	}
	return d.Name()
}

// Entity is an announced entity. Config holds every announced field,
// including objectId, key, name and uniqueId.
type Entity struct {
	Key      uint32
	Type     EntityType
	ObjectID string
	Name     string
	Config   map[string]any
}

// StateEvent is a state update for one entity. State holds every field of
// the state message, including "key".
type StateEvent struct {
	Key   uint32
	Type  EntityType
	State map[string]any
}

// EntityError reports a state or announcement that could not be processed.
type EntityError struct {
	Key  uint32
	Type EntityType
	Err  error
}

func (e *EntityError) Error() string {
	return fmt.Sprintf("entity %s %d: %v", e.Type, e.Key, e.Err)
}

func (e *EntityError) Unwrap() error { return e.Err }

// UnknownMessage reports a message the client has no schema for, usually
// an entity type from newer firmware. Fields holds the payload decoded by
// field number.
type UnknownMessage struct {
	Type   uint32
	Fields map[string]any
}

func (e *UnknownMessage) Error() string {
	return fmt.Sprintf("unhandled message type %d", e.Type)
}

// ServiceArgType is the declared type of a user-defined service argument.
type ServiceArgType int

const (
	ArgBool ServiceArgType = iota
	ArgInt
	ArgFloat
	ArgString
	ArgBoolArray
	ArgIntArray
	ArgFloatArray
	ArgStringArray
)

var argTypeNames = [...]string{"Bool", "Int", "Float", "String", "BoolArray", "IntArray", "FloatArray", "StringArray"}

func (t ServiceArgType) String() string {
	if t >= 0 && int(t) < len(argTypeNames) {
		return argTypeNames[t]
	}
	return fmt.Sprintf("ServiceArgType(%d)", int(t))
}

// IsArray reports whether the argument carries a list.
func (t ServiceArgType) IsArray() bool { return t >= ArgBoolArray }

// ParseServiceArgType parses a name produced by String.
func ParseServiceArgType(s string) (ServiceArgType, bool) {
	for i, n := range argTypeNames {
		if strings.EqualFold(n, s) {
			return ServiceArgType(i), true
		}
	}
	return 0, false
}

// ServiceArg is one declared argument of a service.
type ServiceArg struct {
	Name string         `json:"name"`
	Type ServiceArgType `json:"type"`
}

// Service is a user-defined service announced by the device.
type Service struct {
	Key  uint32       `json:"key"`
	Name string       `json:"name"`
	Args []ServiceArg `json:"args"`
}
