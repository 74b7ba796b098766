package coordinator

import (
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"esphome-go-home/internal/nativeapi"
)

// ConnStatus is the connection state of one device.
type ConnStatus string

const (
	StatusUninitialized        ConnStatus = "uninitialized"
	StatusConnecting           ConnStatus = "connecting"
	StatusConnected            ConnStatus = "connected"
	StatusInitialized          ConnStatus = "initialized"
	StatusDisconnected         ConnStatus = "disconnected"
	StatusUnreachable          ConnStatus = "unreachable"
	StatusInvalidCredentials   ConnStatus = "invalid-credentials"
	StatusEncryptionKeyMissing ConnStatus = "encryption-key-missing"
	StatusInitializing         ConnStatus = "initializing"
)

// IsError reports whether s is one of the classified error states.
func (s ConnStatus) IsError() bool {
	switch s {
	case StatusUnreachable, StatusInvalidCredentials, StatusEncryptionKeyMissing, StatusInitializing:
		return true
	}
	return false
}

// AddResult acknowledges an add/update device request.
type AddResult struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func addOK() AddResult                { return AddResult{Type: "info", Message: "success"} }
func addFailed(msg string) AddResult { return AddResult{Type: "error", Message: msg} }

// EntityRecord is one announced entity.
type EntityRecord struct {
	Type nativeapi.EntityType
	Key  uint32

	mu     sync.Mutex
	name   string
	config map[string]any
	unit   string
	states map[string]any
	once   map[string]bool
}

func newEntityRecord(ent nativeapi.Entity) *EntityRecord {
	e := &EntityRecord{
		Type:   ent.Type,
		Key:    ent.Key,
		states: make(map[string]any),
		once:   make(map[string]bool),
	}
	e.setConfig(ent.Name, ent.Config)
	return e
}

func (e *EntityRecord) setConfig(name string, cfg map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.name = name
	e.config = cfg
	e.unit, _ = cfg["unitOfMeasurement"].(string)
}

func (e *EntityRecord) Name() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.name
}

func (e *EntityRecord) Unit() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.unit
}

// Config returns the announced configuration. Callers must not modify it.
func (e *EntityRecord) Config() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.config
}

// State returns the last known value of a multi-field state.
func (e *EntityRecord) State(field string) (any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.states[field]
	return v, ok
}

func (e *EntityRecord) SetState(field string, v any) {
	e.mu.Lock()
	e.states[field] = v
	e.mu.Unlock()
}

// States returns a copy of the multi-field state map.
func (e *EntityRecord) States() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return maps.Clone(e.states)
}

// first reports true exactly once per name.
func (e *EntityRecord) first(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.once[name] {
		return false
	}
	e.once[name] = true
	return true
}

// ServiceRecord is one user-defined service.
type ServiceRecord struct {
	Config nativeapi.Service
}

func (s *ServiceRecord) Arg(name string) (nativeapi.ServiceArg, bool) {
	for _, a := range s.Config.Args {
		if a.Name == name {
			return a, true
		}
	}
	return nativeapi.ServiceArg{}, false
}

// DeviceRecord is the in-memory state of one known device.
type DeviceRecord struct {
	IP string

	mu                sync.Mutex
	mac               string
	name              string
	friendlyName      string
	sealedPassword    string
	sealedKey         string
	status            ConnStatus
	connecting        bool
	connected         bool
	connectionError   bool
	deletionRequested bool
	initialized       bool
	errorEpisode      ConnStatus
	client            nativeapi.Client
	pending           chan AddResult
	settle            *time.Timer

	channels map[string]struct{}
	entities map[string]*EntityRecord
	services map[string]*ServiceRecord
}

func newDeviceRecord(ip, sealedPassword, sealedKey string) *DeviceRecord {
	return &DeviceRecord{
		IP:             ip,
		sealedPassword: sealedPassword,
		sealedKey:      sealedKey,
		status:         StatusUninitialized,
		channels:       make(map[string]struct{}),
		entities:       make(map[string]*EntityRecord),
		services:       make(map[string]*ServiceRecord),
	}
}

func (d *DeviceRecord) Name() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.name
}

func (d *DeviceRecord) FriendlyName() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.friendlyName
}

func (d *DeviceRecord) Status() ConnStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

func (d *DeviceRecord) Client() nativeapi.Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.client
}

// setStatus updates the status and the mirrored flags.
func (d *DeviceRecord) setStatus(s ConnStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = s
	switch s {
	case StatusConnecting:
		d.connecting = true
	case StatusConnected, StatusInitialized:
		d.connecting = false
		d.connected = true
		d.connectionError = false
	case StatusDisconnected:
		d.connecting = false
		d.connected = false
	default:
		if s.IsError() {
			d.connecting = false
			d.connected = false
			d.connectionError = true
		}
	}
}

func (d *DeviceRecord) hasChannel(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.channels[id]
	return ok
}

func (d *DeviceRecord) addChannel(id string) {
	d.mu.Lock()
	d.channels[id] = struct{}{}
	d.mu.Unlock()
}

// dropChannels forgets prefix and every channel below it.
func (d *DeviceRecord) dropChannels(prefix string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id := range d.channels {
		if id == prefix || strings.HasPrefix(id, prefix+".") {
			delete(d.channels, id)
		}
	}
}

// Entity returns the entity for a stringified key.
func (d *DeviceRecord) Entity(key string) *EntityRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.entities[key]
}

// putEntity registers an announcement. The type of an existing entity is
// kept; its configuration is replaced.
func (d *DeviceRecord) putEntity(ent nativeapi.Entity) *EntityRecord {
	key := strconv.FormatUint(uint64(ent.Key), 10)
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.entities[key]; ok {
		e.setConfig(ent.Name, ent.Config)
		return e
	}
	e := newEntityRecord(ent)
	d.entities[key] = e
	return e
}

func (d *DeviceRecord) Service(key string) *ServiceRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.services[key]
}

func (d *DeviceRecord) putService(svc nativeapi.Service) {
	d.mu.Lock()
	d.services[strconv.FormatUint(uint64(svc.Key), 10)] = &ServiceRecord{Config: svc}
	d.mu.Unlock()
}

func (d *DeviceRecord) resetServices() {
	d.mu.Lock()
	d.services = make(map[string]*ServiceRecord)
	d.mu.Unlock()
}

// resetEpoch drops everything learned during one connection.
func (d *DeviceRecord) resetEpoch() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels = make(map[string]struct{})
	d.entities = make(map[string]*EntityRecord)
	d.services = make(map[string]*ServiceRecord)
	d.initialized = false
	if d.settle != nil {
		d.settle.Stop()
		d.settle = nil
	}
}

// takePending returns and clears the pending acknowledgement channel.
func (d *DeviceRecord) takePending() chan AddResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch := d.pending
	d.pending = nil
	return ch
}

// DeviceView is the externally visible summary of a device.
type DeviceView struct {
	IP              string     `json:"ip"`
	MAC             string     `json:"mac,omitempty"`
	Name            string     `json:"deviceName,omitempty"`
	FriendlyName    string     `json:"friendlyName,omitempty"`
	Status          ConnStatus `json:"connectionStatus"`
	Connecting      bool       `json:"connecting"`
	Connected       bool       `json:"connected"`
	ConnectionError bool       `json:"connectionError"`
	Entities        int        `json:"entities"`
}

func (d *DeviceRecord) View() DeviceView {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DeviceView{
		IP:              d.IP,
		MAC:             d.mac,
		Name:            d.name,
		FriendlyName:    d.friendlyName,
		Status:          d.status,
		Connecting:      d.connecting,
		Connected:       d.connected,
		ConnectionError: d.connectionError,
		Entities:        len(d.entities),
	}
}

// DiscoveredDevice is a provisional record for a device seen on the
// network but not added by the operator.
type DiscoveredDevice struct {
	IP           string    `json:"ip"`
	MAC          string    `json:"mac"`
	FriendlyName string    `json:"friendlyName"`
	Host         string    `json:"host,omitempty"`
	Seen         time.Time `json:"seen"`
}

// Registry holds every device record, the device-name to IP relation and
// the discovered-device list.
type Registry struct {
	mu         sync.RWMutex
	devices    map[string]*DeviceRecord
	nameToIP   map[string]string
	discovered map[string]DiscoveredDevice
}

func NewRegistry() *Registry {
	return &Registry{
		devices:    make(map[string]*DeviceRecord),
		nameToIP:   make(map[string]string),
		discovered: make(map[string]DiscoveredDevice),
	}
}

func (r *Registry) Get(ip string) *DeviceRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.devices[ip]
}

func (r *Registry) Put(d *DeviceRecord) {
	r.mu.Lock()
	r.devices[d.IP] = d
	r.mu.Unlock()
}

// Remove deletes the record for ip if it is still rec.
func (r *Registry) Remove(rec *DeviceRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.devices[rec.IP] == rec {
		delete(r.devices, rec.IP)
	}
	for name, ip := range r.nameToIP {
		if ip == rec.IP {
			delete(r.nameToIP, name)
		}
	}
}

// Current reports whether rec is the registered record for its IP.
func (r *Registry) Current(rec *DeviceRecord) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.devices[rec.IP] == rec
}

func (r *Registry) All() []*DeviceRecord {
	r.mu.RLock()
	out := make([]*DeviceRecord, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b *DeviceRecord) int { return compareIP(a.IP, b.IP) })
	return out
}

func (r *Registry) IPs() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.devices))
	for ip := range r.devices {
		out = append(out, ip)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, compareIP)
	return out
}

func (r *Registry) SetName(name, ip string) {
	r.mu.Lock()
	r.nameToIP[name] = ip
	r.mu.Unlock()
}

func (r *Registry) IPByName(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ip, ok := r.nameToIP[name]
	return ip, ok
}

// ByName resolves a device name to its record.
func (r *Registry) ByName(name string) *DeviceRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ip, ok := r.nameToIP[name]
	if !ok {
		return nil
	}
	return r.devices[ip]
}

func (r *Registry) AddDiscovered(d DiscoveredDevice) {
	r.mu.Lock()
	r.discovered[d.IP] = d
	r.mu.Unlock()
}

func (r *Registry) RemoveDiscovered(ip string) {
	r.mu.Lock()
	delete(r.discovered, ip)
	r.mu.Unlock()
}

func (r *Registry) Discovered() []DiscoveredDevice {
	r.mu.RLock()
	out := make([]DiscoveredDevice, 0, len(r.discovered))
	for _, d := range r.discovered {
		out = append(out, d)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b DiscoveredDevice) int { return compareIP(a.IP, b.IP) })
	return out
}

// compareIP orders dotted addresses numerically, falling back to string order.
func compareIP(a, b string) int {
	pa, oka := parseIPv4(a)
	pb, okb := parseIPv4(b)
	if !oka || !okb {
		return strings.Compare(a, b)
	}
	for i := range pa {
		if pa[i] != pb[i] {
			return int(pa[i]) - int(pb[i])
		}
	}
	return 0
}
