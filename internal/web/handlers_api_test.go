package web

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"

	"esphome-go-home/internal/automation"
	"esphome-go-home/internal/coordinator"
	"esphome-go-home/internal/nativeapi"
	"esphome-go-home/internal/secret"
	"esphome-go-home/internal/store"
)

// stubClient plays a device that connects, reports one switch and records
// commands. A configured connect error is returned instead.
type stubClient struct {
	host       string
	connectErr error

	mu           sync.Mutex
	onConnected  func()
	onDeviceInfo func(nativeapi.DeviceInfo)
	onNewEntity  func(nativeapi.Entity)
	onState      func(nativeapi.StateEvent)
	commands     []any
}

var _ nativeapi.Client = (*stubClient)(nil)

const testDevice = "AABBCC000005"

func (c *stubClient) Connect(context.Context) error {
	if c.connectErr != nil {
		return c.connectErr
	}
	c.onConnected()
	c.onDeviceInfo(nativeapi.DeviceInfo{
		"name":         "porch",
		"friendlyName": "Porch",
		"macAddress":   "AA:BB:CC:00:00:05",
	})
	c.onNewEntity(nativeapi.Entity{Key: 1, Type: nativeapi.Switch, ObjectID: "relay", Name: "Relay", Config: map[string]any{}})
	c.onState(nativeapi.StateEvent{Key: 1, Type: nativeapi.Switch, State: map[string]any{"key": uint32(1), "state": false}})
	return nil
}

func (c *stubClient) Disconnect() error                         { return nil }
func (c *stubClient) OnConnected(h func())                      { c.onConnected = h }
func (c *stubClient) OnDisconnected(func())                     {}
func (c *stubClient) OnInitialized(func())                      {}
func (c *stubClient) OnError(func(error))                       {}
func (c *stubClient) OnDeviceInfo(h func(nativeapi.DeviceInfo)) { c.onDeviceInfo = h }
func (c *stubClient) OnNewEntity(h func(nativeapi.Entity))      { c.onNewEntity = h }
func (c *stubClient) OnService(func(nativeapi.Service))         {}
func (c *stubClient) OnState(h func(nativeapi.StateEvent))      { c.onState = h }
func (c *stubClient) SubscribeStates(context.Context) error     { return nil }

func (c *stubClient) record(cmd any) error {
	c.mu.Lock()
	c.commands = append(c.commands, cmd)
	c.mu.Unlock()
	return nil
}

func (c *stubClient) SwitchCommand(_ context.Context, cmd nativeapi.SwitchCommand) error   { return c.record(cmd) }
func (c *stubClient) FanCommand(_ context.Context, cmd nativeapi.FanCommand) error         { return c.record(cmd) }
func (c *stubClient) ClimateCommand(_ context.Context, cmd nativeapi.ClimateCommand) error { return c.record(cmd) }
func (c *stubClient) NumberCommand(_ context.Context, cmd nativeapi.NumberCommand) error   { return c.record(cmd) }
func (c *stubClient) TextCommand(_ context.Context, cmd nativeapi.TextCommand) error       { return c.record(cmd) }
func (c *stubClient) ButtonCommand(_ context.Context, cmd nativeapi.ButtonCommand) error   { return c.record(cmd) }
func (c *stubClient) SelectCommand(_ context.Context, cmd nativeapi.SelectCommand) error   { return c.record(cmd) }
func (c *stubClient) LockCommand(_ context.Context, cmd nativeapi.LockCommand) error       { return c.record(cmd) }
func (c *stubClient) CoverCommand(_ context.Context, cmd nativeapi.CoverCommand) error     { return c.record(cmd) }
func (c *stubClient) LightCommand(_ context.Context, cmd nativeapi.LightCommand) error     { return c.record(cmd) }

func (c *stubClient) ExecuteService(_ context.Context, cmd nativeapi.ExecuteServiceCommand) error {
	return c.record(cmd)
}

// stubFactory builds stubClients; hosts listed in refuse fail to connect.
type stubFactory struct {
	mu      sync.Mutex
	refuse  map[string]bool
	clients map[string]*stubClient
}

func (f *stubFactory) newClient(opts nativeapi.Options, _ *slog.Logger) nativeapi.Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &stubClient{host: opts.Host}
	if f.refuse[opts.Host] {
		c.connectErr = syscall.ECONNREFUSED
	}
	f.clients[opts.Host] = c
	return c
}

func (f *stubFactory) client(host string) *stubClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clients[host]
}

func setupTestServer(t *testing.T, opts ...ServerOption) (*Server, *coordinator.Coordinator, *stubFactory) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	db, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	box, err := secret.New("web test")
	if err != nil {
		t.Fatal(err)
	}

	ff := &stubFactory{refuse: map[string]bool{"10.0.0.9": true}, clients: make(map[string]*stubClient)}
	coord := coordinator.New(db, coordinator.NewEventBus(logger), box, coordinator.Config{NewClient: ff.newClient}, logger)
	srv := NewServer(coord, logger, opts...)
	t.Cleanup(func() {
		srv.Stop()
		coord.Stop()
		db.Close()
	})
	return srv, coord, ff
}

func do(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func addPorch(t *testing.T, srv *Server) {
	t.Helper()
	w := do(t, srv, "POST", "/api/devices", addDeviceRequest{IP: "10.0.0.5", Password: "pw"})
	if w.Code != http.StatusOK {
		t.Fatalf("add device: status = %d, body %s", w.Code, w.Body)
	}
}

func TestAPIAddDevice(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	w := do(t, srv, "POST", "/api/devices", addDeviceRequest{IP: "10.0.0.5", Password: "pw"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if res := decode[coordinator.AddResult](t, w); res.Type != "info" || res.Message != "success" {
		t.Errorf("result = %+v", res)
	}

	devices := decode[[]coordinator.DeviceView](t, do(t, srv, "GET", "/api/devices", nil))
	if len(devices) != 1 || devices[0].Name != testDevice || devices[0].FriendlyName != "Porch" {
		t.Errorf("devices = %+v", devices)
	}

	ips := decode[[]string](t, do(t, srv, "GET", "/api/ips", nil))
	if len(ips) != 1 || ips[0] != "10.0.0.5" {
		t.Errorf("ips = %v", ips)
	}
}

func TestAPIAddDeviceErrors(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	tests := []struct {
		name string
		body any
		code int
		msg  string
	}{
		{"invalid ip", addDeviceRequest{IP: "10.0.0"}, http.StatusBadGateway, "connection failed"},
		{"unreachable", addDeviceRequest{IP: "10.0.0.9"}, http.StatusBadGateway, "unreachable"},
		{"bad body", "{", http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, srv, "POST", "/api/devices", tt.body)
			if w.Code != tt.code {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.code, w.Body)
			}
			if tt.msg == "" {
				return
			}
			if res := decode[coordinator.AddResult](t, w); res.Type != "error" || res.Message != tt.msg {
				t.Errorf("result = %+v, want error %q", res, tt.msg)
			}
		})
	}
}

func TestAPIDeleteDevice(t *testing.T) {
	srv, coord, _ := setupTestServer(t)
	addPorch(t, srv)

	if w := do(t, srv, "DELETE", "/api/devices/10.0.0.5", nil); w.Code != http.StatusOK {
		t.Fatalf("delete: status = %d", w.Code)
	}
	if coord.KnownIP("10.0.0.5") {
		t.Error("device still known after delete")
	}
	if _, err := coord.Tree().GetObject(testDevice); err == nil {
		t.Error("device subtree still present")
	}
	if w := do(t, srv, "DELETE", "/api/devices/10.0.0.5", nil); w.Code != http.StatusNotFound {
		t.Errorf("second delete: status = %d, want 404", w.Code)
	}
}

func TestAPIDiscovered(t *testing.T) {
	srv, coord, _ := setupTestServer(t)

	got := decode[[]coordinator.DiscoveredDevice](t, do(t, srv, "GET", "/api/discovered", nil))
	if len(got) != 0 {
		t.Errorf("discovered = %v, want empty", got)
	}

	coord.Discovered(coordinator.DiscoveredDevice{IP: "10.0.0.7", MAC: "AABBCC000007", FriendlyName: "Garage"})
	got = decode[[]coordinator.DiscoveredDevice](t, do(t, srv, "GET", "/api/discovered", nil))
	if len(got) != 1 || got[0].IP != "10.0.0.7" || got[0].FriendlyName != "Garage" {
		t.Errorf("discovered = %+v", got)
	}
}

func TestAPICleanup(t *testing.T) {
	srv, coord, _ := setupTestServer(t)
	addPorch(t, srv)
	err := coord.Tree().ExtendObject(&store.Object{ID: "STALE", Type: store.TypeDevice, Common: store.Common{Name: "stale"}})
	if err != nil {
		t.Fatal(err)
	}

	w := do(t, srv, "POST", "/api/cleanup", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	got := decode[map[string][]string](t, w)
	if len(got["removed"]) != 1 || got["removed"][0] != "STALE" {
		t.Errorf("removed = %v, want [STALE]", got["removed"])
	}
}

func TestAPIObjectsAndStates(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	addPorch(t, srv)

	objs := decode[[]store.Object](t, do(t, srv, "GET", "/api/objects?type=state&prefix="+testDevice+".Switch", nil))
	if len(objs) != 1 || objs[0].ID != testDevice+".Switch.1.state" || !objs[0].Common.Write {
		t.Errorf("objects = %+v", objs)
	}

	states := decode[map[string]store.State](t, do(t, srv, "GET", "/api/states?prefix="+testDevice+".info._", nil))
	if online := states[testDevice+".info._online"]; online.Val != true || !online.Ack {
		t.Errorf("_online = %+v", online)
	}

	st := decode[store.State](t, do(t, srv, "GET", "/api/states/"+testDevice+".Switch.1.state", nil))
	if st.Val != false || !st.Ack {
		t.Errorf("switch state = %+v", st)
	}
	if w := do(t, srv, "GET", "/api/states/nope", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing state: status = %d, want 404", w.Code)
	}
}

func TestAPIWriteState(t *testing.T) {
	srv, _, ff := setupTestServer(t)
	addPorch(t, srv)

	w := do(t, srv, "PUT", "/api/states/"+testDevice+".Switch.1.state", map[string]any{"val": true})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", w.Code, w.Body)
	}
	c := ff.client("10.0.0.5")
	c.mu.Lock()
	cmds := c.commands
	c.mu.Unlock()
	if len(cmds) != 1 || cmds[0] != (nativeapi.SwitchCommand{Key: 1, State: true}) {
		t.Errorf("commands = %+v", cmds)
	}

	tests := []struct {
		id   string
		code int
	}{
		{testDevice + ".info._online", http.StatusForbidden},
		{testDevice + ".Switch.9.state", http.StatusNotFound},
	}
	for _, tt := range tests {
		if w := do(t, srv, "PUT", "/api/states/"+tt.id, map[string]any{"val": 1}); w.Code != tt.code {
			t.Errorf("PUT %s: status = %d, want %d", tt.id, w.Code, tt.code)
		}
	}
	if w := do(t, srv, "PUT", "/api/states/"+testDevice+".Switch.1.state", "not json"); w.Code != http.StatusBadRequest {
		t.Errorf("bad body: status = %d, want 400", w.Code)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, _, _ := setupTestServer(t, WithAPIKey("s3cret"))

	if w := do(t, srv, "GET", "/api/devices", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("no key: status = %d, want 401", w.Code)
	}

	req := httptest.NewRequest("GET", "/api/devices", nil)
	req.Header.Set("X-API-Key", "s3cret")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("with key: status = %d, want 200", w.Code)
	}
}

func TestCORS(t *testing.T) {
	srv, _, _ := setupTestServer(t, WithAllowedOrigins([]string{"http://ui.local"}))

	tests := []struct {
		name   string
		method string
		origin string
		code   int
	}{
		{"preflight allowed", http.MethodOptions, "http://ui.local", http.StatusNoContent},
		{"preflight denied", http.MethodOptions, "http://evil.local", http.StatusForbidden},
		{"post denied", http.MethodPost, "http://evil.local", http.StatusForbidden},
		{"get other origin", http.MethodGet, "http://evil.local", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := "/api/ips"
			if tt.method == http.MethodPost {
				path = "/api/cleanup"
			}
			req := httptest.NewRequest(tt.method, path, nil)
			req.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()
			srv.ServeHTTP(w, req)
			if w.Code != tt.code {
				t.Errorf("status = %d, want %d", w.Code, tt.code)
			}
		})
	}
}

func TestAPIVersionAndMetrics(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("esphome_devices 1\n"))
	})
	srv, _, _ := setupTestServer(t, WithVersion("1.2.3"), WithMetrics(metrics))

	if got := decode[map[string]string](t, do(t, srv, "GET", "/api/version", nil)); got["version"] != "1.2.3" {
		t.Errorf("version = %v", got)
	}
	if w := do(t, srv, "GET", "/metrics", nil); w.Body.String() != "esphome_devices 1\n" {
		t.Errorf("metrics body = %q", w.Body)
	}
}

func TestAPIAutomations(t *testing.T) {
	mgr, err := automation.NewManager(filepath.Join(t.TempDir(), "scripts"))
	if err != nil {
		t.Fatal(err)
	}
	srv, coord, _ := setupTestServer(t)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	engine := automation.NewEngine(coord, mgr, logger, automation.SystemConfig{})
	t.Cleanup(engine.Stop)
	WithAutomation(engine, mgr)(srv)

	w := do(t, srv, "POST", "/api/automations", saveAutomationRequest{Name: "Hello", LuaCode: `esphome.log("hi")`, Enabled: true})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: status = %d (%s)", w.Code, w.Body)
	}
	created := decode[automation.Script](t, w)
	if created.ID != "hello" || !engine.Running("hello") {
		t.Errorf("created = %+v running=%v", created, engine.Running("hello"))
	}

	if w := do(t, srv, "POST", "/api/automations", saveAutomationRequest{}); w.Code != http.StatusBadRequest {
		t.Errorf("create without name: status = %d, want 400", w.Code)
	}

	list := decode[[]automation.Script](t, do(t, srv, "GET", "/api/automations", nil))
	if len(list) != 1 {
		t.Errorf("list = %+v", list)
	}

	toggled := decode[automation.Script](t, do(t, srv, "POST", "/api/automations/hello/toggle", nil))
	if toggled.Meta.Enabled || engine.Running("hello") {
		t.Errorf("after toggle enabled=%v running=%v", toggled.Meta.Enabled, engine.Running("hello"))
	}

	run := decode[automation.RunResult](t, do(t, srv, "POST", "/api/automations/hello/run", nil))
	if !run.OK || len(run.Logs) != 1 || run.Logs[0] != "hi" {
		t.Errorf("run = %+v", run)
	}
	inline := decode[automation.RunResult](t, do(t, srv, "POST", "/api/automations/_inline/run", map[string]string{"lua_code": "error('boom')"}))
	if inline.OK {
		t.Errorf("inline run = %+v, want failure", inline)
	}

	upd := saveAutomationRequest{Name: "Hello again", LuaCode: `esphome.log("again")`, Enabled: true}
	if w := do(t, srv, "PUT", "/api/automations/hello", upd); w.Code != http.StatusOK {
		t.Errorf("update: status = %d", w.Code)
	}
	if got := decode[automation.Script](t, do(t, srv, "GET", "/api/automations/hello", nil)); got.Meta.Name != "Hello again" || !engine.Running("hello") {
		t.Errorf("after update = %+v", got)
	}

	if w := do(t, srv, "DELETE", "/api/automations/hello", nil); w.Code != http.StatusOK {
		t.Errorf("delete: status = %d", w.Code)
	}
	if engine.Running("hello") {
		t.Error("deleted script still running")
	}
	if w := do(t, srv, "GET", "/api/automations/hello", nil); w.Code != http.StatusNotFound {
		t.Errorf("get deleted: status = %d, want 404", w.Code)
	}
}

func TestAPIAutomationsDisabled(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	if got := decode[[]any](t, do(t, srv, "GET", "/api/automations", nil)); len(got) != 0 {
		t.Errorf("list = %v, want empty", got)
	}
	if w := do(t, srv, "POST", "/api/automations/x/run", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("run: status = %d, want 503", w.Code)
	}
}
