package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"esphome-go-home/internal/nativeapi"
	"esphome-go-home/internal/store"
	"esphome-go-home/internal/transform"
)

// parseIPv4 accepts only the dotted four-octet form.
func parseIPv4(s string) ([4]byte, bool) {
	var out [4]byte
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return out, false
	}
	for i, p := range parts {
		if p == "" || len(p) > 3 || p[0] == '+' || p[0] == '-' {
			return out, false
		}
		n, err := strconv.Atoi(p)
		if err != nil || n > 255 {
			return out, false
		}
		out[i] = byte(n)
	}
	return out, true
}

// ValidIPv4 reports whether s is a dotted-quad IPv4 address.
func ValidIPv4(s string) bool {
	_, ok := parseIPv4(s)
	return ok
}

// register seals the credentials, stores a fresh record for ip and starts
// connecting. An existing record for ip is stopped and replaced.
func (c *Coordinator) register(ip, password, key string, pending chan AddResult) (*DeviceRecord, error) {
	if _, ok := parseIPv4(ip); !ok {
		return nil, fmt.Errorf("%q: %w", ip, ErrInvalidIP)
	}
	if password == "" && key == "" {
		password = c.opts.DefaultPassword
	}
	if key != "" {
		password = ""
	}
	sealedPW, err := c.secrets.Encrypt(password)
	if err != nil {
		return nil, fmt.Errorf("seal password: %w", err)
	}
	sealedKey, err := c.secrets.Encrypt(key)
	if err != nil {
		return nil, fmt.Errorf("seal encryption key: %w", err)
	}

	rec := newDeviceRecord(ip, sealedPW, sealedKey)
	rec.pending = pending
	if old := c.registry.Get(ip); old != nil {
		old.mu.Lock()
		rec.name, rec.mac, rec.friendlyName = old.name, old.mac, old.friendlyName
		old.mu.Unlock()
		c.stopRecord(old)
	}
	c.registry.Put(rec)
	if rec.name != "" {
		c.registry.SetName(rec.name, ip)
	}
	c.registry.RemoveDiscovered(ip)
	return rec, c.connect(rec)
}

// AddDevice adds or updates a device and waits until it connects, fails
// with a classified error, or ctx ends.
func (c *Coordinator) AddDevice(ctx context.Context, ip, password, key string) AddResult {
	if _, ok := parseIPv4(ip); !ok {
		c.logger.Warn("add device: invalid ip", "ip", ip)
		return addFailed("connection failed")
	}
	pending := make(chan AddResult, 1)
	rec, err := c.register(ip, password, key, pending)
	if err != nil {
		// A classified connect failure has already answered.
		select {
		case res := <-pending:
			return res
		default:
		}
		c.logger.Error("add device failed", "ip", ip, "err", err)
		return addFailed(err.Error())
	}
	select {
	case res := <-pending:
		return res
	case <-ctx.Done():
		rec.takePending()
		return addFailed("connection timeout")
	}
}

// stopRecord closes a record's connection and keeps it from reconnecting.
func (c *Coordinator) stopRecord(rec *DeviceRecord) {
	rec.mu.Lock()
	rec.deletionRequested = true
	client := rec.client
	if rec.settle != nil {
		rec.settle.Stop()
		rec.settle = nil
	}
	rec.mu.Unlock()
	if client != nil {
		if err := client.Disconnect(); err != nil {
			c.logger.Debug("disconnect failed", "ip", rec.IP, "err", err)
		}
	}
}

// connect starts the native-API client for rec. It is a no-op while a
// connection attempt is in flight or the device is being deleted.
// Credentials are opened here and never kept in the record.
func (c *Coordinator) connect(rec *DeviceRecord) error {
	rec.mu.Lock()
	if rec.connecting || rec.deletionRequested {
		rec.mu.Unlock()
		return nil
	}
	rec.connecting = true
	sealedPW, sealedKey := rec.sealedPassword, rec.sealedKey
	rec.mu.Unlock()

	password, err := c.secrets.Decrypt(sealedPW)
	var key string
	if err == nil {
		key, err = c.secrets.Decrypt(sealedKey)
	}
	if err != nil {
		c.setStatus(rec, StatusInvalidCredentials)
		if ch := rec.takePending(); ch != nil {
			ch <- addFailed(string(StatusInvalidCredentials))
		}
		return fmt.Errorf("open credentials: %w", err)
	}
	if key != "" {
		password = ""
	}

	logger := c.logger.With("ip", rec.IP)
	client := c.opts.NewClient(nativeapi.Options{
		Host:              rec.IP,
		Password:          password,
		EncryptionKey:     key,
		ClientInfo:        c.opts.ClientInfo,
		Reconnect:         true,
		ReconnectInterval: c.opts.ReconnectInterval,
		PingInterval:      c.opts.PingInterval,
		PingAttempts:      c.opts.PingAttempts,
	}, logger)

	rec.mu.Lock()
	rec.client = client
	rec.mu.Unlock()
	c.setStatus(rec, StatusConnecting)

	// Handlers of a replaced client or record are ignored.
	guard := func(name string, fn func() error) {
		if !c.registry.Current(rec) || rec.Client() != client {
			return
		}
		defer func() {
			if r := recover(); r != nil {
				logger.Error("device event handler panic", "event", name, "panic", r)
			}
		}()
		if err := fn(); err != nil {
			logger.Error("device event failed", "event", name, "device", rec.Name(), "err", err)
		}
	}

	client.OnConnected(func() { guard("connected", func() error { return c.onConnected(rec) }) })
	client.OnDeviceInfo(func(info nativeapi.DeviceInfo) {
		guard("deviceInfo", func() error { return c.onDeviceInfo(rec, info) })
	})
	client.OnNewEntity(func(ent nativeapi.Entity) {
		guard("newEntity", func() error { return c.onNewEntity(rec, ent) })
	})
	client.OnState(func(ev nativeapi.StateEvent) {
		guard("state", func() error { return c.onState(rec, ev) })
	})
	client.OnService(func(svc nativeapi.Service) {
		guard("service", func() error { return c.onService(rec, svc) })
	})
	client.OnInitialized(func() { guard("initialized", func() error { return c.onInitialized(rec, client) }) })
	client.OnError(func(err error) { guard("error", func() error { c.onError(rec, err); return nil }) })
	client.OnDisconnected(func() { guard("disconnected", func() error { return c.onDisconnected(rec) }) })

	if err := client.Connect(c.ctx); err != nil {
		c.onError(rec, err)
		return err
	}
	return nil
}

func (c *Coordinator) onConnected(rec *DeviceRecord) error {
	rec.mu.Lock()
	rec.errorEpisode = ""
	rec.mu.Unlock()
	rec.resetServices()
	c.setStatus(rec, StatusConnected)
	c.logger.Info("device connected", "ip", rec.IP, "device", rec.Name())

	if ch := rec.takePending(); ch != nil {
		ch <- addOK()
	}
	if name := rec.Name(); name != "" {
		return c.tree.SetState(name+".info._online", true, true)
	}
	return nil
}

func (c *Coordinator) onDeviceInfo(rec *DeviceRecord, info nativeapi.DeviceInfo) error {
	mac := info.MAC()
	name := strings.ReplaceAll(mac, ":", "")
	if name == "" {
		return errors.New("device info without mac address")
	}
	friendly := info.FriendlyName()

	rec.mu.Lock()
	rec.mac, rec.name, rec.friendlyName = mac, name, friendly
	sealedPW, sealedKey := rec.sealedPassword, rec.sealedKey
	rec.mu.Unlock()
	c.registry.SetName(name, rec.IP)
	c.registry.RemoveDiscovered(rec.IP)

	native := map[string]any{
		"ip":                 rec.IP,
		"mac":                mac,
		"deviceName":         info.Name(),
		"deviceFriendlyName": friendly,
	}
	if sealedKey != "" {
		native["encryptionKey"] = sealedKey
		native["passWord"] = ""
	} else {
		native["passWord"] = sealedPW
		native["encryptionKey"] = ""
	}
	err := c.tree.ExtendObject(&store.Object{
		ID:     name,
		Type:   store.TypeDevice,
		Common: store.Common{Name: friendly, OnlineID: name + ".info._online"},
		Native: native,
	})
	if err != nil {
		return err
	}

	infoID := name + ".info"
	if err := c.writer.EnsureChannel(rec, infoID, "Information"); err != nil {
		return err
	}
	if err := c.writer.TraverseJSON(rec, infoID, info); err != nil {
		return err
	}
	if err := c.writer.SetCreate(infoID+"._online", "_online", true, StateOptions{}); err != nil {
		return err
	}
	c.setStatus(rec, StatusInitialized)
	return nil
}

func (c *Coordinator) onInitialized(rec *DeviceRecord, client nativeapi.Client) error {
	rec.mu.Lock()
	rec.initialized = true
	if rec.settle != nil {
		rec.settle.Stop()
	}
	rec.settle = time.AfterFunc(c.opts.SettleDelay, func() {
		if _, err := c.cleanupObjects(rec); err != nil {
			c.logger.Error("object cleanup failed", "device", rec.Name(), "err", err)
		}
	})
	rec.mu.Unlock()

	ctx, cancel := c.commandContext()
	defer cancel()
	return client.SubscribeStates(ctx)
}

func (c *Coordinator) onDisconnected(rec *DeviceRecord) error {
	name := rec.Name()
	c.setStatus(rec, StatusDisconnected)
	rec.resetEpoch()
	c.logger.Info("device disconnected", "ip", rec.IP, "device", name)
	if name == "" {
		return nil
	}
	c.writer.PurgePrefix(name)
	return c.tree.SetState(name+".info._online", false, true)
}

// onError classifies a connection error and reports each episode once.
func (c *Coordinator) onError(rec *DeviceRecord, err error) {
	var entErr *nativeapi.EntityError
	if errors.As(err, &entErr) {
		c.logger.Warn("entity error", "ip", rec.IP, "device", rec.Name(),
			"type", entErr.Type, "key", entErr.Key, "err", entErr.Err)
		return
	}
	var unknown *nativeapi.UnknownMessage
	if errors.As(err, &unknown) {
		c.warnUnsupported(fmt.Sprintf("message %d", unknown.Type), "ip", rec.IP, "device", rec.Name(), "payload", unknown.Fields)
		return
	}

	status, suppressed, known := classifyError(err)
	if suppressed {
		c.logger.Debug("socket closed", "ip", rec.IP, "err", err)
		return
	}
	if !known {
		c.logger.Error("unhandled device error", "ip", rec.IP, "device", rec.Name(), "err", err)
		return
	}

	rec.mu.Lock()
	repeated := rec.errorEpisode == status
	rec.errorEpisode = status
	rec.mu.Unlock()
	if repeated {
		return
	}

	switch status {
	case StatusInvalidCredentials, StatusEncryptionKeyMissing:
		c.logger.Error("device rejected credentials", "ip", rec.IP, "status", status, "err", err)
	default:
		c.logger.Warn("device connection error", "ip", rec.IP, "status", status, "err", err)
	}
	c.setStatus(rec, status)
	if name := rec.Name(); name != "" {
		if err := c.tree.SetState(name+".info._online", false, true); err != nil {
			c.logger.Warn("mark offline failed", "device", name, "err", err)
		}
	}
	if ch := rec.takePending(); ch != nil {
		ch <- addFailed(string(status))
	}
}

// classifyError maps a client error to a connection status. suppressed is
// set for benign closed-socket races.
func classifyError(err error) (status ConnStatus, suppressed, known bool) {
	var netErr net.Error
	switch {
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
		return "", true, false
	case errors.Is(err, nativeapi.ErrInvalidPassword), errors.Is(err, nativeapi.ErrHandshake):
		return StatusInvalidCredentials, false, true
	case errors.Is(err, nativeapi.ErrEncryptionExpected):
		return StatusEncryptionKeyMissing, false, true
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH),
		errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, nativeapi.ErrPingTimeout),
		errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return StatusUnreachable, false, true
	case errors.As(err, &netErr) && netErr.Timeout():
		return StatusUnreachable, false, true
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return StatusInitializing, false, true
	}
	return "", false, false
}

// setStatus records a status transition, publishes it and mirrors it into
// the tree once the device name is known.
func (c *Coordinator) setStatus(rec *DeviceRecord, status ConnStatus) {
	rec.setStatus(status)
	v := rec.View()
	c.events.Emit(Event{Type: EventDeviceStatus, Data: DeviceStatus{
		IP:           v.IP,
		Name:         v.Name,
		FriendlyName: v.FriendlyName,
		Status:       status,
	}})
	if v.Name == "" {
		return
	}
	err := c.writer.SetCreate(v.Name+".info._connectionStatus", "_connectionStatus", string(status), StateOptions{})
	if err != nil {
		c.logger.Warn("write connection status failed", "device", v.Name, "err", err)
	}
}

// cleanupObjects deletes channels and states under the device that were
// not created during the current connection. It returns the number of
// deleted objects and does nothing unless the device is connected without
// error.
func (c *Coordinator) cleanupObjects(rec *DeviceRecord) (int, error) {
	rec.mu.Lock()
	ok := rec.connected && !rec.connectionError && !rec.deletionRequested
	name := rec.name
	rec.mu.Unlock()
	if !ok || name == "" || !c.registry.Current(rec) {
		return 0, nil
	}

	deleted := 0
	err := c.writer.Sweep(func() error {
		channels, err := c.tree.ListObjects(store.TypeChannel, name+".")
		if err != nil {
			return err
		}
		for _, ch := range channels {
			if rec.hasChannel(ch.ID) {
				continue
			}
			if err := c.tree.DeleteObject(ch.ID, false); err != nil {
				return err
			}
			deleted++
		}

		states, err := c.tree.ListObjects(store.TypeState, name+".")
		if err != nil {
			return err
		}
		for _, st := range states {
			if c.writer.Has(st.ID) {
				continue
			}
			if err := c.tree.DeleteObject(st.ID, false); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return deleted, err
	}
	if deleted > 0 {
		c.logger.Info("removed stale objects", "device", name, "count", deleted)
	}
	return deleted, nil
}

// CleanupOffline deletes the subtree of every persisted device whose online
// indicator is false or missing and returns their names.
func (c *Coordinator) CleanupOffline(ctx context.Context) ([]string, error) {
	devices, err := c.tree.ListObjects(store.TypeDevice, "")
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	var removed []string
	for _, obj := range devices {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		st, err := c.tree.GetState(obj.ID + ".info._online")
		switch {
		case err == nil && transform.Truthy(st.Val):
			continue
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return removed, err
		}
		if err := c.tree.DeleteObject(obj.ID, true); err != nil {
			return removed, err
		}
		c.writer.PurgePrefix(obj.ID)
		removed = append(removed, obj.ID)
		c.logger.Info("removed offline device", "device", obj.ID)
	}
	return removed, nil
}

// DeleteDevice disconnects the device at ip and removes its subtree.
func (c *Coordinator) DeleteDevice(ip string) error {
	rec := c.registry.Get(ip)
	if rec == nil {
		return fmt.Errorf("%s: %w", ip, ErrUnknownDevice)
	}
	c.stopRecord(rec)
	c.registry.Remove(rec)
	c.registry.RemoveDiscovered(ip)

	v := rec.View()
	if v.Name != "" {
		if err := c.tree.DeleteObject(v.Name, true); err != nil {
			return err
		}
		c.writer.PurgePrefix(v.Name)
	}
	c.logger.Info("device deleted", "ip", ip, "device", v.Name)
	c.events.Emit(Event{Type: EventDeviceRemoved, Data: DeviceStatus{
		IP: ip, Name: v.Name, FriendlyName: v.FriendlyName, Status: v.Status,
	}})
	return nil
}

// ListDevices returns all known devices ordered by IP.
func (c *Coordinator) ListDevices() []DeviceView {
	recs := c.registry.All()
	out := make([]DeviceView, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.View())
	}
	return out
}

// ListIPs returns the IPs of all known devices.
func (c *Coordinator) ListIPs() []string {
	return c.registry.IPs()
}

// KnownIP reports whether ip belongs to a known device.
func (c *Coordinator) KnownIP(ip string) bool {
	return c.registry.Get(ip) != nil
}

// Discovered records a device seen on the network. Known devices are
// ignored. Discovery never connects on its own.
func (c *Coordinator) Discovered(d DiscoveredDevice) bool {
	if c.KnownIP(d.IP) {
		return false
	}
	if d.Seen.IsZero() {
		d.Seen = time.Now()
	}
	c.registry.AddDiscovered(d)
	c.events.Emit(Event{Type: EventDeviceDiscovered, Data: d})
	c.logger.Info("device discovered", "ip", d.IP, "mac", d.MAC, "name", d.FriendlyName)
	return true
}

// ListDiscovered returns the discovered devices that were not added.
func (c *Coordinator) ListDiscovered() []DiscoveredDevice {
	return c.registry.Discovered()
}
