package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"esphome-go-home/internal/nativeapi"
	"esphome-go-home/internal/secret"
	"esphome-go-home/internal/store"
)

var (
	ErrInvalidIP     = errors.New("invalid IPv4 address")
	ErrUnknownDevice = errors.New("unknown device")
)

// ClientFactory builds the native-API client for one device.
type ClientFactory func(opts nativeapi.Options, logger *slog.Logger) nativeapi.Client

// SeedDevice is a device added from configuration at start.
type SeedDevice struct {
	IP            string
	Password      string
	EncryptionKey string
}

// Config holds coordinator configuration.
type Config struct {
	ClientInfo        string
	DefaultPassword   string
	ReconnectInterval time.Duration
	PingInterval      time.Duration
	PingAttempts      int
	SettleDelay       time.Duration
	ConfigStates      bool
	Devices           []SeedDevice

	// OfflineCleanupSchedule is a cron spec for CleanupOffline. Empty disables it.
	OfflineCleanupSchedule string

	// NewClient defaults to nativeapi.New.
	NewClient ClientFactory
}

const (
	defaultSettleDelay = 10 * time.Second
	commandTimeout     = 10 * time.Second
)

// Coordinator owns every device connection and keeps the object tree in
// sync with what the devices report.
type Coordinator struct {
	opts     Config
	tree     *ObjectTree
	events   *EventBus
	writer   *StateWriter
	registry *Registry
	secrets  *secret.Box
	logger   *slog.Logger

	cron *cron.Cron

	warnMu      sync.Mutex
	warnedTypes map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Coordinator over st. Credentials are sealed with box before
// they are persisted.
func New(st store.Store, events *EventBus, box *secret.Box, cfg Config, logger *slog.Logger) *Coordinator {
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = defaultSettleDelay
	}
	if cfg.NewClient == nil {
		cfg.NewClient = func(opts nativeapi.Options, logger *slog.Logger) nativeapi.Client {
			return nativeapi.New(opts, logger)
		}
	}
	logger = logger.With("component", "coordinator")
	ctx, cancel := context.WithCancel(context.Background())
	tree := NewObjectTree(st, events)
	c := &Coordinator{
		opts:        cfg,
		tree:        tree,
		events:      events,
		writer:      NewStateWriter(tree, logger),
		registry:    NewRegistry(),
		secrets:     box,
		logger:      logger,
		warnedTypes: make(map[string]struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
	tree.SetWriteHandler(c.handleWrite)
	return c
}

// Context returns the coordinator's context, which is cancelled on Stop().
func (c *Coordinator) Context() context.Context {
	return c.ctx
}

// Start marks every persisted device offline, reconnects the known devices
// and adds the configured ones.
func (c *Coordinator) Start(ctx context.Context) error {
	devices, err := c.tree.ListObjects(store.TypeDevice, "")
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}
	c.resetOnlineStates(devices)
	c.tryKnownDevices(devices)

	for _, d := range c.opts.Devices {
		if c.registry.Get(d.IP) != nil {
			continue
		}
		if _, err := c.register(d.IP, d.Password, d.EncryptionKey, nil); err != nil {
			c.logger.Error("configured device skipped", "ip", d.IP, "err", err)
		}
	}

	if c.opts.OfflineCleanupSchedule != "" {
		c.cron = cron.New()
		_, err := c.cron.AddFunc(c.opts.OfflineCleanupSchedule, func() {
			if _, err := c.CleanupOffline(c.ctx); err != nil {
				c.logger.Error("scheduled offline cleanup failed", "err", err)
			}
		})
		if err != nil {
			return fmt.Errorf("offline cleanup schedule: %w", err)
		}
		c.cron.Start()
	}
	c.logger.Info("coordinator started", "devices", len(c.registry.IPs()))
	return nil
}

func (c *Coordinator) resetOnlineStates(devices []*store.Object) {
	for _, obj := range devices {
		onlineID := obj.ID + ".info._online"
		if obj.Common.OnlineID != onlineID {
			upd := &store.Object{ID: obj.ID, Type: store.TypeDevice, Common: obj.Common}
			upd.Common.OnlineID = onlineID
			if err := c.tree.ExtendObject(upd); err != nil {
				c.logger.Warn("set online indicator failed", "device", obj.ID, "err", err)
			}
		}
		if err := c.tree.SetState(onlineID, false, true); err != nil {
			c.logger.Warn("reset online state failed", "device", obj.ID, "err", err)
		}
	}
}

// tryKnownDevices reconnects every persisted device with its stored
// credentials. Credentials stay sealed until connect.
func (c *Coordinator) tryKnownDevices(devices []*store.Object) {
	for _, obj := range devices {
		ip, _ := obj.Native["ip"].(string)
		if _, ok := parseIPv4(ip); !ok {
			c.logger.Warn("persisted device without valid ip", "device", obj.ID)
			continue
		}
		pw, _ := obj.Native["passWord"].(string)
		key, _ := obj.Native["encryptionKey"].(string)
		rec := newDeviceRecord(ip, pw, key)
		rec.name = obj.ID
		rec.mac, _ = obj.Native["mac"].(string)
		rec.friendlyName, _ = obj.Native["deviceFriendlyName"].(string)
		c.registry.Put(rec)
		c.registry.SetName(obj.ID, ip)
		if err := c.connect(rec); err != nil {
			c.logger.Error("reconnect known device failed", "device", obj.ID, "ip", ip, "err", err)
		}
	}
}

// Stop marks every device offline and closes all connections.
func (c *Coordinator) Stop() {
	if c.cron != nil {
		<-c.cron.Stop().Done()
	}
	for _, rec := range c.registry.All() {
		rec.mu.Lock()
		rec.deletionRequested = true
		client := rec.client
		if rec.settle != nil {
			rec.settle.Stop()
		}
		rec.mu.Unlock()
		if name := rec.Name(); name != "" {
			if err := c.tree.SetState(name+".info._online", false, true); err != nil {
				c.logger.Warn("mark offline failed", "device", name, "err", err)
			}
		}
		if client != nil {
			if err := client.Disconnect(); err != nil {
				c.logger.Debug("disconnect failed", "ip", rec.IP, "err", err)
			}
		}
	}
	c.cancel()
}

func (c *Coordinator) commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.ctx, commandTimeout)
}

// Tree returns the object tree.
func (c *Coordinator) Tree() *ObjectTree {
	return c.tree
}

// Events returns the event bus.
func (c *Coordinator) Events() *EventBus {
	return c.events
}

// Registry returns the device registry.
func (c *Coordinator) Registry() *Registry {
	return c.registry
}

// Writer returns the state writer.
func (c *Coordinator) Writer() *StateWriter {
	return c.writer
}
