// Package discovery listens for ESPHome devices announcing themselves over
// mDNS and reports the ones nobody has added yet.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	Service = "_esphomelib._tcp"
	Domain  = "local."
)

// Device is a provisional record of an announced device.
type Device struct {
	IP           string
	MAC          string
	FriendlyName string
	Host         string
}

// Resolver browses DNS-SD services. *zeroconf.Resolver satisfies it.
type Resolver interface {
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

type Config struct {
	// Exclude lists addresses that are never reported.
	Exclude []string
	// Known reports whether an address already belongs to an added device.
	Known func(ip string) bool
	// Delay postpones browsing after Run is called.
	Delay time.Duration
	// Resolver defaults to a zeroconf resolver on all interfaces.
	Resolver Resolver
}

// Listener filters mDNS announcements into Device reports.
type Listener struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]struct{}
}

func New(cfg Config, logger *slog.Logger) (*Listener, error) {
	if cfg.Resolver == nil {
		r, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("create mdns resolver: %w", err)
		}
		cfg.Resolver = r
	}
	return &Listener{
		cfg:     cfg,
		logger:  logger.With("component", "discovery"),
		pending: make(map[string]struct{}),
	}, nil
}

// Run browses until ctx is done, calling out once per new device.
func (l *Listener) Run(ctx context.Context, out func(Device)) error {
	if l.cfg.Delay > 0 {
		t := time.NewTimer(l.cfg.Delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}

	entries := make(chan *zeroconf.ServiceEntry, 16)
	if err := l.cfg.Resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return fmt.Errorf("browse %s: %w", Service, err)
	}
	l.logger.Info("discovery started", "service", Service)

	for {
		select {
		case <-ctx.Done():
			return nil
		case entry, ok := <-entries:
			if !ok {
				return nil
			}
			dev, ok := deviceFromEntry(entry)
			if !ok {
				l.logger.Debug("announcement without ipv4 address", "instance", entry.Instance)
				continue
			}
			if l.accept(dev.IP) {
				l.logger.Debug("new device announced", "ip", dev.IP, "mac", dev.MAC)
				out(dev)
			}
		}
	}
}

// accept applies the exclusion list, the known check and the pending set.
func (l *Listener) accept(ip string) bool {
	if slices.Contains(l.cfg.Exclude, ip) {
		return false
	}
	if l.cfg.Known != nil && l.cfg.Known(ip) {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.pending[ip]; ok {
		return false
	}
	l.pending[ip] = struct{}{}
	return true
}

// Forget clears ip from the pending set so a later announcement is
// reported again.
func (l *Listener) Forget(ip string) {
	l.mu.Lock()
	delete(l.pending, ip)
	l.mu.Unlock()
}

func deviceFromEntry(e *zeroconf.ServiceEntry) (Device, bool) {
	if e == nil || len(e.AddrIPv4) == 0 {
		return Device{}, false
	}
	dev := Device{
		IP:           e.AddrIPv4[0].String(),
		Host:         strings.TrimSuffix(e.HostName, "."),
		FriendlyName: e.Instance,
	}
	for _, txt := range e.Text {
		k, v, ok := strings.Cut(txt, "=")
		if !ok {
			continue
		}
		switch k {
		case "mac":
			dev.MAC = strings.ToUpper(v)
		case "friendly_name":
			if v != "" {
				dev.FriendlyName = v
			}
		}
	}
	return dev, true
}
