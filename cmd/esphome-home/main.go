package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"esphome-go-home/internal/coordinator"
	"esphome-go-home/internal/dashboard"
	"esphome-go-home/internal/discovery"
	"esphome-go-home/internal/metrics"
	"esphome-go-home/internal/secret"
	"esphome-go-home/internal/store"
	"esphome-go-home/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type SeedDevice struct {
	IP            string `yaml:"ip"`
	Password      string `yaml:"password"`
	EncryptionKey string `yaml:"encryption_key"`
}

type Config struct {
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Secret struct {
		Key string `yaml:"key"`
	} `yaml:"secret"`
	ESPHome struct {
		ClientInfo             string        `yaml:"client_info"`
		Password               string        `yaml:"password"`
		ReconnectInterval      time.Duration `yaml:"reconnect_interval"`
		PingInterval           time.Duration `yaml:"ping_interval"`
		PingAttempts           int           `yaml:"ping_attempts"`
		SettleDelay            time.Duration `yaml:"settle_delay"`
		Discovery              *bool         `yaml:"discovery"`
		DiscoveryDelay         time.Duration `yaml:"discovery_delay"`
		Exclude                []string      `yaml:"exclude"`
		ConfigStates           bool          `yaml:"config_states"`
		OfflineCleanupSchedule string        `yaml:"offline_cleanup_schedule"`
		Devices                []SeedDevice  `yaml:"devices"`
	} `yaml:"esphome"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
		HADiscovery *bool  `yaml:"ha_discovery"`
	} `yaml:"mqtt"`
	Influx struct {
		Enabled       bool          `yaml:"enabled"`
		URL           string        `yaml:"url"`
		Token         string        `yaml:"token"`
		Org           string        `yaml:"org"`
		Bucket        string        `yaml:"bucket"`
		BatchSize     uint          `yaml:"batch_size"`
		FlushInterval time.Duration `yaml:"flush_interval"`
	} `yaml:"influx"`
	Dashboard struct {
		Enabled   bool     `yaml:"enabled"`
		Command   []string `yaml:"command"`
		ConfigDir string   `yaml:"config_dir"`
		Port      int      `yaml:"port"`
	} `yaml:"dashboard"`
	Exec struct {
		Allowlist []string      `yaml:"allowlist"`
		Timeout   time.Duration `yaml:"timeout"`
	} `yaml:"exec"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	if c.Secret.Key == "" {
		return fmt.Errorf("secret.key is required")
	}
	durations := []struct {
		name string
		d    time.Duration
	}{
		{"esphome.reconnect_interval", c.ESPHome.ReconnectInterval},
		{"esphome.ping_interval", c.ESPHome.PingInterval},
		{"esphome.settle_delay", c.ESPHome.SettleDelay},
		{"esphome.discovery_delay", c.ESPHome.DiscoveryDelay},
		{"influx.flush_interval", c.Influx.FlushInterval},
		{"exec.timeout", c.Exec.Timeout},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.d)
		}
	}
	if c.ESPHome.PingAttempts < 1 {
		return fmt.Errorf("esphome.ping_attempts must be at least 1")
	}
	for _, d := range c.ESPHome.Devices {
		if !coordinator.ValidIPv4(d.IP) {
			return fmt.Errorf("esphome.devices: invalid ip %q", d.IP)
		}
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.Influx.Enabled && (c.Influx.URL == "" || c.Influx.Org == "" || c.Influx.Bucket == "") {
		return fmt.Errorf("influx.url, influx.org and influx.bucket are required when influx is enabled")
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("esphome-go-home starting", "version", version)

	box, err := secret.New(cfg.Secret.Key)
	if err != nil {
		logger.Error("init secret box", "err", err)
		os.Exit(1)
	}

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	events := coordinator.NewEventBus(logger)
	coord := coordinator.New(db, events, box, coordinatorConfig(cfg), logger)

	// Metrics subscribe before the coordinator emits its first status.
	m := metrics.New(func() int { return len(coord.ListIPs()) })
	m.Start(events)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := coord.Start(ctx); err != nil {
		logger.Error("start coordinator", "err", err)
		cancel()
		db.Close()
		os.Exit(1)
	}
	cancel()

	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()

	if *cfg.ESPHome.Discovery {
		startDiscovery(runCtx, coord, cfg, logger)
	}

	if cfg.Dashboard.Enabled {
		sup := dashboard.New(dashboard.Config{
			Command:   cfg.Dashboard.Command,
			ConfigDir: cfg.Dashboard.ConfigDir,
			Port:      cfg.Dashboard.Port,
		}, logger)
		go func() {
			if err := sup.Run(runCtx); err != nil {
				logger.Error("dashboard", "err", err)
			}
		}()
	}

	// Optional features are no-ops when built without them.
	auto, autoWebOpts := initAutomation(coord, cfg, logger)
	hist := initHistory(coord, cfg, logger)

	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version), web.WithMetrics(m.Handler()))
	webOpts = append(webOpts, autoWebOpts...)

	webServer := web.NewServer(coord, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	mqtt := initMQTT(coord, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	stopRun()
	auto.Stop()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	coord.Stop()
	hist.Stop()
	m.Stop()

	logger.Info("goodbye")
}

func coordinatorConfig(cfg *Config) coordinator.Config {
	seeds := make([]coordinator.SeedDevice, 0, len(cfg.ESPHome.Devices))
	for _, d := range cfg.ESPHome.Devices {
		seeds = append(seeds, coordinator.SeedDevice{IP: d.IP, Password: d.Password, EncryptionKey: d.EncryptionKey})
	}
	return coordinator.Config{
		ClientInfo:             cfg.ESPHome.ClientInfo,
		DefaultPassword:        cfg.ESPHome.Password,
		ReconnectInterval:      cfg.ESPHome.ReconnectInterval,
		PingInterval:           cfg.ESPHome.PingInterval,
		PingAttempts:           cfg.ESPHome.PingAttempts,
		SettleDelay:            cfg.ESPHome.SettleDelay,
		ConfigStates:           cfg.ESPHome.ConfigStates,
		Devices:                seeds,
		OfflineCleanupSchedule: cfg.ESPHome.OfflineCleanupSchedule,
	}
}

// startDiscovery feeds mDNS announcements into the coordinator's
// discovered list. A removed device becomes discoverable again.
func startDiscovery(ctx context.Context, coord *coordinator.Coordinator, cfg *Config, logger *slog.Logger) {
	listener, err := discovery.New(discovery.Config{
		Exclude: cfg.ESPHome.Exclude,
		Known:   coord.KnownIP,
		Delay:   cfg.ESPHome.DiscoveryDelay,
	}, logger)
	if err != nil {
		logger.Error("mdns discovery", "err", err)
		return
	}

	unsub := coord.Events().On(coordinator.EventDeviceRemoved, func(ev coordinator.Event) {
		if ds, ok := ev.Data.(coordinator.DeviceStatus); ok {
			listener.Forget(ds.IP)
		}
	})

	go func() {
		defer unsub()
		err := listener.Run(ctx, func(d discovery.Device) {
			coord.Discovered(coordinator.DiscoveredDevice{
				IP:           d.IP,
				MAC:          d.MAC,
				FriendlyName: d.FriendlyName,
				Host:         d.Host,
				Seen:         time.Now(),
			})
		})
		if err != nil {
			logger.Error("mdns discovery", "err", err)
		}
	}()
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return parseConfig(data)
}

func parseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	enabled := true
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "esphome-home.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}

	e := &cfg.ESPHome
	if e.ClientInfo == "" {
		e.ClientInfo = "esphome-go-home"
	}
	if e.ReconnectInterval == 0 {
		e.ReconnectInterval = 10 * time.Second
	}
	if e.PingInterval == 0 {
		e.PingInterval = 15 * time.Second
	}
	if e.PingAttempts == 0 {
		e.PingAttempts = 3
	}
	if e.SettleDelay == 0 {
		e.SettleDelay = 10 * time.Second
	}
	if e.Discovery == nil {
		e.Discovery = &enabled
	}
	if e.DiscoveryDelay == 0 {
		e.DiscoveryDelay = 5 * time.Second
	}

	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "esphome"
	}
	if cfg.MQTT.HADiscovery == nil {
		cfg.MQTT.HADiscovery = &enabled
	}
	if cfg.Influx.BatchSize == 0 {
		cfg.Influx.BatchSize = 100
	}
	if cfg.Influx.FlushInterval == 0 {
		cfg.Influx.FlushInterval = time.Second
	}
	if len(cfg.Dashboard.Command) == 0 {
		cfg.Dashboard.Command = []string{"esphome", "dashboard"}
	}
	if cfg.Dashboard.ConfigDir == "" {
		cfg.Dashboard.ConfigDir = "esphome-configs"
	}
	if cfg.Dashboard.Port == 0 {
		cfg.Dashboard.Port = 6052
	}
	if cfg.Exec.Timeout == 0 {
		cfg.Exec.Timeout = 10 * time.Second
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
