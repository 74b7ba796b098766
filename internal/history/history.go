//go:build !no_history

// Package history records acknowledged numeric and boolean states in
// InfluxDB.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"esphome-go-home/internal/coordinator"
)

const (
	measurement = "esphome_state"
	pingTimeout = 5 * time.Second
)

// Config holds the InfluxDB connection settings.
type Config struct {
	URL           string
	Token         string
	Org           string
	Bucket        string
	BatchSize     uint
	FlushInterval time.Duration
}

// pointWriter is the subset of api.WriteAPI the writer uses.
type pointWriter interface {
	WritePoint(p *write.Point)
	Flush()
}

// Writer mirrors StateChange events into InfluxDB through the batching,
// non-blocking write API.
type Writer struct {
	client influxdb2.Client
	api    pointWriter
	logger *slog.Logger
	unsub  func()
}

// New connects to InfluxDB and verifies the server answers a ping.
func New(cfg Config, logger *slog.Logger) (*Writer, error) {
	if cfg.URL == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, errors.New("influx url, org and bucket are required")
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(cfg.BatchSize).
			SetFlushInterval(uint(cfg.FlushInterval.Milliseconds())))

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	ok, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influx ping: %w", err)
	}
	if !ok {
		client.Close()
		return nil, errors.New("influx server not ready")
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	w := newWriter(writeAPI, logger)
	w.client = client
	go func() {
		for err := range writeAPI.Errors() {
			w.logger.Warn("influx write failed", "err", err)
		}
	}()
	return w, nil
}

func newWriter(api pointWriter, logger *slog.Logger) *Writer {
	return &Writer{api: api, logger: logger.With("component", "history")}
}

// Start subscribes to state changes.
func (w *Writer) Start(events *coordinator.EventBus) {
	w.unsub = events.On(coordinator.EventStateChange, w.handleEvent)
	w.logger.Info("history writer started")
}

// Stop unsubscribes, flushes pending points and closes the client.
func (w *Writer) Stop() {
	if w.unsub != nil {
		w.unsub()
	}
	w.api.Flush()
	if w.client != nil {
		w.client.Close()
	}
}

func (w *Writer) handleEvent(ev coordinator.Event) {
	sc, ok := ev.Data.(coordinator.StateChange)
	if !ok {
		return
	}
	if p, ok := toPoint(sc); ok {
		w.api.WritePoint(p)
	}
}

// toPoint converts an acknowledged numeric or boolean state. Booleans are
// stored as 1 and 0 so every series of the measurement has a float field.
func toPoint(sc coordinator.StateChange) (*write.Point, bool) {
	if !sc.Ack {
		return nil, false
	}
	var v float64
	switch val := sc.Val.(type) {
	case float64:
		v = val
	case float32:
		v = float64(val)
	case int:
		v = float64(val)
	case int64:
		v = float64(val)
	case uint32:
		v = float64(val)
	case bool:
		if val {
			v = 1
		}
	default:
		return nil, false
	}

	tags := map[string]string{"id": sc.ID}
	if addr, ok := coordinator.ParseAddress(sc.ID); ok {
		tags["device"] = addr.Device
		tags["entity_type"] = addr.Kind
		tags["key"] = addr.Key
		tags["field"] = addr.Field
	}
	ts := sc.TS
	if ts.IsZero() {
		ts = time.Now()
	}
	return write.NewPoint(measurement, tags, map[string]any{"value": v}, ts), true
}
