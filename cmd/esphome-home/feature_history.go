//go:build !no_history

package main

import (
	"log/slog"

	"esphome-go-home/internal/coordinator"
	"esphome-go-home/internal/history"
)

type historyStopper struct {
	writer *history.Writer
}

func (h *historyStopper) Stop() {
	if h.writer != nil {
		h.writer.Stop()
	}
}

func initHistory(coord *coordinator.Coordinator, cfg *Config, logger *slog.Logger) *historyStopper {
	if !cfg.Influx.Enabled {
		return &historyStopper{}
	}
	w, err := history.New(history.Config{
		URL:           cfg.Influx.URL,
		Token:         cfg.Influx.Token,
		Org:           cfg.Influx.Org,
		Bucket:        cfg.Influx.Bucket,
		BatchSize:     cfg.Influx.BatchSize,
		FlushInterval: cfg.Influx.FlushInterval,
	}, logger)
	if err != nil {
		logger.Error("influx history", "err", err)
		return &historyStopper{}
	}
	w.Start(coord.Events())
	return &historyStopper{writer: w}
}
