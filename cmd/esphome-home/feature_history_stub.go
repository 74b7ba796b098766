//go:build no_history

package main

import (
	"log/slog"

	"esphome-go-home/internal/coordinator"
)

type historyStopper struct{}

func (h *historyStopper) Stop() {}

func initHistory(_ *coordinator.Coordinator, cfg *Config, logger *slog.Logger) *historyStopper {
	if cfg.Influx.Enabled {
		logger.Warn("influx enabled in config but not compiled in")
	}
	return &historyStopper{}
}
