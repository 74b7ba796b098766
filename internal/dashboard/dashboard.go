// Package dashboard supervises the external ESPHome dashboard process.
package dashboard

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config describes how the dashboard is launched.
type Config struct {
	Command         []string
	ConfigDir       string
	Port            int
	RestartInterval time.Duration
	StopTimeout     time.Duration
}

// Supervisor keeps the dashboard process running until its context ends.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger
	starts atomic.Int64
}

// New returns a supervisor; an empty command falls back to "esphome dashboard".
func New(cfg Config, logger *slog.Logger) *Supervisor {
	if len(cfg.Command) == 0 {
		cfg.Command = []string{"esphome", "dashboard"}
	}
	if cfg.ConfigDir == "" {
		cfg.ConfigDir = "esphome-configs"
	}
	if cfg.Port == 0 {
		cfg.Port = 6052
	}
	if cfg.RestartInterval <= 0 {
		cfg.RestartInterval = 5 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	return &Supervisor{cfg: cfg, logger: logger.With("component", "dashboard")}
}

// Args returns the full command line.
func (s *Supervisor) Args() []string {
	args := append([]string(nil), s.cfg.Command...)
	return append(args, s.cfg.ConfigDir, "--port", strconv.Itoa(s.cfg.Port))
}

// Starts reports how many times the process was launched.
func (s *Supervisor) Starts() int64 { return s.starts.Load() }

// Run starts the dashboard and restarts it with exponential backoff
// whenever it exits. It returns when ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := os.MkdirAll(s.cfg.ConfigDir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.RestartInterval
	bo.MaxInterval = 12 * s.cfg.RestartInterval
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		started := time.Now()
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			s.logger.Info("dashboard stopped")
			return nil
		}
		if time.Since(started) > bo.MaxInterval {
			bo.Reset()
		}

		wait := bo.NextBackOff()
		s.logger.Warn("dashboard exited", "err", err, "restart_in", wait)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context) error {
	args := s.Args()
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = s.cfg.StopTimeout

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", args[0], err)
	}
	s.starts.Add(1)
	s.logger.Info("dashboard started", "pid", cmd.Process.Pid, "port", s.cfg.Port)

	s.pipeLog(stdout)

	err = cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("exit code %d", exitErr.ExitCode())
	}
	if err == nil {
		return errors.New("exited")
	}
	return err
}

func (s *Supervisor) pipeLog(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		s.logger.Debug(sc.Text())
	}
}
