package dashboard

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestArgs(t *testing.T) {
	s := New(Config{}, testLogger())
	want := []string{"esphome", "dashboard", "esphome-configs", "--port", "6052"}
	if got := s.Args(); !slices.Equal(got, want) {
		t.Errorf("Args() = %v, want %v", got, want)
	}

	s = New(Config{Command: []string{"/opt/esphome/bin/esphome", "dashboard"}, ConfigDir: "/data", Port: 7000}, testLogger())
	want = []string{"/opt/esphome/bin/esphome", "dashboard", "/data", "--port", "7000"}
	if got := s.Args(); !slices.Equal(got, want) {
		t.Errorf("Args() = %v, want %v", got, want)
	}
}

func TestRunRestartsExitedProcess(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	dir := filepath.Join(t.TempDir(), "configs")
	s := New(Config{
		Command:         []string{"/bin/sh", "-c", "echo starting; exit 3"},
		ConfigDir:       dir,
		RestartInterval: 10 * time.Millisecond,
	}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for s.Starts() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.Starts() < 3 {
		t.Errorf("starts = %d, want at least 3", s.Starts())
	}
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		t.Errorf("config dir not created: %v", err)
	}
}

func TestRunStopsLongRunningProcess(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	s := New(Config{
		Command:     []string{"/bin/sh", "-c", "sleep 30"},
		ConfigDir:   t.TempDir(),
		StopTimeout: time.Second,
	}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for s.Starts() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if s.Starts() != 1 {
		t.Errorf("starts = %d, want 1", s.Starts())
	}
}

func TestRunMissingBinary(t *testing.T) {
	s := New(Config{
		Command:         []string{"/nonexistent/esphome"},
		ConfigDir:       t.TempDir(),
		RestartInterval: 10 * time.Millisecond,
	}, testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := s.Run(ctx); err != nil {
		t.Errorf("Run: %v", err)
	}
	if s.Starts() != 0 {
		t.Errorf("starts = %d, want 0", s.Starts())
	}
}
