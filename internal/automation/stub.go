//go:build no_automation

package automation

import (
	"errors"
	"log/slog"
	"time"

	"esphome-go-home/internal/coordinator"
)

var errDisabled = errors.New("automation disabled")

type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

type Script struct {
	ID       string     `json:"id"`
	Meta     ScriptMeta `json:"meta"`
	LuaCode  string     `json:"lua_code"`
	FilePath string     `json:"-"`
}

type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

type SystemConfig struct {
	ExecAllowlist []string
	ExecTimeout   time.Duration
}

type Host interface {
	Events() *coordinator.EventBus
	Tree() *coordinator.ObjectTree
	ListDevices() []coordinator.DeviceView
}

// Manager is a no-op when built with no_automation.
type Manager struct{}

func NewManager(_ string) (*Manager, error)        { return &Manager{}, nil }
func (m *Manager) List() ([]*Script, error)        { return nil, nil }
func (m *Manager) Get(_ string) (*Script, error)   { return nil, errDisabled }
func (m *Manager) Save(_ *Script) (*Script, error) { return nil, errDisabled }
func (m *Manager) Delete(_ string) error           { return errDisabled }

// Engine is a no-op when built with no_automation.
type Engine struct{}

func NewEngine(_ Host, _ *Manager, _ *slog.Logger, _ SystemConfig) *Engine { return &Engine{} }

func (e *Engine) Start()                      {}
func (e *Engine) Stop()                       {}
func (e *Engine) ReloadScript(_ string) error { return nil }
func (e *Engine) StopScript(_ string)         {}
func (e *Engine) Running(_ string) bool       { return false }
func (e *Engine) RunScript(_ string) *RunResult {
	return &RunResult{OK: false, Error: errDisabled.Error()}
}
func (e *Engine) RunLuaCode(_ string) *RunResult {
	return &RunResult{OK: false, Error: errDisabled.Error()}
}
