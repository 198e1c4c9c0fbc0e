//go:build no_automation

package automation

import (
	"errors"
	"log/slog"
)

// ErrScriptNotFound is returned for an id with no file behind it.
var ErrScriptNotFound = errors.New("script not found")

// ScriptMeta holds user-editable metadata for a script.
type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Script is a stored automation script.
type Script struct {
	ID       string     `json:"id"`
	Meta     ScriptMeta `json:"meta"`
	LuaCode  string     `json:"lua_code"`
	FilePath string     `json:"-"`
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	RunID    string   `json:"run_id"`
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// Host is unused without automation.
type Host interface{}

// Manager is a no-op stub when automation is disabled.
type Manager struct{}

// NewManager returns a nil manager.
func NewManager(_ string) (*Manager, error) { return nil, nil }

func (m *Manager) List() ([]*Script, error)                     { return nil, nil }
func (m *Manager) Get(_ string) (*Script, error)                { return nil, ErrScriptNotFound }
func (m *Manager) Save(s *Script) (*Script, error)              { return s, nil }
func (m *Manager) SetEnabled(_ string, _ bool) (*Script, error) { return nil, ErrScriptNotFound }
func (m *Manager) Delete(_ string) error                        { return ErrScriptNotFound }

// Engine is a no-op stub when automation is disabled.
type Engine struct{}

// NewEngine returns a no-op engine.
func NewEngine(_ Host, _ *Manager, _ *slog.Logger) *Engine { return &Engine{} }

func (e *Engine) Start()                      {}
func (e *Engine) Stop()                       {}
func (e *Engine) Running() int                { return 0 }
func (e *Engine) ReloadScript(_ string) error { return nil }
func (e *Engine) StopScript(_ string)         {}

func (e *Engine) RunScript(_ string) *RunResult {
	return &RunResult{Error: "automation disabled"}
}

func (e *Engine) RunLuaCode(_ string) *RunResult {
	return &RunResult{Error: "automation disabled"}
}
