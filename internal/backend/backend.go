// Package backend drives coding agent CLIs as subprocesses.
package backend

import (
	"context"
	"fmt"
)

// Supported agent kinds.
const (
	KindClaude = "claude"
	KindCodex  = "codex"
	KindGoose  = "goose"
)

// Backend is a conversation with one agent CLI.
type Backend interface {
	// Send sends a message and waits for the agent's answer.
	Send(ctx context.Context, msg Message) (Response, error)

	// Close releases the backend.
	Close() error

	// SessionID returns the current session identifier.
	SessionID() string
}

// New creates the backend for cfg.Type. pm may be nil.
func New(cfg Config, pm *ProcessManager) (Backend, error) {
	switch cfg.Type {
	case KindClaude:
		return NewClaudeAdapter(cfg, pm)
	case KindCodex:
		return NewCodexAdapter(cfg, pm)
	case KindGoose:
		return NewGooseAdapter(cfg, pm)
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}
}
