// Package config loads the layered nworlds configuration.
package config

import "time"

// Config is the top-level configuration.
type Config struct {
	Sandbox      SandboxConfig             `yaml:"sandbox"`
	Pool         PoolConfig                `yaml:"pool"`
	Speculative  SpeculativeConfig         `yaml:"speculative"`
	Decision     DecisionConfig            `yaml:"decision"`
	Store        StoreConfig               `yaml:"store"`
	Telemetry    TelemetryConfig           `yaml:"telemetry"`
	Providers    map[string]ProviderConfig `yaml:"providers"`
	Agents       map[string]AgentConfig    `yaml:"agents"`
	DefaultAgent string                    `yaml:"default_agent"`
}

// SandboxConfig configures where and how sandboxes are created.
type SandboxConfig struct {
	Root       string        `yaml:"root,omitempty"` // Empty means "<repo>/.worktrees"
	BaseRef    string        `yaml:"base_ref"`
	StuckAfter time.Duration `yaml:"stuck_after"`
}

// PoolConfig configures the task pool.
type PoolConfig struct {
	MaxConcurrency    int           `yaml:"max_concurrency"`
	TimeoutPerTask    time.Duration `yaml:"timeout_per_task"`
	FailFast          bool          `yaml:"fail_fast"`
	AutoCleanup       bool          `yaml:"auto_cleanup"`
	CancelGracePeriod time.Duration `yaml:"cancel_grace_period"`
}

// SpeculativeConfig configures speculative execution.
type SpeculativeConfig struct {
	Worlds    int     `yaml:"worlds"`
	Threshold float64 `yaml:"threshold"`
}

// DecisionConfig configures the complexity based decision oracle.
// Issues up to NotifyAbove are approved, up to EscalateAbove proceed after
// NotifyDelay, and anything above is escalated.
type DecisionConfig struct {
	NotifyAbove   int           `yaml:"notify_above"`
	EscalateAbove int           `yaml:"escalate_above"`
	NotifyDelay   time.Duration `yaml:"notify_delay"`
}

// StoreConfig selects the execution store.
type StoreConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn"`
}

// TelemetryConfig toggles the stdout metric and trace exporters.
type TelemetryConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ProviderConfig is an agent CLI. Several agents can share one provider.
type ProviderConfig struct {
	Type     string `yaml:"type"`               // Backend type: "claude", "codex" or "goose"
	Provider string `yaml:"provider,omitempty"` // Model provider for goose, e.g. "ollama"
}

// AgentConfig is a role played by a provider with a model and prompt.
type AgentConfig struct {
	Provider     string `yaml:"provider"` // Key into Providers
	Model        string `yaml:"model,omitempty"`
	SystemPrompt string `yaml:"system_prompt,omitempty"`
}
