package config

import (
	"path/filepath"
	"time"

	"k8s.io/client-go/util/homedir"

	"github.com/aristath/nworlds/internal/backend"
)

// Dir is the directory name of both the global and the project configuration.
const Dir = ".nworlds"

// DataDir returns the per-user nworlds directory.
func DataDir() string {
	return filepath.Join(homedir.HomeDir(), Dir)
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Sandbox: SandboxConfig{
			BaseRef:    "HEAD",
			StuckAfter: 30 * time.Minute,
		},
		Pool: PoolConfig{
			MaxConcurrency:    4,
			TimeoutPerTask:    30 * time.Minute,
			AutoCleanup:       true,
			CancelGracePeriod: 5 * time.Second,
		},
		Speculative: SpeculativeConfig{
			Worlds:    5,
			Threshold: 0.8,
		},
		Decision: DecisionConfig{
			NotifyAbove:   5,
			EscalateAbove: 8,
			NotifyDelay:   30 * time.Second,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			DSN:    filepath.Join(DataDir(), "nworlds.db"),
		},
		Providers: map[string]ProviderConfig{
			backend.KindClaude: {Type: backend.KindClaude},
			backend.KindCodex:  {Type: backend.KindCodex},
			backend.KindGoose:  {Type: backend.KindGoose},
		},
		Agents: map[string]AgentConfig{
			"coder": {
				Provider:     backend.KindClaude,
				SystemPrompt: "You implement features and write production code.",
			},
			"reviewer": {
				Provider:     backend.KindClaude,
				SystemPrompt: "You review code for correctness, style, and best practices.",
			},
			"tester": {
				Provider:     backend.KindClaude,
				SystemPrompt: "You write comprehensive tests and validate functionality.",
			},
		},
		DefaultAgent: "coder",
	}
}
