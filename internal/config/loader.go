package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/aristath/nworlds/internal/backend"
)

// GlobalPath returns the path of the per-user configuration file.
func GlobalPath() string {
	return filepath.Join(DataDir(), "config.yaml")
}

// ProjectPath returns the path of the configuration file of a project.
func ProjectPath(projectDir string) string {
	return filepath.Join(projectDir, Dir, "config.yaml")
}

// Load layers the files at globalPath and projectPath, in that order, over
// the defaults. Keys set in a later layer win; providers and agents merge
// by name. Empty paths and missing files are skipped, malformed files are
// errors.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := Default()

	if err := mergeFile(cfg, globalPath); err != nil {
		return nil, fmt.Errorf("loading global config: %w", err)
	}
	if err := mergeFile(cfg, projectPath); err != nil {
		return nil, fmt.Errorf("loading project config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads the global configuration and the one of projectDir.
func LoadDefault(projectDir string) (*Config, error) {
	return Load(GlobalPath(), ProjectPath(projectDir))
}

func mergeFile(cfg *Config, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	// Decoding into the populated struct only replaces what the file sets.
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// Validate checks the configuration for values no component can use.
func (c *Config) Validate() error {
	switch {
	case c.Pool.MaxConcurrency < 1:
		return fmt.Errorf("pool.max_concurrency must be at least 1, got %d", c.Pool.MaxConcurrency)
	case c.Speculative.Worlds < 1:
		return fmt.Errorf("speculative.worlds must be at least 1, got %d", c.Speculative.Worlds)
	case c.Speculative.Threshold < 0 || c.Speculative.Threshold > 1:
		return fmt.Errorf("speculative.threshold must be within [0, 1], got %v", c.Speculative.Threshold)
	case c.Decision.EscalateAbove < c.Decision.NotifyAbove:
		return fmt.Errorf("decision.escalate_above (%d) is below decision.notify_above (%d)",
			c.Decision.EscalateAbove, c.Decision.NotifyAbove)
	case c.Store.Driver != "sqlite" && c.Store.Driver != "postgres":
		return fmt.Errorf("store.driver must be sqlite or postgres, got %q", c.Store.Driver)
	}
	if _, err := c.BackendConfigs(); err != nil {
		return err
	}
	if _, ok := c.Agents[c.DefaultAgent]; !ok {
		return fmt.Errorf("default_agent %q is not configured", c.DefaultAgent)
	}
	return nil
}

// BackendConfigs resolves every agent through its provider into the
// backend settings the agent runner uses.
func (c *Config) BackendConfigs() (map[string]backend.Config, error) {
	out := make(map[string]backend.Config, len(c.Agents))
	for name, agent := range c.Agents {
		p, ok := c.Providers[agent.Provider]
		if !ok {
			return nil, fmt.Errorf("agent %q uses unknown provider %q", name, agent.Provider)
		}
		switch p.Type {
		case backend.KindClaude, backend.KindCodex, backend.KindGoose:
		default:
			return nil, fmt.Errorf("provider %q has unsupported type %q", agent.Provider, p.Type)
		}
		out[name] = backend.Config{
			Type:         p.Type,
			Model:        agent.Model,
			Provider:     p.Provider,
			SystemPrompt: agent.SystemPrompt,
		}
	}
	return out, nil
}
