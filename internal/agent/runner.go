// Package agent runs coding agents as pool handlers.
package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/aristath/nworlds/internal/backend"
	"github.com/aristath/nworlds/internal/log"
	"github.com/aristath/nworlds/internal/pool"
	"github.com/aristath/nworlds/internal/sandbox"
)

// ErrUnknownAgent is returned for a task naming an agent that is not configured.
var ErrUnknownAgent = errors.New("unknown agent")

// Factory creates a backend. backend.New is used by default.
type Factory func(cfg backend.Config, pm *backend.ProcessManager) (backend.Backend, error)

// Config configures a Runner.
type Config struct {
	// Agents maps agent names to backend settings. WorkDir is replaced by
	// the sandbox path on every run.
	Agents         map[string]backend.Config
	DefaultAgent   string // Used for tasks without AgentKind
	Factory        Factory
	ProcessManager *backend.ProcessManager // Optional
	Retry          RetryConfig
	Breakers       *Breakers
	Logger         log.Logger
}

func (c *Config) defaults() error {
	if len(c.Agents) == 0 {
		return fmt.Errorf("no agents configured")
	}
	if c.DefaultAgent != "" {
		if _, ok := c.Agents[c.DefaultAgent]; !ok {
			return fmt.Errorf("%w: default %q", ErrUnknownAgent, c.DefaultAgent)
		}
	}
	if c.Factory == nil {
		c.Factory = backend.New
	}
	if c.Retry == (RetryConfig{}) {
		c.Retry = DefaultRetryConfig()
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	if c.Breakers == nil {
		c.Breakers = NewBreakers(c.Logger)
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "agent.Runner"})
	return nil
}

// Output is the value a successful agent run yields.
type Output struct {
	Agent     string `json:"agent"`
	SessionID string `json:"session_id,omitempty"`
	Content   string `json:"content"`
}

// Runner is a pool.Handler that prompts an agent with the task description
// inside the task's sandbox.
type Runner struct {
	config Config
	logger log.Logger
}

var _ pool.Handler = (*Runner)(nil)

// NewRunner creates a runner.
func NewRunner(cfg Config) (*Runner, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid runner config: %w", err)
	}
	return &Runner{config: cfg, logger: cfg.Logger}, nil
}

// Run implements pool.Handler.
func (r *Runner) Run(ctx context.Context, sb sandbox.Info, task pool.Task) (any, error) {
	name := task.AgentKind
	if name == "" {
		name = r.config.DefaultAgent
	}
	bcfg, ok := r.config.Agents[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, name)
	}
	bcfg.WorkDir = sb.Path

	logger := r.logger.WithCtxValues(ctx).WithValues(log.Kv{"agent": name, "sandbox": sb.ID})

	b, err := r.config.Factory(bcfg, r.config.ProcessManager)
	if err != nil {
		return nil, fmt.Errorf("creating %s backend for agent %q: %w", bcfg.Type, name, err)
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.Warningf("Could not close backend: %v", err)
		}
	}()

	logger.Debugf("Prompting agent for task %q", task.ID)
	msg := backend.Message{Content: task.Description, Role: "user"}
	resp, err := sendWithRetry(ctx, b, msg, r.config.Breakers.Get(name), r.config.Retry, logger)
	if err != nil {
		return nil, fmt.Errorf("agent %q: %w", name, err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("agent %q: %s", name, resp.Error)
	}

	sessionID := resp.SessionID
	if sessionID == "" {
		sessionID = b.SessionID()
	}
	return Output{Agent: name, SessionID: sessionID, Content: resp.Content}, nil
}
