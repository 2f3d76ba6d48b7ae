package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// GooseAdapter runs the goose CLI, which can front local model providers
// such as ollama or llama.cpp.
type GooseAdapter struct {
	sessionName  string
	workDir      string
	model        string
	provider     string
	systemPrompt string
	started      bool
	procMgr      *ProcessManager
}

type gooseResponse struct {
	Content string `json:"content"`
}

// NewGooseAdapter creates a goose backend. Without cfg.SessionID the
// session is named "nworlds-<8 hex digits>".
func NewGooseAdapter(cfg Config, procMgr *ProcessManager) (*GooseAdapter, error) {
	name := cfg.SessionID
	if name == "" {
		name = "nworlds-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	}
	return &GooseAdapter{
		sessionName:  name,
		workDir:      cfg.WorkDir,
		model:        cfg.Model,
		provider:     cfg.Provider,
		systemPrompt: cfg.SystemPrompt,
		procMgr:      procMgr,
	}, nil
}

// Send runs goose with msg. Output that is not JSON is returned as plain
// text, older goose releases have no --output-format.
func (g *GooseAdapter) Send(ctx context.Context, msg Message) (Response, error) {
	cmd := newCommand(ctx, "goose", g.buildArgs(msg)...)
	cmd.Dir = g.workDir

	stdout, stderr, err := executeCommand(ctx, cmd, g.procMgr)
	if err != nil {
		return Response{
			Error:     fmt.Sprintf("goose command failed: %v", err),
			SessionID: g.sessionName,
		}, err
	}

	resp, err := parseGooseResponse(stdout)
	if err != nil {
		resp = Response{Content: string(stdout)}
		if len(stderr) > 0 {
			resp.Content += "\n[stderr]: " + string(stderr)
		}
	}
	resp.SessionID = g.sessionName
	g.started = true
	return resp, nil
}

func (g *GooseAdapter) buildArgs(msg Message) []string {
	args := []string{"run", "--text", msg.Content, "--output-format", "json"}
	if g.started {
		args = append(args, "--resume")
	} else {
		args = append(args, "--name", g.sessionName)
	}
	if g.provider != "" {
		args = append(args, "--provider", g.provider)
	}
	if g.model != "" {
		args = append(args, "--model", g.model)
	}
	if g.systemPrompt != "" {
		args = append(args, "--system", g.systemPrompt)
	}
	return args
}

// parseGooseResponse accepts a single JSON object or newline-delimited
// JSON objects, joining their content.
func parseGooseResponse(data []byte) (Response, error) {
	var single gooseResponse
	if err := json.Unmarshal(data, &single); err == nil {
		return Response{Content: single.Content}, nil
	}

	var parts []string
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		var r gooseResponse
		if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &r); err == nil && r.Content != "" {
			parts = append(parts, r.Content)
		}
	}
	if len(parts) == 0 {
		return Response{}, fmt.Errorf("failed to parse goose JSON response")
	}
	return Response{Content: strings.Join(parts, "\n")}, nil
}

// Close is a no-op, nothing outlives a Send.
func (g *GooseAdapter) Close() error { return nil }

// SessionID returns the goose session name.
func (g *GooseAdapter) SessionID() string { return g.sessionName }
