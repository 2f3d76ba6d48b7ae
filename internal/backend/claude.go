package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

// ClaudeAdapter runs the claude CLI in print mode, one subprocess per message.
type ClaudeAdapter struct {
	sessionID    string
	workDir      string
	model        string
	systemPrompt string
	started      bool
	procMgr      *ProcessManager
}

// claudeResponse is the JSON document printed by `claude -p --output-format json`.
type claudeResponse struct {
	SessionID string `json:"session_id"`
	IsError   bool   `json:"is_error"`
	Result    struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"result"`
}

// NewClaudeAdapter creates a claude backend. A random session id is used
// when cfg.SessionID is empty and the current directory when cfg.WorkDir is.
func NewClaudeAdapter(cfg Config, procMgr *ProcessManager) (*ClaudeAdapter, error) {
	sessionID := cfg.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	workDir := cfg.WorkDir
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		workDir = wd
	}

	return &ClaudeAdapter{
		sessionID:    sessionID,
		workDir:      workDir,
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		procMgr:      procMgr,
	}, nil
}

// Send runs claude with msg. The first message opens the session with
// --session-id and later ones continue it with --resume.
func (a *ClaudeAdapter) Send(ctx context.Context, msg Message) (Response, error) {
	cmd := newCommand(ctx, "claude", a.buildArgs(msg, a.started)...)
	cmd.Dir = a.workDir

	stdout, stderr, err := executeCommand(ctx, cmd, a.procMgr)
	if err != nil {
		return Response{Error: fmt.Sprintf("claude command failed: %v", err)}, err
	}

	resp, err := parseClaudeResponse(stdout)
	if err != nil {
		return Response{
			Error: fmt.Sprintf("failed to parse claude response: %v (stderr: %s)", err, stderr),
		}, err
	}
	a.started = true
	return resp, nil
}

// Close is a no-op, nothing outlives a Send.
func (a *ClaudeAdapter) Close() error { return nil }

// SessionID returns the claude session id.
func (a *ClaudeAdapter) SessionID() string { return a.sessionID }

func (a *ClaudeAdapter) buildArgs(msg Message, resume bool) []string {
	args := []string{"-p", msg.Content, "--output-format", "json"}
	if resume {
		args = append(args, "--resume", a.sessionID)
	} else {
		args = append(args, "--session-id", a.sessionID)
	}
	if a.model != "" {
		args = append(args, "--model", a.model)
	}
	if a.systemPrompt != "" {
		args = append(args, "--system-prompt", a.systemPrompt)
	}
	return args
}

func parseClaudeResponse(data []byte) (Response, error) {
	var cr claudeResponse
	if err := json.Unmarshal(data, &cr); err != nil {
		return Response{}, fmt.Errorf("failed to unmarshal JSON: %w", err)
	}

	var content strings.Builder
	for _, item := range cr.Result.Content {
		if item.Type == "text" {
			content.WriteString(item.Text)
		}
	}
	if cr.IsError {
		return Response{}, fmt.Errorf("claude reported an error: %s", content.String())
	}
	return Response{Content: content.String(), SessionID: cr.SessionID}, nil
}
