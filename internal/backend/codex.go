package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// CodexAdapter runs the codex CLI. The thread id reported by the first
// exec is used to resume the conversation.
type CodexAdapter struct {
	threadID string
	workDir  string
	model    string
	started  bool
	procMgr  *ProcessManager
}

// codexEvent is one line of the `codex exec --json` event stream. Only the
// fields of ThreadStarted and TurnCompleted are read.
type codexEvent struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id,omitempty"`
	Content  string `json:"content,omitempty"`
}

// NewCodexAdapter creates a codex backend. A non-empty cfg.SessionID is
// taken as the thread to resume.
func NewCodexAdapter(cfg Config, procMgr *ProcessManager) (*CodexAdapter, error) {
	return &CodexAdapter{
		threadID: cfg.SessionID,
		workDir:  cfg.WorkDir,
		model:    cfg.Model,
		started:  cfg.SessionID != "",
		procMgr:  procMgr,
	}, nil
}

// Send runs codex with msg and returns the content of the completed turn.
func (c *CodexAdapter) Send(ctx context.Context, msg Message) (Response, error) {
	cmd := newCommand(ctx, "codex", c.buildArgs(msg)...)
	cmd.Dir = c.workDir

	stdout, _, err := executeCommand(ctx, cmd, c.procMgr)
	if err != nil {
		return Response{Error: fmt.Sprintf("codex command failed: %v", err)}, err
	}

	threadID, content, err := parseCodexEvents(stdout)
	if err != nil {
		return Response{Error: fmt.Sprintf("failed to parse codex events: %v", err)}, err
	}
	if threadID != "" {
		c.threadID = threadID
	}
	c.started = true
	return Response{Content: content, SessionID: c.threadID}, nil
}

// buildArgs returns `exec <prompt> --json` for a new thread and
// `resume <thread> <prompt> --json` afterwards.
func (c *CodexAdapter) buildArgs(msg Message) []string {
	var args []string
	if !c.started && c.threadID == "" {
		args = []string{"exec", msg.Content, "--json"}
	} else {
		args = []string{"resume", c.threadID, msg.Content, "--json"}
	}
	if c.model != "" {
		args = append(args, "--model", c.model)
	}
	return args
}

func parseCodexEvents(data []byte) (threadID string, content string, err error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var evt codexEvent
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			return "", "", fmt.Errorf("failed to parse event: %w", err)
		}
		switch evt.Type {
		case "ThreadStarted":
			threadID = evt.ThreadID
		case "TurnCompleted":
			content = evt.Content
		}
	}
	if err := scanner.Err(); err != nil {
		return "", "", fmt.Errorf("error reading events: %w", err)
	}
	return threadID, content, nil
}

// Close is a no-op, nothing outlives a Send.
func (c *CodexAdapter) Close() error { return nil }

// SessionID returns the codex thread id, empty before the first Send.
func (c *CodexAdapter) SessionID() string { return c.threadID }
