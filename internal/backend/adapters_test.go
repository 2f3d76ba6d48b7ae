package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaudeArgs(t *testing.T) {
	a, err := NewClaudeAdapter(Config{SessionID: "sid", WorkDir: t.TempDir()}, nil)
	require.NoError(t, err)

	assert.Equal(t,
		[]string{"-p", "hi", "--output-format", "json", "--session-id", "sid"},
		a.buildArgs(Message{Content: "hi"}, false))
	assert.Equal(t,
		[]string{"-p", "again", "--output-format", "json", "--resume", "sid"},
		a.buildArgs(Message{Content: "again"}, true))

	a.model, a.systemPrompt = "opus", "be brief"
	assert.Equal(t,
		[]string{"-p", "hi", "--output-format", "json", "--session-id", "sid", "--model", "opus", "--system-prompt", "be brief"},
		a.buildArgs(Message{Content: "hi"}, false))
}

func TestClaudeAdapterDefaultsWorkDir(t *testing.T) {
	a, err := NewClaudeAdapter(Config{}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, a.workDir)
}

func TestParseClaudeResponse(t *testing.T) {
	tests := map[string]struct {
		input   string
		content string
		session string
		wantErr bool
	}{
		"single text": {
			input:   `{"session_id":"s1","result":{"content":[{"type":"text","text":"done"}]}}`,
			content: "done",
			session: "s1",
		},
		"joins text parts": {
			input:   `{"session_id":"s2","result":{"content":[{"type":"text","text":"a"},{"type":"text","text":"b"}]}}`,
			content: "ab",
			session: "s2",
		},
		"skips other content": {
			input:   `{"session_id":"s3","result":{"content":[{"type":"image","data":"x"},{"type":"text","text":"t"}]}}`,
			content: "t",
			session: "s3",
		},
		"empty content": {
			input:   `{"session_id":"s4","result":{"content":[]}}`,
			session: "s4",
		},
		"agent error": {
			input:   `{"session_id":"s5","is_error":true,"result":{"content":[{"type":"text","text":"quota"}]}}`,
			wantErr: true,
		},
		"not json": {
			input:   `Error: not logged in`,
			wantErr: true,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			resp, err := parseClaudeResponse([]byte(tt.input))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.content, resp.Content)
			assert.Equal(t, tt.session, resp.SessionID)
		})
	}
}

func TestCodexArgs(t *testing.T) {
	c, err := NewCodexAdapter(Config{Model: "o4"}, nil)
	require.NoError(t, err)
	assert.False(t, c.started)
	assert.Equal(t, []string{"exec", "fix it", "--json", "--model", "o4"}, c.buildArgs(Message{Content: "fix it"}))

	c.threadID, c.started = "thread_1", true
	assert.Equal(t, []string{"resume", "thread_1", "more", "--json", "--model", "o4"}, c.buildArgs(Message{Content: "more"}))

	resumed, err := NewCodexAdapter(Config{SessionID: "thread_2"}, nil)
	require.NoError(t, err)
	assert.True(t, resumed.started)
	assert.Equal(t, []string{"resume", "thread_2", "go", "--json"}, resumed.buildArgs(Message{Content: "go"}))
}

func TestParseCodexEvents(t *testing.T) {
	stream := `{"type":"ThreadStarted","thread_id":"thread_9"}

{"type":"ItemCompleted"}
{"type":"TurnCompleted","content":"patched main.go"}
`
	threadID, content, err := parseCodexEvents([]byte(stream))
	require.NoError(t, err)
	assert.Equal(t, "thread_9", threadID)
	assert.Equal(t, "patched main.go", content)

	_, _, err = parseCodexEvents([]byte("{\"type\":\"ThreadStarted\"}\nnot json\n"))
	assert.Error(t, err)

	threadID, content, err = parseCodexEvents(nil)
	require.NoError(t, err)
	assert.Empty(t, threadID)
	assert.Empty(t, content)
}

func TestGooseArgs(t *testing.T) {
	g, err := NewGooseAdapter(Config{SessionID: "gs", Provider: "ollama", Model: "qwen", SystemPrompt: "terse"}, nil)
	require.NoError(t, err)

	assert.Equal(t,
		[]string{"run", "--text", "hi", "--output-format", "json", "--name", "gs", "--provider", "ollama", "--model", "qwen", "--system", "terse"},
		g.buildArgs(Message{Content: "hi"}))

	g.started = true
	assert.Equal(t,
		[]string{"run", "--text", "hi", "--output-format", "json", "--resume", "--provider", "ollama", "--model", "qwen", "--system", "terse"},
		g.buildArgs(Message{Content: "hi"}))
}

func TestParseGooseResponse(t *testing.T) {
	tests := map[string]struct {
		input   string
		content string
		wantErr bool
	}{
		"single object": {input: `{"content":"ok"}`, content: "ok"},
		"ndjson":        {input: "{\"content\":\"a\"}\n{\"other\":1}\n{\"content\":\"b\"}\n", content: "a\nb"},
		"plain text":    {input: "just text", wantErr: true},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			resp, err := parseGooseResponse([]byte(tt.input))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.content, resp.Content)
		})
	}
}
