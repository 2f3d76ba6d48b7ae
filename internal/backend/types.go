package backend

// Message is a prompt sent to an agent.
type Message struct {
	Content string
	Role    string // "user" or "system"
}

// Response is what an agent answered.
type Response struct {
	Content   string
	SessionID string
	Error     string
}

// Config configures one backend instance.
type Config struct {
	Type         string // One of the Kind constants
	WorkDir      string // Directory the agent CLI runs in, usually a sandbox path
	SessionID    string // Resume an existing session when set
	Model        string
	Provider     string // Goose only, e.g. "ollama" or "lmstudio"
	SystemPrompt string
}
