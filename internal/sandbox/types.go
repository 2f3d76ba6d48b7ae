package sandbox

import (
	"errors"
	"fmt"
	"time"

	"github.com/aristath/nworlds/internal/log"
)

var (
	// ErrRepositoryNotFound is returned when no enclosing git repository exists.
	ErrRepositoryNotFound = errors.New("repository not found")
	// ErrSandboxCreationFailed is returned when the VCS checkout step fails.
	ErrSandboxCreationFailed = errors.New("sandbox creation failed")
	// ErrPathConflict is returned when a sandbox with the same derived name is still active.
	ErrPathConflict = errors.New("sandbox path conflict")
	// ErrNotFound is returned when a sandbox id is unknown.
	ErrNotFound = errors.New("sandbox not found")
)

// Status is the derived state of a sandbox, computed at scan time.
type Status int

const (
	StatusActive    Status = iota // Owned by a task and recently touched
	StatusIdle                    // No owner, intact
	StatusStuck                   // Owned, but not touched for longer than StuckAfter
	StatusOrphaned                // Directory without metadata, or a failed removal
	StatusCorrupted               // Checkout is no longer a valid git worktree
)

// String returns the lowercase status name.
func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusIdle:
		return "idle"
	case StatusStuck:
		return "stuck"
	case StatusOrphaned:
		return "orphaned"
	case StatusCorrupted:
		return "corrupted"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Info holds information about a created sandbox.
type Info struct {
	ID             string    `json:"id"`              // Derived directory name
	Path           string    `json:"path"`            // Absolute path to the checkout
	Branch         string    `json:"branch"`          // Branch created for the sandbox
	BaseRevision   string    `json:"base_revision"`   // Commit the sandbox was created from
	OwnerTaskID    string    `json:"owner_task_id"`   // Task the sandbox was created for
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
}

// Entry is one scanned sandbox.
type Entry struct {
	Info   Info   `json:"info"`
	Status Status `json:"status"`
	Locked bool   `json:"locked"`
	Reason string `json:"reason,omitempty"` // Why the sandbox was classified as it was, when not obvious
}

// Usage is the disk usage of the sandbox root.
type Usage struct {
	TotalBytes int64            `json:"total_bytes"`
	CacheBytes int64            `json:"cache_bytes"`
	PerSandbox map[string]int64 `json:"per_sandbox"`
}

// ManagerConfig configures the sandbox manager.
type ManagerConfig struct {
	SearchFrom   string        // Directory repository discovery starts from (default: cwd)
	RootDir      string        // Sandbox root (default: "<repo>/.worktrees")
	BaseRef      string        // Revision sandboxes are created from (default: "HEAD")
	BranchPrefix string        // Prefix of sandbox branch names (default: "nworlds/")
	StuckAfter   time.Duration // Age after which a locked sandbox is stuck (default: 30m)
	Logger       log.Logger
}

func (c *ManagerConfig) defaults() {
	if c.BaseRef == "" {
		c.BaseRef = "HEAD"
	}
	if c.BranchPrefix == "" {
		c.BranchPrefix = "nworlds/"
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = 30 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "sandbox.Manager"})
}
