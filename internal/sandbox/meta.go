package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	cacheDirName   = ".base"
	metaDirName    = ".meta"
	stagingDirName = ".staging"
)

// metadata is the sidecar record of a sandbox, stored outside the checkout so
// the agent working in the sandbox never sees it.
type metadata struct {
	ID             string    `yaml:"id"`
	TaskID         string    `yaml:"task_id"`
	Path           string    `yaml:"path"`
	Branch         string    `yaml:"branch"`
	BaseRevision   string    `yaml:"base_revision"`
	CreatedAt      time.Time `yaml:"created_at"`
	LastAccessedAt time.Time `yaml:"last_accessed_at"`
	RemoveFailed   bool      `yaml:"remove_failed,omitempty"`
	RemoveError    string    `yaml:"remove_error,omitempty"`
}

func (md metadata) info() Info {
	return Info{
		ID:             md.ID,
		Path:           md.Path,
		Branch:         md.Branch,
		BaseRevision:   md.BaseRevision,
		OwnerTaskID:    md.TaskID,
		CreatedAt:      md.CreatedAt,
		LastAccessedAt: md.LastAccessedAt,
	}
}

func (m *Manager) metaPath(id string) string {
	return filepath.Join(m.config.RootDir, metaDirName, id+".yaml")
}

func (m *Manager) lockPath(id string) string {
	return filepath.Join(m.config.RootDir, metaDirName, id+".lock")
}

func (m *Manager) readMeta(id string) (*metadata, error) {
	data, err := os.ReadFile(m.metaPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("metadata for %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("reading metadata for %q: %w", id, err)
	}

	var md metadata
	if err := yaml.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("parsing metadata for %q: %w", id, err)
	}
	return &md, nil
}

func (m *Manager) writeMeta(md *metadata) error {
	data, err := yaml.Marshal(md)
	if err != nil {
		return fmt.Errorf("yaml marshal: %w", err)
	}
	return atomicWrite(m.metaPath(md.ID), data)
}

// writeLock marks the sandbox as owned by taskID.
func (m *Manager) writeLock(id, taskID string) error {
	content := fmt.Sprintf("task=%s pid=%d at=%s\n", taskID, os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	return atomicWrite(m.lockPath(id), []byte(content))
}

func (m *Manager) isLocked(id string) bool {
	_, err := os.Stat(m.lockPath(id))
	return err == nil
}

func (m *Manager) removeLock(id string) error {
	if err := os.Remove(m.lockPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing lock for %q: %w", id, err)
	}
	return nil
}

// atomicWrite writes content to a temp file in the target directory and renames
// it into place, so readers never observe a partial file.
func atomicWrite(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".nworlds-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}
