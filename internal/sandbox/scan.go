package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// observation is what a scan learns about one sandbox on disk.
type observation struct {
	hasDir       bool
	hasMeta      bool
	intact       bool // Checkout is a valid worktree with a resolvable HEAD
	locked       bool
	removeFailed bool
	lastAccessed time.Time
}

// classify derives the status of a sandbox. The first matching rule wins:
// corrupted, orphaned, stuck, active, idle.
func classify(o observation, now time.Time, stuckAfter time.Duration) (Status, string) {
	switch {
	case o.hasDir && !o.intact:
		return StatusCorrupted, "checkout is not a valid git worktree"
	case o.removeFailed:
		return StatusOrphaned, "previous removal failed"
	case !o.hasMeta:
		return StatusOrphaned, "no metadata"
	case !o.hasDir:
		return StatusOrphaned, "checkout directory missing"
	case o.locked && now.Sub(o.lastAccessed) > stuckAfter:
		return StatusStuck, fmt.Sprintf("locked but untouched for %s", now.Sub(o.lastAccessed).Round(time.Second))
	case o.locked:
		return StatusActive, ""
	default:
		return StatusIdle, ""
	}
}

// Scan lists every sandbox under the root with its derived status, sorted by
// id. It never modifies anything on disk.
func (m *Manager) Scan(ctx context.Context) ([]Entry, error) {
	ids, err := m.ids()
	if err != nil {
		return nil, err
	}

	entries := make([]*Entry, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, id := range ids {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			e := m.classify(gctx, id)
			entries[i] = &e
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e == nil || m.inCreation(*e) {
			continue
		}
		result = append(result, *e)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Info.ID < result[j].Info.ID })
	return result, nil
}

// inCreation reports whether e is a sandbox whose checkout is still being
// moved into place by Create.
func (m *Manager) inCreation(e Entry) bool {
	if e.Status != StatusOrphaned || !e.Locked {
		return false
	}
	if _, err := os.Stat(e.Info.Path); err == nil {
		return false
	}
	_, err := os.Stat(filepath.Join(m.config.RootDir, stagingDirName, e.Info.ID))
	return err == nil
}

// classify observes a single sandbox and derives its entry.
func (m *Manager) classify(ctx context.Context, id string) Entry {
	path := filepath.Join(m.config.RootDir, id)
	o := observation{locked: m.isLocked(id)}

	info := Info{ID: id, Path: path}
	md, err := m.readMeta(id)
	switch {
	case err == nil:
		o.hasMeta = true
		o.removeFailed = md.RemoveFailed
		o.lastAccessed = md.LastAccessedAt
		info = md.info()
		path = md.Path
	case !errors.Is(err, ErrNotFound):
		// Unreadable metadata is treated as missing.
		m.logger.Warningf("%v", err)
	}

	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		o.hasDir = true
		o.intact = m.intact(ctx, path)
		if !o.hasMeta {
			info.CreatedAt = fi.ModTime()
			info.LastAccessedAt = fi.ModTime()
		}
	}

	status, reason := classify(o, time.Now(), m.config.StuckAfter)
	if md != nil && md.RemoveError != "" {
		reason = reason + ": " + md.RemoveError
	}
	return Entry{Info: info, Status: status, Locked: o.locked, Reason: reason}
}

func (m *Manager) intact(ctx context.Context, path string) bool {
	if fi, err := os.Stat(filepath.Join(path, ".git")); err != nil || fi.IsDir() {
		return false
	}
	_, err := m.git(ctx, path, "rev-parse", "--verify", "--quiet", "HEAD")
	return err == nil
}

// Usage reports the disk usage of the sandbox root, the base cache and every
// sandbox directory.
func (m *Manager) Usage(ctx context.Context) (*Usage, error) {
	u := &Usage{PerSandbox: map[string]int64{}}
	root := m.config.RootDir

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Entries vanishing mid-walk are expected while tasks run.
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		size := fi.Size()
		u.TotalBytes += size

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		top, _, _ := strings.Cut(rel, string(filepath.Separator))
		switch {
		case top == cacheDirName:
			u.CacheBytes += size
		case !strings.HasPrefix(top, "."):
			u.PerSandbox[top] += size
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("measuring %s: %w", root, err)
	}
	return u, nil
}
