package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/nworlds/internal/log"
)

// cleanupTimeout bounds rollback and teardown work that must run even after the
// caller's context is gone.
const cleanupTimeout = 2 * time.Minute

// Manager manages git worktree sandboxes for isolated task execution.
type Manager struct {
	config   ManagerConfig
	repoRoot string
	cacheDir string
	names    *keyedLock // Serializes create/remove/touch per sandbox id
	logger   log.Logger

	mu      sync.Mutex
	baseSHA string // Last base revision known to be present in the cache
}

// Discover locates the git repository enclosing cfg.SearchFrom by walking
// parent directories and returns a manager for it.
func Discover(ctx context.Context, cfg ManagerConfig) (*Manager, error) {
	cfg.defaults()

	start := cfg.SearchFrom
	if start == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("getting working directory: %w", err)
		}
		start = wd
	}
	start, err := filepath.Abs(start)
	if err != nil {
		return nil, fmt.Errorf("resolving %q: %w", start, err)
	}

	repoRoot, err := findRepoRoot(start)
	if err != nil {
		return nil, err
	}

	if cfg.RootDir == "" {
		cfg.RootDir = filepath.Join(repoRoot, ".worktrees")
	}
	cfg.RootDir, err = filepath.Abs(cfg.RootDir)
	if err != nil {
		return nil, fmt.Errorf("resolving sandbox root: %w", err)
	}

	for _, dir := range []string{cfg.RootDir, filepath.Join(cfg.RootDir, metaDirName)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	m := &Manager{
		config:   cfg,
		repoRoot: repoRoot,
		cacheDir: filepath.Join(cfg.RootDir, cacheDirName),
		names:    newKeyedLock(),
		logger:   cfg.Logger.WithValues(log.Kv{"repo": repoRoot}),
	}
	m.logger.Debugf("Sandbox manager ready, root %s", cfg.RootDir)

	return m, nil
}

func findRepoRoot(start string) (string, error) {
	dir := start
	for {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no .git found in %s or any parent: %w", start, ErrRepositoryNotFound)
		}
		dir = parent
	}
}

// RepoRoot returns the discovered repository root.
func (m *Manager) RepoRoot() string { return m.repoRoot }

// RootDir returns the directory sandboxes are created in.
func (m *Manager) RootDir() string { return m.config.RootDir }

// Prepare makes sure the base cache exists and holds the current base
// revision, fetching from the source repository when it does not. It returns
// the resolved base commit.
func (m *Manager) Prepare(ctx context.Context) (string, error) {
	var sha string
	err := m.withRepoLock(ctx, func() error {
		var err error
		sha, err = m.syncBase(ctx, true)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("preparing base cache: %w", err)
	}
	return sha, nil
}

// Create creates a new sandbox for the given task id, rooted at the current
// base revision. The sandbox is returned owned (locked) by the task.
func (m *Manager) Create(ctx context.Context, taskID string) (*Info, error) {
	if taskID == "" {
		return nil, fmt.Errorf("%w: empty task id", ErrSandboxCreationFailed)
	}

	id := Name(taskID)
	if err := m.names.Lock(ctx, id); err != nil {
		return nil, err
	}
	defer m.names.Unlock(id)

	if err := m.reclaim(ctx, id); err != nil {
		return nil, err
	}

	path := filepath.Join(m.config.RootDir, id)
	staging := filepath.Join(m.config.RootDir, stagingDirName, id)
	branch := m.config.BranchPrefix + id

	// The checkout is built in a staging directory and moved into place once
	// its metadata exists, so a scan never sees a half-created sandbox.
	var base string
	err := m.withRepoLock(ctx, func() error {
		var err error
		if base, err = m.syncBase(ctx, false); err != nil {
			return err
		}
		// Leftover from an interrupted create of the same task.
		if _, err := os.Stat(staging); err == nil {
			if err := os.RemoveAll(staging); err != nil {
				return err
			}
			if err := m.prune(ctx); err != nil {
				return err
			}
		}
		if err := os.MkdirAll(filepath.Dir(staging), 0755); err != nil {
			return err
		}
		_, err = m.cache(ctx, "worktree", "add", "--quiet", "-B", branch, staging, base)
		return err
	})
	if err != nil {
		m.rollback(id, staging, branch)
		return nil, fmt.Errorf("%w: task %q: %w", ErrSandboxCreationFailed, taskID, err)
	}

	now := time.Now().UTC()
	md := &metadata{
		ID:             id,
		TaskID:         taskID,
		Path:           path,
		Branch:         branch,
		BaseRevision:   base,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	if err := m.writeMeta(md); err != nil {
		m.rollback(id, staging, branch)
		return nil, fmt.Errorf("%w: task %q: %w", ErrSandboxCreationFailed, taskID, err)
	}
	if err := m.writeLock(id, taskID); err != nil {
		m.rollback(id, staging, branch)
		return nil, fmt.Errorf("%w: task %q: %w", ErrSandboxCreationFailed, taskID, err)
	}

	err = m.withRepoLock(ctx, func() error {
		_, err := m.cache(ctx, "worktree", "move", staging, path)
		return err
	})
	if err != nil {
		m.rollback(id, staging, branch)
		return nil, fmt.Errorf("%w: task %q: %w", ErrSandboxCreationFailed, taskID, err)
	}

	m.logger.Debugf("Created sandbox %s for task %q at %s", id, taskID, short(base))

	info := md.info()
	return &info, nil
}

// reclaim clears a leftover sandbox with the given id so it can be recreated.
// Active sandboxes are never touched.
func (m *Manager) reclaim(ctx context.Context, id string) error {
	if !m.exists(id) {
		return nil
	}

	entry := m.classify(ctx, id)
	if entry.Status == StatusActive {
		return fmt.Errorf("%w: sandbox %q is active (owner %q)", ErrPathConflict, id, entry.Info.OwnerTaskID)
	}

	m.logger.Warningf("Reclaiming %s sandbox %q before reuse of its name", entry.Status, id)
	if err := m.remove(ctx, id); err != nil {
		return fmt.Errorf("%w: could not reclaim %s sandbox %q: %w", ErrPathConflict, entry.Status, id, err)
	}
	return nil
}

// rollback undoes a partial creation. Failures only get logged: whatever is
// left behind is classified as orphaned by the next scan.
func (m *Manager) rollback(id, staging, branch string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	err := m.withRepoLock(ctx, func() error {
		var errs *multierror.Error
		if _, err := os.Stat(staging); err == nil {
			if _, err := m.cache(ctx, "worktree", "remove", "--force", staging); err != nil {
				if rmErr := os.RemoveAll(staging); rmErr != nil {
					errs = multierror.Append(errs, rmErr)
				} else if pErr := m.prune(ctx); pErr != nil {
					errs = multierror.Append(errs, pErr)
				}
			}
		}
		if err := m.dropBranch(ctx, branch); err != nil {
			errs = multierror.Append(errs, err)
		}
		return errs.ErrorOrNil()
	})
	if err != nil {
		m.logger.Warningf("Rollback of sandbox %q incomplete: %v", id, err)
	}
	if err := os.Remove(m.metaPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.logger.Warningf("Could not remove metadata of sandbox %q: %v", id, err)
	}
	if err := m.removeLock(id); err != nil {
		m.logger.Warningf("%v", err)
	}
}

// Get returns the recorded info of a sandbox.
func (m *Manager) Get(id string) (*Info, error) {
	md, err := m.readMeta(id)
	if err != nil {
		return nil, err
	}
	info := md.info()
	return &info, nil
}

// Touch records access to the sandbox now.
func (m *Manager) Touch(ctx context.Context, id string) error {
	if err := m.names.Lock(ctx, id); err != nil {
		return err
	}
	defer m.names.Unlock(id)

	return m.touch(id)
}

func (m *Manager) touch(id string) error {
	md, err := m.readMeta(id)
	if err != nil {
		return err
	}
	md.LastAccessedAt = time.Now().UTC()
	return m.writeMeta(md)
}

// Release drops task ownership of a sandbox, leaving it on disk as idle for
// inspection.
func (m *Manager) Release(ctx context.Context, id string) error {
	if err := m.names.Lock(ctx, id); err != nil {
		return err
	}
	defer m.names.Unlock(id)

	if err := m.removeLock(id); err != nil {
		return err
	}
	return m.touch(id)
}

// Remove tears down a sandbox: worktree, branch, metadata and lock. On failure
// the sandbox is flagged so the next scan reports it as orphaned.
func (m *Manager) Remove(ctx context.Context, id string) error {
	if err := m.names.Lock(ctx, id); err != nil {
		return err
	}
	defer m.names.Unlock(id)

	if !m.exists(id) {
		return fmt.Errorf("%q: %w", id, ErrNotFound)
	}
	if err := m.remove(ctx, id); err != nil {
		return err
	}
	m.logger.Debugf("Removed sandbox %s", id)
	return nil
}

func (m *Manager) remove(ctx context.Context, id string) error {
	md, mdErr := m.readMeta(id)
	if mdErr != nil {
		md = &metadata{
			ID:     id,
			Path:   filepath.Join(m.config.RootDir, id),
			Branch: m.config.BranchPrefix + id,
		}
	}

	err := m.withRepoLock(ctx, func() error {
		var errs *multierror.Error
		if _, err := os.Stat(md.Path); err == nil {
			if _, err := m.cache(ctx, "worktree", "remove", "--force", md.Path); err != nil {
				// Not a registered worktree anymore: drop the files directly.
				if rmErr := os.RemoveAll(md.Path); rmErr != nil {
					errs = multierror.Append(errs, err, rmErr)
				} else if pErr := m.prune(ctx); pErr != nil {
					errs = multierror.Append(errs, pErr)
				}
			}
		}
		if err := m.dropBranch(ctx, md.Branch); err != nil {
			errs = multierror.Append(errs, err)
		}
		return errs.ErrorOrNil()
	})
	if err != nil {
		m.logger.Errorf("Could not remove sandbox %q: %v", id, err)
		md.RemoveFailed = true
		md.RemoveError = err.Error()
		if werr := m.writeMeta(md); werr != nil {
			m.logger.Errorf("Could not flag sandbox %q as orphaned: %v", id, werr)
		}
		if lerr := m.removeLock(id); lerr != nil {
			m.logger.Errorf("%v", lerr)
		}
		return fmt.Errorf("removing sandbox %q: %w", id, err)
	}

	if err := os.Remove(m.metaPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing metadata of %q: %w", id, err)
	}
	return m.removeLock(id)
}

// RemoveAll removes every sandbox under the root. It is best effort: all
// sandboxes are attempted and the failures are returned together.
func (m *Manager) RemoveAll(ctx context.Context) error {
	ids, err := m.ids()
	if err != nil {
		return err
	}

	var (
		mu   sync.Mutex
		errs *multierror.Error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, id := range ids {
		g.Go(func() error {
			if err := m.Remove(gctx, id); err != nil && !errors.Is(err, ErrNotFound) {
				mu.Lock()
				errs = multierror.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := m.withRepoLock(ctx, func() error { return m.prune(ctx) }); err != nil {
		m.logger.Warningf("Could not prune worktree metadata: %v", err)
	}

	if err := errs.ErrorOrNil(); err != nil {
		m.logger.Warningf("%d sandboxes could not be removed", len(errs.Errors))
		return err
	}
	m.logger.Infof("Removed %d sandboxes", len(ids))
	return nil
}

// Prune drops git administrative entries of worktrees whose directory is gone.
func (m *Manager) Prune(ctx context.Context) error {
	return m.withRepoLock(ctx, func() error { return m.prune(ctx) })
}

func (m *Manager) prune(ctx context.Context) error {
	if !m.hasCache() {
		return nil
	}
	_, err := m.cache(ctx, "worktree", "prune")
	return err
}

// ids returns the ids of every sandbox known on disk: checkout directories and
// metadata records alike.
func (m *Manager) ids() ([]string, error) {
	seen := map[string]bool{}
	var ids []string
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	entries, err := os.ReadDir(m.config.RootDir)
	if err != nil {
		return nil, fmt.Errorf("reading sandbox root: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			add(e.Name())
		}
	}

	metas, err := os.ReadDir(filepath.Join(m.config.RootDir, metaDirName))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading sandbox metadata: %w", err)
	}
	for _, e := range metas {
		if name, ok := strings.CutSuffix(e.Name(), ".yaml"); ok && !strings.HasPrefix(name, ".") {
			add(name)
		}
	}
	return ids, nil
}

func (m *Manager) exists(id string) bool {
	if _, err := os.Stat(filepath.Join(m.config.RootDir, id)); err == nil {
		return true
	}
	if _, err := os.Stat(m.metaPath(id)); err == nil {
		return true
	}
	return false
}

// syncBase resolves the base revision in the source repository and makes sure
// the cache holds it. Must be called with the repository lock held.
func (m *Manager) syncBase(ctx context.Context, forceFetch bool) (string, error) {
	if err := m.ensureCache(ctx); err != nil {
		return "", err
	}

	sha, err := m.git(ctx, m.repoRoot, "rev-parse", "--verify", m.config.BaseRef+"^{commit}")
	if err != nil {
		return "", fmt.Errorf("resolving base %q: %w", m.config.BaseRef, err)
	}

	m.mu.Lock()
	known := m.baseSHA == sha
	m.mu.Unlock()
	if known && !forceFetch {
		return sha, nil
	}

	if _, err := m.cache(ctx, "cat-file", "-e", sha+"^{commit}"); err != nil || forceFetch {
		_, err := m.cache(ctx, "fetch", "--quiet", m.repoRoot,
			"+refs/heads/*:refs/remotes/origin/*",
			"+refs/tags/*:refs/tags/*",
			"+HEAD:refs/nworlds/source-head",
		)
		if err != nil {
			return "", fmt.Errorf("refreshing base cache: %w", err)
		}
	}

	m.mu.Lock()
	m.baseSHA = sha
	m.mu.Unlock()
	return sha, nil
}

// ensureCache clones the source repository into the bare base cache on first
// use. Must be called with the repository lock held.
func (m *Manager) ensureCache(ctx context.Context) error {
	if m.hasCache() {
		return nil
	}
	// A partial clone from an interrupted run is useless.
	_ = os.RemoveAll(m.cacheDir)

	if _, err := m.git(ctx, m.config.RootDir, "clone", "--bare", "--quiet", m.repoRoot, m.cacheDir); err != nil {
		return fmt.Errorf("cloning base cache: %w", err)
	}
	m.logger.Infof("Cloned base cache into %s", m.cacheDir)
	return nil
}

func (m *Manager) hasCache() bool {
	_, err := os.Stat(filepath.Join(m.cacheDir, "HEAD"))
	return err == nil
}

// dropBranch force deletes a sandbox branch from the cache if it exists.
func (m *Manager) dropBranch(ctx context.Context, branch string) error {
	if !m.hasCache() {
		return nil
	}
	if _, err := m.cache(ctx, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch); err != nil {
		return nil
	}
	_, err := m.cache(ctx, "branch", "-D", branch)
	return err
}

func (m *Manager) withRepoLock(ctx context.Context, fn func() error) error {
	if err := repoLocks.Lock(ctx, m.repoRoot); err != nil {
		return err
	}
	defer repoLocks.Unlock(m.repoRoot)
	return fn()
}

// cache runs a git command against the bare base cache.
func (m *Manager) cache(ctx context.Context, args ...string) (string, error) {
	return m.git(ctx, m.config.RootDir, append([]string{"--git-dir", m.cacheDir}, args...)...)
}

// git runs a git command in dir and returns its trimmed combined output.
func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w (output: %s)", strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return strings.TrimSpace(string(output)), nil
}

func short(sha string) string {
	if len(sha) > 10 {
		return sha[:10]
	}
	return sha
}
