package sandbox

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()

	args = append([]string{"-c", "user.name=Test User", "-c", "user.email=test@example.com"}, args...)
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %s: %s", strings.Join(args, " "), output)
	return strings.TrimSpace(string(output))
}

// setupTestRepo creates a temporary git repository with one commit on main.
func setupTestRepo(t *testing.T) string {
	t.Helper()

	repoPath := t.TempDir()
	runGit(t, repoPath, "init", "--quiet")
	runGit(t, repoPath, "checkout", "--quiet", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(repoPath, "README.md"), []byte("# Test Repo\n"), 0644))
	runGit(t, repoPath, "add", ".")
	runGit(t, repoPath, "commit", "--quiet", "-m", "initial commit")

	return repoPath
}

func newTestManager(t *testing.T, cfg ManagerConfig) *Manager {
	t.Helper()

	if cfg.SearchFrom == "" {
		cfg.SearchFrom = setupTestRepo(t)
	}
	if cfg.RootDir == "" {
		cfg.RootDir = t.TempDir()
	}
	m, err := Discover(context.Background(), cfg)
	require.NoError(t, err)
	return m
}

func findEntry(t *testing.T, entries []Entry, id string) Entry {
	t.Helper()

	for _, e := range entries {
		if e.Info.ID == id {
			return e
		}
	}
	require.Failf(t, "entry not found", "no scanned sandbox %q in %v", id, entries)
	return Entry{}
}

func TestName(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(Name("task-1"), Name("task-1"))
	assert.NotEqual(Name("a/b"), Name("a_b"))
	assert.True(strings.HasPrefix(Name("Fix Login Bug"), "fix-login-bug-"))
	assert.True(strings.HasPrefix(Name(""), "task-"))
	assert.True(strings.HasPrefix(Name("../../etc"), "etc-"))

	long := Name(strings.Repeat("x", 200))
	assert.LessOrEqual(len(long), maxSlugLen+1+hashLen)

	for _, n := range []string{Name("A B C"), Name("über/ñ"), Name("--x--")} {
		for _, r := range n {
			assert.True(r == '-' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'), "unexpected rune %q in %q", r, n)
		}
	}
}

func TestClassify(t *testing.T) {
	now := time.Now()
	stuckAfter := time.Hour

	tests := map[string]struct {
		obs       observation
		expStatus Status
	}{
		"Owned and recently touched is active.": {
			obs:       observation{hasDir: true, hasMeta: true, intact: true, locked: true, lastAccessed: now},
			expStatus: StatusActive,
		},
		"Unowned and intact is idle.": {
			obs:       observation{hasDir: true, hasMeta: true, intact: true, lastAccessed: now.Add(-48 * time.Hour)},
			expStatus: StatusIdle,
		},
		"Owned but untouched for too long is stuck.": {
			obs:       observation{hasDir: true, hasMeta: true, intact: true, locked: true, lastAccessed: now.Add(-2 * time.Hour)},
			expStatus: StatusStuck,
		},
		"A directory without metadata is orphaned.": {
			obs:       observation{hasDir: true, intact: true},
			expStatus: StatusOrphaned,
		},
		"Metadata without a directory is orphaned.": {
			obs:       observation{hasMeta: true, lastAccessed: now},
			expStatus: StatusOrphaned,
		},
		"A failed removal is orphaned even when locked.": {
			obs:       observation{hasDir: true, hasMeta: true, intact: true, locked: true, removeFailed: true, lastAccessed: now},
			expStatus: StatusOrphaned,
		},
		"A broken checkout is corrupted before anything else.": {
			obs:       observation{hasDir: true, locked: true, removeFailed: true},
			expStatus: StatusCorrupted,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			gotStatus, _ := classify(test.obs, now, stuckAfter)
			assert.Equal(t, test.expStatus, gotStatus)
		})
	}
}

func TestDiscover(t *testing.T) {
	repo := setupTestRepo(t)
	sub := filepath.Join(repo, "a", "b")
	require.NoError(t, os.MkdirAll(sub, 0755))

	m, err := Discover(context.Background(), ManagerConfig{SearchFrom: sub})
	require.NoError(t, err)
	assert.Equal(t, repo, m.RepoRoot())
	assert.Equal(t, filepath.Join(repo, ".worktrees"), m.RootDir())
}

func TestDiscoverNoRepository(t *testing.T) {
	_, err := Discover(context.Background(), ManagerConfig{SearchFrom: t.TempDir()})
	assert.ErrorIs(t, err, ErrRepositoryNotFound)
}

func TestCreate(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	ctx := context.Background()

	info, err := m.Create(ctx, "task-1")
	require.NoError(t, err)

	assert.Equal(t, Name("task-1"), info.ID)
	assert.Equal(t, "task-1", info.OwnerTaskID)
	assert.Equal(t, "nworlds/"+info.ID, info.Branch)
	assert.FileExists(t, filepath.Join(info.Path, "README.md"))
	assert.Equal(t, runGit(t, m.RepoRoot(), "rev-parse", "HEAD"), info.BaseRevision)
	assert.Equal(t, info.BaseRevision, runGit(t, info.Path, "rev-parse", "HEAD"))

	entries, err := m.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, StatusActive, entries[0].Status)
	assert.True(t, entries[0].Locked)

	got, err := m.Get(info.ID)
	require.NoError(t, err)
	assert.Equal(t, info.Path, got.Path)
}

func TestCreatePathConflict(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	ctx := context.Background()

	_, err := m.Create(ctx, "task-1")
	require.NoError(t, err)

	_, err = m.Create(ctx, "task-1")
	assert.ErrorIs(t, err, ErrPathConflict)
}

func TestCreateEmptyTaskID(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})

	_, err := m.Create(context.Background(), "")
	assert.ErrorIs(t, err, ErrSandboxCreationFailed)
}

func TestCreateInvalidBase(t *testing.T) {
	m := newTestManager(t, ManagerConfig{BaseRef: "does-not-exist"})

	_, err := m.Create(context.Background(), "task-1")
	assert.ErrorIs(t, err, ErrSandboxCreationFailed)

	entries, err := m.Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCreatePicksUpNewCommits(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	ctx := context.Background()

	first, err := m.Create(ctx, "task-1")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(m.RepoRoot(), "new.txt"), []byte("new\n"), 0644))
	runGit(t, m.RepoRoot(), "add", ".")
	runGit(t, m.RepoRoot(), "commit", "--quiet", "-m", "second commit")

	second, err := m.Create(ctx, "task-2")
	require.NoError(t, err)

	assert.NotEqual(t, first.BaseRevision, second.BaseRevision)
	assert.FileExists(t, filepath.Join(second.Path, "new.txt"))
	assert.NoFileExists(t, filepath.Join(first.Path, "new.txt"))
}

func TestCreateConcurrent(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	ctx := context.Background()

	const n = 5
	var wg sync.WaitGroup
	infos := make([]*Info, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			infos[i], errs[i] = m.Create(ctx, "world-"+string(rune('a'+i)))
		}()
	}
	wg.Wait()

	paths := map[string]bool{}
	for i := range n {
		require.NoError(t, errs[i])
		paths[infos[i].Path] = true
	}
	assert.Len(t, paths, n)

	entries, err := m.Scan(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, n)
}

func TestReleaseLeavesIdleSandbox(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	ctx := context.Background()

	info, err := m.Create(ctx, "task-1")
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, info.ID))

	entries, err := m.Scan(ctx)
	require.NoError(t, err)
	e := findEntry(t, entries, info.ID)
	assert.Equal(t, StatusIdle, e.Status)
	assert.False(t, e.Locked)
	assert.DirExists(t, info.Path)

	// An idle sandbox with the same name is reclaimed on create.
	again, err := m.Create(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, info.Path, again.Path)
}

func TestRemove(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	ctx := context.Background()

	info, err := m.Create(ctx, "task-1")
	require.NoError(t, err)
	require.NoError(t, m.Remove(ctx, info.ID))

	assert.NoDirExists(t, info.Path)
	entries, err := m.Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = m.cache(ctx, "rev-parse", "--verify", "--quiet", "refs/heads/"+info.Branch)
	assert.Error(t, err, "sandbox branch should be deleted")

	err = m.Remove(ctx, info.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRemoveAll(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := m.Create(ctx, id)
		require.NoError(t, err)
	}
	require.NoError(t, os.Mkdir(filepath.Join(m.RootDir(), "stray"), 0755))

	require.NoError(t, m.RemoveAll(ctx))

	entries, err := m.Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestScanDetectsBrokenSandboxes(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	ctx := context.Background()

	orphan, err := m.Create(ctx, "orphan")
	require.NoError(t, err)
	require.NoError(t, os.Remove(m.metaPath(orphan.ID)))

	corrupt, err := m.Create(ctx, "corrupt")
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(corrupt.Path, ".git")))

	entries, err := m.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusOrphaned, findEntry(t, entries, orphan.ID).Status)
	assert.Equal(t, StatusCorrupted, findEntry(t, entries, corrupt.ID).Status)

	// Broken sandboxes are still removable.
	require.NoError(t, m.RemoveAll(ctx))
	entries, err = m.Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestScanDetectsStuckSandboxes(t *testing.T) {
	m := newTestManager(t, ManagerConfig{StuckAfter: 500 * time.Millisecond})
	ctx := context.Background()

	info, err := m.Create(ctx, "slow")
	require.NoError(t, err)
	time.Sleep(700 * time.Millisecond)

	entries, err := m.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusStuck, findEntry(t, entries, info.ID).Status)

	require.NoError(t, m.Touch(ctx, info.ID))
	entries, err = m.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, findEntry(t, entries, info.ID).Status)
}

func TestUsage(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	ctx := context.Background()

	info, err := m.Create(ctx, "task-1")
	require.NoError(t, err)

	u, err := m.Usage(ctx)
	require.NoError(t, err)
	assert.Positive(t, u.CacheBytes)
	assert.Positive(t, u.PerSandbox[info.ID])
	assert.GreaterOrEqual(t, u.TotalBytes, u.CacheBytes+u.PerSandbox[info.ID])
}

func TestActivityWatcherTouchesSandbox(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	info, err := m.Create(ctx, "task-1")
	require.NoError(t, err)

	w, err := NewActivityWatcher(m, time.Millisecond)
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.Watch(*info))
	go func() { _ = w.Run(ctx) }()

	require.NoError(t, os.WriteFile(filepath.Join(info.Path, "out.txt"), []byte("x"), 0644))

	assert.Eventually(t, func() bool {
		got, err := m.Get(info.ID)
		return err == nil && got.LastAccessedAt.After(info.LastAccessedAt)
	}, 5*time.Second, 20*time.Millisecond)
}
