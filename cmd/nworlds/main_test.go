package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/nworlds/internal/config"
)

func setupTestRepo(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	git := func(args ...string) {
		args = append([]string{"-c", "user.name=Test User", "-c", "user.email=test@example.com"}, args...)
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %s: %s", strings.Join(args, " "), out)
	}
	git("init", "--quiet")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# Test\n"), 0644))
	git("add", ".")
	git("commit", "--quiet", "-m", "initial commit")
	return dir
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()

	base := []string{
		"nworlds",
		"--no-log",
		"--no-color",
		"--config", filepath.Join(t.TempDir(), "missing.yaml"),
		"--store-dsn", filepath.Join(t.TempDir(), "nworlds.db"),
	}
	var stdout, stderr bytes.Buffer
	err := Run(context.Background(), append(base, args...), strings.NewReader(""), &stdout, &stderr)
	return stdout.String(), err
}

func TestRunSandboxList(t *testing.T) {
	repo := setupTestRepo(t)

	out, err := runCLI(t, "--project-dir", repo, "sandbox", "list", "--format", "json")
	require.NoError(t, err)

	var got struct {
		Sandboxes []any          `json:"sandboxes"`
		Usage     map[string]any `json:"usage"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Empty(t, got.Sandboxes)
	assert.NotNil(t, got.Usage)
	assert.DirExists(t, filepath.Join(repo, ".worktrees"))
}

func TestRunStatusWithoutExecutions(t *testing.T) {
	out, err := runCLI(t, "status", "--format", "json")
	require.NoError(t, err)
	assert.Equal(t, "[]\n", out)
}

func TestRunStatusUnknownExecution(t *testing.T) {
	_, err := runCLI(t, "status", "01J0000000000000000000000")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"status" command failed`)
}

func TestRunConfigInit(t *testing.T) {
	dir := t.TempDir()
	path := config.ProjectPath(dir)

	out, err := runCLI(t, "--project-dir", dir, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, path)

	loaded, err := config.Load("", path)
	require.NoError(t, err)
	assert.Equal(t, config.Default(), loaded)

	_, err = runCLI(t, "--project-dir", dir, "config", "init")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	_, err = runCLI(t, "--project-dir", dir, "config", "init", "--force")
	require.NoError(t, err)
}

func TestRunInvalid(t *testing.T) {
	tests := map[string]struct {
		args   []string
		expErr string
	}{
		"Unknown commands should fail": {
			args:   []string{"nope"},
			expErr: "invalid command configuration",
		},
		"Removing nothing should fail": {
			args:   []string{"sandbox", "rm"},
			expErr: "at least one sandbox id or --all is required",
		},
		"Removing ids together with all should fail": {
			args:   []string{"sandbox", "rm", "--all", "a-1"},
			expErr: "mutually exclusive",
		},
		"Outside a repository should fail": {
			args:   []string{"--project-dir", "/", "sandbox", "list"},
			expErr: "could not open sandboxes",
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := runCLI(t, tc.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.expErr)
		})
	}
}
