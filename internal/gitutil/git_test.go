package gitutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	run("init", "-b", "main")
	run("config", "user.name", "test")
	run("config", "user.email", "test@example.com")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", "-A")
	run("commit", "-m", "init")
	return dir
}

func TestIsRepo(t *testing.T) {
	dir := initRepo(t)
	if !IsRepo(dir) {
		t.Fatal("expected IsRepo=true for initialized repo")
	}
	if IsRepo(t.TempDir()) {
		t.Fatal("expected IsRepo=false for empty dir")
	}
}

func TestHeadSHAAndClean(t *testing.T) {
	dir := initRepo(t)
	sha, err := HeadSHA(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(sha) != 40 {
		t.Fatalf("unexpected sha: %q", sha)
	}
	clean, err := IsClean(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !clean {
		t.Fatal("expected clean repo")
	}
	if err := os.WriteFile(filepath.Join(dir, "dirty.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	clean, err = IsClean(dir)
	if err != nil {
		t.Fatal(err)
	}
	if clean {
		t.Fatal("expected dirty repo")
	}
}

func TestCommitAll(t *testing.T) {
	dir := initRepo(t)
	before, _ := HeadSHA(dir)
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}
	sha, err := CommitAll(dir, "[Workflow 1/2] i-abc123: add a\n\nWorkflow: demo\nStep: 1 of 2")
	if err != nil {
		t.Fatal(err)
	}
	if sha == before {
		t.Fatal("expected new commit sha")
	}
	clean, _ := IsClean(dir)
	if !clean {
		t.Fatal("expected clean worktree after commit")
	}
}

func TestCommitAll_NoChangesNoCommit(t *testing.T) {
	dir := initRepo(t)
	before, _ := HeadSHA(dir)
	sha, err := CommitAll(dir, "nothing to commit")
	if err != nil {
		t.Fatal(err)
	}
	if sha != "" {
		t.Fatalf("expected empty sha for unchanged worktree, got %q", sha)
	}
	after, _ := HeadSHA(dir)
	if after != before {
		t.Fatal("expected no commit created")
	}
}

func TestWorktreeAddRemove(t *testing.T) {
	dir := initRepo(t)
	sha, _ := HeadSHA(dir)
	if err := CreateBranchAt(dir, "workflow/test", sha); err != nil {
		t.Fatal(err)
	}
	wt := filepath.Join(t.TempDir(), "wt")
	if err := AddWorktree(dir, wt, "workflow/test"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(wt, "README.md")); err != nil {
		t.Fatalf("worktree missing checkout: %v", err)
	}
	if err := RemoveWorktree(dir, wt); err != nil {
		t.Fatal(err)
	}
}

func TestDiffNameOnly(t *testing.T) {
	dir := initRepo(t)
	base, _ := HeadSHA(dir)
	if err := os.WriteFile(filepath.Join(dir, "b.txt"), []byte("b"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := CommitAll(dir, "add b"); err != nil {
		t.Fatal(err)
	}
	files, err := DiffNameOnly(dir, base)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0] != "b.txt" {
		t.Fatalf("unexpected diff files: %v", files)
	}
}

func TestCommandError_Message(t *testing.T) {
	_, err := HeadSHA(t.TempDir())
	if err == nil {
		t.Fatal("expected error for non-repo")
	}
	if !strings.Contains(err.Error(), "git rev-parse") {
		t.Fatalf("expected argv in error, got %q", err.Error())
	}
}
