// Package worktree orchestrates git worktrees for sessions that opt in to
// isolated working directories. All git interaction shells out; failures are
// classified into actionable kinds for the retry prompt.
package worktree

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Info describes a session's worktree binding.
type Info struct {
	RepoRoot string `json:"repo_root"`
	Path     string `json:"path"`
	Branch   string `json:"branch"`
	// IsOwner is true for the session that created the worktree; joiners
	// never trigger cleanup.
	IsOwner bool `json:"is_owner"`
}

const gitTimeout = 30 * time.Second

// branchRe is the conservative subset of valid git branch names we accept
// from chat input.
var branchRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/-]*$`)

// ValidateBranch rejects branch names git would refuse or that could escape
// into flags.
func ValidateBranch(name string) error {
	if name == "" {
		return fmt.Errorf("branch name is empty")
	}
	if len(name) > 200 {
		return fmt.Errorf("branch name too long")
	}
	if !branchRe.MatchString(name) || strings.Contains(name, "..") || strings.HasSuffix(name, ".lock") {
		return fmt.Errorf("invalid branch name %q", name)
	}
	return nil
}

// Manager creates and removes worktrees under a centralised root directory.
type Manager struct {
	// Root is where all managed worktrees live, e.g. ~/.clawdeck/worktrees.
	Root string
}

// NewManager builds a Manager rooted at dir.
func NewManager(dir string) *Manager {
	return &Manager{Root: dir}
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// RepoRoot returns the repository top level for a directory, or an error if
// the directory is not inside a git repository.
func RepoRoot(ctx context.Context, dir string) (string, error) {
	out, err := runGit(ctx, dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", fmt.Errorf("not a git repository: %s", out)
	}
	return out, nil
}

// HasUncommittedChanges reports whether the repo at dir has a dirty tree.
func HasUncommittedChanges(ctx context.Context, dir string) bool {
	out, err := runGit(ctx, dir, "status", "--porcelain")
	return err == nil && out != ""
}

// PathFor computes the managed worktree path for a repo/branch pair. Slashes
// in branch names are flattened so the path stays a single directory.
func (m *Manager) PathFor(repoRoot, branch string) string {
	repo := filepath.Base(repoRoot)
	flat := strings.ReplaceAll(branch, "/", "-")
	return filepath.Join(m.Root, fmt.Sprintf("%s--%s", repo, flat))
}

// Create makes a worktree for branch off the repo at repoRoot. The branch is
// created if it does not exist; an existing branch is checked out. Returns
// the classified error on failure.
func (m *Manager) Create(ctx context.Context, repoRoot, branch string) (*Info, *Failure) {
	if err := ValidateBranch(branch); err != nil {
		return nil, &Failure{Kind: FailInvalidRef, Branch: branch, Err: err}
	}
	if err := os.MkdirAll(m.Root, 0o755); err != nil {
		return nil, classify(branch, "", err)
	}

	path := m.PathFor(repoRoot, branch)
	if _, err := os.Stat(path); err == nil {
		return nil, &Failure{Kind: FailExists, Branch: branch, Err: fmt.Errorf("worktree path already exists: %s", path)}
	}

	// Prefer creating a new branch; fall back to checking out an existing one.
	out, err := runGit(ctx, repoRoot, "worktree", "add", "-b", branch, path)
	if err != nil && strings.Contains(out, "already exists") {
		out, err = runGit(ctx, repoRoot, "worktree", "add", path, branch)
	}
	if err != nil {
		return nil, classify(branch, out, err)
	}

	slog.Info("worktree created", "repo", repoRoot, "branch", branch, "path", path)
	return &Info{RepoRoot: repoRoot, Path: path, Branch: branch, IsOwner: true}, nil
}

// Find returns the existing worktree for a branch if git knows one.
func (m *Manager) Find(ctx context.Context, repoRoot, branch string) (*Info, bool) {
	out, err := runGit(ctx, repoRoot, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, false
	}
	var path string
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "branch "):
			ref := strings.TrimPrefix(line, "branch ")
			if strings.TrimPrefix(ref, "refs/heads/") == branch && path != repoRoot {
				return &Info{RepoRoot: repoRoot, Path: path, Branch: branch}, true
			}
		}
	}
	return nil, false
}

// List returns all worktrees of the repo, main tree included.
func (m *Manager) List(ctx context.Context, repoRoot string) ([]Info, error) {
	out, err := runGit(ctx, repoRoot, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("worktree list: %s", out)
	}
	var infos []Info
	var cur Info
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			if cur.Path != "" {
				infos = append(infos, cur)
			}
			cur = Info{RepoRoot: repoRoot, Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "branch "):
			cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	if cur.Path != "" {
		infos = append(infos, cur)
	}
	return infos, nil
}

// Remove deletes a worktree. Only paths under the managed root are eligible;
// the caller enforces ownership and use counts.
func (m *Manager) Remove(ctx context.Context, info *Info) error {
	if !m.Owns(info.Path) {
		return fmt.Errorf("refusing to remove worktree outside managed root: %s", info.Path)
	}
	if out, err := runGit(ctx, info.RepoRoot, "worktree", "remove", "--force", info.Path); err != nil {
		return fmt.Errorf("worktree remove: %s", out)
	}
	slog.Info("worktree removed", "branch", info.Branch, "path", info.Path)
	return nil
}

// Prune drops stale worktree registrations after manual deletions.
func (m *Manager) Prune(ctx context.Context, repoRoot string) error {
	if out, err := runGit(ctx, repoRoot, "worktree", "prune"); err != nil {
		return fmt.Errorf("worktree prune: %s", out)
	}
	return nil
}

// Owns reports whether a path lies under the managed worktree root.
func (m *Manager) Owns(path string) bool {
	root := filepath.Clean(m.Root)
	path = filepath.Clean(path)
	return path != root && strings.HasPrefix(path, root+string(filepath.Separator))
}

// SuggestBranches derives up to three branch-name suggestions from a prompt,
// used to seed the pre-session worktree pick.
func SuggestBranches(prompt string) []string {
	words := strings.FieldsFunc(strings.ToLower(prompt), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	var keep []string
	for _, w := range words {
		if len(w) < 3 || stopWords[w] {
			continue
		}
		keep = append(keep, w)
		if len(keep) == 3 {
			break
		}
	}
	var out []string
	if len(keep) > 0 {
		out = append(out, strings.Join(keep, "-"))
	}
	if len(keep) > 1 {
		out = append(out, keep[0]+"-"+keep[1])
	}
	if len(keep) > 0 {
		out = append(out, "wip/"+keep[0])
	}
	return out
}

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "please": true,
	"can": true, "you": true, "this": true, "that": true, "implement": true,
	"add": true, "fix": true, "make": true,
}
