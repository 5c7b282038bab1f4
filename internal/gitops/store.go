// Package gitops is the filesystem custodian for repository clones and
// per-task worktrees. Clones live under CLONES_BASE/<owner>/<repo> and are
// shared by every worker; worktrees live under WORKTREES_BASE/<owner>/<repo>
// and are private to one task. All git index mutations on a shared clone
// hold a per-clone mutex.
package gitops

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gitfix/gitfix/internal/common/config"
	"github.com/gitfix/gitfix/internal/common/logger"
	"github.com/gitfix/gitfix/internal/common/retry"
)

// DefaultBranchFunc resolves a repository's default branch through the
// hosting-service API. It is optional; detection falls back to git.
type DefaultBranchFunc func(ctx context.Context, owner, repo string) (string, error)

// StoreOptions configures a Store.
type StoreOptions struct {
	Git                  config.GitConfig
	HostBase             string // e.g. https://github.com
	ContainerUID         int    // worktrees are chowned to this UID before container launch
	ResolveDefaultBranch DefaultBranchFunc
}

// WorktreeInfo describes a created worktree.
type WorktreeInfo struct {
	Path       string
	Branch     string
	BaseBranch string
}

// CommitResult describes a created commit.
type CommitResult struct {
	Hash    string
	Message string
}

// CommitAuthor is the identity written into commits.
type CommitAuthor struct {
	Name  string
	Email string
}

// PushOptions configures PushBranch.
type PushOptions struct {
	ClonePath    string // parent clone, locked while origin's URL is rewritten
	RepoURL      string
	AuthToken    string
	RefreshToken func(ctx context.Context) (string, error)
}

// CleanupOptions configures CleanupWorktree.
type CleanupOptions struct {
	DeleteBranch bool
	Success      bool
}

// Store manages clones and worktrees on the local filesystem.
type Store struct {
	opts   StoreOptions
	logger *logger.Logger

	overridesMu sync.RWMutex
	overrides   map[string]string // owner/repo -> default branch

	locks       sync.Map // clone path -> *sync.Mutex
	branchCache sync.Map // owner/repo -> detected default branch
}

// NewStore creates a Store.
func NewStore(opts StoreOptions, log *logger.Logger) *Store {
	if opts.HostBase == "" {
		opts.HostBase = "https://github.com"
	}
	return &Store{
		opts:      opts,
		logger:    log.WithFields(zap.String("component", "gitops")),
		overrides: make(map[string]string),
	}
}

// SetBranchOverride records a per-repository default branch from the watch
// list, taking precedence over every detection strategy.
func (s *Store) SetBranchOverride(owner, repo, branch string) {
	if branch == "" {
		return
	}
	s.overridesMu.Lock()
	s.overrides[normalizeRepoKey(owner, repo)] = branch
	s.overridesMu.Unlock()
}

func normalizeRepoKey(owner, repo string) string {
	return strings.ToLower(owner) + "/" + strings.ToLower(repo)
}

// ClonePath returns the on-disk location of the shared clone.
func (s *Store) ClonePath(owner, repo string) string {
	return filepath.Join(s.opts.Git.ClonesBasePath, owner, repo)
}

// WorktreesBase returns the root under which worktrees are created. The
// container runner mounts this path so gitdir link files resolve inside
// the container.
func (s *Store) WorktreesBase() string {
	return s.opts.Git.WorktreesBasePath
}

// RemoteURL returns the tokenless https remote for owner/repo.
func (s *Store) RemoteURL(owner, repo string) string {
	return fmt.Sprintf("%s/%s/%s.git", s.opts.HostBase, owner, repo)
}

func (s *Store) cloneLock(clonePath string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(clonePath, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// EnsureClone creates or refreshes the shared clone and leaves it checked
// out on the default branch. Transient failures retry with exponential
// backoff (base 1s, factor 2, cap 30s, 5 attempts).
func (s *Store) EnsureClone(ctx context.Context, owner, repo, authToken string) (string, error) {
	path := s.ClonePath(owner, repo)
	lock := s.cloneLock(path)
	lock.Lock()
	defer lock.Unlock()

	log := s.logger.WithRepo(owner, repo)
	err := retry.Do(ctx, retry.DefaultPolicy(), func(ctx context.Context) error {
		if _, statErr := os.Stat(filepath.Join(path, ".git")); statErr == nil {
			return s.refreshClone(ctx, path, owner, repo)
		}
		return s.freshClone(ctx, path, owner, repo, authToken)
	})
	if err != nil {
		return "", fmt.Errorf("ensure clone %s/%s: %w", owner, repo, err)
	}
	s.addSafeDirectory(ctx, path)
	log.Debug("clone ready", zap.String("path", path))
	return path, nil
}

func (s *Store) refreshClone(ctx context.Context, path, owner, repo string) error {
	if out, err := git(ctx, path, "fetch", "--prune", "origin"); err != nil {
		return classifyGitErr(err, out)
	}
	branch, err := s.detectDefaultBranchLocked(ctx, path, owner, repo)
	if err != nil {
		return retry.Permanent(err)
	}
	if out, err := git(ctx, path, "checkout", branch); err != nil {
		return classifyGitErr(err, out)
	}
	return nil
}

func (s *Store) freshClone(ctx context.Context, path, owner, repo, authToken string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return retry.Permanent(fmt.Errorf("create clone parent: %w", err))
	}
	args := []string{"clone"}
	if depth := s.opts.Git.ShallowCloneDepth; depth > 0 {
		args = append(args, "--depth", fmt.Sprintf("%d", depth))
	}
	args = append(args, AuthURL(s.RemoteURL(owner, repo), authToken), path)
	if out, err := git(ctx, "", args...); err != nil {
		os.RemoveAll(path) // partial clone would confuse the next attempt
		return classifyGitErr(err, out)
	}
	// Leave the remote tokenless; pushes re-inject a current token.
	_, _ = git(ctx, path, "remote", "set-url", "origin", s.RemoteURL(owner, repo))
	_, _ = git(ctx, path, "remote", "set-head", "origin", "--auto")

	branch, err := s.detectDefaultBranchLocked(ctx, path, owner, repo)
	if err != nil {
		return retry.Permanent(err)
	}
	if out, err := git(ctx, path, "checkout", branch); err != nil {
		return classifyGitErr(err, out)
	}
	return nil
}

// classifyGitErr marks non-network git failures permanent so the retry
// loop gives up immediately.
func classifyGitErr(err error, output string) error {
	if isTransientGitError(output) {
		return err
	}
	return retry.Permanent(err)
}

// DetectDefaultBranch resolves the repository's default branch, trying in
// order: per-repo override, deployment-wide override, hosting-service API,
// remote HEAD (two ways), well-known branch names, any remote branch, and
// finally the configured fallback. The first hit is cached in-process.
func (s *Store) DetectDefaultBranch(ctx context.Context, clonePath, owner, repo string) (string, error) {
	lock := s.cloneLock(clonePath)
	lock.Lock()
	defer lock.Unlock()
	return s.detectDefaultBranchLocked(ctx, clonePath, owner, repo)
}

func (s *Store) detectDefaultBranchLocked(ctx context.Context, clonePath, owner, repo string) (string, error) {
	key := normalizeRepoKey(owner, repo)

	s.overridesMu.RLock()
	override := s.overrides[key]
	s.overridesMu.RUnlock()
	if override != "" {
		return override, nil
	}
	if s.opts.Git.DefaultBranch != "" {
		return s.opts.Git.DefaultBranch, nil
	}
	if cached, ok := s.branchCache.Load(key); ok {
		return cached.(string), nil
	}

	branch := s.probeDefaultBranch(ctx, clonePath, owner, repo)
	if branch == "" {
		branch = s.opts.Git.FallbackBranch
	}
	if branch == "" {
		return "", fmt.Errorf("%w: %s/%s", ErrNoDefaultBranch, owner, repo)
	}
	s.branchCache.Store(key, branch)
	return branch, nil
}

func (s *Store) probeDefaultBranch(ctx context.Context, clonePath, owner, repo string) string {
	if s.opts.ResolveDefaultBranch != nil {
		if branch, err := s.opts.ResolveDefaultBranch(ctx, owner, repo); err == nil && branch != "" {
			return branch
		} else if err != nil {
			s.logger.WithRepo(owner, repo).Debug("default branch API lookup failed", zap.Error(err))
		}
	}

	if out, err := git(ctx, clonePath, "remote", "show", "origin"); err == nil {
		for _, line := range strings.Split(out, "\n") {
			line = strings.TrimSpace(line)
			if name, ok := strings.CutPrefix(line, "HEAD branch:"); ok {
				if name = strings.TrimSpace(name); name != "" && name != "(unknown)" {
					return name
				}
			}
		}
	}

	if out, err := git(ctx, clonePath, "symbolic-ref", "refs/remotes/origin/HEAD"); err == nil {
		if name, ok := strings.CutPrefix(strings.TrimSpace(out), "refs/remotes/origin/"); ok && name != "" {
			return name
		}
	}

	for _, name := range []string{"main", "master", "develop", "dev", "trunk"} {
		if _, err := git(ctx, clonePath, "rev-parse", "--verify", "--quiet", "origin/"+name); err == nil {
			return name
		}
	}

	if out, err := git(ctx, clonePath, "branch", "-r"); err == nil {
		for _, line := range strings.Split(out, "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.Contains(line, "->") {
				continue
			}
			if name, ok := strings.CutPrefix(line, "origin/"); ok {
				return name
			}
		}
	}
	return ""
}

// CreateWorktree creates a fresh worktree and branch for an issue task.
// An empty baseBranch triggers default-branch detection. The operation is
// idempotent: leftovers from a prior partial failure are removed first.
func (s *Store) CreateWorktree(ctx context.Context, clonePath string, issueNumber int, title, owner, repo, baseBranch, model string) (*WorktreeInfo, error) {
	lock := s.cloneLock(clonePath)
	lock.Lock()
	defer lock.Unlock()

	if baseBranch == "" {
		detected, err := s.detectDefaultBranchLocked(ctx, clonePath, owner, repo)
		if err != nil {
			return nil, err
		}
		baseBranch = detected
	}

	now := time.Now().UTC()
	salt := Salt()
	branch := BranchName(issueNumber, title, model, now, salt)
	path := filepath.Join(s.opts.Git.WorktreesBasePath, owner, repo, WorktreeDirName(issueNumber, model, now, salt))
	log := s.logger.WithRepo(owner, repo).WithFields(
		zap.String("branch", branch), zap.String("worktree", path))

	if err := s.removeStaleWorktree(ctx, clonePath, path); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create worktree parent: %w", err)
	}
	_, _ = git(ctx, clonePath, "worktree", "prune")

	if _, err := git(ctx, clonePath, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch); err == nil {
		s.removeWorktreesOnBranch(ctx, clonePath, branch)
		_, _ = git(ctx, clonePath, "branch", "-D", branch)
	}

	if out, err := git(ctx, clonePath, "fetch", "origin", baseBranch); err != nil {
		return nil, fmt.Errorf("fetch base %s: %w (%s)", baseBranch, err, out)
	}
	if out, err := git(ctx, clonePath, "worktree", "add", path, "-b", branch, "origin/"+baseBranch); err != nil {
		return nil, fmt.Errorf("worktree add: %w (%s)", err, out)
	}

	s.chownForContainer(path)
	s.addSafeDirectory(ctx, path)
	s.addSafeDirectory(ctx, clonePath)
	log.Info("worktree created", zap.String("base", baseBranch))
	return &WorktreeInfo{Path: path, Branch: branch, BaseBranch: baseBranch}, nil
}

// CreateWorktreeFromExistingBranch checks out an already-pushed branch
// into a new worktree, used by PR follow-up processing. It verifies the
// result is a linked worktree; a directory-shaped .git means the shared
// clone has been corrupted and the task must fail.
func (s *Store) CreateWorktreeFromExistingBranch(ctx context.Context, clonePath, branchName, dirName, owner, repo string) (*WorktreeInfo, error) {
	lock := s.cloneLock(clonePath)
	lock.Lock()
	defer lock.Unlock()

	path := filepath.Join(s.opts.Git.WorktreesBasePath, owner, repo, dirName)
	if err := s.removeStaleWorktree(ctx, clonePath, path); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create worktree parent: %w", err)
	}
	_, _ = git(ctx, clonePath, "worktree", "prune")

	if out, err := git(ctx, clonePath, "fetch", "origin", branchName); err != nil {
		return nil, fmt.Errorf("fetch branch %s: %w (%s)", branchName, err, out)
	}
	if out, err := git(ctx, clonePath, "worktree", "add", path, "origin/"+branchName); err != nil {
		return nil, fmt.Errorf("worktree add: %w (%s)", err, out)
	}
	// Detached HEAD at origin/<branch>; put it on the local branch so
	// commits land where the push expects them.
	if out, err := git(ctx, path, "checkout", "-B", branchName, "origin/"+branchName); err != nil {
		return nil, fmt.Errorf("checkout %s: %w (%s)", branchName, err, out)
	}

	if err := s.verifyLinkedWorktree(path); err != nil {
		os.RemoveAll(path)
		return nil, err
	}
	s.ensureWorktreeRemote(ctx, clonePath, path)
	s.chownForContainer(path)
	s.addSafeDirectory(ctx, path)
	return &WorktreeInfo{Path: path, Branch: branchName}, nil
}

// verifyLinkedWorktree checks that path/.git is a gitdir link file whose
// target exists.
func (s *Store) verifyLinkedWorktree(path string) error {
	gitEntry := filepath.Join(path, ".git")
	info, err := os.Lstat(gitEntry)
	if err != nil {
		return fmt.Errorf("stat worktree .git: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s", ErrWorktreeCorrupted, path)
	}
	data, err := os.ReadFile(gitEntry)
	if err != nil {
		return fmt.Errorf("read gitdir link: %w", err)
	}
	target, ok := strings.CutPrefix(strings.TrimSpace(string(data)), "gitdir:")
	if !ok {
		return fmt.Errorf("%w: malformed gitdir link in %s", ErrWorktreeCorrupted, path)
	}
	target = strings.TrimSpace(target)
	if !filepath.IsAbs(target) {
		target = filepath.Join(path, target)
	}
	if _, err := os.Stat(target); err != nil {
		return fmt.Errorf("%w: gitdir target missing: %s", ErrWorktreeCorrupted, target)
	}
	return nil
}

func (s *Store) ensureWorktreeRemote(ctx context.Context, clonePath, worktreePath string) {
	if _, err := git(ctx, worktreePath, "remote", "get-url", "origin"); err == nil {
		return
	}
	url, err := git(ctx, clonePath, "remote", "get-url", "origin")
	if err != nil {
		s.logger.Warn("cannot read parent clone origin", zap.Error(err))
		return
	}
	if _, err := git(ctx, worktreePath, "remote", "add", "origin", url); err != nil {
		s.logger.Warn("cannot add origin to worktree", zap.Error(err))
	}
}

func (s *Store) removeStaleWorktree(ctx context.Context, clonePath, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	_, _ = git(ctx, clonePath, "worktree", "remove", "--force", path)
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove stale worktree %s: %w", path, err)
	}
	return nil
}

func (s *Store) removeWorktreesOnBranch(ctx context.Context, clonePath, branch string) {
	out, err := git(ctx, clonePath, "worktree", "list", "--porcelain")
	if err != nil {
		return
	}
	var current string
	for _, line := range strings.Split(out, "\n") {
		if p, ok := strings.CutPrefix(line, "worktree "); ok {
			current = p
			continue
		}
		if line == "branch refs/heads/"+branch && current != "" && current != clonePath {
			_, _ = git(ctx, clonePath, "worktree", "remove", "--force", current)
			_ = os.RemoveAll(current)
		}
	}
}

// Commit stages everything in the worktree and commits. It returns nil
// when the tree is clean.
func (s *Store) Commit(ctx context.Context, worktreePath, message string, author CommitAuthor, issueNumber int, issueTitle string) (*CommitResult, error) {
	if author.Name == "" {
		author.Name = "gitfix"
	}
	if author.Email == "" {
		author.Email = "gitfix@noreply.local"
	}
	if _, err := git(ctx, worktreePath, "config", "user.name", author.Name); err != nil {
		return nil, err
	}
	if _, err := git(ctx, worktreePath, "config", "user.email", author.Email); err != nil {
		return nil, err
	}
	if out, err := git(ctx, worktreePath, "add", "-A"); err != nil {
		return nil, fmt.Errorf("stage changes: %w (%s)", err, out)
	}
	status, err := git(ctx, worktreePath, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	if status == "" {
		return nil, nil
	}

	if message == "" {
		message = fmt.Sprintf("AI fix for issue #%d: %s", issueNumber, issueTitle)
	}
	if out, err := git(ctx, worktreePath, "commit", "-m", message); err != nil {
		return nil, fmt.Errorf("commit: %w (%s)", err, out)
	}
	hash, err := git(ctx, worktreePath, "rev-parse", "HEAD")
	if err != nil {
		return nil, err
	}
	return &CommitResult{Hash: hash, Message: message}, nil
}

// Diff returns the working-tree diff against HEAD, staged and unstaged
// changes included. Used for the live diff stream.
func (s *Store) Diff(ctx context.Context, worktreePath string) (string, error) {
	if _, err := git(ctx, worktreePath, "add", "-AN"); err != nil {
		return "", err
	}
	return git(ctx, worktreePath, "diff", "HEAD")
}

// PushBranch pushes the worktree's branch upstream with a token-bearing
// origin URL. An authentication failure triggers one refresh-and-retry
// when a refresh function is available.
func (s *Store) PushBranch(ctx context.Context, worktreePath, branchName string, opts PushOptions) error {
	setURLAndPush := func(ctx context.Context, token string) (string, error) {
		if opts.ClonePath != "" {
			lock := s.cloneLock(opts.ClonePath)
			lock.Lock()
			defer lock.Unlock()
		}
		if _, err := git(ctx, worktreePath, "remote", "set-url", "origin", AuthURL(opts.RepoURL, token)); err != nil {
			return "", err
		}
		defer func() {
			_, _ = git(ctx, worktreePath, "remote", "set-url", "origin", opts.RepoURL)
		}()
		return git(ctx, worktreePath, "push", "--set-upstream", "origin", branchName)
	}

	out, err := setURLAndPush(ctx, opts.AuthToken)
	if err == nil {
		return nil
	}
	if !isAuthGitError(out) || opts.RefreshToken == nil {
		return fmt.Errorf("push %s: %w", branchName, err)
	}

	s.logger.Warn("push rejected, refreshing token", zap.String("branch", branchName))
	token, refreshErr := opts.RefreshToken(ctx)
	if refreshErr != nil {
		return fmt.Errorf("push %s: %w (token refresh failed: %v)", branchName, ErrAuthFailed, refreshErr)
	}
	if _, err := setURLAndPush(ctx, token); err != nil {
		return fmt.Errorf("push %s after token refresh: %w", branchName, err)
	}
	return nil
}

// CleanupWorktree disposes of a finished worktree per the retention
// strategy. Failures are logged and never propagate.
func (s *Store) CleanupWorktree(ctx context.Context, clonePath, worktreePath, branchName string, opts CleanupOptions) error {
	log := s.logger.WithFields(zap.String("worktree", worktreePath), zap.String("branch", branchName))

	retain, reason := shouldRetain(s.opts.Git.RetentionStrategy, opts.Success)
	if retain {
		retainFor := time.Duration(s.opts.Git.RetentionHours) * time.Hour
		if err := writeRetentionMarkers(worktreePath, branchName, reason, retainFor); err != nil {
			log.Warn("failed to write retention markers", zap.Error(err))
		} else {
			log.Info("worktree retained", zap.String("reason", reason), zap.Duration("for", retainFor))
		}
		return nil
	}

	lock := s.cloneLock(clonePath)
	lock.Lock()
	defer lock.Unlock()

	if _, err := git(ctx, clonePath, "worktree", "remove", "--force", worktreePath); err != nil {
		log.Debug("worktree remove failed, deleting directory", zap.Error(err))
		if err := os.RemoveAll(worktreePath); err != nil {
			log.Warn("failed to delete worktree directory", zap.Error(err))
		}
	}
	if opts.DeleteBranch && branchName != "" {
		if _, err := git(ctx, clonePath, "branch", "-D", branchName); err != nil {
			log.Debug("local branch delete failed", zap.Error(err))
		}
	}
	_, _ = git(ctx, clonePath, "worktree", "prune")
	log.Debug("worktree cleaned up")
	return nil
}

// CleanupExpired sweeps the worktrees base for retained worktrees past
// their scheduled cleanup, and for unmarked leftovers older than the
// max-age threshold. It returns the number of directories removed.
func (s *Store) CleanupExpired(ctx context.Context) int {
	base := s.opts.Git.WorktreesBasePath
	now := time.Now().UTC()
	maxAge := time.Duration(s.opts.Git.MaxAgeHours) * time.Hour
	removed := 0

	owners, err := os.ReadDir(base)
	if err != nil {
		return 0
	}
	for _, ownerEntry := range owners {
		if !ownerEntry.IsDir() {
			continue
		}
		repos, err := os.ReadDir(filepath.Join(base, ownerEntry.Name()))
		if err != nil {
			continue
		}
		for _, repoEntry := range repos {
			if !repoEntry.IsDir() {
				continue
			}
			repoDir := filepath.Join(base, ownerEntry.Name(), repoEntry.Name())
			dirs, err := os.ReadDir(repoDir)
			if err != nil {
				continue
			}
			for _, dir := range dirs {
				if !dir.IsDir() {
					continue
				}
				path := filepath.Join(repoDir, dir.Name())
				if s.isExpired(path, dir, now, maxAge) {
					clonePath := s.ClonePath(ownerEntry.Name(), repoEntry.Name())
					_, _ = git(ctx, clonePath, "worktree", "remove", "--force", path)
					if err := os.RemoveAll(path); err != nil {
						s.logger.Warn("failed to remove expired worktree",
							zap.String("path", path), zap.Error(err))
						continue
					}
					_, _ = git(ctx, clonePath, "worktree", "prune")
					removed++
				}
			}
		}
	}
	if removed > 0 {
		s.logger.Info("expired worktrees removed", zap.Int("count", removed))
	}
	return removed
}

func (s *Store) isExpired(path string, entry fs.DirEntry, now time.Time, maxAge time.Duration) bool {
	if info, err := readRetentionInfo(path); err == nil {
		return now.After(info.ScheduledCleanup)
	}
	// No marker: only age out entries past the hard threshold.
	if maxAge <= 0 {
		return false
	}
	fi, err := entry.Info()
	if err != nil {
		return false
	}
	return now.Sub(fi.ModTime()) > maxAge
}

// chownForContainer hands the worktree to the container runtime UID so
// the subprocess can write. Best-effort: fails silently when not root.
func (s *Store) chownForContainer(path string) {
	uid := s.opts.ContainerUID
	if uid <= 0 {
		return
	}
	_ = filepath.WalkDir(path, func(p string, _ fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		_ = os.Chown(p, uid, uid)
		return nil
	})
}

func (s *Store) addSafeDirectory(ctx context.Context, path string) {
	if _, err := git(ctx, "", "config", "--system", "--add", "safe.directory", path); err != nil {
		_, _ = git(ctx, "", "config", "--global", "--add", "safe.directory", path)
	}
}
