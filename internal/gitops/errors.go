package gitops

import "errors"

var (
	// ErrGitCommandFailed wraps any git invocation that exited non-zero.
	ErrGitCommandFailed = errors.New("git command failed")
	// ErrWorktreeCorrupted means a worktree's .git entry is a directory
	// instead of a gitdir link file. The clone has been damaged (typically
	// by a subprocess running git init) and the task must fail.
	ErrWorktreeCorrupted = errors.New("worktree .git is a directory, expected gitdir link file")
	// ErrNoDefaultBranch means every detection strategy failed.
	ErrNoDefaultBranch = errors.New("could not detect default branch")
	// ErrAuthFailed marks a push rejected for credentials.
	ErrAuthFailed = errors.New("git authentication failed")
)
