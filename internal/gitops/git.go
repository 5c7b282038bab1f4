package gitops

import (
	"context"
	"fmt"
	"net/url"
	"os/exec"
	"strings"
)

// git runs a git command in dir and returns combined output. Errors carry
// the command line and trimmed output so callers can classify failures.
func git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	trimmed := strings.TrimSpace(string(out))
	if err != nil {
		return trimmed, fmt.Errorf("%w: git %s: %v: %s",
			ErrGitCommandFailed, strings.Join(args, " "), err, redactTokens(trimmed))
	}
	return trimmed, nil
}

// isTransientGitError reports whether the output of a failed git command
// looks like a network-level failure worth retrying.
func isTransientGitError(output string) bool {
	lower := strings.ToLower(output)
	for _, marker := range []string{
		"could not resolve host",
		"connection timed out",
		"connection reset",
		"early eof",
		"remote end hung up",
		"failed to connect",
		"operation timed out",
		"temporarily unavailable",
		"503",
	} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// isAuthGitError reports whether a failed push or fetch was rejected for
// credentials rather than content.
func isAuthGitError(output string) bool {
	lower := strings.ToLower(output)
	for _, marker := range []string{
		"authentication failed",
		"could not read username",
		"invalid username or token",
		"403",
		"401",
	} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// AuthURL injects x-access-token credentials into an https remote URL.
// Non-https URLs are returned unchanged.
func AuthURL(repoURL, token string) string {
	if token == "" {
		return repoURL
	}
	u, err := url.Parse(repoURL)
	if err != nil || u.Scheme != "https" {
		return repoURL
	}
	u.User = url.UserPassword("x-access-token", token)
	return u.String()
}

// redactTokens strips embedded URL credentials from git output before it
// reaches logs or error chains.
func redactTokens(s string) string {
	for {
		start := strings.Index(s, "x-access-token:")
		if start < 0 {
			return s
		}
		end := strings.Index(s[start:], "@")
		if end < 0 {
			return s[:start] + "x-access-token:***"
		}
		s = s[:start] + "x-access-token:***" + s[start+end:]
	}
}
