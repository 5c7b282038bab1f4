package worker

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/gitfix/gitfix/internal/githost"
	"github.com/gitfix/gitfix/internal/gitops"
	"github.com/gitfix/gitfix/internal/runner"
	"github.com/gitfix/gitfix/pkg/agentstream"
)

// Error categories recorded on FAILED transitions and surfaced in
// failure comments.
const (
	CategoryHostingAPI     = "hosting_api"
	CategorySubprocess     = "subprocess"
	CategoryGit            = "git"
	CategoryContainer      = "container"
	CategoryStateStore     = "state_store"
	CategoryPostProcessing = "post_processing"
	CategoryAuthentication = "authentication"
	CategoryNetwork        = "network"
	CategoryValidation     = "validation"
	CategoryUsageLimit     = "usage_limit"
	CategoryUnknown        = "unknown"
)

// Stages a task can fail in, recorded alongside the category.
const (
	StageProcessing      = "processing"
	StageClaudeExecution = "claude_execution"
	StagePostProcessing  = "post_processing"
)

// categorize maps an error to its taxonomy category. Docker-side failures
// carry no typed error across the SDK boundary, so container detection is
// a string heuristic on the runner's wrap messages.
func categorize(err error) string {
	if err == nil {
		return CategoryUnknown
	}

	var usageErr *agentstream.UsageLimitError
	if errors.As(err, &usageErr) {
		return CategoryUsageLimit
	}
	var timeoutErr *runner.TimeoutError
	var exitErr *runner.NonZeroExitError
	var resultErr *runner.ResultError
	var protoErr *agentstream.ProtocolError
	if errors.As(err, &timeoutErr) || errors.As(err, &exitErr) ||
		errors.As(err, &resultErr) || errors.As(err, &protoErr) {
		return CategorySubprocess
	}
	if errors.Is(err, gitops.ErrAuthFailed) || githost.IsAuthError(err) {
		return CategoryAuthentication
	}
	if errors.Is(err, gitops.ErrGitCommandFailed) ||
		errors.Is(err, gitops.ErrWorktreeCorrupted) ||
		errors.Is(err, gitops.ErrNoDefaultBranch) {
		return CategoryGit
	}
	var apiErr *githost.APIError
	if errors.As(err, &apiErr) {
		return CategoryHostingAPI
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return CategoryNetwork
	}
	msg := err.Error()
	if strings.Contains(msg, "container") || strings.Contains(msg, "docker") {
		return CategoryContainer
	}
	return CategoryUnknown
}

// truncate bounds a message for user-visible comments.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
