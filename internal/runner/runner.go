// Package runner executes the code-generation subprocess inside a
// sandboxed Docker container over a per-task worktree and parses its
// line-delimited JSON output stream.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gitfix/gitfix/internal/common/config"
	"github.com/gitfix/gitfix/internal/common/logger"
	"github.com/gitfix/gitfix/pkg/agentstream"
)

const (
	// containerConfigDir is where the subprocess expects its configuration
	// inside the container.
	containerConfigDir = "/home/agent/.claude"
	// stopGrace is how long a timed-out container gets between SIGTERM
	// and SIGKILL.
	stopGrace = 5 * time.Second
	// discoveryDelay is how long after start the mount-based container
	// discovery runs.
	discoveryDelay = 2 * time.Second
	// diffInterval paces the periodic working-tree diff publication.
	diffInterval = 10 * time.Second
	// outputTailSize bounds the stderr/stdout tail kept for error reports.
	outputTailSize = 4096
)

// Callbacks surface execution milestones to the worker. OnSession also
// carries the conversation log path so the worker can reserve the file
// and index it while the run is still live; logPath is empty when
// transcript persistence is disabled.
type Callbacks struct {
	OnSession   func(sessionID, conversationID, logPath string)
	OnContainer func(containerID, containerName string)
	OnLogChunk  func(chunk []byte)
	OnDiff      func()
}

// ExecuteRequest describes one subprocess run.
type ExecuteRequest struct {
	TaskID       string
	IssueNumber  int
	WorktreePath string
	AuthToken    string
	Prompt       string
	Model        string
	MaxTurns     int
	Timeout      time.Duration
	ResumeID     string // resume a prior session when set
	Callbacks    Callbacks
}

// Runner launches the subprocess container and scans its output.
type Runner struct {
	docker *DockerClient
	cfg    config.RunnerConfig
	git    config.GitConfig
	logger *logger.Logger
}

// New creates a Runner.
func New(docker *DockerClient, cfg config.RunnerConfig, git config.GitConfig, log *logger.Logger) *Runner {
	return &Runner{
		docker: docker,
		cfg:    cfg,
		git:    git,
		logger: log.WithFields(zap.String("component", "runner")),
	}
}

var containerNameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

func containerName(taskID string) string {
	sanitized := containerNameSanitizer.ReplaceAllString(taskID, "-")
	return fmt.Sprintf("gitfix-%s-%d", sanitized, time.Now().UnixMilli())
}

// Execute runs the subprocess to completion. The returned error is one of
// *agentstream.UsageLimitError, *TimeoutError, *NonZeroExitError,
// *ResultError, or a setup failure; the Outcome is non-nil whenever the
// stream produced one.
func (r *Runner) Execute(ctx context.Context, req ExecuteRequest) (*agentstream.Outcome, error) {
	log := r.logger.WithTaskID(req.TaskID)
	logPath := r.conversationLogPath(req.IssueNumber)

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.cfg.Timeout()
	}
	maxTurns := req.MaxTurns
	if maxTurns <= 0 {
		maxTurns = r.cfg.MaxTurns
	}

	r.fixOwnership(req.WorktreePath)

	spec := ContainerSpec{
		Name:       containerName(req.TaskID),
		Image:      r.cfg.Image,
		Cmd:        r.buildCmd(req.Prompt, req.Model, req.ResumeID, maxTurns),
		Env:        []string{"GITHUB_TOKEN=" + req.AuthToken},
		WorkingDir: r.cfg.WorkspaceDir,
		Mounts:     r.buildMounts(req.WorktreePath),
		Labels: map[string]string{
			"gitfix.task_id":  req.TaskID,
			"gitfix.worktree": req.WorktreePath,
		},
	}
	if r.cfg.ContainerUID > 0 {
		spec.User = fmt.Sprintf("%d:%d", r.cfg.ContainerUID, r.cfg.ContainerUID)
	}

	handle, err := r.docker.CreateSandboxed(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("create subprocess container: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// The log stream must attach on the parent context: a timeout cancel
	// would otherwise truncate the output before the tail is captured.
	output, err := r.docker.StreamOutput(ctx, handle.ID)
	if err != nil {
		_ = r.docker.Stop(context.Background(), handle.ID, stopGrace)
		return nil, fmt.Errorf("attach to subprocess output: %w", err)
	}
	defer output.Close()

	if err := r.docker.Start(runCtx, handle.ID); err != nil {
		return nil, fmt.Errorf("start subprocess container: %w", err)
	}
	log.Info("subprocess container started",
		zap.String("container_id", handle.ID),
		zap.String("container_name", handle.Name),
		zap.Duration("timeout", timeout))

	go r.discoverContainer(runCtx, req, handle)
	stopDiff := r.startDiffTicker(runCtx, req.Callbacks.OnDiff)
	defer stopDiff()

	tail := &tailBuffer{limit: outputTailSize}
	reader := &callbackReader{
		r: output,
		onChunk: func(chunk []byte) {
			tail.Write(chunk)
			if req.Callbacks.OnLogChunk != nil {
				req.Callbacks.OnLogChunk(chunk)
			}
		},
	}

	scanner := agentstream.NewScanner(r.logger)
	if req.Callbacks.OnSession != nil {
		scanner.OnSession(func(sessionID, conversationID string) {
			req.Callbacks.OnSession(sessionID, conversationID, logPath)
		})
	}

	type scanResult struct {
		outcome *agentstream.Outcome
		err     error
	}
	scanCh := make(chan scanResult, 1)
	go func() {
		outcome, err := scanner.Scan(ctx, reader)
		scanCh <- scanResult{outcome, err}
	}()

	var scanned scanResult
	select {
	case scanned = <-scanCh:
	case <-runCtx.Done():
		log.Warn("subprocess timed out, stopping container",
			zap.String("container_id", handle.ID))
		_ = r.docker.Stop(context.Background(), handle.ID, stopGrace)
		scanned = <-scanCh // stream closes once the container dies
		r.writeConversationLog(logPath, scanned.outcome)
		return scanned.outcome, &TimeoutError{Timeout: timeout}
	}

	exitCode, waitErr := r.docker.Wait(ctx, handle.ID)
	r.writeConversationLog(logPath, scanned.outcome)

	var usageErr *agentstream.UsageLimitError
	if errors.As(scanned.err, &usageErr) {
		log.Info("usage limit reported", zap.Time("reset_at", usageErr.ResetAt))
		return scanned.outcome, usageErr
	}

	if waitErr != nil {
		log.Warn("container wait failed", zap.Error(waitErr))
	}
	if exitCode != 0 && exitCode != -1 {
		return scanned.outcome, &NonZeroExitError{ExitCode: exitCode, OutputTail: tail.String()}
	}

	var protoErr *agentstream.ProtocolError
	if errors.As(scanned.err, &protoErr) {
		// Unparseable terminal frame: same treatment as a bad exit.
		return scanned.outcome, &NonZeroExitError{ExitCode: exitCode, OutputTail: protoErr.Reason + "; " + tail.String()}
	}
	if scanned.err != nil {
		return scanned.outcome, scanned.err
	}

	// A clean exit is not enough: the terminal result frame decides.
	if !scanned.outcome.Success {
		log.Warn("subprocess reported failure in result frame",
			zap.Int("num_turns", scanned.outcome.NumTurns),
			zap.Float64("cost_usd", scanned.outcome.CostUSD))
		return scanned.outcome, &ResultError{ResultText: scanned.outcome.ResultText}
	}

	log.Info("subprocess finished",
		zap.Bool("success", scanned.outcome.Success),
		zap.Int("num_turns", scanned.outcome.NumTurns),
		zap.Float64("cost_usd", scanned.outcome.CostUSD))
	return scanned.outcome, nil
}

func (r *Runner) buildCmd(prompt, model, resumeID string, maxTurns int) []string {
	cmd := []string{
		"claude",
		"-p", prompt,
		"--output-format", "stream-json",
		"--verbose",
		"--max-turns", fmt.Sprintf("%d", maxTurns),
		"--dangerously-skip-permissions",
	}
	if model != "" {
		cmd = append(cmd, "--model", model)
	}
	if resumeID != "" {
		cmd = append(cmd, "--resume", resumeID)
	}
	return cmd
}

// buildMounts binds the worktree at the fixed workspace path, plus the
// clones and worktrees bases at their host paths so the worktree's gitdir
// link file resolves inside the container.
func (r *Runner) buildMounts(worktreePath string) []MountSpec {
	mounts := []MountSpec{
		{Source: worktreePath, Target: r.cfg.WorkspaceDir},
		{Source: mustAbs(r.git.ClonesBasePath), Target: mustAbs(r.git.ClonesBasePath)},
		{Source: mustAbs(r.git.WorktreesBasePath), Target: mustAbs(r.git.WorktreesBasePath)},
	}
	if r.cfg.ConfigDirHostPath != "" {
		mounts = append(mounts, MountSpec{Source: r.cfg.ConfigDirHostPath, Target: containerConfigDir})
	}
	return mounts
}

func mustAbs(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}

// fixOwnership hands the worktree to the container runtime UID.
// Best-effort: chown fails silently when the process is not privileged.
func (r *Runner) fixOwnership(path string) {
	uid := r.cfg.ContainerUID
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

func (r *Runner) discoverContainer(ctx context.Context, req ExecuteRequest, created ContainerHandle) {
	if req.Callbacks.OnContainer == nil {
		return
	}
	select {
	case <-ctx.Done():
		return
	case <-time.After(discoveryDelay):
	}
	handle, err := r.docker.FindByMountSource(ctx, req.WorktreePath)
	if err != nil || handle == nil {
		// Fall back to the handle from creation.
		handle = &created
	}
	req.Callbacks.OnContainer(handle.ID, handle.Name)
}

func (r *Runner) startDiffTicker(ctx context.Context, onDiff func()) func() {
	if onDiff == nil {
		return func() {}
	}
	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(diffInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				onDiff()
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

// conversationLogPath names this run's transcript file, fixed at launch
// so the session callback and the final write land on the same file.
// Empty when transcript persistence is disabled.
func (r *Runner) conversationLogPath(issueNumber int) string {
	if r.cfg.LogDir == "" {
		return ""
	}
	name := fmt.Sprintf("issue-%d-%s-conversation.json",
		issueNumber, time.Now().UTC().Format("20060102-150405"))
	return filepath.Join(r.cfg.LogDir, name)
}

// writeConversationLog persists the transcript for post-mortem debugging,
// replacing any placeholder written when the session appeared.
func (r *Runner) writeConversationLog(path string, outcome *agentstream.Outcome) {
	if path == "" || outcome == nil || len(outcome.Transcript) == 0 {
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		r.logger.Warn("cannot create conversation log dir", zap.Error(err))
		return
	}
	lines := make([]json.RawMessage, len(outcome.Transcript))
	for i, raw := range outcome.Transcript {
		lines[i] = json.RawMessage(raw)
	}
	data, err := json.MarshalIndent(lines, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		r.logger.Warn("cannot write conversation log", zap.Error(err))
	}
}

// callbackReader invokes onChunk for every read, passing data through.
type callbackReader struct {
	r       io.Reader
	onChunk func([]byte)
}

func (c *callbackReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 && c.onChunk != nil {
		chunk := make([]byte, n)
		copy(chunk, p[:n])
		c.onChunk(chunk)
	}
	return n, err
}

// tailBuffer keeps the last limit bytes written.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	data  []byte
}

func (t *tailBuffer) Write(p []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data = append(t.data, p...)
	if len(t.data) > t.limit {
		t.data = t.data[len(t.data)-t.limit:]
	}
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.data))
}
