package runner

import (
	"bytes"
	"encoding/binary"
	"io"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitfix/gitfix/internal/common/config"
	"github.com/gitfix/gitfix/internal/common/logger"
)

func testRunner() *Runner {
	return New(nil, config.RunnerConfig{
		Image:        "gitfix-agent:latest",
		MaxTurns:     30,
		WorkspaceDir: "/workspace",
		ContainerUID: 1000,
	}, config.GitConfig{
		ClonesBasePath:    "/data/clones",
		WorktreesBasePath: "/data/worktrees",
	}, logger.Default())
}

func TestContainerName_Sanitized(t *testing.T) {
	name := containerName("acme-widgets-42-claude/sonnet")
	assert.Regexp(t, regexp.MustCompile(`^gitfix-acme-widgets-42-claude-sonnet-\d+$`), name)
}

func TestBuildCmd(t *testing.T) {
	r := testRunner()

	cmd := r.buildCmd("fix the bug", "opus", "", 25)
	assert.Equal(t, []string{
		"claude", "-p", "fix the bug",
		"--output-format", "stream-json",
		"--verbose",
		"--max-turns", "25",
		"--dangerously-skip-permissions",
		"--model", "opus",
	}, cmd)

	cmd = r.buildCmd("continue", "", "sess-1", 10)
	assert.Contains(t, strings.Join(cmd, " "), "--resume sess-1")
	assert.NotContains(t, strings.Join(cmd, " "), "--model")
}

func TestBuildMounts(t *testing.T) {
	r := testRunner()
	r.cfg.ConfigDirHostPath = "/etc/agent-config"

	mounts := r.buildMounts("/data/worktrees/acme/widgets/issue-42")
	require.Len(t, mounts, 4)

	assert.Equal(t, "/workspace", mounts[0].Target)
	assert.False(t, mounts[0].ReadOnly)

	// Bases mount at identical paths so gitdir link files resolve.
	assert.Equal(t, mounts[1].Source, mounts[1].Target)
	assert.Equal(t, "/data/clones", mounts[1].Source)
	assert.Equal(t, mounts[2].Source, mounts[2].Target)
	assert.Equal(t, "/data/worktrees", mounts[2].Source)

	assert.Equal(t, containerConfigDir, mounts[3].Target)
}

func TestConversationLogPath(t *testing.T) {
	r := testRunner()
	assert.Empty(t, r.conversationLogPath(42), "no log dir, no path")

	r.cfg.LogDir = "/var/log/gitfix"
	assert.Regexp(t,
		regexp.MustCompile(`^/var/log/gitfix/issue-42-\d{8}-\d{6}-conversation\.json$`),
		r.conversationLogPath(42))
}

func TestTailBuffer_KeepsTail(t *testing.T) {
	tail := &tailBuffer{limit: 10}
	tail.Write([]byte("0123456789abcdef"))
	assert.Equal(t, "6789abcdef", tail.String())
	tail.Write([]byte("XY"))
	assert.Equal(t, "89abcdefXY", tail.String())
}

func TestCallbackReader_ForwardsChunks(t *testing.T) {
	var chunks [][]byte
	src := strings.NewReader("hello world")
	r := &callbackReader{r: src, onChunk: func(c []byte) { chunks = append(chunks, c) }}

	out, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(out))
	assert.Equal(t, "hello world", string(bytes.Join(chunks, nil)))
}

func frame(streamType byte, payload string) []byte {
	header := make([]byte, 8)
	header[0] = streamType
	binary.BigEndian.PutUint32(header[4:8], uint32(len(payload)))
	return append(header, payload...)
}

func TestDemultiplex(t *testing.T) {
	d := &DockerClient{logger: logger.Default()}

	var in bytes.Buffer
	in.Write(frame(1, "stdout line\n"))
	in.Write(frame(2, "stderr line\n"))
	in.Write(frame(0, "stdin echo ignored\n"))
	in.Write(frame(1, "more\n"))

	var out bytes.Buffer
	d.demultiplex(&in, &out)
	assert.Equal(t, "stdout line\nstderr line\nmore\n", out.String())
}

func TestDemultiplex_TruncatedFrame(t *testing.T) {
	d := &DockerClient{logger: logger.Default()}

	in := bytes.NewBuffer(frame(1, "complete\n"))
	header := make([]byte, 8)
	header[0] = 1
	binary.BigEndian.PutUint32(header[4:8], 100)
	in.Write(header)
	in.WriteString("short")

	var out bytes.Buffer
	d.demultiplex(in, &out)
	assert.Equal(t, "complete\n", out.String())
}
