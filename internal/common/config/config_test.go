package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "AI", cfg.Labels.PrimaryTag)
	assert.Equal(t, "AI-processing", cfg.Labels.ProcessingTag)
	assert.Equal(t, "AI-done", cfg.Labels.DoneTag)
	assert.Equal(t, "gitfix", cfg.Labels.PRLabel)
	assert.Equal(t, "^llm-claude-(.+)$", cfg.Models.LabelPattern)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, "keep_on_failure", cfg.Git.RetentionStrategy)
	assert.Equal(t, 300000, cfg.Runner.TimeoutMs)
	assert.Equal(t, 3, cfg.Queue.Concurrency)
	assert.Empty(t, cfg.Bot.TriggerKeywords())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PRIMARY_TAG", "fixme")
	t.Setenv("PROCESSING_TAG", "fixme-processing")
	t.Setenv("DONE_TAG", "fixme-done")
	t.Setenv("DEFAULT_MODEL", "opus")
	t.Setenv("WORKTREE_RETENTION_STRATEGY", "always_delete")
	t.Setenv("REQUEUE_BUFFER_MS", "1000")
	t.Setenv("USER_WHITELIST", "alice, bob")
	t.Setenv("PR_FOLLOWUP_TRIGGER_KEYWORDS", "@gitfix,please fix")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "fixme", cfg.Labels.PrimaryTag)
	assert.Equal(t, "fixme-processing", cfg.Labels.ProcessingTag)
	assert.Equal(t, "fixme-done", cfg.Labels.DoneTag)
	assert.Equal(t, "opus", cfg.Models.DefaultModel)
	assert.Equal(t, "always_delete", cfg.Git.RetentionStrategy)
	assert.Equal(t, 1000, cfg.Requeue.BufferMs)
	assert.Equal(t, []string{"alice", "bob"}, cfg.Bot.Whitelist())
	assert.Equal(t, []string{"@gitfix", "please fix"}, cfg.Bot.TriggerKeywords())
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"bad retention strategy", "WORKTREE_RETENTION_STRATEGY", "sometimes"},
		{"bad label pattern", "MODEL_LABEL_PATTERN", "^llm-("},
		{"empty default model", "DEFAULT_MODEL", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := LoadWithPath(t.TempDir())
			assert.Error(t, err)
		})
	}
}

func TestSplitCSV(t *testing.T) {
	assert.Nil(t, splitCSV(""))
	assert.Nil(t, splitCSV("  "))
	assert.Equal(t, []string{"a"}, splitCSV("a"))
	assert.Equal(t, []string{"a", "b"}, splitCSV(" a , b ,"))
}
