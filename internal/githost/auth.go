package githost

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
)

// StaticTokenSource returns the same token forever. Refresh is a no-op
// because a personal access token has no refresh flow.
type StaticTokenSource struct {
	token string
}

// NewStaticTokenSource wraps a fixed token.
func NewStaticTokenSource(token string) *StaticTokenSource {
	return &StaticTokenSource{token: token}
}

func (s *StaticTokenSource) Token() string { return s.token }

func (s *StaticTokenSource) Refresh(_ context.Context) (string, error) {
	return s.token, nil
}

// FileTokenSource re-reads the token from a file on refresh. Deployments
// that rotate installation tokens write the fresh token to the file; the
// push path picks it up after an auth failure.
type FileTokenSource struct {
	path string

	mu    sync.RWMutex
	token string
}

// NewFileTokenSource loads the initial token from path.
func NewFileTokenSource(path string) (*FileTokenSource, error) {
	s := &FileTokenSource{path: path}
	if _, err := s.Refresh(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileTokenSource) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *FileTokenSource) Refresh(_ context.Context) (string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return "", fmt.Errorf("read token file %s: %w", s.path, err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("token file %s is empty", s.path)
	}
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	return token, nil
}
