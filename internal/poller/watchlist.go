package poller

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// WatchedRepo is one entry of the repos watch list.
type WatchedRepo struct {
	Name          string `yaml:"name"`          // owner/repo
	DefaultBranch string `yaml:"defaultBranch"` // optional override
}

// Owner returns the owner half of the full name.
func (w WatchedRepo) Owner() string { o, _, _ := SplitFullName(w.Name); return o }

// Repo returns the repository half of the full name.
func (w WatchedRepo) Repo() string { _, r, _ := SplitFullName(w.Name); return r }

type watchListFile struct {
	Repositories []WatchedRepo `yaml:"repositories"`
}

// LoadWatchList reads the YAML watch list and merges it with the plain
// repository names from config. File entries win on duplicates so their
// overrides apply.
func LoadWatchList(path string, configured []string) ([]WatchedRepo, error) {
	byName := make(map[string]int)
	var out []WatchedRepo
	add := func(w WatchedRepo) {
		if i, ok := byName[w.Name]; ok {
			out[i] = w
			return
		}
		byName[w.Name] = len(out)
		out = append(out, w)
	}

	for _, name := range configured {
		if name = strings.TrimSpace(name); name != "" {
			add(WatchedRepo{Name: name})
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read watch list %s: %w", path, err)
		}
		var file watchListFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse watch list %s: %w", path, err)
		}
		for _, w := range file.Repositories {
			if strings.TrimSpace(w.Name) == "" {
				continue
			}
			add(w)
		}
	}

	for _, w := range out {
		if _, _, err := SplitFullName(w.Name); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// SplitFullName splits "owner/repo" into its halves.
func SplitFullName(fullName string) (owner, repo string, err error) {
	parts := strings.Split(fullName, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repository full name %q, want owner/repo", fullName)
	}
	return parts[0], parts[1], nil
}
