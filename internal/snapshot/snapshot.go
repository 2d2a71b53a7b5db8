// Package snapshot captures manifests of the agent working directory.
// A manifest taken before execution and another taken after are the evidence
// used to decide whether a timed-out run actually finished its work.
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hermesproj/hermes/internal/checksum"
	"github.com/hermesproj/hermes/internal/fsutil"
)

// FileInfo records one file observed in the working directory
type FileInfo struct {
	Path   string    `json:"path"`
	SHA256 string    `json:"sha256"`
	Size   int64     `json:"size"`
	Mtime  time.Time `json:"mtime"`
}

// Manifest is the state of the working directory at a point in time
type Manifest struct {
	CapturedAt time.Time  `json:"captured_at"`
	Root       string     `json:"root"`
	Files      []FileInfo `json:"files"`
}

// excludedDirs are never walked: VCS internals, dependency trees, and the
// orchestrator's own state directory must not count as execution evidence.
var excludedDirs = map[string]bool{
	".git":         true,
	".hg":          true,
	"node_modules": true,
	".cache":       true,
	".hermes":      true,
}

// Capture walks root and builds a manifest of every regular file.
// Files are sorted by path so manifests are deterministic.
func Capture(root string) (*Manifest, error) {
	var files []FileInfo

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			// Files can vanish mid-walk while the agent is working
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}

		if info.IsDir() {
			if excludedDirs[filepath.Base(path)] {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		if strings.HasPrefix(filepath.Base(path), ".") {
			return nil
		}

		relPath, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("failed to compute relative path: %w", err)
		}
		relPath = filepath.ToSlash(relPath)

		hash, err := checksum.SHA256File(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("failed to compute checksum for %s: %w", relPath, err)
		}

		files = append(files, FileInfo{
			Path:   relPath,
			SHA256: hash,
			Size:   info.Size(),
			Mtime:  info.ModTime().UTC(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Path < files[j].Path
	})

	return &Manifest{
		CapturedAt: time.Now().UTC(),
		Root:       root,
		Files:      files,
	}, nil
}

// Diff returns the sorted set of paths that are new, modified, or removed in
// after relative to before. A non-empty diff is evidence that the agent did
// filesystem work.
func Diff(before, after *Manifest) []string {
	prev := make(map[string]string, len(before.Files))
	for _, f := range before.Files {
		prev[f.Path] = f.SHA256
	}

	changed := make(map[string]bool)
	seen := make(map[string]bool, len(after.Files))
	for _, f := range after.Files {
		seen[f.Path] = true
		if hash, ok := prev[f.Path]; !ok || hash != f.SHA256 {
			changed[f.Path] = true
		}
	}
	for path := range prev {
		if !seen[path] {
			changed[path] = true
		}
	}

	paths := make([]string, 0, len(changed))
	for path := range changed {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// Save writes a manifest to disk atomically so it survives a crash taken
// between capture and execution.
func Save(m *Manifest, path string) error {
	return fsutil.AtomicWriteJSON(path, m)
}

// Load reads a manifest written by Save
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal manifest: %w", err)
	}
	return &m, nil
}
