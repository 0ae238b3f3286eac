// Package profile owns sandbox profile directories: one fresh directory
// per sandbox, never reused, removed on release and optionally archived
// first.
package profile

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"
)

const dirPrefix = "sandbox_"

// ErrOwned is returned when a sandbox already owns a directory
var ErrOwned = errors.New("sandbox already owns a profile directory")

// Manager allocates and releases profile directories below a root
type Manager struct {
	fs         afero.Fs
	root       string
	archiveDir string

	mu    sync.Mutex
	owned map[int64]string
	now   func() time.Time
}

// NewManager creates the root and archive directories on fs
func NewManager(fs afero.Fs, root, archiveDir string) (*Manager, error) {
	for _, dir := range []string{root, archiveDir} {
		if dir == "" {
			continue
		}
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	return &Manager{
		fs:         fs,
		root:       root,
		archiveDir: archiveDir,
		owned:      make(map[int64]string),
		now:        time.Now,
	}, nil
}

// Allocate creates a fresh directory for sandboxID. The name carries a
// random component so a path is never handed out twice.
func (m *Manager) Allocate(sandboxID int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if dir, ok := m.owned[sandboxID]; ok {
		return "", fmt.Errorf("sandbox %d (%s): %w", sandboxID, dir, ErrOwned)
	}

	dir := filepath.Join(m.root, fmt.Sprintf("%s%d_%s", dirPrefix, sandboxID, uuid.NewString()))
	if err := m.fs.Mkdir(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create profile directory: %w", err)
	}
	m.owned[sandboxID] = dir
	return dir, nil
}

// Path returns the directory owned by sandboxID
func (m *Manager) Path(sandboxID int64) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dir, ok := m.owned[sandboxID]
	return dir, ok
}

// Release removes the directory owned by sandboxID. Releasing a sandbox
// that owns nothing is a no-op.
func (m *Manager) Release(sandboxID int64) error {
	m.mu.Lock()
	dir, ok := m.owned[sandboxID]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if err := m.fs.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove profile directory: %w", err)
	}

	m.mu.Lock()
	delete(m.owned, sandboxID)
	m.mu.Unlock()
	return nil
}

// Prune removes sandbox directories below the root that nobody owns,
// such as those left behind by a crashed process.
func (m *Manager) Prune() ([]string, error) {
	infos, err := afero.ReadDir(m.fs, m.root)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	owned := make(map[string]bool, len(m.owned))
	for _, dir := range m.owned {
		owned[dir] = true
	}
	m.mu.Unlock()

	var removed []string
	for _, fi := range infos {
		path := filepath.Join(m.root, fi.Name())
		if !fi.IsDir() || !strings.HasPrefix(fi.Name(), dirPrefix) || owned[path] {
			continue
		}
		if err := m.fs.RemoveAll(path); err != nil {
			return removed, fmt.Errorf("failed to prune %s: %w", path, err)
		}
		removed = append(removed, path)
	}
	return removed, nil
}

// Archive writes a tar.gz snapshot of sandboxID's directory to the
// archive directory and returns its path. Only directories and regular
// files are stored; lock symlinks and sockets of a browser profile are
// skipped.
func (m *Manager) Archive(sandboxID int64) (string, error) {
	dir, ok := m.Path(sandboxID)
	if !ok {
		return "", fmt.Errorf("sandbox %d owns no profile directory", sandboxID)
	}
	if m.archiveDir == "" {
		return "", errors.New("no archive directory configured")
	}

	target := filepath.Join(m.archiveDir,
		fmt.Sprintf("%s%d_%s.tar.gz", dirPrefix, sandboxID, m.now().UTC().Format("20060102T150405")))
	if err := m.compressDirectory(dir, target); err != nil {
		_ = m.fs.Remove(target)
		return "", fmt.Errorf("failed to archive profile: %w", err)
	}
	return target, nil
}

// compressDirectory creates a tar.gz archive of a directory
func (m *Manager) compressDirectory(source, target string) error {
	file, err := m.fs.Create(target)
	if err != nil {
		return err
	}
	defer file.Close()

	gzWriter := gzip.NewWriter(file)
	tarWriter := tar.NewWriter(gzWriter)

	walkErr := afero.Walk(m.fs, source, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && !info.Mode().IsRegular() {
			return nil
		}

		relPath, err := filepath.Rel(source, path)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(relPath)
		if info.IsDir() {
			header.Name += "/"
		}

		if err := tarWriter.WriteHeader(header); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		src, err := m.fs.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()

		_, err = io.Copy(tarWriter, src)
		return err
	})

	if err := tarWriter.Close(); err != nil && walkErr == nil {
		walkErr = err
	}
	if err := gzWriter.Close(); err != nil && walkErr == nil {
		walkErr = err
	}
	return walkErr
}
