package artifacts

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// LocalStore stores artifacts on the local filesystem.
//
// Layout: base/<session>/<filename>/<version><ext>, where session and
// filename are base64url encoded so arbitrary names stay inside base.
type LocalStore struct {
	mu       sync.Mutex
	basePath string
}

// NewLocalStore creates a local disk store.
func NewLocalStore(basePath string) (*LocalStore, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, fmt.Errorf("artifact directory is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact directory: %w", err)
	}
	return &LocalStore{basePath: basePath}, nil
}

// Save writes data as the next version of the file.
func (s *LocalStore) Save(ctx context.Context, obj Object, data io.Reader) (int, error) {
	if err := obj.Validate(); err != nil {
		return 0, err
	}
	dir := s.fileDir(obj.SessionKey, obj.Filename)

	// Version allocation and the rename must not interleave between savers.
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create artifact dir: %w", err)
	}
	versions, err := listVersions(dir)
	if err != nil {
		return 0, err
	}
	version := 1
	if len(versions) > 0 {
		version = versions[len(versions)-1].number + 1
	}
	filePath := filepath.Join(dir, fmt.Sprintf("%08d%s", version, extensionForMime(obj.MimeType)))

	// Write to temp file first, then atomic rename
	tmpPath := filePath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(f, data); err != nil {
		f.Close()
		os.Remove(tmpPath) //nolint:errcheck
		return 0, fmt.Errorf("write artifact: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath) //nolint:errcheck
		return 0, fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath) //nolint:errcheck
		return 0, fmt.Errorf("rename artifact: %w", err)
	}
	return version, nil
}

// LoadBytes reads a stored version from disk.
func (s *LocalStore) LoadBytes(ctx context.Context, sessionKey, filename string, version int) ([]byte, error) {
	if err := checkVersion(version); err != nil {
		return nil, err
	}
	versions, err := listVersions(s.fileDir(sessionKey, filename))
	if err != nil {
		return nil, err
	}
	var match *localVersion
	if version == Latest && len(versions) > 0 {
		match = &versions[len(versions)-1]
	}
	for i := range versions {
		if version != Latest && versions[i].number == version {
			match = &versions[i]
			break
		}
	}
	if match == nil {
		return nil, notFound(sessionKey, filename, version)
	}
	data, err := os.ReadFile(match.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, notFound(sessionKey, filename, version)
		}
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	return data, nil
}

// DeleteSession removes the session directory.
func (s *LocalStore) DeleteSession(ctx context.Context, sessionKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.RemoveAll(filepath.Join(s.basePath, encodeName(sessionKey))); err != nil {
		return fmt.Errorf("delete session artifacts: %w", err)
	}
	return nil
}

// PruneOlderThan removes files last modified before cutoff.
func (s *LocalStore) PruneOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	err := filepath.WalkDir(s.basePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || strings.HasSuffix(path, ".tmp") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return count, fmt.Errorf("prune artifacts: %w", err)
	}
	return count, nil
}

// Close releases resources.
func (s *LocalStore) Close() error {
	return nil
}

func (s *LocalStore) fileDir(sessionKey, filename string) string {
	return filepath.Join(s.basePath, encodeName(sessionKey), encodeName(filename))
}

type localVersion struct {
	number int
	path   string
}

// listVersions returns the versions stored in dir in ascending order.
func listVersions(dir string) ([]localVersion, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list artifact versions: %w", err)
	}
	versions := make([]localVersion, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasSuffix(name, ".tmp") {
			continue
		}
		stem := strings.TrimSuffix(name, filepath.Ext(name))
		n, err := strconv.Atoi(stem)
		if err != nil || n <= 0 {
			continue
		}
		versions = append(versions, localVersion{number: n, path: filepath.Join(dir, name)})
	}
	// ReadDir sorts by name and names are zero padded.
	return versions, nil
}

func encodeName(name string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(name))
}

// extensionForMime returns a file extension for a MIME type.
func extensionForMime(mimeType string) string {
	switch mimeType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "audio/mpeg":
		return ".mp3"
	case "audio/wav":
		return ".wav"
	case "application/pdf":
		return ".pdf"
	case "text/plain":
		return ".txt"
	case "application/json":
		return ".json"
	default:
		return ".dat"
	}
}
