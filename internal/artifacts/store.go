// Package artifacts stores the bytes of files produced by agents.
//
// Files are addressed by session key and filename. Every save creates a new
// version numbered from 1; loading version 0 returns the latest one.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// ErrNotFound is returned when no bytes exist for a requested artifact.
var ErrNotFound = errors.New("artifact not found")

// Latest selects the newest version in LoadBytes.
const Latest = 0

// Object describes a file being saved.
type Object struct {
	SessionKey string
	Filename   string
	MimeType   string
	Owner      string
}

// Validate checks that the object can be addressed.
func (o Object) Validate() error {
	if strings.TrimSpace(o.SessionKey) == "" {
		return fmt.Errorf("session key is required")
	}
	if strings.TrimSpace(o.Filename) == "" {
		return fmt.Errorf("filename is required")
	}
	return nil
}

// Store persists artifact bytes.
type Store interface {
	// Save writes a new version of the object and returns its number.
	Save(ctx context.Context, obj Object, data io.Reader) (int, error)

	// LoadBytes returns the bytes of a version (Latest for the newest).
	LoadBytes(ctx context.Context, sessionKey, filename string, version int) ([]byte, error)

	// DeleteSession removes every artifact of a session.
	DeleteSession(ctx context.Context, sessionKey string) error

	// Close releases backend resources.
	Close() error
}

// Pruner is implemented by stores that can drop old versions.
type Pruner interface {
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

func notFound(sessionKey, filename string, version int) error {
	if version == Latest {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, sessionKey, filename)
	}
	return fmt.Errorf("%w: %s/%s@%d", ErrNotFound, sessionKey, filename, version)
}

func checkVersion(version int) error {
	if version < 0 {
		return fmt.Errorf("invalid artifact version %d", version)
	}
	return nil
}
