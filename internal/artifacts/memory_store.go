package artifacts

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

type memoryVersion struct {
	data      []byte
	mimeType  string
	owner     string
	createdAt time.Time
}

type memoryKey struct {
	session  string
	filename string
}

// MemoryStore keeps artifacts in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	versions map[memoryKey][]*memoryVersion
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		versions: make(map[memoryKey][]*memoryVersion),
		now:      time.Now,
	}
}

// Save stores a copy of data as the next version.
func (s *MemoryStore) Save(ctx context.Context, obj Object, data io.Reader) (int, error) {
	if err := obj.Validate(); err != nil {
		return 0, err
	}
	buf, err := io.ReadAll(data)
	if err != nil {
		return 0, fmt.Errorf("read artifact data: %w", err)
	}

	key := memoryKey{session: obj.SessionKey, filename: obj.Filename}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions[key] = append(s.versions[key], &memoryVersion{
		data:      buf,
		mimeType:  obj.MimeType,
		owner:     obj.Owner,
		createdAt: s.now(),
	})
	return len(s.versions[key]), nil
}

// LoadBytes returns a copy of the stored bytes.
func (s *MemoryStore) LoadBytes(ctx context.Context, sessionKey, filename string, version int) ([]byte, error) {
	if err := checkVersion(version); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.versions[memoryKey{session: sessionKey, filename: filename}]
	if version == Latest {
		version = len(list)
	}
	if version == 0 || version > len(list) || list[version-1] == nil {
		return nil, notFound(sessionKey, filename, version)
	}
	v := list[version-1]
	out := make([]byte, len(v.data))
	copy(out, v.data)
	return out, nil
}

// DeleteSession drops every file of a session.
func (s *MemoryStore) DeleteSession(ctx context.Context, sessionKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.versions {
		if key.session == sessionKey {
			delete(s.versions, key)
		}
	}
	return nil
}

// PruneOlderThan clears versions created before cutoff. Version numbers of
// the remaining entries are kept stable.
func (s *MemoryStore) PruneOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for key, list := range s.versions {
		live := 0
		for i, v := range list {
			if v == nil {
				continue
			}
			if v.createdAt.Before(cutoff) {
				list[i] = nil
				count++
				continue
			}
			live++
		}
		if live == 0 {
			delete(s.versions, key)
		}
	}
	return count, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}
