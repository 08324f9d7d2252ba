// Package resources keeps the per-session registry of artifacts exposed to
// MCP clients by reference.
//
// An entry only records metadata and a URI. Bytes are fetched from artifact
// storage every time a resource is read, and a URI always resolves to the
// latest stored version of its file.
package resources

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/agentbridge/internal/artifacts"
	"github.com/haasonsaas/agentbridge/internal/contentpolicy"
	"github.com/haasonsaas/agentbridge/internal/mcp"
)

const (
	// Scheme is the URI scheme of registered artifacts.
	Scheme = "artifact"

	// URITemplate is the RFC 6570 template advertised to clients.
	URITemplate = Scheme + "://{session}/{filename}"
)

// ErrResourceNotFound is returned when a session has no entry for a file,
// or storage no longer holds its bytes.
var ErrResourceNotFound = mcp.ErrResourceNotFound

// ByteLoader fetches artifact bytes from storage. Version 0 means latest.
// A missing artifact is reported with artifacts.ErrNotFound.
type ByteLoader interface {
	LoadBytes(ctx context.Context, sessionKey, filename string, version int) ([]byte, error)
}

// Entry is the registry record for one file of one session.
type Entry struct {
	SessionID    string
	Filename     string
	URI          string
	MimeType     string
	Size         int64 // -1 when unknown
	Owner        string
	Version      int // version seen at registration; reads use the latest
	RegisteredAt time.Time
}

// Registry is the session-scoped resource store.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]map[string]*Entry
	loader   ByteLoader
	logger   *slog.Logger
	now      func() time.Time
}

// NewRegistry creates a registry that reads bytes through loader.
func NewRegistry(loader ByteLoader, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]map[string]*Entry),
		loader:   loader,
		logger:   logger.With("component", "resources"),
		now:      time.Now,
	}
}

// URIFor derives the URI of a file within a session.
func URIFor(sessionID, filename string) string {
	return Scheme + "://" + url.PathEscape(sessionID) + "/" + url.PathEscape(filename)
}

// ParseURI splits a URI produced by URIFor.
func ParseURI(uri string) (sessionID, filename string, err error) {
	rest, ok := strings.CutPrefix(uri, Scheme+"://")
	if !ok {
		return "", "", fmt.Errorf("unsupported resource uri %q", uri)
	}
	rawSession, rawFile, ok := strings.Cut(rest, "/")
	if !ok || rawSession == "" || rawFile == "" {
		return "", "", fmt.Errorf("malformed resource uri %q", uri)
	}
	if sessionID, err = url.PathUnescape(rawSession); err != nil {
		return "", "", fmt.Errorf("malformed resource uri %q: %w", uri, err)
	}
	if filename, err = url.PathUnescape(rawFile); err != nil {
		return "", "", fmt.Errorf("malformed resource uri %q: %w", uri, err)
	}
	return sessionID, filename, nil
}

// Register records a file for a session and returns its URI. Registering a
// known file returns the same URI; the only update made is filling in a
// size that was previously unknown.
func (r *Registry) Register(sessionID, filename, mimeType string, size int64, owner string, version int) string {
	uri := URIFor(sessionID, filename)

	r.mu.Lock()
	defer r.mu.Unlock()

	files, ok := r.sessions[sessionID]
	if !ok {
		files = make(map[string]*Entry)
		r.sessions[sessionID] = files
	}
	if existing, ok := files[filename]; ok {
		if existing.Size < 0 && size >= 0 {
			existing.Size = size
		}
		return existing.URI
	}

	if size < 0 {
		size = -1
	}
	files[filename] = &Entry{
		SessionID:    sessionID,
		Filename:     filename,
		URI:          uri,
		MimeType:     mimeType,
		Size:         size,
		Owner:        owner,
		Version:      version,
		RegisteredAt: r.now(),
	}
	r.logger.Debug("resource registered",
		"session_id", sessionID,
		"filename", filename,
		"mime_type", mimeType,
		"size", size,
		"owner", owner)
	return uri
}

// Lookup returns a copy of the entry for a file.
func (r *Registry) Lookup(sessionID, filename string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.sessions[sessionID][filename]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// Read fetches the bytes of a registered file.
func (r *Registry) Read(ctx context.Context, sessionID, filename string) ([]byte, string, error) {
	entry, ok := r.Lookup(sessionID, filename)
	if !ok {
		return nil, "", fmt.Errorf("%w: %s in session %s", ErrResourceNotFound, filename, sessionID)
	}
	if r.loader == nil {
		return nil, "", fmt.Errorf("read %s: no artifact storage configured", filename)
	}

	data, err := r.loader.LoadBytes(ctx, sessionID, filename, 0)
	if err != nil {
		if errors.Is(err, artifacts.ErrNotFound) {
			return nil, "", fmt.Errorf("%w: %s has no stored bytes", ErrResourceNotFound, filename)
		}
		return nil, "", fmt.Errorf("read %s: %w", filename, err)
	}
	return data, entry.MimeType, nil
}

// ReadURI reads a resource by URI on behalf of a session. A URI that names
// another session is not found.
func (r *Registry) ReadURI(ctx context.Context, sessionID, uri string) ([]byte, string, error) {
	owner, filename, err := ParseURI(uri)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrResourceNotFound, err)
	}
	if owner != sessionID {
		return nil, "", fmt.Errorf("%w: %s", ErrResourceNotFound, uri)
	}
	return r.Read(ctx, sessionID, filename)
}

// List returns the entries of a session sorted by filename.
func (r *Registry) List(sessionID string) []Entry {
	r.mu.RLock()
	files := r.sessions[sessionID]
	entries := make([]Entry, 0, len(files))
	for _, entry := range files {
		entries = append(entries, *entry)
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Filename < entries[j].Filename
	})
	return entries
}

// Clear drops every entry of a session and returns how many were removed.
func (r *Registry) Clear(sessionID string) int {
	r.mu.Lock()
	n := len(r.sessions[sessionID])
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	if n > 0 {
		r.logger.Debug("session resources cleared", "session_id", sessionID, "count", n)
	}
	return n
}

// Sessions returns the number of sessions holding at least one entry.
func (r *Registry) Sessions() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ListResources implements mcp.ResourceProvider.
func (r *Registry) ListResources(sessionID string) []mcp.Resource {
	entries := r.List(sessionID)
	out := make([]mcp.Resource, 0, len(entries))
	for _, entry := range entries {
		res := mcp.Resource{
			URI:      entry.URI,
			Name:     entry.Filename,
			MimeType: entry.MimeType,
		}
		if entry.Size >= 0 {
			size := entry.Size
			res.Size = &size
		}
		out = append(out, res)
	}
	return out
}

// ReadResource implements mcp.ResourceProvider. Textual content is returned
// as text, everything else as a base64 blob.
func (r *Registry) ReadResource(ctx context.Context, sessionID, uri string) ([]mcp.ResourceContent, error) {
	data, mimeType, err := r.ReadURI(ctx, sessionID, uri)
	if err != nil {
		return nil, err
	}
	content := mcp.ResourceContent{URI: uri, MimeType: mimeType}
	if contentpolicy.FamilyOf(mimeType, data) == contentpolicy.FamilyText {
		content.Text = string(data)
	} else {
		content.Blob = base64.StdEncoding.EncodeToString(data)
	}
	return []mcp.ResourceContent{content}, nil
}
