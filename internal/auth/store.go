package auth

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ArtifactStore persists the session artifact the provider restores on the
// next start. The controller clears it whenever the session is invalidated.
//
// Implementations must be safe for concurrent use.
type ArtifactStore interface {
	// Save replaces the stored artifact.
	Save(ctx context.Context, session *Session) error

	// Load returns the stored artifact, or nil if there is none.
	Load(ctx context.Context) (*Session, error)

	// Clear removes the stored artifact. Returns nil if nothing is stored.
	Clear(ctx context.Context) error
}

// artifact is the persisted form of a Session.
type artifact struct {
	UserID       string         `json:"user_id"`
	AccessToken  string         `json:"access_token"`
	RefreshToken string         `json:"refresh_token"`
	ExpiresAt    time.Time      `json:"expires_at"`
	Claims       map[string]any `json:"claims,omitempty"`
}

// MarshalArtifact encodes a session in the on-disk artifact format.
func MarshalArtifact(s *Session) ([]byte, error) {
	if s == nil {
		return nil, NewError(ErrSessionInvalid, "session cannot be nil", nil)
	}
	return json.Marshal(artifact{
		UserID:       s.UserID,
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		ExpiresAt:    s.ExpiresAt.UTC(),
		Claims:       s.RawClaims,
	})
}

// UnmarshalArtifact decodes an artifact written by MarshalArtifact.
func UnmarshalArtifact(data []byte) (*Session, error) {
	var a artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, WrapError(ErrArtifactCorrupt, "failed to decode session artifact", err, nil)
	}
	if a.UserID == "" || a.AccessToken == "" {
		return nil, NewError(ErrArtifactCorrupt, "session artifact is incomplete", nil)
	}
	return &Session{
		UserID:       a.UserID,
		AccessToken:  a.AccessToken,
		RefreshToken: a.RefreshToken,
		ExpiresAt:    a.ExpiresAt,
		RawClaims:    a.Claims,
	}, nil
}

// FileStore keeps the artifact in a single JSON file readable only by the owner.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a file-backed store at path.
// The parent directory is created on first Save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the artifact file location.
func (f *FileStore) Path() string {
	return f.path
}

// Save writes the artifact atomically with 0600 permissions.
func (f *FileStore) Save(ctx context.Context, session *Session) error {
	data, err := MarshalArtifact(session)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return WrapError(ErrArtifactStoreFailed, "failed to create artifact directory", err,
			map[string]any{"path": f.path})
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return WrapError(ErrArtifactStoreFailed, "failed to write session artifact", err,
			map[string]any{"path": f.path})
	}
	if err := os.Rename(tmp, f.path); err != nil {
		_ = os.Remove(tmp)
		return WrapError(ErrArtifactStoreFailed, "failed to replace session artifact", err,
			map[string]any{"path": f.path})
	}
	return nil
}

// Load reads the artifact. A missing file is not an error.
func (f *FileStore) Load(ctx context.Context) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, WrapError(ErrArtifactStoreFailed, "failed to read session artifact", err,
			map[string]any{"path": f.path})
	}
	return UnmarshalArtifact(data)
}

// Clear deletes the artifact file.
func (f *FileStore) Clear(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return WrapError(ErrArtifactStoreFailed, "failed to remove session artifact", err,
			map[string]any{"path": f.path})
	}
	return nil
}

// MemoryStore implements in-memory artifact storage.
//
// This is suitable for tests and for server processes that should not
// outlive their session.
type MemoryStore struct {
	mu      sync.RWMutex
	session *Session
	clears  int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Save stores the session.
func (m *MemoryStore) Save(ctx context.Context, session *Session) error {
	if session == nil {
		return NewError(ErrSessionInvalid, "session cannot be nil", nil)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *session
	m.session = &cp
	return nil
}

// Load returns a copy of the stored session.
func (m *MemoryStore) Load(ctx context.Context) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return nil, nil
	}
	cp := *m.session
	return &cp, nil
}

// Clear drops the stored session.
func (m *MemoryStore) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = nil
	m.clears++
	return nil
}

// Clears returns how many times Clear has been called.
func (m *MemoryStore) Clears() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.clears
}
