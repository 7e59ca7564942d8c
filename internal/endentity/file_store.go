package endentity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileStore implements Store using the filesystem.
// Layout:
//
//	{basePath}/{escaped username}.json
type FileStore struct {
	basePath string
	mu       sync.RWMutex
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates a new file-based end entity store.
func NewFileStore(basePath string) *FileStore {
	return &FileStore{basePath: basePath}
}

// BasePath returns the end entities directory path.
func (s *FileStore) BasePath() string {
	return s.basePath
}

func (s *FileStore) recordPath(username string) string {
	return filepath.Join(s.basePath, url.PathEscape(username)+".json")
}

// Create implements Store.
func (s *FileStore) Create(ctx context.Context, e *EndEntity) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.recordPath(e.Username)); err == nil {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, e.Username)
	}
	return s.writeUnlocked(e)
}

// Get implements Store.
func (s *FileStore) Get(ctx context.Context, username string) (*EndEntity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadUnlocked(s.recordPath(username), username)
}

// Update implements Store.
func (s *FileStore) Update(ctx context.Context, e *EndEntity) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.recordPath(e.Username)); os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrNotFound, e.Username)
	}
	return s.writeUnlocked(e)
}

// Delete implements Store.
func (s *FileStore) Delete(ctx context.Context, username string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.recordPath(username)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, username)
		}
		return fmt.Errorf("failed to delete end entity: %w", err)
	}
	return nil
}

// List implements Store.
func (s *FileStore) List(ctx context.Context, filter Filter) ([]*EndEntity, error) {
	all, err := s.loadAll(ctx)
	if err != nil {
		return nil, err
	}
	var out []*EndEntity
	for _, e := range all {
		if filter.Match(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// FindBySerialNumber implements Store.
func (s *FileStore) FindBySerialNumber(ctx context.Context, caID int, serial string) ([]string, error) {
	all, err := s.loadAll(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range all {
		if e.CAID == caID && SerialNumberOf(e.SubjectDN) == serial {
			out = append(out, e.Username)
		}
	}
	return out, nil
}

func (s *FileStore) loadAll(ctx context.Context) ([]*EndEntity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read end entities directory: %w", err)
	}

	var out []*EndEntity
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		username, err := url.PathUnescape(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			continue
		}
		e, err := s.loadUnlocked(filepath.Join(s.basePath, entry.Name()), username)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (s *FileStore) loadUnlocked(path, username string) (*EndEntity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, username)
		}
		return nil, fmt.Errorf("failed to read end entity: %w", err)
	}

	var e EndEntity
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to parse end entity %s: %w", username, err)
	}
	return &e, nil
}

func (s *FileStore) writeUnlocked(e *EndEntity) error {
	if err := os.MkdirAll(s.basePath, 0700); err != nil {
		return fmt.Errorf("failed to create end entities directory: %w", err)
	}

	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal end entity: %w", err)
	}

	path := s.recordPath(e.Username)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write end entity: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to write end entity: %w", err)
	}
	return nil
}
