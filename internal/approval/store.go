package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Store persists approval requests.
type Store interface {
	Backend
	Get(ctx context.Context, id string) (*Request, error)
	Update(ctx context.Context, r *Request) error
	List(ctx context.Context, status Status) ([]*Request, error)
}

// Approve records an approval by approver. The requester cannot approve
// their own request and each approver counts once. The request moves to
// StatusApproved when enough approvals are collected.
func Approve(ctx context.Context, s Store, id, approver string) (*Request, error) {
	r, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotPending, id, r.Status)
	}
	if approver == r.Requester {
		return nil, ErrSelfApproval
	}
	for _, a := range r.Approvers {
		if a == approver {
			return r, nil
		}
	}
	r.Approvers = append(r.Approvers, approver)
	if r.Approved() {
		r.Status = StatusApproved
	}
	if err := s.Update(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Reject marks a pending request rejected.
func Reject(ctx context.Context, s Store, id string) (*Request, error) {
	r, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotPending, id, r.Status)
	}
	r.Status = StatusRejected
	if err := s.Update(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

func cloneRequest(r *Request) *Request {
	c := *r
	c.Before = append([]byte(nil), r.Before...)
	c.After = append([]byte(nil), r.After...)
	c.Approvers = append([]string(nil), r.Approvers...)
	return &c
}

func sortRequests(out []*Request) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].Created.Equal(out[j].Created) {
			return out[i].ID < out[j].ID
		}
		return out[i].Created.Before(out[j].Created)
	})
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*Request
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]*Request)}
}

// File implements Backend.
func (m *MemoryStore) File(ctx context.Context, r *Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[r.ID]; ok {
		return fmt.Errorf("approval request %s already filed", r.ID)
	}
	m.requests[r.ID] = cloneRequest(r)
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, id string) (*Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}
	return cloneRequest(r), nil
}

// Update implements Store.
func (m *MemoryStore) Update(ctx context.Context, r *Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[r.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrRequestNotFound, r.ID)
	}
	m.requests[r.ID] = cloneRequest(r)
	return nil
}

// List implements Store. An empty status lists every request.
func (m *MemoryStore) List(ctx context.Context, status Status) ([]*Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Request
	for _, r := range m.requests {
		if status == "" || r.Status == status {
			out = append(out, cloneRequest(r))
		}
	}
	sortRequests(out)
	return out, nil
}

// FileStore keeps one JSON file per request in a directory.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates a FileStore rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (f *FileStore) path(id string) string {
	return filepath.Join(f.dir, id+".json")
}

func (f *FileStore) write(r *Request) error {
	if err := os.MkdirAll(f.dir, 0700); err != nil {
		return fmt.Errorf("failed to create approval directory: %w", err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal approval request: %w", err)
	}
	tmp := f.path(r.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write approval request: %w", err)
	}
	if err := os.Rename(tmp, f.path(r.ID)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to save approval request: %w", err)
	}
	return nil
}

func (f *FileStore) read(id string) (*Request, error) {
	if strings.ContainsAny(id, `/\`) || id == "" {
		return nil, fmt.Errorf("%w: %q", ErrRequestNotFound, id)
	}
	data, err := os.ReadFile(f.path(id))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read approval request: %w", err)
	}
	var r Request
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse approval request %s: %w", id, err)
	}
	return &r, nil
}

// File implements Backend.
func (f *FileStore) File(ctx context.Context, r *Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := os.Stat(f.path(r.ID)); err == nil {
		return fmt.Errorf("approval request %s already filed", r.ID)
	}
	return f.write(r)
}

// Get implements Store.
func (f *FileStore) Get(ctx context.Context, id string) (*Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read(id)
}

// Update implements Store.
func (f *FileStore) Update(ctx context.Context, r *Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.read(r.ID); err != nil {
		return err
	}
	return f.write(r)
}

// List implements Store. An empty status lists every request.
func (f *FileStore) List(ctx context.Context, status Status) ([]*Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	entries, err := os.ReadDir(f.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list approval requests: %w", err)
	}
	var out []*Request
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		r, err := f.read(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			return nil, err
		}
		if status == "" || r.Status == status {
			out = append(out, r)
		}
	}
	sortRequests(out)
	return out, nil
}
