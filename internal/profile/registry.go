package profile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Registry indexes end entity profiles by id and name and writes every
// change through to a Store.
type Registry struct {
	store  Store
	logger *slog.Logger

	mu     sync.RWMutex
	byID   map[int]*Profile
	byName map[string]int
	nextID int
}

// NewRegistry creates a registry backed by store. Call Load to populate it.
func NewRegistry(store Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:  store,
		logger: logger,
		byID:   make(map[int]*Profile),
		byName: make(map[string]int),
		nextID: 1,
	}
}

// Load reads every profile from the store. Profiles with a duplicate id or
// name are logged and skipped. Profiles upgraded while loading are saved back.
func (r *Registry) Load(ctx context.Context) error {
	profiles, err := r.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load profiles: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range profiles {
		if p.ID <= 0 {
			r.logger.Warn("skipping profile without id", "profile", p.Name)
			continue
		}
		if _, ok := r.byID[p.ID]; ok {
			r.logger.Warn("skipping profile with duplicate id", "profile", p.Name, "id", p.ID)
			continue
		}
		if _, ok := r.byName[nameKey(p.Name)]; ok {
			r.logger.Warn("skipping profile with duplicate name", "profile", p.Name, "id", p.ID)
			continue
		}
		p.WithLogger(r.logger)
		if p.upgraded || p.Upgrade() {
			if err := r.store.Save(ctx, p); err != nil {
				r.logger.Error("failed to persist upgraded profile", "profile", p.Name, "error", err)
			} else {
				p.upgraded = false
			}
		}
		r.byID[p.ID] = p
		r.byName[nameKey(p.Name)] = p.ID
		if p.ID >= r.nextID {
			r.nextID = p.ID + 1
		}
	}
	return nil
}

func nameKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Add registers a new profile and returns its id. A zero id is assigned
// automatically.
func (r *Registry) Add(ctx context.Context, p *Profile) (int, error) {
	if strings.TrimSpace(p.Name) == "" {
		return 0, fmt.Errorf("%w: profile name is required", ErrInvalidProfile)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[nameKey(p.Name)]; ok {
		return 0, NewProfileError(p.Name, ErrProfileExists)
	}
	c := p.Clone()
	if c.ID == 0 {
		c.ID = r.nextID
	}
	if _, ok := r.byID[c.ID]; ok {
		return 0, NewProfileError(p.Name, fmt.Errorf("%w: id %d in use", ErrProfileExists, c.ID))
	}
	c.WithLogger(r.logger)
	if err := r.store.Save(ctx, c); err != nil {
		return 0, err
	}
	r.byID[c.ID] = c
	r.byName[nameKey(c.Name)] = c.ID
	if c.ID >= r.nextID {
		r.nextID = c.ID + 1
	}
	r.logger.Info("added end entity profile", "profile", c.Name, "id", c.ID)
	return c.ID, nil
}

// Profile returns a copy of the profile with the given id.
func (r *Registry) Profile(_ context.Context, id int) (*Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	if !ok {
		return nil, NewProfileError(fmt.Sprintf("#%d", id), ErrProfileNotFound)
	}
	return p.Clone(), nil
}

// ByName returns a copy of the named profile.
func (r *Registry) ByName(_ context.Context, name string) (*Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[nameKey(name)]
	if !ok {
		return nil, NewProfileError(name, ErrProfileNotFound)
	}
	return r.byID[id].Clone(), nil
}

// IDByName returns the id of the named profile.
func (r *Registry) IDByName(name string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[nameKey(name)]
	return id, ok
}

// Update replaces a registered profile. The name and type must not change;
// use Rename to change the name.
func (r *Registry) Update(ctx context.Context, p *Profile) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.byID[p.ID]
	if !ok {
		return NewProfileError(p.Name, ErrProfileNotFound)
	}
	if nameKey(cur.Name) != nameKey(p.Name) {
		return NewProfileError(p.Name, fmt.Errorf("%w: use rename to change the name", ErrInvalidProfile))
	}
	if cur.Type() != p.Type() {
		return NewProfileError(p.Name, ErrTypeImmutable)
	}
	c := p.Clone()
	c.WithLogger(r.logger)
	if err := r.store.Save(ctx, c); err != nil {
		return err
	}
	r.byID[c.ID] = c
	return nil
}

// Rename changes the name of a profile.
func (r *Registry) Rename(ctx context.Context, oldName, newName string) error {
	if strings.TrimSpace(newName) == "" {
		return fmt.Errorf("%w: profile name is required", ErrInvalidProfile)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byName[nameKey(oldName)]
	if !ok {
		return NewProfileError(oldName, ErrProfileNotFound)
	}
	if other, ok := r.byName[nameKey(newName)]; ok && other != id {
		return NewProfileError(newName, ErrProfileExists)
	}
	c := r.byID[id].Clone()
	c.Name = newName
	if err := r.store.Save(ctx, c); err != nil {
		return err
	}
	delete(r.byName, nameKey(oldName))
	r.byID[id] = c
	r.byName[nameKey(newName)] = id
	return nil
}

// CloneProfile registers a copy of an existing profile under a new name and
// returns the new id.
func (r *Registry) CloneProfile(ctx context.Context, origName, newName string) (int, error) {
	orig, err := r.ByName(ctx, origName)
	if err != nil {
		return 0, err
	}
	orig.ID = 0
	orig.Name = newName
	return r.Add(ctx, orig)
}

// Remove deletes the named profile.
func (r *Registry) Remove(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byName[nameKey(name)]
	if !ok {
		return NewProfileError(name, ErrProfileNotFound)
	}
	if err := r.store.Delete(ctx, id); err != nil {
		return err
	}
	delete(r.byName, nameKey(name))
	delete(r.byID, id)
	r.logger.Info("removed end entity profile", "profile", name, "id", id)
	return nil
}

// List returns the registered profiles ordered by id.
func (r *Registry) List() []*Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Profile, 0, len(r.byID))
	for _, p := range r.byID {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Names returns the id to name mapping of every registered profile.
func (r *Registry) Names() map[int]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[int]string, len(r.byID))
	for id, p := range r.byID {
		out[id] = p.Name
	}
	return out
}

// ProfilesUsingCertProfile returns the names of profiles that list a
// certificate profile as available.
func (r *Registry) ProfilesUsingCertProfile(certProfileID int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, p := range r.byID {
		for _, id := range p.AvailableCertProfiles() {
			if id == certProfileID {
				out = append(out, p.Name)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// ProfilesUsingCA returns the names of profiles that list a CA as available.
func (r *Registry) ProfilesUsingCA(caID int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, p := range r.byID {
		for _, id := range p.AvailableCAs() {
			if id == caID {
				out = append(out, p.Name)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}
