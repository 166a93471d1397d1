package user

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryDirectory backs the memory store driver. Profiles are registered with
// Put; nothing is persisted.
type MemoryDirectory struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

func NewMemoryDirectory(profiles ...Profile) *MemoryDirectory {
	d := &MemoryDirectory{profiles: make(map[string]Profile, len(profiles))}
	for _, p := range profiles {
		d.profiles[p.ID] = p
	}
	return d
}

func (d *MemoryDirectory) Put(p Profile) {
	d.mu.Lock()
	d.profiles[p.ID] = p
	d.mu.Unlock()
}

func (d *MemoryDirectory) GetProfiles(_ context.Context, ids []string) (map[string]Profile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string]Profile, len(ids))
	for _, id := range ids {
		if p, ok := d.profiles[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

// SearchUsers mirrors the repository: case-insensitive substring match on
// username or full name, caller excluded, at most 10 results by username.
func (d *MemoryDirectory) SearchUsers(_ context.Context, term, excludeID string) ([]Profile, error) {
	needle := strings.ToLower(term)

	d.mu.RLock()
	out := []Profile{}
	for _, p := range d.profiles {
		if p.ID == excludeID {
			continue
		}
		if strings.Contains(strings.ToLower(p.Username), needle) || strings.Contains(strings.ToLower(p.FullName), needle) {
			out = append(out, p)
		}
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	if len(out) > 10 {
		out = out[:10]
	}
	return out, nil
}
