package persistence

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/iota-uz/dashsync/modules/layouts/domain/region"
	"github.com/iota-uz/dashsync/modules/layouts/services"
)

// MemoryRegionRepository keeps regions in process memory. It is used by the
// smoke command and tests.
type MemoryRegionRepository struct {
	mu      sync.RWMutex
	regions map[string]region.Remote
	links   map[string]region.Linkage
}

func NewMemoryRegionRepository() *MemoryRegionRepository {
	return &MemoryRegionRepository{
		regions: map[string]region.Remote{},
		links:   map[string]region.Linkage{},
	}
}

func cloneRemote(rm region.Remote) region.Remote {
	rm.Region = rm.Region.Clone()
	return rm
}

func (r *MemoryRegionRepository) List(_ context.Context, layoutID string) ([]region.Remote, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]region.Remote, 0)
	for _, rm := range r.regions {
		if rm.LayoutID == layoutID {
			out = append(out, cloneRemote(rm))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch {
		case a.Order != nil && b.Order == nil:
			return true
		case a.Order == nil && b.Order != nil:
			return false
		case a.Order != nil && *a.Order != *b.Order:
			return *a.Order < *b.Order
		}
		if a.GridRow != b.GridRow {
			return a.GridRow < b.GridRow
		}
		if a.GridCol != b.GridCol {
			return a.GridCol < b.GridCol
		}
		return a.ID < b.ID
	})
	return out, nil
}

func (r *MemoryRegionRepository) getLocked(layoutID, id string) (region.Remote, error) {
	rm, ok := r.regions[id]
	if !ok || rm.LayoutID != layoutID {
		return region.Remote{}, fmt.Errorf("%w: %s", services.ErrNotFound, id)
	}
	return cloneRemote(rm), nil
}

func (r *MemoryRegionRepository) Get(_ context.Context, layoutID, id string) (region.Remote, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.getLocked(layoutID, id)
}

func (r *MemoryRegionRepository) Count(_ context.Context, layoutID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, rm := range r.regions {
		if rm.LayoutID == layoutID {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRegionRepository) Insert(_ context.Context, rm region.Remote) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.regions[rm.ID]; exists {
		return fmt.Errorf("region %s already exists", rm.ID)
	}
	r.regions[rm.ID] = cloneRemote(rm)
	return nil
}

func (r *MemoryRegionRepository) Update(_ context.Context, rm region.Remote, expected int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, err := r.getLocked(rm.LayoutID, rm.ID)
	if err != nil {
		return err
	}
	if current.Version != expected {
		return &services.VersionConflictError{RegionID: rm.ID, Expected: expected, Actual: current.Version, Remote: &current}
	}
	r.regions[rm.ID] = cloneRemote(rm)
	return nil
}

func (r *MemoryRegionRepository) Delete(_ context.Context, layoutID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.getLocked(layoutID, id); err != nil {
		return err
	}
	delete(r.regions, id)
	delete(r.links, id)
	return nil
}

func (r *MemoryRegionRepository) Reorder(_ context.Context, layoutID string, orderedIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range orderedIDs {
		if _, err := r.getLocked(layoutID, id); err != nil {
			return err
		}
	}
	for i, id := range orderedIDs {
		rm := r.regions[id]
		rm.Order = region.Int(i)
		r.regions[id] = rm
	}
	return nil
}

func (r *MemoryRegionRepository) Link(_ context.Context, layoutID, id string, link region.Linkage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.getLocked(layoutID, id); err != nil {
		return err
	}
	r.links[id] = link
	return nil
}

func (r *MemoryRegionRepository) Unlink(_ context.Context, layoutID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.getLocked(layoutID, id); err != nil {
		return err
	}
	if _, ok := r.links[id]; !ok {
		return fmt.Errorf("%w: link of %s", services.ErrNotFound, id)
	}
	delete(r.links, id)
	return nil
}

// Linkage returns the link recorded for a region.
func (r *MemoryRegionRepository) Linkage(id string) (region.Linkage, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.links[id]
	return l, ok
}

var (
	_ services.RegionRepository = (*MemoryRegionRepository)(nil)
	_ services.RegionRepository = (*RegionRepository)(nil)
)
