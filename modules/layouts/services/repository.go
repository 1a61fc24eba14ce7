package services

import (
	"context"

	"github.com/iota-uz/dashsync/modules/layouts/domain/region"
)

// RegionRepository stores regions for the layout service. Lookups of missing
// regions return ErrNotFound.
type RegionRepository interface {
	List(ctx context.Context, layoutID string) ([]region.Remote, error)
	Get(ctx context.Context, layoutID, id string) (region.Remote, error)
	Count(ctx context.Context, layoutID string) (int, error)
	Insert(ctx context.Context, rm region.Remote) error
	// Update replaces the stored region if its version still equals expected,
	// otherwise it returns a *VersionConflictError.
	Update(ctx context.Context, rm region.Remote, expected int64) error
	Delete(ctx context.Context, layoutID, id string) error
	// Reorder sets order = index for every id atomically. Versions are not
	// bumped.
	Reorder(ctx context.Context, layoutID string, orderedIDs []string) error
	Link(ctx context.Context, layoutID, id string, link region.Linkage) error
	Unlink(ctx context.Context, layoutID, id string) error
}

// DefaultsSource returns a role's default dashboard, or ErrUnknownRole.
type DefaultsSource interface {
	RoleDefaults(ctx context.Context, role string) ([]region.Template, error)
}
