package services

import (
	"context"

	"github.com/iota-uz/dashsync/modules/layouts/domain/region"
)

type CreateRequest struct {
	Type     region.Type     `json:"region_type" validate:"required,region_type"`
	Position region.Position `json:"position"`
}

// Gateway is the remote persistence API for dashboard layouts. Every call may
// fail with ErrNetworkFailure, ErrValidationRejected, ErrNotFound or a
// *VersionConflictError.
type Gateway interface {
	List(ctx context.Context, layoutID string) ([]region.Remote, error)
	Create(ctx context.Context, layoutID string, req CreateRequest) (region.Remote, error)
	// Update applies patch if the stored version still equals expectedVersion.
	Update(ctx context.Context, layoutID, regionID string, patch region.Patch, expectedVersion int64) (region.Remote, error)
	Delete(ctx context.Context, layoutID, regionID string) error
	Reorder(ctx context.Context, layoutID string, orderedIDs []string) error
	RoleDefaults(ctx context.Context, role string) ([]region.Template, error)
	Link(ctx context.Context, layoutID, regionID string, link region.Linkage) error
	Unlink(ctx context.Context, layoutID, regionID string) error
}
