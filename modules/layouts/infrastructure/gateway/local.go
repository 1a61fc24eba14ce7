package gateway

import (
	"context"

	"github.com/iota-uz/dashsync/modules/layouts/domain/region"
	"github.com/iota-uz/dashsync/modules/layouts/services"
)

// LocalGateway serves a RegionStore straight from a LayoutService in the same
// process.
type LocalGateway struct {
	service *services.LayoutService
}

func NewLocalGateway(service *services.LayoutService) *LocalGateway {
	return &LocalGateway{service: service}
}

func (g *LocalGateway) List(ctx context.Context, layoutID string) ([]region.Remote, error) {
	return g.service.List(ctx, layoutID)
}

func (g *LocalGateway) Create(ctx context.Context, layoutID string, req services.CreateRequest) (region.Remote, error) {
	return g.service.Create(ctx, layoutID, req)
}

func (g *LocalGateway) Update(ctx context.Context, layoutID, regionID string, patch region.Patch, expectedVersion int64) (region.Remote, error) {
	return g.service.UpdatePatch(ctx, layoutID, regionID, patch, expectedVersion)
}

func (g *LocalGateway) Delete(ctx context.Context, layoutID, regionID string) error {
	return g.service.Delete(ctx, layoutID, regionID)
}

func (g *LocalGateway) Reorder(ctx context.Context, layoutID string, orderedIDs []string) error {
	return g.service.Reorder(ctx, layoutID, services.ReorderDTO{IDs: orderedIDs})
}

func (g *LocalGateway) RoleDefaults(ctx context.Context, role string) ([]region.Template, error) {
	return g.service.RoleDefaults(ctx, role)
}

func (g *LocalGateway) Link(ctx context.Context, layoutID, regionID string, link region.Linkage) error {
	return g.service.Link(ctx, layoutID, regionID, link)
}

func (g *LocalGateway) Unlink(ctx context.Context, layoutID, regionID string) error {
	return g.service.Unlink(ctx, layoutID, regionID)
}

var _ services.Gateway = (*LocalGateway)(nil)
