package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/iota-uz/dashsync/modules/layouts/domain/region"
	"github.com/iota-uz/dashsync/modules/layouts/services"
)

const regionColumns = `id, layout_id, region_type, grid_row, grid_col, row_span, col_span, is_collapsed, is_locked, sort_order, version`

type RegionRepository struct {
	pool *pgxpool.Pool
}

func NewRegionRepository(pool *pgxpool.Pool) *RegionRepository {
	return &RegionRepository{pool: pool}
}

func (r *RegionRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func scanRemote(row pgx.Row) (region.Remote, error) {
	var (
		rm    region.Remote
		typ   string
		order *int32
	)
	err := row.Scan(
		&rm.ID,
		&rm.LayoutID,
		&typ,
		&rm.GridRow,
		&rm.GridCol,
		&rm.RowSpan,
		&rm.ColSpan,
		&rm.IsCollapsed,
		&rm.IsLocked,
		&order,
		&rm.Version,
	)
	if err != nil {
		return region.Remote{}, err
	}
	rm.Type = region.Type(typ)
	if order != nil {
		rm.Order = region.Int(int(*order))
	}
	return rm, nil
}

func orderParam(o *int) *int32 {
	if o == nil {
		return nil
	}
	v := int32(*o) //nolint:gosec
	return &v
}

func (r *RegionRepository) List(ctx context.Context, layoutID string) ([]region.Remote, error) {
	rows, err := r.pool.Query(ctx, `
SELECT `+regionColumns+`
FROM layout_regions
WHERE layout_id = $1
ORDER BY sort_order NULLS LAST, grid_row, grid_col, id
`, layoutID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]region.Remote, 0)
	for rows.Next() {
		rm, err := scanRemote(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rm)
	}
	return out, rows.Err()
}

func (r *RegionRepository) Get(ctx context.Context, layoutID, id string) (region.Remote, error) {
	rm, err := scanRemote(r.pool.QueryRow(ctx, `
SELECT `+regionColumns+`
FROM layout_regions
WHERE layout_id = $1 AND id = $2
`, layoutID, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return region.Remote{}, fmt.Errorf("%w: %s", services.ErrNotFound, id)
	}
	return rm, err
}

func (r *RegionRepository) Count(ctx context.Context, layoutID string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT count(*) FROM layout_regions WHERE layout_id = $1`, layoutID).Scan(&n)
	return n, err
}

func (r *RegionRepository) Insert(ctx context.Context, rm region.Remote) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO layout_regions (`+regionColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`, rm.ID, rm.LayoutID, string(rm.Type), rm.GridRow, rm.GridCol, rm.RowSpan, rm.ColSpan, rm.IsCollapsed, rm.IsLocked, orderParam(rm.Order), rm.Version)
	return err
}

// Update is a compare-and-swap on version.
func (r *RegionRepository) Update(ctx context.Context, rm region.Remote, expected int64) error {
	tag, err := r.pool.Exec(ctx, `
UPDATE layout_regions
SET grid_row = $3, grid_col = $4, row_span = $5, col_span = $6,
    is_collapsed = $7, is_locked = $8, sort_order = $9, version = $10, updated_at = now()
WHERE layout_id = $1 AND id = $2 AND version = $11
`, rm.LayoutID, rm.ID, rm.GridRow, rm.GridCol, rm.RowSpan, rm.ColSpan, rm.IsCollapsed, rm.IsLocked, orderParam(rm.Order), rm.Version, expected)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	current, err := r.Get(ctx, rm.LayoutID, rm.ID)
	if err != nil {
		return err
	}
	return &services.VersionConflictError{
		RegionID: rm.ID,
		Expected: expected,
		Actual:   current.Version,
		Remote:   &current,
	}
}

func (r *RegionRepository) Delete(ctx context.Context, layoutID, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM layout_regions WHERE layout_id = $1 AND id = $2`, layoutID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", services.ErrNotFound, id)
	}
	return nil
}

// Reorder updates every region in one transaction; a missing id rolls the
// whole batch back.
func (r *RegionRepository) Reorder(ctx context.Context, layoutID string, orderedIDs []string) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for i, id := range orderedIDs {
			batch.Queue(`UPDATE layout_regions SET sort_order = $3, updated_at = now() WHERE layout_id = $1 AND id = $2`, layoutID, id, i)
		}
		results := tx.SendBatch(ctx, batch)
		for _, id := range orderedIDs {
			tag, err := results.Exec()
			if err != nil {
				_ = results.Close()
				return err
			}
			if tag.RowsAffected() == 0 {
				_ = results.Close()
				return fmt.Errorf("%w: %s", services.ErrNotFound, id)
			}
		}
		return results.Close()
	})
}

func (r *RegionRepository) Link(ctx context.Context, layoutID, id string, link region.Linkage) error {
	tag, err := r.pool.Exec(ctx, `
INSERT INTO layout_region_links (region_id, resource, resource_id)
SELECT id, $3, $4 FROM layout_regions WHERE layout_id = $1 AND id = $2
ON CONFLICT (region_id) DO UPDATE SET resource = EXCLUDED.resource, resource_id = EXCLUDED.resource_id
`, layoutID, id, link.Resource, link.ResourceID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", services.ErrNotFound, id)
	}
	return nil
}

func (r *RegionRepository) Unlink(ctx context.Context, layoutID, id string) error {
	tag, err := r.pool.Exec(ctx, `
DELETE FROM layout_region_links l
USING layout_regions r
WHERE l.region_id = r.id AND r.layout_id = $1 AND r.id = $2
`, layoutID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", services.ErrNotFound, id)
	}
	return nil
}
