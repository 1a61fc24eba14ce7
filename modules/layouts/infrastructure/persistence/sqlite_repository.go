package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/iota-uz/dashsync/modules/layouts/domain/region"
	"github.com/iota-uz/dashsync/modules/layouts/services"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS layout_regions (
	id           TEXT PRIMARY KEY,
	layout_id    TEXT NOT NULL,
	region_type  TEXT NOT NULL,
	grid_row     INTEGER NOT NULL CHECK (grid_row >= 0),
	grid_col     INTEGER NOT NULL CHECK (grid_col BETWEEN 0 AND 11),
	row_span     INTEGER NOT NULL CHECK (row_span BETWEEN 1 AND 20),
	col_span     INTEGER NOT NULL CHECK (col_span BETWEEN 1 AND 12),
	is_collapsed INTEGER NOT NULL DEFAULT 0,
	is_locked    INTEGER NOT NULL DEFAULT 0,
	sort_order   INTEGER,
	version      INTEGER NOT NULL DEFAULT 1,
	CHECK (grid_col + col_span <= 12)
);
CREATE INDEX IF NOT EXISTS layout_regions_layout_idx ON layout_regions (layout_id);
CREATE TABLE IF NOT EXISTS layout_region_links (
	region_id   TEXT PRIMARY KEY,
	resource    TEXT NOT NULL,
	resource_id TEXT NOT NULL
);`

// SQLiteRegionRepository stores regions in a single SQLite file for
// single-node deployments.
type SQLiteRegionRepository struct {
	db *sql.DB
}

// NewSQLiteRegionRepository opens (or creates) the database at path. An empty
// path or ":memory:" keeps everything in memory.
func NewSQLiteRegionRepository(path string) (*SQLiteRegionRepository, error) {
	if path == "" {
		path = ":memory:"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// sqlite serializes writers; one connection also keeps :memory: databases alive.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create layout tables: %w", err)
	}
	return &SQLiteRegionRepository{db: db}, nil
}

func (r *SQLiteRegionRepository) Close() error {
	return r.db.Close()
}

func (r *SQLiteRegionRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRemote(row rowScanner) (region.Remote, error) {
	var (
		rm    region.Remote
		typ   string
		order sql.NullInt64
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
	if order.Valid {
		rm.Order = region.Int(int(order.Int64))
	}
	return rm, nil
}

func nullOrder(o *int) sql.NullInt64 {
	if o == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*o), Valid: true}
}

func (r *SQLiteRegionRepository) List(ctx context.Context, layoutID string) ([]region.Remote, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+regionColumns+`
FROM layout_regions
WHERE layout_id = ?
ORDER BY sort_order NULLS LAST, grid_row, grid_col, id`, layoutID)
	if err != nil {
		return nil, fmt.Errorf("select regions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]region.Remote, 0)
	for rows.Next() {
		rm, err := scanSQLiteRemote(rows)
		if err != nil {
			return nil, fmt.Errorf("scan region: %w", err)
		}
		out = append(out, rm)
	}
	return out, rows.Err()
}

func (r *SQLiteRegionRepository) Get(ctx context.Context, layoutID, id string) (region.Remote, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+regionColumns+` FROM layout_regions WHERE layout_id = ? AND id = ?`, layoutID, id)
	rm, err := scanSQLiteRemote(row)
	if errors.Is(err, sql.ErrNoRows) {
		return region.Remote{}, fmt.Errorf("%w: %s", services.ErrNotFound, id)
	}
	return rm, err
}

func (r *SQLiteRegionRepository) Count(ctx context.Context, layoutID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM layout_regions WHERE layout_id = ?`, layoutID).Scan(&n)
	return n, err
}

func (r *SQLiteRegionRepository) Insert(ctx context.Context, rm region.Remote) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO layout_regions (`+regionColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rm.ID, rm.LayoutID, string(rm.Type), rm.GridRow, rm.GridCol, rm.RowSpan, rm.ColSpan,
		rm.IsCollapsed, rm.IsLocked, nullOrder(rm.Order), rm.Version)
	return err
}

// Update is a compare-and-swap on version.
func (r *SQLiteRegionRepository) Update(ctx context.Context, rm region.Remote, expected int64) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE layout_regions
SET grid_row = ?, grid_col = ?, row_span = ?, col_span = ?,
    is_collapsed = ?, is_locked = ?, sort_order = ?, version = ?
WHERE layout_id = ? AND id = ? AND version = ?`,
		rm.GridRow, rm.GridCol, rm.RowSpan, rm.ColSpan, rm.IsCollapsed, rm.IsLocked,
		nullOrder(rm.Order), rm.Version, rm.LayoutID, rm.ID, expected)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 1 {
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

func (r *SQLiteRegionRepository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) (retErr error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func requireAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", services.ErrNotFound, id)
	}
	return nil
}

func (r *SQLiteRegionRepository) Delete(ctx context.Context, layoutID, id string) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM layout_regions WHERE layout_id = ? AND id = ?`, layoutID, id)
		if err != nil {
			return err
		}
		if err := requireAffected(res, id); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM layout_region_links WHERE region_id = ?`, id)
		return err
	})
}

// Reorder updates every region in one transaction; a missing id rolls the
// whole batch back.
func (r *SQLiteRegionRepository) Reorder(ctx context.Context, layoutID string, orderedIDs []string) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		for i, id := range orderedIDs {
			res, err := tx.ExecContext(ctx, `UPDATE layout_regions SET sort_order = ? WHERE layout_id = ? AND id = ?`, i, layoutID, id)
			if err != nil {
				return err
			}
			if err := requireAffected(res, id); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *SQLiteRegionRepository) Link(ctx context.Context, layoutID, id string, link region.Linkage) error {
	res, err := r.db.ExecContext(ctx, `
INSERT INTO layout_region_links (region_id, resource, resource_id)
SELECT id, ?, ? FROM layout_regions WHERE layout_id = ? AND id = ?
ON CONFLICT (region_id) DO UPDATE SET resource = excluded.resource, resource_id = excluded.resource_id`,
		link.Resource, link.ResourceID, layoutID, id)
	if err != nil {
		return err
	}
	return requireAffected(res, id)
}

func (r *SQLiteRegionRepository) Unlink(ctx context.Context, layoutID, id string) error {
	res, err := r.db.ExecContext(ctx, `
DELETE FROM layout_region_links
WHERE region_id = ? AND EXISTS (SELECT 1 FROM layout_regions WHERE layout_id = ? AND id = ?)`,
		id, layoutID, id)
	if err != nil {
		return err
	}
	return requireAffected(res, id)
}

var _ services.RegionRepository = (*SQLiteRegionRepository)(nil)
