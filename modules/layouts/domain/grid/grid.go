// Package grid clamps region geometry onto the fixed 12-column dashboard
// grid. Every function is pure and never fails: out-of-range input is
// corrected to the nearest legal value.
package grid

import "github.com/iota-uz/dashsync/modules/layouts/domain/region"

const (
	Columns    = 12
	MaxRowSpan = 20
	MaxColSpan = Columns
)

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

// ClampPosition clamps a proposed top-left cell for a region colSpan wide.
// When the column and the existing span disagree, the column moves.
func ClampPosition(row, col, colSpan int) (int, int) {
	colSpan = clamp(colSpan, 1, MaxColSpan)
	row = max(0, row)
	col = clamp(col, 0, Columns-1)
	if col+colSpan > Columns {
		col = Columns - colSpan
	}
	return row, col
}

// ClampSize clamps proposed spans for a region whose left edge is col.
func ClampSize(rowSpan, colSpan, col int) (int, int) {
	col = clamp(col, 0, Columns-1)
	rowSpan = clamp(rowSpan, 1, MaxRowSpan)
	colSpan = clamp(colSpan, 1, MaxColSpan)
	if col+colSpan > Columns {
		colSpan = Columns - col
	}
	return rowSpan, colSpan
}

// ClampRegion normalizes the whole rectangle: spans first, then position.
func ClampRegion(r region.Region) region.Region {
	r.RowSpan = clamp(r.RowSpan, 1, MaxRowSpan)
	r.ColSpan = clamp(r.ColSpan, 1, MaxColSpan)
	r.GridRow, r.GridCol = ClampPosition(r.GridRow, r.GridCol, r.ColSpan)
	return r
}

// Valid reports whether r satisfies every grid invariant.
func Valid(r region.Region) bool {
	return r.GridRow >= 0 &&
		r.GridCol >= 0 && r.GridCol < Columns &&
		r.RowSpan >= 1 && r.RowSpan <= MaxRowSpan &&
		r.ColSpan >= 1 && r.ColSpan <= MaxColSpan &&
		r.GridCol+r.ColSpan <= Columns
}
