package region

// Patch is a partial region mutation. Nil fields are left untouched.
type Patch struct {
	GridRow     *int  `json:"grid_row,omitempty"`
	GridCol     *int  `json:"grid_col,omitempty"`
	RowSpan     *int  `json:"row_span,omitempty"`
	ColSpan     *int  `json:"col_span,omitempty"`
	IsCollapsed *bool `json:"is_collapsed,omitempty"`
	IsLocked    *bool `json:"is_locked,omitempty"`
	Order       *int  `json:"order,omitempty"`
}

func Int(v int) *int { return &v }

func Bool(v bool) *bool { return &v }

func (p Patch) IsEmpty() bool {
	return p.GridRow == nil && p.GridCol == nil && p.RowSpan == nil && p.ColSpan == nil &&
		p.IsCollapsed == nil && p.IsLocked == nil && p.Order == nil
}

func (p Patch) TouchesGeometry() bool {
	return p.GridRow != nil || p.GridCol != nil || p.RowSpan != nil || p.ColSpan != nil
}

// Merge returns p overlaid with later; fields set in later win.
func (p Patch) Merge(later Patch) Patch {
	out := p.clone()
	if later.GridRow != nil {
		out.GridRow = Int(*later.GridRow)
	}
	if later.GridCol != nil {
		out.GridCol = Int(*later.GridCol)
	}
	if later.RowSpan != nil {
		out.RowSpan = Int(*later.RowSpan)
	}
	if later.ColSpan != nil {
		out.ColSpan = Int(*later.ColSpan)
	}
	if later.IsCollapsed != nil {
		out.IsCollapsed = Bool(*later.IsCollapsed)
	}
	if later.IsLocked != nil {
		out.IsLocked = Bool(*later.IsLocked)
	}
	if later.Order != nil {
		out.Order = Int(*later.Order)
	}
	return out
}

func (p Patch) clone() Patch {
	copyInt := func(v *int) *int {
		if v == nil {
			return nil
		}
		return Int(*v)
	}
	copyBool := func(v *bool) *bool {
		if v == nil {
			return nil
		}
		return Bool(*v)
	}
	return Patch{
		GridRow:     copyInt(p.GridRow),
		GridCol:     copyInt(p.GridCol),
		RowSpan:     copyInt(p.RowSpan),
		ColSpan:     copyInt(p.ColSpan),
		IsCollapsed: copyBool(p.IsCollapsed),
		IsLocked:    copyBool(p.IsLocked),
		Order:       copyInt(p.Order),
	}
}

// Apply returns r with the patch fields applied.
func (p Patch) Apply(r Region) Region {
	out := r.Clone()
	if p.GridRow != nil {
		out.GridRow = *p.GridRow
	}
	if p.GridCol != nil {
		out.GridCol = *p.GridCol
	}
	if p.RowSpan != nil {
		out.RowSpan = *p.RowSpan
	}
	if p.ColSpan != nil {
		out.ColSpan = *p.ColSpan
	}
	if p.IsCollapsed != nil {
		out.IsCollapsed = *p.IsCollapsed
	}
	if p.IsLocked != nil {
		out.IsLocked = *p.IsLocked
	}
	if p.Order != nil {
		out.Order = Int(*p.Order)
	}
	return out
}

// Normalize rewrites the geometry fields p touches to the values they have
// in after, and adds any geometry field that differs between before and
// after. Clamping one field can move another, e.g. a widened span pulls the
// column left, so the outgoing patch must carry both.
func (p Patch) Normalize(before, after Region) Patch {
	out := p.clone()
	if out.GridRow != nil || before.GridRow != after.GridRow {
		out.GridRow = Int(after.GridRow)
	}
	if out.GridCol != nil || before.GridCol != after.GridCol {
		out.GridCol = Int(after.GridCol)
	}
	if out.RowSpan != nil || before.RowSpan != after.RowSpan {
		out.RowSpan = Int(after.RowSpan)
	}
	if out.ColSpan != nil || before.ColSpan != after.ColSpan {
		out.ColSpan = Int(after.ColSpan)
	}
	return out
}

// FullPatch sets every mutable field of r.
func FullPatch(r Region) Patch {
	p := Patch{
		GridRow:     Int(r.GridRow),
		GridCol:     Int(r.GridCol),
		RowSpan:     Int(r.RowSpan),
		ColSpan:     Int(r.ColSpan),
		IsCollapsed: Bool(r.IsCollapsed),
		IsLocked:    Bool(r.IsLocked),
	}
	if r.Order != nil {
		p.Order = Int(*r.Order)
	}
	return p
}
