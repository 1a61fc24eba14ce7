package region

import (
	"strings"

	"github.com/google/uuid"
)

type Type string

const (
	TypeScheduling  Type = "scheduling"
	TypeAnalytics   Type = "analytics"
	TypeWorkOrders  Type = "work_orders"
	TypeCustomers   Type = "customers"
	TypeBilling     Type = "billing"
	TypeTechnicians Type = "technicians"
	TypeInventory   Type = "inventory"
	TypeNotes       Type = "notes"
)

var types = []Type{
	TypeScheduling,
	TypeAnalytics,
	TypeWorkOrders,
	TypeCustomers,
	TypeBilling,
	TypeTechnicians,
	TypeInventory,
	TypeNotes,
}

// Types returns the closed set of card kinds.
func Types() []Type {
	out := make([]Type, len(types))
	copy(out, types)
	return out
}

func (t Type) Valid() bool {
	for _, known := range types {
		if t == known {
			return true
		}
	}
	return false
}

func ParseType(s string) (Type, bool) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	return t, t.Valid()
}

const (
	DefaultRowSpan = 4
	DefaultColSpan = 6
)

const tempIDPrefix = "tmp-"

// NewTempID returns a client-side id used until the backend assigns one.
func NewTempID() string {
	return tempIDPrefix + uuid.NewString()
}

func IsTempID(id string) bool {
	return strings.HasPrefix(id, tempIDPrefix)
}

// Region is a rectangle placed on a dashboard grid.
type Region struct {
	ID          string `json:"id"`
	LayoutID    string `json:"layout_id"`
	Type        Type   `json:"region_type"`
	GridRow     int    `json:"grid_row"`
	GridCol     int    `json:"grid_col"`
	RowSpan     int    `json:"row_span"`
	ColSpan     int    `json:"col_span"`
	IsCollapsed bool   `json:"is_collapsed"`
	IsLocked    bool   `json:"is_locked"`
	Order       *int   `json:"order,omitempty"`
}

func (r Region) Clone() Region {
	if r.Order != nil {
		o := *r.Order
		r.Order = &o
	}
	return r
}

func (r Region) Equal(other Region) bool {
	if (r.Order == nil) != (other.Order == nil) {
		return false
	}
	if r.Order != nil && *r.Order != *other.Order {
		return false
	}
	a, b := r, other
	a.Order, b.Order = nil, nil
	return a == b
}

// Remote is a region as stored by the backend, with its version.
type Remote struct {
	Region
	Version int64 `json:"version"`
}

type Position struct {
	Row     int `json:"grid_row" yaml:"row"`
	Col     int `json:"grid_col" yaml:"col"`
	RowSpan int `json:"row_span" yaml:"row_span"`
	ColSpan int `json:"col_span" yaml:"col_span"`
}

// WithDefaults fills zero spans with the default card size.
func (p Position) WithDefaults() Position {
	if p.RowSpan == 0 {
		p.RowSpan = DefaultRowSpan
	}
	if p.ColSpan == 0 {
		p.ColSpan = DefaultColSpan
	}
	return p
}

// Template describes one card of a role's default dashboard.
type Template struct {
	Type     Type     `json:"region_type" yaml:"type"`
	Position Position `json:"position" yaml:"position"`
}

// Linkage ties a region to a CRM record, e.g. a work order it tracks.
type Linkage struct {
	Resource   string `json:"resource" validate:"required"`
	ResourceID string `json:"resource_id" validate:"required"`
}
