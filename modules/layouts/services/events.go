package services

import "github.com/iota-uz/dashsync/modules/layouts/domain/region"

// Store lifecycle events, published on the event bus after the store lock is
// released.

type LayoutLoadedEvent struct {
	LayoutID string
	Regions  []region.Region
}

type RegionConfirmedEvent struct {
	LayoutID string
	Region   region.Region
	Version  int64
}

type RegionConflictedEvent struct {
	Conflict Conflict
}

type RegionRolledBackEvent struct {
	LayoutID string
	RegionID string
	Op       string
	Err      error
	// Discarded is the optimistic state that was dropped, tagged
	// StateRolledBack. Nil when the rollback restored a removed region.
	Discarded *VersionedRegion
}

// RegionWriteFailedEvent is published when a debounced write fails; nobody
// is waiting on the call that queued it.
type RegionWriteFailedEvent struct {
	LayoutID string
	RegionID string
	Err      error
}

type LayoutChangeKind string

const (
	ChangeUpserted  LayoutChangeKind = "upserted"
	ChangeDeleted   LayoutChangeKind = "deleted"
	ChangeReordered LayoutChangeKind = "reordered"
)

// LayoutChangedEvent is published by LayoutService after a write commits.
// Region is set for upserts, RegionID for deletes and IDs for reorders.
type LayoutChangedEvent struct {
	LayoutID string
	Kind     LayoutChangeKind
	Region   *region.Remote
	RegionID string
	IDs      []string
}
