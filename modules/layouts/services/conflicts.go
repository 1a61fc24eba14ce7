package services

import (
	"encoding/json"
	"time"

	"github.com/wI2L/jsondiff"

	"github.com/iota-uz/dashsync/modules/layouts/domain/region"
)

type ConflictReason string

const (
	// ConflictStaleLoad: a load returned an older version than the local one.
	ConflictStaleLoad ConflictReason = "stale_load"
	// ConflictVersionMismatch: the server moved on while local work was queued.
	ConflictVersionMismatch ConflictReason = "version_mismatch"
	// ConflictWriteMismatch: a write was acknowledged with an unexpected version.
	ConflictWriteMismatch ConflictReason = "write_mismatch"
	ConflictRejected      ConflictReason = "rejected"
)

// Conflict records a divergence between local and server state. The store
// never drops server state without recording one.
type Conflict struct {
	RegionID      string         `json:"region_id"`
	LayoutID      string         `json:"layout_id"`
	LocalVersion  int64          `json:"local_version"`
	RemoteVersion int64          `json:"remote_version"`
	LocalState    region.Region  `json:"local_state"`
	RemoteState   *region.Region `json:"remote_state,omitempty"`
	// Diff is an RFC 6902 patch turning LocalState into RemoteState.
	Diff       json.RawMessage `json:"diff,omitempty"`
	Reason     ConflictReason  `json:"reason"`
	DetectedAt time.Time       `json:"detected_at"`
}

// Blocking reports whether the region must not be written until the conflict
// is resolved. Stale loads only flag the region.
func (c Conflict) Blocking() bool {
	return c.Reason != ConflictStaleLoad
}

func newConflict(reason ConflictReason, local region.Region, localVersion int64, remote *region.Region, remoteVersion int64, at time.Time) Conflict {
	c := Conflict{
		RegionID:      local.ID,
		LayoutID:      local.LayoutID,
		LocalVersion:  localVersion,
		RemoteVersion: remoteVersion,
		LocalState:    local.Clone(),
		Reason:        reason,
		DetectedAt:    at,
	}
	if remote != nil {
		rs := remote.Clone()
		c.RemoteState = &rs
		if patch, err := jsondiff.Compare(local, rs); err == nil && len(patch) > 0 {
			if b, err := json.Marshal(patch); err == nil {
				c.Diff = b
			}
		}
	}
	return c
}

func (c Conflict) clone() Conflict {
	out := c
	out.LocalState = c.LocalState.Clone()
	if c.RemoteState != nil {
		rs := c.RemoteState.Clone()
		out.RemoteState = &rs
	}
	if c.Diff != nil {
		out.Diff = append(json.RawMessage(nil), c.Diff...)
	}
	return out
}

type Resolution int

const (
	// KeepLocal rebases the local state onto the server version and sends it.
	KeepLocal Resolution = iota + 1
	// AcceptRemote discards local changes and adopts the server state.
	AcceptRemote
)

func (r Resolution) String() string {
	switch r {
	case KeepLocal:
		return "keep_local"
	case AcceptRemote:
		return "accept_remote"
	default:
		return "unknown"
	}
}

// ParseConflictPolicy maps a configured policy to an automatic resolution.
// "manual" (or empty) yields false.
func ParseConflictPolicy(policy string) (Resolution, bool) {
	switch policy {
	case "local":
		return KeepLocal, true
	case "remote":
		return AcceptRemote, true
	default:
		return 0, false
	}
}
