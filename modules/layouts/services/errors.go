package services

import (
	"errors"
	"fmt"

	"github.com/iota-uz/dashsync/modules/layouts/domain/region"
	"github.com/iota-uz/dashsync/pkg/serrors"
)

var (
	ErrNetworkFailure     = serrors.NewError("LAYOUT_NETWORK_FAILURE", "layout service unreachable", "Layouts.Errors.NetworkFailure")
	ErrValidationRejected = serrors.NewError("LAYOUT_VALIDATION_REJECTED", "layout change rejected", "Layouts.Errors.ValidationRejected")
	ErrVersionConflict    = serrors.NewError("LAYOUT_VERSION_CONFLICT", "region version conflict", "Layouts.Errors.VersionConflict")
	ErrNotFound           = serrors.NewError("LAYOUT_NOT_FOUND", "region not found on server", "Layouts.Errors.NotFound")

	ErrRegionNotFound     = serrors.NewError("LAYOUT_REGION_NOT_FOUND", "region not found", "Layouts.Errors.RegionNotFound")
	ErrRegionLocked       = serrors.NewError("LAYOUT_REGION_LOCKED", "region is locked", "Layouts.Errors.RegionLocked")
	ErrUnknownRegionType  = serrors.NewError("LAYOUT_UNKNOWN_REGION_TYPE", "unknown region type", "Layouts.Errors.UnknownRegionType")
	ErrUnknownRole        = serrors.NewError("LAYOUT_UNKNOWN_ROLE", "no default layout for role", "Layouts.Errors.UnknownRole")
	ErrNoConflict         = serrors.NewError("LAYOUT_NO_CONFLICT", "region has no recorded conflict", "Layouts.Errors.NoConflict")
	ErrLoadSuperseded     = serrors.NewError("LAYOUT_LOAD_SUPERSEDED", "a newer load for this layout started", "")
)

// VersionConflictError reports that the stored version differs from the one
// the writer expected to supersede.
type VersionConflictError struct {
	RegionID string
	Expected int64
	Actual   int64
	// Remote is the server's current state when the response carried it.
	Remote *region.Remote
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("%s: region %s expected version %d, server has %d", ErrVersionConflict.Message, e.RegionID, e.Expected, e.Actual)
}

func (e *VersionConflictError) Unwrap() error { return ErrVersionConflict }

// IsRetryable reports whether err is a transient failure worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetworkFailure)
}
