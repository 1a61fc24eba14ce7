package dtos

import (
	"strconv"
	"strings"

	"github.com/iota-uz/dashsync/modules/layouts/domain/region"
)

const (
	// MergePatchContentType is the media type of region PATCH bodies (RFC 7386).
	MergePatchContentType = "application/merge-patch+json"
	// VersionHeader carries the version a PATCH expects to supersede.
	VersionHeader = "If-Match"
)

type RegionsResponse struct {
	LayoutID string          `json:"layout_id"`
	Regions  []region.Remote `json:"regions"`
}

type TemplatesResponse struct {
	Role    string            `json:"role"`
	Regions []region.Template `json:"regions"`
}

type ReorderRequest struct {
	IDs []string `json:"ids"`
}

// APIError is the error envelope of the layout API. Version conflicts carry
// the server's current region.
type APIError struct {
	Message string            `json:"message"`
	Code    string            `json:"code"`
	Meta    map[string]string `json:"meta,omitempty"`
	Region  *region.Remote    `json:"region,omitempty"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

func FormatVersion(v int64) string {
	return strconv.Quote(strconv.FormatInt(v, 10))
}

// ParseVersion accepts both quoted and bare entity tags.
func ParseVersion(raw string) (int64, error) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "W/")
	raw = strings.Trim(raw, `"`)
	return strconv.ParseInt(raw, 10, 64)
}

// LayoutChangeMessage is one frame of the layout change feed.
type LayoutChangeMessage struct {
	Kind     string         `json:"kind"`
	LayoutID string         `json:"layout_id"`
	Region   *region.Remote `json:"region,omitempty"`
	RegionID string         `json:"region_id,omitempty"`
	IDs      []string       `json:"ids,omitempty"`
}
