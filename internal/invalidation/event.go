// Package invalidation turns "dataset changed" events into tile deletions.
package invalidation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/mohammed-shakir/geotile-cache/internal/core/model"
)

// ErrInvalidEvent marks events that can never be applied; consumers skip
// them instead of retrying.
var ErrInvalidEvent = errors.New("invalid invalidation event")

const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
	// OpPurge drops every tile of the dataset.
	OpPurge = "purge"
)

type Event struct {
	// Version orders events per dataset; zero disables deduplication.
	Version uint64 `json:"version"`
	Op      string `json:"op"`
	Dataset string `json:"dataset,omitempty"`
	// Layer is accepted for producers that name datasets after their layer.
	Layer    string          `json:"layer,omitempty"`
	TS       time.Time       `json:"ts"`
	Source   string          `json:"source,omitempty"`
	BBox     *model.BBox     `json:"bbox,omitempty"`
	Geometry json.RawMessage `json:"geometry,omitempty"`
	H3Cells  []string        `json:"h3_cells,omitempty"`
	// Zooms limits deletion to these zoom levels; empty means all.
	Zooms []int `json:"zooms,omitempty"`
}

func (e Event) DatasetID() string {
	if d := strings.TrimSpace(e.Dataset); d != "" {
		return d
	}
	return strings.TrimSpace(e.Layer)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidEvent, fmt.Sprintf(format, args...))
}

func (e Event) Validate() error {
	switch e.Op {
	case OpInsert, OpUpdate, OpDelete, OpPurge:
	default:
		return invalid("op must be insert|update|delete|purge")
	}
	if e.DatasetID() == "" {
		return invalid("dataset is required")
	}
	if e.TS.IsZero() {
		return invalid("ts is required")
	}
	for _, z := range e.Zooms {
		if z < 0 {
			return invalid("negative zoom %d", z)
		}
	}
	n := 0
	if e.BBox != nil {
		n++
	}
	if len(e.Geometry) > 0 {
		n++
	}
	if len(e.H3Cells) > 0 {
		n++
	}
	if e.Op == OpPurge {
		return nil
	}
	if n != 1 {
		return invalid("exactly one of bbox, geometry or h3_cells is required")
	}
	if e.BBox != nil {
		if err := e.BBox.Validate(); err != nil {
			return invalid("bbox: %v", err)
		}
		return nil
	}
	if len(e.Geometry) > 0 {
		// quick GeoJSON Polygon/MultiPolygon header check
		var hdr struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(e.Geometry, &hdr); err != nil {
			return invalid("geometry parse: %v", err)
		}
		if hdr.Type != "Polygon" && hdr.Type != "MultiPolygon" {
			return invalid("geometry.type must be Polygon or MultiPolygon")
		}
	}
	return nil
}
